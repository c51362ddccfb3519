// Package imported implements the imported transaction registry (C6)
// and the per-entry subordinate control / XA adapter (C7) of spec.md
// §4.6/§4.7: the gtid-keyed map of locally imported branches, their
// stale-window eviction, and the completion-bit lattice gating which XA
// verb may run next on a given entry.
package imported

import (
	"context"
	"errors"
	"sync/atomic"

	"braces.dev/errtrace"
	"github.com/qmuntal/stateless"

	"github.com/stuartwdouglas/wildfly-transaction-client/engine"
	"github.com/stuartwdouglas/wildfly-transaction-client/log"
	"github.com/stuartwdouglas/wildfly-transaction-client/xaerr"
)

// completionBits form the lattice of spec.md §4.7: each bit, once set,
// never clears.
type completionBits uint32

const (
	beforeComp        completionBits = 1 << 0
	prepareOrRollback completionBits = 1 << 1
	commitOrForget    completionBits = 1 << 2
)

// verb identifies one of the XA adapter's operations, used as a
// stateless.StateMachine trigger below.
type verb string

const (
	verbBeforeCompletion   verb = "beforeCompletion"
	verbPrepare            verb = "prepare"
	verbRollback           verb = "rollback"
	verbForget             verb = "forget"
	verbCommitOnePhase     verb = "commitOnePhase"
	verbCommitTwoPhase     verb = "commitTwoPhase"
)

// verbRule is the static, declarative form of spec.md §4.7's table: the
// bits that must be unset for the verb to run, and the bits it sets on
// success. It is modeled as permitted triggers of a stateless.StateMachine
// keyed by completionBits state, the same modeling C3 uses for its
// read-only preflight veto — here it documents and validates the lattice,
// while the actual concurrent transition is a CAS loop (subctl.go below),
// since stateless.StateMachine itself is not meant to arbitrate concurrent
// callers racing on one shared piece of state.
type verbRule struct {
	requireUnset completionBits
	setOnSuccess completionBits
}

var verbRules = map[verb]verbRule{
	verbBeforeCompletion: {requireUnset: beforeComp, setOnSuccess: beforeComp},
	verbPrepare:          {requireUnset: prepareOrRollback, setOnSuccess: prepareOrRollback | beforeComp},
	verbRollback:         {requireUnset: prepareOrRollback, setOnSuccess: prepareOrRollback | beforeComp},
	verbForget:           {requireUnset: commitOrForget, setOnSuccess: beforeComp | prepareOrRollback | commitOrForget},
	verbCommitOnePhase:   {requireUnset: prepareOrRollback | commitOrForget, setOnSuccess: beforeComp | prepareOrRollback | commitOrForget},
	verbCommitTwoPhase:   {requireUnset: commitOrForget, setOnSuccess: beforeComp | prepareOrRollback | commitOrForget},
}

// newLatticeCheck builds a one-shot stateless.StateMachine per call, used
// only by canFire (via CanFire) to check that verbRules above is internally
// consistent with the lattice shape spec.md §4.7 describes: a trigger is
// permitted from state s iff s has none of its requireUnset bits set.
// Built fresh each time rather than shared, since stateless machines are
// not meant to be fired concurrently from multiple goroutines.
func newLatticeCheck(state completionBits) *stateless.StateMachine {
	sm := stateless.NewStateMachine(state)
	for v, rule := range verbRules {
		if state&rule.requireUnset == 0 {
			sm.Configure(state).Permit(v, state|rule.setOnSuccess)
		}
	}
	return sm
}

// canFire reports whether verb v is permitted from completion state s,
// per the lattice defined by verbRules.
func canFire(s completionBits, v verb) bool {
	sm := newLatticeCheck(s)
	ok, err := sm.CanFire(context.Background(), v)
	return err == nil && ok
}

// completionBits32 is the atomic holder for one entry's completionBits,
// with a CAS-loop claim operation implementing spec.md §4.7's "demands
// certain bits unset and sets a disjunction atomically".
type completionBits32 struct {
	v atomic.Uint32
}

// tryClaim succeeds iff none of requireUnset is currently set, CAS-ing
// in setOnSuccess atomically with the check.
func (c *completionBits32) tryClaim(requireUnset, setOnSuccess completionBits) bool {
	for {
		old := completionBits(c.v.Load())
		if old&requireUnset != 0 {
			return false
		}
		next := old | setOnSuccess
		if c.v.CompareAndSwap(uint32(old), uint32(next)) {
			return true
		}
	}
}

// load returns the current completion bits, for diagnostics and for the
// lattice-shape assertion in canFire.
func (c *completionBits32) load() completionBits {
	return completionBits(c.v.Load())
}

// subordinateControl implements the C7 adapter for one imported entry's
// completionBits, attached to a single engine.Transaction.
type subordinateControl struct {
	tx   engine.Transaction
	bits completionBits32
}

// run applies v's CAS transition (spec.md §4.7: "each verb demands
// certain bits unset and sets a disjunction atomically via CAS loop")
// then invokes the engine call, only after the bits have been
// successfully claimed. verbPrepare is not dispatched here: Prepare()
// below claims the same bits itself and needs the engine's
// PrepareOutcome, which run()'s uniform error-only signature can't carry,
// so it never calls run(ctx, verbPrepare).
func (c *subordinateControl) run(ctx context.Context, v verb) error {
	rule := verbRules[v]
	if !c.bits.tryClaim(rule.requireUnset, rule.setOnSuccess) {
		return errtrace.Wrap(xaerr.New(xaerr.KindInvalidTxnState, "%s: required bits already set", v))
	}
	var err error
	switch v {
	case verbBeforeCompletion:
		err = c.tx.DoBeforeCompletion(ctx)
	case verbRollback:
		err = c.tx.DoRollback(ctx)
	case verbForget:
		err = c.tx.DoForget(ctx)
	case verbCommitOnePhase:
		err = c.tx.DoOnePhaseCommit(ctx)
	case verbCommitTwoPhase:
		err = c.tx.DoCommit(ctx)
	}
	if err != nil {
		return errtrace.Wrap(c.classifyEngineErr(err))
	}
	return nil
}

// heuristicCode maps a HeuristicError's Kind to its XA_HEUR* code
// (spec.md §4.7).
func heuristicCode(k engine.HeuristicKind) xaerr.Code {
	switch k {
	case engine.HeuristicRollback:
		return xaerr.CodeHeurRB
	case engine.HeuristicCommit:
		return xaerr.CodeHeurCom
	case engine.HeuristicHazard:
		return xaerr.CodeHeurHaz
	default:
		return xaerr.CodeHeurMix
	}
}

// classifyEngineErr maps an error returned by DoCommit/DoOnePhaseCommit/
// DoRollback/DoForget to its XA error taxonomy (spec.md §4.7): a
// HeuristicError maps to the corresponding XA_HEUR* code, a
// RollbackError maps to XA_RBROLLBACK, anything else maps to XAER_RMERR.
// Any deferred throwables the engine's atomic-action object exposes are
// attached as suppressed context, never replacing the primary cause
// (spec.md §4.7, §7.6).
func (c *subordinateControl) classifyEngineErr(err error) *xaerr.Error {
	var heur *engine.HeuristicError
	var rollback *engine.RollbackError

	var xerr *xaerr.Error
	switch {
	case errors.As(err, &heur):
		xerr = xaerr.Wrap(xaerr.KindEngineHeuristicOutcome, err, "engine reported a %s outcome", heur.Kind).
			WithCode(heuristicCode(heur.Kind))
		log.Default().Warn("engine reported a heuristic outcome", "kind", heur.Kind)
	case errors.As(err, &rollback):
		xerr = xaerr.Wrap(xaerr.KindRollbackException, err, "engine threw a rollback exception").
			WithCode(xaerr.CodeRBRollback)
	default:
		xerr = xaerr.Wrap(xaerr.KindEngineError, err, "engine call failed").
			WithCode(xaerr.CodeRMErr)
	}
	if deferred := c.tx.GetDeferredThrowables(); len(deferred) > 0 {
		xerr.WithSuppressed(deferred...)
	}
	return xerr
}

// BeforeCompletion runs the beforeCompletion verb.
func (c *subordinateControl) BeforeCompletion(ctx context.Context) error {
	return errtrace.Wrap(c.run(ctx, verbBeforeCompletion))
}

// Prepare runs the prepare verb and maps the engine's outcome per
// spec.md §4.7's return-code table.
func (c *subordinateControl) Prepare(ctx context.Context, onRemove func()) (xaerr.Code, error) {
	rule := verbRules[verbPrepare]
	if !c.bits.tryClaim(rule.requireUnset, rule.setOnSuccess) {
		return 0, errtrace.Wrap(xaerr.New(xaerr.KindInvalidTxnState, "prepare: required bits already set"))
	}
	outcome, err := c.tx.DoPrepare(ctx)
	if err != nil {
		return 0, errtrace.Wrap(err)
	}
	switch outcome {
	case engine.PrepareReadOnly:
		onRemove()
		return xaerr.CodeRDONLY, nil
	case engine.PrepareOK:
		return xaerr.CodeOK, nil
	case engine.PrepareNotOK:
		if rerr := c.tx.DoRollback(ctx); rerr != nil {
			return 0, errtrace.Wrap(c.classifyEngineErr(rerr))
		}
		onRemove()
		return 0, errtrace.Wrap(xaerr.New(xaerr.KindRollbackException, "prepare: engine returned PREPARE_NOTOK").WithCode(xaerr.CodeRBRollback))
	case engine.PrepareInvalidTransaction:
		return 0, errtrace.Wrap(xaerr.New(xaerr.KindInvalidTxnState, "prepare: invalid transaction").WithCode(xaerr.CodeNota))
	default:
		return 0, errtrace.Wrap(xaerr.New(xaerr.KindInvalidTxnState, "prepare: unrecognized engine outcome").WithCode(xaerr.CodeRBOther))
	}
}

// Rollback runs the rollback verb.
func (c *subordinateControl) Rollback(ctx context.Context) error {
	return errtrace.Wrap(c.run(ctx, verbRollback))
}

// Forget runs the forget verb.
func (c *subordinateControl) Forget(ctx context.Context) error {
	return errtrace.Wrap(c.run(ctx, verbForget))
}

// Commit runs the onePhase/twoPhase commit verb.
func (c *subordinateControl) Commit(ctx context.Context, onePhase bool) error {
	if onePhase {
		return errtrace.Wrap(c.run(ctx, verbCommitOnePhase))
	}
	return errtrace.Wrap(c.run(ctx, verbCommitTwoPhase))
}
