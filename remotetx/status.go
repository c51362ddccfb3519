// Package remotetx implements the remote transaction handle (spec.md
// §4.3, C3): the client-side object representing a user transaction
// living on a remote peer, driving begin/commit/rollback/setRollbackOnly
// against the peer via the framed protocol in package wire.
package remotetx

import (
	"context"

	"github.com/qmuntal/stateless"
)

// Status is the remote transaction handle's status word (spec.md §3).
type Status int32

const (
	NoTransaction Status = iota
	Active
	MarkedRollback
	Committing
	Committed
	RollingBack
	RolledBack
	Unknown
)

func (s Status) String() string {
	switch s {
	case NoTransaction:
		return "NO_TRANSACTION"
	case Active:
		return "ACTIVE"
	case MarkedRollback:
		return "MARKED_ROLLBACK"
	case Committing:
		return "COMMITTING"
	case Committed:
		return "COMMITTED"
	case RollingBack:
		return "ROLLING_BACK"
	case RolledBack:
		return "ROLLEDBACK"
	case Unknown:
		return "UNKNOWN"
	default:
		return "INVALID"
	}
}

// IsTerminal reports whether s is one of the terminal states named in
// spec.md §3: COMMITTED, ROLLEDBACK, UNKNOWN.
func (s Status) IsTerminal() bool {
	return s == Committed || s == RolledBack || s == Unknown
}

// op names the user-facing verbs of spec.md §4.3 that are gated by the
// status word. disconnect is intentionally excluded: it always succeeds
// (silently, possibly as a no-op), so it needs no veto.
type op string

const (
	opBegin           op = "begin"
	opCommit          op = "commit"
	opRollback        op = "rollback"
	opSetRollbackOnly op = "setRollbackOnly"
)

// defineTransitions configures sm with the allowed-operation table of
// spec.md §4.3. It is used by the one-shot veto-table builder below and
// is deliberately side-effect free: no OnEntry/OnExit actions
// are attached here, because this state machine is used only to answer
// "is this trigger permitted from this state", never to fire.
func defineTransitions(sm *stateless.StateMachine) {
	sm.Configure(NoTransaction).
		Permit(opBegin, Active)

	sm.Configure(Active).
		Permit(opCommit, Committing).
		Permit(opRollback, RollingBack).
		Permit(opSetRollbackOnly, MarkedRollback)

	sm.Configure(MarkedRollback).
		Permit(opCommit, RollingBack). // commit on MARKED_ROLLBACK internally rolls back (spec.md §4.3)
		Permit(opRollback, RollingBack).
		PermitReentry(opSetRollbackOnly)

	sm.Configure(Committing)
	sm.Configure(Committed)
	sm.Configure(RollingBack)
	sm.Configure(RolledBack)
	sm.Configure(Unknown)
}

// vetoTable maps each status to the set of operations the preflight
// pre-check allows from it, built once at init by querying a throwaway
// stateless.StateMachine per status (spec.md §4.3, §5: "the optimistic
// pre-read outside the lock is a fast-path veto only").
var vetoTable = buildVetoTable()

func buildVetoTable() map[Status]map[op]bool {
	table := make(map[Status]map[op]bool, 8)
	all := []Status{NoTransaction, Active, MarkedRollback, Committing, Committed, RollingBack, RolledBack, Unknown}
	for _, s := range all {
		sm := stateless.NewStateMachine(s)
		defineTransitions(sm)
		triggers, err := sm.PermittedTriggers(context.Background())
		set := make(map[op]bool, len(triggers))
		if err == nil {
			for _, t := range triggers {
				if o, ok := t.(op); ok {
					set[o] = true
				}
			}
		}
		table[s] = set
	}
	return table
}

// permits is the fast-path veto check: it never blocks and never
// mutates, it only tells the caller whether it's worth taking the lock
// at all for the given operation from the given (possibly stale) status.
func permits(s Status, o op) bool {
	return vetoTable[s][o]
}
