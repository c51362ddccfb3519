// Package engine defines the collaborator contracts the imported registry
// and its XA adapter (C6/C7) drive (spec.md §6): the local
// transaction-manager engine and the XA
// terminator. Both are implemented by the embedding application, not by
// this module — it only depends on the shape.
package engine

import (
	"context"

	"github.com/stuartwdouglas/wildfly-transaction-client/xid"
)

// TM is the local transaction-manager engine contract: the subset of a
// JTA TransactionManager's behaviour the client drives directly
// (spec.md §6).
type TM interface {
	Begin(ctx context.Context, timeoutSeconds uint32) (Transaction, error)
	Suspend(ctx context.Context) (Transaction, error)
	Resume(ctx context.Context, tx Transaction) error
	SetTransactionTimeout(seconds uint32)
	GetTransactionTimeout() uint32
}

// Transaction is the per-transaction contract the client drives once a
// transaction is begun, imported, or resumed (spec.md §6).
type Transaction interface {
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
	SetRollbackOnly(ctx context.Context) error
	GetStatus() int
	GetXid() xid.SimpleXid
	GetTimeout() uint32

	RegisterInterposedSynchronization(sync Synchronization)
	PutTxLocalResource(key string, val any)
	GetTxLocalResource(key string) (any, bool)

	DoBeforeCompletion(ctx context.Context) error
	DoPrepare(ctx context.Context) (PrepareOutcome, error)
	DoCommit(ctx context.Context) error
	DoOnePhaseCommit(ctx context.Context) error
	DoRollback(ctx context.Context) error
	DoForget(ctx context.Context) error

	Activated()
	GetDeferredThrowables() []error
}

// PrepareOutcome is the local engine's answer to DoPrepare (spec.md
// §4.7's return-code table).
type PrepareOutcome int

const (
	PrepareOK PrepareOutcome = iota
	PrepareReadOnly
	PrepareNotOK
	PrepareInvalidTransaction
)

// Synchronization is the beforeCompletion/afterCompletion hook contract
// registered against a Transaction (spec.md §6).
type Synchronization interface {
	BeforeCompletion(ctx context.Context)
	AfterCompletion(ctx context.Context, status int)
}

// HeuristicKind classifies the unilateral outcome a HeuristicError
// reports, mirroring the four XA_HEUR* codes (spec.md §4.7).
type HeuristicKind int

const (
	HeuristicMixed HeuristicKind = iota
	HeuristicRollback
	HeuristicCommit
	HeuristicHazard
)

func (k HeuristicKind) String() string {
	switch k {
	case HeuristicMixed:
		return "heuristic mixed"
	case HeuristicRollback:
		return "heuristic rollback"
	case HeuristicCommit:
		return "heuristic commit"
	case HeuristicHazard:
		return "heuristic hazard"
	default:
		return "heuristic outcome"
	}
}

// HeuristicError is returned by DoCommit/DoOnePhaseCommit/DoRollback/
// DoForget when the engine settled the branch unilaterally, possibly
// inconsistent with the coordinator's decision (spec.md §4.7: "Engine-
// thrown heuristic exceptions on commit/rollback map to the
// corresponding XA_HEUR* XA error codes").
type HeuristicError struct {
	Kind HeuristicKind
	Err  error
}

func (e *HeuristicError) Error() string {
	if e.Err != nil {
		return e.Kind.String() + ": " + e.Err.Error()
	}
	return e.Kind.String()
}

func (e *HeuristicError) Unwrap() error { return e.Err }

// RollbackError is returned by DoCommit/DoOnePhaseCommit/DoRollback when
// the engine itself threw a RollbackException, distinct from a heuristic
// outcome (spec.md §4.7: "RollbackException -> XA_RBROLLBACK").
type RollbackError struct {
	Err error
}

func (e *RollbackError) Error() string {
	if e.Err != nil {
		return "rollback exception: " + e.Err.Error()
	}
	return "rollback exception"
}

func (e *RollbackError) Unwrap() error { return e.Err }

// Terminator is the XA terminator contract used to hand a remotely
// originated (subordinate) transaction branch to the local engine
// (spec.md §6, C6/C7).
type Terminator interface {
	// ImportTransaction returns the local Transaction for xid, importing
	// it with the given timeout if it is not already known. newlyImported
	// reports whether this call performed the import.
	ImportTransaction(ctx context.Context, x xid.SimpleXid, timeoutSeconds uint32) (tx Transaction, newlyImported bool, err error)
	// GetTransaction returns the local Transaction for xid if one is
	// already imported, or (nil, false) otherwise.
	GetTransaction(x xid.SimpleXid) (Transaction, bool)
	// RemoveImportedTransaction discards bookkeeping for gtid.
	RemoveImportedTransaction(gtid xid.SimpleXid)
	// DoRecover lists the in-doubt branches for parentName.
	DoRecover(ctx context.Context, parentName string) ([]xid.SimpleXid, error)
}
