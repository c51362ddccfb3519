package xasub

import (
	"time"

	"braces.dev/errtrace"

	"github.com/stuartwdouglas/wildfly-transaction-client/log"
	"github.com/stuartwdouglas/wildfly-transaction-client/xaerr"
	"github.com/stuartwdouglas/wildfly-transaction-client/xid"
)

// DefaultTimeoutSeconds is the default remote-branch transaction
// timeout, restored by setTransactionTimeout(0) (spec.md §4.4).
const DefaultTimeoutSeconds = 43200

// Terminator is the minimal XA verb surface the subordinate resource
// invokes on the peer once enlistment accounting says it must
// participate. It mirrors a javax.transaction.xa.XAResource without
// importing one.
type Terminator interface {
	Start(x xid.SimpleXid, flags int) error
	End(x xid.SimpleXid, flags int) error
	Prepare(x xid.SimpleXid) (PrepareOutcome, error)
	Commit(x xid.SimpleXid, onePhase bool) error
	Rollback(x xid.SimpleXid) error
	Forget(x xid.SimpleXid) error
}

// PrepareOutcome is the peer's answer to prepare.
type PrepareOutcome int

const (
	PrepareOK PrepareOutcome = iota
	PrepareReadOnly
)

// Resource is the subordinate XA resource (C4): the local XAResource
// facade for a branch whose authoritative state lives at Location. Its
// enlistment accounting (C5) is held in an outflow word shared by every
// XAOutflowHandle returned from Enlist.
type Resource struct {
	Location   string // peer URI; isSameRM is URI-equality (spec.md §4.4)
	ParentName string
	Xid        xid.SimpleXid

	timeoutSeconds uint32
	startTime      time.Time
	capturedTO     time.Duration

	of   outflow
	term Terminator
}

// New builds a subordinate resource bound to x at location, with the
// default branch timeout.
func New(term Terminator, location, parentName string, x xid.SimpleXid) *Resource {
	return &Resource{
		Location:       location,
		ParentName:     parentName,
		Xid:            x,
		timeoutSeconds: DefaultTimeoutSeconds,
		term:           term,
	}
}

// NewForRecovery reconstructs a branch from its serialised form —
// spec.md §4.4: "only (location, parentName) is persisted; on
// deserialise the branch must be reconstructable for recovery, with
// state = 0".
func NewForRecovery(term Terminator, location, parentName string, x xid.SimpleXid) *Resource {
	r := New(term, location, parentName, x)
	r.of = outflow{}
	return r
}

// Enlist returns a fresh XAOutflowHandle for this branch, incrementing
// the open count (spec.md §4.4 open()).
func (r *Resource) Enlist() (*XAOutflowHandle, error) {
	if err := r.of.Open(); err != nil {
		return nil, errtrace.Wrap(err)
	}
	return newXAOutflowHandle(&r.of), nil
}

// IsSameRM reports whether other refers to the same resource manager,
// defined as URI equality of the peer location (spec.md §4.4).
func (r *Resource) IsSameRM(other *Resource) bool {
	return other != nil && r.Location == other.Location
}

// SetTransactionTimeout sets the branch timeout; 0 resets to the
// default, negative values are rejected (spec.md §4.4).
func (r *Resource) SetTransactionTimeout(seconds int32) error {
	if seconds < 0 {
		return errtrace.Wrap(xaerr.New(xaerr.KindNegativeTxnTimeout, "setTransactionTimeout: negative timeout %d", seconds))
	}
	if seconds == 0 {
		r.timeoutSeconds = DefaultTimeoutSeconds
		return nil
	}
	r.timeoutSeconds = uint32(seconds)
	return nil
}

// GetTransactionTimeout returns the configured branch timeout.
func (r *Resource) GetTransactionTimeout() uint32 {
	return r.timeoutSeconds
}

// Start records the branch's start time and captured timeout, then
// starts it with the peer.
func (r *Resource) Start(flags int) error {
	r.startTime = time.Now()
	r.capturedTO = time.Duration(r.timeoutSeconds) * time.Second
	return errtrace.Wrap(r.term.Start(r.Xid, flags))
}

// End ends association with the branch.
func (r *Resource) End(flags int) error {
	return errtrace.Wrap(r.term.End(r.Xid, flags))
}

// GetRemainingTime returns capturedTimeout - elapsed, clamped at zero
// (spec.md §4.4).
func (r *Resource) GetRemainingTime() time.Duration {
	elapsed := time.Since(r.startTime)
	remaining := r.capturedTO - elapsed
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Prepare consults the enlistment word before asking the peer anything:
// if no handle ever verified its enlistment, the branch never
// participates and prepare returns XA_RDONLY locally (spec.md §4.4,
// §8: "prepare returns XA_RDONLY iff no outstanding handle ever called
// verifyEnlistment").
func (r *Resource) Prepare() (xaerr.Code, error) {
	anyVerified := r.of.Commit()
	if !anyVerified {
		log.Default().Debug("prepare: no handle verified enlistment, reporting read-only", "location", r.Location, "xid", r.Xid)
		return xaerr.CodeRDONLY, nil
	}
	outcome, err := r.term.Prepare(r.Xid)
	if err != nil {
		return 0, errtrace.Wrap(err)
	}
	if outcome == PrepareReadOnly {
		return xaerr.CodeRDONLY, nil
	}
	return xaerr.CodeOK, nil
}

// Commit invokes the peer's commit iff the enlistment word says this
// branch ever participated; per spec.md §4.4 "other verbs become no-ops"
// once commit() has latched without any verified handle — onePhase
// commit is not exempt from this check.
func (r *Resource) Commit(onePhase bool) error {
	if !r.of.Commit() {
		return nil
	}
	return errtrace.Wrap(r.term.Commit(r.Xid, onePhase))
}

// Rollback invokes the peer's rollback iff any handle ever participated.
func (r *Resource) Rollback() error {
	if !r.of.Commit() {
		return nil
	}
	return errtrace.Wrap(r.term.Rollback(r.Xid))
}

// Forget invokes the peer's forget iff any handle ever participated.
func (r *Resource) Forget() error {
	if !r.of.Commit() {
		return nil
	}
	return errtrace.Wrap(r.term.Forget(r.Xid))
}
