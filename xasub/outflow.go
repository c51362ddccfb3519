// Package xasub implements the subordinate XA resource (C4) and the
// outflow handle manager (C5) of spec.md §4.4: the local-side XAResource
// facade for a transaction branch whose real state lives on a remote
// peer, plus the enlistment-accounting word shared by every handle
// enlisted against the same branch.
package xasub

import (
	"sync/atomic"

	"braces.dev/errtrace"

	"github.com/stuartwdouglas/wildfly-transaction-client/xaerr"
)

// outflow packs spec.md §4.4's C5 word: high bits are the open handle
// count, plus two flag bits (committed, anyVerified). CAS loops give the
// open/forgetOne/nonMasterOne/verifyOne/commit transitions their
// atomicity without a mutex.
type outflow struct {
	word atomic.Uint32
}

const (
	flagCommitted   uint32 = 1 << 0
	flagAnyVerified uint32 = 1 << 1
	countShift             = 2
)

func packCount(n uint32) uint32   { return n << countShift }
func unpackCount(w uint32) uint32 { return w >> countShift }

// Open increments the outstanding handle count, failing if the commit
// window has already closed (spec.md §4.4 open()).
func (o *outflow) Open() error {
	for {
		old := o.word.Load()
		if old&flagCommitted != 0 {
			return errtrace.Wrap(xaerr.New(xaerr.KindAlreadyEnlisted, "open: commit window already closed"))
		}
		next := packCount(unpackCount(old)+1) | (old & (flagCommitted | flagAnyVerified))
		if o.word.CompareAndSwap(old, next) {
			return nil
		}
	}
}

// ForgetOne decrements the open count without affecting anyVerified
// (spec.md §4.4 forgetOne()).
func (o *outflow) ForgetOne() {
	o.decrement(0)
}

// NonMasterOne decrements the open count without setting anyVerified
// (spec.md §4.4 nonMasterOne()).
func (o *outflow) NonMasterOne() {
	o.decrement(0)
}

// VerifyOne decrements the open count and sets anyVerified (spec.md
// §4.4 verifyOne()).
func (o *outflow) VerifyOne() {
	o.decrement(flagAnyVerified)
}

func (o *outflow) decrement(setFlags uint32) {
	for {
		old := o.word.Load()
		count := unpackCount(old)
		if count > 0 {
			count--
		}
		next := packCount(count) | (old & (flagCommitted | flagAnyVerified)) | setFlags
		if o.word.CompareAndSwap(old, next) {
			return
		}
	}
}

// Commit latches the committed bit (gating further Open calls) and
// reports whether any handle ever verified its enlistment — the signal
// XA methods use to decide whether the peer must participate in 2PC at
// all (spec.md §4.4 commit()).
func (o *outflow) Commit() (anyVerified bool) {
	for {
		old := o.word.Load()
		next := old | flagCommitted
		if o.word.CompareAndSwap(old, next) {
			return next&flagAnyVerified != 0
		}
	}
}

// OpenCount returns the current outstanding handle count, for
// diagnostics/logging only.
func (o *outflow) OpenCount() uint32 {
	return unpackCount(o.word.Load())
}

// handleState is the one-shot disposition of an XAOutflowHandle: at most
// one of forget/nonMaster/verify may succeed (spec.md §8: "At most one
// of {forgetEnlistment, nonMasterEnlistment, verifyEnlistment} succeeds
// on a given handle").
type handleState int32

const (
	handleOpen handleState = iota
	handleResolved
)

// XAOutflowHandle is the per-enlistment token returned to the
// application each time it enlists the same remote branch (spec.md
// §4.4: "the application may enlist the same remote branch more than
// once ... Each enlistment returns an XAOutflowHandle").
type XAOutflowHandle struct {
	of    *outflow
	state atomic.Int32
}

func newXAOutflowHandle(of *outflow) *XAOutflowHandle {
	h := &XAOutflowHandle{of: of}
	h.state.Store(int32(handleOpen))
	return h
}

func (h *XAOutflowHandle) resolve() error {
	if !h.state.CompareAndSwap(int32(handleOpen), int32(handleResolved)) {
		return errtrace.Wrap(xaerr.New(xaerr.KindAlreadyForgotten, "enlistment already resolved"))
	}
	return nil
}

// ForgetEnlistment resolves this handle without marking the branch
// verified.
func (h *XAOutflowHandle) ForgetEnlistment() error {
	if err := h.resolve(); err != nil {
		return errtrace.Wrap(err)
	}
	h.of.ForgetOne()
	return nil
}

// NonMasterEnlistment resolves this handle as a non-master participant,
// without marking the branch verified.
func (h *XAOutflowHandle) NonMasterEnlistment() error {
	if err := h.resolve(); err != nil {
		return errtrace.Wrap(err)
	}
	h.of.NonMasterOne()
	return nil
}

// VerifyEnlistment resolves this handle and marks the branch verified,
// meaning the peer must participate in 2PC.
func (h *XAOutflowHandle) VerifyEnlistment() error {
	if err := h.resolve(); err != nil {
		return errtrace.Wrap(err)
	}
	h.of.VerifyOne()
	return nil
}
