package remotetx

import (
	"context"
	"sync"
	"sync/atomic"

	"braces.dev/errtrace"

	"github.com/stuartwdouglas/wildfly-transaction-client/internal/metrics"
	"github.com/stuartwdouglas/wildfly-transaction-client/invoke"
	"github.com/stuartwdouglas/wildfly-transaction-client/log"
	"github.com/stuartwdouglas/wildfly-transaction-client/wire"
	"github.com/stuartwdouglas/wildfly-transaction-client/xaerr"
)

// Handle is the remote transaction handle (spec.md §4.3, C3): a
// client-side object representing a user transaction whose state lives
// on a remote peer. Public operations are coarse-grained mutually
// exclusive via a fast optimistic pre-check followed by a critical
// section guarding the network round trip, matching spec.md §9's design
// note: "replace the intrinsic-lock fallback in C3 with a small
// per-handle mutex, since network I/O happens inside it".
type Handle struct {
	status  atomic.Int32
	ctxID   uint32
	tracker *invoke.Tracker

	mu      sync.Mutex
	metrics atomic.Pointer[metrics.Collectors]
}

// New creates a handle bound to tracker, in state NO_TRANSACTION.
func New(tracker *invoke.Tracker) *Handle {
	h := &Handle{tracker: tracker}
	h.status.Store(int32(NoTransaction))
	return h
}

// SetMetrics attaches collectors this handle reports terminal outcomes
// to. Optional; nil (the default) means no metrics are recorded.
func (h *Handle) SetMetrics(m *metrics.Collectors) {
	h.metrics.Store(m)
}

func (h *Handle) recordOutcome(outcome string) {
	if m := h.metrics.Load(); m != nil {
		m.TxnOutcomes.WithLabelValues(outcome).Inc()
	}
}

// Status returns the handle's current status.
func (h *Handle) Status() Status {
	return Status(h.status.Load())
}

// Begin implements spec.md §4.3 begin: NO_TRANSACTION -> ACTIVE.
func (h *Handle) Begin(ctx context.Context, timeoutSeconds uint32) error {
	if !permits(h.Status(), opBegin) {
		return errtrace.Wrap(xaerr.New(xaerr.KindInvalidTxnState, "begin: not in NO_TRANSACTION"))
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.Status() != NoTransaction {
		return errtrace.Wrap(xaerr.New(xaerr.KindInvalidTxnState, "begin: not in NO_TRANSACTION"))
	}

	msg := wire.Message{Opcode: wire.OpUTBegin}
	if timeoutSeconds > 0 {
		msg.Params = append(msg.Params, wire.ParamUint32(wire.ParamTxnTimeout, timeoutSeconds))
	}
	resp, err := h.roundTrip(ctx, msg)
	if err != nil {
		// A transport-level failure here is never a peer-security report
		// (those only arrive as a parsed response parameter, below); it
		// always collapses to UNKNOWN (spec.md §4.3, §7.1).
		h.status.Store(int32(Unknown))
		log.Default().Error("begin failed, status collapsed to UNKNOWN", "ctxID", h.ctxID, "error", err)
		return errtrace.Wrap(err)
	}

	if p, ok := resp.FirstError(); ok {
		switch p.ID {
		case wire.ParamSecExc:
			// begin's peer-security failure leaves NO_TRANSACTION
			// untouched — there is no prior ACTIVE/MARKED_ROLLBACK status
			// to restore (spec.md §4.3, §9's retained asymmetry).
			return errtrace.Wrap(kindForParam(p.ID))
		default:
			h.status.Store(int32(Unknown))
			return errtrace.Wrap(kindForParam(p.ID))
		}
	}

	if p, ok := resp.First(wire.ParamTxnContext); ok {
		ctxID, cerr := p.Uint32()
		if cerr != nil {
			h.status.Store(int32(Unknown))
			return errtrace.Wrap(cerr)
		}
		h.ctxID = ctxID
	}
	h.status.Store(int32(Active))
	return nil
}

// Commit implements spec.md §4.3 commit.
func (h *Handle) Commit(ctx context.Context) error {
	if !permits(h.Status(), opCommit) {
		return errtrace.Wrap(xaerr.New(xaerr.KindInvalidTxnState, "commit: not in ACTIVE or MARKED_ROLLBACK"))
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	prior := h.Status()
	if prior != Active && prior != MarkedRollback {
		return errtrace.Wrap(xaerr.New(xaerr.KindInvalidTxnState, "commit: not in ACTIVE or MARKED_ROLLBACK"))
	}

	if prior == MarkedRollback {
		// commit on a known MARKED_ROLLBACK triggers a local rollback then
		// fails with rollbackOnlyRollback — a spec-mandated mapping, not a
		// retry (spec.md §4.3, §7, §8 scenario 3).
		if err := h.doRollback(ctx, prior); err != nil {
			return errtrace.Wrap(err)
		}
		return errtrace.Wrap(xaerr.New(xaerr.KindRollbackOnlyRollback, "commit: transaction was marked rollback-only"))
	}

	h.status.Store(int32(Committing))
	resp, err := h.roundTrip(ctx, wire.Message{Opcode: wire.OpUTCommit, Params: []wire.Param{
		wire.ParamUint32(wire.ParamTxnContext, h.ctxID),
	}})
	if err != nil {
		h.status.Store(int32(Unknown))
		log.Default().Error("commit failed, status collapsed to UNKNOWN", "ctxID", h.ctxID, "error", err)
		return errtrace.Wrap(err)
	}

	if p, ok := resp.FirstError(); ok {
		switch p.ID {
		case wire.ParamUTRBExc:
			h.status.Store(int32(RolledBack))
			h.recordOutcome(metrics.OutcomeRolledBack)
			return errtrace.Wrap(xaerr.New(xaerr.KindTransactionRolledBackByPeer, "peer rolled back during commit"))
		case wire.ParamUTHMEExc, wire.ParamUTHREExc:
			h.status.Store(int32(Unknown))
			h.recordOutcome(metrics.OutcomeHeuristic)
			log.Default().Warn("peer reported a heuristic outcome on commit", "ctxID", h.ctxID, "param", p.ID)
			return errtrace.Wrap(kindForParam(p.ID))
		case wire.ParamUTSysExc:
			h.status.Store(int32(Unknown))
			h.recordOutcome(metrics.OutcomeFailed)
			return errtrace.Wrap(kindForParam(p.ID))
		case wire.ParamSecExc:
			h.status.Store(int32(prior))
			return errtrace.Wrap(kindForParam(p.ID))
		default:
			h.status.Store(int32(Unknown))
			h.recordOutcome(metrics.OutcomeFailed)
			return errtrace.Wrap(xaerr.New(xaerr.KindUnknownResponse, "unknown error parameter %v", p.ID))
		}
	}

	h.status.Store(int32(Committed))
	h.recordOutcome(metrics.OutcomeCommitted)
	return nil
}

// Rollback implements spec.md §4.3 rollback.
func (h *Handle) Rollback(ctx context.Context) error {
	if !permits(h.Status(), opRollback) {
		return errtrace.Wrap(xaerr.New(xaerr.KindInvalidTxnState, "rollback: not in ACTIVE or MARKED_ROLLBACK"))
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	prior := h.Status()
	if prior != Active && prior != MarkedRollback {
		return errtrace.Wrap(xaerr.New(xaerr.KindInvalidTxnState, "rollback: not in ACTIVE or MARKED_ROLLBACK"))
	}
	return errtrace.Wrap(h.doRollback(ctx, prior))
}

// doRollback performs the wire round trip for rollback; the caller must
// hold h.mu and have already verified the precondition.
func (h *Handle) doRollback(ctx context.Context, prior Status) error {
	h.status.Store(int32(RollingBack))
	resp, err := h.roundTrip(ctx, wire.Message{Opcode: wire.OpUTRollback, Params: []wire.Param{
		wire.ParamUint32(wire.ParamTxnContext, h.ctxID),
	}})
	if err != nil {
		h.status.Store(int32(Unknown))
		log.Default().Error("rollback failed, status collapsed to UNKNOWN", "ctxID", h.ctxID, "error", err)
		return errtrace.Wrap(err)
	}

	if p, ok := resp.FirstError(); ok {
		switch p.ID {
		case wire.ParamSecExc:
			h.status.Store(int32(prior))
			return errtrace.Wrap(kindForParam(p.ID))
		case wire.ParamUTHMEExc, wire.ParamUTHREExc:
			h.status.Store(int32(Unknown))
			h.recordOutcome(metrics.OutcomeHeuristic)
			log.Default().Warn("peer reported a heuristic outcome on rollback", "ctxID", h.ctxID, "param", p.ID)
			return errtrace.Wrap(kindForParam(p.ID))
		case wire.ParamUTRBExc, wire.ParamUTSysExc, wire.ParamUTIsExc:
			h.status.Store(int32(Unknown))
			h.recordOutcome(metrics.OutcomeFailed)
			return errtrace.Wrap(kindForParam(p.ID))
		default:
			h.status.Store(int32(Unknown))
			h.recordOutcome(metrics.OutcomeFailed)
			return errtrace.Wrap(xaerr.New(xaerr.KindUnknownResponse, "unknown error parameter %v", p.ID))
		}
	}

	h.status.Store(int32(RolledBack))
	h.recordOutcome(metrics.OutcomeRolledBack)
	return nil
}

// SetRollbackOnly implements spec.md §4.3 setRollbackOnly: idempotent,
// local-only (no wire traffic).
func (h *Handle) SetRollbackOnly() error {
	if !permits(h.Status(), opSetRollbackOnly) {
		return errtrace.Wrap(xaerr.New(xaerr.KindInvalidTxnState, "setRollbackOnly: not in ACTIVE or MARKED_ROLLBACK"))
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	switch h.Status() {
	case Active, MarkedRollback:
		h.status.Store(int32(MarkedRollback))
		return nil
	default:
		return errtrace.Wrap(xaerr.New(xaerr.KindInvalidTxnState, "setRollbackOnly: not in ACTIVE or MARKED_ROLLBACK"))
	}
}

// Disconnect implements spec.md §4.3 disconnect: presumes the
// transaction aborted because its peer is unreachable. Always succeeds,
// silently, when there's nothing to do.
func (h *Handle) Disconnect() {
	h.mu.Lock()
	defer h.mu.Unlock()
	switch h.Status() {
	case Active, MarkedRollback:
		h.status.Store(int32(RolledBack))
		log.Default().Info("channel lost, presuming transaction aborted", "ctxID", h.ctxID)
	}
}

// roundTrip sends msg and awaits the correlated response. It does not
// touch the status word: each caller stores a final status on every exit
// path, so no transient status outlives the call (spec.md §4.3's
// finalizer rule).
func (h *Handle) roundTrip(ctx context.Context, msg wire.Message) (wire.Message, error) {
	inv, w, err := h.tracker.Allocate()
	if err != nil {
		return wire.Message{}, errtrace.Wrap(xaerr.Wrap(xaerr.KindFailedToSend, err, "allocate invocation"))
	}
	msg.RequestID = inv.ID()

	b, err := wire.EncodeBytes(msg)
	if err != nil {
		h.tracker.Free(inv)
		return wire.Message{}, errtrace.Wrap(xaerr.Wrap(xaerr.KindFailedToSend, err, "encode message"))
	}
	if _, err := w.Write(b); err != nil {
		h.tracker.Free(inv)
		return wire.Message{}, errtrace.Wrap(xaerr.Wrap(xaerr.KindFailedToSend, err, "write message"))
	}
	if err := w.Close(); err != nil {
		h.tracker.Free(inv)
		return wire.Message{}, errtrace.Wrap(xaerr.Wrap(xaerr.KindFailedToSend, err, "flush message"))
	}
	inv.MarkSent()

	resp, err := inv.Await(ctx)
	if err != nil {
		return wire.Message{}, errtrace.Wrap(err)
	}
	return resp, nil
}

// kindForParam maps a peer-reported error parameter id to its exception
// kind (spec.md §4.1, §7.3).
func kindForParam(id wire.ParamID) *xaerr.Error {
	switch id {
	case wire.ParamUTIsExc:
		return xaerr.New(xaerr.KindPeerIllegalStateException, "peer reported illegal state")
	case wire.ParamUTSysExc:
		return xaerr.New(xaerr.KindPeerSystemException, "peer reported a system exception")
	case wire.ParamUTRBExc:
		return xaerr.New(xaerr.KindTransactionRolledBackByPeer, "peer rolled back")
	case wire.ParamUTHMEExc:
		return xaerr.New(xaerr.KindPeerHeuristicMixed, "peer reported a heuristic mixed outcome")
	case wire.ParamUTHREExc:
		return xaerr.New(xaerr.KindPeerHeuristicRollback, "peer reported a heuristic rollback")
	case wire.ParamSecExc:
		return xaerr.New(xaerr.KindPeerSecurityException, "peer reported a security exception")
	default:
		return xaerr.New(xaerr.KindUnknownResponse, "unrecognized error parameter %v", id)
	}
}
