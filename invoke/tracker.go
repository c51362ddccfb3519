// Package invoke implements the invocation tracker (spec.md §4.2, C2):
// it correlates outbound requests with inbound responses sharing one
// channel, guaranteeing at most one in-flight matcher per request id,
// discarding stale deliveries, and waking all waiters on channel close.
package invoke

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"braces.dev/errtrace"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/stuartwdouglas/wildfly-transaction-client/internal/metrics"
	"github.com/stuartwdouglas/wildfly-transaction-client/log"
	"github.com/stuartwdouglas/wildfly-transaction-client/wire"
	"github.com/stuartwdouglas/wildfly-transaction-client/xaerr"
)

// Channel is the transport collaborator contract consumed by this
// package (spec.md §6, out of scope): it exposes the means to write an
// outbound message and to be notified when the underlying connection is
// lost.
type Channel interface {
	// AllocateMessage returns a writer bound to this invocation; writes
	// to it are a single outbound wire message.
	AllocateMessage() (WriteCloser, error)
	// PeerIdentityID returns the peer-identity id to stamp on requests
	// that need P_SEC_CONTEXT (0 means omit it, per spec.md §4.1).
	PeerIdentityID() uint32
	// Location returns the peer's URI (spec.md §6).
	Location() string
	// OnClose registers a callback invoked when the channel is lost.
	OnClose(func())
}

// WriteCloser is the per-message sink handed out by Channel.AllocateMessage.
type WriteCloser interface {
	Write(p []byte) (int, error)
	Close() error
}

// staleLRUSize bounds the set of request ids whose deliveries Deliver
// discarded because no BlockingInvocation was pending for them (spec.md
// §4.2).
const staleLRUSize = 4096

// BlockingInvocation is the per-request slot a caller blocks on until a
// response for its request id arrives or the channel fails.
type BlockingInvocation struct {
	id     uint16
	resp   chan wire.Message
	done   chan struct{} // closed exactly once, after a result is delivered or the tracker closes
	mu     sync.Mutex
	sent   bool
	sentAt time.Time
}

// Tracker allocates request ids and correlates responses to the
// BlockingInvocation that is awaiting them. One Tracker is shared by all
// handles driving a single Channel (spec.md §5).
type Tracker struct {
	ch Channel

	mu      sync.Mutex
	nextID  uint16
	pending map[uint16]*BlockingInvocation
	closed  bool
	closeErr error

	stale *lru.Cache[uint16, struct{}]

	metrics *metrics.Collectors
}

// SetMetrics attaches collectors this tracker reports invocation latency
// to. Optional; nil (the default) means no metrics are recorded
// (SPEC_FULL.md §3 domain stack, caller-owned registration).
func (t *Tracker) SetMetrics(m *metrics.Collectors) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.metrics = m
}

// New creates a Tracker bound to ch. The channel's close callback is
// registered so every blocked waiter is woken with a failure the moment
// the channel is lost (spec.md §4.2, §5).
func New(ch Channel) *Tracker {
	stale, _ := lru.New[uint16, struct{}](staleLRUSize)
	t := &Tracker{
		ch:      ch,
		nextID:  uint16(rand.IntN(1 << 16)),
		pending: make(map[uint16]*BlockingInvocation),
		stale:   stale,
	}
	ch.OnClose(t.closeAll)
	return t
}

// closeAll wakes every pending invocation with a failure and marks the
// tracker closed so further allocation fails fast.
func (t *Tracker) closeAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	t.closeErr = errtrace.Wrap(xaerr.New(xaerr.KindFailedToReceive, "channel closed"))
	log.Default().Warn("channel closed, failing pending invocations", "pending", len(t.pending))
	for id, inv := range t.pending {
		close(inv.done)
		delete(t.pending, id)
	}
}

// Allocate reserves a fresh request id, binds a BlockingInvocation to it,
// and returns both plus an outbound message writer bound to the same
// invocation (spec.md §4.2: "allocate an outbound message bound to that
// slot").
func (t *Tracker) Allocate() (*BlockingInvocation, WriteCloser, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, nil, errtrace.Wrap(xaerr.Wrap(xaerr.KindFailedToSend, t.closeErr, "tracker closed"))
	}
	var id uint16
	for {
		id = t.nextID
		t.nextID++
		if _, taken := t.pending[id]; !taken {
			break
		}
	}
	inv := &BlockingInvocation{
		id:   id,
		resp: make(chan wire.Message, 1),
		done: make(chan struct{}),
	}
	t.pending[id] = inv
	t.mu.Unlock()

	w, err := t.ch.AllocateMessage()
	if err != nil {
		t.free(id)
		return nil, nil, errtrace.Wrap(xaerr.Wrap(xaerr.KindFailedToSend, err, "allocate outbound message"))
	}
	return inv, w, nil
}

// free removes id from the pending table without waking anyone; used
// when allocation fails before the request is sent.
func (t *Tracker) free(id uint16) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.pending, id)
}

// ID returns the request id this invocation was allocated.
func (b *BlockingInvocation) ID() uint16 { return b.id }

// MarkSent must be called once the request bytes have actually been
// written; it records the send time, from which Deliver observes the
// invocation latency metric. Deliver accepts a response whether or not
// MarkSent was called.
func (b *BlockingInvocation) MarkSent() {
	b.mu.Lock()
	b.sent = true
	b.sentAt = time.Now()
	b.mu.Unlock()
}

// Deliver hands an inbound message to the invocation matching its
// request id, if still pending, and discards it otherwise — per
// spec.md §4.2, "delivery of a response to a stale id is discarded".
func (t *Tracker) Deliver(msg wire.Message) {
	t.mu.Lock()
	inv, ok := t.pending[msg.RequestID]
	if ok {
		delete(t.pending, msg.RequestID)
	}
	m := t.metrics
	t.mu.Unlock()

	if !ok {
		t.stale.Add(msg.RequestID, struct{}{})
		log.Default().Debug("discarding response for unknown/stale request id", "requestID", msg.RequestID, "opcode", msg.Opcode)
		return
	}
	if m != nil {
		inv.mu.Lock()
		sentAt := inv.sentAt
		inv.mu.Unlock()
		if !sentAt.IsZero() {
			m.InvocationLatency.Observe(time.Since(sentAt).Seconds())
		}
	}
	inv.resp <- msg
	close(inv.done)
}

// IsKnownStale reports whether a delivery for id was recently discarded
// because no invocation was pending for it. It does not tell a late
// duplicate apart from a response to an id that was never allocated.
func (t *Tracker) IsKnownStale(id uint16) bool {
	_, ok := t.stale.Get(id)
	return ok
}

// Free releases the invocation's slot without waiting for a response,
// used by Close paths that give up on an in-flight call.
func (t *Tracker) Free(inv *BlockingInvocation) {
	t.mu.Lock()
	delete(t.pending, inv.id)
	t.mu.Unlock()
}

// Await blocks until a response arrives for this invocation, the channel
// fails, or ctx is done. Interruption is surfaced distinctly from
// transport failure (spec.md §4.3, §5, §7.7).
func (b *BlockingInvocation) Await(ctx context.Context) (wire.Message, error) {
	select {
	case msg := <-b.resp:
		return msg, nil
	case <-b.done:
		select {
		case msg := <-b.resp:
			return msg, nil
		default:
			return wire.Message{}, errtrace.Wrap(xaerr.New(xaerr.KindFailedToReceive, "channel closed while awaiting response"))
		}
	case <-ctx.Done():
		return wire.Message{}, errtrace.Wrap(xaerr.New(xaerr.KindOperationInterrupted, "interrupted awaiting response"))
	}
}
