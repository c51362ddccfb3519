// Package fakepeer provides an in-memory Channel and a minimal
// engine.TM implementation for smoke-testing the client without a real
// Remoting connection (SPEC_FULL.md §4 supplemented features). It is
// grounded in the teacher's transaction_test.go dummyTransport: a fake
// collaborator driven entirely by channels, no network I/O.
package fakepeer

import (
	"bytes"
	"sync"

	"github.com/stuartwdouglas/wildfly-transaction-client/invoke"
	"github.com/stuartwdouglas/wildfly-transaction-client/wire"
)

// Peer is an in-memory invoke.Channel whose AllocateMessage writes are
// handed, framed, to a Handler supplied by the test, which computes and
// delivers the response synchronously.
type Peer struct {
	Handler func(wire.Message) wire.Message

	mu       sync.Mutex
	closed   bool
	onClose  []func()
	location string
	peerID   uint32
	deliver  func(wire.Message)
}

// New builds a Peer at the given location URI, calling deliver with
// each computed response (normally invoke.Tracker.Deliver).
func New(location string, peerID uint32, deliver func(wire.Message)) *Peer {
	return &Peer{location: location, peerID: peerID, deliver: deliver}
}

// AllocateMessage returns a buffered writer that, on Close, decodes the
// accumulated bytes as a wire.Message, runs Handler, and delivers the
// response.
func (p *Peer) AllocateMessage() (invoke.WriteCloser, error) {
	return &bufWriter{p: p, buf: new(bytes.Buffer)}, nil
}

// PeerIdentityID returns the configured peer identity id.
func (p *Peer) PeerIdentityID() uint32 { return p.peerID }

// Location returns the peer's URI.
func (p *Peer) Location() string { return p.location }

// OnClose registers cb to run when Close is called.
func (p *Peer) OnClose(cb func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		cb()
		return
	}
	p.onClose = append(p.onClose, cb)
}

// Close marks the peer disconnected, firing every registered callback.
func (p *Peer) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	cbs := p.onClose
	p.mu.Unlock()
	for _, cb := range cbs {
		cb()
	}
}

type bufWriter struct {
	p   *Peer
	buf *bytes.Buffer
}

func (b *bufWriter) Write(p []byte) (int, error) { return b.buf.Write(p) }

func (b *bufWriter) Close() error {
	msg, err := wire.DecodeBytes(b.buf.Bytes())
	if err != nil {
		return err
	}
	if b.p.Handler != nil {
		resp := b.p.Handler(msg)
		resp.RequestID = msg.RequestID
		b.p.deliver(resp)
	}
	return nil
}
