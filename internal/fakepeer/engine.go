package fakepeer

import (
	"context"
	"sync"

	"github.com/stuartwdouglas/wildfly-transaction-client/engine"
	"github.com/stuartwdouglas/wildfly-transaction-client/xid"
)

// TM is a minimal in-memory engine.TM + engine.Terminator, sufficient to
// drive the seed scenarios without a real transaction manager
// (SPEC_FULL.md §4 supplemented features).
type TM struct {
	mu      sync.Mutex
	timeout uint32
	byGTID  map[string]*Tx
}

// NewTM builds an empty fake transaction manager.
func NewTM() *TM {
	return &TM{timeout: 300, byGTID: make(map[string]*Tx)}
}

func (t *TM) Begin(ctx context.Context, timeoutSeconds uint32) (engine.Transaction, error) {
	return &Tx{timeout: timeoutSeconds}, nil
}

func (t *TM) Suspend(ctx context.Context) (engine.Transaction, error) { return nil, nil }
func (t *TM) Resume(ctx context.Context, tx engine.Transaction) error { return nil }
func (t *TM) SetTransactionTimeout(seconds uint32)                    { t.timeout = seconds }
func (t *TM) GetTransactionTimeout() uint32                           { return t.timeout }

// ImportTransaction implements engine.Terminator.
func (t *TM) ImportTransaction(ctx context.Context, x xid.SimpleXid, timeoutSeconds uint32) (engine.Transaction, bool, error) {
	gtid := x.WithoutBranch().String()
	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.byGTID[gtid]; ok {
		return existing, false, nil
	}
	tx := &Tx{xid: x, timeout: timeoutSeconds}
	t.byGTID[gtid] = tx
	return tx, true, nil
}

func (t *TM) GetTransaction(x xid.SimpleXid) (engine.Transaction, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	tx, ok := t.byGTID[x.WithoutBranch().String()]
	return tx, ok
}

func (t *TM) RemoveImportedTransaction(gtid xid.SimpleXid) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.byGTID, gtid.WithoutBranch().String())
}

func (t *TM) DoRecover(ctx context.Context, parentName string) ([]xid.SimpleXid, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]xid.SimpleXid, 0, len(t.byGTID))
	for _, tx := range t.byGTID {
		out = append(out, tx.xid)
	}
	return out, nil
}

// Tx is a minimal in-memory engine.Transaction.
type Tx struct {
	xid     xid.SimpleXid
	timeout uint32
	status  int

	mu        sync.Mutex
	locals    map[string]any
	syncs     []engine.Synchronization
	deferred  []error
}

func (t *Tx) Commit(ctx context.Context) error         { t.status = 3; return nil }
func (t *Tx) Rollback(ctx context.Context) error       { t.status = 6; return nil }
func (t *Tx) SetRollbackOnly(ctx context.Context) error { t.status = 1; return nil }
func (t *Tx) GetStatus() int                           { return t.status }
func (t *Tx) GetXid() xid.SimpleXid                    { return t.xid }
func (t *Tx) GetTimeout() uint32                       { return t.timeout }

func (t *Tx) RegisterInterposedSynchronization(s engine.Synchronization) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.syncs = append(t.syncs, s)
}

func (t *Tx) PutTxLocalResource(key string, val any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.locals == nil {
		t.locals = make(map[string]any)
	}
	t.locals[key] = val
}

func (t *Tx) GetTxLocalResource(key string) (any, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.locals[key]
	return v, ok
}

func (t *Tx) DoBeforeCompletion(ctx context.Context) error {
	for _, s := range t.syncs {
		s.BeforeCompletion(ctx)
	}
	return nil
}

func (t *Tx) DoPrepare(ctx context.Context) (engine.PrepareOutcome, error) {
	return engine.PrepareOK, nil
}

func (t *Tx) DoCommit(ctx context.Context) error {
	t.status = 3
	t.fireAfterCompletion(context.Background())
	return nil
}

func (t *Tx) DoOnePhaseCommit(ctx context.Context) error {
	t.status = 3
	t.fireAfterCompletion(context.Background())
	return nil
}

func (t *Tx) DoRollback(ctx context.Context) error {
	t.status = 6
	t.fireAfterCompletion(context.Background())
	return nil
}

func (t *Tx) DoForget(ctx context.Context) error { return nil }

func (t *Tx) Activated() {}

func (t *Tx) GetDeferredThrowables() []error { return t.deferred }

func (t *Tx) fireAfterCompletion(ctx context.Context) {
	for _, s := range t.syncs {
		s.AfterCompletion(ctx, t.status)
	}
}
