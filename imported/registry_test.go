package imported

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/goleak"

	"github.com/stuartwdouglas/wildfly-transaction-client/engine"
	"github.com/stuartwdouglas/wildfly-transaction-client/internal/metrics"
	"github.com/stuartwdouglas/wildfly-transaction-client/xid"
)

// TestMain verifies the concurrent-import tests below don't leak the
// goroutines they spawn to race FindOrImport against itself (SPEC_FULL.md
// §2).
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeSync struct {
	afterFn func(status int)
}

func (fakeSync) BeforeCompletion(ctx context.Context) {}
func (f fakeSync) AfterCompletion(ctx context.Context, status int) {
	if f.afterFn != nil {
		f.afterFn(status)
	}
}

type fakeTx struct {
	mu      sync.Mutex
	xid     xid.SimpleXid
	timeout uint32
	syncs   []engine.Synchronization

	// scripted errors, returned by every matching Do* call below; used
	// to drive classifyEngineErr's branches from subctl_test.go.
	commitErr   error
	rollbackErr error
	forgetErr   error
	deferred    []error
}

func (t *fakeTx) Commit(ctx context.Context) error          { return nil }
func (t *fakeTx) Rollback(ctx context.Context) error        { return nil }
func (t *fakeTx) SetRollbackOnly(ctx context.Context) error  { return nil }
func (t *fakeTx) GetStatus() int                            { return 0 }
func (t *fakeTx) GetXid() xid.SimpleXid                      { return t.xid }
func (t *fakeTx) GetTimeout() uint32                         { return t.timeout }
func (t *fakeTx) RegisterInterposedSynchronization(s engine.Synchronization) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.syncs = append(t.syncs, s)
}
func (t *fakeTx) PutTxLocalResource(key string, val any)        {}
func (t *fakeTx) GetTxLocalResource(key string) (any, bool)     { return nil, false }
func (t *fakeTx) DoBeforeCompletion(ctx context.Context) error  { return nil }
func (t *fakeTx) DoPrepare(ctx context.Context) (engine.PrepareOutcome, error) {
	return engine.PrepareOK, nil
}
func (t *fakeTx) DoCommit(ctx context.Context) error         { return t.commitErr }
func (t *fakeTx) DoOnePhaseCommit(ctx context.Context) error { return t.commitErr }
func (t *fakeTx) DoRollback(ctx context.Context) error       { return t.rollbackErr }
func (t *fakeTx) DoForget(ctx context.Context) error         { return t.forgetErr }
func (t *fakeTx) Activated()                                 {}
func (t *fakeTx) GetDeferredThrowables() []error             { return t.deferred }

func (t *fakeTx) complete(status int) {
	t.mu.Lock()
	syncs := append([]engine.Synchronization(nil), t.syncs...)
	t.mu.Unlock()
	for _, s := range syncs {
		s.AfterCompletion(context.Background(), status)
	}
}

type fakeTerminator struct {
	mu      sync.Mutex
	byGTID  map[string]*fakeTx
	imports int
}

func newFakeTerminator() *fakeTerminator { return &fakeTerminator{byGTID: map[string]*fakeTx{}} }

func (f *fakeTerminator) ImportTransaction(ctx context.Context, x xid.SimpleXid, timeoutSeconds uint32) (engine.Transaction, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := x.WithoutBranch().String()
	if tx, ok := f.byGTID[key]; ok {
		return tx, false, nil
	}
	f.imports++
	tx := &fakeTx{xid: x, timeout: timeoutSeconds}
	f.byGTID[key] = tx
	return tx, true, nil
}

func (f *fakeTerminator) GetTransaction(x xid.SimpleXid) (engine.Transaction, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tx, ok := f.byGTID[x.WithoutBranch().String()]
	return tx, ok
}

func (f *fakeTerminator) RemoveImportedTransaction(gtid xid.SimpleXid) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.byGTID, gtid.WithoutBranch().String())
}

func (f *fakeTerminator) DoRecover(ctx context.Context, parentName string) ([]xid.SimpleXid, error) {
	return nil, nil
}

func testXid(g string) xid.SimpleXid { return xid.New(1, []byte(g), []byte("branch")) }

// findOrImport is idempotent on gtid: concurrent callers observe the
// same Entry (spec.md §8 C6).
func TestFindOrImportIdempotentUnderConcurrency(t *testing.T) {
	term := newFakeTerminator()
	r := New(term)

	x := testXid("g1")
	const n = 16
	results := make([]*ImportResult, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			res, err := r.FindOrImport(context.Background(), x, 60, false)
			if err != nil {
				t.Errorf("FindOrImport: %v", err)
				return
			}
			results[i] = res
		}(i)
	}
	wg.Wait()

	first := results[0].Control
	for i, res := range results {
		if res.Control != first {
			t.Fatalf("result %d has a different Entry identity", i)
		}
	}
}

// Stale-entry eviction: once a transaction completes, its entry survives
// until its expiration has passed, then a sweep removes it.
func TestStaleEntryEviction(t *testing.T) {
	term := newFakeTerminator()
	r := New(term)
	r.staleWindow = 0

	x := testXid("g2")
	res, err := r.FindOrImport(context.Background(), x, 0, false)
	if err != nil {
		t.Fatalf("FindOrImport: %v", err)
	}
	if _, ok := r.FindExisting(x); !ok {
		t.Fatal("expected the entry to be present before completion")
	}

	tx := res.Txn.(*fakeTx)
	// expiration = now + (timeout=0 + staleWindow=0) already in the past
	// by the time we sweep.
	time.Sleep(time.Millisecond)
	tx.complete(3)

	if _, ok := r.FindExisting(x); ok {
		t.Fatal("expected the entry to be evicted after the stale window elapsed")
	}
}

func TestCommitRollbackLocalRefuseOnImported(t *testing.T) {
	term := newFakeTerminator()
	r := New(term)
	x := testXid("g3")
	res, err := r.FindOrImport(context.Background(), x, 60, false)
	if err != nil {
		t.Fatalf("FindOrImport: %v", err)
	}

	if err := r.CommitLocal(context.Background(), res.Txn); err == nil {
		t.Fatal("expected commitLocal on an imported transaction to fail")
	}
	if err := r.RollbackLocal(context.Background(), res.Txn); err == nil {
		t.Fatal("expected rollbackLocal on an imported transaction to fail")
	}
}

func TestCommitRollbackLocalSucceedOnNonImported(t *testing.T) {
	term := newFakeTerminator()
	r := New(term)
	tx := &fakeTx{xid: testXid("never-imported")}

	if err := r.CommitLocal(context.Background(), tx); err != nil {
		t.Fatalf("commitLocal on a non-imported transaction: %v", err)
	}
	if err := r.RollbackLocal(context.Background(), tx); err != nil {
		t.Fatalf("rollbackLocal on a non-imported transaction: %v", err)
	}
}

func TestRegistrySizeMetricTracksImportAndEviction(t *testing.T) {
	term := newFakeTerminator()
	r := New(term)
	r.staleWindow = 0
	mc := metrics.New("test")
	r.SetMetrics(mc)

	x := testXid("g-metric")
	res, err := r.FindOrImport(context.Background(), x, 0, false)
	if err != nil {
		t.Fatalf("FindOrImport: %v", err)
	}
	if got := testutil.ToFloat64(mc.RegistrySize); got != 1 {
		t.Fatalf("registry size after import = %v, want 1", got)
	}

	tx := res.Txn.(*fakeTx)
	time.Sleep(time.Millisecond)
	tx.complete(3)

	if got := testutil.ToFloat64(mc.RegistrySize); got != 0 {
		t.Fatalf("registry size after eviction = %v, want 0", got)
	}
}

func TestCommitForgetRollbackFailOnNonImported(t *testing.T) {
	term := newFakeTerminator()
	r := New(term)
	x := testXid("never-imported")
	if err := r.Commit(context.Background(), x, false); err == nil {
		t.Fatal("expected commit on a non-imported xid to fail with XAER_NOTA")
	}
	if err := r.Forget(context.Background(), x); err == nil {
		t.Fatal("expected forget on a non-imported xid to fail with XAER_NOTA")
	}
	if err := r.Rollback(context.Background(), x); err == nil {
		t.Fatal("expected rollback on a non-imported xid to fail with XAER_NOTA")
	}
}
