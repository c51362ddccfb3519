package imported

import (
	"context"
	"sort"
	"sync"
	"time"

	"braces.dev/errtrace"

	"github.com/stuartwdouglas/wildfly-transaction-client/engine"
	"github.com/stuartwdouglas/wildfly-transaction-client/internal/metrics"
	"github.com/stuartwdouglas/wildfly-transaction-client/log"
	"github.com/stuartwdouglas/wildfly-transaction-client/xaerr"
	"github.com/stuartwdouglas/wildfly-transaction-client/xid"
)

// DefaultStaleWindow is the bounded window (spec.md §4.6) during which
// the registry keeps answering peer retries/recovery queries for a
// transaction that has already completed locally.
const DefaultStaleWindow = 600 * time.Second

// entrySentinelKey is the process-wide key Entry is attached under on
// the TM's per-transaction resource slot (spec.md §4.6: "Entry
// attachment to the TM's per-transaction resource slot uses a
// process-wide sentinel key, guarded by an intrinsic lock on that
// sentinel, so that at most one Entry ever exists per imported
// transaction"). entryAttachMu stands in for that intrinsic lock —
// spec.md §9's design note: "replace 'lock on the sentinel key' (C6)
// with a dedicated mutex covering the putTxLocalResource window".
const entrySentinelKey = "github.com/stuartwdouglas/wildfly-transaction-client/imported.Entry"

var entryAttachMu sync.Mutex

// Entry is the registry's per-gtid record (spec.md §4.6): the imported
// transaction, its completion-bit adapter (C7), and the key under which
// it is scheduled for stale eviction.
type Entry struct {
	GTID xid.SimpleXid
	Tx   engine.Transaction
	Key  xid.Key

	ctl subordinateControl
}

// BeforeCompletion, Prepare, Rollback, Forget, Commit delegate to the
// entry's C7 adapter.
func (e *Entry) BeforeCompletion(ctx context.Context) error { return errtrace.Wrap(e.ctl.BeforeCompletion(ctx)) }
func (e *Entry) Rollback(ctx context.Context) error         { return errtrace.Wrap(e.ctl.Rollback(ctx)) }
func (e *Entry) Forget(ctx context.Context) error           { return errtrace.Wrap(e.ctl.Forget(ctx)) }
func (e *Entry) Commit(ctx context.Context, onePhase bool) error {
	return errtrace.Wrap(e.ctl.Commit(ctx, onePhase))
}

// ImportResult is the outcome of findOrImport (spec.md §4.6).
type ImportResult struct {
	Txn           engine.Transaction
	Control       *Entry
	NewlyImported bool
}

// Registry is the imported transaction registry (C6): a gtid-keyed map
// of Entry plus an expiration-ordered key set used to sweep stale
// entries (spec.md §4.6). Grounded in the teacher's store type (map
// guarded by sync.RWMutex, typed get/put/del helpers).
type Registry struct {
	term engine.Terminator

	mu      sync.RWMutex
	byGTID  map[string]*Entry
	ordered []xid.Key // kept sorted by xid.Key.Compare

	staleWindow time.Duration
	etcd        *EtcdBackend
	metrics     *metrics.Collectors
}

// New builds an empty registry bound to term, a local TM's XA
// terminator (spec.md §6).
func New(term engine.Terminator) *Registry {
	return &Registry{
		term:        term,
		byGTID:      make(map[string]*Entry),
		staleWindow: DefaultStaleWindow,
	}
}

// SetMetrics attaches collectors this registry reports its size to.
// Optional; nil (the default) means no metrics are recorded.
func (r *Registry) SetMetrics(m *metrics.Collectors) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metrics = m
}

// reportSize updates the registry-size gauge, if metrics are attached.
// Caller must hold r.mu (read or write).
func (r *Registry) reportSize() {
	if r.metrics != nil {
		r.metrics.RegistrySize.Set(float64(len(r.byGTID)))
	}
}

func gtidKey(g xid.SimpleXid) string { return g.String() }

// FindExisting returns the transaction for xid's gtid if already
// imported (spec.md §4.6 findExisting).
func (r *Registry) FindExisting(x xid.SimpleXid) (engine.Transaction, bool) {
	gtid := x.WithoutBranch()
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byGTID[gtidKey(gtid)]
	if !ok {
		return nil, false
	}
	return e.Tx, true
}

// FindOrImport implements spec.md §4.6's findOrImport algorithm.
func (r *Registry) FindOrImport(ctx context.Context, x xid.SimpleXid, timeoutSeconds uint32, doNotImport bool) (*ImportResult, error) {
	gtid := x.WithoutBranch()
	key := gtidKey(gtid)

	r.mu.RLock()
	if e, ok := r.byGTID[key]; ok {
		r.mu.RUnlock()
		return &ImportResult{Txn: e.Tx, Control: e, NewlyImported: false}, nil
	}
	r.mu.RUnlock()

	var tx engine.Transaction
	var newlyImported bool
	if doNotImport {
		t, ok := r.term.GetTransaction(x)
		if !ok {
			return nil, nil
		}
		tx = t
	} else {
		t, imported, err := r.term.ImportTransaction(ctx, x, timeoutSeconds)
		if err != nil {
			return nil, errtrace.Wrap(err)
		}
		tx = t
		newlyImported = imported
	}

	// Attach (or find) the Entry on tx's own resource slot under the
	// sentinel lock, so that at most one Entry is ever built for a given
	// tx even if two goroutines raced ImportTransaction/GetTransaction for
	// the same branch and both got handed the same tx (spec.md §4.6, §9).
	entryAttachMu.Lock()
	if existing, ok := tx.GetTxLocalResource(entrySentinelKey); ok {
		entry := existing.(*Entry)
		entryAttachMu.Unlock()
		r.index(entry)
		return &ImportResult{Txn: entry.Tx, Control: entry, NewlyImported: newlyImported}, nil
	}

	expirationNS := time.Now().Add((time.Duration(timeoutSeconds)*time.Second + r.staleWindow)).UnixNano()
	entry := &Entry{
		GTID: gtid,
		Tx:   tx,
		Key:  xid.Key{ExpirationNS: expirationNS, GTID: gtid},
		ctl:  subordinateControl{tx: tx},
	}
	tx.PutTxLocalResource(entrySentinelKey, entry)
	entryAttachMu.Unlock()

	if !r.index(entry) {
		// A concurrent FindOrImport for the same gtid (via a different tx
		// object) already indexed an entry first; report it, but still
		// report newlyImported truthfully (spec.md §4.6 step 4: "the local
		// import did happen").
		r.mu.RLock()
		existing := r.byGTID[key]
		r.mu.RUnlock()
		return &ImportResult{Txn: existing.Tx, Control: existing, NewlyImported: newlyImported}, nil
	}

	r.mu.RLock()
	etcd := r.etcd
	r.mu.RUnlock()
	if etcd != nil {
		// Best-effort mirror; durability is an add-on, never a precondition
		// for the in-memory path to proceed (SPEC_FULL.md §3).
		_ = etcd.Put(ctx, entry.Key)
	}

	tx.RegisterInterposedSynchronization(&sweepOnCompletion{r: r})

	log.Default().Info("imported transaction registered", "gtid", gtid, "newlyImported", newlyImported, "expiresAt", time.Unix(0, expirationNS))

	return &ImportResult{Txn: tx, Control: entry, NewlyImported: newlyImported}, nil
}

// index inserts entry into the gtid-keyed map and the expiration-ordered
// set if no entry is already indexed for its gtid, reporting whether it
// was the one that got indexed.
func (r *Registry) index(entry *Entry) bool {
	key := gtidKey(entry.GTID)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byGTID[key]; ok {
		return false
	}
	r.byGTID[key] = entry
	r.insertOrdered(entry.Key)
	r.reportSize()
	return true
}

// insertOrdered inserts k into r.ordered keeping it sorted by
// xid.Key.Compare. Caller must hold r.mu for writing.
func (r *Registry) insertOrdered(k xid.Key) {
	i := sort.Search(len(r.ordered), func(i int) bool { return r.ordered[i].Compare(k) >= 0 })
	r.ordered = append(r.ordered, xid.Key{})
	copy(r.ordered[i+1:], r.ordered[i:])
	r.ordered[i] = k
}

// sweepOnCompletion is the afterCompletion hook registered on every
// imported transaction (spec.md §4.6 step 5): it sweeps all keys whose
// expiration has already passed, not just the one belonging to the
// transaction it was registered on, since the ordered set makes a full
// range sweep cheap and the spec calls for sweeping "all" stale keys.
type sweepOnCompletion struct {
	r *Registry
}

func (s *sweepOnCompletion) BeforeCompletion(ctx context.Context) {}

func (s *sweepOnCompletion) AfterCompletion(ctx context.Context, status int) {
	s.r.sweepStale()
}

// sweepStale removes every entry whose key has already expired.
func (r *Registry) sweepStale() {
	now := time.Now().UnixNano()
	r.mu.Lock()
	i := 0
	for ; i < len(r.ordered); i++ {
		if r.ordered[i].ExpirationNS >= now {
			break
		}
		delete(r.byGTID, gtidKey(r.ordered[i].GTID))
	}
	expired := append([]xid.Key(nil), r.ordered[:i]...)
	r.ordered = r.ordered[i:]
	r.reportSize()
	etcd := r.etcd
	r.mu.Unlock()

	if len(expired) > 0 {
		log.Default().Debug("swept stale imported entries", "count", len(expired))
	}

	if etcd != nil {
		for _, k := range expired {
			_ = etcd.Delete(context.Background(), k.GTID)
		}
	}
}

// Commit, Forget, Rollback delegate to the entry for xid's gtid,
// failing with XAER_NOTA if the transaction isn't imported (spec.md
// §4.7: "a verb on a non-imported transaction fails with XAER_NOTA").
func (r *Registry) Commit(ctx context.Context, x xid.SimpleXid, onePhase bool) error {
	e, err := r.entryFor(x)
	if err != nil {
		return errtrace.Wrap(err)
	}
	return errtrace.Wrap(e.Commit(ctx, onePhase))
}

func (r *Registry) Forget(ctx context.Context, x xid.SimpleXid) error {
	e, err := r.entryFor(x)
	if err != nil {
		return errtrace.Wrap(err)
	}
	return errtrace.Wrap(e.Forget(ctx))
}

func (r *Registry) Rollback(ctx context.Context, x xid.SimpleXid) error {
	e, err := r.entryFor(x)
	if err != nil {
		return errtrace.Wrap(err)
	}
	return errtrace.Wrap(e.Rollback(ctx))
}

// Prepare delegates to the entry for xid's gtid, removing it from the
// registry on a read-only or rolled-back outcome (spec.md §4.7).
func (r *Registry) Prepare(ctx context.Context, x xid.SimpleXid) (xaerr.Code, error) {
	e, err := r.entryFor(x)
	if err != nil {
		return 0, errtrace.Wrap(err)
	}
	return e.ctl.Prepare(ctx, func() { r.remove(e.GTID) })
}

func (r *Registry) entryFor(x xid.SimpleXid) (*Entry, error) {
	gtid := x.WithoutBranch()
	r.mu.RLock()
	e, ok := r.byGTID[gtidKey(gtid)]
	r.mu.RUnlock()
	if !ok {
		return nil, errtrace.Wrap(xaerr.New(xaerr.KindInvalidTxnState, "no imported transaction for xid").WithCode(xaerr.CodeNota))
	}
	return e, nil
}

func (r *Registry) remove(gtid xid.SimpleXid) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byGTID, gtidKey(gtid))
	r.reportSize()
	r.term.RemoveImportedTransaction(gtid)
}

// CommitLocal implements spec.md §4.7's commitLocal: the non-XA path used
// when the local node itself coordinates tx. It refuses outright on a
// transaction that has been imported from a peer (this node is then a
// subordinate, and only the XA adapter may commit it).
func (r *Registry) CommitLocal(ctx context.Context, tx engine.Transaction) error {
	if r.isImported(tx.GetXid()) {
		return errtrace.Wrap(xaerr.New(xaerr.KindCommitOnImported, "commitLocal: transaction was imported from a peer"))
	}
	return errtrace.Wrap(tx.Commit(ctx))
}

// RollbackLocal implements spec.md §4.7's rollbackLocal, the non-XA
// counterpart to CommitLocal.
func (r *Registry) RollbackLocal(ctx context.Context, tx engine.Transaction) error {
	if r.isImported(tx.GetXid()) {
		return errtrace.Wrap(xaerr.New(xaerr.KindRollbackOnImported, "rollbackLocal: transaction was imported from a peer"))
	}
	return errtrace.Wrap(tx.Rollback(ctx))
}

func (r *Registry) isImported(x xid.SimpleXid) bool {
	gtid := x.WithoutBranch()
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byGTID[gtidKey(gtid)]
	return ok
}

// Recover implements spec.md §4.6 recover(flag, parentName).
func (r *Registry) Recover(ctx context.Context, parentName string) ([]xid.SimpleXid, error) {
	xids, err := r.term.DoRecover(ctx, parentName)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	return xids, nil
}
