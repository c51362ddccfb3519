package imported

import (
	"context"
	"sync"
	"testing"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/stuartwdouglas/wildfly-transaction-client/xid"
)

// fakeEtcdKV is an in-memory stand-in for clientv3.KV's Put/Delete, the
// only two calls EtcdBackend makes, so the mirror path can be exercised
// without an embedded etcd server.
type fakeEtcdKV struct {
	mu      sync.Mutex
	values  map[string]string
	puts    int
	deletes int
}

func newFakeEtcdKV() *fakeEtcdKV { return &fakeEtcdKV{values: map[string]string{}} }

func (f *fakeEtcdKV) Put(ctx context.Context, key, val string, opts ...clientv3.OpOption) (*clientv3.PutResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[key] = val
	f.puts++
	return &clientv3.PutResponse{}, nil
}

func (f *fakeEtcdKV) Delete(ctx context.Context, key string, opts ...clientv3.OpOption) (*clientv3.DeleteResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.values, key)
	f.deletes++
	return &clientv3.DeleteResponse{}, nil
}

func (f *fakeEtcdKV) get(key string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.values[key]
	return v, ok
}

func TestEtcdBackendMirrorsPutAndDelete(t *testing.T) {
	kv := newFakeEtcdKV()
	b := NewEtcdBackendWithKV(kv, "wftc/imported")

	gtid := testXid("etcd-g1")
	k := xid.Key{GTID: gtid, ExpirationNS: 12345}
	if err := b.Put(context.Background(), k); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if got, ok := kv.get(b.key(gtid)); !ok || got != "12345" {
		t.Fatalf("mirrored value = %q, %v, want \"12345\", true", got, ok)
	}

	if err := b.Delete(context.Background(), gtid); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok := kv.get(b.key(gtid)); ok {
		t.Fatal("expected the mirrored key to be gone after Delete")
	}
}

// Registry mirrors an entry's key to etcd on import, and mirrors its
// removal once the local sweep evicts it (SPEC_FULL.md §3's durability
// add-on, registry.go's FindOrImport/sweepStale).
func TestRegistryMirrorsToEtcdOnImportAndSweep(t *testing.T) {
	term := newFakeTerminator()
	r := New(term)
	r.staleWindow = 0
	kv := newFakeEtcdKV()
	b := NewEtcdBackendWithKV(kv, "wftc/imported")
	r.AttachEtcd(b)

	x := testXid("etcd-g2")
	res, err := r.FindOrImport(context.Background(), x, 0, false)
	if err != nil {
		t.Fatalf("FindOrImport: %v", err)
	}
	if _, ok := kv.get(b.key(x.WithoutBranch())); !ok {
		t.Fatal("expected the new entry to be mirrored to etcd on import")
	}

	tx := res.Txn.(*fakeTx)
	time.Sleep(time.Millisecond)
	tx.complete(3)

	if _, ok := kv.get(b.key(x.WithoutBranch())); ok {
		t.Fatal("expected the entry's mirror to be deleted once the sweep evicts it")
	}
}
