package imported

import (
	"context"
	"fmt"
	"strconv"

	"braces.dev/errtrace"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/stuartwdouglas/wildfly-transaction-client/xaerr"
	"github.com/stuartwdouglas/wildfly-transaction-client/xid"
)

// etcdKV is the subset of clientv3.KV this backend drives. *clientv3.Client
// satisfies it directly, since it embeds clientv3.KV; extracting the
// interface lets tests substitute an in-memory fake instead of a running
// etcd cluster.
type etcdKV interface {
	Put(ctx context.Context, key, val string, opts ...clientv3.OpOption) (*clientv3.PutResponse, error)
	Delete(ctx context.Context, key string, opts ...clientv3.OpOption) (*clientv3.DeleteResponse, error)
}

// EtcdBackend is an optional durability add-on for the registry's
// gtid -> expiration index (SPEC_FULL.md §3 domain stack): it lets a
// multi-process deployment see another process's imports during
// recovery. The in-memory ordered set in Registry remains the required
// path; this backend only mirrors entries so they survive a process
// restart long enough for DoRecover elsewhere to see them.
type EtcdBackend struct {
	Client etcdKV
	Prefix string
}

// NewEtcdBackend wraps an existing client under the given key prefix.
func NewEtcdBackend(client *clientv3.Client, prefix string) *EtcdBackend {
	return &EtcdBackend{Client: client, Prefix: prefix}
}

// NewEtcdBackendWithKV wraps any etcdKV implementation, real or faked,
// under the given key prefix.
func NewEtcdBackendWithKV(kv etcdKV, prefix string) *EtcdBackend {
	return &EtcdBackend{Client: kv, Prefix: prefix}
}

func (b *EtcdBackend) key(gtid xid.SimpleXid) string {
	return fmt.Sprintf("%s/%s", b.Prefix, gtid.String())
}

// Put mirrors an entry's expiration so other processes can observe it.
func (b *EtcdBackend) Put(ctx context.Context, k xid.Key) error {
	_, err := b.Client.Put(ctx, b.key(k.GTID), strconv.FormatInt(k.ExpirationNS, 10))
	if err != nil {
		return errtrace.Wrap(xaerr.Wrap(xaerr.KindFailedToSend, err, "etcd put for %s", k.GTID))
	}
	return nil
}

// Delete removes an entry's mirror once it's locally evicted.
func (b *EtcdBackend) Delete(ctx context.Context, gtid xid.SimpleXid) error {
	_, err := b.Client.Delete(ctx, b.key(gtid))
	if err != nil {
		return errtrace.Wrap(xaerr.Wrap(xaerr.KindFailedToSend, err, "etcd delete for %s", gtid))
	}
	return nil
}

// AttachEtcd wires b so Registry mirrors every insert/sweep through it.
// Call once after constructing the registry.
func (r *Registry) AttachEtcd(b *EtcdBackend) {
	r.etcd = b
}
