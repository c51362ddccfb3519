// Package provider implements the C8 glue of spec.md §4 and §6:
// packaging an import outcome for a caller, and looking up the
// RemoteTransactionProvider responsible for a given peer URI.
package provider

import (
	"context"
	"net/url"
	"sync"

	"braces.dev/errtrace"

	"github.com/stuartwdouglas/wildfly-transaction-client/engine"
	"github.com/stuartwdouglas/wildfly-transaction-client/imported"
	"github.com/stuartwdouglas/wildfly-transaction-client/xaerr"
	"github.com/stuartwdouglas/wildfly-transaction-client/xid"
)

// ImportResult packages the outcome of importing a remote transaction
// for a caller, mirroring imported.ImportResult but exposing the
// node name extracted from the xid (spec.md §6: "Node-name extraction
// from Xid").
type ImportResult struct {
	Txn           engine.Transaction
	Control       *imported.Entry
	NewlyImported bool
	NodeName      string
}

// FromEntry builds an ImportResult from the registry's outcome,
// attaching the node name parsed out of gtid.
func FromEntry(r *imported.ImportResult, x xid.SimpleXid) *ImportResult {
	if r == nil {
		return nil
	}
	return &ImportResult{
		Txn:           r.Txn,
		Control:       r.Control,
		NewlyImported: r.NewlyImported,
		NodeName:      x.NodeName(),
	}
}

// Provider is a RemoteTransactionProvider (spec.md §6): a collaborator
// able to speak to peers reachable by one URI scheme.
type Provider interface {
	Scheme() string
}

// Registry is a lockable map of Provider keyed by URI scheme (spec.md
// §6: "providers are keyed by URI scheme"), following the teacher's
// transport.Manager/store keyed-map-with-mutex idiom.
type Registry struct {
	mu        sync.RWMutex
	byScheme  map[string]Provider
	resolvers []Resolver
}

// NewRegistry builds an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{byScheme: make(map[string]Provider)}
}

// Register adds p under its scheme, replacing any existing provider for
// that scheme.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byScheme[p.Scheme()] = p
}

// GetProvider implements spec.md §6's getProvider(URI) -> Provider.
func (r *Registry) GetProvider(rawURI string) (Provider, error) {
	u, err := url.Parse(rawURI)
	if err != nil {
		return nil, errtrace.Wrap(xaerr.New(xaerr.KindNoProviderForURI, "invalid provider URI %q", rawURI))
	}
	r.mu.RLock()
	p, ok := r.byScheme[u.Scheme]
	r.mu.RUnlock()
	if !ok {
		return nil, errtrace.Wrap(xaerr.New(xaerr.KindUnknownProvider, "no provider registered for scheme %q", u.Scheme))
	}
	return p, nil
}

// Resolver is an optional indirection step run before GetProvider's
// scheme lookup, used for DNS-assisted URI resolution (e.g. a
// "dns:service.example" indirection resolved via SRV records to a
// concrete peer URI). See DNSResolver.
type Resolver interface {
	Resolve(ctx context.Context, rawURI string) (string, error)
}

// AddResolver registers a Resolver run, in order, before scheme lookup.
func (r *Registry) AddResolver(res Resolver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resolvers = append(r.resolvers, res)
}

// GetProviderResolved runs registered resolvers over rawURI before
// looking up its provider by scheme.
func (r *Registry) GetProviderResolved(ctx context.Context, rawURI string) (Provider, error) {
	r.mu.RLock()
	resolvers := append([]Resolver(nil), r.resolvers...)
	r.mu.RUnlock()

	uri := rawURI
	for _, res := range resolvers {
		resolved, err := res.Resolve(ctx, uri)
		if err != nil {
			return nil, errtrace.Wrap(err)
		}
		uri = resolved
	}
	return r.GetProvider(uri)
}
