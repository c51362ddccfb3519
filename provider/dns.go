package provider

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"braces.dev/errtrace"
	"github.com/miekg/dns"

	"github.com/stuartwdouglas/wildfly-transaction-client/xaerr"
)

// dnsScheme is the indirection scheme resolved via SRV lookup: a
// "dns:service.example.org" URI resolves to the target of the first SRV
// record in the answer, the same role DNS plays in locating a SIP proxy.
// SRV priority and weight are not consulted and targets are not
// health-checked.
const dnsScheme = "dns"

// DNSResolver is an optional Resolver (see Registry.AddResolver) that
// turns a "dns:" URI into a concrete peer URI via an SRV lookup. It is
// never on the hot path unless a caller explicitly registers it.
type DNSResolver struct {
	// Client performs the SRV query. Defaults to a plain UDP dns.Client
	// if nil.
	Client *dns.Client
	// Server is the resolver to query, e.g. "127.0.0.1:53".
	Server string
	// TargetScheme is the scheme stamped on the resolved URI (e.g.
	// "wftxn").
	TargetScheme string
}

// Resolve implements Resolver. URIs not using the "dns" scheme pass
// through unchanged.
func (d *DNSResolver) Resolve(ctx context.Context, rawURI string) (string, error) {
	u, err := url.Parse(rawURI)
	if err != nil {
		return "", errtrace.Wrap(xaerr.New(xaerr.KindNoProviderForURI, "invalid URI %q", rawURI))
	}
	if u.Scheme != dnsScheme {
		return rawURI, nil
	}

	client := d.Client
	if client == nil {
		client = &dns.Client{}
	}

	name := dns.Fqdn(strings.TrimPrefix(u.Opaque, "//"))
	if name == "." {
		name = dns.Fqdn(u.Host)
	}

	msg := new(dns.Msg)
	msg.SetQuestion(name, dns.TypeSRV)

	in, _, err := client.ExchangeContext(ctx, msg, d.Server)
	if err != nil {
		return "", errtrace.Wrap(xaerr.Wrap(xaerr.KindNoProviderForURI, err, "SRV lookup for %q", name))
	}
	for _, rr := range in.Answer {
		if srv, ok := rr.(*dns.SRV); ok {
			target := strings.TrimSuffix(srv.Target, ".")
			return fmt.Sprintf("%s://%s:%d", d.TargetScheme, target, srv.Port), nil
		}
	}
	return "", errtrace.Wrap(xaerr.New(xaerr.KindNoProviderForURI, "no SRV records for %q", name))
}
