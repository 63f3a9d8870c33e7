package dns

import (
	"fmt"
	"net"
	"strings"

	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/registry"
	"github.com/miekg/dns"
)

// Lookup is the read side of the service registry
type Lookup interface {
	Resolve(name string) []registry.Endpoint
	ResolveIdentity(name, identity string) (registry.Endpoint, bool)
}

// Resolver answers A queries from the service registry
type Resolver struct {
	lookup Lookup
	domain string // cluster domain (e.g., "burrow")
}

// NewResolver creates a new DNS resolver
func NewResolver(lookup Lookup, domain string) *Resolver {
	return &Resolver{
		lookup: lookup,
		domain: strings.Trim(domain, "."),
	}
}

// Resolve resolves a query name to A records for every ready endpoint.
//
// Supported names, with or without the cluster domain:
//   - web.default               all ready instances of a workload
//   - mongo-0.mongo.default     one ordered instance by identity
//
// An empty answer for a name inside the cluster domain is not an error.
func (r *Resolver) Resolve(queryName string) ([]dns.RR, error) {
	name := strings.ToLower(strings.TrimSuffix(queryName, "."))
	local, inDomain := r.stripDomain(name)

	log.Logger.Debug().
		Str("component", "dns.resolver").
		Str("query", name).
		Bool("in_domain", inDomain).
		Msg("resolving DNS query")

	if eps := r.lookup.Resolve(local); len(eps) > 0 {
		return r.records(queryName, eps), nil
	}

	if identity, logical, ok := splitIdentity(local); ok {
		if ep, found := r.lookup.ResolveIdentity(logical, identity); found {
			return r.records(queryName, []registry.Endpoint{ep}), nil
		}
	}

	if inDomain {
		return nil, nil
	}
	return nil, fmt.Errorf("query not resolvable by burrow DNS: %s", name)
}

// InDomain reports whether a query name falls under the cluster domain
func (r *Resolver) InDomain(queryName string) bool {
	_, ok := r.stripDomain(strings.ToLower(strings.TrimSuffix(queryName, ".")))
	return ok
}

func (r *Resolver) records(queryName string, eps []registry.Endpoint) []dns.RR {
	fqdn := dns.Fqdn(queryName)
	out := make([]dns.RR, 0, len(eps))
	for _, ep := range eps {
		ip := endpointIP(ep.Address)
		if ip == nil {
			continue
		}
		out = append(out, &dns.A{
			Hdr: dns.RR_Header{
				Name:   fqdn,
				Rrtype: dns.TypeA,
				Class:  dns.ClassINET,
				Ttl:    0, // registry changes must be visible immediately
			},
			A: ip,
		})
	}
	return out
}

// stripDomain removes the cluster domain suffix from a name
// web.default.burrow -> web.default, true
// web.default -> web.default, false
func (r *Resolver) stripDomain(name string) (string, bool) {
	if r.domain == "" {
		return name, false
	}
	suffix := "." + r.domain
	if strings.HasSuffix(name, suffix) {
		return strings.TrimSuffix(name, suffix), true
	}
	return name, false
}

// endpointIP extracts an IPv4 address from host or host:port
func endpointIP(addr string) net.IP {
	host := addr
	if h, _, err := net.SplitHostPort(addr); err == nil {
		host = h
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return nil
	}
	return ip.To4()
}
