// Package resolver implements the iterative/forwarding DNS resolution
// state machine: a common preamble shared by both strategies, a
// forwarding strategy that hands queries to an upstream recursive
// resolver, and a recursive strategy that walks delegations itself.
package resolver

import (
	"fmt"
	"math/rand"

	"github.com/relaydns/relaydns/internal/authority"
	"github.com/relaydns/relaydns/internal/dns/cache"
	"github.com/relaydns/relaydns/internal/dns/client"
	"github.com/relaydns/relaydns/internal/dns/packet"
)

// ResolveError is the error taxonomy for resolution failures: it wraps
// Client and Cache errors and adds NoServerFound for the recursive
// strategy's seeding step.
type ResolveError struct {
	Kind string
	Err  error
}

func (e *ResolveError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("resolve: %s: %v", e.Kind, e.Err)
	}
	return "resolve: " + e.Kind
}

func (e *ResolveError) Unwrap() error { return e.Err }

const KindNoServerFound = "no server found"

// maxIterations bounds the recursive strategy's delegation-following loop,
// so a misconfigured or adversarial zone (NS -> NS -> original name) can
// never spin forever.
const maxIterations = 16

// Resolver answers a query using the shared preamble plus a
// strategy-specific perform step.
type Resolver struct {
	Authority      authority.Authority
	Cache          *cache.Cache
	Client         *client.Client
	AllowRecursive bool

	// Forward selects perform: when set, queries go to the upstream it
	// names; when nil, the recursive strategy is used.
	Forward *ForwardStrategy
}

// ForwardStrategy issues every non-cached, non-local query to a single
// configured upstream recursive resolver.
type ForwardStrategy struct {
	UpstreamHost string
	UpstreamPort int
}

func errorResponse(rcode uint8) *packet.DNSPacket {
	p := packet.NewDNSPacket()
	p.Header.ResCode = rcode
	return p
}

// Resolve implements the common preamble shared by every strategy, then
// dispatches to perform when no local/cached answer applies.
func (r *Resolver) Resolve(name string, qtype packet.QueryType, recursionDesired bool) (*packet.DNSPacket, error) {
	if qtype == packet.UNKNOWN {
		return errorResponse(packet.RcodeNotImp), nil
	}

	if r.Authority != nil {
		if resp := r.Authority.Query(name, qtype); resp != nil {
			return resp, nil
		}
	}

	if !recursionDesired || !r.AllowRecursive {
		return errorResponse(packet.RcodeRefused), nil
	}

	if resp, state := r.Cache.Lookup(name, qtype); state != cache.Absent {
		return resp, nil
	}

	if qtype == packet.A || qtype == packet.AAAA {
		if resp, state := r.Cache.Lookup(name, packet.CNAME); state != cache.Absent {
			return resp, nil
		}
	}

	return r.perform(name, qtype)
}

func (r *Resolver) perform(name string, qtype packet.QueryType) (*packet.DNSPacket, error) {
	if r.Forward != nil {
		return r.performForward(name, qtype)
	}
	return r.performRecursive(name, qtype)
}

// performForward sends the query to the configured upstream with RD=1 and
// caches only the answers section, per the forwarding strategy.
func (r *Resolver) performForward(name string, qtype packet.QueryType) (*packet.DNSPacket, error) {
	server := fmt.Sprintf("%s:%d", r.Forward.UpstreamHost, r.Forward.UpstreamPort)
	resp, err := r.Client.SendUDP(name, qtype, server, true)
	if err != nil {
		return nil, &ResolveError{Kind: "client", Err: err}
	}
	r.Cache.Store(resp.Answers)
	return resp, nil
}

// performRecursive walks delegations from a cached "deepest known
// nameserver" down to an authoritative answer, following glue and
// recursing into itself for glueless delegations.
func (r *Resolver) performRecursive(name string, qtype packet.QueryType) (*packet.DNSPacket, error) {
	ns, err := r.seedNameserver(name)
	if err != nil {
		return nil, err
	}

	var lastResp *packet.DNSPacket

	for i := 0; i < maxIterations; i++ {
		server := fmt.Sprintf("%s:53", ns)
		resp, err := r.Client.SendUDP(name, qtype, server, false)
		if err != nil {
			return nil, &ResolveError{Kind: "client", Err: err}
		}
		lastResp = resp

		if len(resp.Answers) > 0 && resp.Header.ResCode == packet.RcodeNoError {
			r.cacheAllSections(resp)
			return resp, nil
		}

		if resp.Header.ResCode == packet.RcodeNxDomain {
			if ttl, ok := soaMinimum(resp.Authorities); ok {
				r.Cache.StoreNegative(name, qtype, ttl)
			}
			return resp, nil
		}

		if resolved, ok := resolvedNS(resp, name); ok {
			ns = resolved
			r.cacheAllSections(resp)
			continue
		}

		nsHost, ok := unresolvedNS(resp, name)
		if !ok {
			return resp, nil
		}

		glueResp, err := r.Resolve(nsHost, packet.A, true)
		if err != nil {
			return resp, nil
		}
		if addr, ok := randomA(glueResp.Answers); ok {
			ns = addr
			continue
		}
		return resp, nil
	}

	return lastResp, nil
}

func (r *Resolver) cacheAllSections(resp *packet.DNSPacket) {
	r.Cache.Store(resp.Answers)
	r.Cache.Store(resp.Authorities)
	r.Cache.Store(resp.Additionals)
}

// seedNameserver scans suffixes of name from the full name down to the
// root, asking the cache for NS records then an A record of one of those
// NS names; the first resolvable pair wins.
func (r *Resolver) seedNameserver(name string) (string, error) {
	labels := splitLabels(name)
	for i := 0; i <= len(labels); i++ {
		domain := joinLabels(labels[i:])
		if domain != "" && len(name) > 0 && name[len(name)-1] == '.' {
			domain += "."
		}

		nsResp, state := r.Cache.Lookup(domain, packet.NS)
		if state != cache.Positive {
			continue
		}
		for _, ns := range nsResp.Answers {
			if ns.Type != packet.NS {
				continue
			}
			aResp, aState := r.Cache.Lookup(ns.Host, packet.A)
			if aState != cache.Positive {
				continue
			}
			if addr, ok := randomA(aResp.Answers); ok {
				return addr, nil
			}
		}
	}
	return "", &ResolveError{Kind: KindNoServerFound}
}

func splitLabels(name string) []string {
	var labels []string
	start := 0
	for i := 0; i < len(name); i++ {
		if name[i] == '.' {
			if i > start {
				labels = append(labels, name[start:i])
			}
			start = i + 1
		}
	}
	if start < len(name) {
		labels = append(labels, name[start:])
	}
	return labels
}

func joinLabels(labels []string) string {
	out := ""
	for i, l := range labels {
		if i > 0 {
			out += "."
		}
		out += l
	}
	return out
}

// resolvedNS looks for an NS in authorities whose owner is an ancestor of
// name AND whose target host appears as an A record in additionals
// ("glue"); returns that address.
func resolvedNS(resp *packet.DNSPacket, name string) (string, bool) {
	for _, auth := range resp.Authorities {
		if auth.Type != packet.NS || !isAncestor(auth.Name, name) {
			continue
		}
		for _, add := range resp.Additionals {
			if add.Type == packet.A && equalFold(add.Name, auth.Host) {
				return add.IP.String(), true
			}
		}
	}
	return "", false
}

// unresolvedNS looks for an NS with no matching glue.
func unresolvedNS(resp *packet.DNSPacket, name string) (string, bool) {
	for _, auth := range resp.Authorities {
		if auth.Type != packet.NS || !isAncestor(auth.Name, name) {
			continue
		}
		hasGlue := false
		for _, add := range resp.Additionals {
			if add.Type == packet.A && equalFold(add.Name, auth.Host) {
				hasGlue = true
				break
			}
		}
		if !hasGlue {
			return auth.Host, true
		}
	}
	return "", false
}

func isAncestor(ancestor, name string) bool {
	ancestor, name = foldLower(ancestor), foldLower(name)
	if ancestor == "" {
		return true
	}
	if ancestor == name {
		return true
	}
	if len(name) > len(ancestor) && name[len(name)-len(ancestor)-1] == '.' {
		return name[len(name)-len(ancestor):] == ancestor
	}
	return false
}

func equalFold(a, b string) bool {
	return foldLower(a) == foldLower(b)
}

func foldLower(s string) string {
	out := make([]byte, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= 'A' && c <= 'Z' {
			c += 32
		}
		out[i] = c
	}
	return string(out)
}

// randomA picks any A record's address among answers; the choice is
// arbitrary (load distribution), not deterministic.
func randomA(records []packet.DNSRecord) (string, bool) {
	var candidates []string
	for _, r := range records {
		if r.Type == packet.A && r.IP != nil {
			candidates = append(candidates, r.IP.String())
		}
	}
	if len(candidates) == 0 {
		return "", false
	}
	return candidates[rand.Intn(len(candidates))], true
}

// soaMinimum extracts SOA.minimum from the authorities section of an
// NXDOMAIN response, used as the negative cache entry's TTL.
func soaMinimum(authorities []packet.DNSRecord) (uint32, bool) {
	for _, r := range authorities {
		if r.Type == packet.SOA {
			return r.Minimum, true
		}
	}
	return 0, false
}
