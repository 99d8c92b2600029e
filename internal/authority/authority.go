// Package authority provides the Authority collaborator: locally-served
// zone answers consulted before cache and recursion/forwarding. Zone
// loading is an external concern; this package only defines the contract
// and a couple of concrete, swappable implementations.
package authority

import (
	"strings"
	"sync"

	"github.com/relaydns/relaydns/internal/dns/packet"
)

// Authority answers queries for locally-served zones. It returns a
// fully-assembled packet with the AA bit set when it has an answer, or nil
// when the query falls outside every zone it serves.
type Authority interface {
	Query(name string, qtype packet.QueryType) *packet.DNSPacket
}

// Zone is a single locally-served zone: an origin name plus the records
// it directly answers for (no glue resolution, no recursion within the zone).
type Zone struct {
	Origin  string
	Records []packet.DNSRecord
	SOA     *packet.DNSRecord
}

// InMemory is an Authority backed by zones held entirely in memory,
// grounded in the same "query a map of owner -> records" shape the cache
// uses, but without TTL expiry: these are authoritative, not cached.
type InMemory struct {
	mu    sync.RWMutex
	zones map[string]*Zone
}

// NewInMemory returns an empty in-memory authority.
func NewInMemory() *InMemory {
	return &InMemory{zones: make(map[string]*Zone)}
}

// LoadZone installs or replaces a zone, keyed by lowercased origin.
func (a *InMemory) LoadZone(z *Zone) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.zones[strings.ToLower(z.Origin)] = z
}

// Query implements Authority by scanning the matching zone's records for
// the closest (name, qtype) match. Names compare case-insensitively and
// with or without a trailing dot.
func (a *InMemory) Query(name string, qtype packet.QueryType) *packet.DNSPacket {
	lname := strings.TrimSuffix(strings.ToLower(name), ".")

	a.mu.RLock()
	defer a.mu.RUnlock()

	zone := a.matchZone(lname)
	if zone == nil {
		return nil
	}

	var answers []packet.DNSRecord
	for _, r := range zone.Records {
		if strings.TrimSuffix(strings.ToLower(r.Name), ".") == lname && r.Type == qtype {
			answers = append(answers, r)
		}
	}

	if len(answers) == 0 {
		if zone.SOA == nil {
			return nil
		}
		p := packet.NewDNSPacket()
		p.Header.AuthoritativeAnswer = true
		p.Header.ResCode = packet.RcodeNxDomain
		p.Authorities = append(p.Authorities, *zone.SOA)
		return p
	}

	p := packet.NewDNSPacket()
	p.Header.AuthoritativeAnswer = true
	p.Answers = answers
	return p
}

func (a *InMemory) matchZone(lname string) *Zone {
	for suffix := lname; ; {
		if z, ok := a.zones[suffix]; ok {
			return z
		}
		idx := strings.IndexByte(suffix, '.')
		if idx == -1 {
			return nil
		}
		suffix = suffix[idx+1:]
	}
}

// None is an Authority that serves no zones; every query falls through
// to cache and recursion/forwarding. Used when no local zones are configured.
type None struct{}

// Query always returns nil.
func (None) Query(string, packet.QueryType) *packet.DNSPacket { return nil }
