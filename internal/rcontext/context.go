// Package rcontext holds the shared handles and configuration that every
// incoming query is resolved against: Authority, Cache, Client, and the
// counters a front-end or admin surface reads for observability.
package rcontext

import (
	"sync/atomic"

	"github.com/relaydns/relaydns/internal/authority"
	"github.com/relaydns/relaydns/internal/dns/cache"
	"github.com/relaydns/relaydns/internal/dns/client"
	"github.com/relaydns/relaydns/internal/dns/resolver"
)

const (
	// DefaultDNSPort is the standard DNS service port.
	DefaultDNSPort = 53
	// DefaultAPIPort is the default admin/observability HTTP port.
	DefaultAPIPort = 5380
	// DefaultZonesDir is the default directory external zone loading reads from.
	DefaultZonesDir = "zones"
)

// Strategy selects how a query that misses Authority and Cache is resolved.
type Strategy int

const (
	// StrategyRecursive walks delegations itself from cached root hints.
	StrategyRecursive Strategy = iota
	// StrategyForward hands every miss to a single configured upstream.
	StrategyForward
)

// Statistics holds monotonic, atomically-updated query counters.
type Statistics struct {
	tcpQueryCount atomic.Uint64
	udpQueryCount atomic.Uint64
}

// IncTCP increments the TCP query counter.
func (s *Statistics) IncTCP() { s.tcpQueryCount.Add(1) }

// IncUDP increments the UDP query counter.
func (s *Statistics) IncUDP() { s.udpQueryCount.Add(1) }

// TCPQueryCount returns the current TCP query count (acquire load).
func (s *Statistics) TCPQueryCount() uint64 { return s.tcpQueryCount.Load() }

// UDPQueryCount returns the current UDP query count (acquire load).
func (s *Statistics) UDPQueryCount() uint64 { return s.udpQueryCount.Load() }

// Context is the shared server-wide state every resolve call is built against.
type Context struct {
	Authority authority.Authority
	Cache     *cache.Cache
	Client    *client.Client

	DNSPort        int
	APIPort        int
	ZonesDir       string
	AllowRecursive bool
	EnableUDP      bool
	EnableTCP      bool
	EnableAPI      bool

	ResolveStrategy Strategy
	ForwardHost     string
	ForwardPort     int

	Statistics Statistics
}

// New returns a Context with the package defaults and a recursive strategy.
func New(c *cache.Cache, cl *client.Client, auth authority.Authority) *Context {
	if auth == nil {
		auth = authority.None{}
	}
	return &Context{
		Authority:       auth,
		Cache:           c,
		Client:          cl,
		DNSPort:         DefaultDNSPort,
		APIPort:         DefaultAPIPort,
		ZonesDir:        DefaultZonesDir,
		AllowRecursive:  true,
		EnableUDP:       true,
		EnableTCP:       true,
		EnableAPI:       true,
		ResolveStrategy: StrategyRecursive,
	}
}

// NewResolver builds a Resolver wired to this context's collaborators,
// using the configured resolve strategy.
func (c *Context) NewResolver() *resolver.Resolver {
	r := &resolver.Resolver{
		Authority:      c.Authority,
		Cache:          c.Cache,
		Client:         c.Client,
		AllowRecursive: c.AllowRecursive,
	}
	if c.ResolveStrategy == StrategyForward {
		r.Forward = &resolver.ForwardStrategy{UpstreamHost: c.ForwardHost, UpstreamPort: c.ForwardPort}
	}
	return r
}
