// Package cache implements the per-domain, TTL-aware DNS record cache:
// positive entries (valid records) and negative entries (NXDOMAIN/NODATA
// bounded by a SOA minimum), keyed by lowercased owner name.
package cache

import (
	"sort"
	"sync"
	"time"

	"github.com/relaydns/relaydns/internal/dns/packet"
	"github.com/relaydns/relaydns/internal/infrastructure/metrics"
)

// State classifies what a (name, qtype) lookup would find.
type State int

const (
	// Absent means there is no cached information for (name, qtype).
	Absent State = iota
	// Positive means at least one currently-valid record exists.
	Positive
	// Negative means a currently-valid NoRecords entry exists.
	Negative
)

// recordKey identifies a record ignoring its TTL, so that a refreshed
// record with a new TTL replaces the prior entry instead of duplicating it.
type recordKey struct {
	name     string
	rtype    packet.QueryType
	ip       string
	host     string
	priority uint16
	weight   uint16
	port     uint16
	txt      string
	mname    string
	rname    string
	serial   uint32
	dataHash string
}

func keyOf(r packet.DNSRecord) recordKey {
	k := recordKey{
		name:     r.Name,
		rtype:    r.Type,
		host:     r.Host,
		priority: r.Priority,
		weight:   r.Weight,
		port:     r.Port,
		txt:      r.Txt,
		mname:    r.MName,
		rname:    r.RName,
		serial:   r.Serial,
	}
	if r.IP != nil {
		k.ip = r.IP.String()
	}
	if len(r.Data) > 0 {
		k.dataHash = string(r.Data)
	}
	return k
}

// RecordEntry pairs a decoded record with the instant it entered the cache.
// It is valid while insertionTimestamp + record.TTL is in the future.
type RecordEntry struct {
	Record    packet.DNSRecord
	Timestamp time.Time
}

// IsValid reports whether the entry's TTL has not yet elapsed at now.
func (e RecordEntry) IsValid(now time.Time) bool {
	return e.Timestamp.Add(time.Duration(e.Record.TTL) * time.Second).After(now)
}

// RecordSet holds either a set of positive records or a single negative
// (NoRecords) marker for one (owner, qtype) pair.
type RecordSet struct {
	QType      packet.QueryType
	Records    map[recordKey]RecordEntry // nil when this is a negative entry
	NoRecords  bool
	NegTTL     uint32
	NegStamp   time.Time
}

// isNegativeValid reports whether a negative entry's SOA-bounded TTL has
// not yet elapsed at now.
func (s *RecordSet) isNegativeValid(now time.Time) bool {
	return s.NoRecords && s.NegStamp.Add(time.Duration(s.NegTTL)*time.Second).After(now)
}

// DomainEntry is the per-owner-name record: a map from query type to its
// RecordSet, plus observability counters.
type DomainEntry struct {
	Name    string
	mu      sync.RWMutex
	sets    map[packet.QueryType]*RecordSet
	Hits    uint64
	Updates uint64
}

func newDomainEntry(name string) *DomainEntry {
	return &DomainEntry{Name: name, sets: make(map[packet.QueryType]*RecordSet)}
}

// storeRecords installs every record in rs under a single lock acquisition,
// so a concurrent Lookup never observes part of a batch.
func (d *DomainEntry) storeRecords(rs []packet.DNSRecord, now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, r := range rs {
		d.Updates++

		set, ok := d.sets[r.Type]
		if !ok || set.NoRecords {
			set = &RecordSet{QType: r.Type, Records: make(map[recordKey]RecordEntry)}
			d.sets[r.Type] = set
		}
		set.Records[keyOf(r)] = RecordEntry{Record: r, Timestamp: now}
	}
}

func (d *DomainEntry) storeNegative(qtype packet.QueryType, ttl uint32, now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Updates++
	d.sets[qtype] = &RecordSet{QType: qtype, NoRecords: true, NegTTL: ttl, NegStamp: now}
}

func (d *DomainEntry) state(qtype packet.QueryType, now time.Time) State {
	d.mu.RLock()
	defer d.mu.RUnlock()
	set, ok := d.sets[qtype]
	if !ok {
		return Absent
	}
	if set.NoRecords {
		if set.isNegativeValid(now) {
			return Negative
		}
		return Absent
	}
	for _, e := range set.Records {
		if e.IsValid(now) {
			return Positive
		}
	}
	return Absent
}

// fillValid appends every currently-valid record of qtype to out.
func (d *DomainEntry) fillValid(qtype packet.QueryType, now time.Time, out *[]packet.DNSRecord) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	set, ok := d.sets[qtype]
	if !ok || set.NoRecords {
		return
	}
	names := make([]recordKey, 0, len(set.Records))
	for k := range set.Records {
		names = append(names, k)
	}
	sort.Slice(names, func(i, j int) bool {
		return names[i].ip+names[i].host < names[j].ip+names[j].host
	})
	for _, k := range names {
		e := set.Records[k]
		if e.IsValid(now) {
			*out = append(*out, e.Record)
		}
	}
}

func (d *DomainEntry) incHits() {
	d.mu.Lock()
	d.Hits++
	d.mu.Unlock()
}

// Cache is an in-memory, reader/writer-locked, ordered mapping from
// lowercased owner name to DomainEntry.
type Cache struct {
	mu      sync.RWMutex
	domains map[string]*DomainEntry
	now     func() time.Time
}

// New returns an empty cache using the real wall clock.
func New() *Cache {
	return &Cache{domains: make(map[string]*DomainEntry), now: time.Now}
}

// NewWithClock returns an empty cache using a caller-supplied clock,
// for deterministic TTL-expiry tests.
func NewWithClock(now func() time.Time) *Cache {
	return &Cache{domains: make(map[string]*DomainEntry), now: now}
}

func normalize(name string) string {
	out := make([]byte, len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c >= 'A' && c <= 'Z' {
			c += 32
		}
		out[i] = c
	}
	return string(out)
}

func (c *Cache) entry(name string) *DomainEntry {
	c.mu.RLock()
	d, ok := c.domains[name]
	c.mu.RUnlock()
	if ok {
		return d
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if d, ok := c.domains[name]; ok {
		return d
	}
	d = newDomainEntry(name)
	c.domains[name] = d
	metrics.CacheDomains.Set(float64(len(c.domains)))
	return d
}

// Store groups records by owner and inserts a (record, now) entry into
// each owner's RecordSet for that type, replacing any equal prior entry
// (equal ignoring TTL). Every owner's share of the batch is installed
// under one lock acquisition, so a concurrent Lookup for that owner never
// observes a partially-installed batch.
func (c *Cache) Store(records []packet.DNSRecord) {
	now := c.now()
	byOwner := make(map[string][]packet.DNSRecord, len(records))
	order := make([]string, 0, len(records))
	for _, r := range records {
		if r.Name == "" {
			continue
		}
		name := normalize(r.Name)
		if _, seen := byOwner[name]; !seen {
			order = append(order, name)
		}
		byOwner[name] = append(byOwner[name], r)
	}
	for _, name := range order {
		c.entry(name).storeRecords(byOwner[name], now)
	}
}

// StoreNegative installs a NoRecords entry for (name, qtype), bounded by
// ttl (which must originate from the SOA.minimum of the response that
// produced the negative answer).
func (c *Cache) StoreNegative(name string, qtype packet.QueryType, ttl uint32) {
	c.entry(normalize(name)).storeNegative(qtype, ttl, c.now())
}

// Lookup returns a synthesized DnsPacket for (name, qtype): positive
// answers plus any valid NS records as authorities, a bare NXDOMAIN packet
// for a negative hit, or (nil, Absent) on a miss.
func (c *Cache) Lookup(name string, qtype packet.QueryType) (*packet.DNSPacket, State) {
	lname := normalize(name)
	c.mu.RLock()
	d, ok := c.domains[lname]
	c.mu.RUnlock()
	if !ok {
		return nil, Absent
	}

	now := c.now()
	switch d.state(qtype, now) {
	case Positive:
		d.incHits()
		metrics.CacheOperations.WithLabelValues("hit").Inc()
		p := packet.NewDNSPacket()
		d.fillValid(qtype, now, &p.Answers)
		d.fillValid(packet.NS, now, &p.Authorities)
		return p, Positive
	case Negative:
		metrics.CacheOperations.WithLabelValues("hit").Inc()
		p := packet.NewDNSPacket()
		p.Header.ResCode = packet.RcodeNxDomain
		return p, Negative
	default:
		metrics.CacheOperations.WithLabelValues("miss").Inc()
		return nil, Absent
	}
}

// Evict removes any cached entry (positive or negative) for (name, qtype),
// used to apply an out-of-band invalidation notice.
func (c *Cache) Evict(name string, qtype packet.QueryType) {
	lname := normalize(name)
	c.mu.RLock()
	d, ok := c.domains[lname]
	c.mu.RUnlock()
	if !ok {
		return
	}
	d.mu.Lock()
	delete(d.sets, qtype)
	empty := len(d.sets) == 0
	d.mu.Unlock()

	if empty {
		c.mu.Lock()
		delete(c.domains, lname)
		metrics.CacheDomains.Set(float64(len(c.domains)))
		c.mu.Unlock()
	}
}

// List returns a snapshot of the cache's DomainEntry handles for
// observability (e.g. an admin API or metrics exporter).
func (c *Cache) List() []*DomainEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.domains))
	for name := range c.domains {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]*DomainEntry, 0, len(names))
	for _, name := range names {
		out = append(out, c.domains[name])
	}
	return out
}
