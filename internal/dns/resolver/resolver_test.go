package resolver

import (
	"net"
	"testing"

	"github.com/relaydns/relaydns/internal/authority"
	"github.com/relaydns/relaydns/internal/dns/cache"
	"github.com/relaydns/relaydns/internal/dns/client"
	"github.com/relaydns/relaydns/internal/dns/packet"
)

func mockUpstream(t *testing.T, respond func(req *packet.DNSPacket) *packet.DNSPacket) (host string, port int, done func()) {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	if err != nil {
		t.Fatalf("failed to bind mock upstream: %v", err)
	}

	go func() {
		buf := make([]byte, packet.MaxUDPPacketSize)
		for {
			n, remote, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			pb := packet.NewFixed512BufferFrom(buf[:n])
			req := packet.NewDNSPacket()
			if err := req.FromBuffer(pb); err != nil {
				continue
			}
			resp := respond(req)
			if resp == nil {
				continue
			}
			respBuf := packet.NewFixed512Buffer()
			if err := resp.Write(respBuf); err != nil {
				continue
			}
			_, _ = conn.WriteToUDP(packet.Bytes(respBuf), remote)
		}
	}()

	udpAddr := conn.LocalAddr().(*net.UDPAddr)
	return udpAddr.IP.String(), udpAddr.Port, func() { _ = conn.Close() }
}

func TestResolveUnknownQTypeReturnsNotImp(t *testing.T) {
	r := &Resolver{Cache: cache.New()}
	resp, err := r.Resolve("example.com.", packet.UNKNOWN, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Header.ResCode != packet.RcodeNotImp {
		t.Errorf("expected RcodeNotImp, got %d", resp.Header.ResCode)
	}
}

func TestResolveAuthorityHitShortCircuits(t *testing.T) {
	a := authority.NewInMemory()
	a.LoadZone(&authority.Zone{
		Origin: "example.com",
		Records: []packet.DNSRecord{
			{Name: "www.example.com.", Type: packet.A, TTL: 60, IP: net.ParseIP("192.0.2.5")},
		},
	})

	r := &Resolver{Authority: a, Cache: cache.New()}
	resp, err := r.Resolve("www.example.com.", packet.A, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(resp.Answers) != 1 || resp.Answers[0].IP.String() != "192.0.2.5" {
		t.Errorf("unexpected answers: %+v", resp.Answers)
	}
}

func TestResolveRefusesWhenRecursionDisallowed(t *testing.T) {
	r := &Resolver{Authority: authority.None{}, Cache: cache.New(), AllowRecursive: false}
	resp, err := r.Resolve("example.com.", packet.A, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Header.ResCode != packet.RcodeRefused {
		t.Errorf("expected RcodeRefused, got %d", resp.Header.ResCode)
	}
}

func TestResolveRefusesWhenRecursionNotDesired(t *testing.T) {
	r := &Resolver{Authority: authority.None{}, Cache: cache.New(), AllowRecursive: true}
	resp, err := r.Resolve("example.com.", packet.A, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Header.ResCode != packet.RcodeRefused {
		t.Errorf("expected RcodeRefused, got %d", resp.Header.ResCode)
	}
}

func TestResolveCacheHit(t *testing.T) {
	c := cache.New()
	c.Store([]packet.DNSRecord{
		{Name: "cached.example.com.", Type: packet.A, TTL: 60, IP: net.ParseIP("10.0.0.9")},
	})

	r := &Resolver{Authority: authority.None{}, Cache: c, AllowRecursive: true}
	resp, err := r.Resolve("cached.example.com.", packet.A, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(resp.Answers) != 1 || resp.Answers[0].IP.String() != "10.0.0.9" {
		t.Errorf("expected cache hit answer, got %+v", resp.Answers)
	}
}

func TestResolveFallsBackToCachedCNAME(t *testing.T) {
	c := cache.New()
	c.Store([]packet.DNSRecord{
		{Name: "alias.example.com.", Type: packet.CNAME, TTL: 60, Host: "target.example.com."},
	})

	r := &Resolver{Authority: authority.None{}, Cache: c, AllowRecursive: true}
	resp, err := r.Resolve("alias.example.com.", packet.A, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(resp.Answers) != 1 || resp.Answers[0].Type != packet.CNAME {
		t.Errorf("expected CNAME fallback answer, got %+v", resp.Answers)
	}
}

func TestResolveNoServerFoundWithEmptyCache(t *testing.T) {
	r := &Resolver{Authority: authority.None{}, Cache: cache.New(), AllowRecursive: true}
	_, err := r.Resolve("unresolvable.example.com.", packet.A, true)
	if err == nil {
		t.Fatal("expected an error when no nameserver can be seeded")
	}
	re, ok := err.(*ResolveError)
	if !ok || re.Kind != KindNoServerFound {
		t.Errorf("expected KindNoServerFound, got %v", err)
	}
}

func TestSeedNameserverWalksUpToParent(t *testing.T) {
	c := cache.New()
	c.Store([]packet.DNSRecord{
		{Name: "example.com.", Type: packet.NS, TTL: 3600, Host: "ns1.example.com."},
	})
	c.Store([]packet.DNSRecord{
		{Name: "ns1.example.com.", Type: packet.A, TTL: 3600, IP: net.ParseIP("198.51.100.1")},
	})

	r := &Resolver{Cache: c}
	addr, err := r.seedNameserver("deep.sub.example.com.")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if addr != "198.51.100.1" {
		t.Errorf("expected seeded nameserver 198.51.100.1, got %s", addr)
	}
}

func TestResolvedNSFindsGlue(t *testing.T) {
	resp := &packet.DNSPacket{
		Authorities: []packet.DNSRecord{{Name: "example.com.", Type: packet.NS, Host: "ns1.example.com."}},
		Additionals: []packet.DNSRecord{{Name: "ns1.example.com.", Type: packet.A, IP: net.ParseIP("203.0.113.1")}},
	}
	addr, ok := resolvedNS(resp, "www.example.com.")
	if !ok || addr != "203.0.113.1" {
		t.Errorf("expected glue match 203.0.113.1, got addr=%s ok=%v", addr, ok)
	}
}

func TestUnresolvedNSWithoutGlue(t *testing.T) {
	resp := &packet.DNSPacket{
		Authorities: []packet.DNSRecord{{Name: "example.com.", Type: packet.NS, Host: "ns1.elsewhere.net."}},
	}
	host, ok := unresolvedNS(resp, "www.example.com.")
	if !ok || host != "ns1.elsewhere.net." {
		t.Errorf("expected glueless NS ns1.elsewhere.net., got host=%s ok=%v", host, ok)
	}
}

func TestIsAncestor(t *testing.T) {
	cases := []struct {
		ancestor, name string
		want           bool
	}{
		{"", "anything.com.", true},
		{"example.com.", "example.com.", true},
		{"example.com.", "www.example.com.", true},
		{"example.com.", "notexample.com.", false},
		{"example.com.", "com.", false},
	}
	for _, tc := range cases {
		if got := isAncestor(tc.ancestor, tc.name); got != tc.want {
			t.Errorf("isAncestor(%q, %q) = %v, want %v", tc.ancestor, tc.name, got, tc.want)
		}
	}
}

func TestPerformForwardCachesAnswers(t *testing.T) {
	host, port, done := mockUpstream(t, func(req *packet.DNSPacket) *packet.DNSPacket {
		resp := packet.NewDNSPacket()
		resp.Header.ID = req.Header.ID
		resp.Header.Response = true
		resp.Answers = append(resp.Answers, packet.DNSRecord{
			Name: req.Questions[0].Name, Type: packet.A, TTL: 120, IP: net.ParseIP("198.51.100.50"),
		})
		return resp
	})
	defer done()

	cl, err := client.New(0)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	defer cl.Close()

	c := cache.New()
	r := &Resolver{
		Authority:      authority.None{},
		Cache:          c,
		Client:         cl,
		AllowRecursive: true,
		Forward:        &ForwardStrategy{UpstreamHost: host, UpstreamPort: port},
	}

	resp, err := r.Resolve("forwarded.example.com.", packet.A, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(resp.Answers) != 1 || resp.Answers[0].IP.String() != "198.51.100.50" {
		t.Fatalf("unexpected answer: %+v", resp.Answers)
	}

	// The codec decodes names without a trailing dot, so the upstream's
	// answer is cached under the dotless owner name.
	if cached, state := c.Lookup("forwarded.example.com", packet.A); state != cache.Positive || len(cached.Answers) != 1 {
		t.Errorf("expected forwarded answer to be cached, got state=%v resp=%+v", state, cached)
	}
}

func TestSoaMinimum(t *testing.T) {
	authorities := []packet.DNSRecord{
		{Type: packet.SOA, Minimum: 300},
	}
	ttl, ok := soaMinimum(authorities)
	if !ok || ttl != 300 {
		t.Errorf("expected SOA minimum 300, got ttl=%d ok=%v", ttl, ok)
	}

	if _, ok := soaMinimum(nil); ok {
		t.Error("expected no SOA minimum for an empty authorities section")
	}
}
