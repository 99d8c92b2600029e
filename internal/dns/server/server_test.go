package server

import (
	"net"
	"testing"

	"github.com/relaydns/relaydns/internal/authority"
	"github.com/relaydns/relaydns/internal/dns/cache"
	"github.com/relaydns/relaydns/internal/dns/packet"
	"github.com/relaydns/relaydns/internal/rcontext"
)

func newTestServer(auth authority.Authority) *Server {
	ctx := rcontext.New(cache.New(), nil, auth)
	return NewServer("127.0.0.1:0", ctx, nil)
}

func encodeQuery(id uint16, name string, qtype packet.QueryType, rd bool) []byte {
	req := packet.NewDNSPacket()
	req.Header.ID = id
	req.Header.RecursionDesired = rd
	req.Questions = append(req.Questions, *packet.NewDNSQuestion(name, qtype))
	buf := packet.NewGrowableBuffer()
	_ = req.Write(buf)
	return packet.Bytes(buf)
}

func decodeResponse(t *testing.T, data []byte) *packet.DNSPacket {
	t.Helper()
	resp := packet.NewDNSPacket()
	buf := packet.NewGrowableBufferFrom(data)
	if err := resp.FromBuffer(buf); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return resp
}

func TestHandleQueryMalformedReturnsServFail(t *testing.T) {
	s := newTestServer(authority.None{})
	out := s.handleQuery([]byte{0x01, 0x02}, false)
	if out == nil {
		t.Fatal("expected a response for a malformed query")
	}
	resp := decodeResponse(t, out)
	if resp.Header.ResCode != packet.RcodeServFail {
		t.Errorf("expected RcodeServFail, got %d", resp.Header.ResCode)
	}
}

func TestHandleQueryAuthorityHit(t *testing.T) {
	a := authority.NewInMemory()
	a.LoadZone(&authority.Zone{
		Origin: "example.com",
		Records: []packet.DNSRecord{
			{Name: "www.example.com.", Type: packet.A, TTL: 60, IP: net.ParseIP("192.0.2.77")},
		},
	})
	s := newTestServer(a)

	data := encodeQuery(42, "www.example.com.", packet.A, false)
	out := s.handleQuery(data, false)
	if out == nil {
		t.Fatal("expected a response")
	}

	resp := decodeResponse(t, out)
	if resp.Header.ID != 42 {
		t.Errorf("expected echoed transaction id 42, got %d", resp.Header.ID)
	}
	if !resp.Header.Response {
		t.Error("expected QR bit set")
	}
	if len(resp.Answers) != 1 || resp.Answers[0].IP.String() != "192.0.2.77" {
		t.Errorf("unexpected answers: %+v", resp.Answers)
	}
}

func TestHandleQueryRefusedWithoutAuthorityOrRecursion(t *testing.T) {
	s := newTestServer(authority.None{})
	data := encodeQuery(7, "unknown.example.com.", packet.A, false)
	out := s.handleQuery(data, false)
	resp := decodeResponse(t, out)
	if resp.Header.ResCode != packet.RcodeRefused {
		t.Errorf("expected RcodeRefused, got %d", resp.Header.ResCode)
	}
}

func TestEncodeTruncatesToUDPBudget(t *testing.T) {
	s := newTestServer(authority.None{})
	resp := packet.NewDNSPacket()
	// Header (12) + first A record (32) + 16 octets per further compressed
	// record: 40 answers need 668 octets, more than the UDP budget.
	for i := 0; i < 40; i++ {
		resp.Answers = append(resp.Answers, packet.DNSRecord{
			Name: "many.example.com.", Type: packet.A, TTL: 60, IP: net.ParseIP("10.0.0.1"),
		})
	}

	out := s.encode(resp, false)
	if len(out) > packet.MaxUDPPacketSize {
		t.Fatalf("expected encoded response within %d bytes, got %d", packet.MaxUDPPacketSize, len(out))
	}

	decoded := decodeResponse(t, out)
	if !decoded.Header.TruncatedMessage {
		t.Error("expected TC bit set on a truncated UDP response")
	}
}

func TestEncodeTCPDoesNotTruncate(t *testing.T) {
	s := newTestServer(authority.None{})
	resp := packet.NewDNSPacket()
	for i := 0; i < 20; i++ {
		resp.Answers = append(resp.Answers, packet.DNSRecord{
			Name: "many.example.com.", Type: packet.A, TTL: 60, IP: net.ParseIP("10.0.0.1"),
		})
	}

	out := s.encode(resp, true)
	decoded := decodeResponse(t, out)
	if decoded.Header.TruncatedMessage {
		t.Error("did not expect TC bit set on a TCP response")
	}
	if len(decoded.Answers) != 20 {
		t.Errorf("expected all 20 answers over TCP, got %d", len(decoded.Answers))
	}
}

func TestHandleQueryStatisticsCounters(t *testing.T) {
	s := newTestServer(authority.None{})
	data := encodeQuery(1, "x.example.com.", packet.A, false)

	s.handleQuery(data, false)
	s.handleQuery(data, true)

	if s.Context.Statistics.UDPQueryCount() != 1 {
		t.Errorf("expected 1 UDP query counted, got %d", s.Context.Statistics.UDPQueryCount())
	}
	if s.Context.Statistics.TCPQueryCount() != 1 {
		t.Errorf("expected 1 TCP query counted, got %d", s.Context.Statistics.TCPQueryCount())
	}
}
