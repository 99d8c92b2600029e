package server

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/relaydns/relaydns/internal/dns/cache"
	"github.com/relaydns/relaydns/internal/dns/packet"
)

func newTestBus(t *testing.T) (*InvalidationBus, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	bus := NewInvalidationBus(mr.Addr(), "", 0, nil)
	return bus, mr
}

func TestInvalidationBusPing(t *testing.T) {
	bus, mr := newTestBus(t)
	defer mr.Close()

	if err := bus.Ping(context.Background()); err != nil {
		t.Fatalf("expected ping to succeed against miniredis: %v", err)
	}
}

func TestInvalidationBusPublishSubscribeEvictsCache(t *testing.T) {
	bus, mr := newTestBus(t)
	defer mr.Close()

	c := cache.New()
	c.Store([]packet.DNSRecord{
		{Name: "stale.example.com.", Type: packet.A, TTL: 300, IP: net.ParseIP("1.2.3.4")},
	})
	if _, state := c.Lookup("stale.example.com.", packet.A); state != cache.Positive {
		t.Fatal("expected a positive cache entry before invalidation")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus.Subscribe(ctx, c)

	// Give the subscriber goroutine a moment to register before publishing.
	time.Sleep(50 * time.Millisecond)

	if err := bus.Publish(context.Background(), "stale.example.com.", packet.A); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, state := c.Lookup("stale.example.com.", packet.A); state == cache.Absent {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected invalidation to evict the cache entry within the deadline")
}

func TestParseInvalidationValid(t *testing.T) {
	name, qtype, ok := parseInvalidation("example.com.\t1")
	if !ok {
		t.Fatal("expected a valid parse")
	}
	if name != "example.com." || qtype != packet.A {
		t.Errorf("unexpected parse result: name=%s qtype=%v", name, qtype)
	}
}

func TestParseInvalidationMalformed(t *testing.T) {
	if _, _, ok := parseInvalidation("no-separator"); ok {
		t.Error("expected malformed payload without a tab to fail parsing")
	}
	if _, _, ok := parseInvalidation("example.com.\tnotanumber"); ok {
		t.Error("expected malformed qtype to fail parsing")
	}
}
