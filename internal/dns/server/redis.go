package server

import (
	"context"
	"log/slog"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/relaydns/relaydns/internal/dns/cache"
	"github.com/relaydns/relaydns/internal/dns/packet"
)

// InvalidationChannel is the pub/sub topic a cluster of front-ends shares
// to evict a (name, qtype) pair from every peer's local cache, e.g. after
// an authoritative record change.
const InvalidationChannel = "dns:invalidation"

// InvalidationBus publishes and applies cross-node cache evictions over
// Redis pub/sub; the cache itself stays entirely in-process.
type InvalidationBus struct {
	client *redis.Client
	logger *slog.Logger
}

// NewInvalidationBus dials addr lazily (redis.NewClient never blocks);
// call Ping to verify connectivity before relying on it.
func NewInvalidationBus(addr, password string, db int, logger *slog.Logger) *InvalidationBus {
	if logger == nil {
		logger = slog.Default()
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &InvalidationBus{client: rdb, logger: logger}
}

// Ping verifies the Redis connection is reachable.
func (b *InvalidationBus) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Publish announces that (name, qtype) should be evicted from every
// subscribed peer's cache.
func (b *InvalidationBus) Publish(ctx context.Context, name string, qtype packet.QueryType) error {
	msg := name + "\t" + strconv.Itoa(int(qtype))
	return b.client.Publish(ctx, InvalidationChannel, msg).Err()
}

// Subscribe starts applying every invalidation this process receives
// (including its own publishes) to c, until ctx is canceled.
func (b *InvalidationBus) Subscribe(ctx context.Context, c *cache.Cache) {
	pubsub := b.client.Subscribe(ctx, InvalidationChannel)
	ch := pubsub.Channel()
	go func() {
		defer pubsub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				name, qtype, ok := parseInvalidation(msg.Payload)
				if !ok {
					b.logger.Warn("dropped malformed invalidation message", "payload", msg.Payload)
					continue
				}
				c.Evict(name, qtype)
			}
		}
	}()
}

func parseInvalidation(payload string) (string, packet.QueryType, bool) {
	name, rest, ok := strings.Cut(payload, "\t")
	if !ok {
		return "", 0, false
	}
	n, err := strconv.Atoi(rest)
	if err != nil {
		return "", 0, false
	}
	return name, packet.QueryType(n), true
}
