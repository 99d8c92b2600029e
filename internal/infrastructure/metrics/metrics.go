// Package metrics exposes the counters and histograms an admin/observability
// surface reads: query volume and latency, cache hit/miss rates, and the
// transaction-layer send/fail counts.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// QueriesTotal tracks total DNS queries processed, by query type,
	// response code, and transport.
	QueriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relaydns_queries_total",
		Help: "Total number of DNS queries processed",
	}, []string{"qtype", "rcode", "protocol"})

	// QueryDuration tracks query resolution time, labelled by source; the
	// front-end records every Resolve call under the source "resolver".
	QueryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "relaydns_query_duration_seconds",
		Help:    "Histogram of query resolution duration",
		Buckets: prometheus.DefBuckets,
	}, []string{"source"})

	// CacheOperations tracks cache hits and misses.
	CacheOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relaydns_cache_operations_total",
		Help: "Total number of cache hits and misses",
	}, []string{"result"})

	// CacheDomains tracks the number of distinct owner names currently held
	// in the cache.
	CacheDomains = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relaydns_cache_domains",
		Help: "Number of distinct owner names currently cached",
	})

	// ActiveWorkers tracks the number of busy UDP workers.
	ActiveWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relaydns_active_workers",
		Help: "Number of active workers in the UDP pool",
	})

	// ClientSendsTotal mirrors Client.TotalSent/TotalFailed for scraping.
	ClientSendsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relaydns_client_sends_total",
		Help: "Total upstream queries sent by the transaction client",
	}, []string{"result"})
)
