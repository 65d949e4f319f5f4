package reqpipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Package-level prometheus counters/gauges/histogram covering queue
// depth, cache hit/miss, coalescing, retries, and network duration across
// every pipeline stage.
var (
	mCacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reqpipeline_cache_hits_total",
		Help: "Cache stage lookups that found a usable entry.",
	})
	mCacheMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reqpipeline_cache_misses_total",
		Help: "Cache stage lookups that found nothing and fell through to the network.",
	})
	mCoalescedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reqpipeline_coalesced_requests_total",
		Help: "Requests that joined an already in-flight request for the same cache key.",
	})
	mRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reqpipeline_network_retries_total",
		Help: "Network stage attempts that were retried after a timeout/redirect/auth failure.",
	})

	mCacheQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "reqpipeline_cache_queue_depth",
		Help: "Requests currently waiting in the cache-stage priority queue.",
	})
	mNetworkQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "reqpipeline_network_queue_depth",
		Help: "Requests currently waiting in the network-stage priority queue.",
	})
	mDiskCacheBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "reqpipeline_disk_cache_bytes",
		Help: "Tracked total size of the on-disk cache.",
	})

	mNetworkDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "reqpipeline_network_duration_seconds",
		Help:    "Wall-clock time of one network-stage dispatch, from markStart to a terminal or intermediate delivery.",
		Buckets: prometheus.DefBuckets,
	})
)

func observeNetworkDurationMs(elapsedMs int64) {
	mNetworkDuration.Observe(float64(elapsedMs) / 1000.0)
}
