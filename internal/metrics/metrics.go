// Package metrics exposes the control plane's Prometheus collectors,
// adapted from the teacher's flat var-block-plus-init-registration style to
// the counters and histograms this commit/replication control plane
// actually produces (§2 component table: commit rate, conflict rate,
// lock-wait latency, pool occupancy, cache hit ratio).
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Client transaction engine (§4.4).
	CommitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "neo_commits_total",
			Help: "Total number of tpc_finish outcomes by result",
		},
		[]string{"result"}, // committed, conflict, aborted, storage-error
	)

	ConflictsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "neo_conflicts_total",
			Help: "Total number of per-object write conflicts observed, by resolution outcome",
		},
		[]string{"outcome"}, // resolved, unresolved
	)

	CommitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "neo_commit_duration_seconds",
			Help:    "Time from tpc_begin to tpc_finish completing",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Storage connection pool (§4.2).
	PoolSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "neo_pool_connections",
			Help: "Current number of pooled storage connections",
		},
	)

	PoolDialsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "neo_pool_dials_total",
			Help: "Total number of pool dial attempts by outcome",
		},
		[]string{"outcome"}, // ok, error
	)

	// Client cache (§4.6).
	CacheHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "neo_cache_hits_total",
			Help: "Total number of load() calls served from cache",
		},
	)

	CacheMissesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "neo_cache_misses_total",
			Help: "Total number of load() calls that required a storage round trip",
		},
	)

	CacheBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "neo_cache_bytes",
			Help: "Current number of bytes held in the object cache",
		},
	)

	// Master transaction manager (§4.5).
	LockWaitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "neo_lock_wait_duration_seconds",
			Help:    "Time from AskFinishTransaction to every expected uuid reporting locked",
			Buckets: prometheus.DefBuckets,
		},
	)

	TransactionsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "neo_transactions_in_flight",
			Help: "Current number of transaction records held by the master",
		},
	)

	// Partition table (§4.1, §3).
	PartitionsOperational = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "neo_partitions_operational",
			Help: "Number of partitions currently satisfying the operational invariant",
		},
	)

	// Leader election (out of scope per §1, observed only).
	IsPrimary = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "neo_is_primary",
			Help: "Whether this master process currently holds primary-ness (1) or not (0)",
		},
	)
)

func init() {
	prometheus.MustRegister(
		CommitsTotal,
		ConflictsTotal,
		CommitDuration,
		PoolSize,
		PoolDialsTotal,
		CacheHitsTotal,
		CacheMissesTotal,
		CacheBytes,
		LockWaitDuration,
		TransactionsInFlight,
		PartitionsOperational,
		IsPrimary,
	)
}

// Handler exposes the registered collectors for scraping.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer times one operation and reports it to a histogram, mirroring the
// teacher's metrics.Timer helper.
type Timer struct {
	start time.Time
}

func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

func (t *Timer) ObserveDuration(h prometheus.Histogram) {
	h.Observe(time.Since(t.start).Seconds())
}

func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
