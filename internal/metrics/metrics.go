package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// CacheTier identifies which cache layer an operation touched.
type CacheTier string

const (
	// CacheTierL1 is the bounded in-process tier.
	CacheTierL1 CacheTier = "l1"
	// CacheTierL2 is the shared remote tier.
	CacheTierL2 CacheTier = "l2"
)

// CacheOutcome captures the result of a cache operation.
type CacheOutcome string

const (
	// CacheHit indicates the operation reused a cached value.
	CacheHit CacheOutcome = "hit"
	// CacheMiss indicates no usable value was present.
	CacheMiss CacheOutcome = "miss"
	// CacheStored indicates the value was persisted.
	CacheStored CacheOutcome = "stored"
	// CacheError indicates the backend failed; callers see a miss.
	CacheError CacheOutcome = "error"
)

// Recorder publishes Prometheus metrics for pipeline, cache and pool activity.
type Recorder struct {
	gatherer prometheus.Gatherer
	handler  http.Handler

	matchRequests *prometheus.CounterVec
	matchLatency  *prometheus.HistogramVec
	scoringBatch  prometheus.Counter

	cacheOperations *prometheus.CounterVec
	cacheLatency    *prometheus.HistogramVec
	cacheEvictions  prometheus.Counter
	tagInvalidated  prometheus.Counter

	poolConnections *prometheus.GaugeVec
	poolWaiters     prometheus.Gauge
	acquireLatency  prometheus.Histogram
	queryRetries    prometheus.Counter
	queryFailures   prometheus.Counter

	hookDrops prometheus.Counter
}

// NewRecorder constructs a Prometheus-backed Recorder. When reg is nil a dedicated
// registry is created so multiple recorders can coexist without conflicting with
// the global default registerer.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	matchRequests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "matchd",
		Subsystem: "pipeline",
		Name:      "requests_total",
		Help:      "Total match requests processed by the pipeline.",
	}, []string{"outcome", "from_cache"})

	matchLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "matchd",
		Subsystem: "pipeline",
		Name:      "request_duration_seconds",
		Help:      "Latency distribution for completed match requests.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	}, []string{"outcome"})

	scoringBatch := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "matchd",
		Subsystem: "pipeline",
		Name:      "scoring_batches_total",
		Help:      "Compatibility scoring batches dispatched to the backing store.",
	})

	cacheOperations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "matchd",
		Subsystem: "cache",
		Name:      "operations_total",
		Help:      "Cache operations by tier, operation and result.",
	}, []string{"tier", "operation", "result"})

	cacheLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "matchd",
		Subsystem: "cache",
		Name:      "operation_duration_seconds",
		Help:      "Latency distribution for cache operations.",
		Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
	}, []string{"tier", "operation", "result"})

	cacheEvictions := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "matchd",
		Subsystem: "cache",
		Name:      "l1_evictions_total",
		Help:      "Entries evicted from the in-process tier to stay under the memory budget.",
	})

	tagInvalidated := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "matchd",
		Subsystem: "cache",
		Name:      "tag_invalidations_total",
		Help:      "Keys removed through tag invalidation.",
	})

	poolConnections := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "matchd",
		Subsystem: "pool",
		Name:      "connections",
		Help:      "Backing-store connections by pool state.",
	}, []string{"state"})

	poolWaiters := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "matchd",
		Subsystem: "pool",
		Name:      "waiters",
		Help:      "Callers queued for a connection.",
	})

	acquireLatency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "matchd",
		Subsystem: "pool",
		Name:      "acquire_duration_seconds",
		Help:      "Latency distribution for connection acquisition.",
		Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
	})

	queryRetries := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "matchd",
		Subsystem: "pool",
		Name:      "query_retries_total",
		Help:      "Query attempts retried after a transient failure.",
	})

	queryFailures := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "matchd",
		Subsystem: "pool",
		Name:      "query_failures_total",
		Help:      "Queries that exhausted their retry budget.",
	})

	hookDrops := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "matchd",
		Subsystem: "pipeline",
		Name:      "hook_drops_total",
		Help:      "Post-processing hooks dropped because the queue was full.",
	})

	reg.MustRegister(
		matchRequests, matchLatency, scoringBatch,
		cacheOperations, cacheLatency, cacheEvictions, tagInvalidated,
		poolConnections, poolWaiters, acquireLatency, queryRetries, queryFailures,
		hookDrops,
	)

	return &Recorder{
		gatherer:        reg,
		matchRequests:   matchRequests,
		matchLatency:    matchLatency,
		scoringBatch:    scoringBatch,
		cacheOperations: cacheOperations,
		cacheLatency:    cacheLatency,
		cacheEvictions:  cacheEvictions,
		tagInvalidated:  tagInvalidated,
		poolConnections: poolConnections,
		poolWaiters:     poolWaiters,
		acquireLatency:  acquireLatency,
		queryRetries:    queryRetries,
		queryFailures:   queryFailures,
		hookDrops:       hookDrops,
		handler:         promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	}
}

// Handler exposes the /metrics endpoint for the registry backing this Recorder.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return promhttp.Handler()
	}
	return r.handler
}

// Gatherer returns the underlying Prometheus gatherer for tests and advanced
// integrations.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.gatherer
}

// ObserveMatchRequest records the outcome and latency for a completed match request.
func (r *Recorder) ObserveMatchRequest(outcome string, fromCache bool, duration time.Duration) {
	if r == nil {
		return
	}
	outcomeLabel := normalizeLabel(outcome)
	cacheLabel := "false"
	if fromCache {
		cacheLabel = "true"
	}
	r.matchRequests.WithLabelValues(outcomeLabel, cacheLabel).Inc()
	r.matchLatency.WithLabelValues(outcomeLabel).Observe(duration.Seconds())
}

// ObserveScoringBatch counts a compatibility scoring batch dispatch.
func (r *Recorder) ObserveScoringBatch() {
	if r == nil {
		return
	}
	r.scoringBatch.Inc()
}

// ObserveCache records a cache operation against one tier.
func (r *Recorder) ObserveCache(tier CacheTier, operation string, result CacheOutcome, duration time.Duration) {
	if r == nil {
		return
	}
	opLabel := normalizeLabel(operation)
	resLabel := string(result)
	if resLabel == "" {
		resLabel = string(CacheMiss)
	}
	r.cacheOperations.WithLabelValues(string(tier), opLabel, resLabel).Inc()
	r.cacheLatency.WithLabelValues(string(tier), opLabel, resLabel).Observe(duration.Seconds())
}

// ObserveEviction counts entries evicted from the in-process tier.
func (r *Recorder) ObserveEviction(count int) {
	if r == nil || count <= 0 {
		return
	}
	r.cacheEvictions.Add(float64(count))
}

// ObserveTagInvalidation counts keys removed through tag invalidation.
func (r *Recorder) ObserveTagInvalidation(count int) {
	if r == nil || count <= 0 {
		return
	}
	r.tagInvalidated.Add(float64(count))
}

// SetPoolState publishes the pool's connection counts by state.
func (r *Recorder) SetPoolState(active, available, waiting int) {
	if r == nil {
		return
	}
	r.poolConnections.WithLabelValues("active").Set(float64(active))
	r.poolConnections.WithLabelValues("available").Set(float64(available))
	r.poolWaiters.Set(float64(waiting))
}

// ObserveAcquire records how long a caller waited for a connection.
func (r *Recorder) ObserveAcquire(duration time.Duration) {
	if r == nil {
		return
	}
	r.acquireLatency.Observe(duration.Seconds())
}

// ObserveQueryRetry counts a retried query attempt.
func (r *Recorder) ObserveQueryRetry() {
	if r == nil {
		return
	}
	r.queryRetries.Inc()
}

// ObserveQueryFailure counts a query that exhausted its retry budget.
func (r *Recorder) ObserveQueryFailure() {
	if r == nil {
		return
	}
	r.queryFailures.Inc()
}

// ObserveHookDrop counts a post-processing hook discarded due to backpressure.
func (r *Recorder) ObserveHookDrop() {
	if r == nil {
		return
	}
	r.hookDrops.Inc()
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
