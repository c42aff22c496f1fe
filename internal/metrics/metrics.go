package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// LookupOutcome captures the result of a tiered-store lookup.
type LookupOutcome string

const (
	// LookupHit indicates the lookup reused a cached response.
	LookupHit LookupOutcome = "hit"
	// LookupMiss indicates no reusable response was present.
	LookupMiss LookupOutcome = "miss"
	// LookupError indicates the lookup failed due to an error.
	LookupError LookupOutcome = "error"
)

// StoreOutcome captures the result of a tiered-store write.
type StoreOutcome string

const (
	// StoreStored indicates the response was persisted durably.
	StoreStored StoreOutcome = "stored"
	// StoreSkipped indicates the admission policy declined the response.
	StoreSkipped StoreOutcome = "skipped"
	// StoreDegraded indicates the durable tier was unavailable and only the
	// fast tier holds the response.
	StoreDegraded StoreOutcome = "degraded"
	// StoreError indicates the write failed outright.
	StoreError StoreOutcome = "error"
)

// WarmingOutcome captures how a warming task finished.
type WarmingOutcome string

const (
	// WarmingCompleted indicates the precomputed response was cached.
	WarmingCompleted WarmingOutcome = "completed"
	// WarmingFailed indicates the task exhausted its retries.
	WarmingFailed WarmingOutcome = "failed"
	// WarmingDropped indicates the queue was full and the task was discarded.
	WarmingDropped WarmingOutcome = "dropped"
)

// Recorder publishes Prometheus metrics for cache, warming, and health
// activity.
type Recorder struct {
	gatherer prometheus.Gatherer
	handler  http.Handler

	lookups       *prometheus.CounterVec
	lookupLatency *prometheus.HistogramVec

	stores       *prometheus.CounterVec
	storeLatency *prometheus.HistogramVec

	warmingTasks   *prometheus.CounterVec
	warmingLatency *prometheus.HistogramVec

	invalidations *prometheus.CounterVec
	transitions   *prometheus.CounterVec
	healthStatus  prometheus.Gauge
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

	lookups := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "draftcache",
		Subsystem: "cache",
		Name:      "lookups_total",
		Help:      "Tiered store lookups partitioned by serving tier and outcome.",
	}, []string{"module", "tier", "outcome"})

	lookupLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "draftcache",
		Subsystem: "cache",
		Name:      "lookup_duration_seconds",
		Help:      "Latency distribution for tiered store lookups.",
		Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
	}, []string{"module", "outcome"})

	stores := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "draftcache",
		Subsystem: "cache",
		Name:      "stores_total",
		Help:      "Tiered store writes partitioned by outcome.",
	}, []string{"module", "outcome"})

	storeLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "draftcache",
		Subsystem: "cache",
		Name:      "store_duration_seconds",
		Help:      "Latency distribution for tiered store writes.",
		Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
	}, []string{"module", "outcome"})

	warmingTasks := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "draftcache",
		Subsystem: "warming",
		Name:      "tasks_total",
		Help:      "Warming tasks partitioned by outcome.",
	}, []string{"module", "outcome"})

	warmingLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "draftcache",
		Subsystem: "warming",
		Name:      "task_duration_seconds",
		Help:      "Latency distribution for completed warming computations.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"module"})

	invalidations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "draftcache",
		Subsystem: "cache",
		Name:      "invalidations_total",
		Help:      "Invalidation requests partitioned by scope.",
	}, []string{"scope"})

	transitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "draftcache",
		Subsystem: "breaker",
		Name:      "transitions_total",
		Help:      "Circuit breaker state transitions for the durable tier.",
	}, []string{"name", "from", "to"})

	healthStatus := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "draftcache",
		Subsystem: "health",
		Name:      "status",
		Help:      "Current health classification: 0 healthy, 1 degraded, 2 unhealthy, -1 unknown.",
	})

	reg.MustRegister(lookups, lookupLatency, stores, storeLatency, warmingTasks, warmingLatency, invalidations, transitions, healthStatus)

	handler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})

	return &Recorder{
		gatherer:       reg,
		handler:        handler,
		lookups:        lookups,
		lookupLatency:  lookupLatency,
		stores:         stores,
		storeLatency:   storeLatency,
		warmingTasks:   warmingTasks,
		warmingLatency: warmingLatency,
		invalidations:  invalidations,
		transitions:    transitions,
		healthStatus:   healthStatus,
	}
}

// Handler exposes the Prometheus HTTP handler for the recorder's registry.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics unavailable", http.StatusServiceUnavailable)
		})
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

// ObserveLookup records the serving tier, outcome, and latency for one lookup.
func (r *Recorder) ObserveLookup(module, tier string, outcome LookupOutcome, duration time.Duration) {
	if r == nil {
		return
	}
	moduleLabel := normalizeLabel(module)
	outcomeLabel := string(outcome)
	if outcomeLabel == "" {
		outcomeLabel = string(LookupMiss)
	}
	tierLabel := normalizeLabel(tier)
	if outcome != LookupHit {
		tierLabel = "none"
	}
	r.lookups.WithLabelValues(moduleLabel, tierLabel, outcomeLabel).Inc()
	r.lookupLatency.WithLabelValues(moduleLabel, outcomeLabel).Observe(duration.Seconds())
}

// ObserveStore records the outcome and latency for one write.
func (r *Recorder) ObserveStore(module string, outcome StoreOutcome, duration time.Duration) {
	if r == nil {
		return
	}
	moduleLabel := normalizeLabel(module)
	outcomeLabel := string(outcome)
	if outcomeLabel == "" {
		outcomeLabel = string(StoreError)
	}
	r.stores.WithLabelValues(moduleLabel, outcomeLabel).Inc()
	r.storeLatency.WithLabelValues(moduleLabel, outcomeLabel).Observe(duration.Seconds())
}

// ObserveWarmingTask records how a warming task finished. Latency is only
// observed for completed tasks so failures do not skew the distribution.
func (r *Recorder) ObserveWarmingTask(module string, outcome WarmingOutcome, duration time.Duration) {
	if r == nil {
		return
	}
	moduleLabel := normalizeLabel(module)
	outcomeLabel := string(outcome)
	if outcomeLabel == "" {
		outcomeLabel = string(WarmingFailed)
	}
	r.warmingTasks.WithLabelValues(moduleLabel, outcomeLabel).Inc()
	if outcome == WarmingCompleted {
		r.warmingLatency.WithLabelValues(moduleLabel).Observe(duration.Seconds())
	}
}

// ObserveInvalidation records an invalidation request by scope (key, module,
// trigger, or full).
func (r *Recorder) ObserveInvalidation(scope string) {
	if r == nil {
		return
	}
	r.invalidations.WithLabelValues(normalizeLabel(scope)).Inc()
}

// ObserveBreakerTransition records a circuit breaker state change.
func (r *Recorder) ObserveBreakerTransition(name, from, to string) {
	if r == nil {
		return
	}
	r.transitions.WithLabelValues(normalizeLabel(name), normalizeLabel(from), normalizeLabel(to)).Inc()
}

// SetHealthStatus publishes the current health classification.
func (r *Recorder) SetHealthStatus(status string) {
	if r == nil {
		return
	}
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "healthy":
		r.healthStatus.Set(0)
	case "degraded":
		r.healthStatus.Set(1)
	case "unhealthy":
		r.healthStatus.Set(2)
	default:
		r.healthStatus.Set(-1)
	}
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
