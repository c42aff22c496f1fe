// Package health turns raw orchestration, cache, and error event streams
// into windowed performance snapshots, a health classification, trend
// labels, and remediation hints. Everything here is best effort: missing
// data yields a zeroed snapshot and a Healthy verdict, never an error.
package health

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/scrivia/draftcache/internal/cache"
	"github.com/scrivia/draftcache/internal/metrics"
)

// Classification buckets the overall service state.
type Classification string

const (
	Healthy   Classification = "healthy"
	Degraded  Classification = "degraded"
	Unhealthy Classification = "unhealthy"
)

// Thresholds split each monitored signal into a warning and a critical band.
// Latency and error rate alert when they rise to a bound; hit rate is a
// lower-bound signal and alerts when it falls under one.
type Thresholds struct {
	LatencyWarning    time.Duration
	LatencyCritical   time.Duration
	ErrorRateWarning  float64
	ErrorRateCritical float64
	HitRateWarning    float64
	HitRateCritical   float64
}

// DefaultThresholds mirrors the configuration defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{
		LatencyWarning:    2 * time.Second,
		LatencyCritical:   10 * time.Second,
		ErrorRateWarning:  0.05,
		ErrorRateCritical: 0.15,
		HitRateWarning:    0.30,
		HitRateCritical:   0.10,
	}
}

// Snapshot aggregates the event buffers over one trailing window. ErrorRate
// is the share of failed orchestration calls, Throughput their per-second
// rate. Similarity matches serve durable payloads and count toward
// DurableTierHitRate.
type Snapshot struct {
	HitRate             float64       `json:"hitRate"`
	FastTierHitRate     float64       `json:"fastTierHitRate"`
	DurableTierHitRate  float64       `json:"durableTierHitRate"`
	MeanLatency         time.Duration `json:"meanLatency"`
	ErrorRate           float64       `json:"errorRate"`
	Throughput          float64       `json:"throughput"`
	CacheFootprintBytes int64         `json:"cacheFootprintBytes"`
	TotalRequests       int64         `json:"totalRequests"`
	TotalHits           int64         `json:"totalHits"`
	TotalMisses         int64         `json:"totalMisses"`
	Window              time.Duration `json:"window"`
}

// Trend labels the direction a metric moved across a window.
type Trend string

const (
	TrendIncreasing Trend = "increasing"
	TrendDecreasing Trend = "decreasing"
	TrendStable     Trend = "stable"
)

// TrendReport compares the first and second half of one window per metric.
type TrendReport struct {
	HitRate     Trend         `json:"hitRate"`
	MeanLatency Trend         `json:"meanLatency"`
	ErrorRate   Trend         `json:"errorRate"`
	Throughput  Trend         `json:"throughput"`
	Window      time.Duration `json:"window"`
}

// Issue is a recurring error grouped by service and message.
type Issue struct {
	Service  string    `json:"service"`
	Message  string    `json:"message"`
	Count    int       `json:"count"`
	LastSeen time.Time `json:"lastSeen"`
}

// Status is the cached health verdict served to callers.
type Status struct {
	Classification  Classification `json:"classification"`
	Performance     Snapshot       `json:"performance"`
	Resources       ResourceUsage  `json:"resources"`
	Recommendations []string       `json:"recommendations"`
	LastUpdatedAt   time.Time      `json:"lastUpdatedAt"`
}

// MonitorOptions configures a Monitor.
type MonitorOptions struct {
	// HistorySize caps each event buffer. Defaults to 1000.
	HistorySize int
	// Thresholds defaults to DefaultThresholds when left zero.
	Thresholds Thresholds
	// Clock defaults to the system clock; tests inject a fake.
	Clock  cache.Clock
	Logger *slog.Logger
	// Metrics receives the classification gauge on every refresh. Optional.
	Metrics *metrics.Recorder
	// Footprint reports the cache's current fast-tier size for snapshots.
	// Optional.
	Footprint func(context.Context) int64
	// DataPath is the durable store's on-disk location, sampled for disk
	// usage. Optional.
	DataPath string
}

// Monitor keeps bounded event history and grades it on demand. All methods
// are safe for concurrent use.
type Monitor struct {
	mu      sync.Mutex
	calls   *ring[OrchestrationEvent]
	lookups *ring[CacheEvent]
	faults  *ring[ErrorEvent]

	thresholds Thresholds
	clock      cache.Clock
	logger     *slog.Logger
	metrics    *metrics.Recorder
	footprint  func(context.Context) int64
	sampler    *resourceSampler

	statusMu sync.RWMutex
	status   Status
}

// NewMonitor builds a Monitor with bounded history.
func NewMonitor(opts MonitorOptions) *Monitor {
	if opts.HistorySize <= 0 {
		opts.HistorySize = 1000
	}
	if opts.Thresholds == (Thresholds{}) {
		opts.Thresholds = DefaultThresholds()
	}
	if opts.Clock == nil {
		opts.Clock = cache.SystemClock()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	logger = logger.With(slog.String("component", "health"))
	return &Monitor{
		calls:      newRing[OrchestrationEvent](opts.HistorySize),
		lookups:    newRing[CacheEvent](opts.HistorySize),
		faults:     newRing[ErrorEvent](opts.HistorySize),
		thresholds: opts.Thresholds,
		clock:      opts.Clock,
		logger:     logger,
		metrics:    opts.Metrics,
		footprint:  opts.Footprint,
		sampler:    newResourceSampler(opts.DataPath, logger),
	}
}

// RecordOrchestration appends one upstream call observation. A zero At is
// stamped with the current time.
func (m *Monitor) RecordOrchestration(ev OrchestrationEvent) {
	if ev.At.IsZero() {
		ev.At = m.clock.Now()
	}
	m.mu.Lock()
	m.calls.append(ev)
	m.mu.Unlock()
}

// RecordCache appends one cache lookup observation.
func (m *Monitor) RecordCache(ev CacheEvent) {
	if ev.At.IsZero() {
		ev.At = m.clock.Now()
	}
	m.mu.Lock()
	m.lookups.append(ev)
	m.mu.Unlock()
}

// RecordError appends one reported failure.
func (m *Monitor) RecordError(ev ErrorEvent) {
	if ev.At.IsZero() {
		ev.At = m.clock.Now()
	}
	m.mu.Lock()
	m.faults.append(ev)
	m.mu.Unlock()
}

// Snapshot aggregates the full event history.
func (m *Monitor) Snapshot(ctx context.Context) Snapshot {
	return m.SnapshotWindow(ctx, 0)
}

// SnapshotWindow aggregates events inside the trailing window. A zero window
// covers the whole buffer.
func (m *Monitor) SnapshotWindow(ctx context.Context, window time.Duration) Snapshot {
	now := m.clock.Now()
	var cutoff time.Time
	if window > 0 {
		cutoff = now.Add(-window)
	}

	m.mu.Lock()
	calls := m.calls.items()
	lookups := m.lookups.items()
	m.mu.Unlock()

	snap := Snapshot{Window: window}

	var latencySum time.Duration
	var callCount, failures int64
	var oldest time.Time
	for _, ev := range calls {
		if !cutoff.IsZero() && ev.At.Before(cutoff) {
			continue
		}
		callCount++
		latencySum += ev.Duration
		if !ev.Success {
			failures++
		}
		if oldest.IsZero() || ev.At.Before(oldest) {
			oldest = ev.At
		}
	}
	if callCount > 0 {
		snap.MeanLatency = latencySum / time.Duration(callCount)
		snap.ErrorRate = float64(failures) / float64(callCount)
	}
	switch {
	case callCount == 0:
	case window > 0:
		snap.Throughput = float64(callCount) / window.Seconds()
	default:
		if span := now.Sub(oldest); span > 0 {
			snap.Throughput = float64(callCount) / span.Seconds()
		}
	}

	var fastHits, durableHits int64
	for _, ev := range lookups {
		if !cutoff.IsZero() && ev.At.Before(cutoff) {
			continue
		}
		snap.TotalRequests++
		if !ev.Hit {
			snap.TotalMisses++
			continue
		}
		snap.TotalHits++
		switch ev.Tier {
		case string(cache.TierFast):
			fastHits++
		case string(cache.TierDurable), string(cache.TierSimilarity):
			durableHits++
		}
	}
	if snap.TotalRequests > 0 {
		snap.HitRate = float64(snap.TotalHits) / float64(snap.TotalRequests)
		snap.FastTierHitRate = float64(fastHits) / float64(snap.TotalRequests)
		snap.DurableTierHitRate = float64(durableHits) / float64(snap.TotalRequests)
	}

	if m.footprint != nil {
		snap.CacheFootprintBytes = m.footprint(ctx)
	}
	return snap
}

// Classify grades a snapshot against the thresholds. Any signal past its
// critical bound is Unhealthy, any past its warning bound is Degraded. Hit
// rate only counts once the window saw requests, so an idle service reads
// Healthy.
func (m *Monitor) Classify(snap Snapshot) Classification {
	th := m.thresholds
	hitRateKnown := snap.TotalRequests > 0
	switch {
	case snap.MeanLatency >= th.LatencyCritical,
		snap.ErrorRate >= th.ErrorRateCritical,
		hitRateKnown && snap.HitRate < th.HitRateCritical:
		return Unhealthy
	case snap.MeanLatency >= th.LatencyWarning,
		snap.ErrorRate >= th.ErrorRateWarning,
		hitRateKnown && snap.HitRate < th.HitRateWarning:
		return Degraded
	default:
		return Healthy
	}
}

// Recommendations maps each breached threshold to remediation text. Empty
// for a healthy snapshot.
func (m *Monitor) Recommendations(snap Snapshot) []string {
	th := m.thresholds
	var recs []string
	switch {
	case snap.MeanLatency >= th.LatencyCritical:
		recs = append(recs, "Mean latency is past the critical bound. Shed load or scale the compute backend.")
	case snap.MeanLatency >= th.LatencyWarning:
		recs = append(recs, "Mean latency is elevated. Raise fast-tier budgets so more responses serve from memory.")
	}
	switch {
	case snap.ErrorRate >= th.ErrorRateCritical:
		recs = append(recs, "Error rate is past the critical bound. Inspect recent errors and the durable backend's circuit breaker.")
	case snap.ErrorRate >= th.ErrorRateWarning:
		recs = append(recs, "Error rate is elevated. Check upstream service stability.")
	}
	if snap.TotalRequests > 0 {
		switch {
		case snap.HitRate < th.HitRateCritical:
			recs = append(recs, "Hit rate collapsed. Review invalidation triggers and widen warming predictions.")
		case snap.HitRate < th.HitRateWarning:
			recs = append(recs, "Hit rate is low. Increase warming coverage or revisit similarity thresholds.")
		}
	}
	return recs
}

// Trends splits the trailing window in half and labels the direction each
// metric moved. Differences inside a tenth of the metric's mean read as
// stable. A non-positive window defaults to one hour.
func (m *Monitor) Trends(window time.Duration) TrendReport {
	if window <= 0 {
		window = time.Hour
	}
	now := m.clock.Now()
	start := now.Add(-window)
	mid := now.Add(-window / 2)

	m.mu.Lock()
	calls := m.calls.items()
	lookups := m.lookups.items()
	m.mu.Unlock()

	var first, second trendBucket
	for _, ev := range calls {
		if ev.At.Before(start) {
			continue
		}
		dst := &first
		if !ev.At.Before(mid) {
			dst = &second
		}
		dst.calls++
		dst.latency += ev.Duration
		if !ev.Success {
			dst.failures++
		}
	}
	for _, ev := range lookups {
		if ev.At.Before(start) {
			continue
		}
		dst := &first
		if !ev.At.Before(mid) {
			dst = &second
		}
		dst.requests++
		if ev.Hit {
			dst.hits++
		}
	}

	return TrendReport{
		HitRate:     trendOf(first.hitRate(), second.hitRate()),
		MeanLatency: trendOf(first.meanLatency(), second.meanLatency()),
		ErrorRate:   trendOf(first.errorRate(), second.errorRate()),
		Throughput:  trendOf(float64(first.calls), float64(second.calls)),
		Window:      window,
	}
}

type trendBucket struct {
	calls    int64
	failures int64
	latency  time.Duration
	requests int64
	hits     int64
}

func (b trendBucket) meanLatency() float64 {
	if b.calls == 0 {
		return 0
	}
	return (b.latency / time.Duration(b.calls)).Seconds()
}

func (b trendBucket) errorRate() float64 {
	if b.calls == 0 {
		return 0
	}
	return float64(b.failures) / float64(b.calls)
}

func (b trendBucket) hitRate() float64 {
	if b.requests == 0 {
		return 0
	}
	return float64(b.hits) / float64(b.requests)
}

func trendOf(first, second float64) Trend {
	mean := (first + second) / 2
	if diff := second - first; math.Abs(diff) > 0.1*math.Abs(mean) {
		if diff > 0 {
			return TrendIncreasing
		}
		return TrendDecreasing
	}
	return TrendStable
}

// TopIssues groups recent errors by service and message, most frequent
// first. A non-positive limit defaults to five.
func (m *Monitor) TopIssues(limit int) []Issue {
	if limit <= 0 {
		limit = 5
	}
	m.mu.Lock()
	faults := m.faults.items()
	m.mu.Unlock()

	index := make(map[string]*Issue, len(faults))
	order := make([]string, 0, len(faults))
	for _, ev := range faults {
		key := ev.Service + "\x00" + ev.Message
		issue, ok := index[key]
		if !ok {
			issue = &Issue{Service: ev.Service, Message: ev.Message}
			index[key] = issue
			order = append(order, key)
		}
		issue.Count++
		if ev.At.After(issue.LastSeen) {
			issue.LastSeen = ev.At
		}
	}

	issues := make([]Issue, 0, len(index))
	for _, key := range order {
		issues = append(issues, *index[key])
	}
	sort.SliceStable(issues, func(i, j int) bool { return issues[i].Count > issues[j].Count })
	if len(issues) > limit {
		issues = issues[:limit]
	}
	return issues
}

// Refresh recomputes the cached status from the full buffers plus a fresh
// resource sample and reports the classification to the metrics recorder.
func (m *Monitor) Refresh(ctx context.Context) Status {
	snap := m.Snapshot(ctx)
	status := Status{
		Classification:  m.Classify(snap),
		Performance:     snap,
		Resources:       m.sampler.sample(ctx, m.clock.Now()),
		Recommendations: m.Recommendations(snap),
		LastUpdatedAt:   m.clock.Now(),
	}
	if m.metrics != nil {
		m.metrics.SetHealthStatus(string(status.Classification))
	}

	m.statusMu.Lock()
	prev := m.status.Classification
	m.status = status
	m.statusMu.Unlock()

	if prev != "" && prev != status.Classification {
		m.logger.Info("health classification changed",
			slog.String("from", string(prev)),
			slog.String("to", string(status.Classification)))
	}
	return status
}

// Status returns the last refreshed verdict, computing one on first use so
// callers never see a zero value.
func (m *Monitor) Status(ctx context.Context) Status {
	m.statusMu.RLock()
	cached := m.status
	m.statusMu.RUnlock()
	if cached.LastUpdatedAt.IsZero() {
		return m.Refresh(ctx)
	}
	return cached
}

// Run refreshes the cached status on a fixed interval until ctx is done, so
// health reads stay cheap under load.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	m.Refresh(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Refresh(ctx)
		}
	}
}
