// Package gateway wires the tiered cache, warming scheduler, and health
// monitor into the single facade the orchestration layer talks to. Lookup
// and store failures never escape it: caching is an optimization, so every
// path degrades to "go compute it" instead of erroring.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/scrivia/draftcache/internal/cache"
	"github.com/scrivia/draftcache/internal/health"
	"github.com/scrivia/draftcache/internal/metrics"
	"github.com/scrivia/draftcache/internal/report"
	"github.com/scrivia/draftcache/internal/warming"
)

// Stats merges the store's size report with the monitor's request view.
type Stats struct {
	FastTierBytes         int64         `json:"fastTierBytes"`
	FastTierEntries       int           `json:"fastTierEntries"`
	DurableTierEntryCount int64         `json:"durableTierEntryCount"`
	TotalEntries          int64         `json:"totalEntries"`
	HitRate               float64       `json:"hitRate"`
	MeanLatency           time.Duration `json:"meanLatency"`
}

// Options configures a Gateway.
type Options struct {
	// Store is the tiered cache. Required.
	Store *cache.TieredStore
	// Registry resolves per-module policies for warming priorities. Required.
	Registry *cache.Registry
	// Monitor aggregates the event streams. Required.
	Monitor *health.Monitor
	// Scheduler precomputes follow-up operations. Optional.
	Scheduler *warming.Scheduler
	// Reports renders performance reports. Built from Monitor when nil.
	Reports *report.Builder
	// Metrics is the Prometheus recorder. Optional.
	Metrics *metrics.Recorder
	Logger  *slog.Logger
	// Clock defaults to the system clock; tests inject a fake.
	Clock cache.Clock
}

// Gateway is the process-internal boundary in front of the caching
// subsystem.
type Gateway struct {
	store     *cache.TieredStore
	registry  *cache.Registry
	monitor   *health.Monitor
	scheduler *warming.Scheduler
	reports   *report.Builder
	metrics   *metrics.Recorder
	logger    *slog.Logger
	clock     cache.Clock
}

// New validates the wiring and builds the facade.
func New(opts Options) (*Gateway, error) {
	if opts.Store == nil {
		return nil, errors.New("gateway: store is required")
	}
	if opts.Registry == nil {
		return nil, errors.New("gateway: registry is required")
	}
	if opts.Monitor == nil {
		return nil, errors.New("gateway: monitor is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	clock := opts.Clock
	if clock == nil {
		clock = cache.SystemClock()
	}
	reports := opts.Reports
	if reports == nil {
		var err error
		reports, err = report.NewBuilder(opts.Monitor, report.BuilderOptions{Clock: clock})
		if err != nil {
			return nil, err
		}
	}
	return &Gateway{
		store:     opts.Store,
		registry:  opts.Registry,
		monitor:   opts.Monitor,
		scheduler: opts.Scheduler,
		reports:   reports,
		metrics:   opts.Metrics,
		logger:    logger.With(slog.String("component", "gateway")),
		clock:     clock,
	}, nil
}

// GetCachedResponse looks the operation up across tiers. It never returns an
// error: a miss, an invalid operation, or an unavailable backend all read as
// "go compute it".
func (g *Gateway) GetCachedResponse(ctx context.Context, op cache.Operation, rctx cache.RequestContext) ([]byte, bool) {
	start := g.clock.Now()
	entry, tier, ok, err := g.store.Get(ctx, op, rctx)
	elapsed := g.clock.Now().Sub(start)
	if err != nil {
		// Only invalid input surfaces from Get; store trouble was already
		// absorbed as a miss inside the tiers.
		g.logger.Error("cache lookup rejected",
			slog.String("module", op.Module),
			slog.Any("error", err))
		g.metrics.ObserveLookup(op.Module, "", metrics.LookupError, elapsed)
		g.monitor.RecordError(health.ErrorEvent{
			Service: "cache",
			Message: err.Error(),
			Context: map[string]any{"module": op.Module, "kind": op.Kind},
		})
		return nil, false
	}
	if !ok {
		g.metrics.ObserveLookup(op.Module, "", metrics.LookupMiss, elapsed)
		g.monitor.RecordCache(health.CacheEvent{Module: op.Module, Duration: elapsed})
		return nil, false
	}
	g.metrics.ObserveLookup(op.Module, string(tier), metrics.LookupHit, elapsed)
	g.monitor.RecordCache(health.CacheEvent{
		Module:   op.Module,
		Tier:     string(tier),
		Hit:      true,
		Duration: elapsed,
	})
	return entry.Payload, true
}

// CacheResponse stores a freshly computed payload and queues warming for the
// operations predicted to follow it. Best effort: failures are logged, never
// returned.
func (g *Gateway) CacheResponse(ctx context.Context, op cache.Operation, rctx cache.RequestContext, payload []byte) {
	start := g.clock.Now()
	outcome, err := g.store.Put(ctx, op, rctx, payload, 1.0)
	elapsed := g.clock.Now().Sub(start)
	if err != nil {
		g.logger.Error("cache store rejected",
			slog.String("module", op.Module),
			slog.Any("error", err))
		g.metrics.ObserveStore(op.Module, metrics.StoreError, elapsed)
		g.monitor.RecordError(health.ErrorEvent{
			Service: "cache",
			Message: err.Error(),
			Context: map[string]any{"module": op.Module, "kind": op.Kind},
		})
		return
	}
	g.metrics.ObserveStore(op.Module, storeOutcome(outcome), elapsed)

	// The operation completed regardless of admission, so predicted
	// follow-ups are still worth warming.
	if g.scheduler != nil {
		policy := g.registry.PolicyFor(op.Module)
		g.scheduler.Enqueue(op, rctx, policy.WarmingPriority)
	}
}

func storeOutcome(outcome cache.PutOutcome) metrics.StoreOutcome {
	switch outcome {
	case cache.PutStored:
		return metrics.StoreStored
	case cache.PutSkipped:
		return metrics.StoreSkipped
	case cache.PutDegraded:
		return metrics.StoreDegraded
	default:
		return metrics.StoreError
	}
}

// Invalidate removes one exact key from every tier.
func (g *Gateway) Invalidate(ctx context.Context, key string) {
	g.store.Invalidate(ctx, key)
	g.metrics.ObserveInvalidation("key")
}

// InvalidateModule drops every entry a module has cached.
func (g *Gateway) InvalidateModule(ctx context.Context, module string) {
	g.store.InvalidateModule(ctx, module)
	g.metrics.ObserveInvalidation("module")
}

// TriggerInvalidation fires a named trigger and returns the modules whose
// policies listed it.
func (g *Gateway) TriggerInvalidation(ctx context.Context, trigger string) []string {
	modules := g.store.TriggerInvalidation(ctx, trigger)
	if len(modules) > 0 {
		g.metrics.ObserveInvalidation("trigger")
	}
	return modules
}

// ClearAll empties the cache across tiers and modules.
func (g *Gateway) ClearAll(ctx context.Context) {
	g.store.ClearAll(ctx)
	g.metrics.ObserveInvalidation("all")
}

// GetStats reports current sizes alongside the monitor's full-buffer hit
// rate and mean latency.
func (g *Gateway) GetStats(ctx context.Context) Stats {
	sizes := g.store.Stats(ctx)
	snap := g.monitor.Snapshot(ctx)
	return Stats{
		FastTierBytes:         sizes.FastTierBytes,
		FastTierEntries:       sizes.FastTierEntries,
		DurableTierEntryCount: sizes.DurableTierEntryCount,
		TotalEntries:          sizes.TotalEntries,
		HitRate:               snap.HitRate,
		MeanLatency:           snap.MeanLatency,
	}
}

// RecordOrchestrationEvent feeds one upstream call observation into the
// monitor.
func (g *Gateway) RecordOrchestrationEvent(service, operation string, duration time.Duration, success bool) {
	g.monitor.RecordOrchestration(health.OrchestrationEvent{
		Service:   service,
		Operation: operation,
		Duration:  duration,
		Success:   success,
	})
}

// RecordCacheEvent feeds one externally observed lookup into the monitor,
// for callers that consult other caches but want a single health view.
func (g *Gateway) RecordCacheEvent(module, tier string, hit bool, duration time.Duration) {
	g.monitor.RecordCache(health.CacheEvent{
		Module:   module,
		Tier:     tier,
		Hit:      hit,
		Duration: duration,
	})
}

// RecordError feeds one failure report into the monitor.
func (g *Gateway) RecordError(service, message string, context map[string]any) {
	g.monitor.RecordError(health.ErrorEvent{
		Service: service,
		Message: message,
		Context: context,
	})
}

// GetHealth returns the monitor's cached verdict.
func (g *Gateway) GetHealth(ctx context.Context) health.Status {
	return g.monitor.Status(ctx)
}

// GetPerformanceReport builds the windowed report. Render failures fall back
// to the structured data with an empty summary rather than erroring.
func (g *Gateway) GetPerformanceReport(ctx context.Context, window time.Duration) report.Report {
	rep, err := g.reports.Build(ctx, window)
	if err == nil {
		return rep
	}
	g.logger.Error("report rendering failed", slog.Any("error", err))
	if window <= 0 {
		window = time.Hour
	}
	snap := g.monitor.SnapshotWindow(ctx, window)
	return report.Report{
		GeneratedAt:     g.clock.Now(),
		Window:          window,
		Classification:  g.monitor.Classify(snap),
		Performance:     snap,
		Trends:          g.monitor.Trends(window),
		TopIssues:       g.monitor.TopIssues(0),
		Recommendations: g.monitor.Recommendations(snap),
	}
}

// Close stops the warming scheduler and releases the store's backend.
func (g *Gateway) Close(ctx context.Context) error {
	if g.scheduler != nil {
		g.scheduler.Close()
	}
	return g.store.Close(ctx)
}
