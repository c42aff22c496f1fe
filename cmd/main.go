package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/scrivia/draftcache/internal/cache"
	"github.com/scrivia/draftcache/internal/config"
	"github.com/scrivia/draftcache/internal/gateway"
	"github.com/scrivia/draftcache/internal/health"
	"github.com/scrivia/draftcache/internal/logging"
	"github.com/scrivia/draftcache/internal/metrics"
	"github.com/scrivia/draftcache/internal/server"
	"github.com/scrivia/draftcache/internal/warming"
)

func main() {
	var (
		configFile = flag.String("config", "", "path to service configuration file")
		envPrefix  = flag.String("env-prefix", "DRAFTCACHE", "environment variable prefix")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *envPrefix, *configFile); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, envPrefix, configFile string) error {
	loader := newConfigLoader(envPrefix, configFile)
	cfg, err := loader.Load(ctx)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logger, err := logging.New(cfg.Server.Logging)
	if err != nil {
		return fmt.Errorf("configure logger: %w", err)
	}
	for _, skip := range cfg.SkippedPolicies {
		logger.Warn("policy definition skipped",
			slog.String("name", skip.Name),
			slog.String("reason", skip.Reason),
			slog.Any("sources", skip.Sources))
	}

	defaultPolicy, modulePolicies, err := cfg.BuildPolicies()
	if err != nil {
		return fmt.Errorf("build cache policies: %w", err)
	}
	registry, err := cache.NewRegistry(defaultPolicy, modulePolicies)
	if err != nil {
		return fmt.Errorf("build policy registry: %w", err)
	}

	promRegistry := prometheus.NewRegistry()
	recorder := metrics.NewRecorder(promRegistry)

	durable, dataPath := buildDurableStore(logger.With(slog.String("component", "store-factory")), cfg.Cache)

	store, err := cache.NewTieredStore(cache.TieredStoreOptions{
		Durable:   durable,
		Registry:  registry,
		Logger:    logger,
		Namespace: cfg.Cache.Namespace,
		KeySalt:   cfg.Cache.KeySalt,
		Breaker: cache.BreakerConfig{
			MaxFailures:   uint32(cfg.Cache.Breaker.MaxFailures),
			Interval:      cfg.Cache.Breaker.IntervalDuration(),
			Timeout:       cfg.Cache.Breaker.TimeoutDuration(),
			OnStateChange: recorder.ObserveBreakerTransition,
		},
	})
	if err != nil {
		return fmt.Errorf("build tiered store: %w", err)
	}

	monitor := health.NewMonitor(health.MonitorOptions{
		HistorySize: cfg.Health.HistorySize,
		Thresholds: health.Thresholds{
			LatencyWarning:    cfg.Health.Thresholds.Latency.WarningDuration(),
			LatencyCritical:   cfg.Health.Thresholds.Latency.CriticalDuration(),
			ErrorRateWarning:  cfg.Health.Thresholds.ErrorRate.Warning,
			ErrorRateCritical: cfg.Health.Thresholds.ErrorRate.Critical,
			HitRateWarning:    cfg.Health.Thresholds.HitRate.Warning,
			HitRateCritical:   cfg.Health.Thresholds.HitRate.Critical,
		},
		Logger:  logger,
		Metrics: recorder,
		Footprint: func(ctx context.Context) int64 {
			return store.Stats(ctx).FastTierBytes
		},
		DataPath: dataPath,
	})

	scheduler := buildScheduler(logger, recorder, store, cfg.Warming)

	gw, err := gateway.New(gateway.Options{
		Store:     store,
		Registry:  registry,
		Monitor:   monitor,
		Scheduler: scheduler,
		Metrics:   recorder,
		Logger:    logger,
	})
	if err != nil {
		return fmt.Errorf("build gateway: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := gw.Close(shutdownCtx); err != nil {
			logger.Error("cache shutdown failed", slog.Any("error", err))
		}
	}()

	if cfg.Policies.File != "" || cfg.Policies.Folder != "" {
		reloader := &policyReloader{
			base:     cfg,
			registry: registry,
			store:    store,
			logger:   logger.With(slog.String("component", "policy-reload")),
		}
		watcher, err := loader.WatchPolicies(ctx, cfg, func(bundle config.PolicyBundle) {
			reloader.apply(ctx, bundle)
		}, func(err error) {
			if err != nil {
				logger.Error("policies watcher error", slog.Any("error", err))
			}
		})
		if err != nil {
			logger.Error("policies watcher setup failed", slog.Any("error", err))
		} else {
			defer watcher.Stop()
		}
	}

	go store.RunCleanup(ctx, cfg.Cache.CleanupEvery())
	go monitor.Run(ctx, cfg.Health.SampleInterval())

	handler, err := server.NewHandler(server.HandlerOptions{
		Admin:   gw,
		Metrics: recorder.Handler(),
		Logger:  logger,
	})
	if err != nil {
		return fmt.Errorf("build admin handler: %w", err)
	}

	srv, err := newHTTPServer(cfg, logger, handler)
	if err != nil {
		return fmt.Errorf("build server: %w", err)
	}

	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("server terminated unexpectedly: %w", err)
	}

	logger.Info("server shutdown complete")
	return nil
}

// buildDurableStore constructs the configured backend and reports the on-disk
// path health should sample, empty for backends without one. Backend trouble
// falls back to the in-memory store so the service still boots; the cache is
// an accelerator, not a dependency.
func buildDurableStore(logger *slog.Logger, cfg config.CacheConfig) (cache.DurableStore, string) {
	backend := strings.TrimSpace(strings.ToLower(cfg.Backend))
	switch backend {
	case "", "memory":
		logger.Info("using in-memory durable store")
		return cache.NewMemoryStore(), ""
	case "valkey":
		store, err := cache.NewValkeyStore(cache.ValkeyConfig{
			Address:  cfg.Valkey.Address,
			Username: cfg.Valkey.Username,
			Password: cfg.Valkey.Password,
			DB:       cfg.Valkey.DB,
			TLS: cache.ValkeyTLSConfig{
				Enabled: cfg.Valkey.TLS.Enabled,
				CAFile:  cfg.Valkey.TLS.CAFile,
			},
		})
		if err != nil {
			logger.Error("valkey store initialization failed", slog.Any("error", err))
			logger.Info("falling back to in-memory durable store")
			return cache.NewMemoryStore(), ""
		}
		logger.Info("using valkey durable store", slog.String("address", cfg.Valkey.Address))
		return store, ""
	case "bolt":
		store, err := cache.NewBoltStore(cfg.Bolt.Path)
		if err != nil {
			logger.Error("bolt store initialization failed", slog.String("path", cfg.Bolt.Path), slog.Any("error", err))
			logger.Info("falling back to in-memory durable store")
			return cache.NewMemoryStore(), ""
		}
		logger.Info("using bolt durable store", slog.String("path", cfg.Bolt.Path))
		return store, cfg.Bolt.Path
	case "sqlite":
		store, err := cache.NewSQLiteStore(cfg.SQLite.Path)
		if err != nil {
			logger.Error("sqlite store initialization failed", slog.String("path", cfg.SQLite.Path), slog.Any("error", err))
			logger.Info("falling back to in-memory durable store")
			return cache.NewMemoryStore(), ""
		}
		logger.Info("using sqlite durable store", slog.String("path", cfg.SQLite.Path))
		return store, cfg.SQLite.Path
	default:
		logger.Warn("unsupported cache backend, defaulting to memory", slog.String("backend", cfg.Backend))
		return cache.NewMemoryStore(), ""
	}
}

// buildScheduler assembles the warming pipeline when a compute endpoint is
// configured. Warming is strictly optional: any setup failure logs and the
// service runs without it.
func buildScheduler(logger *slog.Logger, recorder *metrics.Recorder, store *cache.TieredStore, cfg config.WarmingConfig) *warming.Scheduler {
	endpoint := strings.TrimSpace(cfg.ComputeURL)
	if endpoint == "" {
		logger.Info("warming disabled, no compute endpoint configured")
		return nil
	}
	computer, err := warming.NewHTTPComputer(endpoint, cfg.ComputeDeadline())
	if err != nil {
		logger.Error("warming computer initialization failed", slog.Any("error", err))
		return nil
	}
	rules := make([]warming.Rule, 0, len(cfg.Predictions))
	for _, rule := range cfg.Predictions {
		rules = append(rules, warming.Rule{Module: rule.Module, Warm: rule.Warm, Kind: rule.Kind})
	}
	scheduler, err := warming.NewScheduler(warming.SchedulerOptions{
		Store:          store,
		Predictor:      warming.NewRulePredictor(rules),
		Computer:       computer,
		Metrics:        recorder,
		Logger:         logger,
		QueueCapacity:  cfg.QueueCapacity,
		ComputeTimeout: cfg.ComputeDeadline(),
		MaxRetries:     cfg.MaxRetries,
	})
	if err != nil {
		logger.Error("warming scheduler initialization failed", slog.Any("error", err))
		return nil
	}
	logger.Info("warming scheduler ready", slog.String("endpoint", endpoint), slog.Int("rules", len(rules)))
	return scheduler
}

// policyReloader swaps a fresh policy bundle into the registry and
// invalidates modules whose policy materially changed, so stale entries do
// not outlive the rules that admitted them.
type policyReloader struct {
	mu       sync.Mutex
	base     config.Config
	registry *cache.Registry
	store    *cache.TieredStore
	logger   *slog.Logger

	last map[string]cache.Policy
}

func (r *policyReloader) apply(ctx context.Context, bundle config.PolicyBundle) {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := r.base
	next.Policies.Modules = bundle.Policies
	def, modules, err := next.BuildPolicies()
	if err != nil {
		r.logger.Error("policy reload rejected", slog.Any("error", err))
		return
	}
	if err := r.registry.Replace(def, modules); err != nil {
		r.logger.Error("policy reload rejected", slog.Any("error", err))
		return
	}
	for _, skip := range bundle.Skipped {
		r.logger.Warn("policy definition skipped",
			slog.String("name", skip.Name),
			slog.String("reason", skip.Reason))
	}

	// The first bundle arrives during watcher setup and matches the policies
	// the registry booted with, so there is nothing to invalidate yet.
	if r.last != nil {
		for name, policy := range modules {
			if prev, ok := r.last[name]; ok && !policiesEqual(prev, policy) {
				r.store.InvalidateModule(ctx, name)
				r.logger.Info("module invalidated after policy change", slog.String("module", name))
			}
		}
		for name := range r.last {
			if _, ok := modules[name]; !ok {
				r.store.InvalidateModule(ctx, name)
				r.logger.Info("module invalidated after policy removal", slog.String("module", name))
			}
		}
	}
	r.last = modules
	r.logger.Info("cache policies reloaded",
		slog.Int("modules", len(modules)),
		slog.Int("sources", len(bundle.Sources)))
}

func policiesEqual(a, b cache.Policy) bool {
	return a.TTL == b.TTL &&
		a.SimilarityThreshold == b.SimilarityThreshold &&
		a.WarmingPriority == b.WarmingPriority &&
		a.FastTierBudgetBytes == b.FastTierBudgetBytes &&
		a.DurableTierBudgetBytes == b.DurableTierBudgetBytes &&
		a.Admission == b.Admission &&
		slices.Equal(a.InvalidationTriggers, b.InvalidationTriggers)
}
