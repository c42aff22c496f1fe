package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Loader hydrates the runtime configuration while respecting env > file > default precedence.
type Loader struct {
	envPrefix string
	files     []string
}

// NewLoader prepares a config hydrator that honors the env-first contract before touching files or defaults.
func NewLoader(envPrefix string, files ...string) *Loader {
	return &Loader{
		envPrefix: envPrefix,
		files:     files,
	}
}

// Load assembles the effective snapshot: defaults, then files in order, then env overrides, then validation.
func (l *Loader) Load(ctx context.Context) (Config, error) {
	defaultCfg := DefaultConfig()
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(structToMap(defaultCfg), "."), nil); err != nil {
		return Config{}, fmt.Errorf("config: load defaults: %w", err)
	}

	for _, path := range l.files {
		if path == "" {
			continue
		}
		select {
		case <-ctx.Done():
			return Config{}, ctx.Err()
		default:
		}
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("config: file %s not found", path)
			}
			return Config{}, fmt.Errorf("config: stat %s: %w", path, err)
		}
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("config: load file %s: %w", path, err)
		}
	}

	if l.envPrefix != "" {
		canonical := map[string]string{
			"server.shutdowntimeout":                  "server.shutdownTimeout",
			"cache.keysalt":                           "cache.keySalt",
			"cache.cleanupinterval":                   "cache.cleanupInterval",
			"cache.optimeout":                         "cache.opTimeout",
			"cache.valkey.tls.cafile":                 "cache.valkey.tls.caFile",
			"cache.breaker.maxfailures":               "cache.breaker.maxFailures",
			"policies.default.similaritythreshold":    "policies.default.similarityThreshold",
			"policies.default.warmingpriority":        "policies.default.warmingPriority",
			"policies.default.invalidationtriggers":   "policies.default.invalidationTriggers",
			"policies.default.fasttierbudgetbytes":    "policies.default.fastTierBudgetBytes",
			"policies.default.durabletierbudgetbytes": "policies.default.durableTierBudgetBytes",
			"warming.queuecapacity":                   "warming.queueCapacity",
			"warming.computetimeout":                  "warming.computeTimeout",
			"warming.maxretries":                      "warming.maxRetries",
			"warming.computeurl":                      "warming.computeUrl",
			"health.historysize":                      "health.historySize",
			"health.thresholds.errorrate.warning":     "health.thresholds.errorRate.warning",
			"health.thresholds.errorrate.critical":    "health.thresholds.errorRate.critical",
			"health.thresholds.hitrate.warning":       "health.thresholds.hitRate.warning",
			"health.thresholds.hitrate.critical":      "health.thresholds.hitRate.critical",
		}
		transform := func(s string) string {
			// Double underscores signal a nested path (CACHE__BREAKER__TIMEOUT -> cache.breaker.timeout).
			key := strings.TrimPrefix(s, l.envPrefix+"_")
			key = strings.ReplaceAll(key, "__", ".")
			lower := strings.ToLower(key)
			if mapped, ok := canonical[lower]; ok {
				return mapped
			}
			// Single underscores are removed so LISTEN_PORT collapses into listenport when callers
			// choose not to use double underscores for object nesting.
			key = strings.ReplaceAll(key, "_", "")
			return strings.ToLower(key)
		}
		if err := k.Load(env.Provider(l.envPrefix, ".", transform), nil); err != nil {
			return Config{}, fmt.Errorf("config: load env: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	cfg.InlinePolicies = clonePolicyMap(cfg.Policies.Modules)

	bundle, err := buildPolicyBundle(ctx, cfg.InlinePolicies, cfg.Policies)
	if err != nil {
		return Config{}, err
	}
	cfg.Policies.Modules = bundle.Policies
	cfg.PolicySources = bundle.Sources
	cfg.SkippedPolicies = bundle.Skipped
	return cfg, nil
}

// structToMap converts DefaultConfig into a map for the koanf confmap provider.
func structToMap(cfg Config) map[string]any {
	return map[string]any{
		"server": map[string]any{
			"listen": map[string]any{
				"address": cfg.Server.Listen.Address,
				"port":    cfg.Server.Listen.Port,
			},
			"logging": map[string]any{
				"level":  cfg.Server.Logging.Level,
				"format": cfg.Server.Logging.Format,
			},
			"shutdownTimeout": cfg.Server.ShutdownTimeout,
		},
		"cache": map[string]any{
			"backend":         cfg.Cache.Backend,
			"namespace":       cfg.Cache.Namespace,
			"keySalt":         cfg.Cache.KeySalt,
			"cleanupInterval": cfg.Cache.CleanupInterval,
			"opTimeout":       cfg.Cache.OpTimeout,
			"valkey": map[string]any{
				"address":  cfg.Cache.Valkey.Address,
				"username": cfg.Cache.Valkey.Username,
				"password": cfg.Cache.Valkey.Password,
				"db":       cfg.Cache.Valkey.DB,
				"tls": map[string]any{
					"enabled": cfg.Cache.Valkey.TLS.Enabled,
					"caFile":  cfg.Cache.Valkey.TLS.CAFile,
				},
			},
			"bolt":   map[string]any{"path": cfg.Cache.Bolt.Path},
			"sqlite": map[string]any{"path": cfg.Cache.SQLite.Path},
			"breaker": map[string]any{
				"maxFailures": cfg.Cache.Breaker.MaxFailures,
				"interval":    cfg.Cache.Breaker.Interval,
				"timeout":     cfg.Cache.Breaker.Timeout,
			},
		},
		"policies": map[string]any{
			"folder": cfg.Policies.Folder,
			"file":   cfg.Policies.File,
			"default": map[string]any{
				"ttl":                    cfg.Policies.Default.TTL,
				"similarityThreshold":    *cfg.Policies.Default.SimilarityThreshold,
				"warmingPriority":        *cfg.Policies.Default.WarmingPriority,
				"fastTierBudgetBytes":    *cfg.Policies.Default.FastTierBudgetBytes,
				"durableTierBudgetBytes": *cfg.Policies.Default.DurableTierBudgetBytes,
			},
		},
		"warming": map[string]any{
			"queueCapacity":  cfg.Warming.QueueCapacity,
			"computeTimeout": cfg.Warming.ComputeTimeout,
			"maxRetries":     cfg.Warming.MaxRetries,
			"computeUrl":     cfg.Warming.ComputeURL,
		},
		"health": map[string]any{
			"interval":    cfg.Health.Interval,
			"historySize": cfg.Health.HistorySize,
			"thresholds": map[string]any{
				"latency": map[string]any{
					"warning":  cfg.Health.Thresholds.Latency.Warning,
					"critical": cfg.Health.Thresholds.Latency.Critical,
				},
				"errorRate": map[string]any{
					"warning":  cfg.Health.Thresholds.ErrorRate.Warning,
					"critical": cfg.Health.Thresholds.ErrorRate.Critical,
				},
				"hitRate": map[string]any{
					"warning":  cfg.Health.Thresholds.HitRate.Warning,
					"critical": cfg.Health.Thresholds.HitRate.Critical,
				},
			},
		},
	}
}
