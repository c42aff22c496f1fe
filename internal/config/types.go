package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/scrivia/draftcache/internal/cache"
)

// Config holds every service-level option plus the policy definitions once
// the loader resolves the configured sources.
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Cache    CacheConfig    `koanf:"cache"`
	Policies PoliciesConfig `koanf:"policies"`
	Warming  WarmingConfig  `koanf:"warming"`
	Health   HealthConfig   `koanf:"health"`

	// InlinePolicies preserves the module policies defined directly in the
	// main config document, so folder reloads can re-merge them.
	InlinePolicies map[string]PolicyConfig `koanf:"-"`

	// PolicySources records which files contributed policy definitions once
	// the loader resolves the configured sources.
	PolicySources []string `koanf:"-"`
	// SkippedPolicies captures duplicate or invalid definitions the loader
	// intentionally disabled. Logged at startup so operators know which
	// policies were quarantined.
	SkippedPolicies []DefinitionSkip `koanf:"-"`
}

// ServerConfig collects the bootstrap knobs for the HTTP admin surface.
type ServerConfig struct {
	Listen          ListenConfig  `koanf:"listen"`
	Logging         LoggingConfig `koanf:"logging"`
	ShutdownTimeout string        `koanf:"shutdownTimeout"`
}

// ListenConfig instructs the HTTP listener about bind address and port.
type ListenConfig struct {
	Address string `koanf:"address"`
	Port    int    `koanf:"port"`
}

// LoggingConfig expresses log level and format.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// ShutdownGrace returns how long in-flight requests get during shutdown.
func (s ServerConfig) ShutdownGrace() time.Duration {
	return parseDurationOr(s.ShutdownTimeout, 10*time.Second)
}

// CacheConfig selects and tunes the durable backend behind the tiered store.
type CacheConfig struct {
	Backend         string          `koanf:"backend"`
	Namespace       string          `koanf:"namespace"`
	KeySalt         string          `koanf:"keySalt"`
	CleanupInterval string          `koanf:"cleanupInterval"`
	OpTimeout       string          `koanf:"opTimeout"`
	Valkey          ValkeyConfig    `koanf:"valkey"`
	Bolt            FileStoreConfig `koanf:"bolt"`
	SQLite          FileStoreConfig `koanf:"sqlite"`
	Breaker         BreakerConfig   `koanf:"breaker"`
}

// CleanupEvery returns the fast-tier sweep interval.
func (c CacheConfig) CleanupEvery() time.Duration {
	return parseDurationOr(c.CleanupInterval, time.Minute)
}

// OperationTimeout bounds individual durable-store operations issued by the
// admin surface and background jobs.
func (c CacheConfig) OperationTimeout() time.Duration {
	return parseDurationOr(c.OpTimeout, 2*time.Second)
}

// ValkeyConfig carries connection settings for the remote KV backend.
type ValkeyConfig struct {
	Address  string          `koanf:"address"`
	Username string          `koanf:"username"`
	Password string          `koanf:"password"`
	DB       int             `koanf:"db"`
	TLS      ValkeyTLSConfig `koanf:"tls"`
}

type ValkeyTLSConfig struct {
	Enabled bool   `koanf:"enabled"`
	CAFile  string `koanf:"caFile"`
}

// FileStoreConfig locates an embedded file-backed store.
type FileStoreConfig struct {
	Path string `koanf:"path"`
}

// BreakerConfig tunes the circuit breaker guarding durable-store calls.
type BreakerConfig struct {
	MaxFailures int    `koanf:"maxFailures"`
	Interval    string `koanf:"interval"`
	Timeout     string `koanf:"timeout"`
}

func (b BreakerConfig) IntervalDuration() time.Duration {
	return parseDurationOr(b.Interval, time.Minute)
}

func (b BreakerConfig) TimeoutDuration() time.Duration {
	return parseDurationOr(b.Timeout, 30*time.Second)
}

// PoliciesConfig sources per-module cache policies: a default, inline module
// entries, and optionally a folder or single file of policy documents.
type PoliciesConfig struct {
	Folder  string                  `koanf:"folder"`
	File    string                  `koanf:"file"`
	Default PolicyConfig            `koanf:"default"`
	Modules map[string]PolicyConfig `koanf:"modules"`
}

// PolicyConfig is the declarative form of one cache policy. Unset fields
// inherit from the default policy, which is why the numeric knobs are
// pointers.
type PolicyConfig struct {
	TTL                    string   `koanf:"ttl"`
	SimilarityThreshold    *float64 `koanf:"similarityThreshold"`
	WarmingPriority        *float64 `koanf:"warmingPriority"`
	InvalidationTriggers   []string `koanf:"invalidationTriggers"`
	FastTierBudgetBytes    *int64   `koanf:"fastTierBudgetBytes"`
	DurableTierBudgetBytes *int64   `koanf:"durableTierBudgetBytes"`
	Admission              string   `koanf:"admission"`
}

// Apply overlays the configured fields onto base and returns the result.
func (p PolicyConfig) Apply(base cache.Policy) (cache.Policy, error) {
	out := base
	if p.TTL != "" {
		ttl, err := time.ParseDuration(p.TTL)
		if err != nil {
			return cache.Policy{}, fmt.Errorf("config: policy ttl %q: %w", p.TTL, err)
		}
		out.TTL = ttl
	}
	if p.SimilarityThreshold != nil {
		out.SimilarityThreshold = *p.SimilarityThreshold
	}
	if p.WarmingPriority != nil {
		out.WarmingPriority = *p.WarmingPriority
	}
	if len(p.InvalidationTriggers) > 0 {
		out.InvalidationTriggers = append([]string(nil), p.InvalidationTriggers...)
	}
	if p.FastTierBudgetBytes != nil {
		out.FastTierBudgetBytes = *p.FastTierBudgetBytes
	}
	if p.DurableTierBudgetBytes != nil {
		out.DurableTierBudgetBytes = *p.DurableTierBudgetBytes
	}
	if p.Admission != "" {
		out.Admission = p.Admission
	}
	return out, nil
}

// BuildPolicies converts the resolved policy configuration into the runtime
// default policy and per-module overrides. Module policies inherit every
// field they leave unset from the configured default.
func (c *Config) BuildPolicies() (cache.Policy, map[string]cache.Policy, error) {
	def, err := c.Policies.Default.Apply(cache.DefaultPolicy())
	if err != nil {
		return cache.Policy{}, nil, fmt.Errorf("config: default policy: %w", err)
	}
	modules := make(map[string]cache.Policy, len(c.Policies.Modules))
	for name, pc := range c.Policies.Modules {
		policy, err := pc.Apply(def)
		if err != nil {
			return cache.Policy{}, nil, fmt.Errorf("config: policy %q: %w", name, err)
		}
		modules[name] = policy
	}
	return def, modules, nil
}

// WarmingConfig tunes the predictive warming scheduler.
type WarmingConfig struct {
	QueueCapacity  int              `koanf:"queueCapacity"`
	ComputeTimeout string           `koanf:"computeTimeout"`
	MaxRetries     int              `koanf:"maxRetries"`
	ComputeURL     string           `koanf:"computeUrl"`
	Predictions    []PredictionRule `koanf:"predictions"`
}

// ComputeDeadline bounds a single warming computation.
func (w WarmingConfig) ComputeDeadline() time.Duration {
	return parseDurationOr(w.ComputeTimeout, 5*time.Second)
}

// PredictionRule declares that completing an operation in Module should warm
// the same input through the listed modules. Kind optionally overrides the
// operation kind of the warmed entries.
type PredictionRule struct {
	Module string   `koanf:"module"`
	Warm   []string `koanf:"warm"`
	Kind   string   `koanf:"kind"`
}

// HealthConfig tunes the performance monitor.
type HealthConfig struct {
	Interval    string           `koanf:"interval"`
	HistorySize int              `koanf:"historySize"`
	Thresholds  HealthThresholds `koanf:"thresholds"`
}

// SampleInterval returns how often the monitor recomputes its status.
func (h HealthConfig) SampleInterval() time.Duration {
	return parseDurationOr(h.Interval, 30*time.Second)
}

// HealthThresholds split each signal into warning and critical bands.
// Latency and error rate alert above their thresholds; hit rate is a lower
// bound and alerts below.
type HealthThresholds struct {
	Latency   LatencyThresholds `koanf:"latency"`
	ErrorRate RateThresholds    `koanf:"errorRate"`
	HitRate   RateThresholds    `koanf:"hitRate"`
}

type LatencyThresholds struct {
	Warning  string `koanf:"warning"`
	Critical string `koanf:"critical"`
}

func (l LatencyThresholds) WarningDuration() time.Duration {
	return parseDurationOr(l.Warning, 2*time.Second)
}

func (l LatencyThresholds) CriticalDuration() time.Duration {
	return parseDurationOr(l.Critical, 10*time.Second)
}

type RateThresholds struct {
	Warning  float64 `koanf:"warning"`
	Critical float64 `koanf:"critical"`
}

// DefinitionSkip describes a policy definition the loader intentionally
// ignored, for example duplicate names across files.
type DefinitionSkip struct {
	Kind    string   `json:"kind"`
	Name    string   `json:"name"`
	Reason  string   `json:"reason"`
	Sources []string `json:"sources"`
}

// Validate enforces invariants that keep the runtime predictable before
// serving traffic.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config: nil")
	}
	if c.Server.Listen.Port <= 0 || c.Server.Listen.Port > 65535 {
		return fmt.Errorf("config: listen.port invalid: %d", c.Server.Listen.Port)
	}
	if err := validateDuration("server.shutdownTimeout", c.Server.ShutdownTimeout); err != nil {
		return err
	}

	backend := strings.TrimSpace(strings.ToLower(c.Cache.Backend))
	switch backend {
	case "", "memory":
	case "valkey":
		if strings.TrimSpace(c.Cache.Valkey.Address) == "" {
			return errors.New("config: cache.valkey.address required for valkey backend")
		}
	case "bolt":
		if strings.TrimSpace(c.Cache.Bolt.Path) == "" {
			return errors.New("config: cache.bolt.path required for bolt backend")
		}
	case "sqlite":
		if strings.TrimSpace(c.Cache.SQLite.Path) == "" {
			return errors.New("config: cache.sqlite.path required for sqlite backend")
		}
	default:
		return fmt.Errorf("config: cache.backend unsupported: %s", c.Cache.Backend)
	}
	if strings.TrimSpace(c.Cache.Namespace) == "" {
		return errors.New("config: cache.namespace required")
	}
	for _, field := range []struct{ name, value string }{
		{"cache.cleanupInterval", c.Cache.CleanupInterval},
		{"cache.opTimeout", c.Cache.OpTimeout},
		{"cache.breaker.interval", c.Cache.Breaker.Interval},
		{"cache.breaker.timeout", c.Cache.Breaker.Timeout},
		{"warming.computeTimeout", c.Warming.ComputeTimeout},
		{"health.interval", c.Health.Interval},
		{"health.thresholds.latency.warning", c.Health.Thresholds.Latency.Warning},
		{"health.thresholds.latency.critical", c.Health.Thresholds.Latency.Critical},
	} {
		if err := validateDuration(field.name, field.value); err != nil {
			return err
		}
	}
	if c.Cache.Breaker.MaxFailures < 0 {
		return fmt.Errorf("config: cache.breaker.maxFailures invalid: %d", c.Cache.Breaker.MaxFailures)
	}

	if c.Policies.Folder != "" && c.Policies.File != "" {
		return errors.New("config: policies.folder and policies.file are mutually exclusive")
	}

	if c.Warming.QueueCapacity <= 0 {
		return fmt.Errorf("config: warming.queueCapacity invalid: %d", c.Warming.QueueCapacity)
	}
	if c.Warming.MaxRetries < 0 {
		return fmt.Errorf("config: warming.maxRetries invalid: %d", c.Warming.MaxRetries)
	}
	for i, rule := range c.Warming.Predictions {
		if strings.TrimSpace(rule.Module) == "" {
			return fmt.Errorf("config: warming.predictions[%d].module required", i)
		}
		if len(rule.Warm) == 0 {
			return fmt.Errorf("config: warming.predictions[%d].warm requires at least one module", i)
		}
	}

	if c.Health.HistorySize <= 0 {
		return fmt.Errorf("config: health.historySize invalid: %d", c.Health.HistorySize)
	}
	th := c.Health.Thresholds
	if th.Latency.WarningDuration() > th.Latency.CriticalDuration() {
		return errors.New("config: health.thresholds.latency.warning exceeds critical")
	}
	if err := validateRateBand("health.thresholds.errorRate", th.ErrorRate, false); err != nil {
		return err
	}
	if err := validateRateBand("health.thresholds.hitRate", th.HitRate, true); err != nil {
		return err
	}
	return nil
}

// validateRateBand checks a [0,1] threshold pair. For lower bounds (hit
// rate) the warning sits above the critical value; for upper bounds (error
// rate) below it.
func validateRateBand(name string, band RateThresholds, lowerBound bool) error {
	for _, v := range []float64{band.Warning, band.Critical} {
		if v < 0 || v > 1 {
			return fmt.Errorf("config: %s values must be within [0,1]", name)
		}
	}
	if lowerBound && band.Warning < band.Critical {
		return fmt.Errorf("config: %s.warning below critical for a lower-bound signal", name)
	}
	if !lowerBound && band.Warning > band.Critical {
		return fmt.Errorf("config: %s.warning exceeds critical", name)
	}
	return nil
}

func validateDuration(name, value string) error {
	if value == "" {
		return nil
	}
	if _, err := time.ParseDuration(value); err != nil {
		return fmt.Errorf("config: %s invalid: %w", name, err)
	}
	return nil
}

func parseDurationOr(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}

// DefaultConfig returns the baseline values the service boots with when
// nothing is overridden.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Listen: ListenConfig{
				Address: "0.0.0.0",
				Port:    8080,
			},
			Logging: LoggingConfig{
				Level:  "info",
				Format: "json",
			},
			ShutdownTimeout: "10s",
		},
		Cache: CacheConfig{
			Backend:         "memory",
			Namespace:       "draftcache",
			CleanupInterval: "60s",
			OpTimeout:       "2s",
			Breaker: BreakerConfig{
				MaxFailures: 5,
				Interval:    "60s",
				Timeout:     "30s",
			},
		},
		Policies: PoliciesConfig{
			Default: PolicyConfig{
				TTL:                    "15m",
				SimilarityThreshold:    f64(0.75),
				WarmingPriority:        f64(0.5),
				FastTierBudgetBytes:    i64(1 << 20),
				DurableTierBudgetBytes: i64(32 << 20),
			},
		},
		Warming: WarmingConfig{
			QueueCapacity:  256,
			ComputeTimeout: "5s",
			MaxRetries:     3,
		},
		Health: HealthConfig{
			Interval:    "30s",
			HistorySize: 1000,
			Thresholds: HealthThresholds{
				Latency:   LatencyThresholds{Warning: "2s", Critical: "10s"},
				ErrorRate: RateThresholds{Warning: 0.05, Critical: 0.15},
				HitRate:   RateThresholds{Warning: 0.30, Critical: 0.10},
			},
		},
	}
}

func f64(v float64) *float64 { return &v }
func i64(v int64) *int64     { return &v }
