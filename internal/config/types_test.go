package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	invalidPort := DefaultConfig()
	invalidPort.Server.Listen.Port = -1
	require.Error(t, invalidPort.Validate())

	conflictingSources := DefaultConfig()
	conflictingSources.Policies.File = "policies.yaml"
	conflictingSources.Policies.Folder = "policies"
	require.Error(t, conflictingSources.Validate())

	missingNamespace := DefaultConfig()
	missingNamespace.Cache.Namespace = "  "
	require.Error(t, missingNamespace.Validate())

	unknownBackend := DefaultConfig()
	unknownBackend.Cache.Backend = "cassandra"
	require.Error(t, unknownBackend.Validate())

	valkeyWithoutAddress := DefaultConfig()
	valkeyWithoutAddress.Cache.Backend = "valkey"
	require.Error(t, valkeyWithoutAddress.Validate())

	valkeyWithAddress := DefaultConfig()
	valkeyWithAddress.Cache.Backend = "valkey"
	valkeyWithAddress.Cache.Valkey.Address = "localhost:6379"
	require.NoError(t, valkeyWithAddress.Validate())

	boltWithoutPath := DefaultConfig()
	boltWithoutPath.Cache.Backend = "bolt"
	require.Error(t, boltWithoutPath.Validate())

	sqliteWithPath := DefaultConfig()
	sqliteWithPath.Cache.Backend = "sqlite"
	sqliteWithPath.Cache.SQLite.Path = "/tmp/draftcache.db"
	require.NoError(t, sqliteWithPath.Validate())

	badDuration := DefaultConfig()
	badDuration.Cache.CleanupInterval = "soon"
	require.Error(t, badDuration.Validate())

	negativeFailures := DefaultConfig()
	negativeFailures.Cache.Breaker.MaxFailures = -1
	require.Error(t, negativeFailures.Validate())

	zeroQueue := DefaultConfig()
	zeroQueue.Warming.QueueCapacity = 0
	require.Error(t, zeroQueue.Validate())

	predictionWithoutTargets := DefaultConfig()
	predictionWithoutTargets.Warming.Predictions = []PredictionRule{{Module: "tone"}}
	require.Error(t, predictionWithoutTargets.Validate())

	predictionComplete := DefaultConfig()
	predictionComplete.Warming.Predictions = []PredictionRule{{Module: "tone", Warm: []string{"summarization"}}}
	require.NoError(t, predictionComplete.Validate())

	zeroHistory := DefaultConfig()
	zeroHistory.Health.HistorySize = 0
	require.Error(t, zeroHistory.Validate())

	latencyInverted := DefaultConfig()
	latencyInverted.Health.Thresholds.Latency = LatencyThresholds{Warning: "20s", Critical: "2s"}
	require.Error(t, latencyInverted.Validate())

	errorRateInverted := DefaultConfig()
	errorRateInverted.Health.Thresholds.ErrorRate = RateThresholds{Warning: 0.5, Critical: 0.1}
	require.Error(t, errorRateInverted.Validate())

	hitRateInverted := DefaultConfig()
	hitRateInverted.Health.Thresholds.HitRate = RateThresholds{Warning: 0.05, Critical: 0.3}
	require.Error(t, hitRateInverted.Validate())

	rateOutOfRange := DefaultConfig()
	rateOutOfRange.Health.Thresholds.ErrorRate = RateThresholds{Warning: -0.1, Critical: 0.5}
	require.Error(t, rateOutOfRange.Validate())
}

func TestBuildPolicies(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Policies.Default.TTL = "30m"
	cfg.Policies.Default.SimilarityThreshold = f64(0.8)
	cfg.Policies.Modules = map[string]PolicyConfig{
		"summarization": {TTL: "1h", WarmingPriority: f64(0.9)},
		"tone":          {},
	}

	def, modules, err := cfg.BuildPolicies()
	require.NoError(t, err)

	require.Equal(t, 30*time.Minute, def.TTL)
	require.InDelta(t, 0.8, def.SimilarityThreshold, 1e-9)

	summarization := modules["summarization"]
	require.Equal(t, time.Hour, summarization.TTL)
	require.InDelta(t, 0.9, summarization.WarmingPriority, 1e-9)
	require.InDelta(t, 0.8, summarization.SimilarityThreshold, 1e-9)

	tone := modules["tone"]
	require.Equal(t, 30*time.Minute, tone.TTL)
	require.Equal(t, int64(1<<20), tone.FastTierBudgetBytes)

	broken := DefaultConfig()
	broken.Policies.Modules = map[string]PolicyConfig{"broken": {TTL: "not-a-duration"}}
	_, _, err = broken.BuildPolicies()
	require.Error(t, err)
}

func TestDurationGetters(t *testing.T) {
	require.Equal(t, 10*time.Second, ServerConfig{}.ShutdownGrace())
	require.Equal(t, 3*time.Second, ServerConfig{ShutdownTimeout: "3s"}.ShutdownGrace())
	require.Equal(t, 10*time.Second, ServerConfig{ShutdownTimeout: "bogus"}.ShutdownGrace())

	require.Equal(t, time.Minute, CacheConfig{}.CleanupEvery())
	require.Equal(t, 2*time.Second, CacheConfig{}.OperationTimeout())
	require.Equal(t, 5*time.Second, WarmingConfig{}.ComputeDeadline())
	require.Equal(t, 30*time.Second, HealthConfig{}.SampleInterval())

	lat := LatencyThresholds{Warning: "1s"}
	require.Equal(t, time.Second, lat.WarningDuration())
	require.Equal(t, 10*time.Second, lat.CriticalDuration())

	br := BreakerConfig{Interval: "2m"}
	require.Equal(t, 2*time.Minute, br.IntervalDuration())
	require.Equal(t, 30*time.Second, br.TimeoutDuration())
}
