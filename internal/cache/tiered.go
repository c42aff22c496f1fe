package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Tier identifies which layer satisfied a lookup.
type Tier string

const (
	// TierFast is the in-process map.
	TierFast Tier = "fast"
	// TierDurable is an exact-key hit on the durable backend.
	TierDurable Tier = "durable"
	// TierSimilarity is a durable hit found through fingerprint matching
	// rather than the exact key.
	TierSimilarity Tier = "similarity"
)

// PutOutcome reports what a Put did with the payload.
type PutOutcome string

const (
	// PutStored means the entry reached the durable tier.
	PutStored PutOutcome = "stored"
	// PutSkipped means the policy's admission expression declined the entry.
	PutSkipped PutOutcome = "skipped"
	// PutDegraded means the durable write failed and the entry lives, at
	// best, in the fast tier only.
	PutDegraded PutOutcome = "degraded"
)

// StoreStats is a point-in-time size report across tiers.
type StoreStats struct {
	FastTierBytes   int64 `json:"fastTierBytes"`
	FastTierEntries int   `json:"fastTierEntries"`
	// DurableTierEntryCount includes the store's own invalidation markers.
	DurableTierEntryCount int64 `json:"durableTierEntryCount"`
	// TotalEntries sums both tiers; fast-tier copies of durable entries are
	// counted in each.
	TotalEntries int64 `json:"totalEntries"`
}

// TieredStoreOptions configures a TieredStore.
type TieredStoreOptions struct {
	// Durable is the backing store. Required.
	Durable DurableStore
	// Registry resolves per-module cache policies. Required.
	Registry *Registry
	// Clock defaults to the system clock; tests inject a fake.
	Clock Clock
	Logger *slog.Logger
	// Namespace prefixes every durable key so instances can share a backend.
	// Defaults to "draftcache".
	Namespace string
	// KeySalt feeds the key deriver, isolating key spaces across
	// deployments that share a durable backend and namespace.
	KeySalt string
	Breaker BreakerConfig
}

// TieredStore layers an in-process fast tier over a durable backend and
// fronts both with derivation, policy, similarity matching, and epoch-based
// invalidation. Lookups and writes never fail on store trouble; they degrade
// to misses and fast-tier-only writes and log what happened. Only malformed
// input surfaces as an error.
type TieredStore struct {
	durable   DurableStore
	registry  *Registry
	clock     Clock
	logger    *slog.Logger
	keys      KeyDeriver
	namespace string
	fast      *fastTier
	matcher   *Matcher

	marks markerState
}

// markerState caches the invalidation counters persisted in the durable
// store. A counter loads at most once while the backend is reachable; until
// then reads fall back to the in-memory value, which only ever over-
// invalidates.
type markerState struct {
	mu               sync.Mutex
	generation       uint64
	generationLoaded bool
	epochs           map[string]uint64
	epochsLoaded     map[string]bool
}

// NewTieredStore validates the options and builds the store.
func NewTieredStore(opts TieredStoreOptions) (*TieredStore, error) {
	if opts.Durable == nil {
		return nil, fmt.Errorf("cache: tiered store requires a durable store")
	}
	if opts.Registry == nil {
		return nil, fmt.Errorf("cache: tiered store requires a policy registry")
	}
	clock := opts.Clock
	if clock == nil {
		clock = SystemClock()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	namespace := opts.Namespace
	if namespace == "" {
		namespace = "draftcache"
	}

	s := &TieredStore{
		durable:   newBreakerStore(opts.Durable, opts.Breaker, logger),
		registry:  opts.Registry,
		clock:     clock,
		logger:    logger.With("component", "tiered-store"),
		keys:      KeyDeriver{Salt: opts.KeySalt},
		namespace: namespace,
		fast:      newFastTier(),
		marks: markerState{
			epochs:       make(map[string]uint64),
			epochsLoaded: make(map[string]bool),
		},
	}

	matcher, err := NewMatcher(MatcherOptions{
		Store: s.durable,
		Clock: clock,
		Accept: func(ctx context.Context, candidate Entry) bool {
			if !strings.HasPrefix(candidate.Key, s.namespace+":") {
				return false
			}
			return s.currentVintage(ctx, candidate.Meta.Module).matches(candidate.Meta)
		},
	})
	if err != nil {
		return nil, err
	}
	s.matcher = matcher
	return s, nil
}

// Get resolves a cached response for the operation in its request context.
// Resolution order is fast tier, durable exact key, then similarity match;
// the first hit bumps usage counters and, for durable hits, promotes the
// entry into the fast tier when the module budget allows. Store failures
// degrade to a miss. The only error returned is for input that cannot be
// serialized into a key.
func (s *TieredStore) Get(ctx context.Context, op Operation, rctx RequestContext) (Entry, Tier, bool, error) {
	exactKey, err := s.keys.DeriveKey(op, rctx)
	if err != nil {
		return Entry{}, "", false, err
	}
	fingerprint, err := s.keys.DeriveFingerprint(rctx)
	if err != nil {
		return Entry{}, "", false, err
	}

	policy := s.registry.PolicyFor(op.Module)
	now := s.clock.Now()
	storageKey := s.storageKey(exactKey)

	if entry, ok := s.fast.get(storageKey); ok {
		switch {
		case entry.Expired(now):
			s.fast.delete(storageKey)
		case entry.SimilarityScore >= policy.SimilarityThreshold:
			if touched, ok := s.fast.touch(storageKey, now); ok {
				return touched, TierFast, true, nil
			}
		}
	}

	entry, ok, err := s.durable.Get(ctx, storageKey)
	if err != nil {
		s.logger.Warn("durable lookup failed, treating as miss",
			"module", op.Module, "error", err)
		return Entry{}, "", false, nil
	}
	if ok {
		switch {
		case !s.currentVintage(ctx, op.Module).matches(entry.Meta):
			s.dropDurable(ctx, storageKey, "stale epoch")
		case entry.Expired(now):
			s.dropDurable(ctx, storageKey, "expired")
		case entry.SimilarityScore >= policy.SimilarityThreshold:
			return s.adopt(ctx, entry, now, policy), TierDurable, true, nil
		}
	}

	best, ok, err := s.matcher.FindBestMatch(ctx, fingerprint, op.Module, policy.SimilarityThreshold)
	if err != nil {
		s.logger.Warn("similarity match failed, treating as miss",
			"module", op.Module, "error", err)
		return Entry{}, "", false, nil
	}
	if ok {
		return s.adopt(ctx, best, now, policy), TierSimilarity, true, nil
	}
	return Entry{}, "", false, nil
}

// Put derives the entry's identity, consults the module policy, and writes
// through to the durable tier. The fast tier is updated synchronously before
// return so a same-goroutine Get observes the write. Durable failures are
// absorbed: the outcome reports degradation instead of an error.
func (s *TieredStore) Put(ctx context.Context, op Operation, rctx RequestContext, payload []byte, quality float64) (PutOutcome, error) {
	exactKey, err := s.keys.DeriveKey(op, rctx)
	if err != nil {
		return "", err
	}
	fingerprint, err := s.keys.DeriveFingerprint(rctx)
	if err != nil {
		return "", err
	}

	policy := s.registry.PolicyFor(op.Module)
	encodedInput, _ := json.Marshal(op.Input)
	admitted, err := s.registry.Admits(op, rctx, len(encodedInput), len(payload))
	if err != nil {
		s.logger.Warn("admission expression failed, admitting entry",
			"module", op.Module, "error", err)
	}
	if !admitted {
		s.logger.Debug("admission expression declined entry",
			"module", op.Module, "kind", op.Kind)
		return PutSkipped, nil
	}

	now := s.clock.Now()
	vintage := s.currentVintage(ctx, op.Module)
	body := make([]byte, len(payload))
	copy(body, payload)

	entry := Entry{
		Key:             s.storageKey(exactKey),
		Payload:         body,
		CreatedAt:       now,
		TTL:             policy.TTL,
		Fingerprint:     fingerprint,
		SimilarityScore: 1,
		UseCount:        1,
		LastAccessedAt:  now,
		Meta: EntryMeta{
			OperationKind: op.Kind,
			Module:        op.Module,
			InputSize:     len(encodedInput),
			PayloadSize:   len(body),
			QualityScore:  quality,
			Epoch:         vintage.epoch,
			Generation:    vintage.generation,
		},
	}

	outcome := PutStored
	if err := s.durable.Put(ctx, entry.Key, entry); err != nil {
		s.logger.Warn("durable write failed, entry held in fast tier only",
			"module", op.Module, "key", entry.Key, "error", err)
		outcome = PutDegraded
	}
	s.fast.admit(entry, policy.FastTierBudgetBytes)
	return outcome, nil
}

// Invalidate removes the entry for an exact derived key from both tiers.
func (s *TieredStore) Invalidate(ctx context.Context, key string) {
	storageKey := s.storageKey(key)
	s.fast.delete(storageKey)
	if err := s.durable.Delete(ctx, storageKey); err != nil {
		s.logger.Warn("durable delete failed", "key", storageKey, "error", err)
	}
}

// InvalidateModule retires every cached entry for the module by advancing
// its epoch. Durable entries from older epochs read as absent and are lazily
// deleted; the fast tier is purged immediately.
func (s *TieredStore) InvalidateModule(ctx context.Context, module string) {
	s.marks.mu.Lock()
	s.ensureEpochLoaded(ctx, module)
	s.marks.epochs[module]++
	s.marks.epochsLoaded[module] = true
	epoch := s.marks.epochs[module]
	s.marks.mu.Unlock()

	removed := s.fast.deleteModule(module)
	s.storeMarker(ctx, s.epochKey(module), epoch)
	s.logger.Info("module invalidated",
		"module", module, "epoch", epoch, "fastTierRemoved", removed)
}

// TriggerInvalidation invalidates every module whose policy lists the
// trigger and returns the modules it touched.
func (s *TieredStore) TriggerInvalidation(ctx context.Context, trigger string) []string {
	modules := s.registry.TriggeredModules(trigger)
	for _, module := range modules {
		s.InvalidateModule(ctx, module)
	}
	return modules
}

// ClearAll retires every cached entry across all modules by advancing the
// store generation, and empties the fast tier.
func (s *TieredStore) ClearAll(ctx context.Context) {
	s.marks.mu.Lock()
	s.ensureGenerationLoaded(ctx)
	s.marks.generation++
	s.marks.generationLoaded = true
	generation := s.marks.generation
	s.marks.mu.Unlock()

	s.fast.clear()
	s.storeMarker(ctx, s.generationKey(), generation)
	s.logger.Info("cache cleared", "generation", generation)
}

// Stats reports tier sizes. A failing durable backend reports zero durable
// entries rather than an error.
func (s *TieredStore) Stats(ctx context.Context) StoreStats {
	durableCount, err := s.durable.Count(ctx)
	if err != nil {
		s.logger.Warn("durable count failed", "error", err)
		durableCount = 0
	}
	fastEntries := s.fast.len()
	return StoreStats{
		FastTierBytes:         s.fast.footprint(),
		FastTierEntries:       fastEntries,
		DurableTierEntryCount: durableCount,
		TotalEntries:          durableCount + int64(fastEntries),
	}
}

// Cleanup runs one expiry sweep over the fast tier and reports how many
// entries it removed. Durable expiry stays lazy.
func (s *TieredStore) Cleanup() int {
	removed := s.fast.sweep(s.clock.Now())
	if removed > 0 {
		s.logger.Debug("fast tier sweep", "removed", removed)
	}
	return removed
}

// RunCleanup sweeps the fast tier on the given interval until the context
// ends.
func (s *TieredStore) RunCleanup(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Cleanup()
		}
	}
}

// Close releases the durable backend.
func (s *TieredStore) Close(ctx context.Context) error {
	return s.durable.Close(ctx)
}

// adopt records a durable-tier hit on the entry: usage counters bump, the
// update is written back best-effort, and the entry is promoted into the
// fast tier under the module budget.
func (s *TieredStore) adopt(ctx context.Context, entry Entry, now time.Time, policy Policy) Entry {
	entry.UseCount++
	entry.LastAccessedAt = now
	if err := s.durable.Put(ctx, entry.Key, entry); err != nil {
		s.logger.Debug("usage write-back failed", "key", entry.Key, "error", err)
	}
	s.fast.admit(entry, policy.FastTierBudgetBytes)
	return entry
}

func (s *TieredStore) dropDurable(ctx context.Context, key, reason string) {
	if err := s.durable.Delete(ctx, key); err != nil {
		s.logger.Debug("lazy delete failed", "key", key, "reason", reason, "error", err)
		return
	}
	s.logger.Debug("entry dropped", "key", key, "reason", reason)
}

// vintage is the invalidation coordinate an entry was written under.
type vintage struct {
	generation uint64
	epoch      uint64
}

func (v vintage) matches(meta EntryMeta) bool {
	return meta.Generation == v.generation && meta.Epoch == v.epoch
}

func (s *TieredStore) currentVintage(ctx context.Context, module string) vintage {
	s.marks.mu.Lock()
	defer s.marks.mu.Unlock()
	s.ensureGenerationLoaded(ctx)
	s.ensureEpochLoaded(ctx, module)
	return vintage{generation: s.marks.generation, epoch: s.marks.epochs[module]}
}

// ensureGenerationLoaded is called with marks.mu held.
func (s *TieredStore) ensureGenerationLoaded(ctx context.Context) {
	if s.marks.generationLoaded {
		return
	}
	if v, ok := s.loadMarker(ctx, s.generationKey()); ok {
		s.marks.generation = v
		s.marks.generationLoaded = true
	}
}

// ensureEpochLoaded is called with marks.mu held.
func (s *TieredStore) ensureEpochLoaded(ctx context.Context, module string) {
	if s.marks.epochsLoaded[module] {
		return
	}
	if v, ok := s.loadMarker(ctx, s.epochKey(module)); ok {
		s.marks.epochs[module] = v
		s.marks.epochsLoaded[module] = true
	}
}

// loadMarker reads a persisted counter. Absent markers are zero; only a
// store failure keeps the counter unloaded so a later read can retry.
func (s *TieredStore) loadMarker(ctx context.Context, key string) (uint64, bool) {
	entry, ok, err := s.durable.Get(ctx, key)
	if err != nil {
		s.logger.Debug("invalidation marker unavailable", "key", key, "error", err)
		return 0, false
	}
	if !ok {
		return 0, true
	}
	v, err := strconv.ParseUint(string(entry.Payload), 10, 64)
	if err != nil {
		s.logger.Warn("invalidation marker corrupt, resetting", "key", key, "error", err)
		return 0, true
	}
	return v, true
}

func (s *TieredStore) storeMarker(ctx context.Context, key string, value uint64) {
	entry := Entry{
		Key:       key,
		Payload:   []byte(strconv.FormatUint(value, 10)),
		CreatedAt: s.clock.Now(),
	}
	if err := s.durable.Put(ctx, key, entry); err != nil {
		s.logger.Warn("invalidation marker write failed, counter held in memory only",
			"key", key, "error", err)
	}
}

func (s *TieredStore) storageKey(exactKey string) string {
	return s.namespace + ":" + exactKey
}

// Marker keys use "!" so they can never collide with ":"-joined entry keys.
func (s *TieredStore) generationKey() string {
	return s.namespace + "!generation"
}

func (s *TieredStore) epochKey(module string) string {
	return s.namespace + "!epoch!" + module
}
