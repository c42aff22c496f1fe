package cache

import (
	"context"
	"fmt"
	"time"
)

// Ranking weights for similarity candidates. Recency dominates because
// cached AI output for an evolving document goes stale faster than it gains
// popularity; use count breaks near-ties in favor of entries validated by
// repeated reuse.
const (
	usageWeight   = 0.3
	recencyWeight = 0.7

	// recencyTau sets the half-response point of the recency curve: an entry
	// last touched tau ago scores 0.5 on the recency axis.
	recencyTau = 5 * time.Minute
)

// MatcherOptions configures a similarity matcher.
type MatcherOptions struct {
	Store DurableStore
	Clock Clock
	// Accept optionally rejects candidates beyond the standard
	// threshold/expiry filters. The tiered store uses it to screen out
	// entries from stale invalidation epochs and foreign namespaces.
	Accept func(context.Context, Entry) bool
}

// Matcher searches the durable tier for entries whose context fingerprint
// and module match, then ranks the survivors.
type Matcher struct {
	store  DurableStore
	clock  Clock
	accept func(context.Context, Entry) bool
}

// NewMatcher builds a matcher over the given durable store.
func NewMatcher(opts MatcherOptions) (*Matcher, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("cache: matcher requires a durable store")
	}
	clock := opts.Clock
	if clock == nil {
		clock = SystemClock()
	}
	return &Matcher{store: opts.Store, clock: clock, accept: opts.Accept}, nil
}

// FindBestMatch queries candidates sharing the fingerprint and module,
// filters to similarityScore >= threshold and not expired, and returns the
// top entry by weighted score. Ties break toward the most recently created
// entry, then the smallest key, so results never depend on store iteration
// order.
func (m *Matcher) FindBestMatch(ctx context.Context, fingerprint, module string, threshold float64) (Entry, bool, error) {
	candidates, err := m.store.QueryByFingerprint(ctx, fingerprint, module)
	if err != nil {
		return Entry{}, false, fmt.Errorf("cache: similarity query: %w", err)
	}
	if len(candidates) == 0 {
		return Entry{}, false, nil
	}

	now := m.clock.Now()
	var (
		best      Entry
		bestScore float64
		found     bool
	)
	for _, candidate := range candidates {
		if candidate.SimilarityScore < threshold || candidate.Expired(now) {
			continue
		}
		if m.accept != nil && !m.accept(ctx, candidate) {
			continue
		}
		score := rankScore(candidate, now)
		if !found || better(score, candidate, bestScore, best) {
			best = candidate
			bestScore = score
			found = true
		}
	}
	if !found {
		return Entry{}, false, nil
	}
	return best, true, nil
}

// rankScore blends normalized usage and recency. Both factors live in [0,1]
// so neither can swamp the other: usage saturates as n/(n+1) and recency
// decays as tau/(tau+age).
func rankScore(entry Entry, now time.Time) float64 {
	usage := float64(entry.UseCount) / float64(entry.UseCount+1)
	if entry.UseCount <= 0 {
		usage = 0
	}

	lastTouch := entry.LastAccessedAt
	if lastTouch.IsZero() {
		lastTouch = entry.CreatedAt
	}
	age := now.Sub(lastTouch)
	if age < 0 {
		age = 0
	}
	recency := float64(recencyTau) / float64(recencyTau+age)

	return usageWeight*usage + recencyWeight*recency
}

func better(score float64, candidate Entry, bestScore float64, best Entry) bool {
	if score != bestScore {
		return score > bestScore
	}
	if !candidate.CreatedAt.Equal(best.CreatedAt) {
		return candidate.CreatedAt.After(best.CreatedAt)
	}
	return candidate.Key < best.Key
}
