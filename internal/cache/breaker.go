package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
)

// BreakerConfig tunes the circuit breaker guarding the durable tier. Zero
// values fall back to defaults suited to a local Valkey or file-backed store.
type BreakerConfig struct {
	// MaxFailures is the consecutive-failure count that opens the circuit.
	MaxFailures uint32
	// Interval is the cyclic period over which failure counts reset while
	// the circuit is closed.
	Interval time.Duration
	// Timeout is how long the circuit stays open before probing again.
	Timeout time.Duration
	// OnStateChange receives transitions (states render as "closed",
	// "half-open", "open") for metrics wiring. May be nil.
	OnStateChange func(name, from, to string)
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.MaxFailures == 0 {
		c.MaxFailures = 5
	}
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	return c
}

// breakerStore wraps a DurableStore so that a misbehaving backend is cut off
// instead of stalling every cache operation behind it. All errors crossing
// this boundary are tagged ErrStoreUnavailable; callers degrade to cache
// misses rather than propagating them.
type breakerStore struct {
	inner DurableStore
	cb    *gobreaker.CircuitBreaker
}

func newBreakerStore(inner DurableStore, cfg BreakerConfig, logger *slog.Logger) *breakerStore {
	cfg = cfg.withDefaults()
	settings := gobreaker.Settings{
		Name:     "durable-tier",
		Interval: cfg.Interval,
		Timeout:  cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.ConsecutiveFailures >= cfg.MaxFailures {
				return true
			}
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests > 10 && ratio > 0.5
		},
		IsSuccessful: func(err error) bool {
			// A caller hanging up is not a store fault.
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("durable tier circuit state changed",
				"breaker", name,
				"from", from.String(),
				"to", to.String())
			if cfg.OnStateChange != nil {
				cfg.OnStateChange(name, from.String(), to.String())
			}
		},
	}
	return &breakerStore{inner: inner, cb: gobreaker.NewCircuitBreaker(settings)}
}

func (b *breakerStore) Get(ctx context.Context, key string) (Entry, bool, error) {
	var (
		entry Entry
		found bool
	)
	_, err := b.cb.Execute(func() (any, error) {
		var err error
		entry, found, err = b.inner.Get(ctx, key)
		return nil, err
	})
	if err != nil {
		return Entry{}, false, unavailable(err)
	}
	return entry, found, nil
}

func (b *breakerStore) Put(ctx context.Context, key string, entry Entry) error {
	_, err := b.cb.Execute(func() (any, error) {
		return nil, b.inner.Put(ctx, key, entry)
	})
	if err != nil {
		return unavailable(err)
	}
	return nil
}

func (b *breakerStore) Delete(ctx context.Context, key string) error {
	_, err := b.cb.Execute(func() (any, error) {
		return nil, b.inner.Delete(ctx, key)
	})
	if err != nil {
		return unavailable(err)
	}
	return nil
}

func (b *breakerStore) Count(ctx context.Context) (int64, error) {
	var count int64
	_, err := b.cb.Execute(func() (any, error) {
		var err error
		count, err = b.inner.Count(ctx)
		return nil, err
	})
	if err != nil {
		return 0, unavailable(err)
	}
	return count, nil
}

func (b *breakerStore) QueryByFingerprint(ctx context.Context, fingerprint, module string) ([]Entry, error) {
	var entries []Entry
	_, err := b.cb.Execute(func() (any, error) {
		var err error
		entries, err = b.inner.QueryByFingerprint(ctx, fingerprint, module)
		return nil, err
	})
	if err != nil {
		return nil, unavailable(err)
	}
	return entries, nil
}

// Close bypasses the breaker; shutdown must reach the backend even with the
// circuit open.
func (b *breakerStore) Close(ctx context.Context) error {
	return b.inner.Close(ctx)
}

func unavailable(err error) error {
	return fmt.Errorf("cache: durable tier: %w: %w", ErrStoreUnavailable, err)
}
