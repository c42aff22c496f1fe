package cache

import "errors"

// Sentinel errors classifying every failure the caching subsystem can
// surface. Callers branch with errors.Is; constructors wrap these with
// context via fmt.Errorf.
var (
	// ErrInvalidInput marks an operation or request context that cannot be
	// serialized for key derivation. This is a caller bug and propagates.
	ErrInvalidInput = errors.New("cache: invalid input")

	// ErrConfiguration marks a malformed policy or store configuration.
	// Raised at startup, never at request time.
	ErrConfiguration = errors.New("cache: invalid configuration")

	// ErrStoreUnavailable marks a durable-tier failure. The tiered store
	// catches it internally and degrades to a miss or no-op.
	ErrStoreUnavailable = errors.New("cache: durable store unavailable")

	// ErrWarmingTask marks a single failed warming prediction. Logged and
	// skipped; the queue continues.
	ErrWarmingTask = errors.New("cache: warming task failed")
)
