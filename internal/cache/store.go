package cache

import "context"

// DurableStore is the persistent key/value tier consumed by the tiered
// store. Any backing with these operations satisfies it: an in-process map,
// an embedded file store, a relational table, or a remote KV service.
//
// Implementations never apply TTL semantics on reads; the tiered store owns
// expiry decisions through its injected clock. Backends may additionally
// reclaim space on their own schedule (native key expiry, sweeps) as long as
// losing an entry early only ever produces a miss.
type DurableStore interface {
	Get(ctx context.Context, key string) (Entry, bool, error)
	Put(ctx context.Context, key string, entry Entry) error
	Delete(ctx context.Context, key string) error
	Count(ctx context.Context) (int64, error)
	QueryByFingerprint(ctx context.Context, fingerprint, module string) ([]Entry, error)
	Close(ctx context.Context) error
}
