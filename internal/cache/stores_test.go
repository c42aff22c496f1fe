package cache

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
)

// exerciseStore runs the durable-tier contract every backend must satisfy:
// roundtrips, fingerprint queries scoped by module, deletes that also clean
// the fingerprint index, and counting.
func exerciseStore(t *testing.T, store DurableStore) {
	t.Helper()
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	entry := func(fingerprint, module, payload string) Entry {
		return Entry{
			Payload:         []byte(payload),
			CreatedAt:       now,
			TTL:             time.Hour,
			Fingerprint:     fingerprint,
			SimilarityScore: 1,
			UseCount:        1,
			LastAccessedAt:  now,
			Meta:            EntryMeta{OperationKind: "generate", Module: module, PayloadSize: len(payload)},
		}
	}

	if _, ok, err := store.Get(ctx, "ns:absent"); err != nil || ok {
		t.Fatalf("expected clean miss, ok=%v err=%v", ok, err)
	}

	if err := store.Put(ctx, "ns:a", entry("fp-1", "suggestions", "alpha")); err != nil {
		t.Fatalf("put a: %v", err)
	}
	if err := store.Put(ctx, "ns:b", entry("fp-1", "suggestions", "beta")); err != nil {
		t.Fatalf("put b: %v", err)
	}
	if err := store.Put(ctx, "ns:c", entry("fp-1", "tone", "gamma")); err != nil {
		t.Fatalf("put c: %v", err)
	}

	got, ok, err := store.Get(ctx, "ns:a")
	if err != nil {
		t.Fatalf("get a: %v", err)
	}
	if !ok || string(got.Payload) != "alpha" || got.Key != "ns:a" {
		t.Fatalf("unexpected entry: ok=%v %+v", ok, got)
	}
	if got.Meta.Module != "suggestions" || got.Fingerprint != "fp-1" {
		t.Fatalf("metadata did not roundtrip: %+v", got)
	}

	matches, err := store.QueryByFingerprint(ctx, "fp-1", "suggestions")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(matches) != 2 {
		t.Fatalf("expected 2 suggestions matches, got %d", len(matches))
	}
	matches, err = store.QueryByFingerprint(ctx, "fp-1", "tone")
	if err != nil {
		t.Fatalf("query tone: %v", err)
	}
	if len(matches) != 1 || string(matches[0].Payload) != "gamma" {
		t.Fatalf("unexpected tone matches: %v", matches)
	}
	if matches, err := store.QueryByFingerprint(ctx, "fp-other", "suggestions"); err != nil || len(matches) != 0 {
		t.Fatalf("expected no matches for unknown fingerprint, got %v err=%v", matches, err)
	}

	// Overwriting with a new fingerprint must move the index entry.
	moved := entry("fp-2", "suggestions", "alpha2")
	if err := store.Put(ctx, "ns:a", moved); err != nil {
		t.Fatalf("overwrite a: %v", err)
	}
	matches, err = store.QueryByFingerprint(ctx, "fp-1", "suggestions")
	if err != nil {
		t.Fatalf("query after overwrite: %v", err)
	}
	if len(matches) != 1 || matches[0].Key != "ns:b" {
		t.Fatalf("stale index entry after overwrite: %v", matches)
	}
	matches, err = store.QueryByFingerprint(ctx, "fp-2", "suggestions")
	if err != nil {
		t.Fatalf("query new fingerprint: %v", err)
	}
	if len(matches) != 1 || matches[0].Key != "ns:a" {
		t.Fatalf("expected moved index entry, got %v", matches)
	}

	count, err := store.Count(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 3 {
		t.Fatalf("expected 3 entries, got %d", count)
	}

	if err := store.Delete(ctx, "ns:b"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok, err := store.Get(ctx, "ns:b"); err != nil || ok {
		t.Fatalf("expected b gone, ok=%v err=%v", ok, err)
	}
	if matches, err := store.QueryByFingerprint(ctx, "fp-1", "suggestions"); err != nil || len(matches) != 0 {
		t.Fatalf("expected delete to clean the index, got %v err=%v", matches, err)
	}
	// Deleting a missing key is a no-op, not an error.
	if err := store.Delete(ctx, "ns:b"); err != nil {
		t.Fatalf("double delete: %v", err)
	}

	if err := store.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestMemoryStoreContract(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestBoltStoreContract(t *testing.T) {
	store, err := NewBoltStore(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("new bolt store: %v", err)
	}
	exerciseStore(t, store)
}

func TestSQLiteStoreContract(t *testing.T) {
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("new sqlite store: %v", err)
	}
	exerciseStore(t, store)
}

func TestValkeyStoreContract(t *testing.T) {
	server, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer server.Close()

	store, err := NewValkeyStore(ValkeyConfig{Address: server.Addr()})
	if err != nil {
		t.Fatalf("new valkey store: %v", err)
	}
	exerciseStore(t, store)
}

func TestValkeyStoreNativeExpiry(t *testing.T) {
	server, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer server.Close()

	store, err := NewValkeyStore(ValkeyConfig{Address: server.Addr()})
	if err != nil {
		t.Fatalf("new valkey store: %v", err)
	}
	ctx := context.Background()

	entry := Entry{
		Payload:         []byte("short lived"),
		CreatedAt:       time.Now().UTC(),
		TTL:             500 * time.Millisecond,
		Fingerprint:     "fp-exp",
		SimilarityScore: 1,
		Meta:            EntryMeta{Module: "suggestions"},
	}
	if err := store.Put(ctx, "ns:exp", entry); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, ok, err := store.Get(ctx, "ns:exp"); err != nil || !ok {
		t.Fatalf("expected hit before expiry, ok=%v err=%v", ok, err)
	}

	server.FastForward(time.Second)
	if _, ok, err := store.Get(ctx, "ns:exp"); err != nil || ok {
		t.Fatalf("expected native expiry, ok=%v err=%v", ok, err)
	}

	// The fingerprint index self-heals: the dangling member is pruned on the
	// next query.
	matches, err := store.QueryByFingerprint(ctx, "fp-exp", "suggestions")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(matches) != 0 {
		t.Fatalf("expected no matches after expiry, got %v", matches)
	}

	if err := store.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestValkeyStoreSkipsAlreadyExpiredWrites(t *testing.T) {
	server, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer server.Close()

	store, err := NewValkeyStore(ValkeyConfig{Address: server.Addr()})
	if err != nil {
		t.Fatalf("new valkey store: %v", err)
	}
	ctx := context.Background()

	stale := Entry{
		Payload:     []byte("already dead"),
		CreatedAt:   time.Now().UTC().Add(-time.Hour),
		TTL:         time.Minute,
		Fingerprint: "fp-stale",
		Meta:        EntryMeta{Module: "suggestions"},
	}
	if err := store.Put(ctx, "ns:stale", stale); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, ok, err := store.Get(ctx, "ns:stale"); err != nil || ok {
		t.Fatalf("expected expired write to be dropped, ok=%v err=%v", ok, err)
	}
}
