package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/scrivia/draftcache/internal/cache"
	"github.com/scrivia/draftcache/internal/config"
	"github.com/stretchr/testify/require"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func TestBuildDurableStore(t *testing.T) {
	tests := []struct {
		name     string
		cfg      func(t *testing.T) config.CacheConfig
		wantPath bool
	}{
		{
			name: "defaults to memory",
			cfg: func(t *testing.T) config.CacheConfig {
				return config.CacheConfig{}
			},
		},
		{
			name: "constructs valkey store",
			cfg: func(t *testing.T) config.CacheConfig {
				server, err := miniredis.Run()
				if err != nil {
					if strings.Contains(err.Error(), "operation not permitted") {
						t.Skip("miniredis unavailable in sandbox")
					}
					require.NoError(t, err)
				}
				t.Cleanup(server.Close)
				return config.CacheConfig{
					Backend: "valkey",
					Valkey:  config.ValkeyConfig{Address: server.Addr()},
				}
			},
		},
		{
			name: "constructs bolt store",
			cfg: func(t *testing.T) config.CacheConfig {
				return config.CacheConfig{
					Backend: "bolt",
					Bolt:    config.FileStoreConfig{Path: filepath.Join(t.TempDir(), "cache.db")},
				}
			},
			wantPath: true,
		},
		{
			name: "constructs sqlite store",
			cfg: func(t *testing.T) config.CacheConfig {
				return config.CacheConfig{
					Backend: "sqlite",
					SQLite:  config.FileStoreConfig{Path: filepath.Join(t.TempDir(), "cache.sqlite")},
				}
			},
			wantPath: true,
		},
		{
			name: "falls back to memory when bolt path unusable",
			cfg: func(t *testing.T) config.CacheConfig {
				return config.CacheConfig{
					Backend: "bolt",
					Bolt:    config.FileStoreConfig{Path: filepath.Join(t.TempDir(), "missing", "cache.db")},
				}
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := tc.cfg(t)
			store, dataPath := buildDurableStore(newTestLogger(), cfg)
			t.Cleanup(func() {
				require.NoError(t, store.Close(context.Background()))
			})

			if tc.wantPath {
				require.NotEmpty(t, dataPath)
			} else {
				require.Empty(t, dataPath)
			}
			verifyRoundTrip(t, store)
		})
	}
}

func verifyRoundTrip(t *testing.T, store cache.DurableStore) {
	t.Helper()
	ctx := context.Background()
	entry := storeEntry()
	require.NoError(t, store.Put(ctx, entry.Key, entry))
	got, ok, err := store.Get(ctx, entry.Key)
	require.NoError(t, err)
	require.True(t, ok, "expected lookup to succeed")
	require.Equal(t, entry.Payload, got.Payload)
}

func storeEntry() cache.Entry {
	now := time.Now().UTC()
	return cache.Entry{
		Key:            "draftcache:test",
		Payload:        []byte(`{"text":"cached response"}`),
		CreatedAt:      now,
		TTL:            5 * time.Minute,
		Fingerprint:    "00000000deadbeef",
		UseCount:       1,
		LastAccessedAt: now,
		Meta: cache.EntryMeta{
			OperationKind: "generate",
			Module:        "tone",
			PayloadSize:   26,
			QualityScore:  1.0,
		},
	}
}

func TestPolicyReloaderInvalidatesChangedModules(t *testing.T) {
	ctx := context.Background()
	cfg := config.DefaultConfig()
	def, modules, err := cfg.BuildPolicies()
	require.NoError(t, err)
	registry, err := cache.NewRegistry(def, modules)
	require.NoError(t, err)
	store, err := cache.NewTieredStore(cache.TieredStoreOptions{
		Durable:  cache.NewMemoryStore(),
		Registry: registry,
		Logger:   newTestLogger(),
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, store.Close(context.Background()))
	})

	rctx := cache.RequestContext{DocumentClass: "article", QualityTier: "premium", SessionID: "session-1"}
	toneOp := cache.Operation{Kind: "generate", Module: "tone", Input: map[string]any{"text": "warm this draft"}}
	sumOp := cache.Operation{Kind: "generate", Module: "summarization", Input: map[string]any{"text": "other draft"}}
	_, err = store.Put(ctx, toneOp, rctx, []byte("tone payload"), 1.0)
	require.NoError(t, err)
	_, err = store.Put(ctx, sumOp, rctx, []byte("summary payload"), 1.0)
	require.NoError(t, err)

	reloader := &policyReloader{base: cfg, registry: registry, store: store, logger: newTestLogger()}

	// The initial bundle mirrors what the registry booted with.
	reloader.apply(ctx, config.PolicyBundle{Policies: map[string]config.PolicyConfig{
		"tone": {TTL: "30m"},
	}})
	_, _, ok, err := store.Get(ctx, toneOp, rctx)
	require.NoError(t, err)
	require.True(t, ok, "baseline bundle must not invalidate")

	reloader.apply(ctx, config.PolicyBundle{Policies: map[string]config.PolicyConfig{
		"tone": {TTL: "1h"},
	}})
	_, _, ok, err = store.Get(ctx, toneOp, rctx)
	require.NoError(t, err)
	require.False(t, ok, "changed policy must invalidate its module")
	_, _, ok, err = store.Get(ctx, sumOp, rctx)
	require.NoError(t, err)
	require.True(t, ok, "unrelated modules keep their entries")

	_, err = store.Put(ctx, toneOp, rctx, []byte("tone payload again"), 1.0)
	require.NoError(t, err)
	reloader.apply(ctx, config.PolicyBundle{Policies: map[string]config.PolicyConfig{}})
	_, _, ok, err = store.Get(ctx, toneOp, rctx)
	require.NoError(t, err)
	require.False(t, ok, "removing a policy must invalidate its module")
}

func TestRunLoaderError(t *testing.T) {
	overrideConfigLoader(t, func(_, _ string) configLoader {
		return &fakeLoader{loadErr: errors.New("boom")}
	})

	err := run(context.Background(), "DRAFTCACHE", "")
	require.Error(t, err)
	require.Contains(t, err.Error(), "load configuration")
}

func TestRunServerConstructorError(t *testing.T) {
	overrideConfigLoader(t, func(_, _ string) configLoader {
		return &fakeLoader{cfg: config.DefaultConfig()}
	})
	overrideHTTPServer(t, func(config.Config, *slog.Logger, http.Handler) (runnableServer, error) {
		return nil, errors.New("construct failed")
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	err := run(ctx, "DRAFTCACHE", "")
	require.Error(t, err)
	require.Contains(t, err.Error(), "construct failed")
}

func TestRunServerRunError(t *testing.T) {
	overrideConfigLoader(t, func(_, _ string) configLoader {
		return &fakeLoader{cfg: config.DefaultConfig()}
	})
	overrideHTTPServer(t, func(config.Config, *slog.Logger, http.Handler) (runnableServer, error) {
		return &stubServer{err: errors.New("run failed")}, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	err := run(ctx, "DRAFTCACHE", "")
	require.Error(t, err)
	require.Contains(t, err.Error(), "run failed")
}

func TestRunWatcherLifecycle(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Policies.Folder = "policies"
	stopped := false
	loader := &fakeLoader{cfg: cfg, stopped: &stopped}
	overrideConfigLoader(t, func(_, _ string) configLoader { return loader })
	overrideHTTPServer(t, func(config.Config, *slog.Logger, http.Handler) (runnableServer, error) {
		return &stubServer{err: context.Canceled}, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, run(ctx, "DRAFTCACHE", ""))
	require.True(t, loader.watchSeen, "expected the policies watcher to start")
	require.True(t, stopped, "expected the watcher to stop on shutdown")
}

func TestRunWatcherSetupFailureIsNonFatal(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Policies.Folder = "policies"
	loader := &fakeLoader{cfg: cfg, watchErr: errors.New("watch failed")}
	overrideConfigLoader(t, func(_, _ string) configLoader { return loader })
	overrideHTTPServer(t, func(config.Config, *slog.Logger, http.Handler) (runnableServer, error) {
		return &stubServer{err: context.Canceled}, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, run(ctx, "DRAFTCACHE", ""))
}

func overrideConfigLoader(t *testing.T, fn func(string, string) configLoader) {
	original := newConfigLoader
	newConfigLoader = fn
	t.Cleanup(func() { newConfigLoader = original })
}

func overrideHTTPServer(t *testing.T, fn func(config.Config, *slog.Logger, http.Handler) (runnableServer, error)) {
	original := newHTTPServer
	newHTTPServer = fn
	t.Cleanup(func() { newHTTPServer = original })
}

type fakeLoader struct {
	cfg       config.Config
	loadErr   error
	watchErr  error
	stopped   *bool
	watchSeen bool
}

func (f *fakeLoader) Load(context.Context) (config.Config, error) {
	if f.loadErr != nil {
		return config.Config{}, f.loadErr
	}
	return f.cfg, nil
}

func (f *fakeLoader) WatchPolicies(_ context.Context, _ config.Config, onChange func(config.PolicyBundle), _ func(error)) (policyWatcher, error) {
	f.watchSeen = true
	if f.watchErr != nil {
		return nil, f.watchErr
	}
	if onChange != nil {
		onChange(config.PolicyBundle{})
	}
	return &noOpWatcher{stopped: f.stopped}, nil
}

type noOpWatcher struct {
	stopped *bool
}

func (n *noOpWatcher) Stop() {
	if n.stopped != nil {
		*n.stopped = true
	}
}

type stubServer struct {
	err error
}

func (s *stubServer) Run(context.Context) error {
	return s.err
}
