package main

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/scrivia/draftcache/internal/config"
	"github.com/scrivia/draftcache/internal/server"
)

// Seams so tests can substitute the configuration loader and HTTP server
// without touching real listeners or the filesystem.

type configLoader interface {
	Load(ctx context.Context) (config.Config, error)
	WatchPolicies(ctx context.Context, cfg config.Config, onChange func(config.PolicyBundle), onError func(error)) (policyWatcher, error)
}

type policyWatcher interface {
	Stop()
}

type runnableServer interface {
	Run(ctx context.Context) error
}

// loaderAdapter narrows *config.Loader to the seam interface. The wrapper
// exists because Go interface satisfaction requires the watcher return type
// to match exactly.
type loaderAdapter struct {
	*config.Loader
}

func (a loaderAdapter) WatchPolicies(ctx context.Context, cfg config.Config, onChange func(config.PolicyBundle), onError func(error)) (policyWatcher, error) {
	watcher, err := a.Loader.WatchPolicies(ctx, cfg, onChange, onError)
	if err != nil {
		return nil, err
	}
	return watcher, nil
}

var newConfigLoader = func(envPrefix, configFile string) configLoader {
	return loaderAdapter{config.NewLoader(envPrefix, configFile)}
}

var newHTTPServer = func(cfg config.Config, logger *slog.Logger, handler http.Handler) (runnableServer, error) {
	srv, err := server.New(cfg, logger, handler)
	if err != nil {
		return nil, err
	}
	return srv, nil
}
