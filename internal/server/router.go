package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/scrivia/draftcache/internal/gateway"
	"github.com/scrivia/draftcache/internal/health"
	"github.com/scrivia/draftcache/internal/report"
)

const maxInvalidateBody = 1 << 20

// CacheAdmin is the surface the admin router needs from the gateway facade.
type CacheAdmin interface {
	GetStats(ctx context.Context) gateway.Stats
	GetHealth(ctx context.Context) health.Status
	GetPerformanceReport(ctx context.Context, window time.Duration) report.Report
	Invalidate(ctx context.Context, key string)
	InvalidateModule(ctx context.Context, module string)
	TriggerInvalidation(ctx context.Context, trigger string) []string
	ClearAll(ctx context.Context)
}

// HandlerOptions carries the router's collaborators.
type HandlerOptions struct {
	// Admin is the gateway facade. Required.
	Admin CacheAdmin
	// Metrics serves the Prometheus exposition. Optional.
	Metrics http.Handler
	Logger  *slog.Logger
}

// NewHandler builds the admin surface with request logging and correlation
// ids around every route.
func NewHandler(opts HandlerOptions) (http.Handler, error) {
	if opts.Admin == nil {
		return nil, errors.New("server: admin facade required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	logger = logger.With(slog.String("component", "http"))
	h := &handler{admin: opts.Admin, metrics: opts.Metrics, logger: logger}
	return withRequestLog(logger, http.HandlerFunc(h.serve)), nil
}

type handler struct {
	admin   CacheAdmin
	metrics http.Handler
	logger  *slog.Logger
}

func (h *handler) serve(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path
	if path != "/" {
		path = strings.TrimSuffix(path, "/")
	}
	switch path {
	case "/healthz":
		if !h.requireMethod(w, r, http.MethodGet) {
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, "ok")
	case "/health":
		if !h.requireMethod(w, r, http.MethodGet) {
			return
		}
		h.writeJSON(w, http.StatusOK, h.admin.GetHealth(r.Context()))
	case "/stats":
		if !h.requireMethod(w, r, http.MethodGet) {
			return
		}
		h.writeJSON(w, http.StatusOK, h.admin.GetStats(r.Context()))
	case "/report":
		if !h.requireMethod(w, r, http.MethodGet) {
			return
		}
		h.serveReport(w, r)
	case "/invalidate":
		if !h.requireMethod(w, r, http.MethodPost) {
			return
		}
		h.serveInvalidate(w, r)
	case "/flush":
		if !h.requireMethod(w, r, http.MethodPost) {
			return
		}
		h.admin.ClearAll(r.Context())
		h.writeJSON(w, http.StatusOK, map[string]any{"flushed": true})
	case "/metrics":
		if !h.requireMethod(w, r, http.MethodGet) {
			return
		}
		if h.metrics == nil {
			h.writeError(w, http.StatusNotFound, "metrics disabled")
			return
		}
		h.metrics.ServeHTTP(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (h *handler) serveReport(w http.ResponseWriter, r *http.Request) {
	var window time.Duration
	if raw := strings.TrimSpace(r.URL.Query().Get("window")); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed <= 0 {
			h.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid window %q", raw))
			return
		}
		window = parsed
	}
	h.writeJSON(w, http.StatusOK, h.admin.GetPerformanceReport(r.Context(), window))
}

type invalidateRequest struct {
	Key     string `json:"key"`
	Module  string `json:"module"`
	Trigger string `json:"trigger"`
}

func (h *handler) serveInvalidate(w http.ResponseWriter, r *http.Request) {
	var req invalidateRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxInvalidateBody)).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid body: %v", err))
		return
	}
	ctx := r.Context()
	switch {
	case req.Key != "":
		h.admin.Invalidate(ctx, req.Key)
		h.writeJSON(w, http.StatusOK, map[string]any{"invalidated": "key"})
	case req.Module != "":
		h.admin.InvalidateModule(ctx, req.Module)
		h.writeJSON(w, http.StatusOK, map[string]any{"invalidated": "module", "module": req.Module})
	case req.Trigger != "":
		modules := h.admin.TriggerInvalidation(ctx, req.Trigger)
		if modules == nil {
			modules = []string{}
		}
		h.writeJSON(w, http.StatusOK, map[string]any{"invalidated": "trigger", "modules": modules})
	default:
		h.writeError(w, http.StatusBadRequest, "key, module, or trigger required")
	}
}

func (h *handler) requireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		h.writeError(w, http.StatusMethodNotAllowed, fmt.Sprintf("method %s not allowed", r.Method))
		return false
	}
	return true
}

func (h *handler) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.logger.Error("response encode failed", slog.Any("error", err))
	}
}

func (h *handler) writeError(w http.ResponseWriter, status int, message string) {
	if status <= 0 {
		status = http.StatusInternalServerError
	}
	h.writeJSON(w, status, map[string]any{"error": message})
}

// withRequestLog stamps every request with a correlation id, echoing one the
// caller already supplied, and logs method, path, status, and elapsed time.
func withRequestLog(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := strings.TrimSpace(r.Header.Get("X-Request-Id"))
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", requestID)

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		logger.Info("http request",
			slog.String("requestId", requestID),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", rec.status),
			slog.Duration("elapsed", time.Since(start)))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
