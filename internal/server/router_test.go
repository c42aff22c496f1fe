package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gavv/httpexpect/v2"
	"github.com/stretchr/testify/require"

	"github.com/scrivia/draftcache/internal/gateway"
	"github.com/scrivia/draftcache/internal/health"
	"github.com/scrivia/draftcache/internal/metrics"
	"github.com/scrivia/draftcache/internal/report"
)

type stubAdmin struct {
	mu                 sync.Mutex
	invalidatedKeys    []string
	invalidatedModules []string
	triggers           []string
	flushes            int
	reportWindows      []time.Duration
}

func (s *stubAdmin) GetStats(context.Context) gateway.Stats {
	return gateway.Stats{
		FastTierBytes:         2048,
		FastTierEntries:       3,
		DurableTierEntryCount: 7,
		TotalEntries:          10,
		HitRate:               0.5,
		MeanLatency:           150 * time.Millisecond,
	}
}

func (s *stubAdmin) GetHealth(context.Context) health.Status {
	return health.Status{
		Classification:  health.Degraded,
		Recommendations: []string{"Hit rate is low. Increase warming coverage or revisit similarity thresholds."},
		LastUpdatedAt:   time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC),
	}
}

func (s *stubAdmin) GetPerformanceReport(_ context.Context, window time.Duration) report.Report {
	s.mu.Lock()
	s.reportWindows = append(s.reportWindows, window)
	s.mu.Unlock()
	return report.Report{Window: window, Classification: health.Healthy, Summary: "all good"}
}

func (s *stubAdmin) Invalidate(_ context.Context, key string) {
	s.mu.Lock()
	s.invalidatedKeys = append(s.invalidatedKeys, key)
	s.mu.Unlock()
}

func (s *stubAdmin) InvalidateModule(_ context.Context, module string) {
	s.mu.Lock()
	s.invalidatedModules = append(s.invalidatedModules, module)
	s.mu.Unlock()
}

func (s *stubAdmin) TriggerInvalidation(_ context.Context, trigger string) []string {
	s.mu.Lock()
	s.triggers = append(s.triggers, trigger)
	s.mu.Unlock()
	return []string{"tone", "summarization"}
}

func (s *stubAdmin) ClearAll(context.Context) {
	s.mu.Lock()
	s.flushes++
	s.mu.Unlock()
}

func (s *stubAdmin) snapshot() stubAdmin {
	s.mu.Lock()
	defer s.mu.Unlock()
	return stubAdmin{
		invalidatedKeys:    append([]string(nil), s.invalidatedKeys...),
		invalidatedModules: append([]string(nil), s.invalidatedModules...),
		triggers:           append([]string(nil), s.triggers...),
		flushes:            s.flushes,
		reportWindows:      append([]time.Duration(nil), s.reportWindows...),
	}
}

func newExpect(t *testing.T, admin CacheAdmin, metricsHandler http.Handler) *httpexpect.Expect {
	t.Helper()
	handler, err := NewHandler(HandlerOptions{Admin: admin, Metrics: metricsHandler})
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return httpexpect.WithConfig(httpexpect.Config{
		BaseURL:  srv.URL,
		Reporter: httpexpect.NewRequireReporter(t),
		Client:   srv.Client(),
	})
}

func TestRouterHealthEndpoints(t *testing.T) {
	expect := newExpect(t, &stubAdmin{}, nil)

	expect.GET("/healthz").Expect().
		Status(http.StatusOK).
		Text().IsEqual("ok")

	result := expect.GET("/health").Expect()
	result.Status(http.StatusOK)
	body := result.JSON().Object()
	body.Value("classification").String().IsEqual("degraded")
	body.Value("recommendations").Array().Length().IsEqual(1)
}

func TestRouterStats(t *testing.T) {
	expect := newExpect(t, &stubAdmin{}, nil)

	body := expect.GET("/stats").Expect().
		Status(http.StatusOK).
		JSON().Object()
	body.Value("hitRate").Number().IsEqual(0.5)
	body.Value("fastTierBytes").Number().IsEqual(2048)
	body.Value("totalEntries").Number().IsEqual(10)
}

func TestRouterReportWindow(t *testing.T) {
	admin := &stubAdmin{}
	expect := newExpect(t, admin, nil)

	expect.GET("/report").WithQuery("window", "5m").Expect().
		Status(http.StatusOK).
		JSON().Object().Value("summary").String().IsEqual("all good")

	expect.GET("/report").Expect().Status(http.StatusOK)

	expect.GET("/report").WithQuery("window", "bogus").Expect().
		Status(http.StatusBadRequest).
		JSON().Object().Value("error").String().Contains("invalid window")

	windows := admin.snapshot().reportWindows
	require.Equal(t, []time.Duration{5 * time.Minute, 0}, windows)
}

func TestRouterInvalidate(t *testing.T) {
	admin := &stubAdmin{}
	expect := newExpect(t, admin, nil)

	expect.POST("/invalidate").WithJSON(map[string]string{"key": "abc123"}).Expect().
		Status(http.StatusOK).
		JSON().Object().Value("invalidated").String().IsEqual("key")

	expect.POST("/invalidate").WithJSON(map[string]string{"module": "tone"}).Expect().
		Status(http.StatusOK).
		JSON().Object().Value("module").String().IsEqual("tone")

	expect.POST("/invalidate").WithJSON(map[string]string{"trigger": "document-updated"}).Expect().
		Status(http.StatusOK).
		JSON().Object().Value("modules").Array().ConsistsOf("tone", "summarization")

	expect.POST("/invalidate").WithJSON(map[string]string{}).Expect().
		Status(http.StatusBadRequest)

	expect.POST("/invalidate").
		WithHeader("Content-Type", "application/json").
		WithBytes([]byte("{boom")).Expect().
		Status(http.StatusBadRequest)

	state := admin.snapshot()
	require.Equal(t, []string{"abc123"}, state.invalidatedKeys)
	require.Equal(t, []string{"tone"}, state.invalidatedModules)
	require.Equal(t, []string{"document-updated"}, state.triggers)
}

func TestRouterFlush(t *testing.T) {
	admin := &stubAdmin{}
	expect := newExpect(t, admin, nil)

	expect.POST("/flush").Expect().
		Status(http.StatusOK).
		JSON().Object().Value("flushed").Boolean().IsTrue()
	require.Equal(t, 1, admin.snapshot().flushes)

	expect.GET("/flush").Expect().Status(http.StatusMethodNotAllowed)
}

func TestRouterMetrics(t *testing.T) {
	recorder := metrics.NewRecorder(nil)
	expect := newExpect(t, &stubAdmin{}, recorder.Handler())

	expect.GET("/metrics").Expect().
		Status(http.StatusOK).
		Body().Contains("go_goroutines")

	disabled := newExpect(t, &stubAdmin{}, nil)
	disabled.GET("/metrics").Expect().Status(http.StatusNotFound)
}

func TestRouterCorrelationIDs(t *testing.T) {
	expect := newExpect(t, &stubAdmin{}, nil)

	expect.GET("/healthz").Expect().
		Status(http.StatusOK).
		Header("X-Request-Id").NotEmpty()

	expect.GET("/healthz").WithHeader("X-Request-Id", "writer-trace-9").Expect().
		Status(http.StatusOK).
		Header("X-Request-Id").IsEqual("writer-trace-9")
}

func TestRouterUnknownRoutes(t *testing.T) {
	expect := newExpect(t, &stubAdmin{}, nil)

	expect.GET("/nope").Expect().Status(http.StatusNotFound)
	expect.POST("/health").Expect().Status(http.StatusMethodNotAllowed)
	expect.GET("/invalidate").Expect().Status(http.StatusMethodNotAllowed)
}
