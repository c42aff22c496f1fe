package warming

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/scrivia/draftcache/internal/cache"
)

type stubStore struct {
	mu      sync.Mutex
	modules []string
	err     error
}

func (s *stubStore) Put(_ context.Context, op cache.Operation, _ cache.RequestContext, _ []byte, _ float64) (cache.PutOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	s.modules = append(s.modules, op.Module)
	return cache.PutStored, nil
}

func (s *stubStore) stored() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.modules...)
}

type stubPredictor struct {
	fn func(op cache.Operation, rctx cache.RequestContext) []Prediction
}

func (p stubPredictor) Predict(op cache.Operation, rctx cache.RequestContext) []Prediction {
	return p.fn(op, rctx)
}

// identityPredictor warms the completed operation itself, which keeps
// ordering tests simple.
func identityPredictor() Predictor {
	return stubPredictor{fn: func(op cache.Operation, rctx cache.RequestContext) []Prediction {
		return []Prediction{{Operation: op, Context: rctx}}
	}}
}

type stubComputer struct {
	gate      chan struct{}
	started   chan struct{}
	startOnce sync.Once

	mu        sync.Mutex
	calls     int
	failFirst int
	failFor   string
}

func (c *stubComputer) Compute(_ context.Context, op cache.Operation, _ cache.RequestContext) ([]byte, error) {
	if c.started != nil {
		c.startOnce.Do(func() { close(c.started) })
	}
	if c.gate != nil {
		<-c.gate
	}
	c.mu.Lock()
	c.calls++
	call := c.calls
	c.mu.Unlock()
	if c.failFor != "" && op.Module == c.failFor {
		return nil, errors.New("compute backend rejected module")
	}
	if call <= c.failFirst {
		return nil, errors.New("transient compute failure")
	}
	return []byte("warmed:" + op.Module), nil
}

func (c *stubComputer) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func opIn(module string) cache.Operation {
	return cache.Operation{
		Kind:   "generate",
		Module: module,
		Input:  map[string]any{"text": "draft body"},
	}
}

func testContext() cache.RequestContext {
	return cache.RequestContext{
		SubjectProfile: map[string]any{"id": "writer-1"},
		DocumentClass:  "article",
		QualityTier:    "premium",
		SessionID:      "session-1",
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

func TestSchedulerWarmsPredictedOperations(t *testing.T) {
	store := &stubStore{}
	predictor := stubPredictor{fn: func(op cache.Operation, rctx cache.RequestContext) []Prediction {
		if op.Module != "drafting" {
			return nil
		}
		suggestions := op
		suggestions.Module = "suggestions"
		tone := op
		tone.Module = "tone"
		return []Prediction{
			{Operation: suggestions, Context: rctx},
			{Operation: tone, Context: rctx},
		}
	}}
	s, err := NewScheduler(SchedulerOptions{
		Store:     store,
		Predictor: predictor,
		Computer:  &stubComputer{},
	})
	if err != nil {
		t.Fatalf("scheduler: %v", err)
	}
	defer s.Close()

	if !s.Enqueue(opIn("drafting"), testContext(), 0.8) {
		t.Fatal("enqueue rejected")
	}

	waitFor(t, 2*time.Second, func() bool { return len(store.stored()) == 2 })
	got := store.stored()
	seen := map[string]bool{}
	for _, module := range got {
		seen[module] = true
	}
	if !seen["suggestions"] || !seen["tone"] {
		t.Fatalf("expected suggestions and tone warmed, got %v", got)
	}
}

func TestSchedulerSingleDrainUnderConcurrentEnqueues(t *testing.T) {
	store := &stubStore{}
	computer := &stubComputer{gate: make(chan struct{})}
	s, err := NewScheduler(SchedulerOptions{
		Store:         store,
		Predictor:     identityPredictor(),
		Computer:      computer,
		QueueCapacity: 100,
	})
	if err != nil {
		t.Fatalf("scheduler: %v", err)
	}
	defer s.Close()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Enqueue(opIn("drafting"), testContext(), 0.5)
		}()
	}
	wg.Wait()

	if starts := s.drainStarts.Load(); starts != 1 {
		t.Fatalf("expected exactly one drain start, got %d", starts)
	}

	close(computer.gate)
	waitFor(t, 5*time.Second, func() bool { return len(store.stored()) == 50 })

	if starts := s.drainStarts.Load(); starts != 1 {
		t.Fatalf("expected the single drain to clear the queue, got %d starts", starts)
	}
}

func TestSchedulerDrainsByPriority(t *testing.T) {
	store := &stubStore{}
	computer := &stubComputer{gate: make(chan struct{}), started: make(chan struct{})}
	s, err := NewScheduler(SchedulerOptions{
		Store:     store,
		Predictor: identityPredictor(),
		Computer:  computer,
	})
	if err != nil {
		t.Fatalf("scheduler: %v", err)
	}
	defer s.Close()

	// The first task is popped immediately; the rest queue up behind the
	// gated compute and must drain highest priority first.
	s.Enqueue(opIn("first"), testContext(), 0.1)
	<-computer.started
	s.Enqueue(opIn("low"), testContext(), 0.2)
	s.Enqueue(opIn("high"), testContext(), 0.9)
	s.Enqueue(opIn("mid"), testContext(), 0.5)

	close(computer.gate)
	waitFor(t, 2*time.Second, func() bool { return len(store.stored()) == 4 })

	got := store.stored()
	want := []string{"first", "high", "mid", "low"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected drain order %v, got %v", want, got)
		}
	}
}

func TestSchedulerRetriesTransientFailures(t *testing.T) {
	store := &stubStore{}
	computer := &stubComputer{failFirst: 2}
	s, err := NewScheduler(SchedulerOptions{
		Store:      store,
		Predictor:  identityPredictor(),
		Computer:   computer,
		MaxRetries: 3,
	})
	if err != nil {
		t.Fatalf("scheduler: %v", err)
	}
	defer s.Close()

	s.Enqueue(opIn("drafting"), testContext(), 0.5)

	waitFor(t, 5*time.Second, func() bool { return len(store.stored()) == 1 })
	if got := computer.callCount(); got != 3 {
		t.Fatalf("expected 3 compute attempts, got %d", got)
	}
}

func TestSchedulerIsolatesFailedPredictions(t *testing.T) {
	store := &stubStore{}
	computer := &stubComputer{failFor: "broken"}
	predictor := stubPredictor{fn: func(op cache.Operation, rctx cache.RequestContext) []Prediction {
		broken := op
		broken.Module = "broken"
		tone := op
		tone.Module = "tone"
		return []Prediction{
			{Operation: broken, Context: rctx},
			{Operation: tone, Context: rctx},
		}
	}}
	s, err := NewScheduler(SchedulerOptions{
		Store:     store,
		Predictor: predictor,
		Computer:  computer,
	})
	if err != nil {
		t.Fatalf("scheduler: %v", err)
	}
	defer s.Close()

	s.Enqueue(opIn("drafting"), testContext(), 0.5)
	waitFor(t, 5*time.Second, func() bool { return len(store.stored()) == 1 })
	if got := store.stored(); got[0] != "tone" {
		t.Fatalf("expected the healthy prediction to be warmed, got %v", got)
	}

	// The failed item must not wedge the queue.
	s.Enqueue(opIn("drafting"), testContext(), 0.5)
	waitFor(t, 5*time.Second, func() bool { return len(store.stored()) == 2 })
}

func TestSchedulerDropsWhenQueueFull(t *testing.T) {
	store := &stubStore{}
	computer := &stubComputer{gate: make(chan struct{}), started: make(chan struct{})}
	s, err := NewScheduler(SchedulerOptions{
		Store:         store,
		Predictor:     identityPredictor(),
		Computer:      computer,
		QueueCapacity: 1,
	})
	if err != nil {
		t.Fatalf("scheduler: %v", err)
	}
	defer s.Close()

	if !s.Enqueue(opIn("a"), testContext(), 0.5) {
		t.Fatal("first enqueue rejected")
	}
	<-computer.started

	if !s.Enqueue(opIn("b"), testContext(), 0.5) {
		t.Fatal("second enqueue should fill the queue")
	}
	if s.Enqueue(opIn("c"), testContext(), 0.5) {
		t.Fatal("third enqueue should be dropped at capacity")
	}

	close(computer.gate)
	waitFor(t, 2*time.Second, func() bool { return len(store.stored()) == 2 })
}

func TestSchedulerDisabledWithoutComputer(t *testing.T) {
	s, err := NewScheduler(SchedulerOptions{Store: &stubStore{}})
	if err != nil {
		t.Fatalf("scheduler: %v", err)
	}
	defer s.Close()

	if s.Enqueue(opIn("drafting"), testContext(), 0.5) {
		t.Fatal("disabled scheduler must reject work")
	}
	if s.Depth() != 0 {
		t.Fatalf("expected empty queue, got depth %d", s.Depth())
	}
}

func TestSchedulerRequiresStore(t *testing.T) {
	if _, err := NewScheduler(SchedulerOptions{}); err == nil {
		t.Fatal("expected error for missing store")
	}
}
