// Package warming precomputes responses the caller is predicted to need
// soon. Completed operations are enqueued with a priority; a single drain
// loop asks the predictor for related operations, computes them upstream,
// and writes the results back through the tiered store.
package warming

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/scrivia/draftcache/internal/cache"
	"github.com/scrivia/draftcache/internal/metrics"
)

// warmedQualityScore is the neutral quality recorded for precomputed entries
// until a real request touches them.
const warmedQualityScore = 0.5

// Store is the slice of the tiered store the scheduler writes through.
type Store interface {
	Put(ctx context.Context, op cache.Operation, rctx cache.RequestContext, payload []byte, quality float64) (cache.PutOutcome, error)
}

type task struct {
	id       string
	op       cache.Operation
	rctx     cache.RequestContext
	priority float64
	seq      uint64
}

// taskQueue orders tasks by descending priority; equal priorities drain in
// enqueue order.
type taskQueue []*task

func (q taskQueue) Len() int { return len(q) }

func (q taskQueue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority > q[j].priority
	}
	return q[i].seq < q[j].seq
}

func (q taskQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *taskQueue) Push(x any) { *q = append(*q, x.(*task)) }

func (q *taskQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return item
}

// SchedulerOptions configures a Scheduler. Store is required; a Scheduler
// without both a Predictor and a Computer accepts no work.
type SchedulerOptions struct {
	Store     Store
	Predictor Predictor
	Computer  Computer
	Metrics   *metrics.Recorder
	Logger    *slog.Logger

	QueueCapacity  int
	ComputeTimeout time.Duration
	MaxRetries     int
}

// Scheduler holds the bounded priority queue of completed operations and the
// single-drain guard.
type Scheduler struct {
	store     Store
	predictor Predictor
	computer  Computer
	metrics   *metrics.Recorder
	logger    *slog.Logger

	capacity       int
	computeTimeout time.Duration
	maxRetries     int
	disabled       bool

	mu    sync.Mutex
	queue taskQueue
	seq   uint64

	// draining is the mutual-exclusion guard: 1 while a drain loop owns the
	// queue. Enqueues only spawn a drain when they win the 0 -> 1 swap.
	draining    atomic.Int32
	drainStarts atomic.Int64

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewScheduler validates the options and prepares an idle scheduler.
func NewScheduler(opts SchedulerOptions) (*Scheduler, error) {
	if opts.Store == nil {
		return nil, errors.New("warming: store is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	logger = logger.With(slog.String("component", "warming"))

	capacity := opts.QueueCapacity
	if capacity <= 0 {
		capacity = 256
	}
	timeout := opts.ComputeTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	retries := opts.MaxRetries
	if retries < 0 {
		retries = 0
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		store:          opts.Store,
		predictor:      opts.Predictor,
		computer:       opts.Computer,
		metrics:        opts.Metrics,
		logger:         logger,
		capacity:       capacity,
		computeTimeout: timeout,
		maxRetries:     retries,
		baseCtx:        ctx,
		cancel:         cancel,
	}
	if s.predictor == nil || s.computer == nil {
		s.disabled = true
		logger.Info("warming disabled: predictor or computer not configured")
	}
	return s, nil
}

// Enqueue registers a completed operation for warming. It never blocks:
// when the queue is at capacity the task is dropped with a log line, and the
// return value reports whether the task was accepted.
func (s *Scheduler) Enqueue(op cache.Operation, rctx cache.RequestContext, priority float64) bool {
	if s.disabled {
		return false
	}
	if priority < 0 {
		priority = 0
	}
	if priority > 1 {
		priority = 1
	}

	s.mu.Lock()
	if s.queue.Len() >= s.capacity {
		s.mu.Unlock()
		s.logger.Warn("warming queue full, dropping task",
			slog.String("module", op.Module),
			slog.String("kind", op.Kind))
		s.metrics.ObserveWarmingTask(op.Module, metrics.WarmingDropped, 0)
		return false
	}
	t := &task{
		id:       uuid.NewString(),
		op:       op,
		rctx:     rctx,
		priority: priority,
		seq:      s.seq,
	}
	s.seq++
	heap.Push(&s.queue, t)
	s.mu.Unlock()

	s.kick()
	return true
}

// Depth reports how many tasks are waiting in the queue.
func (s *Scheduler) Depth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Len()
}

// Close cancels in-flight warming work and waits for the drain loop to exit.
func (s *Scheduler) Close() {
	s.cancel()
	s.wg.Wait()
}

func (s *Scheduler) kick() {
	if s.draining.CompareAndSwap(0, 1) {
		s.drainStarts.Add(1)
		s.wg.Add(1)
		go s.drain()
	}
}

func (s *Scheduler) drain() {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		var next *task
		if s.queue.Len() > 0 {
			next = heap.Pop(&s.queue).(*task)
		}
		s.mu.Unlock()

		if next == nil {
			s.draining.Store(0)
			// An enqueue may have landed between the empty pop and the flag
			// release; reclaim the flag if so, otherwise this drain is done.
			s.mu.Lock()
			pending := s.queue.Len() > 0
			s.mu.Unlock()
			if !pending || !s.draining.CompareAndSwap(0, 1) {
				return
			}
			continue
		}
		if s.baseCtx.Err() != nil {
			s.draining.Store(0)
			return
		}
		s.process(next)
	}
}

// process warms every prediction for one drained task. Failures are isolated
// per prediction so one bad item never halts the queue.
func (s *Scheduler) process(t *task) {
	logger := s.logger.With(
		slog.String("task", t.id),
		slog.String("module", t.op.Module),
		slog.String("kind", t.op.Kind))

	predictions := s.predictor.Predict(t.op, t.rctx)
	if len(predictions) == 0 {
		logger.Debug("no related operations predicted")
		return
	}

	warmed := 0
	for _, p := range predictions {
		start := time.Now()
		if err := s.warm(p); err != nil {
			s.metrics.ObserveWarmingTask(p.Operation.Module, metrics.WarmingFailed, time.Since(start))
			logger.Error("warming prediction failed",
				slog.String("warmModule", p.Operation.Module),
				slog.Any("error", fmt.Errorf("warming: %w: %w", cache.ErrWarmingTask, err)))
			continue
		}
		warmed++
		s.metrics.ObserveWarmingTask(p.Operation.Module, metrics.WarmingCompleted, time.Since(start))
	}
	logger.Debug("warming task drained",
		slog.Int("predictions", len(predictions)),
		slog.Int("warmed", warmed))
}

// warm computes one prediction and caches the result. Transient compute
// failures retry with capped exponential backoff; invalid input is permanent.
func (s *Scheduler) warm(p Prediction) error {
	ctx, cancel := context.WithTimeout(s.baseCtx, s.computeTimeout)
	defer cancel()

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 50 * time.Millisecond
	policy.MaxInterval = time.Second
	policy.MaxElapsedTime = 0

	var payload []byte
	attempt := func() error {
		out, err := s.computer.Compute(ctx, p.Operation, p.Context)
		if err != nil {
			if errors.Is(err, cache.ErrInvalidInput) {
				return backoff.Permanent(err)
			}
			return err
		}
		payload = out
		return nil
	}
	if err := backoff.Retry(attempt, backoff.WithContext(backoff.WithMaxRetries(policy, uint64(s.maxRetries)), ctx)); err != nil {
		return fmt.Errorf("compute %s/%s: %w", p.Operation.Module, p.Operation.Kind, err)
	}

	if _, err := s.store.Put(ctx, p.Operation, p.Context, payload, warmedQualityScore); err != nil {
		return fmt.Errorf("store %s/%s: %w", p.Operation.Module, p.Operation.Kind, err)
	}
	return nil
}
