package health

import "time"

// OrchestrationEvent records one upstream service call made on behalf of a
// writer request, successful or not.
type OrchestrationEvent struct {
	Service   string        `json:"service"`
	Operation string        `json:"operation"`
	Duration  time.Duration `json:"duration"`
	Success   bool          `json:"success"`
	At        time.Time     `json:"at"`
}

// CacheEvent records one cache lookup. Tier names the tier that served a hit
// and is empty on a miss.
type CacheEvent struct {
	Module   string        `json:"module"`
	Tier     string        `json:"tier"`
	Hit      bool          `json:"hit"`
	Duration time.Duration `json:"duration"`
	At       time.Time     `json:"at"`
}

// ErrorEvent records a reported failure together with whatever context the
// caller had on hand.
type ErrorEvent struct {
	Service string         `json:"service"`
	Message string         `json:"message"`
	Context map[string]any `json:"context,omitempty"`
	At      time.Time      `json:"at"`
}

// ring is a fixed-capacity buffer that overwrites the oldest element once
// full. Not safe for concurrent use; the monitor serializes access.
type ring[T any] struct {
	buf  []T
	next int
	full bool
}

func newRing[T any](capacity int) *ring[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &ring[T]{buf: make([]T, capacity)}
}

func (r *ring[T]) append(v T) {
	r.buf[r.next] = v
	r.next++
	if r.next == len(r.buf) {
		r.next = 0
		r.full = true
	}
}

// items returns the buffered elements oldest first.
func (r *ring[T]) items() []T {
	if !r.full {
		out := make([]T, r.next)
		copy(out, r.buf[:r.next])
		return out
	}
	out := make([]T, 0, len(r.buf))
	out = append(out, r.buf[r.next:]...)
	out = append(out, r.buf[:r.next]...)
	return out
}

func (r *ring[T]) size() int {
	if r.full {
		return len(r.buf)
	}
	return r.next
}
