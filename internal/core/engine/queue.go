package engine

import (
	"sync"
	"time"
)

// QueueConfig tunes backpressure queueing.
type QueueConfig struct {
	// MaxSize bounds the queue; 0 disables queueing entirely, making
	// saturation fail fast instead of waiting.
	MaxSize int
	// RequestDeadline is how long a queued request may wait before it is
	// rejected with a queue timeout.
	RequestDeadline time.Duration
}

// waiter is one queued request. Its ready channel is closed when an
// in-flight slot frees up and it is this waiter's turn.
type waiter struct {
	ready    chan struct{}
	deadline time.Time
}

// requestQueue is a bounded FIFO of callers waiting for endpoint capacity.
// It is the only cross-endpoint shared mutable state besides the global
// in-flight counter, and all access goes through its mutex.
type requestQueue struct {
	mu      sync.Mutex
	maxSize int
	waiters []*waiter
}

func newRequestQueue(maxSize int) *requestQueue {
	return &requestQueue{maxSize: maxSize}
}

// push enqueues a waiter with the given deadline. Returns nil when the
// queue is full or disabled.
func (q *requestQueue) push(deadline time.Time) *waiter {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.waiters) >= q.maxSize {
		return nil
	}
	w := &waiter{ready: make(chan struct{}), deadline: deadline}
	q.waiters = append(q.waiters, w)
	return w
}

// remove drops a waiter that gave up (deadline or context). Reports
// whether the waiter was still queued; false means wakeNext already
// popped it, and the abandoning caller must forward that wakeup or the
// freed capacity goes unannounced.
func (q *requestQueue) remove(w *waiter) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, cand := range q.waiters {
		if cand == w {
			q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
			return true
		}
	}
	return false
}

// wakeNext signals the oldest still-valid waiter that capacity may be
// available. Entries past their deadline are dropped on the way; their
// owners observe the timeout through their own timers.
func (q *requestQueue) wakeNext(now time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.waiters) > 0 {
		w := q.waiters[0]
		q.waiters = q.waiters[1:]
		if now.After(w.deadline) {
			continue
		}
		close(w.ready)
		return
	}
}

func (q *requestQueue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.waiters)
}
