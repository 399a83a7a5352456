package scheduler

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"time"
)

// ErrQueueClosed is returned by Next once the queue is closed and drained.
var ErrQueueClosed = errors.New("work queue closed")

// PriorityWorkQueue orders pending file tasks by priority (ascending),
// then enqueue time, then a monotonic sequence so equal tasks keep
// insertion order. Enqueue and Next are safe for concurrent use; delayed
// tasks (retry backoff) surface only once their readiness time passes.
type PriorityWorkQueue struct {
	mu      sync.Mutex
	ready   readyHeap
	delayed delayHeap
	seq     uint64
	closed  bool
	notify  chan struct{}
}

// NewPriorityWorkQueue creates an empty queue.
func NewPriorityWorkQueue() *PriorityWorkQueue {
	return &PriorityWorkQueue{notify: make(chan struct{}, 1)}
}

// Enqueue adds a task ready for immediate dispatch.
func (q *PriorityWorkQueue) Enqueue(t *Task) error {
	return q.EnqueueAfter(t, 0)
}

// EnqueueAfter adds a task that becomes ready after delay. Re-enqueued
// retries keep their original sequence and enqueue time, so the stable
// ordering holds across attempts.
func (q *PriorityWorkQueue) EnqueueAfter(t *Task, delay time.Duration) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	if t.seq == 0 {
		q.seq++
		t.seq = q.seq
	}
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = time.Now()
	}
	if delay > 0 {
		t.readyAt = time.Now().Add(delay)
		heap.Push(&q.delayed, t)
	} else {
		t.readyAt = time.Time{}
		heap.Push(&q.ready, t)
	}
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

// Next blocks until a task is ready, the context is cancelled, or the
// queue is closed and empty.
func (q *PriorityWorkQueue) Next(ctx context.Context) (*Task, error) {
	for {
		q.mu.Lock()
		q.promote(time.Now())
		if q.ready.Len() > 0 {
			t := heap.Pop(&q.ready).(*Task)
			q.mu.Unlock()
			return t, nil
		}
		if q.closed && q.delayed.Len() == 0 {
			q.mu.Unlock()
			return nil, ErrQueueClosed
		}
		wait := time.Hour
		if q.delayed.Len() > 0 {
			if wait = time.Until(q.delayed[0].readyAt); wait < time.Millisecond {
				wait = time.Millisecond
			}
		}
		q.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-q.notify:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// Len reports how many tasks are queued, including delayed ones.
func (q *PriorityWorkQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ready.Len() + q.delayed.Len()
}

// Close rejects further enqueues; Next drains what remains.
func (q *PriorityWorkQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// promote moves matured delayed tasks into the ready heap. Caller holds mu.
func (q *PriorityWorkQueue) promote(now time.Time) {
	for q.delayed.Len() > 0 && !q.delayed[0].readyAt.After(now) {
		heap.Push(&q.ready, heap.Pop(&q.delayed).(*Task))
	}
}

// readyHeap orders dispatchable tasks.
type readyHeap []*Task

func (h readyHeap) Len() int { return len(h) }

func (h readyHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority < h[j].Priority
	}
	if !h[i].EnqueuedAt.Equal(h[j].EnqueuedAt) {
		return h[i].EnqueuedAt.Before(h[j].EnqueuedAt)
	}
	return h[i].seq < h[j].seq
}

func (h readyHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *readyHeap) Push(x any) {
	t := x.(*Task)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *readyHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}

// delayHeap orders tasks waiting out a retry backoff.
type delayHeap []*Task

func (h delayHeap) Len() int { return len(h) }

func (h delayHeap) Less(i, j int) bool { return h[i].readyAt.Before(h[j].readyAt) }

func (h delayHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *delayHeap) Push(x any) {
	t := x.(*Task)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *delayHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}
