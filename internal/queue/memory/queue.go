// Package memory provides queue implementations for local development.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/source-ingest/internal/crawler"
)

// ErrClosed is returned once the queue has been shut down.
var ErrClosed = crawler.ErrQueueClosed

// Queue is an in-memory queue with context-aware operations. Ready items sit
// in a buffered channel; once it is full they wait in an overflow list, so a
// handler fanning out more jobs than the buffer holds never blocks the only
// worker that could drain it. Items with a future NotBefore are held on a
// timer and released when due.
type Queue struct {
	ch       chan crawler.QueueItem
	done     chan struct{}
	mu       sync.Mutex
	closed   bool
	overflow []crawler.QueueItem
	timers   map[*time.Timer]struct{}
	now      func() time.Time
}

// NewQueue constructs a new queue whose ready buffer holds capacity items.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{
		ch:     make(chan crawler.QueueItem, capacity),
		done:   make(chan struct{}),
		timers: make(map[*time.Timer]struct{}),
		now:    time.Now,
	}
}

// Enqueue pushes a job into the queue. It never blocks on a full buffer.
func (q *Queue) Enqueue(ctx context.Context, item crawler.QueueItem) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("enqueue canceled: %w", err)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	if delay := item.NotBefore.Sub(q.now()); !item.NotBefore.IsZero() && delay > 0 {
		q.schedule(item, delay)
		return nil
	}
	q.push(item)
	return nil
}

// push must be called with q.mu held. Items only bypass the overflow list
// when it is empty, which keeps delivery FIFO.
func (q *Queue) push(item crawler.QueueItem) {
	if len(q.overflow) == 0 {
		select {
		case q.ch <- item:
			return
		default:
		}
	}
	q.overflow = append(q.overflow, item)
}

// refill moves overflow items into the freed buffer slots.
func (q *Queue) refill() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.overflow) > 0 {
		select {
		case q.ch <- q.overflow[0]:
			q.overflow[0] = crawler.QueueItem{}
			q.overflow = q.overflow[1:]
		default:
			return
		}
	}
}

// schedule must be called with q.mu held.
func (q *Queue) schedule(item crawler.QueueItem, delay time.Duration) {
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		delete(q.timers, timer)
		if !q.closed {
			q.push(item)
		}
	})
	q.timers[timer] = struct{}{}
}

// Dequeue pops the next job, respecting context cancellation.
func (q *Queue) Dequeue(ctx context.Context) (crawler.QueueItem, error) {
	select {
	case <-ctx.Done():
		return crawler.QueueItem{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case <-q.done:
		return crawler.QueueItem{}, ErrClosed
	case item := <-q.ch:
		q.refill()
		return item, nil
	}
}

// Pending reports the number of ready plus delayed items.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ch) + len(q.overflow) + len(q.timers)
}

// Close stops delivery and drops delayed items.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	for t := range q.timers {
		t.Stop()
	}
	q.timers = map[*time.Timer]struct{}{}
	q.overflow = nil
	close(q.done)
}
