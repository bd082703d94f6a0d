// Package dispatcher runs the worker pool over the job queue and is the
// single Enqueuer handed to every component that schedules work.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/JakeFAU/source-ingest/internal/crawler"
	"github.com/JakeFAU/source-ingest/internal/worker"
)

// ErrInvalidItem rejects queue items that no worker could route.
var ErrInvalidItem = errors.New("queue item needs an id, queue and kind")

// Dispatcher owns the workers that drain the queue.
type Dispatcher struct {
	queue   crawler.Queue
	workers []*worker.Worker
}

// New creates a Dispatcher over existing workers.
func New(queue crawler.Queue, workers []*worker.Worker) *Dispatcher {
	return &Dispatcher{queue: queue, workers: workers}
}

// NewPool creates a Dispatcher with n workers from build, at least one.
func NewPool(queue crawler.Queue, n int, build func() *worker.Worker) *Dispatcher {
	n = max(n, 1)
	workers := make([]*worker.Worker, n)
	for i := range workers {
		workers[i] = build()
	}
	return New(queue, workers)
}

// Run blocks until ctx is done and every worker has returned.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Go(func() { w.Run(ctx) })
	}
	wg.Wait()
}

// Enqueue validates item and hands it to the queue.
func (d *Dispatcher) Enqueue(ctx context.Context, item crawler.QueueItem) error {
	if item.ID == "" || item.Queue == "" || item.Kind == "" {
		return fmt.Errorf("enqueue %q: %w", item.ID, ErrInvalidItem)
	}
	if err := d.queue.Enqueue(ctx, item); err != nil {
		return fmt.Errorf("enqueue %s job %s: %w", item.Kind, item.ID, err)
	}
	return nil
}
