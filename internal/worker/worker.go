// Package worker implements the job execution loop shared by every job kind.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/source-ingest/internal/clock/system"
	"github.com/JakeFAU/source-ingest/internal/crawler"
	"github.com/JakeFAU/source-ingest/internal/metrics"
)

// Handler executes one job kind.
type Handler interface {
	Handle(ctx context.Context, item crawler.QueueItem) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, item crawler.QueueItem) error

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, item crawler.QueueItem) error {
	return f(ctx, item)
}

// Exhauster is implemented by handlers that need to clean up once a job has
// used its last attempt.
type Exhauster interface {
	OnExhausted(ctx context.Context, item crawler.QueueItem, err error)
}

// Config controls Worker behavior.
type Config struct {
	// MaxBackoff caps the retry delay. Zero leaves it uncapped.
	MaxBackoff time.Duration
	// JobTimeout bounds a single handler invocation. Zero disables it.
	JobTimeout time.Duration
}

// Worker consumes queue items and routes them to handlers by kind.
type Worker struct {
	queue    crawler.Queue
	handlers map[crawler.JobKind]Handler
	policy   *crawler.ExponentialRetryPolicy
	clock    crawler.Clock
	cfg      Config
	logger   *zap.Logger
}

// New constructs a Worker.
func New(
	queue crawler.Queue,
	handlers map[crawler.JobKind]Handler,
	clock crawler.Clock,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = system.New()
	}
	return &Worker{
		queue:    queue,
		handlers: handlers,
		policy:   crawler.NewExponentialRetryPolicy(cfg.MaxBackoff),
		clock:    clock,
		cfg:      cfg,
		logger:   logger,
	}
}

// Run blocks, consuming queue items until the context finishes.
func (w *Worker) Run(ctx context.Context) {
	for {
		item, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, crawler.ErrQueueClosed) {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.logger.Debug("dequeued job",
			zap.String("job_id", item.ID),
			zap.String("kind", string(item.Kind)),
			zap.Int("attempt", item.Attempt),
		)
		w.process(ctx, item)
	}
}

// Process runs a single item synchronously, applying the retry policy.
func (w *Worker) Process(ctx context.Context, item crawler.QueueItem) {
	w.process(ctx, item)
}

func (w *Worker) process(ctx context.Context, item crawler.QueueItem) {
	logger := w.logger.With(
		zap.String("job_id", item.ID),
		zap.String("kind", string(item.Kind)),
		zap.Int("attempt", item.Attempt),
	)
	handler, ok := w.handlers[item.Kind]
	if !ok {
		logger.Error("no handler registered for job kind")
		metrics.ObserveJob(string(item.Kind), "unroutable", 0)
		return
	}

	metrics.IncActiveWorkers()
	start := w.clock.Now()
	err := w.invoke(ctx, handler, item)
	elapsed := w.clock.Now().Sub(start)
	metrics.DecActiveWorkers()

	if err == nil {
		metrics.ObserveJob(string(item.Kind), "succeeded", elapsed)
		logger.Debug("job completed", zap.Duration("duration", elapsed))
		return
	}

	if w.policy.ShouldRetry(err, item) {
		delay := w.policy.Backoff(item)
		next := item
		next.Attempt++
		next.NotBefore = w.clock.Now().Add(delay)
		enqErr := w.queue.Enqueue(ctx, next)
		if enqErr == nil {
			metrics.ObserveJob(string(item.Kind), "retried", elapsed)
			metrics.ObserveJobRetry(string(item.Kind))
			logger.Warn("job failed, retry scheduled", zap.Duration("backoff", delay), zap.Error(err))
			return
		}
		logger.Error("re-enqueue failed", zap.Error(enqErr))
	}

	metrics.ObserveJob(string(item.Kind), "failed", elapsed)
	logger.Error("job failed", zap.Error(err))
	if ex, ok := handler.(Exhauster); ok {
		ex.OnExhausted(ctx, item, err)
	}
}

func (w *Worker) invoke(ctx context.Context, handler Handler, item crawler.QueueItem) (err error) {
	if w.cfg.JobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.cfg.JobTimeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler.Handle(ctx, item)
}
