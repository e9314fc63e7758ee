// Package worker implements the bounded worker pool that drains the
// admission queue, plus the startup recovery loader.
package worker

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hookline/hookline/internal/metrics"
	"github.com/hookline/hookline/internal/model"
	"github.com/hookline/hookline/internal/queue"
	"github.com/hookline/hookline/internal/storage"
)

// Handler executes the processing action for one event. A nil return is
// success; any error is a transient failure recorded via the retry policy.
type Handler func(ctx context.Context, ev model.Event) error

// SimulatedHandler returns the default processing action: a delay uniformly
// distributed in [min, max]. It stands in for real downstream delivery.
func SimulatedHandler(min, max time.Duration) Handler {
	return func(ctx context.Context, ev model.Event) error {
		d := min + rand.N(max-min) //nolint:gosec // simulation jitter
		select {
		case <-time.After(d):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Config holds the dependencies and retry policy for a Pool.
type Config struct {
	Store   *storage.DB
	Queue   queue.EventQueue
	Metrics *metrics.Metrics
	Logger  *slog.Logger
	Handler Handler // nil = SimulatedHandler(2s, 5s)

	Count          int
	MaxAttempts    int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
}

// Pool runs a fixed number of workers over the admission queue. Workers
// never die from processing errors; failures are absorbed into the event's
// retry state.
type Pool struct {
	store   *storage.DB
	queue   queue.EventQueue
	metrics *metrics.Metrics
	logger  *slog.Logger
	handler Handler

	count          int
	maxAttempts    int
	retryBaseDelay time.Duration
	retryMaxDelay  time.Duration

	retryWG sync.WaitGroup
}

// NewPool creates a worker pool.
func NewPool(cfg Config) *Pool {
	h := cfg.Handler
	if h == nil {
		h = SimulatedHandler(2*time.Second, 5*time.Second)
	}
	return &Pool{
		store:          cfg.Store,
		queue:          cfg.Queue,
		metrics:        cfg.Metrics,
		logger:         cfg.Logger,
		handler:        h,
		count:          cfg.Count,
		maxAttempts:    cfg.MaxAttempts,
		retryBaseDelay: cfg.RetryBaseDelay,
		retryMaxDelay:  cfg.RetryMaxDelay,
	}
}

// Run starts the workers and blocks until ctx is cancelled and every
// in-flight event has committed its state transition. Pending retry timers
// are dropped on shutdown; their rows stay pending with an elapsed
// retry_after and are re-enqueued by the next startup recovery.
func (p *Pool) Run(ctx context.Context) error {
	g := new(errgroup.Group)
	for i := range p.count {
		g.Go(func() error {
			p.loop(ctx, i)
			return nil
		})
	}
	err := g.Wait()
	p.retryWG.Wait()
	return err
}

func (p *Pool) loop(ctx context.Context, worker int) {
	for {
		id, err := p.queue.Get(ctx)
		if err != nil {
			p.logger.Debug("worker stopping", "worker", worker)
			return
		}
		p.metrics.QueueDepth.Set(float64(p.queue.Len()))
		p.processEvent(ctx, id)
	}
}

// processEvent runs one attempt for the event. All state transitions use a
// context detached from shutdown cancellation: once an attempt starts it
// runs to its commit point, so graceful shutdown never strands a row in
// processing.
func (p *Pool) processEvent(ctx context.Context, id string) {
	runCtx := context.WithoutCancel(ctx)

	p.logger.Info("processing event", "event_id", id)
	if err := p.store.MarkProcessing(runCtx, id); err != nil {
		p.logger.Error("mark processing failed", "event_id", id, "error", err)
		return
	}

	ev, ok, err := p.store.GetByID(runCtx, id)
	if err != nil || !ok {
		p.logger.Error("event read failed", "event_id", id, "found", ok, "error", err)
		return
	}

	start := time.Now()
	defer func() {
		p.metrics.ProcessingDuration.Observe(time.Since(start).Seconds())
	}()

	if err := p.handler(runCtx, ev); err != nil {
		p.metrics.ProcessingErrors.Inc()
		p.handleFailure(ctx, runCtx, id, err)
		return
	}

	if err := p.store.MarkCompleted(runCtx, id); err != nil {
		p.logger.Error("mark completed failed", "event_id", id, "error", err)
		return
	}
	p.logger.Info("completed event", "event_id", id)
}

func (p *Pool) handleFailure(ctx, runCtx context.Context, id string, procErr error) {
	if err := p.store.MarkFailed(runCtx, id, procErr.Error(), p.maxAttempts, p.retryBaseDelay, p.retryMaxDelay); err != nil {
		p.logger.Error("mark failed failed", "event_id", id, "error", err)
		return
	}

	ev, ok, err := p.store.GetByID(runCtx, id)
	if err != nil || !ok {
		p.logger.Error("event read after failure failed", "event_id", id, "found", ok, "error", err)
		return
	}

	if ev.Status == model.StatusFailed {
		p.logger.Error("dead-letter event", "event_id", id, "attempts", ev.Attempts, "error", procErr.Error())
		return
	}

	p.logger.Info("retry scheduled", "event_id", id, "attempts", ev.Attempts, "retry_after", ev.RetryAfter)
	if ev.RetryAfter != nil {
		p.scheduleRetry(ctx, id, *ev.RetryAfter)
	}
}

// scheduleRetry re-enqueues the event once retry_after elapses. The timer is
// bound to the pool's lifetime: cancellation drops it and defers the retry
// to the next restart's recovery load.
func (p *Pool) scheduleRetry(ctx context.Context, id string, at time.Time) {
	p.retryWG.Add(1)
	go func() {
		defer p.retryWG.Done()
		timer := time.NewTimer(time.Until(at))
		defer timer.Stop()
		select {
		case <-ctx.Done():
		case <-timer.C:
			p.queue.Put(id)
			p.metrics.QueueDepth.Set(float64(p.queue.Len()))
		}
	}()
}
