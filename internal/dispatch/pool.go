package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/flitsinc/agentruns/internal/logger"
)

// Handler executes one dispatched run.
type Handler func(ctx context.Context, runID string) error

// Pool runs a fixed number of workers pulling from a Source. The worker
// count is the limit on concurrently executing runs.
type Pool struct {
	source  Source
	handler Handler
	workers int
	log     *slog.Logger
	backoff time.Duration
}

func NewPool(source Source, handler Handler, workers int, log *slog.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	return &Pool{
		source:  source,
		handler: handler,
		workers: workers,
		log:     logger.OrDiscard(log),
		backoff: 500 * time.Millisecond,
	}
}

// Run blocks until ctx is cancelled or the source is closed. Handler errors
// are logged and do not stop the pool.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.workers; i++ {
		worker := i
		g.Go(func() error {
			return p.work(ctx, worker)
		})
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrQueueClosed) {
		return nil
	}
	return err
}

func (p *Pool) work(ctx context.Context, worker int) error {
	for {
		runID, err := p.source.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, ErrQueueClosed) {
				return err
			}
			p.log.Warn("dispatch receive failed", "worker", worker, "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.backoff):
			}
			continue
		}
		if err := p.handler(ctx, runID); err != nil {
			p.log.Error("run handler failed", "worker", worker, "run_id", runID, "error", err)
		}
	}
}
