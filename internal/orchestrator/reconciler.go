package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/flitsinc/agentruns/internal/eventbus"
	"github.com/flitsinc/agentruns/internal/logger"
	"github.com/flitsinc/agentruns/internal/metrics"
	"github.com/flitsinc/agentruns/internal/runs"
)

// Reconciler repairs runs that the normal path left behind: pending runs
// whose dispatch failed or was lost are dispatched again, and running runs
// that stopped making progress are failed.
type Reconciler struct {
	runs      *runs.Store
	scheduler *Scheduler
	bus       *eventbus.Bus
	metrics   *metrics.Metrics
	log       *slog.Logger
	nowFn     func() time.Time

	staleAfter      time.Duration
	redispatchAfter time.Duration
	eventRetention  time.Duration
	batch           int
}

type ReconcilerConfig struct {
	Runs      *runs.Store
	Scheduler *Scheduler
	Bus       *eventbus.Bus
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
	Clock     func() time.Time

	StaleAfter      time.Duration
	RedispatchAfter time.Duration
	// EventRetention is how long bus signals are kept. Zero keeps them.
	EventRetention time.Duration
}

type Report struct {
	Redispatched int
	Failed       int
	Pruned       int64
}

func NewReconciler(cfg ReconcilerConfig) *Reconciler {
	r := &Reconciler{
		runs:            cfg.Runs,
		scheduler:       cfg.Scheduler,
		bus:             cfg.Bus,
		metrics:         cfg.Metrics,
		log:             logger.OrDiscard(cfg.Logger),
		nowFn:           cfg.Clock,
		staleAfter:      cfg.StaleAfter,
		redispatchAfter: cfg.RedispatchAfter,
		eventRetention:  cfg.EventRetention,
		batch:           100,
	}
	if r.nowFn == nil {
		r.nowFn = func() time.Time { return time.Now().UTC() }
	}
	if r.staleAfter <= 0 {
		r.staleAfter = 10 * time.Minute
	}
	if r.redispatchAfter <= 0 {
		r.redispatchAfter = 30 * time.Second
	}
	return r
}

// Sweep performs one reconciliation pass. Per-run failures are collected
// and returned together; they do not stop the pass. Without a scheduler
// pending runs are left alone.
func (r *Reconciler) Sweep(ctx context.Context) (Report, error) {
	var report Report
	var result *multierror.Error
	var err error
	now := r.nowFn()

	var pending []runs.Run
	if r.scheduler != nil {
		pending, err = r.runs.List(ctx, runs.ListFilter{Status: runs.StatusPending, UpdatedBefore: now.Add(-r.redispatchAfter), Limit: r.batch})
		if err != nil {
			result = multierror.Append(result, err)
		}
	}
	for _, run := range pending {
		if err := r.scheduler.Dispatch(ctx, run); err != nil {
			result = multierror.Append(result, err)
			continue
		}
		report.Redispatched++
		r.log.Info("run redispatched", "run_id", run.ID, "pending_since", run.CreatedAt)
	}

	stale, err := r.runs.List(ctx, runs.ListFilter{Status: runs.StatusRunning, UpdatedBefore: now.Add(-r.staleAfter), Limit: r.batch})
	if err != nil {
		result = multierror.Append(result, err)
	}
	for _, run := range stale {
		msg := fmt.Sprintf("run abandoned: no progress since %s", run.UpdatedAt.Format(time.RFC3339))
		if _, err := r.runs.Fail(ctx, run.ID, msg); err != nil {
			result = multierror.Append(result, fmt.Errorf("fail stale run %s: %w", run.ID, err))
			continue
		}
		report.Failed++
		r.log.Warn("stale run failed", "run_id", run.ID, "updated_at", run.UpdatedAt)
	}

	if r.bus != nil && r.eventRetention > 0 {
		pruned, err := r.bus.Prune(ctx, now.Add(-r.eventRetention))
		if err != nil {
			result = multierror.Append(result, err)
		}
		report.Pruned = pruned
	}

	r.metrics.Reconciled("redispatched", report.Redispatched)
	r.metrics.Reconciled("failed", report.Failed)
	return report, result.ErrorOrNil()
}

// Run sweeps every interval until ctx is done.
func (r *Reconciler) Run(ctx context.Context, every time.Duration) error {
	if every <= 0 {
		every = 15 * time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		report, err := r.Sweep(ctx)
		if err != nil {
			r.log.Error("reconcile sweep failed", "error", err)
		}
		if report.Redispatched > 0 || report.Failed > 0 {
			r.log.Info("reconcile sweep", "redispatched", report.Redispatched, "failed", report.Failed, "pruned", report.Pruned)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
