package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/flitsinc/agentruns/internal/api"
	"github.com/flitsinc/agentruns/internal/dispatch"
	"github.com/flitsinc/agentruns/internal/gateway"
)

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, cfg.Queue)
	if err != nil {
		return err
	}
	defer a.close()

	scheduler := a.scheduler()
	server := &api.Server{
		Sessions:       a.sessions,
		Scheduler:      scheduler,
		Gateway:        gateway.New(a.sessions, a.runs),
		Registry:       a.registry,
		Bus:            a.bus,
		Metrics:        a.metrics,
		Logger:         a.log,
		Limiter:        api.NewOwnerLimiter(cfg.SubmitRate, cfg.SubmitBurst),
		OriginPatterns: cfg.WSOrigins,
		QueueDepth:     a.depth,
		StartedAt:      time.Now().UTC(),
		Info: api.DiagnosticsInfo{
			HTTPAddr:     cfg.HTTPAddr,
			DBPath:       a.dbPath(),
			Queue:        cfg.Queue,
			Workers:      cfg.Workers,
			DefaultAgent: a.registry.DefaultKey(),
			LLMModel:     llmModel(cfg.OpenAIAPIKey, cfg.OpenAIModel),
		},
	}

	listener, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		return err
	}
	httpServer := &http.Server{
		Handler:           server.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.log.Info("agentd listening", "addr", listener.Addr().String())
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		// With a Redis queue, standalone workers may share the load.
		return dispatch.NewPool(a.queue, a.executor().Execute, cfg.Workers, a.log).Run(gctx)
	})
	g.Go(func() error {
		return a.reconciler(scheduler).Run(gctx, cfg.ReconcileEvery)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			a.log.Warn("server shutdown", "error", err)
		}
		return nil
	})

	err = g.Wait()
	a.log.Info("agentd stopped")
	return err
}

func runWorker(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Queue != "redis" {
		return errors.New("worker needs AGENTRUNS_QUEUE=redis; the memory queue only serves in-process workers")
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, cfg.Queue)
	if err != nil {
		return err
	}
	defer a.close()

	a.log.Info("worker started", "workers", cfg.Workers, "queue", cfg.RedisQueueKey)
	return dispatch.NewPool(a.queue, a.executor().Execute, cfg.Workers, a.log).Run(ctx)
}

func runReconcile(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	a, err := newApp(ctx, cfg, cfg.Queue)
	if err != nil {
		return err
	}
	defer a.close()

	scheduler := a.scheduler()
	if cfg.Queue == "memory" {
		// Nothing would drain a fresh in-process queue; only fail stale runs.
		scheduler = nil
	}
	report, err := a.reconciler(scheduler).Sweep(ctx)
	a.log.Info("reconcile sweep", "redispatched", report.Redispatched, "failed", report.Failed, "pruned", report.Pruned)
	return err
}

func llmModel(apiKey, model string) string {
	if apiKey == "" {
		return ""
	}
	return model
}
