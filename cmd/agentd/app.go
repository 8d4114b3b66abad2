package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/flitsinc/agentruns/internal/agents"
	"github.com/flitsinc/agentruns/internal/agents/flights"
	"github.com/flitsinc/agentruns/internal/agents/openaiagent"
	"github.com/flitsinc/agentruns/internal/config"
	"github.com/flitsinc/agentruns/internal/conversation"
	"github.com/flitsinc/agentruns/internal/dispatch"
	"github.com/flitsinc/agentruns/internal/eventbus"
	"github.com/flitsinc/agentruns/internal/logger"
	"github.com/flitsinc/agentruns/internal/metrics"
	"github.com/flitsinc/agentruns/internal/orchestrator"
	"github.com/flitsinc/agentruns/internal/runs"
	"github.com/flitsinc/agentruns/internal/state"
)

// app holds the components shared by every subcommand.
type app struct {
	cfg      config.Config
	log      *slog.Logger
	db       *sql.DB
	bus      *eventbus.Bus
	sessions *conversation.Store
	runs     *runs.Store
	registry *agents.Registry
	invoker  agents.Invoker
	metrics  *metrics.Metrics
	queue    dispatch.Queue
	depth    func() (int64, error)

	closers []func() error
}

func newApp(ctx context.Context, cfg config.Config, wantQueue string) (*app, error) {
	log, closeLog, err := logger.Init(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, log: log, closers: []func() error{closeLog}}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		a.close()
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	db, err := state.Open(cfg.DBPath)
	if err != nil {
		a.close()
		return nil, err
	}
	a.db = db
	a.closers = append(a.closers, db.Close)

	a.bus = eventbus.NewBus(db)
	a.sessions = conversation.NewStore(db, a.bus, conversation.WithLogger(log))
	a.sessions.OnSessionCreated(func(_ context.Context, s conversation.Session) {
		log.Info("session created", "session_id", s.ID, "owner_id", s.OwnerID)
	})
	a.runs = runs.NewStore(db, a.bus)
	a.metrics = metrics.New()

	if err := a.loadAgents(); err != nil {
		a.close()
		return nil, err
	}
	if wantQueue != "" {
		if err := a.openQueue(ctx, wantQueue); err != nil {
			a.close()
			return nil, err
		}
	}
	return a, nil
}

func (a *app) loadAgents() error {
	var specs []config.AgentSpec
	if a.cfg.AgentsFile != "" {
		loaded, err := config.LoadAgents(a.cfg.AgentsFile)
		if err != nil {
			return err
		}
		specs = loaded
	}

	var invoker agents.Invoker
	if a.cfg.OpenAIAPIKey != "" {
		oi, err := openaiagent.New(openaiagent.Config{
			APIKey:  a.cfg.OpenAIAPIKey,
			BaseURL: a.cfg.OpenAIBaseURL,
			Model:   a.cfg.OpenAIModel,
		}, a.log)
		if err != nil {
			return err
		}
		invoker = oi
	} else {
		a.log.Warn("no OpenAI API key configured; agents use the scripted demo invoker")
	}

	registry, err := agents.BuildRegistry(a.cfg.DefaultAgent, a.cfg.MaxTurns, flights.Toolbox(), invoker, specs, flights.Demo(invoker, a.cfg.MaxTurns))
	if err != nil {
		return fmt.Errorf("build agent registry: %w", err)
	}
	a.registry = registry
	a.invoker = invoker
	if a.invoker == nil {
		a.invoker = flights.NewScripted()
	}
	a.log.Info("agents loaded", "agents", registry.Keys(), "default", registry.DefaultKey())
	return nil
}

func (a *app) openQueue(ctx context.Context, kind string) error {
	switch kind {
	case "memory":
		q := dispatch.NewMemoryQueue(256)
		a.queue = q
		a.depth = func() (int64, error) { return int64(q.Len()), nil }
	case "redis":
		q, err := dispatch.DialRedisQueue(ctx, a.cfg.RedisURL, a.cfg.RedisQueueKey)
		if err != nil {
			return err
		}
		a.queue = q
		a.depth = func() (int64, error) { return q.Len(context.Background()) }
		a.log.Info("redis queue connected", "key", a.cfg.RedisQueueKey)
	default:
		return fmt.Errorf("unknown queue %q", kind)
	}
	a.closers = append(a.closers, a.queue.Close)
	return nil
}

func (a *app) scheduler() *orchestrator.Scheduler {
	return orchestrator.NewScheduler(orchestrator.SchedulerConfig{
		Sessions:   a.sessions,
		Runs:       a.runs,
		Registry:   a.registry,
		Dispatcher: a.queue,
		Metrics:    a.metrics,
		Logger:     a.log,
	})
}

func (a *app) executor() *orchestrator.Executor {
	return orchestrator.NewExecutor(orchestrator.ExecutorConfig{
		Sessions: a.sessions,
		Runs:     a.runs,
		Registry: a.registry,
		Invoker:  a.invoker,
		Metrics:  a.metrics,
		Logger:   a.log,
	})
}

func (a *app) reconciler(s *orchestrator.Scheduler) *orchestrator.Reconciler {
	return orchestrator.NewReconciler(orchestrator.ReconcilerConfig{
		Runs:            a.runs,
		Scheduler:       s,
		Bus:             a.bus,
		Metrics:         a.metrics,
		Logger:          a.log,
		StaleAfter:      a.cfg.StaleRunAfter,
		RedispatchAfter: a.cfg.RedispatchAfter,
		EventRetention:  a.cfg.EventRetention,
	})
}

func (a *app) dbPath() string {
	abs, err := filepath.Abs(a.cfg.DBPath)
	if err != nil {
		return a.cfg.DBPath
	}
	return abs
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.Warn("close", "error", err)
		}
	}
}
