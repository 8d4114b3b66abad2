package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/flitsinc/agentruns/internal/agentcontext"
	"github.com/flitsinc/agentruns/internal/agents"
	"github.com/flitsinc/agentruns/internal/conversation"
	"github.com/flitsinc/agentruns/internal/event"
	"github.com/flitsinc/agentruns/internal/logger"
	"github.com/flitsinc/agentruns/internal/metrics"
	"github.com/flitsinc/agentruns/internal/runs"
)

// finalizeTimeout bounds the terminal status write, which runs on a context
// detached from the run's own cancellation.
const finalizeTimeout = 10 * time.Second

type Executor struct {
	sessions *conversation.Store
	runs     *runs.Store
	registry *agents.Registry
	invoker  agents.Invoker
	metrics  *metrics.Metrics
	log      *slog.Logger
	nowFn    func() time.Time
}

type ExecutorConfig struct {
	Sessions *conversation.Store
	Runs     *runs.Store
	Registry *agents.Registry
	// Invoker is used for agent definitions that do not carry their own.
	Invoker agents.Invoker
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

func NewExecutor(cfg ExecutorConfig) *Executor {
	return &Executor{
		sessions: cfg.Sessions,
		runs:     cfg.Runs,
		registry: cfg.Registry,
		invoker:  cfg.Invoker,
		metrics:  cfg.Metrics,
		log:      logger.OrDiscard(cfg.Logger),
		nowFn:    time.Now,
	}
}

// Execute drives one run to a terminal status. Runs that are not pending
// are skipped, so duplicate deliveries of the same id are harmless.
func (e *Executor) Execute(ctx context.Context, runID string) (err error) {
	run, err := e.runs.Get(ctx, runID)
	if err != nil {
		return fmt.Errorf("load run %s: %w", runID, err)
	}
	if run.Status != runs.StatusPending {
		e.log.Debug("skipping run", "run_id", runID, "status", run.Status)
		return nil
	}
	run, err = e.runs.MarkRunning(ctx, runID)
	if errors.Is(err, runs.ErrInvalidStatusTransition) {
		e.log.Debug("run claimed elsewhere", "run_id", runID)
		return nil
	}
	if err != nil {
		return err
	}

	log := e.log.With("run_id", run.ID, "session_id", run.SessionID, "agent_key", run.AgentKey)
	log.Info("run started")
	e.metrics.RunStarted()
	start := e.nowFn()

	defer func() {
		if r := recover(); r != nil {
			log.Error("run panicked", "panic", r, "stack", string(debug.Stack()))
			err = e.finish(ctx, log, run, start, nil, fmt.Errorf("executor panic: %v", r))
		}
	}()

	ctx = agentcontext.WithRunID(ctx, run.ID)
	ctx = agentcontext.WithOwnerID(ctx, run.OwnerID)
	output, runErr := e.drive(ctx, log, run)
	return e.finish(ctx, log, run, start, output, runErr)
}

func (e *Executor) drive(ctx context.Context, log *slog.Logger, run runs.Run) (json.RawMessage, error) {
	session, err := e.sessions.GetByID(ctx, run.SessionID)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	items, err := e.sessions.List(ctx, session.ID)
	if err != nil {
		return nil, fmt.Errorf("load conversation: %w", err)
	}
	history := make([]event.Event, 0, len(items))
	for _, item := range items {
		history = append(history, event.Decode(item.Payload))
	}

	def, err := e.registry.Resolve(run.AgentKey)
	if err != nil {
		return nil, err
	}
	invoker := def.Invoker
	if invoker == nil {
		invoker = e.invoker
	}
	if invoker == nil {
		return nil, fmt.Errorf("no invoker configured for agent %s", run.AgentKey)
	}

	emit := func(ctx context.Context, evt event.Event) error {
		item, err := e.sessions.Append(ctx, session.ID, evt)
		if err != nil {
			return fmt.Errorf("append %s item: %w", evt.Type, err)
		}
		e.metrics.ItemAppended()
		log.Debug("item appended", "sequence", item.Sequence, "type", evt.Type)
		if err := e.runs.Touch(ctx, run.ID); err != nil {
			log.Warn("touch run failed", "error", err)
		}
		return nil
	}

	result, err := invoker.Invoke(ctx, agents.Request{RunID: run.ID, Definition: def, History: history}, emit)
	if err != nil {
		return nil, err
	}
	output, err := json.Marshal(result.FinalOutput)
	if err != nil {
		return nil, fmt.Errorf("encode final output: %w", err)
	}
	return output, nil
}

func (e *Executor) finish(ctx context.Context, log *slog.Logger, run runs.Run, start time.Time, output json.RawMessage, runErr error) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()

	status := runs.StatusCompleted
	var err error
	if runErr != nil {
		status = runs.StatusFailed
		_, err = e.runs.Fail(ctx, run.ID, failureMessage(runErr))
	} else {
		_, err = e.runs.Complete(ctx, run.ID, output)
	}
	e.metrics.RunFinished(run.AgentKey, string(status), e.nowFn().Sub(start))
	if err != nil {
		log.Error("record run outcome failed", "status", status, "error", err)
		return err
	}
	if runErr != nil {
		log.Warn("run failed", "error", runErr)
	} else {
		log.Info("run completed", "elapsed", e.nowFn().Sub(start))
	}
	return nil
}

func failureMessage(err error) string {
	switch {
	case errors.Is(err, context.Canceled):
		return "run cancelled: " + err.Error()
	case errors.Is(err, context.DeadlineExceeded):
		return "run timed out: " + err.Error()
	case errors.Is(err, conversation.ErrSessionNotFound):
		return "session no longer exists"
	default:
		return err.Error()
	}
}
