package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/flitsinc/agentruns/internal/agents"
	"github.com/flitsinc/agentruns/internal/conversation"
	"github.com/flitsinc/agentruns/internal/dispatch"
	"github.com/flitsinc/agentruns/internal/event"
	"github.com/flitsinc/agentruns/internal/logger"
	"github.com/flitsinc/agentruns/internal/metrics"
	"github.com/flitsinc/agentruns/internal/runs"
)

type Scheduler struct {
	sessions   *conversation.Store
	runs       *runs.Store
	registry   *agents.Registry
	dispatcher dispatch.Dispatcher
	metrics    *metrics.Metrics
	log        *slog.Logger
}

type SchedulerConfig struct {
	Sessions   *conversation.Store
	Runs       *runs.Store
	Registry   *agents.Registry
	Dispatcher dispatch.Dispatcher
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
}

func NewScheduler(cfg SchedulerConfig) *Scheduler {
	return &Scheduler{
		sessions:   cfg.Sessions,
		runs:       cfg.Runs,
		registry:   cfg.Registry,
		dispatcher: cfg.Dispatcher,
		metrics:    cfg.Metrics,
		log:        logger.OrDiscard(cfg.Logger),
	}
}

type SubmitRequest struct {
	OwnerID    string
	SessionKey string
	AgentKey   string
	Input      string
}

// Submit validates the request, resolves the owner's session and creates a
// run against it. Validation happens before the session is touched.
func (s *Scheduler) Submit(ctx context.Context, req SubmitRequest) (runs.Run, conversation.Session, error) {
	agentKey, err := s.validate(req.AgentKey, req.Input)
	if err != nil {
		return runs.Run{}, conversation.Session{}, err
	}
	session, _, err := s.sessions.GetOrCreate(ctx, req.OwnerID, req.SessionKey)
	if err != nil {
		return runs.Run{}, conversation.Session{}, err
	}
	run, err := s.CreateRun(ctx, session, agentKey, req.Input)
	return run, session, err
}

// CreateRun appends the user's message, records a pending run and submits
// it for execution. On a dispatch failure the pending run is returned
// together with a *SchedulingError.
func (s *Scheduler) CreateRun(ctx context.Context, session conversation.Session, agentKey, input string) (runs.Run, error) {
	agentKey, err := s.validate(agentKey, input)
	if err != nil {
		return runs.Run{}, err
	}

	if _, err := s.sessions.Append(ctx, session.ID, event.UserMessage(input)); err != nil {
		return runs.Run{}, fmt.Errorf("append user message: %w", err)
	}
	run, err := s.runs.Create(ctx, runs.Spec{
		SessionID:    session.ID,
		OwnerID:      session.OwnerID,
		AgentKey:     agentKey,
		InputPayload: input,
	})
	if err != nil {
		return runs.Run{}, err
	}
	s.metrics.RunSubmitted(agentKey)

	if err := s.Dispatch(ctx, run); err != nil {
		return run, err
	}
	s.log.Info("run scheduled", "run_id", run.ID, "session_id", session.ID, "agent_key", agentKey)
	return run, nil
}

// Dispatch hands a pending run to the dispatcher and records the handle.
func (s *Scheduler) Dispatch(ctx context.Context, run runs.Run) error {
	if s.dispatcher == nil {
		s.metrics.SchedulingFailed()
		return &SchedulingError{RunID: run.ID, Err: fmt.Errorf("no dispatcher configured")}
	}
	handle, err := s.dispatcher.Submit(ctx, run.ID)
	if err != nil {
		s.metrics.SchedulingFailed()
		s.log.Warn("dispatch failed", "run_id", run.ID, "error", err)
		return &SchedulingError{RunID: run.ID, Err: err}
	}
	if err := s.runs.SetTaskHandle(ctx, run.ID, handle); err != nil {
		// The run is queued; a missing handle only affects diagnostics.
		s.log.Warn("record task handle failed", "run_id", run.ID, "error", err)
	}
	return nil
}

func (s *Scheduler) validate(agentKey, input string) (string, error) {
	if strings.TrimSpace(input) == "" {
		return "", &ValidationError{Code: CodeMissingInput, Message: "input is required"}
	}
	agentKey = strings.TrimSpace(agentKey)
	if agentKey == "" {
		agentKey = s.registry.DefaultKey()
	}
	if !s.registry.Has(agentKey) {
		return "", &ValidationError{Code: CodeUnknownAgent, Message: "Unknown agent_key"}
	}
	return agentKey, nil
}
