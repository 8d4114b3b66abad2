package runs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/flitsinc/agentruns/internal/eventbus"
	"github.com/flitsinc/agentruns/internal/idgen"
	"github.com/flitsinc/agentruns/internal/schema"
	"github.com/flitsinc/agentruns/internal/state"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

type Run struct {
	ID           string          `json:"id"`
	SessionID    string          `json:"session_id"`
	OwnerID      string          `json:"owner_id"`
	AgentKey     string          `json:"agent_key"`
	Status       Status          `json:"status"`
	InputPayload string          `json:"input_payload"`
	FinalOutput  json.RawMessage `json:"final_output,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	TaskHandle   string          `json:"task_handle,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

type Spec struct {
	SessionID    string
	OwnerID      string
	AgentKey     string
	InputPayload string
}

var (
	ErrRunNotFound             = errors.New("run not found")
	ErrInvalidStatusTransition = errors.New("invalid run status transition")
)

type StatusTransitionError struct {
	RunID string
	From  Status
	To    Status
}

func (e *StatusTransitionError) Error() string {
	return fmt.Sprintf("invalid run status transition for %s: %s -> %s", e.RunID, e.From, e.To)
}

func (e *StatusTransitionError) Unwrap() error {
	return ErrInvalidStatusTransition
}

// Store persists runs and enforces the pending -> running -> terminal
// state machine with guarded updates.
type Store struct {
	db  *sql.DB
	bus *eventbus.Bus

	nowFn   func() time.Time
	newIDFn func() string
}

type Option func(*Store)

func WithClock(nowFn func() time.Time) Option {
	return func(s *Store) {
		if nowFn != nil {
			s.nowFn = nowFn
		}
	}
}

func WithIDGenerator(newIDFn func() string) Option {
	return func(s *Store) {
		if newIDFn != nil {
			s.newIDFn = newIDFn
		}
	}
}

func NewStore(db *sql.DB, bus *eventbus.Bus, opts ...Option) *Store {
	s := &Store{
		db:      db,
		bus:     bus,
		nowFn:   func() time.Time { return time.Now().UTC() },
		newIDFn: idgen.New,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *Store) now() time.Time {
	return s.nowFn().UTC()
}

func (s *Store) Create(ctx context.Context, spec Spec) (Run, error) {
	if strings.TrimSpace(spec.SessionID) == "" {
		return Run{}, fmt.Errorf("session_id is required")
	}
	if strings.TrimSpace(spec.OwnerID) == "" {
		return Run{}, fmt.Errorf("owner_id is required")
	}
	if strings.TrimSpace(spec.AgentKey) == "" {
		return Run{}, fmt.Errorf("agent_key is required")
	}
	createdAt := s.now()
	run := Run{
		ID:           s.newIDFn(),
		SessionID:    spec.SessionID,
		OwnerID:      spec.OwnerID,
		AgentKey:     spec.AgentKey,
		Status:       StatusPending,
		InputPayload: spec.InputPayload,
		CreatedAt:    createdAt,
		UpdatedAt:    createdAt,
	}

	_, err := state.ExecWithRetry(ctx, s.db, `
		INSERT INTO runs (id, session_id, owner_id, agent_key, status, input_payload, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, run.ID, run.SessionID, run.OwnerID, run.AgentKey, run.Status, run.InputPayload, state.FormatTime(createdAt), state.FormatTime(createdAt))
	if err != nil {
		return Run{}, fmt.Errorf("insert run: %w", err)
	}

	s.signal(ctx, run)
	return run, nil
}

func (s *Store) Get(ctx context.Context, runID string) (Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, runID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, ErrRunNotFound
	}
	if err != nil {
		return Run{}, fmt.Errorf("load run: %w", err)
	}
	return run, nil
}

// LatestForSession returns the most recently created run of a session.
func (s *Store) LatestForSession(ctx context.Context, sessionID string) (Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+runColumns+` FROM runs WHERE session_id = ? ORDER BY created_at DESC, id DESC LIMIT 1
	`, sessionID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, ErrRunNotFound
	}
	if err != nil {
		return Run{}, fmt.Errorf("load latest run: %w", err)
	}
	return run, nil
}

type ListFilter struct {
	Status        Status
	UpdatedBefore time.Time
	Limit         int
}

func (s *Store) List(ctx context.Context, filter ListFilter) ([]Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs`
	var clauses []string
	var args []any
	if filter.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, filter.Status)
	}
	if !filter.UpdatedBefore.IsZero() {
		clauses = append(clauses, "updated_at < ?")
		args = append(args, state.FormatTime(filter.UpdatedBefore))
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY updated_at ASC"
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(" LIMIT %d", limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return out, nil
}

// SetTaskHandle records the dispatch reference for a run. It does not touch
// the status and is allowed in any state; updated_at only moves while the run
// is still pending so a finished run keeps its completion time.
func (s *Store) SetTaskHandle(ctx context.Context, runID, handle string) error {
	res, err := state.ExecWithRetry(ctx, s.db, `
		UPDATE runs SET task_handle = ?,
			updated_at = CASE WHEN status = ? THEN ? ELSE updated_at END
		WHERE id = ?
	`, handle, StatusPending, state.FormatTime(s.now()), runID)
	if err != nil {
		return fmt.Errorf("update task handle: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update task handle rows affected: %w", err)
	}
	if affected == 0 {
		return ErrRunNotFound
	}
	return nil
}

// Touch bumps updated_at on a running run. Executors call it as they make
// progress so the reconciler can tell live runs from abandoned ones.
func (s *Store) Touch(ctx context.Context, runID string) error {
	_, err := state.ExecWithRetry(ctx, s.db, `UPDATE runs SET updated_at = ? WHERE id = ? AND status = ?`, state.FormatTime(s.now()), runID, StatusRunning)
	if err != nil {
		return fmt.Errorf("touch run: %w", err)
	}
	return nil
}

// MarkRunning claims a pending run. It fails with a StatusTransitionError
// when the run is not pending, which is how duplicate dispatches are
// detected.
func (s *Store) MarkRunning(ctx context.Context, runID string) (Run, error) {
	return s.transition(ctx, runID, StatusPending, StatusRunning, nil, "")
}

func (s *Store) Complete(ctx context.Context, runID string, output json.RawMessage) (Run, error) {
	if len(output) == 0 {
		output = json.RawMessage("null")
	}
	return s.transition(ctx, runID, StatusRunning, StatusCompleted, output, "")
}

// Fail moves a running run to failed. Failing an already failed run returns
// it unchanged; any other status is a StatusTransitionError.
func (s *Store) Fail(ctx context.Context, runID, message string) (Run, error) {
	if strings.TrimSpace(message) == "" {
		message = "run failed"
	}
	current, err := s.currentStatus(ctx, runID)
	if err != nil {
		return Run{}, err
	}
	if current == StatusFailed {
		return s.Get(ctx, runID)
	}
	if !canTransition(current, StatusFailed) {
		return Run{}, &StatusTransitionError{RunID: runID, From: current, To: StatusFailed}
	}
	return s.transition(ctx, runID, current, StatusFailed, nil, message)
}

func (s *Store) transition(ctx context.Context, runID string, from, to Status, output json.RawMessage, message string) (Run, error) {
	if runID == "" {
		return Run{}, fmt.Errorf("run_id is required")
	}
	if !canTransition(from, to) {
		return Run{}, &StatusTransitionError{RunID: runID, From: from, To: to}
	}
	var outputArg any
	if to == StatusCompleted {
		outputArg = string(output)
	}
	res, err := state.ExecWithRetry(ctx, s.db, `
		UPDATE runs SET status = ?, final_output = ?, error_message = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`, to, outputArg, state.NullString(message), state.FormatTime(s.now()), runID, from)
	if err != nil {
		return Run{}, fmt.Errorf("update run status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return Run{}, fmt.Errorf("update run status rows affected: %w", err)
	}
	if affected == 0 {
		current, err := s.currentStatus(ctx, runID)
		if err != nil {
			return Run{}, err
		}
		return Run{}, &StatusTransitionError{RunID: runID, From: current, To: to}
	}

	run, err := s.Get(ctx, runID)
	if err != nil {
		return Run{}, err
	}
	s.signal(ctx, run)
	return run, nil
}

func (s *Store) currentStatus(ctx context.Context, runID string) (Status, error) {
	var status Status
	err := s.db.QueryRowContext(ctx, `SELECT status FROM runs WHERE id = ?`, runID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrRunNotFound
	}
	if err != nil {
		return "", fmt.Errorf("load run status: %w", err)
	}
	return status, nil
}

func (s *Store) signal(ctx context.Context, run Run) {
	if s.bus == nil {
		return
	}
	_, _ = s.bus.Push(ctx, eventbus.EventInput{
		Stream:    schema.StreamRuns,
		ScopeType: schema.ScopeSession,
		ScopeID:   run.SessionID,
		Subject:   fmt.Sprintf("Run %s", run.ID),
		Body:      string(run.Status),
		Metadata: map[string]any{
			schema.MetaKind:      "run_update",
			schema.MetaRunID:     run.ID,
			schema.MetaSessionID: run.SessionID,
			schema.MetaStatus:    string(run.Status),
			schema.MetaAgentKey:  run.AgentKey,
		},
	})
}

func canTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusRunning
	case StatusRunning:
		return to == StatusCompleted || to == StatusFailed
	default:
		return false
	}
}

const runColumns = `id, session_id, owner_id, agent_key, status, input_payload, final_output, error_message, task_handle, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (Run, error) {
	var run Run
	var finalOutput, errorMessage, taskHandle sql.NullString
	var createdAt, updatedAt string
	if err := row.Scan(&run.ID, &run.SessionID, &run.OwnerID, &run.AgentKey, &run.Status, &run.InputPayload,
		&finalOutput, &errorMessage, &taskHandle, &createdAt, &updatedAt); err != nil {
		return Run{}, err
	}
	if finalOutput.Valid {
		run.FinalOutput = json.RawMessage(finalOutput.String)
	}
	run.ErrorMessage = errorMessage.String
	run.TaskHandle = taskHandle.String
	run.CreatedAt = state.ParseTime(createdAt)
	run.UpdatedAt = state.ParseTime(updatedAt)
	return run, nil
}
