// Package gateway is the read side polled by clients: run snapshots and
// rendered conversations. Nothing here writes state.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/flitsinc/agentruns/internal/conversation"
	"github.com/flitsinc/agentruns/internal/render"
	"github.com/flitsinc/agentruns/internal/runs"
)

// ErrNotFound covers both absent records and records owned by someone
// else.
var ErrNotFound = errors.New("not found")

type Gateway struct {
	sessions *conversation.Store
	runs     *runs.Store
}

func New(sessions *conversation.Store, runStore *runs.Store) *Gateway {
	return &Gateway{sessions: sessions, runs: runStore}
}

// RunSnapshot is a point-in-time view of a run. FinalOutput is only set
// once the run completed and ErrorMessage only once it failed.
type RunSnapshot struct {
	RunID        string          `json:"run_id"`
	Status       runs.Status     `json:"status"`
	AgentKey     string          `json:"agent_key"`
	FinalOutput  json.RawMessage `json:"final_output,omitempty"`
	OutputHTML   string          `json:"output_html,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// ConversationItem pairs a stored item with its rendered fragment.
type ConversationItem struct {
	Sequence  int64           `json:"sequence"`
	Payload   json.RawMessage `json:"payload"`
	Fragment  render.Fragment `json:"fragment"`
	CreatedAt time.Time       `json:"created_at"`
}

type Conversation struct {
	SessionKey string             `json:"session_key"`
	Items      []ConversationItem `json:"items"`
}

func (g *Gateway) Snapshot(ctx context.Context, runID, requester string) (RunSnapshot, error) {
	run, err := g.runs.Get(ctx, runID)
	if errors.Is(err, runs.ErrRunNotFound) {
		return RunSnapshot{}, ErrNotFound
	}
	if err != nil {
		return RunSnapshot{}, err
	}
	if requester == "" || run.OwnerID != requester {
		return RunSnapshot{}, ErrNotFound
	}
	return snapshotOf(run), nil
}

func snapshotOf(run runs.Run) RunSnapshot {
	snap := RunSnapshot{
		RunID:     run.ID,
		Status:    run.Status,
		AgentKey:  run.AgentKey,
		CreatedAt: run.CreatedAt,
		UpdatedAt: run.UpdatedAt,
	}
	switch run.Status {
	case runs.StatusCompleted:
		snap.FinalOutput = run.FinalOutput
		var v any
		if err := json.Unmarshal(run.FinalOutput, &v); err == nil && v != nil {
			snap.OutputHTML = render.Output(v)
		}
	case runs.StatusFailed:
		snap.ErrorMessage = run.ErrorMessage
	}
	return snap
}

// ListConversation renders the requester's session in sequence order.
func (g *Gateway) ListConversation(ctx context.Context, sessionKey, requester string) (Conversation, error) {
	session, err := g.session(ctx, sessionKey, requester)
	if err != nil {
		return Conversation{}, err
	}
	items, err := g.sessions.List(ctx, session.ID)
	if err != nil {
		return Conversation{}, err
	}
	out := Conversation{SessionKey: session.Key, Items: make([]ConversationItem, 0, len(items))}
	for _, item := range items {
		out.Items = append(out.Items, ConversationItem{
			Sequence:  item.Sequence,
			Payload:   item.Payload,
			Fragment:  render.JSON(item.Payload),
			CreatedAt: item.CreatedAt,
		})
	}
	return out, nil
}

// LatestRun returns the most recently created run of the session.
func (g *Gateway) LatestRun(ctx context.Context, sessionKey, requester string) (RunSnapshot, error) {
	session, err := g.session(ctx, sessionKey, requester)
	if err != nil {
		return RunSnapshot{}, err
	}
	run, err := g.runs.LatestForSession(ctx, session.ID)
	if errors.Is(err, runs.ErrRunNotFound) {
		return RunSnapshot{}, ErrNotFound
	}
	if err != nil {
		return RunSnapshot{}, err
	}
	return snapshotOf(run), nil
}

func (g *Gateway) session(ctx context.Context, sessionKey, requester string) (conversation.Session, error) {
	if requester == "" || sessionKey == "" {
		return conversation.Session{}, ErrNotFound
	}
	session, err := g.sessions.Get(ctx, requester, sessionKey)
	if errors.Is(err, conversation.ErrSessionNotFound) {
		return conversation.Session{}, ErrNotFound
	}
	return session, err
}
