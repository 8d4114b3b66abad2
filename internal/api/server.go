package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/flitsinc/agentruns/internal/agentcontext"
	"github.com/flitsinc/agentruns/internal/agents"
	"github.com/flitsinc/agentruns/internal/conversation"
	"github.com/flitsinc/agentruns/internal/eventbus"
	"github.com/flitsinc/agentruns/internal/gateway"
	"github.com/flitsinc/agentruns/internal/idgen"
	"github.com/flitsinc/agentruns/internal/logger"
	"github.com/flitsinc/agentruns/internal/metrics"
	"github.com/flitsinc/agentruns/internal/orchestrator"
)

// OwnerHeader identifies the calling principal. Authentication happens in
// front of this service; requests without it are rejected.
const OwnerHeader = "X-Owner-ID"

type Server struct {
	Sessions  *conversation.Store
	Scheduler *orchestrator.Scheduler
	Gateway   *gateway.Gateway
	Registry  *agents.Registry
	Bus       *eventbus.Bus
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
	// Limiter throttles run submissions per owner. Nil disables throttling.
	Limiter *OwnerLimiter
	// OriginPatterns lists extra hosts allowed to open stream websockets.
	// Upgrades from the server's own origin or without an Origin header are
	// always accepted.
	OriginPatterns []string
	// QueueDepth reports pending dispatches for diagnostics. Optional.
	QueueDepth func() (int64, error)
	StartedAt  time.Time
	Info       DiagnosticsInfo
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("/api/health", s.instrument("health", s.handleHealth))
	mux.Handle("/api/agents", s.instrument("agents", s.handleAgents))
	mux.Handle("/api/runs", s.instrument("runs", s.requireOwner(s.handleRuns)))
	mux.Handle("/api/runs/", s.instrument("run", s.requireOwner(s.handleRunItem)))
	mux.Handle("/api/sessions", s.instrument("sessions", s.requireOwner(s.handleSessions)))
	mux.Handle("/api/sessions/current", s.instrument("session_current", s.requireOwner(s.handleCurrentSession)))
	mux.Handle("/api/sessions/reset", s.instrument("session_reset", s.requireOwner(s.handleResetSession)))
	mux.Handle("/api/sessions/", s.instrument("session", s.requireOwner(s.handleSessionItem)))
	mux.Handle("/api/streams/ws", s.instrument("stream_ws", s.requireOwner(s.handleStreamWS)))
	mux.Handle("/api/diagnostics", s.instrument("diagnostics", s.handleDiagnostics))
	if s.Metrics != nil {
		mux.Handle("/metrics", s.Metrics.Handler())
	}

	return mux
}

func (s *Server) log() *slog.Logger {
	return logger.OrDiscard(s.Logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "time": time.Now().UTC()})
}

type agentSummary struct {
	Key   string   `json:"key"`
	Name  string   `json:"name"`
	Tools []string `json:"tools"`
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	out := []agentSummary{}
	if s.Registry != nil {
		for _, key := range s.Registry.Keys() {
			def, err := s.Registry.Resolve(key)
			if err != nil {
				s.log().Warn("resolve agent", "agent_key", key, "error", err)
				continue
			}
			out = append(out, agentSummary{Key: key, Name: def.Name, Tools: def.ToolNames()})
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"default": s.defaultAgent(), "agents": out})
}

func (s *Server) defaultAgent() string {
	if s.Registry == nil {
		return ""
	}
	return s.Registry.DefaultKey()
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	owner := agentcontext.OwnerIDFromContext(r.Context())
	if s.Limiter != nil && !s.Limiter.Allow(owner) {
		w.Header().Set("Retry-After", "1")
		writeJSON(w, http.StatusTooManyRequests, map[string]any{"error": "too many submissions"})
		return
	}

	var payload struct {
		SessionKey string `json:"session_key"`
		AgentKey   string `json:"agent_key"`
		InputText  string `json:"input_text"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	run, session, err := s.Scheduler.Submit(r.Context(), orchestrator.SubmitRequest{
		OwnerID:    owner,
		SessionKey: payload.SessionKey,
		AgentKey:   payload.AgentKey,
		Input:      payload.InputText,
	})
	var validation *orchestrator.ValidationError
	var scheduling *orchestrator.SchedulingError
	switch {
	case err == nil:
	case errors.As(err, &validation):
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": validation.Message, "code": validation.Code})
		return
	case errors.As(err, &scheduling):
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"error":       "run could not be scheduled; it will be retried",
			"run_id":      scheduling.RunID,
			"session_key": session.Key,
		})
		return
	case errors.Is(err, idgen.ErrInvalidSessionKey):
		writeError(w, http.StatusBadRequest, err)
		return
	default:
		s.log().Error("submit run", "owner_id", owner, "error", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"run_id":      run.ID,
		"status":      run.Status,
		"session_key": session.Key,
	})
}

func (s *Server) handleRunItem(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	runID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/runs/"), "/")
	if runID == "" || strings.Contains(runID, "/") {
		writeError(w, http.StatusNotFound, errNotFound("run"))
		return
	}
	snap, err := s.Gateway.Snapshot(r.Context(), runID, agentcontext.OwnerIDFromContext(r.Context()))
	if err != nil {
		s.writeReadError(w, "run", err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

type sessionResponse struct {
	SessionKey string    `json:"session_key"`
	Created    bool      `json:"created"`
	CreatedAt  time.Time `json:"created_at"`
}

// handleSessions get-or-creates the caller's session. An empty body mints a
// new key.
func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	var payload struct {
		SessionKey string `json:"session_key"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	s.getOrCreateSession(w, r, payload.SessionKey)
}

func (s *Server) handleCurrentSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	s.getOrCreateSession(w, r, r.URL.Query().Get("session_key"))
}

func (s *Server) getOrCreateSession(w http.ResponseWriter, r *http.Request, key string) {
	session, created, err := s.Sessions.GetOrCreate(r.Context(), agentcontext.OwnerIDFromContext(r.Context()), key)
	if err != nil {
		if errors.Is(err, idgen.ErrInvalidSessionKey) {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, sessionResponse{SessionKey: session.Key, Created: created, CreatedAt: session.CreatedAt})
}

func (s *Server) handleResetSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	var payload struct {
		SessionKey string `json:"session_key"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	session, err := s.Sessions.Reset(r.Context(), agentcontext.OwnerIDFromContext(r.Context()), payload.SessionKey)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{SessionKey: session.Key, Created: true, CreatedAt: session.CreatedAt})
}

func (s *Server) handleSessionItem(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	path := strings.TrimPrefix(r.URL.Path, "/api/sessions/")
	segments := strings.Split(strings.Trim(path, "/"), "/")
	if len(segments) < 2 || segments[0] == "" {
		writeError(w, http.StatusNotFound, errNotFound("session"))
		return
	}
	key := segments[0]
	owner := agentcontext.OwnerIDFromContext(r.Context())

	switch strings.Join(segments[1:], "/") {
	case "items":
		conv, err := s.Gateway.ListConversation(r.Context(), key, owner)
		if err != nil {
			s.writeReadError(w, "session", err)
			return
		}
		writeJSON(w, http.StatusOK, conv)
	case "runs/latest":
		snap, err := s.Gateway.LatestRun(r.Context(), key, owner)
		if err != nil {
			s.writeReadError(w, "run", err)
			return
		}
		writeJSON(w, http.StatusOK, snap)
	default:
		writeError(w, http.StatusNotFound, errNotFound("session action"))
	}
}

func (s *Server) writeReadError(w http.ResponseWriter, target string, err error) {
	if errors.Is(err, gateway.ErrNotFound) {
		writeError(w, http.StatusNotFound, errNotFound(target))
		return
	}
	s.log().Error("read "+target, "error", err)
	writeError(w, http.StatusInternalServerError, err)
}

func decodeJSON(body io.Reader, dest any) error {
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(dest)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}

func writeMethodNotAllowed(w http.ResponseWriter) {
	writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
}

type notFoundError struct {
	msg string
}

func (e notFoundError) Error() string { return e.msg }

func errNotFound(target string) error {
	return notFoundError{msg: target + " not found"}
}
