package api

import (
	"net/http"
	"runtime"
	"time"
)

type DiagnosticsInfo struct {
	HTTPAddr     string `json:"http_addr"`
	DBPath       string `json:"db_path"`
	Queue        string `json:"queue"`
	Workers      int    `json:"workers"`
	DefaultAgent string `json:"default_agent"`
	LLMModel     string `json:"llm_model"`
}

type DiagnosticsResponse struct {
	Time          time.Time       `json:"time"`
	StartedAt     time.Time       `json:"started_at"`
	UptimeSeconds int64           `json:"uptime_seconds"`
	GoVersion     string          `json:"go_version"`
	LLMConfigured bool            `json:"llm_configured"`
	Info          DiagnosticsInfo `json:"info"`
	EventBus      map[string]any  `json:"eventbus"`
	Dispatch      map[string]any  `json:"dispatch"`
	Agents        []string        `json:"agents"`
}

func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	now := time.Now().UTC()
	started := s.StartedAt
	if started.IsZero() {
		started = now
	}
	resp := DiagnosticsResponse{
		Time:          now,
		StartedAt:     started,
		UptimeSeconds: int64(now.Sub(started).Seconds()),
		GoVersion:     runtime.Version(),
		LLMConfigured: s.Info.LLMModel != "",
		Info:          s.Info,
		EventBus:      map[string]any{},
		Dispatch:      map[string]any{"queue": s.Info.Queue},
		Agents:        []string{},
	}
	if s.Bus != nil {
		resp.EventBus["subscribers"] = s.Bus.SubscriberCount()
	}
	if s.QueueDepth != nil {
		if depth, err := s.QueueDepth(); err == nil {
			resp.Dispatch["depth"] = depth
		} else {
			resp.Dispatch["error"] = err.Error()
		}
	}
	if s.Registry != nil {
		resp.Agents = s.Registry.Keys()
	}
	writeJSON(w, http.StatusOK, resp)
}
