package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/flitsinc/agentruns/internal/agents"
	"github.com/flitsinc/agentruns/internal/agents/flights"
	"github.com/flitsinc/agentruns/internal/conversation"
	"github.com/flitsinc/agentruns/internal/dispatch"
	"github.com/flitsinc/agentruns/internal/eventbus"
	"github.com/flitsinc/agentruns/internal/gateway"
	"github.com/flitsinc/agentruns/internal/metrics"
	"github.com/flitsinc/agentruns/internal/orchestrator"
	"github.com/flitsinc/agentruns/internal/runs"
	"github.com/flitsinc/agentruns/internal/testutil"
)

type harness struct {
	server   *Server
	client   *http.Client
	queue    *dispatch.MemoryQueue
	executor *orchestrator.Executor
}

func newHarness(t *testing.T, dispatcher dispatch.Dispatcher) *harness {
	t.Helper()
	db, closeFn := testutil.OpenTestDB(t)
	t.Cleanup(closeFn)

	bus := eventbus.NewBus(db)
	sessions := conversation.NewStore(db, bus)
	runStore := runs.NewStore(db, bus)
	registry, err := agents.BuildRegistry(flights.DemoKey, 4, flights.Toolbox(), nil, nil, flights.Demo(nil, 4))
	if err != nil {
		t.Fatalf("build registry: %v", err)
	}
	queue := dispatch.NewMemoryQueue(16)
	if dispatcher == nil {
		dispatcher = queue
	}
	m := metrics.New()

	server := &Server{
		Sessions: sessions,
		Scheduler: orchestrator.NewScheduler(orchestrator.SchedulerConfig{
			Sessions:   sessions,
			Runs:       runStore,
			Registry:   registry,
			Dispatcher: dispatcher,
			Metrics:    m,
		}),
		Gateway:  gateway.New(sessions, runStore),
		Registry: registry,
		Bus:      bus,
		Metrics:  m,
		QueueDepth: func() (int64, error) {
			return int64(queue.Len()), nil
		},
	}
	return &harness{
		server: server,
		client: testutil.NewInProcessClient(server.Handler()),
		queue:  queue,
		executor: orchestrator.NewExecutor(orchestrator.ExecutorConfig{
			Sessions: sessions,
			Runs:     runStore,
			Registry: registry,
			Metrics:  m,
		}),
	}
}

type failingDispatcher struct{}

func (failingDispatcher) Submit(context.Context, string) (string, error) {
	return "", dispatch.ErrQueueFull
}

func TestSubmitPollAndListConversation(t *testing.T) {
	h := newHarness(t, nil)

	resp := doJSON(t, h.client, http.MethodPost, "/api/runs", "alice", map[string]any{
		"session_key": "main",
		"input_text":  "find flights from SFO to JFK on 2026-05-01",
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("submit status: %d body=%s", resp.StatusCode, readBody(t, resp))
	}
	var submitted struct {
		RunID      string `json:"run_id"`
		Status     string `json:"status"`
		SessionKey string `json:"session_key"`
	}
	decodeJSONResponse(t, resp, &submitted)
	if submitted.Status != "pending" || submitted.SessionKey != "main" || submitted.RunID == "" {
		t.Fatalf("unexpected submit response: %+v", submitted)
	}

	// Before execution the run is pending and the user message is visible.
	var snap gateway.RunSnapshot
	resp = doJSON(t, h.client, http.MethodGet, "/api/runs/"+submitted.RunID, "alice", nil)
	decodeJSONResponse(t, resp, &snap)
	if snap.Status != runs.StatusPending || len(snap.FinalOutput) != 0 {
		t.Fatalf("expected pending snapshot without output, got %+v", snap)
	}
	var conv gateway.Conversation
	resp = doJSON(t, h.client, http.MethodGet, "/api/sessions/main/items", "alice", nil)
	decodeJSONResponse(t, resp, &conv)
	if len(conv.Items) != 1 || conv.Items[0].Fragment.Label != "User" {
		t.Fatalf("expected the user message, got %+v", conv.Items)
	}

	runID, err := h.queue.Next(context.Background())
	if err != nil || runID != submitted.RunID {
		t.Fatalf("expected queued run %s, got %s (%v)", submitted.RunID, runID, err)
	}
	if err := h.executor.Execute(context.Background(), runID); err != nil {
		t.Fatalf("execute: %v", err)
	}

	resp = doJSON(t, h.client, http.MethodGet, "/api/runs/"+submitted.RunID, "alice", nil)
	decodeJSONResponse(t, resp, &snap)
	if snap.Status != runs.StatusCompleted || len(snap.FinalOutput) == 0 {
		t.Fatalf("expected completed snapshot with output, got %+v", snap)
	}
	if !strings.Contains(snap.OutputHTML, "<li>") {
		t.Fatalf("expected rendered flight list, got %q", snap.OutputHTML)
	}

	resp = doJSON(t, h.client, http.MethodGet, "/api/sessions/main/items", "alice", nil)
	decodeJSONResponse(t, resp, &conv)
	if len(conv.Items) != 5 {
		t.Fatalf("expected 5 items, got %d", len(conv.Items))
	}
	if conv.Items[2].Fragment.Label != "Tool call: find_flight" {
		t.Fatalf("unexpected tool call label %q", conv.Items[2].Fragment.Label)
	}

	resp = doJSON(t, h.client, http.MethodGet, "/api/sessions/main/runs/latest", "alice", nil)
	decodeJSONResponse(t, resp, &snap)
	if snap.RunID != submitted.RunID {
		t.Fatalf("expected latest run %s, got %s", submitted.RunID, snap.RunID)
	}
}

func TestSubmitValidationErrors(t *testing.T) {
	h := newHarness(t, nil)

	cases := []struct {
		name    string
		payload map[string]any
		code    string
		message string
	}{
		{"missing input", map[string]any{"session_key": "main", "input_text": ""}, "MissingInput", "input is required"},
		{"unknown agent", map[string]any{"session_key": "main", "agent_key": "does-not-exist", "input_text": "hi"}, "UnknownAgent", "Unknown agent_key"},
	}
	for _, tc := range cases {
		resp := doJSON(t, h.client, http.MethodPost, "/api/runs", "alice", tc.payload)
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", tc.name, resp.StatusCode)
		}
		var body map[string]string
		decodeJSONResponse(t, resp, &body)
		if body["code"] != tc.code || body["error"] != tc.message {
			t.Fatalf("%s: unexpected body %+v", tc.name, body)
		}
	}
	if h.queue.Len() != 0 {
		t.Fatalf("expected nothing queued")
	}

	resp := doJSON(t, h.client, http.MethodPost, "/api/runs", "alice", map[string]any{"session_key": "has spaces", "input_text": "hi"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid session key, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestSubmitSchedulingFailure(t *testing.T) {
	h := newHarness(t, failingDispatcher{})

	resp := doJSON(t, h.client, http.MethodPost, "/api/runs", "alice", map[string]any{"session_key": "main", "input_text": "hi"})
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}
	var body map[string]string
	decodeJSONResponse(t, resp, &body)
	if body["run_id"] == "" {
		t.Fatalf("expected run_id in scheduling error, got %+v", body)
	}

	var snap gateway.RunSnapshot
	resp = doJSON(t, h.client, http.MethodGet, "/api/runs/"+body["run_id"], "alice", nil)
	decodeJSONResponse(t, resp, &snap)
	if snap.Status != runs.StatusPending {
		t.Fatalf("expected run to stay pending, got %s", snap.Status)
	}
}

func TestOwnershipAndAuth(t *testing.T) {
	h := newHarness(t, nil)

	resp := doJSON(t, h.client, http.MethodPost, "/api/runs", "", map[string]any{"input_text": "hi"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = doJSON(t, h.client, http.MethodPost, "/api/runs", "alice", map[string]any{"session_key": "main", "input_text": "hi"})
	var submitted map[string]any
	decodeJSONResponse(t, resp, &submitted)
	runID, _ := submitted["run_id"].(string)

	for _, path := range []string{"/api/runs/" + runID, "/api/sessions/main/items", "/api/sessions/main/runs/latest"} {
		resp = doJSON(t, h.client, http.MethodGet, path, "mallory", nil)
		if resp.StatusCode != http.StatusNotFound {
			t.Fatalf("%s: expected 404 for another owner, got %d", path, resp.StatusCode)
		}
		resp.Body.Close()
	}
}

func TestSessionBootstrapAndReset(t *testing.T) {
	h := newHarness(t, nil)

	resp := doJSON(t, h.client, http.MethodPost, "/api/sessions", "alice", nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d body=%s", resp.StatusCode, readBody(t, resp))
	}
	var created sessionResponse
	decodeJSONResponse(t, resp, &created)
	if created.SessionKey == "" || !created.Created {
		t.Fatalf("unexpected session response %+v", created)
	}

	resp = doJSON(t, h.client, http.MethodGet, "/api/sessions/current?session_key="+created.SessionKey, "alice", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var current sessionResponse
	decodeJSONResponse(t, resp, &current)
	if current.SessionKey != created.SessionKey || current.Created {
		t.Fatalf("expected existing session, got %+v", current)
	}

	resp = doJSON(t, h.client, http.MethodPost, "/api/runs", "alice", map[string]any{"session_key": created.SessionKey, "input_text": "hi"})
	resp.Body.Close()

	resp = doJSON(t, h.client, http.MethodPost, "/api/sessions/reset", "alice", map[string]any{"session_key": created.SessionKey})
	var reset sessionResponse
	decodeJSONResponse(t, resp, &reset)
	if reset.SessionKey == "" || reset.SessionKey == created.SessionKey {
		t.Fatalf("expected a new session key, got %q", reset.SessionKey)
	}

	for _, key := range []string{created.SessionKey, reset.SessionKey} {
		var conv gateway.Conversation
		resp = doJSON(t, h.client, http.MethodGet, "/api/sessions/"+key+"/items", "alice", nil)
		decodeJSONResponse(t, resp, &conv)
		if len(conv.Items) != 0 {
			t.Fatalf("expected no items for %s, got %d", key, len(conv.Items))
		}
	}
}

func TestSubmitRateLimited(t *testing.T) {
	h := newHarness(t, nil)
	h.server.Limiter = NewOwnerLimiter(0.001, 1)
	h.client = testutil.NewInProcessClient(h.server.Handler())

	payload := map[string]any{"session_key": "main", "input_text": "hi"}
	resp := doJSON(t, h.client, http.MethodPost, "/api/runs", "alice", payload)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected first submit accepted, got %d", resp.StatusCode)
	}
	resp.Body.Close()
	resp = doJSON(t, h.client, http.MethodPost, "/api/runs", "alice", payload)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", resp.StatusCode)
	}
	resp.Body.Close()
	resp = doJSON(t, h.client, http.MethodPost, "/api/runs", "bob", payload)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected other owner unaffected, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestAgentsDiagnosticsAndMetrics(t *testing.T) {
	h := newHarness(t, nil)

	var listing struct {
		Default string         `json:"default"`
		Agents  []agentSummary `json:"agents"`
	}
	resp := doJSON(t, h.client, http.MethodGet, "/api/agents", "", nil)
	decodeJSONResponse(t, resp, &listing)
	if listing.Default != flights.DemoKey || len(listing.Agents) != 1 || len(listing.Agents[0].Tools) != 3 {
		t.Fatalf("unexpected agents listing %+v", listing)
	}

	var diag DiagnosticsResponse
	resp = doJSON(t, h.client, http.MethodGet, "/api/diagnostics", "", nil)
	decodeJSONResponse(t, resp, &diag)
	if diag.Dispatch["depth"] != float64(0) {
		t.Fatalf("expected queue depth 0, got %+v", diag.Dispatch)
	}

	resp = doJSON(t, h.client, http.MethodGet, "/metrics", "", nil)
	body := readBody(t, resp)
	if !strings.Contains(body, `agentruns_http_requests_total{code="200",method="GET",route="agents"} 1`) {
		t.Fatalf("expected http request metric, got:\n%s", body)
	}
}

func doJSON(t *testing.T, client *http.Client, method, path, owner string, payload any) *http.Response {
	t.Helper()
	var body io.Reader = bytes.NewReader(nil)
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, "http://in-process"+path, body)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if owner != "" {
		req.Header.Set(OwnerHeader, owner)
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	return resp
}

func decodeJSONResponse(t *testing.T, resp *http.Response, dest any) {
	t.Helper()
	defer resp.Body.Close()
	dec := json.NewDecoder(resp.Body)
	if err := dec.Decode(dest); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return string(data)
}
