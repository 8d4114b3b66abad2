package openaiagent

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flitsinc/agentruns/internal/agents"
	"github.com/flitsinc/agentruns/internal/agents/flights"
	"github.com/flitsinc/agentruns/internal/event"
)

func completionJSON(message map[string]any) string {
	body := map[string]any{
		"id":      "chatcmpl-1",
		"object":  "chat.completion",
		"created": 1700000000,
		"model":   "gpt-4o-mini",
		"choices": []any{map[string]any{
			"index":         0,
			"finish_reason": "stop",
			"message":       message,
		}},
	}
	data, _ := json.Marshal(body)
	return string(data)
}

func TestInvokeRunsToolLoop(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		w.Header().Set("Content-Type", "application/json")
		if calls.Add(1) == 1 {
			_, _ = io.WriteString(w, completionJSON(map[string]any{
				"role":    "assistant",
				"content": "",
				"tool_calls": []any{map[string]any{
					"id":   "call_1",
					"type": "function",
					"function": map[string]any{
						"name":      "get_flight_price",
						"arguments": `{"flight_number":"UA123"}`,
					},
				}},
			}))
			return
		}
		_, _ = io.WriteString(w, completionJSON(map[string]any{
			"role":    "assistant",
			"content": "UA123 costs USD 305.95.",
		}))
	}))
	defer srv.Close()

	inv, err := New(Config{APIKey: "test", BaseURL: srv.URL, Model: "gpt-4o-mini"}, nil)
	require.NoError(t, err)

	def, err := flights.Demo(inv, 4).Constructor()
	require.NoError(t, err)

	var emitted []event.Event
	res, err := inv.Invoke(context.Background(), agents.Request{
		RunID:      "run-1",
		Definition: def,
		History:    []event.Event{event.UserMessage("price UA123")},
	}, func(_ context.Context, evt event.Event) error {
		emitted = append(emitted, evt)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "UA123 costs USD 305.95.", res.FinalOutput)
	assert.EqualValues(t, 2, calls.Load())

	require.Len(t, emitted, 3)
	assert.Equal(t, event.TypeFunctionCall, emitted[0].Type)
	assert.Equal(t, event.TypeFunctionCallOutput, emitted[1].Type)
	assert.Contains(t, emitted[1].FunctionCallOutput.Output, "305.95")
	assert.Equal(t, event.TypeMessage, emitted[2].Type)
}

func TestInvokeStopsAtMaxTurns(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, completionJSON(map[string]any{
			"role": "assistant",
			"tool_calls": []any{map[string]any{
				"id":       "call_x",
				"type":     "function",
				"function": map[string]any{"name": "find_flight", "arguments": `{"origin":"SFO"}`},
			}},
		}))
	}))
	defer srv.Close()

	inv, err := New(Config{APIKey: "test", BaseURL: srv.URL}, nil)
	require.NoError(t, err)
	def, err := flights.Demo(inv, 2).Constructor()
	require.NoError(t, err)

	_, err = inv.Invoke(context.Background(), agents.Request{
		Definition: def,
		History:    []event.Event{event.UserMessage("loop forever")},
	}, func(context.Context, event.Event) error { return nil })
	require.ErrorIs(t, err, ErrMaxTurns)
}

func TestNewRequiresAPIKey(t *testing.T) {
	_, err := New(Config{}, nil)
	require.Error(t, err)
}

func TestBuildMessagesReplaysOnlyMessages(t *testing.T) {
	msgs := buildMessages("be brief", []event.Event{
		event.UserMessage("hi"),
		event.NewFunctionCall("find_flight", "{}", "c1"),
		event.AssistantMessage("hello"),
	})
	assert.Len(t, msgs, 3)
}
