// Package openaiagent runs agents against the OpenAI chat completions API,
// looping over tool calls until the model answers or the turn limit is hit.
package openaiagent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/flitsinc/agentruns/internal/agents"
	"github.com/flitsinc/agentruns/internal/event"
	"github.com/flitsinc/agentruns/internal/logger"
)

var ErrMaxTurns = errors.New("agent exceeded max turns")

type Config struct {
	APIKey  string
	BaseURL string
	Model   string
}

type Invoker struct {
	client openai.Client
	model  string
	log    *slog.Logger
}

func New(cfg Config, log *slog.Logger) (*Invoker, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("openai api key is required")
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	model := cfg.Model
	if model == "" {
		model = "gpt-4o-mini"
	}
	return &Invoker{
		client: openai.NewClient(opts...),
		model:  model,
		log:    logger.OrDiscard(log),
	}, nil
}

func (inv *Invoker) Invoke(ctx context.Context, req agents.Request, emit agents.Emit) (agents.Result, error) {
	def := req.Definition
	model := def.Model
	if model == "" {
		model = inv.model
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(model),
		Messages: buildMessages(def.Instructions, req.History),
		Tools:    buildTools(def.Tools),
	}

	maxTurns := def.MaxTurns
	if maxTurns <= 0 {
		maxTurns = agents.DefaultMaxTurns
	}
	for turn := 0; turn < maxTurns; turn++ {
		completion, err := inv.client.Chat.Completions.New(ctx, params)
		if err != nil {
			return agents.Result{}, fmt.Errorf("chat completion: %w", err)
		}
		if len(completion.Choices) == 0 {
			return agents.Result{}, fmt.Errorf("chat completion returned no choices")
		}
		msg := completion.Choices[0].Message
		inv.log.Debug("model turn", "run_id", req.RunID, "turn", turn, "tool_calls", len(msg.ToolCalls))

		if len(msg.ToolCalls) == 0 {
			if msg.Refusal != "" {
				if err := emit(ctx, event.AssistantMessage(msg.Refusal)); err != nil {
					return agents.Result{}, err
				}
				return agents.Result{FinalOutput: msg.Refusal}, nil
			}
			if err := emit(ctx, event.AssistantMessage(msg.Content)); err != nil {
				return agents.Result{}, err
			}
			return agents.Result{FinalOutput: msg.Content}, nil
		}

		params.Messages = append(params.Messages, msg.ToParam())
		if strings.TrimSpace(msg.Content) != "" {
			if err := emit(ctx, event.AssistantMessage(msg.Content)); err != nil {
				return agents.Result{}, err
			}
		}
		for _, call := range msg.ToolCalls {
			output, err := inv.callTool(ctx, def, call.ID, call.Function.Name, call.Function.Arguments, emit)
			if err != nil {
				return agents.Result{}, err
			}
			params.Messages = append(params.Messages, openai.ToolMessage(output, call.ID))
		}
	}
	return agents.Result{}, fmt.Errorf("%w (%d)", ErrMaxTurns, maxTurns)
}

// callTool runs one tool call. Argument errors are reported back to the
// model as the tool output so it can correct itself; other tool failures
// end the run.
func (inv *Invoker) callTool(ctx context.Context, def agents.Definition, callID, name, arguments string, emit agents.Emit) (string, error) {
	if err := emit(ctx, event.NewFunctionCall(name, arguments, callID)); err != nil {
		return "", err
	}

	var output string
	tool, ok := def.Tool(name)
	if !ok {
		output = encodeError(fmt.Sprintf("unknown tool %q", name))
	} else {
		out, err := tool.Call(ctx, arguments)
		var argErr *agents.ArgumentError
		switch {
		case errors.As(err, &argErr):
			output = encodeError(argErr.Error())
		case err != nil:
			return "", fmt.Errorf("tool %s: %w", name, err)
		default:
			data, err := json.Marshal(out)
			if err != nil {
				return "", fmt.Errorf("encode tool output: %w", err)
			}
			output = string(data)
		}
	}

	if err := emit(ctx, event.NewFunctionCallOutput(callID, output)); err != nil {
		return "", err
	}
	return output, nil
}

func encodeError(msg string) string {
	data, _ := json.Marshal(map[string]string{"error": msg})
	return string(data)
}

// buildMessages replays the conversation as chat messages. Tool calls from
// earlier runs are summarised by their final assistant replies, so only
// message events are replayed.
func buildMessages(instructions string, history []event.Event) []openai.ChatCompletionMessageParamUnion {
	var msgs []openai.ChatCompletionMessageParamUnion
	if strings.TrimSpace(instructions) != "" {
		msgs = append(msgs, openai.SystemMessage(instructions))
	}
	for _, evt := range history {
		if evt.Type != event.TypeMessage || evt.Message == nil {
			continue
		}
		text := evt.Text()
		if text == "" {
			continue
		}
		switch evt.Message.Role {
		case event.RoleUser:
			msgs = append(msgs, openai.UserMessage(text))
		case event.RoleSystem, event.RoleDeveloper:
			msgs = append(msgs, openai.SystemMessage(text))
		default:
			msgs = append(msgs, openai.AssistantMessage(text))
		}
	}
	return msgs
}

func buildTools(tools []*agents.Tool) []openai.ChatCompletionToolParam {
	if len(tools) == 0 {
		return nil
	}
	out := make([]openai.ChatCompletionToolParam, 0, len(tools))
	for _, t := range tools {
		fn := openai.FunctionDefinitionParam{
			Name:       t.Name,
			Parameters: openai.FunctionParameters(t.Parameters),
		}
		if t.Description != "" {
			fn.Description = openai.String(t.Description)
		}
		out = append(out, openai.ChatCompletionToolParam{Function: fn})
	}
	return out
}
