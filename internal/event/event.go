// Package event defines the structured records carried by conversation
// items. Payloads arrive as loosely shaped JSON; Classify turns them into a
// tagged union so downstream code switches on Type instead of probing fields.
package event

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

type Type string

const (
	TypeMessage            Type = "message"
	TypeFunctionCall       Type = "function_call"
	TypeFunctionCallOutput Type = "function_call_output"
	TypeReasoning          Type = "reasoning"
	// TypeUnknown covers every payload that is not one of the variants above,
	// including scalars, lists and malformed mappings.
	TypeUnknown Type = "unknown"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
	RoleDeveloper = "developer"
)

var messageRoles = map[string]struct{}{
	RoleUser:      {},
	RoleAssistant: {},
	RoleSystem:    {},
	RoleDeveloper: {},
}

// IsMessageRole reports whether role marks a conversational message.
func IsMessageRole(role string) bool {
	_, ok := messageRoles[role]
	return ok
}

// Event is a classified payload. Exactly one variant pointer is set for the
// known types; Raw always holds the decoded original.
type Event struct {
	Type Type

	Message            *Message
	FunctionCall       *FunctionCall
	FunctionCallOutput *FunctionCallOutput
	Reasoning          *Reasoning

	Raw any
}

type Message struct {
	Role string
	// Content is either a string or a list of content parts.
	Content any
}

type FunctionCall struct {
	Name string
	// Arguments is usually a JSON-encoded string but may be structured.
	Arguments any
	CallID    string
}

type FunctionCallOutput struct {
	CallID string
	Output any
}

type Reasoning struct {
	Summary any
}

// Decode parses raw JSON and classifies it. Input that is not valid JSON is
// kept as an unknown event holding the raw text.
func Decode(raw []byte) Event {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return Event{Type: TypeUnknown, Raw: string(raw)}
	}
	return Classify(v)
}

// Classify maps any decoded JSON value onto the tagged union. It never fails.
func Classify(v any) Event {
	m, ok := v.(map[string]any)
	if !ok {
		return Event{Type: TypeUnknown, Raw: v}
	}

	role, _ := m["role"].(string)
	kind, _ := m["type"].(string)

	switch {
	case IsMessageRole(role) || kind == string(TypeMessage):
		return Event{Type: TypeMessage, Raw: v, Message: &Message{Role: role, Content: m["content"]}}
	case kind == string(TypeFunctionCall):
		name, _ := m["name"].(string)
		callID, _ := m["call_id"].(string)
		return Event{Type: TypeFunctionCall, Raw: v, FunctionCall: &FunctionCall{Name: name, Arguments: m["arguments"], CallID: callID}}
	case kind == string(TypeFunctionCallOutput):
		callID, _ := m["call_id"].(string)
		return Event{Type: TypeFunctionCallOutput, Raw: v, FunctionCallOutput: &FunctionCallOutput{CallID: callID, Output: m["output"]}}
	case kind == string(TypeReasoning):
		return Event{Type: TypeReasoning, Raw: v, Reasoning: &Reasoning{Summary: m["summary"]}}
	default:
		return Event{Type: TypeUnknown, Raw: v}
	}
}

// Payload returns the value to persist for e. Events built by the
// constructors below produce canonical mappings; classified events return
// their original value untouched.
func (e Event) Payload() any {
	if e.Raw != nil {
		return e.Raw
	}
	switch e.Type {
	case TypeMessage:
		if e.Message == nil {
			break
		}
		return map[string]any{"type": string(TypeMessage), "role": e.Message.Role, "content": e.Message.Content}
	case TypeFunctionCall:
		if e.FunctionCall == nil {
			break
		}
		return map[string]any{
			"type":      string(TypeFunctionCall),
			"name":      e.FunctionCall.Name,
			"arguments": e.FunctionCall.Arguments,
			"call_id":   e.FunctionCall.CallID,
		}
	case TypeFunctionCallOutput:
		if e.FunctionCallOutput == nil {
			break
		}
		return map[string]any{
			"type":    string(TypeFunctionCallOutput),
			"call_id": e.FunctionCallOutput.CallID,
			"output":  e.FunctionCallOutput.Output,
		}
	case TypeReasoning:
		if e.Reasoning == nil {
			break
		}
		return map[string]any{"type": string(TypeReasoning), "summary": e.Reasoning.Summary}
	}
	return nil
}

// MarshalPayload encodes the persisted form of e.
func (e Event) MarshalPayload() ([]byte, error) {
	return json.Marshal(e.Payload())
}

// Text returns the plain text of a message event, or "" for other types.
func (e Event) Text() string {
	if e.Type != TypeMessage || e.Message == nil {
		return ""
	}
	return ContentText(e.Message.Content)
}

// ContentText flattens message content: a plain string is returned as is,
// a list of parts yields the text or refusal of each part joined by newlines.
func ContentText(content any) string {
	switch c := content.(type) {
	case nil:
		return ""
	case string:
		return c
	case []any:
		var parts []string
		for _, part := range c {
			m, ok := part.(map[string]any)
			if !ok {
				continue
			}
			if text, ok := m["text"].(string); ok {
				parts = append(parts, text)
				continue
			}
			if refusal, ok := m["refusal"].(string); ok {
				parts = append(parts, refusal)
			}
		}
		return strings.Join(parts, "\n")
	case map[string]any:
		data, err := json.Marshal(c)
		if err != nil {
			return ""
		}
		return string(data)
	default:
		return fmt.Sprint(c)
	}
}

func NewMessage(role, content string) Event {
	return Event{Type: TypeMessage, Message: &Message{Role: role, Content: content}}
}

func UserMessage(content string) Event {
	return NewMessage(RoleUser, content)
}

func AssistantMessage(content string) Event {
	return NewMessage(RoleAssistant, content)
}

func NewFunctionCall(name, arguments, callID string) Event {
	return Event{Type: TypeFunctionCall, FunctionCall: &FunctionCall{Name: name, Arguments: arguments, CallID: callID}}
}

func NewFunctionCallOutput(callID string, output any) Event {
	return Event{Type: TypeFunctionCallOutput, FunctionCallOutput: &FunctionCallOutput{CallID: callID, Output: output}}
}

func NewReasoning(summary any) Event {
	return Event{Type: TypeReasoning, Reasoning: &Reasoning{Summary: summary}}
}
