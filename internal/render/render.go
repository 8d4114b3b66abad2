// Package render turns conversation item payloads into display fragments.
// Rendering is total: every payload produces a fragment, unknown shapes
// fall back to a pretty-printed dump of the raw value.
package render

import (
	"encoding/json"
	"fmt"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/flitsinc/agentruns/internal/event"
)

const (
	KindEvent      = "event"
	KindTool       = "tool"
	KindToolOutput = "tool-output"
	KindReasoning  = "reasoning"

	reasoningPlaceholder = "<p>💭 Thought for a moment.</p>"
)

type Fragment struct {
	Kind   string `json:"kind"`
	Label  string `json:"label"`
	Body   string `json:"body"`
	Meta   string `json:"meta"`
	IsCode bool   `json:"is_code"`
}

// Payload renders a decoded JSON value.
func Payload(v any) Fragment {
	return Event(event.Classify(v))
}

// JSON renders a raw JSON payload as stored on a conversation item.
func JSON(raw json.RawMessage) Fragment {
	return Event(event.Decode(raw))
}

// Event renders a classified event.
func Event(evt event.Event) (frag Fragment) {
	defer func() {
		if r := recover(); r != nil {
			frag = fallback(fmt.Sprint(evt.Raw))
		}
	}()

	switch evt.Type {
	case event.TypeMessage:
		if evt.Message != nil {
			return message(evt.Message)
		}
	case event.TypeFunctionCall:
		if evt.FunctionCall != nil {
			return functionCall(evt.FunctionCall)
		}
	case event.TypeFunctionCallOutput:
		if evt.FunctionCallOutput != nil {
			return functionCallOutput(evt.FunctionCallOutput)
		}
	case event.TypeReasoning:
		if evt.Reasoning != nil {
			return reasoning(evt.Reasoning)
		}
	}
	payload := evt.Raw
	if payload == nil {
		payload = evt.Payload()
	}
	return fallback(payload)
}

func message(m *event.Message) Fragment {
	role := m.Role
	if role == "" {
		role = event.RoleAssistant
	}
	return Fragment{
		Kind:  role,
		Label: titleLabel(role),
		Body:  Markdown(event.ContentText(m.Content)),
	}
}

// titleLabel builds a fresh caser per call; casers keep state and must not
// be shared between goroutines.
func titleLabel(role string) string {
	return cases.Title(language.English).String(strings.ReplaceAll(role, "_", " "))
}

func functionCall(c *event.FunctionCall) Fragment {
	name := c.Name
	if name == "" {
		name = "tool"
	}
	args := c.Arguments
	if args == nil {
		args = ""
	}
	return Fragment{
		Kind:   KindTool,
		Label:  "Tool call: " + name,
		Body:   "<pre>" + Escape(FormatJSONLike(args)) + "</pre>",
		Meta:   c.CallID,
		IsCode: true,
	}
}

func functionCallOutput(o *event.FunctionCallOutput) Fragment {
	output := o.Output
	if output == nil {
		output = ""
	}
	return Fragment{
		Kind:   KindToolOutput,
		Label:  "Tool output",
		Body:   "<pre>" + Escape(OutputText(output)) + "</pre>",
		Meta:   o.CallID,
		IsCode: true,
	}
}

func reasoning(r *event.Reasoning) Fragment {
	body := reasoningPlaceholder
	if text := SummaryText(r.Summary); strings.TrimSpace(text) != "" {
		body += `<details class="thread-item__details"><summary>Details</summary><pre>` + Escape(text) + `</pre></details>`
	}
	return Fragment{
		Kind:  KindReasoning,
		Label: "Reasoning",
		Body:  body,
	}
}

func fallback(payload any) Fragment {
	return Fragment{
		Kind:   KindEvent,
		Label:  "Event",
		Body:   "<pre>" + Escape(FormatJSONLike(payload)) + "</pre>",
		IsCode: true,
	}
}

// OutputText extracts display text from a tool output: a string, the text
// fields of a list of parts, a mapping's text field, or a pretty dump.
func OutputText(output any) string {
	switch o := output.(type) {
	case string:
		return o
	case []any:
		var texts []string
		for _, item := range o {
			if m, ok := item.(map[string]any); ok {
				if text, ok := m["text"].(string); ok {
					texts = append(texts, text)
				}
			}
		}
		if len(texts) > 0 {
			return strings.Join(texts, "\n")
		}
	case map[string]any:
		if text, ok := o["text"].(string); ok {
			return text
		}
	}
	return FormatJSONLike(output)
}

// SummaryText extracts the human readable part of a reasoning summary.
func SummaryText(summary any) string {
	switch s := summary.(type) {
	case nil:
		return ""
	case string:
		return s
	case []any:
		var parts []string
		for _, item := range s {
			switch it := item.(type) {
			case nil:
				continue
			case string:
				parts = append(parts, it)
				continue
			case map[string]any:
				if text, ok := textOrSummary(it); ok {
					parts = append(parts, text)
					continue
				}
			}
			parts = append(parts, scalarText(item))
		}
		nonEmpty := parts[:0]
		for _, p := range parts {
			if p != "" {
				nonEmpty = append(nonEmpty, p)
			}
		}
		return strings.Join(nonEmpty, "\n")
	case map[string]any:
		if text, ok := textOrSummary(s); ok {
			return text
		}
	}
	return FormatJSONLike(summary)
}

// textOrSummary prefers a non-empty "text" field and falls back to "summary".
func textOrSummary(m map[string]any) (string, bool) {
	v := m["text"]
	if isEmpty(v) {
		v = m["summary"]
	}
	text, ok := v.(string)
	return text, ok
}

func isEmpty(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return x == ""
	case bool:
		return !x
	case []any:
		return len(x) == 0
	case map[string]any:
		return len(x) == 0
	case json.Number:
		f, err := x.Float64()
		return err == nil && f == 0
	default:
		return false
	}
}

func scalarText(v any) string {
	switch x := v.(type) {
	case json.Number:
		return x.String()
	case map[string]any, []any:
		data, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprint(x)
		}
		return string(data)
	default:
		return fmt.Sprint(x)
	}
}
