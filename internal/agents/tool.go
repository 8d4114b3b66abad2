package agents

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ToolFunc implements a tool. Args have already been validated against the
// tool's parameter schema.
type ToolFunc func(ctx context.Context, args map[string]any) (any, error)

// Tool is a function the agent may call. Parameters is a JSON schema
// object describing the arguments.
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]any
	Func        ToolFunc

	once     sync.Once
	compiled *jsonschema.Schema
	compErr  error
}

// ArgumentError reports arguments that do not match the tool schema.
type ArgumentError struct {
	Tool string
	Err  error
}

func (e *ArgumentError) Error() string {
	return fmt.Sprintf("invalid arguments for %s: %v", e.Tool, e.Err)
}

func (e *ArgumentError) Unwrap() error {
	return e.Err
}

func (t *Tool) schema() (*jsonschema.Schema, error) {
	t.once.Do(func() {
		if len(t.Parameters) == 0 {
			return
		}
		// Round-trip through JSON so numbers have the types the compiler expects.
		raw, err := json.Marshal(t.Parameters)
		if err != nil {
			t.compErr = fmt.Errorf("encode schema: %w", err)
			return
		}
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
		if err != nil {
			t.compErr = fmt.Errorf("decode schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		url := "tool-" + t.Name + ".json"
		if err := c.AddResource(url, doc); err != nil {
			t.compErr = fmt.Errorf("add schema: %w", err)
			return
		}
		t.compiled, t.compErr = c.Compile(url)
	})
	return t.compiled, t.compErr
}

// Validate checks that the tool's schema compiles.
func (t *Tool) Validate() error {
	if strings.TrimSpace(t.Name) == "" {
		return fmt.Errorf("tool name is required")
	}
	if t.Func == nil {
		return fmt.Errorf("tool %s has no implementation", t.Name)
	}
	if _, err := t.schema(); err != nil {
		return fmt.Errorf("tool %s schema: %w", t.Name, err)
	}
	return nil
}

// Call decodes JSON-encoded arguments, validates them and runs the tool.
func (t *Tool) Call(ctx context.Context, arguments string) (any, error) {
	if strings.TrimSpace(arguments) == "" {
		arguments = "{}"
	}
	instance, err := jsonschema.UnmarshalJSON(strings.NewReader(arguments))
	if err != nil {
		return nil, &ArgumentError{Tool: t.Name, Err: err}
	}
	sch, err := t.schema()
	if err != nil {
		return nil, fmt.Errorf("tool %s schema: %w", t.Name, err)
	}
	if sch != nil {
		if err := sch.Validate(instance); err != nil {
			return nil, &ArgumentError{Tool: t.Name, Err: err}
		}
	}
	args, ok := instance.(map[string]any)
	if !ok {
		return nil, &ArgumentError{Tool: t.Name, Err: fmt.Errorf("arguments must be an object")}
	}
	return t.Func(ctx, args)
}

// StringArg returns a string argument or "".
func StringArg(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return strings.TrimSpace(v)
}
