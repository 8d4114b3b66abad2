// Package agents holds agent definitions, the registry that resolves them by
// key, and the invocation contract the executor drives.
package agents

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/flitsinc/agentruns/internal/event"
)

var ErrUnknownAgent = errors.New("unknown agent")

// DefaultMaxTurns bounds model/tool round trips when a definition does not
// set its own limit.
const DefaultMaxTurns = 4

type Definition struct {
	Key          string
	Name         string
	Instructions string
	Model        string
	MaxTurns     int
	Tools        []*Tool
	// Invoker runs this agent. Definitions without one use the executor's
	// default invoker.
	Invoker Invoker
}

func (d Definition) Tool(name string) (*Tool, bool) {
	for _, t := range d.Tools {
		if t.Name == name {
			return t, true
		}
	}
	return nil, false
}

func (d Definition) ToolNames() []string {
	names := make([]string, 0, len(d.Tools))
	for _, t := range d.Tools {
		names = append(names, t.Name)
	}
	return names
}

// Constructor builds a fresh definition for each run.
type Constructor func() (Definition, error)

// Registry maps agent keys to constructors. It is built once at startup and
// passed explicitly to the components that resolve agents.
type Registry struct {
	constructors map[string]Constructor
	defaultKey   string
}

func NewRegistry(defaultKey string) *Registry {
	return &Registry{constructors: map[string]Constructor{}, defaultKey: defaultKey}
}

func (r *Registry) Register(key string, ctor Constructor) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return fmt.Errorf("agent key is required")
	}
	if ctor == nil {
		return fmt.Errorf("agent %s: constructor is required", key)
	}
	r.constructors[key] = ctor
	return nil
}

func (r *Registry) Has(key string) bool {
	_, ok := r.constructors[key]
	return ok
}

// DefaultKey is used when a submission names no agent.
func (r *Registry) DefaultKey() string {
	return r.defaultKey
}

func (r *Registry) Keys() []string {
	keys := make([]string, 0, len(r.constructors))
	for k := range r.constructors {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (r *Registry) Resolve(key string) (Definition, error) {
	ctor, ok := r.constructors[key]
	if !ok {
		return Definition{}, fmt.Errorf("%w: %s", ErrUnknownAgent, key)
	}
	def, err := ctor()
	if err != nil {
		return Definition{}, fmt.Errorf("build agent %s: %w", key, err)
	}
	if def.Key == "" {
		def.Key = key
	}
	if def.MaxTurns <= 0 {
		def.MaxTurns = DefaultMaxTurns
	}
	for _, t := range def.Tools {
		if err := t.Validate(); err != nil {
			return Definition{}, fmt.Errorf("build agent %s: %w", key, err)
		}
	}
	return def, nil
}

// Request is one invocation of an agent.
type Request struct {
	RunID      string
	Definition Definition
	// History is the full conversation so far, oldest first, including the
	// user message that started the run.
	History []event.Event
}

type Result struct {
	FinalOutput any
}

// Emit hands one produced event to the executor, which appends it to the
// conversation before returning.
type Emit func(ctx context.Context, evt event.Event) error

// Invoker drives an agent to completion, emitting events in order.
type Invoker interface {
	Invoke(ctx context.Context, req Request, emit Emit) (Result, error)
}

// InvokerFunc adapts a function to Invoker.
type InvokerFunc func(ctx context.Context, req Request, emit Emit) (Result, error)

func (f InvokerFunc) Invoke(ctx context.Context, req Request, emit Emit) (Result, error) {
	return f(ctx, req, emit)
}

// LastUserText returns the text of the most recent user message.
func LastUserText(history []event.Event) string {
	for i := len(history) - 1; i >= 0; i-- {
		evt := history[i]
		if evt.Type == event.TypeMessage && evt.Message != nil && evt.Message.Role == event.RoleUser {
			return evt.Text()
		}
	}
	return ""
}
