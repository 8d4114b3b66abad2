package agents

import (
	"fmt"
	"strings"

	"github.com/flitsinc/agentruns/internal/config"
)

// Toolbox maps tool names to factories so each agent gets its own instances.
type Toolbox map[string]func() *Tool

func (tb Toolbox) Build(names []string) ([]*Tool, error) {
	tools := make([]*Tool, 0, len(names))
	for _, name := range names {
		name = strings.TrimSpace(name)
		factory, ok := tb[name]
		if !ok {
			return nil, fmt.Errorf("unknown tool %q", name)
		}
		tools = append(tools, factory())
	}
	return tools, nil
}

// Builtin is an agent compiled into the binary.
type Builtin struct {
	Key         string
	Constructor Constructor
}

// BuildRegistry registers the builtins and then the agents from the agents
// file, which replace builtins sharing a key. Agents from the file run with
// invoker when it is non-nil.
func BuildRegistry(defaultKey string, maxTurns int, toolbox Toolbox, invoker Invoker, specs []config.AgentSpec, builtins ...Builtin) (*Registry, error) {
	reg := NewRegistry(defaultKey)
	for _, b := range builtins {
		if err := reg.Register(b.Key, b.Constructor); err != nil {
			return nil, err
		}
	}
	for _, spec := range specs {
		spec := spec
		if _, err := toolbox.Build(spec.Tools); err != nil {
			return nil, fmt.Errorf("agent %s: %w", spec.Key, err)
		}
		ctor := func() (Definition, error) {
			tools, err := toolbox.Build(spec.Tools)
			if err != nil {
				return Definition{}, err
			}
			return Definition{
				Key:          spec.Key,
				Name:         spec.Name,
				Instructions: spec.Instructions,
				Model:        spec.Model,
				MaxTurns:     maxTurns,
				Tools:        tools,
				Invoker:      invoker,
			}, nil
		}
		if err := reg.Register(spec.Key, ctor); err != nil {
			return nil, err
		}
	}
	if !reg.Has(defaultKey) {
		return nil, fmt.Errorf("default agent %q is not registered", defaultKey)
	}
	return reg, nil
}
