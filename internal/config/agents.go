package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// AgentSpec is one entry of the agents file.
type AgentSpec struct {
	Key          string   `yaml:"key"`
	Name         string   `yaml:"name"`
	Instructions string   `yaml:"instructions"`
	Tools        []string `yaml:"tools"`
	Model        string   `yaml:"model"`
}

type agentsFile struct {
	Agents []AgentSpec `yaml:"agents"`
}

// LoadAgents reads the agents file at path. An empty path yields no specs.
func LoadAgents(path string) ([]AgentSpec, error) {
	if strings.TrimSpace(path) == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read agents file: %w", err)
	}
	return ParseAgents(data)
}

func ParseAgents(data []byte) ([]AgentSpec, error) {
	var file agentsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse agents file: %w", err)
	}
	seen := map[string]struct{}{}
	for i, spec := range file.Agents {
		key := strings.TrimSpace(spec.Key)
		if key == "" {
			return nil, fmt.Errorf("agent %d: key is required", i)
		}
		if _, dup := seen[key]; dup {
			return nil, fmt.Errorf("agent %q: duplicate key", key)
		}
		seen[key] = struct{}{}
		file.Agents[i].Key = key
		if file.Agents[i].Name == "" {
			file.Agents[i].Name = key
		}
	}
	return file.Agents, nil
}
