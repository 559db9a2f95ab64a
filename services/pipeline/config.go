// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pipeline

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/AleutianAI/babynest/services/pipeline/dag"
	"gopkg.in/yaml.v3"
)

//go:embed config/agents.yaml config/tasks.yaml
var defaultConfigFS embed.FS

const (
	agentsFile = "agents.yaml"
	tasksFile  = "tasks.yaml"

	// DefaultMaxIterations bounds tool rounds for agents that set none.
	DefaultMaxIterations = 3
)

// ErrInvalidConfig is wrapped by every configuration validation failure.
var ErrInvalidConfig = errors.New("invalid pipeline configuration")

// AgentConfig describes one agent. Agents are stateless; Name is the
// identity tasks refer to.
type AgentConfig struct {
	Name      string `yaml:"name"`
	Role      string `yaml:"role"`
	Goal      string `yaml:"goal"`
	Backstory string `yaml:"backstory"`

	// Backend names a model backend. Empty means the default gateway.
	Backend string `yaml:"backend,omitempty"`

	Tools         []string `yaml:"tools,omitempty"`
	MaxIterations int      `yaml:"max_iterations,omitempty"`
}

// TaskConfig describes one pipeline stage.
type TaskConfig struct {
	Name           string   `yaml:"name"`
	Agent          string   `yaml:"agent"`
	Description    string   `yaml:"description"`
	ExpectedOutput string   `yaml:"expected_output"`
	IncludeQuery   bool     `yaml:"include_query"`
	DependsOn      []string `yaml:"depends_on,omitempty"`
}

// Config is the full agent and task definition of the pipeline. Task
// order is declaration order.
type Config struct {
	Agents []AgentConfig `yaml:"agents"`
	Tasks  []TaskConfig  `yaml:"tasks"`
}

// LoadConfig reads agents.yaml and tasks.yaml from dir, or the embedded
// defaults when dir is empty. It does not validate; call Validate.
func LoadConfig(dir string) (*Config, error) {
	read := func(name string) ([]byte, error) {
		if dir == "" {
			return defaultConfigFS.ReadFile("config/" + name)
		}
		return os.ReadFile(filepath.Join(dir, name))
	}

	agentsData, err := read(agentsFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", agentsFile, err)
	}
	tasksData, err := read(tasksFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", tasksFile, err)
	}
	return ParseConfig(agentsData, tasksData)
}

// ParseConfig decodes the two YAML documents.
func ParseConfig(agentsData, tasksData []byte) (*Config, error) {
	var cfg Config
	var agents struct {
		Agents []AgentConfig `yaml:"agents"`
	}
	if err := yaml.Unmarshal(agentsData, &agents); err != nil {
		return nil, fmt.Errorf("failed to unmarshal agents: %w", err)
	}
	var tasks struct {
		Tasks []TaskConfig `yaml:"tasks"`
	}
	if err := yaml.Unmarshal(tasksData, &tasks); err != nil {
		return nil, fmt.Errorf("failed to unmarshal tasks: %w", err)
	}
	cfg.Agents = agents.Agents
	cfg.Tasks = tasks.Tasks
	for i := range cfg.Agents {
		if cfg.Agents[i].MaxIterations <= 0 {
			cfg.Agents[i].MaxIterations = DefaultMaxIterations
		}
	}
	return &cfg, nil
}

// Agent looks up an agent by name.
func (c *Config) Agent(name string) (AgentConfig, bool) {
	for _, a := range c.Agents {
		if a.Name == name {
			return a, true
		}
	}
	return AgentConfig{}, false
}

// Validate checks the configuration against the available backends and
// tools.
//
// # Description
//
// Rejects: no tasks, unnamed or duplicate agents and tasks, tasks naming
// an unknown agent or dependency, agents naming an unknown backend or
// tool, and dependency graphs with a cycle or more than one terminal
// task. Every error wraps ErrInvalidConfig.
//
// # Inputs
//
//   - backends: Backend names an agent may select. An empty Backend is
//     always allowed.
//   - tools: Tool names an agent may use.
func (c *Config) Validate(backends, tools []string) error {
	if len(c.Tasks) == 0 {
		return fmt.Errorf("%w: no tasks defined", ErrInvalidConfig)
	}

	agents := make(map[string]bool, len(c.Agents))
	for _, a := range c.Agents {
		if a.Name == "" {
			return fmt.Errorf("%w: agent without a name", ErrInvalidConfig)
		}
		if agents[a.Name] {
			return fmt.Errorf("%w: duplicate agent %q", ErrInvalidConfig, a.Name)
		}
		agents[a.Name] = true
		if a.Backend != "" && !slices.Contains(backends, a.Backend) {
			return fmt.Errorf("%w: agent %q uses unknown backend %q", ErrInvalidConfig, a.Name, a.Backend)
		}
		for _, tool := range a.Tools {
			if !slices.Contains(tools, tool) {
				return fmt.Errorf("%w: agent %q uses unknown tool %q", ErrInvalidConfig, a.Name, tool)
			}
		}
	}

	tasks := make(map[string]bool, len(c.Tasks))
	for _, t := range c.Tasks {
		if t.Name == "" {
			return fmt.Errorf("%w: task without a name", ErrInvalidConfig)
		}
		if tasks[t.Name] {
			return fmt.Errorf("%w: duplicate task %q", ErrInvalidConfig, t.Name)
		}
		tasks[t.Name] = true
		if !agents[t.Agent] {
			return fmt.Errorf("%w: task %q uses unknown agent %q", ErrInvalidConfig, t.Name, t.Agent)
		}
	}
	for _, t := range c.Tasks {
		for _, dep := range t.DependsOn {
			if !tasks[dep] {
				return fmt.Errorf("%w: task %q depends on unknown task %q", ErrInvalidConfig, t.Name, dep)
			}
		}
	}

	if _, err := c.graph(func(TaskConfig) dag.Node { return nil }); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

// graph builds the task DAG. mk supplies the node for each task; a nil
// result builds a structural placeholder.
func (c *Config) graph(mk func(TaskConfig) dag.Node) (*dag.DAG, error) {
	b := dag.NewBuilder("research_pipeline")
	for _, t := range c.Tasks {
		node := mk(t)
		if node == nil {
			node = dag.NewFuncNode(t.Name, t.DependsOn, func(context.Context, map[string]any) (any, error) {
				return nil, nil
			})
		}
		b.AddNode(node)
	}
	return b.Build()
}

// Terminal returns the name of the task whose output is the answer.
func (c *Config) Terminal() (string, error) {
	g, err := c.graph(func(TaskConfig) dag.Node { return nil })
	if err != nil {
		return "", err
	}
	return g.Terminal(), nil
}
