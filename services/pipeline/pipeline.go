// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package pipeline is the multi-agent research pipeline.
//
// A fixed graph of tasks, each owned by one agent, runs over the dag
// executor. Every task sees the user's query (when configured to) and the
// outputs of exactly the tasks it depends on. The first failing task ends
// the run with a *Failure; the answer is the output of the single
// terminal task.
//
// The pipeline keeps no state between runs.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/AleutianAI/babynest/services/llm"
	"github.com/AleutianAI/babynest/services/pipeline/dag"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("babynest.pipeline")

// Failure is a pipeline run stopped by a failing task.
type Failure struct {
	Task string
	Err  error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("pipeline task %q failed: %v", f.Task, f.Err)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// IsFailure reports whether err wraps a *Failure.
func IsFailure(err error) bool {
	var f *Failure
	return errors.As(err, &f)
}

// StageObserver is told about every finished task. err is nil on success.
type StageObserver func(task string, duration time.Duration, err error)

// Options tune a Pipeline. The zero value is valid.
type Options struct {
	// MaxConcurrency above 1 lets independent tasks run together.
	MaxConcurrency int

	// TaskTimeout bounds each task. Zero means only ctx bounds it.
	TaskTimeout time.Duration

	Logger   *slog.Logger
	Observer StageObserver
}

// Pipeline runs the configured task graph.
//
// # Thread Safety
//
// Safe for concurrent use; runs share only the agents, which are stateless.
type Pipeline struct {
	cfg      *Config
	executor *dag.Executor
	observer StageObserver
	logger   *slog.Logger
}

// New builds a Pipeline from a validated config and one Agent per agent
// name the tasks use.
func New(cfg *Config, agents map[string]Agent, opts Options) (*Pipeline, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: nil config", ErrInvalidConfig)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pipeline{cfg: cfg, observer: opts.Observer, logger: logger}

	for _, t := range cfg.Tasks {
		if agents[t.Agent] == nil {
			return nil, fmt.Errorf("%w: no agent %q for task %q", ErrInvalidConfig, t.Agent, t.Name)
		}
	}

	graph, err := cfg.graph(func(t TaskConfig) dag.Node {
		return &taskNode{
			BaseNode: dag.BaseNode{
				NodeName:         t.Name,
				NodeDependencies: t.DependsOn,
				NodeTimeout:      opts.TaskTimeout,
			},
			task:     t,
			agent:    agents[t.Agent],
			observer: p.observe,
		}
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	p.executor, err = dag.NewExecutor(graph,
		dag.WithLogger(logger),
		dag.WithMaxConcurrency(opts.MaxConcurrency),
	)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Models are the model clients agents can use.
type Models struct {
	// Default serves agents with an empty Backend.
	Default llm.LLMClient

	// Backends serves agents that name a backend.
	Backends map[string]llm.LLMClient
}

func (m Models) names() []string {
	names := make([]string, 0, len(m.Backends))
	for n := range m.Backends {
		names = append(names, n)
	}
	return names
}

// NewFromConfig validates cfg, builds an LLMAgent per agent and returns
// the Pipeline. It is the startup path: every configuration problem is
// reported here, before any request is served.
func NewFromConfig(cfg *Config, models Models, tools []Tool, opts Options) (*Pipeline, error) {
	toolMap := make(map[string]Tool, len(tools))
	toolNames := make([]string, 0, len(tools))
	for _, t := range tools {
		toolMap[t.Name()] = t
		toolNames = append(toolNames, t.Name())
	}
	if err := cfg.Validate(models.names(), toolNames); err != nil {
		return nil, err
	}

	agents := make(map[string]Agent, len(cfg.Agents))
	for _, ac := range cfg.Agents {
		model := models.Default
		if ac.Backend != "" {
			model = models.Backends[ac.Backend]
		}
		agent, err := NewLLMAgent(ac, model, toolMap)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
		agents[ac.Name] = agent
	}
	return New(cfg, agents, opts)
}

// Tasks returns task names in declaration order.
func (p *Pipeline) Tasks() []string {
	return p.executor.DAG().NodeNames()
}

// Run answers query with the task graph.
//
// # Outputs
//
//   - string: The terminal task's output.
//   - error: *Failure naming the first failing task, or ctx.Err() if the
//     context ended between tasks.
func (p *Pipeline) Run(ctx context.Context, query string) (string, error) {
	ctx, span := tracer.Start(ctx, "Pipeline.Run")
	defer span.End()

	result, err := p.executor.Run(ctx, query)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "pipeline failed")
		var nodeErr *dag.NodeError
		if errors.As(err, &nodeErr) {
			return "", &Failure{Task: nodeErr.NodeName, Err: nodeErr.Err}
		}
		return "", err
	}

	span.SetAttributes(attribute.Int("pipeline.tasks", result.NodesExecuted))
	out, _ := result.Output.(string)
	return out, nil
}

func (p *Pipeline) observe(task string, d time.Duration, err error) {
	if p.observer != nil {
		p.observer(task, d, err)
	}
}

// taskNode adapts one task to the dag executor.
type taskNode struct {
	dag.BaseNode
	task     TaskConfig
	agent    Agent
	observer func(string, time.Duration, error)
}

func (n *taskNode) Execute(ctx context.Context, inputs map[string]any) (any, error) {
	in := TaskInput{Context: dependencyContext(n.task.DependsOn, inputs)}
	if n.task.IncludeQuery {
		in.Query, _ = inputs[dag.RootKey].(string)
	}

	start := time.Now()
	out, err := n.agent.Perform(ctx, n.task, in)
	n.observer(n.task.Name, time.Since(start), err)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// dependencyContext renders dependency outputs in declared order.
func dependencyContext(deps []string, inputs map[string]any) string {
	parts := make([]string, 0, len(deps))
	for _, dep := range deps {
		out, _ := inputs[dep].(string)
		parts = append(parts, "### "+dep+"\n"+out)
	}
	return strings.Join(parts, "\n\n")
}
