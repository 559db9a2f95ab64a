// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package dag runs a fixed graph of dependent stages.
//
// A DAG is built once with Builder, which rejects duplicate names,
// missing dependencies, cycles and graphs with more than one terminal
// node. Executor then runs it: a node starts only after every one of its
// dependencies has completed successfully, and the first failure stops
// the run so no downstream node executes.
//
// # Example
//
//	plan := dag.NewFuncNode("plan", nil, planFn)
//	draft := dag.NewFuncNode("draft", []string{"plan"}, draftFn)
//
//	graph, err := dag.NewBuilder("answer").AddNode(plan).AddNode(draft).Build()
//	executor, err := dag.NewExecutor(graph)
//	result, err := executor.Run(ctx, input)
package dag

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// RootKey is the inputs key under which every node receives the run input.
const RootKey = "root"

// Node is one stage of a DAG.
//
// Execute receives the run input under RootKey and the output of each
// declared dependency under that dependency's name.
type Node interface {
	Name() string
	Dependencies() []string

	// Timeout bounds Execute. Zero means no per-node deadline.
	Timeout() time.Duration

	Execute(ctx context.Context, inputs map[string]any) (any, error)
}

// BaseNode implements the bookkeeping part of Node. Embed it and provide
// Execute.
type BaseNode struct {
	NodeName         string
	NodeDependencies []string
	NodeTimeout      time.Duration
}

func (n *BaseNode) Name() string { return n.NodeName }

func (n *BaseNode) Dependencies() []string {
	if n.NodeDependencies == nil {
		return []string{}
	}
	return n.NodeDependencies
}

func (n *BaseNode) Timeout() time.Duration { return n.NodeTimeout }

// Execute returns an error if called directly.
func (n *BaseNode) Execute(_ context.Context, _ map[string]any) (any, error) {
	return nil, fmt.Errorf("%w: BaseNode.Execute must be overridden", ErrInvalidInput)
}

// FuncNode wraps a function as a Node.
type FuncNode struct {
	BaseNode
	fn func(context.Context, map[string]any) (any, error)
}

// NewFuncNode creates a node from a function.
func NewFuncNode(name string, deps []string, fn func(context.Context, map[string]any) (any, error)) *FuncNode {
	return &FuncNode{
		BaseNode: BaseNode{NodeName: name, NodeDependencies: deps},
		fn:       fn,
	}
}

// Execute runs the wrapped function.
func (n *FuncNode) Execute(ctx context.Context, inputs map[string]any) (any, error) {
	if n.fn == nil {
		return nil, ErrInvalidInput
	}
	return n.fn(ctx, inputs)
}

// WithTimeout sets the timeout for a FuncNode.
func (n *FuncNode) WithTimeout(d time.Duration) *FuncNode {
	n.NodeTimeout = d
	return n
}

// Edge is a dependency: From must complete before To starts.
type Edge struct {
	From string
	To   string
}

// DAG is a validated, immutable graph. Build it with Builder.
type DAG struct {
	name     string
	nodes    map[string]Node
	order    []string
	edges    []Edge
	terminal string
}

func (d *DAG) Name() string { return d.name }

// GetNode returns a node by name.
func (d *DAG) GetNode(name string) (Node, bool) {
	n, ok := d.nodes[name]
	return n, ok
}

func (d *DAG) NodeCount() int { return len(d.nodes) }

// NodeNames returns node names in the order they were added.
func (d *DAG) NodeNames() []string {
	out := make([]string, len(d.order))
	copy(out, d.order)
	return out
}

// GetDependencies returns the declared dependencies of a node.
func (d *DAG) GetDependencies(name string) []string {
	if n, ok := d.nodes[name]; ok {
		return n.Dependencies()
	}
	return nil
}

// Edges returns a copy of the dependency edges.
func (d *DAG) Edges() []Edge {
	out := make([]Edge, len(d.edges))
	copy(out, d.edges)
	return out
}

// Terminal returns the single node nothing depends on. Its output is the
// output of a run.
func (d *DAG) Terminal() string { return d.terminal }

// state tracks one run. Safe for concurrent use by the nodes of a wave.
type state struct {
	mu        sync.RWMutex
	outputs   map[string]any
	completed map[string]bool
	running   map[string]bool
	durations map[string]time.Duration
	finished  []string
}

func newState(input any) *state {
	return &state{
		outputs:   map[string]any{RootKey: input},
		completed: make(map[string]bool),
		running:   make(map[string]bool),
		durations: make(map[string]time.Duration),
	}
}

func (s *state) isCompleted(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.completed[name]
}

func (s *state) isRunning(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running[name]
}

func (s *state) setRunning(name string, running bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running[name] = running
}

func (s *state) setCompleted(name string, output any, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outputs[name] = output
	s.completed[name] = true
	s.running[name] = false
	s.durations[name] = d
	s.finished = append(s.finished, name)
}

func (s *state) completedNames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.finished))
	copy(out, s.finished)
	return out
}

func (s *state) output(name string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.outputs[name]
	return v, ok
}

func (s *state) completedCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.completed)
}

func (s *state) durationsCopy() map[string]time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]time.Duration, len(s.durations))
	for k, v := range s.durations {
		out[k] = v
	}
	return out
}

// Result describes a finished run.
type Result struct {
	RunID         string
	Success       bool
	Output        any
	FailedNode    string
	Error         string
	NodesExecuted int
	Completed     []string
	Duration      time.Duration
	NodeDurations map[string]time.Duration
}
