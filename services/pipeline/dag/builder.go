// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package dag

import (
	"fmt"
	"sort"
)

// Builder constructs a DAG with validation.
//
// # Description
//
// Builder provides a fluent API for constructing DAGs. Node order is
// remembered and used by the executor to break ties between ready nodes,
// so execution order is stable for a given declaration.
//
// # Thread Safety
//
// Builder is NOT safe for concurrent use. Build the DAG in a single goroutine.
type Builder struct {
	name   string
	nodes  map[string]Node
	order  []string
	edges  []Edge
	errors []error
}

// NewBuilder creates a new DAG builder. name is used in logs and spans.
func NewBuilder(name string) *Builder {
	return &Builder{
		name:  name,
		nodes: make(map[string]Node),
	}
}

// AddNode adds a node and records edges from its declared dependencies.
// A nil node or a duplicate name is recorded and reported by Build.
func (b *Builder) AddNode(node Node) *Builder {
	if node == nil {
		b.errors = append(b.errors, ErrNilNode)
		return b
	}

	name := node.Name()
	if _, exists := b.nodes[name]; exists {
		b.errors = append(b.errors, NewNodeError(name, ErrDuplicateNode))
		return b
	}

	b.nodes[name] = node
	b.order = append(b.order, name)
	for _, dep := range node.Dependencies() {
		b.edges = append(b.edges, Edge{From: dep, To: name})
	}
	return b
}

// Build validates and constructs the DAG.
//
// # Outputs
//
//   - *DAG: The constructed DAG.
//   - error: ErrNilNode, ErrDuplicateNode, ErrInvalidInput (empty graph),
//     ErrNodeNotFound (unknown dependency), a *CycleError, or
//     ErrMultipleTerminals.
func (b *Builder) Build() (*DAG, error) {
	if len(b.errors) > 0 {
		return nil, b.errors[0]
	}
	if len(b.nodes) == 0 {
		return nil, fmt.Errorf("%w: DAG %q has no nodes", ErrInvalidInput, b.name)
	}

	for _, edge := range b.edges {
		if _, exists := b.nodes[edge.From]; !exists {
			return nil, NewNodeError(edge.To, fmt.Errorf("%w: dependency %q", ErrNodeNotFound, edge.From))
		}
	}

	if err := b.detectCycles(); err != nil {
		return nil, err
	}

	terminal, err := b.findTerminal()
	if err != nil {
		return nil, err
	}

	return &DAG{
		name:     b.name,
		nodes:    b.nodes,
		order:    b.order,
		edges:    b.edges,
		terminal: terminal,
	}, nil
}

// detectCycles uses DFS over dependency edges, visiting nodes in
// declaration order so the reported cycle is deterministic.
func (b *Builder) detectCycles() error {
	visited := make(map[string]bool)
	recStack := make(map[string]bool)
	path := make([]string, 0)

	var dfs func(node string) error
	dfs = func(node string) error {
		visited[node] = true
		recStack[node] = true
		path = append(path, node)

		for _, dep := range b.nodes[node].Dependencies() {
			if !visited[dep] {
				if err := dfs(dep); err != nil {
					return err
				}
			} else if recStack[dep] {
				cycleStart := 0
				for i, n := range path {
					if n == dep {
						cycleStart = i
						break
					}
				}
				cyclePath := append(append([]string{}, path[cycleStart:]...), dep)
				return NewCycleError(cyclePath)
			}
		}

		path = path[:len(path)-1]
		recStack[node] = false
		return nil
	}

	for _, name := range b.order {
		if !visited[name] {
			if err := dfs(name); err != nil {
				return err
			}
		}
	}
	return nil
}

// findTerminal returns the only node with no dependents.
func (b *Builder) findTerminal() (string, error) {
	hasDependent := make(map[string]bool)
	for _, edge := range b.edges {
		hasDependent[edge.From] = true
	}

	var terminals []string
	for _, name := range b.order {
		if !hasDependent[name] {
			terminals = append(terminals, name)
		}
	}

	if len(terminals) != 1 {
		sort.Strings(terminals)
		return "", fmt.Errorf("%w: found %v", ErrMultipleTerminals, terminals)
	}
	return terminals[0], nil
}
