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
	"errors"
	"fmt"
	"strings"
)

// Build and run errors. Builder failures wrap one of the first group;
// Executor failures are a *NodeError or one of the second.
var (
	ErrInvalidInput      = errors.New("invalid input")
	ErrNilNode           = errors.New("nil node")
	ErrDuplicateNode     = errors.New("duplicate node name")
	ErrNodeNotFound      = errors.New("unknown node")
	ErrCycleDetected     = errors.New("dependency cycle")
	ErrMultipleTerminals = errors.New("graph must end in exactly one node")

	ErrNilContext  = errors.New("nil context")
	ErrNoProgress  = errors.New("no node is ready but the run is incomplete")
	ErrNodeTimeout = errors.New("node timed out")
)

// NodeError names the node a failure belongs to.
type NodeError struct {
	NodeName string
	Err      error
}

func (e *NodeError) Error() string {
	return fmt.Sprintf("node %q: %v", e.NodeName, e.Err)
}

func (e *NodeError) Unwrap() error { return e.Err }

// NewNodeError wraps err for nodeName.
func NewNodeError(nodeName string, err error) *NodeError {
	return &NodeError{NodeName: nodeName, Err: err}
}

// CycleError carries the nodes of a cycle, first node repeated at the end.
// errors.Is matches it against ErrCycleDetected.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("%v: %s", ErrCycleDetected, strings.Join(e.Path, " -> "))
}

func (e *CycleError) Is(target error) bool { return target == ErrCycleDetected }

// NewCycleError builds a CycleError for path.
func NewCycleError(path []string) *CycleError {
	return &CycleError{Path: path}
}
