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
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

var (
	tracer = otel.Tracer("babynest.dag")
	meter  = otel.Meter("babynest.dag")
)

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) ExecutorOption {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithMaxConcurrency sets how many ready nodes may run at once. Values
// below 1 are treated as 1, which runs nodes strictly one at a time.
func WithMaxConcurrency(n int) ExecutorOption {
	return func(e *Executor) {
		if n < 1 {
			n = 1
		}
		e.maxConcurrency = n
	}
}

// Executor runs a DAG with tracing and metrics.
//
// # Description
//
// Each step collects the nodes whose dependencies have all completed, in
// declaration order. With MaxConcurrency 1 only the first of them runs,
// giving a stable topological order. With a higher limit up to that many
// run together in an errgroup; the first failure cancels the others.
//
// # Thread Safety
//
// Executor is safe for concurrent use. Each Run has its own state.
type Executor struct {
	dag            *DAG
	logger         *slog.Logger
	maxConcurrency int

	metricsOnce     sync.Once
	nodeLatency     metric.Float64Histogram
	nodeSuccesses   metric.Int64Counter
	nodeFailures    metric.Int64Counter
	pipelineLatency metric.Float64Histogram
}

// NewExecutor creates an executor for dag.
func NewExecutor(dag *DAG, opts ...ExecutorOption) (*Executor, error) {
	if dag == nil {
		return nil, ErrInvalidInput
	}
	e := &Executor{
		dag:            dag,
		logger:         slog.Default(),
		maxConcurrency: 1,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// DAG returns the graph this executor runs.
func (e *Executor) DAG() *DAG { return e.dag }

// initMetrics lazily initializes metrics. Failures degrade observability
// but never block execution.
func (e *Executor) initMetrics() {
	e.metricsOnce.Do(func() {
		var initErrors []string
		var err error

		e.nodeLatency, err = meter.Float64Histogram("dag_node_duration_seconds",
			metric.WithDescription("Time spent executing each DAG node"),
			metric.WithUnit("s"),
		)
		if err != nil {
			initErrors = append(initErrors, "node_latency: "+err.Error())
		}

		e.nodeSuccesses, err = meter.Int64Counter("dag_node_success_total",
			metric.WithDescription("Number of successful node executions"),
		)
		if err != nil {
			initErrors = append(initErrors, "node_successes: "+err.Error())
		}

		e.nodeFailures, err = meter.Int64Counter("dag_node_failure_total",
			metric.WithDescription("Number of failed node executions"),
		)
		if err != nil {
			initErrors = append(initErrors, "node_failures: "+err.Error())
		}

		e.pipelineLatency, err = meter.Float64Histogram("dag_run_duration_seconds",
			metric.WithDescription("Total DAG run time"),
			metric.WithUnit("s"),
		)
		if err != nil {
			initErrors = append(initErrors, "pipeline_latency: "+err.Error())
		}

		if len(initErrors) > 0 {
			e.logger.Error("failed to initialize some DAG metrics (observability degraded)",
				slog.Int("failed_count", len(initErrors)),
				slog.Any("errors", initErrors),
			)
		}
	})
}

// Run executes the DAG to completion.
//
// # Inputs
//
//   - ctx: Cancellation for the whole run.
//   - input: Passed to every node under RootKey.
//
// # Outputs
//
//   - *Result: Always non-nil when ctx is non-nil. On success Output is
//     the terminal node's output.
//   - error: A *NodeError naming the failing node, ctx.Err() on
//     cancellation between nodes, or ErrNoProgress.
func (e *Executor) Run(ctx context.Context, input any) (*Result, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	e.initMetrics()

	runID := uuid.NewString()[:12]
	ctx, span := tracer.Start(ctx, "dag.Run",
		trace.WithAttributes(
			attribute.String("dag.name", e.dag.Name()),
			attribute.String("dag.run_id", runID),
			attribute.Int("dag.node_count", e.dag.NodeCount()),
			attribute.Int("dag.max_concurrency", e.maxConcurrency),
		),
	)
	defer span.End()

	start := time.Now()
	st := newState(input)

	e.logger.Info("dag run started",
		slog.String("dag", e.dag.Name()),
		slog.String("run_id", runID),
		slog.Int("nodes", e.dag.NodeCount()),
	)

	for st.completedCount() < e.dag.NodeCount() {
		if err := ctx.Err(); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "context canceled")
			return e.buildResult(runID, st, start, err), err
		}

		ready := e.findReadyNodes(st)
		if len(ready) == 0 {
			err := ErrNoProgress
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return e.buildResult(runID, st, start, err), err
		}
		if len(ready) > e.maxConcurrency {
			ready = ready[:e.maxConcurrency]
		}

		var err error
		if len(ready) == 1 {
			err = e.executeNode(ctx, ready[0], st, runID)
		} else {
			err = e.executeWave(ctx, ready, st, runID)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			e.logger.Error("dag run failed",
				slog.String("run_id", runID),
				slog.String("error", err.Error()),
			)
			return e.buildResult(runID, st, start, err), err
		}
	}

	duration := time.Since(start)
	if e.pipelineLatency != nil {
		e.pipelineLatency.Record(ctx, duration.Seconds(),
			metric.WithAttributes(attribute.String("dag", e.dag.Name())),
		)
	}
	span.SetStatus(codes.Ok, "")
	e.logger.Info("dag run completed",
		slog.String("run_id", runID),
		slog.Duration("duration", duration),
		slog.Int("nodes_executed", st.completedCount()),
	)
	return e.buildResult(runID, st, start, nil), nil
}

// findReadyNodes returns, in declaration order, the nodes whose
// dependencies have all completed.
func (e *Executor) findReadyNodes(st *state) []Node {
	var ready []Node
	for _, name := range e.dag.order {
		if st.isCompleted(name) || st.isRunning(name) {
			continue
		}
		allDepsComplete := true
		for _, dep := range e.dag.GetDependencies(name) {
			if !st.isCompleted(dep) {
				allDepsComplete = false
				break
			}
		}
		if allDepsComplete {
			ready = append(ready, e.dag.nodes[name])
		}
	}
	return ready
}

// executeWave runs independent ready nodes together.
func (e *Executor) executeWave(ctx context.Context, nodes []Node, st *state, runID string) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, node := range nodes {
		g.Go(func() error {
			return e.executeNode(gctx, node, st, runID)
		})
	}
	return g.Wait()
}

// executeNode runs a single node with observability.
func (e *Executor) executeNode(ctx context.Context, node Node, st *state, runID string) error {
	ctx, span := tracer.Start(ctx, node.Name(),
		trace.WithAttributes(
			attribute.String("dag.node", node.Name()),
			attribute.StringSlice("dag.dependencies", node.Dependencies()),
			attribute.String("dag.run_id", runID),
		),
	)
	defer span.End()

	st.setRunning(node.Name(), true)
	defer st.setRunning(node.Name(), false)

	inputs := make(map[string]any, len(node.Dependencies())+1)
	inputs[RootKey], _ = st.output(RootKey)
	for _, dep := range node.Dependencies() {
		inputs[dep], _ = st.output(dep)
	}

	nodeCtx := ctx
	if timeout := node.Timeout(); timeout > 0 {
		var cancel context.CancelFunc
		nodeCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	e.logger.Debug("node starting", slog.String("node", node.Name()), slog.String("run_id", runID))

	start := time.Now()
	output, err := node.Execute(nodeCtx, inputs)
	duration := time.Since(start)

	if e.nodeLatency != nil {
		e.nodeLatency.Record(ctx, duration.Seconds(),
			metric.WithAttributes(attribute.String("node", node.Name())),
		)
	}

	if err != nil {
		if errors.Is(nodeCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("%w: %s: %w", ErrNodeTimeout, node.Name(), err)
		}
		if e.nodeFailures != nil {
			e.nodeFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("node", node.Name())))
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.logger.Error("node failed",
			slog.String("node", node.Name()),
			slog.Duration("duration", duration),
			slog.String("error", err.Error()),
		)
		return NewNodeError(node.Name(), err)
	}

	if e.nodeSuccesses != nil {
		e.nodeSuccesses.Add(ctx, 1, metric.WithAttributes(attribute.String("node", node.Name())))
	}
	span.SetStatus(codes.Ok, "")
	st.setCompleted(node.Name(), output, duration)

	e.logger.Info("node completed",
		slog.String("node", node.Name()),
		slog.Duration("duration", duration),
	)
	return nil
}

func (e *Executor) buildResult(runID string, st *state, start time.Time, err error) *Result {
	result := &Result{
		RunID:         runID,
		Duration:      time.Since(start),
		NodesExecuted: st.completedCount(),
		Completed:     st.completedNames(),
		NodeDurations: st.durationsCopy(),
	}
	if err != nil {
		result.Error = err.Error()
		var nodeErr *NodeError
		if errors.As(err, &nodeErr) {
			result.FailedNode = nodeErr.NodeName
		}
		return result
	}
	result.Success = true
	result.Output, _ = st.output(e.dag.Terminal())
	return result
}
