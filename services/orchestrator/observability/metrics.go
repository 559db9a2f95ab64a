// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides Prometheus metrics for the orchestrator.
//
// # Description
//
// Metrics cover the routing decision, the simple chat path, pipeline
// stages and reloads, model fallbacks, ended sessions and rate limiting. They are
// exposed on /metrics.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
// Every Record method is a no-op on a nil *Metrics, so components can be
// built without metrics in tests.
package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Metric Definitions
// =============================================================================

const metricsNamespace = "babynest"

// Metrics holds the orchestrator's Prometheus collectors.
type Metrics struct {
	// RoutesTotal counts routing decisions.
	// Labels: route (simple, pipeline), source (model, keyword)
	RoutesTotal *prometheus.CounterVec

	// ChatRequestsTotal counts answered chat requests.
	// Labels: route, status (success, error)
	ChatRequestsTotal *prometheus.CounterVec

	// ChatDurationSeconds measures end-to-end chat latency.
	// Labels: route
	ChatDurationSeconds *prometheus.HistogramVec

	// PipelineStageSeconds measures each pipeline task.
	// Labels: task, status (success, error)
	PipelineStageSeconds *prometheus.HistogramVec

	// ModelFallbacksTotal counts calls that moved to the fallback backend.
	// Labels: primary, fallback
	ModelFallbacksTotal *prometheus.CounterVec

	// SessionsEndedTotal counts end_session outcomes.
	// Labels: outcome (saved, empty, not_found, error)
	SessionsEndedTotal *prometheus.CounterVec

	// RateLimitedTotal counts requests rejected with 429.
	RateLimitedTotal prometheus.Counter

	// PipelineReloadsTotal counts pipeline config reloads.
	// Labels: status (success, error)
	PipelineReloadsTotal *prometheus.CounterVec
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// InitMetrics registers the collectors with the default registry once and
// returns the shared instance.
func InitMetrics() *Metrics {
	defaultOnce.Do(func() {
		defaultMetrics = NewMetrics(prometheus.DefaultRegisterer)
	})
	return defaultMetrics
}

// NewMetrics creates the collectors and registers them with reg.
//
// # Inputs
//
//   - reg: Target registry. Tests pass prometheus.NewRegistry().
//
// # Outputs
//
//   - *Metrics: Ready collectors.
//
// # Limitations
//
//   - Panics if the same registry already holds these collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RoutesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "router",
				Name:      "decisions_total",
				Help:      "Routing decisions by route and decision source",
			},
			[]string{"route", "source"},
		),

		ChatRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "chat",
				Name:      "requests_total",
				Help:      "Chat requests by route and status",
			},
			[]string{"route", "status"},
		),

		ChatDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: "chat",
				Name:      "duration_seconds",
				Help:      "End-to-end chat latency in seconds",
				Buckets:   []float64{0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"route"},
		),

		PipelineStageSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: "pipeline",
				Name:      "stage_duration_seconds",
				Help:      "Pipeline task duration in seconds",
				Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"task", "status"},
		),

		ModelFallbacksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "llm",
				Name:      "fallbacks_total",
				Help:      "Model calls answered by the fallback backend attempt",
			},
			[]string{"primary", "fallback"},
		),

		SessionsEndedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "sessions",
				Name:      "ended_total",
				Help:      "end_session requests by outcome",
			},
			[]string{"outcome"},
		),

		RateLimitedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "http",
				Name:      "rate_limited_total",
				Help:      "Requests rejected by the per-client rate limit",
			},
		),

		PipelineReloadsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "pipeline",
				Name:      "reloads_total",
				Help:      "Pipeline config reloads by status",
			},
			[]string{"status"},
		),
	}
}

// =============================================================================
// Helper Methods
// =============================================================================

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// RecordRoute records one routing decision.
func (m *Metrics) RecordRoute(route, source string) {
	if m == nil {
		return
	}
	m.RoutesTotal.WithLabelValues(route, source).Inc()
}

// RecordChat records a finished chat request.
func (m *Metrics) RecordChat(route string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.ChatRequestsTotal.WithLabelValues(route, status(err)).Inc()
	m.ChatDurationSeconds.WithLabelValues(route).Observe(d.Seconds())
}

// RecordStage records a finished pipeline task. Its signature matches
// pipeline.StageObserver.
func (m *Metrics) RecordStage(task string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.PipelineStageSeconds.WithLabelValues(task, status(err)).Observe(d.Seconds())
}

// RecordFallback records a call that moved to the fallback backend. Its
// signature matches llm.WithFallbackObserver.
func (m *Metrics) RecordFallback(primary, fallback string) {
	if m == nil {
		return
	}
	m.ModelFallbacksTotal.WithLabelValues(primary, fallback).Inc()
}

// RecordSessionEnded records an end_session outcome.
func (m *Metrics) RecordSessionEnded(outcome string) {
	if m == nil {
		return
	}
	m.SessionsEndedTotal.WithLabelValues(outcome).Inc()
}

// RecordRateLimited records a 429.
func (m *Metrics) RecordRateLimited() {
	if m == nil {
		return
	}
	m.RateLimitedTotal.Inc()
}

// RecordPipelineReload records a reload attempt. Its signature matches
// pipeline.Reloader.OnReload.
func (m *Metrics) RecordPipelineReload(err error) {
	if m == nil {
		return
	}
	m.PipelineReloadsTotal.WithLabelValues(status(err)).Inc()
}
