// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/AleutianAI/babynest/services/memory"
	"github.com/AleutianAI/babynest/services/orchestrator/observability"
	"github.com/AleutianAI/babynest/services/routing"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Classifier decides a route. *routing.Router satisfies it.
type Classifier interface {
	Decide(ctx context.Context, query string) routing.Decision
}

// Researcher runs the multi-agent pipeline. *pipeline.Pipeline and
// *pipeline.Reloader satisfy it.
type Researcher interface {
	Run(ctx context.Context, query string) (string, error)
}

// ChatResult is one answered query.
type ChatResult struct {
	Output    string
	SessionID string
	Route     routing.Route
}

// ChatService routes each query and dispatches it.
//
// # Description
//
// A request without a session id starts a new session with a UUIDv4. The
// route is computed fresh for every query. The simple path reads and
// appends session memory; the pipeline path does neither.
//
// # Thread Safety
//
// Safe for concurrent use.
type ChatService struct {
	store    memory.Store
	router   Classifier
	simple   *SimpleChat
	pipeline Researcher
	metrics  *observability.Metrics
	newID    func() string
}

// NewChatService wires the chat dispatch. metrics may be nil.
func NewChatService(store memory.Store, router Classifier, simple *SimpleChat, pipeline Researcher, metrics *observability.Metrics) (*ChatService, error) {
	switch {
	case store == nil:
		return nil, errors.New("chat service: memory store is required")
	case router == nil:
		return nil, errors.New("chat service: router is required")
	case simple == nil:
		return nil, errors.New("chat service: simple chat is required")
	case pipeline == nil:
		return nil, errors.New("chat service: pipeline is required")
	}
	return &ChatService{
		store:    store,
		router:   router,
		simple:   simple,
		pipeline: pipeline,
		metrics:  metrics,
		newID:    uuid.NewString,
	}, nil
}

// Chat answers query within sessionID, creating the session when needed.
//
// # Outputs
//
//   - *ChatResult: The answer, the session id used and the route taken.
//   - error: A *pipeline.Failure (or ctx error) from the pipeline path.
//     The simple path never fails; its fallback text is a normal answer.
func (s *ChatService) Chat(ctx context.Context, query, sessionID string) (*ChatResult, error) {
	ctx, span := tracer.Start(ctx, "ChatService.Chat")
	defer span.End()
	start := time.Now()

	if sessionID == "" {
		sessionID = s.newID()
		slog.Info("Starting new session", "session_id", sessionID)
	}
	if err := s.store.Ensure(ctx, sessionID); err != nil {
		slog.Warn("Failed to create session record",
			"session_id", sessionID,
			"error", err)
	}
	span.SetAttributes(attribute.String("session_id", sessionID))

	decision := s.router.Decide(ctx, query)
	s.metrics.RecordRoute(string(decision.Route), string(decision.Source))
	span.SetAttributes(attribute.String("route", string(decision.Route)))
	slog.Info("Routed query",
		"session_id", sessionID,
		"route", decision.Route,
		"source", decision.Source,
		"rule", decision.Rule)

	result := &ChatResult{SessionID: sessionID, Route: decision.Route}

	if decision.Route == routing.RoutePipeline {
		out, err := s.pipeline.Run(ctx, query)
		s.metrics.RecordChat(string(decision.Route), time.Since(start), err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "pipeline failed")
			slog.Error("Research pipeline failed",
				"session_id", sessionID,
				"error", err)
			return nil, fmt.Errorf("research pipeline: %w", err)
		}
		result.Output = out
		return result, nil
	}

	out, err := s.simple.respond(ctx, query, sessionID)
	s.metrics.RecordChat(string(decision.Route), time.Since(start), err)
	result.Output = out
	return result, nil
}
