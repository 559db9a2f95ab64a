// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package services holds the orchestrator's business logic, kept apart from
// the HTTP handlers.
//
// ChatService routes each query and dispatches it to SimpleChat or to the
// research pipeline. SessionService ends a session by summarizing it into
// the knowledge store. Dependencies are injected through small interfaces
// so every path can be tested without a model or a database.
package services

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/AleutianAI/babynest/services/llm"
	"github.com/AleutianAI/babynest/services/memory"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("babynest.orchestrator.services")

// =============================================================================
// Interfaces
// =============================================================================

// DocumentSearcher returns knowledge passages for a query, "" when there
// are none or the search failed.
type DocumentSearcher interface {
	SearchDocuments(ctx context.Context, query string) string
}

// ChatModel is a model call with one fallback attempt. *llm.Gateway
// satisfies it.
type ChatModel interface {
	CompleteWithFallback(ctx context.Context, prompt string, params llm.GenerationParams) (string, error)
}

// =============================================================================
// SimpleChat
// =============================================================================

const (
	// DefaultHistoryTurns is how many recent turns the prompt carries.
	DefaultHistoryTurns = 10

	// SimpleChatFailureMessage is answered when every model backend failed.
	SimpleChatFailureMessage = "I'm sorry, I wasn't able to come up with an answer right now. Please try again in a moment."
)

const simpleChatPrompt = `You are a helpful and friendly assistant for expecting and new parents. Give concise, direct answers in a positive and supportive tone. You are not a medical professional, and you always encourage users to consult a healthcare provider for medical advice.

Use the knowledge and chat history below when they are relevant to the user's query. If they are unrelated, answer without them. Be brief and realistic.

Knowledge:
%s

Chat history:
%s

User query: %s

Final Answer:`

// SimpleChat answers a query with retrieved knowledge and recent history
// in a single model call.
//
// # Thread Safety
//
// Safe for concurrent use. Per-session ordering is the store's concern.
type SimpleChat struct {
	store        memory.Store
	docs         DocumentSearcher
	model        ChatModel
	historyTurns int
	params       llm.GenerationParams
	now          func() time.Time
}

// NewSimpleChat builds the simple chat strategy.
//
// # Inputs
//
//   - store: Session memory. Required.
//   - docs: Knowledge search. Nil means no knowledge.
//   - model: Model with fallback. Required.
func NewSimpleChat(store memory.Store, docs DocumentSearcher, model ChatModel) (*SimpleChat, error) {
	if store == nil {
		return nil, fmt.Errorf("simple chat: memory store is required")
	}
	if model == nil {
		return nil, fmt.Errorf("simple chat: model is required")
	}
	return &SimpleChat{
		store:        store,
		docs:         docs,
		model:        model,
		historyTurns: DefaultHistoryTurns,
		params:       llm.GenerationParams{Temperature: llm.Float32(0.5)},
		now:          time.Now,
	}, nil
}

// Respond answers query within sessionID.
//
// # Description
//
// Loads the session's last DefaultHistoryTurns turns, searches the
// knowledge store, and makes one model call with fallback. A successful
// answer is appended to the session; if that append fails the answer is
// still returned. When every backend fails the fixed
// SimpleChatFailureMessage is returned and nothing is appended.
//
// # Outputs
//
//   - string: The answer. Never empty.
func (s *SimpleChat) Respond(ctx context.Context, query, sessionID string) string {
	answer, _ := s.respond(ctx, query, sessionID)
	return answer
}

func (s *SimpleChat) respond(ctx context.Context, query, sessionID string) (string, error) {
	ctx, span := tracer.Start(ctx, "SimpleChat.Respond")
	defer span.End()
	span.SetAttributes(attribute.String("session_id", sessionID))

	turns, err := s.store.Load(ctx, sessionID)
	if err != nil {
		slog.Warn("Failed to load session history, answering without it",
			"session_id", sessionID,
			"error", err)
		turns = nil
	}
	history := memory.Recent(turns, s.historyTurns)

	knowledge := ""
	if s.docs != nil {
		knowledge = s.docs.SearchDocuments(ctx, query)
	}

	prompt := fmt.Sprintf(simpleChatPrompt, knowledge, FormatHistory(history), query)
	answer, err := s.model.CompleteWithFallback(ctx, prompt, s.params)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "model failed")
		slog.Error("Simple chat model call failed",
			"session_id", sessionID,
			"error", err)
		return SimpleChatFailureMessage, err
	}
	answer = strings.TrimSpace(answer)

	turn := memory.Turn{User: query, Assistant: answer, CreatedAt: s.now().UTC()}
	if err := s.store.Append(ctx, sessionID, turn); err != nil {
		slog.Error("Failed to append turn to session",
			"session_id", sessionID,
			"error", err)
	}
	span.SetAttributes(attribute.Int("history.turns", len(history)))
	return answer, nil
}

// FormatHistory renders turns as "User: q\nAI: a" lines, oldest first.
func FormatHistory(turns []memory.Turn) string {
	lines := make([]string, 0, len(turns))
	for _, t := range turns {
		lines = append(lines, "User: "+t.User+"\nAI: "+t.Assistant)
	}
	return strings.Join(lines, "\n")
}
