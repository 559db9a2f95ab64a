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
	"strings"

	"github.com/AleutianAI/babynest/services/llm"
	"github.com/AleutianAI/babynest/services/memory"
	"github.com/AleutianAI/babynest/services/orchestrator/observability"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Archiver stores a session summary in the knowledge store.
// *retrieval.Archiver satisfies it.
type Archiver interface {
	Archive(ctx context.Context, sessionID, text string) (int, error)
}

// EndOutcome is what EndSession did.
type EndOutcome string

const (
	OutcomeSaved    EndOutcome = "saved"
	OutcomeEmpty    EndOutcome = "empty"
	OutcomeNotFound EndOutcome = "not_found"
	OutcomeError    EndOutcome = "error"
)

// maxEndAttempts bounds how often EndSession starts over because the
// session changed underneath it.
const maxEndAttempts = 3

// ErrSessionBusy is returned when a session kept receiving turns while it
// was being ended. The session is left in place.
var ErrSessionBusy = errors.New("session kept changing while it was being ended")

const summaryPrompt = "Please summarize the following conversation in a concise and neutral way. The summary should be in the third person.\n\nConversation:\n%s"

// EndSessionResult reports a finished session.
type EndSessionResult struct {
	Outcome EndOutcome
	Summary string
	Chunks  int
}

// SessionService ends sessions.
type SessionService struct {
	store    memory.Store
	model    ChatModel
	archiver Archiver
	metrics  *observability.Metrics
}

// NewSessionService wires session ending. metrics may be nil.
func NewSessionService(store memory.Store, model ChatModel, archiver Archiver, metrics *observability.Metrics) (*SessionService, error) {
	switch {
	case store == nil:
		return nil, errors.New("session service: memory store is required")
	case model == nil:
		return nil, errors.New("session service: model is required")
	case archiver == nil:
		return nil, errors.New("session service: archiver is required")
	}
	return &SessionService{store: store, model: model, archiver: archiver, metrics: metrics}, nil
}

// EndSession summarizes, archives and clears a session.
//
// # Description
//
// An unknown session is memory.ErrSessionNotFound. An empty session is
// cleared and reported as OutcomeEmpty. Otherwise the whole conversation
// is summarized in the third person, the summary is archived, and only
// then is the session cleared, so a failed save leaves the history in
// place for a retry.
//
// The clear is conditional on the history still being the one that was
// summarized. A turn appended by a concurrent chat request while the
// summary was being written sends EndSession round again with the longer
// history, up to maxEndAttempts times; after that the session is kept and
// ErrSessionBusy is returned.
//
// # Outputs
//
//   - *EndSessionResult: Outcome and, when saved, the summary.
//   - error: memory.ErrSessionNotFound, ErrSessionBusy, or the
//     summarize/archive/store failure.
func (s *SessionService) EndSession(ctx context.Context, sessionID string) (result *EndSessionResult, err error) {
	ctx, span := tracer.Start(ctx, "SessionService.EndSession")
	defer span.End()
	span.SetAttributes(attribute.String("session_id", sessionID))

	defer func() {
		outcome := OutcomeError
		switch {
		case result != nil:
			outcome = result.Outcome
		case errors.Is(err, memory.ErrSessionNotFound):
			outcome = OutcomeNotFound
		}
		s.metrics.RecordSessionEnded(string(outcome))
		if err != nil && outcome == OutcomeError {
			span.RecordError(err)
			span.SetStatus(codes.Error, "end session failed")
		}
	}()

	exists, err := s.store.Exists(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("check session: %w", err)
	}
	if !exists {
		return nil, memory.ErrSessionNotFound
	}

	for attempt := 1; attempt <= maxEndAttempts; attempt++ {
		span.SetAttributes(attribute.Int("end_session.attempt", attempt))
		result, err = s.endOnce(ctx, sessionID)
		if err != nil || result != nil {
			return result, err
		}
		slog.Info("Session changed while ending, summarizing again",
			"session_id", sessionID,
			"attempt", attempt)
	}
	return nil, ErrSessionBusy
}

// endOnce makes one pass over the session. A nil result with a nil error
// means turns arrived and nothing was cleared.
func (s *SessionService) endOnce(ctx context.Context, sessionID string) (*EndSessionResult, error) {
	turns, err := s.store.Load(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if len(turns) == 0 {
		cleared, err := s.store.ClearIfUnchanged(ctx, sessionID, turns)
		if err != nil {
			return nil, fmt.Errorf("clear empty session: %w", err)
		}
		if !cleared {
			return nil, nil
		}
		return &EndSessionResult{Outcome: OutcomeEmpty}, nil
	}

	summary, err := s.model.CompleteWithFallback(ctx,
		fmt.Sprintf(summaryPrompt, FormatHistory(turns)),
		llm.GenerationParams{Temperature: llm.Float32(0.3)})
	if err != nil {
		return nil, fmt.Errorf("summarize session: %w", err)
	}
	summary = strings.TrimSpace(summary)

	// Skip archiving a summary that is already stale.
	current, err := s.store.Load(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("reload session: %w", err)
	}
	if len(current) != len(turns) || FormatHistory(current) != FormatHistory(turns) {
		return nil, nil
	}

	chunks, err := s.archiver.Archive(ctx, sessionID, summary)
	if err != nil {
		return nil, fmt.Errorf("archive summary: %w", err)
	}

	cleared, err := s.store.ClearIfUnchanged(ctx, sessionID, turns)
	if err != nil {
		return nil, fmt.Errorf("clear session: %w", err)
	}
	if !cleared {
		return nil, nil
	}

	slog.Info("Session summarized and archived",
		"session_id", sessionID,
		"turns", len(turns),
		"chunks", chunks)
	return &EndSessionResult{Outcome: OutcomeSaved, Summary: summary, Chunks: chunks}, nil
}
