// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/AleutianAI/babynest/services/memory"
	"github.com/AleutianAI/babynest/services/orchestrator/datatypes"
	"github.com/AleutianAI/babynest/services/orchestrator/services"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/codes"
)

// Detail and message strings of POST /api/end_session.
const (
	SessionNotFoundDetail = "Session not found."
	SessionSaveFailDetail = "Failed to save session data."
	SessionEmptyMessage   = "Session empty. Nothing saved."
	SessionSavedMessage   = "Session summarized and saved."
)

// SessionEnder ends sessions. *services.SessionService satisfies it.
type SessionEnder interface {
	EndSession(ctx context.Context, sessionID string) (*services.EndSessionResult, error)
}

// HandleEndSession serves POST /api/end_session.
//
// # Responses
//
//   - 200: {message} for an empty session, {message, summary} when saved.
//   - 404: Unknown session.
//   - 422: Invalid body.
//   - 500: Summarizing or archiving failed; the session is kept.
func HandleEndSession(sessions SessionEnder) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := handlerTracer.Start(c.Request.Context(), "HandleEndSession")
		defer span.End()

		var req datatypes.EndSessionRequest
		if !bindAndValidate(c, &req, req.Validate) {
			return
		}

		res, err := sessions.EndSession(ctx, req.SessionID)
		switch {
		case errors.Is(err, memory.ErrSessionNotFound):
			c.JSON(http.StatusNotFound, datatypes.ErrorResponse{Detail: SessionNotFoundDetail})
		case err != nil:
			span.RecordError(err)
			span.SetStatus(codes.Error, "end session failed")
			slog.Error("Failed to end session", "session_id", req.SessionID, "error", err)
			c.JSON(http.StatusInternalServerError, datatypes.ErrorResponse{Detail: SessionSaveFailDetail})
		case res.Outcome == services.OutcomeEmpty:
			c.JSON(http.StatusOK, datatypes.EndSessionResponse{Message: SessionEmptyMessage})
		default:
			c.JSON(http.StatusOK, datatypes.EndSessionResponse{Message: SessionSavedMessage, Summary: res.Summary})
		}
	}
}
