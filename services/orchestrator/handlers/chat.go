// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers holds the orchestrator's gin handlers. Handlers bind and
// validate requests, call one service, and are the only place where errors
// become HTTP status codes.
package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/AleutianAI/babynest/services/orchestrator/datatypes"
	"github.com/AleutianAI/babynest/services/orchestrator/services"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var handlerTracer = otel.Tracer("babynest.orchestrator.handlers")

// PipelineFailureDetail is returned when the research pipeline fails.
const PipelineFailureDetail = "Something went wrong while researching your question. Please try again later."

// Chatter answers chat queries. *services.ChatService satisfies it.
type Chatter interface {
	Chat(ctx context.Context, query, sessionID string) (*services.ChatResult, error)
}

// HandleChat serves POST /api/chat.
//
// # Responses
//
//   - 200: datatypes.ChatResponse.
//   - 422: Body missing, malformed or out of bounds.
//   - 500: The research pipeline failed.
func HandleChat(chat Chatter) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := handlerTracer.Start(c.Request.Context(), "HandleChat")
		defer span.End()

		var req datatypes.ChatRequest
		if !bindAndValidate(c, &req, req.Validate) {
			return
		}

		res, err := chat.Chat(ctx, req.UserRequest, req.SessionID)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "chat failed")
			slog.Error("Chat request failed", "session_id", req.SessionID, "error", err)
			c.JSON(http.StatusInternalServerError, datatypes.ErrorResponse{Detail: PipelineFailureDetail})
			return
		}

		span.SetAttributes(
			attribute.String("session_id", res.SessionID),
			attribute.String("route", string(res.Route)),
		)
		c.JSON(http.StatusOK, datatypes.ChatResponse{
			Output:    res.Output,
			SessionID: res.SessionID,
			Route:     string(res.Route),
		})
	}
}

// bindAndValidate binds the JSON body into req and runs validate. On
// failure it writes the 422 and returns false.
func bindAndValidate(c *gin.Context, req any, validate func() error) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		slog.Warn("Rejected malformed request body", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusUnprocessableEntity, datatypes.ErrorResponse{Detail: datatypes.ValidationDetail(err)})
		return false
	}
	if err := validate(); err != nil {
		c.JSON(http.StatusUnprocessableEntity, datatypes.ErrorResponse{Detail: datatypes.ValidationDetail(err)})
		return false
	}
	return true
}
