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

	"github.com/AleutianAI/babynest/services/orchestrator/datatypes"
	"github.com/AleutianAI/babynest/services/orchestrator/services"
	"github.com/gin-gonic/gin"
)

const (
	webhookFailDetail      = "Failed to process webhook request."
	onboardFailDetail      = "Failed to process user data and send to webhook."
	webhookUnconfigured    = "Webhook forwarding is not configured."
	webhookForwardedMsg    = "Data forwarded to n8n webhook."
	onboardForwardedMsg    = "User data forwarded to n8n webhook."
	forwardStatusSucceeded = "success"
)

// Forwarder delivers payloads to the automation webhook.
// *services.WebhookForwarder satisfies it.
type Forwarder interface {
	Forward(ctx context.Context, payload any) error
}

// HandleWebhook serves POST /api/n8n_webhook: any JSON object is forwarded
// as is.
func HandleWebhook(fwd Forwarder) gin.HandlerFunc {
	return func(c *gin.Context) {
		var payload map[string]any
		if !bindAndValidate(c, &payload, func() error { return nil }) {
			return
		}
		forward(c, fwd, payload, webhookFailDetail, webhookForwardedMsg)
	}
}

// HandleUserOnboard serves POST /api/user_onboard.
func HandleUserOnboard(fwd Forwarder) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.OnboardRequest
		if !bindAndValidate(c, &req, req.Validate) {
			return
		}
		forward(c, fwd, req, onboardFailDetail, onboardForwardedMsg)
	}
}

func forward(c *gin.Context, fwd Forwarder, payload any, failDetail, okMessage string) {
	ctx, span := handlerTracer.Start(c.Request.Context(), "Forward")
	defer span.End()

	err := fwd.Forward(ctx, payload)
	switch {
	case errors.Is(err, services.ErrWebhookNotConfigured):
		c.JSON(http.StatusServiceUnavailable, datatypes.ErrorResponse{Detail: webhookUnconfigured})
	case err != nil:
		span.RecordError(err)
		slog.Error("Failed to forward to webhook", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, datatypes.ErrorResponse{Detail: failDetail})
	default:
		c.JSON(http.StatusOK, datatypes.ForwardResponse{Status: forwardStatusSucceeded, Message: okMessage})
	}
}
