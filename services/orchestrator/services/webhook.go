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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ErrWebhookNotConfigured is returned when no webhook URL is set.
var ErrWebhookNotConfigured = errors.New("webhook url not configured")

// WebhookForwarder posts JSON payloads to an automation webhook (n8n).
type WebhookForwarder struct {
	url    string
	client *http.Client
}

// NewWebhookForwarder builds a forwarder. An empty url is allowed; Forward
// then returns ErrWebhookNotConfigured.
func NewWebhookForwarder(url string, timeout time.Duration) *WebhookForwarder {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookForwarder{url: url, client: &http.Client{Timeout: timeout}}
}

// Configured reports whether a webhook URL is set.
func (w *WebhookForwarder) Configured() bool {
	return w != nil && w.url != ""
}

// Forward posts payload as JSON. Any non-2xx answer is an error.
func (w *WebhookForwarder) Forward(ctx context.Context, payload any) error {
	if !w.Configured() {
		return ErrWebhookNotConfigured
	}
	ctx, span := tracer.Start(ctx, "WebhookForwarder.Forward")
	defer span.End()

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode webhook payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		err := fmt.Errorf("webhook answered %d", resp.StatusCode)
		span.RecordError(err)
		return err
	}
	return nil
}
