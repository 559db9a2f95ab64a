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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/AleutianAI/babynest/services/memory"
	"github.com/AleutianAI/babynest/services/orchestrator/services"
	"github.com/AleutianAI/babynest/services/pipeline"
	"github.com/AleutianAI/babynest/services/routing"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test Setup
// =============================================================================

func init() {
	gin.SetMode(gin.TestMode)
}

func createTestRouter(method, path string, handler gin.HandlerFunc) *gin.Engine {
	router := gin.New()
	router.Handle(method, path, handler)
	return router
}

func performRequest(router *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	var reqBody *bytes.Buffer
	switch b := body.(type) {
	case nil:
		reqBody = bytes.NewBuffer(nil)
	case string:
		reqBody = bytes.NewBufferString(b)
	default:
		jsonBytes, _ := json.Marshal(b)
		reqBody = bytes.NewBuffer(jsonBytes)
	}

	req, _ := http.NewRequest(method, path, reqBody)
	req.Header.Set("Content-Type", "application/json")

	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

type mockChatter struct {
	result *services.ChatResult
	err    error
	query  string
	sessID string
}

func (m *mockChatter) Chat(_ context.Context, query, sessionID string) (*services.ChatResult, error) {
	m.query, m.sessID = query, sessionID
	return m.result, m.err
}

type mockEnder struct {
	result *services.EndSessionResult
	err    error
}

func (m *mockEnder) EndSession(context.Context, string) (*services.EndSessionResult, error) {
	return m.result, m.err
}

type mockForwarder struct {
	err     error
	payload any
}

func (m *mockForwarder) Forward(_ context.Context, payload any) error {
	m.payload = payload
	return m.err
}

// =============================================================================
// Chat
// =============================================================================

func TestHandleChat_Success(t *testing.T) {
	chat := &mockChatter{result: &services.ChatResult{Output: "Rest and fluids.", SessionID: "s-1", Route: routing.RouteSimple}}
	router := createTestRouter(http.MethodPost, "/api/chat", HandleChat(chat))

	w := performRequest(router, http.MethodPost, "/api/chat", map[string]string{"user_request": "I have a cold", "session_id": "s-1"})

	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"output":"Rest and fluids.","session_id":"s-1","route":"simple"}`, w.Body.String())
	assert.Equal(t, "I have a cold", chat.query)
	assert.Equal(t, "s-1", chat.sessID)
}

func TestHandleChat_ValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		body any
	}{
		{"missing user_request", map[string]string{"session_id": "s"}},
		{"empty user_request", map[string]string{"user_request": ""}},
		{"too long", map[string]string{"user_request": strings.Repeat("x", 1001)}},
		{"session id too long", map[string]string{"user_request": "hi", "session_id": strings.Repeat("s", 51)}},
		{"malformed json", `{"user_request": `},
		{"wrong type", `{"user_request": 42}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			chat := &mockChatter{}
			router := createTestRouter(http.MethodPost, "/api/chat", HandleChat(chat))

			w := performRequest(router, http.MethodPost, "/api/chat", tc.body)

			assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
			var resp map[string]string
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.NotEmpty(t, resp["detail"])
			assert.Empty(t, chat.query, "the service is not called")
		})
	}
}

func TestHandleChat_PipelineFailure(t *testing.T) {
	failure := fmt.Errorf("research pipeline: %w", &pipeline.Failure{Task: "get_testimonials", Err: errors.New("quota")})
	router := createTestRouter(http.MethodPost, "/api/chat", HandleChat(&mockChatter{err: failure}))

	w := performRequest(router, http.MethodPost, "/api/chat", map[string]string{"user_request": "Please research sleep training"})

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.JSONEq(t, `{"detail":"`+PipelineFailureDetail+`"}`, w.Body.String())
	assert.NotContains(t, w.Body.String(), "quota", "internal causes are not leaked")
}

// =============================================================================
// End session
// =============================================================================

func TestHandleEndSession(t *testing.T) {
	tests := []struct {
		name   string
		ender  *mockEnder
		status int
		body   string
	}{
		{
			name:   "unknown session",
			ender:  &mockEnder{err: memory.ErrSessionNotFound},
			status: http.StatusNotFound,
			body:   `{"detail":"Session not found."}`,
		},
		{
			name:   "empty session",
			ender:  &mockEnder{result: &services.EndSessionResult{Outcome: services.OutcomeEmpty}},
			status: http.StatusOK,
			body:   `{"message":"Session empty. Nothing saved."}`,
		},
		{
			name:   "saved",
			ender:  &mockEnder{result: &services.EndSessionResult{Outcome: services.OutcomeSaved, Summary: "The user asked about sleep."}},
			status: http.StatusOK,
			body:   `{"message":"Session summarized and saved.","summary":"The user asked about sleep."}`,
		},
		{
			name:   "save failed",
			ender:  &mockEnder{err: errors.New("archive summary: weaviate down")},
			status: http.StatusInternalServerError,
			body:   `{"detail":"Failed to save session data."}`,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			router := createTestRouter(http.MethodPost, "/api/end_session", HandleEndSession(tc.ender))
			w := performRequest(router, http.MethodPost, "/api/end_session", map[string]string{"session_id": "s-1"})
			assert.Equal(t, tc.status, w.Code)
			assert.JSONEq(t, tc.body, w.Body.String())
		})
	}
}

func TestHandleEndSession_Validation(t *testing.T) {
	router := createTestRouter(http.MethodPost, "/api/end_session", HandleEndSession(&mockEnder{}))
	w := performRequest(router, http.MethodPost, "/api/end_session", map[string]string{})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.JSONEq(t, `{"detail":"session_id: field required"}`, w.Body.String())
}

// =============================================================================
// Webhooks
// =============================================================================

func TestHandleWebhook(t *testing.T) {
	fwd := &mockForwarder{}
	router := createTestRouter(http.MethodPost, "/api/n8n_webhook", HandleWebhook(fwd))

	w := performRequest(router, http.MethodPost, "/api/n8n_webhook", map[string]any{"event": "signup", "count": 2})
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"success","message":"Data forwarded to n8n webhook."}`, w.Body.String())
	assert.Equal(t, map[string]any{"event": "signup", "count": float64(2)}, fwd.payload)

	fwd.err = errors.New("connection refused")
	w = performRequest(router, http.MethodPost, "/api/n8n_webhook", map[string]any{"event": "signup"})
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.JSONEq(t, `{"detail":"Failed to process webhook request."}`, w.Body.String())

	w = performRequest(router, http.MethodPost, "/api/n8n_webhook", `[1,2]`)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestHandleUserOnboard(t *testing.T) {
	fwd := &mockForwarder{}
	router := createTestRouter(http.MethodPost, "/api/user_onboard", HandleUserOnboard(fwd))

	body := map[string]string{"name": "Asha", "email": "asha@example.com", "pregnancyWeek": "24"}
	w := performRequest(router, http.MethodPost, "/api/user_onboard", body)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"success","message":"User data forwarded to n8n webhook."}`, w.Body.String())

	w = performRequest(router, http.MethodPost, "/api/user_onboard", map[string]string{"name": "Asha", "email": "nope", "pregnancyWeek": "24"})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	fwd.err = errors.New("502")
	w = performRequest(router, http.MethodPost, "/api/user_onboard", body)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.JSONEq(t, `{"detail":"Failed to process user data and send to webhook."}`, w.Body.String())

	fwd.err = services.ErrWebhookNotConfigured
	w = performRequest(router, http.MethodPost, "/api/user_onboard", body)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

// =============================================================================
// Misc
// =============================================================================

func TestRootAndHealth(t *testing.T) {
	router := gin.New()
	router.GET("/", HandleRoot)
	router.GET("/health", HealthCheck)

	w := performRequest(router, http.MethodGet, "/", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "message")

	w = performRequest(router, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"healthy"}`, w.Body.String())
}
