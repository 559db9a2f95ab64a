// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package orchestrator

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/AleutianAI/babynest/services/llm"
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

// fakeOllama answers /api/generate: classification prompts by keyword,
// everything else with a final answer.
func fakeOllama(t *testing.T, calls *atomic.Int64) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		var req struct {
			Prompt string `json:"prompt"`
		}
		if !assert.NoError(t, json.NewDecoder(r.Body).Decode(&req)) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		reply := "Final Answer: Exclusive breastfeeding to six months, then iron-rich foods."
		switch {
		case strings.HasPrefix(req.Prompt, "You are a routing assistant"):
			reply = "simple"
			if strings.Contains(req.Prompt[strings.LastIndex(req.Prompt, "User: "):], "WHO") {
				reply = "pipeline"
			}
		case strings.Contains(req.Prompt, "User query:"):
			reply = "Postpartum depression is a common mood disorder after birth. Please see your doctor."
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"response": reply, "done": true})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestService(t *testing.T) (Service, *atomic.Int64) {
	t.Helper()
	calls := &atomic.Int64{}
	srv := fakeOllama(t, calls)

	svc, err := New(Config{
		SessionStore:       StoreMemory,
		LLMPrimaryBackend:  llm.BackendOllama,
		LLMFallbackBackend: NoFallback,
		LLMBackends: map[string]llm.ClientConfig{
			llm.BackendOllama: {BaseURL: srv.URL, Model: "test"},
		},
		LLMTimeout: 5 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(svc.Close)
	return svc, calls
}

func postJSON(t *testing.T, router http.Handler, path string, body any) (*httptest.ResponseRecorder, map[string]string) {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	var resp map[string]string
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	return w, resp
}

// =============================================================================
// Config Tests
// =============================================================================

func TestApplyConfigDefaults_AllDefaults(t *testing.T) {
	result := applyConfigDefaults(Config{})

	assert.Equal(t, 8001, result.Port)
	assert.Equal(t, llm.BackendGroq, result.LLMPrimaryBackend)
	assert.Equal(t, llm.BackendGemini, result.LLMFallbackBackend)
	assert.Equal(t, StoreBadger, result.SessionStore)
	assert.Equal(t, "./data/sessions", result.BadgerPath)
	assert.Equal(t, 24*time.Hour, result.SessionTTL)
	assert.Equal(t, 5, result.RateLimitPerMinute)
	assert.Empty(t, result.OTelEndpoint, "tracing export is opt-in")
}

func TestApplyConfigDefaults_PreservesCustomValues(t *testing.T) {
	result := applyConfigDefaults(Config{
		Port:               9000,
		LLMPrimaryBackend:  " OpenAI ",
		LLMFallbackBackend: NoFallback,
		SessionStore:       StoreRedis,
		RateLimitPerMinute: 30,
	})

	assert.Equal(t, 9000, result.Port)
	assert.Equal(t, llm.BackendOpenAI, result.LLMPrimaryBackend)
	assert.Equal(t, NoFallback, result.LLMFallbackBackend)
	assert.Equal(t, StoreRedis, result.SessionStore)
	assert.Equal(t, 30, result.RateLimitPerMinute)
}

func TestNew_RejectsUnknownStore(t *testing.T) {
	_, err := New(Config{SessionStore: "sqlite"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown session store")
}

func TestNew_RejectsUnknownPrimaryBackend(t *testing.T) {
	_, err := New(Config{SessionStore: StoreMemory, LLMPrimaryBackend: "llamafile"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "primary backend")
}

func TestCheckConfig(t *testing.T) {
	require.NoError(t, CheckConfig(Config{}), "defaults are valid")
	require.NoError(t, CheckConfig(Config{LLMPrimaryBackend: "Ollama", LLMFallbackBackend: NoFallback}))

	tests := map[string]struct {
		cfg  Config
		want string
	}{
		"unknown store":    {Config{SessionStore: "sqlite"}, "unknown session store"},
		"redis no addr":    {Config{SessionStore: StoreRedis}, "REDIS_ADDR"},
		"unknown primary":  {Config{LLMPrimaryBackend: "llamafile"}, "primary backend"},
		"unknown fallback": {Config{LLMFallbackBackend: "claude"}, "fallback backend"},
		"missing pipeline": {Config{PipelineConfigDir: t.TempDir()}, "pipeline config"},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			err := CheckConfig(tc.cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

// =============================================================================
// End-to-end over HTTP
// =============================================================================

func TestService_EndToEnd(t *testing.T) {
	svc, calls := newTestService(t)
	router := svc.Router()

	// Simple path: a new session is created and remembered.
	w, resp := postJSON(t, router, "/api/chat", map[string]string{"user_request": "What is postpartum depression?"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "simple", resp["route"])
	assert.Contains(t, resp["output"], "Postpartum depression")
	sessionID := resp["session_id"]
	require.NotEmpty(t, sessionID)

	// Pipeline path: seven tasks, each answered in one call.
	before := calls.Load()
	w, resp = postJSON(t, router, "/api/chat", map[string]string{
		"user_request": "Please research and summarize WHO guidelines on infant nutrition for a 6-month-old.",
		"session_id":   sessionID,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "pipeline", resp["route"])
	assert.Equal(t, sessionID, resp["session_id"])
	assert.Equal(t, "Exclusive breastfeeding to six months, then iron-rich foods.", resp["output"])
	assert.Equal(t, int64(1+7), calls.Load()-before, "one routing call plus one call per task")

	// Executor instruments and service counters share /metrics.
	mw := httptest.NewRecorder()
	router.ServeHTTP(mw, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, mw.Code)
	assert.Contains(t, mw.Body.String(), "dag_node_success")
	assert.Contains(t, mw.Body.String(), "babynest_router_decisions_total")

	// No knowledge store is configured, so archiving fails and the session is kept.
	w, resp = postJSON(t, router, "/api/end_session", map[string]string{"session_id": sessionID})
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "Failed to save session data.", resp["detail"])

	w, resp = postJSON(t, router, "/api/end_session", map[string]string{"session_id": "never-seen"})
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "Session not found.", resp["detail"])
}

func TestService_HealthAndWebhookUnconfigured(t *testing.T) {
	svc, _ := newTestService(t)
	router := svc.Router()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	w, _ = postJSON(t, router, "/api/user_onboard", map[string]string{"name": "Asha", "email": "asha@example.com", "pregnancyWeek": "24"})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestService_PipelineConfigDirReload(t *testing.T) {
	calls := &atomic.Int64{}
	srv := fakeOllama(t, calls)

	dir := t.TempDir()
	write := func(tasks string) {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "agents.yaml"), []byte("agents:\n  - name: helper\n    role: Helper\n"), 0o600))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "tasks.yaml"), []byte(tasks), 0o600))
	}
	write("tasks:\n  - name: answer\n    agent: helper\n    include_query: true\n")

	svc, err := New(Config{
		SessionStore:       StoreMemory,
		LLMPrimaryBackend:  llm.BackendOllama,
		LLMFallbackBackend: NoFallback,
		LLMBackends: map[string]llm.ClientConfig{
			llm.BackendOllama: {BaseURL: srv.URL, Model: "test"},
		},
		PipelineConfigDir: dir,
	})
	require.NoError(t, err)
	t.Cleanup(svc.Close)

	reloader := svc.(*service).pipelines
	require.NoError(t, reloader.Close(), "stop the watcher so only explicit reloads swap")
	assert.Equal(t, []string{"answer"}, reloader.Current().Tasks())

	write("tasks:\n  - name: draft\n    agent: helper\n  - name: answer\n    agent: helper\n    depends_on: [draft]\n")
	require.NoError(t, reloader.Reload())
	assert.Equal(t, []string{"draft", "answer"}, reloader.Current().Tasks())

	active := reloader.Current()
	write("tasks:\n  - name: answer\n    agent: helper\n    depends_on: [ghost]\n")
	require.Error(t, reloader.Reload())
	assert.Same(t, active, reloader.Current(), "an invalid edit is not served")
}
