// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/AleutianAI/babynest/services/llm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Mocks
// =============================================================================

type call struct {
	Task  string
	Input TaskInput
}

// recordingAgent returns "<task> done" and remembers every input.
type recordingAgent struct {
	name   string
	mu     *sync.Mutex
	calls  *[]call
	failOn string
}

func (a *recordingAgent) Name() string { return a.name }

func (a *recordingAgent) Perform(_ context.Context, task TaskConfig, in TaskInput) (string, error) {
	a.mu.Lock()
	*a.calls = append(*a.calls, call{Task: task.Name, Input: in})
	a.mu.Unlock()
	if task.Name == a.failOn {
		return "", &llm.ModelError{Backend: "groq", Err: errors.New("rate limited")}
	}
	return task.Name + " done", nil
}

func recordingAgents(cfg *Config, failOn string) (map[string]Agent, *[]call) {
	var mu sync.Mutex
	calls := &[]call{}
	agents := make(map[string]Agent)
	for _, a := range cfg.Agents {
		agents[a.Name] = &recordingAgent{name: a.Name, mu: &mu, calls: calls, failOn: failOn}
	}
	return agents, calls
}

func taskNames(calls []call) []string {
	names := make([]string, len(calls))
	for i, c := range calls {
		names[i] = c.Task
	}
	return names
}

func defaultConfig(t *testing.T) *Config {
	t.Helper()
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	require.NoError(t, cfg.Validate([]string{"groq", "gemini"}, []string{ToolSearchDocuments, ToolSearchWeb}))
	return cfg
}

var expectedOrder = []string{
	"plan_conversation",
	"research_and_draft",
	"refine_health_info",
	"get_testimonials",
	"synthesize_and_personalize",
	"moderation_and_finalization",
	"final_summarization",
}

// =============================================================================
// Run
// =============================================================================

func TestRun_TerminalOutputAndOrder(t *testing.T) {
	cfg := defaultConfig(t)
	agents, calls := recordingAgents(cfg, "")
	p, err := New(cfg, agents, Options{})
	require.NoError(t, err)

	out, err := p.Run(context.Background(),
		"Please research and summarize WHO guidelines on infant nutrition for a 6-month-old.")
	require.NoError(t, err)

	assert.Equal(t, "final_summarization done", out)
	assert.Equal(t, expectedOrder, taskNames(*calls))
	assert.Equal(t, expectedOrder, p.Tasks())
}

func TestRun_ExactDependencyContext(t *testing.T) {
	cfg := defaultConfig(t)
	agents, calls := recordingAgents(cfg, "")
	p, err := New(cfg, agents, Options{})
	require.NoError(t, err)

	const query = "How do I ease heartburn in the third trimester?"
	_, err = p.Run(context.Background(), query)
	require.NoError(t, err)

	byTask := make(map[string]TaskInput)
	for _, c := range *calls {
		byTask[c.Task] = c.Input
	}

	assert.Equal(t, TaskInput{Query: query}, byTask["plan_conversation"])
	assert.Equal(t, "### plan_conversation\nplan_conversation done", byTask["research_and_draft"].Context)
	assert.Equal(t, "", byTask["refine_health_info"].Query, "refine does not include the query")
	assert.Equal(t,
		"### refine_health_info\nrefine_health_info done\n\n### get_testimonials\nget_testimonials done",
		byTask["synthesize_and_personalize"].Context,
		"context is exactly the declared dependencies, in declared order")
	assert.NotContains(t, byTask["synthesize_and_personalize"].Context, "research_and_draft")
	assert.Equal(t, query, byTask["final_summarization"].Query)
}

func TestRun_UpstreamFailureStopsDownstream(t *testing.T) {
	cfg := defaultConfig(t)
	agents, calls := recordingAgents(cfg, "refine_health_info")
	p, err := New(cfg, agents, Options{})
	require.NoError(t, err)

	out, err := p.Run(context.Background(), "anything")
	require.Error(t, err)
	assert.Empty(t, out)

	var failure *Failure
	require.True(t, errors.As(err, &failure))
	assert.Equal(t, "refine_health_info", failure.Task)
	assert.True(t, llm.IsModelError(err), "the cause stays reachable")
	assert.True(t, IsFailure(err))
	assert.Equal(t, expectedOrder[:3], taskNames(*calls), "no task after the failing one runs")
}

func TestRun_Observer(t *testing.T) {
	cfg := defaultConfig(t)
	agents, _ := recordingAgents(cfg, "get_testimonials")

	var mu sync.Mutex
	seen := map[string]error{}
	p, err := New(cfg, agents, Options{Observer: func(task string, _ time.Duration, err error) {
		mu.Lock()
		defer mu.Unlock()
		seen[task] = err
	}})
	require.NoError(t, err)

	_, err = p.Run(context.Background(), "q")
	require.Error(t, err)
	assert.Len(t, seen, 4)
	assert.NoError(t, seen["refine_health_info"])
	assert.Error(t, seen["get_testimonials"])
}

func TestRun_ConcurrentRunsAreIndependent(t *testing.T) {
	cfg := defaultConfig(t)
	agents, calls := recordingAgents(cfg, "")
	p, err := New(cfg, agents, Options{})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, err := p.Run(context.Background(), fmt.Sprintf("question %d", i))
			assert.NoError(t, err)
			assert.Equal(t, "final_summarization done", out)
		}(i)
	}
	wg.Wait()
	assert.Len(t, *calls, 5*len(expectedOrder))
}

func TestNew_MissingAgent(t *testing.T) {
	cfg := defaultConfig(t)
	agents, _ := recordingAgents(cfg, "")
	delete(agents, "moderator")

	_, err := New(cfg, agents, Options{})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

// =============================================================================
// NewFromConfig with model-backed agents
// =============================================================================

// echoModel answers every prompt with a Final Answer naming the call.
type echoModel struct {
	mu    sync.Mutex
	calls int
}

func (m *echoModel) Generate(_ context.Context, _ string, _ llm.GenerationParams) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	return fmt.Sprintf("Thought: done\nFinal Answer: answer %d", m.calls), nil
}

type staticDocs string

func (s staticDocs) SearchDocuments(context.Context, string) string { return string(s) }

type staticWeb []string

func (s staticWeb) SearchWeb(context.Context, string) []string { return s }

func TestNewFromConfig_EndToEnd(t *testing.T) {
	cfg := defaultConfig(t)
	model := &echoModel{}
	tools := []Tool{NewDocumentSearchTool(staticDocs("docs")), NewWebSearchTool(staticWeb{"web"})}

	p, err := NewFromConfig(cfg, Models{Default: model}, tools, Options{})
	require.NoError(t, err)

	out, err := p.Run(context.Background(), "q")
	require.NoError(t, err)
	assert.Equal(t, "answer 7", out, "one model call per task when every reply is final")
}

func TestNewFromConfig_RejectsUnknownTool(t *testing.T) {
	cfg := defaultConfig(t)
	_, err := NewFromConfig(cfg, Models{Default: &echoModel{}}, []Tool{NewDocumentSearchTool(staticDocs(""))}, Options{})
	require.ErrorIs(t, err, ErrInvalidConfig)
	assert.Contains(t, err.Error(), ToolSearchWeb)
}
