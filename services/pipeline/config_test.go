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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var allTools = []string{ToolSearchDocuments, ToolSearchWeb}

func TestLoadConfig_Embedded(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	require.NoError(t, cfg.Validate(nil, allTools))

	assert.Len(t, cfg.Agents, 7)
	assert.Len(t, cfg.Tasks, 7)

	terminal, err := cfg.Terminal()
	require.NoError(t, err)
	assert.Equal(t, "final_summarization", terminal)

	researcher, ok := cfg.Agent("maternal_health_researcher")
	require.True(t, ok)
	assert.ElementsMatch(t, allTools, researcher.Tools)
	assert.Equal(t, DefaultMaxIterations, researcher.MaxIterations)

	planner, ok := cfg.Agent("planner")
	require.True(t, ok)
	assert.Empty(t, planner.Tools)
	assert.Equal(t, DefaultMaxIterations, planner.MaxIterations, "defaults are filled for every agent")
}

func TestLoadConfig_Directory(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "agents.yaml"), []byte(`
agents:
  - name: solo
    role: Helper
    backend: ollama
`), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tasks.yaml"), []byte(`
tasks:
  - name: answer
    agent: solo
    include_query: true
`), 0o600))

	cfg, err := LoadConfig(dir)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate([]string{"ollama"}, nil))
	assert.ErrorIs(t, cfg.Validate([]string{"groq"}, nil), ErrInvalidConfig, "unknown backend")

	_, err = LoadConfig(filepath.Join(dir, "missing"))
	require.Error(t, err)
}

func TestValidate_Rejects(t *testing.T) {
	agents := `
agents:
  - name: a
    role: A
`
	tests := map[string]struct {
		agents string
		tasks  string
	}{
		"no tasks":        {agents, "tasks: []"},
		"unknown agent":   {agents, "tasks:\n  - name: t\n    agent: ghost\n"},
		"unknown dep":     {agents, "tasks:\n  - name: t\n    agent: a\n    depends_on: [ghost]\n"},
		"duplicate task":  {agents, "tasks:\n  - name: t\n    agent: a\n  - name: t\n    agent: a\n"},
		"cycle":           {agents, "tasks:\n  - name: x\n    agent: a\n    depends_on: [y]\n  - name: y\n    agent: a\n    depends_on: [x]\n  - name: z\n    agent: a\n    depends_on: [y]\n"},
		"two terminals":   {agents, "tasks:\n  - name: x\n    agent: a\n  - name: y\n    agent: a\n"},
		"unknown tool":    {"agents:\n  - name: a\n    tools: [search_mars]\n", "tasks:\n  - name: t\n    agent: a\n"},
		"duplicate agent": {"agents:\n  - name: a\n  - name: a\n", "tasks:\n  - name: t\n    agent: a\n"},
		"unnamed agent":   {"agents:\n  - role: nobody\n", "tasks:\n  - name: t\n    agent: a\n"},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			cfg, err := ParseConfig([]byte(tc.agents), []byte(tc.tasks))
			require.NoError(t, err)
			assert.ErrorIs(t, cfg.Validate(nil, allTools), ErrInvalidConfig)
		})
	}
}

func TestParseConfig_BadYAML(t *testing.T) {
	_, err := ParseConfig([]byte("agents: ["), []byte("tasks: []"))
	require.Error(t, err)
	_, err = ParseConfig([]byte("agents: []"), []byte("tasks: {"))
	require.Error(t, err)
}
