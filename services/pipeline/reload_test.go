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
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const reloadAgents = `
agents:
  - name: helper
    role: Helper
`

func writeConfig(t *testing.T, dir, tasks string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, agentsFile), []byte(reloadAgents), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, tasksFile), []byte(tasks), 0o600))
}

// buildValidated validates like NewFromConfig and wires recording agents.
func buildValidated(cfg *Config) (*Pipeline, error) {
	if err := cfg.Validate(nil, allTools); err != nil {
		return nil, err
	}
	agents, _ := recordingAgents(cfg, "")
	return New(cfg, agents, Options{})
}

func TestReloader_ReloadSwapsOnlyValidConfigs(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "tasks:\n  - name: answer\n    agent: helper\n")

	r, err := NewReloader(dir, buildValidated)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	first := r.Current()
	assert.Equal(t, []string{"answer"}, first.Tasks())

	var mu sync.Mutex
	var results []error
	r.OnReload = func(err error) {
		mu.Lock()
		defer mu.Unlock()
		results = append(results, err)
	}

	writeConfig(t, dir, "tasks:\n  - name: draft\n    agent: helper\n  - name: answer\n    agent: helper\n    depends_on: [draft]\n")
	require.NoError(t, r.Reload())
	assert.Equal(t, []string{"draft", "answer"}, r.Current().Tasks())

	out, err := r.Run(context.Background(), "q")
	require.NoError(t, err)
	assert.Equal(t, "answer done", out)

	active := r.Current()
	writeConfig(t, dir, "tasks:\n  - name: answer\n    agent: ghost\n")
	assert.ErrorIs(t, r.Reload(), ErrInvalidConfig)
	assert.Same(t, active, r.Current(), "a rejected config leaves the active pipeline")

	writeConfig(t, dir, "tasks: {")
	require.Error(t, r.Reload())
	assert.Same(t, active, r.Current())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, results, 3)
	assert.NoError(t, results[0])
	assert.Error(t, results[1])
	assert.Error(t, results[2])
}

func TestReloader_InFlightRunKeepsItsPipeline(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "tasks:\n  - name: answer\n    agent: helper\n")

	started := make(chan struct{})
	release := make(chan struct{})
	build := func(cfg *Config) (*Pipeline, error) {
		agents := map[string]Agent{"helper": &blockingAgent{started: started, release: release}}
		return New(cfg, agents, Options{})
	}
	r, err := NewReloader(dir, build)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })

	done := make(chan string, 1)
	go func() {
		out, _ := r.Run(context.Background(), "q")
		done <- out
	}()
	<-started

	writeConfig(t, dir, "tasks:\n  - name: renamed\n    agent: helper\n")
	require.NoError(t, r.Reload())
	close(release)

	assert.Equal(t, "answer via blocking agent", <-done, "the running query finishes on the old graph")
	assert.Equal(t, []string{"renamed"}, r.Current().Tasks())
}

func TestReloader_WatchReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "tasks:\n  - name: answer\n    agent: helper\n")

	r, err := NewReloader(dir, buildValidated)
	require.NoError(t, err)
	r.debounce = 20 * time.Millisecond

	reloaded := make(chan error, 16)
	r.OnReload = func(err error) {
		select {
		case reloaded <- err:
		default:
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, r.Watch(ctx))
	t.Cleanup(func() { _ = r.Close() })

	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o600))
	writeConfig(t, dir, "tasks:\n  - name: watched\n    agent: helper\n")

	assert.Eventually(t, func() bool {
		tasks := r.Current().Tasks()
		return len(tasks) == 1 && tasks[0] == "watched"
	}, 5*time.Second, 20*time.Millisecond)

	timeout := time.After(5 * time.Second)
	for {
		select {
		case err := <-reloaded:
			if err == nil {
				return
			}
		case <-timeout:
			t.Fatal("no successful reload reported")
		}
	}
}

func TestReloader_EmbeddedConfigHasNothingToWatch(t *testing.T) {
	r, err := NewReloader("", buildValidated)
	require.NoError(t, err)
	require.NoError(t, r.Watch(context.Background()))
	assert.Nil(t, r.watcher)
	assert.Len(t, r.Current().Tasks(), 7)
	assert.NoError(t, r.Close())
	assert.NoError(t, r.Close(), "Close is idempotent")
}

func TestNewReloader_Errors(t *testing.T) {
	_, err := NewReloader("", nil)
	require.Error(t, err)

	_, err = NewReloader(t.TempDir(), buildValidated)
	require.Error(t, err, "missing files")

	_, err = NewReloader("", func(*Config) (*Pipeline, error) { return nil, errors.New("no") })
	require.Error(t, err)
}

// blockingAgent waits for release before answering.
type blockingAgent struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (a *blockingAgent) Name() string { return "helper" }

func (a *blockingAgent) Perform(_ context.Context, task TaskConfig, _ TaskInput) (string, error) {
	a.once.Do(func() { close(a.started) })
	<-a.release
	return task.Name + " via blocking agent", nil
}
