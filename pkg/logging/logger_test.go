// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]Level{
		"debug":   LevelDebug,
		"INFO":    LevelInfo,
		"":        LevelInfo,
		"warning": LevelWarn,
		" warn ":  LevelWarn,
		"error":   LevelError,
	}
	for in, want := range tests {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseLevel("verbose")
	assert.Error(t, err)
}

func TestLevel_String(t *testing.T) {
	assert.Equal(t, "DEBUG", LevelDebug.String())
	assert.Equal(t, "ERROR", LevelError.String())
	assert.Equal(t, "UNKNOWN", Level(42).String())
}

func TestNew_JSONConsoleWithService(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: LevelInfo, Service: "orchestrator", JSON: true, Writer: &buf})
	defer logger.Close()

	logger.Slog().Debug("hidden")
	logger.Slog().Info("Routed query", "session_id", "s-1")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1, "debug is filtered at info level")

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "Routed query", entry["msg"])
	assert.Equal(t, "orchestrator", entry["service"])
	assert.Equal(t, "s-1", entry["session_id"])
}

func TestNew_FileDestination(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")
	var console bytes.Buffer
	logger := New(Config{Level: LevelDebug, LogDir: dir, Service: "orchestrator", Writer: &console})

	logger.With("component", "test").Slog().Warn("disk almost full", "free_mb", 12)
	require.NoError(t, logger.Close())
	require.NoError(t, logger.Close(), "closing twice is harmless")

	matches, err := filepath.Glob(filepath.Join(dir, "orchestrator_*.log"))
	require.NoError(t, err)
	require.Len(t, matches, 1)

	data, err := os.ReadFile(matches[0])
	require.NoError(t, err)
	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(data), &entry))
	assert.Equal(t, "disk almost full", entry["msg"])
	assert.Equal(t, "test", entry["component"])
	assert.Equal(t, "orchestrator", entry["service"])

	assert.Contains(t, console.String(), "disk almost full", "console still receives entries")
}

func TestNew_UnwritableDirFallsBackToConsole(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o600))

	var console bytes.Buffer
	logger := New(Config{LogDir: filepath.Join(blocker, "logs"), Writer: &console})
	defer logger.Close()

	logger.Slog().Info("still logging")
	out := console.String()
	assert.Contains(t, out, "File logging disabled")
	assert.Contains(t, out, "still logging")
}
