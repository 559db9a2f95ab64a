// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetEnvHelpers(t *testing.T) {
	t.Setenv("BN_STR", "value")
	t.Setenv("BN_INT", "42")
	t.Setenv("BN_BAD_INT", "forty")
	t.Setenv("BN_DUR", "90s")
	t.Setenv("BN_SECS", "30")
	t.Setenv("BN_BAD_DUR", "soon")
	t.Setenv("BN_LIST", " 10.0.0.1, ,10.0.0.2 ")

	assert.Equal(t, "value", getEnvString("BN_STR", "x"))
	assert.Equal(t, "x", getEnvString("BN_UNSET", "x"))
	assert.Equal(t, 42, getEnvInt("BN_INT", 1))
	assert.Equal(t, 1, getEnvInt("BN_BAD_INT", 1))
	assert.Equal(t, 90*time.Second, getEnvDuration("BN_DUR", time.Second))
	assert.Equal(t, 30*time.Second, getEnvDuration("BN_SECS", time.Second))
	assert.Equal(t, time.Second, getEnvDuration("BN_BAD_DUR", time.Second))
	assert.Equal(t, []string{"10.0.0.1", "10.0.0.2"}, getEnvList("BN_LIST"))
	assert.Nil(t, getEnvList("BN_UNSET"))
}

func TestCheckConfigCommand(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	t.Cleanup(func() { rootCmd.SetArgs(nil) })

	rootCmd.SetArgs([]string{"check-config", "--session-store", "memory", "--llm-primary", "ollama", "--llm-fallback", "none"})
	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, out.String(), "configuration OK")

	rootCmd.SetArgs([]string{"check-config", "--session-store", "sqlite"})
	err := rootCmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown session store")

	rootCmd.SetArgs([]string{"check-config", "--session-store", "memory", "--log-level", "loud"})
	require.Error(t, rootCmd.Execute())
}
