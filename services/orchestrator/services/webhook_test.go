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
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebhookForwarder_PostsJSON(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	fwd := NewWebhookForwarder(srv.URL, time.Second)
	require.True(t, fwd.Configured())
	require.NoError(t, fwd.Forward(context.Background(), map[string]any{"name": "Asha", "pregnancyWeek": "24"}))
	assert.Equal(t, map[string]any{"name": "Asha", "pregnancyWeek": "24"}, got)
}

func TestWebhookForwarder_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewWebhookForwarder(srv.URL, time.Second).Forward(context.Background(), map[string]string{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")

	unset := NewWebhookForwarder("", 0)
	assert.False(t, unset.Configured())
	assert.ErrorIs(t, unset.Forward(context.Background(), nil), ErrWebhookNotConfigured)

	var nilFwd *WebhookForwarder
	assert.False(t, nilFwd.Configured())
}
