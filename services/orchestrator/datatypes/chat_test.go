// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChatRequest_Validate(t *testing.T) {
	tests := []struct {
		name   string
		req    ChatRequest
		ok     bool
		detail string
	}{
		{name: "new session", req: ChatRequest{UserRequest: "Is coffee safe?"}, ok: true},
		{name: "existing session", req: ChatRequest{UserRequest: "hi", SessionID: "abc"}, ok: true},
		{name: "max length", req: ChatRequest{UserRequest: strings.Repeat("a", MaxUserRequestChars)}, ok: true},
		{name: "multibyte counts characters", req: ChatRequest{UserRequest: strings.Repeat("é", MaxUserRequestChars)}, ok: true},
		{name: "missing", req: ChatRequest{}, detail: "user_request: field required"},
		{name: "blank", req: ChatRequest{UserRequest: "   "}, detail: "user_request: field required"},
		{name: "too long", req: ChatRequest{UserRequest: strings.Repeat("a", MaxUserRequestChars+1)}, detail: "user_request: must be at most 1000 characters"},
		{name: "session too long", req: ChatRequest{UserRequest: "hi", SessionID: strings.Repeat("s", MaxSessionIDChars+1)}, detail: "session_id: must be at most 50 characters"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.req.Validate()
			if tc.ok {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tc.detail, ValidationDetail(err))
		})
	}
}

func TestEndSessionRequest_Validate(t *testing.T) {
	require.NoError(t, (&EndSessionRequest{SessionID: "abc"}).Validate())

	err := (&EndSessionRequest{}).Validate()
	require.Error(t, err)
	assert.Equal(t, "session_id: field required", ValidationDetail(err))
}

func TestOnboardRequest_Validate(t *testing.T) {
	ok := OnboardRequest{Name: "Asha", Email: "asha@example.com", PregnancyWeek: "24"}
	require.NoError(t, ok.Validate())

	bad := ok
	bad.Email = "not-an-email"
	err := bad.Validate()
	require.Error(t, err)
	assert.Equal(t, "email: must be a valid email address", ValidationDetail(err))

	missing := ok
	missing.PregnancyWeek = ""
	assert.Equal(t, "pregnancyWeek: field required", ValidationDetail(missing.Validate()))
}

func TestValidationDetail_NonValidatorError(t *testing.T) {
	assert.Equal(t, "Request body is not valid JSON for this endpoint.", ValidationDetail(errors.New("unexpected EOF")))
}
