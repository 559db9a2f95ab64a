// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes provides the request and response bodies of the
// orchestrator's HTTP API.
//
// Requests are validated with go-playground/validator after JSON binding;
// handlers call Validate and answer 422 with the first violation.
package datatypes

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// =============================================================================
// Limits
// =============================================================================

const (
	// MaxUserRequestChars bounds the user's message, counted in characters.
	MaxUserRequestChars = 1000

	// MaxSessionIDChars bounds a client-supplied session id.
	MaxSessionIDChars = 50
)

// =============================================================================
// Shared Validator Instance
// =============================================================================

var validate *validator.Validate

func init() {
	validate = validator.New()
	_ = validate.RegisterValidation("notblank", validateNotBlank)
}

// validateNotBlank rejects strings made only of whitespace.
func validateNotBlank(fl validator.FieldLevel) bool {
	return strings.TrimSpace(fl.Field().String()) != ""
}

// ValidationDetail turns a validator error into the one-line detail
// returned to clients.
//
// # Inputs
//
//   - err: The error returned by a Validate method or by JSON binding.
//
// # Outputs
//
//   - string: "<json field>: <rule>" for validation failures, otherwise a
//     generic malformed-body message.
func ValidationDetail(err error) string {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		field := jsonFieldName(fe)
		switch fe.Tag() {
		case "required", "notblank":
			return fmt.Sprintf("%s: field required", field)
		case "min":
			return fmt.Sprintf("%s: must be at least %s characters", field, fe.Param())
		case "max":
			return fmt.Sprintf("%s: must be at most %s characters", field, fe.Param())
		case "email":
			return fmt.Sprintf("%s: must be a valid email address", field)
		default:
			return fmt.Sprintf("%s: failed %q validation", field, fe.Tag())
		}
	}
	return "Request body is not valid JSON for this endpoint."
}

var jsonNames = map[string]string{
	"UserRequest":   "user_request",
	"SessionID":     "session_id",
	"Name":          "name",
	"Email":         "email",
	"PregnancyWeek": "pregnancyWeek",
}

func jsonFieldName(fe validator.FieldError) string {
	if n, ok := jsonNames[fe.Field()]; ok {
		return n
	}
	return fe.Field()
}

// =============================================================================
// Chat
// =============================================================================

// ChatRequest is the body of POST /api/chat.
//
// # Fields
//
//   - UserRequest: Required, 1-1000 characters, not blank.
//   - SessionID: Optional, 1-50 characters. Absent starts a new session.
type ChatRequest struct {
	UserRequest string `json:"user_request" validate:"required,notblank,min=1,max=1000"`
	SessionID   string `json:"session_id,omitempty" validate:"omitempty,min=1,max=50"`
}

// Validate checks the request after binding.
func (r *ChatRequest) Validate() error {
	return validate.Struct(r)
}

// ChatResponse is returned for every answered chat request.
type ChatResponse struct {
	Output    string `json:"output"`
	SessionID string `json:"session_id"`
	Route     string `json:"route"`
}

// ErrorResponse is the body of every non-2xx answer.
type ErrorResponse struct {
	Detail string `json:"detail"`
}

// MessageResponse carries a plain status message.
type MessageResponse struct {
	Message string `json:"message"`
}
