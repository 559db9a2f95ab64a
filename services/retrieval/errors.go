// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package retrieval

import (
	"errors"
	"fmt"
)

// Error is a failed call to a knowledge backend.
//
// Search paths never return it to their callers; they log it and return
// an empty result. Archive does return it.
type Error struct {
	// Backend names the collaborator: "weaviate", "embedding", "tavily",
	// "duckduckgo".
	Backend string

	// StatusCode is the HTTP status when one was received, else 0.
	StatusCode int

	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("retrieval error (%s, status %d): %s", e.Backend, e.StatusCode, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("retrieval error (%s): %s: %v", e.Backend, e.Message, e.Err)
	}
	return fmt.Sprintf("retrieval error (%s): %s", e.Backend, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsRetrievalError reports whether err wraps an *Error.
func IsRetrievalError(err error) bool {
	var re *Error
	return errors.As(err, &re)
}

func newError(backend, msg string, err error) *Error {
	return &Error{Backend: backend, Message: msg, Err: err}
}
