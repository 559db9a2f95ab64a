// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"errors"
	"fmt"
)

// ErrBackendsExhausted is matched by the error CompleteWithFallback returns
// when the primary and the fallback backend both failed.
var ErrBackendsExhausted = errors.New("all model backends failed")

// ErrEmptyCompletion is returned by backends that answered with no text.
var ErrEmptyCompletion = errors.New("backend returned an empty completion")

// ModelError is a single failed backend invocation.
type ModelError struct {
	// Backend is the name the gateway knows the backend by.
	Backend string

	// Err is the underlying transport, auth or decoding failure.
	Err error
}

func (e *ModelError) Error() string {
	return fmt.Sprintf("model backend %s failed: %v", e.Backend, e.Err)
}

func (e *ModelError) Unwrap() error {
	return e.Err
}

// IsModelError reports whether err wraps a *ModelError.
func IsModelError(err error) bool {
	var me *ModelError
	return errors.As(err, &me)
}

// ExhaustedError carries the failures of both gateway attempts.
// Fallback is nil when no fallback backend is configured.
type ExhaustedError struct {
	Primary  *ModelError
	Fallback *ModelError
}

func (e *ExhaustedError) Error() string {
	if e.Fallback == nil {
		return fmt.Sprintf("%v: %v (no fallback configured)", ErrBackendsExhausted, e.Primary)
	}
	return fmt.Sprintf("%v: %v; %v", ErrBackendsExhausted, e.Primary, e.Fallback)
}

func (e *ExhaustedError) Is(target error) bool {
	return target == ErrBackendsExhausted
}

func (e *ExhaustedError) Unwrap() []error {
	errs := []error{e.Primary}
	if e.Fallback != nil {
		errs = append(errs, e.Fallback)
	}
	return errs
}
