// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routing

import (
	"errors"
	"fmt"
)

// ClassificationError records a routing model failure. Classify recovers
// from it with the keyword policy; it is only logged.
type ClassificationError struct {
	Backend string
	Err     error
}

func (e *ClassificationError) Error() string {
	return fmt.Sprintf("route classification failed (%s): %v", e.Backend, e.Err)
}

func (e *ClassificationError) Unwrap() error {
	return e.Err
}

// IsClassificationError reports whether err wraps a *ClassificationError.
func IsClassificationError(err error) bool {
	var ce *ClassificationError
	return errors.As(err, &ce)
}
