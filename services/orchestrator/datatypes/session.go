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

// EndSessionRequest is the body of POST /api/end_session.
type EndSessionRequest struct {
	SessionID string `json:"session_id" validate:"required,notblank,min=1,max=50"`
}

// Validate checks the request after binding.
func (r *EndSessionRequest) Validate() error {
	return validate.Struct(r)
}

// EndSessionResponse reports what happened to the session. Summary is
// present only when a summary was written.
type EndSessionResponse struct {
	Message string `json:"message"`
	Summary string `json:"summary,omitempty"`
}
