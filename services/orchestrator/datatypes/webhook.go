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

// OnboardRequest is the body of POST /api/user_onboard. PregnancyWeek is
// free text ("12", "postpartum") and forwarded as given.
type OnboardRequest struct {
	Name          string `json:"name" validate:"required,notblank,max=200"`
	Email         string `json:"email" validate:"required,email,max=254"`
	PregnancyWeek string `json:"pregnancyWeek" validate:"required,notblank,max=50"`
}

// Validate checks the request after binding.
func (r *OnboardRequest) Validate() error {
	return validate.Struct(r)
}

// ForwardResponse acknowledges a payload delivered to the webhook.
type ForwardResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}
