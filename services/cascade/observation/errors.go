// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observation holds time-stamped propagation events, the validated
// cascades they form, and readers for the observation log format.
package observation

import "errors"

var (
	// ErrInvalidHistory indicates a cascade that could not have happened:
	// a repeated arc, an inactive parent, or a child activated twice.
	ErrInvalidHistory = errors.New("invalid propagation history")

	// ErrMalformedEvent indicates an event line that does not parse.
	ErrMalformedEvent = errors.New("malformed event line")

	// ErrNotFound indicates the observation log does not exist.
	ErrNotFound = errors.New("observation file not found")
)
