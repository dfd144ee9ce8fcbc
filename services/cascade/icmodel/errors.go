// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package icmodel

import "errors"

var (
	// ErrValidation indicates a probability outside [0,1] or a malformed
	// model file.
	ErrValidation = errors.New("model validation error")

	// ErrInvalidHistory indicates a cascade whose first event has a leader.
	ErrInvalidHistory = errors.New("cascade must start with a root event")

	// ErrNotFound indicates a missing model file.
	ErrNotFound = errors.New("model file not found")

	// ErrUnknownStartNode indicates a simulation start node outside the network.
	ErrUnknownStartNode = errors.New("start node does not belong to the network")
)
