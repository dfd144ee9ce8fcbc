// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package sparsify extracts a model with at most k non-zero arcs that keeps
// as much log-likelihood as possible.
package sparsify

import "errors"

// ErrConfig indicates an unknown sparsifier, invalid options, or an index
// built with a different candidate selection policy.
var ErrConfig = errors.New("sparsifier config error")
