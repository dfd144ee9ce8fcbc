// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package network provides the node table and the static directed social
// network that cascades propagate over.
package network

import "errors"

// Sentinel errors for network operations.
var (
	// ErrInvalidNode indicates an empty node name or one containing whitespace.
	ErrInvalidNode = errors.New("invalid node name")

	// ErrInvalidArc indicates a self-loop or an arc with two null endpoints.
	ErrInvalidArc = errors.New("invalid arc")

	// ErrUnknownNode indicates an id that was never interned in the table.
	ErrUnknownNode = errors.New("unknown node id")

	// ErrMalformedLine indicates a network file line without two tab-separated fields.
	ErrMalformedLine = errors.New("malformed network line")

	// ErrNotFound indicates the network file does not exist.
	ErrNotFound = errors.New("network file not found")
)
