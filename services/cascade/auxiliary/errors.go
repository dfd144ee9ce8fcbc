// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package auxiliary

import (
	"errors"
	"fmt"
)

var (
	// ErrConfig indicates the index cannot be built or loaded as configured.
	ErrConfig = errors.New("auxiliary index config error")

	// ErrPolicyMismatch indicates a stored index was built with a different
	// candidate selection policy than the one requested.
	ErrPolicyMismatch = fmt.Errorf("%w: candidate selection policies do not match", ErrConfig)

	// ErrNotFound indicates a missing file of a stored index.
	ErrNotFound = errors.New("auxiliary index file not found")

	// ErrCorrupt indicates a stored index file that does not parse.
	ErrCorrupt = errors.New("corrupt auxiliary index file")
)
