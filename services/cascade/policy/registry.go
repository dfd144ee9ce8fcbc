// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package policy

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
)

const (
	// TimePrecedenceName is the spec name of TimePrecedence.
	TimePrecedenceName = "SelectByTimePrecedence"

	// TimePrecedenceWithDelayName is the spec name of TimePrecedenceWithDelay.
	TimePrecedenceWithDelayName = "SelectByTimePrecedenceWithDelayThreshold"
)

// factory builds a policy from the text after the first comma of a spec.
// hasArg is false when the spec had no comma.
type factory func(arg string, hasArg bool) (Policy, error)

var registry = map[string]factory{
	TimePrecedenceName: func(arg string, hasArg bool) (Policy, error) {
		if hasArg {
			return nil, fmt.Errorf("%w: %s takes no parameter, got %q", ErrConfig, TimePrecedenceName, arg)
		}
		return TimePrecedence{}, nil
	},
	TimePrecedenceWithDelayName: func(arg string, hasArg bool) (Policy, error) {
		if !hasArg {
			return nil, fmt.Errorf("%w: %s needs a delay, as in %s,120", ErrConfig, TimePrecedenceWithDelayName, TimePrecedenceWithDelayName)
		}
		d, err := strconv.ParseInt(strings.TrimSpace(arg), 10, 32)
		if err != nil {
			return nil, fmt.Errorf("%w: bad delay %q: %v", ErrConfig, arg, err)
		}
		if d < 0 {
			return nil, fmt.Errorf("%w: delay must be non-negative, got %d", ErrConfig, d)
		}
		return TimePrecedenceWithDelay{Delay: d}, nil
	},
}

// Default returns the policy used when none is configured.
func Default() Policy {
	return TimePrecedence{}
}

// FromSpec parses a spec string such as "SelectByTimePrecedence" or
// "SelectByTimePrecedenceWithDelayThreshold,120".
func FromSpec(spec string) (Policy, error) {
	name, arg, hasArg := strings.Cut(strings.TrimSpace(spec), ",")
	f, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("%w: unknown policy %q (known: %s)", ErrConfig, name, strings.Join(Names(), ", "))
	}
	return f(arg, hasArg)
}

// Names returns the registered policy names, sorted.
func Names() []string {
	out := make([]string, 0, len(registry))
	for name := range registry {
		out = append(out, name)
	}
	slices.Sort(out)
	return out
}
