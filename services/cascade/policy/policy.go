// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package policy decides, for a parent and a child in one cascade, whether
// the parent could have activated the child.
package policy

import (
	"errors"
	"strconv"

	"github.com/AleutianAI/cascadefit/services/cascade/network"
	"github.com/AleutianAI/cascadefit/services/cascade/observation"
)

// ErrConfig indicates an unknown policy name or a malformed parameter.
var ErrConfig = errors.New("candidate selection policy config error")

// CandidateType classifies a parent → child edge within one cascade.
type CandidateType int

const (
	// Other means the edge tells nothing about the parent's influence.
	Other CandidateType = iota

	// CouldHaveActivated means the parent may have caused the child's activation.
	CouldHaveActivated

	// FailedToActivate means the parent was active and certainly failed.
	FailedToActivate
)

// String returns the type name.
func (c CandidateType) String() string {
	switch c {
	case CouldHaveActivated:
		return "COULD_HAVE_ACTIVATED"
	case FailedToActivate:
		return "FAILED_TO_ACTIVATE"
	default:
		return "OTHER"
	}
}

// Policy classifies edges given the activation times of one cascade.
type Policy interface {
	// Decide classifies parent → child. Implementations must be pure.
	Decide(times observation.ActivationTimes, parent, child network.NodeID) CandidateType

	// Spec returns the string FromSpec parses back into an equal policy.
	Spec() string
}

// TimePrecedence selects a parent when it was activated no later than the child.
type TimePrecedence struct{}

// Decide implements Policy.
func (TimePrecedence) Decide(times observation.ActivationTimes, parent, child network.NodeID) CandidateType {
	parentT, ok := times.Get(parent)
	if !ok {
		return Other
	}
	childT, ok := times.Get(child)
	if !ok {
		return FailedToActivate
	}
	if childT >= parentT {
		return CouldHaveActivated
	}
	return Other
}

// Spec implements Policy.
func (TimePrecedence) Spec() string {
	return TimePrecedenceName
}

// TimePrecedenceWithDelay is TimePrecedence that also counts the parent as
// failed when the child activated more than Delay time units after it.
type TimePrecedenceWithDelay struct {
	Delay int64
}

// Decide implements Policy.
func (p TimePrecedenceWithDelay) Decide(times observation.ActivationTimes, parent, child network.NodeID) CandidateType {
	parentT, ok := times.Get(parent)
	if !ok {
		return Other
	}
	childT, ok := times.Get(child)
	if !ok {
		return FailedToActivate
	}
	if childT < parentT {
		return Other
	}
	if childT > parentT+p.Delay {
		return FailedToActivate
	}
	return CouldHaveActivated
}

// Spec implements Policy.
func (p TimePrecedenceWithDelay) Spec() string {
	return TimePrecedenceWithDelayName + "," + strconv.FormatInt(p.Delay, 10)
}
