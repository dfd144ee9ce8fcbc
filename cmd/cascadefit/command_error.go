// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"errors"
	"fmt"

	"github.com/AleutianAI/cascadefit/services/cascade/auxiliary"
	"github.com/AleutianAI/cascadefit/services/cascade/config"
	"github.com/AleutianAI/cascadefit/services/cascade/estimate"
	"github.com/AleutianAI/cascadefit/services/cascade/policy"
	"github.com/AleutianAI/cascadefit/services/cascade/sparsify"
)

// Process exit codes.
const (
	ExitOK      = 0
	ExitFailure = 1
	ExitUsage   = 2
)

// CommandError wraps a command failure with the exit code it maps to.
//
// # Description
//
// Errors returned by command bodies are wrapped in a CommandError so that
// run can tell a bad invocation (ExitUsage) from a failed computation
// (ExitFailure). Errors cobra produces itself, such as unknown flags or
// missing required flags, are never wrapped and are treated as usage
// errors.
//
// # Example
//
//	err := &CommandError{Command: "cascadefit estimate", ExitCode: ExitUsage, Wrapped: cause}
//	fmt.Println(err.Error()) // "cascadefit estimate (exit 2): <cause>"
type CommandError struct {
	// Command is the full command path.
	Command string

	// ExitCode is the process exit code.
	ExitCode int

	// Wrapped is the underlying error.
	Wrapped error
}

// Error returns a formatted error message.
func (e *CommandError) Error() string {
	if e.Wrapped != nil {
		return fmt.Sprintf("%s (exit %d): %v", e.Command, e.ExitCode, e.Wrapped)
	}
	return fmt.Sprintf("%s (exit %d)", e.Command, e.ExitCode)
}

// Unwrap returns the underlying error.
func (e *CommandError) Unwrap() error {
	return e.Wrapped
}

// configErrors are the sentinels that mean the invocation, not the data,
// is wrong.
var configErrors = []error{
	config.ErrInvalidConfig,
	estimate.ErrConfig,
	sparsify.ErrConfig,
	policy.ErrConfig,
	auxiliary.ErrConfig,
	auxiliary.ErrPolicyMismatch,
}

// WrapCommandError wraps err into a CommandError for command, choosing the
// exit code from the error chain. Existing CommandErrors are returned as-is.
func WrapCommandError(err error, command string) error {
	if err == nil {
		return nil
	}
	var cmdErr *CommandError
	if errors.As(err, &cmdErr) {
		return err
	}
	code := ExitFailure
	for _, target := range configErrors {
		if errors.Is(err, target) {
			code = ExitUsage
			break
		}
	}
	return &CommandError{Command: command, ExitCode: code, Wrapped: err}
}

// usageError marks err as a bad invocation.
func usageError(command string, err error) error {
	return &CommandError{Command: command, ExitCode: ExitUsage, Wrapped: err}
}

// exitCode maps an error returned by the command tree to a process exit
// code.
func exitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var cmdErr *CommandError
	if errors.As(err, &cmdErr) {
		return cmdErr.ExitCode
	}
	return ExitUsage
}
