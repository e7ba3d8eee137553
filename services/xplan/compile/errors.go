// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package compile

import (
	"errors"
	"fmt"
)

var (
	// ErrChainPartition indicates chains that share a state variable.
	ErrChainPartition = errors.New("effect class chains do not partition the state variables")

	// ErrMissingCommand indicates an applicable action with no update command
	// whose guard matches the source state.
	ErrMissingCommand = errors.New("no command for applicable action")

	// ErrStateNotEnumerated indicates a successor outside the enumerated states.
	ErrStateNotEnumerated = errors.New("successor state not enumerated")

	// ErrNilModel indicates a nil XMDP or flat model.
	ErrNilModel = errors.New("nil model")

	// ErrInvalidPolicy indicates a decision vector that does not fit the
	// explicit model.
	ErrInvalidPolicy = errors.New("invalid policy for model")
)

// CompileError describes a failure in one compilation stage.
//
// Description:
//
//	Mirrors the stage/operation error shape used across the planner so
//	callers can log the stage and still branch on the wrapped cause with
//	errors.Is. Model lookup errors from the factored model pass through
//	unchanged inside Err.
type CompileError struct {
	// Stage is "chains", "flatten", "explicit" or "prism".
	Stage string

	// Subject names what was being compiled, e.g. a module or state.
	Subject string

	// Err is the underlying error.
	Err error
}

func (e *CompileError) Error() string {
	if e.Subject == "" {
		return fmt.Sprintf("compile %s: %v", e.Stage, e.Err)
	}
	return fmt.Sprintf("compile %s (%s): %v", e.Stage, e.Subject, e.Err)
}

func (e *CompileError) Unwrap() error {
	return e.Err
}

func stageError(stage, subject string, err error) error {
	return &CompileError{Stage: stage, Subject: subject, Err: err}
}
