// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package model

import (
	"errors"
	"strconv"
)

// Sentinel errors for model construction and lookup.
var (
	// ErrStateVarNotFound indicates a state variable is not part of a tuple, class or space.
	ErrStateVarNotFound = errors.New("state variable not found")

	// ErrActionNotFound indicates an action is not part of an action definition or space.
	ErrActionNotFound = errors.New("action not found")

	// ErrActionDefinitionNotFound indicates no PSO exists for an action definition.
	ErrActionDefinitionNotFound = errors.New("action definition not found")

	// ErrDiscriminantNotFound indicates a discriminant has no entry in an action description.
	ErrDiscriminantNotFound = errors.New("discriminant not found")

	// ErrEffectClassNotFound indicates a PSO has no action description for an effect class.
	ErrEffectClassNotFound = errors.New("effect class not found")

	// ErrStateVarClassNotFound indicates no multivariate predicate is registered on a class.
	ErrStateVarClassNotFound = errors.New("state variable class not found")

	// ErrAttributeNotFound indicates a quality attribute is not part of the QSpace or cost function.
	ErrAttributeNotFound = errors.New("quality attribute not found")

	// ErrIncompatibleAction indicates an action does not belong to the definition it was used with.
	ErrIncompatibleAction = errors.New("incompatible action")

	// ErrIncompatibleEffectClass indicates an effect does not match the effect class it was used with.
	ErrIncompatibleEffectClass = errors.New("incompatible effect class")

	// ErrIncompatibleDiscriminantClass indicates a discriminant does not match its class.
	ErrIncompatibleDiscriminantClass = errors.New("incompatible discriminant class")

	// ErrOverlappingClasses indicates two classes share a variable where that is not allowed.
	ErrOverlappingClasses = errors.New("overlapping state variable classes")

	// ErrConflictingAssignment indicates two tuples assign different values to one variable.
	ErrConflictingAssignment = errors.New("conflicting state variable assignment")

	// ErrDuplicateDefinition indicates a name is registered twice.
	ErrDuplicateDefinition = errors.New("duplicate definition")

	// ErrInvalidValue indicates a value outside a variable's possible values.
	ErrInvalidValue = errors.New("invalid value")

	// ErrInvalidDistribution indicates probabilities that are negative or do not sum to 1.
	ErrInvalidDistribution = errors.New("invalid probability distribution")

	// ErrCompositePrecondition indicates a composite PSO precondition is stronger than a constituent's.
	ErrCompositePrecondition = errors.New("composite precondition stronger than constituent")

	// ErrInvalidModel indicates an XMDP whose parts do not fit together.
	ErrInvalidModel = errors.New("invalid model")
)

// ProbabilityTolerance is the tolerance used when checking that a
// distribution sums to 1.
const ProbabilityTolerance = 1e-9

// LookupError describes a failed lookup in the model.
//
// Description:
//
//	Carries what was looked up (Kind, Key) and where (Scope). Unwraps to one
//	of the package sentinels so callers can use errors.Is.
type LookupError struct {
	// Kind is the kind of thing looked up, e.g. "discriminant".
	Kind string

	// Key is the canonical key or name that was not found.
	Key string

	// Scope names the container that was searched.
	Scope string

	// Err is the sentinel this error wraps.
	Err error
}

func (e *LookupError) Error() string {
	msg := e.Kind + " " + strconv.Quote(e.Key)
	if e.Scope != "" {
		msg += " in " + e.Scope
	}
	return msg + ": " + e.Err.Error()
}

func (e *LookupError) Unwrap() error {
	return e.Err
}

func notFound(kind, key, scope string, err error) error {
	return &LookupError{Kind: kind, Key: key, Scope: scope, Err: err}
}
