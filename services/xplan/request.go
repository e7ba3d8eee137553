// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package xplan

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/AleutianAI/AleutianXPlan/services/xplan/compile"
	"github.com/AleutianAI/AleutianXPlan/services/xplan/lp"
)

// ErrInvalidBound is returned for bound expressions that cannot be parsed.
var ErrInvalidBound = errors.New("invalid bound")

// Bound constrains the expected value of one quality attribute.
type Bound struct {
	Attribute string
	Kind      lp.BoundKind
	Value     float64
	Strict    bool
}

func (b Bound) String() string {
	op := map[bool]map[lp.BoundKind]string{
		false: {lp.UpperBound: "<=", lp.LowerBound: ">="},
		true:  {lp.UpperBound: "<", lp.LowerBound: ">"},
	}[b.Strict][b.Kind]
	return b.Attribute + op + strconv.FormatFloat(b.Value, 'g', -1, 64)
}

// ParseBound parses "attr<=v", "attr<v", "attr>=v" or "attr>v".
func ParseBound(s string) (Bound, error) {
	ops := []struct {
		op     string
		kind   lp.BoundKind
		strict bool
	}{
		{"<=", lp.UpperBound, false},
		{">=", lp.LowerBound, false},
		{"<", lp.UpperBound, true},
		{">", lp.LowerBound, true},
	}
	for _, o := range ops {
		i := strings.Index(s, o.op)
		if i < 0 {
			continue
		}
		attr := strings.TrimSpace(s[:i])
		if attr == "" {
			return Bound{}, fmt.Errorf("%w: %q has no attribute", ErrInvalidBound, s)
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(s[i+len(o.op):]), 64)
		if err != nil {
			return Bound{}, fmt.Errorf("%w: %q: %v", ErrInvalidBound, s, err)
		}
		return Bound{Attribute: attr, Kind: o.kind, Value: v, Strict: o.strict}, nil
	}
	return Bound{}, fmt.Errorf("%w: %q has no comparison", ErrInvalidBound, s)
}

// SoftBound is a Bound that may be violated at a penalty.
type SoftBound struct {
	Bound

	// Penalty maps a violation to its cost. Nil is lp.LinearPenalty.
	Penalty      lp.PenaltyFunc
	MaxViolation float64
	Weight       float64
}

// Request holds the constraints of a solve.
type Request struct {
	Hard []Bound
	Soft []SoftBound
}

func (r Request) constraints(em *compile.ExplicitModel) ([]lp.Constraint, []lp.SoftConstraint, error) {
	hard := make([]lp.Constraint, 0, len(r.Hard))
	for _, b := range r.Hard {
		c, err := b.constraint(em)
		if err != nil {
			return nil, nil, err
		}
		hard = append(hard, c)
	}
	soft := make([]lp.SoftConstraint, 0, len(r.Soft))
	for _, b := range r.Soft {
		c, err := b.constraint(em)
		if err != nil {
			return nil, nil, err
		}
		soft = append(soft, lp.SoftConstraint{
			Constraint:   c,
			Penalty:      b.Penalty,
			MaxViolation: b.MaxViolation,
			Weight:       b.Weight,
		})
	}
	return hard, soft, nil
}

func (b Bound) constraint(em *compile.ExplicitModel) (lp.Constraint, error) {
	slot, err := em.QASlot(b.Attribute)
	if err != nil {
		return lp.Constraint{}, err
	}
	return lp.Constraint{CostIndex: slot, Bound: b.Kind, Value: b.Value, Strict: b.Strict}, nil
}
