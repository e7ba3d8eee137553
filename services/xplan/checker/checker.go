// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package checker evaluates policies with an external probabilistic model
// checker.
package checker

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/AleutianAI/AleutianXPlan/services/xplan/compile"
	"github.com/AleutianAI/AleutianXPlan/services/xplan/policy"
)

var (
	// ErrMalformedOutput indicates checker output that cannot be parsed
	// or does not answer every property.
	ErrMalformedOutput = errors.New("malformed checker output")

	// ErrCheckerFailed indicates the checker ran but reported failure.
	ErrCheckerFailed = errors.New("model checker failed")

	// ErrCheckerUnavailable indicates the checker binary cannot be found.
	ErrCheckerUnavailable = errors.New("model checker not available")
)

// Checker evaluates numeric properties of a model.
type Checker interface {
	// Check returns one value per property, in order.
	Check(ctx context.Context, model []byte, properties []string) ([]float64, error)
}

// ReachabilityReward returns the property of the expected reward
// accumulated until the goal label holds.
func ReachabilityReward(reward string) string {
	return fmt.Sprintf(`R{%q}=? [ F %q ]`, compile.Identifier(reward), compile.GoalLabel)
}

// LongRunReward returns the property of the long-run average reward.
func LongRunReward(reward string) string {
	return fmt.Sprintf(`R{%q}=? [ S ]`, compile.Identifier(reward))
}

const resultPrefix = "Result:"

// ParseResults extracts the values of "Result:" lines.
//
// Description:
//
//	The first token after the prefix is the value. "Infinity" maps to
//	+Inf and "NaN" to NaN; other lines are ignored.
//
// Outputs:
//   - []float64: Values in output order.
//   - error: ErrMalformedOutput if a result value is not numeric.
func ParseResults(r io.Reader) ([]float64, error) {
	var out []float64
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if !strings.HasPrefix(line, resultPrefix) {
			continue
		}
		fields := strings.Fields(strings.TrimPrefix(line, resultPrefix))
		if len(fields) == 0 {
			return nil, fmt.Errorf("%w: empty result line", ErrMalformedOutput)
		}
		v, err := parseValue(fields[0])
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}
	return out, nil
}

func parseValue(s string) (float64, error) {
	switch s {
	case "Infinity", "+Infinity", "Inf":
		return math.Inf(1), nil
	case "-Infinity", "-Inf":
		return math.Inf(-1), nil
	case "NaN":
		return math.NaN(), nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: result %q is not a number", ErrMalformedOutput, s)
	}
	return v, nil
}

// Evaluator computes policy attribute values by model checking the chain
// a policy induces on an explicit model.
type Evaluator struct {
	Checker Checker
	Model   *compile.ExplicitModel

	// LongRun queries long-run average rewards instead of rewards
	// accumulated until the goal.
	LongRun bool
}

// Evaluate implements policy.Evaluator.
func (e Evaluator) Evaluate(ctx context.Context, p *policy.Policy, attributes []string) (map[string]float64, error) {
	actions, err := p.ExplicitActions(e.Model)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := compile.WriteExplicitPRISM(&buf, e.Model, actions); err != nil {
		return nil, err
	}

	props := make([]string, len(attributes))
	for i, name := range attributes {
		if e.LongRun {
			props[i] = LongRunReward(name)
		} else {
			props[i] = ReachabilityReward(name)
		}
	}
	values, err := e.Checker.Check(ctx, buf.Bytes(), props)
	if err != nil {
		return nil, err
	}
	if len(values) != len(attributes) {
		return nil, fmt.Errorf("%w: %d results for %d properties", ErrMalformedOutput, len(values), len(attributes))
	}

	out := make(map[string]float64, len(attributes))
	for i, name := range attributes {
		out[name] = values[i]
	}
	return out, nil
}
