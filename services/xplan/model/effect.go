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
	"fmt"
	"math"
)

// ProbabilisticEffect is a distribution over the effects of one effect class.
//
// Description:
//
//	Effects are kept in insertion order so that everything derived from a
//	distribution (merged tables, module commands, serialized models) is
//	deterministic. Effects with probability 0 are not stored.
//
// Thread Safety: Not safe for concurrent mutation; read-only use after
// construction is safe.
type ProbabilisticEffect struct {
	class   *EffectClass
	effects []Effect
	probs   []float64
	index   map[string]int
}

// NewProbabilisticEffect creates an empty distribution over class.
func NewProbabilisticEffect(class *EffectClass) *ProbabilisticEffect {
	return &ProbabilisticEffect{class: class, index: make(map[string]int)}
}

// Class returns the effect class.
func (p *ProbabilisticEffect) Class() *EffectClass { return p.class }

// Put sets the probability of e.
//
// Outputs:
//   - error: ErrIncompatibleEffectClass if e is of another class,
//     ErrInvalidDistribution if prob is outside [0, 1] or NaN.
func (p *ProbabilisticEffect) Put(e Effect, prob float64) error {
	if e.class == nil || !e.class.Equal(p.class.StateVarClass) {
		return fmt.Errorf("%w: effect %s is not of class %s", ErrIncompatibleEffectClass, e, p.class)
	}
	if math.IsNaN(prob) || prob < 0 || prob > 1+ProbabilityTolerance {
		return fmt.Errorf("%w: probability %g for %s", ErrInvalidDistribution, prob, e)
	}
	if i, ok := p.index[e.Key()]; ok {
		p.probs[i] = prob
		return nil
	}
	if prob == 0 {
		return nil
	}
	p.index[e.Key()] = len(p.effects)
	p.effects = append(p.effects, e)
	p.probs = append(p.probs, prob)
	return nil
}

// PutValues is Put for an effect given as assignments.
func (p *ProbabilisticEffect) PutValues(prob float64, vars ...StateVar) error {
	e, err := NewEffect(p.class, vars...)
	if err != nil {
		return err
	}
	return p.Put(e, prob)
}

// Prob returns the probability of e, 0 if absent.
func (p *ProbabilisticEffect) Prob(e Effect) float64 {
	if i, ok := p.index[e.Key()]; ok {
		return p.probs[i]
	}
	return 0
}

// Marginal returns the total probability of effects that agree with partial.
func (p *ProbabilisticEffect) Marginal(partial Tuple) float64 {
	sum := 0.0
	for i, e := range p.effects {
		if e.values.Matches(partial) {
			sum += p.probs[i]
		}
	}
	return sum
}

// Sum returns the total probability mass.
func (p *ProbabilisticEffect) Sum() float64 {
	sum := 0.0
	for _, pr := range p.probs {
		sum += pr
	}
	return sum
}

// Len returns the support size.
func (p *ProbabilisticEffect) Len() int { return len(p.effects) }

// Effects returns the support in insertion order.
func (p *ProbabilisticEffect) Effects() []Effect {
	out := make([]Effect, len(p.effects))
	copy(out, p.effects)
	return out
}

// Each calls fn for every effect in insertion order.
func (p *ProbabilisticEffect) Each(fn func(e Effect, prob float64)) {
	for i, e := range p.effects {
		fn(e, p.probs[i])
	}
}

// Validate checks that the distribution sums to 1 within ProbabilityTolerance.
func (p *ProbabilisticEffect) Validate() error {
	if sum := p.Sum(); math.Abs(sum-1) > ProbabilityTolerance {
		return fmt.Errorf("%w: class %s sums to %.12g", ErrInvalidDistribution, p.class, sum)
	}
	return nil
}

// MergeEffects returns the product distribution of two independent
// probabilistic effects over disjoint effect classes.
//
// Description:
//
//	The merged class is the union of both classes. Each merged effect is
//	the union of one effect from each side with probability equal to the
//	product of their probabilities, so the support size is a.Len()*b.Len().
//
// Outputs:
//   - *ProbabilisticEffect: The product distribution.
//   - error: ErrOverlappingClasses if the classes share a variable.
func MergeEffects(a, b *ProbabilisticEffect) (*ProbabilisticEffect, error) {
	if a.class.Overlaps(b.class.StateVarClass) {
		return nil, fmt.Errorf("%w: cannot merge effects of %s and %s", ErrOverlappingClasses, a.class, b.class)
	}
	class := &EffectClass{StateVarClass: a.class.Union(b.class.StateVarClass)}
	merged := NewProbabilisticEffect(class)
	for i, ea := range a.effects {
		for j, eb := range b.effects {
			values, err := ea.values.Union(eb.values)
			if err != nil {
				return nil, err
			}
			if err := merged.Put(Effect{class: class, values: values}, a.probs[i]*b.probs[j]); err != nil {
				return nil, err
			}
		}
	}
	return merged, nil
}
