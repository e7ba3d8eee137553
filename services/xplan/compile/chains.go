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
	"fmt"

	"github.com/AleutianAI/AleutianXPlan/services/xplan/model"
)

// ChainLink is one effect class of one PSO inside a chain.
type ChainLink struct {
	PSO   *model.FactoredPSO
	Class *model.EffectClass
}

// Chain is a maximal group of effect classes, across action types, whose
// variables are transitively updated together.
type Chain struct {
	links []ChainLink
	vars  model.StateVarClass
}

func newChain(links ...ChainLink) Chain {
	c := Chain{links: links}
	for _, l := range links {
		c.vars = c.vars.Union(l.Class.StateVarClass)
	}
	return c
}

// Links returns the effect classes of the chain in the order they joined.
func (c Chain) Links() []ChainLink {
	out := make([]ChainLink, len(c.links))
	copy(out, c.links)
	return out
}

// Vars returns the union of the chain's effect classes.
func (c Chain) Vars() model.StateVarClass { return c.vars }

// Overlaps reports whether any effect class of the chain overlaps class.
func (c Chain) Overlaps(class *model.EffectClass) bool {
	for _, l := range c.links {
		if l.Class.Overlaps(class.StateVarClass) {
			return true
		}
	}
	return false
}

// LinksOf returns the links of the chain that belong to pso.
func (c Chain) LinksOf(pso *model.FactoredPSO) []ChainLink {
	var out []ChainLink
	for _, l := range c.links {
		if l.PSO == pso {
			out = append(out, l)
		}
	}
	return out
}

// PSOs returns the distinct PSOs with a link in the chain, in link order.
func (c Chain) PSOs() []*model.FactoredPSO {
	seen := make(map[*model.FactoredPSO]bool)
	var out []*model.FactoredPSO
	for _, l := range c.links {
		if !seen[l.PSO] {
			seen[l.PSO] = true
			out = append(out, l.PSO)
		}
	}
	return out
}

func (c Chain) String() string { return c.vars.String() }

// Chains groups the effect classes of tf into chains.
//
// Description:
//
//	Starts with one singleton chain per effect class of the first PSO.
//	Each effect class of every later PSO is added in turn: all existing
//	chains with a class overlapping it are concatenated, together with the
//	new class, into one fresh chain that replaces them; if none overlaps,
//	the class starts a new singleton chain. The resulting chains partition
//	the variables of all effect classes.
//
// Outputs:
//   - []Chain: Chains in order of creation.
//   - error: ErrChainPartition if the result is not a partition, which
//     indicates overlapping effect classes inside one PSO.
func Chains(tf *model.TransitionFunction) ([]Chain, error) {
	var chains []Chain
	for _, pso := range tf.PSOs() {
		for _, class := range pso.EffectClasses() {
			link := ChainLink{PSO: pso, Class: class}
			var merged []ChainLink
			kept := chains[:0:0]
			for _, c := range chains {
				if c.Overlaps(class) {
					merged = append(merged, c.links...)
					continue
				}
				kept = append(kept, c)
			}
			chains = append(kept, newChain(append(merged, link)...))
		}
	}
	if err := checkPartition(chains); err != nil {
		return nil, err
	}
	return chains, nil
}

func checkPartition(chains []Chain) error {
	owner := make(map[*model.StateVarDefinition]int)
	for i, c := range chains {
		for _, l := range c.links {
			for _, d := range l.Class.Definitions() {
				if j, ok := owner[d]; ok && j != i {
					return fmt.Errorf("%w: %s in chains %s and %s", ErrChainPartition, d.Name(), chains[j], c)
				}
				owner[d] = i
			}
		}
	}
	return nil
}
