// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package explore derives alternative policies that trade one quality
// attribute against the others, for explaining why a solved policy was
// chosen.
package explore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianXPlan/services/xplan/lp"
	"github.com/AleutianAI/AleutianXPlan/services/xplan/model"
	"github.com/AleutianAI/AleutianXPlan/services/xplan/policy"
)

// ErrInvalidConfig indicates an unusable explorer configuration.
var ErrInvalidConfig = errors.New("invalid explorer config")

// -----------------------------------------------------------------------------
// Configuration
// -----------------------------------------------------------------------------

// Mode selects how the targeted attribute is constrained.
type Mode int

const (
	// ModeHard requires a strict improvement of the targeted attribute.
	ModeHard Mode = iota

	// ModeSoft additionally asks for a significant improvement through a
	// soft constraint, keeping the strict improvement as a hard bound.
	ModeSoft
)

func (m Mode) String() string {
	if m == ModeSoft {
		return "soft"
	}
	return "hard"
}

// ParseMode parses "hard" or "soft".
func ParseMode(s string) (Mode, error) {
	switch s {
	case "hard":
		return ModeHard, nil
	case "soft":
		return ModeSoft, nil
	default:
		return 0, fmt.Errorf("%w: unknown mode %q", ErrInvalidConfig, s)
	}
}

// Significance decides whether a change of an attribute value counts as an
// improvement.
type Significance int

const (
	// SignificanceToleranceBand requires an improvement of more than
	// Percent of the original value.
	SignificanceToleranceBand Significance = iota

	// SignificanceStrict accepts any improvement over the original value.
	SignificanceStrict
)

func (s Significance) String() string {
	if s == SignificanceStrict {
		return "strict"
	}
	return "tolerance_band"
}

// ParseSignificance parses "tolerance_band" or "strict".
func ParseSignificance(s string) (Significance, error) {
	switch s {
	case "tolerance_band", "band":
		return SignificanceToleranceBand, nil
	case "strict":
		return SignificanceStrict, nil
	default:
		return 0, fmt.Errorf("%w: unknown significance policy %q", ErrInvalidConfig, s)
	}
}

// noise is the relative difference below which two values are equal.
const noise = 1e-9

// Improved reports whether moving from original to value is a significant
// improvement of an attribute whose cost has the given slope. A positive
// slope means lower values are better.
func (s Significance) Improved(original, value, slope, percent float64) bool {
	gain := original - value
	if slope < 0 {
		gain = -gain
	}
	if s == SignificanceStrict {
		return gain > noise*(1+math.Abs(original))
	}
	return gain > noise*(1+math.Abs(original)) && gain > percent*math.Abs(original)
}

// Config tunes the explorer.
type Config struct {
	Mode         Mode
	Significance Significance

	// Percent is the significance threshold as a fraction of the original
	// value, e.g. 0.05 for 5%.
	Percent float64

	// Demotion divides the smallest other scaling constant to obtain the
	// scaling of the targeted attribute. Default 10.
	Demotion float64

	// PenaltyWeight weighs soft-constraint violations. Default 1.
	PenaltyWeight float64

	// Parallelism bounds concurrent optimum solves. Zero means unbounded.
	Parallelism int
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Mode:          ModeHard,
		Significance:  SignificanceToleranceBand,
		Percent:       0.05,
		Demotion:      10,
		PenaltyWeight: 1,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Percent < 0 || c.Percent >= 1 {
		return fmt.Errorf("%w: percent %g must be in [0, 1)", ErrInvalidConfig, c.Percent)
	}
	if c.Demotion <= 1 {
		return fmt.Errorf("%w: demotion %g must be greater than 1", ErrInvalidConfig, c.Demotion)
	}
	if c.PenaltyWeight <= 0 {
		return fmt.Errorf("%w: penalty weight %g must be positive", ErrInvalidConfig, c.PenaltyWeight)
	}
	if c.Parallelism < 0 {
		return fmt.Errorf("%w: parallelism %d", ErrInvalidConfig, c.Parallelism)
	}
	return nil
}

// -----------------------------------------------------------------------------
// Explorer
// -----------------------------------------------------------------------------

// Planner re-solves the model the explored policy came from.
type Planner interface {
	// Slot returns the cost slot of a quality attribute.
	Slot(attribute string) (int, error)

	// SolveWith solves under objective and constraints. The returned Info
	// is evaluated under the model's own cost function. A nil Info and a
	// nil error mean no policy satisfies the constraints.
	SolveWith(ctx context.Context, objective *model.CostFunction, hard []lp.Constraint, soft []lp.SoftConstraint) (*policy.Info, error)
}

// Alternative is a policy that improves on the explored one.
type Alternative struct {
	Info *policy.Info

	// Target is the attribute the alternative was solved for.
	Target string

	// Improved lists, in cost-function order, the attributes whose value
	// passes the Significance test against the explored policy. The
	// re-solve only bounds Target strictly, so Target is absent when its
	// gain stays under the threshold.
	Improved []string
}

// Explorer finds alternative policies.
//
// Thread Safety: Safe for concurrent use if the Planner is.
type Explorer struct {
	planner Planner
	cfg     Config
	logger  *slog.Logger
}

// NewExplorer creates an Explorer.
func NewExplorer(planner Planner, cfg Config, logger *slog.Logger) (*Explorer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Explorer{planner: planner, cfg: cfg, logger: logger}, nil
}

// Alternatives explores the tradeoffs of info.
//
// Description:
//
//	The work set starts with every attribute of the cost function. The
//	attribute optimum of each is solved concurrently; attributes already
//	at their optimum leave the work set. Each remaining attribute is then
//	demoted in the objective (its scaling becomes the smallest other
//	scaling divided by Demotion) and the model is re-solved with a strict
//	improvement bound on it, plus a soft significance bound in ModeSoft.
//	Any attribute an alternative improves significantly leaves the work
//	set. Policies equal to the explored one or an earlier alternative are
//	not reported twice.
//
// Outputs:
//   - []*Alternative: Alternatives in discovery order.
//   - error: Planner errors and context errors. Infeasible re-solves are
//     skipped.
func (e *Explorer) Alternatives(ctx context.Context, info *policy.Info) ([]*Alternative, error) {
	cf := info.CostFunction()
	terms := cf.Terms()

	work := make([]string, 0, len(terms))
	for _, t := range terms {
		work = append(work, t.Func.Attribute().Name())
	}
	optimal, err := e.optima(ctx, terms)
	if err != nil {
		return nil, err
	}

	remaining := make(map[string]bool, len(work))
	for _, name := range work {
		current, err := info.QAValue(name)
		if err != nil {
			return nil, err
		}
		best, ok := optimal[name]
		if !ok || math.Abs(current-best) <= noise*(1+math.Abs(best)) {
			e.logger.Debug("attribute already optimal", slog.String("attribute", name), slog.Float64("value", current))
			continue
		}
		remaining[name] = true
	}

	var alts []*Alternative
	seen := []*policy.Policy{info.Policy()}
	for _, name := range work {
		if !remaining[name] {
			continue
		}
		delete(remaining, name)

		alt, err := e.explore(ctx, info, name)
		if err != nil {
			return nil, err
		}
		if alt == nil {
			continue
		}
		for _, improved := range alt.Improved {
			delete(remaining, improved)
		}
		if containsPolicy(seen, alt.Info.Policy()) {
			continue
		}
		seen = append(seen, alt.Info.Policy())
		alts = append(alts, alt)
	}

	e.logger.Info("alternatives explored",
		slog.Int("attributes", len(work)),
		slog.Int("alternatives", len(alts)),
		slog.String("mode", e.cfg.Mode.String()))
	return alts, nil
}

// optima solves for the optimum of each attribute alone. Attributes
// without a feasible optimum are missing from the result.
func (e *Explorer) optima(ctx context.Context, terms []model.CostTerm) (map[string]float64, error) {
	values := make([]float64, len(terms))
	found := make([]bool, len(terms))

	g, gctx := errgroup.WithContext(ctx)
	if e.cfg.Parallelism > 0 {
		g.SetLimit(e.cfg.Parallelism)
	}
	for i, t := range terms {
		g.Go(func() error {
			name := t.Func.Attribute().Name()
			single, err := model.NewCostFunction(model.CostTerm{Func: t.Func, Scaling: 1})
			if err != nil {
				return err
			}
			info, err := e.planner.SolveWith(gctx, single, nil, nil)
			if err != nil {
				return fmt.Errorf("optimum of %s: %w", name, err)
			}
			if info == nil {
				return nil
			}
			v, err := info.QAValue(name)
			if err != nil {
				return err
			}
			values[i], found[i] = v, true
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make(map[string]float64, len(terms))
	for i, t := range terms {
		if found[i] {
			out[t.Func.Attribute().Name()] = values[i]
		}
	}
	return out, nil
}

// explore re-solves with name demoted and constrained to improve.
func (e *Explorer) explore(ctx context.Context, info *policy.Info, name string) (*Alternative, error) {
	cf := info.CostFunction()
	term, err := cf.Term(name)
	if err != nil {
		return nil, err
	}
	demoted, err := cf.WithScaling(name, e.demotedScaling(cf, name, term.Scaling))
	if err != nil {
		return nil, err
	}
	slot, err := e.planner.Slot(name)
	if err != nil {
		return nil, err
	}
	current, err := info.QAValue(name)
	if err != nil {
		return nil, err
	}

	bound := lp.UpperBound
	direction := -1.0
	if term.Func.Slope() < 0 {
		bound, direction = lp.LowerBound, 1
	}
	hard := []lp.Constraint{{CostIndex: slot, Bound: bound, Value: current, Strict: true}}
	var soft []lp.SoftConstraint
	if e.cfg.Mode == ModeSoft {
		if gap := e.cfg.Percent * math.Abs(current); gap > 0 {
			soft = append(soft, lp.SoftConstraint{
				Constraint:   lp.Constraint{CostIndex: slot, Bound: bound, Value: current + direction*gap},
				MaxViolation: gap,
				Weight:       e.cfg.PenaltyWeight,
			})
		}
	}

	alt, err := e.planner.SolveWith(ctx, demoted, hard, soft)
	if err != nil {
		return nil, fmt.Errorf("exploring %s: %w", name, err)
	}
	if alt == nil {
		e.logger.Debug("no alternative", slog.String("attribute", name))
		return nil, nil
	}

	result := &Alternative{Info: alt, Target: name}
	for _, t := range cf.Terms() {
		other := t.Func.Attribute().Name()
		orig, err := info.QAValue(other)
		if err != nil {
			return nil, err
		}
		v, err := alt.QAValue(other)
		if err != nil {
			return nil, err
		}
		if e.cfg.Significance.Improved(orig, v, t.Func.Slope(), e.cfg.Percent) {
			result.Improved = append(result.Improved, other)
		}
	}
	e.logger.Debug("alternative found",
		slog.String("attribute", name),
		slog.Float64("original", current),
		slog.Any("improved", result.Improved))
	return result, nil
}

// demotedScaling returns the smallest scaling of the other attributes
// divided by Demotion, or the attribute's own scaling divided by Demotion
// when no other attribute has a positive scaling.
func (e *Explorer) demotedScaling(cf *model.CostFunction, name string, own float64) float64 {
	lowest := math.Inf(1)
	for _, t := range cf.Terms() {
		if t.Func.Attribute().Name() != name && t.Scaling > 0 {
			lowest = math.Min(lowest, t.Scaling)
		}
	}
	if math.IsInf(lowest, 1) {
		lowest = own
	}
	return lowest / e.cfg.Demotion
}

func containsPolicy(ps []*policy.Policy, p *policy.Policy) bool {
	for _, q := range ps {
		if q.Equal(p) {
			return true
		}
	}
	return false
}
