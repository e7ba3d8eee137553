// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package modelspec loads factored MDPs from declarative YAML documents
// with tabular action descriptions.
package modelspec

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianXPlan/services/xplan/model"
)

// ErrInvalidSpec indicates a document that does not describe a valid model.
var ErrInvalidSpec = errors.New("invalid model spec")

// AnyAction selects every instance of an action type in predicates,
// entries and attribute values.
const AnyAction = "*"

var validate = validator.New()

// Spec is the document form of an XMDP.
type Spec struct {
	Name       string         `yaml:"name" validate:"required"`
	Variables  []Variable     `yaml:"variables" validate:"required,min=1,dive"`
	Initial    map[string]any `yaml:"initial" validate:"required"`
	Goal       map[string]any `yaml:"goal"`
	Actions    []ActionType   `yaml:"actions" validate:"required,min=1,dive"`
	Attributes []Attribute    `yaml:"attributes" validate:"required,min=1,dive"`
}

// Variable declares a state variable and its possible values.
type Variable struct {
	Name   string `yaml:"name" validate:"required"`
	Values []any  `yaml:"values" validate:"required,min=1"`
}

// ActionType declares the actions of one type and their PSO.
type ActionType struct {
	Type string `yaml:"type" validate:"required"`

	// Instances lists the parameter lists of the actions. Empty declares
	// one parameterless action.
	Instances [][]any `yaml:"instances"`

	Precondition []Predicate   `yaml:"precondition" validate:"dive"`
	Descriptions []Description `yaml:"descriptions" validate:"required,min=1,dive"`
}

// Predicate allows values of one variable for an action. Predicates of
// the same action and variable accumulate.
type Predicate struct {
	Action   string `yaml:"action"`
	Variable string `yaml:"variable" validate:"required"`
	Allowed  []any  `yaml:"allowed" validate:"required,min=1"`
}

// Description is a tabular action description of one effect class.
type Description struct {
	EffectClass       []string `yaml:"effect_class" validate:"required,min=1"`
	DiscriminantClass []string `yaml:"discriminant_class"`
	Entries           []Entry  `yaml:"entries" validate:"required,min=1,dive"`
}

// Entry is the probabilistic effect of an action under a discriminant.
type Entry struct {
	Action   string         `yaml:"action"`
	When     map[string]any `yaml:"when"`
	Outcomes []Outcome      `yaml:"outcomes" validate:"required,min=1,dive"`
}

// Outcome is one effect with its probability.
type Outcome struct {
	Prob float64        `yaml:"prob" validate:"gt=0,lte=1"`
	Set  map[string]any `yaml:"set" validate:"required"`
}

// Attribute declares a quality attribute with per-action step values and
// its cost function.
type Attribute struct {
	Name string `yaml:"name" validate:"required"`

	// Values maps an action name or type to its step value. Action names
	// take precedence over types.
	Values  map[string]float64 `yaml:"values"`
	Default float64            `yaml:"default"`

	Intercept float64 `yaml:"intercept"`
	Slope     float64 `yaml:"slope" validate:"required"`

	// Scaling defaults to 1.
	Scaling *float64 `yaml:"scaling" validate:"omitempty,gte=0"`
}

// Parse decodes and validates a document without building the model.
func Parse(r io.Reader) (*Spec, error) {
	var s Spec
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSpec, err)
	}
	if err := validate.Struct(&s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSpec, err)
	}
	return &s, nil
}

// Load parses and builds a document.
func Load(r io.Reader) (*model.XMDP, error) {
	s, err := Parse(r)
	if err != nil {
		return nil, err
	}
	return s.Build()
}

// LoadFile loads the document at path.
func LoadFile(path string) (*model.XMDP, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	x, err := Load(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return x, nil
}

// -----------------------------------------------------------------------------
// Building
// -----------------------------------------------------------------------------

type builder struct {
	vars    map[string]*model.StateVarDefinition
	order   []*model.StateVarDefinition
	actions map[string][]model.BasicAction
}

// Build turns the document into an XMDP.
//
// Outputs:
//   - error: ErrInvalidSpec for unknown variables, values or actions;
//     model construction errors otherwise.
func (s *Spec) Build() (*model.XMDP, error) {
	b := &builder{vars: make(map[string]*model.StateVarDefinition), actions: make(map[string][]model.BasicAction)}
	for _, v := range s.Variables {
		values := make([]model.Value, len(v.Values))
		for i, raw := range v.Values {
			val, err := toValue(raw)
			if err != nil {
				return nil, fmt.Errorf("variable %s: %w", v.Name, err)
			}
			values[i] = val
		}
		def, err := model.NewStateVarDefinition(v.Name, values...)
		if err != nil {
			return nil, err
		}
		if _, dup := b.vars[v.Name]; dup {
			return nil, fmt.Errorf("%w: variable %s declared twice", ErrInvalidSpec, v.Name)
		}
		b.vars[v.Name] = def
		b.order = append(b.order, def)
	}
	states, err := model.NewStateSpace(b.order...)
	if err != nil {
		return nil, err
	}

	var defs []*model.ActionDefinition
	var psos []*model.FactoredPSO
	for _, at := range s.Actions {
		def, pso, err := b.actionType(at)
		if err != nil {
			return nil, fmt.Errorf("action %s: %w", at.Type, err)
		}
		defs = append(defs, def)
		psos = append(psos, pso)
	}
	actions, err := model.NewActionSpace(defs...)
	if err != nil {
		return nil, err
	}
	tf, err := model.NewTransitionFunction(psos...)
	if err != nil {
		return nil, err
	}

	qspace, cost, err := b.attributes(s.Attributes)
	if err != nil {
		return nil, err
	}

	initial, err := b.tuple(s.Initial)
	if err != nil {
		return nil, fmt.Errorf("initial: %w", err)
	}
	spec := model.XMDPSpec{
		States:      states,
		Actions:     actions,
		Initial:     initial,
		Transitions: tf,
		QSpace:      qspace,
		Cost:        cost,
	}
	if len(s.Goal) > 0 {
		goal, err := b.tuple(s.Goal)
		if err != nil {
			return nil, fmt.Errorf("goal: %w", err)
		}
		spec.Goal = &goal
	}
	return model.NewXMDP(spec)
}

func (b *builder) actionType(at ActionType) (*model.ActionDefinition, *model.FactoredPSO, error) {
	var acts []model.BasicAction
	if len(at.Instances) == 0 {
		acts = append(acts, model.NewAction(at.Type))
	}
	for _, params := range at.Instances {
		values := make([]model.Value, len(params))
		for i, raw := range params {
			v, err := toValue(raw)
			if err != nil {
				return nil, nil, err
			}
			values[i] = v
		}
		acts = append(acts, model.NewAction(at.Type, values...))
	}
	b.actions[at.Type] = acts

	generic := make([]model.Action, len(acts))
	for i, a := range acts {
		generic[i] = a
	}
	def, err := model.NewActionDefinition(at.Type, generic...)
	if err != nil {
		return nil, nil, err
	}

	pre := model.NewPrecondition(def)
	for _, p := range at.Precondition {
		d, err := b.variable(p.Variable)
		if err != nil {
			return nil, nil, err
		}
		targets, err := b.pick(at.Type, p.Action)
		if err != nil {
			return nil, nil, err
		}
		for _, raw := range p.Allowed {
			sv, err := b.stateVar(d, raw)
			if err != nil {
				return nil, nil, err
			}
			for _, a := range targets {
				if err := pre.AddUnivariate(a, sv); err != nil {
					return nil, nil, err
				}
			}
		}
	}

	descs := make([]model.ActionDescription, 0, len(at.Descriptions))
	for _, ds := range at.Descriptions {
		desc, err := b.description(def, at.Type, ds)
		if err != nil {
			return nil, nil, err
		}
		descs = append(descs, desc)
	}
	pso, err := model.NewFactoredPSO(def, pre, descs...)
	if err != nil {
		return nil, nil, err
	}
	return def, pso, nil
}

func (b *builder) description(def *model.ActionDefinition, actionType string, ds Description) (*model.TabularActionDescription, error) {
	effectVars, err := b.variables(ds.EffectClass)
	if err != nil {
		return nil, err
	}
	discVars, err := b.variables(ds.DiscriminantClass)
	if err != nil {
		return nil, err
	}
	eClass, err := model.NewEffectClass(effectVars...)
	if err != nil {
		return nil, err
	}
	dClass, err := model.NewDiscriminantClass(discVars...)
	if err != nil {
		return nil, err
	}

	desc := model.NewTabularActionDescription(def, dClass, eClass)
	for _, e := range ds.Entries {
		when, err := b.tuple(e.When)
		if err != nil {
			return nil, fmt.Errorf("when: %w", err)
		}
		d, err := model.DiscriminantFromTuple(dClass, when)
		if err != nil {
			return nil, err
		}
		pe := model.NewProbabilisticEffect(eClass)
		for _, o := range e.Outcomes {
			set, err := b.tuple(o.Set)
			if err != nil {
				return nil, fmt.Errorf("set: %w", err)
			}
			eff, err := model.EffectFromTuple(eClass, set)
			if err != nil {
				return nil, err
			}
			if err := pe.Put(eff, o.Prob); err != nil {
				return nil, err
			}
		}
		targets, err := b.pick(actionType, e.Action)
		if err != nil {
			return nil, err
		}
		for _, a := range targets {
			if err := desc.Put(a, d, pe); err != nil {
				return nil, err
			}
		}
	}
	return desc, nil
}

func (b *builder) attributes(attrs []Attribute) (*model.QSpace, *model.CostFunction, error) {
	qas := make([]model.QualityAttribute, 0, len(attrs))
	terms := make([]model.CostTerm, 0, len(attrs))
	for _, at := range attrs {
		steps := make(map[string]float64)
		for typ, acts := range b.actions {
			for _, a := range acts {
				v := at.Default
				if tv, ok := at.Values[typ]; ok {
					v = tv
				}
				if nv, ok := at.Values[a.Name()]; ok {
					v = nv
				}
				steps[a.Name()] = v
			}
		}
		for key := range at.Values {
			if _, ok := steps[key]; !ok {
				if _, ok := b.actions[key]; !ok {
					return nil, nil, fmt.Errorf("%w: attribute %s values unknown action %q", ErrInvalidSpec, at.Name, key)
				}
			}
		}

		qa := model.NewQAFunc(at.Name, func(t model.Transition) (float64, error) {
			v, ok := steps[t.Action.Name()]
			if !ok {
				return 0, fmt.Errorf("%w: %s", model.ErrActionNotFound, t.Action.Name())
			}
			return v, nil
		})
		f, err := model.NewAttributeCostFunction(qa, at.Intercept, at.Slope)
		if err != nil {
			return nil, nil, err
		}
		scaling := 1.0
		if at.Scaling != nil {
			scaling = *at.Scaling
		}
		qas = append(qas, qa)
		terms = append(terms, model.CostTerm{Func: f, Scaling: scaling})
	}
	qspace, err := model.NewQSpace(qas...)
	if err != nil {
		return nil, nil, err
	}
	cost, err := model.NewCostFunction(terms...)
	if err != nil {
		return nil, nil, err
	}
	return qspace, cost, nil
}

// pick returns the actions of actionType that name designates.
func (b *builder) pick(actionType, name string) ([]model.BasicAction, error) {
	acts := b.actions[actionType]
	if name == "" || name == AnyAction || name == actionType {
		return acts, nil
	}
	for _, a := range acts {
		if a.Name() == name {
			return []model.BasicAction{a}, nil
		}
	}
	return nil, fmt.Errorf("%w: %q is not an action of type %s", ErrInvalidSpec, name, actionType)
}

func (b *builder) variable(name string) (*model.StateVarDefinition, error) {
	d, ok := b.vars[name]
	if !ok {
		return nil, fmt.Errorf("%w: unknown variable %q", ErrInvalidSpec, name)
	}
	return d, nil
}

func (b *builder) variables(names []string) ([]*model.StateVarDefinition, error) {
	out := make([]*model.StateVarDefinition, len(names))
	for i, n := range names {
		d, err := b.variable(n)
		if err != nil {
			return nil, err
		}
		out[i] = d
	}
	return out, nil
}

func (b *builder) stateVar(d *model.StateVarDefinition, raw any) (model.StateVar, error) {
	v, err := toValue(raw)
	if err != nil {
		return model.StateVar{}, err
	}
	sv, err := d.Var(v)
	if err != nil {
		return model.StateVar{}, fmt.Errorf("%w: %w", ErrInvalidSpec, err)
	}
	return sv, nil
}

func (b *builder) tuple(assign map[string]any) (model.Tuple, error) {
	vars := make([]model.StateVar, 0, len(assign))
	for _, d := range b.order {
		raw, ok := assign[d.Name()]
		if !ok {
			continue
		}
		sv, err := b.stateVar(d, raw)
		if err != nil {
			return model.Tuple{}, err
		}
		vars = append(vars, sv)
	}
	if len(vars) != len(assign) {
		for name := range assign {
			if _, err := b.variable(name); err != nil {
				return model.Tuple{}, err
			}
		}
	}
	return model.NewTuple(vars...)
}

// toValue converts a decoded YAML scalar.
func toValue(raw any) (model.Value, error) {
	switch v := raw.(type) {
	case int:
		return model.IntValue(v), nil
	case bool:
		return model.BoolValue(v), nil
	case string:
		return model.StringValue(v), nil
	case float64:
		if v == math.Trunc(v) && math.Abs(v) <= math.MaxInt32 {
			return model.IntValue(int(v)), nil
		}
		return nil, fmt.Errorf("%w: non-integral number %g", ErrInvalidSpec, v)
	default:
		return nil, fmt.Errorf("%w: unsupported value %v (%T)", ErrInvalidSpec, raw, raw)
	}
}
