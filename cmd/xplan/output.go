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
	"encoding/json"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/AleutianAI/AleutianXPlan/services/xplan"
	"github.com/AleutianAI/AleutianXPlan/services/xplan/explore"
	"github.com/AleutianAI/AleutianXPlan/services/xplan/policy"
)

// Exit codes for CLI commands.
const (
	CLIExitSuccess = 0
	CLIExitError   = 2
)

// apiVersion versions the JSON envelope.
const apiVersion = "1.0"

// CommandResult wraps command output with metadata.
type CommandResult struct {
	APIVersion string    `json:"api_version"`
	Command    string    `json:"command"`
	Timestamp  time.Time `json:"timestamp"`
	DurationMs int64     `json:"duration_ms"`
	Success    bool      `json:"success"`
	Data       any       `json:"data,omitempty"`
	Error      string    `json:"error,omitempty"`
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// -----------------------------------------------------------------------------
// Views
// -----------------------------------------------------------------------------

type compileView struct {
	Chains  int    `json:"chains"`
	States  int    `json:"states"`
	Choices int    `json:"choices"`
	PRISM   string `json:"prism"`
}

type decisionView struct {
	State  string `json:"state"`
	Action string `json:"action"`
}

// value keeps non-finite attribute values encodable.
type value float64

func (v value) MarshalJSON() ([]byte, error) {
	f := float64(v)
	if math.IsInf(f, 0) || math.IsNaN(f) {
		return json.Marshal(strconv.FormatFloat(f, 'g', -1, 64))
	}
	return json.Marshal(f)
}

type policyView struct {
	Objective value            `json:"objective"`
	Values    map[string]value `json:"values"`
	Decisions []decisionView   `json:"decisions"`
}

type solveView struct {
	RunID    string      `json:"run_id"`
	Status   string      `json:"status"`
	Feasible bool        `json:"feasible"`
	Cached   bool        `json:"cached"`
	Policy   *policyView `json:"policy,omitempty"`
}

type alternativeView struct {
	Target   string     `json:"target"`
	Improved []string   `json:"improved"`
	Policy   policyView `json:"policy"`
}

type explainView struct {
	solveView
	Alternatives []alternativeView `json:"alternatives"`
}

func newPolicyView(info *policy.Info) *policyView {
	pv := &policyView{Objective: value(info.ObjectiveCost()), Values: make(map[string]value)}
	for name, v := range info.QAValues() {
		pv.Values[name] = value(v)
	}
	for _, d := range info.Policy().Decisions() {
		pv.Decisions = append(pv.Decisions, decisionView{State: d.State.String(), Action: d.Action.Name()})
	}
	return pv
}

func newSolveView(sol *xplan.Solution) solveView {
	v := solveView{
		RunID:    sol.RunID,
		Status:   sol.Result.Status.String(),
		Feasible: sol.Feasible(),
		Cached:   sol.Cached,
	}
	if sol.Info != nil {
		v.Policy = newPolicyView(sol.Info)
	}
	return v
}

func newExplainView(sol *xplan.Solution, alts []*explore.Alternative) explainView {
	v := explainView{solveView: newSolveView(sol), Alternatives: []alternativeView{}}
	for _, a := range alts {
		v.Alternatives = append(v.Alternatives, alternativeView{
			Target:   a.Target,
			Improved: a.Improved,
			Policy:   *newPolicyView(a.Info),
		})
	}
	return v
}

// -----------------------------------------------------------------------------
// Text rendering
// -----------------------------------------------------------------------------

func printPolicy(w io.Writer, indent string, pv *policyView) {
	fmt.Fprintf(w, "%sobjective: %s\n", indent, formatValue(float64(pv.Objective)))
	names := make([]string, 0, len(pv.Values))
	for name := range pv.Values {
		names = append(names, name)
	}
	sort.Strings(names)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, name := range names {
		fmt.Fprintf(tw, "%s  %s\t%s\n", indent, name, formatValue(float64(pv.Values[name])))
	}
	_ = tw.Flush()
	fmt.Fprintf(w, "%spolicy:\n", indent)
	tw = tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, d := range pv.Decisions {
		fmt.Fprintf(tw, "%s  %s\t-> %s\n", indent, d.State, d.Action)
	}
	_ = tw.Flush()
}

func printSolve(w io.Writer, v solveView) {
	fmt.Fprintf(w, "status: %s", v.Status)
	if v.Cached {
		fmt.Fprint(w, " (cached)")
	}
	fmt.Fprintln(w)
	if v.Policy == nil {
		fmt.Fprintln(w, "no policy satisfies the constraints")
		return
	}
	printPolicy(w, "", v.Policy)
}

func printExplain(w io.Writer, v explainView) {
	printSolve(w, v.solveView)
	if v.Policy == nil {
		return
	}
	if len(v.Alternatives) == 0 {
		fmt.Fprintln(w, "no alternative improves any attribute")
		return
	}
	for i, a := range v.Alternatives {
		fmt.Fprintf(w, "\nalternative %d: improves %v (solved for %s)\n", i+1, a.Improved, a.Target)
		printPolicy(w, "  ", &a.Policy)
	}
}

func formatValue(v float64) string {
	return strconv.FormatFloat(v, 'g', 6, 64)
}
