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
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	commuteModel   = "../../services/xplan/modelspec/testdata/commute.yaml"
	flipWorldModel = "../../services/xplan/modelspec/testdata/flipworld.yaml"
)

func run(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	cmd := newRootCmd(&stdout, &stderr)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func decode(t *testing.T, out string, data any) CommandResult {
	t.Helper()
	var res CommandResult
	res.Data = data
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	return res
}

func TestVersion(t *testing.T) {
	out, _, err := run(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "xplan "+version+"\n", out)
}

func TestCompile(t *testing.T) {
	out, _, err := run(t, "compile", flipWorldModel)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "mdp\n"))
	assert.Contains(t, out, `label "goal"`)
	assert.Contains(t, out, `rewards "objective"`)

	out, _, err = run(t, "compile", flipWorldModel, "--json")
	require.NoError(t, err)
	var view compileView
	res := decode(t, out, &view)
	assert.True(t, res.Success)
	assert.Equal(t, "compile", res.Command)
	assert.Equal(t, 4, view.States)
	assert.Contains(t, view.PRISM, "endmodule")
}

func TestSolve(t *testing.T) {
	out, _, err := run(t, "solve", commuteModel)
	require.NoError(t, err)
	assert.Contains(t, out, "status: optimal")
	assert.Contains(t, out, "go(fast)")

	out, _, err = run(t, "solve", commuteModel, "--json", "-b", "risk<=1")
	require.NoError(t, err)
	var view solveView
	decode(t, out, &view)
	require.True(t, view.Feasible)
	require.NotNil(t, view.Policy)
	assert.InDelta(t, 3, float64(view.Policy.Objective), 1e-6)
	require.Len(t, view.Policy.Decisions, 1)
	assert.Equal(t, "go(safe)", view.Policy.Decisions[0].Action)
}

func TestSolve_Infeasible(t *testing.T) {
	out, _, err := run(t, "solve", commuteModel, "-b", "risk<=1", "-b", "time<=2")
	require.NoError(t, err)
	assert.Contains(t, out, "status: infeasible")
	assert.Contains(t, out, "no policy satisfies the constraints")
}

func TestSolve_SoftBound(t *testing.T) {
	out, _, err := run(t, "solve", commuteModel, "--json", "--soft", "risk<=1", "--soft-weight", "4")
	require.NoError(t, err)
	var view solveView
	decode(t, out, &view)
	require.NotNil(t, view.Policy)
	assert.Equal(t, "go(safe)", view.Policy.Decisions[0].Action)
}

func TestSolve_Errors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"bad bound", []string{"solve", commuteModel, "-b", "risk=1"}, "invalid bound"},
		{"unknown attribute", []string{"solve", commuteModel, "-b", "comfort>=1"}, "comfort"},
		{"missing model", []string{"solve", "missing.yaml"}, "missing.yaml"},
		{"bad enumeration", []string{"solve", commuteModel, "--enumeration", "some"}, "invalid config"},
		{"no model argument", []string{"solve"}, "accepts 1 arg"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := run(t, tt.args...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestExplain(t *testing.T) {
	for _, mode := range []string{"hard", "soft"} {
		t.Run(mode, func(t *testing.T) {
			out, _, err := run(t, "explain", commuteModel, "--json", "--mode", mode)
			require.NoError(t, err)
			var view explainView
			decode(t, out, &view)
			require.Len(t, view.Alternatives, 1)
			alt := view.Alternatives[0]
			assert.Equal(t, "risk", alt.Target)
			assert.Equal(t, []string{"risk"}, alt.Improved)
			assert.Equal(t, "go(safe)", alt.Policy.Decisions[0].Action)
		})
	}

	out, _, err := run(t, "explain", flipWorldModel)
	require.NoError(t, err)
	assert.Contains(t, out, "no alternative improves any attribute")
}

func TestConfigFileAndStore(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "xplan.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`
storage:
  enabled: true
  in_memory: false
  path: `+filepath.Join(dir, "db")+`
observability:
  log_level: debug
  log_dir: `+filepath.Join(dir, "logs")+`
`), 0o600))

	out, stderr, err := run(t, "solve", flipWorldModel, "--config", cfgPath, "--json")
	require.NoError(t, err)
	var first solveView
	decode(t, out, &first)
	assert.False(t, first.Cached)
	assert.Contains(t, stderr, "model loaded")

	out, _, err = run(t, "solve", flipWorldModel, "--config", cfgPath, "--json")
	require.NoError(t, err)
	var second solveView
	decode(t, out, &second)
	assert.True(t, second.Cached)
	assert.NotEqual(t, first.RunID, second.RunID)

	logs, err := os.ReadDir(filepath.Join(dir, "logs"))
	require.NoError(t, err)
	assert.Len(t, logs, 1)
}

func TestTelemetryOutputs(t *testing.T) {
	dir := t.TempDir()
	metricsFile := filepath.Join(dir, "xplan.prom")
	t.Setenv("XPLAN_METRICS_FILE", metricsFile)
	t.Setenv("XPLAN_TRACE_EXPORTER", "stdout")

	_, stderr, err := run(t, "solve", flipWorldModel)
	require.NoError(t, err)
	assert.Contains(t, stderr, "xplan.compile", "spans are exported to the error stream")

	data, err := os.ReadFile(metricsFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), `xplan_solver_solves_total{criterion="total",status="optimal"} 1`)
}
