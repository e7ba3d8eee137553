// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{"debug", LevelDebug, false},
		{"INFO", LevelInfo, false},
		{"", LevelInfo, false},
		{"warning", LevelWarn, false},
		{" error ", LevelError, false},
		{"trace", LevelInfo, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrUnknownLevel)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLevel_String(t *testing.T) {
	assert.Equal(t, "DEBUG", LevelDebug.String())
	assert.Equal(t, "ERROR", LevelError.String())
	assert.Equal(t, "UNKNOWN", Level(42).String())
}

func TestNew_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(Config{Level: LevelWarn, Output: &buf})
	require.NoError(t, err)
	defer logger.Close()

	logger.Slog().Info("hidden")
	logger.Slog().Warn("shown", "states", 4)

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "shown")
	assert.Contains(t, out, "states=4")
}

func TestNew_JSONWithService(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(Config{Service: "solver", JSON: true, Output: &buf})
	require.NoError(t, err)
	defer logger.Close()

	logger.With("run_id", "r1").Slog().Info("solved")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "solved", rec["msg"])
	assert.Equal(t, "solver", rec["service"])
	assert.Equal(t, "r1", rec["run_id"])
}

func TestNew_LogDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "logs")
	var buf bytes.Buffer
	logger, err := New(Config{LogDir: dir, Service: "xplan-test", Output: &buf})
	require.NoError(t, err)

	logger.Slog().Info("compiled", "chains", 2)
	require.NoError(t, logger.Close())
	require.NoError(t, logger.Close())

	assert.True(t, strings.HasPrefix(filepath.Base(logger.Path()), "xplan-test_"))
	data, err := os.ReadFile(logger.Path())
	require.NoError(t, err)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(data), &rec))
	assert.Equal(t, "compiled", rec["msg"])
	assert.EqualValues(t, 2, rec["chains"])
	assert.Contains(t, buf.String(), "compiled", "stderr destination still receives records")
}

func TestNew_QuietWithoutFileDiscards(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(Config{Quiet: true, Output: &buf})
	require.NoError(t, err)
	logger.Slog().Error("dropped")
	assert.Empty(t, buf.String())
	assert.Empty(t, logger.Path())
}

func TestNew_DefaultServiceFileName(t *testing.T) {
	logger, err := New(Config{LogDir: t.TempDir(), Quiet: true})
	require.NoError(t, err)
	defer logger.Close()
	assert.True(t, strings.HasPrefix(filepath.Base(logger.Path()), DefaultService+"_"))
}

func TestNew_LogDirIsAFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(file, nil, 0o600))
	_, err := New(Config{LogDir: filepath.Join(file, "logs"), Quiet: true})
	assert.Error(t, err)
}

func TestDefault(t *testing.T) {
	logger := Default()
	require.NotNil(t, logger)
	assert.NotNil(t, logger.Slog())
	assert.NoError(t, logger.Close())
}

func TestMultiHandler(t *testing.T) {
	var debug, errs bytes.Buffer
	h := &multiHandler{handlers: []slog.Handler{
		slog.NewTextHandler(&debug, &slog.HandlerOptions{Level: slog.LevelDebug}),
		slog.NewTextHandler(&errs, &slog.HandlerOptions{Level: slog.LevelError}),
	}}
	assert.True(t, h.Enabled(context.Background(), slog.LevelDebug))

	logger := slog.New(h.WithGroup("lp").WithAttrs([]slog.Attr{slog.String("criterion", "ssp")}))
	logger.Debug("pivot")
	logger.Error("numerical failure")

	assert.Contains(t, debug.String(), "pivot")
	assert.Contains(t, debug.String(), "numerical failure")
	assert.NotContains(t, errs.String(), "pivot")
	assert.Contains(t, errs.String(), "lp.criterion=ssp")
}

func TestLogger_ConcurrentUse(t *testing.T) {
	logger, err := New(Config{LogDir: t.TempDir(), Quiet: true})
	require.NoError(t, err)
	defer logger.Close()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			logger.With("worker", i).Slog().Info("probe")
		}(i)
	}
	wg.Wait()
	require.NoError(t, logger.Close())

	data, err := os.ReadFile(logger.Path())
	require.NoError(t, err)
	assert.Len(t, strings.Split(strings.TrimSpace(string(data)), "\n"), 8)
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "logs"), expandPath("~/logs"))
	assert.Equal(t, "/var/log", expandPath("/var/log"))
	assert.Equal(t, "~user/logs", expandPath("~user/logs"))
}
