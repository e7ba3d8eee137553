// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package checker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// DefaultTimeout bounds one checker run.
const DefaultTimeout = 2 * time.Minute

// PrismCLI runs the PRISM command-line tool.
//
// Thread Safety: Safe for concurrent use. Each run works in its own
// temporary directory.
type PrismCLI struct {
	// Path is the binary, "prism" if empty.
	Path string

	// Args are extra arguments placed before the model file.
	Args []string

	// Timeout bounds a run. Zero means DefaultTimeout.
	Timeout time.Duration

	Logger *slog.Logger
}

func (c *PrismCLI) binary() string {
	if c.Path == "" {
		return "prism"
	}
	return c.Path
}

// Available reports whether the binary can be found.
func (c *PrismCLI) Available() bool {
	_, err := exec.LookPath(c.binary())
	return err == nil
}

// Check writes model and properties to temporary files, runs the checker
// and parses one "Result:" line per property.
//
// Outputs:
//   - []float64: One value per property.
//   - error: ErrCheckerUnavailable, ErrCheckerFailed (non-zero exit or
//     timeout, with stderr), ErrMalformedOutput, or the context error.
func (c *PrismCLI) Check(ctx context.Context, model []byte, properties []string) ([]float64, error) {
	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}
	bin, err := exec.LookPath(c.binary())
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrCheckerUnavailable, c.binary())
	}

	dir, err := os.MkdirTemp("", "xplan-check-")
	if err != nil {
		return nil, fmt.Errorf("creating work dir: %w", err)
	}
	defer os.RemoveAll(dir)

	modelPath := filepath.Join(dir, "model.prism")
	propsPath := filepath.Join(dir, "query.props")
	if err := os.WriteFile(modelPath, model, 0o600); err != nil {
		return nil, fmt.Errorf("writing model: %w", err)
	}
	if err := os.WriteFile(propsPath, []byte(strings.Join(properties, "\n")+"\n"), 0o600); err != nil {
		return nil, fmt.Errorf("writing properties: %w", err)
	}

	timeout := c.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	cmdCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := append(append([]string(nil), c.Args...), modelPath, propsPath)
	cmd := exec.CommandContext(cmdCtx, bin, args...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start)

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if errors.Is(cmdCtx.Err(), context.DeadlineExceeded) {
		recordCheck(ctx, elapsed, false)
		return nil, fmt.Errorf("%w: timed out after %s", ErrCheckerFailed, timeout)
	}
	if runErr != nil {
		recordCheck(ctx, elapsed, false)
		return nil, fmt.Errorf("%w: %v: %s", ErrCheckerFailed, runErr, strings.TrimSpace(stderr.String()))
	}

	values, err := ParseResults(&stdout)
	if err != nil {
		recordCheck(ctx, elapsed, false)
		return nil, err
	}
	if len(values) != len(properties) {
		recordCheck(ctx, elapsed, false)
		return nil, fmt.Errorf("%w: %d results for %d properties", ErrMalformedOutput, len(values), len(properties))
	}
	recordCheck(ctx, elapsed, true)

	logger.Debug("model checked",
		slog.String("checker", bin),
		slog.Int("properties", len(properties)),
		slog.Duration("duration", elapsed))
	return values, nil
}
