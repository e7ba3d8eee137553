// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package store persists solver results so that repeated solves of the
// same model and request are answered without solving.
package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/AleutianXPlan/services/xplan/explicit"
	"github.com/AleutianAI/AleutianXPlan/services/xplan/lp"
	xbadger "github.com/AleutianAI/AleutianXPlan/services/xplan/storage/badger"
)

// ErrNotFound indicates no stored result for a key.
var ErrNotFound = errors.New("solution not found")

const keyPrefix = "solution/"

// Key identifies a solve: the explicit model, the request and the solver
// settings that influence the result.
//
// Description:
//
//	Soft-constraint penalties are functions, so they are identified by
//	their values at the sample points the solver uses.
func Key(m *explicit.Model, req lp.Request, cfg lp.Config) string {
	h := sha256.New()
	write := func(parts ...string) {
		for _, p := range parts {
			h.Write([]byte(p))
			h.Write([]byte{0})
		}
	}
	f := func(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) }

	write(m.Fingerprint(), req.Criterion.String(), strconv.Itoa(req.ObjectiveIndex))
	for _, c := range req.Hard {
		write("hard", strconv.Itoa(c.CostIndex), c.Bound.String(), f(c.Value), strconv.FormatBool(c.Strict))
	}
	for _, c := range req.Soft {
		samples := c.Samples
		if samples == 0 {
			samples = cfg.PWLSamples
		}
		penalty := c.Penalty
		if penalty == nil {
			penalty = lp.LinearPenalty
		}
		write("soft", strconv.Itoa(c.CostIndex), c.Bound.String(), f(c.Value), strconv.FormatBool(c.Strict),
			f(c.MaxViolation), f(c.Weight), strconv.Itoa(samples))
		for i := 0; i < samples && samples > 1; i++ {
			write(f(penalty(c.MaxViolation * float64(i) / float64(samples-1))))
		}
	}
	write(f(cfg.DiscountFactor), f(cfg.FeasibilityTolerance), f(cfg.StrictEpsilon), f(cfg.TransientBound),
		f(cfg.SimplexTolerance), f(cfg.IntegralityTolerance), strconv.Itoa(cfg.NodeLimit), cfg.TimeLimit.String())
	return hex.EncodeToString(h.Sum(nil))
}

// SolutionStore keeps lp.Results in BadgerDB as JSON.
//
// Thread Safety: Safe for concurrent use.
type SolutionStore struct {
	db     *xbadger.DB
	logger *slog.Logger
}

// NewSolutionStore wraps an open database. The store does not own db.
func NewSolutionStore(db *xbadger.DB, logger *slog.Logger) *SolutionStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &SolutionStore{db: db, logger: logger}
}

// Get returns the result stored under key.
//
// Outputs:
//   - error: ErrNotFound when nothing is stored, decoding or database
//     errors otherwise.
func (s *SolutionStore) Get(ctx context.Context, key string) (*lp.Result, error) {
	var r lp.Result
	err := s.db.View(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(keyPrefix + key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &r)
		})
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("reading solution %s: %w", key, err)
	}
	return &r, nil
}

// Put stores r under key, replacing any earlier result.
func (s *SolutionStore) Put(ctx context.Context, key string, r *lp.Result) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encoding solution: %w", err)
	}
	if err := s.db.Update(ctx, func(txn *badger.Txn) error {
		return txn.Set([]byte(keyPrefix+key), data)
	}); err != nil {
		return fmt.Errorf("writing solution %s: %w", key, err)
	}
	s.logger.Debug("solution stored", slog.String("key", key), slog.String("status", r.Status.String()))
	return nil
}

// Delete removes the result stored under key, if any.
func (s *SolutionStore) Delete(ctx context.Context, key string) error {
	return s.db.Update(ctx, func(txn *badger.Txn) error {
		return txn.Delete([]byte(keyPrefix + key))
	})
}

// Len counts the stored results.
func (s *SolutionStore) Len(ctx context.Context) (int, error) {
	n := 0
	err := s.db.View(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(keyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}
