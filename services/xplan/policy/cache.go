// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package policy

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"
)

// ComputeFunc evaluates a policy on a cache miss.
type ComputeFunc func(ctx context.Context, p *Policy) (*Info, error)

// InfoCache memoizes Info by policy for one model and cost function.
//
// Description:
//
//	Entries are inserted once and never invalidated: policies are
//	immutable and the cache is owned by a single model/cost pairing.
//	Concurrent misses for the same policy run compute once.
//
// Thread Safety: Safe for concurrent use.
type InfoCache struct {
	mu      sync.RWMutex
	entries map[string]*Info
	flight  singleflight.Group

	hits   int64
	misses int64
}

// CacheStats reports cache effectiveness.
type CacheStats struct {
	Entries int
	Hits    int64
	Misses  int64
}

// NewInfoCache creates an empty cache.
func NewInfoCache() *InfoCache {
	return &InfoCache{entries: make(map[string]*Info)}
}

// Get returns the cached Info of p.
func (c *InfoCache) Get(p *Policy) (*Info, bool) {
	c.mu.RLock()
	info, ok := c.entries[p.Key()]
	c.mu.RUnlock()
	if ok {
		atomic.AddInt64(&c.hits, 1)
	}
	return info, ok
}

// GetOrCompute returns the cached Info of p, computing and storing it on
// a miss. Errors are not cached.
func (c *InfoCache) GetOrCompute(ctx context.Context, p *Policy, compute ComputeFunc) (*Info, error) {
	if info, ok := c.Get(p); ok {
		return info, nil
	}
	atomic.AddInt64(&c.misses, 1)

	result, err, _ := c.flight.Do(p.Key(), func() (interface{}, error) {
		c.mu.RLock()
		info, ok := c.entries[p.Key()]
		c.mu.RUnlock()
		if ok {
			return info, nil
		}
		info, err := compute(ctx, p)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.entries[p.Key()] = info
		c.mu.Unlock()
		return info, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*Info), nil
}

// Stats returns a snapshot of the cache counters.
func (c *InfoCache) Stats() CacheStats {
	c.mu.RLock()
	n := len(c.entries)
	c.mu.RUnlock()
	return CacheStats{
		Entries: n,
		Hits:    atomic.LoadInt64(&c.hits),
		Misses:  atomic.LoadInt64(&c.misses),
	}
}
