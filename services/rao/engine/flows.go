// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/AleutianAI/gridrao/services/rao/network"
)

// flowCache memoizes oracle runs shared by concurrent perimeters.
//
// Thread Safety: safe for concurrent use.
type flowCache struct {
	flight  singleflight.Group
	mu      sync.RWMutex
	results map[string]*network.FlowResult
}

func newFlowCache() *flowCache {
	return &flowCache{results: make(map[string]*network.FlowResult)}
}

// get returns the cached result of key or computes it. Concurrent callers
// of the same key share one computation. Errors are not cached.
func (c *flowCache) get(key string, compute func() (*network.FlowResult, error)) (*network.FlowResult, error) {
	c.mu.RLock()
	cached, ok := c.results[key]
	c.mu.RUnlock()
	if ok {
		return cached, nil
	}

	v, err, _ := c.flight.Do(key, func() (interface{}, error) {
		c.mu.RLock()
		cached, ok := c.results[key]
		c.mu.RUnlock()
		if ok {
			return cached, nil
		}
		res, err := compute()
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.results[key] = res
		c.mu.Unlock()
		return res, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*network.FlowResult), nil
}
