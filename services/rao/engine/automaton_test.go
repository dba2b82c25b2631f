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
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/gridrao/services/rao/crac"
	"github.com/AleutianAI/gridrao/services/rao/network"
)

func TestRoundTowards(t *testing.T) {
	c := crac.New("round")
	pst := &crac.RangeAction{ID: "pst", Kind: crac.RangePst, TapToAngle: map[int]float64{-2: -4, -1: -2, 0: 0, 1: 2, 2: 4}}
	hvdc := &crac.RangeAction{ID: "hvdc", Kind: crac.RangeHvdc, Min: -10, Max: 10}
	require.NoError(t, c.AddRangeAction(pst))
	require.NoError(t, c.AddRangeAction(hvdc))

	tests := []struct {
		name   string
		ra     *crac.RangeAction
		target float64
		cur    float64
		want   float64
	}{
		{"closest tap beyond target", pst, 2.6, 0, 4},
		{"closest tap already beyond", pst, 3.4, 0, 4},
		{"downward", pst, -1.2, 0, -2},
		{"last tap", pst, 4, 0, 4},
		{"integer ceiling", hvdc, 3.2, 0, 4},
		{"integer floor", hvdc, -3.2, 0, -4},
		{"exact", hvdc, 5, 0, 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, roundTowards(tt.ra, tt.target, tt.cur), 1e-9)
		})
	}
}

func TestShift(t *testing.T) {
	cnec := &crac.Cnec{ID: "l", Min: -100, Max: 100, Optimized: true}
	weak := &crac.RangeAction{ID: "weak", Kind: crac.RangeHvdc, Min: -100, Max: 100}
	strong := &crac.RangeAction{ID: "strong", Kind: crac.RangeHvdc, Min: -100, Max: 100}
	blind := &crac.RangeAction{ID: "blind", Kind: crac.RangeHvdc, Min: -100, Max: 100}

	flows := network.NewFlowResult()
	flows.Flows["l"] = 120
	flows.Sensitivities["l"] = map[string]float64{"weak": 0.5, "strong": -2, "blind": 0}

	setpoints := map[string]float64{"weak": 0, "strong": 0, "blind": 0}
	margin, _ := flows.Margin(cnec)
	ra, sp, ok := shift(cnec, margin, flows, []*crac.RangeAction{blind, weak, strong}, setpoints)
	require.True(t, ok)
	assert.Same(t, strong, ra, "most sensitive action first")
	assert.InDelta(t, 10, sp, 1e-9)

	setpoints["strong"] = 100
	ra, sp, ok = shift(cnec, margin, flows, []*crac.RangeAction{blind, weak, strong}, setpoints)
	require.True(t, ok)
	assert.Same(t, weak, ra, "saturated action is skipped")
	assert.InDelta(t, -40, sp, 1e-9)

	_, _, ok = shift(cnec, margin, flows, []*crac.RangeAction{blind}, setpoints)
	assert.False(t, ok)
}

func TestWorstCnec(t *testing.T) {
	a := &crac.Cnec{ID: "a", Min: -100, Max: 100, Optimized: true}
	b := &crac.Cnec{ID: "b", Min: -100, Max: 100, Optimized: true}
	unknown := &crac.Cnec{ID: "unknown", Min: -100, Max: 100, Optimized: true}
	flows := network.NewFlowResult()
	flows.Flows["a"] = 50
	flows.Flows["b"] = -90

	worst, margin := worstCnec([]*crac.Cnec{a, b, unknown}, flows)
	assert.Same(t, b, worst)
	assert.InDelta(t, 10, margin, 1e-9)

	worst, _ = worstCnec(nil, flows)
	assert.Nil(t, worst)
}

func TestFlowCache_SharesComputation(t *testing.T) {
	cache := newFlowCache()
	var calls atomic.Int32
	compute := func() (*network.FlowResult, error) {
		calls.Add(1)
		time.Sleep(10 * time.Millisecond)
		res := network.NewFlowResult()
		res.Flows["l"] = 1
		return res, nil
	}

	var wg sync.WaitGroup
	results := make([]*network.FlowResult, 8)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := cache.get("key", compute)
			assert.NoError(t, err)
			results[i] = res
		}()
	}
	wg.Wait()

	again, err := cache.get("key", compute)
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())
	for _, res := range results {
		assert.Same(t, again, res)
	}
}

func TestFlowCache_ErrorsAreNotCached(t *testing.T) {
	cache := newFlowCache()
	boom := errors.New("boom")
	_, err := cache.get("key", func() (*network.FlowResult, error) { return nil, boom })
	assert.ErrorIs(t, err, boom)

	res, err := cache.get("key", func() (*network.FlowResult, error) { return network.NewFlowResult(), nil })
	require.NoError(t, err)
	assert.NotNil(t, res)
}
