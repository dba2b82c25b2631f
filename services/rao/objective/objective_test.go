// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package objective

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/AleutianAI/gridrao/services/rao/costeval"
	"github.com/AleutianAI/gridrao/services/rao/crac"
	"github.com/AleutianAI/gridrao/services/rao/network"
	"github.com/AleutianAI/gridrao/services/rao/perimeter"
)

func testPerimeter() *perimeter.Perimeter {
	prev := crac.PreventiveState()
	return &perimeter.Perimeter{
		OptimizedState: prev,
		States:         []crac.State{prev},
		Cnecs: []*crac.Cnec{
			{ID: "opt", State: prev, Operator: "FR", Min: -100, Max: 100, Optimized: true},
			{ID: "opt-be", State: prev, Operator: "BE", Min: -100, Max: 100, Optimized: true},
			{ID: "mnec", State: prev, Operator: "FR", Min: -100, Max: 100, Monitored: true},
			{ID: "lf", State: prev, Operator: "FR", Min: -1000, Max: 1000, Optimized: true, LoopFlowThreshold: 30},
		},
		UnoptimizedOperators: map[string]bool{"BE": true},
	}
}

func flows(values map[string]float64) *network.FlowResult {
	r := network.NewFlowResult()
	for k, v := range values {
		r.Flows[k] = v
	}
	r.CommercialFlows["lf"] = 100
	r.PtdfSums["opt"] = 0.5
	return r
}

func TestFunction_Functional(t *testing.T) {
	ref := flows(map[string]float64{"opt": 80, "opt-be": 0, "mnec": 50, "lf": 120})
	f := New(Config{}, costeval.MaxOverStates{}, testPerimeter(), ref, costeval.NoExclusions)

	got := f.Evaluate(flows(map[string]float64{"opt": 90, "opt-be": 150, "mnec": 50, "lf": 120}))
	assert.InDelta(t, -10, got.FunctionalCost, 1e-9, "BE is not optimized")
	assert.Equal(t, 0.0, got.VirtualCost())
	assert.InDelta(t, -10, got.Cost(), 1e-9)
	assert.Equal(t, "opt", got.CostlyElements[0].Cnec.ID)

	rel := New(Config{RelativeMargin: true, PtdfSumLowerBound: 0.01}, costeval.MaxOverStates{}, testPerimeter(), ref, costeval.NoExclusions)
	got = rel.Evaluate(flows(map[string]float64{"opt": 90, "lf": 0}))
	assert.InDelta(t, -20, got.FunctionalCost, 1e-9, "positive margin divided by ptdf sum")

	m, ok := rel.Margin(flows(map[string]float64{"opt": 90}), "opt")
	assert.True(t, ok)
	assert.InDelta(t, 20, m, 1e-9)
}

func TestFunction_MnecCost(t *testing.T) {
	cfg := Config{MnecAcceptableMarginDecrease: 20, MnecViolationCost: 10}
	tests := []struct {
		name    string
		refFlow float64
		flow    float64
		want    float64
	}{
		{"secure stays free", 50, 90, 0},
		{"violation within tolerance", 110, 115, 0},
		{"violation beyond tolerance", 110, 140, 10 * 10},
		{"newly violated", 50, 105, 10 * 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ref := flows(map[string]float64{"mnec": tt.refFlow})
			f := New(cfg, costeval.MaxOverStates{}, testPerimeter(), ref, costeval.NoExclusions)
			got := f.Evaluate(flows(map[string]float64{"opt": 0, "mnec": tt.flow}))
			assert.InDelta(t, tt.want, got.VirtualCosts[VirtualMnec], 1e-9)
		})
	}
}

func TestFunction_MnecCoversUnoptimizedOperators(t *testing.T) {
	cfg := Config{MnecViolationCost: 1}
	ref := flows(map[string]float64{"opt-be": 0})
	f := New(cfg, costeval.MaxOverStates{}, testPerimeter(), ref, costeval.NoExclusions)

	got := f.Evaluate(flows(map[string]float64{"opt": 0, "opt-be": 130}))
	assert.InDelta(t, 30, got.VirtualCosts[VirtualMnec], 1e-9)
}

func TestFunction_LoopFlowCost(t *testing.T) {
	cfg := Config{LoopFlowAcceptableIncrease: 5, LoopFlowViolationCost: 2}
	ref := flows(map[string]float64{"lf": 140})
	f := New(cfg, costeval.MaxOverStates{}, testPerimeter(), ref, costeval.NoExclusions)

	assert.InDelta(t, 45, f.LoopFlowLimit("lf"), 1e-9)

	got := f.Evaluate(flows(map[string]float64{"lf": 150}))
	assert.InDelta(t, 2*5, got.VirtualCosts[VirtualLoopFlow], 1e-9)

	got = f.Evaluate(flows(map[string]float64{"lf": 120}))
	assert.Equal(t, 0.0, got.VirtualCosts[VirtualLoopFlow])
}

func TestFunction_VirtualCostsSkipExcludedContingencies(t *testing.T) {
	prev := crac.PreventiveState()
	cur := crac.State{Instant: crac.InstantCurative, ContingencyID: "co1"}
	p := &perimeter.Perimeter{
		OptimizedState: prev,
		States:         []crac.State{prev, cur},
		Cnecs: []*crac.Cnec{
			{ID: "lf", State: prev, Operator: "FR", Min: -1000, Max: 1000, Optimized: true, LoopFlowThreshold: 30},
			{ID: "lf-co1", State: cur, Operator: "FR", Min: -1000, Max: 1000, Optimized: true, LoopFlowThreshold: 30},
			{ID: "mnec-co1", State: cur, Operator: "FR", Min: -100, Max: 100, Monitored: true},
		},
	}
	withCommercial := func(values map[string]float64) *network.FlowResult {
		r := flows(values)
		r.CommercialFlows["lf-co1"] = 100
		return r
	}
	cfg := Config{LoopFlowViolationCost: 2, MnecViolationCost: 1}
	ref := withCommercial(map[string]float64{"lf": 120, "lf-co1": 120, "mnec-co1": 50})
	// lf-co1 carries a 100 MW loop flow against a 30 MW limit and mnec-co1
	// is 30 MW beyond its limit.
	after := withCommercial(map[string]float64{"lf": 120, "lf-co1": 200, "mnec-co1": 130})

	tests := []struct {
		name         string
		excl         costeval.Exclusions
		wantLoopFlow float64
		wantMnec     float64
	}{
		{"nothing excluded", costeval.NoExclusions, 2 * 70, 30},
		{"co1 excluded", costeval.Exclusions{Contingencies: map[string]bool{"co1": true}}, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := New(cfg, costeval.MaxOverStates{}, p, ref, tt.excl)
			got := f.Evaluate(after)
			assert.InDelta(t, tt.wantLoopFlow, got.VirtualCosts[VirtualLoopFlow], 1e-9)
			assert.InDelta(t, tt.wantMnec, got.VirtualCosts[VirtualMnec], 1e-9)
		})
	}
}

func TestFunction_SensitivityFailure(t *testing.T) {
	f := New(Config{SensitivityFailureCost: 10000}, costeval.MaxOverStates{}, testPerimeter(), nil, costeval.NoExclusions)
	got := f.SensitivityFailure()
	assert.Equal(t, 10000.0, got.Cost())
	assert.Equal(t, 10000.0, got.VirtualCost())
}
