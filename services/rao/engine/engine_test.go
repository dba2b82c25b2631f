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
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/gridrao/services/rao/config"
	"github.com/AleutianAI/gridrao/services/rao/crac"
	"github.com/AleutianAI/gridrao/services/rao/lineargrid"
	"github.com/AleutianAI/gridrao/services/rao/network"
	"github.com/AleutianAI/gridrao/services/rao/perimeter"
	"github.com/AleutianAI/gridrao/services/rao/searchtree"
)

// automatonCase has no preventive remedial action. Contingency co1 trips
// sw1 automatically when the auto CNEC is overloaded and shifts hvdc1, then
// opens sw2 in curative. Contingency co2 can also open sw2 in curative.
const automatonCase = `
id: automaton
contingencies:
  - {id: co1, elements: [line3]}
  - {id: co2, elements: [line4]}
cnecs:
  - {id: l1-prev, network_element: line1, operator: FR, instant: preventive, min: -100, max: 100, optimized: true}
  - {id: l1-auto-co1, network_element: line1, operator: FR, instant: auto, contingency: co1, min: -155, max: 155, optimized: true}
  - {id: l1-cur-co1, network_element: line1, operator: FR, instant: curative, contingency: co1, min: -130, max: 130, optimized: true}
  - {id: l1-cur-co2, network_element: line1, operator: BE, instant: curative, contingency: co2, min: -50, max: 50, optimized: true}
range_actions:
  - id: hvdc1
    operator: FR
    kind: hvdc
    network_elements: [hvdc1-el]
    min: -100
    max: 100
    usage_rules:
      - {type: on-contingency-state, instant: auto, contingency: co1, method: forced}
network_actions:
  - id: trip-sw
    operator: FR
    elementary_actions: [{kind: topology, network_element: sw1, open: true}]
    usage_rules:
      - {type: on-constraint, instant: auto, cnec: l1-auto-co1}
  - id: cur-sw2
    operator: FR
    elementary_actions: [{kind: topology, network_element: sw2, open: true}]
    usage_rules:
      - {type: on-contingency-state, instant: curative, contingency: co1, method: available}
      - {type: on-contingency-state, instant: curative, contingency: co2, method: available}
network:
  elements:
    - id: line1
      base: {n: 80, co1: 200, co2: 90}
      sensitivities: {hvdc1-el: 0.5}
      switch_effects: {sw1: -20, sw2: -30}
  setpoint_elements:
    - {id: hvdc1-el, initial: 0}
  switches:
    - {id: sw1, open: false}
    - {id: sw2, open: false}
`

// contingencyFailingOracle fails every call whose CNECs all belong to one
// contingency.
type contingencyFailingOracle struct {
	inner       network.Oracle
	contingency string
}

func (o *contingencyFailingOracle) Run(ctx context.Context, net network.Network, cnecs []*crac.Cnec, ras []*crac.RangeAction) (*network.FlowResult, error) {
	only := len(cnecs) > 0
	for _, c := range cnecs {
		if c.State.ContingencyID != o.contingency {
			only = false
		}
	}
	if only {
		return nil, fmt.Errorf("%w: injected for %s", network.ErrSensitivityFailed, o.contingency)
	}
	return o.inner.Run(ctx, net, cnecs, ras)
}

func newEngine(t *testing.T, mutate func(p *config.RaoParameters)) *Engine {
	t.Helper()
	p := config.DefaultRaoParameters()
	if mutate != nil {
		mutate(&p)
	}
	e, err := New(p, nil)
	require.NoError(t, err)
	return e
}

func caseInput(c *lineargrid.Case) Input {
	return Input{Crac: c.Crac, Network: c.Network, Oracle: c.Oracle}
}

func mustState(t *testing.T, instant crac.Instant, co string) crac.State {
	t.Helper()
	s, err := crac.NewState(instant, co)
	require.NoError(t, err)
	return s
}

func TestRun_TwoLines(t *testing.T) {
	c, err := lineargrid.LoadCase("../lineargrid/testdata/two_lines.yaml")
	require.NoError(t, err)

	res, err := newEngine(t, nil).Run(context.Background(), caseInput(c))
	require.NoError(t, err)

	assert.Equal(t, perimeter.StatusDefault, res.Status)
	assert.Equal(t, DetailsFull, res.ExecutionDetails)
	assert.Equal(t, "two-lines", res.CracID)
	_, err = uuid.Parse(res.RunID)
	assert.NoError(t, err)
	require.Len(t, res.Perimeters, 2)

	prev := res.Perimeters[0]
	assert.Equal(t, KindPreventive, prev.Kind)
	assert.Equal(t, perimeter.StatusDefault, prev.Status)
	assert.Empty(t, prev.ActivatedNetworkActions, "the secure root stops the search")
	assert.InDelta(t, 3, prev.RangeActionSetpoints["pst1"], 1e-6)
	assert.Equal(t, []string{"pst1"}, prev.ActivatedRangeActions)
	assert.InDelta(t, -10, prev.Cost, 1e-6)
	assert.InDelta(t, 10, prev.CnecMargins["line1-prev"], 1e-6)
	assert.InDelta(t, 160, prev.CnecMargins["line1-outage"], 1e-6)

	cur, ok := res.Perimeter(mustState(t, crac.InstantCurative, "co1"))
	require.True(t, ok)
	assert.Equal(t, KindCurative, cur.Kind)
	assert.Equal(t, "co1", cur.Contingency)
	assert.Equal(t, perimeter.StatusDefault, cur.Status)
	assert.InDelta(t, 3, cur.RangeActionSetpoints["pst1"], 1e-6)
	assert.Empty(t, cur.ActivatedRangeActions, "curative starts from the preventive setpoint")
	assert.InDelta(t, 10, cur.CnecMargins["line1-cur"], 1e-6)

	assert.InDelta(t, 50, res.InitialObjective.FunctionalCost, 1e-6)
	assert.InDelta(t, -10, res.Cost(), 1e-6)
	assert.Empty(t, res.ExcludedContingencies)

	// The initial network is never mutated.
	sp, err := c.Network.RangeActionSetpoint(c.Crac.RangeAction("pst1"))
	require.NoError(t, err)
	assert.Zero(t, sp)
	assert.Empty(t, c.Network.ToggledSwitches())

	raw, err := json.Marshal(res)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"status":"DEFAULT"`)
	assert.Contains(t, string(raw), `"kind":"curative"`)
}

func TestRun_ConditionalPreventiveRangeAction(t *testing.T) {
	raw, err := os.ReadFile("../lineargrid/testdata/two_lines.yaml")
	require.NoError(t, err)
	// pst1 becomes usable in preventive only while line2-prev is overloaded,
	// and line2-prev starts with a 200 MW margin.
	doc := strings.Replace(string(raw),
		"      - type: on-instant\n        instant: preventive\n",
		"      - type: on-constraint\n        instant: preventive\n        cnec: line2-prev\n", 1)
	require.NotEqual(t, string(raw), doc)
	c, err := lineargrid.ParseCase([]byte(doc))
	require.NoError(t, err)

	res, err := newEngine(t, nil).Run(context.Background(), caseInput(c))
	require.NoError(t, err)

	prev := res.Perimeters[0]
	require.Equal(t, KindPreventive, prev.Kind)
	assert.InDelta(t, 0, prev.RangeActionSetpoints["pst1"], 1e-6)
	assert.NotContains(t, prev.ActivatedRangeActions, "pst1")
	assert.Equal(t, []string{"open-sw1"}, prev.ActivatedNetworkActions)
}

func TestRun_AutomatonAndExclusion(t *testing.T) {
	c, err := lineargrid.ParseCase([]byte(automatonCase))
	require.NoError(t, err)
	in := caseInput(c)
	in.Oracle = &contingencyFailingOracle{inner: c.Oracle, contingency: "co2"}

	res, err := newEngine(t, nil).Run(context.Background(), in)
	require.NoError(t, err)

	assert.Equal(t, perimeter.StatusFallback, res.Status, "a failed curative perimeter degrades the run")
	require.Len(t, res.Perimeters, 4)
	assert.Equal(t, []Kind{KindPreventive, KindAutomaton, KindCurative, KindCurative},
		[]Kind{res.Perimeters[0].Kind, res.Perimeters[1].Kind, res.Perimeters[2].Kind, res.Perimeters[3].Kind})

	prev := res.Perimeters[0]
	assert.InDelta(t, -20, prev.Cost, 1e-6)

	auto := res.Perimeters[1]
	assert.Equal(t, "co1 - auto", auto.State)
	assert.Equal(t, perimeter.StatusDefault, auto.Status)
	assert.Equal(t, []string{"trip-sw"}, auto.ActivatedNetworkActions)
	assert.Equal(t, []string{"hvdc1"}, auto.ActivatedRangeActions)
	assert.InDelta(t, -50, auto.RangeActionSetpoints["hvdc1"], 1e-6)
	assert.Equal(t, 1, auto.AutoIterations)
	assert.InDelta(t, 0, auto.CnecMargins["l1-auto-co1"], 1e-6)
	assert.InDelta(t, 45, auto.InitialObjective.FunctionalCost, 1e-6)

	cur := res.Perimeters[2]
	assert.Equal(t, "co1 - curative", cur.State)
	assert.Equal(t, perimeter.StatusDefault, cur.Status)
	assert.Equal(t, []string{"cur-sw2"}, cur.ActivatedNetworkActions)
	assert.InDelta(t, -5, cur.Cost, 1e-6)
	assert.InDelta(t, 25, cur.InitialObjective.FunctionalCost, 1e-6, "curative starts from the automaton state")

	failed := res.Perimeters[3]
	assert.Equal(t, "co2 - curative", failed.State)
	assert.Equal(t, perimeter.StatusFailure, failed.Status)

	assert.Equal(t, []string{"co2"}, res.ExcludedContingencies)
	assert.InDelta(t, 0, res.Objective.FunctionalCost, 1e-6, "the overloaded co2 cnec is excluded")
	assert.Equal(t, []string{"BE"}, res.OperatorsNotSharingCras)
}

func TestRun_PerimetersInParallelDoesNotChangeResult(t *testing.T) {
	run := func(parallel int) *RaoResult {
		c, err := lineargrid.ParseCase([]byte(automatonCase))
		require.NoError(t, err)
		e := newEngine(t, func(p *config.RaoParameters) {
			p.SearchTree.PerimetersInParallel = parallel
			p.SearchTree.CurativeLeavesInParallel = parallel
		})
		res, err := e.Run(context.Background(), caseInput(c))
		require.NoError(t, err)
		return res
	}
	want := run(1)
	for _, n := range []int{2, 4} {
		got := run(n)
		assert.Equal(t, want.Status, got.Status)
		assert.InDelta(t, want.Cost(), got.Cost(), 1e-9)
		require.Len(t, got.Perimeters, len(want.Perimeters))
		for i := range want.Perimeters {
			assert.Equal(t, want.Perimeters[i].State, got.Perimeters[i].State)
			assert.Equal(t, want.Perimeters[i].ActivatedNetworkActions, got.Perimeters[i].ActivatedNetworkActions)
			assert.Equal(t, want.Perimeters[i].RangeActionSetpoints, got.Perimeters[i].RangeActionSetpoints)
			assert.InDelta(t, want.Perimeters[i].Cost, got.Perimeters[i].Cost, 1e-9)
		}
	}
}

func TestRun_InitialSensitivityFailure(t *testing.T) {
	c, err := lineargrid.LoadCase("../lineargrid/testdata/two_lines.yaml")
	require.NoError(t, err)
	c.Grid.DivergingContingencies = map[string]bool{"co1": true}

	res, err := newEngine(t, nil).Run(context.Background(), caseInput(c))
	require.NoError(t, err)
	assert.Equal(t, perimeter.StatusFailure, res.Status)
	assert.Equal(t, DetailsInitialSensitivityFailed, res.ExecutionDetails)
	require.Len(t, res.Perimeters, 1)
	assert.Equal(t, perimeter.StatusFailure, res.Perimeters[0].Status)
	assert.InDelta(t, config.DefaultRaoParameters().Objective.SensitivityFailureOvercost, res.Cost(), 1e-9)
}

func TestRun_Errors(t *testing.T) {
	c, err := lineargrid.LoadCase("../lineargrid/testdata/two_lines.yaml")
	require.NoError(t, err)
	e := newEngine(t, nil)

	//nolint:staticcheck // nil context is the case under test
	_, err = e.Run(nil, caseInput(c))
	assert.ErrorIs(t, err, ErrNilContext)

	_, err = e.Run(context.Background(), Input{Network: c.Network, Oracle: c.Oracle})
	assert.ErrorIs(t, err, ErrInvalidInput)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = e.Run(ctx, caseInput(c))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNew_InvalidParameters(t *testing.T) {
	p := config.DefaultRaoParameters()
	p.SearchTree.PerimetersInParallel = 0
	_, err := New(p, nil)
	assert.ErrorIs(t, err, config.ErrInvalidParameters)
}

func TestStopCriteria(t *testing.T) {
	stop, target := preventiveStop(config.StopSecure)
	assert.Equal(t, searchtree.AtTargetObjectiveValue, stop)
	assert.Zero(t, target)
	stop, _ = preventiveStop(config.StopMinObjective)
	assert.Equal(t, searchtree.MinObjective, stop)

	tests := []struct {
		criterion      string
		preventiveCost float64
		wantStop       searchtree.StopCriterion
		wantTarget     float64
	}{
		{config.StopMinObjective, -20, searchtree.MinObjective, 0},
		{config.StopSecure, -20, searchtree.AtTargetObjectiveValue, 0},
		{config.StopPreventiveObjective, -20, searchtree.AtTargetObjectiveValue, -25},
		{config.StopPreventiveObjectiveAndSecure, -20, searchtree.AtTargetObjectiveValue, -25},
		{config.StopPreventiveObjectiveAndSecure, 30, searchtree.AtTargetObjectiveValue, 0},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s/%v", tt.criterion, tt.preventiveCost), func(t *testing.T) {
			p := config.ObjectiveParameters{CurativeStopCriterion: tt.criterion, CurativeMinObjImprovement: 5}
			stop, target := curativeStop(p, tt.preventiveCost)
			assert.Equal(t, tt.wantStop, stop)
			assert.InDelta(t, tt.wantTarget, target, 1e-9)
		})
	}
}

func TestGlobalStatus(t *testing.T) {
	tests := []struct {
		name     string
		curative perimeter.Status
		want     perimeter.Status
	}{
		{"all default", perimeter.StatusDefault, perimeter.StatusDefault},
		{"curative fallback", perimeter.StatusFallback, perimeter.StatusFallback},
		{"curative failure", perimeter.StatusFailure, perimeter.StatusFallback},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := globalStatus([]PerimeterResult{
				{Kind: KindPreventive, Status: perimeter.StatusDefault},
				{Kind: KindCurative, Status: tt.curative},
			})
			assert.Equal(t, tt.want, got)
		})
	}
	assert.Equal(t, perimeter.StatusFailure, globalStatus([]PerimeterResult{
		{Kind: KindPreventive, Status: perimeter.StatusFailure},
	}))
}
