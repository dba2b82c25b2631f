// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package searchtree

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/gridrao/services/rao/costeval"
	"github.com/AleutianAI/gridrao/services/rao/crac"
	"github.com/AleutianAI/gridrao/services/rao/lineargrid"
	"github.com/AleutianAI/gridrao/services/rao/linearopt"
	"github.com/AleutianAI/gridrao/services/rao/netpool"
	"github.com/AleutianAI/gridrao/services/rao/network"
	"github.com/AleutianAI/gridrao/services/rao/objective"
	"github.com/AleutianAI/gridrao/services/rao/perimeter"
)

// topoCase is one line at 150 MW with ±100 MW limits. Opening sw-a, sw-b
// and sw-c relieves it by 30, 60 and 20 MW. The optional PST moves the flow
// by -2 MW per tap over taps 0..10.
type topoCase struct {
	crac   *crac.Crac
	net    *lineargrid.Network
	oracle *lineargrid.Oracle
	per    *perimeter.Perimeter
}

func newTopoCase(t *testing.T, withPst bool) *topoCase {
	t.Helper()
	c := crac.New("topo")
	require.NoError(t, c.AddCnec(&crac.Cnec{
		ID: "line", NetworkElement: "line", Operator: "FR",
		State: crac.PreventiveState(), Min: -100, Max: 100, Optimized: true,
	}))
	available := []crac.UsageRule{crac.OnInstant{Instant: crac.InstantPreventive, Method: crac.UsageAvailable}}
	for _, sw := range []string{"a", "b", "c"} {
		require.NoError(t, c.AddNetworkAction(&crac.NetworkAction{
			ID: "na-" + sw, Operator: "FR",
			ElementaryActions: []crac.ElementaryAction{{Kind: crac.ElementaryTopology, NetworkElement: "sw-" + sw, Open: true}},
			UsageRules:        available,
		}))
	}
	if withPst {
		taps := make(map[int]float64)
		for i := 0; i <= 10; i++ {
			taps[i] = float64(i)
		}
		require.NoError(t, c.AddRangeAction(&crac.RangeAction{
			ID: "pst", Operator: "FR", Kind: crac.RangePst,
			NetworkElements: []string{"pst"}, TapToAngle: taps, UsageRules: available,
		}))
	}

	grid := &lineargrid.Grid{
		ID: "topo-grid",
		Elements: map[string]*lineargrid.Element{
			"line": {
				ID:            "line",
				Base:          map[string]float64{"": 150},
				Sensitivities: map[string]float64{"pst": -2},
				SwitchEffects: map[string]float64{"sw-a": -30, "sw-b": -60, "sw-c": -20},
			},
		},
		InitialSetpoints: map[string]float64{"pst": 0},
		InitiallyOpen:    map[string]bool{"sw-a": false, "sw-b": false, "sw-c": false},
	}
	return &topoCase{
		crac:   c,
		net:    grid.NewNetwork(),
		oracle: lineargrid.NewOracle(c),
		per:    perimeter.New(c, crac.PreventiveState(), nil, nil),
	}
}

func (tc *topoCase) tree(t *testing.T, params Parameters, oracle network.Oracle, solver linearopt.Solver) *SearchTree {
	t.Helper()
	flows, err := tc.oracle.Run(context.Background(), tc.net, tc.per.Cnecs, tc.per.RangeActions)
	require.NoError(t, err)
	lp := linearopt.DefaultParameters()
	lp.Limits = params.Limits
	tree, err := New(Input{
		Crac:      tc.crac,
		Network:   tc.net,
		Oracle:    oracle,
		Perimeter: tc.per,
		Objective: objective.New(objective.Config{}, costeval.MaxOverStates{}, tc.per, flows, costeval.NoExclusions),
		Optimizer: linearopt.NewIteratingOptimizer(solver, lp),
	}, params)
	require.NoError(t, err)
	return tree
}

func (tc *topoCase) run(t *testing.T, params Parameters) *Result {
	t.Helper()
	res, err := tc.tree(t, params, tc.oracle, linearopt.NewSimplexSolver()).Run(context.Background())
	require.NoError(t, err)
	return res
}

func TestRun_MinObjectiveActivatesEveryImprovingAction(t *testing.T) {
	tc := newTopoCase(t, false)

	res := tc.run(t, DefaultParameters())

	assert.Equal(t, perimeter.StatusDefault, res.Status)
	assert.Equal(t, []string{"na-a", "na-b", "na-c"}, res.ActivatedNetworkActions)
	assert.InDelta(t, -60, res.Cost(), 1e-6)
	assert.InDelta(t, 50, res.InitialObjective.Cost(), 1e-6)
	assert.Equal(t, 3, res.Depth)
	assert.Equal(t, 1+3+2+1, res.LeavesEvaluated)
	assert.Empty(t, tc.net.ToggledSwitches(), "master network is never mutated")

	// Each generation keeps its best child: b, then a, then c.
	require.Len(t, res.NetworkActions, 3)
	assert.Equal(t, "na-b", res.NetworkActions[0].ID)
	assert.Equal(t, "na-a", res.NetworkActions[1].ID)
	assert.Equal(t, "na-c", res.NetworkActions[2].ID)
}

func TestRun_NeverWorseThanRoot(t *testing.T) {
	tc := newTopoCase(t, true)

	res := tc.run(t, DefaultParameters())

	assert.LessOrEqual(t, res.Cost(), res.InitialObjective.Cost())
	assert.Equal(t, []string{"na-a", "na-b", "na-c"}, res.ActivatedNetworkActions)
	assert.InDelta(t, 10, res.RangeActionSetpoints["pst"], 1e-9)
	assert.Equal(t, []string{"pst"}, res.ActivatedRangeActions)
	assert.InDelta(t, -80, res.Cost(), 1e-6)
	assert.Equal(t, linearopt.StatusOptimal, res.LinearStatus)
}

func TestRun_MaximumSearchDepth(t *testing.T) {
	tc := newTopoCase(t, false)
	params := DefaultParameters()
	params.MaximumSearchDepth = 1

	res := tc.run(t, params)

	assert.Equal(t, []string{"na-b"}, res.ActivatedNetworkActions)
	assert.InDelta(t, -10, res.Cost(), 1e-6)
	assert.Equal(t, 1, res.Depth)

	params.MaximumSearchDepth = 0
	res = tc.run(t, params)
	assert.Empty(t, res.ActivatedNetworkActions)
	assert.InDelta(t, 50, res.Cost(), 1e-6)
}

func TestRun_AtTargetStopsEarly(t *testing.T) {
	tc := newTopoCase(t, false)
	params := DefaultParameters()
	params.StopCriterion = AtTargetObjectiveValue
	params.TargetObjectiveValue = 0
	params.LeavesInParallel = 3

	res := tc.run(t, params)

	assert.Equal(t, []string{"na-b"}, res.ActivatedNetworkActions, "first secure leaf ends the search")
	assert.Equal(t, 1, res.Depth)
	assert.LessOrEqual(t, res.LeavesEvaluated, 4)
}

func TestRun_RootAlreadyAtTarget(t *testing.T) {
	tc := newTopoCase(t, false)
	params := DefaultParameters()
	params.StopCriterion = AtTargetObjectiveValue
	params.TargetObjectiveValue = 100

	res := tc.run(t, params)

	assert.Empty(t, res.ActivatedNetworkActions)
	assert.Equal(t, 0, res.Depth)
	assert.Equal(t, 1, res.LeavesEvaluated)
}

func TestRun_MinImpactThresholds(t *testing.T) {
	tests := []struct {
		name     string
		absolute float64
		relative float64
		want     []string
		cost     float64
	}{
		{name: "absolute", absolute: 35, want: []string{"na-b"}, cost: -10},
		{name: "relative", relative: 0.5, want: []string{"na-a", "na-b"}, cost: -40},
		{name: "none", want: []string{"na-a", "na-b", "na-c"}, cost: -60},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tc := newTopoCase(t, false)
			params := DefaultParameters()
			params.AbsoluteMinImpactThreshold = tt.absolute
			params.RelativeMinImpactThreshold = tt.relative

			res := tc.run(t, params)
			assert.Equal(t, tt.want, res.ActivatedNetworkActions)
			assert.InDelta(t, tt.cost, res.Cost(), 1e-6)
		})
	}
}

func TestRun_PoolSizeDoesNotChangeResult(t *testing.T) {
	for _, withPst := range []bool{false, true} {
		var results []*Result
		for _, size := range []int{1, 2, 8} {
			tc := newTopoCase(t, withPst)
			params := DefaultParameters()
			params.LeavesInParallel = size
			results = append(results, tc.run(t, params))
		}
		for _, res := range results[1:] {
			assert.Equal(t, results[0].ActivatedNetworkActions, res.ActivatedNetworkActions)
			assert.Equal(t, results[0].RangeActionSetpoints, res.RangeActionSetpoints)
			assert.InDelta(t, results[0].Cost(), res.Cost(), 1e-9)
			assert.Equal(t, results[0].Depth, res.Depth)
			assert.Equal(t, results[0].LeavesEvaluated, res.LeavesEvaluated)
		}
	}
}

func TestRun_MaxRaRemovesRangeActions(t *testing.T) {
	tc := newTopoCase(t, true)
	params := DefaultParameters()
	params.Limits = linearopt.UsageLimits{MaxRa: 1}

	res := tc.run(t, params)

	assert.Equal(t, []string{"na-b"}, res.ActivatedNetworkActions)
	assert.InDelta(t, 0, res.RangeActionSetpoints["pst"], 1e-9)
	assert.Empty(t, res.ActivatedRangeActions)
	assert.InDelta(t, -10, res.Cost(), 1e-6)
}

type failingOracle struct{}

func (failingOracle) Run(context.Context, network.Network, []*crac.Cnec, []*crac.RangeAction) (*network.FlowResult, error) {
	return nil, errors.Join(network.ErrSensitivityFailed, errors.New("diverged"))
}

type infeasibleSolver struct{}

func (infeasibleSolver) Solve(context.Context, *linearopt.Problem) (*linearopt.Solution, error) {
	return &linearopt.Solution{Status: linearopt.SolveInfeasible}, nil
}

func TestRun_RootFailure(t *testing.T) {
	t.Run("sensitivity failure", func(t *testing.T) {
		tc := newTopoCase(t, false)
		res, err := tc.tree(t, DefaultParameters(), failingOracle{}, linearopt.NewSimplexSolver()).Run(context.Background())
		require.NoError(t, err)
		assert.Equal(t, perimeter.StatusFailure, res.Status)
		assert.Empty(t, res.ActivatedNetworkActions)
	})

	t.Run("infeasible", func(t *testing.T) {
		tc := newTopoCase(t, true)
		res, err := tc.tree(t, DefaultParameters(), tc.oracle, infeasibleSolver{}).Run(context.Background())
		require.NoError(t, err)
		assert.Equal(t, perimeter.StatusFailure, res.Status)
		assert.Equal(t, linearopt.StatusInfeasible, res.LinearStatus)
		assert.InDelta(t, 0, res.RangeActionSetpoints["pst"], 1e-9)
	})
}

// blockingOracle never returns until release is closed.
type blockingOracle struct {
	release chan struct{}
}

func (o blockingOracle) Run(ctx context.Context, _ network.Network, _ []*crac.Cnec, _ []*crac.RangeAction) (*network.FlowResult, error) {
	<-o.release
	return nil, network.ErrSensitivityFailed
}

func TestRun_GenerationTimeoutIsFatal(t *testing.T) {
	tc := newTopoCase(t, false)
	oracle := blockingOracle{release: make(chan struct{})}
	t.Cleanup(func() { close(oracle.release) })
	params := DefaultParameters()
	params.GenerationTimeout = 50 * time.Millisecond

	_, err := tc.tree(t, params, oracle, linearopt.NewSimplexSolver()).Run(context.Background())
	assert.ErrorIs(t, err, netpool.ErrGenerationTimeout)
}

func TestRun_Cancelled(t *testing.T) {
	tc := newTopoCase(t, false)
	tree := tc.tree(t, DefaultParameters(), tc.oracle, linearopt.NewSimplexSolver())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := tree.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	//nolint:staticcheck // nil context is the case under test
	_, err = tree.Run(nil)
	assert.Equal(t, ErrNilContext, err)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Input{}, DefaultParameters())
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestStopCriterion_Text(t *testing.T) {
	var s StopCriterion
	require.NoError(t, s.UnmarshalText([]byte("at_target_objective_value")))
	assert.Equal(t, AtTargetObjectiveValue, s)
	text, err := s.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "AT_TARGET_OBJECTIVE_VALUE", string(text))
	assert.Error(t, s.UnmarshalText([]byte("secure")))
}

// newGuardedCase is the topo line at 150 MW next to a "guard" line whose
// flow is guardFlow against ±100 MW limits. The PST and na-a are only
// usable while the guard is overloaded.
func newGuardedCase(t *testing.T, guardFlow float64) *topoCase {
	t.Helper()
	c := crac.New("guarded")
	for _, id := range []string{"line", "guard"} {
		require.NoError(t, c.AddCnec(&crac.Cnec{
			ID: id, NetworkElement: id, Operator: "FR",
			State: crac.PreventiveState(), Min: -100, Max: 100, Optimized: true,
		}))
	}
	onGuard := []crac.UsageRule{crac.OnConstraint{Instant: crac.InstantPreventive, CnecID: "guard"}}
	require.NoError(t, c.AddNetworkAction(&crac.NetworkAction{
		ID: "na-a", Operator: "FR",
		ElementaryActions: []crac.ElementaryAction{{Kind: crac.ElementaryTopology, NetworkElement: "sw-a", Open: true}},
		UsageRules:        onGuard,
	}))
	taps := make(map[int]float64)
	for i := 0; i <= 10; i++ {
		taps[i] = float64(i)
	}
	require.NoError(t, c.AddRangeAction(&crac.RangeAction{
		ID: "pst", Operator: "FR", Kind: crac.RangePst,
		NetworkElements: []string{"pst"}, TapToAngle: taps, UsageRules: onGuard,
	}))

	grid := &lineargrid.Grid{
		ID: "guarded-grid",
		Elements: map[string]*lineargrid.Element{
			"line": {
				ID:            "line",
				Base:          map[string]float64{"": 150},
				Sensitivities: map[string]float64{"pst": -2},
				SwitchEffects: map[string]float64{"sw-a": -30},
			},
			"guard": {ID: "guard", Base: map[string]float64{"": guardFlow}},
		},
		InitialSetpoints: map[string]float64{"pst": 0},
		InitiallyOpen:    map[string]bool{"sw-a": false},
	}
	return &topoCase{
		crac:   c,
		net:    grid.NewNetwork(),
		oracle: lineargrid.NewOracle(c),
		per:    perimeter.New(c, crac.PreventiveState(), nil, nil),
	}
}

func TestRun_ConditionalRangeAction(t *testing.T) {
	tests := []struct {
		name      string
		guardFlow float64
		wantTap   float64
		wantCost  float64
	}{
		// The guard is secure: the PST stays at its pre-perimeter tap.
		{name: "guard secure", guardFlow: 50, wantTap: 0, wantCost: 50},
		// The guard is overloaded by 5 MW: the PST goes to tap 10 and the
		// line margin rises from -50 to -30.
		{name: "guard overloaded", guardFlow: 105, wantTap: 10, wantCost: 30},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tc := newGuardedCase(t, tt.guardFlow)
			params := DefaultParameters()
			params.MaximumSearchDepth = 0

			res := tc.run(t, params)

			assert.Equal(t, perimeter.StatusDefault, res.Status)
			require.Contains(t, res.RangeActionSetpoints, "pst")
			assert.InDelta(t, tt.wantTap, res.RangeActionSetpoints["pst"], 1e-6)
			assert.InDelta(t, tt.wantCost, res.Cost(), 1e-6)
			if tt.wantTap == 0 {
				assert.Empty(t, res.ActivatedRangeActions)
			} else {
				assert.Equal(t, []string{"pst"}, res.ActivatedRangeActions)
			}
		})
	}
}

func TestRun_ConditionalNetworkAction(t *testing.T) {
	tests := []struct {
		name      string
		guardFlow float64
		want      []string
	}{
		{name: "guard secure", guardFlow: 50, want: []string{}},
		{name: "guard overloaded", guardFlow: 105, want: []string{"na-a"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tc := newGuardedCase(t, tt.guardFlow)

			res := tc.run(t, DefaultParameters())

			assert.Equal(t, perimeter.StatusDefault, res.Status)
			if len(tt.want) == 0 {
				assert.Empty(t, res.ActivatedNetworkActions)
			} else {
				assert.Equal(t, tt.want, res.ActivatedNetworkActions)
			}
		})
	}
}

func TestRun_LogsPerimeterOnce(t *testing.T) {
	tc := newTopoCase(t, true)
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})).
		With(slog.String("perimeter", "preventive"))

	_, err := tc.tree(t, DefaultParameters(), tc.oracle, linearopt.NewSimplexSolver()).
		WithLogger(logger).
		Run(context.Background())
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.NotEmpty(t, lines)
	for _, line := range lines {
		assert.LessOrEqual(t, strings.Count(line, `"perimeter"`), 1, line)
	}
	assert.Contains(t, buf.String(), `"msg":"root leaf evaluated"`)
}
