// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package statetree

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/gridrao/services/rao/crac"
)

func mustState(t *testing.T, instant crac.Instant, co string) crac.State {
	t.Helper()
	s, err := crac.NewState(instant, co)
	require.NoError(t, err)
	return s
}

// threeContingencies has one preventive CNEC and an outage plus a curative
// CNEC on each of co1, co2 and co3.
func threeContingencies(t *testing.T) *crac.Crac {
	t.Helper()
	c := crac.New("three")
	require.NoError(t, c.AddCnec(&crac.Cnec{ID: "prev", State: crac.PreventiveState(), Operator: "op1", Min: -200, Max: 200, Optimized: true}))
	for _, co := range []string{"co1", "co2", "co3"} {
		require.NoError(t, c.AddContingency(&crac.Contingency{ID: co}))
		require.NoError(t, c.AddCnec(&crac.Cnec{ID: co + "-out", State: mustState(t, crac.InstantOutage, co), Operator: "op1", Min: -400, Max: 400, Optimized: true}))
		require.NoError(t, c.AddCnec(&crac.Cnec{ID: co + "-cur", State: mustState(t, crac.InstantCurative, co), Operator: "op2", Min: -200, Max: 200, Optimized: true}))
	}
	return c
}

func curativePst(id, operator string, instant crac.Instant, contingencies ...string) *crac.RangeAction {
	ra := &crac.RangeAction{ID: id, Operator: operator, Kind: crac.RangePst, NetworkElements: []string{id}, Min: -5, Max: 5}
	for _, co := range contingencies {
		ra.UsageRules = append(ra.UsageRules, crac.OnContingencyState{Instant: instant, ContingencyID: co, Method: crac.UsageAvailable})
	}
	return ra
}

// assertPartition checks that every CRAC state lands in exactly one scenario.
func assertPartition(t *testing.T, c *crac.Crac, tree *StateTree) {
	t.Helper()
	count := make(map[crac.State]int)
	for _, s := range tree.Basecase().AllStates() {
		count[s]++
	}
	for _, sc := range tree.ContingencyScenarios() {
		for _, s := range sc.States() {
			count[s]++
		}
	}
	for _, s := range c.States() {
		assert.Equal(t, 1, count[s], "state %s", s.ID())
	}
	assert.Len(t, count, len(c.States()))
}

func TestBuild_NoRemedialActions(t *testing.T) {
	c := threeContingencies(t)
	tree, err := Build(c)
	require.NoError(t, err)

	assert.Empty(t, tree.ContingencyScenarios())
	assert.Equal(t, crac.PreventiveState(), tree.Basecase().BasecaseState)
	assert.Len(t, tree.Basecase().OtherStates, 6)
	assert.Equal(t, []string{"op1", "op2"}, tree.OperatorsNotSharingCras())
	assertPartition(t, c, tree)
}

func TestBuild_CurativeRemedialActions(t *testing.T) {
	tests := []struct {
		name          string
		rangeActions  []*crac.RangeAction
		wantScenarios []string
		wantBasecase  int
		wantNotShared []string
	}{
		{
			name:          "one contingency",
			rangeActions:  []*crac.RangeAction{curativePst("pst", "op2", crac.InstantCurative, "co1")},
			wantScenarios: []string{"co1"},
			wantBasecase:  6,
			wantNotShared: []string{"op1"},
		},
		{
			name: "two contingencies",
			rangeActions: []*crac.RangeAction{
				curativePst("pst1", "op1", crac.InstantCurative, "co1"),
				curativePst("pst2", "op1", crac.InstantCurative, "co3"),
			},
			wantScenarios: []string{"co1", "co3"},
			wantBasecase:  5,
			wantNotShared: []string{"op2"},
		},
		{
			name: "two actions on the same contingency",
			rangeActions: []*crac.RangeAction{
				curativePst("pst1", "op1", crac.InstantCurative, "co2"),
				curativePst("pst2", "op2", crac.InstantCurative, "co2"),
			},
			wantScenarios: []string{"co2"},
			wantBasecase:  6,
			wantNotShared: nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := threeContingencies(t)
			for _, ra := range tt.rangeActions {
				require.NoError(t, c.AddRangeAction(ra))
			}
			tree, err := Build(c)
			require.NoError(t, err)

			var got []string
			for _, sc := range tree.ContingencyScenarios() {
				got = append(got, sc.ContingencyID)
				assert.Nil(t, sc.AutomatonState)
				assert.Equal(t, crac.InstantCurative, sc.CurativeState.Instant)
			}
			assert.Equal(t, tt.wantScenarios, got)
			assert.Len(t, tree.Basecase().AllStates(), tt.wantBasecase)
			assert.Equal(t, tt.wantNotShared, tree.OperatorsNotSharingCras())
			assertPartition(t, c, tree)
		})
	}
}

func TestBuild_AutomatonStates(t *testing.T) {
	tests := []struct {
		name            string
		autoCnec        bool
		autoRA          bool
		curativeCnec    bool
		curativeRA      bool
		wantErr         error
		wantScenario    bool
		wantAutomaton   bool
		wantBasecaseLen int
	}{
		{name: "neither", wantBasecaseLen: 2},
		{name: "auto without ra", autoCnec: true, wantBasecaseLen: 3},
		{name: "auto ra without curative", autoCnec: true, autoRA: true, wantErr: ErrCurativeStateMissing},
		{name: "curative without ra", curativeCnec: true, wantBasecaseLen: 3},
		{name: "curative ra", curativeCnec: true, curativeRA: true, wantScenario: true, wantBasecaseLen: 2},
		{name: "both without ra", autoCnec: true, curativeCnec: true, wantBasecaseLen: 4},
		{name: "only auto ra", autoCnec: true, autoRA: true, curativeCnec: true, wantScenario: true, wantAutomaton: true, wantBasecaseLen: 2},
		{name: "only curative ra", autoCnec: true, curativeCnec: true, curativeRA: true, wantScenario: true, wantBasecaseLen: 3},
		{name: "both ra", autoCnec: true, autoRA: true, curativeCnec: true, curativeRA: true, wantScenario: true, wantAutomaton: true, wantBasecaseLen: 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := crac.New("auto")
			require.NoError(t, c.AddContingency(&crac.Contingency{ID: "co"}))
			require.NoError(t, c.AddCnec(&crac.Cnec{ID: "prev", State: crac.PreventiveState(), Min: -200, Max: 200, Optimized: true}))
			require.NoError(t, c.AddCnec(&crac.Cnec{ID: "out", State: mustState(t, crac.InstantOutage, "co"), Min: -400, Max: 400, Optimized: true}))
			if tt.autoCnec {
				require.NoError(t, c.AddCnec(&crac.Cnec{ID: "auto", State: mustState(t, crac.InstantAuto, "co"), Min: -200, Max: 200, Optimized: true}))
				if tt.autoRA {
					ra := curativePst("pst-auto", "op", crac.InstantAuto, "co")
					ra.UsageRules = []crac.UsageRule{crac.OnContingencyState{Instant: crac.InstantAuto, ContingencyID: "co", Method: crac.UsageForced}}
					require.NoError(t, c.AddRangeAction(ra))
				}
			}
			if tt.curativeCnec {
				require.NoError(t, c.AddCnec(&crac.Cnec{ID: "cur", State: mustState(t, crac.InstantCurative, "co"), Min: -400, Max: 400, Optimized: true}))
				if tt.curativeRA {
					require.NoError(t, c.AddRangeAction(curativePst("pst-cur", "op", crac.InstantCurative, "co")))
				}
			}

			tree, err := Build(c)
			if tt.wantErr != nil {
				assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Len(t, tree.Basecase().AllStates(), tt.wantBasecaseLen)
			if !tt.wantScenario {
				assert.Empty(t, tree.ContingencyScenarios())
			} else {
				require.Len(t, tree.ContingencyScenarios(), 1)
				sc := tree.ContingencyScenarios()[0]
				assert.Equal(t, "co", sc.ContingencyID)
				assert.Equal(t, tt.wantAutomaton, sc.AutomatonState != nil)
			}
			assertPartition(t, c, tree)
		})
	}
}

func TestBuild_OutageRemedialAction(t *testing.T) {
	c := threeContingencies(t)
	require.NoError(t, c.AddRangeAction(curativePst("pst", "op1", crac.InstantOutage, "co1")))

	_, err := Build(c)
	assert.True(t, errors.Is(err, ErrOutageRemedialAction))
}

func TestNewContingencyScenario_Mismatch(t *testing.T) {
	auto := mustState(t, crac.InstantAuto, "co2")
	_, err := NewContingencyScenario("co1", &auto, mustState(t, crac.InstantCurative, "co1"))
	assert.True(t, errors.Is(err, ErrScenarioMismatch))

	_, err = NewContingencyScenario("co1", nil, mustState(t, crac.InstantCurative, "co2"))
	assert.True(t, errors.Is(err, ErrScenarioMismatch))

	sc, err := NewContingencyScenario("co1", nil, mustState(t, crac.InstantCurative, "co1"))
	require.NoError(t, err)
	assert.Len(t, sc.States(), 1)
}
