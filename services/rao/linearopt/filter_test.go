// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package linearopt

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/AleutianAI/gridrao/services/rao/crac"
	"github.com/AleutianAI/gridrao/services/rao/network"
)

func filterIDs(ras []*crac.RangeAction) []string {
	ids := make([]string, len(ras))
	for i, ra := range ras {
		ids[i] = ra.ID
	}
	return ids
}

func TestFilterRangeActions(t *testing.T) {
	limiting := &crac.Cnec{ID: "limiting"}
	flows := network.NewFlowResult()
	flows.Sensitivities["limiting"] = map[string]float64{
		"fr-a": 1, "fr-b": 2, "be-a": 3, "hvdc-fr": 0.5, "g1-a": 2.5, "g1-b": 0.1,
	}
	ra := func(id, op string, kind crac.RangeKind, group string) *crac.RangeAction {
		return &crac.RangeAction{ID: id, Operator: op, Kind: kind, Min: -10, Max: 10, GroupID: group}
	}
	frA := ra("fr-a", "FR", crac.RangePst, "")
	frB := ra("fr-b", "FR", crac.RangePst, "")
	beA := ra("be-a", "BE", crac.RangePst, "")
	hvdc := ra("hvdc-fr", "FR", crac.RangeHvdc, "")
	g1a := ra("g1-a", "NL", crac.RangePst, "g1")
	g1b := ra("g1-b", "NL", crac.RangePst, "g1")
	frNa := &crac.NetworkAction{ID: "na-fr", Operator: "FR"}

	tests := []struct {
		name      string
		ras       []*crac.RangeAction
		activated []*crac.NetworkAction
		limits    UsageLimits
		current   map[string]float64
		want      []string
	}{
		{
			name: "no limits keeps everything",
			ras:  []*crac.RangeAction{frA, frB, beA},
			want: []string{"be-a", "fr-a", "fr-b"},
		},
		{
			name:   "max ra keeps the largest gain",
			ras:    []*crac.RangeAction{frA, frB, beA},
			limits: UsageLimits{MaxRa: 2},
			want:   []string{"be-a", "fr-b"},
		},
		{
			name:    "used range actions come first",
			ras:     []*crac.RangeAction{frA, frB, beA},
			limits:  UsageLimits{MaxRa: 1},
			current: map[string]float64{"fr-a": 4},
			want:    []string{"fr-a"},
		},
		{
			name:      "activated network actions consume max ra",
			ras:       []*crac.RangeAction{frA, frB, beA},
			activated: []*crac.NetworkAction{frNa},
			limits:    UsageLimits{MaxRa: 2},
			want:      []string{"be-a"},
		},
		{
			name:   "max tso picks the operator with the best gain",
			ras:    []*crac.RangeAction{frA, frB, beA},
			limits: UsageLimits{MaxTso: 1},
			want:   []string{"be-a"},
		},
		{
			name:      "max tso keeps operators already acting",
			ras:       []*crac.RangeAction{frA, frB, beA},
			activated: []*crac.NetworkAction{frNa},
			limits:    UsageLimits{MaxTso: 1},
			want:      []string{"fr-a", "fr-b"},
		},
		{
			name:   "max pst per tso",
			ras:    []*crac.RangeAction{frA, frB, beA, hvdc},
			limits: UsageLimits{MaxPstPerTso: map[string]int{"FR": 1}},
			want:   []string{"be-a", "fr-b", "hvdc-fr"},
		},
		{
			name:      "max ra per tso counts network actions and used non-pst",
			ras:       []*crac.RangeAction{frA, frB, hvdc},
			activated: []*crac.NetworkAction{frNa},
			limits:    UsageLimits{MaxRaPerTso: map[string]int{"FR": 2}},
			current:   map[string]float64{"hvdc-fr": 5},
			want:      []string{"hvdc-fr"},
		},
		{
			name:   "aligned group is dropped as a whole",
			ras:    []*crac.RangeAction{beA, g1a, g1b},
			limits: UsageLimits{MaxRa: 2},
			want:   []string{"be-a"},
		},
		{
			name:   "aligned group is kept as a whole",
			ras:    []*crac.RangeAction{frA, g1a, g1b},
			limits: UsageLimits{MaxRa: 3},
			want:   []string{"fr-a", "g1-a", "g1-b"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			current := map[string]float64{}
			for k, v := range tt.current {
				current[k] = v
			}
			got := FilterRangeActions(FilterInput{
				RangeActions:            tt.ras,
				ActivatedNetworkActions: tt.activated,
				Limits:                  tt.limits,
				Flows:                   flows,
				MostLimitingCnec:        limiting,
				PrePerimeterSetpoints:   map[string]float64{},
				CurrentSetpoints:        current,
			})
			assert.Equal(t, tt.want, filterIDs(got))
		})
	}
}
