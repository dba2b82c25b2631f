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
	"math"
	"sort"

	"github.com/AleutianAI/gridrao/services/rao/crac"
	"github.com/AleutianAI/gridrao/services/rao/network"
)

// usedTolerance is the setpoint distance above which a range action counts
// as used.
const usedTolerance = 1e-6

// UsageLimits caps how many remedial actions one perimeter may use.
// Zero or missing entries mean unlimited.
type UsageLimits struct {
	MaxRa                      int            `json:"max_ra,omitempty" yaml:"max_ra"`
	MaxTso                     int            `json:"max_tso,omitempty" yaml:"max_tso"`
	MaxPstPerTso               map[string]int `json:"max_pst_per_tso,omitempty" yaml:"max_pst_per_tso"`
	MaxRaPerTso                map[string]int `json:"max_ra_per_tso,omitempty" yaml:"max_ra_per_tso"`
	MaxTopoPerTso              map[string]int `json:"max_topo_per_tso,omitempty" yaml:"max_topo_per_tso"`
	MaxElementaryActionsPerTso map[string]int `json:"max_elementary_actions_per_tso,omitempty" yaml:"max_elementary_actions_per_tso"`
}

// IsZero reports whether no limit is set.
func (l UsageLimits) IsZero() bool {
	return l.MaxRa == 0 && l.MaxTso == 0 && len(l.MaxPstPerTso) == 0 && len(l.MaxRaPerTso) == 0 &&
		len(l.MaxTopoPerTso) == 0 && len(l.MaxElementaryActionsPerTso) == 0
}

// FilterInput is what the range action filter needs to rank candidates.
type FilterInput struct {
	RangeActions            []*crac.RangeAction
	ActivatedNetworkActions []*crac.NetworkAction
	Limits                  UsageLimits

	// Flows hold the sensitivities of the latest iterate.
	Flows *network.FlowResult

	// MostLimitingCnec ranks candidates by their effect on it. May be nil.
	MostLimitingCnec *crac.Cnec

	PrePerimeterSetpoints map[string]float64
	CurrentSetpoints      map[string]float64
}

// FilterRangeActions drops the range actions that would break the usage
// limits, keeping used ones first and then the ones with the largest
// potential gain on the most limiting CNEC. Aligned PSTs are kept or
// dropped as a group.
//
// The result is sorted by id.
func FilterRangeActions(in FilterInput) []*crac.RangeAction {
	f := rangeActionFilter{in: in, kept: make(map[string]*crac.RangeAction, len(in.RangeActions))}
	for _, ra := range in.RangeActions {
		f.kept[ra.ID] = ra
	}
	if !in.Limits.IsZero() {
		f.filterPstPerTso()
		f.filterTsos()
		f.filterMaxRas()
	}
	out := make([]*crac.RangeAction, 0, len(f.kept))
	for _, ra := range f.kept {
		out = append(out, ra)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

type rangeActionFilter struct {
	in   FilterInput
	kept map[string]*crac.RangeAction
}

func (f *rangeActionFilter) isUsed(ra *crac.RangeAction) bool {
	cur, ok := f.in.CurrentSetpoints[ra.ID]
	if !ok {
		return false
	}
	return math.Abs(cur-f.in.PrePerimeterSetpoints[ra.ID]) > usedTolerance
}

// gain is the flow change on the most limiting CNEC that moving ra across
// its whole admissible range would cause.
func (f *rangeActionFilter) gain(ra *crac.RangeAction) float64 {
	if f.in.MostLimitingCnec == nil {
		return 0
	}
	lo, hi := ra.Bounds(f.in.PrePerimeterSetpoints[ra.ID])
	return math.Abs(f.in.Flows.Sensitivity(f.in.MostLimitingCnec.ID, ra.ID)) * (hi - lo)
}

// ranked returns the kept actions matching keep, used ones first, then by
// decreasing gain, then by id.
func (f *rangeActionFilter) ranked(keep func(*crac.RangeAction) bool) []*crac.RangeAction {
	var out []*crac.RangeAction
	for _, ra := range f.kept {
		if keep(ra) {
			out = append(out, ra)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		ui, uj := f.isUsed(out[i]), f.isUsed(out[j])
		if ui != uj {
			return ui
		}
		gi, gj := f.gain(out[i]), f.gain(out[j])
		if gi != gj {
			return gi > gj
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (f *rangeActionFilter) activatedOf(tso string) int {
	n := 0
	for _, na := range f.in.ActivatedNetworkActions {
		if na.Operator == tso {
			n++
		}
	}
	return n
}

// filterPstPerTso limits the PSTs of each operator to
// min(maxPstPerTso, maxRaPerTso - activated network actions - used non-PST
// range actions).
func (f *rangeActionFilter) filterPstPerTso() {
	tsos := make(map[string]bool)
	for tso := range f.in.Limits.MaxPstPerTso {
		tsos[tso] = true
	}
	for tso := range f.in.Limits.MaxRaPerTso {
		tsos[tso] = true
	}
	for _, tso := range sortedKeys(tsos) {
		limit := math.MaxInt
		if v, ok := f.in.Limits.MaxPstPerTso[tso]; ok {
			limit = v
		}
		if v, ok := f.in.Limits.MaxRaPerTso[tso]; ok {
			usedOthers := 0
			for _, ra := range f.kept {
				if ra.Operator == tso && ra.Kind != crac.RangePst && f.isUsed(ra) {
					usedOthers++
				}
			}
			limit = min(limit, v-f.activatedOf(tso)-usedOthers)
		}
		psts := f.ranked(func(ra *crac.RangeAction) bool { return ra.Operator == tso && ra.Kind == crac.RangePst })
		f.dropBeyond(psts, max(limit, 0))
	}
}

// filterTsos keeps the operators already acting, then the operators whose
// best range action has the largest gain, up to MaxTso.
func (f *rangeActionFilter) filterTsos() {
	if f.in.Limits.MaxTso <= 0 {
		return
	}
	allowed := make(map[string]bool)
	for _, na := range f.in.ActivatedNetworkActions {
		if na.Operator != "" {
			allowed[na.Operator] = true
		}
	}
	best := make(map[string]float64)
	for _, ra := range f.kept {
		if ra.Operator == "" {
			continue
		}
		if f.isUsed(ra) {
			allowed[ra.Operator] = true
		}
		best[ra.Operator] = math.Max(best[ra.Operator], f.gain(ra))
	}
	candidates := make([]string, 0, len(best))
	for tso := range best {
		if !allowed[tso] {
			candidates = append(candidates, tso)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		if best[candidates[i]] != best[candidates[j]] {
			return best[candidates[i]] > best[candidates[j]]
		}
		return candidates[i] < candidates[j]
	})
	for _, tso := range candidates {
		if len(allowed) >= f.in.Limits.MaxTso {
			break
		}
		allowed[tso] = true
	}
	for id, ra := range f.kept {
		if ra.Operator != "" && !allowed[ra.Operator] {
			delete(f.kept, id)
		}
	}
	f.dropPartialGroups()
}

// filterMaxRas keeps MaxRa minus the activated network actions.
func (f *rangeActionFilter) filterMaxRas() {
	if f.in.Limits.MaxRa <= 0 {
		return
	}
	limit := max(f.in.Limits.MaxRa-len(f.in.ActivatedNetworkActions), 0)
	f.dropBeyond(f.ranked(func(*crac.RangeAction) bool { return true }), limit)
}

func (f *rangeActionFilter) dropBeyond(ranked []*crac.RangeAction, limit int) {
	if len(ranked) <= limit {
		return
	}
	for _, ra := range ranked[limit:] {
		delete(f.kept, ra.ID)
	}
	f.dropPartialGroups()
}

// dropPartialGroups removes aligned PSTs whose group lost a member.
func (f *rangeActionFilter) dropPartialGroups() {
	partial := make(map[string]bool)
	for _, ra := range f.in.RangeActions {
		if ra.GroupID == "" {
			continue
		}
		if _, ok := f.kept[ra.ID]; !ok {
			partial[ra.GroupID] = true
		}
	}
	for id, ra := range f.kept {
		if partial[ra.GroupID] {
			delete(f.kept, id)
		}
	}
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
