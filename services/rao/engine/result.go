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
	"sort"
	"time"

	"github.com/AleutianAI/gridrao/services/rao/crac"
	"github.com/AleutianAI/gridrao/services/rao/network"
	"github.com/AleutianAI/gridrao/services/rao/objective"
	"github.com/AleutianAI/gridrao/services/rao/perimeter"
	"github.com/AleutianAI/gridrao/services/rao/searchtree"
)

// Kind is the role of a perimeter in a run.
type Kind string

const (
	KindPreventive Kind = "preventive"
	KindAutomaton  Kind = "automaton"
	KindCurative   Kind = "curative"
)

// Execution details reported with a result.
const (
	DetailsInitialSensitivityFailed = "initial sensitivity computation failed"
	DetailsPreventiveFailed         = "preventive perimeter failed"
	DetailsPreventiveOnly           = "preventive perimeter only"
	DetailsFull                     = "preventive and contingency perimeters"
)

// RaoResult is the outcome of a run.
//
// Thread Safety: read-only once returned.
type RaoResult struct {
	RunID  string           `json:"run_id"`
	CracID string           `json:"crac_id"`
	Status perimeter.Status `json:"status"`

	ExecutionDetails string `json:"execution_details"`

	// Objective scores the final flows of every state. Contingencies whose
	// perimeters failed are excluded.
	Objective        objective.Result `json:"objective"`
	InitialObjective objective.Result `json:"initial_objective"`

	// Perimeters lists the preventive perimeter first, then the automaton
	// and curative perimeters of each contingency in contingency order.
	Perimeters []PerimeterResult `json:"perimeters"`

	ExcludedContingencies   []string `json:"excluded_contingencies,omitempty"`
	OperatorsNotSharingCras []string `json:"operators_not_sharing_cras,omitempty"`

	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration_ns"`
}

// Cost returns the total final cost.
func (r *RaoResult) Cost() float64 {
	return r.Objective.Cost()
}

// Perimeter returns the result of the perimeter optimizing state.
func (r *RaoResult) Perimeter(state crac.State) (*PerimeterResult, bool) {
	for i := range r.Perimeters {
		if r.Perimeters[i].state == state {
			return &r.Perimeters[i], true
		}
	}
	return nil, false
}

// PerimeterResult is the outcome of one perimeter.
type PerimeterResult struct {
	State       string           `json:"state"`
	Kind        Kind             `json:"kind"`
	Contingency string           `json:"contingency,omitempty"`
	Status      perimeter.Status `json:"status"`

	ActivatedNetworkActions []string           `json:"activated_network_actions"`
	RangeActionSetpoints    map[string]float64 `json:"range_action_setpoints"`
	ActivatedRangeActions   []string           `json:"activated_range_actions"`

	// CnecMargins holds the margin of every CNEC of the perimeter whose flow
	// is known.
	CnecMargins map[string]float64 `json:"cnec_margins"`

	Objective        objective.Result `json:"objective"`
	Cost             float64          `json:"cost"`
	InitialObjective objective.Result `json:"initial_objective"`

	LinearStatus    string `json:"linear_status,omitempty"`
	SearchDepth     int    `json:"search_depth"`
	LeavesEvaluated int    `json:"leaves_evaluated"`
	AutoIterations  int    `json:"auto_iterations,omitempty"`

	Flows *network.FlowResult `json:"-"`
	state crac.State
}

func newPerimeterResult(kind Kind, p *perimeter.Perimeter) PerimeterResult {
	return PerimeterResult{
		State:                   p.OptimizedState.ID(),
		Kind:                    kind,
		Contingency:             p.OptimizedState.ContingencyID,
		ActivatedNetworkActions: []string{},
		RangeActionSetpoints:    map[string]float64{},
		ActivatedRangeActions:   []string{},
		CnecMargins:             map[string]float64{},
		state:                   p.OptimizedState,
	}
}

// searchResult converts the best leaf of a search.
func searchResult(kind Kind, p *perimeter.Perimeter, res *searchtree.Result) PerimeterResult {
	out := newPerimeterResult(kind, p)
	out.Status = res.Status
	out.ActivatedNetworkActions = res.ActivatedNetworkActions
	if res.RangeActionSetpoints != nil {
		out.RangeActionSetpoints = res.RangeActionSetpoints
	}
	if res.ActivatedRangeActions != nil {
		out.ActivatedRangeActions = res.ActivatedRangeActions
	}
	out.Objective = res.Objective
	out.Cost = res.Cost()
	out.InitialObjective = res.InitialObjective
	out.LinearStatus = res.LinearStatus.String()
	out.SearchDepth = res.Depth
	out.LeavesEvaluated = res.LeavesEvaluated
	out.Flows = res.Flows
	out.CnecMargins = margins(p, res.Flows)
	return out
}

// failedResult reports a perimeter that could not be computed.
func failedResult(kind Kind, p *perimeter.Perimeter, fn *objective.Function) PerimeterResult {
	out := newPerimeterResult(kind, p)
	out.Status = perimeter.StatusFailure
	out.Objective = fn.SensitivityFailure()
	out.InitialObjective = out.Objective
	out.Cost = out.Objective.Cost()
	return out
}

func margins(p *perimeter.Perimeter, flows *network.FlowResult) map[string]float64 {
	out := make(map[string]float64, len(p.Cnecs))
	if flows == nil {
		return out
	}
	for _, c := range p.Cnecs {
		if m, ok := flows.Margin(c); ok {
			out[c.ID] = m
		}
	}
	return out
}

// globalStatus is FAILURE when the preventive perimeter failed, FALLBACK
// when any other perimeter did not end in DEFAULT, DEFAULT otherwise.
func globalStatus(perimeters []PerimeterResult) perimeter.Status {
	status := perimeter.StatusDefault
	for _, p := range perimeters {
		if p.Kind == KindPreventive && p.Status == perimeter.StatusFailure {
			return perimeter.StatusFailure
		}
		if p.Status != perimeter.StatusDefault {
			status = perimeter.StatusFallback
		}
	}
	return status
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
