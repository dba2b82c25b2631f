// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package network

import (
	"math"

	"github.com/AleutianAI/gridrao/services/rao/crac"
)

// FlowResult is the output of one oracle run.
//
// Flows hold the monitored value of each CNEC (flow, angle or voltage).
// Sensitivities hold d(value)/d(setpoint) per CNEC and range action.
// CommercialFlows and PtdfSums are only filled for CNECs that need them
// (loop-flow monitoring and relative margins).
//
// Thread Safety: read-only once returned by the oracle.
type FlowResult struct {
	Flows           map[string]float64            `json:"flows"`
	Sensitivities   map[string]map[string]float64 `json:"sensitivities,omitempty"`
	CommercialFlows map[string]float64            `json:"commercial_flows,omitempty"`
	PtdfSums        map[string]float64            `json:"ptdf_sums,omitempty"`
}

// NewFlowResult returns an empty result with allocated maps.
func NewFlowResult() *FlowResult {
	return &FlowResult{
		Flows:           make(map[string]float64),
		Sensitivities:   make(map[string]map[string]float64),
		CommercialFlows: make(map[string]float64),
		PtdfSums:        make(map[string]float64),
	}
}

// Flow returns the monitored value of a CNEC.
func (r *FlowResult) Flow(cnecID string) (float64, bool) {
	if r == nil {
		return 0, false
	}
	v, ok := r.Flows[cnecID]
	return v, ok
}

// Margin returns the margin of c, or false when its flow is unknown.
func (r *FlowResult) Margin(c *crac.Cnec) (float64, bool) {
	flow, ok := r.Flow(c.ID)
	if !ok {
		return math.Inf(-1), false
	}
	return c.Margin(flow), true
}

// RelativeMargin divides positive margins by the PTDF sum of the CNEC,
// floored at ptdfFloor. Negative margins are returned unchanged.
func (r *FlowResult) RelativeMargin(c *crac.Cnec, ptdfFloor float64) (float64, bool) {
	margin, ok := r.Margin(c)
	if !ok || margin <= 0 {
		return margin, ok
	}
	return margin / r.PtdfSum(c.ID, ptdfFloor), true
}

// PtdfSum returns the absolute PTDF sum of a CNEC, floored at floor.
func (r *FlowResult) PtdfSum(cnecID string, floor float64) float64 {
	if r == nil {
		return floor
	}
	return math.Max(floor, math.Abs(r.PtdfSums[cnecID]))
}

// Sensitivity returns d(value of cnec)/d(setpoint of range action).
func (r *FlowResult) Sensitivity(cnecID, rangeActionID string) float64 {
	if r == nil {
		return 0
	}
	return r.Sensitivities[cnecID][rangeActionID]
}

// LoopFlow returns flow minus commercial flow, when both are known.
func (r *FlowResult) LoopFlow(cnecID string) (float64, bool) {
	flow, ok := r.Flow(cnecID)
	if !ok {
		return 0, false
	}
	commercial, ok := r.CommercialFlows[cnecID]
	if !ok {
		return 0, false
	}
	return flow - commercial, true
}

// MarginLookup adapts the result to usage-rule evaluation.
func (r *FlowResult) MarginLookup(c *crac.Crac) crac.MarginLookup {
	return func(cnecID string) (float64, bool) {
		cnec := c.Cnec(cnecID)
		if cnec == nil {
			return 0, false
		}
		return r.Margin(cnec)
	}
}

// Merge returns a new result holding the entries of r overridden by other.
func (r *FlowResult) Merge(other *FlowResult) *FlowResult {
	out := NewFlowResult()
	for _, src := range []*FlowResult{r, other} {
		if src == nil {
			continue
		}
		for k, v := range src.Flows {
			out.Flows[k] = v
		}
		for k, v := range src.Sensitivities {
			out.Sensitivities[k] = v
		}
		for k, v := range src.CommercialFlows {
			out.CommercialFlows[k] = v
		}
		for k, v := range src.PtdfSums {
			out.PtdfSums[k] = v
		}
	}
	return out
}
