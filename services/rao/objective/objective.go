// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package objective scores a flow result of one perimeter.
//
// The functional cost comes from the margins of the optimized CNECs,
// aggregated by a costeval.Evaluator. Virtual costs penalize side effects
// the optimization must avoid: degrading monitored CNECs, increasing loop
// flows, or failing the sensitivity computation.
package objective

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"

	"github.com/AleutianAI/gridrao/services/rao/costeval"
	"github.com/AleutianAI/gridrao/services/rao/crac"
	"github.com/AleutianAI/gridrao/services/rao/network"
	"github.com/AleutianAI/gridrao/services/rao/perimeter"
)

// Virtual cost names.
const (
	VirtualMnec               = "mnec-cost"
	VirtualLoopFlow           = "loop-flow-cost"
	VirtualSensitivityFailure = "sensitivity-failure-cost"
)

// Config holds the objective parameters.
type Config struct {
	// RelativeMargin divides positive margins by the PTDF sum of the CNEC.
	RelativeMargin    bool
	PtdfSumLowerBound float64

	MnecAcceptableMarginDecrease float64
	MnecViolationCost            float64

	LoopFlowAcceptableIncrease float64
	LoopFlowViolationCost      float64

	SensitivityFailureCost float64
}

// Result is a scored flow result.
type Result struct {
	FunctionalCost float64            `json:"functional_cost"`
	VirtualCosts   map[string]float64 `json:"virtual_costs,omitempty"`

	// CostlyElements ranks the optimized CNECs worst first.
	CostlyElements []costeval.CnecCost `json:"-"`
}

// VirtualCost returns the sum of the virtual costs.
func (r Result) VirtualCost() float64 {
	names := make([]string, 0, len(r.VirtualCosts))
	for name := range r.VirtualCosts {
		names = append(names, name)
	}
	sort.Strings(names)
	values := make([]float64, len(names))
	for i, name := range names {
		values[i] = r.VirtualCosts[name]
	}
	return floats.Sum(values)
}

// Cost returns the functional cost plus every virtual cost.
func (r Result) Cost() float64 {
	return r.FunctionalCost + r.VirtualCost()
}

// Function evaluates flow results of one perimeter against a reference
// flow result, usually the pre-perimeter one.
//
// Thread Safety: immutable, safe for concurrent use.
type Function struct {
	cfg        Config
	evaluator  costeval.Evaluator
	perimeter  *perimeter.Perimeter
	reference  *network.FlowResult
	exclusions costeval.Exclusions
	cnecs      map[string]*crac.Cnec
}

// New creates an objective function.
func New(cfg Config, evaluator costeval.Evaluator, p *perimeter.Perimeter, reference *network.FlowResult, excl costeval.Exclusions) *Function {
	f := &Function{
		cfg:        cfg,
		evaluator:  evaluator,
		perimeter:  p,
		reference:  reference,
		exclusions: excl,
		cnecs:      make(map[string]*crac.Cnec, len(p.Cnecs)),
	}
	for _, c := range p.Cnecs {
		f.cnecs[c.ID] = c
	}
	return f
}

// Config returns the parameters of f.
func (f *Function) Config() Config {
	return f.cfg
}

// Perimeter returns the perimeter f scores.
func (f *Function) Perimeter() *perimeter.Perimeter {
	return f.perimeter
}

// Reference returns the reference flow result.
func (f *Function) Reference() *network.FlowResult {
	return f.reference
}

// Margin returns the margin of a CNEC as the objective sees it: absolute,
// or relative when configured.
func (f *Function) Margin(flows *network.FlowResult, cnecID string) (float64, bool) {
	c, ok := f.cnecs[cnecID]
	if !ok {
		return 0, false
	}
	return f.margin(flows, c)
}

func (f *Function) margin(flows *network.FlowResult, c *crac.Cnec) (float64, bool) {
	if f.cfg.RelativeMargin {
		return flows.RelativeMargin(c, f.cfg.PtdfSumLowerBound)
	}
	return flows.Margin(c)
}

// Evaluate scores flows.
func (f *Function) Evaluate(flows *network.FlowResult) Result {
	var costs []costeval.CnecCost
	for _, c := range f.perimeter.OptimizedCnecs() {
		margin, ok := f.margin(flows, c)
		if !ok {
			continue
		}
		costs = append(costs, costeval.CnecCost{Cnec: c, Cost: -margin})
	}
	functional := f.evaluator.Evaluate(costs, f.exclusions)
	return Result{
		FunctionalCost: functional.Cost,
		VirtualCosts: map[string]float64{
			VirtualMnec:     f.mnecCost(flows),
			VirtualLoopFlow: f.loopFlowCost(flows),
		},
		CostlyElements: functional.CostlyElements,
	}
}

// SensitivityFailure is the result of a leaf whose flows could not be
// computed.
func (f *Function) SensitivityFailure() Result {
	return Result{
		VirtualCosts: map[string]float64{VirtualSensitivityFailure: f.cfg.SensitivityFailureCost},
	}
}

// mnecCost penalizes monitored CNECs whose margin dropped below
// min(0, referenceMargin - acceptableDecrease).
func (f *Function) mnecCost(flows *network.FlowResult) float64 {
	if f.cfg.MnecViolationCost == 0 {
		return 0
	}
	var total float64
	for _, c := range f.perimeter.MonitoredCnecs() {
		if f.exclusions.Contingencies[c.State.ContingencyID] {
			continue
		}
		margin, ok := flows.Margin(c)
		if !ok {
			continue
		}
		limit := f.MnecMarginLimit(c.ID)
		total += f.cfg.MnecViolationCost * math.Max(0, limit-margin)
	}
	return total
}

// MnecMarginLimit returns the lowest admissible margin of a monitored CNEC.
func (f *Function) MnecMarginLimit(cnecID string) float64 {
	c, ok := f.cnecs[cnecID]
	if !ok {
		return 0
	}
	ref, ok := f.reference.Margin(c)
	if !ok {
		return 0
	}
	return math.Min(0, ref-f.cfg.MnecAcceptableMarginDecrease)
}

// loopFlowCost penalizes loop flows above
// max(threshold, |referenceLoopFlow| + acceptableIncrease).
func (f *Function) loopFlowCost(flows *network.FlowResult) float64 {
	if f.cfg.LoopFlowViolationCost == 0 {
		return 0
	}
	var total float64
	for _, c := range f.perimeter.LoopFlowCnecs() {
		if f.exclusions.Contingencies[c.State.ContingencyID] {
			continue
		}
		lf, ok := flows.LoopFlow(c.ID)
		if !ok {
			continue
		}
		total += f.cfg.LoopFlowViolationCost * math.Max(0, math.Abs(lf)-f.LoopFlowLimit(c.ID))
	}
	return total
}

// LoopFlowLimit returns the highest admissible absolute loop flow of a CNEC.
func (f *Function) LoopFlowLimit(cnecID string) float64 {
	c, ok := f.cnecs[cnecID]
	if !ok {
		return math.Inf(1)
	}
	limit := c.LoopFlowThreshold
	if ref, ok := f.reference.LoopFlow(c.ID); ok {
		limit = math.Max(limit, math.Abs(ref)+f.cfg.LoopFlowAcceptableIncrease)
	}
	return limit
}
