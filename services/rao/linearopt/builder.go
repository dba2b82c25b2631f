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
	"fmt"
	"math"

	"github.com/AleutianAI/gridrao/services/rao/crac"
	"github.com/AleutianAI/gridrao/services/rao/network"
	"github.com/AleutianAI/gridrao/services/rao/objective"
)

// MinMarginVariable is the name of the variable maximized by the problem.
const MinMarginVariable = "min-margin"

// Penalties are the variation costs per unit of setpoint, by kind.
type Penalties struct {
	Pst       float64 `json:"pst" yaml:"pst"`
	Hvdc      float64 `json:"hvdc" yaml:"hvdc"`
	Injection float64 `json:"injection" yaml:"injection"`
}

// of returns the variation cost of ra, activation cost included.
func (p Penalties) of(ra *crac.RangeAction) float64 {
	var cost float64
	switch ra.Kind {
	case crac.RangePst:
		cost = p.Pst
	case crac.RangeHvdc:
		cost = p.Hvdc
	case crac.RangeInjection:
		cost = p.Injection
	}
	return cost + ra.ActivationCost
}

// linearization is the point the problem is built around: the flows and
// the setpoints they were computed with.
type linearization struct {
	flows     *network.FlowResult
	setpoints map[string]float64
}

// builtProblem remembers which variable holds which setpoint.
type builtProblem struct {
	problem   *Problem
	setpoints map[string]int
}

// buildProblem fills the linear problem of one iteration.
//
// Description:
//
//	One setpoint variable per range action, bounded around its pre-perimeter
//	setpoint, and one absolute-variation variable carrying the penalty.
//	Every optimized CNEC bounds the min-margin variable, which the problem
//	maximizes. Monitored and loop-flow CNECs get a penalized slack when their
//	violation cost is positive. Flows are linearized around at:
//
//	flow(s) = flow(at) + Σ sens_r·(s_r − at_r)
func buildProblem(fn *objective.Function, ras []*crac.RangeAction, prePerimeter map[string]float64, penalties Penalties, at linearization) (*builtProblem, error) {
	p := NewProblem()
	b := &builtProblem{problem: p, setpoints: make(map[string]int, len(ras))}
	cfg := fn.Config()

	for _, ra := range ras {
		ref, ok := prePerimeter[ra.ID]
		if !ok {
			ref = ra.InitialSetpoint
		}
		lo, hi := ra.Bounds(ref)
		s, err := p.AddVariable("setpoint:"+ra.ID, lo, hi, 0)
		if err != nil {
			return nil, err
		}
		v, err := p.AddVariable("variation:"+ra.ID, 0, math.Inf(1), penalties.of(ra))
		if err != nil {
			return nil, err
		}
		b.setpoints[ra.ID] = s
		// v >= |s - ref|
		if err := p.AddConstraint("variation-up:"+ra.ID, -ref, math.Inf(1), map[int]float64{v: 1, s: -1}); err != nil {
			return nil, err
		}
		if err := p.AddConstraint("variation-down:"+ra.ID, ref, math.Inf(1), map[int]float64{v: 1, s: 1}); err != nil {
			return nil, err
		}
	}
	if err := b.alignGroups(ras); err != nil {
		return nil, err
	}

	per := fn.Perimeter()
	optimized := per.OptimizedCnecs()
	if hasMarginRow(optimized, at.flows) {
		m, err := p.AddVariable(MinMarginVariable, math.Inf(-1), math.Inf(1), -1)
		if err != nil {
			return nil, err
		}
		for _, c := range optimized {
			if err := b.addMarginRows(c, m, ras, at, cfg); err != nil {
				return nil, err
			}
		}
	}

	if cfg.MnecViolationCost > 0 {
		for _, c := range per.MonitoredCnecs() {
			if err := b.addMnecRows(fn, c, ras, at, cfg.MnecViolationCost); err != nil {
				return nil, err
			}
		}
	}
	if cfg.LoopFlowViolationCost > 0 {
		for _, c := range per.LoopFlowCnecs() {
			if err := b.addLoopFlowRows(fn, c, ras, at, cfg.LoopFlowViolationCost); err != nil {
				return nil, err
			}
		}
	}
	return b, nil
}

// hasMarginRow reports whether at least one optimized CNEC bounds the
// min-margin variable, which would be unbounded otherwise.
func hasMarginRow(cnecs []*crac.Cnec, flows *network.FlowResult) bool {
	for _, c := range cnecs {
		if _, ok := flows.Flow(c.ID); !ok {
			continue
		}
		_, up := c.UpperBound()
		_, low := c.LowerBound()
		if up || low {
			return true
		}
	}
	return false
}

// alignGroups chains the setpoints of every aligned PST group.
func (b *builtProblem) alignGroups(ras []*crac.RangeAction) error {
	first := make(map[string]*crac.RangeAction)
	for _, ra := range ras {
		if ra.GroupID == "" {
			continue
		}
		head, ok := first[ra.GroupID]
		if !ok {
			first[ra.GroupID] = ra
			continue
		}
		coefs := map[int]float64{b.setpoints[head.ID]: 1, b.setpoints[ra.ID]: -1}
		if err := b.problem.AddConstraint(fmt.Sprintf("group:%s:%s", ra.GroupID, ra.ID), 0, 0, coefs); err != nil {
			return err
		}
	}
	return nil
}

// flowExpression returns the coefficients of Σ sens_r·s_r and the flow at
// s = 0, for cnec c.
func (b *builtProblem) flowExpression(c *crac.Cnec, ras []*crac.RangeAction, at linearization) (map[int]float64, float64, bool) {
	f0, ok := at.flows.Flow(c.ID)
	if !ok {
		return nil, 0, false
	}
	coefs := make(map[int]float64, len(ras))
	constant := f0
	for _, ra := range ras {
		sens := at.flows.Sensitivity(c.ID, ra.ID)
		if sens == 0 {
			continue
		}
		coefs[b.setpoints[ra.ID]] = sens
		constant -= sens * at.setpoints[ra.ID]
	}
	return coefs, constant, true
}

func scaled(coefs map[int]float64, k float64, extra map[int]float64) map[int]float64 {
	out := make(map[int]float64, len(coefs)+len(extra))
	for i, v := range coefs {
		out[i] = k * v
	}
	for i, v := range extra {
		out[i] += v
	}
	return out
}

// addMarginRows adds upper − flow >= k·M and flow − lower >= k·M, with k the
// PTDF sum in relative mode for CNECs with a positive margin.
func (b *builtProblem) addMarginRows(c *crac.Cnec, m int, ras []*crac.RangeAction, at linearization, cfg objective.Config) error {
	coefs, constant, ok := b.flowExpression(c, ras, at)
	if !ok {
		return nil
	}
	k := 1.0
	if cfg.RelativeMargin {
		if margin, ok := at.flows.Margin(c); ok && margin > 0 {
			k = at.flows.PtdfSum(c.ID, cfg.PtdfSumLowerBound)
		}
	}
	if ub, ok := c.UpperBound(); ok {
		if err := b.problem.AddConstraint("margin-up:"+c.ID, math.Inf(-1), ub-constant, scaled(coefs, 1, map[int]float64{m: k})); err != nil {
			return err
		}
	}
	if lb, ok := c.LowerBound(); ok {
		if err := b.problem.AddConstraint("margin-down:"+c.ID, math.Inf(-1), constant-lb, scaled(coefs, -1, map[int]float64{m: k})); err != nil {
			return err
		}
	}
	return nil
}

// addMnecRows keeps the margin of a monitored CNEC above its limit, up to a
// penalized slack.
func (b *builtProblem) addMnecRows(fn *objective.Function, c *crac.Cnec, ras []*crac.RangeAction, at linearization, cost float64) error {
	coefs, constant, ok := b.flowExpression(c, ras, at)
	if !ok {
		return nil
	}
	limit := fn.MnecMarginLimit(c.ID)
	slack, err := b.problem.AddVariable("mnec-slack:"+c.ID, 0, math.Inf(1), cost)
	if err != nil {
		return err
	}
	if ub, ok := c.UpperBound(); ok {
		if err := b.problem.AddConstraint("mnec-up:"+c.ID, math.Inf(-1), ub-limit-constant, scaled(coefs, 1, map[int]float64{slack: -1})); err != nil {
			return err
		}
	}
	if lb, ok := c.LowerBound(); ok {
		if err := b.problem.AddConstraint("mnec-down:"+c.ID, math.Inf(-1), constant-lb-limit, scaled(coefs, -1, map[int]float64{slack: -1})); err != nil {
			return err
		}
	}
	return nil
}

// addLoopFlowRows keeps |flow − commercial flow| below the loop-flow limit,
// up to a penalized slack. The commercial flow does not depend on the
// setpoints.
func (b *builtProblem) addLoopFlowRows(fn *objective.Function, c *crac.Cnec, ras []*crac.RangeAction, at linearization, cost float64) error {
	commercial, ok := at.flows.CommercialFlows[c.ID]
	if !ok {
		return nil
	}
	coefs, constant, ok := b.flowExpression(c, ras, at)
	if !ok {
		return nil
	}
	limit := fn.LoopFlowLimit(c.ID)
	if math.IsInf(limit, 1) {
		return nil
	}
	slack, err := b.problem.AddVariable("loop-flow-slack:"+c.ID, 0, math.Inf(1), cost)
	if err != nil {
		return err
	}
	if err := b.problem.AddConstraint("loop-flow-up:"+c.ID, math.Inf(-1), limit+commercial-constant, scaled(coefs, 1, map[int]float64{slack: -1})); err != nil {
		return err
	}
	return b.problem.AddConstraint("loop-flow-down:"+c.ID, math.Inf(-1), limit-commercial+constant, scaled(coefs, -1, map[int]float64{slack: -1}))
}
