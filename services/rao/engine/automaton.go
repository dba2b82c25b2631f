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
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/AleutianAI/gridrao/services/rao/costeval"
	"github.com/AleutianAI/gridrao/services/rao/crac"
	"github.com/AleutianAI/gridrao/services/rao/network"
	"github.com/AleutianAI/gridrao/services/rao/perimeter"
	"github.com/AleutianAI/gridrao/services/rao/telemetry"
)

const (
	setpointTolerance    = 1e-6
	sensitivityThreshold = 1e-6
)

// simulateAutomaton triggers the automatons of state on net.
//
// Description:
//
//	Forced network actions are applied first, decided on the reference
//	flows. Forced range actions are then shifted one at a time toward
//	securing the worst CNEC of the state, the most sensitive action first,
//	until every CNEC is secure, no action can move further, or the
//	iteration bound is reached. net is left with the automatons applied.
//
// Inputs:
//   - net: Exclusive network of the contingency, mutated.
//   - reference: Flows of the state before any automaton, with the
//     sensitivities of every range action.
//
// Outputs:
//   - PerimeterResult: FAILURE when the oracle fails after an automaton.
//   - error: Context cancellation, or an automaton that cannot be applied.
func (r *run) simulateAutomaton(ctx context.Context, net network.Network, state crac.State, reference *network.FlowResult) (PerimeterResult, error) {
	start := time.Now()
	ctx, span := startPerimeterSpan(ctx, KindAutomaton, state.ID())
	defer span.End()
	logger := telemetry.LoggerWithTrace(ctx, r.logger).With(slog.String("perimeter", state.ID()))

	c := r.in.Crac
	p := perimeter.New(c, state, nil, nil)
	fn := r.objective(p, costeval.NoExclusions)

	fail := func(err error) (PerimeterResult, error) {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return PerimeterResult{}, ctxErr
		}
		logger.Error("automaton simulation failed", slog.String("error", err.Error()))
		out := failedResult(KindAutomaton, p, fn)
		recordPerimeterMetrics(ctx, KindAutomaton, out.Status, time.Since(start))
		return out, nil
	}

	flows := reference
	triggered := make([]string, 0)
	lookup := flows.MarginLookup(c)
	for _, na := range p.NetworkActions {
		if !c.IsForced(na, state, lookup) {
			continue
		}
		if err := na.Apply(net); err != nil {
			return PerimeterResult{}, fmt.Errorf("apply automaton %s: %w", na.ID, err)
		}
		triggered = append(triggered, na.ID)
	}
	sort.Strings(triggered)
	if len(triggered) > 0 {
		var err error
		if flows, err = r.in.Oracle.Run(ctx, net, p.Cnecs, p.RangeActions); err != nil {
			return fail(err)
		}
		logger.Info("network automatons triggered", slog.Any("network_actions", triggered))
	}

	var forced []*crac.RangeAction
	lookup = flows.MarginLookup(c)
	for _, ra := range p.RangeActions {
		if c.IsForced(ra, state, lookup) {
			forced = append(forced, ra)
		}
	}
	setpoints, err := network.CurrentSetpoints(net, forced)
	if err != nil {
		return PerimeterResult{}, fmt.Errorf("read automaton setpoints: %w", err)
	}
	initial := make(map[string]float64, len(setpoints))
	for id, sp := range setpoints {
		initial[id] = sp
	}

	iterations := 0
	for iterations < r.e.params.RangeActions.MaxAutoIterations && len(forced) > 0 {
		worst, margin := worstCnec(p.OptimizedCnecs(), flows)
		if worst == nil || margin >= 0 {
			break
		}
		ra, sp, ok := shift(worst, margin, flows, forced, setpoints)
		if !ok {
			logger.Info("no range automaton can relieve the worst cnec", slog.String("cnec", worst.ID))
			break
		}
		if err := ra.Apply(net, sp); err != nil {
			return PerimeterResult{}, fmt.Errorf("shift automaton %s: %w", ra.ID, err)
		}
		setpoints[ra.ID] = sp
		iterations++
		logger.Debug("range automaton shifted",
			slog.String("range_action", ra.ID),
			slog.Float64("setpoint", sp),
			slog.String("cnec", worst.ID),
			slog.Float64("margin", margin),
		)
		if flows, err = r.in.Oracle.Run(ctx, net, p.Cnecs, p.RangeActions); err != nil {
			return fail(err)
		}
	}

	out := newPerimeterResult(KindAutomaton, p)
	out.Status = perimeter.StatusDefault
	out.ActivatedNetworkActions = triggered
	out.RangeActionSetpoints = setpoints
	for _, ra := range forced {
		if math.Abs(setpoints[ra.ID]-initial[ra.ID]) > setpointTolerance {
			out.ActivatedRangeActions = append(out.ActivatedRangeActions, ra.ID)
		}
	}
	out.Objective = fn.Evaluate(flows)
	out.Cost = out.Objective.Cost()
	out.InitialObjective = fn.Evaluate(reference)
	out.AutoIterations = iterations
	out.Flows = flows
	out.CnecMargins = margins(p, flows)

	logger.Info("automaton perimeter simulated",
		slog.Float64("cost", out.Cost),
		slog.Int("iterations", iterations),
	)
	recordPerimeterMetrics(ctx, KindAutomaton, out.Status, time.Since(start))
	return out, nil
}

// worstCnec returns the CNEC with the lowest known margin.
func worstCnec(cnecs []*crac.Cnec, flows *network.FlowResult) (*crac.Cnec, float64) {
	var worst *crac.Cnec
	lowest := math.Inf(1)
	for _, c := range cnecs {
		m, ok := flows.Margin(c)
		if ok && m < lowest {
			worst, lowest = c, m
		}
	}
	return worst, lowest
}

// shift picks the range action with the largest sensitivity on worst that
// can still move, and the setpoint that brings worst back within its
// limits.
func shift(worst *crac.Cnec, margin float64, flows *network.FlowResult, ras []*crac.RangeAction, setpoints map[string]float64) (*crac.RangeAction, float64, bool) {
	flow, _ := flows.Flow(worst.ID)
	need := -margin
	if worst.Max-flow <= flow-worst.Min {
		need = margin
	}

	ranked := append([]*crac.RangeAction(nil), ras...)
	sort.SliceStable(ranked, func(i, j int) bool {
		si := math.Abs(flows.Sensitivity(worst.ID, ranked[i].ID))
		sj := math.Abs(flows.Sensitivity(worst.ID, ranked[j].ID))
		if si != sj {
			return si > sj
		}
		return ranked[i].ID < ranked[j].ID
	})
	for _, ra := range ranked {
		s := flows.Sensitivity(worst.ID, ra.ID)
		if math.Abs(s) < sensitivityThreshold {
			continue
		}
		cur := setpoints[ra.ID]
		target := math.Min(ra.Max, math.Max(ra.Min, cur+need/s))
		next := roundTowards(ra, target, cur)
		if math.Abs(next-cur) < setpointTolerance {
			continue
		}
		return ra, next, true
	}
	return nil, 0, false
}

// roundTowards rounds target to a setpoint the device accepts. When the
// closest one falls short of target, the next one beyond target is used if
// it is within range.
func roundTowards(ra *crac.RangeAction, target, cur float64) float64 {
	rounded := ra.RoundSetpoint(target)
	dir := 1.0
	if target < cur {
		dir = -1
	}
	if (rounded-target)*dir >= -setpointTolerance {
		return rounded
	}
	if !ra.HasTaps() {
		next := math.Ceil(target)
		if dir < 0 {
			next = math.Floor(target)
		}
		if next < ra.Min || next > ra.Max {
			return rounded
		}
		return next
	}
	best, found := rounded, false
	for _, angle := range ra.TapToAngle {
		if (angle-target)*dir < -setpointTolerance || angle < ra.Min-setpointTolerance || angle > ra.Max+setpointTolerance {
			continue
		}
		if !found || math.Abs(angle-target) < math.Abs(best-target) {
			best, found = angle, true
		}
	}
	return best
}
