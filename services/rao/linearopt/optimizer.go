// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package linearopt optimizes the continuous range actions of one perimeter
// by iterating linear problems over sensitivity results.
//
// Each iteration linearizes the flows around the latest iterate, solves the
// linear problem, rounds the setpoints to values the devices accept, and
// recomputes the flows. Iterations stop when the setpoints no longer change,
// when the cost stops improving, or after MaxIterations.
package linearopt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/floats"

	"github.com/AleutianAI/gridrao/services/rao/crac"
	"github.com/AleutianAI/gridrao/services/rao/network"
	"github.com/AleutianAI/gridrao/services/rao/objective"
)

// Status is the outcome of an optimization.
type Status int

const (
	// StatusOptimal means the iterations converged.
	StatusOptimal Status = iota

	// StatusFeasible means a later iteration failed to solve and the best
	// earlier iterate is reported.
	StatusFeasible

	StatusInfeasible
	StatusUnbounded
	StatusAbnormal

	// StatusSensitivityFailed means the flows of an iterate could not be
	// computed. The best earlier iterate is reported.
	StatusSensitivityFailed

	// StatusMaxIterationReached is soft: the best iterate is reported.
	StatusMaxIterationReached
)

// String returns the uppercase name of the status.
func (s Status) String() string {
	switch s {
	case StatusOptimal:
		return "OPTIMAL"
	case StatusFeasible:
		return "FEASIBLE"
	case StatusInfeasible:
		return "INFEASIBLE"
	case StatusUnbounded:
		return "UNBOUNDED"
	case StatusAbnormal:
		return "ABNORMAL"
	case StatusSensitivityFailed:
		return "SENSITIVITY_COMPUTATION_FAILED"
	case StatusMaxIterationReached:
		return "MAX_ITERATION_REACHED"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// IsFailure reports whether no usable iterate came out of the solver.
func (s Status) IsFailure() bool {
	return s == StatusInfeasible || s == StatusUnbounded || s == StatusAbnormal
}

// IsFallback reports whether the result is usable but not converged.
func (s Status) IsFallback() bool {
	return s == StatusFeasible || s == StatusSensitivityFailed || s == StatusMaxIterationReached
}

func fromSolveStatus(s SolveStatus) Status {
	switch s {
	case SolveInfeasible:
		return StatusInfeasible
	case SolveUnbounded:
		return StatusUnbounded
	default:
		return StatusAbnormal
	}
}

// Parameters configure the optimizer.
type Parameters struct {
	MaxIterations      int
	ConvergenceEpsilon float64
	Penalties          Penalties
	Limits             UsageLimits
}

// DefaultParameters returns the parameters used when none are configured.
func DefaultParameters() Parameters {
	return Parameters{
		MaxIterations:      10,
		ConvergenceEpsilon: 1e-2,
		Penalties:          Penalties{Pst: 0.01, Hvdc: 0.001, Injection: 0.001},
	}
}

// Input is one perimeter to optimize.
type Input struct {
	// Network receives the optimized setpoints. The caller owns it.
	Network network.Network
	Oracle  network.Oracle

	Objective    *objective.Function
	RangeActions []*crac.RangeAction

	// PrePerimeterSetpoints anchor the bounds and the variation penalties.
	PrePerimeterSetpoints map[string]float64

	// InitialFlows were computed on Network as handed over.
	InitialFlows *network.FlowResult

	// ActivatedNetworkActions count against the usage limits.
	ActivatedNetworkActions []*crac.NetworkAction
}

// Result is the best iterate of an optimization.
type Result struct {
	Status     Status              `json:"status"`
	Setpoints  map[string]float64  `json:"setpoints"`
	Flows      *network.FlowResult `json:"-"`
	Objective  objective.Result    `json:"objective"`
	Iterations int                 `json:"iterations"`
}

// Cost returns the total cost of the best iterate.
func (r *Result) Cost() float64 {
	return r.Objective.Cost()
}

// ActivatedRangeActions returns the ids of the range actions moved away
// from ref, sorted.
func (r *Result) ActivatedRangeActions(ref map[string]float64) []string {
	var out []string
	for id, sp := range r.Setpoints {
		if math.Abs(sp-ref[id]) > usedTolerance {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// IteratingOptimizer runs the iterated linear optimization.
//
// Thread Safety: safe for concurrent use when every call gets its own
// network.
type IteratingOptimizer struct {
	solver Solver
	params Parameters
	logger *slog.Logger
}

// NewIteratingOptimizer creates an optimizer over solver.
func NewIteratingOptimizer(solver Solver, params Parameters) *IteratingOptimizer {
	if params.MaxIterations < 1 {
		params.MaxIterations = 1
	}
	return &IteratingOptimizer{solver: solver, params: params, logger: slog.Default()}
}

// WithLogger sets the logger.
func (o *IteratingOptimizer) WithLogger(logger *slog.Logger) *IteratingOptimizer {
	o.logger = logger
	return o
}

// Parameters returns the optimizer parameters.
func (o *IteratingOptimizer) Parameters() Parameters {
	return o.params
}

// iterate is one point of the optimization.
type iterate struct {
	setpoints map[string]float64
	flows     *network.FlowResult
	objective objective.Result
}

// Optimize improves the range action setpoints of one perimeter.
//
// Description:
//
//	The iterate computed from InitialFlows is the first best result. Each
//	iteration solves the problem linearized around the previous iterate.
//	A solver failure at the first iteration is reported with its status; a
//	later one returns the best iterate as StatusFeasible. When the rounded
//	setpoints equal the previous ones the optimization has converged. When
//	the recomputed cost does not beat the best one by ConvergenceEpsilon,
//	the best setpoints are applied back and the optimization stops.
//
// Outputs:
//   - *Result: The best iterate. Its setpoints are applied on Network.
//   - error: Invalid input or context cancellation. Solver and oracle
//     failures are statuses, not errors.
func (o *IteratingOptimizer) Optimize(ctx context.Context, in Input) (*Result, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	if in.Network == nil || in.Oracle == nil || in.Objective == nil || in.InitialFlows == nil {
		return nil, errors.New("optimizer input requires network, oracle, objective and initial flows")
	}

	current, err := network.CurrentSetpoints(in.Network, in.RangeActions)
	if err != nil {
		return nil, fmt.Errorf("read setpoints: %w", err)
	}
	pre := in.PrePerimeterSetpoints
	if pre == nil {
		pre = current
	}

	best := iterate{setpoints: current, flows: in.InitialFlows, objective: in.Objective.Evaluate(in.InitialFlows)}
	result := func(status Status, iterations int) *Result {
		return &Result{
			Status:     status,
			Setpoints:  best.setpoints,
			Flows:      best.flows,
			Objective:  best.objective,
			Iterations: iterations,
		}
	}
	if len(in.RangeActions) == 0 {
		return result(StatusOptimal, 0), nil
	}

	previous := best
	for it := 1; it <= o.params.MaxIterations; it++ {
		start := time.Now()
		ctxIt, span := startIterationSpan(ctx, it, len(in.RangeActions))
		next, status, err := o.iteration(ctxIt, in, pre, previous)
		span.End()
		recordIterationMetrics(ctx, time.Since(start), status)
		if err != nil {
			return nil, err
		}

		switch {
		case status.IsFailure():
			o.logger.Warn("linear problem failed",
				slog.Int("iteration", it),
				slog.String("status", status.String()),
			)
			if it == 1 {
				return result(status, it), nil
			}
			return result(StatusFeasible, it), o.restore(in, best)
		case status == StatusSensitivityFailed:
			return result(StatusSensitivityFailed, it), o.restore(in, best)
		case next == nil:
			o.logger.Debug("setpoints unchanged", slog.Int("iteration", it))
			return result(StatusOptimal, it), nil
		}

		if next.objective.Cost() < best.objective.Cost()-o.params.ConvergenceEpsilon {
			o.logger.Debug("better iterate",
				slog.Int("iteration", it),
				slog.Float64("cost", next.objective.Cost()),
			)
			best = *next
			previous = *next
			continue
		}
		o.logger.Debug("iterate did not improve",
			slog.Int("iteration", it),
			slog.Float64("best_cost", best.objective.Cost()),
			slog.Float64("cost", next.objective.Cost()),
		)
		return result(StatusOptimal, it), o.restore(in, best)
	}
	return result(StatusMaxIterationReached, o.params.MaxIterations), nil
}

// iteration solves one problem and evaluates its rounded solution. A nil
// iterate with StatusOptimal means the setpoints did not change.
func (o *IteratingOptimizer) iteration(ctx context.Context, in Input, pre map[string]float64, previous iterate) (*iterate, Status, error) {
	candidates := FilterRangeActions(FilterInput{
		RangeActions:            in.RangeActions,
		ActivatedNetworkActions: in.ActivatedNetworkActions,
		Limits:                  o.params.Limits,
		Flows:                   previous.flows,
		MostLimitingCnec:        mostLimiting(previous.objective),
		PrePerimeterSetpoints:   pre,
		CurrentSetpoints:        previous.setpoints,
	})
	if len(candidates) < len(in.RangeActions) {
		o.logger.Debug("range actions filtered by usage limits",
			slog.Int("available", len(in.RangeActions)),
			slog.Int("kept", len(candidates)),
		)
	}

	built, err := buildProblem(in.Objective, candidates, pre, o.params.Penalties,
		linearization{flows: previous.flows, setpoints: previous.setpoints})
	if err != nil {
		return nil, StatusAbnormal, fmt.Errorf("build linear problem: %w", err)
	}
	sol, err := o.solver.Solve(ctx, built.problem)
	if err != nil {
		return nil, StatusAbnormal, fmt.Errorf("solve linear problem: %w", err)
	}
	if sol.Status != SolveOptimal {
		o.logger.Debug("solver status", slog.String("status", sol.Status.String()), slog.String("detail", sol.Detail))
		return nil, fromSolveStatus(sol.Status), nil
	}

	setpoints := make(map[string]float64, len(in.RangeActions))
	for id, sp := range previous.setpoints {
		setpoints[id] = sp
	}
	for _, ra := range candidates {
		lo, hi := ra.Bounds(pre[ra.ID])
		setpoints[ra.ID] = round(ra, sol.Value(built.setpoints[ra.ID]), lo, hi)
	}
	if !changed(in.RangeActions, setpoints, previous.setpoints) {
		return nil, StatusOptimal, nil
	}

	if err := network.ApplySetpoints(in.Network, in.RangeActions, setpoints); err != nil {
		return nil, StatusAbnormal, fmt.Errorf("apply setpoints: %w", err)
	}
	flows, err := in.Oracle.Run(ctx, in.Network, in.Objective.Perimeter().Cnecs, in.RangeActions)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, StatusAbnormal, ctxErr
		}
		o.logger.Warn("sensitivity computation failed", slog.String("error", err.Error()))
		return nil, StatusSensitivityFailed, nil
	}
	return &iterate{setpoints: setpoints, flows: flows, objective: in.Objective.Evaluate(flows)}, StatusOptimal, nil
}

// restore applies the setpoints of the best iterate back on the network.
func (o *IteratingOptimizer) restore(in Input, best iterate) error {
	if err := network.ApplySetpoints(in.Network, in.RangeActions, best.setpoints); err != nil {
		return fmt.Errorf("restore best setpoints: %w", err)
	}
	return nil
}

func mostLimiting(r objective.Result) *crac.Cnec {
	if len(r.CostlyElements) == 0 {
		return nil
	}
	return r.CostlyElements[0].Cnec
}

// round snaps a solver setpoint to a value the device accepts, within
// [lo, hi].
func round(ra *crac.RangeAction, setpoint, lo, hi float64) float64 {
	rounded := ra.RoundSetpoint(setpoint)
	return math.Min(hi, math.Max(lo, rounded))
}

func changed(ras []*crac.RangeAction, a, b map[string]float64) bool {
	x := make([]float64, len(ras))
	y := make([]float64, len(ras))
	for i, ra := range ras {
		x[i], y[i] = a[ra.ID], b[ra.ID]
	}
	return !floats.EqualApprox(x, y, usedTolerance)
}
