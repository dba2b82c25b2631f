// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package engine runs a full remedial action optimization.
//
// A run computes the initial flows, optimizes the preventive perimeter,
// then simulates the automatons and optimizes the curative perimeter of
// every contingency scenario in parallel on top of the preventive result.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/gridrao/services/rao/config"
	"github.com/AleutianAI/gridrao/services/rao/costeval"
	"github.com/AleutianAI/gridrao/services/rao/crac"
	"github.com/AleutianAI/gridrao/services/rao/linearopt"
	"github.com/AleutianAI/gridrao/services/rao/network"
	"github.com/AleutianAI/gridrao/services/rao/objective"
	"github.com/AleutianAI/gridrao/services/rao/perimeter"
	"github.com/AleutianAI/gridrao/services/rao/searchtree"
	"github.com/AleutianAI/gridrao/services/rao/statetree"
	"github.com/AleutianAI/gridrao/services/rao/telemetry"
)

var (
	// ErrNilContext is returned when a nil context is passed.
	ErrNilContext = errors.New("ctx must not be nil")

	// ErrInvalidInput is returned when a run input is incomplete.
	ErrInvalidInput = errors.New("invalid rao input")
)

const postPreventiveKey = "post-preventive"

// Input is the study to optimize.
type Input struct {
	Crac *crac.Crac

	// Network is the initial network. It is never mutated.
	Network network.Network
	Oracle  network.Oracle
}

// Engine runs optimizations with fixed parameters.
//
// Thread Safety: safe for concurrent use. Each Run has its own state.
type Engine struct {
	params    config.RaoParameters
	evaluator costeval.Evaluator
	solver    linearopt.Solver
	logger    *slog.Logger
}

// New creates an engine.
//
// Inputs:
//   - params: Validated before use.
//   - solver: LP solver of the linear optimizer. Nil uses the simplex
//     solver.
//
// Outputs:
//   - *Engine: Never nil when err is nil.
//   - error: config.ErrInvalidParameters or an unknown cost evaluator.
func New(params config.RaoParameters, solver linearopt.Solver) (*Engine, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	evaluator, err := params.Evaluator()
	if err != nil {
		return nil, err
	}
	if solver == nil {
		solver = linearopt.NewSimplexSolver()
	}
	return &Engine{
		params:    params,
		evaluator: evaluator,
		solver:    solver,
		logger:    slog.Default(),
	}, nil
}

// WithLogger sets the logger of the engine and of every component it runs.
func (e *Engine) WithLogger(logger *slog.Logger) *Engine {
	e.logger = logger
	return e
}

// Parameters returns the parameters of the engine.
func (e *Engine) Parameters() config.RaoParameters {
	return e.params
}

// run is the state of one Run call.
type run struct {
	e            *Engine
	in           Input
	tree         *statetree.StateTree
	initialFlows *network.FlowResult
	flows        *flowCache
	logger       *slog.Logger
}

// Run optimizes the study.
//
// Description:
//
//	The state tree is built first. The preventive perimeter covers the
//	basecase scenario. When it succeeds, each contingency scenario runs
//	on a clone of the network with the preventive remedial actions
//	applied, at most PerimetersInParallel at a time. Oracle failures make
//	the affected perimeter FAILURE and exclude its contingency from the
//	global objective; they are not returned as errors.
//
// Inputs:
//   - ctx: Cancellation aborts the run.
//   - in: Study to optimize.
//
// Outputs:
//   - *RaoResult: Never nil when err is nil.
//   - error: ErrNilContext, ErrInvalidInput, a state tree construction
//     error, ctx cancellation, or netpool.ErrGenerationTimeout.
func (e *Engine) Run(ctx context.Context, in Input) (*RaoResult, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	switch {
	case in.Crac == nil:
		return nil, fmt.Errorf("%w: crac is nil", ErrInvalidInput)
	case in.Network == nil:
		return nil, fmt.Errorf("%w: network is nil", ErrInvalidInput)
	case in.Oracle == nil:
		return nil, fmt.Errorf("%w: oracle is nil", ErrInvalidInput)
	}
	tree, err := statetree.Build(in.Crac)
	if err != nil {
		return nil, fmt.Errorf("build state tree: %w", err)
	}

	runID := uuid.NewString()
	ctx, span := startRunSpan(ctx, runID, in.Crac.ID)
	defer span.End()
	start := time.Now()

	r := &run{
		e:      e,
		in:     in,
		tree:   tree,
		flows:  newFlowCache(),
		logger: e.logger.With(slog.String("run_id", runID)),
	}
	r.logger.Info("rao run started",
		slog.String("crac", in.Crac.ID),
		slog.Int("contingency_scenarios", len(tree.ContingencyScenarios())),
	)

	result, err := r.execute(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.logger.Error("rao run aborted", slog.String("error", err.Error()))
		return nil, err
	}
	result.RunID = runID
	result.CracID = in.Crac.ID
	result.StartedAt = start
	result.Duration = time.Since(start)
	result.OperatorsNotSharingCras = tree.OperatorsNotSharingCras()

	recordRunMetrics(ctx, result.Status, result.Duration)
	r.logger.Info("rao run finished",
		slog.String("status", result.Status.String()),
		slog.Float64("cost", result.Cost()),
		slog.Duration("duration", result.Duration),
	)
	return result, nil
}

func (r *run) execute(ctx context.Context) (*RaoResult, error) {
	c := r.in.Crac
	prevPerimeter := perimeter.New(c, crac.PreventiveState(), r.tree.Basecase().OtherStates, nil)

	initial, err := r.in.Oracle.Run(ctx, r.in.Network, c.Cnecs(), c.RangeActions())
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		r.logger.Error("initial sensitivity computation failed", slog.String("error", err.Error()))
		failed := failedResult(KindPreventive, prevPerimeter, r.objective(prevPerimeter, costeval.NoExclusions))
		return &RaoResult{
			Status:           perimeter.StatusFailure,
			ExecutionDetails: DetailsInitialSensitivityFailed,
			Objective:        failed.Objective,
			InitialObjective: failed.Objective,
			Perimeters:       []PerimeterResult{failed},
		}, nil
	}
	r.initialFlows = initial
	result := &RaoResult{InitialObjective: r.globalObjective(costeval.NoExclusions).Evaluate(initial)}

	stop, target := preventiveStop(r.e.params.Objective.PreventiveStopCriterion)
	prevSearch, prev, err := r.search(ctx, KindPreventive, r.in.Network, prevPerimeter, stop, target)
	if err != nil {
		return nil, err
	}
	result.Perimeters = append(result.Perimeters, prev)
	if prev.Status == perimeter.StatusFailure {
		result.Status = perimeter.StatusFailure
		result.ExecutionDetails = DetailsPreventiveFailed
		result.Objective = prev.Objective
		return result, nil
	}

	scenarios := r.tree.ContingencyScenarios()
	finalFlows := initial.Merge(prev.Flows)
	excluded := make(map[string]bool)
	if len(scenarios) == 0 {
		result.ExecutionDetails = DetailsPreventiveOnly
	} else {
		result.ExecutionDetails = DetailsFull
		postPreventive, err := r.applyPreventive(prevSearch)
		if err != nil {
			return nil, err
		}
		outcomes, err := r.optimizeScenarios(ctx, postPreventive, scenarios, prev.Cost)
		if releaseErr := postPreventive.Release(); releaseErr != nil {
			r.logger.Warn("release post-preventive network", slog.String("error", releaseErr.Error()))
		}
		if err != nil {
			return nil, err
		}
		for i, out := range outcomes {
			for _, p := range out {
				if p.Status == perimeter.StatusFailure {
					excluded[scenarios[i].ContingencyID] = true
				}
				finalFlows = finalFlows.Merge(p.Flows)
			}
			result.Perimeters = append(result.Perimeters, out...)
		}
	}

	result.ExcludedContingencies = sortedKeys(excluded)
	result.Objective = r.globalObjective(costeval.Exclusions{Contingencies: excluded}).Evaluate(finalFlows)
	result.Status = globalStatus(result.Perimeters)
	return result, nil
}

// search optimizes one perimeter with the search tree.
func (r *run) search(ctx context.Context, kind Kind, net network.Network, p *perimeter.Perimeter, stop searchtree.StopCriterion, target float64) (*searchtree.Result, PerimeterResult, error) {
	start := time.Now()
	ctx, span := startPerimeterSpan(ctx, kind, p.OptimizedState.ID())
	defer span.End()
	logger := telemetry.LoggerWithTrace(ctx, r.logger).With(slog.String("perimeter", p.OptimizedState.ID()))

	curative := kind == KindCurative
	fn := r.objective(p, costeval.NoExclusions)
	params := r.e.params.SearchTreeParameters(curative)
	params.StopCriterion = stop
	params.TargetObjectiveValue = target

	optimizer := linearopt.NewIteratingOptimizer(r.e.solver, r.e.params.LinearParameters(curative)).WithLogger(logger)
	tree, err := searchtree.New(searchtree.Input{
		Crac:      r.in.Crac,
		Network:   net,
		Oracle:    r.in.Oracle,
		Perimeter: p,
		Objective: fn,
		Optimizer: optimizer,
	}, params)
	if err != nil {
		return nil, PerimeterResult{}, fmt.Errorf("perimeter %s: %w", p.OptimizedState.ID(), err)
	}
	logger.Info("perimeter optimization started",
		slog.String("kind", string(kind)),
		slog.String("stop_criterion", stop.String()),
		slog.Int("network_actions", len(p.NetworkActions)),
		slog.Int("range_actions", len(p.RangeActions)),
	)

	res, err := tree.WithLogger(logger).Run(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, PerimeterResult{}, fmt.Errorf("perimeter %s: %w", p.OptimizedState.ID(), err)
	}
	out := searchResult(kind, p, res)
	logger.Info("perimeter optimization finished",
		slog.String("status", out.Status.String()),
		slog.Float64("cost", out.Cost),
		slog.Any("network_actions", out.ActivatedNetworkActions),
		slog.Any("range_actions", out.ActivatedRangeActions),
	)
	recordPerimeterMetrics(ctx, kind, out.Status, time.Since(start))
	return res, out, nil
}

// applyPreventive returns a clone of the initial network with the
// preventive remedial actions applied. The clone is read-only afterwards.
func (r *run) applyPreventive(res *searchtree.Result) (network.Network, error) {
	net, err := r.in.Network.Clone()
	if err != nil {
		return nil, fmt.Errorf("clone network: %w", err)
	}
	for _, na := range res.NetworkActions {
		if err := na.Apply(net); err != nil {
			_ = net.Release()
			return nil, fmt.Errorf("apply preventive network action %s: %w", na.ID, err)
		}
	}
	if err := network.ApplySetpoints(net, r.in.Crac.RangeActions(), res.RangeActionSetpoints); err != nil {
		_ = net.Release()
		return nil, fmt.Errorf("apply preventive setpoints: %w", err)
	}
	return net, nil
}

// optimizeScenarios runs every contingency scenario on its own clone of
// postPreventive. Outcomes are indexed like scenarios.
func (r *run) optimizeScenarios(ctx context.Context, postPreventive network.Network, scenarios []statetree.ContingencyScenario, preventiveCost float64) ([][]PerimeterResult, error) {
	outcomes := make([][]PerimeterResult, len(scenarios))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.e.params.SearchTree.PerimetersInParallel)
	for i, sc := range scenarios {
		g.Go(func() error {
			out, err := r.optimizeScenario(gctx, postPreventive, sc, preventiveCost)
			if err != nil {
				return fmt.Errorf("contingency %s: %w", sc.ContingencyID, err)
			}
			outcomes[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return outcomes, nil
}

func (r *run) optimizeScenario(ctx context.Context, postPreventive network.Network, sc statetree.ContingencyScenario, preventiveCost float64) ([]PerimeterResult, error) {
	net, err := postPreventive.Clone()
	if err != nil {
		return nil, fmt.Errorf("clone network: %w", err)
	}
	defer func() {
		if err := net.Release(); err != nil {
			r.logger.Warn("release scenario network", slog.String("contingency", sc.ContingencyID), slog.String("error", err.Error()))
		}
	}()

	c := r.in.Crac
	curPerimeter := perimeter.New(c, sc.CurativeState, nil, r.unoptimizedOperators())
	var out []PerimeterResult
	if sc.AutomatonState != nil {
		reference, err := r.postPreventiveFlows(ctx, postPreventive)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			r.logger.Error("post-preventive sensitivity computation failed", slog.String("error", err.Error()))
			autoPerimeter := perimeter.New(c, *sc.AutomatonState, nil, nil)
			return []PerimeterResult{
				failedResult(KindAutomaton, autoPerimeter, r.objective(autoPerimeter, costeval.NoExclusions)),
				failedResult(KindCurative, curPerimeter, r.objective(curPerimeter, costeval.NoExclusions)),
			}, nil
		}
		auto, err := r.simulateAutomaton(ctx, net, *sc.AutomatonState, reference)
		if err != nil {
			return nil, err
		}
		out = append(out, auto)
		if auto.Status == perimeter.StatusFailure {
			return append(out, failedResult(KindCurative, curPerimeter, r.objective(curPerimeter, costeval.NoExclusions))), nil
		}
	}

	stop, target := curativeStop(r.e.params.Objective, preventiveCost)
	_, cur, err := r.search(ctx, KindCurative, net, curPerimeter, stop, target)
	if err != nil {
		return nil, err
	}
	return append(out, cur), nil
}

// postPreventiveFlows computes once the flows of every contingency scenario
// CNEC on the post-preventive network.
func (r *run) postPreventiveFlows(ctx context.Context, postPreventive network.Network) (*network.FlowResult, error) {
	return r.flows.get(postPreventiveKey, func() (*network.FlowResult, error) {
		c := r.in.Crac
		var cnecs []*crac.Cnec
		for _, sc := range r.tree.ContingencyScenarios() {
			for _, s := range sc.States() {
				cnecs = append(cnecs, c.CnecsForState(s)...)
			}
		}
		return r.in.Oracle.Run(ctx, postPreventive, cnecs, c.RangeActions())
	})
}

func (r *run) unoptimizedOperators() []string {
	if r.e.params.Objective.OptimizeOperatorsNotSharingCras {
		return nil
	}
	return r.tree.OperatorsNotSharingCras()
}

func (r *run) objective(p *perimeter.Perimeter, excl costeval.Exclusions) *objective.Function {
	return objective.New(r.e.params.ObjectiveConfig(), r.e.evaluator, p, r.initialFlows, excl)
}

// globalObjective scores every state of the study.
func (r *run) globalObjective(excl costeval.Exclusions) *objective.Function {
	c := r.in.Crac
	return r.objective(perimeter.New(c, crac.PreventiveState(), c.States(), nil), excl)
}

// preventiveStop maps the preventive stop criterion. SECURE targets a
// negative cost.
func preventiveStop(criterion string) (searchtree.StopCriterion, float64) {
	if criterion == config.StopSecure {
		return searchtree.AtTargetObjectiveValue, 0
	}
	return searchtree.MinObjective, 0
}

// curativeStop maps the curative stop criterion. The preventive criteria
// require the curative cost to beat the preventive cost by
// CurativeMinObjImprovement.
func curativeStop(p config.ObjectiveParameters, preventiveCost float64) (searchtree.StopCriterion, float64) {
	switch p.CurativeStopCriterion {
	case config.StopSecure:
		return searchtree.AtTargetObjectiveValue, 0
	case config.StopPreventiveObjective:
		return searchtree.AtTargetObjectiveValue, preventiveCost - p.CurativeMinObjImprovement
	case config.StopPreventiveObjectiveAndSecure:
		return searchtree.AtTargetObjectiveValue, math.Min(preventiveCost-p.CurativeMinObjImprovement, 0)
	default:
		return searchtree.MinObjective, 0
	}
}
