// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package searchtree explores combinations of network actions for one
// perimeter. Each leaf of the tree activates a set of network actions and
// optimizes the range actions on top of them.
//
// Leaves of one generation are evaluated concurrently on network clones
// handed out by a netpool.Pool. The best leaf is selected after every leaf
// of the generation is done, in a fixed order, so the result does not depend
// on the pool size or on completion order.
package searchtree

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/gridrao/services/rao/crac"
	"github.com/AleutianAI/gridrao/services/rao/linearopt"
	"github.com/AleutianAI/gridrao/services/rao/netpool"
	"github.com/AleutianAI/gridrao/services/rao/network"
	"github.com/AleutianAI/gridrao/services/rao/objective"
	"github.com/AleutianAI/gridrao/services/rao/perimeter"
)

var (
	// ErrNilContext is returned when a nil context is passed.
	ErrNilContext = errors.New("context must not be nil")

	// ErrInvalidInput is returned when a required input is missing.
	ErrInvalidInput = errors.New("invalid search tree input")
)

// virtualCostTolerance is the virtual cost below which a leaf counts as
// free of virtual costs.
const virtualCostTolerance = 1e-6

// =============================================================================
// Parameters
// =============================================================================

// StopCriterion decides when the search may stop before its depth bound.
type StopCriterion int

const (
	// MinObjective searches until no leaf improves the cost.
	MinObjective StopCriterion = iota

	// AtTargetObjectiveValue stops once the cost is below the target.
	AtTargetObjectiveValue
)

// String returns the uppercase name of the criterion.
func (s StopCriterion) String() string {
	switch s {
	case MinObjective:
		return "MIN_OBJECTIVE"
	case AtTargetObjectiveValue:
		return "AT_TARGET_OBJECTIVE_VALUE"
	default:
		return fmt.Sprintf("StopCriterion(%d)", int(s))
	}
}

// ParseStopCriterion parses the uppercase name of a criterion.
func ParseStopCriterion(s string) (StopCriterion, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "MIN_OBJECTIVE":
		return MinObjective, nil
	case "AT_TARGET_OBJECTIVE_VALUE":
		return AtTargetObjectiveValue, nil
	default:
		return 0, fmt.Errorf("unknown stop criterion %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s StopCriterion) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *StopCriterion) UnmarshalText(text []byte) error {
	parsed, err := ParseStopCriterion(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Parameters configure one search.
type Parameters struct {
	StopCriterion        StopCriterion
	TargetObjectiveValue float64

	// MaximumSearchDepth bounds the number of generations.
	MaximumSearchDepth int

	// LeavesInParallel bounds the number of network clones alive at once.
	LeavesInParallel int

	// A leaf must beat its parent by both thresholds to be kept.
	RelativeMinImpactThreshold float64
	AbsoluteMinImpactThreshold float64

	Limits                 linearopt.UsageLimits
	PredefinedCombinations [][]string

	// GenerationTimeout bounds the wait on one generation. Reaching it
	// aborts the search.
	GenerationTimeout time.Duration
}

// DefaultParameters returns the parameters used when none are configured.
func DefaultParameters() Parameters {
	return Parameters{
		StopCriterion:      MinObjective,
		MaximumSearchDepth: math.MaxInt,
		LeavesInParallel:   1,
		GenerationTimeout:  24 * time.Hour,
	}
}

// =============================================================================
// Input and result
// =============================================================================

// Input is one perimeter to search.
type Input struct {
	Crac *crac.Crac

	// Network is the master network of the perimeter. Leaves work on clones
	// and the master is never mutated.
	Network network.Network
	Oracle  network.Oracle

	Perimeter *perimeter.Perimeter
	Objective *objective.Function
	Optimizer *linearopt.IteratingOptimizer

	// PrePerimeterSetpoints default to the setpoints of Network.
	PrePerimeterSetpoints map[string]float64
}

// Result is the best leaf of a search.
type Result struct {
	Status perimeter.Status `json:"status"`

	ActivatedNetworkActions []string              `json:"activated_network_actions"`
	NetworkActions          []*crac.NetworkAction `json:"-"`
	RangeActionSetpoints    map[string]float64    `json:"range_action_setpoints"`
	ActivatedRangeActions   []string              `json:"activated_range_actions"`

	Flows            *network.FlowResult `json:"-"`
	Objective        objective.Result    `json:"objective"`
	InitialObjective objective.Result    `json:"initial_objective"`
	LinearStatus     linearopt.Status    `json:"linear_status"`

	Depth           int `json:"depth"`
	LeavesEvaluated int `json:"leaves_evaluated"`
}

// Cost returns the total cost of the best leaf.
func (r *Result) Cost() float64 {
	return r.Objective.Cost()
}

// =============================================================================
// Search tree
// =============================================================================

// SearchTree searches the network actions of one perimeter.
//
// Thread Safety: Run must not be called concurrently on the same tree.
type SearchTree struct {
	in            Input
	params        Parameters
	bloomer       *Bloomer
	purelyVirtual bool
	logger        *slog.Logger

	// rangeActions are the perimeter range actions available under the
	// pre-perimeter flows. Set by the root evaluation, read-only after.
	rangeActions []*crac.RangeAction
}

// New creates a search tree.
//
// Outputs:
//   - *SearchTree: The tree. Never nil when err is nil.
//   - error: ErrInvalidInput wrapping the missing field.
func New(in Input, params Parameters) (*SearchTree, error) {
	switch {
	case in.Crac == nil:
		return nil, fmt.Errorf("%w: crac is nil", ErrInvalidInput)
	case in.Network == nil:
		return nil, fmt.Errorf("%w: network is nil", ErrInvalidInput)
	case in.Oracle == nil:
		return nil, fmt.Errorf("%w: oracle is nil", ErrInvalidInput)
	case in.Perimeter == nil:
		return nil, fmt.Errorf("%w: perimeter is nil", ErrInvalidInput)
	case in.Objective == nil:
		return nil, fmt.Errorf("%w: objective is nil", ErrInvalidInput)
	case in.Optimizer == nil:
		return nil, fmt.Errorf("%w: optimizer is nil", ErrInvalidInput)
	}
	if in.PrePerimeterSetpoints == nil {
		pre, err := network.CurrentSetpoints(in.Network, in.Perimeter.RangeActions)
		if err != nil {
			return nil, fmt.Errorf("read pre-perimeter setpoints: %w", err)
		}
		in.PrePerimeterSetpoints = pre
	}
	if params.MaximumSearchDepth < 0 {
		params.MaximumSearchDepth = 0
	}
	if params.LeavesInParallel < 1 {
		params.LeavesInParallel = 1
	}
	if params.GenerationTimeout <= 0 {
		params.GenerationTimeout = DefaultParameters().GenerationTimeout
	}

	p := in.Perimeter
	t := &SearchTree{
		in:            in,
		params:        params,
		bloomer:       NewBloomer(in.Crac, p.OptimizedState, p.NetworkActions, p.RangeActions, in.PrePerimeterSetpoints, params.PredefinedCombinations, params.Limits),
		purelyVirtual: len(p.OptimizedCnecs()) == 0,
		logger:        slog.Default(),
		rangeActions:  p.RangeActions,
	}
	return t, nil
}

// WithLogger sets the logger of the tree and of its bloomer.
func (t *SearchTree) WithLogger(logger *slog.Logger) *SearchTree {
	t.logger = logger
	t.bloomer.WithLogger(logger)
	return t
}

// Run searches the perimeter.
//
// Description:
//
//	The root leaf evaluates the master network and optimizes its range
//	actions. Each generation then blooms the best leaf so far, evaluates
//	the children concurrently, and keeps the first child reaching the stop
//	criterion, or else the cheapest child beating its parent by the
//	minimum impact thresholds. The search ends at the depth bound, when no
//	child improves, or when the stop criterion is reached.
//
// Outputs:
//   - *Result: The best leaf. Status is perimeter.StatusFailure when the
//     root could not be evaluated or optimized.
//   - error: ctx cancellation or netpool.ErrGenerationTimeout.
func (t *SearchTree) Run(ctx context.Context) (*Result, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	poolSize := max(1, min(len(t.in.Perimeter.NetworkActions), t.params.LeavesInParallel))
	pool, err := netpool.New(t.in.Network, poolSize)
	if err != nil {
		return nil, fmt.Errorf("create network pool: %w", err)
	}
	pool.WithLogger(t.logger)
	closeCtx, cancelClose := context.WithCancel(context.Background())
	defer cancelClose()
	defer func() {
		if err := pool.Close(closeCtx); err != nil {
			t.logger.Warn("close network pool", slog.String("error", err.Error()))
		}
	}()

	root := newRoot(t.in.PrePerimeterSetpoints)
	if err := t.evaluateRoot(ctx, pool, root); err != nil {
		return nil, t.fatal(err, cancelClose)
	}
	if !root.usable() {
		t.logger.Error("root leaf failed",
			slog.String("status", root.status.String()),
			slog.Any("error", root.err),
		)
		return t.failure(root), nil
	}
	t.logger.Info("root leaf evaluated",
		slog.String("leaf", root.String()),
	)

	optimal := root
	depth := 0
	evaluated := 1
	for depth < t.params.MaximumSearchDepth && !t.stopReached(optimal.objective) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		next, n, err := t.generation(ctx, pool, optimal, depth+1)
		if err != nil {
			return nil, t.fatal(err, cancelClose)
		}
		evaluated += n
		if next == nil {
			t.logger.Info("no leaf improves the optimal leaf", slog.Int("depth", depth+1))
			break
		}
		optimal = next
		depth++
		t.logger.Info("optimal leaf updated",
			slog.Int("depth", depth),
			slog.String("leaf", optimal.String()),
		)
	}

	return t.result(root, optimal, depth, evaluated), nil
}

// fatal aborts the pool close wait when clones may still be in flight.
func (t *SearchTree) fatal(err error, cancelClose context.CancelFunc) error {
	if errors.Is(err, netpool.ErrGenerationTimeout) {
		cancelClose()
	}
	return err
}

func (t *SearchTree) evaluateRoot(ctx context.Context, pool *netpool.Pool, root *Leaf) error {
	ctx, span := startGenerationSpan(ctx, 0, 1)
	defer span.End()
	start := time.Now()
	errs, err := pool.RunGeneration(ctx, 1, t.params.GenerationTimeout, func(ctx context.Context, _ int, net network.Network) error {
		return t.evaluate(ctx, root, net, func() bool { return false })
	})
	if err != nil {
		return err
	}
	if errs[0] != nil {
		return errs[0]
	}
	recordGenerationMetrics(ctx, 0, time.Since(start), 1)
	return nil
}

// generation evaluates the children of parent and returns the selected one,
// or nil when none improves on parent.
func (t *SearchTree) generation(ctx context.Context, pool *netpool.Pool, parent *Leaf, depth int) (*Leaf, int, error) {
	candidates := t.bloomer.Bloom(parent)
	if len(candidates) == 0 {
		t.logger.Debug("no combination left to try", slog.Int("depth", depth))
		return nil, 0, nil
	}

	ctx, span := startGenerationSpan(ctx, depth, len(candidates))
	defer span.End()
	start := time.Now()

	leaves := make([]*Leaf, len(candidates))
	for i, c := range candidates {
		leaves[i] = parent.child(c)
	}
	prevCost := parent.Cost()

	// stopIndex is the lowest index of a leaf reaching the stop criterion.
	// Leaves after it skip their optimization.
	var stopIndex atomic.Int64
	stopIndex.Store(math.MaxInt64)
	after := func(i int) bool { return int64(i) > stopIndex.Load() }

	errs, err := pool.RunGeneration(ctx, len(leaves), t.params.GenerationTimeout, func(ctx context.Context, i int, net network.Network) error {
		if after(i) {
			return nil
		}
		leaf := leaves[i]
		if err := t.evaluate(ctx, leaf, net, func() bool { return after(i) }); err != nil {
			return err
		}
		if leaf.usable() && t.stopReached(leaf.objective) && t.improvedEnough(prevCost, leaf.objective) {
			lowerTo(&stopIndex, int64(i))
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}

	evaluated := 0
	for i, leaf := range leaves {
		if errs[i] != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, 0, ctxErr
			}
			leaf.fail(LeafError, errs[i])
		}
		if leaf.status == LeafCreated {
			continue
		}
		evaluated++
		if leaf.status == LeafError || leaf.status == LeafInfeasible {
			t.logger.Warn("leaf failed",
				slog.String("leaf", leaf.String()),
				slog.Any("error", leaf.err),
			)
			continue
		}
		t.logger.Debug("leaf evaluated", slog.Int("depth", depth), slog.String("leaf", leaf.String()))
	}
	recordGenerationMetrics(ctx, depth, time.Since(start), evaluated)

	return t.selectLeaf(leaves, prevCost), evaluated, nil
}

// selectLeaf returns the first leaf reaching the stop criterion, else the
// cheapest leaf, among the leaves improving enough on prevCost. Ties go to
// the earlier leaf.
func (t *SearchTree) selectLeaf(leaves []*Leaf, prevCost float64) *Leaf {
	var best *Leaf
	for _, leaf := range leaves {
		if !leaf.usable() || !t.improvedEnough(prevCost, leaf.objective) {
			continue
		}
		if t.stopReached(leaf.objective) {
			return leaf
		}
		if best == nil || leaf.Cost() < best.Cost() {
			best = leaf
		}
	}
	return best
}

// evaluate computes the flows of leaf on net, then optimizes its range
// actions unless skip reports true. Leaf failures are recorded on the leaf;
// the returned error is reserved for context cancellation.
func (t *SearchTree) evaluate(ctx context.Context, leaf *Leaf, net network.Network, skip func() bool) error {
	p := t.in.Perimeter
	for _, na := range leaf.activation.Actions() {
		if err := na.Apply(net); err != nil {
			leaf.fail(LeafError, err)
			return nil
		}
	}
	if err := network.ApplySetpoints(net, p.RangeActions, leaf.startSetpoints); err != nil {
		leaf.fail(LeafError, err)
		return nil
	}

	flows, err := t.in.Oracle.Run(ctx, net, p.Cnecs, p.RangeActions)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		leaf.objective = t.in.Objective.SensitivityFailure()
		leaf.fail(LeafError, err)
		return nil
	}
	leaf.flows = flows
	leaf.objective = t.in.Objective.Evaluate(flows)
	leaf.evaluated = leaf.objective
	leaf.status = LeafEvaluated
	if leaf.IsRoot() {
		t.restrictRangeActions(flows)
	}

	if len(t.rangeActions) == 0 || t.stopReached(leaf.objective) || skip() {
		return nil
	}

	res, err := t.in.Optimizer.Optimize(ctx, linearopt.Input{
		Network:                 net,
		Oracle:                  t.in.Oracle,
		Objective:               t.in.Objective,
		RangeActions:            t.rangeActions,
		PrePerimeterSetpoints:   leaf.prePerimeter,
		InitialFlows:            flows,
		ActivatedNetworkActions: leaf.activation.Actions(),
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		leaf.fail(LeafError, err)
		return nil
	}
	leaf.linear = res.Status
	switch {
	case res.Status.IsFailure():
		leaf.fail(LeafInfeasible, fmt.Errorf("range action optimization %s", res.Status))
		return nil
	case res.Status == linearopt.StatusSensitivityFailed && !leaf.IsRoot():
		leaf.fail(LeafError, fmt.Errorf("range action optimization %s", res.Status))
		return nil
	}
	leaf.setpoints = mergeSetpoints(leaf.startSetpoints, res.Setpoints)
	leaf.flows = res.Flows
	leaf.objective = res.Objective
	leaf.status = LeafOptimized
	return nil
}

// restrictRangeActions keeps the range actions whose usage rules allow them
// under the root flows, which are the pre-perimeter flows of the perimeter.
func (t *SearchTree) restrictRangeActions(flows *network.FlowResult) {
	p := t.in.Perimeter
	margins := flows.MarginLookup(t.in.Crac)
	kept := make([]*crac.RangeAction, 0, len(p.RangeActions))
	for _, ra := range p.RangeActions {
		if t.in.Crac.IsAvailable(ra, p.OptimizedState, margins) {
			kept = append(kept, ra)
			continue
		}
		t.logger.Debug("range action unavailable", slog.String("range_action", ra.ID))
	}
	t.rangeActions = kept
}

// mergeSetpoints overlays optimized on start. Range actions left out of the
// optimization keep their start setpoint.
func mergeSetpoints(start, optimized map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(start)+len(optimized))
	for id, sp := range start {
		out[id] = sp
	}
	for id, sp := range optimized {
		out[id] = sp
	}
	return out
}

// stopReached reports whether r satisfies the stop criterion.
func (t *SearchTree) stopReached(r objective.Result) bool {
	if r.VirtualCost() > virtualCostTolerance {
		return false
	}
	if t.purelyVirtual {
		return true
	}
	switch t.params.StopCriterion {
	case AtTargetObjectiveValue:
		return r.Cost() < t.params.TargetObjectiveValue
	default:
		return false
	}
}

// improvedEnough reports whether r beats prevCost by the minimum impact
// thresholds, or reaches the stop criterion while beating it at all.
func (t *SearchTree) improvedEnough(prevCost float64, r objective.Result) bool {
	cost := r.Cost()
	if t.stopReached(r) && cost < prevCost {
		return true
	}
	rel := t.params.RelativeMinImpactThreshold
	abs := t.params.AbsoluteMinImpactThreshold
	return prevCost-abs > cost && (1-sign(prevCost)*rel)*prevCost > cost
}

func (t *SearchTree) result(root, optimal *Leaf, depth, evaluated int) *Result {
	status := perimeter.StatusDefault
	if optimal.linear.IsFallback() {
		status = perimeter.StatusFallback
	}
	return &Result{
		Status:                  status,
		ActivatedNetworkActions: optimal.activation.IDs(),
		NetworkActions:          optimal.activation.Actions(),
		RangeActionSetpoints:    optimal.setpoints,
		ActivatedRangeActions:   optimal.ActivatedRangeActions(),
		Flows:                   optimal.flows,
		Objective:               optimal.objective,
		InitialObjective:        root.evaluated,
		LinearStatus:            optimal.linear,
		Depth:                   depth,
		LeavesEvaluated:         evaluated,
	}
}

func (t *SearchTree) failure(root *Leaf) *Result {
	obj := root.objective
	if root.flows == nil {
		obj = t.in.Objective.SensitivityFailure()
	}
	return &Result{
		Status:                  perimeter.StatusFailure,
		ActivatedNetworkActions: []string{},
		RangeActionSetpoints:    t.in.PrePerimeterSetpoints,
		Flows:                   root.flows,
		Objective:               obj,
		InitialObjective:        obj,
		LinearStatus:            root.linear,
		LeavesEvaluated:         1,
	}
}

// lowerTo sets v to x when x is lower.
func lowerTo(v *atomic.Int64, x int64) {
	for {
		cur := v.Load()
		if x >= cur || v.CompareAndSwap(cur, x) {
			return
		}
	}
}

func sign(x float64) float64 {
	switch {
	case x > 0:
		return 1
	case x < 0:
		return -1
	default:
		return 0
	}
}
