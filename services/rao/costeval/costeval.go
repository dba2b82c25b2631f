// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package costeval aggregates per-CNEC costs into a scalar objective.
//
// A per-CNEC cost is typically the opposite of its margin: the larger the
// cost, the more the CNEC is constrained. Evaluators are pure functions over
// their inputs and hold no state, so one instance may be shared by every
// goroutine of a run.
package costeval

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/AleutianAI/gridrao/services/rao/crac"
)

// ErrUnknownKind is returned by New for an unsupported evaluator name.
var ErrUnknownKind = errors.New("unknown cost evaluator")

// Evaluator kinds accepted by New.
const (
	KindMaxOverStates      = "max-over-states"
	KindSumOverStates      = "sum-over-states"
	KindSumOverCnecs       = "sum-over-cnecs"
	KindSumMaxPerTimestamp = "sum-max-per-timestamp"
)

// CnecCost is the cost of one CNEC.
type CnecCost struct {
	Cnec *crac.Cnec
	Cost float64
}

// Exclusions lists what must be ignored by an evaluation. The preventive
// state is never excluded.
type Exclusions struct {
	Contingencies map[string]bool
	Cnecs         map[string]bool
}

// NoExclusions is the zero Exclusions.
var NoExclusions = Exclusions{}

func (e Exclusions) excludesState(s crac.State) bool {
	return s.ContingencyID != "" && e.Contingencies[s.ContingencyID]
}

// Result is the outcome of an evaluation.
type Result struct {
	Cost float64

	// CostlyElements are the non-excluded CNECs ranked worst first, ties
	// broken by id.
	CostlyElements []CnecCost
}

// Top returns at most n costly elements.
func (r Result) Top(n int) []CnecCost {
	if n < 0 || n >= len(r.CostlyElements) {
		return r.CostlyElements
	}
	return r.CostlyElements[:n]
}

// Evaluator turns per-CNEC costs into a scalar cost.
type Evaluator interface {
	Name() string
	Evaluate(costs []CnecCost, excl Exclusions) Result
}

// New returns the evaluator of the given kind.
func New(kind string) (Evaluator, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case KindMaxOverStates, "":
		return MaxOverStates{}, nil
	case KindSumOverStates:
		return SumOverStates{}, nil
	case KindSumOverCnecs:
		return SumOverCnecs{}, nil
	case KindSumMaxPerTimestamp:
		return SumMaxPerTimestamp{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
}

// =============================================================================
// Strategies
// =============================================================================

// MaxOverStates reports the cost of the worst non-excluded state.
type MaxOverStates struct{}

func (MaxOverStates) Name() string { return KindMaxOverStates }

func (MaxOverStates) Evaluate(costs []CnecCost, excl Exclusions) Result {
	kept := filter(costs, excl, false)
	perState := stateCosts(kept)
	if len(perState) == 0 {
		return Result{CostlyElements: rank(kept)}
	}
	worst := math.Inf(-1)
	for _, c := range perState {
		worst = math.Max(worst, c)
	}
	return Result{Cost: worst, CostlyElements: rank(kept)}
}

// SumOverStates sums the cost of every non-excluded state.
type SumOverStates struct{}

func (SumOverStates) Name() string { return KindSumOverStates }

func (SumOverStates) Evaluate(costs []CnecCost, excl Exclusions) Result {
	kept := filter(costs, excl, false)
	var total float64
	for _, s := range sortedStates(stateCosts(kept)) {
		total += s.cost
	}
	return Result{Cost: total, CostlyElements: rank(kept)}
}

// SumOverCnecs sums the cost of every CNEC, honouring CNEC exclusions too.
type SumOverCnecs struct{}

func (SumOverCnecs) Name() string { return KindSumOverCnecs }

func (SumOverCnecs) Evaluate(costs []CnecCost, excl Exclusions) Result {
	kept := rank(filter(costs, excl, true))
	var total float64
	for _, c := range kept {
		total += c.Cost
	}
	return Result{Cost: total, CostlyElements: kept}
}

// SumMaxPerTimestamp takes the worst state of each timestamp and sums
// across timestamps. States without a timestamp form one group.
type SumMaxPerTimestamp struct{}

func (SumMaxPerTimestamp) Name() string { return KindSumMaxPerTimestamp }

func (SumMaxPerTimestamp) Evaluate(costs []CnecCost, excl Exclusions) Result {
	kept := filter(costs, excl, false)
	perTimestamp := make(map[time.Time]float64)
	for _, s := range sortedStates(stateCosts(kept)) {
		ts := s.state.Timestamp.UTC()
		if cur, ok := perTimestamp[ts]; !ok || s.cost > cur {
			perTimestamp[ts] = s.cost
		}
	}
	stamps := make([]time.Time, 0, len(perTimestamp))
	for ts := range perTimestamp {
		stamps = append(stamps, ts)
	}
	sort.Slice(stamps, func(i, j int) bool { return stamps[i].Before(stamps[j]) })
	var total float64
	for _, ts := range stamps {
		total += perTimestamp[ts]
	}
	return Result{Cost: total, CostlyElements: rank(kept)}
}

// =============================================================================
// Helpers
// =============================================================================

func filter(costs []CnecCost, excl Exclusions, byCnec bool) []CnecCost {
	out := make([]CnecCost, 0, len(costs))
	for _, c := range costs {
		if excl.excludesState(c.Cnec.State) {
			continue
		}
		if byCnec && excl.Cnecs[c.Cnec.ID] {
			continue
		}
		out = append(out, c)
	}
	return out
}

// stateCosts returns the cost of each state: the max of its CNEC costs.
func stateCosts(costs []CnecCost) map[crac.State]float64 {
	out := make(map[crac.State]float64)
	for _, c := range costs {
		if cur, ok := out[c.Cnec.State]; !ok || c.Cost > cur {
			out[c.Cnec.State] = c.Cost
		}
	}
	return out
}

type stateCost struct {
	state crac.State
	cost  float64
}

// sortedStates fixes the summation order so results are reproducible.
func sortedStates(m map[crac.State]float64) []stateCost {
	out := make([]stateCost, 0, len(m))
	for s, c := range m {
		out = append(out, stateCost{state: s, cost: c})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].state.ID() < out[j].state.ID() })
	return out
}

func rank(costs []CnecCost) []CnecCost {
	out := make([]CnecCost, len(costs))
	copy(out, costs)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Cost != out[j].Cost {
			return out[i].Cost > out[j].Cost
		}
		return out[i].Cnec.ID < out[j].Cnec.ID
	})
	return out
}
