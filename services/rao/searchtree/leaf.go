// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package searchtree

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/AleutianAI/gridrao/services/rao/linearopt"
	"github.com/AleutianAI/gridrao/services/rao/network"
	"github.com/AleutianAI/gridrao/services/rao/objective"
)

// LeafStatus is the evaluation stage of a leaf.
type LeafStatus int

const (
	LeafCreated LeafStatus = iota
	LeafEvaluated
	LeafOptimized
	LeafError
	LeafInfeasible
)

// String returns the uppercase name of the status.
func (s LeafStatus) String() string {
	switch s {
	case LeafCreated:
		return "CREATED"
	case LeafEvaluated:
		return "EVALUATED"
	case LeafOptimized:
		return "OPTIMIZED"
	case LeafError:
		return "ERROR"
	case LeafInfeasible:
		return "INFEASIBLE"
	default:
		return fmt.Sprintf("LeafStatus(%d)", int(s))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s LeafStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Leaf is one set of activated network actions and its optimized range
// actions. A leaf is written by a single goroutine during its generation
// and read only after the generation barrier.
type Leaf struct {
	activation         *Activation
	combination        *Combination
	removeRangeActions bool

	status         LeafStatus
	startSetpoints map[string]float64
	prePerimeter   map[string]float64
	setpoints      map[string]float64
	flows          *network.FlowResult
	objective      objective.Result
	evaluated      objective.Result
	linear         linearopt.Status
	err            error
}

func newRoot(prePerimeter map[string]float64) *Leaf {
	return &Leaf{
		startSetpoints: prePerimeter,
		prePerimeter:   prePerimeter,
		setpoints:      prePerimeter,
	}
}

// child creates the leaf applying c on top of parent.
func (l *Leaf) child(c Candidate) *Leaf {
	start := l.setpoints
	if c.RemoveRangeActions {
		start = l.prePerimeter
	}
	comb := c.Combination
	return &Leaf{
		activation:         l.activation.With(c.Actions...),
		combination:        &comb,
		removeRangeActions: c.RemoveRangeActions,
		startSetpoints:     start,
		prePerimeter:       l.prePerimeter,
		setpoints:          start,
	}
}

// IsRoot reports whether the leaf activates no network action.
func (l *Leaf) IsRoot() bool {
	return l.combination == nil
}

// Status returns the evaluation stage.
func (l *Leaf) Status() LeafStatus {
	return l.status
}

// Err returns the reason of an ERROR status.
func (l *Leaf) Err() error {
	return l.err
}

// Activation returns the activated network actions.
func (l *Leaf) Activation() *Activation {
	return l.activation
}

// Flows returns the latest flows of the leaf.
func (l *Leaf) Flows() *network.FlowResult {
	return l.flows
}

// Objective returns the latest cost breakdown.
func (l *Leaf) Objective() objective.Result {
	return l.objective
}

// Cost returns the total cost. Leaves without flows cost +Inf.
func (l *Leaf) Cost() float64 {
	if !l.usable() {
		return math.Inf(1)
	}
	return l.objective.Cost()
}

// Setpoints returns the range action setpoints of the leaf.
func (l *Leaf) Setpoints() map[string]float64 {
	return l.setpoints
}

// LinearStatus returns the status of the range action optimization.
func (l *Leaf) LinearStatus() linearopt.Status {
	return l.linear
}

// ActivatedRangeActions returns the ids of the range actions moved away from
// their pre-perimeter setpoints, sorted.
func (l *Leaf) ActivatedRangeActions() []string {
	var out []string
	for id, sp := range l.setpoints {
		if math.Abs(sp-l.prePerimeter[id]) > 1e-6 {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func (l *Leaf) usable() bool {
	return l.status == LeafEvaluated || l.status == LeafOptimized
}

func (l *Leaf) fail(status LeafStatus, err error) {
	l.status = status
	l.err = err
}

// String describes the leaf for logs.
func (l *Leaf) String() string {
	var b strings.Builder
	if l.IsRoot() {
		b.WriteString("root leaf")
	} else {
		fmt.Fprintf(&b, "network actions [%s]", strings.Join(l.activation.IDs(), ", "))
	}
	if l.removeRangeActions {
		b.WriteString(" without range actions")
	}
	if l.usable() {
		fmt.Fprintf(&b, ", cost %.2f (functional %.2f, virtual %.2f)",
			l.objective.Cost(), l.objective.FunctionalCost, l.objective.VirtualCost())
	} else {
		fmt.Fprintf(&b, ", %s", l.status)
	}
	return b.String()
}
