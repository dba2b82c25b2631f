// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package perimeter describes one optimization perimeter: the state whose
// remedial actions are optimized, the states whose CNECs are checked along
// with it, and the outcome status of its optimization.
package perimeter

import (
	"fmt"
	"sort"
	"strings"

	"github.com/AleutianAI/gridrao/services/rao/crac"
)

// Status is the computation status of a perimeter.
type Status int

const (
	// StatusDefault means the perimeter was optimized normally.
	StatusDefault Status = iota

	// StatusFallback means the perimeter was optimized but did not fully
	// converge; the best iterate found is reported.
	StatusFallback

	// StatusFailure means no valid result could be computed.
	StatusFailure
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case StatusDefault:
		return "DEFAULT"
	case StatusFallback:
		return "FALLBACK"
	case StatusFailure:
		return "FAILURE"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Worst returns the most severe of s and other.
func (s Status) Worst(other Status) Status {
	if other > s {
		return other
	}
	return s
}

// Perimeter is a set of states optimized together.
//
// Cnecs holds every CNEC of States, optimized and monitored alike.
// RangeActions and NetworkActions are the remedial actions potentially
// available at OptimizedState.
type Perimeter struct {
	OptimizedState crac.State
	States         []crac.State
	Cnecs          []*crac.Cnec
	RangeActions   []*crac.RangeAction
	NetworkActions []*crac.NetworkAction

	// UnoptimizedOperators are operators whose CNECs do not drive the
	// objective of this perimeter.
	UnoptimizedOperators map[string]bool
}

// New gathers the CNECs and remedial actions of a perimeter from c.
// The optimized state is always part of the perimeter states.
func New(c *crac.Crac, optimized crac.State, others []crac.State, unoptimizedOperators []string) *Perimeter {
	p := &Perimeter{
		OptimizedState:       optimized,
		States:               []crac.State{optimized},
		RangeActions:         c.PotentiallyAvailableRangeActions(optimized),
		NetworkActions:       c.PotentiallyAvailableNetworkActions(optimized),
		UnoptimizedOperators: make(map[string]bool, len(unoptimizedOperators)),
	}
	for _, s := range others {
		if s != optimized {
			p.States = append(p.States, s)
		}
	}
	for _, s := range p.States {
		p.Cnecs = append(p.Cnecs, c.CnecsForState(s)...)
	}
	sort.Slice(p.Cnecs, func(i, j int) bool { return p.Cnecs[i].ID < p.Cnecs[j].ID })
	for _, op := range unoptimizedOperators {
		p.UnoptimizedOperators[op] = true
	}
	return p
}

// IsExcluded reports whether the CNEC belongs to an unoptimized operator.
func (p *Perimeter) IsExcluded(c *crac.Cnec) bool {
	return c.Operator != "" && p.UnoptimizedOperators[c.Operator]
}

// OptimizedCnecs returns the CNECs that drive the objective.
func (p *Perimeter) OptimizedCnecs() []*crac.Cnec {
	var out []*crac.Cnec
	for _, c := range p.Cnecs {
		if c.Optimized && !p.IsExcluded(c) {
			out = append(out, c)
		}
	}
	return out
}

// MonitoredCnecs returns the CNECs that must not degrade too much: pure
// MNECs plus optimized CNECs of unoptimized operators.
func (p *Perimeter) MonitoredCnecs() []*crac.Cnec {
	var out []*crac.Cnec
	for _, c := range p.Cnecs {
		if c.IsPureMnec() || (c.Optimized && p.IsExcluded(c)) {
			out = append(out, c)
		}
	}
	return out
}

// LoopFlowCnecs returns the CNECs with a loop-flow threshold.
func (p *Perimeter) LoopFlowCnecs() []*crac.Cnec {
	var out []*crac.Cnec
	for _, c := range p.Cnecs {
		if c.HasLoopFlowThreshold() {
			out = append(out, c)
		}
	}
	return out
}

// String renders the perimeter for logs.
func (p *Perimeter) String() string {
	ids := make([]string, len(p.States))
	for i, s := range p.States {
		ids[i] = s.ID()
	}
	return fmt.Sprintf("perimeter %s [%s]", p.OptimizedState.ID(), strings.Join(ids, ", "))
}
