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
	"log/slog"
	"math"
	"sort"

	"github.com/AleutianAI/gridrao/services/rao/crac"
	"github.com/AleutianAI/gridrao/services/rao/linearopt"
)

// Candidate is a combination to try from a leaf.
type Candidate struct {
	Combination

	// RemoveRangeActions restarts the range actions from their
	// pre-perimeter setpoints so the combination fits the usage limits.
	RemoveRangeActions bool
}

// Bloomer generates the children of a leaf.
//
// Thread Safety: immutable after creation, safe for concurrent use.
type Bloomer struct {
	crac           *crac.Crac
	state          crac.State
	networkActions []*crac.NetworkAction
	rangeActions   []*crac.RangeAction
	prePerimeter   map[string]float64
	predefined     [][]string
	limits         linearopt.UsageLimits
	logger         *slog.Logger
}

// NewBloomer creates a bloomer for the network actions of one state.
// Predefined combinations are lists of network action ids.
func NewBloomer(c *crac.Crac, state crac.State, networkActions []*crac.NetworkAction, rangeActions []*crac.RangeAction,
	prePerimeter map[string]float64, predefined [][]string, limits linearopt.UsageLimits) *Bloomer {
	return &Bloomer{
		crac:           c,
		state:          state,
		networkActions: networkActions,
		rangeActions:   rangeActions,
		prePerimeter:   prePerimeter,
		predefined:     predefined,
		limits:         limits,
		logger:         slog.Default(),
	}
}

// WithLogger sets the logger.
func (b *Bloomer) WithLogger(logger *slog.Logger) *Bloomer {
	b.logger = logger
	return b
}

// Bloom returns the combinations worth trying from leaf, sorted in
// deterministic order.
//
// Description:
//
//	Candidates are the predefined combinations whose actions are all
//	available, plus every available network action alone. Network actions
//	are available when their usage rules allow them at the optimized state
//	under the margins of the leaf. Candidates are dropped when they repeat
//	an activated action, when a predefined combination already covers them,
//	or when they would exceed a usage limit. A candidate that only fits
//	after dropping the range actions of the leaf is kept with
//	RemoveRangeActions set.
func (b *Bloomer) Bloom(from *Leaf) []Candidate {
	available := b.available(from)
	byID := make(map[string]*crac.NetworkAction, len(available))
	for _, na := range available {
		byID[na.ID] = na
	}

	var candidates []Candidate
	singles := make(map[string]bool)
	seen := make(map[string]bool)
	for _, ids := range b.predefined {
		actions := make([]*crac.NetworkAction, 0, len(ids))
		for _, id := range ids {
			if na, ok := byID[id]; ok {
				actions = append(actions, na)
			}
		}
		if len(actions) != len(ids) || len(actions) == 0 {
			continue
		}
		comb := NewCombination(actions, true)
		if seen[comb.ID()] {
			continue
		}
		seen[comb.ID()] = true
		if comb.Size() == 1 {
			singles[comb.Actions[0].ID] = true
		}
		candidates = append(candidates, Candidate{Combination: comb})
	}
	for _, na := range available {
		if !singles[na.ID] {
			candidates = append(candidates, Candidate{Combination: NewCombination([]*crac.NetworkAction{na}, false)})
		}
	}

	before := len(candidates)
	candidates = b.removeActivated(candidates, from)
	candidates = b.removeAlreadyTested(candidates, from)
	candidates = b.filterMaxRa(candidates, from)
	candidates = b.filterMaxRaPerTso(candidates, from)
	candidates = b.filterMaxTso(candidates, from)
	candidates = b.filterMaxElementaryActionsPerTso(candidates, from)
	if removed := before - len(candidates); removed > 0 {
		b.logger.Debug("network action combinations filtered out",
			slog.Int("removed", removed),
			slog.Int("kept", len(candidates)),
		)
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].less(candidates[j].Combination) })
	return candidates
}

func (b *Bloomer) available(from *Leaf) []*crac.NetworkAction {
	margins := from.Flows().MarginLookup(b.crac)
	var out []*crac.NetworkAction
	for _, na := range b.networkActions {
		if b.crac.IsAvailable(na, b.state, margins) {
			out = append(out, na)
		}
	}
	return out
}

func (b *Bloomer) removeActivated(in []Candidate, from *Leaf) []Candidate {
	return keep(in, func(c Candidate) bool {
		for _, na := range c.Actions {
			if from.activation.Contains(na.ID) {
				return false
			}
		}
		return true
	})
}

// removeAlreadyTested drops a single action when a predefined combination
// has every other action activated: that combination was tried already.
func (b *Bloomer) removeAlreadyTested(in []Candidate, from *Leaf) []Candidate {
	tested := make(map[string]bool)
	for _, ids := range b.predefined {
		var remaining []string
		for _, id := range ids {
			if !from.activation.Contains(id) {
				remaining = append(remaining, id)
			}
		}
		if len(remaining) == 1 && len(ids) > 1 {
			tested[remaining[0]] = true
		}
	}
	return keep(in, func(c Candidate) bool {
		return c.Size() != 1 || !tested[c.Actions[0].ID]
	})
}

func (b *Bloomer) filterMaxRa(in []Candidate, from *Leaf) []Candidate {
	if b.limits.MaxRa <= 0 {
		return in
	}
	activated := from.activation.Len()
	usedRanges := len(from.ActivatedRangeActions())
	var out []Candidate
	for _, c := range in {
		if c.Size()+activated > b.limits.MaxRa {
			continue
		}
		if activated+usedRanges+c.Size() > b.limits.MaxRa {
			c.RemoveRangeActions = true
		}
		out = append(out, c)
	}
	return out
}

func (b *Bloomer) filterMaxRaPerTso(in []Candidate, from *Leaf) []Candidate {
	if len(b.limits.MaxRaPerTso) == 0 && len(b.limits.MaxTopoPerTso) == 0 {
		return in
	}
	usedRanges := b.usedRangeActionsPerTso(from)
	var out []Candidate
	for _, c := range in {
		kept := true
		for _, tso := range c.Operators() {
			n := c.CountOperator(tso)
			activated := from.activation.CountOperator(tso)
			maxNa := math.MaxInt
			if v, ok := b.limits.MaxRaPerTso[tso]; ok {
				maxNa = min(maxNa, v-activated)
			}
			if v, ok := b.limits.MaxTopoPerTso[tso]; ok {
				maxNa = min(maxNa, v-activated)
			}
			if n > maxNa {
				kept = false
				break
			}
			if v, ok := b.limits.MaxRaPerTso[tso]; ok && activated+usedRanges[tso]+n > v {
				c.RemoveRangeActions = true
			}
		}
		if kept {
			out = append(out, c)
		}
	}
	return out
}

func (b *Bloomer) filterMaxTso(in []Candidate, from *Leaf) []Candidate {
	if b.limits.MaxTso <= 0 {
		return in
	}
	withNetwork := make(map[string]bool)
	for _, na := range from.activation.Actions() {
		if na.Operator != "" {
			withNetwork[na.Operator] = true
		}
	}
	withRanges := make(map[string]bool, len(withNetwork))
	for tso := range withNetwork {
		withRanges[tso] = true
	}
	for tso, n := range b.usedRangeActionsPerTso(from) {
		if n > 0 && tso != "" {
			withRanges[tso] = true
		}
	}
	exceeds := func(c Candidate, already map[string]bool) bool {
		involved := make(map[string]bool, len(already))
		for tso := range already {
			involved[tso] = true
		}
		for _, tso := range c.Operators() {
			involved[tso] = true
		}
		return len(involved) > b.limits.MaxTso
	}
	var out []Candidate
	for _, c := range in {
		if exceeds(c, withNetwork) {
			continue
		}
		if exceeds(c, withRanges) {
			c.RemoveRangeActions = true
		}
		out = append(out, c)
	}
	return out
}

// filterMaxElementaryActionsPerTso counts one elementary action per
// elementary network modification and one per PST tap moved.
func (b *Bloomer) filterMaxElementaryActionsPerTso(in []Candidate, from *Leaf) []Candidate {
	if len(b.limits.MaxElementaryActionsPerTso) == 0 {
		return in
	}
	moved := b.pstTapsMovedPerTso(from)
	var out []Candidate
	for _, c := range in {
		elementary := c.ElementaryActions()
		kept := true
		for _, tso := range c.Operators() {
			limit, ok := b.limits.MaxElementaryActionsPerTso[tso]
			if !ok {
				continue
			}
			if elementary > limit {
				kept = false
				break
			}
			if elementary+moved[tso] > limit {
				c.RemoveRangeActions = true
			}
		}
		if kept {
			out = append(out, c)
		}
	}
	return out
}

func (b *Bloomer) usedRangeActionsPerTso(from *Leaf) map[string]int {
	used := make(map[string]bool)
	for _, id := range from.ActivatedRangeActions() {
		used[id] = true
	}
	out := make(map[string]int)
	for _, ra := range b.rangeActions {
		if used[ra.ID] {
			out[ra.Operator]++
		}
	}
	return out
}

func (b *Bloomer) pstTapsMovedPerTso(from *Leaf) map[string]int {
	out := make(map[string]int)
	for _, ra := range b.rangeActions {
		if !ra.HasTaps() {
			continue
		}
		sp, ok := from.setpoints[ra.ID]
		if !ok {
			continue
		}
		moved := ra.ClosestTap(sp) - ra.ClosestTap(b.prePerimeter[ra.ID])
		if moved < 0 {
			moved = -moved
		}
		out[ra.Operator] += moved
	}
	return out
}

func keep(in []Candidate, pred func(Candidate) bool) []Candidate {
	var out []Candidate
	for _, c := range in {
		if pred(c) {
			out = append(out, c)
		}
	}
	return out
}
