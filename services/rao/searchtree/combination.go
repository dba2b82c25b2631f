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
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/AleutianAI/gridrao/services/rao/crac"
)

// =============================================================================
// Activated network actions
// =============================================================================

// Activation is a persistent list of activated network actions. Children
// share the activations of their parent.
//
// The zero value and nil are both the empty list.
type Activation struct {
	action *crac.NetworkAction
	parent *Activation
	size   int
}

// With returns a list holding a's actions plus actions. a is not modified.
func (a *Activation) With(actions ...*crac.NetworkAction) *Activation {
	out := a
	for _, na := range actions {
		out = &Activation{action: na, parent: out, size: out.Len() + 1}
	}
	return out
}

// Len returns the number of activated actions.
func (a *Activation) Len() int {
	if a == nil {
		return 0
	}
	return a.size
}

// Contains reports whether the action with id is activated.
func (a *Activation) Contains(id string) bool {
	for n := a; n != nil && n.action != nil; n = n.parent {
		if n.action.ID == id {
			return true
		}
	}
	return false
}

// Actions returns the activated actions in activation order.
func (a *Activation) Actions() []*crac.NetworkAction {
	out := make([]*crac.NetworkAction, a.Len())
	i := len(out) - 1
	for n := a; n != nil && n.action != nil; n = n.parent {
		out[i] = n.action
		i--
	}
	return out
}

// IDs returns the ids of the activated actions, sorted.
func (a *Activation) IDs() []string {
	actions := a.Actions()
	ids := make([]string, len(actions))
	for i, na := range actions {
		ids[i] = na.ID
	}
	sort.Strings(ids)
	return ids
}

// CountOperator returns the number of activated actions of tso.
func (a *Activation) CountOperator(tso string) int {
	n := 0
	for node := a; node != nil && node.action != nil; node = node.parent {
		if node.action.Operator == tso {
			n++
		}
	}
	return n
}

// =============================================================================
// Network action combinations
// =============================================================================

// Combination is a set of network actions tried together in one leaf.
type Combination struct {
	Actions    []*crac.NetworkAction
	Predefined bool

	id   string
	hash uint64
}

// NewCombination sorts actions by id and computes the combination key.
func NewCombination(actions []*crac.NetworkAction, predefined bool) Combination {
	sorted := append([]*crac.NetworkAction(nil), actions...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })
	ids := make([]string, len(sorted))
	for i, na := range sorted {
		ids[i] = na.ID
	}
	id := strings.Join(ids, " + ")
	return Combination{Actions: sorted, Predefined: predefined, id: id, hash: xxhash.Sum64String(id)}
}

// ID joins the sorted action ids.
func (c Combination) ID() string {
	return c.id
}

// Size returns the number of network actions.
func (c Combination) Size() int {
	return len(c.Actions)
}

// Operators returns the operators of the actions, sorted and deduplicated.
// Empty operators are ignored.
func (c Combination) Operators() []string {
	seen := make(map[string]bool)
	var out []string
	for _, na := range c.Actions {
		if na.Operator != "" && !seen[na.Operator] {
			seen[na.Operator] = true
			out = append(out, na.Operator)
		}
	}
	sort.Strings(out)
	return out
}

// CountOperator returns the number of actions of tso.
func (c Combination) CountOperator(tso string) int {
	n := 0
	for _, na := range c.Actions {
		if na.Operator == tso {
			n++
		}
	}
	return n
}

// ElementaryActions returns the total number of elementary actions.
func (c Combination) ElementaryActions() int {
	n := 0
	for _, na := range c.Actions {
		n += len(na.ElementaryActions)
	}
	return n
}

// less orders combinations deterministically: predefined first, then larger
// first, then by hash of the id, then by id.
func (c Combination) less(other Combination) bool {
	if c.Predefined != other.Predefined {
		return c.Predefined
	}
	if c.Size() != other.Size() {
		return c.Size() > other.Size()
	}
	if c.hash != other.hash {
		return c.hash < other.hash
	}
	return c.id < other.id
}
