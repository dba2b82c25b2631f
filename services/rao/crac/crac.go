// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package crac holds the optimization input: contingencies, monitored
// constraints (CNECs) and remedial actions with their usage rules.
//
// A Crac is assembled once with the Add* methods and is read-only
// afterwards. All lookups are safe for concurrent use once assembly is done.
package crac

import (
	"fmt"
	"sort"
)

// Crac is the Contingency list, Remedial Actions and Constraints container.
type Crac struct {
	ID string

	contingencies   map[string]*Contingency
	contingencyIDs  []string
	cnecs           map[string]*Cnec
	cnecIDs         []string
	networkActions  map[string]*NetworkAction
	networkIDs      []string
	rangeActions    map[string]*RangeAction
	rangeIDs        []string
	states          map[State]struct{}
	cnecsByState    map[State][]*Cnec
	remedialActions []RemedialAction
}

// New creates an empty CRAC.
func New(id string) *Crac {
	return &Crac{
		ID:             id,
		contingencies:  make(map[string]*Contingency),
		cnecs:          make(map[string]*Cnec),
		networkActions: make(map[string]*NetworkAction),
		rangeActions:   make(map[string]*RangeAction),
		states:         map[State]struct{}{PreventiveState(): {}},
		cnecsByState:   make(map[State][]*Cnec),
	}
}

// AddContingency registers a contingency.
func (c *Crac) AddContingency(co *Contingency) error {
	if co == nil || co.ID == "" {
		return fmt.Errorf("%w: contingency without id", ErrUnknownContingency)
	}
	if _, ok := c.contingencies[co.ID]; ok {
		return fmt.Errorf("%w: contingency %s", ErrDuplicateID, co.ID)
	}
	c.contingencies[co.ID] = co
	c.contingencyIDs = insertSorted(c.contingencyIDs, co.ID)
	return nil
}

// AddCnec registers a CNEC. Its contingency must already be known.
func (c *Crac) AddCnec(cnec *Cnec) error {
	if cnec == nil {
		return fmt.Errorf("%w: nil cnec", ErrInvalidCnec)
	}
	if err := cnec.validate(); err != nil {
		return err
	}
	if _, ok := c.cnecs[cnec.ID]; ok {
		return fmt.Errorf("%w: cnec %s", ErrDuplicateID, cnec.ID)
	}
	if err := c.checkState(cnec.State); err != nil {
		return fmt.Errorf("cnec %s: %w", cnec.ID, err)
	}
	if cnec.State.HasTimestamp() {
		cnec.State = cnec.State.WithTimestamp(cnec.State.Timestamp)
	}
	c.cnecs[cnec.ID] = cnec
	c.cnecIDs = insertSorted(c.cnecIDs, cnec.ID)
	c.states[cnec.State] = struct{}{}
	c.cnecsByState[cnec.State] = append(c.cnecsByState[cnec.State], cnec)
	return nil
}

// AddNetworkAction registers a network action and the states its rules name.
func (c *Crac) AddNetworkAction(na *NetworkAction) error {
	if na == nil {
		return fmt.Errorf("%w: nil network action", ErrInvalidNetworkAction)
	}
	if err := na.validate(); err != nil {
		return err
	}
	if c.remedialActionExists(na.ID) {
		return fmt.Errorf("%w: remedial action %s", ErrDuplicateID, na.ID)
	}
	if err := c.registerRules(na.ID, na.UsageRules); err != nil {
		return err
	}
	c.networkActions[na.ID] = na
	c.networkIDs = insertSorted(c.networkIDs, na.ID)
	c.remedialActions = append(c.remedialActions, na)
	return nil
}

// AddRangeAction registers a range action and the states its rules name.
func (c *Crac) AddRangeAction(ra *RangeAction) error {
	if ra == nil {
		return fmt.Errorf("%w: nil range action", ErrInvalidRangeAction)
	}
	if err := ra.prepare(); err != nil {
		return err
	}
	if c.remedialActionExists(ra.ID) {
		return fmt.Errorf("%w: remedial action %s", ErrDuplicateID, ra.ID)
	}
	if err := c.registerRules(ra.ID, ra.UsageRules); err != nil {
		return err
	}
	c.rangeActions[ra.ID] = ra
	c.rangeIDs = insertSorted(c.rangeIDs, ra.ID)
	c.remedialActions = append(c.remedialActions, ra)
	return nil
}

func (c *Crac) remedialActionExists(id string) bool {
	_, na := c.networkActions[id]
	_, ra := c.rangeActions[id]
	return na || ra
}

func (c *Crac) registerRules(raID string, rules []UsageRule) error {
	for _, rule := range rules {
		switch r := rule.(type) {
		case OnContingencyState:
			s, err := NewState(r.Instant, r.ContingencyID)
			if err != nil {
				return fmt.Errorf("remedial action %s: %w", raID, err)
			}
			if err := c.checkState(s); err != nil {
				return fmt.Errorf("remedial action %s: %w", raID, err)
			}
			c.states[s] = struct{}{}
		case OnConstraint:
			if _, ok := c.cnecs[r.CnecID]; !ok {
				return fmt.Errorf("%w: remedial action %s references %s", ErrUnknownCnec, raID, r.CnecID)
			}
		case OnInstant:
			if !r.Instant.IsValid() {
				return fmt.Errorf("%w: remedial action %s", ErrUnknownInstant, raID)
			}
		}
	}
	return nil
}

func (c *Crac) checkState(s State) error {
	if _, err := NewState(s.Instant, s.ContingencyID); err != nil {
		return err
	}
	if s.ContingencyID != "" {
		if _, ok := c.contingencies[s.ContingencyID]; !ok {
			return fmt.Errorf("%w: %s", ErrUnknownContingency, s.ContingencyID)
		}
	}
	return nil
}

// =============================================================================
// Lookups
// =============================================================================

// Contingency returns the contingency with the given id, or nil.
func (c *Crac) Contingency(id string) *Contingency {
	return c.contingencies[id]
}

// Contingencies returns all contingencies sorted by id.
func (c *Crac) Contingencies() []*Contingency {
	out := make([]*Contingency, 0, len(c.contingencyIDs))
	for _, id := range c.contingencyIDs {
		out = append(out, c.contingencies[id])
	}
	return out
}

// Cnec returns the CNEC with the given id, or nil.
func (c *Crac) Cnec(id string) *Cnec {
	return c.cnecs[id]
}

// Cnecs returns all CNECs sorted by id.
func (c *Crac) Cnecs() []*Cnec {
	out := make([]*Cnec, 0, len(c.cnecIDs))
	for _, id := range c.cnecIDs {
		out = append(out, c.cnecs[id])
	}
	return out
}

// CnecsForState returns the CNECs of s sorted by id.
func (c *Crac) CnecsForState(s State) []*Cnec {
	cnecs := append([]*Cnec(nil), c.cnecsByState[s]...)
	sort.Slice(cnecs, func(i, j int) bool { return cnecs[i].ID < cnecs[j].ID })
	return cnecs
}

// NetworkAction returns the network action with the given id, or nil.
func (c *Crac) NetworkAction(id string) *NetworkAction {
	return c.networkActions[id]
}

// NetworkActions returns all network actions sorted by id.
func (c *Crac) NetworkActions() []*NetworkAction {
	out := make([]*NetworkAction, 0, len(c.networkIDs))
	for _, id := range c.networkIDs {
		out = append(out, c.networkActions[id])
	}
	return out
}

// RangeAction returns the range action with the given id, or nil.
func (c *Crac) RangeAction(id string) *RangeAction {
	return c.rangeActions[id]
}

// RangeActions returns all range actions sorted by id.
func (c *Crac) RangeActions() []*RangeAction {
	out := make([]*RangeAction, 0, len(c.rangeIDs))
	for _, id := range c.rangeIDs {
		out = append(out, c.rangeActions[id])
	}
	return out
}

// States returns the preventive state and every state referenced by a CNEC
// or a contingency usage rule, in instant/contingency order.
func (c *Crac) States() []State {
	out := make([]State, 0, len(c.states))
	for s := range c.states {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].less(out[j]) })
	return out
}

// State returns the state of a contingency at an instant, if the CRAC
// defines it. The preventive state is returned for InstantPreventive.
func (c *Crac) State(contingencyID string, instant Instant) (State, bool) {
	if instant == InstantPreventive {
		return PreventiveState(), true
	}
	for s := range c.states {
		if s.Instant == instant && s.ContingencyID == contingencyID {
			return s, true
		}
	}
	return State{}, false
}

// StatesOf returns all states of a contingency sorted by instant.
func (c *Crac) StatesOf(contingencyID string) []State {
	var out []State
	for s := range c.states {
		if s.ContingencyID == contingencyID && contingencyID != "" {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].less(out[j]) })
	return out
}

// Operators returns the distinct operators of CNECs and remedial actions.
func (c *Crac) Operators() []string {
	seen := make(map[string]struct{})
	for _, cnec := range c.cnecs {
		if cnec.Operator != "" {
			seen[cnec.Operator] = struct{}{}
		}
	}
	for _, ra := range c.remedialActions {
		if op := ra.RemedialActionOperator(); op != "" {
			seen[op] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for op := range seen {
		out = append(out, op)
	}
	sort.Strings(out)
	return out
}

// =============================================================================
// Usage rules
// =============================================================================

// UsageMethod returns the usage method of ra at s. Constraint-conditioned
// rules are evaluated against margins; a nil lookup treats them as met.
func (c *Crac) UsageMethod(ra RemedialAction, s State, margins MarginLookup) UsageMethod {
	method := UsageUndefined
	for _, rule := range ra.Rules() {
		method = method.combine(rule.method(c, s, margins))
	}
	return method
}

// IsPotentiallyAvailable reports whether ra could be used at s, assuming
// every constraint condition is fulfilled.
func (c *Crac) IsPotentiallyAvailable(ra RemedialAction, s State) bool {
	m := c.UsageMethod(ra, s, nil)
	return m == UsageAvailable || m == UsageForced
}

// IsAvailable reports whether ra can be used at s given current margins.
func (c *Crac) IsAvailable(ra RemedialAction, s State, margins MarginLookup) bool {
	m := c.UsageMethod(ra, s, margins)
	return m == UsageAvailable || m == UsageForced
}

// IsForced reports whether ra must be applied at s.
func (c *Crac) IsForced(ra RemedialAction, s State, margins MarginLookup) bool {
	return c.UsageMethod(ra, s, margins) == UsageForced
}

// PotentiallyAvailableNetworkActions returns network actions usable at s.
func (c *Crac) PotentiallyAvailableNetworkActions(s State) []*NetworkAction {
	var out []*NetworkAction
	for _, na := range c.NetworkActions() {
		if c.IsPotentiallyAvailable(na, s) {
			out = append(out, na)
		}
	}
	return out
}

// PotentiallyAvailableRangeActions returns range actions usable at s.
func (c *Crac) PotentiallyAvailableRangeActions(s State) []*RangeAction {
	var out []*RangeAction
	for _, ra := range c.RangeActions() {
		if c.IsPotentiallyAvailable(ra, s) {
			out = append(out, ra)
		}
	}
	return out
}

// HasPotentiallyAvailableRemedialAction reports whether any remedial action
// could be used at s.
func (c *Crac) HasPotentiallyAvailableRemedialAction(s State) bool {
	for _, ra := range c.remedialActions {
		if c.IsPotentiallyAvailable(ra, s) {
			return true
		}
	}
	return false
}

func insertSorted(ids []string, id string) []string {
	i := sort.SearchStrings(ids, id)
	ids = append(ids, "")
	copy(ids[i+1:], ids[i:])
	ids[i] = id
	return ids
}
