// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package statetree partitions the states of a CRAC into one basecase
// scenario and independent contingency scenarios.
//
// A contingency gets its own scenario when a remedial action is usable at
// its automaton or curative state. Every other post-contingency state is
// checked together with the preventive state, whose remedial actions are
// the only ones able to secure it.
package statetree

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/AleutianAI/gridrao/services/rao/crac"
)

var (
	// ErrCurativeStateMissing is returned when a contingency has automaton
	// remedial actions but no curative state.
	ErrCurativeStateMissing = errors.New("curative state missing")

	// ErrScenarioMismatch is returned when a scenario mixes contingencies.
	ErrScenarioMismatch = errors.New("scenario states do not match the contingency")

	// ErrOutageRemedialAction is returned when remedial actions are usable
	// at an outage state.
	ErrOutageRemedialAction = errors.New("outage state has available remedial actions")
)

// BasecaseScenario is the preventive state plus every state without
// remedial actions of its own.
type BasecaseScenario struct {
	BasecaseState crac.State   `json:"basecase_state"`
	OtherStates   []crac.State `json:"other_states,omitempty"`
}

// AllStates returns the basecase state followed by the other states.
func (b BasecaseScenario) AllStates() []crac.State {
	out := make([]crac.State, 0, len(b.OtherStates)+1)
	out = append(out, b.BasecaseState)
	return append(out, b.OtherStates...)
}

// ContingencyScenario holds the states of one contingency optimized
// separately from the basecase.
type ContingencyScenario struct {
	ContingencyID  string      `json:"contingency"`
	AutomatonState *crac.State `json:"automaton_state,omitempty"`
	CurativeState  crac.State  `json:"curative_state"`
}

// NewContingencyScenario validates that every state belongs to the
// contingency.
func NewContingencyScenario(contingencyID string, automaton *crac.State, curative crac.State) (ContingencyScenario, error) {
	if automaton != nil {
		if automaton.ContingencyID != contingencyID || automaton.Instant != crac.InstantAuto {
			return ContingencyScenario{}, fmt.Errorf("%w: automaton state %s in scenario %s", ErrScenarioMismatch, automaton.ID(), contingencyID)
		}
	}
	if curative.ContingencyID != contingencyID || curative.Instant != crac.InstantCurative {
		return ContingencyScenario{}, fmt.Errorf("%w: curative state %s in scenario %s", ErrScenarioMismatch, curative.ID(), contingencyID)
	}
	return ContingencyScenario{
		ContingencyID:  contingencyID,
		AutomatonState: automaton,
		CurativeState:  curative,
	}, nil
}

// States returns the automaton state, if any, then the curative state.
func (s ContingencyScenario) States() []crac.State {
	if s.AutomatonState != nil {
		return []crac.State{*s.AutomatonState, s.CurativeState}
	}
	return []crac.State{s.CurativeState}
}

// StateTree is the read-only decomposition of a CRAC.
type StateTree struct {
	basecase                BasecaseScenario
	scenarios               []ContingencyScenario
	operatorsNotSharingCras []string
}

// Basecase returns the basecase scenario.
func (t *StateTree) Basecase() BasecaseScenario {
	return t.basecase
}

// ContingencyScenarios returns the scenarios in contingency id order.
func (t *StateTree) ContingencyScenarios() []ContingencyScenario {
	return t.scenarios
}

// OperatorsNotSharingCras returns, sorted, the CNEC operators that own no
// curative remedial action in any contingency scenario.
func (t *StateTree) OperatorsNotSharingCras() []string {
	return t.operatorsNotSharingCras
}

// Build decomposes the states of c.
//
// Description:
//
//	Outage states always join the basecase. For each contingency and
//	timestamp, the curative state and an automaton state with remedial
//	actions of its own form a ContingencyScenario when either has a
//	potentially available remedial action; otherwise they join the
//	basecase too.
//
// Outputs:
//   - *StateTree: The decomposition. Every state of c.States() is in exactly
//     one scenario.
//   - error: ErrOutageRemedialAction, ErrCurativeStateMissing or
//     ErrScenarioMismatch.
func Build(c *crac.Crac) (*StateTree, error) {
	t := &StateTree{basecase: BasecaseScenario{BasecaseState: crac.PreventiveState()}}

	for _, s := range c.States() {
		if s.IsPreventive() && s != t.basecase.BasecaseState {
			t.basecase.OtherStates = append(t.basecase.OtherStates, s)
		}
	}

	for _, co := range c.Contingencies() {
		groups := make(map[time.Time][]crac.State)
		var stamps []time.Time
		for _, s := range c.StatesOf(co.ID) {
			if _, ok := groups[s.Timestamp]; !ok {
				stamps = append(stamps, s.Timestamp)
			}
			groups[s.Timestamp] = append(groups[s.Timestamp], s)
		}
		sort.Slice(stamps, func(i, j int) bool { return stamps[i].Before(stamps[j]) })
		for _, ts := range stamps {
			if err := t.addContingencyStates(c, co.ID, groups[ts]); err != nil {
				return nil, err
			}
		}
	}

	t.operatorsNotSharingCras = operatorsNotSharingCras(c, t.scenarios)
	return t, nil
}

func (t *StateTree) addContingencyStates(c *crac.Crac, contingencyID string, states []crac.State) error {
	var automaton, curative *crac.State
	for i := range states {
		s := states[i]
		switch s.Instant {
		case crac.InstantOutage:
			if c.HasPotentiallyAvailableRemedialAction(s) {
				return fmt.Errorf("%w: %s", ErrOutageRemedialAction, s.ID())
			}
			t.basecase.OtherStates = append(t.basecase.OtherStates, s)
		case crac.InstantAuto:
			automaton = &s
		case crac.InstantCurative:
			curative = &s
		}
	}

	autoRA := automaton != nil && c.HasPotentiallyAvailableRemedialAction(*automaton)
	curativeRA := curative != nil && c.HasPotentiallyAvailableRemedialAction(*curative)
	if !autoRA && !curativeRA {
		for _, s := range []*crac.State{automaton, curative} {
			if s != nil {
				t.basecase.OtherStates = append(t.basecase.OtherStates, *s)
			}
		}
		return nil
	}
	if curative == nil {
		return fmt.Errorf("%w: contingency %s", ErrCurativeStateMissing, contingencyID)
	}
	if automaton != nil && !autoRA {
		t.basecase.OtherStates = append(t.basecase.OtherStates, *automaton)
		automaton = nil
	}
	scenario, err := NewContingencyScenario(contingencyID, automaton, *curative)
	if err != nil {
		return err
	}
	t.scenarios = append(t.scenarios, scenario)
	return nil
}

func operatorsNotSharingCras(c *crac.Crac, scenarios []ContingencyScenario) []string {
	withCra := make(map[string]bool)
	for _, sc := range scenarios {
		for _, ra := range c.PotentiallyAvailableRangeActions(sc.CurativeState) {
			withCra[ra.Operator] = true
		}
		for _, na := range c.PotentiallyAvailableNetworkActions(sc.CurativeState) {
			withCra[na.Operator] = true
		}
	}
	seen := make(map[string]bool)
	var out []string
	for _, cnec := range c.Cnecs() {
		op := cnec.Operator
		if op == "" || withCra[op] || seen[op] {
			continue
		}
		seen[op] = true
		out = append(out, op)
	}
	sort.Strings(out)
	return out
}
