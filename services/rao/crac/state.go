// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package crac

import (
	"fmt"
	"time"
)

// Contingency is a set of network elements simulated as disconnected.
type Contingency struct {
	ID       string   `json:"id" yaml:"id"`
	Name     string   `json:"name,omitempty" yaml:"name"`
	Elements []string `json:"elements" yaml:"elements"`
}

// State is an (instant, contingency) pair, optionally stamped with the
// timestamp of the snapshot it belongs to in multi-period studies.
//
// State is a comparable value and can be used as a map key. Two states are
// equal when instant, contingency and timestamp are equal.
type State struct {
	Instant       Instant
	ContingencyID string
	Timestamp     time.Time
}

// NewState validates and builds a state. The preventive state carries no
// contingency; every other instant requires one.
func NewState(instant Instant, contingencyID string) (State, error) {
	if !instant.IsValid() {
		return State{}, fmt.Errorf("%w: %s", ErrUnknownInstant, instant)
	}
	if instant == InstantPreventive && contingencyID != "" {
		return State{}, fmt.Errorf("%w: preventive state cannot reference contingency %q", ErrInvalidState, contingencyID)
	}
	if instant != InstantPreventive && contingencyID == "" {
		return State{}, fmt.Errorf("%w: %s state requires a contingency", ErrInvalidState, instant)
	}
	return State{Instant: instant, ContingencyID: contingencyID}, nil
}

// PreventiveState returns the single preventive state.
func PreventiveState() State {
	return State{Instant: InstantPreventive}
}

// WithTimestamp returns a copy of s stamped with ts. The timestamp is kept
// in UTC without its monotonic reading, so one instant gives one state
// whatever offset it was written with.
func (s State) WithTimestamp(ts time.Time) State {
	s.Timestamp = ts.UTC().Round(0)
	return s
}

// IsPreventive reports whether s is the preventive state.
func (s State) IsPreventive() bool {
	return s.Instant == InstantPreventive
}

// HasTimestamp reports whether s belongs to a dated snapshot.
func (s State) HasTimestamp() bool {
	return !s.Timestamp.IsZero()
}

// ID renders a stable identifier such as "co1 - curative" or "preventive".
func (s State) ID() string {
	id := s.Instant.String()
	if s.ContingencyID != "" {
		id = s.ContingencyID + " - " + id
	}
	if s.HasTimestamp() {
		id += " - " + s.Timestamp.UTC().Format(time.RFC3339)
	}
	return id
}

// String implements fmt.Stringer.
func (s State) String() string {
	return s.ID()
}

// less orders states by timestamp, instant, then contingency.
func (s State) less(other State) bool {
	if !s.Timestamp.Equal(other.Timestamp) {
		return s.Timestamp.Before(other.Timestamp)
	}
	if s.Instant != other.Instant {
		return s.Instant < other.Instant
	}
	return s.ContingencyID < other.ContingencyID
}
