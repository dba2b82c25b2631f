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
	"strings"
)

// UsageMethod tells whether a remedial action may be used at a state.
type UsageMethod int

const (
	// UsageUndefined means no rule applies to the state.
	UsageUndefined UsageMethod = iota
	UsageAvailable
	UsageForced
	UsageUnavailable
)

// String returns the uppercase name of the usage method.
func (m UsageMethod) String() string {
	switch m {
	case UsageAvailable:
		return "AVAILABLE"
	case UsageForced:
		return "FORCED"
	case UsageUnavailable:
		return "UNAVAILABLE"
	default:
		return "UNDEFINED"
	}
}

// ParseUsageMethod converts a case-insensitive usage method name.
func ParseUsageMethod(s string) (UsageMethod, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "available":
		return UsageAvailable, nil
	case "forced":
		return UsageForced, nil
	case "unavailable":
		return UsageUnavailable, nil
	default:
		return UsageUndefined, fmt.Errorf("unknown usage method %q", s)
	}
}

// combine keeps the strongest method: Unavailable > Forced > Available.
func (m UsageMethod) combine(other UsageMethod) UsageMethod {
	if other > m {
		return other
	}
	return m
}

// MarginLookup returns the current margin of a CNEC, if known.
type MarginLookup func(cnecID string) (float64, bool)

// UsageRule maps a state to a usage method. The set of implementations is
// closed: OnInstant, OnContingencyState and OnConstraint.
type UsageRule interface {
	// RuleInstant is the instant the rule is defined on.
	RuleInstant() Instant

	// method returns the usage method for s, or UsageUndefined when the rule
	// does not concern s. A nil margins lookup treats every constraint
	// condition as fulfilled.
	method(c *Crac, s State, margins MarginLookup) UsageMethod
}

// OnInstant applies to every state of an instant.
type OnInstant struct {
	Instant Instant
	Method  UsageMethod
}

// RuleInstant implements UsageRule.
func (r OnInstant) RuleInstant() Instant { return r.Instant }

func (r OnInstant) method(_ *Crac, s State, _ MarginLookup) UsageMethod {
	if s.Instant != r.Instant {
		return UsageUndefined
	}
	return r.Method
}

// OnContingencyState applies to the state of one contingency at one instant.
type OnContingencyState struct {
	Instant       Instant
	ContingencyID string
	Method        UsageMethod
}

// RuleInstant implements UsageRule.
func (r OnContingencyState) RuleInstant() Instant { return r.Instant }

func (r OnContingencyState) method(_ *Crac, s State, _ MarginLookup) UsageMethod {
	if s.Instant != r.Instant || s.ContingencyID != r.ContingencyID {
		return UsageUndefined
	}
	return r.Method
}

// OnConstraint makes a remedial action available at an instant only while
// the given CNEC is violated. For curative instants the CNEC must belong to
// the same contingency as the state. At the automaton instant a violated CNEC
// forces the action, since automatons trigger on their own.
type OnConstraint struct {
	Instant Instant
	CnecID  string
}

// RuleInstant implements UsageRule.
func (r OnConstraint) RuleInstant() Instant { return r.Instant }

func (r OnConstraint) method(c *Crac, s State, margins MarginLookup) UsageMethod {
	if s.Instant != r.Instant {
		return UsageUndefined
	}
	cnec := c.Cnec(r.CnecID)
	if cnec == nil {
		return UsageUndefined
	}
	if !s.IsPreventive() && cnec.State.ContingencyID != s.ContingencyID {
		return UsageUndefined
	}
	if margins == nil {
		return UsageAvailable
	}
	margin, ok := margins(r.CnecID)
	if !ok || margin >= 0 {
		return UsageUndefined
	}
	if r.Instant == InstantAuto {
		return UsageForced
	}
	return UsageAvailable
}
