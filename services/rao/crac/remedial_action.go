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
	"math"
	"sort"
	"strings"

	"gonum.org/v1/gonum/floats"
)

// Target is the part of a network adapter that remedial actions act on.
type Target interface {
	ApplyElementaryAction(action ElementaryAction) error
	SetRangeActionSetpoint(ra *RangeAction, setpoint float64) error
}

// RemedialAction is either a *NetworkAction or a *RangeAction.
//
// The set of implementations is closed; use a type switch to dispatch.
type RemedialAction interface {
	RemedialActionID() string
	RemedialActionOperator() string
	Rules() []UsageRule
	isRemedialAction()
}

// =============================================================================
// Network actions
// =============================================================================

// ElementaryKind is the kind of a single network modification.
type ElementaryKind int

const (
	ElementaryTopology ElementaryKind = iota
	ElementaryPstSetpoint
	ElementaryHvdcSetpoint
	ElementaryInjectionSetpoint
)

// String returns the lowercase name of the kind.
func (k ElementaryKind) String() string {
	switch k {
	case ElementaryTopology:
		return "topology"
	case ElementaryPstSetpoint:
		return "pst-setpoint"
	case ElementaryHvdcSetpoint:
		return "hvdc-setpoint"
	case ElementaryInjectionSetpoint:
		return "injection-setpoint"
	default:
		return fmt.Sprintf("elementary(%d)", int(k))
	}
}

// ParseElementaryKind converts a case-insensitive kind name.
func ParseElementaryKind(s string) (ElementaryKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "topology", "switch":
		return ElementaryTopology, nil
	case "pst-setpoint", "pst":
		return ElementaryPstSetpoint, nil
	case "hvdc-setpoint", "hvdc":
		return ElementaryHvdcSetpoint, nil
	case "injection-setpoint", "injection":
		return ElementaryInjectionSetpoint, nil
	default:
		return 0, fmt.Errorf("%w: unknown elementary action kind %q", ErrInvalidNetworkAction, s)
	}
}

// ElementaryAction is one modification of one network element. Open is
// meaningful for topology actions, Setpoint for the others.
type ElementaryAction struct {
	Kind           ElementaryKind
	NetworkElement string
	Open           bool
	Setpoint       float64
}

// NetworkAction bundles elementary actions applied together, all or nothing.
type NetworkAction struct {
	ID                string
	Name              string
	Operator          string
	ElementaryActions []ElementaryAction
	UsageRules        []UsageRule
}

func (na *NetworkAction) RemedialActionID() string       { return na.ID }
func (na *NetworkAction) RemedialActionOperator() string { return na.Operator }
func (na *NetworkAction) Rules() []UsageRule             { return na.UsageRules }
func (na *NetworkAction) isRemedialAction()              {}

// Apply applies every elementary action to t, stopping at the first error.
func (na *NetworkAction) Apply(t Target) error {
	for _, ea := range na.ElementaryActions {
		if err := t.ApplyElementaryAction(ea); err != nil {
			return fmt.Errorf("apply %s on %s: %w", na.ID, ea.NetworkElement, err)
		}
	}
	return nil
}

// IsTopological reports whether every elementary action is a switch.
func (na *NetworkAction) IsTopological() bool {
	for _, ea := range na.ElementaryActions {
		if ea.Kind != ElementaryTopology {
			return false
		}
	}
	return len(na.ElementaryActions) > 0
}

func (na *NetworkAction) validate() error {
	if na.ID == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidNetworkAction)
	}
	if len(na.ElementaryActions) == 0 {
		return fmt.Errorf("%w: %s has no elementary action", ErrInvalidNetworkAction, na.ID)
	}
	return nil
}

// =============================================================================
// Range actions
// =============================================================================

// RangeKind distinguishes the continuous remedial action families.
type RangeKind int

const (
	RangePst RangeKind = iota
	RangeHvdc
	RangeInjection
)

// String returns the lowercase name of the kind.
func (k RangeKind) String() string {
	switch k {
	case RangePst:
		return "pst"
	case RangeHvdc:
		return "hvdc"
	case RangeInjection:
		return "injection"
	default:
		return fmt.Sprintf("range(%d)", int(k))
	}
}

// ParseRangeKind converts a case-insensitive kind name.
func ParseRangeKind(s string) (RangeKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "pst":
		return RangePst, nil
	case "hvdc":
		return RangeHvdc, nil
	case "injection":
		return RangeInjection, nil
	default:
		return 0, fmt.Errorf("%w: unknown range action kind %q", ErrInvalidRangeAction, s)
	}
}

// RangeAction is a continuous remedial action with a bounded setpoint.
//
// PST setpoints are angles in degrees. TapToAngle lists the angle of every
// tap; when set, Min and Max default to the table's extreme angles.
// HVDC and injection setpoints are in MW.
type RangeAction struct {
	ID              string
	Name            string
	Operator        string
	Kind            RangeKind
	NetworkElements []string
	Min             float64
	Max             float64
	InitialSetpoint float64

	// MaxVariation bounds the distance to the pre-perimeter setpoint.
	// Zero means unbounded.
	MaxVariation float64

	// GroupID ties aligned PSTs that must move together.
	GroupID string

	// ActivationCost is added to the variation penalty of the range action,
	// per unit of setpoint moved away from the pre-perimeter value.
	ActivationCost float64

	TapToAngle map[int]float64
	UsageRules []UsageRule

	taps   []int
	angles []float64
}

func (ra *RangeAction) RemedialActionID() string       { return ra.ID }
func (ra *RangeAction) RemedialActionOperator() string { return ra.Operator }
func (ra *RangeAction) Rules() []UsageRule             { return ra.UsageRules }
func (ra *RangeAction) isRemedialAction()              {}

// Apply sets the setpoint on t after checking the range.
func (ra *RangeAction) Apply(t Target, setpoint float64) error {
	if setpoint < ra.Min-1e-6 || setpoint > ra.Max+1e-6 {
		return fmt.Errorf("%w: %s setpoint %.4f outside [%.4f, %.4f]",
			ErrInvalidRangeAction, ra.ID, setpoint, ra.Min, ra.Max)
	}
	return t.SetRangeActionSetpoint(ra, setpoint)
}

// Bounds returns the admissible interval around a reference setpoint,
// combining the absolute range with MaxVariation.
func (ra *RangeAction) Bounds(reference float64) (lo, hi float64) {
	lo, hi = ra.Min, ra.Max
	if ra.MaxVariation > 0 {
		lo = math.Max(lo, reference-ra.MaxVariation)
		hi = math.Min(hi, reference+ra.MaxVariation)
	}
	return lo, hi
}

// HasTaps reports whether the action is a PST with a tap table.
func (ra *RangeAction) HasTaps() bool {
	return ra.Kind == RangePst && len(ra.taps) > 0
}

// TapToAngleValue converts a tap position to its angle.
func (ra *RangeAction) TapToAngleValue(tap int) (float64, error) {
	angle, ok := ra.TapToAngle[tap]
	if !ok {
		return 0, fmt.Errorf("%w: %s has no tap %d", ErrInvalidRangeAction, ra.ID, tap)
	}
	return angle, nil
}

// ClosestTap returns the tap whose angle is nearest to angle.
func (ra *RangeAction) ClosestTap(angle float64) int {
	if len(ra.angles) == 0 {
		return 0
	}
	return ra.taps[floats.NearestIdx(ra.angles, angle)]
}

// RoundSetpoint rounds a continuous setpoint to a value the device accepts:
// the closest tap angle for PSTs, the closest integer otherwise. The result
// is clamped to [Min, Max].
func (ra *RangeAction) RoundSetpoint(setpoint float64) float64 {
	var rounded float64
	if ra.HasTaps() {
		rounded = ra.TapToAngle[ra.ClosestTap(setpoint)]
	} else {
		rounded = math.Round(setpoint)
	}
	return math.Min(ra.Max, math.Max(ra.Min, rounded))
}

func (ra *RangeAction) prepare() error {
	if ra.ID == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidRangeAction)
	}
	if len(ra.TapToAngle) > 0 {
		if ra.Kind != RangePst {
			return fmt.Errorf("%w: %s has a tap table but is %s", ErrInvalidRangeAction, ra.ID, ra.Kind)
		}
		ra.taps = make([]int, 0, len(ra.TapToAngle))
		for tap := range ra.TapToAngle {
			ra.taps = append(ra.taps, tap)
		}
		sort.Ints(ra.taps)
		ra.angles = make([]float64, len(ra.taps))
		for i, tap := range ra.taps {
			ra.angles[i] = ra.TapToAngle[tap]
		}
		if ra.Min == 0 && ra.Max == 0 {
			first, last := ra.angles[0], ra.angles[len(ra.angles)-1]
			ra.Min, ra.Max = math.Min(first, last), math.Max(first, last)
		}
	}
	if ra.Min > ra.Max {
		return fmt.Errorf("%w: %s min %.4f > max %.4f", ErrInvalidRangeAction, ra.ID, ra.Min, ra.Max)
	}
	if ra.InitialSetpoint < ra.Min || ra.InitialSetpoint > ra.Max {
		return fmt.Errorf("%w: %s initial setpoint %.4f outside range", ErrInvalidRangeAction, ra.ID, ra.InitialSetpoint)
	}
	if ra.MaxVariation < 0 || ra.ActivationCost < 0 {
		return fmt.Errorf("%w: %s has negative variation or cost", ErrInvalidRangeAction, ra.ID)
	}
	return nil
}
