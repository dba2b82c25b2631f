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
	"strings"
)

// PhysicalParameter is the monitored quantity of a CNEC.
type PhysicalParameter int

const (
	ParameterFlow PhysicalParameter = iota
	ParameterAngle
	ParameterVoltage
)

// String returns the lowercase name of the parameter.
func (p PhysicalParameter) String() string {
	switch p {
	case ParameterFlow:
		return "flow"
	case ParameterAngle:
		return "angle"
	case ParameterVoltage:
		return "voltage"
	default:
		return fmt.Sprintf("parameter(%d)", int(p))
	}
}

// ParsePhysicalParameter converts a case-insensitive parameter name.
func ParsePhysicalParameter(s string) (PhysicalParameter, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "flow":
		return ParameterFlow, nil
	case "angle":
		return ParameterAngle, nil
	case "voltage":
		return ParameterVoltage, nil
	default:
		return 0, fmt.Errorf("%w: unknown physical parameter %q", ErrInvalidCnec, s)
	}
}

// Cnec is a monitored quantity on a network element at a given state.
//
// Min and Max are the thresholds in the unit of the parameter. A missing
// threshold is represented by -Inf or +Inf. An optimized CNEC drives the
// objective; a monitored-only CNEC (an MNEC) is reported and kept from
// degrading too much but never drives the search.
type Cnec struct {
	ID                string
	Name              string
	NetworkElement    string
	Operator          string
	State             State
	Parameter         PhysicalParameter
	Min               float64
	Max               float64
	ReliabilityMargin float64
	Optimized         bool
	Monitored         bool

	// LoopFlowThreshold is the maximum admissible loop flow. Zero disables
	// loop-flow monitoring for this CNEC.
	LoopFlowThreshold float64
}

// Margin returns the distance between value and the closest threshold,
// reduced by the reliability margin. Negative means violated.
func (c *Cnec) Margin(value float64) float64 {
	return math.Min(value-c.Min, c.Max-value) - c.ReliabilityMargin
}

// UpperBound reports the finite upper threshold, if any.
func (c *Cnec) UpperBound() (float64, bool) {
	if math.IsInf(c.Max, 1) {
		return 0, false
	}
	return c.Max - c.ReliabilityMargin, true
}

// LowerBound reports the finite lower threshold, if any.
func (c *Cnec) LowerBound() (float64, bool) {
	if math.IsInf(c.Min, -1) {
		return 0, false
	}
	return c.Min + c.ReliabilityMargin, true
}

// IsPureMnec reports whether the CNEC is monitored but not optimized.
func (c *Cnec) IsPureMnec() bool {
	return c.Monitored && !c.Optimized
}

// HasLoopFlowThreshold reports whether loop flows are monitored on c.
func (c *Cnec) HasLoopFlowThreshold() bool {
	return c.LoopFlowThreshold > 0
}

func (c *Cnec) validate() error {
	if c.ID == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidCnec)
	}
	if !c.Optimized && !c.Monitored {
		return fmt.Errorf("%w: %s is neither optimized nor monitored", ErrInvalidCnec, c.ID)
	}
	if math.IsNaN(c.Min) || math.IsNaN(c.Max) {
		return fmt.Errorf("%w: %s has NaN threshold", ErrInvalidCnec, c.ID)
	}
	if math.IsInf(c.Min, -1) && math.IsInf(c.Max, 1) {
		return fmt.Errorf("%w: %s has no threshold", ErrInvalidCnec, c.ID)
	}
	if c.Min > c.Max {
		return fmt.Errorf("%w: %s min %.2f > max %.2f", ErrInvalidCnec, c.ID, c.Min, c.Max)
	}
	return nil
}
