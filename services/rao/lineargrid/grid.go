// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package lineargrid is a linearized reference grid. It implements the
// network adapter and the sensitivity oracle contracts so that the
// optimizer can run end to end without an external load-flow engine.
//
// Every monitored element has a base value per contingency column. Setpoint
// elements (PSTs, HVDC links, injections) shift monitored values through
// constant sensitivities, and toggling a switch adds a constant delta:
//
//	value(e) = base(e, co) + Σ sens(e, s, co)·(setpoint(s) − initial(s)) + Σ delta(e, sw, co)
//
// The model is exact for the linear optimizer, which makes optimization
// outcomes predictable in tests.
package lineargrid

import (
	"errors"
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/AleutianAI/gridrao/services/rao/crac"
	"github.com/AleutianAI/gridrao/services/rao/network"
)

// ErrUnknownElement is returned when an action targets an element the grid
// does not model.
var ErrUnknownElement = errors.New("unknown network element")

// Element is a monitored network element.
type Element struct {
	ID string

	// Base maps a contingency id ("" for the N state) to the base value.
	Base map[string]float64

	// Sensitivities maps a setpoint element to d(value)/d(setpoint).
	Sensitivities map[string]float64

	// ContingencySensitivities overrides Sensitivities per contingency.
	ContingencySensitivities map[string]map[string]float64

	// SwitchEffects maps a switch to the delta applied when it is toggled.
	SwitchEffects map[string]float64

	// ContingencySwitchEffects overrides SwitchEffects per contingency.
	ContingencySwitchEffects map[string]map[string]float64

	// CommercialFlow is the flow due to commercial exchanges, for loop flows.
	CommercialFlow *float64

	// PtdfSum is the zone-to-zone PTDF sum, for relative margins.
	PtdfSum float64
}

func (e *Element) base(co string) float64 {
	if v, ok := e.Base[co]; ok {
		return v
	}
	return e.Base[""]
}

func (e *Element) sensitivity(setpointElement, co string) float64 {
	if over, ok := e.ContingencySensitivities[co]; ok {
		if v, ok := over[setpointElement]; ok {
			return v
		}
	}
	return e.Sensitivities[setpointElement]
}

func (e *Element) switchEffect(sw, co string) float64 {
	if over, ok := e.ContingencySwitchEffects[co]; ok {
		if v, ok := over[sw]; ok {
			return v
		}
	}
	return e.SwitchEffects[sw]
}

// Grid is the immutable part of the model shared by every clone.
type Grid struct {
	ID                     string
	Elements               map[string]*Element
	InitialSetpoints       map[string]float64
	InitiallyOpen          map[string]bool
	DivergingContingencies map[string]bool

	clones atomic.Int64
}

// NewNetwork returns a network in the initial state of g.
func (g *Grid) NewNetwork() *Network {
	n := &Network{
		grid:      g,
		id:        g.ID,
		setpoints: make(map[string]float64, len(g.InitialSetpoints)),
		open:      make(map[string]bool, len(g.InitiallyOpen)),
	}
	for k, v := range g.InitialSetpoints {
		n.setpoints[k] = v
	}
	for k, v := range g.InitiallyOpen {
		n.open[k] = v
	}
	return n
}

// Network is one mutable state of a Grid. It implements network.Network.
//
// Thread Safety: single writer. Use Clone for concurrent evaluations.
type Network struct {
	grid        *Grid
	id          string
	setpoints   map[string]float64
	open        map[string]bool
	contingency string
	released    bool
}

var _ network.Network = (*Network)(nil)

// ID implements network.Network.
func (n *Network) ID() string { return n.id }

// Clone implements network.Network.
func (n *Network) Clone() (network.Network, error) {
	return n.clone()
}

func (n *Network) clone() (*Network, error) {
	if n.released {
		return nil, network.ErrReleased
	}
	c := &Network{
		grid:        n.grid,
		id:          fmt.Sprintf("%s#%d", n.grid.ID, n.grid.clones.Add(1)),
		setpoints:   make(map[string]float64, len(n.setpoints)),
		open:        make(map[string]bool, len(n.open)),
		contingency: n.contingency,
	}
	for k, v := range n.setpoints {
		c.setpoints[k] = v
	}
	for k, v := range n.open {
		c.open[k] = v
	}
	return c, nil
}

// Release implements network.Network.
func (n *Network) Release() error {
	if n.released {
		return network.ErrReleased
	}
	n.released = true
	return nil
}

// ApplyContingency implements network.Network.
func (n *Network) ApplyContingency(co *crac.Contingency) error {
	if n.released {
		return network.ErrReleased
	}
	if co == nil {
		return errors.New("nil contingency")
	}
	if n.contingency != "" && n.contingency != co.ID {
		return fmt.Errorf("contingency %s already applied on %s", n.contingency, n.id)
	}
	n.contingency = co.ID
	return nil
}

// ApplyElementaryAction implements crac.Target.
func (n *Network) ApplyElementaryAction(a crac.ElementaryAction) error {
	if n.released {
		return network.ErrReleased
	}
	switch a.Kind {
	case crac.ElementaryTopology:
		if _, ok := n.open[a.NetworkElement]; !ok {
			return fmt.Errorf("%w: switch %s", ErrUnknownElement, a.NetworkElement)
		}
		n.open[a.NetworkElement] = a.Open
	default:
		if _, ok := n.setpoints[a.NetworkElement]; !ok {
			return fmt.Errorf("%w: setpoint element %s", ErrUnknownElement, a.NetworkElement)
		}
		n.setpoints[a.NetworkElement] = a.Setpoint
	}
	return nil
}

// SetRangeActionSetpoint implements crac.Target. Every element of the range
// action receives the setpoint.
func (n *Network) SetRangeActionSetpoint(ra *crac.RangeAction, setpoint float64) error {
	if n.released {
		return network.ErrReleased
	}
	for _, el := range ra.NetworkElements {
		if _, ok := n.setpoints[el]; !ok {
			return fmt.Errorf("%w: %s of %s", ErrUnknownElement, el, ra.ID)
		}
	}
	for _, el := range ra.NetworkElements {
		n.setpoints[el] = setpoint
	}
	return nil
}

// RangeActionSetpoint implements network.Network. It reads the setpoint
// of the first element of ra.
func (n *Network) RangeActionSetpoint(ra *crac.RangeAction) (float64, error) {
	if len(ra.NetworkElements) == 0 {
		return 0, fmt.Errorf("%w: %s has no element", ErrUnknownElement, ra.ID)
	}
	sp, ok := n.setpoints[ra.NetworkElements[0]]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownElement, ra.NetworkElements[0])
	}
	return sp, nil
}

// ToggledSwitches returns the switches whose status differs from the initial
// one, sorted.
func (n *Network) ToggledSwitches() []string {
	var out []string
	for sw, open := range n.open {
		if open != n.grid.InitiallyOpen[sw] {
			out = append(out, sw)
		}
	}
	sort.Strings(out)
	return out
}

// Value computes the monitored value of an element in the current state.
func (n *Network) Value(elementID string) (float64, error) {
	return n.valueAt(elementID, n.contingency)
}

// valueAt computes the value of an element as if contingency co were
// applied on top of the current setpoints and switches.
func (n *Network) valueAt(elementID, co string) (float64, error) {
	el, ok := n.grid.Elements[elementID]
	if !ok {
		return 0, fmt.Errorf("%w: monitored element %s", ErrUnknownElement, elementID)
	}
	v := el.base(co)
	setpointElements := make([]string, 0, len(n.setpoints))
	for sp := range n.setpoints {
		setpointElements = append(setpointElements, sp)
	}
	sort.Strings(setpointElements)
	for _, sp := range setpointElements {
		if d := n.setpoints[sp] - n.grid.InitialSetpoints[sp]; d != 0 {
			v += el.sensitivity(sp, co) * d
		}
	}
	for _, sw := range n.ToggledSwitches() {
		v += el.switchEffect(sw, co)
	}
	return v, nil
}

// rangeActionSensitivity sums the sensitivities of the elements of ra.
func (n *Network) rangeActionSensitivity(elementID, co string, ra *crac.RangeAction) float64 {
	el := n.grid.Elements[elementID]
	if el == nil {
		return 0
	}
	var s float64
	for _, sp := range ra.NetworkElements {
		s += el.sensitivity(sp, co)
	}
	return s
}
