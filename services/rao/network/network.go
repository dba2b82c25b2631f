// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package network defines the collaborator contracts of the optimizer: the
// mutable grid model and the sensitivity oracle that linearizes it.
package network

import (
	"context"
	"errors"

	"github.com/AleutianAI/gridrao/services/rao/crac"
)

var (
	// ErrReleased is returned when a released network handle is used.
	ErrReleased = errors.New("network handle released")

	// ErrSensitivityFailed marks an oracle failure.
	ErrSensitivityFailed = errors.New("sensitivity computation failed")
)

// Network is a mutable grid state.
//
// Thread Safety: a Network has a single writer. Concurrent evaluations work
// on clones obtained through Clone.
type Network interface {
	crac.Target

	// ID identifies the handle, for logs.
	ID() string

	// Clone returns an independent copy of the current state.
	Clone() (Network, error)

	// Release frees the handle. Further use returns ErrReleased.
	Release() error

	// ApplyContingency disconnects the elements of a contingency.
	ApplyContingency(co *crac.Contingency) error

	// RangeActionSetpoint returns the current setpoint of ra.
	RangeActionSetpoint(ra *crac.RangeAction) (float64, error)
}

// Oracle computes flows and sensitivities on a network state.
//
// For a CNEC of a post-contingency state the oracle simulates the
// contingency itself; callers pass the network with the remedial actions of
// the perimeter applied.
type Oracle interface {
	Run(ctx context.Context, net Network, cnecs []*crac.Cnec, rangeActions []*crac.RangeAction) (*FlowResult, error)
}

// ApplySetpoints applies every setpoint of the map to net.
func ApplySetpoints(net Network, rangeActions []*crac.RangeAction, setpoints map[string]float64) error {
	for _, ra := range rangeActions {
		sp, ok := setpoints[ra.ID]
		if !ok {
			continue
		}
		if err := ra.Apply(net, sp); err != nil {
			return err
		}
	}
	return nil
}

// CurrentSetpoints reads the setpoint of every range action from net.
func CurrentSetpoints(net Network, rangeActions []*crac.RangeAction) (map[string]float64, error) {
	out := make(map[string]float64, len(rangeActions))
	for _, ra := range rangeActions {
		sp, err := net.RangeActionSetpoint(ra)
		if err != nil {
			return nil, err
		}
		out[ra.ID] = sp
	}
	return out, nil
}
