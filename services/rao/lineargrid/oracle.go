// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package lineargrid

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/AleutianAI/gridrao/services/rao/crac"
	"github.com/AleutianAI/gridrao/services/rao/network"
)

// Oracle computes flows and sensitivities on lineargrid networks.
//
// Thread Safety: safe for concurrent use on distinct networks.
type Oracle struct {
	crac  *crac.Crac
	calls atomic.Int64
}

var _ network.Oracle = (*Oracle)(nil)

// NewOracle creates an oracle resolving contingencies through c.
func NewOracle(c *crac.Crac) *Oracle {
	return &Oracle{crac: c}
}

// Calls returns the number of Run invocations.
func (o *Oracle) Calls() int64 {
	return o.calls.Load()
}

// Run implements network.Oracle. Each CNEC is evaluated with the contingency
// of its own state; net is never mutated.
func (o *Oracle) Run(ctx context.Context, net network.Network, cnecs []*crac.Cnec, rangeActions []*crac.RangeAction) (*network.FlowResult, error) {
	o.calls.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ln, ok := net.(*Network)
	if !ok {
		return nil, fmt.Errorf("%w: unsupported network type %T", network.ErrSensitivityFailed, net)
	}

	byContingency := make(map[string][]*crac.Cnec)
	for _, c := range cnecs {
		byContingency[c.State.ContingencyID] = append(byContingency[c.State.ContingencyID], c)
	}
	contingencies := make([]string, 0, len(byContingency))
	for co := range byContingency {
		contingencies = append(contingencies, co)
	}
	sort.Strings(contingencies)

	result := network.NewFlowResult()
	for _, coID := range contingencies {
		if coID != "" && o.crac.Contingency(coID) == nil {
			return nil, fmt.Errorf("%w: unknown contingency %s", network.ErrSensitivityFailed, coID)
		}
		if ln.grid.DivergingContingencies[coID] {
			return nil, fmt.Errorf("%w: load flow diverged for contingency %s", network.ErrSensitivityFailed, coID)
		}
		for _, c := range byContingency[coID] {
			if err := fill(result, ln, coID, c, rangeActions); err != nil {
				return nil, err
			}
		}
	}
	return result, nil
}

func fill(result *network.FlowResult, ln *Network, coID string, c *crac.Cnec, rangeActions []*crac.RangeAction) error {
	value, err := ln.valueAt(c.NetworkElement, coID)
	if err != nil {
		return fmt.Errorf("%w: cnec %s: %v", network.ErrSensitivityFailed, c.ID, err)
	}
	result.Flows[c.ID] = value

	sens := make(map[string]float64, len(rangeActions))
	for _, ra := range rangeActions {
		sens[ra.ID] = ln.rangeActionSensitivity(c.NetworkElement, coID, ra)
	}
	result.Sensitivities[c.ID] = sens

	el := ln.grid.Elements[c.NetworkElement]
	if el.CommercialFlow != nil {
		result.CommercialFlows[c.ID] = *el.CommercialFlow
	}
	if el.PtdfSum != 0 {
		result.PtdfSums[c.ID] = el.PtdfSum
	}
	return nil
}
