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
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/gridrao/services/rao/crac"
	"github.com/AleutianAI/gridrao/services/rao/network"
)

func loadTwoLines(t *testing.T) *Case {
	t.Helper()
	c, err := LoadCase("testdata/two_lines.yaml")
	require.NoError(t, err)
	return c
}

func TestLoadCase(t *testing.T) {
	c := loadTwoLines(t)

	assert.Equal(t, "two-lines", c.Crac.ID)
	assert.Len(t, c.Crac.Cnecs(), 4)
	assert.Len(t, c.Crac.States(), 3)

	pst := c.Crac.RangeAction("pst1")
	require.NotNil(t, pst)
	assert.Equal(t, -3.0, pst.Min)
	assert.Equal(t, 3.0, pst.Max)

	mnec := c.Crac.Cnec("line2-prev")
	require.NotNil(t, mnec)
	assert.True(t, mnec.IsPureMnec())

	assert.Equal(t, 250.0, c.Grid.Elements["line1"].Base[""])
}

func TestParseCase_Invalid(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"not yaml", "id: [unterminated"},
		{"missing id", "cnecs: [{id: c, network_element: l, instant: preventive, optimized: true, max: 1}]\nnetwork: {elements: [{id: l, base: {n: 0}}]}"},
		{"bad instant", "id: x\ncnecs: [{id: c, network_element: l, instant: later, optimized: true, max: 1}]\nnetwork: {elements: [{id: l, base: {n: 0}}]}"},
		{"curative without contingency", "id: x\ncnecs: [{id: c, network_element: l, instant: curative, optimized: true, max: 1}]\nnetwork: {elements: [{id: l, base: {n: 0}}]}"},
		{"unknown contingency", "id: x\ncnecs: [{id: c, network_element: l, instant: curative, contingency: nope, optimized: true, max: 1}]\nnetwork: {elements: [{id: l, base: {n: 0}}]}"},
		{"unknown diverging contingency", "id: x\ncnecs: [{id: c, network_element: l, instant: preventive, optimized: true, max: 1}]\nnetwork: {elements: [{id: l, base: {n: 0}}]}\ndiverging_contingencies: [nope]"},
		{"state separator in contingency id", "id: x\ncontingencies: [{id: 'A - B'}]\ncnecs: [{id: c, network_element: l, instant: preventive, optimized: true, max: 1}]\nnetwork: {elements: [{id: l, base: {n: 0}}]}"},
		{"operator with spaces", "id: x\ncnecs: [{id: c, network_element: l, operator: 'F R', instant: preventive, optimized: true, max: 1}]\nnetwork: {elements: [{id: l, base: {n: 0}}]}"},
		{"combination separator in network action id", "id: x\ncnecs: [{id: c, network_element: l, instant: preventive, optimized: true, max: 1}]\nnetwork_actions: [{id: 'a + b', elementary_actions: [{kind: topology, network_element: sw, open: true}]}]\nnetwork: {elements: [{id: l, base: {n: 0}}]}"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseCase([]byte(tt.doc))
			assert.Error(t, err)
		})
	}
}

func TestParseCase_Identifiers(t *testing.T) {
	doc := "id: x\ncontingencies: [{id: 'A - B'}]\n" +
		"cnecs: [{id: c, network_element: l, operator: 'F R', instant: preventive, optimized: true, max: 1}]\n" +
		"network: {elements: [{id: l, base: {n: 0}}]}"
	_, err := ParseCase([]byte(doc))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid identifiers")
	assert.Contains(t, err.Error(), `contingency id "A - B"`)
	assert.Contains(t, err.Error(), `invalid operator "F R"`)
}

func TestNetwork_Value(t *testing.T) {
	c := loadTwoLines(t)
	net := c.Network
	pst := c.Crac.RangeAction("pst1")

	v, err := net.Value("line1")
	require.NoError(t, err)
	assert.InDelta(t, 250, v, 1e-9)

	require.NoError(t, pst.Apply(net, 2))
	v, _ = net.Value("line1")
	assert.InDelta(t, 210, v, 1e-9)

	require.NoError(t, c.Crac.NetworkAction("open-sw1").Apply(net))
	v, _ = net.Value("line1")
	assert.InDelta(t, 170, v, 1e-9)
	assert.Equal(t, []string{"sw1"}, net.ToggledSwitches())

	sp, err := net.RangeActionSetpoint(pst)
	require.NoError(t, err)
	assert.Equal(t, 2.0, sp)

	_, err = net.Value("nope")
	assert.True(t, errors.Is(err, ErrUnknownElement))
}

func TestNetwork_CloneIsIndependent(t *testing.T) {
	c := loadTwoLines(t)
	pst := c.Crac.RangeAction("pst1")

	cloned, err := c.Network.Clone()
	require.NoError(t, err)
	assert.NotEqual(t, c.Network.ID(), cloned.ID())

	require.NoError(t, pst.Apply(cloned, -3))
	orig, _ := c.Network.RangeActionSetpoint(pst)
	assert.Equal(t, 0.0, orig)

	require.NoError(t, cloned.Release())
	assert.True(t, errors.Is(cloned.Release(), network.ErrReleased))
	_, err = cloned.Clone()
	assert.True(t, errors.Is(err, network.ErrReleased))
}

func TestNetwork_ApplyUnknownElement(t *testing.T) {
	c := loadTwoLines(t)
	err := c.Network.ApplyElementaryAction(crac.ElementaryAction{Kind: crac.ElementaryTopology, NetworkElement: "sw9"})
	assert.True(t, errors.Is(err, ErrUnknownElement))
}

func TestOracle_Run(t *testing.T) {
	c := loadTwoLines(t)
	ras := c.Crac.RangeActions()

	result, err := c.Oracle.Run(context.Background(), c.Network, c.Crac.Cnecs(), ras)
	require.NoError(t, err)

	assert.InDelta(t, 250, result.Flows["line1-prev"], 1e-9)
	assert.InDelta(t, 300, result.Flows["line1-cur"], 1e-9, "post-contingency base column")
	assert.InDelta(t, -20, result.Sensitivity("line1-cur", "pst1"), 1e-9)
	assert.InDelta(t, 10, result.Sensitivity("line2-prev", "pst1"), 1e-9)

	lf, ok := result.LoopFlow("line2-prev")
	assert.True(t, ok)
	assert.InDelta(t, 20, lf, 1e-9)
	assert.InDelta(t, 0.2, result.PtdfSum("line2-prev", 0.01), 1e-9)

	margin, _ := result.Margin(c.Crac.Cnec("line1-prev"))
	assert.InDelta(t, -50, margin, 1e-9)
	assert.Equal(t, int64(1), c.Oracle.Calls())
}

func TestOracle_Diverging(t *testing.T) {
	c := loadTwoLines(t)
	c.Grid.DivergingContingencies["co1"] = true

	_, err := c.Oracle.Run(context.Background(), c.Network, c.Crac.Cnecs(), nil)
	assert.True(t, errors.Is(err, network.ErrSensitivityFailed))

	prev := c.Crac.CnecsForState(crac.PreventiveState())
	result, err := c.Oracle.Run(context.Background(), c.Network, prev, nil)
	require.NoError(t, err)
	assert.False(t, math.IsNaN(result.Flows["line1-prev"]))
}

func TestOracle_CancelledContext(t *testing.T) {
	c := loadTwoLines(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Oracle.Run(ctx, c.Network, c.Crac.Cnecs(), nil)
	assert.True(t, errors.Is(err, context.Canceled))
}
