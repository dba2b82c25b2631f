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
	"fmt"
	"math"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/gridrao/pkg/validation"
	"github.com/AleutianAI/gridrao/services/rao/crac"
)

// Case is a loaded study: the CRAC, the grid and a network in its initial
// state, plus an oracle bound to the CRAC.
type Case struct {
	Crac    *crac.Crac
	Grid    *Grid
	Network *Network
	Oracle  *Oracle
}

// =============================================================================
// YAML document
// =============================================================================

type caseDoc struct {
	ID                     string           `yaml:"id" validate:"required"`
	Contingencies          []contingencyDoc `yaml:"contingencies" validate:"dive"`
	Cnecs                  []cnecDoc        `yaml:"cnecs" validate:"required,min=1,dive"`
	RangeActions           []rangeDoc       `yaml:"range_actions" validate:"dive"`
	NetworkActions         []networkDoc     `yaml:"network_actions" validate:"dive"`
	Network                gridDoc          `yaml:"network"`
	DivergingContingencies []string         `yaml:"diverging_contingencies"`
}

type contingencyDoc struct {
	ID       string   `yaml:"id" validate:"required"`
	Name     string   `yaml:"name"`
	Elements []string `yaml:"elements"`
}

type cnecDoc struct {
	ID                string   `yaml:"id" validate:"required"`
	Name              string   `yaml:"name"`
	NetworkElement    string   `yaml:"network_element" validate:"required"`
	Operator          string   `yaml:"operator"`
	Instant           string   `yaml:"instant" validate:"required,oneof=preventive outage auto curative"`
	Contingency       string   `yaml:"contingency" validate:"required_unless=Instant preventive"`
	Timestamp         string   `yaml:"timestamp"`
	Parameter         string   `yaml:"parameter" validate:"omitempty,oneof=flow angle voltage"`
	Min               *float64 `yaml:"min"`
	Max               *float64 `yaml:"max"`
	ReliabilityMargin float64  `yaml:"reliability_margin" validate:"gte=0"`
	Optimized         bool     `yaml:"optimized"`
	Monitored         bool     `yaml:"monitored"`
	LoopFlowThreshold float64  `yaml:"loop_flow_threshold" validate:"gte=0"`
}

type usageRuleDoc struct {
	Type        string `yaml:"type" validate:"required,oneof=on-instant on-contingency-state on-constraint"`
	Instant     string `yaml:"instant" validate:"required,oneof=preventive outage auto curative"`
	Contingency string `yaml:"contingency" validate:"required_if=Type on-contingency-state"`
	Cnec        string `yaml:"cnec" validate:"required_if=Type on-constraint"`
	Method      string `yaml:"method" validate:"omitempty,oneof=available forced unavailable"`
}

type rangeDoc struct {
	ID              string          `yaml:"id" validate:"required"`
	Name            string          `yaml:"name"`
	Operator        string          `yaml:"operator"`
	Kind            string          `yaml:"kind" validate:"required,oneof=pst hvdc injection"`
	NetworkElements []string        `yaml:"network_elements" validate:"required,min=1"`
	Min             float64         `yaml:"min"`
	Max             float64         `yaml:"max"`
	Initial         float64         `yaml:"initial"`
	MaxVariation    float64         `yaml:"max_variation" validate:"gte=0"`
	Group           string          `yaml:"group"`
	ActivationCost  float64         `yaml:"activation_cost" validate:"gte=0"`
	Taps            map[int]float64 `yaml:"taps"`
	UsageRules      []usageRuleDoc  `yaml:"usage_rules" validate:"dive"`
}

type elementaryDoc struct {
	Kind           string  `yaml:"kind" validate:"required,oneof=topology pst-setpoint hvdc-setpoint injection-setpoint"`
	NetworkElement string  `yaml:"network_element" validate:"required"`
	Open           bool    `yaml:"open"`
	Setpoint       float64 `yaml:"setpoint"`
}

type networkDoc struct {
	ID                string          `yaml:"id" validate:"required"`
	Name              string          `yaml:"name"`
	Operator          string          `yaml:"operator"`
	ElementaryActions []elementaryDoc `yaml:"elementary_actions" validate:"required,min=1,dive"`
	UsageRules        []usageRuleDoc  `yaml:"usage_rules" validate:"dive"`
}

type elementDoc struct {
	ID                string                        `yaml:"id" validate:"required"`
	Base              map[string]float64            `yaml:"base" validate:"required"`
	Sensitivities     map[string]float64            `yaml:"sensitivities"`
	ContingencySens   map[string]map[string]float64 `yaml:"contingency_sensitivities"`
	SwitchEffects     map[string]float64            `yaml:"switch_effects"`
	ContingencySwitch map[string]map[string]float64 `yaml:"contingency_switch_effects"`
	CommercialFlow    *float64                      `yaml:"commercial_flow"`
	PtdfSum           float64                       `yaml:"ptdf_sum"`
}

type setpointDoc struct {
	ID      string  `yaml:"id" validate:"required"`
	Initial float64 `yaml:"initial"`
}

type switchDoc struct {
	ID   string `yaml:"id" validate:"required"`
	Open bool   `yaml:"open"`
}

type gridDoc struct {
	Elements         []elementDoc  `yaml:"elements" validate:"required,min=1,dive"`
	SetpointElements []setpointDoc `yaml:"setpoint_elements" validate:"dive"`
	Switches         []switchDoc   `yaml:"switches" validate:"dive"`
}

// =============================================================================
// Loading
// =============================================================================

// LoadCase reads a YAML case file.
func LoadCase(path string) (*Case, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read case file: %w", err)
	}
	return ParseCase(data)
}

// ParseCase builds a case from a YAML document.
//
// Description:
//
//	The document is validated structurally first, then every object goes
//	through the CRAC constructors, which reject duplicates and dangling
//	references. The base value keyed "n" (or "") is the N state; other keys
//	are contingency ids.
func ParseCase(data []byte) (*Case, error) {
	var doc caseDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse case: %w", err)
	}
	if err := validator.New().Struct(&doc); err != nil {
		return nil, fmt.Errorf("validate case: %w", err)
	}
	if err := doc.checkIdentifiers(); err != nil {
		return nil, fmt.Errorf("validate case: %w", err)
	}

	c := crac.New(doc.ID)
	for _, co := range doc.Contingencies {
		if err := c.AddContingency(&crac.Contingency{ID: co.ID, Name: co.Name, Elements: co.Elements}); err != nil {
			return nil, err
		}
	}
	for _, cd := range doc.Cnecs {
		cnec, err := cd.build()
		if err != nil {
			return nil, err
		}
		if err := c.AddCnec(cnec); err != nil {
			return nil, err
		}
	}
	for _, rd := range doc.RangeActions {
		ra, err := rd.build()
		if err != nil {
			return nil, err
		}
		if err := c.AddRangeAction(ra); err != nil {
			return nil, err
		}
	}
	for _, nd := range doc.NetworkActions {
		na, err := nd.build()
		if err != nil {
			return nil, err
		}
		if err := c.AddNetworkAction(na); err != nil {
			return nil, err
		}
	}

	g := doc.grid()
	for _, id := range doc.DivergingContingencies {
		if c.Contingency(id) == nil {
			return nil, fmt.Errorf("%w: diverging contingency %s", crac.ErrUnknownContingency, id)
		}
	}
	return &Case{
		Crac:    c,
		Grid:    g,
		Network: g.NewNetwork(),
		Oracle:  NewOracle(c),
	}, nil
}

// checkIdentifiers rejects ids that would make rendered state or
// combination ids ambiguous.
func (d caseDoc) checkIdentifiers() error {
	var v validation.Collector
	v.Check("crac", d.ID, validation.ValidateID)
	for _, co := range d.Contingencies {
		v.Check("contingency", co.ID, validation.ValidateContingencyID)
	}
	for _, cd := range d.Cnecs {
		v.Check("cnec", cd.ID, validation.ValidateID)
		v.Check("cnec "+cd.ID, cd.Operator, validation.ValidateOperator)
	}
	for _, rd := range d.RangeActions {
		v.Check("range action", rd.ID, validation.ValidateID)
		v.Check("range action "+rd.ID, rd.Operator, validation.ValidateOperator)
	}
	for _, nd := range d.NetworkActions {
		v.Check("network action", nd.ID, validation.ValidateNetworkActionID)
		v.Check("network action "+nd.ID, nd.Operator, validation.ValidateOperator)
	}
	for _, e := range d.Network.Elements {
		v.Check("element", e.ID, validation.ValidateID)
	}
	return v.Err()
}

func (d caseDoc) grid() *Grid {
	g := &Grid{
		ID:                     d.ID,
		Elements:               make(map[string]*Element, len(d.Network.Elements)),
		InitialSetpoints:       make(map[string]float64, len(d.Network.SetpointElements)),
		InitiallyOpen:          make(map[string]bool, len(d.Network.Switches)),
		DivergingContingencies: make(map[string]bool, len(d.DivergingContingencies)),
	}
	for _, ed := range d.Network.Elements {
		base := make(map[string]float64, len(ed.Base))
		for k, v := range ed.Base {
			if k == "n" {
				k = ""
			}
			base[k] = v
		}
		g.Elements[ed.ID] = &Element{
			ID:                       ed.ID,
			Base:                     base,
			Sensitivities:            ed.Sensitivities,
			ContingencySensitivities: ed.ContingencySens,
			SwitchEffects:            ed.SwitchEffects,
			ContingencySwitchEffects: ed.ContingencySwitch,
			CommercialFlow:           ed.CommercialFlow,
			PtdfSum:                  ed.PtdfSum,
		}
	}
	for _, sp := range d.Network.SetpointElements {
		g.InitialSetpoints[sp.ID] = sp.Initial
	}
	for _, sw := range d.Network.Switches {
		g.InitiallyOpen[sw.ID] = sw.Open
	}
	for _, id := range d.DivergingContingencies {
		g.DivergingContingencies[id] = true
	}
	return g
}

func (d cnecDoc) build() (*crac.Cnec, error) {
	instant, err := crac.ParseInstant(d.Instant)
	if err != nil {
		return nil, err
	}
	state, err := crac.NewState(instant, d.Contingency)
	if err != nil {
		return nil, fmt.Errorf("cnec %s: %w", d.ID, err)
	}
	if d.Timestamp != "" {
		ts, err := time.Parse(time.RFC3339, d.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("cnec %s: timestamp: %w", d.ID, err)
		}
		state = state.WithTimestamp(ts)
	}
	param, err := crac.ParsePhysicalParameter(d.Parameter)
	if err != nil {
		return nil, err
	}
	cnec := &crac.Cnec{
		ID:                d.ID,
		Name:              d.Name,
		NetworkElement:    d.NetworkElement,
		Operator:          d.Operator,
		State:             state,
		Parameter:         param,
		Min:               math.Inf(-1),
		Max:               math.Inf(1),
		ReliabilityMargin: d.ReliabilityMargin,
		Optimized:         d.Optimized,
		Monitored:         d.Monitored,
		LoopFlowThreshold: d.LoopFlowThreshold,
	}
	if d.Min != nil {
		cnec.Min = *d.Min
	}
	if d.Max != nil {
		cnec.Max = *d.Max
	}
	return cnec, nil
}

func buildUsageRules(docs []usageRuleDoc) ([]crac.UsageRule, error) {
	rules := make([]crac.UsageRule, 0, len(docs))
	for _, d := range docs {
		instant, err := crac.ParseInstant(d.Instant)
		if err != nil {
			return nil, err
		}
		method, err := crac.ParseUsageMethod(d.Method)
		if err != nil {
			return nil, err
		}
		switch d.Type {
		case "on-instant":
			rules = append(rules, crac.OnInstant{Instant: instant, Method: method})
		case "on-contingency-state":
			rules = append(rules, crac.OnContingencyState{Instant: instant, ContingencyID: d.Contingency, Method: method})
		case "on-constraint":
			rules = append(rules, crac.OnConstraint{Instant: instant, CnecID: d.Cnec})
		}
	}
	return rules, nil
}

func (d rangeDoc) build() (*crac.RangeAction, error) {
	kind, err := crac.ParseRangeKind(d.Kind)
	if err != nil {
		return nil, err
	}
	rules, err := buildUsageRules(d.UsageRules)
	if err != nil {
		return nil, fmt.Errorf("range action %s: %w", d.ID, err)
	}
	return &crac.RangeAction{
		ID:              d.ID,
		Name:            d.Name,
		Operator:        d.Operator,
		Kind:            kind,
		NetworkElements: d.NetworkElements,
		Min:             d.Min,
		Max:             d.Max,
		InitialSetpoint: d.Initial,
		MaxVariation:    d.MaxVariation,
		GroupID:         d.Group,
		ActivationCost:  d.ActivationCost,
		TapToAngle:      d.Taps,
		UsageRules:      rules,
	}, nil
}

func (d networkDoc) build() (*crac.NetworkAction, error) {
	rules, err := buildUsageRules(d.UsageRules)
	if err != nil {
		return nil, fmt.Errorf("network action %s: %w", d.ID, err)
	}
	actions := make([]crac.ElementaryAction, 0, len(d.ElementaryActions))
	for _, ed := range d.ElementaryActions {
		kind, err := crac.ParseElementaryKind(ed.Kind)
		if err != nil {
			return nil, err
		}
		actions = append(actions, crac.ElementaryAction{
			Kind:           kind,
			NetworkElement: ed.NetworkElement,
			Open:           ed.Open,
			Setpoint:       ed.Setpoint,
		})
	}
	return &crac.NetworkAction{
		ID:                d.ID,
		Name:              d.Name,
		Operator:          d.Operator,
		ElementaryActions: actions,
		UsageRules:        rules,
	}, nil
}
