// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the parameters of an optimization run.
//
// Parameters come from defaults, then an optional YAML or JSON file, then
// RAO_* environment variables, in increasing priority.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/gridrao/services/rao/costeval"
	"github.com/AleutianAI/gridrao/services/rao/linearopt"
	"github.com/AleutianAI/gridrao/services/rao/objective"
	"github.com/AleutianAI/gridrao/services/rao/searchtree"
	"github.com/AleutianAI/gridrao/services/rao/telemetry"
)

// ErrInvalidParameters wraps every validation failure.
var ErrInvalidParameters = errors.New("invalid rao parameters")

// Objective function types.
const (
	ObjectiveMinMargin         = "MAX_MIN_MARGIN"
	ObjectiveMinRelativeMargin = "MAX_MIN_RELATIVE_MARGIN"
)

// Stop criteria. Preventive perimeters accept MIN_OBJECTIVE and SECURE;
// curative perimeters accept all four.
const (
	StopMinObjective                 = "MIN_OBJECTIVE"
	StopSecure                       = "SECURE"
	StopPreventiveObjective          = "PREVENTIVE_OBJECTIVE"
	StopPreventiveObjectiveAndSecure = "PREVENTIVE_OBJECTIVE_AND_SECURE"
)

// RaoParameters holds every parameter of a run.
//
// Thread Safety: safe to read concurrently. Not safe to modify after the
// run starts.
type RaoParameters struct {
	Objective      ObjectiveParameters      `json:"objective" yaml:"objective"`
	RangeActions   RangeActionParameters    `json:"range_actions" yaml:"range_actions"`
	NetworkActions NetworkActionParameters  `json:"network_actions" yaml:"network_actions"`
	SearchTree     SearchTreeParameters     `json:"search_tree" yaml:"search_tree"`
	RaUsageLimits  RaUsageLimits            `json:"ra_usage_limits" yaml:"ra_usage_limits"`
	Mnec           MnecParameters           `json:"mnec" yaml:"mnec"`
	LoopFlow       LoopFlowParameters       `json:"loop_flow" yaml:"loop_flow"`
	RelativeMargin RelativeMarginParameters `json:"relative_margin" yaml:"relative_margin"`
	Telemetry      telemetry.Config         `json:"telemetry" yaml:"telemetry"`
}

// ObjectiveParameters select the objective and the stop criteria.
type ObjectiveParameters struct {
	Type          string `json:"type" yaml:"type" validate:"oneof=MAX_MIN_MARGIN MAX_MIN_RELATIVE_MARGIN"`
	CostEvaluator string `json:"cost_evaluator" yaml:"cost_evaluator" validate:"oneof=max-over-states sum-over-states sum-over-cnecs sum-max-per-timestamp"`

	PreventiveStopCriterion string `json:"preventive_stop_criterion" yaml:"preventive_stop_criterion" validate:"oneof=MIN_OBJECTIVE SECURE"`
	CurativeStopCriterion   string `json:"curative_stop_criterion" yaml:"curative_stop_criterion" validate:"oneof=MIN_OBJECTIVE SECURE PREVENTIVE_OBJECTIVE PREVENTIVE_OBJECTIVE_AND_SECURE"`

	// CurativeMinObjImprovement is how much a curative perimeter must beat
	// the preventive cost under the PREVENTIVE_OBJECTIVE criteria.
	CurativeMinObjImprovement float64 `json:"curative_min_obj_improvement" yaml:"curative_min_obj_improvement" validate:"gte=0"`

	SensitivityFailureOvercost float64 `json:"sensitivity_failure_overcost" yaml:"sensitivity_failure_overcost" validate:"gte=0"`

	// OptimizeOperatorsNotSharingCras keeps the CNECs of operators without
	// curative actions in the curative objectives.
	OptimizeOperatorsNotSharingCras bool `json:"optimize_operators_not_sharing_cras" yaml:"optimize_operators_not_sharing_cras"`
}

// RangeActionParameters configure the linear optimization.
type RangeActionParameters struct {
	MaxIterations        int     `json:"max_iterations" yaml:"max_iterations" validate:"min=1"`
	ConvergenceEpsilon   float64 `json:"convergence_epsilon" yaml:"convergence_epsilon" validate:"gte=0"`
	PstPenaltyCost       float64 `json:"pst_penalty_cost" yaml:"pst_penalty_cost" validate:"gte=0"`
	HvdcPenaltyCost      float64 `json:"hvdc_penalty_cost" yaml:"hvdc_penalty_cost" validate:"gte=0"`
	InjectionPenaltyCost float64 `json:"injection_penalty_cost" yaml:"injection_penalty_cost" validate:"gte=0"`

	// MaxAutoIterations bounds the shifts of forced automaton range actions.
	MaxAutoIterations int `json:"max_auto_iterations" yaml:"max_auto_iterations" validate:"min=1"`
}

// NetworkActionParameters configure the network action combinations.
type NetworkActionParameters struct {
	PredefinedCombinations     [][]string `json:"predefined_combinations" yaml:"predefined_combinations" validate:"dive,min=1,dive,required"`
	AbsoluteMinImpactThreshold float64    `json:"absolute_min_impact_threshold" yaml:"absolute_min_impact_threshold" validate:"gte=0"`
	RelativeMinImpactThreshold float64    `json:"relative_min_impact_threshold" yaml:"relative_min_impact_threshold" validate:"gte=0,lte=1"`
}

// SearchTreeParameters configure the search and its parallelism.
type SearchTreeParameters struct {
	MaximumSearchDepth         int           `json:"maximum_search_depth" yaml:"maximum_search_depth" validate:"gte=0"`
	PreventiveLeavesInParallel int           `json:"preventive_leaves_in_parallel" yaml:"preventive_leaves_in_parallel" validate:"min=1"`
	CurativeLeavesInParallel   int           `json:"curative_leaves_in_parallel" yaml:"curative_leaves_in_parallel" validate:"min=1"`
	PerimetersInParallel       int           `json:"perimeters_in_parallel" yaml:"perimeters_in_parallel" validate:"min=1"`
	GenerationTimeout          time.Duration `json:"generation_timeout" yaml:"generation_timeout" validate:"gt=0"`
}

// RaUsageLimits are the usage limits of each instant.
type RaUsageLimits struct {
	Preventive linearopt.UsageLimits `json:"preventive" yaml:"preventive"`
	Curative   linearopt.UsageLimits `json:"curative" yaml:"curative"`
}

// MnecParameters configure the monitored-only CNEC virtual cost.
type MnecParameters struct {
	Enabled                  bool    `json:"enabled" yaml:"enabled"`
	AcceptableMarginDecrease float64 `json:"acceptable_margin_decrease" yaml:"acceptable_margin_decrease" validate:"gte=0"`
	ViolationCost            float64 `json:"violation_cost" yaml:"violation_cost" validate:"gte=0"`
}

// LoopFlowParameters configure the loop-flow virtual cost.
type LoopFlowParameters struct {
	Enabled            bool    `json:"enabled" yaml:"enabled"`
	AcceptableIncrease float64 `json:"acceptable_increase" yaml:"acceptable_increase" validate:"gte=0"`
	ViolationCost      float64 `json:"violation_cost" yaml:"violation_cost" validate:"gte=0"`
}

// RelativeMarginParameters configure MAX_MIN_RELATIVE_MARGIN.
type RelativeMarginParameters struct {
	PtdfSumLowerBound float64 `json:"ptdf_sum_lower_bound" yaml:"ptdf_sum_lower_bound" validate:"gt=0"`
}

// DefaultRaoParameters returns the parameters used when none are given.
func DefaultRaoParameters() RaoParameters {
	lp := linearopt.DefaultParameters()
	return RaoParameters{
		Objective: ObjectiveParameters{
			Type:                            ObjectiveMinMargin,
			CostEvaluator:                   costeval.KindMaxOverStates,
			PreventiveStopCriterion:         StopSecure,
			CurativeStopCriterion:           StopMinObjective,
			SensitivityFailureOvercost:      10000,
			OptimizeOperatorsNotSharingCras: true,
		},
		RangeActions: RangeActionParameters{
			MaxIterations:        lp.MaxIterations,
			ConvergenceEpsilon:   lp.ConvergenceEpsilon,
			PstPenaltyCost:       lp.Penalties.Pst,
			HvdcPenaltyCost:      lp.Penalties.Hvdc,
			InjectionPenaltyCost: lp.Penalties.Injection,
			MaxAutoIterations:    10,
		},
		SearchTree: SearchTreeParameters{
			MaximumSearchDepth:         2,
			PreventiveLeavesInParallel: 1,
			CurativeLeavesInParallel:   1,
			PerimetersInParallel:       1,
			GenerationTimeout:          24 * time.Hour,
		},
		Mnec: MnecParameters{
			AcceptableMarginDecrease: 50,
			ViolationCost:            10,
		},
		LoopFlow: LoopFlowParameters{
			ViolationCost: 10,
		},
		RelativeMargin: RelativeMarginParameters{
			PtdfSumLowerBound: 0.01,
		},
		Telemetry: telemetry.DefaultConfig(),
	}
}

// LoadRaoParameters loads parameters with priority env > file > defaults.
//
// Inputs:
//   - path: YAML or JSON file. Empty means defaults and environment only.
//
// Outputs:
//   - RaoParameters: The merged, validated parameters.
//   - error: Non-nil if the file cannot be read or parsed, or if the result
//     is invalid.
func LoadRaoParameters(path string) (RaoParameters, error) {
	p := DefaultRaoParameters()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return p, fmt.Errorf("read parameters: %w", err)
		}
		if err := Parse(data, &p); err != nil {
			return p, fmt.Errorf("parse parameters %s: %w", path, err)
		}
	}
	applyEnv(&p)
	if err := p.Validate(); err != nil {
		return p, err
	}
	return p, nil
}

// Parse decodes YAML, then JSON, into p. Fields absent from data keep their
// current value. Unknown YAML fields are rejected.
func Parse(data []byte, p *RaoParameters) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	yamlErr := dec.Decode(p)
	if yamlErr == nil || errors.Is(yamlErr, io.EOF) {
		return nil
	}
	if jsonErr := json.Unmarshal(data, p); jsonErr != nil {
		return fmt.Errorf("tried YAML and JSON: YAML error: %v, JSON error: %w", yamlErr, jsonErr)
	}
	return nil
}

func applyEnv(p *RaoParameters) {
	envString("RAO_OBJECTIVE_TYPE", &p.Objective.Type)
	envString("RAO_COST_EVALUATOR", &p.Objective.CostEvaluator)
	envString("RAO_PREVENTIVE_STOP_CRITERION", &p.Objective.PreventiveStopCriterion)
	envString("RAO_CURATIVE_STOP_CRITERION", &p.Objective.CurativeStopCriterion)
	envFloat("RAO_CURATIVE_MIN_OBJ_IMPROVEMENT", &p.Objective.CurativeMinObjImprovement)
	envBool("RAO_OPTIMIZE_OPERATORS_NOT_SHARING_CRAS", &p.Objective.OptimizeOperatorsNotSharingCras)

	envInt("RAO_MAX_ITERATIONS", &p.RangeActions.MaxIterations)
	envFloat("RAO_PST_PENALTY_COST", &p.RangeActions.PstPenaltyCost)

	envFloat("RAO_ABSOLUTE_MIN_IMPACT_THRESHOLD", &p.NetworkActions.AbsoluteMinImpactThreshold)
	envFloat("RAO_RELATIVE_MIN_IMPACT_THRESHOLD", &p.NetworkActions.RelativeMinImpactThreshold)

	envInt("RAO_MAX_SEARCH_DEPTH", &p.SearchTree.MaximumSearchDepth)
	envInt("RAO_PREVENTIVE_LEAVES_IN_PARALLEL", &p.SearchTree.PreventiveLeavesInParallel)
	envInt("RAO_CURATIVE_LEAVES_IN_PARALLEL", &p.SearchTree.CurativeLeavesInParallel)
	envInt("RAO_PERIMETERS_IN_PARALLEL", &p.SearchTree.PerimetersInParallel)
	if v := os.Getenv("RAO_GENERATION_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			p.SearchTree.GenerationTimeout = d
		}
	}

	envBool("RAO_MNEC_ENABLED", &p.Mnec.Enabled)
	envBool("RAO_LOOP_FLOW_ENABLED", &p.LoopFlow.Enabled)

	envString("RAO_TRACE_EXPORTER", &p.Telemetry.TraceExporter)
	envString("RAO_METRIC_EXPORTER", &p.Telemetry.MetricExporter)
	envString("RAO_OTLP_ENDPOINT", &p.Telemetry.OTLPEndpoint)
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			*dst = i
		}
	}
}

func envFloat(key string, dst *float64) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		*dst = v == "true" || v == "1"
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field ranges and cross-field rules.
//
// Outputs:
//   - error: ErrInvalidParameters wrapping every violation, or nil.
func (p RaoParameters) Validate() error {
	var problems []string
	if err := validate.Struct(p); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("%w: %v", ErrInvalidParameters, err)
		}
		for _, fe := range verrs {
			problems = append(problems, fmt.Sprintf("%s fails %q", fe.Namespace(), fe.Tag()+paramSuffix(fe.Param())))
		}
	}

	if p.Mnec.Enabled && p.Mnec.ViolationCost <= 0 {
		problems = append(problems, "mnec.violation_cost must be > 0 when mnec is enabled")
	}
	if p.LoopFlow.Enabled && p.LoopFlow.ViolationCost <= 0 {
		problems = append(problems, "loop_flow.violation_cost must be > 0 when loop flows are enabled")
	}
	if p.Telemetry.TraceExporter == telemetry.ExporterOTLP && p.Telemetry.OTLPEndpoint == "" {
		problems = append(problems, "telemetry.otlp_endpoint is required by the otlp trace exporter")
	}
	if err := checkLimits(p.RaUsageLimits.Preventive); err != nil {
		problems = append(problems, fmt.Sprintf("ra_usage_limits.preventive: %v", err))
	}
	if err := checkLimits(p.RaUsageLimits.Curative); err != nil {
		problems = append(problems, fmt.Sprintf("ra_usage_limits.curative: %v", err))
	}

	if len(problems) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrInvalidParameters, strings.Join(problems, "; "))
}

func paramSuffix(param string) string {
	if param == "" {
		return ""
	}
	return "=" + param
}

func checkLimits(l linearopt.UsageLimits) error {
	if l.MaxRa < 0 || l.MaxTso < 0 {
		return errors.New("max_ra and max_tso must be >= 0")
	}
	for name, m := range map[string]map[string]int{
		"max_pst_per_tso":                l.MaxPstPerTso,
		"max_ra_per_tso":                 l.MaxRaPerTso,
		"max_topo_per_tso":               l.MaxTopoPerTso,
		"max_elementary_actions_per_tso": l.MaxElementaryActionsPerTso,
	} {
		for tso, v := range m {
			if v < 0 {
				return fmt.Errorf("%s[%s] must be >= 0", name, tso)
			}
		}
	}
	return nil
}

// =============================================================================
// Conversions
// =============================================================================

// ObjectiveConfig returns the objective function parameters.
func (p RaoParameters) ObjectiveConfig() objective.Config {
	cfg := objective.Config{
		RelativeMargin:         p.Objective.Type == ObjectiveMinRelativeMargin,
		PtdfSumLowerBound:      p.RelativeMargin.PtdfSumLowerBound,
		SensitivityFailureCost: p.Objective.SensitivityFailureOvercost,
	}
	if p.Mnec.Enabled {
		cfg.MnecAcceptableMarginDecrease = p.Mnec.AcceptableMarginDecrease
		cfg.MnecViolationCost = p.Mnec.ViolationCost
	}
	if p.LoopFlow.Enabled {
		cfg.LoopFlowAcceptableIncrease = p.LoopFlow.AcceptableIncrease
		cfg.LoopFlowViolationCost = p.LoopFlow.ViolationCost
	}
	return cfg
}

// Evaluator returns the configured cost evaluator.
func (p RaoParameters) Evaluator() (costeval.Evaluator, error) {
	return costeval.New(p.Objective.CostEvaluator)
}

// LinearParameters returns the linear optimizer parameters of one instant.
func (p RaoParameters) LinearParameters(curative bool) linearopt.Parameters {
	limits := p.RaUsageLimits.Preventive
	if curative {
		limits = p.RaUsageLimits.Curative
	}
	return linearopt.Parameters{
		MaxIterations:      p.RangeActions.MaxIterations,
		ConvergenceEpsilon: p.RangeActions.ConvergenceEpsilon,
		Penalties: linearopt.Penalties{
			Pst:       p.RangeActions.PstPenaltyCost,
			Hvdc:      p.RangeActions.HvdcPenaltyCost,
			Injection: p.RangeActions.InjectionPenaltyCost,
		},
		Limits: limits,
	}
}

// SearchTreeParameters returns the search parameters of one instant. The
// stop criterion is MIN_OBJECTIVE; callers derive the actual criterion from
// the objective parameters.
func (p RaoParameters) SearchTreeParameters(curative bool) searchtree.Parameters {
	st := searchtree.Parameters{
		StopCriterion:              searchtree.MinObjective,
		MaximumSearchDepth:         p.SearchTree.MaximumSearchDepth,
		LeavesInParallel:           p.SearchTree.PreventiveLeavesInParallel,
		RelativeMinImpactThreshold: p.NetworkActions.RelativeMinImpactThreshold,
		AbsoluteMinImpactThreshold: p.NetworkActions.AbsoluteMinImpactThreshold,
		Limits:                     p.RaUsageLimits.Preventive,
		PredefinedCombinations:     p.NetworkActions.PredefinedCombinations,
		GenerationTimeout:          p.SearchTree.GenerationTimeout,
	}
	if curative {
		st.LeavesInParallel = p.SearchTree.CurativeLeavesInParallel
		st.Limits = p.RaUsageLimits.Curative
	}
	return st
}
