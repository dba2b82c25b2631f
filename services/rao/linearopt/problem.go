// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package linearopt

import (
	"context"
	"fmt"
	"math"
)

// =============================================================================
// Linear problem model
// =============================================================================

// Variable is a bounded decision variable. Infinite bounds are allowed.
type Variable struct {
	Name  string
	Lower float64
	Upper float64
	Cost  float64
}

// Constraint bounds a linear expression: Lower <= Σ coef·x <= Upper.
// Use ±Inf for a one-sided constraint and Lower == Upper for an equality.
type Constraint struct {
	Name         string
	Lower        float64
	Upper        float64
	Coefficients map[int]float64
}

// Problem is a linear minimization problem in general form.
//
// Thread Safety: not safe for concurrent mutation. Solvers only read it.
type Problem struct {
	variables   []Variable
	constraints []Constraint
	index       map[string]int
}

// NewProblem creates an empty problem.
func NewProblem() *Problem {
	return &Problem{index: make(map[string]int)}
}

// AddVariable adds a variable and returns its index. Names must be unique.
func (p *Problem) AddVariable(name string, lower, upper, cost float64) (int, error) {
	if _, ok := p.index[name]; ok {
		return 0, fmt.Errorf("duplicate variable %q", name)
	}
	if math.IsNaN(lower) || math.IsNaN(upper) || math.IsNaN(cost) {
		return 0, fmt.Errorf("variable %q: NaN bound or cost", name)
	}
	p.variables = append(p.variables, Variable{Name: name, Lower: lower, Upper: upper, Cost: cost})
	p.index[name] = len(p.variables) - 1
	return len(p.variables) - 1, nil
}

// AddConstraint adds a constraint over existing variables.
func (p *Problem) AddConstraint(name string, lower, upper float64, coefficients map[int]float64) error {
	if math.IsNaN(lower) || math.IsNaN(upper) {
		return fmt.Errorf("constraint %q: NaN bound", name)
	}
	for v, coef := range coefficients {
		if v < 0 || v >= len(p.variables) {
			return fmt.Errorf("constraint %q: unknown variable %d", name, v)
		}
		if math.IsNaN(coef) || math.IsInf(coef, 0) {
			return fmt.Errorf("constraint %q: invalid coefficient for %s", name, p.variables[v].Name)
		}
	}
	p.constraints = append(p.constraints, Constraint{Name: name, Lower: lower, Upper: upper, Coefficients: coefficients})
	return nil
}

// VariableIndex returns the index of a named variable.
func (p *Problem) VariableIndex(name string) (int, bool) {
	i, ok := p.index[name]
	return i, ok
}

// Variables returns the variables, in index order.
func (p *Problem) Variables() []Variable {
	return p.variables
}

// Constraints returns the constraints.
func (p *Problem) Constraints() []Constraint {
	return p.constraints
}

// =============================================================================
// Solver abstraction
// =============================================================================

// SolveStatus is the outcome of one LP solve.
type SolveStatus int

const (
	SolveOptimal SolveStatus = iota
	SolveInfeasible
	SolveUnbounded
	SolveAbnormal
)

// String returns the status name.
func (s SolveStatus) String() string {
	switch s {
	case SolveOptimal:
		return "OPTIMAL"
	case SolveInfeasible:
		return "INFEASIBLE"
	case SolveUnbounded:
		return "UNBOUNDED"
	case SolveAbnormal:
		return "ABNORMAL"
	default:
		return fmt.Sprintf("SolveStatus(%d)", int(s))
	}
}

// Solution is the result of a solve. Values and Objective are only set
// when Status is SolveOptimal.
type Solution struct {
	Status    SolveStatus
	Objective float64
	Values    []float64

	// Detail describes a non-optimal status.
	Detail string
}

// Value returns the value of variable i.
func (s *Solution) Value(i int) float64 {
	if s == nil || i < 0 || i >= len(s.Values) {
		return math.NaN()
	}
	return s.Values[i]
}

// Solver solves linear problems.
//
// Solve returns an error only when it cannot run at all (cancelled context,
// nil problem). Infeasible or unbounded problems are reported through
// Solution.Status.
type Solver interface {
	Solve(ctx context.Context, p *Problem) (*Solution, error)
}
