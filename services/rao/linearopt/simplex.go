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
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize/convex/lp"
)

// ErrNilContext is returned when a nil context is passed.
var ErrNilContext = errors.New("context must not be nil")

const boundTolerance = 1e-9

// SimplexSolver solves problems with the gonum simplex implementation.
//
// Description:
//
//	The general-form problem is rewritten in standard form
//	(min cᵀz, Az = b, z >= 0). Variables with a finite lower bound are
//	shifted so that z = x - lower; variables bounded only from above are
//	mirrored; free variables are split into two non-negative parts. Every
//	inequality gets its own slack column. Variables that appear in no
//	constraint are fixed at the bound their cost favours and never reach
//	the simplex.
//
// Thread Safety: stateless, safe for concurrent use.
type SimplexSolver struct {
	Tolerance float64
}

// NewSimplexSolver returns a solver with the default tolerance.
func NewSimplexSolver() *SimplexSolver {
	return &SimplexSolver{Tolerance: 1e-10}
}

type columnMap struct {
	offset float64
	cols   []int
	signs  []float64
}

type standardRow struct {
	coefs map[int]float64
	slack float64
	rhs   float64
}

// Solve implements Solver.
func (s *SimplexSolver) Solve(ctx context.Context, p *Problem) (sol *Solution, err error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	if p == nil {
		return nil, errors.New("problem must not be nil")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	defer func() {
		if r := recover(); r != nil {
			sol, err = &Solution{Status: SolveAbnormal, Detail: fmt.Sprint(r)}, nil
		}
	}()

	n := len(p.variables)
	used := make([]bool, n)
	for _, c := range p.constraints {
		for v, coef := range c.Coefficients {
			if coef != 0 {
				used[v] = true
			}
		}
	}

	values := make([]float64, n)
	maps := make([]columnMap, n)
	nCols := 0
	var rows []standardRow
	for j, v := range p.variables {
		if v.Lower > v.Upper+boundTolerance {
			return &Solution{Status: SolveInfeasible, Detail: fmt.Sprintf("variable %s has empty bounds", v.Name)}, nil
		}
		if !used[j] {
			value, ok := fixUnused(v)
			if !ok {
				return &Solution{Status: SolveUnbounded, Detail: fmt.Sprintf("variable %s is unbounded", v.Name)}, nil
			}
			values[j] = value
			continue
		}
		switch {
		case !math.IsInf(v.Lower, -1):
			maps[j] = columnMap{offset: v.Lower, cols: []int{nCols}, signs: []float64{1}}
			if !math.IsInf(v.Upper, 1) {
				rows = append(rows, standardRow{coefs: map[int]float64{nCols: 1}, slack: 1, rhs: math.Max(0, v.Upper-v.Lower)})
			}
			nCols++
		case !math.IsInf(v.Upper, 1):
			maps[j] = columnMap{offset: v.Upper, cols: []int{nCols}, signs: []float64{-1}}
			nCols++
		default:
			maps[j] = columnMap{cols: []int{nCols, nCols + 1}, signs: []float64{1, -1}}
			nCols += 2
		}
	}

	for _, c := range p.constraints {
		var constant float64
		coefs := make(map[int]float64)
		for v, coef := range c.Coefficients {
			if coef == 0 {
				continue
			}
			constant += coef * maps[v].offset
			for k, col := range maps[v].cols {
				coefs[col] += coef * maps[v].signs[k]
			}
		}
		if len(coefs) == 0 {
			if constant < c.Lower-boundTolerance || constant > c.Upper+boundTolerance {
				return &Solution{Status: SolveInfeasible, Detail: fmt.Sprintf("constant constraint %s violated", c.Name)}, nil
			}
			continue
		}
		if c.Lower == c.Upper {
			rows = append(rows, standardRow{coefs: coefs, rhs: c.Lower - constant})
			continue
		}
		if !math.IsInf(c.Upper, 1) {
			rows = append(rows, standardRow{coefs: coefs, slack: 1, rhs: c.Upper - constant})
		}
		if !math.IsInf(c.Lower, -1) {
			rows = append(rows, standardRow{coefs: coefs, slack: -1, rhs: c.Lower - constant})
		}
	}

	if len(rows) > 0 {
		x, status, detail := s.solveStandard(nCols, rows, p.variables, maps)
		if status != SolveOptimal {
			return &Solution{Status: status, Detail: detail}, nil
		}
		for j := range p.variables {
			if !used[j] {
				continue
			}
			value := maps[j].offset
			for k, col := range maps[j].cols {
				value += maps[j].signs[k] * x[col]
			}
			values[j] = value
		}
	}

	var objective float64
	for j, v := range p.variables {
		objective += v.Cost * values[j]
	}
	return &Solution{Status: SolveOptimal, Objective: objective, Values: values}, nil
}

func (s *SimplexSolver) solveStandard(nCols int, rows []standardRow, vars []Variable, maps []columnMap) ([]float64, SolveStatus, string) {
	nSlack := 0
	for _, r := range rows {
		if r.slack != 0 {
			nSlack++
		}
	}
	m, total := len(rows), nCols+nSlack
	if m > total {
		return nil, SolveAbnormal, fmt.Sprintf("%d equality rows for %d columns", m, total)
	}

	a := mat.NewDense(m, total, nil)
	b := make([]float64, m)
	slackCol := nCols
	for i, r := range rows {
		sign := 1.0
		if r.rhs < 0 {
			sign = -1
		}
		for col, coef := range r.coefs {
			a.Set(i, col, sign*coef)
		}
		if r.slack != 0 {
			a.Set(i, slackCol, sign*r.slack)
			slackCol++
		}
		b[i] = sign * r.rhs
	}

	c := make([]float64, total)
	for j, v := range vars {
		for k, col := range maps[j].cols {
			c[col] += v.Cost * maps[j].signs[k]
		}
	}

	tol := s.Tolerance
	if tol <= 0 {
		tol = 1e-10
	}
	_, x, err := lp.Simplex(c, a, b, tol, nil)
	switch {
	case err == nil:
		return x, SolveOptimal, ""
	case errors.Is(err, lp.ErrInfeasible):
		return nil, SolveInfeasible, err.Error()
	case errors.Is(err, lp.ErrUnbounded):
		return nil, SolveUnbounded, err.Error()
	default:
		return nil, SolveAbnormal, err.Error()
	}
}

// fixUnused returns the optimal value of a variable that appears in no
// constraint, or false if it is unbounded in the cost direction.
func fixUnused(v Variable) (float64, bool) {
	switch {
	case v.Cost > 0:
		return v.Lower, !math.IsInf(v.Lower, -1)
	case v.Cost < 0:
		return v.Upper, !math.IsInf(v.Upper, 1)
	default:
		return math.Min(math.Max(0, v.Lower), v.Upper), true
	}
}
