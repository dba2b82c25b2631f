// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/AleutianAI/gridrao/pkg/ux"
	"github.com/AleutianAI/gridrao/services/rao/engine"
	"github.com/AleutianAI/gridrao/services/rao/perimeter"
)

// Output formats of the run command.
const (
	formatJSON = "json"
	formatText = "text"
)

// writeResult writes res to w in the requested format.
func writeResult(w io.Writer, format, mode string, res *engine.RaoResult) error {
	switch format {
	case formatJSON, "":
		return writeJSON(w, res)
	case formatText:
		m, err := ux.ParseMode(mode, w)
		if err != nil {
			return err
		}
		writeSummary(ux.NewPrinter(w, m), res)
		return nil
	default:
		return fmt.Errorf("unknown format %q (want %s or %s)", format, formatJSON, formatText)
	}
}

func statusIcon(s perimeter.Status) ux.Icon {
	switch s {
	case perimeter.StatusDefault:
		return ux.IconSuccess
	case perimeter.StatusFallback:
		return ux.IconWarning
	default:
		return ux.IconError
	}
}

// writeSummary prints the run header, the global objective and one row per
// perimeter.
func writeSummary(p *ux.Printer, res *engine.RaoResult) {
	p.Title("RAO " + res.CracID)
	p.Status(statusIcon(res.Status), fmt.Sprintf("%s: %s", res.Status, res.ExecutionDetails))

	keys := []string{"run_id", "cost", "functional_cost", "virtual_cost", "initial_cost", "duration"}
	values := map[string]string{
		"run_id":          res.RunID,
		"cost":            formatCost(res.Cost()),
		"functional_cost": formatCost(res.Objective.FunctionalCost),
		"virtual_cost":    formatCost(res.Objective.VirtualCost()),
		"initial_cost":    formatCost(res.InitialObjective.Cost()),
		"duration":        res.Duration.String(),
	}
	if len(res.ExcludedContingencies) > 0 {
		keys = append(keys, "excluded")
		values["excluded"] = strings.Join(res.ExcludedContingencies, ", ")
	}
	if len(res.OperatorsNotSharingCras) > 0 {
		keys = append(keys, "operators_not_sharing_cras")
		values["operators_not_sharing_cras"] = strings.Join(res.OperatorsNotSharingCras, ", ")
	}
	p.Fields(keys, values)
	p.Blank()

	headers := []string{"state", "kind", "status", "cost", "network_actions", "range_actions"}
	rows := make([][]string, 0, len(res.Perimeters))
	for _, pr := range res.Perimeters {
		rows = append(rows, []string{
			pr.State,
			string(pr.Kind),
			pr.Status.String(),
			formatCost(pr.Cost),
			listOrDash(pr.ActivatedNetworkActions),
			rangeActions(pr),
		})
	}
	p.Table(headers, rows)
}

func formatCost(v float64) string {
	return fmt.Sprintf("%.2f", v)
}

func listOrDash(ids []string) string {
	if len(ids) == 0 {
		return "-"
	}
	return strings.Join(ids, ", ")
}

// rangeActions renders the activated range actions with their setpoints.
func rangeActions(pr engine.PerimeterResult) string {
	if len(pr.ActivatedRangeActions) == 0 {
		return "-"
	}
	parts := make([]string, 0, len(pr.ActivatedRangeActions))
	for _, id := range pr.ActivatedRangeActions {
		parts = append(parts, fmt.Sprintf("%s=%.2f", id, pr.RangeActionSetpoints[id]))
	}
	return strings.Join(parts, ", ")
}
