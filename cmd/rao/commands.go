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
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/gridrao/pkg/logging"
	"github.com/AleutianAI/gridrao/services/rao/config"
	"github.com/AleutianAI/gridrao/services/rao/lineargrid"
	"github.com/AleutianAI/gridrao/services/rao/statetree"
)

// rootOptions are the flags shared by every subcommand.
type rootOptions struct {
	configPath string
	logLevel   string
	logJSON    bool
	logDir     string
}

func newRootCmd(opts *rootOptions) *cobra.Command {
	root := &cobra.Command{
		Use:   "rao",
		Short: "Remedial action optimization for linear grid cases",
		Long: `rao searches the network action combinations and range action
setpoints that maximize the minimum margin of a grid case, state by state:
preventive first, then automaton and curative states of each contingency.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "RAO parameters file (YAML or JSON)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	root.PersistentFlags().BoolVar(&opts.logJSON, "log-json", false, "Write logs as JSON")
	root.PersistentFlags().StringVar(&opts.logDir, "log-dir", "", "Also write JSON logs to this directory")

	root.AddCommand(
		newRunCmd(opts),
		newTreeCmd(),
		newParamsCmd(opts),
		newVersionCmd(),
	)
	return root
}

// newLogger builds the process logger from the shared flags.
func (o *rootOptions) newLogger(stderr io.Writer) (*logging.Logger, error) {
	level, err := logging.ParseLevel(o.logLevel)
	if err != nil {
		return nil, err
	}
	return logging.New(logging.Config{
		Level:   level,
		LogDir:  o.logDir,
		Service: "rao",
		JSON:    o.logJSON,
		Output:  stderr,
	}), nil
}

// =============================================================================
// tree
// =============================================================================

// treeView is the JSON rendering of a state tree, with states as ids.
type treeView struct {
	Crac                    string         `json:"crac"`
	Basecase                []string       `json:"basecase"`
	Scenarios               []scenarioView `json:"scenarios"`
	OperatorsNotSharingCras []string       `json:"operators_not_sharing_cras,omitempty"`
}

type scenarioView struct {
	Contingency string `json:"contingency"`
	Automaton   string `json:"automaton,omitempty"`
	Curative    string `json:"curative"`
}

func newTreeView(cracID string, t *statetree.StateTree) treeView {
	v := treeView{Crac: cracID, Scenarios: []scenarioView{}, OperatorsNotSharingCras: t.OperatorsNotSharingCras()}
	for _, s := range t.Basecase().AllStates() {
		v.Basecase = append(v.Basecase, s.ID())
	}
	for _, sc := range t.ContingencyScenarios() {
		sv := scenarioView{Contingency: sc.ContingencyID, Curative: sc.CurativeState.ID()}
		if sc.AutomatonState != nil {
			sv.Automaton = sc.AutomatonState.ID()
		}
		v.Scenarios = append(v.Scenarios, sv)
	}
	return v
}

func newTreeCmd() *cobra.Command {
	var casePath string
	cmd := &cobra.Command{
		Use:   "tree",
		Short: "Print how the states of a case are split into perimeters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := lineargrid.LoadCase(casePath)
			if err != nil {
				return err
			}
			tree, err := statetree.Build(c.Crac)
			if err != nil {
				return fmt.Errorf("build state tree: %w", err)
			}
			return writeJSON(cmd.OutOrStdout(), newTreeView(c.Crac.ID, tree))
		},
	}
	cmd.Flags().StringVar(&casePath, "case", "", "Case file (YAML)")
	_ = cmd.MarkFlagRequired("case")
	return cmd
}

// =============================================================================
// params
// =============================================================================

func newParamsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "params",
		Short: "Print the effective parameters after file and environment overrides",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			params, err := config.LoadRaoParameters(opts.configPath)
			if err != nil {
				return err
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(params); err != nil {
				return fmt.Errorf("encode parameters: %w", err)
			}
			return enc.Close()
		},
	}
}

// =============================================================================
// version
// =============================================================================

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "rao %s\n", version)
		},
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// openOutput returns stdout for "" or "-", else the created file.
func openOutput(path string, stdout io.Writer) (io.Writer, func() error, error) {
	if path == "" || path == "-" {
		return stdout, func() error { return nil }, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("create output: %w", err)
	}
	return f, f.Close, nil
}
