// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command rao optimizes the remedial actions of a linear grid case.
//
// Usage:
//
//	go run ./cmd/rao run --case study.yaml
//	go run ./cmd/rao run --case study.yaml --config rao.yaml --output result.json
//	go run ./cmd/rao tree --case study.yaml
//	go run ./cmd/rao params --config rao.yaml
//
// Parameters come from defaults, then the --config file, then RAO_*
// environment variables. The result is written as JSON to stdout (or
// --output); logs go to stderr.
//
// With Prometheus metrics served while the run is in progress:
//
//	RAO_METRIC_EXPORTER=prometheus go run ./cmd/rao run --case study.yaml --metrics-addr :9464
package main

import (
	"io"
	"log/slog"
	"os"

	"github.com/AleutianAI/gridrao/pkg/logging"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(runCLI(os.Args[1:], os.Stdout, os.Stderr))
}

// runCLI executes the command line and returns the process exit code. A
// failing command is logged through the logger its flags configure, or an
// info-level logger when those flags are themselves invalid.
func runCLI(args []string, stdout, stderr io.Writer) int {
	opts := &rootOptions{}
	root := newRootCmd(opts)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.Execute()
	if err == nil {
		return 0
	}
	logger, lerr := opts.newLogger(stderr)
	if lerr != nil {
		logger = logging.New(logging.Config{Level: logging.LevelInfo, Service: "rao", JSON: opts.logJSON, Output: stderr})
	}
	defer logger.Close()
	logger.Error("rao failed", slog.String("error", err.Error()))
	return 1
}
