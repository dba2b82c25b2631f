// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ux

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
)

// Mode controls how much styling the output carries.
type Mode string

const (
	// ModeRich uses colors, icons, boxes and bordered tables.
	ModeRich Mode = "rich"

	// ModePlain uses icons and aligned columns without colors.
	ModePlain Mode = "plain"

	// ModeMachine writes one key=value record per line for scripts.
	ModeMachine Mode = "machine"
)

// ModeEnv overrides the detected mode when set.
const ModeEnv = "RAO_OUTPUT_MODE"

// ParseMode converts a flag value to a Mode. "auto" and "" detect the
// mode from w and the environment.
func ParseMode(s string, w io.Writer) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return DetectMode(w), nil
	case "rich":
		return ModeRich, nil
	case "plain":
		return ModePlain, nil
	case "machine":
		return ModeMachine, nil
	default:
		return ModePlain, fmt.Errorf("unknown output mode %q (want auto, rich, plain or machine)", s)
	}
}

// DetectMode returns the mode named by RAO_OUTPUT_MODE if valid, ModeRich
// when w is a terminal, and ModePlain otherwise.
func DetectMode(w io.Writer) Mode {
	switch env := strings.ToLower(strings.TrimSpace(os.Getenv(ModeEnv))); env {
	case string(ModeRich), string(ModePlain), string(ModeMachine):
		return Mode(env)
	}
	if f, ok := w.(*os.File); ok && isTerminal(f) {
		return ModeRich
	}
	return ModePlain
}

func isTerminal(f *os.File) bool {
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
