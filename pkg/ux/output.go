// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package ux renders human readable summaries for the rao CLI.
package ux

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

// Aleutian color palette - deep ocean teals and arctic waters
var (
	ColorTealBright  = lipgloss.Color("#2CD7C7") // Bright teal - highlights, success
	ColorTealPrimary = lipgloss.Color("#20B9B4") // Primary teal - main brand color
	ColorTealDeep    = lipgloss.Color("#16858E") // Deep teal - borders, accents
	ColorSlate       = lipgloss.Color("#2C4A54") // Slate - muted text, borders

	ColorSuccess = lipgloss.Color("#2CD7C7")
	ColorWarning = lipgloss.Color("#F4D03F")
	ColorError   = lipgloss.Color("#E74C3C")
)

// Icon is a status marker.
type Icon string

const (
	IconSuccess Icon = "✓"
	IconWarning Icon = "⚠"
	IconError   Icon = "✗"
	IconBullet  Icon = "•"
)

// machineTag is the prefix of an icon line in ModeMachine.
func (i Icon) machineTag() string {
	switch i {
	case IconSuccess:
		return "OK"
	case IconWarning:
		return "WARN"
	case IconError:
		return "ERROR"
	default:
		return "INFO"
	}
}

type styles struct {
	title   lipgloss.Style
	muted   lipgloss.Style
	bold    lipgloss.Style
	success lipgloss.Style
	warning lipgloss.Style
	err     lipgloss.Style
	box     lipgloss.Style
	border  lipgloss.Style
	header  lipgloss.Style
	cell    lipgloss.Style
}

func newStyles(r *lipgloss.Renderer) styles {
	return styles{
		title:   r.NewStyle().Bold(true).Foreground(ColorTealBright),
		muted:   r.NewStyle().Foreground(ColorSlate),
		bold:    r.NewStyle().Bold(true),
		success: r.NewStyle().Foreground(ColorSuccess),
		warning: r.NewStyle().Foreground(ColorWarning),
		err:     r.NewStyle().Foreground(ColorError),
		box: r.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(ColorTealDeep).
			Padding(0, 1),
		border: r.NewStyle().Foreground(ColorTealDeep),
		header: r.NewStyle().Bold(true).Foreground(ColorTealPrimary).Padding(0, 1),
		cell:   r.NewStyle().Padding(0, 1),
	}
}

// Printer writes styled output to one writer.
//
// Thread Safety: not safe for concurrent use.
type Printer struct {
	w      io.Writer
	mode   Mode
	styles styles
}

// NewPrinter creates a printer. The lipgloss renderer detects the color
// profile of w, so colors are dropped when w is not a terminal even in
// ModeRich.
func NewPrinter(w io.Writer, mode Mode) *Printer {
	return &Printer{w: w, mode: mode, styles: newStyles(lipgloss.NewRenderer(w))}
}

// Mode returns the output mode.
func (p *Printer) Mode() Mode {
	return p.mode
}

// Title prints a heading. Machine output has no headings.
func (p *Printer) Title(text string) {
	switch p.mode {
	case ModeMachine:
		return
	case ModeRich:
		fmt.Fprintln(p.w, p.styles.title.Render(text))
	default:
		fmt.Fprintln(p.w, text)
	}
}

// Status prints text prefixed with an icon.
func (p *Printer) Status(icon Icon, text string) {
	switch p.mode {
	case ModeMachine:
		fmt.Fprintf(p.w, "%s: %s\n", icon.machineTag(), text)
	case ModeRich:
		fmt.Fprintf(p.w, "%s %s\n", p.iconStyle(icon).Render(string(icon)), text)
	default:
		fmt.Fprintf(p.w, "%s %s\n", icon, text)
	}
}

func (p *Printer) iconStyle(icon Icon) lipgloss.Style {
	switch icon {
	case IconSuccess:
		return p.styles.success
	case IconWarning:
		return p.styles.warning
	case IconError:
		return p.styles.err
	default:
		return p.styles.muted
	}
}

// Fields prints key/value pairs in the given key order.
func (p *Printer) Fields(keys []string, values map[string]string) {
	switch p.mode {
	case ModeMachine:
		for _, k := range keys {
			fmt.Fprintf(p.w, "%s=%s\n", k, machineValue(values[k]))
		}
	case ModeRich:
		var b strings.Builder
		width := 0
		for _, k := range keys {
			if len(k) > width {
				width = len(k)
			}
		}
		for i, k := range keys {
			if i > 0 {
				b.WriteByte('\n')
			}
			fmt.Fprintf(&b, "%s  %s", p.styles.muted.Render(fmt.Sprintf("%-*s", width, k)), p.styles.bold.Render(values[k]))
		}
		fmt.Fprintln(p.w, p.styles.box.Render(b.String()))
	default:
		tw := tabwriter.NewWriter(p.w, 0, 0, 2, ' ', 0)
		for _, k := range keys {
			fmt.Fprintf(tw, "%s\t%s\n", k, values[k])
		}
		_ = tw.Flush()
	}
}

// Table prints rows under headers. Machine output writes one record per
// row with header=value pairs.
func (p *Printer) Table(headers []string, rows [][]string) {
	switch p.mode {
	case ModeMachine:
		for _, row := range rows {
			parts := make([]string, 0, len(headers))
			for i, h := range headers {
				v := ""
				if i < len(row) {
					v = row[i]
				}
				parts = append(parts, h+"="+machineValue(v))
			}
			fmt.Fprintln(p.w, strings.Join(parts, " "))
		}
	case ModeRich:
		t := table.New().
			Border(lipgloss.RoundedBorder()).
			BorderStyle(p.styles.border).
			Headers(headers...).
			Rows(rows...).
			StyleFunc(func(row, _ int) lipgloss.Style {
				if row == table.HeaderRow {
					return p.styles.header
				}
				return p.styles.cell
			})
		fmt.Fprintln(p.w, t.String())
	default:
		tw := tabwriter.NewWriter(p.w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, strings.Join(headers, "\t"))
		for _, row := range rows {
			fmt.Fprintln(tw, strings.Join(row, "\t"))
		}
		_ = tw.Flush()
	}
}

// Blank prints an empty line outside machine mode.
func (p *Printer) Blank() {
	if p.mode != ModeMachine {
		fmt.Fprintln(p.w)
	}
}

// machineValue quotes values containing spaces so records stay splittable.
func machineValue(v string) string {
	if v == "" || strings.ContainsAny(v, " \t\"=") {
		return fmt.Sprintf("%q", v)
	}
	return v
}

// SortedKeys returns the keys of m in ascending order.
func SortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
