// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation checks identifiers read from case files.
//
// Identifiers end up in rendered state ids ("co1 - curative"), in
// combination ids ("na1 + na2"), in log attributes and in metric labels.
// Rejecting the separators and control characters up front keeps those
// renderings unambiguous.
package validation

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Separators used when identifiers are joined.
const (
	StateSeparator       = " - "
	CombinationSeparator = " + "
)

// MaxIDLength is the maximum identifier length in runes.
const MaxIDLength = 256

// operatorPattern matches operator codes: short country codes ("FR") as
// well as 16 character EIC codes ("10XFR-RTE------Q").
var operatorPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.\-]{0,31}$`)

// ValidateID validates the identifier of any CRAC object or grid element.
//
// Valid identifiers:
//   - 1 to MaxIDLength runes of valid UTF-8
//   - no leading or trailing whitespace
//   - no control characters
func ValidateID(id string) error {
	if id == "" {
		return fmt.Errorf("id cannot be empty")
	}
	if !utf8.ValidString(id) {
		return fmt.Errorf("id %q is not valid UTF-8", id)
	}
	if n := utf8.RuneCountInString(id); n > MaxIDLength {
		return fmt.Errorf("id %.20q... is %d characters long (max %d)", id, n, MaxIDLength)
	}
	if strings.TrimSpace(id) != id {
		return fmt.Errorf("id %q has leading or trailing whitespace", id)
	}
	if strings.IndexFunc(id, unicode.IsControl) >= 0 {
		return fmt.Errorf("id %q contains control characters", id)
	}
	return nil
}

// ValidateContingencyID validates a contingency id, which prefixes the
// ids of its states.
func ValidateContingencyID(id string) error {
	if err := ValidateID(id); err != nil {
		return err
	}
	if strings.Contains(id, StateSeparator) {
		return fmt.Errorf("contingency id %q contains %q", id, StateSeparator)
	}
	return nil
}

// ValidateNetworkActionID validates a network action id, which is joined
// into combination ids.
func ValidateNetworkActionID(id string) error {
	if err := ValidateID(id); err != nil {
		return err
	}
	if strings.Contains(id, CombinationSeparator) {
		return fmt.Errorf("network action id %q contains %q", id, CombinationSeparator)
	}
	return nil
}

// ValidateOperator validates an operator code. The empty operator is
// allowed: the object then belongs to no operator.
func ValidateOperator(op string) error {
	if op == "" {
		return nil
	}
	if !operatorPattern.MatchString(op) {
		return fmt.Errorf("invalid operator %q (must be 1-32 alphanumeric chars, dots, underscores or hyphens)", op)
	}
	return nil
}

// Collector gathers validation failures so that a whole document can be
// reported at once.
//
//	var v validation.Collector
//	v.Check("cnec", cnec.ID, validation.ValidateID)
//	if err := v.Err(); err != nil {
//	    return err
//	}
type Collector struct {
	problems []string
}

// Check runs fn on value and records a failure under kind.
func (c *Collector) Check(kind, value string, fn func(string) error) {
	if err := fn(value); err != nil {
		c.problems = append(c.problems, kind+": "+err.Error())
	}
}

// Err returns every recorded failure, or nil.
func (c *Collector) Err() error {
	if len(c.problems) == 0 {
		return nil
	}
	return fmt.Errorf("invalid identifiers: %s", strings.Join(c.problems, "; "))
}
