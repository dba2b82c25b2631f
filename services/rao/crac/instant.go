// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package crac

import (
	"fmt"
	"strings"
)

// Instant is the moment of a state relative to a contingency.
//
// Instants are totally ordered: Preventive < Outage < Auto < Curative.
// There is exactly one preventive instant per study.
type Instant int

const (
	InstantPreventive Instant = iota
	InstantOutage
	InstantAuto
	InstantCurative
)

// String returns the lowercase name of the instant.
func (i Instant) String() string {
	switch i {
	case InstantPreventive:
		return "preventive"
	case InstantOutage:
		return "outage"
	case InstantAuto:
		return "auto"
	case InstantCurative:
		return "curative"
	default:
		return fmt.Sprintf("instant(%d)", int(i))
	}
}

// ComesBefore reports whether i is strictly earlier than other.
func (i Instant) ComesBefore(other Instant) bool {
	return i < other
}

// IsValid reports whether i is one of the four known instants.
func (i Instant) IsValid() bool {
	return i >= InstantPreventive && i <= InstantCurative
}

// ParseInstant converts a case-insensitive instant name.
func ParseInstant(s string) (Instant, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "preventive":
		return InstantPreventive, nil
	case "outage":
		return InstantOutage, nil
	case "auto":
		return InstantAuto, nil
	case "curative":
		return InstantCurative, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownInstant, s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (i Instant) MarshalText() ([]byte, error) {
	return []byte(i.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (i *Instant) UnmarshalText(text []byte) error {
	parsed, err := ParseInstant(string(text))
	if err != nil {
		return err
	}
	*i = parsed
	return nil
}
