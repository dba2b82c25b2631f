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

import "errors"

// Sentinel errors for CRAC construction. Callers match them with errors.Is.
var (
	ErrUnknownInstant       = errors.New("unknown instant")
	ErrInvalidState         = errors.New("invalid state")
	ErrDuplicateID          = errors.New("duplicate identifier")
	ErrUnknownContingency   = errors.New("unknown contingency")
	ErrUnknownCnec          = errors.New("unknown cnec")
	ErrInvalidCnec          = errors.New("invalid cnec")
	ErrInvalidRangeAction   = errors.New("invalid range action")
	ErrInvalidNetworkAction = errors.New("invalid network action")
)
