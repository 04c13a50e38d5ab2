// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package analysis

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/AleutianAI/memtrace/services/memtrace/entry"
	"github.com/AleutianAI/memtrace/services/memtrace/traceerr"
)

// Resolver maps a symbol or address expression to a program counter.
type Resolver interface {
	Resolve(symbol string) (uint64, error)
}

// NumericResolver accepts numeric addresses in any Go integer literal base
// ("0x401000", "4198400", "0o20"). It knows no symbols.
type NumericResolver struct{}

// Resolve parses symbol as an unsigned integer.
//
// Fails with traceerr.ErrNotFound when symbol is not a number.
func (NumericResolver) Resolve(symbol string) (uint64, error) {
	pc, err := strconv.ParseUint(strings.TrimSpace(symbol), 0, 64)
	if err != nil {
		return 0, traceerr.Wrap(traceerr.ErrNotFound, nil, "cannot resolve %q", symbol)
	}
	return pc, nil
}

// SeedRequest selects taint seeds either by program counter or by trace
// positions. Exactly one of PC and Positions must be set.
type SeedRequest struct {
	// PC is an address expression handed to the session's Resolver. The
	// seed is the last execution of that address.
	PC string

	// Positions are explicit trace positions.
	Positions []uint64
}

// Validate rejects requests that set both or neither selector. It does no
// I/O.
func (r SeedRequest) Validate() error {
	hasPC := strings.TrimSpace(r.PC) != ""
	hasPos := len(r.Positions) > 0
	switch {
	case hasPC && hasPos:
		return traceerr.Wrap(traceerr.ErrAmbiguousRequest, nil, "both a pc and trace positions were given")
	case !hasPC && !hasPos:
		return traceerr.Wrap(traceerr.ErrAmbiguousRequest, nil, "one of a pc or trace positions is required")
	}
	return nil
}

// ParseLocationRange parses "start-end" (end exclusive) or a single
// address into a Location in the given space. Numbers use Go literal
// syntax.
func ParseLocationRange(space entry.Space, s string) (entry.Location, error) {
	lo, hi, isRange := strings.Cut(strings.TrimSpace(s), "-")
	start, err := strconv.ParseUint(strings.TrimSpace(lo), 0, 64)
	if err != nil {
		return entry.Location{}, fmt.Errorf("range %q: %w", s, err)
	}
	size := uint64(1)
	if isRange {
		end, err := strconv.ParseUint(strings.TrimSpace(hi), 0, 64)
		if err != nil {
			return entry.Location{}, fmt.Errorf("range %q: %w", s, err)
		}
		if end <= start {
			return entry.Location{}, fmt.Errorf("range %q: end must be above start", s)
		}
		size = end - start
	}
	return entry.Location{Space: space, Addr: start, Size: size}, nil
}
