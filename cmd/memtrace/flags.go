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
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/memtrace/services/memtrace/analysis"
	"github.com/AleutianAI/memtrace/services/memtrace/entry"
	"github.com/AleutianAI/memtrace/services/memtrace/store"
)

// rangeFlags are --start and --end, both inclusive entry positions.
type rangeFlags struct {
	start uint64
	end   uint64
}

func (r *rangeFlags) register(cmd *cobra.Command) {
	cmd.Flags().Uint64Var(&r.start, "start", 0, "position of the first entry (inclusive)")
	cmd.Flags().Uint64Var(&r.end, "end", 0, "position of the last entry (inclusive, default last entry)")
}

func (r *rangeFlags) value(cmd *cobra.Command) store.Range {
	return store.Range{First: r.start, Last: r.end, HasLast: cmd.Flags().Changed("end")}
}

// parseUints parses integers in any Go literal base.
func parseUints(values []string, bits int) ([]uint64, error) {
	out := make([]uint64, 0, len(values))
	for _, v := range values {
		n, err := strconv.ParseUint(strings.TrimSpace(v), 0, bits)
		if err != nil {
			return nil, fmt.Errorf("%w: %q is not a number", errUsage, v)
		}
		out = append(out, n)
	}
	return out, nil
}

func parseTags(values []string) ([]entry.Tag, error) {
	out := make([]entry.Tag, 0, len(values))
	for _, v := range values {
		tag, err := entry.ParseTag(strings.TrimSpace(v))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errUsage, err)
		}
		out = append(out, tag)
	}
	return out, nil
}

func parseInsnSeqs(values []string) ([]uint32, error) {
	seqs, err := parseUints(values, 32)
	if err != nil {
		return nil, err
	}
	out := make([]uint32, len(seqs))
	for i, s := range seqs {
		out[i] = uint32(s)
	}
	return out, nil
}

func parseRegisterRanges(values []string) ([]entry.Location, error) {
	out := make([]entry.Location, 0, len(values))
	for _, v := range values {
		loc, err := analysis.ParseLocationRange(entry.SpaceRegister, v)
		if err != nil {
			return nil, fmt.Errorf("%w: --ignore-register %v", errUsage, err)
		}
		out = append(out, loc)
	}
	return out, nil
}
