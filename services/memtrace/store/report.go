// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"slices"

	"github.com/AleutianAI/memtrace/services/memtrace/entry"
	"github.com/AleutianAI/memtrace/services/memtrace/traceerr"
)

// Filter selects entries for a report. Empty sets match everything.
type Filter struct {
	Tags     []entry.Tag
	InsnSeqs []uint32
}

// Match reports whether e passes the filter.
func (f Filter) Match(e entry.Entry) bool {
	if len(f.Tags) > 0 && !slices.Contains(f.Tags, e.Tag) {
		return false
	}
	if len(f.InsnSeqs) > 0 && !slices.Contains(f.InsnSeqs, e.InsnSeq) {
		return false
	}
	return true
}

// Range is an inclusive position range. The zero value of Last together
// with HasLast=false means "to the end of the trace".
type Range struct {
	First   uint64
	Last    uint64
	HasLast bool
}

// Resolve clamps r against a trace of n entries and returns the half-open
// range [start, end).
//
// Fails with traceerr.ErrRange when First > Last or either bound lies
// outside the trace. An empty trace resolves to [0, 0).
func (r Range) Resolve(n uint64) (start, end uint64, err error) {
	if n == 0 && r.First == 0 && !r.HasLast {
		return 0, 0, nil
	}
	last := n - 1
	if r.HasLast {
		last = r.Last
	}
	if n == 0 || r.First > last || last >= n {
		return 0, 0, traceerr.Wrap(traceerr.ErrRange, nil,
			"range [%d, %d], trace has %d entries", r.First, last, n)
	}
	return r.First, last + 1, nil
}

// Dump writes a human-readable report of the entries in rng that match f.
//
// Description:
//
//	Prints the header fields, one line per matching entry (see
//	entry.Format) and the number of executed instructions among the
//	printed entries.
func (s *Store) Dump(ctx context.Context, w io.Writer, rng Range, f Filter) error {
	start, end, err := rng.Resolve(s.count)
	if err != nil {
		return err
	}
	bw := bufio.NewWriter(w)
	h := s.Header()
	word := "Q"
	if h.WordSize == 4 {
		word = "I"
	}
	fmt.Fprintf(bw, "Endian            : %s\n", h.Endian)
	fmt.Fprintf(bw, "Word              : %s\n", word)
	fmt.Fprintf(bw, "Word size         : %d\n", h.WordSize)
	fmt.Fprintf(bw, "Machine           : %s\n", h.Machine)

	var insns uint64
	for e, err := range s.ReadForward(ctx, start, end) {
		if err != nil {
			return err
		}
		if !f.Match(e) {
			continue
		}
		if e.Tag == entry.TagInsnExec {
			insns++
		}
		bw.WriteString(entry.Format(e, h.Endian))
		bw.WriteByte('\n')
	}
	fmt.Fprintf(bw, "Insns             : %d\n", insns)
	if err := bw.Flush(); err != nil {
		return traceerr.Wrap(traceerr.ErrIO, err, "write report")
	}
	return nil
}
