// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package usedef

import (
	"github.com/google/btree"

	"github.com/AleutianAI/memtrace/services/memtrace/entry"
)

const btreeDegree = 32

// span records that [start, end) was last written at writer.
type span struct {
	start  uint64
	end    uint64
	writer uint64
}

func spanLess(a, b span) bool { return a.start < b.start }

// writerMap tracks the last writer of every byte of one address space.
//
// Description:
//
//	Spans are disjoint and keyed by start address. A write removes or trims
//	the spans it overlaps and inserts one new span, so the tree size is
//	bounded by the number of distinct write extents, not the address range
//	touched. Bytes never written have no span and read as entry.Undefined.
//
// Thread Safety: Not safe for concurrent use. A map is owned by exactly one
// scan at a time.
type writerMap struct {
	tree *btree.BTreeG[span]
}

func newWriterMap() *writerMap {
	return &writerMap{tree: btree.NewG(btreeDegree, spanLess)}
}

// Len returns the number of spans.
func (m *writerMap) Len() int { return m.tree.Len() }

// leftNeighbour returns the span starting strictly before addr, if it
// extends past addr.
func (m *writerMap) leftNeighbour(addr uint64) (span, bool) {
	var found span
	var ok bool
	m.tree.DescendLessOrEqual(span{start: addr}, func(s span) bool {
		if s.start == addr {
			return true
		}
		if s.end > addr {
			found, ok = s, true
		}
		return false
	})
	return found, ok
}

// Write records writer as the last writer of [start, end).
func (m *writerMap) Write(start, end, writer uint64) {
	if start >= end {
		return
	}
	if left, ok := m.leftNeighbour(start); ok {
		m.tree.ReplaceOrInsert(span{start: left.start, end: start, writer: left.writer})
		if left.end > end {
			m.tree.ReplaceOrInsert(span{start: end, end: left.end, writer: left.writer})
		}
	}

	var inner []span
	m.tree.AscendRange(span{start: start}, span{start: end}, func(s span) bool {
		inner = append(inner, s)
		return true
	})
	for _, s := range inner {
		m.tree.Delete(s)
		if s.end > end {
			m.tree.ReplaceOrInsert(span{start: end, end: s.end, writer: s.writer})
		}
	}
	m.tree.ReplaceOrInsert(span{start: start, end: end, writer: writer})
}

// Read returns the writers of [start, end) as contiguous pieces in address
// order. Adjacent bytes with the same writer form one piece; unwritten bytes
// form pieces whose writer is entry.Undefined.
func (m *writerMap) Read(start, end uint64) []span {
	if start >= end {
		return nil
	}
	var out []span
	emit := func(s, e, w uint64) {
		if n := len(out); n > 0 && out[n-1].writer == w && out[n-1].end == s {
			out[n-1].end = e
			return
		}
		out = append(out, span{start: s, end: e, writer: w})
	}

	cur := start
	if left, ok := m.leftNeighbour(start); ok {
		cur = min(left.end, end)
		emit(start, cur, left.writer)
	}
	m.tree.AscendRange(span{start: cur}, span{start: end}, func(s span) bool {
		if s.start > cur {
			emit(cur, s.start, entry.Undefined)
		}
		cur = min(s.end, end)
		emit(s.start, cur, s.writer)
		return true
	})
	if cur < end {
		emit(cur, end, entry.Undefined)
	}
	return out
}

// Each calls fn for every span in address order.
func (m *writerMap) Each(fn func(s span)) {
	m.tree.Ascend(func(s span) bool {
		fn(s)
		return true
	})
}

// Overlay writes every span of other into m, as if other's writes happened
// after all of m's.
func (m *writerMap) Overlay(other *writerMap) {
	other.Each(func(s span) {
		m.Write(s.start, s.end, s.writer)
	})
}
