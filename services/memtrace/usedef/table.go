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
	"sort"
)

// Table is the result of a use-def analysis over [First, Last].
//
// Records are ordered by position, then by address within a position.
// Groups are ordered by insn_seq.
//
// Thread Safety: A Table is immutable once returned and safe for concurrent
// reads. Slices returned by its methods must not be modified.
type Table struct {
	first   uint64
	last    uint64
	policy  Policy
	records []Record
	groups  []Group
}

// First returns the first analyzed position.
func (t *Table) First() uint64 { return t.first }

// Last returns the last analyzed position.
func (t *Table) Last() uint64 { return t.last }

// Policy returns the partial-use policy the table was built with.
func (t *Table) Policy() Policy { return t.policy }

// Contains reports whether p lies in the analyzed range.
func (t *Table) Contains(p uint64) bool {
	return t.first <= p && p <= t.last
}

// Records returns every record.
func (t *Table) Records() []Record { return t.records }

// Groups returns every instruction group.
func (t *Table) Groups() []Group { return t.groups }

// RecordsAt returns the records of the entry at p.
func (t *Table) RecordsAt(p uint64) []Record {
	lo := sort.Search(len(t.records), func(i int) bool { return t.records[i].Position >= p })
	hi := lo
	for hi < len(t.records) && t.records[hi].Position == p {
		hi++
	}
	return t.records[lo:hi]
}

// GroupOf returns the instruction group whose position span contains p.
func (t *Table) GroupOf(p uint64) (Group, bool) {
	i := sort.Search(len(t.groups), func(i int) bool { return t.groups[i].First > p }) - 1
	if i < 0 || !t.groups[i].Contains(p) {
		return Group{}, false
	}
	return t.groups[i], true
}

// Uses returns the reads the entry at p depends on.
//
// Description:
//
//	For a read, these are the entry's own use records. For a write or an
//	instruction-executed entry, they are the use records of its whole
//	instruction group, since a write's value derives from what the same
//	instruction read. Entries with neither have no uses.
func (t *Table) Uses(p uint64) []Record {
	own := t.RecordsAt(p)
	if len(own) > 0 && own[0].Kind == KindUse {
		return own
	}
	g, ok := t.GroupOf(p)
	if !ok {
		return nil
	}
	var uses []Record
	for _, r := range t.records[g.RecordLo:g.RecordHi] {
		if r.Kind == KindUse {
			uses = append(uses, r)
		}
	}
	return uses
}

// Stats summarizes a table.
type Stats struct {
	Uses      int
	Defs      int
	Undefined int
	Groups    int
}

// Stats counts records by kind.
func (t *Table) Stats() Stats {
	st := Stats{Groups: len(t.groups)}
	for _, r := range t.records {
		switch {
		case r.Kind == KindDef:
			st.Defs++
		case r.Defined():
			st.Uses++
		default:
			st.Uses++
			st.Undefined++
		}
	}
	return st
}

// linkGroups fills RecordLo and RecordHi of every group.
func linkGroups(records []Record, groups []Group) {
	i := 0
	for gi := range groups {
		g := &groups[gi]
		for i < len(records) && records[i].Position < g.First {
			i++
		}
		g.RecordLo = i
		for i < len(records) && records[i].Position <= g.Last {
			i++
		}
		g.RecordHi = i
	}
}
