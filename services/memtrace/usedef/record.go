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
	"fmt"

	"github.com/AleutianAI/memtrace/services/memtrace/entry"
)

// Kind distinguishes reads from writes.
type Kind uint8

const (
	// KindUse is a read of a location.
	KindUse Kind = iota + 1
	// KindDef is a write of a location.
	KindDef
)

func (k Kind) String() string {
	switch k {
	case KindUse:
		return "use"
	case KindDef:
		return "def"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Policy selects how a read spanning several writers is recorded.
type Policy uint8

const (
	// PolicySplit records one use per contiguous same-writer sub-range.
	PolicySplit Policy = iota
	// PolicyMostRecent records one use per read with the latest writer.
	PolicyMostRecent
)

func (p Policy) String() string {
	switch p {
	case PolicySplit:
		return "split"
	case PolicyMostRecent:
		return "most-recent"
	default:
		return fmt.Sprintf("policy(%d)", uint8(p))
	}
}

// ParsePolicy parses "split" or "most-recent".
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "split", "":
		return PolicySplit, nil
	case "most-recent":
		return PolicyMostRecent, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownPolicy, s)
}

// Record is one use or def of a location by the entry at Position.
//
// For uses, Def is the position that last wrote Location before Position, or
// entry.Undefined if nothing in the analyzed range did. For defs, Def is
// always entry.Undefined.
type Record struct {
	Position uint64
	InsnSeq  uint32
	Kind     Kind
	Location entry.Location
	Def      uint64
}

// Defined reports whether a use has a reaching definition.
func (r Record) Defined() bool {
	return r.Def != entry.Undefined
}

func (r Record) String() string {
	if r.Kind == KindDef {
		return fmt.Sprintf("%d def %s", r.Position, r.Location)
	}
	if !r.Defined() {
		return fmt.Sprintf("%d use %s <- undefined", r.Position, r.Location)
	}
	return fmt.Sprintf("%d use %s <- %d", r.Position, r.Location, r.Def)
}

// Group is one retired instruction: the run of entries sharing an insn_seq.
//
// First and Last bound the member positions. PC is the address of the
// instruction-executed entry, valid when HasPC is set. Records of the group
// are Table.Records()[RecordLo:RecordHi].
type Group struct {
	InsnSeq  uint32
	First    uint64
	Last     uint64
	PC       uint64
	HasPC    bool
	RecordLo int
	RecordHi int
}

// Contains reports whether p lies within the group's position span.
func (g Group) Contains(p uint64) bool {
	return g.First <= p && p <= g.Last
}
