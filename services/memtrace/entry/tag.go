// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package entry

import (
	"fmt"
	"strings"
)

// Tag identifies the kind of a trace record.
//
// The enumeration is closed: any other value on disk is a corrupt entry.
// Values match the two-character markers written by the recorder.
type Tag uint16

const (
	// TagLoad is a memory read of len(Value) bytes at Addr.
	TagLoad Tag = 0x4c4c
	// TagStore is a memory write of len(Value) bytes at Addr.
	TagStore Tag = 0x5353
	// TagReg is a register snapshot. It is informational and does not take
	// part in use-def analysis.
	TagReg Tag = 0x5252
	// TagInsn describes the code bytes of the instruction at Addr.
	TagInsn Tag = 0x4949
	// TagGetReg is a register read of len(Value) bytes at register id Addr.
	TagGetReg Tag = 0x4747
	// TagPutReg is a register write of len(Value) bytes at register id Addr.
	TagPutReg Tag = 0x5050
	// TagInsnExec marks the execution of the instruction at Addr.
	TagInsnExec Tag = 0x5858
	// TagGetRegNx is a register read of Size bytes whose value was not captured.
	TagGetRegNx Tag = 0x6767
	// TagPutRegNx is a register write of Size bytes whose value was not captured.
	TagPutRegNx Tag = 0x7070
	// TagMmap describes a mapped region [Addr, End] with Flags and a name.
	TagMmap Tag = 0x4d4d
)

var allTags = []Tag{
	TagLoad, TagStore, TagReg, TagInsn, TagGetReg,
	TagPutReg, TagInsnExec, TagGetRegNx, TagPutRegNx, TagMmap,
}

var tagNames = map[Tag]string{
	TagLoad:     "MT_LOAD",
	TagStore:    "MT_STORE",
	TagReg:      "MT_REG",
	TagInsn:     "MT_INSN",
	TagGetReg:   "MT_GET_REG",
	TagPutReg:   "MT_PUT_REG",
	TagInsnExec: "MT_INSN_EXEC",
	TagGetRegNx: "MT_GET_REG_NX",
	TagPutRegNx: "MT_PUT_REG_NX",
	TagMmap:     "MT_MMAP",
}

// AllTags returns every known tag in declaration order.
func AllTags() []Tag {
	out := make([]Tag, len(allTags))
	copy(out, allTags)
	return out
}

// String returns the recorder name of the tag, e.g. "MT_LOAD".
func (t Tag) String() string {
	if name, ok := tagNames[t]; ok {
		return name
	}
	return fmt.Sprintf("MT_UNKNOWN(0x%04x)", uint16(t))
}

// Valid reports whether t belongs to the enumeration.
func (t Tag) Valid() bool {
	_, ok := tagNames[t]
	return ok
}

// ParseTag parses a tag name. Both "MT_LOAD" and "load" forms are accepted,
// case-insensitively.
func ParseTag(s string) (Tag, error) {
	name := strings.ToUpper(strings.TrimSpace(s))
	if !strings.HasPrefix(name, "MT_") {
		name = "MT_" + name
	}
	for tag, n := range tagNames {
		if n == name {
			return tag, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownTag, s)
}

// HasValue reports whether records with this tag carry raw value bytes whose
// length defines the access size.
func (t Tag) HasValue() bool {
	switch t {
	case TagLoad, TagStore, TagReg, TagGetReg, TagPutReg:
		return true
	}
	return false
}

// IsRead reports whether the tag reads a location.
func (t Tag) IsRead() bool {
	return t == TagLoad || t == TagGetReg || t == TagGetRegNx
}

// IsWrite reports whether the tag writes a location.
func (t Tag) IsWrite() bool {
	return t == TagStore || t == TagPutReg || t == TagPutRegNx
}

// IsAccess reports whether the tag reads or writes a location.
func (t Tag) IsAccess() bool {
	return t.IsRead() || t.IsWrite()
}

// Space returns the location space touched by an access tag.
func (t Tag) Space() Space {
	switch t {
	case TagLoad, TagStore:
		return SpaceMemory
	case TagGetReg, TagPutReg, TagGetRegNx, TagPutRegNx, TagReg:
		return SpaceRegister
	}
	return SpaceNone
}

// HasInsnSeq reports whether the tag belongs to a retired instruction.
// Code descriptions and mappings are emitted outside instruction groups.
func (t Tag) HasInsnSeq() bool {
	return t != TagInsn && t != TagMmap
}
