// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package entry implements the binary codec for execution trace records.
//
// A trace is a header followed by fixed-layout records, one per event the
// recorder observed: an instruction being executed, a register or memory
// access, a code description or a memory mapping. Each record is a small
// TLV with a 24-byte common prefix:
//
//	0  u16 tag       2  u16 length (unpadded)
//	4  u32 insn_seq  8  u64 position
//	16 u64 addr      24 tag-specific payload
//
// Records are padded to 8 bytes, so the start of record N+1 is always
// computable from record N's header alone. The store relies on this to walk
// the file without decoding payloads.
//
// # Ownership
//
// Decoded entries never alias the input buffer. Entries are values and must
// be treated as immutable once produced.
package entry

import (
	"fmt"
	"math"
)

// Undefined marks the absence of a position, e.g. a read with no prior write.
const Undefined = math.MaxUint64

// Space distinguishes the register file from memory.
type Space uint8

const (
	// SpaceNone is the space of records that touch no location.
	SpaceNone Space = iota
	// SpaceRegister addresses bytes of the guest register file. Register ids
	// are offsets into it.
	SpaceRegister
	// SpaceMemory addresses bytes of guest memory.
	SpaceMemory
)

func (s Space) String() string {
	switch s {
	case SpaceRegister:
		return "reg"
	case SpaceMemory:
		return "mem"
	default:
		return "none"
	}
}

// Prefix returns the one-letter label used in reports ("r" or "m").
func (s Space) Prefix() string {
	switch s {
	case SpaceRegister:
		return "r"
	case SpaceMemory:
		return "m"
	default:
		return "?"
	}
}

// Location is a byte range [Addr, Addr+Size) in one space.
type Location struct {
	Space Space
	Addr  uint64
	Size  uint64
}

// End returns the exclusive end address of the range.
func (l Location) End() uint64 {
	return l.Addr + l.Size
}

// Overlaps reports whether two locations share at least one byte.
func (l Location) Overlaps(o Location) bool {
	if l.Space != o.Space || l.Size == 0 || o.Size == 0 {
		return false
	}
	return l.Addr < o.End() && o.Addr < l.End()
}

// Valid reports whether the range is non-empty and does not wrap the
// address space.
func (l Location) Valid() bool {
	return l.Size > 0 && l.Addr+l.Size > l.Addr
}

func (l Location) String() string {
	return fmt.Sprintf("%s0x%x-0x%x", l.Space.Prefix(), l.Addr, l.End())
}

// Entry is one decoded trace record.
//
// Field use depends on Tag:
//
//	MT_LOAD, MT_STORE          Addr = address, Value = bytes moved
//	MT_GET_REG, MT_PUT_REG,
//	MT_REG                     Addr = register id, Value = register bytes
//	MT_GET_REG_NX, MT_PUT_REG_NX
//	                           Addr = register id, Size = bytes accessed
//	MT_INSN                    Addr = pc, Value = instruction bytes
//	MT_INSN_EXEC               Addr = pc
//	MT_MMAP                    Addr = start, End = last byte, Flags, Value = name
type Entry struct {
	Tag      Tag
	Position uint64
	InsnSeq  uint32
	Addr     uint64
	Size     uint64
	End      uint64
	Flags    uint64
	Value    []byte
}

// AccessSize returns the number of bytes an access record touches, or 0 for
// records that are not accesses.
func (e Entry) AccessSize() uint64 {
	switch {
	case e.Tag == TagGetRegNx || e.Tag == TagPutRegNx:
		return e.Size
	case e.Tag.HasValue():
		return uint64(len(e.Value))
	}
	return 0
}

// Location returns the location touched by an access record. The boolean
// is false for every other tag, including MT_REG snapshots.
func (e Entry) Location() (Location, bool) {
	if !e.Tag.IsAccess() {
		return Location{}, false
	}
	return Location{Space: e.Tag.Space(), Addr: e.Addr, Size: e.AccessSize()}, true
}

// Validate checks that the entry can be encoded without losing information.
func (e Entry) Validate() error {
	if !e.Tag.Valid() {
		return fmt.Errorf("%w: tag %s", ErrInvalidEntry, e.Tag)
	}
	switch e.Tag {
	case TagInsnExec:
		if e.Size != 0 || e.End != 0 || e.Flags != 0 || len(e.Value) != 0 {
			return fmt.Errorf("%w: %s carries no payload", ErrInvalidEntry, e.Tag)
		}
	case TagGetRegNx, TagPutRegNx:
		if e.End != 0 || e.Flags != 0 || len(e.Value) != 0 {
			return fmt.Errorf("%w: %s carries only a size", ErrInvalidEntry, e.Tag)
		}
	case TagMmap:
		if e.Size != 0 || e.InsnSeq != 0 {
			return fmt.Errorf("%w: %s has no size or insn_seq", ErrInvalidEntry, e.Tag)
		}
	default:
		if e.Size != 0 || e.End != 0 || e.Flags != 0 {
			return fmt.Errorf("%w: %s size is defined by its value", ErrInvalidEntry, e.Tag)
		}
		if e.Tag == TagInsn && e.InsnSeq != 0 {
			return fmt.Errorf("%w: %s has no insn_seq", ErrInvalidEntry, e.Tag)
		}
	}
	if e.Tag.IsAccess() {
		loc, _ := e.Location()
		if !loc.Valid() {
			return fmt.Errorf("%w: %s range %s is empty or wraps", ErrInvalidEntry, e.Tag, loc)
		}
	}
	if len(e.Value) == 0 && e.Value != nil {
		return fmt.Errorf("%w: empty value must be nil", ErrInvalidEntry)
	}
	return nil
}
