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
	"encoding/binary"
	"fmt"

	"github.com/AleutianAI/memtrace/services/memtrace/traceerr"
)

// HeaderSize is the size of the trace file header in bytes.
const HeaderSize = 24

// UnknownCount is stored in Header.EntryCount by recorders that stream and
// never patch the header. Readers count records by scanning instead.
const UnknownCount = ^uint64(0)

const (
	headerVersion = 1
	headerMagic   = "MTRC"
)

// Endian is the byte order of every multi-byte field in a trace.
type Endian uint8

const (
	// LittleEndian traces were recorded on little-endian guests.
	LittleEndian Endian = 0
	// BigEndian traces were recorded on big-endian guests.
	BigEndian Endian = 1
)

// ByteOrder returns the encoding/binary order for e.
func (e Endian) ByteOrder() binary.ByteOrder {
	if e == BigEndian {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

// String returns "<" or ">" in struct-module notation.
func (e Endian) String() string {
	if e == BigEndian {
		return ">"
	}
	return "<"
}

// MachineType is the ELF e_machine of the traced program.
type MachineType uint16

const (
	EM386     MachineType = 3
	EMMips    MachineType = 8
	EMPPC     MachineType = 20
	EMPPC64   MachineType = 21
	EMS390    MachineType = 22
	EMArm     MachineType = 40
	EMX8664   MachineType = 62
	EMAArch64 MachineType = 183
	EMNanoMip MachineType = 249
)

func (m MachineType) String() string {
	switch m {
	case EM386:
		return "EM_386"
	case EMMips:
		return "EM_MIPS"
	case EMPPC:
		return "EM_PPC"
	case EMPPC64:
		return "EM_PPC64"
	case EMS390:
		return "EM_S390"
	case EMArm:
		return "EM_ARM"
	case EMX8664:
		return "EM_X86_64"
	case EMAArch64:
		return "EM_AARCH64"
	case EMNanoMip:
		return "EM_NANOMIPS"
	default:
		return fmt.Sprintf("EM_%d", uint16(m))
	}
}

// Header describes a trace file.
type Header struct {
	Endian     Endian
	WordSize   uint8
	Machine    MachineType
	EntryCount uint64
}

// Codec returns the record codec matching the header's byte order.
func (h Header) Codec() Codec {
	return NewCodec(h.Endian)
}

// EncodeHeader serializes h into HeaderSize bytes.
func EncodeHeader(h Header) ([]byte, error) {
	if h.Endian != LittleEndian && h.Endian != BigEndian {
		return nil, fmt.Errorf("%w: endian %d", ErrInvalidEntry, h.Endian)
	}
	if h.WordSize != 4 && h.WordSize != 8 {
		return nil, fmt.Errorf("%w: word size %d", ErrInvalidEntry, h.WordSize)
	}
	order := h.Endian.ByteOrder()
	buf := make([]byte, HeaderSize)
	copy(buf, headerMagic)
	buf[4] = headerVersion
	buf[5] = byte(h.Endian)
	buf[6] = h.WordSize
	order.PutUint16(buf[8:], uint16(h.Machine))
	order.PutUint64(buf[16:], h.EntryCount)
	return buf, nil
}

// DecodeHeader parses the header at the start of buf.
//
// Fails with traceerr.ErrCorruptTrace on a short buffer, bad magic, unknown
// version, byte order or word size.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, traceerr.Wrap(traceerr.ErrCorruptTrace, nil, "header truncated at %d bytes", len(buf))
	}
	if string(buf[:4]) != headerMagic {
		return Header{}, traceerr.Wrap(traceerr.ErrCorruptTrace, ErrBadMagic, "magic %q", buf[:4])
	}
	if buf[4] != headerVersion {
		return Header{}, traceerr.Wrap(traceerr.ErrCorruptTrace, nil, "unsupported version %d", buf[4])
	}
	endian := Endian(buf[5])
	if endian != LittleEndian && endian != BigEndian {
		return Header{}, traceerr.Wrap(traceerr.ErrCorruptTrace, nil, "byte order %d", buf[5])
	}
	if buf[6] != 4 && buf[6] != 8 {
		return Header{}, traceerr.Wrap(traceerr.ErrCorruptTrace, nil, "word size %d", buf[6])
	}
	order := endian.ByteOrder()
	return Header{
		Endian:     endian,
		WordSize:   buf[6],
		Machine:    MachineType(order.Uint16(buf[8:])),
		EntryCount: order.Uint64(buf[16:]),
	}, nil
}
