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

const (
	// PrefixSize is the size of the fields common to every record.
	PrefixSize = 24

	// Alignment is the record alignment. Padding bytes are zero.
	Alignment = 8

	// MaxRecordLen is the largest unpadded record the length field can hold.
	MaxRecordLen = 0xffff

	nxRecordLen   = PrefixSize + 8
	mmapFixedLen  = PrefixSize + 16
	execRecordLen = PrefixSize
)

// Aligned rounds n up to the record alignment.
func Aligned(n int) int {
	return (n + Alignment - 1) &^ (Alignment - 1)
}

// Codec encodes and decodes records in one byte order.
//
// Thread Safety: Codec is a value with no mutable state; safe for
// concurrent use.
type Codec struct {
	order binary.ByteOrder
}

// NewCodec returns a codec for the given byte order.
func NewCodec(e Endian) Codec {
	return Codec{order: e.ByteOrder()}
}

// RecordLen returns the unpadded encoded length of e.
func RecordLen(e Entry) int {
	switch e.Tag {
	case TagInsnExec:
		return execRecordLen
	case TagGetRegNx, TagPutRegNx:
		return nxRecordLen
	case TagMmap:
		return mmapFixedLen + len(e.Value)
	default:
		return PrefixSize + len(e.Value)
	}
}

// EncodedLen returns the padded on-disk length of e.
func EncodedLen(e Entry) int {
	return Aligned(RecordLen(e))
}

// Encode serializes e into a new buffer.
func (c Codec) Encode(e Entry) ([]byte, error) {
	return c.Append(make([]byte, 0, EncodedLen(e)), e)
}

// Append serializes e onto dst and returns the extended slice.
//
// Description:
//
//	Validates e, then writes the common prefix, the tag-specific payload
//	and zero padding up to the next 8-byte boundary.
//
// Outputs:
//
//	[]byte - dst extended by EncodedLen(e) bytes.
//	error - ErrInvalidEntry or ErrEntryTooLarge; dst is returned unchanged.
func (c Codec) Append(dst []byte, e Entry) ([]byte, error) {
	if err := e.Validate(); err != nil {
		return dst, err
	}
	n := RecordLen(e)
	if n > MaxRecordLen {
		return dst, fmt.Errorf("%w: %d bytes", ErrEntryTooLarge, n)
	}
	start := len(dst)
	dst = append(dst, make([]byte, Aligned(n))...)
	rec := dst[start:]

	c.order.PutUint16(rec[0:], uint16(e.Tag))
	c.order.PutUint16(rec[2:], uint16(n))
	c.order.PutUint32(rec[4:], e.InsnSeq)
	c.order.PutUint64(rec[8:], e.Position)
	c.order.PutUint64(rec[16:], e.Addr)

	switch e.Tag {
	case TagInsnExec:
	case TagGetRegNx, TagPutRegNx:
		c.order.PutUint64(rec[24:], e.Size)
	case TagMmap:
		c.order.PutUint64(rec[24:], e.End)
		c.order.PutUint64(rec[32:], e.Flags)
		copy(rec[mmapFixedLen:], e.Value)
	default:
		copy(rec[PrefixSize:], e.Value)
	}
	return dst, nil
}

// RecordInfo is the part of a record readable without decoding its payload.
type RecordInfo struct {
	Tag      Tag
	Length   int
	Padded   int
	InsnSeq  uint32
	Position uint64
}

// ParsePrefix validates the 24-byte record prefix and returns its tag,
// lengths, insn_seq and position. offset is only used for error reporting.
//
// Fails with traceerr.ErrCorruptEntry if the prefix is short, the tag is
// unknown or the length is impossible for the tag.
func (c Codec) ParsePrefix(prefix []byte, offset int64) (RecordInfo, error) {
	if len(prefix) < PrefixSize {
		return RecordInfo{}, traceerr.AtPosition(traceerr.ErrCorruptEntry, 0, offset,
			fmt.Errorf("record prefix truncated (%d bytes available)", len(prefix)))
	}
	info := RecordInfo{
		Tag:      Tag(c.order.Uint16(prefix[0:])),
		Length:   int(c.order.Uint16(prefix[2:])),
		InsnSeq:  c.order.Uint32(prefix[4:]),
		Position: c.order.Uint64(prefix[8:]),
	}
	info.Padded = Aligned(info.Length)
	if !info.Tag.Valid() {
		return info, traceerr.AtPosition(traceerr.ErrCorruptEntry, info.Position, offset,
			fmt.Errorf("unknown tag 0x%04x", uint16(info.Tag)))
	}
	if err := checkLength(info.Tag, info.Length); err != nil {
		return info, traceerr.AtPosition(traceerr.ErrCorruptEntry, info.Position, offset, err)
	}
	return info, nil
}

// Peek validates the record at buf[offset:] without decoding its payload.
//
// In addition to ParsePrefix checks it fails with traceerr.ErrCorruptEntry
// when the padded record runs past the buffer.
func (c Codec) Peek(buf []byte, offset int) (RecordInfo, error) {
	if offset < 0 || offset > len(buf) {
		return RecordInfo{}, traceerr.AtPosition(traceerr.ErrCorruptEntry, 0, int64(offset),
			fmt.Errorf("offset outside buffer of %d bytes", len(buf)))
	}
	info, err := c.ParsePrefix(buf[offset:], int64(offset))
	if err != nil {
		return info, err
	}
	if offset+info.Padded > len(buf) {
		return info, traceerr.AtPosition(traceerr.ErrCorruptEntry, info.Position, int64(offset),
			fmt.Errorf("record length %d runs past the buffer", info.Length))
	}
	return info, nil
}

func checkLength(tag Tag, n int) error {
	switch tag {
	case TagInsnExec:
		if n != execRecordLen {
			return fmt.Errorf("%s length %d, want %d", tag, n, execRecordLen)
		}
	case TagGetRegNx, TagPutRegNx:
		if n != nxRecordLen {
			return fmt.Errorf("%s length %d, want %d", tag, n, nxRecordLen)
		}
	case TagMmap:
		if n < mmapFixedLen {
			return fmt.Errorf("%s length %d below %d", tag, n, mmapFixedLen)
		}
	default:
		if n < PrefixSize {
			return fmt.Errorf("%s length %d below %d", tag, n, PrefixSize)
		}
		if tag.IsAccess() && n == PrefixSize {
			return fmt.Errorf("%s carries no value bytes", tag)
		}
	}
	return nil
}

// HeadLen returns how many leading bytes of the record CheckRange needs.
func (i RecordInfo) HeadLen() int {
	if i.Tag == TagGetRegNx || i.Tag == TagPutRegNx {
		return nxRecordLen
	}
	return PrefixSize
}

// CheckRange validates the location touched by an access record. head
// holds at least info.HeadLen() leading bytes of the record. Records that
// are not accesses always pass.
//
// Fails with traceerr.ErrCorruptEntry when the range is empty or wraps the
// address space.
func (c Codec) CheckRange(head []byte, info RecordInfo, offset int64) error {
	if !info.Tag.IsAccess() {
		return nil
	}
	if len(head) < info.HeadLen() {
		return traceerr.AtPosition(traceerr.ErrCorruptEntry, info.Position, offset,
			fmt.Errorf("%s record head truncated (%d bytes available)", info.Tag, len(head)))
	}
	loc := Location{
		Space: info.Tag.Space(),
		Addr:  c.order.Uint64(head[16:]),
		Size:  uint64(info.Length - PrefixSize),
	}
	if info.HeadLen() == nxRecordLen {
		loc.Size = c.order.Uint64(head[24:])
	}
	if !loc.Valid() {
		return traceerr.AtPosition(traceerr.ErrCorruptEntry, info.Position, offset,
			fmt.Errorf("%s range %s is empty or wraps", info.Tag, loc))
	}
	return nil
}

// Decode parses the record at buf[offset:].
//
// Description:
//
//	Validates the record header with Peek and the access range with
//	CheckRange, then copies out the payload.
//	The returned entry does not alias buf.
//
// Outputs:
//
//	Entry - The decoded record.
//	int - Offset of the next record (offset + padded length).
//	error - traceerr.ErrCorruptEntry on structural failure.
func (c Codec) Decode(buf []byte, offset int) (Entry, int, error) {
	info, err := c.Peek(buf, offset)
	if err != nil {
		return Entry{}, offset, err
	}
	rec := buf[offset : offset+info.Length]
	if err := c.CheckRange(rec, info, int64(offset)); err != nil {
		return Entry{}, offset, err
	}
	e := Entry{
		Tag:      info.Tag,
		Position: info.Position,
		InsnSeq:  info.InsnSeq,
		Addr:     c.order.Uint64(rec[16:]),
	}
	switch e.Tag {
	case TagInsnExec:
	case TagGetRegNx, TagPutRegNx:
		e.Size = c.order.Uint64(rec[24:])
	case TagMmap:
		e.End = c.order.Uint64(rec[24:])
		e.Flags = c.order.Uint64(rec[32:])
		e.Value = cloneBytes(rec[mmapFixedLen:])
	default:
		e.Value = cloneBytes(rec[PrefixSize:])
	}
	return e, offset + info.Padded, nil
}

func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
