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
	"errors"
	"testing"

	"github.com/AleutianAI/memtrace/services/memtrace/traceerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleEntries() []Entry {
	return []Entry{
		{Tag: TagInsn, Position: 0, Addr: 0x401000, Value: []byte{0x48, 0x89, 0xe5}},
		{Tag: TagInsnExec, Position: 1, InsnSeq: 1, Addr: 0x401000},
		{Tag: TagGetReg, Position: 2, InsnSeq: 1, Addr: 16, Value: []byte{1, 2, 3, 4, 5, 6, 7, 8}},
		{Tag: TagPutReg, Position: 3, InsnSeq: 1, Addr: 48, Value: []byte{9}},
		{Tag: TagLoad, Position: 4, InsnSeq: 2, Addr: 0x7ffe0000, Value: []byte{0xaa, 0xbb}},
		{Tag: TagStore, Position: 5, InsnSeq: 2, Addr: 0x7ffe0010, Value: make([]byte, 17)},
		{Tag: TagGetRegNx, Position: 6, InsnSeq: 3, Addr: 8, Size: 16},
		{Tag: TagPutRegNx, Position: 7, InsnSeq: 3, Addr: 8, Size: 4},
		{Tag: TagReg, Position: 8, InsnSeq: 3, Addr: 0, Value: []byte{1, 0, 0, 0}},
		{Tag: TagMmap, Position: 9, Addr: 0x400000, End: 0x400fff, Flags: 5, Value: []byte("/bin/true\x00")},
	}
}

// TestCodec_RoundTrip verifies decode(encode(e)) == e for every tag in both
// byte orders.
func TestCodec_RoundTrip(t *testing.T) {
	for _, endian := range []Endian{LittleEndian, BigEndian} {
		codec := NewCodec(endian)
		for _, want := range sampleEntries() {
			t.Run(endian.String()+want.Tag.String(), func(t *testing.T) {
				buf, err := codec.Encode(want)
				require.NoError(t, err)
				assert.Equal(t, EncodedLen(want), len(buf))
				assert.Zero(t, len(buf)%Alignment)

				got, next, err := codec.Decode(buf, 0)
				require.NoError(t, err)
				assert.Equal(t, want, got)
				assert.Equal(t, len(buf), next)
			})
		}
	}
}

// TestCodec_Concatenated verifies records decode back to back.
func TestCodec_Concatenated(t *testing.T) {
	codec := NewCodec(LittleEndian)
	var buf []byte
	var err error
	entries := sampleEntries()
	for _, e := range entries {
		buf, err = codec.Append(buf, e)
		require.NoError(t, err)
	}

	offset := 0
	for _, want := range entries {
		var got Entry
		got, offset, err = codec.Decode(buf, offset)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	assert.Equal(t, len(buf), offset)
}

func TestCodec_DecodeCorrupt(t *testing.T) {
	codec := NewCodec(LittleEndian)
	good, err := codec.Encode(Entry{Tag: TagLoad, Position: 7, InsnSeq: 1, Addr: 0x10, Value: []byte{1, 2, 3, 4}})
	require.NoError(t, err)

	t.Run("unknown tag", func(t *testing.T) {
		buf := append([]byte(nil), good...)
		buf[0], buf[1] = 0x01, 0x02
		_, _, err := codec.Decode(buf, 0)
		require.Error(t, err)
		assert.True(t, errors.Is(err, traceerr.ErrCorruptEntry))

		var perr *traceerr.PositionError
		require.True(t, errors.As(err, &perr))
		assert.Equal(t, uint64(7), perr.Position)
	})

	t.Run("length past buffer", func(t *testing.T) {
		buf := append([]byte(nil), good...)
		buf[2], buf[3] = 0xff, 0x00
		_, _, err := codec.Decode(buf, 0)
		assert.ErrorIs(t, err, traceerr.ErrCorruptEntry)
	})

	t.Run("truncated prefix", func(t *testing.T) {
		_, _, err := codec.Decode(good[:10], 0)
		assert.ErrorIs(t, err, traceerr.ErrCorruptEntry)
	})

	t.Run("exec with payload length", func(t *testing.T) {
		exec, err := codec.Encode(Entry{Tag: TagInsnExec, Position: 1, InsnSeq: 1, Addr: 0x10})
		require.NoError(t, err)
		exec[2] = 32
		exec = append(exec, make([]byte, 8)...)
		_, _, err = codec.Decode(exec, 0)
		assert.ErrorIs(t, err, traceerr.ErrCorruptEntry)
	})

	t.Run("load without value bytes", func(t *testing.T) {
		buf := append([]byte(nil), good[:PrefixSize]...)
		buf[2], buf[3] = PrefixSize, 0
		_, _, err := codec.Decode(buf, 0)
		assert.ErrorIs(t, err, traceerr.ErrCorruptEntry)
	})

	t.Run("register access of size zero", func(t *testing.T) {
		nx, err := codec.Encode(Entry{Tag: TagPutRegNx, Position: 3, InsnSeq: 1, Addr: 16, Size: 8})
		require.NoError(t, err)
		binary.LittleEndian.PutUint64(nx[24:], 0)
		_, _, err = codec.Decode(nx, 0)
		assert.ErrorIs(t, err, traceerr.ErrCorruptEntry)
	})

	t.Run("range wraps", func(t *testing.T) {
		buf := append([]byte(nil), good...)
		binary.LittleEndian.PutUint64(buf[16:], ^uint64(0)-2)
		_, _, err := codec.Decode(buf, 0)
		assert.ErrorIs(t, err, traceerr.ErrCorruptEntry)

		var perr *traceerr.PositionError
		require.True(t, errors.As(err, &perr))
		assert.Equal(t, uint64(7), perr.Position)
	})

	t.Run("register snapshot without value bytes", func(t *testing.T) {
		buf := append([]byte(nil), good[:PrefixSize]...)
		binary.LittleEndian.PutUint16(buf[0:], uint16(TagReg))
		buf[2], buf[3] = PrefixSize, 0
		e, next, err := codec.Decode(buf, 0)
		require.NoError(t, err)
		assert.Equal(t, TagReg, e.Tag)
		assert.Nil(t, e.Value)
		assert.Equal(t, PrefixSize, next)
	})
}

func TestCodec_CheckRange(t *testing.T) {
	codec := NewCodec(BigEndian)
	nx, err := codec.Encode(Entry{Tag: TagGetRegNx, Position: 2, InsnSeq: 1, Addr: 16, Size: 8})
	require.NoError(t, err)
	info, err := codec.ParsePrefix(nx, 0)
	require.NoError(t, err)
	assert.Equal(t, 32, info.HeadLen())

	assert.NoError(t, codec.CheckRange(nx, info, 0))
	assert.ErrorIs(t, codec.CheckRange(nx[:PrefixSize], info, 0), traceerr.ErrCorruptEntry)

	mmap, err := codec.Encode(Entry{Tag: TagMmap, Addr: 0x1000, End: 0x1fff, Value: []byte("x")})
	require.NoError(t, err)
	info, err = codec.ParsePrefix(mmap, 0)
	require.NoError(t, err)
	assert.Equal(t, PrefixSize, info.HeadLen())
	assert.NoError(t, codec.CheckRange(mmap[:PrefixSize], info, 0))
}

func TestCodec_EncodeInvalid(t *testing.T) {
	codec := NewCodec(LittleEndian)
	cases := map[string]Entry{
		"unknown tag":       {Tag: Tag(0x1234)},
		"exec with value":   {Tag: TagInsnExec, Value: []byte{1}},
		"load without data": {Tag: TagLoad, Addr: 4},
		"wrapping range":    {Tag: TagStore, Addr: ^uint64(0), Value: []byte{1, 2}},
		"nx with value":     {Tag: TagGetRegNx, Size: 8, Value: []byte{1}},
		"empty non-nil":     {Tag: TagInsn, Value: []byte{}},
	}
	for name, e := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := codec.Encode(e)
			assert.ErrorIs(t, err, ErrInvalidEntry)
		})
	}

	_, err := codec.Encode(Entry{Tag: TagStore, Addr: 1, Value: make([]byte, MaxRecordLen)})
	assert.ErrorIs(t, err, ErrEntryTooLarge)
}

func TestHeader_RoundTrip(t *testing.T) {
	for _, h := range []Header{
		{Endian: LittleEndian, WordSize: 8, Machine: EMX8664, EntryCount: 42},
		{Endian: BigEndian, WordSize: 4, Machine: EMS390, EntryCount: UnknownCount},
	} {
		buf, err := EncodeHeader(h)
		require.NoError(t, err)
		require.Len(t, buf, HeaderSize)

		got, err := DecodeHeader(buf)
		require.NoError(t, err)
		assert.Equal(t, h, got)
	}
}

func TestHeader_Corrupt(t *testing.T) {
	buf, err := EncodeHeader(Header{Endian: LittleEndian, WordSize: 8, Machine: EMX8664})
	require.NoError(t, err)

	_, err = DecodeHeader(buf[:8])
	assert.ErrorIs(t, err, traceerr.ErrCorruptTrace)

	bad := append([]byte(nil), buf...)
	copy(bad, "XXXX")
	_, err = DecodeHeader(bad)
	assert.ErrorIs(t, err, traceerr.ErrCorruptTrace)
	assert.ErrorIs(t, err, ErrBadMagic)

	bad = append([]byte(nil), buf...)
	bad[6] = 3
	_, err = DecodeHeader(bad)
	assert.ErrorIs(t, err, traceerr.ErrCorruptTrace)
}

func TestTag_Classification(t *testing.T) {
	assert.True(t, TagLoad.IsRead())
	assert.True(t, TagGetRegNx.IsRead())
	assert.True(t, TagStore.IsWrite())
	assert.True(t, TagPutRegNx.IsWrite())
	assert.False(t, TagReg.IsAccess())
	assert.False(t, TagInsnExec.IsAccess())
	assert.Equal(t, SpaceMemory, TagLoad.Space())
	assert.Equal(t, SpaceRegister, TagPutReg.Space())

	tag, err := ParseTag("load")
	require.NoError(t, err)
	assert.Equal(t, TagLoad, tag)
	tag, err = ParseTag("MT_INSN_EXEC")
	require.NoError(t, err)
	assert.Equal(t, TagInsnExec, tag)
	_, err = ParseTag("bogus")
	assert.ErrorIs(t, err, ErrUnknownTag)
}

func TestLocation_Overlaps(t *testing.T) {
	a := Location{Space: SpaceMemory, Addr: 0x1000, Size: 4}
	assert.True(t, a.Overlaps(Location{Space: SpaceMemory, Addr: 0x1003, Size: 2}))
	assert.False(t, a.Overlaps(Location{Space: SpaceMemory, Addr: 0x1004, Size: 2}))
	assert.False(t, a.Overlaps(Location{Space: SpaceRegister, Addr: 0x1000, Size: 4}))
	assert.Equal(t, "m0x1000-0x1004", a.String())
}

func TestFormat(t *testing.T) {
	e := Entry{Tag: TagLoad, Position: 3, InsnSeq: 1, Addr: 0x1000, Value: []byte{0x2a, 0, 0, 0}}
	assert.Equal(t, "[         3] 0x00000001: MT_LOAD uint32_t [0x1000] 0x2a", Format(e, LittleEndian))
	assert.Equal(t, "b'\\x01\\x02\\x03'", FormatValue([]byte{1, 2, 3}, LittleEndian))
	assert.Equal(t, "r-x", FormatFlags(5))
}
