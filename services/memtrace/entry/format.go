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
	"encoding/hex"
	"fmt"
	"strings"
)

// Format renders e as one report line without a trailing newline.
//
// Values of 1, 2, 4 or 8 bytes are shown as integers in the trace's byte
// order; other sizes as a byte string.
//
//	[         3] 0x00000001: MT_LOAD uint32_t [0x1000] 0x2a
func Format(e Entry, endian Endian) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%10d] ", e.Position)
	switch e.Tag {
	case TagLoad, TagStore, TagReg, TagGetReg, TagPutReg:
		fmt.Fprintf(&b, "0x%08x: %s uint%d_t [0x%x] %s",
			e.InsnSeq, e.Tag, len(e.Value)*8, e.Addr, FormatValue(e.Value, endian))
	case TagInsn:
		fmt.Fprintf(&b, "%s 0x%016x %s", e.Tag, e.Addr, hex.EncodeToString(e.Value))
	case TagInsnExec:
		fmt.Fprintf(&b, "0x%08x: %s 0x%016x", e.InsnSeq, e.Tag, e.Addr)
	case TagGetRegNx, TagPutRegNx:
		fmt.Fprintf(&b, "0x%08x: %s uint%d_t [0x%x]", e.InsnSeq, e.Tag, e.Size*8, e.Addr)
	case TagMmap:
		fmt.Fprintf(&b, "%s %016x-%016x %s %s", e.Tag, e.Addr, e.End+1,
			FormatFlags(e.Flags), strings.TrimRight(string(e.Value), "\x00"))
	default:
		fmt.Fprintf(&b, "%s", e.Tag)
	}
	return b.String()
}

// FormatValue renders raw value bytes.
func FormatValue(v []byte, endian Endian) string {
	order := endian.ByteOrder()
	switch len(v) {
	case 1:
		return fmt.Sprintf("0x%x", v[0])
	case 2:
		return fmt.Sprintf("0x%x", order.Uint16(v))
	case 4:
		return fmt.Sprintf("0x%x", order.Uint32(v))
	case 8:
		return fmt.Sprintf("0x%x", order.Uint64(v))
	}
	var b strings.Builder
	b.WriteString("b'")
	for _, c := range v {
		fmt.Fprintf(&b, "\\x%02x", c)
	}
	b.WriteString("'")
	return b.String()
}

// FormatFlags renders mmap protection flags as "rwx".
func FormatFlags(flags uint64) string {
	out := []byte("---")
	if flags&1 != 0 {
		out[0] = 'r'
	}
	if flags&2 != 0 {
		out[1] = 'w'
	}
	if flags&4 != 0 {
		out[2] = 'x'
	}
	return string(out)
}
