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
	"context"
	"errors"
	"fmt"
	"io"
	"iter"

	"github.com/AleutianAI/memtrace/services/memtrace/entry"
	"github.com/AleutianAI/memtrace/services/memtrace/traceerr"
)

const cursorBufferSize = 1 << 16

// Cursor reads entries forward from a position.
//
// Thread Safety: Not safe for concurrent use.
type Cursor struct {
	store  *Store
	pos    uint64
	off    int64
	buf    []byte
	bufOff int64
	closed bool
}

func newCursor(s *Store, position uint64, offset int64) *Cursor {
	return &Cursor{store: s, pos: position, off: offset}
}

// Position returns the position of the entry the next call to Next returns.
func (c *Cursor) Position() uint64 { return c.pos }

// fill makes buf cover [c.off, c.off+n).
func (c *Cursor) fill(n int) error {
	if c.off >= c.bufOff && c.off+int64(n) <= c.bufOff+int64(len(c.buf)) {
		return nil
	}
	size := int64(max(n, cursorBufferSize))
	if remaining := c.store.size - c.off; size > remaining {
		size = remaining
	}
	if int64(cap(c.buf)) < size {
		c.buf = make([]byte, size)
	}
	c.buf = c.buf[:size]
	read, err := c.store.file.ReadAt(c.buf, c.off)
	if err != nil && !(errors.Is(err, io.EOF) && int64(read) == size) {
		return traceerr.Wrap(traceerr.ErrIO, err, "read %s at offset %d", c.store.path, c.off)
	}
	c.bufOff = c.off
	if int(size) < n {
		return traceerr.AtPosition(traceerr.ErrCorruptTrace, c.pos, c.off,
			fmt.Errorf("record needs %d bytes, %d remain", n, size))
	}
	return nil
}

// Next decodes the entry at the cursor and advances. It returns io.EOF after
// the last entry.
func (c *Cursor) Next() (entry.Entry, error) {
	if c.closed || c.store.closed.Load() {
		return entry.Entry{}, ErrClosed
	}
	if c.pos >= c.store.count {
		return entry.Entry{}, io.EOF
	}
	if err := c.fill(entry.PrefixSize); err != nil {
		return entry.Entry{}, err
	}
	info, err := c.store.codec.ParsePrefix(c.buf[c.off-c.bufOff:], c.off)
	if err != nil {
		return entry.Entry{}, traceerr.Wrap(traceerr.ErrCorruptTrace, err, "%s", c.store.path)
	}
	if err := c.fill(info.Padded); err != nil {
		return entry.Entry{}, err
	}
	rel := int(c.off - c.bufOff)
	e, next, err := c.store.codec.Decode(c.buf, rel)
	if err != nil {
		return entry.Entry{}, traceerr.AtPosition(traceerr.ErrCorruptTrace, c.pos, c.off, err)
	}
	if e.Position != c.pos {
		return entry.Entry{}, traceerr.AtPosition(traceerr.ErrCorruptTrace, c.pos, c.off,
			fmt.Errorf("record carries position %d", e.Position))
	}
	c.off += int64(next - rel)
	c.pos++
	return e, nil
}

// Close releases the cursor's buffer.
func (c *Cursor) Close() error {
	c.closed = true
	c.buf = nil
	return nil
}

// ReadForward yields entries with positions in [start, end) in order.
//
// Description:
//
//	The sequence is lazy and restartable: ranging over it again seeks anew
//	and yields the same entries. Iteration stops at the first error, which
//	is yielded with a zero entry. The context is checked before every entry.
//
// Inputs:
//
//	start, end - Half-open position range. end may equal EntryCount().
//
// Outputs:
//
//	iter.Seq2 - Entries, or a single traceerr.ErrRange error if
//	            start > end or end > EntryCount().
func (s *Store) ReadForward(ctx context.Context, start, end uint64) iter.Seq2[entry.Entry, error] {
	return func(yield func(entry.Entry, error) bool) {
		if start > end || end > s.count {
			yield(entry.Entry{}, traceerr.Wrap(traceerr.ErrRange, nil,
				"range [%d, %d), trace has %d entries", start, end, s.count))
			return
		}
		if start == end {
			return
		}
		c, err := s.Seek(start)
		if err != nil {
			yield(entry.Entry{}, err)
			return
		}
		defer c.Close()
		for p := start; p < end; p++ {
			if err := ctx.Err(); err != nil {
				yield(entry.Entry{}, err)
				return
			}
			e, err := c.Next()
			if err != nil {
				yield(entry.Entry{}, err)
				return
			}
			if !yield(e, nil) {
				return
			}
		}
	}
}

// ReadBackward yields entries from start down to position 0.
//
// Description:
//
//	Works one checkpoint block at a time: the block is decoded forward
//	into memory and yielded in reverse, so each entry is decoded once and
//	at most CheckpointInterval entries are held.
func (s *Store) ReadBackward(ctx context.Context, start uint64) iter.Seq2[entry.Entry, error] {
	return func(yield func(entry.Entry, error) bool) {
		if start >= s.count {
			yield(entry.Entry{}, traceerr.Wrap(traceerr.ErrRange, nil,
				"position %d, trace has %d entries", start, s.count))
			return
		}
		block := make([]entry.Entry, 0, min(s.interval, start+1))
		for hi := start + 1; hi > 0; {
			lo := (hi - 1) / s.interval * s.interval
			block = block[:0]
			for e, err := range s.ReadForward(ctx, lo, hi) {
				if err != nil {
					yield(entry.Entry{}, err)
					return
				}
				block = append(block, e)
			}
			for i := len(block) - 1; i >= 0; i-- {
				if err := ctx.Err(); err != nil {
					yield(entry.Entry{}, err)
					return
				}
				if !yield(block[i], nil) {
					return
				}
			}
			hi = lo
		}
	}
}
