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
	"bufio"
	"os"

	"github.com/AleutianAI/memtrace/services/memtrace/entry"
	"github.com/AleutianAI/memtrace/services/memtrace/traceerr"
)

// Writer appends entries to a new trace file.
//
// Description:
//
//	Positions are assigned in append order starting at 0. The header is
//	first written with entry.UnknownCount and patched with the real count
//	on Close, so a trace cut short by a crash is still readable.
//
// Thread Safety: Not safe for concurrent use.
type Writer struct {
	path   string
	file   *os.File
	bw     *bufio.Writer
	header entry.Header
	codec  entry.Codec
	count  uint64
	buf    []byte
	closed bool
}

// NewWriter creates (or truncates) the trace at path.
func NewWriter(path string, header entry.Header) (*Writer, error) {
	header.EntryCount = entry.UnknownCount
	hdr, err := entry.EncodeHeader(header)
	if err != nil {
		return nil, err
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, traceerr.Wrap(traceerr.ErrIO, err, "create trace %s", path)
	}
	w := &Writer{
		path:   path,
		file:   f,
		bw:     bufio.NewWriterSize(f, scanBufferSize),
		header: header,
		codec:  header.Codec(),
	}
	if _, err := w.bw.Write(hdr); err != nil {
		f.Close()
		return nil, traceerr.Wrap(traceerr.ErrIO, err, "write header of %s", path)
	}
	return w, nil
}

// Append writes e at the next position and returns that position. The
// Position field of e is ignored.
func (w *Writer) Append(e entry.Entry) (uint64, error) {
	if w.closed {
		return 0, ErrWriterClosed
	}
	e.Position = w.count
	var err error
	w.buf, err = w.codec.Append(w.buf[:0], e)
	if err != nil {
		return 0, err
	}
	if _, err := w.bw.Write(w.buf); err != nil {
		return 0, traceerr.Wrap(traceerr.ErrIO, err, "append to %s", w.path)
	}
	w.count++
	return e.Position, nil
}

// Count returns the number of entries appended so far.
func (w *Writer) Count() uint64 { return w.count }

// Close flushes buffered records, patches the header count and closes the
// file.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.bw.Flush(); err != nil {
		w.file.Close()
		return traceerr.Wrap(traceerr.ErrIO, err, "flush %s", w.path)
	}
	w.header.EntryCount = w.count
	hdr, err := entry.EncodeHeader(w.header)
	if err != nil {
		w.file.Close()
		return err
	}
	if _, err := w.file.WriteAt(hdr, 0); err != nil {
		w.file.Close()
		return traceerr.Wrap(traceerr.ErrIO, err, "patch header of %s", w.path)
	}
	if err := w.file.Close(); err != nil {
		return traceerr.Wrap(traceerr.ErrIO, err, "close %s", w.path)
	}
	return nil
}

// WriteTrace writes entries to a new trace at path, renumbering positions
// from 0.
func WriteTrace(path string, header entry.Header, entries []entry.Entry) error {
	w, err := NewWriter(path, header)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if _, err := w.Append(e); err != nil {
			w.Close()
			return err
		}
	}
	return w.Close()
}
