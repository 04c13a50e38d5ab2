// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package store provides read access to trace files.
//
// A Store opens a trace read-only, validates its structure eagerly and then
// serves entries by position. Nothing beyond a sparse checkpoint table and a
// bounded offset cache is kept in memory; entries are read from disk on
// demand.
//
// # Validation
//
// Open walks every record prefix once. It checks that tags and lengths are
// well formed, that access ranges are non-empty and do not wrap, that
// positions run contiguously from 0, that insn_seq never decreases and that
// the header count (unless unknown) matches the number of records. Any failure is reported as traceerr.ErrCorruptTrace before a single
// entry is handed out.
//
// # Thread Safety
//
// A Store is safe for concurrent use by multiple readers. Cursors are not;
// each goroutine should seek its own.
package store

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/AleutianAI/memtrace/services/memtrace/entry"
	"github.com/AleutianAI/memtrace/services/memtrace/traceerr"
)

const (
	// DefaultCheckpointInterval is the number of records between remembered
	// offsets.
	DefaultCheckpointInterval = 4096

	// DefaultOffsetCacheSize bounds the number of cached seek targets.
	DefaultOffsetCacheSize = 1 << 16

	scanBufferSize    = 1 << 16
	cancelCheckPeriod = 1024
)

// Options configures Open.
type Options struct {
	// CheckpointInterval is the distance between remembered offsets. A seek
	// walks at most this many record prefixes. Zero means the default.
	CheckpointInterval int

	// OffsetCacheSize bounds the seek cache. Zero means the default.
	OffsetCacheSize int

	// Logger receives progress for long scans. Nil means slog.Default().
	Logger *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.CheckpointInterval <= 0 {
		o.CheckpointInterval = DefaultCheckpointInterval
	}
	if o.OffsetCacheSize <= 0 {
		o.OffsetCacheSize = DefaultOffsetCacheSize
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Store is an opened, validated trace file.
type Store struct {
	path   string
	file   *os.File
	size   int64
	header entry.Header
	codec  entry.Codec
	logger *slog.Logger

	count       uint64
	interval    uint64
	checkpoints []int64
	stats       Stats

	offsets *offsetCache

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// Open opens and validates the trace at path.
//
// Description:
//
//	Reads the header and walks every record prefix, recording a checkpoint
//	offset every Options.CheckpointInterval records and the per-tag
//	statistics. Payloads are not decoded.
//
// Inputs:
//
//	ctx - Cancels the validation scan.
//	path - Trace file path.
//	opts - Tuning; the zero value is valid.
//
// Outputs:
//
//	*Store - The opened store. Caller must Close it.
//	error - traceerr.ErrIO if the file cannot be read, traceerr.ErrCorruptTrace
//	        if validation fails, or the context error.
func Open(ctx context.Context, path string, opts Options) (*Store, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, traceerr.Wrap(traceerr.ErrIO, err, "open trace %s", path)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, traceerr.Wrap(traceerr.ErrIO, err, "stat trace %s", path)
	}

	opts = opts.withDefaults()
	s := &Store{
		path:     path,
		file:     f,
		size:     info.Size(),
		logger:   opts.Logger,
		interval: uint64(opts.CheckpointInterval),
		offsets:  newOffsetCache(opts.OffsetCacheSize),
	}
	if err := s.scan(ctx); err != nil {
		f.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) scan(ctx context.Context) error {
	start := time.Now()
	hdr := make([]byte, entry.HeaderSize)
	if _, err := s.file.ReadAt(hdr, 0); err != nil {
		if errors.Is(err, io.EOF) {
			return traceerr.Wrap(traceerr.ErrCorruptTrace, nil, "%s: file shorter than header", s.path)
		}
		return traceerr.Wrap(traceerr.ErrIO, err, "read header of %s", s.path)
	}
	header, err := entry.DecodeHeader(hdr)
	if err != nil {
		return fmt.Errorf("%s: %w", s.path, err)
	}
	s.header = header
	s.codec = header.Codec()
	s.stats.Tags = make(map[entry.Tag]TagStats)

	r := bufio.NewReaderSize(io.NewSectionReader(s.file, entry.HeaderSize, s.size-entry.HeaderSize), scanBufferSize)
	head := make([]byte, 0, entry.PrefixSize+8)
	progress := rate.Sometimes{Interval: 5 * time.Second}

	var (
		off     = int64(entry.HeaderSize)
		pos     uint64
		lastSeq uint32
		seenSeq bool
	)
	for off < s.size {
		if pos%cancelCheckPeriod == 0 {
			if err := ctx.Err(); err != nil {
				return fmt.Errorf("scan %s: %w", s.path, err)
			}
		}
		if pos%s.interval == 0 {
			s.checkpoints = append(s.checkpoints, off)
		}
		if s.size-off < entry.PrefixSize {
			return traceerr.AtPosition(traceerr.ErrCorruptTrace, pos, off,
				fmt.Errorf("%d trailing bytes", s.size-off))
		}
		head = head[:entry.PrefixSize]
		if _, err := io.ReadFull(r, head); err != nil {
			return traceerr.Wrap(traceerr.ErrIO, err, "read %s at offset %d", s.path, off)
		}
		info, err := s.codec.ParsePrefix(head, off)
		if err != nil {
			return traceerr.Wrap(traceerr.ErrCorruptTrace, err, "%s", s.path)
		}
		if info.Position != pos {
			return traceerr.AtPosition(traceerr.ErrCorruptTrace, pos, off,
				fmt.Errorf("record carries position %d", info.Position))
		}
		if off+int64(info.Padded) > s.size {
			return traceerr.AtPosition(traceerr.ErrCorruptTrace, pos, off,
				fmt.Errorf("%s record of %d bytes is truncated", info.Tag, info.Length))
		}
		if info.Tag.HasInsnSeq() {
			if seenSeq && info.InsnSeq < lastSeq {
				return traceerr.AtPosition(traceerr.ErrCorruptTrace, pos, off,
					fmt.Errorf("insn_seq %d after %d", info.InsnSeq, lastSeq))
			}
			lastSeq, seenSeq = info.InsnSeq, true
		}
		head = head[:info.HeadLen()]
		if _, err := io.ReadFull(r, head[entry.PrefixSize:]); err != nil {
			return traceerr.Wrap(traceerr.ErrIO, err, "read %s at offset %d", s.path, off)
		}
		if err := s.codec.CheckRange(head, info, off); err != nil {
			return traceerr.Wrap(traceerr.ErrCorruptTrace, err, "%s", s.path)
		}
		if _, err := r.Discard(info.Padded - len(head)); err != nil {
			return traceerr.Wrap(traceerr.ErrIO, err, "read %s at offset %d", s.path, off)
		}
		s.stats.add(info)

		off += int64(info.Padded)
		pos++
		progress.Do(func() {
			s.logger.Info("validating trace", slog.String("path", s.path),
				slog.Uint64("entries", pos), slog.Int64("offset", off))
		})
	}

	if s.header.EntryCount != entry.UnknownCount && s.header.EntryCount != pos {
		return traceerr.Wrap(traceerr.ErrCorruptTrace, nil,
			"%s: header declares %d entries, file holds %d", s.path, s.header.EntryCount, pos)
	}
	s.count = pos
	s.logger.Debug("trace opened",
		slog.String("path", s.path),
		slog.Uint64("entries", s.count),
		slog.Int("checkpoints", len(s.checkpoints)),
		slog.Duration("duration", time.Since(start)))
	return nil
}

// Path returns the file the store was opened from.
func (s *Store) Path() string { return s.path }

// Header returns the decoded trace header. EntryCount reflects the scan, not
// the on-disk sentinel.
func (s *Store) Header() entry.Header {
	h := s.header
	h.EntryCount = s.count
	return h
}

// EntryCount returns the number of entries in the trace.
func (s *Store) EntryCount() uint64 { return s.count }

// CacheStats returns offset cache counters.
func (s *Store) CacheStats() CacheStats { return s.offsets.Stats() }

// offsetOf returns the byte offset of position.
//
// Description:
//
//	Checks the offset cache, then walks record prefixes forward from the
//	nearest checkpoint. The result is cached.
func (s *Store) offsetOf(position uint64) (int64, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}
	if position >= s.count {
		return 0, traceerr.Wrap(traceerr.ErrRange, nil, "position %d, trace has %d entries", position, s.count)
	}
	if off, ok := s.offsets.Get(position); ok {
		return off, nil
	}

	cp := position / s.interval
	off := s.checkpoints[cp]
	prefix := make([]byte, entry.PrefixSize)
	for p := cp * s.interval; p < position; p++ {
		if _, err := s.file.ReadAt(prefix, off); err != nil {
			return 0, traceerr.Wrap(traceerr.ErrIO, err, "read %s at offset %d", s.path, off)
		}
		info, err := s.codec.ParsePrefix(prefix, off)
		if err != nil {
			return 0, traceerr.Wrap(traceerr.ErrCorruptTrace, err, "%s", s.path)
		}
		off += int64(info.Padded)
	}
	s.offsets.Set(position, off)
	return off, nil
}

// Seek returns a cursor positioned at position.
//
// Outputs:
//
//	*Cursor - Reads entries from position onward. Caller should Close it.
//	error - traceerr.ErrRange if position >= EntryCount().
func (s *Store) Seek(position uint64) (*Cursor, error) {
	off, err := s.offsetOf(position)
	if err != nil {
		return nil, err
	}
	return newCursor(s, position, off), nil
}

// ReadAt decodes the single entry at position.
func (s *Store) ReadAt(position uint64) (entry.Entry, error) {
	c, err := s.Seek(position)
	if err != nil {
		return entry.Entry{}, err
	}
	defer c.Close()
	e, err := c.Next()
	if errors.Is(err, io.EOF) {
		return entry.Entry{}, traceerr.Wrap(traceerr.ErrRange, nil, "position %d", position)
	}
	return e, err
}

// Close releases the file handle. It is safe to call more than once.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.offsets.Purge()
		if err := s.file.Close(); err != nil {
			s.closeErr = traceerr.Wrap(traceerr.ErrIO, err, "close %s", s.path)
		}
	})
	return s.closeErr
}
