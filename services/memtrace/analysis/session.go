// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package analysis

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"sync"

	"github.com/AleutianAI/memtrace/services/memtrace/entry"
	"github.com/AleutianAI/memtrace/services/memtrace/index"
	"github.com/AleutianAI/memtrace/services/memtrace/storage/badger"
	"github.com/AleutianAI/memtrace/services/memtrace/store"
	"github.com/AleutianAI/memtrace/services/memtrace/taint"
	"github.com/AleutianAI/memtrace/services/memtrace/traceerr"
	"github.com/AleutianAI/memtrace/services/memtrace/usedef"
)

// Options configures a Session.
type Options struct {
	// IndexPath is the shard template of the instruction index. The zero
	// value means index.DefaultShardPath of the trace.
	IndexPath index.ShardPath

	// IndexShards is the shard count of newly built indexes. Zero means
	// index.DefaultShards.
	IndexShards int

	// UseDefPath is the badger directory of the use-def table. Empty means
	// the trace path plus ".ud".
	UseDefPath string

	// InMemoryUseDef keeps use-def tables out of the file system.
	InMemoryUseDef bool

	// Rebuild ignores persisted index and use-def files.
	Rebuild bool

	// Workers bounds parallel index and use-def passes. Zero means
	// GOMAXPROCS.
	Workers int

	// Policy selects how reads spanning several writers are recorded.
	Policy usedef.Policy

	// Resolver maps PC expressions of seed requests. Nil means
	// NumericResolver.
	Resolver Resolver

	// Store configures the trace store.
	Store store.Options

	// Logger receives session events. Nil means slog.Default().
	Logger *slog.Logger
}

// Session is an opened trace plus lazily loaded derived tables.
//
// Thread Safety: methods may be called concurrently; index and use-def
// construction is serialized.
type Session struct {
	opts   Options
	store  *store.Store
	logger *slog.Logger

	mu     sync.Mutex
	index  *index.Table
	udDB   *badger.DB
	closed bool
}

// Open opens and validates the trace at path.
//
// Fails with traceerr.ErrIO or traceerr.ErrCorruptTrace.
func Open(ctx context.Context, path string, opts Options) (*Session, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Resolver == nil {
		opts.Resolver = NumericResolver{}
	}
	if opts.IndexPath.IsZero() {
		opts.IndexPath = index.DefaultShardPath(path)
	}
	if opts.UseDefPath == "" {
		opts.UseDefPath = path + ".ud"
	}
	if opts.Store.Logger == nil {
		opts.Store.Logger = opts.Logger
	}
	st, err := store.Open(ctx, path, opts.Store)
	if err != nil {
		return nil, err
	}
	return &Session{opts: opts, store: st, logger: opts.Logger.With(slog.String("trace", path))}, nil
}

// Store returns the underlying trace store.
func (s *Session) Store() *store.Store { return s.store }

// Header returns the trace header with the scanned entry count.
func (s *Session) Header() entry.Header { return s.store.Header() }

// Close releases the trace file. It is safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.index = nil
	var dbErr error
	if s.udDB != nil {
		dbErr = s.udDB.Close()
		s.udDB = nil
	}
	return errors.Join(s.store.Close(), dbErr)
}

func (s *Session) checkOpen() error {
	if s.closed {
		return ErrClosed
	}
	return nil
}

// Report writes the entries of rng matching f. See store.Store.Dump.
func (s *Session) Report(ctx context.Context, w io.Writer, rng store.Range, f store.Filter) error {
	return s.store.Dump(ctx, w, rng, f)
}

// Stats returns the tag distribution of the trace.
func (s *Session) Stats() store.Stats { return s.store.Stats() }

// Label renders the entry at p for DAG output, or "" if it cannot be read.
func (s *Session) Label(p uint64) string {
	e, err := s.store.ReadAt(p)
	if err != nil {
		return ""
	}
	return entry.Format(e, s.store.Header().Endian)
}

// Index returns the instruction index, loading it from IndexPath or
// building and saving it.
//
// Description:
//
//	A persisted index is used when it loads cleanly and covers the same
//	number of entries as the trace. A missing or incomplete index, or one
//	built for a different trace length, is rebuilt. A corrupt index is
//	reported, not replaced, unless Options.Rebuild is set.
func (s *Session) Index(ctx context.Context) (*index.Table, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if s.index != nil {
		return s.index, nil
	}

	if !s.opts.Rebuild {
		t, err := s.loadIndex(ctx)
		switch {
		case err == nil:
			s.index = t
			return t, nil
		case errors.Is(err, traceerr.ErrNotFound), errors.Is(err, traceerr.ErrIncomplete), errors.Is(err, errStale):
			s.logger.Info("rebuilding instruction index",
				slog.String("path", s.opts.IndexPath.String()), slog.String("reason", err.Error()))
		default:
			return nil, err
		}
	}

	t, err := index.Build(ctx, s.store, index.BuildOptions{
		Workers: s.opts.Workers,
		Shards:  s.opts.IndexShards,
		Logger:  s.logger,
	})
	if err != nil {
		return nil, err
	}
	if err := index.Save(ctx, t, s.opts.IndexPath); err != nil {
		return nil, err
	}
	s.index = t
	return t, nil
}

var errStale = errors.New("persisted data describes a different trace")

func (s *Session) loadIndex(ctx context.Context) (*index.Table, error) {
	t, err := index.Load(ctx, s.opts.IndexPath)
	if err != nil {
		return nil, err
	}
	if t.EntryCount() != s.store.EntryCount() {
		return nil, fmt.Errorf("%w: index covers %d entries, trace has %d",
			errStale, t.EntryCount(), s.store.EntryCount())
	}
	return t, nil
}

// ResolvePC maps an address or symbol expression through the session's
// Resolver.
func (s *Session) ResolvePC(symbol string) (uint64, error) {
	return s.opts.Resolver.Resolve(symbol)
}

// TracesForPC returns every position where pc executed, in order.
func (s *Session) TracesForPC(ctx context.Context, pc uint64) ([]uint64, error) {
	t, err := s.Index(ctx)
	if err != nil {
		return nil, err
	}
	return t.Lookup(pc), nil
}

// LastTraceForPC returns the most recent position where pc executed.
//
// An index already in memory or on disk answers directly. Otherwise the
// trace is scanned backward from its end, which is cheaper than building
// an index for a single query.
//
// Fails with traceerr.ErrNotFound if pc never executed.
func (s *Session) LastTraceForPC(ctx context.Context, pc uint64) (uint64, error) {
	s.mu.Lock()
	if err := s.checkOpen(); err != nil {
		s.mu.Unlock()
		return 0, err
	}
	t := s.index
	if t == nil && !s.opts.Rebuild {
		if loaded, err := s.loadIndex(ctx); err == nil {
			s.index, t = loaded, loaded
		}
	}
	s.mu.Unlock()

	if t != nil {
		return t.Last(pc)
	}
	n := s.store.EntryCount()
	if n == 0 {
		return 0, traceerr.Wrap(traceerr.ErrNotFound, nil, "pc 0x%x never executed", pc)
	}
	for e, err := range s.store.ReadBackward(ctx, n-1) {
		if err != nil {
			return 0, err
		}
		if e.Tag == entry.TagInsnExec && e.Addr == pc {
			return e.Position, nil
		}
	}
	return 0, traceerr.Wrap(traceerr.ErrNotFound, nil, "pc 0x%x never executed", pc)
}

// UseDefRequest selects the entries a use-def table covers.
type UseDefRequest struct {
	// Range is the inclusive position range. The zero value is the whole
	// trace.
	Range store.Range

	// Filter restricts the entries the pass observes. Filtered tables are
	// never persisted.
	Filter store.Filter

	// Logger, when set, receives the pass diagnostics instead of the
	// session logger.
	Logger *slog.Logger
}

// UseDef returns the use-def table for req, loading it from UseDefPath
// when a complete table for the same trace, range and policy is persisted,
// and analyzing and saving it otherwise.
func (s *Session) UseDef(ctx context.Context, req UseDefRequest) (*usedef.Table, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	start, end, err := req.Range.Resolve(s.store.EntryCount())
	if err != nil {
		return nil, err
	}
	if start == end {
		return nil, traceerr.Wrap(traceerr.ErrRange, nil, "trace has no entries")
	}
	first, last := start, end-1
	logger := req.Logger
	if logger == nil {
		logger = s.logger
	}
	opts := usedef.Options{Policy: s.opts.Policy, Workers: s.opts.Workers, Logger: logger}

	filtered := len(req.Filter.Tags) > 0 || len(req.Filter.InsnSeqs) > 0
	if filtered {
		return usedef.Analyze(ctx, filteredSource{src: s.store, filter: req.Filter}, first, last, opts)
	}

	db, err := s.useDefDB()
	if err != nil {
		return nil, err
	}

	if !s.opts.Rebuild {
		t, err := s.loadUseDef(ctx, db, first, last)
		switch {
		case err == nil:
			return t, nil
		case errors.Is(err, traceerr.ErrNotFound), errors.Is(err, traceerr.ErrIncomplete), errors.Is(err, errStale):
			s.logger.Info("rebuilding use-def table",
				slog.String("path", s.opts.UseDefPath), slog.String("reason", err.Error()))
		default:
			return nil, err
		}
	}

	t, err := usedef.Analyze(ctx, s.store, first, last, opts)
	if err != nil {
		return nil, err
	}
	if err := usedef.Save(ctx, db, t, s.store.EntryCount()); err != nil {
		return nil, err
	}
	return t, nil
}

// useDefDB opens the use-def database on first use. It stays open until
// Close. Callers hold s.mu.
func (s *Session) useDefDB() (*badger.DB, error) {
	if s.udDB != nil {
		return s.udDB, nil
	}
	cfg := badger.DefaultConfig(s.opts.UseDefPath)
	if s.opts.InMemoryUseDef {
		cfg = badger.InMemoryConfig()
	}
	cfg.Logger = s.logger
	db, err := badger.Open(cfg)
	if err != nil {
		return nil, traceerr.Wrap(traceerr.ErrIO, err, "open use-def database")
	}
	s.udDB = db
	return db, nil
}

func (s *Session) loadUseDef(ctx context.Context, db *badger.DB, first, last uint64) (*usedef.Table, error) {
	m, err := usedef.ReadMeta(ctx, db)
	if err != nil {
		return nil, err
	}
	if m.TraceEntries != s.store.EntryCount() || m.First != first || m.Last != last || m.Policy != s.opts.Policy.String() {
		return nil, fmt.Errorf("%w: table [%d, %d] policy %s over %d entries",
			errStale, m.First, m.Last, m.Policy, m.TraceEntries)
	}
	return usedef.Load(ctx, db)
}

// filteredSource hides entries that do not match a report filter.
type filteredSource struct {
	src    usedef.Source
	filter store.Filter
}

func (f filteredSource) EntryCount() uint64 { return f.src.EntryCount() }

func (f filteredSource) ReadForward(ctx context.Context, start, end uint64) iter.Seq2[entry.Entry, error] {
	return func(yield func(entry.Entry, error) bool) {
		for e, err := range f.src.ReadForward(ctx, start, end) {
			if err != nil {
				yield(e, err)
				return
			}
			if f.filter.Match(e) && !yield(e, nil) {
				return
			}
		}
	}
}

// TaintRequest describes a backward taint analysis.
type TaintRequest struct {
	Seeds  SeedRequest
	Depth  int
	Ignore []entry.Location

	// Range bounds the use-def table the walk runs over. The zero value is
	// the whole trace.
	Range store.Range
}

// Taint resolves the seeds of req and walks the use-def table backward.
//
// Description:
//
//	The seed request is validated before any file is touched. A PC seed
//	resolves through the session's Resolver to the last position where
//	that address executed.
//
// Outputs:
//
//	*taint.DAG - The dependency DAG.
//	error - traceerr.ErrAmbiguousRequest for a malformed seed request,
//	        traceerr.ErrNotFound for an unresolvable or never-executed PC or
//	        a seed outside Range, and any load or analysis error.
func (s *Session) Taint(ctx context.Context, req TaintRequest) (*taint.DAG, error) {
	if err := req.Seeds.Validate(); err != nil {
		return nil, err
	}
	if req.Depth < 0 {
		return nil, traceerr.Wrap(traceerr.ErrRange, nil, "negative depth %d", req.Depth)
	}

	seeds := req.Seeds.Positions
	if req.Seeds.PC != "" {
		pc, err := s.ResolvePC(req.Seeds.PC)
		if err != nil {
			return nil, err
		}
		p, err := s.LastTraceForPC(ctx, pc)
		if err != nil {
			return nil, err
		}
		s.logger.Debug("resolved taint seed", slog.String("pc", req.Seeds.PC), slog.Uint64("position", p))
		seeds = []uint64{p}
	}

	ud, err := s.UseDef(ctx, UseDefRequest{Range: req.Range})
	if err != nil {
		return nil, err
	}
	return taint.Analyze(ctx, ud, taint.Request{
		Seeds:  seeds,
		Depth:  req.Depth,
		Ignore: req.Ignore,
		Logger: s.logger,
	})
}
