// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package usedef

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"runtime"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/memtrace/services/memtrace/entry"
	"github.com/AleutianAI/memtrace/services/memtrace/traceerr"
)

// Source is the part of a trace store the analyzer reads.
type Source interface {
	EntryCount() uint64
	ReadForward(ctx context.Context, start, end uint64) iter.Seq2[entry.Entry, error]
}

// DefaultChunkSize is the number of positions one worker analyzes.
const DefaultChunkSize = 1 << 20

// Options configures Analyze.
type Options struct {
	// Policy selects how reads spanning several writers are recorded.
	Policy Policy

	// Workers bounds concurrent chunk scans. Zero means GOMAXPROCS; one
	// forces a single sequential pass.
	Workers int

	// ChunkSize is the number of positions per chunk. Zero means
	// DefaultChunkSize.
	ChunkSize uint64

	// Logger receives progress and, at Debug level, one record per
	// instruction with its uses and defs. Nil means slog.Default().
	Logger *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = runtime.GOMAXPROCS(0)
	}
	if o.ChunkSize == 0 {
		o.ChunkSize = DefaultChunkSize
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Analyze computes the use-def table of positions [first, last].
//
// Description:
//
//	Cuts the range into chunks, scans them concurrently with private
//	writer maps, then merges them in position order. Reads left
//	unresolved by a chunk are resolved against the writer map carried
//	over from the chunks before it, after which the chunk's own writes are
//	laid over the carried map.
//
// Inputs:
//
//	ctx - Cancels the scan; checked between entries.
//	src - The trace.
//	first, last - Inclusive position range.
//	opts - Tuning; the zero value is valid.
//
// Outputs:
//
//	*Table - The use-def table.
//	error - traceerr.ErrRange if first > last or last is out of bounds, a
//	        trace read error, or the context error.
func Analyze(ctx context.Context, src Source, first, last uint64, opts Options) (*Table, error) {
	n := src.EntryCount()
	if first > last || last >= n {
		return nil, traceerr.Wrap(traceerr.ErrRange, nil,
			"use-def range [%d, %d], trace has %d entries", first, last, n)
	}
	opts = opts.withDefaults()
	logger := opts.Logger.With(slog.String("run_id", uuid.NewString()))

	ctx, span := startOperationSpan(ctx, "Analyze")
	defer span.End()
	start := time.Now()

	total := last - first + 1
	chunks := int((total + opts.ChunkSize - 1) / opts.ChunkSize)
	parts := make([]*chunkResult, chunks)
	progress := &rate.Sometimes{Interval: 5 * time.Second}

	logger.Info("use-def analysis started",
		slog.Uint64("first", first),
		slog.Uint64("last", last),
		slog.String("policy", opts.Policy.String()),
		slog.Int("chunks", chunks))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Workers)
	for i := range chunks {
		lo := first + uint64(i)*opts.ChunkSize
		hi := min(lo+opts.ChunkSize, last+1)
		g.Go(func() error {
			part, err := scanChunk(gctx, src, lo, hi, progress, logger)
			if err != nil {
				return fmt.Errorf("use-def chunk [%d, %d): %w", lo, hi, err)
			}
			parts[i] = part
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		recordOperationMetrics(ctx, "analyze", time.Since(start), false)
		logger.Warn("use-def analysis failed", slog.String("error", err.Error()))
		return nil, err
	}

	t := merge(parts, first, last, opts.Policy)
	logGroups(ctx, logger, t)

	st := t.Stats()
	span.SetAttributes(
		attribute.Int("usedef.chunks", chunks),
		attribute.Int("usedef.records", len(t.records)),
		attribute.Int("usedef.undefined", st.Undefined),
	)
	recordOperationMetrics(ctx, "analyze", time.Since(start), true)
	recordTableSize(ctx, len(t.records))
	logger.Info("use-def analysis finished",
		slog.Int("uses", st.Uses),
		slog.Int("defs", st.Defs),
		slog.Int("undefined", st.Undefined),
		slog.Int("instructions", st.Groups),
		slog.Duration("duration", time.Since(start)))
	return t, nil
}

// chunkResult is the local analysis of one position range.
type chunkResult struct {
	records []Record
	groups  []Group
	regs    *writerMap
	mem     *writerMap
}

func newChunkResult() *chunkResult {
	return &chunkResult{regs: newWriterMap(), mem: newWriterMap()}
}

func (c *chunkResult) writers(s entry.Space) *writerMap {
	if s == entry.SpaceRegister {
		return c.regs
	}
	return c.mem
}

func scanChunk(ctx context.Context, src Source, lo, hi uint64, progress *rate.Sometimes, logger *slog.Logger) (*chunkResult, error) {
	c := newChunkResult()
	for e, err := range src.ReadForward(ctx, lo, hi) {
		if err != nil {
			return nil, err
		}
		c.observe(e)
		progress.Do(func() {
			logger.Info("use-def analysis progress", slog.Uint64("position", e.Position))
		})
	}
	return c, nil
}

// observe applies one entry. Entries must arrive in position order.
func (c *chunkResult) observe(e entry.Entry) {
	if e.Tag.HasInsnSeq() {
		if n := len(c.groups); n > 0 && c.groups[n-1].InsnSeq == e.InsnSeq {
			c.groups[n-1].Last = e.Position
		} else {
			c.groups = append(c.groups, Group{InsnSeq: e.InsnSeq, First: e.Position, Last: e.Position})
		}
		if e.Tag == entry.TagInsnExec {
			g := &c.groups[len(c.groups)-1]
			g.PC, g.HasPC = e.Addr, true
		}
	}

	loc, ok := e.Location()
	if !ok {
		return
	}
	m := c.writers(loc.Space)
	if e.Tag.IsRead() {
		for _, s := range m.Read(loc.Addr, loc.End()) {
			c.records = append(c.records, Record{
				Position: e.Position,
				InsnSeq:  e.InsnSeq,
				Kind:     KindUse,
				Location: entry.Location{Space: loc.Space, Addr: s.start, Size: s.end - s.start},
				Def:      s.writer,
			})
		}
		return
	}
	c.records = append(c.records, Record{
		Position: e.Position,
		InsnSeq:  e.InsnSeq,
		Kind:     KindDef,
		Location: loc,
		Def:      entry.Undefined,
	})
	m.Write(loc.Addr, loc.End(), e.Position)
}

// merge stitches chunk results, in order, into one table.
func merge(parts []*chunkResult, first, last uint64, policy Policy) *Table {
	t := &Table{first: first, last: last, policy: policy}
	carried := newChunkResult()

	for k, part := range parts {
		for _, r := range part.records {
			if k == 0 || r.Kind != KindUse || r.Defined() {
				t.records = append(t.records, r)
				continue
			}
			for _, s := range carried.writers(r.Location.Space).Read(r.Location.Addr, r.Location.End()) {
				resolved := r
				resolved.Location.Addr = s.start
				resolved.Location.Size = s.end - s.start
				resolved.Def = s.writer
				t.records = append(t.records, resolved)
			}
		}

		for _, g := range part.groups {
			if n := len(t.groups); n > 0 && t.groups[n-1].InsnSeq == g.InsnSeq {
				prev := &t.groups[n-1]
				prev.Last = g.Last
				if g.HasPC && !prev.HasPC {
					prev.PC, prev.HasPC = g.PC, true
				}
				continue
			}
			t.groups = append(t.groups, g)
		}

		switch {
		case k == 0:
			carried.regs, carried.mem = part.regs, part.mem
		case k < len(parts)-1:
			carried.regs.Overlay(part.regs)
			carried.mem.Overlay(part.mem)
		}
	}

	if policy == PolicyMostRecent {
		t.records = collapse(t.records)
	}
	linkGroups(t.records, t.groups)
	return t
}

// collapse merges the use pieces of each read into one record whose Def is
// the latest defined writer.
func collapse(records []Record) []Record {
	out := records[:0]
	for i := 0; i < len(records); {
		r := records[i]
		j := i + 1
		if r.Kind == KindUse {
			for ; j < len(records); j++ {
				next := records[j]
				if next.Position != r.Position || next.Kind != KindUse {
					break
				}
				r.Location.Size = next.Location.End() - r.Location.Addr
				if next.Defined() && (!r.Defined() || next.Def > r.Def) {
					r.Def = next.Def
				}
			}
		}
		out = append(out, r)
		i = j
	}
	return out
}

func logGroups(ctx context.Context, logger *slog.Logger, t *Table) {
	if !logger.Enabled(ctx, slog.LevelDebug) {
		return
	}
	for _, g := range t.groups {
		var uses, defs []string
		for _, r := range t.records[g.RecordLo:g.RecordHi] {
			if r.Kind == KindDef {
				defs = append(defs, r.Location.String())
				continue
			}
			if r.Defined() {
				uses = append(uses, fmt.Sprintf("%s<-%d", r.Location, r.Def))
			} else {
				uses = append(uses, r.Location.String()+"<-?")
			}
		}
		logger.LogAttrs(ctx, slog.LevelDebug, "instruction",
			slog.Uint64("insn_seq", uint64(g.InsnSeq)),
			slog.String("pc", fmt.Sprintf("0x%x", g.PC)),
			slog.Uint64("first", g.First),
			slog.Uint64("last", g.Last),
			slog.Any("uses", uses),
			slog.Any("defs", defs))
	}
}
