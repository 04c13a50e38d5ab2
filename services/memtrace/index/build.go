// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package index

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"runtime"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/memtrace/services/memtrace/entry"
)

// Source is the part of a trace store the index reads.
type Source interface {
	EntryCount() uint64
	ReadForward(ctx context.Context, start, end uint64) iter.Seq2[entry.Entry, error]
}

// DefaultChunkSize is the number of entries one build worker scans at a time.
const DefaultChunkSize = 1 << 20

// BuildOptions configures Build.
type BuildOptions struct {
	// Workers bounds concurrent chunk scans. Zero means GOMAXPROCS.
	Workers int

	// ChunkSize is the number of positions per chunk. Zero means
	// DefaultChunkSize.
	ChunkSize uint64

	// Shards is the number of shards the table is split into. Zero means
	// DefaultShards.
	Shards int

	// Logger receives build summaries. Nil means slog.Default().
	Logger *slog.Logger
}

func (o BuildOptions) withDefaults() BuildOptions {
	if o.Workers <= 0 {
		o.Workers = runtime.GOMAXPROCS(0)
	}
	if o.ChunkSize == 0 {
		o.ChunkSize = DefaultChunkSize
	}
	if o.Shards == 0 {
		o.Shards = DefaultShards
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Build scans src and indexes every instruction-executed entry.
//
// Description:
//
//	The position range is cut into chunks scanned concurrently, each into a
//	private map. Chunk maps are merged in chunk order, so every address's
//	positions end up ascending without sorting.
//
// Inputs:
//
//	ctx - Cancels the scan; checked between entries.
//	src - The trace.
//	opts - Tuning; the zero value is valid.
//
// Outputs:
//
//	*Table - The index.
//	error - The first scan error, ErrNoShards, or the context error.
func Build(ctx context.Context, src Source, opts BuildOptions) (*Table, error) {
	opts = opts.withDefaults()
	if opts.Shards < 0 {
		return nil, ErrNoShards
	}
	ctx, span := startOperationSpan(ctx, "Build")
	defer span.End()
	start := time.Now()

	n := src.EntryCount()
	chunks := int((n + opts.ChunkSize - 1) / opts.ChunkSize)
	partials := make([]map[uint64][]uint64, chunks)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Workers)
	for i := range chunks {
		lo := uint64(i) * opts.ChunkSize
		hi := min(lo+opts.ChunkSize, n)
		g.Go(func() error {
			local := make(map[uint64][]uint64)
			for e, err := range src.ReadForward(gctx, lo, hi) {
				if err != nil {
					return fmt.Errorf("index chunk [%d, %d): %w", lo, hi, err)
				}
				if e.Tag == entry.TagInsnExec {
					local[e.Addr] = append(local[e.Addr], e.Position)
				}
			}
			partials[i] = local
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		recordOperationMetrics(ctx, "build", time.Since(start), false)
		span.RecordError(err)
		return nil, err
	}

	t := newTable(n, opts.Shards)
	for _, local := range partials {
		for addr, ps := range local {
			shard := t.shards[shardOf(addr, opts.Shards)]
			shard[addr] = append(shard[addr], ps...)
			t.total += uint64(len(ps))
		}
	}

	span.SetAttributes(
		attribute.Int("index.chunks", chunks),
		attribute.Int64("index.positions", int64(t.total)),
	)
	recordOperationMetrics(ctx, "build", time.Since(start), true)
	recordIndexSize(ctx, t.total)
	opts.Logger.Info("instruction index built",
		slog.Uint64("entries", n),
		slog.Uint64("positions", t.total),
		slog.Int("chunks", chunks),
		slog.Duration("duration", time.Since(start)))
	return t, nil
}
