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
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"slices"
	"time"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/memtrace/services/memtrace/traceerr"
)

const (
	shardMagic    = "MTIX"
	manifestMagic = "MTIM"
	formatVersion = 1

	shardHeaderSize    = 24 // magic, version, pad, id, addresses
	manifestHeaderSize = 32 // magic, version, pad, shards, entries, positions
	checksumSize       = 8
)

var order = binary.LittleEndian

// Save writes t as shard files plus a manifest.
//
// Description:
//
//	Any existing manifest is removed first, so an interrupted save never
//	leaves a loadable index behind. Shard files past the new shard count
//	from an earlier, wider save are removed too. Shards are written concurrently, each to
//	a temporary file renamed into place. The manifest, holding every shard
//	checksum, is written last. On failure or cancellation every file this
//	call created is removed.
//
// Outputs:
//
//	error - traceerr.ErrIO on write failure, or the context error.
func Save(ctx context.Context, t *Table, path ShardPath) (err error) {
	if path.IsZero() {
		return ErrInvalidTemplate
	}
	ctx, span := startOperationSpan(ctx, "Save")
	defer span.End()
	start := time.Now()
	defer func() {
		recordOperationMetrics(ctx, "save", time.Since(start), err == nil)
	}()

	if err := os.Remove(path.Manifest()); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return traceerr.Wrap(traceerr.ErrIO, err, "remove stale manifest")
	}
	if err := removeStaleShards(path, len(t.shards)); err != nil {
		return err
	}

	sums := make([]uint64, len(t.shards))
	defer func() {
		if err != nil {
			for i := range t.shards {
				os.Remove(path.Shard(i))
				os.Remove(path.Shard(i) + ".tmp")
			}
			os.Remove(path.Manifest() + ".tmp")
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	for i := range t.shards {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			buf := encodeShard(uint32(i), t.shards[i])
			sums[i] = order.Uint64(buf[len(buf)-checksumSize:])
			return writeAtomic(path.Shard(i), buf)
		})
	}
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return writeAtomic(path.Manifest(), encodeManifest(t, sums))
}

// removeStaleShards deletes shard files numbered from n upward left by an
// earlier save with more shards. It stops at the first missing file.
func removeStaleShards(path ShardPath, n int) error {
	for i := n; ; i++ {
		err := os.Remove(path.Shard(i))
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		if err != nil {
			return traceerr.Wrap(traceerr.ErrIO, err, "remove stale shard %d", i)
		}
	}
}

func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return traceerr.Wrap(traceerr.ErrIO, err, "write %s", tmp)
	}
	if err := os.Rename(tmp, path); err != nil {
		return traceerr.Wrap(traceerr.ErrIO, err, "rename %s", tmp)
	}
	return nil
}

func encodeShard(id uint32, shard map[uint64][]uint64) []byte {
	addrs := make([]uint64, 0, len(shard))
	size := shardHeaderSize + checksumSize
	for addr, ps := range shard {
		addrs = append(addrs, addr)
		size += 16 + 8*len(ps)
	}
	slices.Sort(addrs)

	buf := make([]byte, shardHeaderSize, size)
	copy(buf, shardMagic)
	buf[4] = formatVersion
	order.PutUint32(buf[8:], id)
	order.PutUint64(buf[16:], uint64(len(addrs)))
	for _, addr := range addrs {
		ps := shard[addr]
		buf = order.AppendUint64(buf, addr)
		buf = order.AppendUint64(buf, uint64(len(ps)))
		for _, p := range ps {
			buf = order.AppendUint64(buf, p)
		}
	}
	return order.AppendUint64(buf, xxhash.Sum64(buf))
}

func encodeManifest(t *Table, sums []uint64) []byte {
	buf := make([]byte, manifestHeaderSize, manifestHeaderSize+8*len(sums)+checksumSize)
	copy(buf, manifestMagic)
	buf[4] = formatVersion
	order.PutUint32(buf[8:], uint32(len(sums)))
	order.PutUint64(buf[16:], t.entryCount)
	order.PutUint64(buf[24:], t.total)
	for _, s := range sums {
		buf = order.AppendUint64(buf, s)
	}
	return order.AppendUint64(buf, xxhash.Sum64(buf))
}

type manifest struct {
	shards     int
	entryCount uint64
	total      uint64
	sums       []uint64
}

// Load reads and validates the index at path.
//
// Description:
//
//	The manifest and every shard are checked before the table is returned:
//	magic, version, checksums, shard ids, address placement, position order
//	and the position total. Shards are read concurrently.
//
// Outputs:
//
//	*Table - The validated index.
//	error - traceerr.ErrNotFound when no index exists, traceerr.ErrIncomplete
//	        when shards exist without a manifest, traceerr.ErrCorruptIndex on
//	        validation failure, traceerr.ErrIO on read failure.
func Load(ctx context.Context, path ShardPath) (t *Table, err error) {
	if path.IsZero() {
		return nil, ErrInvalidTemplate
	}
	ctx, span := startOperationSpan(ctx, "Load")
	defer span.End()
	start := time.Now()
	defer func() {
		recordOperationMetrics(ctx, "load", time.Since(start), err == nil)
	}()

	raw, err := os.ReadFile(path.Manifest())
	if errors.Is(err, fs.ErrNotExist) {
		if _, serr := os.Stat(path.Shard(0)); serr == nil {
			return nil, traceerr.Wrap(traceerr.ErrIncomplete, nil, "index %s has no manifest", path)
		}
		return nil, traceerr.Wrap(traceerr.ErrNotFound, err, "index %s", path)
	}
	if err != nil {
		return nil, traceerr.Wrap(traceerr.ErrIO, err, "read manifest of %s", path)
	}
	m, err := decodeManifest(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path.Manifest(), err)
	}

	t = newTable(m.entryCount, m.shards)
	counts := make([]uint64, m.shards)
	g, gctx := errgroup.WithContext(ctx)
	for i := range m.shards {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			p := path.Shard(i)
			raw, err := os.ReadFile(p)
			if errors.Is(err, fs.ErrNotExist) {
				return traceerr.Wrap(traceerr.ErrCorruptIndex, err, "shard %s missing", p)
			}
			if err != nil {
				return traceerr.Wrap(traceerr.ErrIO, err, "read shard %s", p)
			}
			n, err := decodeShard(raw, i, m, t.shards[i])
			if err != nil {
				return fmt.Errorf("%s: %w", p, err)
			}
			counts[i] = n
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		return nil, err
	}

	for _, n := range counts {
		t.total += n
	}
	if t.total != m.total {
		return nil, traceerr.Wrap(traceerr.ErrCorruptIndex, nil,
			"%s: manifest declares %d positions, shards hold %d", path, m.total, t.total)
	}
	recordIndexSize(ctx, t.total)
	return t, nil
}

func decodeManifest(raw []byte) (manifest, error) {
	if len(raw) < manifestHeaderSize+checksumSize {
		return manifest{}, traceerr.Wrap(traceerr.ErrCorruptIndex, nil, "manifest truncated at %d bytes", len(raw))
	}
	if string(raw[:4]) != manifestMagic || raw[4] != formatVersion {
		return manifest{}, traceerr.Wrap(traceerr.ErrCorruptIndex, nil, "bad manifest magic or version")
	}
	body := raw[:len(raw)-checksumSize]
	if xxhash.Sum64(body) != order.Uint64(raw[len(body):]) {
		return manifest{}, traceerr.Wrap(traceerr.ErrCorruptIndex, nil, "manifest checksum mismatch")
	}
	m := manifest{
		shards:     int(order.Uint32(raw[8:])),
		entryCount: order.Uint64(raw[16:]),
		total:      order.Uint64(raw[24:]),
	}
	if m.shards < 1 || len(body) != manifestHeaderSize+8*m.shards {
		return manifest{}, traceerr.Wrap(traceerr.ErrCorruptIndex, nil, "manifest declares %d shards in %d bytes", m.shards, len(raw))
	}
	m.sums = make([]uint64, m.shards)
	for i := range m.sums {
		m.sums[i] = order.Uint64(body[manifestHeaderSize+8*i:])
	}
	return m, nil
}

// decodeShard validates raw as shard id and fills dst. It returns the number
// of positions read.
func decodeShard(raw []byte, id int, m manifest, dst map[uint64][]uint64) (uint64, error) {
	corrupt := func(format string, args ...any) (uint64, error) {
		return 0, traceerr.Wrap(traceerr.ErrCorruptIndex, nil, format, args...)
	}
	if len(raw) < shardHeaderSize+checksumSize {
		return corrupt("shard truncated at %d bytes", len(raw))
	}
	if string(raw[:4]) != shardMagic || raw[4] != formatVersion {
		return corrupt("bad shard magic or version")
	}
	body := raw[:len(raw)-checksumSize]
	sum := order.Uint64(raw[len(body):])
	if xxhash.Sum64(body) != sum {
		return corrupt("shard checksum mismatch")
	}
	if sum != m.sums[id] {
		return corrupt("shard checksum differs from manifest")
	}
	if got := order.Uint32(raw[8:]); int(got) != id {
		return corrupt("shard id %d, expected %d", got, id)
	}

	addrs := order.Uint64(raw[16:])
	off := shardHeaderSize
	var total uint64
	prev, first := uint64(0), true
	for range addrs {
		if len(body)-off < 16 {
			return corrupt("address group truncated at offset %d", off)
		}
		addr := order.Uint64(body[off:])
		count := order.Uint64(body[off+8:])
		off += 16
		if !first && addr <= prev {
			return corrupt("address 0x%x out of order", addr)
		}
		if shardOf(addr, m.shards) != id {
			return corrupt("address 0x%x does not belong to shard %d", addr, id)
		}
		if count == 0 || count > uint64(len(body)-off)/8 {
			return corrupt("address 0x%x declares %d positions", addr, count)
		}
		ps := make([]uint64, count)
		for j := range ps {
			ps[j] = order.Uint64(body[off:])
			off += 8
			if ps[j] >= m.entryCount || (j > 0 && ps[j] <= ps[j-1]) {
				return corrupt("address 0x%x position %d out of order or range", addr, ps[j])
			}
		}
		dst[addr] = ps
		total += count
		prev, first = addr, false
	}
	if off != len(body) {
		return corrupt("%d trailing bytes", len(body)-off)
	}
	return total, nil
}
