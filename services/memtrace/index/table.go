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
	"encoding/binary"
	"slices"

	"github.com/cespare/xxhash/v2"

	"github.com/AleutianAI/memtrace/services/memtrace/traceerr"
)

// DefaultShards is the shard count used when none is configured.
const DefaultShards = 16

// Table is the instruction index: address to ascending positions.
type Table struct {
	entryCount uint64
	total      uint64
	shards     []map[uint64][]uint64
}

func newTable(entryCount uint64, shards int) *Table {
	t := &Table{entryCount: entryCount, shards: make([]map[uint64][]uint64, shards)}
	for i := range t.shards {
		t.shards[i] = make(map[uint64][]uint64)
	}
	return t
}

// shardOf returns the shard holding addr.
func shardOf(addr uint64, shards int) int {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], addr)
	return int(xxhash.Sum64(b[:]) % uint64(shards))
}

// Lookup returns the positions at which addr executed, in ascending order.
// An address that never executed yields an empty slice. The slice must not
// be modified.
func (t *Table) Lookup(addr uint64) []uint64 {
	return t.shards[shardOf(addr, len(t.shards))][addr]
}

// Last returns the most recent position at which addr executed.
//
// Fails with traceerr.ErrNotFound if addr never executed.
func (t *Table) Last(addr uint64) (uint64, error) {
	ps := t.Lookup(addr)
	if len(ps) == 0 {
		return 0, traceerr.Wrap(traceerr.ErrNotFound, nil, "address 0x%x never executed", addr)
	}
	return ps[len(ps)-1], nil
}

// Addresses returns every indexed address in ascending order.
func (t *Table) Addresses() []uint64 {
	var out []uint64
	for _, shard := range t.shards {
		for addr := range shard {
			out = append(out, addr)
		}
	}
	slices.Sort(out)
	return out
}

// EntryCount returns the entry count of the trace the table was built from.
func (t *Table) EntryCount() uint64 { return t.entryCount }

// PositionCount returns the number of indexed positions.
func (t *Table) PositionCount() uint64 { return t.total }

// ShardCount returns the number of shards.
func (t *Table) ShardCount() int { return len(t.shards) }
