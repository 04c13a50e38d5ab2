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
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/memtrace/services/memtrace/entry"
	"github.com/AleutianAI/memtrace/services/memtrace/storage/badger"
	"github.com/AleutianAI/memtrace/services/memtrace/traceerr"
)

const (
	storeVersion = 1

	recordSize = 30
	groupSize  = 29
)

var (
	metaKey      = []byte("meta")
	groupPrefix  = []byte("g/")
	recordPrefix = []byte("r/")

	le = binary.LittleEndian
)

// Meta describes a persisted table. It holds nothing run-dependent, so
// saving the same table twice writes identical bytes.
type Meta struct {
	Version      int    `json:"version"`
	TraceEntries uint64 `json:"trace_entries"`
	First        uint64 `json:"first"`
	Last         uint64 `json:"last"`
	Policy       string `json:"policy"`
	Records      int    `json:"records"`
	Groups       int    `json:"groups"`
	Complete     bool   `json:"complete"`
}

func positionKey(prefix []byte, p uint64) []byte {
	return binary.BigEndian.AppendUint64(append([]byte(nil), prefix...), p)
}

func writeMeta(ctx context.Context, db *badger.DB, m Meta) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal use-def meta: %w", err)
	}
	return db.WithTxn(ctx, func(txn *badgerdb.Txn) error {
		return txn.Set(metaKey, raw)
	})
}

// Save persists t into db, replacing its contents.
//
// Description:
//
//	Writes the meta key with Complete=false, bulk-loads groups and records,
//	syncs, then rewrites the meta key with Complete=true. A save that fails
//	or is cancelled midway leaves a database Load rejects with
//	traceerr.ErrIncomplete.
//
// Inputs:
//
//	traceEntries - Entry count of the analyzed trace, used to detect stale
//	               tables.
func Save(ctx context.Context, db *badger.DB, t *Table, traceEntries uint64) (err error) {
	ctx, span := startOperationSpan(ctx, "Save")
	defer span.End()
	start := time.Now()
	defer func() {
		recordOperationMetrics(ctx, "save", time.Since(start), err == nil)
	}()

	if err := db.Reset(); err != nil {
		return traceerr.Wrap(traceerr.ErrIO, err, "reset use-def database")
	}
	m := Meta{
		Version:      storeVersion,
		TraceEntries: traceEntries,
		First:        t.first,
		Last:         t.last,
		Policy:       t.policy.String(),
		Records:      len(t.records),
		Groups:       len(t.groups),
	}
	if err := writeMeta(ctx, db, m); err != nil {
		return traceerr.Wrap(traceerr.ErrIO, err, "write use-def meta")
	}

	err = db.Batch(ctx, func(set func(k, v []byte) error) error {
		for _, g := range t.groups {
			if err := set(positionKey(groupPrefix, g.First), encodeGroup(g)); err != nil {
				return err
			}
		}
		for i := 0; i < len(t.records); {
			if i%4096 == 0 {
				if err := ctx.Err(); err != nil {
					return err
				}
			}
			p := t.records[i].Position
			j := i
			var val []byte
			for ; j < len(t.records) && t.records[j].Position == p; j++ {
				val = appendRecord(val, t.records[j])
			}
			if err := set(positionKey(recordPrefix, p), val); err != nil {
				return err
			}
			i = j
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return traceerr.Wrap(traceerr.ErrIO, err, "write use-def records")
	}
	if err := db.Sync(); err != nil {
		return traceerr.Wrap(traceerr.ErrIO, err, "sync use-def database")
	}
	m.Complete = true
	if err := writeMeta(ctx, db, m); err != nil {
		return traceerr.Wrap(traceerr.ErrIO, err, "finalize use-def meta")
	}
	return nil
}

func appendRecord(dst []byte, r Record) []byte {
	dst = append(dst, byte(r.Kind), byte(r.Location.Space))
	dst = le.AppendUint32(dst, r.InsnSeq)
	dst = le.AppendUint64(dst, r.Location.Addr)
	dst = le.AppendUint64(dst, r.Location.Size)
	return le.AppendUint64(dst, r.Def)
}

func encodeGroup(g Group) []byte {
	buf := make([]byte, 0, groupSize)
	buf = le.AppendUint32(buf, g.InsnSeq)
	buf = le.AppendUint64(buf, g.First)
	buf = le.AppendUint64(buf, g.Last)
	buf = le.AppendUint64(buf, g.PC)
	if g.HasPC {
		return append(buf, 1)
	}
	return append(buf, 0)
}

// ReadMeta returns the meta key of db.
//
// Fails with traceerr.ErrNotFound if db holds no table and
// traceerr.ErrCorruptUseDef if the key cannot be decoded.
func ReadMeta(ctx context.Context, db *badger.DB) (Meta, error) {
	raw, err := db.Get(ctx, metaKey)
	if errors.Is(err, badgerdb.ErrKeyNotFound) {
		return Meta{}, traceerr.Wrap(traceerr.ErrNotFound, nil, "use-def database holds no table")
	}
	if err != nil {
		return Meta{}, traceerr.Wrap(traceerr.ErrIO, err, "read use-def meta")
	}
	var m Meta
	if err := json.Unmarshal(raw, &m); err != nil {
		return Meta{}, traceerr.Wrap(traceerr.ErrCorruptUseDef, err, "decode use-def meta")
	}
	if m.Version != storeVersion {
		return Meta{}, traceerr.Wrap(traceerr.ErrCorruptUseDef, nil, "use-def version %d", m.Version)
	}
	return m, nil
}

// Load reads and validates the table persisted in db.
//
// Description:
//
//	Checks the completion flag, then decodes every group and record,
//	verifying key/value agreement, ordering, the declared range and the
//	declared counts before returning.
//
// Outputs:
//
//	*Table - The table.
//	error - traceerr.ErrNotFound, traceerr.ErrIncomplete or
//	        traceerr.ErrCorruptUseDef.
func Load(ctx context.Context, db *badger.DB) (t *Table, err error) {
	ctx, span := startOperationSpan(ctx, "Load")
	defer span.End()
	start := time.Now()
	defer func() {
		recordOperationMetrics(ctx, "load", time.Since(start), err == nil)
	}()

	m, err := ReadMeta(ctx, db)
	if err != nil {
		return nil, err
	}
	if !m.Complete {
		return nil, traceerr.Wrap(traceerr.ErrIncomplete, nil, "use-def table was not finalized")
	}
	policy, err := ParsePolicy(m.Policy)
	if err != nil {
		return nil, traceerr.Wrap(traceerr.ErrCorruptUseDef, err, "use-def meta")
	}
	t = &Table{first: m.First, last: m.Last, policy: policy}
	corrupt := func(format string, args ...any) error {
		return traceerr.Wrap(traceerr.ErrCorruptUseDef, nil, format, args...)
	}

	err = db.ScanPrefix(ctx, groupPrefix, func(k, v []byte) error {
		if len(k) != len(groupPrefix)+8 || len(v) != groupSize {
			return corrupt("group key %x has %d value bytes", k, len(v))
		}
		g := Group{
			InsnSeq: le.Uint32(v[0:]),
			First:   le.Uint64(v[4:]),
			Last:    le.Uint64(v[12:]),
			PC:      le.Uint64(v[20:]),
			HasPC:   v[28] == 1,
		}
		if binary.BigEndian.Uint64(k[len(groupPrefix):]) != g.First || g.First > g.Last || !t.Contains(g.First) || !t.Contains(g.Last) {
			return corrupt("group at %d is inconsistent", g.First)
		}
		if n := len(t.groups); n > 0 && (t.groups[n-1].Last >= g.First || t.groups[n-1].InsnSeq >= g.InsnSeq) {
			return corrupt("group at %d overlaps its predecessor", g.First)
		}
		t.groups = append(t.groups, g)
		return nil
	})
	if err != nil {
		return nil, err
	}

	err = db.ScanPrefix(ctx, recordPrefix, func(k, v []byte) error {
		if len(k) != len(recordPrefix)+8 || len(v) == 0 || len(v)%recordSize != 0 {
			return corrupt("record key %x has %d value bytes", k, len(v))
		}
		p := binary.BigEndian.Uint64(k[len(recordPrefix):])
		if !t.Contains(p) {
			return corrupt("record position %d outside [%d, %d]", p, t.first, t.last)
		}
		for off := 0; off < len(v); off += recordSize {
			r := Record{
				Position: p,
				Kind:     Kind(v[off]),
				InsnSeq:  le.Uint32(v[off+2:]),
				Location: entry.Location{
					Space: entry.Space(v[off+1]),
					Addr:  le.Uint64(v[off+6:]),
					Size:  le.Uint64(v[off+14:]),
				},
				Def: le.Uint64(v[off+22:]),
			}
			if err := validateRecord(r); err != nil {
				return err
			}
			t.records = append(t.records, r)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(t.records) != m.Records || len(t.groups) != m.Groups {
		return nil, corrupt("meta declares %d records and %d groups, found %d and %d",
			m.Records, m.Groups, len(t.records), len(t.groups))
	}
	linkGroups(t.records, t.groups)
	recordTableSize(ctx, len(t.records))
	return t, nil
}

func validateRecord(r Record) error {
	corrupt := func(msg string) error {
		return traceerr.AtPosition(traceerr.ErrCorruptUseDef, r.Position, -1, errors.New(msg))
	}
	switch {
	case r.Kind != KindUse && r.Kind != KindDef:
		return corrupt("unknown record kind")
	case r.Location.Space != entry.SpaceRegister && r.Location.Space != entry.SpaceMemory:
		return corrupt("unknown location space")
	case !r.Location.Valid():
		return corrupt("empty or wrapping location")
	case r.Kind == KindDef && r.Defined():
		return corrupt("def record carries a definition")
	case r.Kind == KindUse && r.Defined() && r.Def >= r.Position:
		return corrupt("use defined at or after itself")
	}
	return nil
}
