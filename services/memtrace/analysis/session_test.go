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
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/memtrace/services/memtrace/entry"
	"github.com/AleutianAI/memtrace/services/memtrace/store"
	"github.com/AleutianAI/memtrace/services/memtrace/traceerr"
)

var testHeader = entry.Header{Endian: entry.LittleEndian, WordSize: 8, Machine: entry.EMX8664}

// programEntries is three instructions: r0 = ..., r1 = f(r0), [0x1000] = r1.
// The first and last execute pc 0x10.
func programEntries() []entry.Entry {
	word := make([]byte, 8)
	return []entry.Entry{
		{Tag: entry.TagInsn, Addr: 0x10, Value: []byte{0x90}},
		{Tag: entry.TagInsnExec, InsnSeq: 0, Addr: 0x10},
		{Tag: entry.TagPutReg, InsnSeq: 0, Addr: 0, Value: word},
		{Tag: entry.TagInsnExec, InsnSeq: 1, Addr: 0x14},
		{Tag: entry.TagGetReg, InsnSeq: 1, Addr: 0, Value: word},
		{Tag: entry.TagPutReg, InsnSeq: 1, Addr: 8, Value: word},
		{Tag: entry.TagInsnExec, InsnSeq: 2, Addr: 0x10},
		{Tag: entry.TagGetReg, InsnSeq: 2, Addr: 8, Value: word},
		{Tag: entry.TagStore, InsnSeq: 2, Addr: 0x1000, Value: word[:4]},
	}
}

func writeProgram(t *testing.T, entries []entry.Entry) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "trace.bin")
	require.NoError(t, store.WriteTrace(path, testHeader, entries))
	return path
}

// captureLogger returns a logger writing text records into buf.
func captureLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func openSession(t *testing.T, path string, opts Options) *Session {
	t.Helper()
	s, err := Open(context.Background(), path, opts)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSession_ReportAndStats(t *testing.T) {
	s := openSession(t, writeProgram(t, programEntries()), Options{InMemoryUseDef: true})

	var buf bytes.Buffer
	require.NoError(t, s.Report(context.Background(), &buf, store.Range{}, store.Filter{Tags: []entry.Tag{entry.TagInsnExec}}))
	assert.Equal(t, 3, strings.Count(buf.String(), "MT_INSN_EXEC"))
	assert.Contains(t, buf.String(), "Insns             : 3")

	st := s.Stats()
	assert.Equal(t, uint64(9), st.Entries)
	assert.Equal(t, uint64(3), st.Instructions)
	assert.Equal(t, uint64(9), s.Header().EntryCount)
	assert.Contains(t, s.Label(1), "MT_INSN_EXEC")
	assert.Empty(t, s.Label(99))
}

func TestSession_IndexPersists(t *testing.T) {
	path := writeProgram(t, programEntries())
	ctx := context.Background()

	var logs bytes.Buffer
	s := openSession(t, path, Options{InMemoryUseDef: true, Logger: captureLogger(&logs)})
	got, err := s.TracesForPC(ctx, 0x10)
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 6}, got)
	assert.Contains(t, logs.String(), "rebuilding instruction index")
	require.NoError(t, s.Close())

	_, err = os.Stat(filepath.Join(filepath.Dir(path), "index-meta.bin"))
	require.NoError(t, err)

	logs.Reset()
	s = openSession(t, path, Options{InMemoryUseDef: true, Logger: captureLogger(&logs)})
	got, err = s.TracesForPC(ctx, 0x14)
	require.NoError(t, err)
	assert.Equal(t, []uint64{3}, got)
	assert.NotContains(t, logs.String(), "rebuilding")

	got, err = s.TracesForPC(ctx, 0x99)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestSession_StaleIndexRebuilt(t *testing.T) {
	entries := programEntries()
	path := writeProgram(t, entries)
	ctx := context.Background()

	s := openSession(t, path, Options{InMemoryUseDef: true})
	_, err := s.Index(ctx)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	entries = append(entries, entry.Entry{Tag: entry.TagInsnExec, InsnSeq: 3, Addr: 0x10})
	require.NoError(t, store.WriteTrace(path, testHeader, entries))

	var logs bytes.Buffer
	s = openSession(t, path, Options{InMemoryUseDef: true, Logger: captureLogger(&logs)})
	got, err := s.TracesForPC(ctx, 0x10)
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 6, 9}, got)
	assert.Contains(t, logs.String(), "rebuilding instruction index")
}

func TestSession_LastTraceForPC(t *testing.T) {
	ctx := context.Background()

	t.Run("backward scan without index", func(t *testing.T) {
		s := openSession(t, writeProgram(t, programEntries()), Options{InMemoryUseDef: true})
		p, err := s.LastTraceForPC(ctx, 0x10)
		require.NoError(t, err)
		assert.Equal(t, uint64(6), p)

		_, err = s.LastTraceForPC(ctx, 0x99)
		assert.ErrorIs(t, err, traceerr.ErrNotFound)
	})

	t.Run("index", func(t *testing.T) {
		s := openSession(t, writeProgram(t, programEntries()), Options{InMemoryUseDef: true})
		_, err := s.Index(ctx)
		require.NoError(t, err)
		p, err := s.LastTraceForPC(ctx, 0x14)
		require.NoError(t, err)
		assert.Equal(t, uint64(3), p)

		_, err = s.LastTraceForPC(ctx, 0x99)
		assert.ErrorIs(t, err, traceerr.ErrNotFound)
	})
}

func TestSession_UseDefPersists(t *testing.T) {
	path := writeProgram(t, programEntries())
	ctx := context.Background()

	var logs bytes.Buffer
	s := openSession(t, path, Options{Logger: captureLogger(&logs), Workers: 1})
	first, err := s.UseDef(ctx, UseDefRequest{})
	require.NoError(t, err)
	assert.Contains(t, logs.String(), "rebuilding use-def table")
	require.NoError(t, s.Close())

	logs.Reset()
	s = openSession(t, path, Options{Logger: captureLogger(&logs), Workers: 1})
	second, err := s.UseDef(ctx, UseDefRequest{})
	require.NoError(t, err)
	assert.NotContains(t, logs.String(), "rebuilding")
	assert.Equal(t, first.Records(), second.Records())
	assert.Equal(t, first.Groups(), second.Groups())

	// A different range is stale and replaces the stored table.
	logs.Reset()
	sub, err := s.UseDef(ctx, UseDefRequest{Range: store.Range{First: 3, Last: 8, HasLast: true}})
	require.NoError(t, err)
	assert.Equal(t, uint64(3), sub.First())
	assert.Contains(t, logs.String(), "rebuilding use-def table")
}

func TestSession_UseDefFiltered(t *testing.T) {
	s := openSession(t, writeProgram(t, programEntries()), Options{InMemoryUseDef: true})

	table, err := s.UseDef(context.Background(), UseDefRequest{
		Filter: store.Filter{Tags: []entry.Tag{entry.TagInsnExec, entry.TagGetReg}},
	})
	require.NoError(t, err)
	for _, r := range table.Records() {
		assert.False(t, r.Defined(), "record %s", r)
	}
	assert.Equal(t, 2, table.Stats().Undefined)
}

func TestSession_UseDefRangeError(t *testing.T) {
	s := openSession(t, writeProgram(t, programEntries()), Options{InMemoryUseDef: true})
	_, err := s.UseDef(context.Background(), UseDefRequest{Range: store.Range{First: 5, Last: 20, HasLast: true}})
	assert.ErrorIs(t, err, traceerr.ErrRange)
}

func TestSession_Taint(t *testing.T) {
	ctx := context.Background()
	s := openSession(t, writeProgram(t, programEntries()), Options{InMemoryUseDef: true})

	d, err := s.Taint(ctx, TaintRequest{Seeds: SeedRequest{PC: "0x10"}, Depth: 3})
	require.NoError(t, err)
	assert.Equal(t, []uint64{6}, d.Seeds)
	var got []uint64
	for _, n := range d.Nodes {
		got = append(got, n.Position)
	}
	assert.Equal(t, []uint64{2, 5, 6}, got)

	d, err = s.Taint(ctx, TaintRequest{
		Seeds:  SeedRequest{Positions: []uint64{8}},
		Depth:  3,
		Ignore: []entry.Location{{Space: entry.SpaceRegister, Addr: 8, Size: 8}},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, d.Len())

	d, err = s.Taint(ctx, TaintRequest{Seeds: SeedRequest{Positions: []uint64{8}}, Depth: 0})
	require.NoError(t, err)
	assert.Equal(t, 1, d.Len())
	assert.Empty(t, d.Edges)
}

func TestSession_TaintErrors(t *testing.T) {
	ctx := context.Background()
	s := openSession(t, writeProgram(t, programEntries()), Options{InMemoryUseDef: true})

	_, err := s.Taint(ctx, TaintRequest{Seeds: SeedRequest{PC: "main"}, Depth: 1})
	assert.ErrorIs(t, err, traceerr.ErrNotFound)

	_, err = s.Taint(ctx, TaintRequest{Seeds: SeedRequest{PC: "0x99"}, Depth: 1})
	assert.ErrorIs(t, err, traceerr.ErrNotFound)

	_, err = s.Taint(ctx, TaintRequest{Seeds: SeedRequest{Positions: []uint64{50}}, Depth: 1})
	assert.ErrorIs(t, err, traceerr.ErrNotFound)

	_, err = s.Taint(ctx, TaintRequest{Seeds: SeedRequest{Positions: []uint64{1}}, Depth: -1})
	assert.ErrorIs(t, err, traceerr.ErrRange)

	// Malformed seed requests fail before touching the closed store.
	require.NoError(t, s.Close())
	_, err = s.Taint(ctx, TaintRequest{Seeds: SeedRequest{PC: "0x10", Positions: []uint64{1}}, Depth: 1})
	assert.ErrorIs(t, err, traceerr.ErrAmbiguousRequest)
	_, err = s.Taint(ctx, TaintRequest{Depth: 1})
	assert.ErrorIs(t, err, traceerr.ErrAmbiguousRequest)

	_, err = s.Index(ctx)
	assert.ErrorIs(t, err, ErrClosed)
	assert.NoError(t, s.Close())
}

func TestNumericResolver(t *testing.T) {
	r := NumericResolver{}
	pc, err := r.Resolve("0x401000")
	require.NoError(t, err)
	assert.Equal(t, uint64(0x401000), pc)

	pc, err = r.Resolve(" 42 ")
	require.NoError(t, err)
	assert.Equal(t, uint64(42), pc)

	_, err = r.Resolve("main")
	assert.ErrorIs(t, err, traceerr.ErrNotFound)
}

func TestParseLocationRange(t *testing.T) {
	loc, err := ParseLocationRange(entry.SpaceRegister, "0x10-0x18")
	require.NoError(t, err)
	assert.Equal(t, entry.Location{Space: entry.SpaceRegister, Addr: 0x10, Size: 8}, loc)

	loc, err = ParseLocationRange(entry.SpaceRegister, "24")
	require.NoError(t, err)
	assert.Equal(t, entry.Location{Space: entry.SpaceRegister, Addr: 24, Size: 1}, loc)

	for _, bad := range []string{"", "x-1", "8-8", "10-2", "1-y"} {
		_, err := ParseLocationRange(entry.SpaceRegister, bad)
		assert.Error(t, err, bad)
	}
}
