// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package taint

import (
	"bytes"
	"context"
	"iter"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/memtrace/services/memtrace/entry"
	"github.com/AleutianAI/memtrace/services/memtrace/traceerr"
	"github.com/AleutianAI/memtrace/services/memtrace/usedef"
)

// fakeUseDefs serves hand-written use records for positions [0, hi].
type fakeUseDefs struct {
	hi   uint64
	uses map[uint64][]usedef.Record
}

func (f *fakeUseDefs) Contains(p uint64) bool { return p <= f.hi }

func (f *fakeUseDefs) Uses(p uint64) []usedef.Record { return f.uses[p] }

func (f *fakeUseDefs) use(at uint64, loc entry.Location, def uint64) *fakeUseDefs {
	if f.uses == nil {
		f.uses = make(map[uint64][]usedef.Record)
	}
	f.uses[at] = append(f.uses[at], usedef.Record{Position: at, Kind: usedef.KindUse, Location: loc, Def: def})
	return f
}

func reg(id uint64) entry.Location {
	return entry.Location{Space: entry.SpaceRegister, Addr: id * 8, Size: 8}
}

func mem(addr uint64) entry.Location {
	return entry.Location{Space: entry.SpaceMemory, Addr: addr, Size: 4}
}

func positions(d *DAG) []uint64 {
	out := make([]uint64, len(d.Nodes))
	for i, n := range d.Nodes {
		out[i] = n.Position
	}
	return out
}

func TestAnalyze_DepthZeroYieldsSeed(t *testing.T) {
	ud := (&fakeUseDefs{hi: 20}).use(5, reg(1), 2)

	d, err := Analyze(context.Background(), ud, Request{Seeds: []uint64{5}, Depth: 0})
	require.NoError(t, err)
	assert.Equal(t, []uint64{5}, positions(d))
	assert.Empty(t, d.Edges)

	n, ok := d.Node(5)
	require.True(t, ok)
	assert.Equal(t, 0, n.Hop)
	assert.False(t, n.HasLocation)
}

func TestAnalyze_IgnoredLocationPrunesSolePath(t *testing.T) {
	ud := (&fakeUseDefs{hi: 20}).use(10, reg(2), 4)

	d, err := Analyze(context.Background(), ud, Request{Seeds: []uint64{10}, Depth: 3})
	require.NoError(t, err)
	assert.Equal(t, []uint64{4, 10}, positions(d))

	d, err = Analyze(context.Background(), ud, Request{Seeds: []uint64{10}, Depth: 3, Ignore: []entry.Location{reg(2)}})
	require.NoError(t, err)
	assert.Equal(t, []uint64{10}, positions(d))
	assert.Empty(t, d.Edges)
}

func TestAnalyze_IgnoredLocationKeepsAlternatePath(t *testing.T) {
	ud := (&fakeUseDefs{hi: 20}).
		use(10, reg(2), 4).
		use(10, mem(0x1000), 6).
		use(6, reg(3), 4)

	d, err := Analyze(context.Background(), ud, Request{
		Seeds:  []uint64{10},
		Depth:  5,
		Ignore: []entry.Location{{Space: entry.SpaceRegister, Addr: 16, Size: 1}},
	})
	require.NoError(t, err)
	assert.Equal(t, []uint64{4, 6, 10}, positions(d))
	assert.Equal(t, []Edge{
		{From: 6, To: 4, Location: reg(3), Via: 6},
		{From: 10, To: 6, Location: mem(0x1000), Via: 10},
	}, d.Edges)

	n, _ := d.Node(4)
	assert.Equal(t, 2, n.Hop)
	assert.Equal(t, reg(3), n.Location)
}

func TestAnalyze_DepthBound(t *testing.T) {
	ud := (&fakeUseDefs{hi: 20}).
		use(10, reg(1), 8).
		use(8, reg(1), 6).
		use(6, reg(1), 4)

	d, err := Analyze(context.Background(), ud, Request{Seeds: []uint64{10}, Depth: 2})
	require.NoError(t, err)
	assert.Equal(t, []uint64{6, 8, 10}, positions(d))
	for _, n := range d.Nodes {
		assert.LessOrEqual(t, n.Hop, 2)
	}
	assert.Len(t, d.Edges, 2)
}

func TestAnalyze_MinimumHop(t *testing.T) {
	ud := (&fakeUseDefs{hi: 20}).
		use(10, reg(1), 8).
		use(10, reg(2), 4).
		use(8, reg(3), 4)

	d, err := Analyze(context.Background(), ud, Request{Seeds: []uint64{10}, Depth: 4})
	require.NoError(t, err)
	n, ok := d.Node(4)
	require.True(t, ok)
	assert.Equal(t, 1, n.Hop)
	assert.Equal(t, reg(2), n.Location)
	assert.Len(t, d.Edges, 3)
}

func TestAnalyze_SkipsUndefinedAndLaterDefs(t *testing.T) {
	ud := (&fakeUseDefs{hi: 20}).
		use(10, reg(1), entry.Undefined).
		use(10, reg(2), 12)

	d, err := Analyze(context.Background(), ud, Request{Seeds: []uint64{10}, Depth: 2})
	require.NoError(t, err)
	assert.Equal(t, []uint64{10}, positions(d))
}

func TestAnalyze_MultipleSeeds(t *testing.T) {
	ud := (&fakeUseDefs{hi: 20}).
		use(10, reg(1), 4).
		use(12, reg(1), 4)

	d, err := Analyze(context.Background(), ud, Request{Seeds: []uint64{12, 10, 12}, Depth: 1})
	require.NoError(t, err)
	assert.Equal(t, []uint64{10, 12}, d.Seeds)
	assert.Equal(t, []uint64{4, 10, 12}, positions(d))
	assert.Len(t, d.Edges, 2)
}

func TestAnalyze_Errors(t *testing.T) {
	ud := &fakeUseDefs{hi: 20}
	ctx := context.Background()

	_, err := Analyze(ctx, ud, Request{Seeds: []uint64{21}, Depth: 1})
	assert.ErrorIs(t, err, traceerr.ErrNotFound)

	_, err = Analyze(ctx, ud, Request{Seeds: []uint64{1}, Depth: -1})
	assert.ErrorIs(t, err, traceerr.ErrRange)

	_, err = Analyze(ctx, ud, Request{Depth: 1})
	assert.ErrorIs(t, err, traceerr.ErrRange)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	ud.use(5, reg(1), 2)
	_, err = Analyze(cancelled, ud, Request{Seeds: []uint64{5}, Depth: 1})
	assert.ErrorIs(t, err, context.Canceled)
}

// traceSource serves entries from memory for usedef.Analyze.
type traceSource []entry.Entry

func (s traceSource) EntryCount() uint64 { return uint64(len(s)) }

func (s traceSource) ReadForward(ctx context.Context, start, end uint64) iter.Seq2[entry.Entry, error] {
	return func(yield func(entry.Entry, error) bool) {
		for p := start; p < end; p++ {
			if !yield(s[p], nil) {
				return
			}
		}
	}
}

func buildTable(t *testing.T, entries ...entry.Entry) *usedef.Table {
	t.Helper()
	src := make(traceSource, len(entries))
	for i, e := range entries {
		e.Position = uint64(i)
		src[i] = e
	}
	table, err := usedef.Analyze(context.Background(), src, 0, src.EntryCount()-1, usedef.Options{})
	require.NoError(t, err)
	return table
}

func TestAnalyze_ThroughInstructionGroups(t *testing.T) {
	value := make([]byte, 8)
	table := buildTable(t,
		entry.Entry{Tag: entry.TagInsnExec, InsnSeq: 0, Addr: 0x10},
		entry.Entry{Tag: entry.TagPutReg, InsnSeq: 0, Addr: 0, Value: value},
		entry.Entry{Tag: entry.TagInsnExec, InsnSeq: 1, Addr: 0x14},
		entry.Entry{Tag: entry.TagGetReg, InsnSeq: 1, Addr: 0, Value: value},
		entry.Entry{Tag: entry.TagPutReg, InsnSeq: 1, Addr: 8, Value: value},
		entry.Entry{Tag: entry.TagInsnExec, InsnSeq: 2, Addr: 0x18},
		entry.Entry{Tag: entry.TagGetReg, InsnSeq: 2, Addr: 8, Value: value},
		entry.Entry{Tag: entry.TagStore, InsnSeq: 2, Addr: 0x1000, Value: value[:4]},
	)

	d, err := Analyze(context.Background(), table, Request{Seeds: []uint64{7}, Depth: 3})
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 4, 7}, positions(d))
	assert.Equal(t, []Edge{
		{From: 4, To: 1, Location: reg(0), Via: 3},
		{From: 7, To: 4, Location: reg(1), Via: 6},
	}, d.Edges)
}

func randomEntries(seed uint64, n int) []entry.Entry {
	rng := rand.New(rand.NewPCG(seed, seed+1))
	var out []entry.Entry
	for seq := uint32(0); seq < uint32(n); seq++ {
		out = append(out, entry.Entry{Tag: entry.TagInsnExec, InsnSeq: seq, Addr: 0x1000 + uint64(seq)*4})
		for k := rng.IntN(4); k > 0; k-- {
			size := 1 << rng.IntN(4)
			addr := uint64(rng.IntN(64))
			var tag entry.Tag
			switch rng.IntN(4) {
			case 0:
				tag = entry.TagGetReg
			case 1:
				tag = entry.TagPutReg
			case 2:
				tag = entry.TagLoad
			default:
				tag = entry.TagStore
			}
			out = append(out, entry.Entry{Tag: tag, InsnSeq: seq, Addr: addr, Value: make([]byte, size)})
		}
	}
	return out
}

func TestAnalyze_RandomTraceInvariants(t *testing.T) {
	table := buildTable(t, randomEntries(7, 300)...)
	last := table.Last()
	req := Request{Seeds: []uint64{last, last / 2}, Depth: 6}

	d, err := Analyze(context.Background(), table, req)
	require.NoError(t, err)
	again, err := Analyze(context.Background(), table, req)
	require.NoError(t, err)
	assert.Equal(t, d.Nodes, again.Nodes)
	assert.Equal(t, d.Edges, again.Edges)

	for _, n := range d.Nodes {
		assert.LessOrEqual(t, n.Hop, req.Depth)
	}
	for _, e := range d.Edges {
		assert.Less(t, e.To, e.From, "edge %+v", e)
		from, ok := d.Node(e.From)
		require.True(t, ok)
		to, ok := d.Node(e.To)
		require.True(t, ok)
		assert.LessOrEqual(t, to.Hop, from.Hop+1)
	}
}

func TestDAG_WriteText(t *testing.T) {
	ud := (&fakeUseDefs{hi: 20}).use(10, reg(2), 4)
	d, err := Analyze(context.Background(), ud, Request{Seeds: []uint64{10}, Depth: 1})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, d.WriteText(&buf, func(p uint64) string {
		if p == 4 {
			return "put r2"
		}
		return ""
	}))
	assert.Equal(t, "# taint seeds=10 depth=1 nodes=2 edges=1\n"+
		"node 4 hop=1 r0x10-0x18 | put r2\n"+
		"node 10 hop=0 seed\n"+
		"edge 10 -> 4 r0x10-0x18 via 10\n", buf.String())

	buf.Reset()
	require.NoError(t, d.WriteDOT(&buf, nil))
	assert.Contains(t, buf.String(), "digraph taint {")
	assert.Contains(t, buf.String(), `n10 [shape=box, label="10 (hop 0)"];`)
	assert.Contains(t, buf.String(), `n10 -> n4 [label="r0x10-0x18"];`)
}
