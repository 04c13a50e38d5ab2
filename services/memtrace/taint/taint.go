// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package taint builds backward dependency DAGs over a use-def table.
//
// Starting from seed positions, the walk follows use-def edges backward one
// hop at a time up to a depth bound. A read depends on the writes its use
// records name; a write or an instruction-executed entry depends on the reads
// of its instruction. Edges always point to strictly earlier positions, so
// the result is acyclic.
//
// # Determinism
//
// The frontier of each hop is processed in ascending position order and
// output nodes and edges are sorted, so equal inputs yield equal DAGs.
package taint

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/memtrace/services/memtrace/entry"
	"github.com/AleutianAI/memtrace/services/memtrace/traceerr"
	"github.com/AleutianAI/memtrace/services/memtrace/usedef"
)

// UseDefs is the read contract of a use-def table the walk needs.
type UseDefs interface {
	Contains(p uint64) bool
	Uses(p uint64) []usedef.Record
}

// Request describes one backward analysis.
type Request struct {
	// Seeds are the starting positions, at hop 0.
	Seeds []uint64

	// Depth bounds the hop distance of every node. Zero yields only the
	// seeds.
	Depth int

	// Ignore prunes every edge whose location overlaps one of these
	// locations in the same space.
	Ignore []entry.Location

	// Logger receives a summary. Nil means slog.Default().
	Logger *slog.Logger
}

// Node is a position in the DAG.
//
// Hop is the minimum number of edges from any seed. Location is the
// location of the first edge that reached the node; seeds have none.
type Node struct {
	Position    uint64
	Hop         int
	Location    entry.Location
	HasLocation bool
}

// Edge records that the entry at From depends on the write at To through
// Location, as observed by the read at Via.
type Edge struct {
	From     uint64
	To       uint64
	Location entry.Location
	Via      uint64
}

func compareEdges(a, b Edge) int {
	return cmp.Or(
		cmp.Compare(a.From, b.From),
		cmp.Compare(a.To, b.To),
		cmp.Compare(a.Location.Space, b.Location.Space),
		cmp.Compare(a.Location.Addr, b.Location.Addr),
		cmp.Compare(a.Location.Size, b.Location.Size),
		cmp.Compare(a.Via, b.Via),
	)
}

// DAG is the result of a backward analysis. Nodes are sorted by position,
// edges by (From, To, Location, Via).
type DAG struct {
	Seeds []uint64
	Depth int
	Nodes []Node
	Edges []Edge

	index map[uint64]int
}

// Node returns the node at position p.
func (d *DAG) Node(p uint64) (Node, bool) {
	i, ok := d.index[p]
	if !ok {
		return Node{}, false
	}
	return d.Nodes[i], true
}

// Len returns the number of nodes.
func (d *DAG) Len() int { return len(d.Nodes) }

func ignored(loc entry.Location, ignore []entry.Location) bool {
	for _, ig := range ignore {
		if loc.Overlaps(ig) {
			return true
		}
	}
	return false
}

// Analyze walks ud backward from req.Seeds.
//
// Description:
//
//	Breadth-first over an explicit frontier, one hop per round. For each
//	node p at hop d < Depth, every defined use of p whose location is not
//	ignored and whose definition precedes p adds an edge; the defining
//	position joins the next frontier unless already visited. Pruned edges
//	remove nothing else: a node reachable through another edge still
//	appears.
//
// Inputs:
//
//	ctx - Cancels the walk; checked once per expanded node.
//	ud - The use-def table.
//	req - Seeds, depth bound and ignore set.
//
// Outputs:
//
//	*DAG - The dependency DAG.
//	error - traceerr.ErrNotFound if a seed lies outside ud's range,
//	        traceerr.ErrRange if Depth is negative or Seeds is empty, or the
//	        context error.
func Analyze(ctx context.Context, ud UseDefs, req Request) (*DAG, error) {
	if req.Depth < 0 {
		return nil, traceerr.Wrap(traceerr.ErrRange, nil, "negative depth %d", req.Depth)
	}
	if len(req.Seeds) == 0 {
		return nil, traceerr.Wrap(traceerr.ErrRange, nil, "no seed positions")
	}
	logger := req.Logger
	if logger == nil {
		logger = slog.Default()
	}

	seeds := slices.Clone(req.Seeds)
	slices.Sort(seeds)
	seeds = slices.Compact(seeds)
	for _, s := range seeds {
		if !ud.Contains(s) {
			return nil, traceerr.Wrap(traceerr.ErrNotFound, nil, "seed position %d is outside the use-def table", s)
		}
	}

	ctx, span := startOperationSpan(ctx, "Analyze")
	defer span.End()
	start := time.Now()

	nodes := make(map[uint64]Node, len(seeds))
	for _, s := range seeds {
		nodes[s] = Node{Position: s}
	}
	edgeSet := make(map[Edge]struct{})
	var edges []Edge

	frontier := seeds
	for hop := 0; hop < req.Depth && len(frontier) > 0; hop++ {
		var next []uint64
		for _, p := range frontier {
			if err := ctx.Err(); err != nil {
				span.RecordError(err)
				return nil, fmt.Errorf("taint walk at position %d: %w", p, err)
			}
			for _, r := range ud.Uses(p) {
				if !r.Defined() || r.Def >= p || ignored(r.Location, req.Ignore) {
					continue
				}
				e := Edge{From: p, To: r.Def, Location: r.Location, Via: r.Position}
				if _, dup := edgeSet[e]; !dup {
					edgeSet[e] = struct{}{}
					edges = append(edges, e)
				}
				if _, seen := nodes[r.Def]; !seen {
					nodes[r.Def] = Node{Position: r.Def, Hop: hop + 1, Location: r.Location, HasLocation: true}
					next = append(next, r.Def)
				}
			}
		}
		slices.Sort(next)
		frontier = next
	}

	d := &DAG{
		Seeds: seeds,
		Depth: req.Depth,
		Nodes: make([]Node, 0, len(nodes)),
		Edges: edges,
		index: make(map[uint64]int, len(nodes)),
	}
	for _, n := range nodes {
		d.Nodes = append(d.Nodes, n)
	}
	slices.SortFunc(d.Nodes, func(a, b Node) int { return cmp.Compare(a.Position, b.Position) })
	for i, n := range d.Nodes {
		d.index[n.Position] = i
	}
	slices.SortFunc(d.Edges, compareEdges)

	span.SetAttributes(
		attribute.Int("taint.nodes", len(d.Nodes)),
		attribute.Int("taint.edges", len(d.Edges)),
		attribute.Int("taint.depth", req.Depth),
	)
	recordDAGSize(ctx, len(d.Nodes), time.Since(start))
	logger.Debug("taint analysis finished",
		slog.Int("seeds", len(seeds)),
		slog.Int("depth", req.Depth),
		slog.Int("nodes", len(d.Nodes)),
		slog.Int("edges", len(d.Edges)),
		slog.Duration("duration", time.Since(start)))
	return d, nil
}
