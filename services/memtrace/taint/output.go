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
	"bufio"
	"fmt"
	"io"
	"strings"
)

// Labeler describes a position for output, e.g. with its decoded entry.
// It returns "" when there is nothing to add.
type Labeler func(position uint64) string

// WriteText writes the DAG in a stable line format.
//
//	# taint seeds=10 depth=2 nodes=2 edges=1
//	node 4 hop=1 r0x10-0x18
//	node 10 hop=0 seed
//	edge 10 -> 4 r0x10-0x18 via 10
func (d *DAG) WriteText(w io.Writer, label Labeler) error {
	bw := bufio.NewWriter(w)
	seeds := make([]string, len(d.Seeds))
	for i, s := range d.Seeds {
		seeds[i] = fmt.Sprint(s)
	}
	fmt.Fprintf(bw, "# taint seeds=%s depth=%d nodes=%d edges=%d\n",
		strings.Join(seeds, ","), d.Depth, len(d.Nodes), len(d.Edges))
	for _, n := range d.Nodes {
		fmt.Fprintf(bw, "node %d hop=%d", n.Position, n.Hop)
		if n.HasLocation {
			fmt.Fprintf(bw, " %s", n.Location)
		} else {
			bw.WriteString(" seed")
		}
		if label != nil {
			if l := label(n.Position); l != "" {
				fmt.Fprintf(bw, " | %s", l)
			}
		}
		bw.WriteByte('\n')
	}
	for _, e := range d.Edges {
		fmt.Fprintf(bw, "edge %d -> %d %s via %d\n", e.From, e.To, e.Location, e.Via)
	}
	return bw.Flush()
}

// WriteDOT writes the DAG as a Graphviz digraph. Seeds are drawn as boxes.
func (d *DAG) WriteDOT(w io.Writer, label Labeler) error {
	bw := bufio.NewWriter(w)
	bw.WriteString("digraph taint {\n")
	for _, n := range d.Nodes {
		text := fmt.Sprintf("%d (hop %d)", n.Position, n.Hop)
		if label != nil {
			if l := label(n.Position); l != "" {
				text += "\n" + l
			}
		}
		shape := "ellipse"
		if !n.HasLocation {
			shape = "box"
		}
		fmt.Fprintf(bw, "  n%d [shape=%s, label=%q];\n", n.Position, shape, text)
	}
	for _, e := range d.Edges {
		fmt.Fprintf(bw, "  n%d -> n%d [label=%q];\n", e.From, e.To, e.Location.String())
	}
	bw.WriteString("}\n")
	return bw.Flush()
}
