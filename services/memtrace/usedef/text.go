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
	"bufio"
	"fmt"
	"io"
)

// WriteText writes the table in a canonical line format: a header, then one
// line per instruction group followed by its records. Equal tables produce
// identical bytes.
//
//	# use-def [0, 9] policy=split records=5 groups=2
//	insn 1 pc=0x401000 [2, 4]
//	  3 use r0x8-0x10 <- 1
//	  4 def m0x1000-0x1004
func (t *Table) WriteText(w io.Writer) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "# use-def [%d, %d] policy=%s records=%d groups=%d\n",
		t.first, t.last, t.policy, len(t.records), len(t.groups))

	next := 0
	flushUntil := func(end int) {
		for ; next < end; next++ {
			fmt.Fprintf(bw, "  %s\n", t.records[next])
		}
	}
	for _, g := range t.groups {
		flushUntil(g.RecordLo)
		if g.HasPC {
			fmt.Fprintf(bw, "insn %d pc=0x%x [%d, %d]\n", g.InsnSeq, g.PC, g.First, g.Last)
		} else {
			fmt.Fprintf(bw, "insn %d [%d, %d]\n", g.InsnSeq, g.First, g.Last)
		}
		flushUntil(g.RecordHi)
	}
	flushUntil(len(t.records))
	return bw.Flush()
}
