// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"io"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/memtrace/pkg/ux"
	"github.com/AleutianAI/memtrace/services/memtrace/analysis"
	"github.com/AleutianAI/memtrace/services/memtrace/store"
)

func newReportCmd(a *app) *cobra.Command {
	var (
		rng      rangeFlags
		tags     []string
		insnSeqs []string
	)
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Print the trace as text",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := store.Filter{}
			var err error
			if filter.Tags, err = parseTags(tags); err != nil {
				return err
			}
			if filter.InsnSeqs, err = parseInsnSeqs(insnSeqs); err != nil {
				return err
			}
			ctx := cmd.Context()
			return a.withSession(ctx, false, func(s *analysis.Session) error {
				return a.withOutput(func(w io.Writer) error {
					return s.Report(ctx, w, rng.value(cmd), filter)
				})
			})
		},
	}
	rng.register(cmd)
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "print only entries with these tags (load, MT_STORE, ...)")
	cmd.Flags().StringSliceVar(&insnSeqs, "insn-seq", nil, "print only entries of these instructions")
	return cmd
}

func newStatsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Analyze the distribution of tags in the trace",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withSession(cmd.Context(), false, func(s *analysis.Session) error {
				return a.withOutput(func(w io.Writer) error {
					writeStats(ux.NewPrinter(w), s)
					return nil
				})
			})
		},
	}
}

func writeStats(p *ux.Printer, s *analysis.Session) {
	h := s.Header()
	st := s.Stats()
	p.Title("Trace")
	p.KeyValue([][2]string{
		{"Machine", h.Machine.String()},
		{"Endian", h.Endian.String()},
		{"Word size", ux.Uint(uint64(h.WordSize))},
		{"Entries", ux.Uint(st.Entries)},
		{"Insns", ux.Uint(st.Instructions)},
		{"Bytes", ux.Uint(st.Bytes)},
	})

	rows := make([][]string, 0, len(st.Tags))
	for _, tc := range st.ByTag() {
		rows = append(rows, []string{
			tc.Tag.String(),
			ux.Uint(tc.Count),
			ux.Uint(tc.Bytes),
			ux.Percent(tc.Count, st.Entries),
		})
	}
	p.Table([]string{"Tag", "Count", "Bytes", "Share"}, rows)
}

func noArgs(cmd *cobra.Command, args []string) error {
	if len(args) > 0 {
		return usageErrorf("%s takes no arguments, got %q", cmd.CommandPath(), args)
	}
	return nil
}
