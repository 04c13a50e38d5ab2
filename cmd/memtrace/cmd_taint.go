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
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/memtrace/services/memtrace/analysis"
)

func newTracesForPCCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "traces-for-pc PC",
		Short: "Print the trace positions (entry numbers) where an address executed",
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) != 1 {
				return usageErrorf("%s takes exactly one PC", cmd.CommandPath())
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return a.withSession(ctx, false, func(s *analysis.Session) error {
				pc, err := s.ResolvePC(args[0])
				if err != nil {
					return err
				}
				positions, err := s.TracesForPC(ctx, pc)
				if err != nil {
					return err
				}
				return a.withOutput(func(w io.Writer) error {
					for _, p := range positions {
						if _, err := fmt.Fprintln(w, p); err != nil {
							return err
						}
					}
					return nil
				})
			})
		},
	}
}

func newTaintBackwardCmd(a *app) *cobra.Command {
	var (
		rng       rangeFlags
		pc        string
		traces    []string
		depth     int
		ignoreReg []string
		dot       bool
	)
	cmd := &cobra.Command{
		Use:   "taint-backward",
		Short: "Perform backward taint analysis on the trace",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			positions, err := parseUints(traces, 64)
			if err != nil {
				return err
			}
			ignore, err := parseRegisterRanges(ignoreReg)
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("depth") {
				depth = a.cfg.Taint.Depth
			}
			req := analysis.TaintRequest{
				Seeds:  analysis.SeedRequest{PC: pc, Positions: positions},
				Depth:  depth,
				Ignore: ignore,
				Range:  rng.value(cmd),
			}
			if err := req.Seeds.Validate(); err != nil {
				return fmt.Errorf("specify either --pc or --trace: %w", err)
			}

			ctx := cmd.Context()
			return a.withSession(ctx, false, func(s *analysis.Session) error {
				dag, err := s.Taint(ctx, req)
				if err != nil {
					return err
				}
				return a.withOutput(func(w io.Writer) error {
					if dot {
						return dag.WriteDOT(w, s.Label)
					}
					return dag.WriteText(w, s.Label)
				})
			})
		},
	}
	rng.register(cmd)
	cmd.Flags().StringVar(&pc, "pc", "", "instruction address from which to start the analysis")
	cmd.Flags().StringSliceVar(&traces, "trace", nil, "trace positions (entry numbers) from which to start the analysis")
	cmd.Flags().IntVar(&depth, "depth", 1, "analysis depth (default from config)")
	cmd.Flags().StringSliceVar(&ignoreReg, "ignore-register", nil, "do not follow these register ranges, start-end")
	cmd.Flags().BoolVar(&dot, "dot", false, "write the DAG in DOT format")
	return cmd
}
