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
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/memtrace/pkg/logging"
	"github.com/AleutianAI/memtrace/pkg/ux"
	"github.com/AleutianAI/memtrace/services/memtrace/analysis"
	"github.com/AleutianAI/memtrace/services/memtrace/index"
)

func newIndexCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "index",
		Short: "Generate the instruction index of the trace",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return a.withSession(ctx, true, func(s *analysis.Session) error {
				t, err := s.Index(ctx)
				if err != nil {
					return err
				}
				path := a.cfg.Index.Template
				if path == "" {
					path = index.DefaultShardPath(a.cfg.Trace).String()
				}
				return a.withOutput(func(w io.Writer) error {
					ux.NewPrinter(w).Success(fmt.Sprintf("indexed %d executions of %d addresses into %s",
						t.PositionCount(), len(t.Addresses()), path))
					return nil
				})
			})
		},
	}
}

func newUseDefCmd(a *app) *cobra.Command {
	var (
		rng     rangeFlags
		logPath string
		policy  string
	)
	cmd := &cobra.Command{
		Use:   "ud",
		Short: "Perform use-def analysis on the trace",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("policy") {
				a.cfg.UseDef.Policy = policy
			}

			req := analysis.UseDefRequest{Range: rng.value(cmd)}
			if logPath != "" {
				lg, err := logging.New(logging.Config{
					Service:   "memtrace",
					LogFile:   logPath,
					FileLevel: logging.LevelDebug,
					Quiet:     true,
				})
				if err != nil {
					return err
				}
				defer lg.Close()
				req.Logger = lg.Slog()
			}

			ctx := cmd.Context()
			// A log file only fills when the pass runs, so --log always analyzes.
			return a.withSession(ctx, logPath != "", func(s *analysis.Session) error {
				t, err := s.UseDef(ctx, req)
				if err != nil {
					return err
				}
				st := t.Stats()
				a.log.Info("use-def table ready",
					slog.Uint64("first", t.First()),
					slog.Uint64("last", t.Last()),
					slog.Int("uses", st.Uses),
					slog.Int("defs", st.Defs),
					slog.Int("undefined", st.Undefined),
					slog.Int("groups", st.Groups))
				return a.withOutput(t.WriteText)
			})
		},
	}
	rng.register(cmd)
	cmd.Flags().StringVar(&logPath, "log", "", "write the analysis log into this file")
	cmd.Flags().StringVar(&policy, "policy", "", "partial overlap policy: split or most-recent")
	return cmd
}
