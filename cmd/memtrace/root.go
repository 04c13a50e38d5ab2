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
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/memtrace/pkg/logging"
	"github.com/AleutianAI/memtrace/services/memtrace/analysis"
	"github.com/AleutianAI/memtrace/services/memtrace/config"
	"github.com/AleutianAI/memtrace/services/memtrace/index"
	"github.com/AleutianAI/memtrace/services/memtrace/store"
	"github.com/AleutianAI/memtrace/services/memtrace/telemetry"
	"github.com/AleutianAI/memtrace/services/memtrace/usedef"
)

// globalFlags are the persistent flags shared by every command.
type globalFlags struct {
	configPath string
	input      string
	output     string
	index      string
	ud         string
	logLevel   string
	logFormat  string
	workers    int
	rebuild    bool
}

// app carries the state of one command line: the merged configuration,
// the logger and the telemetry providers.
type app struct {
	stdout io.Writer
	stderr io.Writer
	flags  globalFlags

	cfg     config.Config
	log     *slog.Logger
	closers []func() error
}

func newApp(stdout, stderr io.Writer) *app {
	return &app{stdout: stdout, stderr: stderr, log: slog.New(slog.DiscardHandler)}
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "memtrace",
		Short:         "Inspect and analyze memtrace execution traces",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd)
		},
	}
	root.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return fmt.Errorf("%w: %v", errUsage, err)
	})

	pf := root.PersistentFlags()
	pf.StringVar(&a.flags.configPath, "config", "", "YAML configuration file")
	pf.StringVarP(&a.flags.input, "input", "i", "", "trace file (default from config, else memtrace.out)")
	pf.StringVarP(&a.flags.output, "output", "o", "-", "output file, - for stdout")
	pf.StringVar(&a.flags.index, "index", "", "instruction index files with one {} placeholder, e.g. index-{}.bin")
	pf.StringVar(&a.flags.ud, "ud", "", "use-def database directory (default <input>.ud)")
	pf.StringVar(&a.flags.logLevel, "log-level", "", "debug, info, warn or error")
	pf.StringVar(&a.flags.logFormat, "log-format", "", "auto, text or json")
	pf.IntVar(&a.flags.workers, "workers", 0, "parallel workers, 0 for one per CPU")
	pf.BoolVar(&a.flags.rebuild, "rebuild", false, "ignore persisted index and use-def files")

	root.AddCommand(
		newReportCmd(a),
		newStatsCmd(a),
		newIndexCmd(a),
		newUseDefCmd(a),
		newTracesForPCCmd(a),
		newTaintBackwardCmd(a),
		newConfigCmd(a),
	)
	return root
}

// setup merges configuration sources, then starts logging and telemetry.
func (a *app) setup(cmd *cobra.Command) error {
	cfg, err := config.Load(a.flags.configPath)
	if err != nil {
		return err
	}
	a.applyFlags(cmd, &cfg)
	if cfg.Trace == "" {
		cfg.Trace = "memtrace.out"
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	a.cfg = cfg

	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return err
	}
	format, err := logging.ParseFormat(cfg.Logging.Format)
	if err != nil {
		return err
	}
	lg, err := logging.New(logging.Config{
		Level:   level,
		Format:  format,
		Service: "memtrace",
		LogDir:  cfg.Logging.Dir,
		Stderr:  a.stderr,
	})
	if err != nil {
		return err
	}
	a.closers = append(a.closers, lg.Close)
	a.log = lg.Slog().With(slog.String("run_id", uuid.NewString()), slog.String("command", cmd.Name()))

	ctx := cmd.Context()
	shutdown, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName:    "memtrace",
		ServiceVersion: version,
		TraceExporter:  cfg.Telemetry.TraceExporter,
		MetricExporter: cfg.Telemetry.MetricExporter,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		OTLPInsecure:   true,
		Output:         a.stderr,
	})
	if err != nil {
		return err
	}
	a.closers = append(a.closers, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return shutdown(ctx)
	})
	if cfg.Telemetry.MetricExporter == "prometheus" {
		stop, err := telemetry.ServeMetrics(cfg.Telemetry.MetricsAddr, a.log)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, stop)
	}
	return nil
}

// applyFlags copies explicitly set persistent flags over cfg.
func (a *app) applyFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("input") {
		cfg.Trace = a.flags.input
	}
	if flags.Changed("index") {
		cfg.Index.Template = a.flags.index
	}
	if flags.Changed("ud") {
		cfg.UseDef.Path = a.flags.ud
	}
	if flags.Changed("log-level") {
		cfg.Logging.Level = strings.ToLower(a.flags.logLevel)
	}
	if flags.Changed("log-format") {
		cfg.Logging.Format = strings.ToLower(a.flags.logFormat)
	}
	if flags.Changed("workers") {
		cfg.UseDef.Workers = a.flags.workers
	}
}

// close releases everything setup started, last first.
func (a *app) close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}

// openSession opens the configured trace. rebuild forces fresh index and
// use-def tables in addition to --rebuild.
func (a *app) openSession(ctx context.Context, rebuild bool) (*analysis.Session, error) {
	policy, err := usedef.ParsePolicy(a.cfg.UseDef.Policy)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errUsage, err)
	}
	var indexPath index.ShardPath
	if a.cfg.Index.Template != "" {
		if indexPath, err = index.ParseShardPath(a.cfg.Index.Template); err != nil {
			return nil, fmt.Errorf("%w: %v", errUsage, err)
		}
	}
	return analysis.Open(ctx, a.cfg.Trace, analysis.Options{
		IndexPath:   indexPath,
		IndexShards: a.cfg.Index.Shards,
		UseDefPath:  a.cfg.UseDef.Path,
		Rebuild:     a.flags.rebuild || rebuild,
		Workers:     a.cfg.UseDef.Workers,
		Policy:      policy,
		Store: store.Options{
			CheckpointInterval: a.cfg.Store.CheckpointInterval,
			OffsetCacheSize:    a.cfg.Store.OffsetCacheSize,
		},
		Logger: a.log,
	})
}

// openOutput returns the -o destination. The returned close function is
// never nil.
func (a *app) openOutput() (io.Writer, func() error, error) {
	if a.flags.output == "" || a.flags.output == "-" {
		return a.stdout, func() error { return nil }, nil
	}
	f, err := os.Create(a.flags.output)
	if err != nil {
		return nil, nil, fmt.Errorf("create output: %w", err)
	}
	return f, f.Close, nil
}

// withOutput runs fn against the -o destination and reports close errors.
func (a *app) withOutput(fn func(w io.Writer) error) (err error) {
	w, closeOut, err := a.openOutput()
	if err != nil {
		return err
	}
	defer func() {
		if cerr := closeOut(); err == nil {
			err = cerr
		}
	}()
	return fn(w)
}

// withSession opens the trace, runs fn and closes the session.
func (a *app) withSession(ctx context.Context, rebuild bool, fn func(s *analysis.Session) error) (err error) {
	s, err := a.openSession(ctx, rebuild)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := s.Close(); err == nil {
			err = cerr
		}
	}()
	return fn(s)
}
