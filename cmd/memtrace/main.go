// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command memtrace inspects execution traces recorded by the memtrace
// recorder.
//
// Usage:
//
//	memtrace report -i memtrace.out --start 100 --end 200 --tag load
//	memtrace stats -i memtrace.out
//	memtrace index -i memtrace.out --index 'idx/index-{}.bin'
//	memtrace ud -i memtrace.out --log ud.log
//	memtrace traces-for-pc -i memtrace.out 0x401000
//	memtrace taint-backward -i memtrace.out --pc 0x401000 --depth 3 --ignore-register 0x20-0x28
//
// Every command reads defaults from an optional YAML file (--config) and
// MEMTRACE_* environment variables. Flags win over both.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/AleutianAI/memtrace/pkg/ux"
	"github.com/AleutianAI/memtrace/services/memtrace/traceerr"
)

// version is overridden at link time.
var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// run executes one command line and returns the process exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	a := newApp(stdout, stderr)
	defer a.close()

	root := newRootCmd(a)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if err := root.ExecuteContext(ctx); err != nil {
		ux.NewPrinter(stderr).Error(err)
		return exitCode(err)
	}
	return 0
}

// Exit codes.
const (
	exitOK       = 0
	exitFailure  = 1
	exitUsage    = 2
	exitNotFound = 3
	exitCorrupt  = 4
)

var errUsage = errors.New("usage")

func usageErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errUsage, fmt.Sprintf(format, args...))
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, errUsage), errors.Is(err, traceerr.ErrAmbiguousRequest):
		return exitUsage
	case errors.Is(err, traceerr.ErrNotFound):
		return exitNotFound
	case errors.Is(err, traceerr.ErrCorruptTrace), errors.Is(err, traceerr.ErrCorruptEntry),
		errors.Is(err, traceerr.ErrCorruptIndex), errors.Is(err, traceerr.ErrCorruptUseDef):
		return exitCorrupt
	default:
		return exitFailure
	}
}
