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
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
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

// writeProgram records three instructions: r0 = ..., r1 = f(r0),
// [0x1000] = r1. The first and last execute pc 0x10.
func writeProgram(t *testing.T) string {
	t.Helper()
	word := make([]byte, 8)
	entries := []entry.Entry{
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
	path := filepath.Join(t.TempDir(), "memtrace.out")
	header := entry.Header{Endian: entry.LittleEndian, WordSize: 8, Machine: entry.EMX8664}
	require.NoError(t, store.WriteTrace(path, header, entries))
	return path
}

type result struct {
	code   int
	stdout string
	stderr string
}

func runCLI(t *testing.T, args ...string) result {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), args, &stdout, &stderr)
	return result{code: code, stdout: stdout.String(), stderr: stderr.String()}
}

func TestReport(t *testing.T) {
	trace := writeProgram(t)

	res := runCLI(t, "report", "-i", trace, "--tag", "insn_exec")
	require.Equal(t, exitOK, res.code, res.stderr)
	assert.Equal(t, 3, strings.Count(res.stdout, "MT_INSN_EXEC"))
	assert.NotContains(t, res.stdout, "MT_STORE")

	res = runCLI(t, "report", "-i", trace, "--start", "4", "--end", "5")
	require.Equal(t, exitOK, res.code, res.stderr)
	assert.Contains(t, res.stdout, "[         4]")
	assert.Contains(t, res.stdout, "[         5]")
	assert.NotContains(t, res.stdout, "[         6]")

	res = runCLI(t, "report", "-i", trace, "--insn-seq", "2")
	require.Equal(t, exitOK, res.code, res.stderr)
	assert.Contains(t, res.stdout, "MT_STORE")
	assert.NotContains(t, res.stdout, "[         2]")
}

func TestReport_OutputFile(t *testing.T) {
	trace := writeProgram(t)
	out := filepath.Join(t.TempDir(), "report.txt")

	res := runCLI(t, "report", "-i", trace, "-o", out)
	require.Equal(t, exitOK, res.code, res.stderr)
	assert.Empty(t, res.stdout)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Contains(t, string(data), "MT_STORE")
}

func TestStats(t *testing.T) {
	res := runCLI(t, "stats", "-i", writeProgram(t))
	require.Equal(t, exitOK, res.code, res.stderr)
	assert.Contains(t, res.stdout, "Machine   : EM_X86_64")
	assert.Contains(t, res.stdout, "Insns     : 3")
	assert.Contains(t, res.stdout, "MT_INSN_EXEC")
	assert.Contains(t, res.stdout, "33.3%")
}

func TestIndexAndTracesForPC(t *testing.T) {
	trace := writeProgram(t)
	template := filepath.Join(t.TempDir(), "idx-{}.bin")

	res := runCLI(t, "index", "-i", trace, "--index", template)
	require.Equal(t, exitOK, res.code, res.stderr)
	assert.Contains(t, res.stdout, "indexed 3 executions of 2 addresses")
	assert.FileExists(t, strings.Replace(template, "{}", "meta", 1))

	res = runCLI(t, "traces-for-pc", "-i", trace, "--index", template, "0x10")
	require.Equal(t, exitOK, res.code, res.stderr)
	assert.Equal(t, "1\n6\n", res.stdout)

	res = runCLI(t, "traces-for-pc", "-i", trace, "--index", template, "0x99")
	require.Equal(t, exitOK, res.code, res.stderr)
	assert.Empty(t, res.stdout)
}

func TestTracesForPC_Errors(t *testing.T) {
	trace := writeProgram(t)

	res := runCLI(t, "traces-for-pc", "-i", trace, "main")
	assert.Equal(t, exitNotFound, res.code)
	assert.Contains(t, res.stderr, "cannot resolve")

	res = runCLI(t, "traces-for-pc", "-i", trace)
	assert.Equal(t, exitUsage, res.code)
}

func TestUseDef(t *testing.T) {
	trace := writeProgram(t)
	logPath := filepath.Join(t.TempDir(), "ud.log")

	res := runCLI(t, "ud", "-i", trace, "--log", logPath)
	require.Equal(t, exitOK, res.code, res.stderr)
	assert.True(t, strings.HasPrefix(res.stdout, "# use-def [0, 8] policy=split "), res.stdout)
	assert.DirExists(t, trace+".ud")

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"level":"DEBUG"`)

	res = runCLI(t, "ud", "-i", trace, "--policy", "most-recent", "--start", "3")
	require.Equal(t, exitOK, res.code, res.stderr)
	assert.True(t, strings.HasPrefix(res.stdout, "# use-def [3, 8] policy=most-recent "), res.stdout)

	res = runCLI(t, "ud", "-i", trace, "--policy", "latest")
	assert.Equal(t, exitUsage, res.code)
}

func TestTaintBackward(t *testing.T) {
	trace := writeProgram(t)

	res := runCLI(t, "taint-backward", "-i", trace, "--pc", "0x10", "--depth", "3")
	require.Equal(t, exitOK, res.code, res.stderr)
	assert.True(t, strings.HasPrefix(res.stdout, "# taint seeds=6 depth=3 nodes=3 "), res.stdout)
	assert.Contains(t, res.stdout, "node 6 hop=0 seed | [         6]")

	res = runCLI(t, "taint-backward", "-i", trace, "--trace", "8", "--depth", "3",
		"--ignore-register", "0x8-0x10")
	require.Equal(t, exitOK, res.code, res.stderr)
	assert.True(t, strings.HasPrefix(res.stdout, "# taint seeds=8 depth=3 nodes=1 edges=0"), res.stdout)

	res = runCLI(t, "taint-backward", "-i", trace, "--trace", "8", "--dot")
	require.Equal(t, exitOK, res.code, res.stderr)
	assert.True(t, strings.HasPrefix(res.stdout, "digraph taint {"), res.stdout)
}

func TestTaintBackward_Errors(t *testing.T) {
	trace := writeProgram(t)

	cases := map[string]struct {
		args []string
		code int
	}{
		"both seeds":     {[]string{"--pc", "0x10", "--trace", "1"}, exitUsage},
		"no seed":        {nil, exitUsage},
		"bad range":      {[]string{"--trace", "1", "--ignore-register", "0x10-0x8"}, exitUsage},
		"bad position":   {[]string{"--trace", "x"}, exitUsage},
		"never executed": {[]string{"--pc", "0x99"}, exitNotFound},
		"outside trace":  {[]string{"--trace", "50"}, exitNotFound},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			args := append([]string{"taint-backward", "-i", trace}, tc.args...)
			res := runCLI(t, args...)
			assert.Equal(t, tc.code, res.code, res.stderr)
			assert.NotEmpty(t, res.stderr)
		})
	}
}

func TestConfigFileAndFlags(t *testing.T) {
	trace := writeProgram(t)
	cfgPath := filepath.Join(t.TempDir(), "memtrace.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(fmt.Sprintf(
		"trace: %s\nusedef:\n  policy: most-recent\ntaint:\n  depth: 3\n", trace)), 0o644))

	res := runCLI(t, "config", "--config", cfgPath, "--workers", "2")
	require.Equal(t, exitOK, res.code, res.stderr)
	assert.Contains(t, res.stdout, "policy: most-recent")
	assert.Contains(t, res.stdout, "workers: 2")

	// The configured depth applies when --depth is absent.
	res = runCLI(t, "taint-backward", "--config", cfgPath, "--pc", "0x10")
	require.Equal(t, exitOK, res.code, res.stderr)
	assert.True(t, strings.HasPrefix(res.stdout, "# taint seeds=6 depth=3 nodes=3 "), res.stdout)
}

func TestMissingTrace(t *testing.T) {
	res := runCLI(t, "stats", "-i", filepath.Join(t.TempDir(), "absent.out"))
	assert.Equal(t, exitFailure, res.code)
	assert.NotEmpty(t, res.stderr)
}

func TestTaintHelp_NamesEntryNumbers(t *testing.T) {
	a := newApp(io.Discard, io.Discard)
	taint := newTaintBackwardCmd(a)
	flag := taint.Flags().Lookup("trace")
	require.NotNil(t, flag)
	assert.Contains(t, flag.Usage, "trace positions (entry numbers)")
	assert.Contains(t, newTracesForPCCmd(a).Short, "trace positions (entry numbers)")

	res := runCLI(t, "taint-backward", "--help")
	assert.Equal(t, exitOK, res.code)
	assert.Contains(t, res.stdout, "trace positions (entry numbers) from which to start the analysis")
}

func TestUnknownFlag(t *testing.T) {
	res := runCLI(t, "stats", "--bogus")
	assert.Equal(t, exitUsage, res.code)
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, exitOK, exitCode(nil))
	assert.Equal(t, exitFailure, exitCode(errors.New("boom")))
	assert.Equal(t, exitUsage, exitCode(usageErrorf("bad %s", "flag")))
	assert.Equal(t, exitNotFound, exitCode(fmt.Errorf("lookup: %w", traceerr.ErrNotFound)))
	assert.Equal(t, exitCorrupt, exitCode(fmt.Errorf("decode: %w", traceerr.ErrCorruptIndex)))
}
