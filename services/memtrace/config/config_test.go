// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "memtrace.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultConfig_Valid(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
}

func TestLoad_NoFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
trace: /data/run.bin
index:
  template: /data/idx-{}.bin
usedef:
  policy: most-recent
  workers: 4
taint:
  depth: 3
logging:
  level: debug
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/data/run.bin", cfg.Trace)
	assert.Equal(t, "/data/idx-{}.bin", cfg.Index.Template)
	assert.Equal(t, "most-recent", cfg.UseDef.Policy)
	assert.Equal(t, 4, cfg.UseDef.Workers)
	assert.Equal(t, 3, cfg.Taint.Depth)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "auto", cfg.Logging.Format)
	assert.Equal(t, 16, cfg.Index.Shards)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "usedef:\n  policy: most-recent\n")
	t.Setenv("MEMTRACE_UD_POLICY", "split")
	t.Setenv("MEMTRACE_WORKERS", "2")
	t.Setenv("MEMTRACE_LOG_LEVEL", "WARN")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "split", cfg.UseDef.Policy)
	assert.Equal(t, 2, cfg.UseDef.Workers)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestLoad_Invalid(t *testing.T) {
	cases := map[string]string{
		"two placeholders": "index:\n  template: a-{}-{}.bin\n",
		"no placeholder":   "index:\n  template: index.bin\n",
		"policy":           "usedef:\n  policy: newest\n",
		"negative depth":   "taint:\n  depth: -1\n",
		"log format":       "logging:\n  format: xml\n",
		"exporter":         "telemetry:\n  trace_exporter: jaeger\n",
		"missing endpoint": "telemetry:\n  trace_exporter: otlp\n  otlp_endpoint: \"\"\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			assert.ErrorContains(t, err, "invalid config")
		})
	}

	_, err := Load(writeConfig(t, "store: [1, 2"))
	assert.ErrorContains(t, err, "parse config")

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "read config")
}

func TestConfig_MarshalRoundTrip(t *testing.T) {
	raw, err := DefaultConfig().Marshal()
	require.NoError(t, err)
	cfg, err := Load(writeConfig(t, string(raw)))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}
