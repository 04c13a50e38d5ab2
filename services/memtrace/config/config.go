// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads memtrace settings from YAML, the environment and
// defaults, in that order of precedence below command line flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// configValidate checks struct tags of Config. Initialized in init() with
// custom validators.
var configValidate *validator.Validate

func init() {
	configValidate = validator.New()
	_ = configValidate.RegisterValidation("shardtemplate", validateShardTemplate)
}

// validateShardTemplate accepts an empty string or a path with exactly one
// "{}" placeholder.
func validateShardTemplate(fl validator.FieldLevel) bool {
	s := fl.Field().String()
	return s == "" || strings.Count(s, "{}") == 1
}

// Config is the full memtrace configuration.
//
// Thread Safety: Safe to read concurrently. Not safe to modify after
// creation.
type Config struct {
	// Trace is the default trace file.
	Trace string `yaml:"trace"`

	Store     StoreConfig     `yaml:"store"`
	Index     IndexConfig     `yaml:"index"`
	UseDef    UseDefConfig    `yaml:"usedef"`
	Taint     TaintConfig     `yaml:"taint"`
	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// StoreConfig tunes trace access.
type StoreConfig struct {
	CheckpointInterval int `yaml:"checkpoint_interval" validate:"gte=1,lte=1048576"`
	OffsetCacheSize    int `yaml:"offset_cache_size" validate:"gte=1"`
}

// IndexConfig locates the instruction index.
type IndexConfig struct {
	// Template has one "{}" replaced by the shard id. Empty means
	// index-{}.bin next to the trace.
	Template string `yaml:"template" validate:"shardtemplate"`
	Shards   int    `yaml:"shards" validate:"gte=1,lte=4096"`
}

// UseDefConfig controls use-def analysis.
type UseDefConfig struct {
	// Path is the table database directory. Empty means the trace path plus
	// ".ud".
	Path    string `yaml:"path"`
	Policy  string `yaml:"policy" validate:"oneof=split most-recent"`
	Workers int    `yaml:"workers" validate:"gte=0,lte=1024"`
}

// TaintConfig holds taint-backward defaults.
type TaintConfig struct {
	Depth int `yaml:"depth" validate:"gte=0"`
}

// LoggingConfig selects log level, format and an optional log directory.
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=auto text json"`
	Dir    string `yaml:"dir"`
}

// TelemetryConfig selects OpenTelemetry exporters.
type TelemetryConfig struct {
	TraceExporter  string `yaml:"trace_exporter" validate:"oneof=none stdout otlp"`
	MetricExporter string `yaml:"metric_exporter" validate:"oneof=none stdout prometheus"`
	OTLPEndpoint   string `yaml:"otlp_endpoint" validate:"required_if=TraceExporter otlp"`
	MetricsAddr    string `yaml:"metrics_addr" validate:"required_if=MetricExporter prometheus"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() Config {
	return Config{
		Store: StoreConfig{
			CheckpointInterval: 4096,
			OffsetCacheSize:    1 << 16,
		},
		Index: IndexConfig{
			Shards: 16,
		},
		UseDef: UseDefConfig{
			Policy: "split",
		},
		Taint: TaintConfig{
			Depth: 1,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "auto",
		},
		Telemetry: TelemetryConfig{
			TraceExporter:  "none",
			MetricExporter: "none",
			OTLPEndpoint:   "localhost:4317",
			MetricsAddr:    ":9464",
		},
	}
}

// Load builds a Config from defaults, the YAML file at path (skipped when
// path is empty) and MEMTRACE_* environment variables, then validates it.
//
// Outputs:
//
//	Config - The merged configuration.
//	error - Non-nil if the file cannot be read or parsed, or the result is
//	        invalid. A missing file named explicitly is an error.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	loadFromEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func loadFromEnv(cfg *Config) {
	if v := os.Getenv("MEMTRACE_TRACE"); v != "" {
		cfg.Trace = v
	}
	if v := os.Getenv("MEMTRACE_INDEX_TEMPLATE"); v != "" {
		cfg.Index.Template = v
	}
	if v := os.Getenv("MEMTRACE_UD_PATH"); v != "" {
		cfg.UseDef.Path = v
	}
	if v := os.Getenv("MEMTRACE_UD_POLICY"); v != "" {
		cfg.UseDef.Policy = v
	}
	if v := os.Getenv("MEMTRACE_WORKERS"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.UseDef.Workers = i
		}
	}
	if v := os.Getenv("MEMTRACE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = strings.ToLower(v)
	}
	if v := os.Getenv("MEMTRACE_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = strings.ToLower(v)
	}
	if v := os.Getenv("MEMTRACE_TRACE_EXPORTER"); v != "" {
		cfg.Telemetry.TraceExporter = v
	}
	if v := os.Getenv("MEMTRACE_METRIC_EXPORTER"); v != "" {
		cfg.Telemetry.MetricExporter = v
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		cfg.Telemetry.OTLPEndpoint = v
	}
}

// Validate checks every field against its constraints.
func (c Config) Validate() error {
	err := configValidate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("invalid config: %w", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s fails %q (got %v)", fe.Namespace(), fe.Tag(), fe.Value()))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

// Marshal renders c as YAML.
func (c Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}
