// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package logging builds the slog loggers used by memtrace commands.
//
// A Logger fans records out to up to three destinations:
//
//	stderr      text on terminals, JSON otherwise (Format "auto")
//	log dir     {service}_{date}.log, always JSON
//	log file    an explicit path, always JSON, e.g. analysis diagnostics
//
// Each file destination has its own level, so a command can keep stderr at
// Info while a diagnostics file records every Debug line.
//
// # Thread Safety
//
// Logger is safe for concurrent use.
package logging

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-isatty"
	slogmulti "github.com/samber/slog-multi"
)

// Level is a log severity, ordered Debug < Info < Warn < Error.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// String returns "DEBUG", "INFO", "WARN", "ERROR" or "UNKNOWN".
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

func (l Level) toSlogLevel() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ParseLevel accepts "debug", "info", "warn" and "error" in any case.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, nil
	case "", "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	}
	return LevelInfo, fmt.Errorf("unknown log level %q", s)
}

// Format selects the stderr encoding.
type Format int

const (
	// FormatAuto picks text on a terminal and JSON otherwise.
	FormatAuto Format = iota
	FormatText
	FormatJSON
)

// ParseFormat accepts "auto", "text" and "json".
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return FormatAuto, nil
	case "text":
		return FormatText, nil
	case "json":
		return FormatJSON, nil
	}
	return FormatAuto, fmt.Errorf("unknown log format %q", s)
}

// Config configures New. The zero value logs Info and above to stderr.
type Config struct {
	// Level is the minimum level written to stderr and the log directory.
	Level Level

	// Format is the stderr encoding.
	Format Format

	// Service is added to every record as "service" and names the files in
	// LogDir.
	Service string

	// LogDir enables a dated JSON log file in this directory. "~" expands to
	// the home directory.
	LogDir string

	// LogFile enables a JSON log file at this exact path, truncated on open.
	LogFile string

	// FileLevel is the minimum level written to LogFile.
	FileLevel Level

	// Quiet disables stderr output.
	Quiet bool

	// Stderr replaces os.Stderr. Used by tests.
	Stderr io.Writer
}

// Logger owns the handlers and files behind a *slog.Logger.
type Logger struct {
	slog  *slog.Logger
	files []*os.File
	mu    sync.Mutex
}

// New builds a Logger for config.
//
// Outputs:
//
//	*Logger - Ready to use. Must be closed when files are configured.
//	error - Non-nil if a log file or directory cannot be created. No file
//	        is left open on error.
func New(config Config) (*Logger, error) {
	l := &Logger{}
	var handlers []slog.Handler

	if !config.Quiet {
		w := config.Stderr
		if w == nil {
			w = os.Stderr
		}
		opts := &slog.HandlerOptions{Level: config.Level.toSlogLevel()}
		if useText(config.Format, w) {
			handlers = append(handlers, slog.NewTextHandler(w, opts))
		} else {
			handlers = append(handlers, slog.NewJSONHandler(w, opts))
		}
	}

	if config.LogDir != "" {
		dir := expandPath(config.LogDir)
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create log directory %s: %w", dir, err)
		}
		service := config.Service
		if service == "" {
			service = "memtrace"
		}
		name := fmt.Sprintf("%s_%s.log", service, time.Now().Format("2006-01-02"))
		f, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		l.files = append(l.files, f)
		handlers = append(handlers, slog.NewJSONHandler(f, &slog.HandlerOptions{Level: config.Level.toSlogLevel()}))
	}

	if config.LogFile != "" {
		path := expandPath(config.LogFile)
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
		if err != nil {
			l.Close()
			return nil, fmt.Errorf("open log file %s: %w", path, err)
		}
		l.files = append(l.files, f)
		handlers = append(handlers, slog.NewJSONHandler(f, &slog.HandlerOptions{Level: config.FileLevel.toSlogLevel()}))
	}

	var handler slog.Handler
	switch len(handlers) {
	case 0:
		handler = slog.DiscardHandler
	case 1:
		handler = handlers[0]
	default:
		handler = slogmulti.Fanout(handlers...)
	}
	if config.Service != "" {
		handler = handler.WithAttrs([]slog.Attr{slog.String("service", config.Service)})
	}
	l.slog = slog.New(handler)
	return l, nil
}

// useText reports whether stderr output should be text.
func useText(f Format, w io.Writer) bool {
	switch f {
	case FormatText:
		return true
	case FormatJSON:
		return false
	}
	file, ok := w.(*os.File)
	if !ok {
		return true
	}
	fd := file.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// Slog returns the underlying logger.
func (l *Logger) Slog() *slog.Logger { return l.slog }

// Close syncs and closes every log file. It is safe to call more than once.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	var errs []error
	for _, f := range l.files {
		if err := f.Sync(); err != nil {
			errs = append(errs, fmt.Errorf("sync log file: %w", err))
		}
		if err := f.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close log file: %w", err))
		}
	}
	l.files = nil
	return errors.Join(errs...)
}

// expandPath expands a leading "~" to the user's home directory.
func expandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}
