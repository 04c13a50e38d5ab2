// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package traceerr defines the error taxonomy shared by the trace analysis
// engine.
//
// Every error returned by the entry, store, index, usedef and taint packages
// wraps exactly one of the sentinels below, so callers classify failures with
// errors.Is regardless of which layer produced them:
//
//	if errors.Is(err, traceerr.ErrNotFound) {
//	    // report and continue
//	}
//
// # Severity
//
//   - ErrIO, ErrCorrupt*: fatal for the affected file
//   - ErrRange, ErrAmbiguousRequest: caller error, never retried
//   - ErrNotFound: reported, callers decide whether to exit
//   - ErrIncomplete: a persisted artifact was left behind by an aborted build
package traceerr

import (
	"errors"
	"fmt"
)

var (
	// ErrIO is returned when a file is missing or unreadable.
	ErrIO = errors.New("i/o error")

	// ErrCorruptTrace is returned when a trace file fails structural validation.
	ErrCorruptTrace = errors.New("corrupt trace")

	// ErrCorruptIndex is returned when an instruction index shard or manifest
	// fails structural validation.
	ErrCorruptIndex = errors.New("corrupt index")

	// ErrCorruptEntry is returned when a single trace record cannot be decoded:
	// unknown tag, or a declared length that runs past the buffer.
	ErrCorruptEntry = errors.New("corrupt entry")

	// ErrCorruptUseDef is returned when a persisted use-def table fails
	// validation.
	ErrCorruptUseDef = errors.New("corrupt use-def table")

	// ErrIncomplete is returned when a persisted index or use-def table was
	// not finalized, e.g. because the build was cancelled.
	ErrIncomplete = errors.New("incomplete artifact")

	// ErrRange is returned when a caller-supplied position or range lies
	// outside the bounds of the trace.
	ErrRange = errors.New("position out of range")

	// ErrNotFound is returned when an address, seed or symbol has no
	// occurrence.
	ErrNotFound = errors.New("not found")

	// ErrAmbiguousRequest is returned when mutually exclusive inputs are both
	// supplied, or neither is.
	ErrAmbiguousRequest = errors.New("ambiguous request")
)

// PositionError attaches a trace position and byte offset to an error.
//
// Kind is one of the sentinels above; Unwrap exposes both Kind and Err so
// errors.Is matches the taxonomy and the underlying cause.
type PositionError struct {
	Kind     error
	Position uint64
	Offset   int64
	Err      error
}

func (e *PositionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%v at position %d (offset %d)", e.Kind, e.Position, e.Offset)
	}
	return fmt.Sprintf("%v at position %d (offset %d): %v", e.Kind, e.Position, e.Offset, e.Err)
}

func (e *PositionError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// AtPosition wraps err as a PositionError of the given kind.
func AtPosition(kind error, position uint64, offset int64, err error) error {
	return &PositionError{Kind: kind, Position: position, Offset: offset, Err: err}
}

// Wrap annotates err with kind and a message, keeping both matchable by
// errors.Is. A nil err yields a plain kind error carrying the message.
func Wrap(kind error, err error, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	if err == nil {
		return fmt.Errorf("%s: %w", msg, kind)
	}
	return fmt.Errorf("%s: %w: %w", msg, kind, err)
}
