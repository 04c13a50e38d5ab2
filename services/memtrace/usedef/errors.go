// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package usedef computes reaching definitions over a trace.
//
// One forward pass tracks, per byte of the register file and of memory, the
// position that last wrote it. Every read produces use records naming those
// writers; every write produces a def record. The result is a Table that the
// taint analyzer walks backward and that export formatters iterate.
//
// # Partial definitions
//
// A read may cover bytes last written by different positions. Under
// PolicySplit (the default) the read yields one record per contiguous run of
// bytes sharing a writer, unwritten runs included. Under PolicyMostRecent it
// yields one record for the whole read whose Def is the latest contributing
// writer.
//
// # Parallelism
//
// The range may be cut into chunks analyzed concurrently, each starting from
// an empty writer map. Reads a chunk cannot resolve locally are resolved in
// a sequential merge against the writer map carried over from all earlier
// chunks. The result is identical to a single sequential pass.
package usedef

import "errors"

var (
	// ErrUnknownPolicy is returned when parsing an unrecognized partial-use
	// policy name.
	ErrUnknownPolicy = errors.New("unknown partial-use policy")
)
