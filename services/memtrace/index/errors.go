// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package index maps instruction addresses to the trace positions where they
// executed.
//
// The table is built by one scan of a trace store, optionally split across
// workers by position range, and persisted as a set of shard files plus a
// manifest. Shard membership is derived from a hash of the address, so a
// lookup consults exactly one shard.
//
// # Persistence
//
// File names come from a ShardPath template containing a single "{}". Shard
// i lives at Path("i"), the manifest at Path("meta"). The manifest is written
// last and carries the checksum of every shard; an index without a manifest
// is incomplete and is never loaded.
//
// # Thread Safety
//
// A built or loaded Table is immutable and safe for concurrent reads.
package index

import "errors"

var (
	// ErrInvalidTemplate is returned when a shard path template does not
	// contain exactly one "{}" placeholder.
	ErrInvalidTemplate = errors.New("index path template must contain exactly one {}")

	// ErrNoShards is returned when building or saving with a shard count
	// below one.
	ErrNoShards = errors.New("shard count must be positive")
)
