// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package analysis ties the trace store, instruction index, use-def table and
// taint walk into one session per trace file.
//
// A Session opens the trace eagerly, then loads persisted index and use-def
// files on first use, rebuilding and saving them when they are missing,
// incomplete or describe a different trace. It exposes the operations a
// command line or notebook front end needs: report, stats, index lookups,
// use-def tables and backward taint DAGs.
package analysis

import "errors"

// ErrClosed is returned by operations on a closed session.
var ErrClosed = errors.New("analysis session is closed")
