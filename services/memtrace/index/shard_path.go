// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package index

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
)

const placeholder = "{}"

// ShardPath maps shard identifiers to file paths.
type ShardPath struct {
	prefix string
	suffix string
	valid  bool
}

// ParseShardPath validates template and returns its ShardPath.
//
// Example:
//
//	p, _ := ParseShardPath("/tmp/index-{}.bin")
//	p.Path("3")   // "/tmp/index-3.bin"
//	p.Manifest()  // "/tmp/index-meta.bin"
func ParseShardPath(template string) (ShardPath, error) {
	if strings.Count(template, placeholder) != 1 {
		return ShardPath{}, fmt.Errorf("%w: %q", ErrInvalidTemplate, template)
	}
	prefix, suffix, _ := strings.Cut(template, placeholder)
	return ShardPath{prefix: prefix, suffix: suffix, valid: true}, nil
}

// DefaultShardPath returns the template used when none is given: index-{}.bin
// next to the trace.
func DefaultShardPath(tracePath string) ShardPath {
	p, _ := ParseShardPath(filepath.Join(filepath.Dir(tracePath), "index-{}.bin"))
	return p
}

// Path substitutes id into the template.
func (p ShardPath) Path(id string) string {
	return p.prefix + id + p.suffix
}

// Shard returns the path of shard i.
func (p ShardPath) Shard(i int) string {
	return p.Path(strconv.Itoa(i))
}

// Manifest returns the path of the manifest.
func (p ShardPath) Manifest() string {
	return p.Path("meta")
}

// IsZero reports whether p was never parsed.
func (p ShardPath) IsZero() bool {
	return !p.valid
}

func (p ShardPath) String() string {
	return p.prefix + placeholder + p.suffix
}
