// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"maps"

	"github.com/AleutianAI/memtrace/services/memtrace/entry"
)

// TagStats counts the records and on-disk bytes of one tag.
type TagStats struct {
	Count uint64
	Bytes uint64
}

// Stats is the tag distribution of a trace, collected while validating it.
type Stats struct {
	Entries      uint64
	Bytes        uint64
	Instructions uint64
	Tags         map[entry.Tag]TagStats
}

func (st *Stats) add(info entry.RecordInfo) {
	t := st.Tags[info.Tag]
	t.Count++
	t.Bytes += uint64(info.Padded)
	st.Tags[info.Tag] = t
	st.Entries++
	st.Bytes += uint64(info.Padded)
	if info.Tag == entry.TagInsnExec {
		st.Instructions++
	}
}

// TagCount pairs a tag with its statistics.
type TagCount struct {
	Tag entry.Tag
	TagStats
}

// ByTag returns the statistics of every tag present, in entry.AllTags order.
func (st Stats) ByTag() []TagCount {
	out := make([]TagCount, 0, len(st.Tags))
	for _, tag := range entry.AllTags() {
		if ts, ok := st.Tags[tag]; ok {
			out = append(out, TagCount{Tag: tag, TagStats: ts})
		}
	}
	return out
}

// Stats returns the tag distribution of the trace.
func (s *Store) Stats() Stats {
	st := s.stats
	st.Tags = maps.Clone(s.stats.Tags)
	return st
}
