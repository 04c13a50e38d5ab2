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
	"container/list"
	"sync"
	"sync/atomic"
)

// offsetCache maps trace positions to byte offsets with LRU eviction.
//
// Description:
//
//	Seeks land on the nearest checkpoint and walk record prefixes forward
//	from there. The cache remembers where each sought position was found,
//	so a repeated seek costs one map lookup.
//
// Thread Safety: All methods are safe for concurrent use.
//
// Performance:
//
//	| Operation | Complexity |
//	|-----------|------------|
//	| Get       | O(1)       |
//	| Set       | O(1)       |
//	| Purge     | O(n)       |
type offsetCache struct {
	mu       sync.Mutex
	capacity int
	items    map[uint64]*list.Element
	order    *list.List // Front = most recent

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
}

type offsetEntry struct {
	position uint64
	offset   int64
}

func newOffsetCache(capacity int) *offsetCache {
	if capacity <= 0 {
		capacity = 1024
	}
	return &offsetCache{
		capacity: capacity,
		items:    make(map[uint64]*list.Element, min(capacity, 4096)),
		order:    list.New(),
	}
}

func (c *offsetCache) Get(position uint64) (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[position]; ok {
		c.order.MoveToFront(elem)
		c.hits.Add(1)
		return elem.Value.(*offsetEntry).offset, true
	}
	c.misses.Add(1)
	return 0, false
}

func (c *offsetCache) Set(position uint64, offset int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[position]; ok {
		c.order.MoveToFront(elem)
		elem.Value.(*offsetEntry).offset = offset
		return
	}
	if c.order.Len() >= c.capacity {
		if oldest := c.order.Back(); oldest != nil {
			c.order.Remove(oldest)
			delete(c.items, oldest.Value.(*offsetEntry).position)
			c.evictions.Add(1)
		}
	}
	c.items[position] = c.order.PushFront(&offsetEntry{position: position, offset: offset})
}

func (c *offsetCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Purge drops every entry and resets the counters.
func (c *offsetCache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items = make(map[uint64]*list.Element)
	c.order.Init()
	c.hits.Store(0)
	c.misses.Store(0)
	c.evictions.Store(0)
}

// CacheStats reports offset cache effectiveness.
type CacheStats struct {
	Entries   int
	Hits      int64
	Misses    int64
	Evictions int64
}

func (c *offsetCache) Stats() CacheStats {
	return CacheStats{
		Entries:   c.Len(),
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
	}
}
