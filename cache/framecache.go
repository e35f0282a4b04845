// Copyright 2025 The packetd Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cache holds the process-wide FrameCache: the latest decoded
// picture per stream, available to a renderer that cannot suspend on the
// per-stream decoder actor (e.g. a redraw loop on its own thread).
package cache

import (
	"sync"

	"github.com/meta-boy/miragekit-client/decoder"
	"github.com/meta-boy/miragekit-client/wire"
)

// Entry is the most recently decoded picture for one stream.
type Entry struct {
	PixelBuffer           decoder.PixelBuffer
	PresentationTimestamp uint64
	ContentRect           wire.Rect
}

// FrameCache is a single-writer (the owning decoder callback), many-reader
// store keyed by StreamId. Only the most recent entry per stream is kept.
type FrameCache struct {
	mu      sync.RWMutex
	entries map[wire.StreamId]Entry
}

// New returns an empty FrameCache.
func New() *FrameCache {
	return &FrameCache{entries: make(map[wire.StreamId]Entry)}
}

// Put replaces streamID's entry, releasing the previous PixelBuffer's
// reference first — the cache holds exactly one reference per stream, never
// more.
func (c *FrameCache) Put(streamID wire.StreamId, entry Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if prev, ok := c.entries[streamID]; ok && prev.PixelBuffer != nil {
		prev.PixelBuffer.Release()
	}
	c.entries[streamID] = entry
}

// Get returns streamID's current entry, if any.
func (c *FrameCache) Get(streamID wire.StreamId) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[streamID]
	return entry, ok
}

// Delete releases and removes streamID's entry, if present. Called when a
// stream stops, per the cancellation contract: no stale frame may be read
// for a stream that's no longer active.
func (c *FrameCache) Delete(streamID wire.StreamId) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if prev, ok := c.entries[streamID]; ok {
		if prev.PixelBuffer != nil {
			prev.PixelBuffer.Release()
		}
		delete(c.entries, streamID)
	}
}

// Len reports the number of streams currently cached.
func (c *FrameCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.entries)
}
