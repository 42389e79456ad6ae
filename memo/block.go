// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package memo holds the caches that let a search reuse work across
// states: parallel tilings of root blocks, and the features of blocks.
package memo

import (
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics/compat"
	"github.com/tilesched/tilesched/loopnest"
)

// BlockKey identifies the root blocks of one func vectorized over one
// dimension.
type BlockKey struct {
	Node      int
	VectorDim int
}

// BlockCache remembers the parallel tilings accepted for a func placed at
// the root. Each entry holds one option per accepted tiling, and each
// option holds the replacement root loops of every stage of the func.
//
// The cache is safe for concurrent use. Entries are never replaced: the
// first writer wins.
type BlockCache struct {
	logger hclog.Logger

	mu      sync.RWMutex
	entries map[BlockKey][][]*loopnest.Node

	hits   atomic.Uint64
	misses atomic.Uint64
}

// NewBlockCache returns an empty block cache.
func NewBlockCache(logger hclog.Logger) *BlockCache {
	return &BlockCache{
		logger:  logger.Named("block_cache"),
		entries: make(map[BlockKey][][]*loopnest.Node),
	}
}

// Get returns the cached options for key. An entry whose options do not
// hold exactly stages loops is reported as a miss.
func (c *BlockCache) Get(key BlockKey, stages int) ([][]*loopnest.Node, bool) {
	c.mu.RLock()
	options, ok := c.entries[key]
	c.mu.RUnlock()

	if ok {
		for _, opt := range options {
			if len(opt) != stages {
				c.logger.Warn("cached blocks do not match func", "node", key.Node,
					"cached", len(opt), "stages", stages)
				ok = false
				break
			}
		}
	}

	if !ok {
		c.misses.Add(1)
		metrics.IncrCounter([]string{"tilesched", "memo", "block", "miss"}, 1)
		return nil, false
	}
	c.hits.Add(1)
	metrics.IncrCounter([]string{"tilesched", "memo", "block", "hit"}, 1)
	return options, true
}

// Add stores options for key unless an entry already exists. It returns
// true if the options were stored.
func (c *BlockCache) Add(key BlockKey, options [][]*loopnest.Node) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[key]; ok {
		return false
	}
	c.entries[key] = options
	return true
}

// Purge drops every entry. Counters are kept.
func (c *BlockCache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.logger.Debug("purging block cache", "entries", len(c.entries))
	clear(c.entries)
}

// Len returns the number of entries.
func (c *BlockCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Stats returns the hit and miss counters.
func (c *BlockCache) Stats() Stats {
	return Stats{Hits: c.hits.Load(), Misses: c.misses.Load()}
}

// Stats are cache hit and miss counters.
type Stats struct {
	Hits   uint64
	Misses uint64
}
