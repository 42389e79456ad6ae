// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package memo

import (
	"fmt"
	"slices"
	"sync/atomic"

	"github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics/compat"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/tilesched/tilesched/loopnest"
)

// DefaultFeatureCacheSize bounds the number of memoized blocks.
const DefaultFeatureCacheSize = 1 << 16

// FeatureCache memoizes the features of root blocks. It implements
// loopnest.FeatureCache and is safe for concurrent use.
type FeatureCache struct {
	logger hclog.Logger
	lru    *lru.Cache[loopnest.BlockKey, *loopnest.BlockFeatures]

	hits   atomic.Uint64
	misses atomic.Uint64
}

var _ loopnest.FeatureCache = (*FeatureCache)(nil)

// NewFeatureCache returns a feature cache holding up to size blocks.
func NewFeatureCache(logger hclog.Logger, size int) (*FeatureCache, error) {
	if size <= 0 {
		size = DefaultFeatureCacheSize
	}
	c, err := lru.New[loopnest.BlockKey, *loopnest.BlockFeatures](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create feature cache: %w", err)
	}
	return &FeatureCache{
		logger: logger.Named("feature_cache"),
		lru:    c,
	}, nil
}

func (c *FeatureCache) Lookup(key loopnest.BlockKey, stageIDs []int) (*loopnest.BlockFeatures, bool) {
	bf, ok := c.lru.Get(key)
	if ok && !slices.Equal(bf.StageIDs, stageIDs) {
		c.logger.Trace("cached features do not match block", "cached", bf.StageIDs, "block", stageIDs)
		c.lru.Remove(key)
		ok = false
	}

	if !ok {
		c.misses.Add(1)
		metrics.IncrCounter([]string{"tilesched", "memo", "features", "miss"}, 1)
		return nil, false
	}
	c.hits.Add(1)
	metrics.IncrCounter([]string{"tilesched", "memo", "features", "hit"}, 1)
	return bf, true
}

func (c *FeatureCache) Put(key loopnest.BlockKey, bf *loopnest.BlockFeatures) {
	c.lru.Add(key, bf)
}

// Purge drops every entry. Counters are kept.
func (c *FeatureCache) Purge() {
	c.lru.Purge()
}

func (c *FeatureCache) Len() int {
	return c.lru.Len()
}

// Stats returns the hit and miss counters.
func (c *FeatureCache) Stats() Stats {
	return Stats{Hits: c.hits.Load(), Misses: c.misses.Load()}
}
