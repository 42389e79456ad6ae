// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package scheduler

import (
	"context"
	"fmt"

	"github.com/tilesched/tilesched/config"
)

// Driver searches the decision space for a complete schedule.
type Driver interface {
	Run(ctx context.Context) (*State, error)
}

// NewDriver returns the driver selected by the search options.
func NewDriver(sctx *SearchContext) (Driver, error) {
	switch sctx.Opts.Driver {
	case config.DriverBeam:
		return NewBeamSearch(sctx), nil
	case config.DriverMCTS:
		return NewMCTS(sctx), nil
	default:
		return nil, fmt.Errorf("unknown search driver %q", sctx.Opts.Driver)
	}
}

// Search runs the configured driver and logs the search counters.
func Search(ctx context.Context, sctx *SearchContext) (*State, error) {
	d, err := NewDriver(sctx)
	if err != nil {
		return nil, err
	}
	best, err := d.Run(ctx)

	stats := sctx.Stats()
	sctx.logger.Info("search counters",
		"expanded", stats.Expanded,
		"enqueued", stats.Enqueued,
		"pruned", stats.Pruned,
		"dead_branches", stats.DeadBranches,
		"block_cache_hits", stats.BlockCache.Hits,
		"block_cache_misses", stats.BlockCache.Misses,
		"feature_cache_hits", stats.FeatureCache.Hits,
		"feature_cache_misses", stats.FeatureCache.Misses)

	if err != nil {
		return nil, err
	}
	return best, nil
}
