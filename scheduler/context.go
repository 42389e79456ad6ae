// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package scheduler

import (
	"fmt"
	"math/rand/v2"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-set/v3"
	"github.com/hashicorp/go-uuid"
	"github.com/tilesched/tilesched/config"
	"github.com/tilesched/tilesched/costmodel"
	"github.com/tilesched/tilesched/loopnest"
	"github.com/tilesched/tilesched/memo"
	"github.com/tilesched/tilesched/pipeline"
)

// SearchContext is shared by every state of one search. It holds the
// pipeline, the options, the cost oracle and the caches.
//
// A SearchContext is used by a single driver goroutine.
type SearchContext struct {
	// ID identifies the search in logs and rendered schedules.
	ID string

	Graph  *pipeline.Graph
	Opts   *config.Options
	Params loopnest.Params
	Oracle costmodel.Oracle

	// Blocks and Features are nil when the corresponding cache is
	// disabled.
	Blocks   *memo.BlockCache
	Features *memo.FeatureCache

	logger   hclog.Logger
	rng      *rand.Rand
	checkers []FeasibilityChecker
	frozen   *frozenPlacements
	stats    Stats
}

// NewSearchContext validates opts and builds the context of a search over
// g. The oracle is configured for g.
func NewSearchContext(logger hclog.Logger, g *pipeline.Graph, opts *config.Options, oracle costmodel.Oracle) (*SearchContext, error) {
	if len(g.Nodes) == 0 {
		return nil, fmt.Errorf("pipeline %q has no nodes", g.Name)
	}
	opts = opts.Copy()
	opts.Canonicalize()
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("invalid search options: %w", err)
	}

	id, err := uuid.GenerateUUID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate search ID: %w", err)
	}

	ctx := &SearchContext{
		ID:    id,
		Graph: g,
		Opts:  opts,
		Params: loopnest.Params{
			Parallelism:       opts.Parallelism,
			MaySubtile:        *opts.MaySubtile,
			IdleCoreThreshold: opts.Thresholds.IdleCoreThreshold,
		},
		Oracle: oracle,
		logger: logger.With("search_id", id),
		rng:    rand.New(rand.NewPCG(opts.Seed, opts.Seed^0x5eed)),
	}

	if !opts.DisableBlockCache {
		ctx.Blocks = memo.NewBlockCache(ctx.logger)
	}
	if !opts.DisableFeatureCache {
		ctx.Features, err = memo.NewFeatureCache(ctx.logger, opts.FeatureCacheSize)
		if err != nil {
			return nil, err
		}
	}

	ctx.checkers = []FeasibilityChecker{
		NewRecomputeChecker(opts.Thresholds.RecomputeFactor),
		NewInlineChecker(opts.Thresholds.MaxInlinedCalls),
		NewMemoryChecker(opts.MemoryLimitBytes()),
	}

	oracle.Reset()
	oracle.Configure(g, opts.Parallelism)
	return ctx, nil
}

// Logger returns the search's logger.
func (c *SearchContext) Logger() hclog.Logger {
	return c.logger
}

// nextDecision returns the func and phase decided by the next decision of
// a state that has made the given number of decisions. Phase 0 places the
// func and phase 1 parallelizes it.
func (c *SearchContext) nextDecision(decisions int) (*pipeline.Node, int) {
	n := len(c.Graph.Nodes)
	if c.Params.MaySubtile {
		return c.Graph.Nodes[decisions/2], decisions % 2
	}
	// Without subtiling every func is placed before any is parallelized.
	return c.Graph.Nodes[decisions%n], decisions / n
}

// frozenPlacements are the placements fixed by the freeze pre-pass.
type frozenPlacements struct {
	inline      *set.Set[*pipeline.Node]
	computeRoot map[*pipeline.Node][]*loopnest.Node
}

func (f *frozenPlacements) mustInline(n *pipeline.Node) bool {
	return f != nil && f.inline.Contains(n)
}

func (f *frozenPlacements) rootBlocks(n *pipeline.Node) ([]*loopnest.Node, bool) {
	if f == nil {
		return nil, false
	}
	blocks, ok := f.computeRoot[n]
	return blocks, ok
}

// freeze fixes placements for the rest of the search. Cached parallel
// tilings may embed placements that are no longer allowed, so the block
// cache is purged.
func (c *SearchContext) freeze(f *frozenPlacements) {
	c.frozen = f
	if c.Blocks != nil {
		c.Blocks.Purge()
	}
}

// Stats are counters of one search.
type Stats struct {
	// Expanded is the number of states whose successors were generated.
	Expanded uint64

	// Enqueued is the number of states sent to the cost oracle.
	Enqueued uint64

	// Pruned is the number of candidates rejected by a feasibility check.
	Pruned uint64

	// DeadBranches is the number of states that had no successors.
	DeadBranches uint64

	BlockCache   memo.Stats
	FeatureCache memo.Stats
}

// Stats returns the counters of the search so far.
func (c *SearchContext) Stats() Stats {
	s := c.stats
	if c.Blocks != nil {
		s.BlockCache = c.Blocks.Stats()
	}
	if c.Features != nil {
		s.FeatureCache = c.Features.Stats()
	}
	return s
}
