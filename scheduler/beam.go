// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics/compat"
	"github.com/hashicorp/go-set/v3"
	"github.com/tilesched/tilesched/loopnest"
	"github.com/tilesched/tilesched/pipeline"
)

// ErrExhausted is returned when a beam empties before reaching a complete
// schedule.
var ErrExhausted = errors.New("ran out of legal states")

// BeamSearch is a coarse-to-fine beam search. Each pass keeps the cheapest
// states after every decision. Passes after the first penalize states that
// are structurally similar to states already expanded, and states whose
// coarser shape was not among the best of the previous pass.
type BeamSearch struct {
	sctx   *SearchContext
	gen    *Generator
	logger hclog.Logger
}

func NewBeamSearch(sctx *SearchContext) *BeamSearch {
	return &BeamSearch{
		sctx:   sctx,
		gen:    NewGenerator(sctx),
		logger: sctx.logger.Named("beam"),
	}
}

// Run searches for the cheapest complete schedule.
func (b *BeamSearch) Run(ctx context.Context) (*State, error) {
	opts := b.sctx.Opts
	passes := opts.PassCount()
	permitted := set.New[uint64](0)

	b.logger.Info("starting search", "pipeline", b.sctx.Graph.Name,
		"beam_size", opts.BeamSize, "passes", passes, "parallelism", opts.Parallelism)

	if *opts.FreezeInlineComputeRoot && passes > 1 {
		b.sctx.Params.ComputeRootOnly = true
		pre, err := b.pass(ctx, -1, passes, permitted)
		b.sctx.Params.ComputeRootOnly = false
		if err != nil {
			return nil, err
		}
		b.freeze(pre)
		passes--
	}

	var best *State
	for i := 0; i < passes; i++ {
		s, err := b.pass(ctx, i, passes, permitted)
		if err != nil {
			return nil, err
		}
		stats := b.sctx.Stats()
		b.logger.Info("pass complete", "pass", i, "cost", s.cost,
			"expanded", stats.Expanded, "enqueued", stats.Enqueued,
			"block_cache_hits", stats.BlockCache.Hits, "feature_cache_hits", stats.FeatureCache.Hits)
		if best == nil || s.cost < best.cost {
			best = s
		}
	}

	b.logger.Info("search complete", "cost", best.cost)
	return best, nil
}

// pass runs one beam pass. A negative index is the freeze pre-pass.
func (b *BeamSearch) pass(ctx context.Context, passIdx, numPasses int, permitted *set.Set[uint64]) (*State, error) {
	defer metrics.MeasureSince([]string{"tilesched", "beam", "pass"}, time.Now())

	g := b.sctx.Graph
	beam := b.sctx.Opts.BeamSize
	thresholds := b.sctx.Opts.Thresholds

	q := &stateQueue{}
	pending := &stateQueue{}
	q.push(NewState())

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		hashes := make(map[uint64]int)
		q, pending = pending, q

		if pending.Len() == 0 {
			return nil, fmt.Errorf("%w with beam size %d", ErrExhausted, beam)
		}
		if pending.Len() > beam*10000 {
			b.logger.Warn("huge number of states generated", "states", pending.Len())
		}
		metrics.SetGauge([]string{"tilesched", "beam", "pending"}, float32(pending.Len()))

		expanded := 0
		for expanded < beam && pending.Len() > 0 {
			state := pending.pop()

			if beam > 1 && numPasses > 1 && passIdx >= 0 && !state.penalized {
				// Penalize states whose shape is common in this round, or
				// whose coarser shape was not among the best of the last
				// pass.
				h1 := state.StructuralHash(passIdx + 1)
				hashes[h1]++
				penalty := float64(hashes[h1])
				if passIdx > 0 && !permitted.Contains(state.StructuralHash(passIdx-1)) {
					penalty += thresholds.CollisionPenalty
				}
				if penalty > 1 {
					state.penalized = true
					state.cost *= penalty
					if pending.Len() > 0 && state.cost > pending.peek().cost {
						pending.push(state)
						continue
					}
				}
			}

			if pending.Len() > 1 && b.dropout() {
				continue
			}

			if state.IsTerminal(g) {
				best := state
				if passIdx+1 < numPasses {
					b.bless(state, best, pending, passIdx, permitted)
				}
				return best, nil
			}

			for child := range b.gen.Successors(state, passIdx+1) {
				q.push(child)
			}
			expanded++
		}

		pending.clear()
		if err := b.sctx.Oracle.EvaluateAll(ctx); err != nil {
			return nil, fmt.Errorf("failed to evaluate costs: %w", err)
		}
		q.resort()
	}
}

// bless records the coarse shape of every state close in cost to best, and
// of all their ancestors, as permitted for the next pass.
func (b *BeamSearch) bless(state, best *State, pending *stateQueue, passIdx int, permitted *set.Set[uint64]) {
	slack := b.sctx.Opts.Thresholds.CostSlack
	for blessed := 0; state.cost <= slack*best.cost && blessed < b.sctx.Opts.BeamSize; blessed++ {
		for s := state; s != nil; s = s.parent {
			permitted.Insert(s.StructuralHash(passIdx))
		}
		if pending.Len() == 0 {
			break
		}
		state = pending.pop()
	}
}

// dropout returns true if a state should be randomly skipped. The chance
// is chosen so that DropoutPercent of states survive the whole search.
func (b *BeamSearch) dropout() bool {
	threshold := b.sctx.Opts.DropoutPercent
	if threshold >= 100 {
		return false
	}
	decisions := 2 * len(b.sctx.Graph.Nodes)
	t := math.Pow(float64(threshold)/100, 1/float64(decisions)) * 100
	return float64(b.sctx.rng.Uint32()%100) >= t
}

// freeze fixes the placement of the cheapest funcs of a schedule for the
// remaining passes. All but log2(n) funcs are frozen. Inlined funcs stay
// inlined and the others keep their root loops.
func (b *BeamSearch) freeze(best *State) {
	costs := make(map[*pipeline.Node]float64)
	inlined := make(map[*pipeline.Node]bool)
	stageCosts := best.StageCosts()
	for i, sf := range best.Features().Stages() {
		n := sf.Stage.Node
		if i < len(stageCosts) {
			costs[n] += stageCosts[i]
		}
		if sf.Inlined {
			inlined[n] = true
		}
	}

	var nodes []*pipeline.Node
	for _, n := range b.sctx.Graph.Nodes {
		if !n.Input {
			nodes = append(nodes, n)
		}
	}
	slices.SortStableFunc(nodes, func(x, y *pipeline.Node) int {
		switch {
		case costs[x] < costs[y]:
			return -1
		case costs[x] > costs[y]:
			return 1
		}
		return 0
	})

	count := len(nodes)
	if count > 1 {
		count -= int(math.Log2(float64(count)))
	}

	fr := &frozenPlacements{
		inline:      set.New[*pipeline.Node](count),
		computeRoot: make(map[*pipeline.Node][]*loopnest.Node),
	}
	for _, n := range nodes[:count] {
		if inlined[n] {
			fr.inline.Insert(n)
		}
	}
	for _, n := range nodes[:count] {
		if inlined[n] {
			continue
		}
		blocks := best.Root().Blocks(n)
		if len(blocks) == 0 {
			continue
		}
		// Root loops that inline funcs which are still free to move
		// cannot be frozen.
		ok := true
		for _, block := range blocks {
			for _, f := range block.InlinedFuncs() {
				if !fr.inline.Contains(f) {
					ok = false
				}
			}
		}
		if ok {
			fr.computeRoot[n] = blocks
		}
	}

	b.logger.Debug("froze placements", "inlined", fr.inline.Size(), "compute_root", len(fr.computeRoot))
	b.sctx.freeze(fr)
}
