// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package scheduler

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/hashicorp/go-set/v3"
	"github.com/shoenig/test/must"
	"github.com/tilesched/tilesched/ci"
	"github.com/tilesched/tilesched/config"
	"github.com/tilesched/tilesched/costmodel"
	"github.com/tilesched/tilesched/helper/pointer"
	"github.com/tilesched/tilesched/helper/testlog"
	"github.com/tilesched/tilesched/pipeline"
	"github.com/tilesched/tilesched/pipeline/mock"
)

func TestGenerator_CheapChainInlined(t *testing.T) {
	ci.Parallel(t)

	g := mock.PointwisePair()
	f := g.NodeByName("f")
	ctx := testContext(t, g)

	placed := expand(t, ctx, NewState())
	must.SliceLen(t, 1, placed)
	parallel := expand(t, ctx, placed[0])
	must.SliceNotEmpty(t, parallel)

	// f and its whole neighborhood are pointwise, so inlining is the only
	// successor.
	children := expand(t, ctx, parallel[0])
	must.SliceLen(t, 1, children)
	inlined := children[0].Root().InlinedFuncs()
	must.SliceLen(t, 1, inlined)
	must.True(t, inlined[0] == f)

	// Inlined funcs have nothing to parallelize.
	last := expand(t, ctx, children[0])
	must.SliceLen(t, 1, last)
	must.True(t, last[0].Root() == children[0].Root())
	must.True(t, last[0].IsTerminal(g))
}

func TestGenerator_SingleCorePassThrough(t *testing.T) {
	ci.Parallel(t)

	ctx := testContext(t, mock.Chain(2), func(o *config.Options) {
		o.Parallelism = 1
	})

	placed := expand(t, ctx, NewState())
	must.SliceLen(t, 1, placed)

	children := expand(t, ctx, placed[0])
	must.SliceLen(t, 1, children)
	must.True(t, children[0].Root() == placed[0].Root())
	must.Eq(t, 2, children[0].Decisions())
}

func TestGenerator_MemoryLimitExhausts(t *testing.T) {
	ci.Parallel(t)

	logger, buf := testlog.HCLoggerBuffer()
	opts := &config.Options{BeamSize: 1, Parallelism: 4, MemoryLimit: "0"}
	ctx, err := NewSearchContext(logger, mock.Reduction(), opts, costmodel.NewStub())
	must.NoError(t, err)

	_, err = Search(context.Background(), ctx)
	must.True(t, errors.Is(err, ErrExhausted))
	must.EqError(t, err, "ran out of legal states with beam size 1")

	must.StrContains(t, buf.String(), "found no legal way to schedule")
	must.StrContains(t, buf.String(), "func=sum")
	must.Eq(t, uint64(1), ctx.Stats().DeadBranches)
	must.Positive(t, ctx.Stats().Pruned)
}

func TestGenerator_BlockCache(t *testing.T) {
	ci.Parallel(t)

	ctx := testContext(t, mock.Chain(2))
	placed := expand(t, ctx, NewState())
	must.SliceLen(t, 1, placed)

	first := expand(t, ctx, placed[0])
	must.SliceNotEmpty(t, first)
	must.Eq(t, 1, ctx.Blocks.Len())
	must.Eq(t, uint64(0), ctx.Stats().BlockCache.Hits)

	// A different state with the same placement reuses the tilings.
	twin := NewState().MakeChild()
	twin.root = placed[0].Root()
	second := expand(t, ctx, twin)
	must.Eq(t, uint64(1), ctx.Stats().BlockCache.Hits)
	must.SliceLen(t, len(first), second)
	for i := range first {
		must.Eq(t, first[i].StructuralHash(4), second[i].StructuralHash(4))
		must.Eq(t, first[i].Cost(), second[i].Cost())
	}
}

func TestGenerator_BlockCacheDisabledWithoutSubtiling(t *testing.T) {
	ci.Parallel(t)

	ctx := testContext(t, mock.Chain(2), func(o *config.Options) {
		o.MaySubtile = pointer.Of(false)
	})

	// Without subtiling every func is placed before any is parallelized.
	s := NewState()
	for i := 0; i < 2; i++ {
		children := expand(t, ctx, s)
		must.SliceNotEmpty(t, children)
		s = children[0]
	}
	parallel := expand(t, ctx, s)

	// Only the best tiling is kept.
	must.SliceLen(t, 1, parallel)
	must.Eq(t, 0, ctx.Blocks.Len())
}

func TestGenerator_RandomizedTilings(t *testing.T) {
	ci.Parallel(t)

	run := func(seed uint64) []uint64 {
		ctx := testContext(t, mock.Blur(), func(o *config.Options) {
			o.RandomizeTilings = true
			o.Seed = seed
		})
		s := NewState()
		var hashes []uint64
		for !s.IsTerminal(ctx.Graph) {
			children := expand(t, ctx, s)
			must.SliceNotEmpty(t, children)
			for _, c := range children {
				hashes = append(hashes, c.StructuralHash(2))
			}
			s = children[0]
		}
		return hashes
	}

	must.Eq(t, run(3), run(3))
}

func TestGenerator_NoSuccessorsWhenTerminal(t *testing.T) {
	ci.Parallel(t)

	for _, g := range []*pipeline.Graph{mock.PointwisePair(), mock.Chain(3), mock.Diamond()} {
		t.Run(g.Name, func(t *testing.T) {
			ctx, best := testSearch(t, g)
			must.True(t, best.IsTerminal(ctx.Graph))

			n := 0
			for range NewGenerator(ctx).Successors(best, 0) {
				n++
			}
			must.Zero(t, n)
		})
	}
}

func TestGenerator_StopsWhenConsumerStops(t *testing.T) {
	ci.Parallel(t)

	ctx := testContext(t, mock.Chain(2))
	placed := expand(t, ctx, NewState())
	must.SliceLen(t, 1, placed)

	n := 0
	for range NewGenerator(ctx).Successors(placed[0], 0) {
		n++
		break
	}
	must.Eq(t, 1, n)

	// A consumer that stops early is not a dead branch, and its partial
	// tilings are not memoized.
	must.Eq(t, uint64(0), ctx.Stats().DeadBranches)
	must.Eq(t, 0, ctx.Blocks.Len())
	ctx.Oracle.Reset()
}

// checkParallelTilings asserts that every parallel successor of s splits
// the root loops of f into a legal number of tasks, that no two successors
// are the same loop nest, and that they come least wasteful first.
func checkParallelTilings(t *testing.T, ctx *SearchContext, s *State, f *pipeline.Node) {
	t.Helper()

	parallelism := int64(ctx.Params.Parallelism)
	maxTasks := parallelism * ctx.Opts.Thresholds.MaxTasksFactor
	serial := s.Root().Blocks(f)
	must.SliceNotEmpty(t, serial)

	successors := expand(t, ctx, s)
	must.SliceNotEmpty(t, successors)

	hashes := set.New[uint64](len(successors))
	prev := 1.0
	for i, child := range successors {
		must.True(t, hashes.Insert(child.StructuralHash(8)))

		blocks := child.Root().Blocks(f)
		must.SliceLen(t, len(serial), blocks)

		wastage := 1.0
		for j, b := range blocks {
			must.True(t, b.Parallel())

			tasks := int64(1)
			entire := true
			for li, l := range b.Stage().Loops {
				if !l.Pure() {
					continue
				}
				tasks *= b.Size()[li]
				entire = entire && b.Size()[li] == serial[j].Size()[li]
			}
			must.LessEq(t, maxTasks, tasks)
			if !entire {
				must.GreaterEq(t, parallelism, tasks)
			}

			tasksPerCore := float64(tasks) / float64(parallelism)
			wastage = max(wastage, math.Ceil(tasksPerCore)/tasksPerCore)
		}

		must.GreaterEq(t, prev, wastage)
		if i > 0 {
			must.LessEq(t, ctx.Opts.Thresholds.IdleCoreWastage, wastage)
		}
		prev = wastage
	}
}

func TestGenerator_ParallelTilings(t *testing.T) {
	ci.Parallel(t)

	g := mock.Chain(1)
	ctx := testContext(t, g, func(o *config.Options) {
		o.Parallelism = 64
	})
	placed := expand(t, ctx, NewState())
	must.SliceNotEmpty(t, placed)
	checkParallelTilings(t, ctx, placed[0], g.NodeByName("out"))
}

func TestGenerator_ParallelTilings_UpdateStage(t *testing.T) {
	ci.Parallel(t)

	g := mock.Matmul(64)
	ctx := testContext(t, g, func(o *config.Options) {
		o.Parallelism = 16
	})
	placed := expand(t, ctx, NewState())
	must.SliceNotEmpty(t, placed)

	c := g.NodeByName("c")
	must.SliceLen(t, 2, placed[0].Root().Blocks(c))
	checkParallelTilings(t, ctx, placed[0], c)
}

func TestGenerator_OuterTilingWithoutSubtiling(t *testing.T) {
	ci.Parallel(t)

	g := mock.Chain(1)
	out := g.NodeByName("out")
	ctx := testContext(t, g, func(o *config.Options) {
		o.MaySubtile = pointer.Of(false)
	})
	placed := expand(t, ctx, NewState())
	must.SliceNotEmpty(t, placed)
	serial := placed[0].Root().Blocks(out)
	must.SliceLen(t, 1, serial)

	parallel := expand(t, ctx, placed[0])
	must.SliceLen(t, 1, parallel)
	blocks := parallel[0].Root().Blocks(out)
	must.SliceLen(t, 1, blocks)
	must.True(t, blocks[0].Parallel())

	// The outermost loop alone fills the four cores, halved down to at
	// most eight tasks per core. The other loops stay serial.
	loops := blocks[0].Stage().Loops
	outermost := len(loops) - 1
	want := serial[0].Size()[outermost]
	for want > 1 && want > 4*8 {
		want /= 2
	}
	must.GreaterEq(t, 4, want)
	must.Eq(t, want, blocks[0].Size()[outermost])
	for i := 0; i < outermost; i++ {
		must.Eq(t, 1, blocks[0].Size()[i])
	}
}
