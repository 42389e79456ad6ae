// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package scheduler

import (
	"fmt"
	"iter"
	"math"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-set/v3"
	"github.com/tilesched/tilesched/loopnest"
	"github.com/tilesched/tilesched/memo"
	"github.com/tilesched/tilesched/pipeline"
)

// Generator enumerates the legal successors of a state. Every successor
// has already been checked for feasibility and queued on the oracle, so a
// driver must drain the successors of a round before evaluating costs.
type Generator struct {
	ctx    *SearchContext
	logger hclog.Logger
}

func NewGenerator(ctx *SearchContext) *Generator {
	return &Generator{
		ctx:    ctx,
		logger: ctx.logger.Named("generator"),
	}
}

// expansion tracks the successors of one state.
type expansion struct {
	parent   *State
	fn       *pipeline.Node
	pass     int
	yield    func(*State) bool
	accepted int
	stopped  bool
}

// Successors yields the feasible successors of s. pass selects the hash
// depth used to bucket candidates when tilings are randomized. A terminal
// state has no successors.
func (g *Generator) Successors(s *State, pass int) iter.Seq[*State] {
	return func(yield func(*State) bool) {
		if s.IsTerminal(g.ctx.Graph) {
			return
		}
		g.ctx.stats.Expanded++

		fn, phase := g.ctx.nextDecision(s.decisions)
		e := &expansion{
			parent: s,
			fn:     fn,
			pass:   pass,
			yield:  yield,
		}
		if phase == 0 {
			g.place(e)
		} else {
			g.parallelize(e)
		}

		if e.accepted == 0 && !e.stopped {
			g.ctx.stats.DeadBranches++
			g.logger.Warn("found no legal way to schedule", "func", fn.Name,
				"phase", phaseName(phase), "decisions", s.decisions)
		}
	}
}

func phaseName(phase int) string {
	if phase == 0 {
		return "placement"
	}
	return "parallelization"
}

// try costs a candidate loop nest and yields it if it is feasible. It
// returns true if the candidate was accepted.
func (g *Generator) try(e *expansion, root *loopnest.Node) bool {
	if e.stopped {
		return false
	}
	child := e.parent.MakeChild()
	child.root = root
	if !child.CalculateCost(g.ctx) {
		return false
	}
	e.accepted++
	if !e.yield(child) {
		e.stopped = true
	}
	return true
}

// place decides where the func is computed.
func (g *Generator) place(e *expansion) {
	f := e.fn
	root := e.parent.root
	frozen := g.ctx.frozen

	if f.Input {
		g.try(e, root)
		return
	}
	if frozen.mustInline(f) {
		g.try(e, root.Inline(f))
		return
	}
	if blocks, ok := frozen.rootBlocks(f); ok {
		g.try(e, root.ReplaceBlocks(f, blocks))
		return
	}

	if len(f.Stages) == 1 && !f.Output {
		g.try(e, root.Inline(f))

		// Long chains of pointwise funcs are always inlined when legal.
		if g.cheapChain(f) && e.accepted > 0 {
			return
		}
	}

	// Outputs are stored by the caller, so they are vectorized over the
	// first dimension.
	var dims []int
	if !f.Output {
		for d, extent := range f.Extents {
			if extent >= int64(f.VectorSize) {
				dims = append(dims, d)
			}
		}
	}
	if len(dims) == 0 {
		dims = append(dims, 0)
	}

	var candidates []*RankedCandidate
	for _, v := range dims {
		for _, r := range root.RealizeInTiles(f, v, g.ctx.Params) {
			candidates = append(candidates, &RankedCandidate{
				Root:    r,
				Wastage: r.MaxIdleLaneWastage(),
			})
		}
	}

	if g.ctx.Opts.RandomizeTilings {
		g.placeRandomized(e, candidates)
		return
	}

	accepted := func() int { return e.accepted }
	it := NewWastageLimitIterator(NewStaticRankIterator(candidates),
		g.ctx.Opts.Thresholds.IdleLaneWastage, accepted)
	for c := it.Next(); c != nil && !e.stopped; c = it.Next() {
		g.try(e, c.Root)
	}
}

// cheapChain returns true if f and its whole neighborhood are pointwise,
// in which case inlining f is always the right call.
func (g *Generator) cheapChain(f *pipeline.Node) bool {
	if !f.Pointwise || len(f.Outgoing) != 1 {
		return false
	}
	for _, e := range f.Stages[0].Incoming {
		if !e.Producer.Pointwise {
			return false
		}
	}
	for _, e := range f.Outgoing {
		c := e.Consumer.Node
		if !c.Pointwise && !c.BoundaryCondition {
			return false
		}
	}
	return true
}

// placeRandomized samples candidates instead of ranking them. Candidates
// are bucketed by their structural hash at the pass's depth, and a
// logarithmic number of random feasible candidates is taken from each
// bucket. Wasteful candidates are only used if nothing else is feasible.
func (g *Generator) placeRandomized(e *expansion, candidates []*RankedCandidate) {
	var order []uint64
	buckets := make(map[uint64][]*RankedCandidate)
	var secondary []*RankedCandidate

	for _, c := range candidates {
		if c.Wastage > g.ctx.Opts.Thresholds.IdleLaneWastage {
			secondary = append(secondary, c)
			continue
		}
		var h uint64
		c.Root.StructuralHash(e.pass, &h)
		if _, ok := buckets[h]; !ok {
			order = append(order, h)
		}
		buckets[h] = append(buckets[h], c)
	}

	for _, h := range order {
		bucket := buckets[h]
		g.ctx.rng.Shuffle(len(bucket), func(i, j int) {
			bucket[i], bucket[j] = bucket[j], bucket[i]
		})

		want := len(bucket)
		if want > 1 {
			want = int(math.Log2(float64(want)))
		}
		taken := 0
		for _, c := range bucket {
			if taken >= want || e.stopped {
				break
			}
			if g.try(e, c.Root) {
				taken++
			}
		}
	}

	if e.accepted == 0 {
		for _, c := range secondary {
			if g.try(e, c.Root) {
				return
			}
		}
	}
}

// parallelize decides how the root loops of the func are split into
// parallel tasks.
func (g *Generator) parallelize(e *expansion) {
	f := e.fn
	root := e.parent.root
	p := g.ctx.Params

	if _, ok := g.ctx.frozen.rootBlocks(f); ok {
		g.try(e, root)
		return
	}

	blocks := root.Blocks(f)
	if p.Parallelism <= 1 || f.Dimensions() == 0 || len(blocks) == 0 {
		// Nothing to parallelize, or the func is inlined or computed
		// inside another func.
		g.try(e, root)
		return
	}

	// Cached tilings are only valid while the root blocks of a func hold
	// nothing but the func, which is not the case without subtiling.
	useCache := g.ctx.Blocks != nil && p.MaySubtile
	key := memo.BlockKey{Node: f.ID, VectorDim: blocks[0].VectorDim()}
	if useCache {
		if options, ok := g.ctx.Blocks.Get(key, len(blocks)); ok {
			for _, opt := range options {
				g.try(e, root.ReplaceBlocks(f, opt))
			}
			if e.accepted > 0 || e.stopped {
				return
			}
			g.logger.Debug("no cached tiling is feasible", "func", f.Name)
		}
	}

	// Tilings are outer extents over the pure loops of the first stage,
	// whose sizes already account for vectorization.
	b0 := blocks[0]
	for _, b := range blocks {
		if b.Stage().Index == 0 {
			b0 = b
			break
		}
	}
	pureSize := make([]int64, f.Dimensions())
	for d := range pureSize {
		pureSize[d] = 1
		if i := b0.Stage().LoopForDim(d); i >= 0 {
			pureSize[d] = b0.Size()[i]
		}
	}
	tilings := loopnest.GenerateTilings(pureSize, len(pureSize)-1, 2, true)
	tilings = append(tilings, pureSize)

	var candidates []*RankedCandidate
	seen := set.New[string](len(tilings))
	maxTasks := int64(p.Parallelism) * g.ctx.Opts.Thresholds.MaxTasksFactor
	for i, tiling := range tilings {
		// The last tiling runs every iteration of the pure loops as its
		// own task.
		isEntire := i == len(tilings)-1

		wastage := 1.0
		var minTotal, maxTotal int64
		extents := make([]int64, 0, len(blocks)*len(pureSize))
		for _, b := range blocks {
			total := int64(1)
			for li, l := range b.Stage().Loops {
				if !l.Pure() {
					continue
				}
				o := min(max(tiling[l.PureDim], 1), b.Size()[li])
				extents = append(extents, o)
				total *= o
			}
			if minTotal == 0 {
				minTotal = total
			}
			minTotal = min(minTotal, total)
			maxTotal = max(maxTotal, total)

			tasksPerCore := float64(total) / float64(p.Parallelism)
			wastage = max(wastage, math.Ceil(tasksPerCore)/tasksPerCore)
		}

		if !(isEntire || minTotal >= int64(p.Parallelism)) || maxTotal > maxTasks {
			continue
		}
		if !seen.Insert(fmt.Sprint(extents)) {
			continue
		}

		var tiled []*loopnest.Node
		for _, b := range blocks {
			tiled = append(tiled, b.ParallelizeInTiles(tiling, p))
		}
		candidates = append(candidates, &RankedCandidate{
			Root:    root.ReplaceBlocks(f, tiled),
			Wastage: wastage,
		})
	}

	if len(candidates) == 0 {
		g.try(e, root)
		return
	}

	if !p.MaySubtile {
		// Without subtiling the parallel loops cannot be tiled further, so
		// a single outermost-first split replaces the candidates.
		var tiled []*loopnest.Node
		for _, b := range blocks {
			tiled = append(tiled, b.ParallelizeInTiles(outerTiling(b, len(pureSize), p.Parallelism), p))
		}
		g.try(e, root.ReplaceBlocks(f, tiled))
		return
	}

	limit := g.ctx.Opts.Thresholds.IdleCoreWastage
	accepted := func() int { return e.accepted }
	it := NewWastageLimitIterator(NewStaticRankIterator(candidates), limit, accepted)

	var options [][]*loopnest.Node
	for c := it.Next(); c != nil && !e.stopped; c = it.Next() {
		if g.try(e, c.Root) {
			options = append(options, c.Root.Blocks(f))
		}
	}

	if useCache && !e.stopped && len(options) > 0 {
		g.ctx.Blocks.Add(key, options)
	}
}

// outerTiling makes the pure loops of b parallel from the outermost in,
// until there are at least as many tasks as cores. Loops are halved while
// they would push the task count past eight per core. The result is
// indexed by pure dimension.
func outerTiling(b *loopnest.Node, dims, parallelism int) []int64 {
	tiling := make([]int64, dims)
	for d := range tiling {
		tiling[d] = 1
	}
	limit := int64(parallelism) * 8
	total := int64(1)
	loops := b.Stage().Loops
	for i := len(loops) - 1; i >= 0; i-- {
		l := loops[i]
		if !l.Pure() || total >= int64(parallelism) {
			continue
		}
		o := b.Size()[i]
		for o > 1 && total*o > limit {
			o /= 2
		}
		tiling[l.PureDim] = o
		total *= o
	}
	return tiling
}
