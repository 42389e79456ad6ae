// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package loopnest

import (
	"slices"

	"github.com/tilesched/tilesched/pipeline"
)

// NumScheduleFeatures is the number of values returned by
// ScheduleFeatures.Slice.
const NumScheduleFeatures = 20

// ScheduleFeatures describe how one stage is computed by a schedule. They
// are the input of the cost oracle and the schedule half of featurization
// records, so the field order is part of the record layout.
type ScheduleFeatures struct {
	NumRealizations             float64
	NumProductions              float64
	PointsComputedPerProduction float64
	PointsComputedTotal         float64
	PointsComputedMinimum       float64

	InnermostLoopExtent     float64
	InnermostPureLoopExtent float64
	InnerParallelism        float64
	OuterParallelism        float64

	VectorSize float64
	NumVectors float64
	NumScalars float64

	BytesAtRealization            float64
	BytesAtProduction             float64
	BytesAtRoot                   float64
	UniqueBytesReadPerRealization float64

	InlinedCalls       float64
	WorkingSet         float64
	WorkingSetAtRoot   float64
	NumProducersInside float64
}

// Slice returns the features in record order.
func (s *ScheduleFeatures) Slice() []float64 {
	return []float64{
		s.NumRealizations,
		s.NumProductions,
		s.PointsComputedPerProduction,
		s.PointsComputedTotal,
		s.PointsComputedMinimum,
		s.InnermostLoopExtent,
		s.InnermostPureLoopExtent,
		s.InnerParallelism,
		s.OuterParallelism,
		s.VectorSize,
		s.NumVectors,
		s.NumScalars,
		s.BytesAtRealization,
		s.BytesAtProduction,
		s.BytesAtRoot,
		s.UniqueBytesReadPerRealization,
		s.InlinedCalls,
		s.WorkingSet,
		s.WorkingSetAtRoot,
		s.NumProducersInside,
	}
}

// StageFeatures pairs a stage with its schedule features.
type StageFeatures struct {
	Stage    *pipeline.Stage
	Inlined  bool
	Schedule ScheduleFeatures

	// atRoot marks stages produced directly at the root, whose working
	// set is the whole pipeline's and is only known once every block has
	// been featurized.
	atRoot bool
}

// Features are the schedule features of every scheduled stage of a loop
// nest.
type Features struct {
	stages []StageFeatures
	index  map[int]int
}

// Stages returns the features ordered by stage ID. Callers must not modify
// the result.
func (f *Features) Stages() []StageFeatures {
	return f.stages
}

// Get returns the features of the stage with the given ID.
func (f *Features) Get(stageID int) (*ScheduleFeatures, bool) {
	i, ok := f.index[stageID]
	if !ok {
		return nil, false
	}
	return &f.stages[i].Schedule, true
}

func (f *Features) Len() int {
	return len(f.stages)
}

// InlinedUse is the number of calls made to an inlined func by one block.
type InlinedUse struct {
	Func  *pipeline.Node
	Calls float64
}

// BlockFeatures are the features of everything computed inside one child of
// the root. They do not depend on the rest of the schedule, except through
// the producers of the block, so they can be memoized across states that
// share the block.
type BlockFeatures struct {
	StageIDs      []int
	Stages        []StageFeatures
	Inlined       []InlinedUse
	RealizedBytes float64
}

// BlockKey identifies memoized block features.
type BlockKey struct {
	// Block is the identity of the root child, preserved by
	// CopyWithFeatures.
	Block uint64

	// Producers hashes how the producers of the block are scheduled.
	Producers uint64
}

// FeatureCache memoizes block features. Lookup must treat an entry whose
// stage list differs from stageIDs as a miss.
type FeatureCache interface {
	Lookup(key BlockKey, stageIDs []int) (*BlockFeatures, bool)
	Put(key BlockKey, bf *BlockFeatures)
}

// ComputeFeatures featurizes every stage scheduled by this root. If cache
// is non-nil, block features are looked up and stored there.
func (n *Node) ComputeFeatures(cache FeatureCache) *Features {
	var blocks []*BlockFeatures
	for _, b := range n.children {
		stageIDs := b.blockStageIDs(n, nil)

		var key BlockKey
		if cache != nil {
			key = BlockKey{Block: b.featureKey, Producers: n.producersHash(b)}
			if bf, ok := cache.Lookup(key, stageIDs); ok {
				blocks = append(blocks, bf)
				continue
			}
		}

		bf := n.blockFeatures(b)
		bf.StageIDs = stageIDs
		if cache != nil {
			cache.Put(key, bf)
		}
		blocks = append(blocks, bf)
	}
	return assemble(blocks)
}

// blockStageIDs appends the IDs of the stages computed in this subtree in
// walk order. parent is the loop containing n.
func (n *Node) blockStageIDs(parent *Node, ids []int) []int {
	if parent.IsRoot() || parent.stage != n.stage {
		ids = append(ids, n.stage.ID)
	}
	for _, c := range n.children {
		ids = c.blockStageIDs(n, ids)
	}
	return ids
}

// producersHash summarizes how the funcs read by block b, but computed
// elsewhere, are placed at the root.
func (n *Node) producersHash(b *Node) uint64 {
	type producer struct {
		id        int
		vectorDim int
	}

	seen := make(map[*pipeline.Node]struct{})
	var producers []producer
	var visit func(*Node)
	visit = func(c *Node) {
		for _, e := range c.stage.Incoming {
			p := e.Producer
			if _, ok := seen[p]; ok || b.Computes(p) {
				continue
			}
			seen[p] = struct{}{}
			pr := producer{id: p.ID, vectorDim: -2}
			for _, rc := range n.children {
				if rc.fn == p {
					pr.vectorDim = rc.vectorDim
					break
				}
			}
			producers = append(producers, pr)
		}
		for _, cc := range c.children {
			visit(cc)
		}
	}
	visit(b)

	slices.SortFunc(producers, func(a, b producer) int { return a.id - b.id })
	var h uint64
	for _, p := range producers {
		hashCombine(&h, int64(p.id))
		hashCombine(&h, int64(p.vectorDim))
	}
	return h
}

// blockFeatures featurizes the block rooted at root child b.
func (n *Node) blockFeatures(b *Node) *BlockFeatures {
	bf := &BlockFeatures{}
	w := &featureWalk{
		bf:       bf,
		sites:    make(map[int]*Node),
		inside:   make(map[*Node]float64),
		counts:   make(map[*Node]float64),
		realized: make(map[*pipeline.Node]float64),
	}
	w.walk(b, []*Node{n})

	for i := range bf.Stages {
		site := w.sites[i]
		if site.IsRoot() {
			bf.Stages[i].atRoot = true
			continue
		}
		bf.Stages[i].Schedule.WorkingSet = w.inside[site]
		bf.Stages[i].Schedule.NumProducersInside = w.counts[site]
	}
	for _, bytes := range w.realized {
		bf.RealizedBytes += bytes
	}
	return bf
}

type featureWalk struct {
	bf *BlockFeatures

	// sites maps an index into bf.Stages to the loop the stage is
	// produced in.
	sites map[int]*Node

	// inside and counts hold the bytes and number of funcs realized inside
	// each loop.
	inside map[*Node]float64
	counts map[*Node]float64

	realized map[*pipeline.Node]float64
}

// walk featurizes node c, whose ancestors from the root are path, and
// returns the bytes and number of funcs realized in c's subtree.
func (w *featureWalk) walk(c *Node, path []*Node) (float64, float64) {
	parent := path[len(path)-1]
	var bytes, count float64

	if parent.IsRoot() || parent.stage != c.stage {
		sf := stageFeatures(c, path)
		if c.stage.Index == 0 {
			w.realized[c.fn] = sf.Schedule.BytesAtRealization
			bytes += sf.Schedule.BytesAtRealization
			count++
		}
		w.sites[len(w.bf.Stages)] = parent
		w.bf.Stages = append(w.bf.Stages, sf)
	}

	if len(c.inlined) > 0 {
		host := float64(1)
		for _, a := range path {
			host *= float64(a.Iterations())
		}
		host *= float64(c.Iterations())
		for _, f := range c.sortedInlined() {
			w.bf.Inlined = append(w.bf.Inlined, InlinedUse{
				Func:  f,
				Calls: float64(c.inlined[f]) * host,
			})
		}
	}

	path = append(path, c)
	for _, cc := range c.children {
		b, n := w.walk(cc, path)
		bytes += b
		count += n
	}
	w.inside[c] = bytes
	w.counts[c] = count
	return bytes, count
}

// stageFeatures featurizes the stage whose outermost loop is top.
func stageFeatures(top *Node, path []*Node) StageFeatures {
	f := top.fn
	stage := top.stage
	site := path[len(path)-1]
	bpp := float64(f.BytesPerPoint)

	productions := float64(1)
	outerPar := float64(1)
	store := -1
	for i, a := range path {
		productions *= float64(a.Iterations())
		if a.parallel {
			outerPar *= float64(a.Iterations())
		}
		if a.StoresAt(f) {
			store = i
		}
	}
	if store < 0 {
		store = len(path) - 1
	}
	realizations := float64(1)
	for _, a := range path[:store+1] {
		realizations *= float64(a.Iterations())
	}

	perProduction := float64(1)
	innermost, innermostPure := float64(1), float64(1)
	innerPar := float64(1)
	pureLoop := -1
	for i, l := range stage.Loops {
		if l.Pure() {
			pureLoop = i
			break
		}
	}
	leaf := top
	for c := top; c != nil; c = c.ownStageChild() {
		leaf = c
		perProduction *= float64(c.Iterations())
		if len(c.size) > 0 {
			innermost *= float64(c.size[0])
		}
		if pureLoop >= 0 {
			innermostPure *= float64(c.size[pureLoop])
		}
		if c.parallel {
			outerPar *= float64(c.Iterations())
			continue
		}
		for i, l := range stage.Loops {
			if l.Pure() {
				innerPar *= float64(c.size[i])
			}
		}
	}
	total := productions * perProduction

	s := ScheduleFeatures{
		NumRealizations:             realizations,
		NumProductions:              productions,
		PointsComputedPerProduction: perProduction,
		PointsComputedTotal:         total,
		PointsComputedMinimum:       float64(f.Points() * stage.ReductionPoints()),
		InnermostLoopExtent:         innermost,
		InnermostPureLoopExtent:     innermostPure,
		InnerParallelism:            innerPar,
		OuterParallelism:            outerPar,
		VectorSize:                  1,
		BytesAtRealization:          float64(product(path[store].Region(f))) * bpp,
		BytesAtRoot:                 float64(f.Points()) * bpp,
	}
	if leaf.vectorizedLoop >= 0 {
		vs := float64(max(f.VectorSize, 1))
		s.VectorSize = vs
		s.NumVectors = total / vs
	} else {
		s.NumScalars = total
	}

	produced := site.Region(f)
	s.BytesAtProduction = float64(product(produced)) * bpp
	for _, e := range stage.Incoming {
		if _, ok := leaf.inlined[e.Producer]; ok {
			continue
		}
		s.UniqueBytesReadPerRealization += float64(product(e.Region(produced))) *
			float64(e.Producer.BytesPerPoint)
	}

	return StageFeatures{Stage: stage, Schedule: s}
}

// assemble combines block features into the features of a whole schedule.
func assemble(blocks []*BlockFeatures) *Features {
	var realized float64
	calls := make(map[*pipeline.Node]float64)
	var order []*pipeline.Node
	for _, bf := range blocks {
		realized += bf.RealizedBytes
		for _, u := range bf.Inlined {
			if _, ok := calls[u.Func]; !ok {
				order = append(order, u.Func)
			}
			calls[u.Func] += u.Calls
		}
	}

	out := &Features{index: make(map[int]int)}
	for _, bf := range blocks {
		for _, sf := range bf.Stages {
			sf.Schedule.WorkingSetAtRoot = realized
			if sf.atRoot {
				sf.Schedule.WorkingSet = realized
			}
			out.stages = append(out.stages, sf)
		}
	}
	for _, f := range order {
		st := f.Stages[0]
		out.stages = append(out.stages, StageFeatures{
			Stage:   st,
			Inlined: true,
			Schedule: ScheduleFeatures{
				PointsComputedMinimum: float64(f.Points() * st.ReductionPoints()),
				BytesAtRoot:           float64(f.Points() * f.BytesPerPoint),
				InlinedCalls:          calls[f],
				WorkingSetAtRoot:      realized,
			},
		})
	}

	slices.SortStableFunc(out.stages, func(a, b StageFeatures) int {
		return a.Stage.ID - b.Stage.ID
	})
	for i, sf := range out.stages {
		out.index[sf.Stage.ID] = i
	}
	return out
}
