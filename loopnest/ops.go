// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package loopnest

import (
	"math"
	"slices"

	"github.com/tilesched/tilesched/pipeline"
)

// Inline returns a copy of this subtree with f inlined into every innermost
// loop that calls it, directly or through other inlined funcs. The caller
// is responsible for only inlining single-stage funcs that are not
// outputs.
func (n *Node) Inline(f *pipeline.Node) *Node {
	r := n.Copy()
	for i, c := range r.children {
		if c.Calls(f) {
			r.children[i] = c.Inline(f)
		}
	}

	if r.innermost {
		var calls int64
		for _, e := range f.Outgoing {
			if host, ok := r.inlined[e.Consumer.Node]; ok {
				calls += host * e.Calls
			}
			if e.Consumer == r.stage {
				calls += e.Calls
			}
		}
		if calls > 0 {
			r.addInlined(f, calls)
		}
	}
	return r
}

// computeHere appends loops computing every stage of f, sized to the
// region of f needed by one iteration of n. Loops over pure dim v are
// vectorized: the loop counts vectors and a one-vector leaf holds the
// lanes. n must be unpublished.
func (n *Node) computeHere(f *pipeline.Node, tileable bool, v int, p Params) {
	region := n.Region(f)
	for _, st := range f.Stages {
		l := &Node{
			fn:             f,
			stage:          st,
			size:           make([]int64, len(st.Loops)),
			innermost:      true,
			tileable:       tileable && (n.IsRoot() || p.MaySubtile),
			vectorDim:      v,
			vectorizedLoop: -1,
			featureKey:     nextFeatureKey.Add(1),
		}
		for i, loop := range st.Loops {
			if loop.Pure() {
				l.size[i] = max(region[loop.PureDim], 1)
			} else {
				l.size[i] = loop.Extent
			}
		}

		if i := st.LoopForDim(v); f.Dimensions() > 0 && i >= 0 {
			vs := int64(max(f.VectorSize, 1))
			extent := l.size[i]
			vectors := ceilDiv(extent, vs)
			l.vectorizedLoop = i
			l.size[i] = vectors
			l.innermost = false

			leaf := &Node{
				fn:             f,
				stage:          st,
				size:           make([]int64, len(st.Loops)),
				innermost:      true,
				vectorDim:      v,
				vectorizedLoop: i,
				idleLanes:      float64(vectors*vs-extent) / float64(vectors*vs),
				featureKey:     nextFeatureKey.Add(1),
			}
			for j := range leaf.size {
				leaf.size[j] = 1
			}
			leaf.size[i] = vs
			l.children = append(l.children, leaf)
		}
		n.children = append(n.children, l)
	}
}

// split tiles this loop: the returned outer loop has the given extents and
// contains a single inner loop holding the remainder plus everything that
// was nested here before.
func (n *Node) split(outerExtents []int64, p Params) *Node {
	inner := &Node{
		fn:             n.fn,
		stage:          n.stage,
		size:           make([]int64, len(n.size)),
		children:       n.children,
		inlined:        n.inlined,
		storeAt:        n.storeAt,
		vectorDim:      n.vectorDim,
		vectorizedLoop: n.vectorizedLoop,
		innermost:      n.innermost,
		tileable:       n.tileable && p.MaySubtile,
		featureKey:     nextFeatureKey.Add(1),
	}
	// inner is published through outer without further edits, so sharing
	// the maps and children with n is safe.
	outer := &Node{
		fn:             n.fn,
		stage:          n.stage,
		size:           make([]int64, len(n.size)),
		children:       []*Node{inner},
		vectorDim:      n.vectorDim,
		vectorizedLoop: n.vectorizedLoop,
		tileable:       n.tileable && p.MaySubtile,
		parallel:       n.parallel,
		featureKey:     nextFeatureKey.Add(1),
	}
	for i, s := range n.size {
		o := min(max(outerExtents[i], 1), s)
		outer.size[i] = o
		inner.size[i] = ceilDiv(s, o)
	}
	return outer
}

// RealizeInTiles returns every candidate placement of f inside this loop
// nest, vectorized over pure dim v: computed at this level, computed at
// the outer loop of a tiling of this loop, or pushed into the one child
// that consumes f. The receiver is normally the root. An empty result
// means there is no legal placement.
func (n *Node) RealizeInTiles(f *pipeline.Node, v int, p Params) []*Node {
	return n.computeInTiles(f, nil, v, p)
}

func (n *Node) computeInTiles(f *pipeline.Node, parent *Node, v int, p Params) []*Node {
	var result []*Node

	if parent != nil {
		here := n.Region(f)
		atParent := parent.Region(f)

		// Don't descend into loops that break vectorization if we could
		// have vectorized one level up.
		if v >= 0 && v < len(here) {
			vs := int64(f.VectorSize)
			if atParent[v] >= vs && here[v] < vs {
				return nil
			}
		}

		// Don't descend into loops if the region required doesn't shrink.
		if product(here) >= product(atParent) {
			return nil
		}
	}

	child := -1
	multiple := false
	for i, c := range n.children {
		if c.Calls(f) {
			if child != -1 {
				multiple = true
			}
			child = i
		}
	}

	if !n.innermost {
		r := n.Copy()
		r.computeHere(f, true, v, p)
		r.addStoreAt(f)
		result = append(result, r)
	}

	if f.Output || p.ComputeRootOnly {
		return result
	}

	if n.tileable && len(n.size) > 0 {
		for _, t := range GenerateTilings(n.size, len(n.size)-1, 2, true) {
			if n.parallel && idleCores(n.stage, t, p.Parallelism) > p.IdleCoreThreshold {
				continue
			}
			outer := n.split(t, p)
			outer.computeHere(f, true, v, p)
			result = append(result, outer)
		}
	}

	if child >= 0 && !multiple && (p.MaySubtile || n.IsRoot()) {
		c := n.children[child]
		ones := 0
		for _, s := range c.size {
			if s == 1 {
				ones++
			}
		}
		// Don't fuse into serial root loops, or f could never be
		// parallelized.
		if !(n.IsRoot() && ones == len(c.size) && p.Parallelism > 1) {
			for _, opt := range c.computeInTiles(f, n, v, p) {
				r := n.Copy()
				r.children[child] = opt
				result = append(result, r)
			}
		}
	}
	return result
}

// idleCores returns the ratio of core slots to useful tasks when the pure
// loops of stage are split into t outer iterations.
func idleCores(stage *pipeline.Stage, t []int64, parallelism int) float64 {
	if parallelism <= 1 {
		return 1
	}
	total := int64(1)
	for i, l := range stage.Loops {
		if l.Pure() {
			total *= t[i]
		}
	}
	tasksPerCore := float64(total) / float64(parallelism)
	return math.Ceil(tasksPerCore) / tasksPerCore
}

// ParallelizeInTiles splits this loop so that its outer loop runs the given
// number of parallel tasks per pure dimension. Reduction loops stay
// entirely in the inner loop.
func (n *Node) ParallelizeInTiles(tiling []int64, p Params) *Node {
	t := make([]int64, len(n.size))
	for i, l := range n.stage.Loops {
		t[i] = 1
		if l.Pure() && l.PureDim < len(tiling) {
			t[i] = tiling[l.PureDim]
		}
	}
	outer := n.split(t, p)
	outer.parallel = true
	outer.tileable = p.MaySubtile
	outer.children[0].parallel = false
	return outer
}

// Blocks returns the root loops computing f, one per stage, or nil if f is
// not computed at the root.
func (n *Node) Blocks(f *pipeline.Node) []*Node {
	var out []*Node
	for _, c := range n.children {
		if c.fn == f {
			out = append(out, c)
		}
	}
	return out
}

// ReplaceBlocks returns a copy of this root with the root loops of f
// replaced by blocks, and f stored at the root. If f is not computed at
// the root the blocks are appended.
func (n *Node) ReplaceBlocks(f *pipeline.Node, blocks []*Node) *Node {
	r := n.Copy()
	r.children = r.children[:0:0]
	placed := false
	for _, c := range n.children {
		if c.fn != f {
			r.children = append(r.children, c)
			continue
		}
		if !placed {
			r.children = append(r.children, blocks...)
			placed = true
		}
	}
	if !placed {
		r.children = append(r.children, blocks...)
	}
	r.addStoreAt(f)
	return r
}

// InlinedFuncs returns every func inlined anywhere in this subtree, ordered
// by ID.
func (n *Node) InlinedFuncs() []*pipeline.Node {
	seen := make(map[*pipeline.Node]struct{})
	var out []*pipeline.Node
	var walk func(*Node)
	walk = func(c *Node) {
		for _, f := range c.sortedInlined() {
			if _, ok := seen[f]; !ok {
				seen[f] = struct{}{}
				out = append(out, f)
			}
		}
		for _, cc := range c.children {
			walk(cc)
		}
	}
	walk(n)
	slices.SortFunc(out, byID)
	return out
}
