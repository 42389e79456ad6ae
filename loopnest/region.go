// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package loopnest

import "github.com/tilesched/tilesched/pipeline"

// Region returns the region of f needed by a single iteration of this loop.
//
// At the root this is the full region of f. For a loop of f itself it is
// the block of points covered by the loops nested inside it. Otherwise it
// is the union (as a bounding box) of the footprints of f's consumers that
// execute inside this loop. A dimension of zero means f is not needed here.
func (n *Node) Region(f *pipeline.Node) []int64 {
	return n.region(f, make(map[*pipeline.Node][]int64))
}

func (n *Node) region(f *pipeline.Node, memo map[*pipeline.Node][]int64) []int64 {
	if n.IsRoot() {
		return append([]int64(nil), f.Extents...)
	}
	if r, ok := memo[f]; ok {
		return r
	}

	var out []int64
	if f == n.fn {
		out = n.ownRegion()
	} else {
		out = make([]int64, f.Dimensions())
		for _, e := range f.Outgoing {
			var consumer []int64
			c := e.Consumer
			switch {
			case c == n.stage:
				consumer = n.ownRegion()
			case c.Node != n.fn && n.Computes(c.Node):
				consumer = n.region(c.Node, memo)
			default:
				continue
			}
			for i, r := range e.Region(consumer) {
				out[i] = max(out[i], r)
			}
		}
	}
	memo[f] = out
	return out
}

// ownRegion is the region of this loop's func covered by one iteration of
// the loop, derived from the sizes of the stage's inner loops.
func (n *Node) ownRegion() []int64 {
	out := make([]int64, n.fn.Dimensions())
	for i := range out {
		out[i] = 1
	}
	for c := n.ownStageChild(); c != nil; c = c.ownStageChild() {
		for i, l := range n.stage.Loops {
			if l.Pure() {
				out[l.PureDim] *= c.size[i]
			}
		}
	}
	return out
}

func product(v []int64) int64 {
	p := int64(1)
	for _, x := range v {
		p *= x
	}
	return p
}
