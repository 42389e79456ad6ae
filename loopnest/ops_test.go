// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package loopnest

import (
	"testing"

	"github.com/shoenig/test/must"
	"github.com/tilesched/tilesched/ci"
	"github.com/tilesched/tilesched/pipeline"
	"github.com/tilesched/tilesched/pipeline/mock"
)

// computeRoot places f at the root, vectorized over dim 0.
func computeRoot(t *testing.T, root *Node, f *pipeline.Node) *Node {
	t.Helper()
	p := DefaultParams()
	p.ComputeRootOnly = true
	opts := root.RealizeInTiles(f, 0, p)
	must.SliceNotEmpty(t, opts)
	return opts[0]
}

func TestRealizeInTiles_Output(t *testing.T) {
	ci.Parallel(t)

	g := mock.PointwisePair()
	out := g.NodeByName("out")

	opts := NewRoot().RealizeInTiles(out, 0, DefaultParams())
	must.Len(t, 1, opts)

	root := opts[0]
	must.True(t, root.StoresAt(out))
	must.Len(t, 1, root.Children())

	top := root.Children()[0]
	must.Eq(t, []int64{16, 64}, top.Size())
	must.False(t, top.Innermost())
	must.True(t, top.Tileable())
	must.Eq(t, 0, top.VectorizedLoop())

	must.Len(t, 1, top.Children())
	leaf := top.Children()[0]
	must.Eq(t, []int64{8, 1}, leaf.Size())
	must.True(t, leaf.Innermost())
	must.False(t, leaf.Tileable())
	must.Eq(t, 0.0, leaf.MaxIdleLaneWastage())
}

func TestRealizeInTiles_IdleLanes(t *testing.T) {
	ci.Parallel(t)

	g, err := pipeline.NewBuilder("odd").
		AddNode(&pipeline.NodeSpec{Name: "out", Extents: []int64{12}, Output: true}).
		Build()
	must.NoError(t, err)

	root := computeRoot(t, NewRoot(), g.Nodes[0])
	top := root.Children()[0]
	must.Eq(t, []int64{2}, top.Size())
	// 12 points in two vectors of 8 lanes.
	must.Eq(t, 0.25, root.MaxIdleLaneWastage())
}

func TestRealizeInTiles_Producer(t *testing.T) {
	ci.Parallel(t)

	g := mock.Blur()
	by, bx := g.NodeByName("blur_y"), g.NodeByName("blur_x")
	root := computeRoot(t, NewRoot(), by)

	opts := root.RealizeInTiles(bx, 0, DefaultParams())
	must.Greater(t, 2, len(opts))

	// The first option is always compute_root.
	must.True(t, opts[0].StoresAt(bx))
	must.Len(t, 2, opts[0].Children())

	for _, opt := range opts {
		must.True(t, opt.Computes(bx))
		must.True(t, opt.Computes(by))
		must.True(t, opt.Calls(bx))
	}

	// The original is untouched.
	must.False(t, root.Computes(bx))
	must.Len(t, 1, root.Children())
}

func TestRealizeInTiles_ComputeRootOnly(t *testing.T) {
	ci.Parallel(t)

	g := mock.Blur()
	root := computeRoot(t, NewRoot(), g.NodeByName("blur_y"))

	p := DefaultParams()
	p.ComputeRootOnly = true
	opts := root.RealizeInTiles(g.NodeByName("blur_x"), 1, p)
	must.Len(t, 1, opts)
	must.Eq(t, 1, opts[0].Children()[1].VectorizedLoop())
}

func TestRealizeInTiles_NoSubtile(t *testing.T) {
	ci.Parallel(t)

	g := mock.Chain(3)
	p := DefaultParams()
	p.MaySubtile = false

	root := NewRoot().RealizeInTiles(g.Nodes[0], 0, p)[0]
	for _, opt := range root.RealizeInTiles(g.Nodes[1], 0, p) {
		var check func(n *Node, depth int)
		check = func(n *Node, depth int) {
			if depth > 1 {
				must.False(t, n.Tileable())
			}
			for _, c := range n.Children() {
				check(c, depth+1)
			}
		}
		check(opt, 0)
	}
}

func TestRegion(t *testing.T) {
	ci.Parallel(t)

	g := mock.Blur()
	by, bx, in := g.NodeByName("blur_y"), g.NodeByName("blur_x"), g.NodeByName("input")
	root := computeRoot(t, NewRoot(), by)

	must.Eq(t, []int64{256, 258}, root.Region(bx))

	top := root.Children()[0]
	must.Eq(t, []int64{8, 1}, top.Region(by))
	must.Eq(t, []int64{8, 3}, top.Region(bx))

	// Nothing reads the input inside blur_y until blur_x is placed.
	must.Eq(t, []int64{0, 0}, top.Region(in))

	root = root.Inline(bx)
	top = root.Children()[0]
	must.Eq(t, []int64{10, 3}, top.Region(in))
}

func TestInline(t *testing.T) {
	ci.Parallel(t)

	g := mock.Blur()
	by, bx := g.NodeByName("blur_y"), g.NodeByName("blur_x")
	root := computeRoot(t, NewRoot(), by)

	inlined := root.Inline(bx)
	must.True(t, inlined.Computes(bx))
	must.Eq(t, int64(3), inlined.MaxInlinedCalls())

	leaf := inlined.Children()[0].Children()[0]
	calls, ok := leaf.InlinedCalls(bx)
	must.True(t, ok)
	must.Eq(t, int64(3), calls)

	// Calls through an inlined func multiply.
	twice := inlined.Inline(g.NodeByName("input"))
	leaf = twice.Children()[0].Children()[0]
	calls, ok = leaf.InlinedCalls(g.NodeByName("input"))
	must.True(t, ok)
	must.Eq(t, int64(9), calls)

	must.False(t, root.Computes(bx))
}

func TestParallelizeInTiles(t *testing.T) {
	ci.Parallel(t)

	g := mock.Blur()
	root := computeRoot(t, NewRoot(), g.NodeByName("blur_y"))
	top := root.Children()[0]

	outer := top.ParallelizeInTiles([]int64{4, 8}, DefaultParams())
	must.True(t, outer.Parallel())
	must.Eq(t, []int64{4, 8}, outer.Size())
	must.Len(t, 1, outer.Children())

	inner := outer.Children()[0]
	must.False(t, inner.Parallel())
	must.Eq(t, []int64{8, 32}, inner.Size())
	must.True(t, top.Children()[0] == inner.Children()[0])
	must.Eq(t, top.Iterations(), outer.Iterations()*inner.Iterations())
}

func TestParallelizeInTiles_Reduction(t *testing.T) {
	ci.Parallel(t)

	g := mock.Matmul(64)
	c := g.NodeByName("c")
	root := computeRoot(t, NewRoot(), c)

	update := root.Children()[1]
	must.True(t, c.Stages[1] == update.Stage())

	outer := update.ParallelizeInTiles([]int64{2, 4}, DefaultParams())
	must.Eq(t, []int64{2, 4, 1}, outer.Size())
	must.Eq(t, int64(64), outer.Children()[0].Size()[2])
}

func TestCopy(t *testing.T) {
	ci.Parallel(t)

	g := mock.Blur()
	by, bx := g.NodeByName("blur_y"), g.NodeByName("blur_x")
	root := computeRoot(t, NewRoot(), by).Inline(bx)

	for _, c := range []*Node{root.Copy(), root.CopyWithFeatures()} {
		must.Eq(t, root.String(), c.String())
		must.Eq(t, root.Computes(bx), c.Computes(bx))
		must.Eq(t, root.Calls(bx), c.Calls(bx))
		must.Eq(t, root.MaxInlinedCalls(), c.MaxInlinedCalls())
		must.Eq(t, root.MaxIdleLaneWastage(), c.MaxIdleLaneWastage())
		must.Eq(t, root.Region(bx), c.Region(bx))
		for depth := 0; depth < 4; depth++ {
			var h1, h2 uint64
			root.StructuralHash(depth, &h1)
			c.StructuralHash(depth, &h2)
			must.Eq(t, h1, h2)
		}
	}

	must.NotEq(t, root.featureKey, root.Copy().featureKey)
	must.Eq(t, root.featureKey, root.CopyWithFeatures().featureKey)
}

func TestDump(t *testing.T) {
	ci.Parallel(t)

	g := mock.PointwisePair()
	root := computeRoot(t, NewRoot(), g.NodeByName("out")).Inline(g.NodeByName("f"))

	exp := `realize: out
out 16 64
 out 8v 1
  inlined: f 1
`
	must.Eq(t, exp, root.String())
}
