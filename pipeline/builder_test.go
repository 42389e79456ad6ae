// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package pipeline

import (
	"errors"
	"testing"

	"github.com/hashicorp/go-multierror"
	"github.com/shoenig/test/must"
	"github.com/tilesched/tilesched/ci"
	"github.com/tilesched/tilesched/helper/pointer"
)

func TestBuild_ScheduleOrder(t *testing.T) {
	ci.Parallel(t)

	// Declared producers first on purpose; the graph must come out
	// consumers first.
	g, err := NewBuilder("order").
		AddNode(&NodeSpec{Name: "input", Extents: []int64{16}, Input: true}).
		AddNode(&NodeSpec{Name: "f", Extents: []int64{16}}).
		AddNode(&NodeSpec{Name: "out", Extents: []int64{16}, Output: true}).
		Pointwise("input", "f").
		Pointwise("f", "out").
		Build()
	must.NoError(t, err)

	names := make([]string, 0, len(g.Nodes))
	for i, n := range g.Nodes {
		must.Eq(t, i, n.ID)
		names = append(names, n.Name)
	}
	must.Eq(t, []string{"out", "f", "input"}, names)

	for _, e := range g.Edges {
		must.Greater(t, e.Consumer.Node.ID, e.Producer.ID)
	}
}

func TestBuild_Defaults(t *testing.T) {
	ci.Parallel(t)

	g, err := NewBuilder("defaults").
		AddNode(&NodeSpec{Name: "out", Extents: []int64{32, 8}, Output: true}).
		Build()
	must.NoError(t, err)

	n := g.Nodes[0]
	must.Eq(t, int64(DefaultBytesPerPoint), n.BytesPerPoint)
	must.Eq(t, NativeVectorBytes/DefaultBytesPerPoint, n.VectorSize)
	must.Len(t, 1, n.Stages)
	must.Len(t, 2, n.Stages[0].Loops)
	must.Eq(t, 0, n.Stages[0].Loops[0].PureDim)
	must.Eq(t, 1, n.Stages[0].Loops[1].PureDim)
	must.Eq(t, "out", n.Stages[0].Name)
}

func TestBuild_StageIDs(t *testing.T) {
	ci.Parallel(t)

	g, err := NewBuilder("stages").
		AddNode(&NodeSpec{
			Name:    "out",
			Extents: []int64{8},
			Output:  true,
			Stages: []*StageSpec{
				{},
				{Loops: []*LoopSpec{{Name: "x", Dim: pointer.Of(0)}, {Name: "r", Extent: 4}}},
			},
		}).
		AddNode(&NodeSpec{Name: "in", Extents: []int64{8}, Input: true}).
		AddEdge(&EdgeSpec{Producer: "in", Consumer: "out", Stage: 1}).
		Build()
	must.NoError(t, err)

	must.Eq(t, 3, g.NumStages())
	for i, s := range g.Stages() {
		must.Eq(t, i, s.ID)
		must.Eq(t, s, g.Stage(i))
	}
	update := g.Nodes[0].Stages[1]
	must.Eq(t, "out.update(0)", update.Name)
	must.Eq(t, int64(4), update.ReductionPoints())
	must.Eq(t, 0, update.LoopForDim(0))
	must.Eq(t, -1, update.LoopForDim(1))
	must.Len(t, 1, update.Incoming)
}

func TestBuild_ValidationCollectsErrors(t *testing.T) {
	ci.Parallel(t)

	spec := &Spec{
		Nodes: []*NodeSpec{
			{Name: "a", Extents: []int64{0}},
			{Name: "a", Extents: []int64{4}},
		},
		Edges: []*EdgeSpec{
			{Producer: "missing", Consumer: "a"},
		},
	}
	_, err := Build(spec)
	must.Error(t, err)

	var mErr *multierror.Error
	must.True(t, errors.As(err, &mErr))
	// zero extent, duplicate node, no output, unknown producer
	must.Len(t, 4, mErr.Errors)
}

func TestBuild_Cycle(t *testing.T) {
	ci.Parallel(t)

	_, err := NewBuilder("cycle").
		AddNode(&NodeSpec{Name: "a", Extents: []int64{4}, Output: true}).
		AddNode(&NodeSpec{Name: "b", Extents: []int64{4}}).
		Pointwise("a", "b").
		Pointwise("b", "a").
		Build()
	must.ErrorIs(t, err, ErrCycle)
}

func TestBuild_Fingerprint(t *testing.T) {
	ci.Parallel(t)

	build := func(extent int64) *Graph {
		g, err := NewBuilder("fp").
			AddNode(&NodeSpec{Name: "out", Extents: []int64{extent}, Output: true}).
			Build()
		must.NoError(t, err)
		return g
	}
	must.Eq(t, build(64).Fingerprint, build(64).Fingerprint)
	must.NotEq(t, build(64).Fingerprint, build(65).Fingerprint)
}

func TestEdge_Region(t *testing.T) {
	ci.Parallel(t)

	producer := &Node{Name: "p", Extents: []int64{100, 50, 7}}
	e := &Edge{
		Producer: producer,
		Footprint: []Access{
			{Dim: 0, Stride: 2, Divisor: 1, Halo: 1},
			{Dim: 1, Stride: 1, Divisor: 2},
			{Dim: -1},
		},
	}

	testCases := []struct {
		name     string
		consumer []int64
		exp      []int64
	}{
		{name: "interior", consumer: []int64{10, 10}, exp: []int64{21, 5, 7}},
		{name: "clamped", consumer: []int64{80, 200}, exp: []int64{100, 50, 7}},
		{name: "single point", consumer: []int64{1, 1}, exp: []int64{3, 1, 7}},
		{name: "empty", consumer: []int64{0, 4}, exp: []int64{0, 0, 0}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			must.Eq(t, tc.exp, e.Region(tc.consumer))
		})
	}
}
