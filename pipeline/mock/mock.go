// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package mock provides small canned pipelines for tests.
package mock

import (
	"fmt"

	"github.com/tilesched/tilesched/pipeline"
)

func dim(d int) *int {
	return &d
}

func must(g *pipeline.Graph, err error) *pipeline.Graph {
	if err != nil {
		panic(err)
	}
	return g
}

// PointwisePair is a pointwise func "f" feeding a pointwise output "out".
func PointwisePair() *pipeline.Graph {
	return must(pipeline.NewBuilder("pointwise_pair").
		AddNode(&pipeline.NodeSpec{Name: "out", Extents: []int64{128, 64}, Output: true, Pointwise: true}).
		AddNode(&pipeline.NodeSpec{Name: "f", Extents: []int64{128, 64}, Pointwise: true}).
		Pointwise("f", "out").
		Build())
}

// Chain is a linear chain of n funcs ending in an output, with a small
// stencil between each pair so that nothing is trivially inlined.
func Chain(n int) *pipeline.Graph {
	b := pipeline.NewBuilder(fmt.Sprintf("chain_%d", n))
	name := func(i int) string {
		if i == 0 {
			return "out"
		}
		return fmt.Sprintf("f%d", i)
	}
	for i := 0; i < n; i++ {
		b.AddNode(&pipeline.NodeSpec{Name: name(i), Extents: []int64{256, 128}, Output: i == 0})
	}
	for i := 1; i < n; i++ {
		b.AddEdge(&pipeline.EdgeSpec{
			Producer: name(i),
			Consumer: name(i - 1),
			Calls:    3,
			Access: []*pipeline.AccessSpec{
				{Dim: dim(0), Halo: 2},
				{Dim: dim(1)},
			},
		})
	}
	return must(b.Build())
}

// Blur is the classic separable 3x3 box blur over an input image.
func Blur() *pipeline.Graph {
	return must(pipeline.NewBuilder("blur").
		AddNode(&pipeline.NodeSpec{Name: "blur_y", Extents: []int64{256, 256}, Output: true}).
		AddNode(&pipeline.NodeSpec{Name: "blur_x", Extents: []int64{256, 258}}).
		AddNode(&pipeline.NodeSpec{Name: "input", Extents: []int64{258, 258}, Input: true}).
		AddEdge(&pipeline.EdgeSpec{
			Producer: "blur_x", Consumer: "blur_y", Calls: 3,
			Access: []*pipeline.AccessSpec{{Dim: dim(0)}, {Dim: dim(1), Halo: 2}},
		}).
		AddEdge(&pipeline.EdgeSpec{
			Producer: "input", Consumer: "blur_x", Calls: 3,
			Access: []*pipeline.AccessSpec{{Dim: dim(0), Halo: 2}, {Dim: dim(1)}},
		}).
		Build())
}

// Reduction is a func with an update stage (a reduction over r) consumed
// pointwise by the output. The two-stage func can never be inlined.
func Reduction() *pipeline.Graph {
	return must(pipeline.NewBuilder("reduction").
		AddNode(&pipeline.NodeSpec{Name: "out", Extents: []int64{128, 128}, Output: true, Pointwise: true}).
		AddNode(&pipeline.NodeSpec{
			Name:    "sum",
			Extents: []int64{128, 128},
			Stages: []*pipeline.StageSpec{
				{OpsPerPoint: 1},
				{
					OpsPerPoint: 2,
					Loops: []*pipeline.LoopSpec{
						{Name: "x", Dim: dim(0)},
						{Name: "y", Dim: dim(1)},
						{Name: "r", Extent: 16},
					},
				},
			},
		}).
		AddNode(&pipeline.NodeSpec{Name: "input", Extents: []int64{128, 143}, Input: true}).
		Pointwise("sum", "out").
		AddEdge(&pipeline.EdgeSpec{
			Producer: "input", Consumer: "sum", Stage: 1,
			Access: []*pipeline.AccessSpec{{Dim: dim(0)}, {Dim: dim(1), Halo: 15}},
		}).
		Build())
}

// Diamond has one producer consumed by two siblings that both feed the
// output, so the producer can never be pushed into a single consumer.
func Diamond() *pipeline.Graph {
	return must(pipeline.NewBuilder("diamond").
		AddNode(&pipeline.NodeSpec{Name: "out", Extents: []int64{128, 128}, Output: true}).
		AddNode(&pipeline.NodeSpec{Name: "left", Extents: []int64{130, 128}}).
		AddNode(&pipeline.NodeSpec{Name: "right", Extents: []int64{128, 130}}).
		AddNode(&pipeline.NodeSpec{Name: "src", Extents: []int64{130, 130}}).
		AddEdge(&pipeline.EdgeSpec{
			Producer: "left", Consumer: "out", Calls: 2,
			Access: []*pipeline.AccessSpec{{Dim: dim(0), Halo: 2}, {Dim: dim(1)}},
		}).
		AddEdge(&pipeline.EdgeSpec{
			Producer: "right", Consumer: "out", Calls: 2,
			Access: []*pipeline.AccessSpec{{Dim: dim(0)}, {Dim: dim(1), Halo: 2}},
		}).
		Pointwise("src", "left").
		Pointwise("src", "right").
		Build())
}

// Matmul multiplies two inputs with a reduction over k.
func Matmul(n int64) *pipeline.Graph {
	return must(pipeline.NewBuilder("matmul").
		AddNode(&pipeline.NodeSpec{
			Name:    "c",
			Extents: []int64{n, n},
			Output:  true,
			Stages: []*pipeline.StageSpec{
				{OpsPerPoint: 1},
				{
					OpsPerPoint: 2,
					Loops: []*pipeline.LoopSpec{
						{Name: "x", Dim: dim(0)},
						{Name: "y", Dim: dim(1)},
						{Name: "k", Extent: n},
					},
				},
			},
		}).
		AddNode(&pipeline.NodeSpec{Name: "a", Extents: []int64{n, n}, Input: true}).
		AddNode(&pipeline.NodeSpec{Name: "b", Extents: []int64{n, n}, Input: true}).
		AddEdge(&pipeline.EdgeSpec{
			Producer: "a", Consumer: "c", Stage: 1,
			Access: []*pipeline.AccessSpec{{}, {Dim: dim(1)}},
		}).
		AddEdge(&pipeline.EdgeSpec{
			Producer: "b", Consumer: "c", Stage: 1,
			Access: []*pipeline.AccessSpec{{Dim: dim(0)}, {}},
		}).
		Build())
}
