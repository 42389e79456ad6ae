// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package scheduler

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/shoenig/test/must"
	"github.com/tilesched/tilesched/ci"
	"github.com/tilesched/tilesched/config"
	"github.com/tilesched/tilesched/helper/pointer"
	"github.com/tilesched/tilesched/pipeline/mock"
)

func mctsOptions(o *config.Options) {
	o.Driver = config.DriverMCTS
	o.MCTS = &config.MCTS{
		Iterations:    8,
		MinIterations: 2,
		RolloutLength: pointer.Of(2),
	}
}

func TestMCTS_Run(t *testing.T) {
	ci.Parallel(t)

	ctx, best := testSearch(t, mock.Blur(), mctsOptions)
	must.True(t, best.IsTerminal(ctx.Graph))
	must.Positive(t, best.Cost())

	for s := best; s.Parent() != nil; s = s.Parent() {
		must.Eq(t, s.Parent().Decisions()+1, s.Decisions())
	}
}

func TestMCTS_Deterministic(t *testing.T) {
	ci.Parallel(t)

	_, a := testSearch(t, mock.Chain(3), mctsOptions)
	_, b := testSearch(t, mock.Chain(3), mctsOptions)
	must.Eq(t, a.Cost(), b.Cost())
	must.Eq(t, a.Root().String(), b.Root().String())
}

func TestMCTS_Beam(t *testing.T) {
	ci.Parallel(t)

	ctx, best := testSearch(t, mock.Blur(), mctsOptions, func(o *config.Options) {
		o.MCTS.BeamSize = 3
	})
	must.True(t, best.IsTerminal(ctx.Graph))
}

func TestMCTS_NoSchedule(t *testing.T) {
	ci.Parallel(t)

	ctx := testContext(t, mock.Reduction(), mctsOptions, func(o *config.Options) {
		o.MemoryLimit = "0"
	})
	_, err := Search(context.Background(), ctx)
	must.True(t, errors.Is(err, ErrNoSchedule))
	must.ErrorContains(t, err, "after 2 decisions")
}

func TestMCTS_Backpropagate(t *testing.T) {
	ci.Parallel(t)

	m := NewMCTS(testContext(t, mock.Blur()))
	root := m.newNode(NewState(), -1)
	child := m.newNode(NewState().MakeChild(), root)
	leaf := m.newNode(NewState().MakeChild().MakeChild(), child)

	m.backpropagate(leaf, 4, 10)
	for _, i := range []int{root, child, leaf} {
		must.Eq(t, 1, m.nodes[i].visits)
		must.Eq(t, 4, m.nodes[i].maxDepth)
		must.Eq(t, 10.0, m.nodes[i].minCost)
	}

	// A costlier result at the same depth only counts visits.
	m.backpropagate(leaf, 4, 20)
	must.Eq(t, 10.0, m.nodes[root].minCost)
	must.Eq(t, 2, m.nodes[root].visits)

	// A deeper result wins even if it is costlier.
	m.backpropagate(leaf, 5, 30)
	must.Eq(t, 5, m.nodes[root].maxDepth)
	must.Eq(t, 30.0, m.nodes[root].minCost)

	// Propagation stops at the first node that does not improve.
	m.nodes[child].minCost = 1
	m.backpropagate(leaf, 5, 2)
	must.Eq(t, 2.0, m.nodes[leaf].minCost)
	must.Eq(t, 1.0, m.nodes[child].minCost)
	must.Eq(t, 30.0, m.nodes[root].minCost)
	must.Eq(t, 4, m.nodes[root].visits)
}

func TestMCTS_SelectChild(t *testing.T) {
	ci.Parallel(t)

	ctx := testContext(t, mock.Blur())
	ctx.Opts.MCTS.ExplorationPercent = pointer.Of(0)
	m := NewMCTS(ctx)
	root := m.newNode(NewState(), -1)
	cheap := m.newNode(NewState().MakeChild(), root)
	costly := m.newNode(NewState().MakeChild(), root)
	m.nodes[root].children = []int{cheap, costly}
	m.nodes[root].expanded = true

	// Unvisited children are tried first.
	must.Eq(t, cheap, m.selectChild(root))

	m.backpropagate(cheap, 2, 1)
	must.Eq(t, costly, m.selectChild(root))

	m.backpropagate(costly, 2, 100)
	for i := 0; i < 10; i++ {
		m.backpropagate(cheap, 2, 1)
		m.backpropagate(costly, 2, 100)
	}
	must.Eq(t, cheap, m.selectChild(root))
	must.False(t, math.IsInf(m.nodes[root].minCost, 1))
}

func TestMCTS_ExplorationFallsWithDepth(t *testing.T) {
	ci.Parallel(t)

	ctx := testContext(t, mock.Blur())
	ctx.Opts.MCTS.ExplorationPercent = pointer.Of(60)
	m := NewMCTS(ctx)

	total := 2 * len(ctx.Graph.Nodes)
	must.Eq(t, 60, m.explorationPercent(0))
	must.Eq(t, 30, m.explorationPercent(total/2))
	must.Eq(t, 0, m.explorationPercent(total))

	prev := 100
	for d := 0; d <= total; d++ {
		pct := m.explorationPercent(d)
		must.LessEq(t, prev, pct)
		prev = pct
	}

	// With exploration off even the root is never explored randomly.
	ctx.Opts.MCTS.ExplorationPercent = pointer.Of(0)
	must.Eq(t, 0, m.explorationPercent(0))
}

func TestMCTS_Commit(t *testing.T) {
	ci.Parallel(t)

	m := NewMCTS(testContext(t, mock.Blur()))
	root := m.newNode(NewState(), -1)

	shallow := m.newNode(NewState().MakeChild(), root)
	deep := m.newNode(NewState().MakeChild(), root)
	cheap := m.newNode(NewState().MakeChild(), root)
	m.nodes[root].children = []int{shallow, deep, cheap}

	m.nodes[shallow].maxDepth, m.nodes[shallow].minCost = 2, 1
	m.nodes[deep].maxDepth, m.nodes[deep].minCost = 4, 50
	m.nodes[cheap].maxDepth, m.nodes[cheap].minCost = 4, 5

	must.Eq(t, []int{cheap}, m.commit([]int{root}, 1))

	// Children with the same shape are only kept once.
	must.Eq(t, []int{cheap}, m.commit([]int{root}, 3))
}
