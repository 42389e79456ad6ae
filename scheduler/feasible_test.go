// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package scheduler

import (
	"testing"

	"github.com/shoenig/test/must"
	"github.com/tilesched/tilesched/ci"
	"github.com/tilesched/tilesched/loopnest"
	"github.com/tilesched/tilesched/pipeline"
	"github.com/tilesched/tilesched/pipeline/mock"
)

// rootState places the named funcs at the root, in order, and returns a
// state holding the result.
func rootState(t *testing.T, g *pipeline.Graph, names ...string) *State {
	t.Helper()
	p := loopnest.DefaultParams()
	p.ComputeRootOnly = true

	s := NewState()
	for _, name := range names {
		f := g.NodeByName(name)
		must.NotNil(t, f)
		opts := s.root.RealizeInTiles(f, 0, p)
		must.SliceNotEmpty(t, opts)
		s = s.MakeChild()
		s.root = opts[0]
	}
	return s
}

func TestRecomputeChecker(t *testing.T) {
	ci.Parallel(t)

	g := mock.Blur()
	s := rootState(t, g, "blur_y")
	s.root = s.root.Inline(g.NodeByName("blur_x"))
	features := s.root.ComputeFeatures(nil)

	// blur_x is evaluated three times per point of blur_y.
	must.Eq(t, "", NewRecomputeChecker(8).Feasible(s, features))
	reason := NewRecomputeChecker(2).Feasible(s, features)
	must.StrContains(t, reason, "stage blur_x")
	must.StrContains(t, reason, "196608 points")
}

func TestInlineChecker(t *testing.T) {
	ci.Parallel(t)

	g := mock.PointwisePair()
	s := rootState(t, g, "out")
	features := s.root.ComputeFeatures(nil)
	must.Eq(t, "", NewInlineChecker(1).Feasible(s, features))

	s.root = s.root.Inline(g.NodeByName("f"))
	features = s.root.ComputeFeatures(nil)
	must.Eq(t, "", NewInlineChecker(2).Feasible(s, features))
	must.Eq(t, "1 inlined calls in one loop body", NewInlineChecker(1).Feasible(s, features))
}

func TestMemoryChecker(t *testing.T) {
	ci.Parallel(t)

	g := mock.Reduction()

	// Outputs do not count towards the limit.
	s := rootState(t, g, "out")
	features := s.root.ComputeFeatures(nil)
	must.Eq(t, "", NewMemoryChecker(0).Feasible(s, features))

	s = rootState(t, g, "out", "sum")
	features = s.root.ComputeFeatures(nil)

	cases := []struct {
		name   string
		limit  int64
		reason string
	}{
		{name: "disabled", limit: -1},
		{name: "fits", limit: 1 << 20},
		{name: "exact", limit: 128 * 128 * 4},
		{
			name:   "zero",
			limit:  0,
			reason: "working set of 64 KiB exceeds the limit of 0 B",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			must.Eq(t, tc.reason, NewMemoryChecker(tc.limit).Feasible(s, features))
		})
	}
}

func TestCalculateCost_Pruned(t *testing.T) {
	ci.Parallel(t)

	g := mock.PointwisePair()
	ctx := testContext(t, g)
	ctx.checkers = append(ctx.checkers, NewInlineChecker(1))

	s := rootState(t, g, "out")
	s.root = s.root.Inline(g.NodeByName("f"))
	must.False(t, s.CalculateCost(ctx))
	must.Eq(t, InfeasibleCost, s.Cost())
	must.Nil(t, s.Features())
	must.Eq(t, uint64(1), ctx.Stats().Pruned)
	must.Eq(t, uint64(0), ctx.Stats().Enqueued)
}
