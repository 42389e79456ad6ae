// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package scheduler

import (
	"errors"
	"math"

	"github.com/tilesched/tilesched/costmodel"
	"github.com/tilesched/tilesched/loopnest"
	"github.com/tilesched/tilesched/pipeline"
)

// InfeasibleCost is the cost of a state rejected by a feasibility check.
// Such states are never selected but still compare with other states.
const InfeasibleCost = math.MaxFloat64

// State is one node of the search tree: a partial schedule and the
// decisions that led to it. A state is immutable once its cost has been
// resolved, and shares its loop nest with its parent wherever the last
// decision left it unchanged.
type State struct {
	parent    *State
	root      *loopnest.Node
	decisions int

	cost       float64
	stageCosts []float64
	features   *loopnest.Features
	handle     *costmodel.Handle

	// penalized is set once the beam has penalized the state for being
	// structurally similar to states already expanded.
	penalized bool
}

// NewState returns the root of a search: an empty schedule with no
// decisions made.
func NewState() *State {
	return &State{root: loopnest.NewRoot()}
}

// MakeChild returns a state one decision deeper that shares the receiver's
// loop nest until the caller replaces it.
func (s *State) MakeChild() *State {
	return &State{
		parent:    s,
		root:      s.root,
		decisions: s.decisions + 1,
	}
}

func (s *State) Parent() *State               { return s.parent }
func (s *State) Root() *loopnest.Node         { return s.root }
func (s *State) Decisions() int               { return s.decisions }
func (s *State) Penalized() bool              { return s.penalized }
func (s *State) Features() *loopnest.Features { return s.features }

// Cost returns the predicted cost of the schedule. It is only valid once
// the oracle has evaluated the state.
func (s *State) Cost() float64 {
	return s.cost
}

// StageCosts returns the predicted cost of each stage, aligned with
// Features().Stages().
func (s *State) StageCosts() []float64 {
	return s.stageCosts
}

// IsTerminal returns true once every func of g has been placed and
// parallelized.
func (s *State) IsTerminal(g *pipeline.Graph) bool {
	return s.decisions == 2*len(g.Nodes)
}

// StructuralHash hashes the shape of the schedule to the given depth,
// seeded with the number of decisions made.
func (s *State) StructuralHash(depth int) uint64 {
	h := uint64(s.decisions)
	s.root.StructuralHash(depth, &h)
	return h
}

// CalculateCost featurizes the schedule and checks it against the hard
// feasibility constraints. A feasible state is queued on the oracle and
// true is returned; its cost is resolved after the oracle's next
// evaluation. An infeasible state gets InfeasibleCost.
func (s *State) CalculateCost(ctx *SearchContext) bool {
	var cache loopnest.FeatureCache
	if ctx.Features != nil {
		cache = ctx.Features
	}
	features := s.root.ComputeFeatures(cache)

	for _, checker := range ctx.checkers {
		if reason := checker.Feasible(s, features); reason != "" {
			ctx.stats.Pruned++
			ctx.logger.Trace("pruned candidate", "decisions", s.decisions, "reason", reason)
			s.cost = InfeasibleCost
			s.features = nil
			s.handle = nil
			return false
		}
	}

	s.features = features
	s.handle = ctx.Oracle.Enqueue(features.Stages())
	ctx.stats.Enqueued++
	return true
}

// resolve copies the evaluated cost out of the oracle handle. States that
// were never enqueued keep their cost.
func (s *State) resolve() {
	if s.handle == nil {
		return
	}
	s.cost = s.handle.Cost()
	s.stageCosts = s.handle.StageCosts()
	s.handle = nil
}

// ErrIncomplete is returned when a partial schedule is rendered.
var ErrIncomplete = errors.New("schedule is not complete")

// ApplySchedule hands a finished schedule to a renderer.
func (s *State) ApplySchedule(ctx *SearchContext, r Renderer) error {
	if !s.IsTerminal(ctx.Graph) {
		return ErrIncomplete
	}
	return r.Render(NewScheduleDoc(ctx, s))
}
