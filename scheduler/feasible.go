// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package scheduler

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/tilesched/tilesched/loopnest"
)

// FeasibilityChecker is a hard constraint on schedules. Candidates that
// fail any checker are dropped without being costed.
type FeasibilityChecker interface {
	// Feasible returns an empty string if the state may be costed, or the
	// reason it is rejected.
	Feasible(s *State, features *loopnest.Features) string
}

// RecomputeChecker rejects schedules that compute a stage, including the
// calls to it when it is inlined, many more times than it has points.
type RecomputeChecker struct {
	factor float64
}

func NewRecomputeChecker(factor float64) *RecomputeChecker {
	return &RecomputeChecker{factor: factor}
}

func (c *RecomputeChecker) Feasible(_ *State, features *loopnest.Features) string {
	for _, sf := range features.Stages() {
		if sf.Stage.Node.Wrapper {
			continue
		}
		f := &sf.Schedule
		if f.PointsComputedTotal+f.InlinedCalls > c.factor*f.PointsComputedMinimum {
			return fmt.Sprintf("stage %s computes %.0f points, more than %gx its minimum of %.0f",
				sf.Stage, f.PointsComputedTotal+f.InlinedCalls, c.factor, f.PointsComputedMinimum)
		}
	}
	return ""
}

// InlineChecker rejects schedules that inline a func too many times into a
// single loop body.
type InlineChecker struct {
	limit int64
}

func NewInlineChecker(limit int64) *InlineChecker {
	return &InlineChecker{limit: limit}
}

func (c *InlineChecker) Feasible(s *State, _ *loopnest.Features) string {
	if calls := s.root.MaxInlinedCalls(); calls >= c.limit {
		return fmt.Sprintf("%d inlined calls in one loop body", calls)
	}
	return ""
}

// MemoryChecker rejects schedules whose working set at the root, not
// counting the pipeline outputs, exceeds a limit. A negative limit
// disables the check.
type MemoryChecker struct {
	limit int64
}

func NewMemoryChecker(limit int64) *MemoryChecker {
	return &MemoryChecker{limit: limit}
}

func (c *MemoryChecker) Feasible(_ *State, features *loopnest.Features) string {
	if c.limit < 0 {
		return ""
	}

	var total, outputs float64
	for _, sf := range features.Stages() {
		total = sf.Schedule.WorkingSetAtRoot
		if sf.Stage.Node.Output && sf.Stage.Index == 0 && !sf.Inlined {
			outputs += sf.Schedule.BytesAtRealization
		}
	}

	if used := total - outputs; used > float64(c.limit) {
		return fmt.Sprintf("working set of %s exceeds the limit of %s",
			humanize.IBytes(uint64(used)), humanize.IBytes(uint64(c.limit)))
	}
	return ""
}
