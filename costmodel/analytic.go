// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package costmodel

import (
	"context"
	"math"
	"runtime"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/tilesched/tilesched/loopnest"
	"golang.org/x/sync/errgroup"
)

// Machine describes the target the analytic model predicts for.
type Machine struct {
	// CacheBytes is the size of the per-core cache a working set should
	// fit in.
	CacheBytes float64

	// LineBytes is the unit of memory traffic.
	LineBytes float64

	// AllocCost is charged per realization of a func.
	AllocCost float64

	// TaskCost is charged per parallel task launched.
	TaskCost float64

	// LoopCost is charged per production of a stage.
	LoopCost float64
}

// DefaultMachine is a generic multi-core machine.
func DefaultMachine() Machine {
	return Machine{
		CacheBytes: 256 * 1024,
		LineBytes:  64,
		AllocCost:  20,
		TaskCost:   200,
		LoopCost:   1,
	}
}

// Analytic is a hand-written roofline style model. Batches are evaluated
// concurrently.
type Analytic struct {
	queue

	logger  hclog.Logger
	machine Machine
	workers int
}

// NewAnalytic returns an analytic oracle evaluating with up to workers
// goroutines. A non-positive workers uses one per CPU.
func NewAnalytic(logger hclog.Logger, machine Machine, workers int) *Analytic {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &Analytic{
		logger:  logger.Named("cost_model"),
		machine: machine,
		workers: workers,
	}
}

func (a *Analytic) EvaluateAll(ctx context.Context) error {
	defer measure("analytic", time.Now())

	pending := a.take("analytic")
	if len(pending) == 0 {
		return nil
	}
	a.logger.Trace("evaluating batch", "schedules", len(pending), "workers", a.workers)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(a.workers)
	for _, h := range pending {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			costs := make([]float64, len(h.stages))
			for i := range h.stages {
				costs[i] = a.stageCost(&h.stages[i])
			}
			h.set(costs)
			return nil
		})
	}
	return g.Wait()
}

// stageCost predicts the run time of one stage in arbitrary units.
func (a *Analytic) stageCost(sf *loopnest.StageFeatures) float64 {
	m := a.machine
	s := &sf.Schedule
	ops := sf.Stage.OpsPerPoint
	if ops <= 0 {
		ops = 1
	}
	cores := float64(max(a.parallelism, 1))

	if sf.Inlined {
		// Inlined work runs inside its hosts, at their vector width.
		return s.InlinedCalls * ops / 4 / cores
	}

	compute := (s.NumVectors + s.NumScalars) * ops
	compute += s.NumProductions * m.LoopCost

	// Parallel speedup is capped by the cores, and the last wave of tasks
	// leaves cores idle.
	tasks := max(s.OuterParallelism, 1)
	waves := math.Ceil(tasks / cores)
	speedup := tasks / waves
	compute = compute/speedup + tasks*m.TaskCost/cores

	lines := s.NumRealizations * s.UniqueBytesReadPerRealization / m.LineBytes
	lines += s.NumRealizations * s.BytesAtRealization / m.LineBytes
	if s.WorkingSet > m.CacheBytes {
		lines *= 1 + math.Log2(s.WorkingSet/m.CacheBytes)
	}
	memory := lines / speedup

	alloc := s.NumRealizations * m.AllocCost

	return compute + memory + alloc
}
