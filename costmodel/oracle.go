// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package costmodel defines the batched cost oracle consumed by the
// schedule search, with an analytic model and a deterministic stub.
package costmodel

import (
	"context"
	"fmt"
	"time"

	metrics "github.com/hashicorp/go-metrics/compat"
	"github.com/tilesched/tilesched/loopnest"
	"github.com/tilesched/tilesched/pipeline"
)

// Oracle predicts the cost of schedules in batches. Features are queued
// with Enqueue and every outstanding handle is filled by EvaluateAll.
// Oracles are not safe for concurrent use; a search owns its oracle.
type Oracle interface {
	// Reset discards any queued, unevaluated work.
	Reset()

	// Configure binds the oracle to a pipeline and a number of cores
	// before the first Enqueue.
	Configure(g *pipeline.Graph, parallelism int)

	// Enqueue queues the features of one schedule. The returned handle
	// must not be read until EvaluateAll returns.
	Enqueue(stages []loopnest.StageFeatures) *Handle

	// EvaluateAll fills every handle queued since the last call.
	EvaluateAll(ctx context.Context) error
}

// Handle receives the predicted cost of one enqueued schedule.
type Handle struct {
	stages     []loopnest.StageFeatures
	cost       float64
	stageCosts []float64
	done       bool
}

// Cost returns the predicted cost. It panics if the handle has not been
// evaluated.
func (h *Handle) Cost() float64 {
	h.mustBeDone()
	return h.cost
}

// StageCosts returns the predicted cost of every stage, in the order the
// stages were enqueued. It panics if the handle has not been evaluated.
func (h *Handle) StageCosts() []float64 {
	h.mustBeDone()
	return h.stageCosts
}

// Evaluated returns true once the handle has been filled.
func (h *Handle) Evaluated() bool {
	return h.done
}

func (h *Handle) mustBeDone() {
	if !h.done {
		panic(fmt.Sprintf("costmodel: cost read before evaluation (%d stages queued)", len(h.stages)))
	}
}

// set fills the handle from per-stage costs.
func (h *Handle) set(stageCosts []float64) {
	h.stageCosts = stageCosts
	h.cost = 0
	for _, c := range stageCosts {
		h.cost += max(c, 0)
	}
	h.done = true
	h.stages = nil
}

// queue is the bookkeeping shared by the oracles in this package.
type queue struct {
	graph       *pipeline.Graph
	parallelism int
	pending     []*Handle
}

func (q *queue) Reset() {
	for _, h := range q.pending {
		h.stages = nil
	}
	q.pending = nil
}

func (q *queue) Configure(g *pipeline.Graph, parallelism int) {
	q.graph = g
	q.parallelism = max(parallelism, 1)
}

func (q *queue) Enqueue(stages []loopnest.StageFeatures) *Handle {
	h := &Handle{stages: stages}
	q.pending = append(q.pending, h)
	return h
}

// take removes and returns the pending handles.
func (q *queue) take(name string) []*Handle {
	pending := q.pending
	q.pending = nil
	metrics.IncrCounter([]string{"tilesched", "costmodel", name, "evaluated"}, float32(len(pending)))
	return pending
}

func measure(name string, start time.Time) {
	metrics.MeasureSince([]string{"tilesched", "costmodel", name, "evaluate"}, start)
}
