// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package pipeline models the read-only graph of loop-structured stages
// that the scheduler searches over. Graphs are produced by a front end
// (the HCL loader in this package, or a Builder) and are never mutated
// once finalized.
package pipeline

import (
	"fmt"
	"strings"
)

// Node is one function of the pipeline. A node computes a dense region
// described by Extents, one entry per pure dimension, and is defined by one
// or more stages (an initial definition plus updates).
type Node struct {
	// ID is the node's position in schedule order. Consumers always have a
	// smaller ID than their producers.
	ID   int
	Name string

	// Extents is the region of the node required by the pipeline, per pure
	// dimension.
	Extents []int64

	BytesPerPoint int64

	// VectorSize is the natural SIMD width for this node's element type.
	VectorSize int

	Input             bool
	Output            bool
	Pointwise         bool
	Wrapper           bool
	BoundaryCondition bool

	Stages []*Stage

	// Outgoing are the edges on which this node is the producer.
	Outgoing []*Edge
}

// Dimensions returns the number of pure dimensions of the node.
func (n *Node) Dimensions() int {
	return len(n.Extents)
}

// Points returns the number of points in the node's full region.
func (n *Node) Points() int64 {
	p := int64(1)
	for _, e := range n.Extents {
		p *= e
	}
	return p
}

func (n *Node) String() string {
	return n.Name
}

// Loop is one loop of a stage. Pure loops iterate over a pure dimension of
// the node; reduction loops (rvars) have a fixed extent.
type Loop struct {
	Name string

	// PureDim is the node dimension this loop iterates over, or -1 for a
	// reduction loop.
	PureDim int

	// Extent is only meaningful for reduction loops.
	Extent int64
}

// Pure returns true if the loop iterates over a pure dimension.
func (l Loop) Pure() bool {
	return l.PureDim >= 0
}

// Stage is one definition of a node.
type Stage struct {
	// ID is unique across the whole graph.
	ID    int
	Index int
	Name  string
	Node  *Node

	Loops []Loop

	// OpsPerPoint is the arithmetic cost of one point of this stage.
	OpsPerPoint float64

	// Features are opaque pipeline features handed to the cost oracle and
	// written into featurization records.
	Features []float64

	// Incoming are the edges on which this stage is the consumer.
	Incoming []*Edge
}

// ReductionPoints returns the product of the stage's reduction loop
// extents.
func (s *Stage) ReductionPoints() int64 {
	p := int64(1)
	for _, l := range s.Loops {
		if !l.Pure() {
			p *= l.Extent
		}
	}
	return p
}

// LoopForDim returns the index of the loop iterating over pure dimension d,
// or -1.
func (s *Stage) LoopForDim(d int) int {
	for i, l := range s.Loops {
		if l.PureDim == d {
			return i
		}
	}
	return -1
}

func (s *Stage) String() string {
	if s.Index == 0 {
		return s.Node.Name
	}
	return fmt.Sprintf("%s.update(%d)", s.Node.Name, s.Index-1)
}

// Access describes how one producer dimension is indexed by the consumer.
type Access struct {
	// Dim is the consumer's pure dimension driving this access, or -1 if
	// the consumer reads the whole producer dimension.
	Dim int

	Stride  int64
	Divisor int64
	Halo    int64
}

// Edge is a producer/consumer relationship.
type Edge struct {
	Producer *Node
	Consumer *Stage

	// Calls is the number of distinct call sites of the producer in the
	// consumer stage.
	Calls int64

	// Footprint has one entry per producer dimension.
	Footprint []Access
}

// Region computes the region of the producer required to compute the
// given region of the consumer node. A consumer region with a zero extent
// requires nothing.
func (e *Edge) Region(consumer []int64) []int64 {
	out := make([]int64, len(e.Footprint))
	for _, r := range consumer {
		if r == 0 {
			return out
		}
	}
	for i, a := range e.Footprint {
		full := e.Producer.Extents[i]
		if a.Dim < 0 || a.Dim >= len(consumer) {
			out[i] = full
			continue
		}
		stride, div := a.Stride, a.Divisor
		if stride <= 0 {
			stride = 1
		}
		if div <= 0 {
			div = 1
		}
		need := (consumer[a.Dim]*stride+div-1)/div + a.Halo
		out[i] = max(min(need, full), 1)
	}
	return out
}

// Graph is a finalized pipeline. Nodes are in schedule order: outputs first,
// inputs last.
type Graph struct {
	Name  string
	Nodes []*Node
	Edges []*Edge

	// Fingerprint identifies the declarations the graph was built from.
	Fingerprint uint64

	stages []*Stage
}

// NumStages returns the total number of stages in the graph.
func (g *Graph) NumStages() int {
	return len(g.stages)
}

// Stage returns the stage with the given graph-wide ID.
func (g *Graph) Stage(id int) *Stage {
	return g.stages[id]
}

// Stages returns every stage, ordered by ID.
func (g *Graph) Stages() []*Stage {
	return g.stages
}

// NodeByName returns the named node or nil.
func (g *Graph) NodeByName(name string) *Node {
	for _, n := range g.Nodes {
		if n.Name == name {
			return n
		}
	}
	return nil
}

// String renders the graph one node per line, which is handy in test
// failures.
func (g *Graph) String() string {
	var b strings.Builder
	for _, n := range g.Nodes {
		fmt.Fprintf(&b, "%d %s %v", n.ID, n.Name, n.Extents)
		for _, e := range n.Outgoing {
			fmt.Fprintf(&b, " -> %s", e.Consumer)
		}
		b.WriteByte('\n')
	}
	return b.String()
}
