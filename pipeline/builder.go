// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package pipeline

import (
	"errors"
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/mitchellh/hashstructure"
)

// ErrCycle is returned when the declared edges do not form a DAG.
var ErrCycle = errors.New("pipeline contains a cycle")

// Builder accumulates node and edge declarations.
type Builder struct {
	spec *Spec
}

// NewBuilder returns a Builder for a pipeline with the given name.
func NewBuilder(name string) *Builder {
	return &Builder{spec: &Spec{Name: name}}
}

// AddNode declares a node.
func (b *Builder) AddNode(n *NodeSpec) *Builder {
	b.spec.Nodes = append(b.spec.Nodes, n)
	return b
}

// AddEdge declares an edge.
func (b *Builder) AddEdge(e *EdgeSpec) *Builder {
	b.spec.Edges = append(b.spec.Edges, e)
	return b
}

// Pointwise declares an identity-indexed edge from producer into stage 0
// of consumer.
func (b *Builder) Pointwise(producer, consumer string) *Builder {
	return b.AddEdge(&EdgeSpec{Producer: producer, Consumer: consumer})
}

// Build validates the declarations and returns the finalized graph.
func (b *Builder) Build() (*Graph, error) {
	return Build(b.spec)
}

// Build validates a Spec and returns the finalized graph.
func Build(spec *Spec) (*Graph, error) {
	spec.Canonicalize()
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	fp, err := hashstructure.Hash(spec, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to fingerprint pipeline: %w", err)
	}

	order, err := scheduleOrder(spec)
	if err != nil {
		return nil, err
	}

	g := &Graph{
		Name:        spec.Name,
		Fingerprint: fp,
	}
	byName := make(map[string]*Node, len(order))
	for id, ns := range order {
		n := &Node{
			ID:                id,
			Name:              ns.Name,
			Extents:           append([]int64(nil), ns.Extents...),
			BytesPerPoint:     ns.BytesPerPoint,
			VectorSize:        ns.VectorSize,
			Input:             ns.Input,
			Output:            ns.Output,
			Pointwise:         ns.Pointwise,
			Wrapper:           ns.Wrapper,
			BoundaryCondition: ns.BoundaryCondition,
		}
		for idx, ss := range ns.Stages {
			s := &Stage{
				ID:          len(g.stages),
				Index:       idx,
				Node:        n,
				OpsPerPoint: ss.OpsPerPoint,
				Features:    append([]float64(nil), ss.Features...),
			}
			s.Name = s.String()
			for _, ls := range ss.Loops {
				l := Loop{Name: ls.Name, PureDim: -1, Extent: ls.Extent}
				if ls.Dim != nil {
					l.PureDim = *ls.Dim
					l.Extent = 0
				}
				s.Loops = append(s.Loops, l)
			}
			n.Stages = append(n.Stages, s)
			g.stages = append(g.stages, s)
		}
		g.Nodes = append(g.Nodes, n)
		byName[n.Name] = n
	}

	for _, es := range spec.Edges {
		p, c := byName[es.Producer], byName[es.Consumer]
		e := &Edge{
			Producer: p,
			Consumer: c.Stages[es.Stage],
			Calls:    es.Calls,
		}
		for _, as := range es.Access {
			a := Access{Dim: -1, Stride: as.Stride, Divisor: as.Divisor, Halo: as.Halo}
			if as.Dim != nil {
				a.Dim = *as.Dim
			}
			e.Footprint = append(e.Footprint, a)
		}
		p.Outgoing = append(p.Outgoing, e)
		e.Consumer.Incoming = append(e.Consumer.Incoming, e)
		g.Edges = append(g.Edges, e)
	}
	return g, nil
}

// Validate checks the declarations for consistency, returning every problem
// found.
func (s *Spec) Validate() error {
	var mErr multierror.Error
	if len(s.Nodes) == 0 {
		mErr.Errors = append(mErr.Errors, errors.New("pipeline has no nodes"))
	}

	byName := make(map[string]*NodeSpec, len(s.Nodes))
	outputs := 0
	for i, n := range s.Nodes {
		if n.Name == "" {
			mErr.Errors = append(mErr.Errors, fmt.Errorf("node %d has no name", i))
			continue
		}
		if _, ok := byName[n.Name]; ok {
			mErr.Errors = append(mErr.Errors, fmt.Errorf("duplicate node %q", n.Name))
			continue
		}
		byName[n.Name] = n
		if n.Output {
			outputs++
		}
		if err := n.validate(); err != nil {
			mErr.Errors = append(mErr.Errors, err)
		}
	}
	if len(s.Nodes) > 0 && outputs == 0 {
		mErr.Errors = append(mErr.Errors, errors.New("pipeline has no output node"))
	}

	for i, e := range s.Edges {
		p, c := byName[e.Producer], byName[e.Consumer]
		if p == nil {
			mErr.Errors = append(mErr.Errors, fmt.Errorf("edge %d: unknown producer %q", i, e.Producer))
		}
		if c == nil {
			mErr.Errors = append(mErr.Errors, fmt.Errorf("edge %d: unknown consumer %q", i, e.Consumer))
		}
		if p == nil || c == nil {
			continue
		}
		if p == c {
			mErr.Errors = append(mErr.Errors, fmt.Errorf("edge %d: %q cannot consume itself", i, p.Name))
		}
		if c.Input {
			mErr.Errors = append(mErr.Errors, fmt.Errorf("edge %d: input %q cannot be a consumer", i, c.Name))
		}
		if e.Stage < 0 || e.Stage >= len(c.Stages) {
			mErr.Errors = append(mErr.Errors, fmt.Errorf("edge %d: %q has no stage %d", i, c.Name, e.Stage))
		}
		if len(e.Access) != len(p.Extents) {
			mErr.Errors = append(mErr.Errors, fmt.Errorf("edge %d: %d accesses for %d-dimensional producer %q",
				i, len(e.Access), len(p.Extents), p.Name))
		}
		for j, a := range e.Access {
			if a.Dim != nil && (*a.Dim < 0 || *a.Dim >= len(c.Extents)) {
				mErr.Errors = append(mErr.Errors, fmt.Errorf("edge %d: access %d names consumer dim %d of %q",
					i, j, *a.Dim, c.Name))
			}
			if a.Halo < 0 {
				mErr.Errors = append(mErr.Errors, fmt.Errorf("edge %d: access %d has negative halo", i, j))
			}
		}
	}

	return mErr.ErrorOrNil()
}

func (n *NodeSpec) validate() error {
	var mErr multierror.Error
	for d, e := range n.Extents {
		if e <= 0 {
			mErr.Errors = append(mErr.Errors, fmt.Errorf("node %q: extent %d of dim %d must be positive", n.Name, e, d))
		}
	}
	if n.Input && len(n.Stages) > 1 {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("node %q: inputs have exactly one stage", n.Name))
	}
	for si, s := range n.Stages {
		seen := make(map[int]bool)
		for _, l := range s.Loops {
			switch {
			case l.Dim != nil:
				d := *l.Dim
				if d < 0 || d >= len(n.Extents) {
					mErr.Errors = append(mErr.Errors, fmt.Errorf("node %q stage %d: loop %q names dim %d",
						n.Name, si, l.Name, d))
				} else if seen[d] {
					mErr.Errors = append(mErr.Errors, fmt.Errorf("node %q stage %d: dim %d has two loops",
						n.Name, si, d))
				}
				seen[d] = true
			case l.Extent <= 0:
				mErr.Errors = append(mErr.Errors, fmt.Errorf("node %q stage %d: reduction loop %q needs a positive extent",
					n.Name, si, l.Name))
			}
		}
		if si == 0 && len(seen) != len(n.Extents) {
			mErr.Errors = append(mErr.Errors, fmt.Errorf("node %q: initial stage must loop over every dim", n.Name))
		}
	}
	return mErr.ErrorOrNil()
}

// scheduleOrder orders nodes consumers first. Ties keep declaration order,
// so the order is deterministic for a given spec.
func scheduleOrder(spec *Spec) ([]*NodeSpec, error) {
	index := make(map[string]int, len(spec.Nodes))
	for i, n := range spec.Nodes {
		index[n.Name] = i
	}

	// pending[i] counts the not-yet-ordered consumers of node i.
	pending := make([]int, len(spec.Nodes))
	producers := make([][]int, len(spec.Nodes))
	seen := make(map[[2]int]bool)
	for _, e := range spec.Edges {
		p, c := index[e.Producer], index[e.Consumer]
		if seen[[2]int{p, c}] {
			continue
		}
		seen[[2]int{p, c}] = true
		pending[p]++
		producers[c] = append(producers[c], p)
	}

	done := make([]bool, len(spec.Nodes))
	order := make([]*NodeSpec, 0, len(spec.Nodes))
	for len(order) < len(spec.Nodes) {
		progress := false
		for i, n := range spec.Nodes {
			if done[i] || pending[i] > 0 {
				continue
			}
			done[i] = true
			progress = true
			order = append(order, n)
			for _, p := range producers[i] {
				pending[p]--
			}
		}
		if !progress {
			return nil, ErrCycle
		}
	}
	return order, nil
}
