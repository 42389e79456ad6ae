// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package pipeline

import "fmt"

const (
	// DefaultBytesPerPoint is used when a node does not declare its element
	// size.
	DefaultBytesPerPoint = 4

	// NativeVectorBytes is the register width used to derive a node's
	// vector size from its element size.
	NativeVectorBytes = 32
)

// Spec is the declarative form of a pipeline. It is what the HCL loader
// decodes and what a Builder accumulates; Build turns it into a Graph.
type Spec struct {
	Name  string      `hcl:"name,optional"`
	Nodes []*NodeSpec `hcl:"node,block"`
	Edges []*EdgeSpec `hcl:"edge,block"`
}

// NodeSpec declares one node.
type NodeSpec struct {
	Name              string       `hcl:"name,label"`
	Extents           []int64      `hcl:"extents"`
	BytesPerPoint     int64        `hcl:"bytes_per_point,optional"`
	VectorSize        int          `hcl:"vector_size,optional"`
	Input             bool         `hcl:"input,optional"`
	Output            bool         `hcl:"output,optional"`
	Pointwise         bool         `hcl:"pointwise,optional"`
	Wrapper           bool         `hcl:"wrapper,optional"`
	BoundaryCondition bool         `hcl:"boundary_condition,optional"`
	Stages            []*StageSpec `hcl:"stage,block"`
}

// StageSpec declares one stage of a node. Loops are listed innermost
// first.
type StageSpec struct {
	Loops       []*LoopSpec `hcl:"loop,block"`
	OpsPerPoint float64     `hcl:"ops_per_point,optional"`
	Features    []float64   `hcl:"features,optional"`
}

// LoopSpec declares a loop. Exactly one of Dim or Extent is set.
type LoopSpec struct {
	Name   string `hcl:"name,label"`
	Dim    *int   `hcl:"dim,optional"`
	Extent int64  `hcl:"extent,optional"`
}

// EdgeSpec declares that Consumer (stage Stage) reads Producer.
type EdgeSpec struct {
	Producer string        `hcl:"producer"`
	Consumer string        `hcl:"consumer"`
	Stage    int           `hcl:"stage,optional"`
	Calls    int64         `hcl:"calls,optional"`
	Access   []*AccessSpec `hcl:"access,block"`
}

// AccessSpec declares how one producer dimension is indexed. A nil Dim
// means the whole producer dimension is read.
type AccessSpec struct {
	Dim     *int  `hcl:"dim,optional"`
	Stride  int64 `hcl:"stride,optional"`
	Divisor int64 `hcl:"divisor,optional"`
	Halo    int64 `hcl:"halo,optional"`
}

// Canonicalize fills in defaults. It is idempotent.
func (s *Spec) Canonicalize() {
	byName := make(map[string]*NodeSpec, len(s.Nodes))
	for _, n := range s.Nodes {
		n.Canonicalize()
		byName[n.Name] = n
	}
	for _, e := range s.Edges {
		if e.Calls <= 0 {
			e.Calls = 1
		}
		if len(e.Access) == 0 {
			p, c := byName[e.Producer], byName[e.Consumer]
			if p != nil && c != nil {
				e.Access = identityAccess(len(p.Extents), len(c.Extents))
			}
		}
		for _, a := range e.Access {
			if a.Stride <= 0 {
				a.Stride = 1
			}
			if a.Divisor <= 0 {
				a.Divisor = 1
			}
		}
	}
}

// Canonicalize fills in node defaults: element size, vector size and a
// single pure stage when none is declared.
func (n *NodeSpec) Canonicalize() {
	if n.BytesPerPoint <= 0 {
		n.BytesPerPoint = DefaultBytesPerPoint
	}
	if n.VectorSize <= 0 {
		n.VectorSize = int(max(NativeVectorBytes/n.BytesPerPoint, 1))
	}
	if len(n.Stages) == 0 {
		n.Stages = []*StageSpec{{OpsPerPoint: 1}}
	}
	for _, s := range n.Stages {
		if len(s.Loops) == 0 {
			for d := range n.Extents {
				s.Loops = append(s.Loops, &LoopSpec{Name: fmt.Sprintf("d%d", d), Dim: &d})
			}
		}
	}
}

func identityAccess(producerDims, consumerDims int) []*AccessSpec {
	out := make([]*AccessSpec, producerDims)
	for i := range out {
		a := &AccessSpec{Stride: 1, Divisor: 1}
		if i < consumerDims {
			d := i
			a.Dim = &d
		}
		out[i] = a
	}
	return out
}
