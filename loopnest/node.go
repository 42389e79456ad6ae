// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package loopnest implements the tree-of-tiles representation of a
// (partial) schedule.
//
// A Node is immutable once it is returned from an exported function or
// method. Every edit clones the nodes on the path from the root to the
// edit and reuses every other subtree, so sibling schedules in a search
// share most of their structure.
package loopnest

import (
	"slices"
	"sync/atomic"

	"github.com/hashicorp/go-set/v3"
	"github.com/tilesched/tilesched/pipeline"
)

// nextFeatureKey hands out identities used to memoize block features.
var nextFeatureKey atomic.Uint64

// Params are the search parameters that shape the loop nests generated by
// this package.
type Params struct {
	// Parallelism is the number of cores to fill. 1 disables parallel
	// tiling.
	Parallelism int

	// MaySubtile allows tiling loops that are not at the root and pushing
	// computations into non-root loops.
	MaySubtile bool

	// IdleCoreThreshold rejects tilings of parallel loops that leave more
	// than this fraction of cores idle in the last wave of tasks.
	IdleCoreThreshold float64

	// ComputeRootOnly restricts placement to the root level, as used by the
	// freeze pre-pass.
	ComputeRootOnly bool
}

// DefaultParams returns the parameters used when none are supplied.
func DefaultParams() Params {
	return Params{
		Parallelism:       16,
		MaySubtile:        true,
		IdleCoreThreshold: 1.1,
	}
}

// Node is one loop of a schedule, or the root of a schedule when it has no
// func.
type Node struct {
	fn    *pipeline.Node
	stage *pipeline.Stage

	// size has one entry per loop of stage.
	size []int64

	children []*Node

	// inlined maps funcs inlined at this level to their call counts.
	inlined map[*pipeline.Node]int64

	// storeAt holds the funcs whose storage is allocated at this level.
	storeAt *set.Set[*pipeline.Node]

	vectorDim      int
	vectorizedLoop int

	innermost bool
	tileable  bool
	parallel  bool

	// idleLanes is the fraction of vector lanes wasted by a one-vector
	// leaf.
	idleLanes float64

	featureKey uint64
}

// NewRoot returns an empty schedule.
func NewRoot() *Node {
	return &Node{
		vectorDim:      -1,
		vectorizedLoop: -1,
		featureKey:     nextFeatureKey.Add(1),
	}
}

// clone makes a shallow, unpublished copy. The children slice, inlined map
// and store-at set are copied so the clone can be edited; the children
// themselves are shared.
func (n *Node) clone() *Node {
	c := *n
	c.size = slices.Clone(n.size)
	c.children = slices.Clone(n.children)
	if n.inlined != nil {
		c.inlined = make(map[*pipeline.Node]int64, len(n.inlined))
		for f, calls := range n.inlined {
			c.inlined[f] = calls
		}
	}
	if n.storeAt != nil {
		c.storeAt = n.storeAt.Copy()
	}
	return &c
}

// Copy returns an equivalent node with a fresh identity. Features memoized
// for the receiver are not reused for the copy.
func (n *Node) Copy() *Node {
	c := n.clone()
	c.featureKey = nextFeatureKey.Add(1)
	return c
}

// CopyWithFeatures returns an equivalent node that keeps the receiver's
// identity, so features memoized for the receiver are reused.
func (n *Node) CopyWithFeatures() *Node {
	return n.clone()
}

// IsRoot returns true for the root of a schedule.
func (n *Node) IsRoot() bool {
	return n.fn == nil
}

// Func returns the func this loop belongs to, nil for the root.
func (n *Node) Func() *pipeline.Node {
	return n.fn
}

// Stage returns the stage this loop belongs to, nil for the root.
func (n *Node) Stage() *pipeline.Stage {
	return n.stage
}

// Size returns the loop extents, one per stage loop. Callers must not
// modify the result.
func (n *Node) Size() []int64 {
	return n.size
}

// Children returns the nested loops in execution order. Callers must not
// modify the result.
func (n *Node) Children() []*Node {
	return n.children
}

// InlinedCalls returns the number of calls to f inlined at this level.
func (n *Node) InlinedCalls(f *pipeline.Node) (int64, bool) {
	calls, ok := n.inlined[f]
	return calls, ok
}

// StoresAt returns true if f's storage is allocated at this level.
func (n *Node) StoresAt(f *pipeline.Node) bool {
	return n.storeAt != nil && n.storeAt.Contains(f)
}

// VectorDim returns the pure dimension of the func that is vectorized.
func (n *Node) VectorDim() int {
	return n.vectorDim
}

// VectorizedLoop returns the index of the vectorized loop, or -1.
func (n *Node) VectorizedLoop() int {
	return n.vectorizedLoop
}

func (n *Node) Innermost() bool { return n.innermost }
func (n *Node) Tileable() bool  { return n.tileable }
func (n *Node) Parallel() bool  { return n.parallel }

// Iterations returns the product of the loop extents.
func (n *Node) Iterations() int64 {
	p := int64(1)
	for _, s := range n.size {
		p *= s
	}
	return p
}

func (n *Node) addStoreAt(f *pipeline.Node) {
	if n.storeAt == nil {
		n.storeAt = set.New[*pipeline.Node](1)
	}
	n.storeAt.Insert(f)
}

func (n *Node) addInlined(f *pipeline.Node, calls int64) {
	if n.inlined == nil {
		n.inlined = make(map[*pipeline.Node]int64, 1)
	}
	n.inlined[f] = calls
}

// sortedInlined returns the inlined funcs ordered by ID.
func (n *Node) sortedInlined() []*pipeline.Node {
	out := make([]*pipeline.Node, 0, len(n.inlined))
	for f := range n.inlined {
		out = append(out, f)
	}
	slices.SortFunc(out, byID)
	return out
}

// sortedStoreAt returns the funcs stored at this level ordered by ID.
func (n *Node) sortedStoreAt() []*pipeline.Node {
	if n.storeAt == nil {
		return nil
	}
	out := n.storeAt.Slice()
	slices.SortFunc(out, byID)
	return out
}

func byID(a, b *pipeline.Node) int {
	return a.ID - b.ID
}

// Computes returns true if f is computed or inlined anywhere in this
// subtree.
func (n *Node) Computes(f *pipeline.Node) bool {
	if n.fn == f {
		return true
	}
	if _, ok := n.inlined[f]; ok {
		return true
	}
	for _, c := range n.children {
		if c.Computes(f) {
			return true
		}
	}
	return false
}

// Calls returns true if any consumer of f is computed in this subtree.
func (n *Node) Calls(f *pipeline.Node) bool {
	for _, e := range f.Outgoing {
		if n.Computes(e.Consumer.Node) {
			return true
		}
	}
	return false
}

// MaxInlinedCalls returns the largest inlined call count in this subtree.
func (n *Node) MaxInlinedCalls() int64 {
	var result int64
	for _, calls := range n.inlined {
		result = max(result, calls)
	}
	for _, c := range n.children {
		result = max(result, c.MaxInlinedCalls())
	}
	return result
}

// MaxIdleLaneWastage returns the worst fraction of idle vector lanes of
// any vectorized loop in this subtree.
func (n *Node) MaxIdleLaneWastage() float64 {
	result := n.idleLanes
	for _, c := range n.children {
		result = max(result, c.MaxIdleLaneWastage())
	}
	return result
}

// ownStageChild returns the child continuing this loop's stage, if any.
func (n *Node) ownStageChild() *Node {
	if n.innermost {
		return nil
	}
	for _, c := range n.children {
		if c.stage == n.stage {
			return c
		}
	}
	return nil
}

// innermostOfStage walks down the stage's own loops to the innermost one.
func (n *Node) innermostOfStage() *Node {
	cur := n
	for {
		next := cur.ownStageChild()
		if next == nil {
			return cur
		}
		cur = next
	}
}
