// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics/compat"
	"github.com/hashicorp/go-set/v3"
)

// ErrNoSchedule is returned when the tree search reaches a state with no
// legal successors.
var ErrNoSchedule = errors.New("no legal schedule")

// treeNode is a node of the search tree. Nodes live in an arena and refer
// to each other by index.
type treeNode struct {
	state    *State
	parent   int
	children []int
	expanded bool
	visits   int

	// minCost is the lowest cost seen below this node at maxDepth, the
	// most decisions any rollout through this node reached.
	minCost  float64
	maxDepth int
}

// MCTS is a Monte Carlo tree search over the same decisions as the beam
// search. Before each decision it runs a number of iterations of
// selection, expansion, rollout and backpropagation, then commits to the
// best child. With a beam size above one it keeps the best few children
// instead.
type MCTS struct {
	sctx   *SearchContext
	gen    *Generator
	logger hclog.Logger
	nodes  []treeNode
}

func NewMCTS(sctx *SearchContext) *MCTS {
	return &MCTS{
		sctx:   sctx,
		gen:    NewGenerator(sctx),
		logger: sctx.logger.Named("mcts"),
	}
}

func (m *MCTS) newNode(s *State, parent int) int {
	m.nodes = append(m.nodes, treeNode{
		state:    s,
		parent:   parent,
		minCost:  math.Inf(1),
		maxDepth: -1,
	})
	return len(m.nodes) - 1
}

// Run searches for a complete schedule.
func (m *MCTS) Run(ctx context.Context) (*State, error) {
	opts := m.sctx.Opts.MCTS
	total := 2 * len(m.sctx.Graph.Nodes)
	m.nodes = m.nodes[:0]

	m.logger.Info("starting search", "pipeline", m.sctx.Graph.Name,
		"iterations", opts.Iterations, "beam_size", opts.BeamSize)

	frontier := []int{m.newNode(NewState(), -1)}
	for d := 0; d < total; d++ {
		start := time.Now()
		iterations := max(opts.MinIterations, opts.Iterations*(total-d)/total)
		for _, root := range frontier {
			for i := 0; i < iterations; i++ {
				if err := m.iterate(ctx, root); err != nil {
					return nil, err
				}
			}
		}

		next := m.commit(frontier, max(opts.BeamSize, 1))
		if len(next) == 0 {
			return nil, fmt.Errorf("%w after %d decisions", ErrNoSchedule, d)
		}
		frontier = next
		metrics.MeasureSince([]string{"tilesched", "mcts", "decision"}, start)
		m.logger.Debug("committed decision", "decisions", d+1,
			"frontier", len(frontier), "cost", m.nodes[frontier[0]].state.cost)
	}

	best := m.nodes[frontier[0]].state
	for _, i := range frontier[1:] {
		if s := m.nodes[i].state; s.cost < best.cost {
			best = s
		}
	}
	m.logger.Info("search complete", "cost", best.cost, "tree_nodes", len(m.nodes))
	return best, nil
}

// better orders nodes by depth reached, then by cost.
func (m *MCTS) better(a, b int) bool {
	na, nb := &m.nodes[a], &m.nodes[b]
	if na.maxDepth != nb.maxDepth {
		return na.maxDepth > nb.maxDepth
	}
	return na.minCost < nb.minCost
}

// commit returns the best k children of the frontier. Children with the
// same shape are only kept once.
func (m *MCTS) commit(frontier []int, k int) []int {
	var children []int
	for _, i := range frontier {
		children = append(children, m.nodes[i].children...)
	}
	slices.SortStableFunc(children, func(a, b int) int {
		switch {
		case m.better(a, b):
			return -1
		case m.better(b, a):
			return 1
		}
		return 0
	})

	seen := set.New[uint64](k)
	var out []int
	for _, c := range children {
		if len(out) == k {
			break
		}
		if !seen.Insert(m.nodes[c].state.StructuralHash(1)) {
			continue
		}
		out = append(out, c)
	}
	return out
}

// iterate runs one round of selection, expansion, rollout and
// backpropagation below root.
func (m *MCTS) iterate(ctx context.Context, root int) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	cur := root
	for m.nodes[cur].expanded && len(m.nodes[cur].children) > 0 {
		cur = m.selectChild(cur)
	}

	if !m.nodes[cur].expanded && !m.nodes[cur].state.IsTerminal(m.sctx.Graph) {
		if err := m.expand(ctx, cur); err != nil {
			return err
		}
		if len(m.nodes[cur].children) > 0 {
			cur = m.selectChild(cur)
		}
	}

	depth, cost, err := m.rollout(ctx, m.nodes[cur].state)
	if err != nil {
		return err
	}
	m.backpropagate(cur, depth, cost)
	return nil
}

// explorationPercent is the chance of exploring below a state with the
// given number of decisions. It falls linearly from the configured percent
// at the root to zero at a complete schedule.
func (m *MCTS) explorationPercent(decisions int) int {
	total := 2 * len(m.sctx.Graph.Nodes)
	if total == 0 || decisions >= total {
		return 0
	}
	return *m.sctx.Opts.MCTS.ExplorationPercent * (total - decisions) / total
}

// selectChild picks a random unvisited child with the exploration
// probability of the node's depth, and the child with the best UCT score
// otherwise.
func (m *MCTS) selectChild(i int) int {
	n := &m.nodes[i]
	rng := m.sctx.rng

	if rng.IntN(100) < m.explorationPercent(n.state.decisions) {
		var unvisited []int
		for _, c := range n.children {
			if m.nodes[c].visits == 0 {
				unvisited = append(unvisited, c)
			}
		}
		if len(unvisited) > 0 {
			return unvisited[rng.IntN(len(unvisited))]
		}
	}

	// Exploitation compares the negated cost among siblings that reached
	// the deepest level, normalized to [0, 1].
	deepest := -1
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, c := range n.children {
		deepest = max(deepest, m.nodes[c].maxDepth)
	}
	for _, c := range n.children {
		cn := &m.nodes[c]
		if cn.visits > 0 && cn.maxDepth == deepest && !math.IsInf(cn.minCost, 1) {
			lo = min(lo, cn.minCost)
			hi = max(hi, cn.minCost)
		}
	}

	best, bestScore := n.children[0], math.Inf(-1)
	for _, c := range n.children {
		cn := &m.nodes[c]
		score := math.Inf(1)
		if cn.visits > 0 {
			exploit := 0.0
			if cn.maxDepth == deepest && !math.IsInf(cn.minCost, 1) {
				exploit = 1
				if hi > lo {
					exploit = (hi - cn.minCost) / (hi - lo)
				}
			}
			explore := math.Sqrt2 * math.Sqrt(math.Log(float64(n.visits+1))/float64(cn.visits))
			score = exploit + explore
		}
		if score > bestScore {
			best, bestScore = c, score
		}
	}
	return best
}

// successors generates and evaluates every successor of s.
func (m *MCTS) successors(ctx context.Context, s *State) ([]*State, error) {
	var out []*State
	for child := range m.gen.Successors(s, 0) {
		out = append(out, child)
	}
	if len(out) == 0 {
		return nil, nil
	}
	if err := m.sctx.Oracle.EvaluateAll(ctx); err != nil {
		return nil, fmt.Errorf("failed to evaluate costs: %w", err)
	}
	for _, child := range out {
		child.resolve()
	}
	return out, nil
}

func (m *MCTS) expand(ctx context.Context, i int) error {
	children, err := m.successors(ctx, m.nodes[i].state)
	if err != nil {
		return err
	}
	m.nodes[i].expanded = true
	for _, s := range children {
		c := m.newNode(s, i)
		m.nodes[i].children = append(m.nodes[i].children, c)
	}
	return nil
}

// rollout plays a few decisions forward from s without growing the tree.
// Each step takes the cheapest successor with the configured exploitation
// probability and a random one otherwise. It returns the depth reached
// and the cost there.
func (m *MCTS) rollout(ctx context.Context, s *State) (int, float64, error) {
	opts := m.sctx.Opts.MCTS
	rng := m.sctx.rng
	for step := 0; step < *opts.RolloutLength && !s.IsTerminal(m.sctx.Graph); step++ {
		children, err := m.successors(ctx, s)
		if err != nil {
			return 0, 0, err
		}
		if len(children) == 0 {
			break
		}
		if rng.IntN(100) < *opts.ExploitationPercent {
			s = slices.MinFunc(children, func(a, b *State) int {
				switch {
				case a.cost < b.cost:
					return -1
				case a.cost > b.cost:
					return 1
				}
				return 0
			})
		} else {
			s = children[rng.IntN(len(children))]
		}
	}
	return s.decisions, s.cost, nil
}

// backpropagate counts a visit on every node up to the root and records
// the result while it improves the node's statistic.
func (m *MCTS) backpropagate(i, depth int, cost float64) {
	improving := true
	for ; i >= 0; i = m.nodes[i].parent {
		n := &m.nodes[i]
		n.visits++
		if !improving {
			continue
		}
		switch {
		case depth > n.maxDepth:
			n.maxDepth, n.minCost = depth, cost
		case depth == n.maxDepth && cost < n.minCost:
			n.minCost = cost
		default:
			improving = false
		}
	}
}
