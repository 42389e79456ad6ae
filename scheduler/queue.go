// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package scheduler

import (
	"container/heap"
)

// stateQueue is a min-heap of states ordered by cost. Costs are only
// meaningful once resolved, so states pushed before an oracle evaluation
// must be followed by resort.
type stateQueue []*State

func (q stateQueue) Len() int           { return len(q) }
func (q stateQueue) Less(i, j int) bool { return q[i].cost < q[j].cost }
func (q stateQueue) Swap(i, j int)      { q[i], q[j] = q[j], q[i] }

func (q *stateQueue) Push(x any) {
	*q = append(*q, x.(*State))
}

func (q *stateQueue) Pop() any {
	old := *q
	n := len(old)
	s := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return s
}

func (q *stateQueue) push(s *State) {
	heap.Push(q, s)
}

// pop returns the cheapest state.
func (q *stateQueue) pop() *State {
	return heap.Pop(q).(*State)
}

// peek returns the cheapest state without removing it.
func (q stateQueue) peek() *State {
	return q[0]
}

func (q *stateQueue) clear() {
	clear(*q)
	*q = (*q)[:0]
}

// resort resolves the cost of every queued state and restores the heap.
func (q *stateQueue) resort() {
	for _, s := range *q {
		s.resolve()
	}
	heap.Init(q)
}
