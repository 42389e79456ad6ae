// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package scheduler

import (
	"fmt"
	"slices"

	"github.com/tilesched/tilesched/loopnest"
)

// RankedCandidate is a candidate loop nest for the next decision along
// with the wastage used to rank it. Lower wastage is better.
type RankedCandidate struct {
	Root    *loopnest.Node
	Wastage float64
}

func (r *RankedCandidate) GoString() string {
	return fmt.Sprintf("<Candidate: wastage %0.3f>", r.Wastage)
}

// RankIterator yields candidates in the order they should be tried.
type RankIterator interface {
	// Next returns the next candidate, or nil when exhausted.
	Next() *RankedCandidate
}

// StaticRankIterator yields a fixed list of candidates, least wasteful
// first. Candidates with equal wastage keep their order.
type StaticRankIterator struct {
	candidates []*RankedCandidate
	offset     int
}

func NewStaticRankIterator(candidates []*RankedCandidate) *StaticRankIterator {
	sorted := slices.Clone(candidates)
	slices.SortStableFunc(sorted, func(a, b *RankedCandidate) int {
		switch {
		case a.Wastage < b.Wastage:
			return -1
		case a.Wastage > b.Wastage:
			return 1
		}
		return 0
	})
	return &StaticRankIterator{candidates: sorted}
}

func (iter *StaticRankIterator) Next() *RankedCandidate {
	if iter.offset == len(iter.candidates) {
		return nil
	}
	offset := iter.offset
	iter.offset++
	return iter.candidates[offset]
}

// WastageLimitIterator stops yielding once a candidate is more wasteful
// than the limit, but only after at least one candidate was accepted.
type WastageLimitIterator struct {
	source   RankIterator
	limit    float64
	accepted func() int
}

// NewWastageLimitIterator wraps source. accepted reports how many
// successors have been accepted so far.
func NewWastageLimitIterator(source RankIterator, limit float64, accepted func() int) *WastageLimitIterator {
	return &WastageLimitIterator{
		source:   source,
		limit:    limit,
		accepted: accepted,
	}
}

func (iter *WastageLimitIterator) Next() *RankedCandidate {
	option := iter.source.Next()
	if option == nil {
		return nil
	}
	if iter.accepted() > 0 && option.Wastage > iter.limit {
		return nil
	}
	return option
}
