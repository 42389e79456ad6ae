// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package scheduler

import (
	"testing"

	"github.com/shoenig/test/must"
	"github.com/tilesched/tilesched/ci"
)

func collectRanked(iter RankIterator) []float64 {
	var out []float64
	for c := iter.Next(); c != nil; c = iter.Next() {
		out = append(out, c.Wastage)
	}
	return out
}

func TestStaticRankIterator(t *testing.T) {
	ci.Parallel(t)

	a := &RankedCandidate{Wastage: 0.5}
	b := &RankedCandidate{Wastage: 0.1}
	c := &RankedCandidate{Wastage: 0.5}
	d := &RankedCandidate{Wastage: 0}
	candidates := []*RankedCandidate{a, b, c, d}

	iter := NewStaticRankIterator(candidates)
	var got []*RankedCandidate
	for n := iter.Next(); n != nil; n = iter.Next() {
		got = append(got, n)
	}
	must.SliceLen(t, 4, got)
	must.True(t, got[0] == d)
	must.True(t, got[1] == b)

	// Ties keep their order.
	must.True(t, got[2] == a)
	must.True(t, got[3] == c)

	// The input is left alone.
	must.True(t, candidates[0] == a)
	must.Nil(t, iter.Next())
}

func TestWastageLimitIterator(t *testing.T) {
	ci.Parallel(t)

	candidates := func() []*RankedCandidate {
		return []*RankedCandidate{
			{Wastage: 0.9}, {Wastage: 0.1}, {Wastage: 0.3}, {Wastage: 0.6},
		}
	}

	cases := []struct {
		name     string
		accepted int
		expected []float64
	}{
		{
			name:     "nothing accepted",
			accepted: 0,
			expected: []float64{0.1, 0.3, 0.6, 0.9},
		},
		{
			name:     "stops past limit",
			accepted: 1,
			expected: []float64{0.1, 0.3},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			iter := NewWastageLimitIterator(NewStaticRankIterator(candidates()), 0.5,
				func() int { return tc.accepted })
			must.Eq(t, tc.expected, collectRanked(iter))
		})
	}
}

func TestWastageLimitIterator_CountsAsAccepted(t *testing.T) {
	ci.Parallel(t)

	// The limit only applies once something was accepted, so a wasteful
	// candidate may still be the first one tried.
	accepted := 0
	iter := NewWastageLimitIterator(NewStaticRankIterator([]*RankedCandidate{
		{Wastage: 0.8}, {Wastage: 0.9},
	}), 0.5, func() int { return accepted })

	first := iter.Next()
	must.NotNil(t, first)
	must.Eq(t, 0.8, first.Wastage)
	accepted++
	must.Nil(t, iter.Next())
	must.Eq(t, "<Candidate: wastage 0.800>", first.GoString())
}
