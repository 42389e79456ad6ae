// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package scheduler

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/tilesched/tilesched/loopnest"
)

// FeatureRecordLen returns the number of float32 values written by
// WriteFeatures for the search's pipeline.
func FeatureRecordLen(ctx *SearchContext) int {
	n := 0
	for _, node := range ctx.Graph.Nodes {
		if node.Input {
			continue
		}
		for _, st := range node.Stages {
			n += loopnest.NumScheduleFeatures + len(st.Features)
		}
	}
	return n
}

// WriteFeatures writes the featurization record of a complete schedule as
// little-endian float32 values. Funcs appear in schedule order, skipping
// inputs, and the stages of each func from the last update to the initial
// definition. Each stage contributes its schedule features followed by
// its pipeline features.
func (s *State) WriteFeatures(ctx *SearchContext, w io.Writer) error {
	if !s.IsTerminal(ctx.Graph) {
		return ErrIncomplete
	}
	features := s.features
	if features == nil {
		var cache loopnest.FeatureCache
		if ctx.Features != nil {
			cache = ctx.Features
		}
		features = s.root.ComputeFeatures(cache)
	}

	bw := bufio.NewWriter(w)
	buf := make([]byte, 4)
	put := func(v float64) error {
		binary.LittleEndian.PutUint32(buf, math.Float32bits(float32(v)))
		_, err := bw.Write(buf)
		return err
	}

	for _, node := range ctx.Graph.Nodes {
		if node.Input {
			continue
		}
		for i := len(node.Stages) - 1; i >= 0; i-- {
			st := node.Stages[i]
			sf, ok := features.Get(st.ID)
			if !ok {
				return fmt.Errorf("stage %s has no schedule features", st)
			}
			for _, v := range sf.Slice() {
				if err := put(v); err != nil {
					return fmt.Errorf("failed to write features: %w", err)
				}
			}
			for _, v := range st.Features {
				if err := put(v); err != nil {
					return fmt.Errorf("failed to write features: %w", err)
				}
			}
		}
	}
	return bw.Flush()
}
