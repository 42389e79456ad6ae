// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package config holds the options of a schedule search. Options are
// built from defaults, an optional HCL file and key=value overrides, in
// that order.
package config

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/hashicorp/go-multierror"
	"github.com/tilesched/tilesched/helper/pointer"
)

const (
	DriverBeam = "beam"
	DriverMCTS = "mcts"
)

// Options configure one search.
type Options struct {
	// Driver selects the search algorithm, "beam" or "mcts".
	Driver string `hcl:"driver,optional"`

	BeamSize int `hcl:"beam_size,optional"`

	// Passes is the number of coarse-to-fine beam passes, including the
	// freeze pre-pass. Zero picks 1 for a greedy search and 5 otherwise.
	Passes int `hcl:"passes,optional"`

	// Parallelism is the number of cores to schedule for.
	Parallelism int `hcl:"parallelism,optional"`

	// MemoryLimit caps the bytes realized at the root, excluding the
	// pipeline outputs. It accepts sizes such as "512MiB". Empty or "-1"
	// means no limit.
	MemoryLimit string `hcl:"memory_limit,optional"`

	Seed uint64 `hcl:"seed,optional"`

	// DropoutPercent is the percentage of states kept after a whole
	// search's worth of random dropout. 100 disables dropout.
	DropoutPercent int `hcl:"dropout_percent,optional"`

	RandomizeTilings bool  `hcl:"randomize_tilings,optional"`
	MaySubtile       *bool `hcl:"may_subtile,optional"`

	// FreezeInlineComputeRoot runs a pre-pass that permanently fixes the
	// placement of the cheapest funcs.
	FreezeInlineComputeRoot *bool `hcl:"freeze_inline_compute_root,optional"`

	DisableBlockCache   bool `hcl:"disable_block_cache,optional"`
	DisableFeatureCache bool `hcl:"disable_feature_cache,optional"`
	FeatureCacheSize    int  `hcl:"feature_cache_size,optional"`

	Thresholds *Thresholds `hcl:"thresholds,block"`
	MCTS       *MCTS       `hcl:"mcts,block"`

	memoryLimit int64
}

// Thresholds are the tuned constants of the pruning heuristics.
type Thresholds struct {
	// RecomputeFactor rejects schedules computing more than this many
	// times the minimum number of points of any stage.
	RecomputeFactor float64 `hcl:"recompute_factor,optional"`

	// MaxInlinedCalls rejects schedules inlining a func this many times
	// or more into one loop body.
	MaxInlinedCalls int64 `hcl:"max_inlined_calls,optional"`

	// IdleLaneWastage stops the search for vectorizations once this
	// fraction of lanes would be idle.
	IdleLaneWastage float64 `hcl:"idle_lane_wastage,optional"`

	// IdleCoreWastage stops the search for parallel tilings once cores
	// would be this underused.
	IdleCoreWastage float64 `hcl:"idle_core_wastage,optional"`

	// IdleCoreThreshold rejects tilings of parallel loops that waste
	// more than this in the last wave of tasks.
	IdleCoreThreshold float64 `hcl:"idle_core_threshold,optional"`

	// MaxTasksFactor bounds the parallel tasks to this many per core.
	MaxTasksFactor int64 `hcl:"max_tasks_factor,optional"`

	// CostSlack is the relative distance from the best terminal state
	// within which states are carried forward to the next pass.
	CostSlack float64 `hcl:"cost_slack,optional"`

	// CollisionPenalty is added when a state was not explored by the
	// previous, coarser pass.
	CollisionPenalty float64 `hcl:"collision_penalty,optional"`
}

// MCTS configures the tree search driver.
type MCTS struct {
	// ExplorationPercent is the chance of descending into a random child
	// at the root. It falls off linearly with depth. Zero always descends
	// into the best child.
	ExplorationPercent  *int `hcl:"exploration_percent,optional"`
	ExploitationPercent *int `hcl:"exploitation_percent,optional"`

	// Iterations is the number of iterations run for the first decision.
	// Later decisions run proportionally fewer, but never fewer than
	// MinIterations.
	Iterations    int `hcl:"iterations,optional"`
	MinIterations int `hcl:"min_iterations,optional"`

	// RolloutLength of zero evaluates nodes without playing out any
	// further decisions.
	RolloutLength *int `hcl:"rollout_length,optional"`

	// BeamSize above one keeps that many nodes per decision instead of
	// committing to the best one.
	BeamSize int `hcl:"beam_size,optional"`
}

// DefaultOptions returns the options of an unconfigured search.
func DefaultOptions() *Options {
	o := &Options{
		Driver:         DriverBeam,
		BeamSize:       32,
		Parallelism:    16,
		MemoryLimit:    "-1",
		DropoutPercent: 100,
	}
	o.Canonicalize()
	return o
}

// DefaultThresholds returns the tuned defaults.
func DefaultThresholds() *Thresholds {
	return &Thresholds{
		RecomputeFactor:   8,
		MaxInlinedCalls:   256,
		IdleLaneWastage:   0.5,
		IdleCoreWastage:   1.2,
		IdleCoreThreshold: 1.1,
		MaxTasksFactor:    16,
		CostSlack:         1.2,
		CollisionPenalty:  10,
	}
}

// DefaultMCTS returns the defaults of the tree search driver.
func DefaultMCTS() *MCTS {
	return &MCTS{
		ExplorationPercent:  pointer.Of(10),
		ExploitationPercent: pointer.Of(80),
		Iterations:          64,
		MinIterations:       4,
		RolloutLength:       pointer.Of(4),
		BeamSize:            1,
	}
}

// Canonicalize fills unset options with defaults.
func (o *Options) Canonicalize() {
	if o.Driver == "" {
		o.Driver = DriverBeam
	}
	if o.BeamSize == 0 {
		o.BeamSize = 32
	}
	if o.Parallelism == 0 {
		o.Parallelism = 16
	}
	if o.MemoryLimit == "" {
		o.MemoryLimit = "-1"
	}
	if o.DropoutPercent == 0 {
		o.DropoutPercent = 100
	}
	if o.MaySubtile == nil {
		o.MaySubtile = pointer.Of(true)
	}
	if o.FreezeInlineComputeRoot == nil {
		o.FreezeInlineComputeRoot = pointer.Of(false)
	}
	if o.FeatureCacheSize == 0 {
		o.FeatureCacheSize = 1 << 16
	}

	def := DefaultThresholds()
	if o.Thresholds == nil {
		o.Thresholds = def
	} else {
		t := o.Thresholds
		t.RecomputeFactor = orDefault(t.RecomputeFactor, def.RecomputeFactor)
		t.MaxInlinedCalls = orDefault(t.MaxInlinedCalls, def.MaxInlinedCalls)
		t.IdleLaneWastage = orDefault(t.IdleLaneWastage, def.IdleLaneWastage)
		t.IdleCoreWastage = orDefault(t.IdleCoreWastage, def.IdleCoreWastage)
		t.IdleCoreThreshold = orDefault(t.IdleCoreThreshold, def.IdleCoreThreshold)
		t.MaxTasksFactor = orDefault(t.MaxTasksFactor, def.MaxTasksFactor)
		t.CostSlack = orDefault(t.CostSlack, def.CostSlack)
		t.CollisionPenalty = orDefault(t.CollisionPenalty, def.CollisionPenalty)
	}

	mdef := DefaultMCTS()
	if o.MCTS == nil {
		o.MCTS = mdef
	} else {
		m := o.MCTS
		// Zero is meaningful for the percents and the rollout length, so
		// only missing values are defaulted.
		if m.ExplorationPercent == nil {
			m.ExplorationPercent = mdef.ExplorationPercent
		}
		if m.ExploitationPercent == nil {
			m.ExploitationPercent = mdef.ExploitationPercent
		}
		if m.RolloutLength == nil {
			m.RolloutLength = mdef.RolloutLength
		}
		m.Iterations = orDefault(m.Iterations, mdef.Iterations)
		m.MinIterations = orDefault(m.MinIterations, mdef.MinIterations)
		m.BeamSize = orDefault(m.BeamSize, mdef.BeamSize)
	}
}

func orDefault[T int | int64 | float64](v, def T) T {
	if v == 0 {
		return def
	}
	return v
}

// Validate checks canonicalized options and resolves the memory limit.
func (o *Options) Validate() error {
	var mErr multierror.Error

	switch o.Driver {
	case DriverBeam, DriverMCTS:
	default:
		_ = multierror.Append(&mErr, fmt.Errorf("driver must be %q or %q, got %q", DriverBeam, DriverMCTS, o.Driver))
	}
	if o.BeamSize < 1 {
		_ = multierror.Append(&mErr, fmt.Errorf("beam_size must be at least 1, got %d", o.BeamSize))
	}
	if o.Passes < 0 {
		_ = multierror.Append(&mErr, fmt.Errorf("passes must not be negative, got %d", o.Passes))
	}
	if o.Parallelism < 1 {
		_ = multierror.Append(&mErr, fmt.Errorf("parallelism must be at least 1, got %d", o.Parallelism))
	}
	if o.DropoutPercent < 1 || o.DropoutPercent > 100 {
		_ = multierror.Append(&mErr, fmt.Errorf("dropout_percent must be between 1 and 100, got %d", o.DropoutPercent))
	}
	if o.FeatureCacheSize < 1 {
		_ = multierror.Append(&mErr, fmt.Errorf("feature_cache_size must be positive, got %d", o.FeatureCacheSize))
	}

	limit, err := parseMemoryLimit(o.MemoryLimit)
	if err != nil {
		_ = multierror.Append(&mErr, err)
	}
	o.memoryLimit = limit

	if t := o.Thresholds; t != nil {
		if t.RecomputeFactor < 1 {
			_ = multierror.Append(&mErr, errors.New("thresholds.recompute_factor must be at least 1"))
		}
		if t.MaxInlinedCalls < 1 {
			_ = multierror.Append(&mErr, errors.New("thresholds.max_inlined_calls must be positive"))
		}
		if t.IdleLaneWastage < 0 || t.IdleLaneWastage > 1 {
			_ = multierror.Append(&mErr, errors.New("thresholds.idle_lane_wastage must be between 0 and 1"))
		}
		if t.IdleCoreWastage < 1 || t.IdleCoreThreshold < 1 || t.CostSlack < 1 {
			_ = multierror.Append(&mErr, errors.New("thresholds idle_core_wastage, idle_core_threshold and cost_slack must be at least 1"))
		}
		if t.MaxTasksFactor < 1 {
			_ = multierror.Append(&mErr, errors.New("thresholds.max_tasks_factor must be positive"))
		}
	}

	if m := o.MCTS; m != nil {
		for name, pct := range map[string]*int{
			"exploration_percent":  m.ExplorationPercent,
			"exploitation_percent": m.ExploitationPercent,
		} {
			if pct != nil && (*pct < 0 || *pct > 100) {
				_ = multierror.Append(&mErr, fmt.Errorf("mcts.%s must be between 0 and 100, got %d", name, *pct))
			}
		}
		if m.MinIterations < 1 || m.Iterations < m.MinIterations {
			_ = multierror.Append(&mErr, fmt.Errorf("mcts iterations (%d) must be at least min_iterations (%d), which must be positive",
				m.Iterations, m.MinIterations))
		}
		if m.RolloutLength != nil && *m.RolloutLength < 0 {
			_ = multierror.Append(&mErr, errors.New("mcts.rollout_length must not be negative"))
		}
		if m.BeamSize < 1 {
			_ = multierror.Append(&mErr, errors.New("mcts.beam_size must be at least 1"))
		}
	}

	return mErr.ErrorOrNil()
}

// PassCount returns the number of beam passes to run.
func (o *Options) PassCount() int {
	switch {
	case o.Passes > 0:
		return o.Passes
	case o.BeamSize == 1:
		return 1
	default:
		return 5
	}
}

// MemoryLimitBytes returns the resolved memory limit, or -1 for no limit.
// It is only meaningful after Validate.
func (o *Options) MemoryLimitBytes() int64 {
	return o.memoryLimit
}

func parseMemoryLimit(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "-1" {
		return -1, nil
	}
	b, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid memory_limit %q: %w", s, err)
	}
	if b > math.MaxInt64 {
		return 0, fmt.Errorf("memory_limit %q is too large", s)
	}
	return int64(b), nil
}

// Copy returns a deep copy of the options.
func (o *Options) Copy() *Options {
	if o == nil {
		return nil
	}
	c := *o
	c.MaySubtile = pointer.Copy(o.MaySubtile)
	c.FreezeInlineComputeRoot = pointer.Copy(o.FreezeInlineComputeRoot)
	if o.Thresholds != nil {
		t := *o.Thresholds
		c.Thresholds = &t
	}
	if o.MCTS != nil {
		m := *o.MCTS
		m.ExplorationPercent = pointer.Copy(o.MCTS.ExplorationPercent)
		m.ExploitationPercent = pointer.Copy(o.MCTS.ExploitationPercent)
		m.RolloutLength = pointer.Copy(o.MCTS.RolloutLength)
		c.MCTS = &m
	}
	return &c
}
