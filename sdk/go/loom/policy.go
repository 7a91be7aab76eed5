// Copyright (C) The Loom Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package loom

import (
	"fmt"
	"time"
)

// Weights is the relative importance of each fitness term. A weight
// set is keyed by the task's optimization criterion, so a
// latency-sensitive task and an energy-sensitive task see different
// weightings under the same policy.
type Weights struct {
	Latency   float64 `json:"latency"`
	Energy    float64 `json:"energy"`
	Bandwidth float64 `json:"bandwidth"`
}

// Sum returns the total weight.
func (w Weights) Sum() float64 {
	return w.Latency + w.Energy + w.Bandwidth
}

// PolicyConfig is the process-wide set of scheduling parameters.
// Exactly one version is active at a time; the reconfiguration
// controller replaces it atomically and in-flight scheduling passes
// complete under whichever version they started with.
type PolicyConfig struct {
	// Version is assigned by the policy store on each successful
	// reconfiguration. It is ignored on input.
	Version int64 `json:"version"`

	Weights map[Criterion]Weights `json:"weights"`

	// Admission bounds.
	DefaultTimeout   Duration       `json:"default_timeout"`
	MaxTimeout       Duration       `json:"max_timeout"`
	MaxTaskResources ResourceVector `json:"max_task_resources"`
	QueueBound       int            `json:"queue_bound"`

	// AgingFraction of a task's timeout after which its effective
	// priority is raised one tier, capped at MaxPriority.
	AgingFraction float64 `json:"aging_fraction"`
	MaxPriority   int     `json:"max_priority"`

	// ScoreEpsilon is the margin within which two fitness scores
	// are considered equal for tie-breaking.
	ScoreEpsilon float64 `json:"score_epsilon"`

	// HeartbeatInterval drives node health: one missed interval
	// degrades a node, two make it unreachable.
	HeartbeatInterval Duration `json:"heartbeat_interval"`

	// SweepInterval bounds how long an expired task can linger
	// before it is transitioned and its allocation released.
	SweepInterval Duration `json:"sweep_interval"`

	// DeviationRatio and DeviationWindow configure predictive
	// degradation: a node whose observed/predicted cost ratio
	// exceeds DeviationRatio for DeviationWindow consecutive
	// reports is downgraded even if its heartbeats are current.
	DeviationRatio  float64 `json:"deviation_ratio"`
	DeviationWindow int     `json:"deviation_window"`
}

// DefaultPolicyConfig returns the built-in scheduling policy.
func DefaultPolicyConfig() PolicyConfig {
	return PolicyConfig{
		Weights: map[Criterion]Weights{
			MinimizeLatency:    {Latency: 0.7, Energy: 0.1, Bandwidth: 0.2},
			MinimizeEnergy:     {Latency: 0.1, Energy: 0.7, Bandwidth: 0.2},
			MaximizeThroughput: {Latency: 0.2, Energy: 0.1, Bandwidth: 0.7},
		},
		DefaultTimeout:    Duration(5 * time.Minute),
		MaxTimeout:        Duration(24 * time.Hour),
		QueueBound:        1000,
		AgingFraction:     0.5,
		MaxPriority:       10,
		ScoreEpsilon:      1e-6,
		HeartbeatInterval: Duration(10 * time.Second),
		SweepInterval:     Duration(time.Second),
		DeviationRatio:    2.0,
		DeviationWindow:   5,
	}
}

// Validate checks the structural constraints a policy must satisfy
// before it can be activated. It returns a RejectedConfigError
// describing the first violation found.
func (pc *PolicyConfig) Validate() error {
	// Every known criterion needs a usable weight set: WeightsFor
	// falls back to the minimize-latency entry, and a zero-value
	// fallback would divide scores by a zero weight sum.
	for _, c := range []Criterion{MinimizeLatency, MinimizeEnergy, MaximizeThroughput} {
		if _, ok := pc.Weights[c]; !ok {
			return RejectedConfigError{fmt.Sprintf("no weights configured for criterion %q", c)}
		}
	}
	for c, w := range pc.Weights {
		if !c.Valid() {
			return RejectedConfigError{fmt.Sprintf("unknown criterion %q", c)}
		}
		if w.Latency < 0 || w.Energy < 0 || w.Bandwidth < 0 {
			return RejectedConfigError{fmt.Sprintf("negative weight for criterion %q", c)}
		}
		if w.Sum() <= 0 {
			return RejectedConfigError{fmt.Sprintf("weights for criterion %q sum to %v, need positive total", c, w.Sum())}
		}
	}
	if pc.DefaultTimeout <= 0 {
		return RejectedConfigError{"default timeout must be positive"}
	}
	if pc.MaxTimeout <= 0 || pc.MaxTimeout < pc.DefaultTimeout {
		return RejectedConfigError{"max timeout must be positive and >= default timeout"}
	}
	if pc.QueueBound <= 0 {
		return RejectedConfigError{"queue bound must be positive"}
	}
	if pc.AgingFraction <= 0 || pc.AgingFraction > 1 {
		return RejectedConfigError{"aging fraction must be in (0, 1]"}
	}
	if pc.MaxPriority < 0 {
		return RejectedConfigError{"max priority must be non-negative"}
	}
	if pc.ScoreEpsilon < 0 {
		return RejectedConfigError{"score epsilon must be non-negative"}
	}
	if pc.HeartbeatInterval <= 0 {
		return RejectedConfigError{"heartbeat interval must be positive"}
	}
	if pc.SweepInterval <= 0 {
		return RejectedConfigError{"sweep interval must be positive"}
	}
	if pc.DeviationRatio <= 1 {
		return RejectedConfigError{"deviation ratio must be > 1"}
	}
	if pc.DeviationWindow <= 0 {
		return RejectedConfigError{"deviation window must be positive"}
	}
	return nil
}

// WeightsFor returns the weight set for the given criterion, falling
// back to minimize-latency weights when the criterion has no explicit
// entry.
func (pc *PolicyConfig) WeightsFor(c Criterion) Weights {
	if w, ok := pc.Weights[c]; ok {
		return w
	}
	return pc.Weights[MinimizeLatency]
}
