// Copyright (C) The Loom Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package loom

import "time"

// An Allocation binds one task to a reserved slice of one node's
// capacity. The slice is reserved exclusively for the task until
// released; release happens exactly once regardless of which path
// (completion, failure, expiry, cancellation) terminates the task.
type Allocation struct {
	TaskUUID    string         `json:"task_uuid"`
	NodeID      string         `json:"node_id"`
	Slice       ResourceVector `json:"slice"`
	CommittedAt time.Time      `json:"committed_at"`

	// Expires mirrors the task deadline; the expiry sweep releases
	// allocations whose tasks have passed it.
	Expires time.Time `json:"expires"`
}

// A DistributionDecision is the immutable output of a successful
// scheduling pass. A re-evaluation produces a new decision, never a
// mutation of an old one.
type DistributionDecision struct {
	TaskUUID string         `json:"task_uuid"`
	NodeID   string         `json:"node_id"`
	Slice    ResourceVector `json:"slice"`

	// Criterion the decision was optimized under, and the score it
	// achieved.
	Criterion Criterion `json:"criterion"`
	Score     float64   `json:"score"`

	// Cost predictions used by the fitness evaluator; the monitor
	// compares these against observed execution metrics.
	PredictedLatency Duration `json:"predicted_latency"`
	PredictedEnergy  float64  `json:"predicted_energy"`

	// PolicyVersion is the configuration version the whole pass
	// ran under.
	PolicyVersion int64 `json:"policy_version"`

	DecidedAt time.Time `json:"decided_at"`
}
