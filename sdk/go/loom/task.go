// Copyright (C) The Loom Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package loom

import (
	"encoding/json"
	"time"
)

// TaskState is a task's position in its lifecycle.
type TaskState string

const (
	TaskStateSubmitted TaskState = "Submitted"
	TaskStateAdmitted  TaskState = "Admitted"
	TaskStateAllocated TaskState = "Allocated"
	TaskStateCompleted TaskState = "Completed"
	TaskStateFailed    TaskState = "Failed"
	TaskStateExpired   TaskState = "Expired"
	TaskStateCancelled TaskState = "Cancelled"
)

// Terminal reports whether s is one of the four terminal states. A
// terminal task never transitions again; its allocation (if any) has
// been released and its metrics flushed.
func (s TaskState) Terminal() bool {
	switch s {
	case TaskStateCompleted, TaskStateFailed, TaskStateExpired, TaskStateCancelled:
		return true
	default:
		return false
	}
}

// Criterion selects the optimization objective a task is scheduled
// under.
type Criterion string

const (
	MinimizeLatency    Criterion = "minimize-latency"
	MinimizeEnergy     Criterion = "minimize-energy"
	MaximizeThroughput Criterion = "maximize-throughput"
)

// Valid reports whether c is a known criterion.
func (c Criterion) Valid() bool {
	switch c {
	case MinimizeLatency, MinimizeEnergy, MaximizeThroughput:
		return true
	default:
		return false
	}
}

// A NetworkRequirement constrains the link between the caller and the
// execution node.
type NetworkRequirement struct {
	BandwidthMbps float64  `json:"bandwidth_mbps"`
	MaxLatency    Duration `json:"max_latency"`
}

// A TaskSpec describes the work submitted for execution. The payload
// is opaque to the orchestrator: it is handed unmodified to the
// execution collaborator named by the distribution decision.
type TaskSpec struct {
	Name string `json:"name,omitempty"`

	Resources ResourceVector     `json:"resources"`
	Network   NetworkRequirement `json:"network"`

	// EnergyBudget is the maximum predicted energy cost, in the
	// same abstract units the nodes advertise, that the task may
	// be scheduled at. Zero means unconstrained.
	EnergyBudget float64 `json:"energy_budget,omitempty"`

	Criterion Criterion `json:"criterion"`

	Payload json.RawMessage `json:"payload,omitempty"`
}

// A Task is a unit of work admitted into scheduling. Spec and
// Deadline are immutable once admitted. Priority may be raised by the
// admission controller's aging pass, never lowered.
type Task struct {
	UUID string   `json:"uuid"`
	Spec TaskSpec `json:"spec"`

	// Priority tier as submitted. Higher wins queueing tie-breaks.
	Priority int `json:"priority"`

	// EffectivePriority is Priority plus any aging bump.
	EffectivePriority int `json:"effective_priority"`

	State TaskState `json:"state"`

	// FailureReason is set when State is Failed or Expired.
	FailureReason string `json:"failure_reason,omitempty"`

	Timeout     Duration  `json:"timeout"`
	Deadline    time.Time `json:"deadline"`
	SubmittedAt time.Time `json:"submitted_at"`
	AdmittedAt  time.Time `json:"admitted_at"`
	FinishedAt  time.Time `json:"finished_at,omitempty"`
}

// ExecutionMetrics is the completion report from an execution
// collaborator, fed back into per-node performance profiles.
type ExecutionMetrics struct {
	Latency Duration `json:"latency"`
	Energy  float64  `json:"energy"`
	Success bool     `json:"success"`
}
