// Copyright (C) The Loom Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package loom

import "time"

// MetricEventKind classifies the events published on the monitor's
// metric stream.
type MetricEventKind string

const (
	EventTaskAllocated MetricEventKind = "task_allocated"
	EventTaskCompleted MetricEventKind = "task_completed"
	EventTaskFailed    MetricEventKind = "task_failed"
	EventTaskExpired   MetricEventKind = "task_expired"
	EventTaskCancelled MetricEventKind = "task_cancelled"
	EventNodeDegraded  MetricEventKind = "node_degraded"
)

// A MetricEvent is one entry in the monitor's lazy, unbounded event
// stream. The stream is restartable by re-subscribing; events missed
// while disconnected are not replayed.
type MetricEvent struct {
	Time     time.Time       `json:"time"`
	Kind     MetricEventKind `json:"kind"`
	TaskUUID string          `json:"task_uuid,omitempty"`
	NodeID   string          `json:"node_id,omitempty"`
	State    TaskState       `json:"state,omitempty"`
	Reason   string          `json:"reason,omitempty"`

	// Observed execution metrics, present on completion reports.
	Observed *ExecutionMetrics `json:"observed,omitempty"`

	// Predicted cost from the distribution decision, present when
	// the task had been allocated.
	PredictedLatency Duration `json:"predicted_latency,omitempty"`
	PredictedEnergy  float64  `json:"predicted_energy,omitempty"`
}
