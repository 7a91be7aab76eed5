// Copyright (C) The Loom Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package loom

import "time"

// NodeClass is the tier an execution node belongs to. It sets the
// default link latency expectation when a node has not yet reported
// one.
type NodeClass string

const (
	NodeClassEdge  NodeClass = "edge"
	NodeClassFog   NodeClass = "fog"
	NodeClassCloud NodeClass = "cloud"
)

// Valid reports whether c is a known node class.
func (c NodeClass) Valid() bool {
	switch c {
	case NodeClassEdge, NodeClassFog, NodeClassCloud:
		return true
	default:
		return false
	}
}

// DefaultLinkLatency returns the latency assumed for a node of this
// class before its first heartbeat reports a measurement.
func (c NodeClass) DefaultLinkLatency() Duration {
	switch c {
	case NodeClassEdge:
		return Duration(1 * time.Millisecond)
	case NodeClassFog:
		return Duration(10 * time.Millisecond)
	default:
		return Duration(50 * time.Millisecond)
	}
}

// NodeHealth is a node's liveness/performance state.
type NodeHealth string

const (
	NodeHealthy     NodeHealth = "healthy"
	NodeDegraded    NodeHealth = "degraded"
	NodeUnreachable NodeHealth = "unreachable"
)

// A Node is an execution target. It is owned by the node registry;
// its committed capacity is tracked separately by the capacity
// ledger, and never exceeds Capacity.
type Node struct {
	ID    string    `json:"id"`
	Class NodeClass `json:"class"`

	// Capacity is the advertised total resource capacity.
	Capacity ResourceVector `json:"capacity"`

	// LinkLatency is the most recent link latency estimate,
	// supplied by the network-awareness collaborator via
	// heartbeats. It is an untrusted hint: task latency
	// constraints are re-validated at commit time.
	LinkLatency Duration `json:"link_latency"`

	// BandwidthMbps is the advertised link bandwidth.
	BandwidthMbps float64 `json:"bandwidth_mbps"`

	// EnergyPerComputeUnit is the node's advertised energy cost
	// hint, in abstract units, for one compute unit of work.
	EnergyPerComputeUnit float64 `json:"energy_per_compute_unit"`

	Health        NodeHealth `json:"health"`
	LastHeartbeat time.Time  `json:"last_heartbeat"`
}

// HeartbeatMetrics carries the per-heartbeat measurements a node (or
// the network-awareness collaborator on its behalf) reports.
type HeartbeatMetrics struct {
	LinkLatency          Duration `json:"link_latency,omitempty"`
	BandwidthMbps        float64  `json:"bandwidth_mbps,omitempty"`
	EnergyPerComputeUnit float64  `json:"energy_per_compute_unit,omitempty"`
}
