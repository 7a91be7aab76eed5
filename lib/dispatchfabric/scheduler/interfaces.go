// Copyright (C) The Loom Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package scheduler

import (
	"time"

	"github.com/loomsched/loom/lib/dispatchfabric/fitness"
	"github.com/loomsched/loom/lib/dispatchfabric/taskqueue"
	"github.com/loomsched/loom/sdk/go/loom"
)

// A TaskQueue is the set of tasks that need to be distributed or
// finalized. Implemented by taskqueue.Queue and test stubs.
type TaskQueue interface {
	Entries() map[string]taskqueue.QueueEnt
	Get(taskUUID string) (loom.Task, bool)
	MarkAllocated(taskUUID string, decision loom.DistributionDecision, alloc loom.Allocation) error
	Finalize(taskUUID string, state loom.TaskState, reason string, observed *loom.ExecutionMetrics) error
	AgeWaiting(now time.Time)
	Subscribe() <-chan struct{}
	Unsubscribe(<-chan struct{})
}

// A NodeCatalog supplies the nodes a scheduling pass may consider.
// Implemented by registry.Registry and test stubs.
type NodeCatalog interface {
	Schedulable() []loom.Node
	Subscribe() <-chan struct{}
	Unsubscribe(<-chan struct{})
}

// A CapacityLedger commits and releases per-node capacity
// reservations. Implemented by ledger.Ledger and test stubs.
type CapacityLedger interface {
	TryCommit(nodeID, taskUUID string, slice loom.ResourceVector, expires time.Time) (loom.Allocation, error)
	Release(loom.Allocation)
	CommittedFraction(nodeID string) float64
}

// A FitnessEvaluator scores a (task, node) pair, returning
// loom.ErrInfeasible for structural misfits. Implemented by
// fitness.Evaluator and test stubs.
type FitnessEvaluator interface {
	Score(pol *loom.PolicyConfig, task loom.Task, node loom.Node) (float64, fitness.Prediction, error)
}

// A PolicySource returns the active policy snapshot. A scheduling
// pass calls Current once and uses that snapshot end to end.
// Implemented by policy.Store and test stubs.
type PolicySource interface {
	Current() *loom.PolicyConfig
}

// A DecisionNotifier observes successful distribution decisions.
// Implemented by monitor.Monitor and test stubs.
type DecisionNotifier interface {
	TaskAllocated(loom.DistributionDecision)
}
