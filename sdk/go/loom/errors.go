// Copyright (C) The Loom Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package loom

import (
	"errors"
	"fmt"
)

// Sentinel errors returned across the orchestration API. Callers
// should match them with errors.Is.
var (
	// ErrDuplicateNode is returned by node registration when a
	// node with the same ID is already registered and reachable.
	ErrDuplicateNode = errors.New("node already registered")

	// ErrUnknownNode is returned by operations that name a node
	// ID absent from the registry.
	ErrUnknownNode = errors.New("unknown node")

	// ErrUnknownTask is returned by operations that name a task
	// UUID absent from both the live queue and the finalized
	// cache.
	ErrUnknownTask = errors.New("unknown task")

	// ErrOverloaded is returned by Submit when the
	// admitted-but-unscheduled queue is at its configured bound.
	// It is transient; callers should retry with backoff.
	ErrOverloaded = errors.New("admission queue full")

	// ErrInsufficientCapacity is returned by the capacity ledger
	// when a node's remaining capacity cannot cover the requested
	// slice. The scheduler resolves it locally by trying the next
	// candidate; it is surfaced to callers only when the whole
	// candidate set is exhausted.
	ErrInsufficientCapacity = errors.New("insufficient capacity")

	// ErrNoFeasibleNode is the terminal failure reason for a
	// scheduling attempt whose candidate set contains no feasible
	// node.
	ErrNoFeasibleNode = errors.New("no feasible node")

	// ErrInfeasible is returned by the fitness evaluator when a
	// node structurally cannot satisfy a task's constraints. It
	// prunes the node from consideration; it is never a low score.
	ErrInfeasible = errors.New("node cannot satisfy task constraints")

	// ErrAlreadyAllocated is returned by the capacity ledger when
	// a commit names a task that already holds a live allocation
	// on that node.
	ErrAlreadyAllocated = errors.New("task already has an active allocation")

	// ErrTaskFinalized is returned by state transitions attempted
	// on a task that has already reached a terminal state.
	ErrTaskFinalized = errors.New("task already finalized")
)

// InvalidTaskSpecError rejects a malformed task submission. It is a
// caller error and is never retried by the system.
type InvalidTaskSpecError struct {
	Reason string
}

func (e InvalidTaskSpecError) Error() string {
	return "invalid task spec: " + e.Reason
}

// RejectedConfigError rejects a reconfiguration request. The active
// configuration is left unchanged.
type RejectedConfigError struct {
	Reason string
}

func (e RejectedConfigError) Error() string {
	return fmt.Sprintf("configuration rejected: %s", e.Reason)
}
