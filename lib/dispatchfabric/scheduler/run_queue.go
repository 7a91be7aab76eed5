// Copyright (C) The Loom Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package scheduler

import (
	"errors"
	"sort"
	"time"

	"github.com/loomsched/loom/lib/dispatchfabric/fitness"
	"github.com/loomsched/loom/lib/dispatchfabric/taskqueue"
	"github.com/loomsched/loom/sdk/go/loom"
	"github.com/sirupsen/logrus"
)

const reasonNoFeasibleNode = "no feasible node"

// runQueue launches one distribution attempt for each admitted task,
// in effective-priority order. Attempts run concurrently; the
// per-UUID lock keeps at most one attempt in flight per task.
func (sch *Scheduler) runQueue(pol *loom.PolicyConfig) {
	t0 := time.Now()
	defer func() { sch.mPassSeconds.Observe(time.Since(t0).Seconds()) }()
	sch.mPasses.Inc()

	unsorted := sch.queue.Entries()
	sorted := make([]taskqueue.QueueEnt, 0, len(unsorted))
	for _, ent := range unsorted {
		if ent.Task.State == loom.TaskStateAdmitted {
			sorted = append(sorted, ent)
		}
	}
	sort.Slice(sorted, func(i, j int) bool {
		if pi, pj := sorted[i].Task.EffectivePriority, sorted[j].Task.EffectivePriority; pi != pj {
			return pi > pj
		}
		// Equal priority: schedule in the order we first saw
		// them, to avoid re-shuffling the queue tail on every
		// pass.
		return sorted[i].FirstSeenAt.Before(sorted[j].FirstSeenAt)
	})
	if len(sorted) == 0 {
		return
	}

	nodes := sch.catalog.Schedulable()
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })

	sch.logger.WithFields(logrus.Fields{
		"Tasks":         len(sorted),
		"Nodes":         len(nodes),
		"PolicyVersion": pol.Version,
	}).Debug("runQueue")

	for _, ent := range sorted {
		go sch.distribute(pol, ent.Task.UUID, nodes)
	}
}

type candidate struct {
	node  loom.Node
	score float64
	pred  fitness.Prediction
	frac  float64
}

// distribute makes one scheduling attempt for one task: filter the
// candidate set through the fitness evaluator, try to commit
// capacity on the best-scoring node, and fall back through the
// remaining feasible candidates if a commit loses a race. The retry
// is bounded by the candidate set; an exhausted set fails the task
// with reasonNoFeasibleNode.
func (sch *Scheduler) distribute(pol *loom.PolicyConfig, taskUUID string, nodes []loom.Node) {
	if !sch.uuidLock(taskUUID, "distribute") {
		return
	}
	defer sch.uuidUnlock(taskUUID)

	logger := sch.logger.WithField("TaskUUID", taskUUID)

	// Re-check under the lock: the task may have been cancelled or
	// expired since runQueue snapshotted the queue.
	task, ok := sch.queue.Get(taskUUID)
	if !ok || task.State != loom.TaskStateAdmitted {
		logger.WithField("State", task.State).Debug("task no longer admitted by the time we decided to distribute it, doing nothing")
		return
	}

	feasible := make([]candidate, 0, len(nodes))
	for _, node := range nodes {
		score, pred, err := sch.evaluator.Score(pol, task, node)
		if errors.Is(err, loom.ErrInfeasible) {
			continue
		} else if err != nil {
			logger.WithError(err).WithField("NodeID", node.ID).Warn("error scoring node")
			continue
		}
		feasible = append(feasible, candidate{
			node:  node,
			score: score,
			pred:  pred,
			frac:  sch.ledger.CommittedFraction(node.ID),
		})
	}
	if len(feasible) == 0 {
		sch.failNoFeasible(logger, taskUUID)
		return
	}

	sort.Slice(feasible, func(i, j int) bool {
		a, b := feasible[i], feasible[j]
		return fitness.Better(pol, a.score, a.node, a.frac, b.score, b.node, b.frac)
	})

	for _, cand := range feasible {
		alloc, err := sch.ledger.TryCommit(cand.node.ID, taskUUID, task.Spec.Resources, task.Deadline)
		if errors.Is(err, loom.ErrInsufficientCapacity) || errors.Is(err, loom.ErrUnknownNode) {
			// Lost a race against another scheduling pass
			// (or the node went away). Try the next
			// feasible candidate.
			sch.mCommitRetries.Inc()
			logger.WithError(err).WithField("NodeID", cand.node.ID).Debug("commit declined, trying next candidate")
			continue
		} else if err != nil {
			logger.WithError(err).WithField("NodeID", cand.node.ID).Warn("error committing capacity")
			continue
		}

		decision := loom.DistributionDecision{
			TaskUUID:         taskUUID,
			NodeID:           cand.node.ID,
			Slice:            task.Spec.Resources,
			Criterion:        task.Spec.Criterion,
			Score:            cand.score,
			PredictedLatency: cand.pred.Latency,
			PredictedEnergy:  cand.pred.Energy,
			PolicyVersion:    pol.Version,
			DecidedAt:        time.Now(),
		}
		if err := sch.queue.MarkAllocated(taskUUID, decision, alloc); err != nil {
			// The task reached a terminal state while we
			// were committing. Undo the reservation; the
			// release path is idempotent so a racing
			// finalizer having released already is fine.
			logger.WithError(err).Info("task finalized during commit, releasing allocation")
			sch.ledger.Release(alloc)
			return
		}
		sch.notifier.TaskAllocated(decision)
		logger.WithFields(logrus.Fields{
			"NodeID": cand.node.ID,
			"Score":  cand.score,
		}).Info("task distributed")
		return
	}

	// Every feasible candidate declined the commit.
	sch.failNoFeasible(logger, taskUUID)
}

func (sch *Scheduler) failNoFeasible(logger logrus.FieldLogger, taskUUID string) {
	sch.mNoFeasible.Inc()
	logger.Warn("no feasible node for task")
	if err := sch.queue.Finalize(taskUUID, loom.TaskStateFailed, reasonNoFeasibleNode, nil); err != nil {
		logger.WithError(err).Warn("error failing task")
	}
}
