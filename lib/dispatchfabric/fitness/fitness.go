// Copyright (C) The Loom Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package fitness scores (task, node) pairs under the active
// scheduling policy. Structural misfits are infeasible, not
// low-scoring: they are pruned from consideration entirely.
package fitness

import (
	"time"

	"github.com/loomsched/loom/sdk/go/loom"
)

// A ProfileSource supplies per-node correction factors derived from
// observed execution metrics: the ratio of observed to predicted
// cost, 1.0 when nothing has been observed yet. Implemented by
// monitor.Monitor and test stubs.
type ProfileSource interface {
	LatencyFactor(nodeID string) float64
	EnergyFactor(nodeID string) float64
}

// An Evaluator computes fitness scores. It is stateless apart from
// the profile source; the policy snapshot is passed per call so a
// whole scheduling pass uses one consistent configuration.
type Evaluator struct {
	profiles ProfileSource
}

// New returns an Evaluator using the given profile source.
func New(profiles ProfileSource) *Evaluator {
	return &Evaluator{profiles: profiles}
}

// A Prediction is the cost estimate backing a score, kept so the
// distribution decision can record what the monitor should later
// compare observations against.
type Prediction struct {
	Latency loom.Duration
	Energy  float64
}

// Score returns the fitness of running task on node, in [0, 1],
// higher is better. It returns loom.ErrInfeasible when the node
// structurally cannot satisfy the task: advertised capacity too
// small, predicted latency above the task's maximum, or predicted
// energy above the task's budget.
func (ev *Evaluator) Score(pol *loom.PolicyConfig, task loom.Task, node loom.Node) (float64, Prediction, error) {
	var pred Prediction

	if !task.Spec.Resources.FitsIn(node.Capacity) {
		return 0, pred, loom.ErrInfeasible
	}

	pred.Latency = ev.predictLatency(node)
	if max := task.Spec.Network.MaxLatency; max > 0 && pred.Latency > max {
		return 0, pred, loom.ErrInfeasible
	}

	pred.Energy = ev.predictEnergy(task, node)
	if budget := task.Spec.EnergyBudget; budget > 0 && pred.Energy > budget {
		return 0, pred, loom.ErrInfeasible
	}

	w := pol.WeightsFor(task.Spec.Criterion)
	score := w.Latency*latencyScore(task, pred.Latency) +
		w.Energy*energyScore(task, pred.Energy) +
		w.Bandwidth*bandwidthScore(task, node)
	return score / w.Sum(), pred, nil
}

func (ev *Evaluator) predictLatency(node loom.Node) loom.Duration {
	lat := node.LinkLatency
	if lat <= 0 {
		lat = node.Class.DefaultLinkLatency()
	}
	return loom.Duration(float64(lat) * ev.profiles.LatencyFactor(node.ID))
}

func (ev *Evaluator) predictEnergy(task loom.Task, node loom.Node) float64 {
	e := float64(task.Spec.Resources.ComputeUnits) * node.EnergyPerComputeUnit
	return e * ev.profiles.EnergyFactor(node.ID)
}

// latencyScore is 1 at zero latency. With a latency constraint it
// falls linearly to 0 at the constraint; without one it decays on a
// 100ms scale.
func latencyScore(task loom.Task, pred loom.Duration) float64 {
	if max := task.Spec.Network.MaxLatency; max > 0 {
		return 1 - float64(pred)/float64(max)
	}
	return 1 / (1 + pred.Duration().Seconds()/(100*time.Millisecond).Seconds())
}

// energyScore is 1 at zero cost. With an energy budget it falls
// linearly to 0 at the budget; without one it decays on the scale of
// the cost itself.
func energyScore(task loom.Task, pred float64) float64 {
	if budget := task.Spec.EnergyBudget; budget > 0 {
		return 1 - pred/budget
	}
	return 1 / (1 + pred)
}

// bandwidthScore is the node's spare bandwidth margin over the task's
// requirement, clamped to [0, 1]. A node with no advertised bandwidth
// scores 0 margin unless the task doesn't care.
func bandwidthScore(task loom.Task, node loom.Node) float64 {
	req := task.Spec.Network.BandwidthMbps
	if req <= 0 {
		return 1
	}
	if node.BandwidthMbps <= 0 {
		return 0
	}
	margin := (node.BandwidthMbps - req) / node.BandwidthMbps
	if margin < 0 {
		return 0
	}
	return margin
}

// Better reports whether the candidate (score a, node na) should
// replace the incumbent (score b, node nb) given the tie-break rule:
// higher score wins; within epsilon, the lower committed-capacity
// fraction wins; if still tied, the lower node ID wins, which keeps
// selection deterministic.
func Better(pol *loom.PolicyConfig, a float64, na loom.Node, fracA float64, b float64, nb loom.Node, fracB float64) bool {
	eps := pol.ScoreEpsilon
	switch {
	case a > b+eps:
		return true
	case b > a+eps:
		return false
	case fracA != fracB:
		return fracA < fracB
	default:
		return na.ID < nb.ID
	}
}
