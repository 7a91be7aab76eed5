// Copyright (C) The Loom Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package monitor collects post-execution metrics, maintains rolling
// per-node performance profiles for the fitness evaluator, and
// publishes the metric event stream.
package monitor

import (
	"sync"
	"time"

	"github.com/loomsched/loom/sdk/go/loom"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// ewmaAlpha is the smoothing factor for observed/predicted cost
// ratios. Roughly the last ~10 reports dominate.
const ewmaAlpha = 0.2

// A HealthSetter applies predictive health downgrades. Implemented
// by registry.Registry and test stubs.
type HealthSetter interface {
	SetHealth(nodeID string, health loom.NodeHealth, reason string) error
}

type nodeProfile struct {
	latencyRatio float64 // EWMA of observed/predicted latency
	energyRatio  float64 // EWMA of observed/predicted energy
	reports      int

	// consecutive reports whose ratio exceeded the configured
	// deviation threshold
	deviating int
}

// An EventFilter restricts which events a subscriber receives. Zero
// fields match everything.
type EventFilter struct {
	TaskUUID string
	NodeID   string
	Kinds    []loom.MetricEventKind
}

func (f EventFilter) match(ev loom.MetricEvent) bool {
	if f.TaskUUID != "" && f.TaskUUID != ev.TaskUUID {
		return false
	}
	if f.NodeID != "" && f.NodeID != ev.NodeID {
		return false
	}
	if len(f.Kinds) > 0 {
		ok := false
		for _, k := range f.Kinds {
			if k == ev.Kind {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

type subscriber struct {
	ch     chan loom.MetricEvent
	filter EventFilter
}

// A Monitor is the feedback half of the orchestrator: terminal task
// records arrive through FlushTask (exactly once per task), are
// folded into per-node profiles, and fan out as MetricEvents to
// stream subscribers. Subscribers that fall behind lose events; the
// stream is restartable but never replays.
type Monitor struct {
	logger logrus.FieldLogger
	policy func() *loom.PolicyConfig
	health HealthSetter

	mtx         sync.Mutex
	profiles    map[string]*nodeProfile
	subscribers map[*subscriber]bool

	mReports    prometheus.Counter
	mDowngrades prometheus.Counter
	mDropped    prometheus.Counter
}

// New returns a Monitor. policy supplies the deviation thresholds;
// health receives predictive downgrades.
func New(logger logrus.FieldLogger, reg *prometheus.Registry, policy func() *loom.PolicyConfig, health HealthSetter) *Monitor {
	m := &Monitor{
		logger:      logger,
		policy:      policy,
		health:      health,
		profiles:    map[string]*nodeProfile{},
		subscribers: map[*subscriber]bool{},
	}
	m.registerMetrics(reg)
	return m
}

func (m *Monitor) registerMetrics(reg *prometheus.Registry) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m.mReports = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "loom",
		Subsystem: "monitor",
		Name:      "reports_total",
		Help:      "Number of execution reports folded into node profiles.",
	})
	reg.MustRegister(m.mReports)
	m.mDowngrades = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "loom",
		Subsystem: "monitor",
		Name:      "predictive_downgrades_total",
		Help:      "Number of node health downgrades triggered by prediction deviation.",
	})
	reg.MustRegister(m.mDowngrades)
	m.mDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "loom",
		Subsystem: "monitor",
		Name:      "stream_events_dropped_total",
		Help:      "Number of metric events dropped because a subscriber fell behind.",
	})
	reg.MustRegister(m.mDropped)
}

// FlushTask implements taskqueue.Flusher. It publishes the task's
// terminal event and, when execution metrics and a decision are both
// present, updates the executing node's performance profile.
func (m *Monitor) FlushTask(task loom.Task, decision *loom.DistributionDecision, observed *loom.ExecutionMetrics) {
	ev := loom.MetricEvent{
		Time:     time.Now(),
		TaskUUID: task.UUID,
		State:    task.State,
		Reason:   task.FailureReason,
		Observed: observed,
	}
	switch task.State {
	case loom.TaskStateCompleted:
		ev.Kind = loom.EventTaskCompleted
	case loom.TaskStateFailed:
		ev.Kind = loom.EventTaskFailed
	case loom.TaskStateExpired:
		ev.Kind = loom.EventTaskExpired
	case loom.TaskStateCancelled:
		ev.Kind = loom.EventTaskCancelled
	default:
		return
	}
	if decision != nil {
		ev.NodeID = decision.NodeID
		ev.PredictedLatency = decision.PredictedLatency
		ev.PredictedEnergy = decision.PredictedEnergy
	}
	if decision != nil && observed != nil {
		m.report(decision, *observed)
	}
	m.publish(ev)
}

// TaskAllocated publishes the allocation event for a fresh
// distribution decision.
func (m *Monitor) TaskAllocated(decision loom.DistributionDecision) {
	m.publish(loom.MetricEvent{
		Time:             time.Now(),
		Kind:             loom.EventTaskAllocated,
		TaskUUID:         decision.TaskUUID,
		NodeID:           decision.NodeID,
		State:            loom.TaskStateAllocated,
		PredictedLatency: decision.PredictedLatency,
		PredictedEnergy:  decision.PredictedEnergy,
	})
}

// report folds one observation into the node's rolling profile and
// applies predictive degradation when observed cost persistently
// exceeds predictions: that is a performance failure even while
// heartbeats look fine.
func (m *Monitor) report(decision *loom.DistributionDecision, observed loom.ExecutionMetrics) {
	pol := m.policy()
	nodeID := decision.NodeID

	latRatio := ratio(float64(observed.Latency), float64(decision.PredictedLatency))
	energyRatio := ratio(observed.Energy, decision.PredictedEnergy)

	m.mtx.Lock()
	prof, ok := m.profiles[nodeID]
	if !ok {
		prof = &nodeProfile{latencyRatio: 1, energyRatio: 1}
		m.profiles[nodeID] = prof
	}
	prof.latencyRatio = ewma(prof.latencyRatio, latRatio)
	prof.energyRatio = ewma(prof.energyRatio, energyRatio)
	prof.reports++
	if latRatio > pol.DeviationRatio || energyRatio > pol.DeviationRatio {
		prof.deviating++
	} else {
		prof.deviating = 0
	}
	deviating := prof.deviating
	m.mtx.Unlock()
	m.mReports.Inc()

	if deviating >= pol.DeviationWindow {
		m.mDowngrades.Inc()
		m.logger.WithFields(logrus.Fields{
			"NodeID":       nodeID,
			"LatencyRatio": latRatio,
			"EnergyRatio":  energyRatio,
			"Deviating":    deviating,
		}).Warn("persistent prediction deviation, degrading node")
		if err := m.health.SetHealth(nodeID, loom.NodeDegraded, "predicted/observed cost deviation"); err != nil {
			m.logger.WithError(err).WithField("NodeID", nodeID).Warn("error degrading node")
		}
		m.publish(loom.MetricEvent{
			Time:   time.Now(),
			Kind:   loom.EventNodeDegraded,
			NodeID: nodeID,
			Reason: "predicted/observed cost deviation",
		})
		m.mtx.Lock()
		prof.deviating = 0
		m.mtx.Unlock()
	}
}

// LatencyFactor implements fitness.ProfileSource.
func (m *Monitor) LatencyFactor(nodeID string) float64 {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if prof, ok := m.profiles[nodeID]; ok && prof.reports > 0 {
		return prof.latencyRatio
	}
	return 1
}

// EnergyFactor implements fitness.ProfileSource.
func (m *Monitor) EnergyFactor(nodeID string) float64 {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if prof, ok := m.profiles[nodeID]; ok && prof.reports > 0 {
		return prof.energyRatio
	}
	return 1
}

// ForgetNode drops a node's profile, e.g. after deregistration.
func (m *Monitor) ForgetNode(nodeID string) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	delete(m.profiles, nodeID)
}

// Events subscribes to the metric event stream. The returned channel
// is unbounded in duration but carries no history: a re-subscribing
// consumer resumes from "now". The returned cancel func must be
// called to release the subscription.
func (m *Monitor) Events(filter EventFilter) (<-chan loom.MetricEvent, func()) {
	sub := &subscriber{
		ch:     make(chan loom.MetricEvent, 64),
		filter: filter,
	}
	m.mtx.Lock()
	m.subscribers[sub] = true
	m.mtx.Unlock()
	cancel := func() {
		m.mtx.Lock()
		if m.subscribers[sub] {
			delete(m.subscribers, sub)
			close(sub.ch)
		}
		m.mtx.Unlock()
	}
	return sub.ch, cancel
}

func (m *Monitor) publish(ev loom.MetricEvent) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	for sub := range m.subscribers {
		if !sub.filter.match(ev) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			m.mDropped.Inc()
		}
	}
}

func ewma(prev, sample float64) float64 {
	return prev + ewmaAlpha*(sample-prev)
}

// ratio returns observed/predicted, clamped to 1 when the prediction
// was zero or missing.
func ratio(observed, predicted float64) float64 {
	if predicted <= 0 || observed <= 0 {
		return 1
	}
	return observed / predicted
}
