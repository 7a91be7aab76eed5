// Copyright (C) The Loom Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package registry maintains the live catalog of execution nodes and
// their health state.
package registry

import (
	"errors"
	"sync"
	"time"

	"github.com/loomsched/loom/sdk/go/loom"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// A ListFilter restricts List results.
type ListFilter struct {
	// Class, if non-empty, selects nodes of one class.
	Class loom.NodeClass

	// IncludeUnreachable retains unreachable nodes in the result.
	// Scheduling always lists without it; audit tooling sets it.
	IncludeUnreachable bool
}

// A Registry is the owner of all Node records. Heartbeat and health
// updates are applied under the registry lock but are only loosely
// ordered with respect to scheduling passes: a pass may briefly see a
// stale health state, which is acceptable because feasibility is
// re-checked at capacity commit time.
type Registry struct {
	logger logrus.FieldLogger

	mtx   sync.RWMutex
	nodes map[string]*loom.Node

	subscribers map[<-chan struct{}]chan struct{}

	runOnce sync.Once
	stop    chan struct{}
	stopped chan struct{}

	// heartbeatInterval returns the currently configured
	// heartbeat interval (read from the active policy).
	heartbeatInterval func() time.Duration

	mNodes         *prometheus.GaugeVec
	mHeartbeats    prometheus.Counter
	mUnknownHB     prometheus.Counter
	mHealthChanges prometheus.Counter
}

// New returns a Registry. heartbeatInterval is consulted on each
// health sweep so reconfiguration takes effect without a restart.
func New(logger logrus.FieldLogger, reg *prometheus.Registry, heartbeatInterval func() time.Duration) *Registry {
	r := &Registry{
		logger:            logger,
		nodes:             map[string]*loom.Node{},
		subscribers:       map[<-chan struct{}]chan struct{}{},
		stop:              make(chan struct{}),
		stopped:           make(chan struct{}),
		heartbeatInterval: heartbeatInterval,
	}
	r.registerMetrics(reg)
	return r
}

func (r *Registry) registerMetrics(reg *prometheus.Registry) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	r.mNodes = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "loom",
		Subsystem: "registry",
		Name:      "nodes",
		Help:      "Number of registered nodes by health state.",
	}, []string{"health"})
	reg.MustRegister(r.mNodes)
	r.mHeartbeats = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "loom",
		Subsystem: "registry",
		Name:      "heartbeats_total",
		Help:      "Number of heartbeats applied.",
	})
	reg.MustRegister(r.mHeartbeats)
	r.mUnknownHB = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "loom",
		Subsystem: "registry",
		Name:      "unknown_node_heartbeats_total",
		Help:      "Number of heartbeats dropped because the node is not registered.",
	})
	reg.MustRegister(r.mUnknownHB)
	r.mHealthChanges = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "loom",
		Subsystem: "registry",
		Name:      "health_transitions_total",
		Help:      "Number of node health state transitions.",
	})
	reg.MustRegister(r.mHealthChanges)
}

// Start launches the background health sweep. Start can be called
// multiple times with no ill effect.
func (r *Registry) Start() {
	r.runOnce.Do(func() { go r.run() })
}

// Stop halts the health sweep. No other method should be called
// after Stop.
func (r *Registry) Stop() {
	close(r.stop)
	<-r.stopped
}

func (r *Registry) run() {
	defer close(r.stopped)
	for {
		interval := r.heartbeatInterval()
		if interval <= 0 {
			interval = 10 * time.Second
		}
		select {
		case <-r.stop:
			return
		case <-time.After(interval / 2):
			r.sweepHealth(time.Now())
		}
	}
}

// Register adds a node to the catalog. Registration fails with
// ErrDuplicateNode if the ID already exists and has a working
// heartbeat; re-registration of an unreachable node is permitted and
// resets it to healthy.
func (r *Registry) Register(node loom.Node) error {
	if node.ID == "" {
		return errors.New("node id must not be empty")
	}
	if !node.Class.Valid() {
		node.Class = loom.NodeClassCloud
	}
	r.mtx.Lock()
	if cur, ok := r.nodes[node.ID]; ok && cur.Health != loom.NodeUnreachable {
		r.mtx.Unlock()
		return loom.ErrDuplicateNode
	}
	node.Health = loom.NodeHealthy
	node.LastHeartbeat = time.Now()
	if node.LinkLatency <= 0 {
		node.LinkLatency = node.Class.DefaultLinkLatency()
	}
	r.nodes[node.ID] = &node
	r.updateGauges()
	r.mtx.Unlock()
	r.logger.WithFields(logrus.Fields{
		"NodeID": node.ID,
		"Class":  node.Class,
	}).Info("node registered")
	r.notify()
	return nil
}

// Deregister removes a node from the catalog.
func (r *Registry) Deregister(nodeID string) error {
	r.mtx.Lock()
	if _, ok := r.nodes[nodeID]; !ok {
		r.mtx.Unlock()
		return loom.ErrUnknownNode
	}
	delete(r.nodes, nodeID)
	r.updateGauges()
	r.mtx.Unlock()
	r.logger.WithField("NodeID", nodeID).Info("node deregistered")
	r.notify()
	return nil
}

// Heartbeat refreshes a node's liveness and link metrics. A
// heartbeat for an unknown node is dropped, not an error: it may
// arrive after a deregistration race, and punishing the sender would
// achieve nothing.
func (r *Registry) Heartbeat(nodeID string, hb loom.HeartbeatMetrics) {
	r.mtx.Lock()
	node, ok := r.nodes[nodeID]
	if !ok {
		r.mtx.Unlock()
		r.mUnknownHB.Inc()
		r.logger.WithField("NodeID", nodeID).Debug("dropping heartbeat for unknown node")
		return
	}
	node.LastHeartbeat = time.Now()
	if hb.LinkLatency > 0 {
		node.LinkLatency = hb.LinkLatency
	}
	if hb.BandwidthMbps > 0 {
		node.BandwidthMbps = hb.BandwidthMbps
	}
	if hb.EnergyPerComputeUnit > 0 {
		node.EnergyPerComputeUnit = hb.EnergyPerComputeUnit
	}
	changed := false
	// A live heartbeat recovers a degraded node, but not an
	// unreachable one: those must re-register so capacity accounts
	// are rebuilt deliberately.
	if node.Health == loom.NodeDegraded {
		node.Health = loom.NodeHealthy
		changed = true
		r.mHealthChanges.Inc()
		r.updateGauges()
	}
	r.mtx.Unlock()
	r.mHeartbeats.Inc()
	if changed {
		r.notify()
	}
}

// SetHealth applies an explicit health state, e.g. the monitor's
// predictive degradation. Unknown nodes return ErrUnknownNode.
func (r *Registry) SetHealth(nodeID string, health loom.NodeHealth, reason string) error {
	r.mtx.Lock()
	node, ok := r.nodes[nodeID]
	if !ok {
		r.mtx.Unlock()
		return loom.ErrUnknownNode
	}
	if node.Health == health {
		r.mtx.Unlock()
		return nil
	}
	from := node.Health
	node.Health = health
	r.mHealthChanges.Inc()
	r.updateGauges()
	r.mtx.Unlock()
	r.logger.WithFields(logrus.Fields{
		"NodeID": nodeID,
		"From":   from,
		"To":     health,
		"Reason": reason,
	}).Info("node health changed")
	r.notify()
	return nil
}

// List returns a snapshot of nodes matching the filter. Unreachable
// nodes are excluded unless the filter asks for them; they stay in
// the catalog for audit until explicitly deregistered.
func (r *Registry) List(filter ListFilter) []loom.Node {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	nodes := make([]loom.Node, 0, len(r.nodes))
	for _, node := range r.nodes {
		if node.Health == loom.NodeUnreachable && !filter.IncludeUnreachable {
			continue
		}
		if filter.Class != "" && node.Class != filter.Class {
			continue
		}
		nodes = append(nodes, *node)
	}
	return nodes
}

// Schedulable returns the nodes a scheduling pass may consider:
// everything except unreachable nodes.
func (r *Registry) Schedulable() []loom.Node {
	return r.List(ListFilter{})
}

// Get returns a copy of one node record.
func (r *Registry) Get(nodeID string) (loom.Node, bool) {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	node, ok := r.nodes[nodeID]
	if !ok {
		return loom.Node{}, false
	}
	return *node, true
}

// sweepHealth transitions nodes by heartbeat age: one missed interval
// degrades, two make the node unreachable.
func (r *Registry) sweepHealth(now time.Time) {
	interval := r.heartbeatInterval()
	if interval <= 0 {
		return
	}
	changed := 0
	r.mtx.Lock()
	for _, node := range r.nodes {
		age := now.Sub(node.LastHeartbeat)
		var want loom.NodeHealth
		switch {
		case age > 2*interval:
			want = loom.NodeUnreachable
		case age > interval:
			want = loom.NodeDegraded
		default:
			continue
		}
		// Only transition downward here; recovery goes through
		// Heartbeat/Register.
		if node.Health == want || node.Health == loom.NodeUnreachable {
			continue
		}
		r.logger.WithFields(logrus.Fields{
			"NodeID":       node.ID,
			"From":         node.Health,
			"To":           want,
			"HeartbeatAge": age,
		}).Warn("node missed heartbeats")
		node.Health = want
		r.mHealthChanges.Inc()
		changed++
	}
	if changed > 0 {
		r.updateGauges()
	}
	r.mtx.Unlock()
	if changed > 0 {
		r.notify()
	}
}

// Caller must have lock.
func (r *Registry) updateGauges() {
	counts := map[loom.NodeHealth]int{}
	for _, node := range r.nodes {
		counts[node.Health]++
	}
	for _, h := range []loom.NodeHealth{loom.NodeHealthy, loom.NodeDegraded, loom.NodeUnreachable} {
		r.mNodes.WithLabelValues(string(h)).Set(float64(counts[h]))
	}
}

// Subscribe returns a buffered channel that becomes ready after any
// change to the catalog that could have scheduling implications: a
// node registers, recovers, degrades, or disappears.
//
// Additional events that occur while the channel is already ready
// are dropped, so it is OK if the caller services the channel slowly.
func (r *Registry) Subscribe() <-chan struct{} {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	ch := make(chan struct{}, 1)
	r.subscribers[ch] = ch
	return ch
}

// Unsubscribe stops sending updates to the given channel.
func (r *Registry) Unsubscribe(ch <-chan struct{}) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	delete(r.subscribers, ch)
}

func (r *Registry) notify() {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	for _, ch := range r.subscribers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
