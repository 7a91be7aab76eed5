// Copyright (C) The Loom Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package scheduler maps admitted tasks onto execution nodes in
// priority order, committing capacity through the ledger and
// emitting distribution decisions.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/loomsched/loom/sdk/go/ctxlog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// A Scheduler runs the orchestration loop: it pulls admitted tasks,
// scores candidate nodes with the fitness evaluator, commits an
// allocation via the capacity ledger, and publishes the resulting
// distribution decision. It also ages waiting tasks and expires
// tasks whose deadlines have passed.
//
// Scheduling passes for independent tasks proceed concurrently;
// passes for the same task are serialized through a per-UUID
// operation lock, so at most one attempt per task is in flight.
type Scheduler struct {
	logger    logrus.FieldLogger
	queue     TaskQueue
	catalog   NodeCatalog
	ledger    CapacityLedger
	evaluator FitnessEvaluator
	policy    PolicySource
	notifier  DecisionNotifier

	uuidOp map[string]string // operation in progress: "distribute", "expire", ...
	mtx    sync.Mutex
	wakeup *time.Timer

	runOnce sync.Once
	stop    chan struct{}
	stopped chan struct{}

	mPasses        prometheus.Counter
	mNoFeasible    prometheus.Counter
	mCommitRetries prometheus.Counter
	mExpired       prometheus.Counter
	mPassSeconds   prometheus.Summary
}

// New returns a new unstarted Scheduler.
//
// Any given queue, catalog, and ledger should not be used by more
// than one scheduler at a time.
func New(ctx context.Context, queue TaskQueue, catalog NodeCatalog, ledger CapacityLedger, evaluator FitnessEvaluator, pol PolicySource, notifier DecisionNotifier, reg *prometheus.Registry) *Scheduler {
	sch := &Scheduler{
		logger:    ctxlog.FromContext(ctx),
		queue:     queue,
		catalog:   catalog,
		ledger:    ledger,
		evaluator: evaluator,
		policy:    pol,
		notifier:  notifier,
		uuidOp:    map[string]string{},
		wakeup:    time.NewTimer(time.Second),
		stop:      make(chan struct{}),
		stopped:   make(chan struct{}),
	}
	sch.registerMetrics(reg)
	return sch
}

func (sch *Scheduler) registerMetrics(reg *prometheus.Registry) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	sch.mPasses = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "loom",
		Subsystem: "scheduler",
		Name:      "passes_total",
		Help:      "Number of scheduling passes over the queue.",
	})
	reg.MustRegister(sch.mPasses)
	sch.mNoFeasible = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "loom",
		Subsystem: "scheduler",
		Name:      "no_feasible_node_total",
		Help:      "Number of tasks failed because no candidate node was feasible.",
	})
	reg.MustRegister(sch.mNoFeasible)
	sch.mCommitRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "loom",
		Subsystem: "scheduler",
		Name:      "commit_retries_total",
		Help:      "Number of capacity commits lost to a concurrent pass and retried on the next candidate.",
	})
	reg.MustRegister(sch.mCommitRetries)
	sch.mExpired = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "loom",
		Subsystem: "scheduler",
		Name:      "expired_total",
		Help:      "Number of tasks expired by the deadline sweep.",
	})
	reg.MustRegister(sch.mExpired)
	sch.mPassSeconds = prometheus.NewSummary(prometheus.SummaryOpts{
		Namespace: "loom",
		Subsystem: "scheduler",
		Name:      "pass_seconds",
		Help:      "Time spent in one scheduling pass.",
	})
	reg.MustRegister(sch.mPassSeconds)
}

// Start starts the scheduler.
func (sch *Scheduler) Start() {
	go sch.runOnce.Do(sch.run)
}

// Stop stops the scheduler. No other method should be called after
// Stop.
func (sch *Scheduler) Stop() {
	close(sch.stop)
	<-sch.stopped
}

func (sch *Scheduler) run() {
	defer close(sch.stopped)

	queueNotify := sch.queue.Subscribe()
	defer sch.queue.Unsubscribe(queueNotify)

	catalogNotify := sch.catalog.Subscribe()
	defer sch.catalog.Unsubscribe(catalogNotify)

	sch.logger.Info("scheduler started")
	for {
		// One consistent policy snapshot per iteration: aging,
		// expiry, and every distribute launched below use it,
		// so a concurrent reconfiguration never mixes old and
		// new parameters inside one pass.
		pol := sch.policy.Current()
		now := time.Now()
		sch.queue.AgeWaiting(now)
		sch.sweepExpired(now)
		sch.runQueue(pol)
		select {
		case <-sch.stop:
			sch.logger.Info("scheduler stopped")
			return
		case <-queueNotify:
		case <-catalogNotify:
		case <-sch.wakeup.C:
		case <-time.After(pol.SweepInterval.Duration()):
		}
	}
}

// Acquire a non-blocking lock for the specified UUID, returning true
// if successful. The op argument is used only for debug logs.
//
// If the lock is not available, uuidLock arranges to wake up the
// scheduler loop after a short delay, so it can retry whatever
// operation is trying to get the lock (if that operation is still
// worth doing).
func (sch *Scheduler) uuidLock(uuid, op string) bool {
	sch.mtx.Lock()
	defer sch.mtx.Unlock()
	if cur, locked := sch.uuidOp[uuid]; locked {
		sch.logger.WithFields(logrus.Fields{
			"TaskUUID": uuid,
			"Op":       op,
			"InFlight": cur,
		}).Debug("uuidLock not available")
		sch.wakeup.Reset(time.Second / 4)
		return false
	}
	sch.uuidOp[uuid] = op
	return true
}

func (sch *Scheduler) uuidUnlock(uuid string) {
	sch.mtx.Lock()
	defer sch.mtx.Unlock()
	delete(sch.uuidOp, uuid)
}
