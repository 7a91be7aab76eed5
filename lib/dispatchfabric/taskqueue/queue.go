// Copyright (C) The Loom Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package taskqueue admits tasks into scheduling and owns their
// lifecycle records. Admission validates specs against the active
// policy bounds and applies backpressure; the queue then tracks each
// task from Admitted through exactly one terminal transition, which
// releases its allocation (if any) and flushes its metrics exactly
// once regardless of which path finalized it.
package taskqueue

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"
	"github.com/loomsched/loom/sdk/go/loom"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// A Releaser returns an allocation's capacity to its node.
// Implemented by ledger.Ledger and test stubs.
type Releaser interface {
	Release(loom.Allocation)
}

// A Flusher receives each task's final record once, for feedback
// profiles and the metric event stream. Implemented by
// monitor.Monitor and test stubs.
type Flusher interface {
	FlushTask(task loom.Task, decision *loom.DistributionDecision, observed *loom.ExecutionMetrics)
}

// A QueueEnt is one task's live record.
type QueueEnt struct {
	Task loom.Task

	// FirstSeenAt orders equal-priority tasks so scheduling does
	// not churn between them.
	FirstSeenAt time.Time

	// Decision and Allocation are set when the task reaches
	// Allocated.
	Decision   *loom.DistributionDecision
	Allocation *loom.Allocation

	aged bool
}

type finalizedRecord struct {
	State      loom.TaskState
	Reason     string
	FinishedAt time.Time
}

// A Queue is the admitted-task set. Entries, Get, and the state
// accessors do not block; admission and transitions take the queue
// lock briefly, never while calling out to the releaser or flusher.
type Queue struct {
	logger   logrus.FieldLogger
	policy   func() *loom.PolicyConfig
	releaser Releaser
	flusher  Flusher

	mtx       sync.Mutex
	current   map[string]*QueueEnt
	finalized *lru.TwoQueueCache // uuid -> finalizedRecord

	subscribers map[<-chan struct{}]chan struct{}

	mQueueDepth prometheus.Gauge
	mSubmitted  prometheus.Counter
	mRejected   *prometheus.CounterVec
	mFinalized  *prometheus.CounterVec
	mAged       prometheus.Counter
}

// New returns an empty Queue. policy is consulted at each admission
// so reconfigured bounds apply immediately. finalizedCacheSize bounds
// how many finalized task records remain queryable.
func New(logger logrus.FieldLogger, reg *prometheus.Registry, policy func() *loom.PolicyConfig, releaser Releaser, flusher Flusher, finalizedCacheSize int) *Queue {
	if finalizedCacheSize <= 0 {
		finalizedCacheSize = 10000
	}
	finalized, err := lru.New2Q(finalizedCacheSize)
	if err != nil {
		panic(err)
	}
	q := &Queue{
		logger:      logger,
		policy:      policy,
		releaser:    releaser,
		flusher:     flusher,
		current:     map[string]*QueueEnt{},
		finalized:   finalized,
		subscribers: map[<-chan struct{}]chan struct{}{},
	}
	q.registerMetrics(reg)
	return q
}

func (q *Queue) registerMetrics(reg *prometheus.Registry) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	q.mQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "loom",
		Subsystem: "taskqueue",
		Name:      "admitted_unscheduled",
		Help:      "Number of admitted tasks not yet allocated to a node.",
	})
	reg.MustRegister(q.mQueueDepth)
	q.mSubmitted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "loom",
		Subsystem: "taskqueue",
		Name:      "submitted_total",
		Help:      "Number of tasks admitted.",
	})
	reg.MustRegister(q.mSubmitted)
	q.mRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "loom",
		Subsystem: "taskqueue",
		Name:      "rejected_total",
		Help:      "Number of submissions rejected, by reason.",
	}, []string{"reason"})
	reg.MustRegister(q.mRejected)
	q.mFinalized = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "loom",
		Subsystem: "taskqueue",
		Name:      "finalized_total",
		Help:      "Number of tasks finalized, by terminal state.",
	}, []string{"state"})
	reg.MustRegister(q.mFinalized)
	q.mAged = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "loom",
		Subsystem: "taskqueue",
		Name:      "priority_aged_total",
		Help:      "Number of tasks whose effective priority was raised by aging.",
	})
	reg.MustRegister(q.mAged)
}

// Submit validates a task spec against the active policy bounds and
// admits it. It returns the new task's UUID, or InvalidTaskSpecError
// for a malformed spec, or ErrOverloaded when the
// admitted-but-unscheduled queue is at its bound. Overload is the
// caller's signal to back off; nothing is silently dropped.
func (q *Queue) Submit(spec loom.TaskSpec, priority int, timeout loom.Duration) (string, error) {
	pol := q.policy()
	if err := validateSpec(pol, spec, priority, timeout); err != nil {
		q.mRejected.WithLabelValues("invalid_spec").Inc()
		return "", err
	}
	if timeout <= 0 {
		timeout = pol.DefaultTimeout
	}
	if priority > pol.MaxPriority {
		priority = pol.MaxPriority
	}
	now := time.Now()
	task := loom.Task{
		UUID:              uuid.New().String(),
		Spec:              spec,
		Priority:          priority,
		EffectivePriority: priority,
		State:             loom.TaskStateSubmitted,
		Timeout:           timeout,
		Deadline:          now.Add(timeout.Duration()),
		SubmittedAt:       now,
	}

	q.mtx.Lock()
	if q.pendingLocked() >= pol.QueueBound {
		q.mtx.Unlock()
		q.mRejected.WithLabelValues("overloaded").Inc()
		return "", loom.ErrOverloaded
	}
	task.State = loom.TaskStateAdmitted
	task.AdmittedAt = now
	q.current[task.UUID] = &QueueEnt{Task: task, FirstSeenAt: now}
	q.mQueueDepth.Set(float64(q.pendingLocked()))
	q.mtx.Unlock()

	q.mSubmitted.Inc()
	q.logger.WithFields(logrus.Fields{
		"TaskUUID":  task.UUID,
		"Priority":  priority,
		"Criterion": spec.Criterion,
	}).Debug("task admitted")
	q.notify()
	return task.UUID, nil
}

func validateSpec(pol *loom.PolicyConfig, spec loom.TaskSpec, priority int, timeout loom.Duration) error {
	res := spec.Resources
	if res.IsZero() {
		return loom.InvalidTaskSpecError{Reason: "resource requirement is empty"}
	}
	if res.ComputeUnits < 0 || res.MemoryBytes < 0 || res.AcceleratorUnits < 0 {
		return loom.InvalidTaskSpecError{Reason: "resource requirement has negative component"}
	}
	if res.AcceleratorUnits > 0 && res.AcceleratorClass == "" {
		return loom.InvalidTaskSpecError{Reason: "accelerator units requested without accelerator class"}
	}
	if !pol.MaxTaskResources.IsZero() && !res.FitsIn(pol.MaxTaskResources) {
		return loom.InvalidTaskSpecError{Reason: fmt.Sprintf("resource requirement %v exceeds configured maximum %v", res, pol.MaxTaskResources)}
	}
	if spec.Network.BandwidthMbps < 0 {
		return loom.InvalidTaskSpecError{Reason: "negative bandwidth requirement"}
	}
	if spec.Network.MaxLatency < 0 {
		return loom.InvalidTaskSpecError{Reason: "negative latency constraint"}
	}
	if spec.EnergyBudget < 0 {
		return loom.InvalidTaskSpecError{Reason: "negative energy budget"}
	}
	if spec.Criterion != "" && !spec.Criterion.Valid() {
		return loom.InvalidTaskSpecError{Reason: fmt.Sprintf("unknown criterion %q", spec.Criterion)}
	}
	if priority < 0 {
		return loom.InvalidTaskSpecError{Reason: "negative priority"}
	}
	if timeout < 0 {
		return loom.InvalidTaskSpecError{Reason: "negative timeout"}
	}
	if timeout > pol.MaxTimeout {
		return loom.InvalidTaskSpecError{Reason: fmt.Sprintf("timeout %v exceeds configured maximum %v", timeout, pol.MaxTimeout)}
	}
	return nil
}

// Caller must have lock. Counts admitted-but-unscheduled tasks, the
// population the backpressure bound applies to.
func (q *Queue) pendingLocked() int {
	n := 0
	for _, ent := range q.current {
		if ent.Task.State == loom.TaskStateAdmitted {
			n++
		}
	}
	return n
}

// Entries returns a snapshot of all live task records, keyed by task
// UUID.
func (q *Queue) Entries() map[string]QueueEnt {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	entries := make(map[string]QueueEnt, len(q.current))
	for uuid, ent := range q.current {
		entries[uuid] = *ent
	}
	return entries
}

// Get returns the current record for a task, consulting the
// finalized cache for tasks already dropped from active state. Its
// second return value is false if the task is unknown.
func (q *Queue) Get(taskUUID string) (loom.Task, bool) {
	q.mtx.Lock()
	if ent, ok := q.current[taskUUID]; ok {
		task := ent.Task
		q.mtx.Unlock()
		return task, true
	}
	q.mtx.Unlock()
	if rec, ok := q.finalized.Get(taskUUID); ok {
		fr := rec.(finalizedRecord)
		return loom.Task{
			UUID:          taskUUID,
			State:         fr.State,
			FailureReason: fr.Reason,
			FinishedAt:    fr.FinishedAt,
		}, true
	}
	return loom.Task{}, false
}

// MarkAllocated transitions a task from Admitted to Allocated,
// recording its distribution decision and allocation. It fails if
// the task is no longer Admitted (e.g., cancelled while the
// scheduling pass was running); the caller must then release the
// allocation it just committed.
func (q *Queue) MarkAllocated(taskUUID string, decision loom.DistributionDecision, alloc loom.Allocation) error {
	q.mtx.Lock()
	ent, ok := q.current[taskUUID]
	if !ok {
		q.mtx.Unlock()
		return loom.ErrUnknownTask
	}
	if ent.Task.State != loom.TaskStateAdmitted {
		state := ent.Task.State
		q.mtx.Unlock()
		return fmt.Errorf("cannot allocate task in state %s: %w", state, loom.ErrTaskFinalized)
	}
	ent.Task.State = loom.TaskStateAllocated
	ent.Decision = &decision
	ent.Allocation = &alloc
	q.mQueueDepth.Set(float64(q.pendingLocked()))
	q.mtx.Unlock()
	q.notify()
	return nil
}

// Finalize moves a task to the given terminal state. The first
// finalizer wins: the task's allocation (if any) is released and its
// final record flushed exactly once, and later calls are no-ops so
// racing completion/expiry/cancellation paths are harmless. Unknown
// tasks return ErrUnknownTask.
func (q *Queue) Finalize(taskUUID string, state loom.TaskState, reason string, observed *loom.ExecutionMetrics) error {
	if !state.Terminal() {
		return fmt.Errorf("finalize to non-terminal state %s", state)
	}
	q.mtx.Lock()
	ent, ok := q.current[taskUUID]
	if !ok {
		q.mtx.Unlock()
		if _, done := q.finalized.Get(taskUUID); done {
			return nil
		}
		return loom.ErrUnknownTask
	}
	if ent.Task.State.Terminal() {
		q.mtx.Unlock()
		return nil
	}
	ent.Task.State = state
	if state == loom.TaskStateFailed || state == loom.TaskStateExpired {
		ent.Task.FailureReason = reason
	}
	ent.Task.FinishedAt = time.Now()
	task := ent.Task
	decision := ent.Decision
	alloc := ent.Allocation
	ent.Allocation = nil
	q.finalized.Add(taskUUID, finalizedRecord{State: state, Reason: task.FailureReason, FinishedAt: task.FinishedAt})
	delete(q.current, taskUUID)
	q.mQueueDepth.Set(float64(q.pendingLocked()))
	q.mtx.Unlock()

	if alloc != nil {
		q.releaser.Release(*alloc)
	}
	q.flusher.FlushTask(task, decision, observed)
	q.mFinalized.WithLabelValues(string(state)).Inc()
	q.logger.WithFields(logrus.Fields{
		"TaskUUID": taskUUID,
		"State":    state,
		"Reason":   reason,
	}).Info("task finalized")
	q.notify()
	return nil
}

// Cancel finalizes a task as Cancelled. For a task still waiting in
// the queue this just removes it; for an allocated task the
// allocation is released immediately and the abort of the remote
// execution is best-effort (the cancellation event on the metric
// stream notifies the execution collaborator).
func (q *Queue) Cancel(taskUUID string, reason string) error {
	return q.Finalize(taskUUID, loom.TaskStateCancelled, reason, nil)
}

// AgeWaiting raises the effective priority of tasks that have waited
// longer than the policy's aging fraction of their timeout, one tier
// per task, capped at the maximum tier. Submitted priority is never
// lowered.
func (q *Queue) AgeWaiting(now time.Time) {
	pol := q.policy()
	bumped := 0
	q.mtx.Lock()
	for _, ent := range q.current {
		if ent.Task.State != loom.TaskStateAdmitted || ent.aged {
			continue
		}
		waited := now.Sub(ent.Task.AdmittedAt)
		if waited < time.Duration(pol.AgingFraction*float64(ent.Task.Timeout)) {
			continue
		}
		ent.aged = true
		if ent.Task.EffectivePriority < pol.MaxPriority {
			ent.Task.EffectivePriority++
			bumped++
		}
	}
	q.mtx.Unlock()
	if bumped > 0 {
		q.mAged.Add(float64(bumped))
		q.notify()
	}
}

// Subscribe returns a buffered channel that becomes ready after any
// change to the queue: a task is admitted, allocated, aged, or
// finalized.
func (q *Queue) Subscribe() <-chan struct{} {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	ch := make(chan struct{}, 1)
	q.subscribers[ch] = ch
	return ch
}

// Unsubscribe stops sending updates to the given channel.
func (q *Queue) Unsubscribe(ch <-chan struct{}) {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	delete(q.subscribers, ch)
}

func (q *Queue) notify() {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	for _, ch := range q.subscribers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
