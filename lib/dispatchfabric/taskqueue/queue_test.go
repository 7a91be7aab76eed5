// Copyright (C) The Loom Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package taskqueue

import (
	"sync"
	"testing"
	"time"

	"github.com/loomsched/loom/sdk/go/ctxlog"
	"github.com/loomsched/loom/sdk/go/loom"
	"github.com/prometheus/client_golang/prometheus"
	check "gopkg.in/check.v1"
)

// Gocheck boilerplate
func Test(t *testing.T) {
	check.TestingT(t)
}

var _ = check.Suite(&QueueSuite{})

type QueueSuite struct {
	pol      loom.PolicyConfig
	releaser *stubReleaser
	flusher  *stubFlusher
	queue    *Queue
}

type stubReleaser struct {
	mtx      sync.Mutex
	released []loom.Allocation
}

func (r *stubReleaser) Release(alloc loom.Allocation) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.released = append(r.released, alloc)
}

func (r *stubReleaser) count() int {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return len(r.released)
}

type stubFlusher struct {
	mtx     sync.Mutex
	flushed []loom.Task
}

func (f *stubFlusher) FlushTask(task loom.Task, decision *loom.DistributionDecision, observed *loom.ExecutionMetrics) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.flushed = append(f.flushed, task)
}

func (f *stubFlusher) count() int {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	return len(f.flushed)
}

func (s *QueueSuite) SetUpTest(c *check.C) {
	s.pol = loom.DefaultPolicyConfig()
	s.pol.Version = 1
	s.releaser = &stubReleaser{}
	s.flusher = &stubFlusher{}
	s.queue = New(ctxlog.TestLogger(c), prometheus.NewRegistry(), func() *loom.PolicyConfig { return &s.pol }, s.releaser, s.flusher, 100)
}

func (s *QueueSuite) spec() loom.TaskSpec {
	return loom.TaskSpec{
		Name:      "test task",
		Resources: loom.ResourceVector{ComputeUnits: 1, MemoryBytes: 1 << 20},
		Criterion: loom.MinimizeLatency,
	}
}

func (s *QueueSuite) TestSubmitAdmits(c *check.C) {
	uuid, err := s.queue.Submit(s.spec(), 3, 0)
	c.Assert(err, check.IsNil)
	c.Assert(uuid, check.Not(check.Equals), "")

	task, ok := s.queue.Get(uuid)
	c.Assert(ok, check.Equals, true)
	c.Check(task.State, check.Equals, loom.TaskStateAdmitted)
	c.Check(task.Priority, check.Equals, 3)
	c.Check(task.EffectivePriority, check.Equals, 3)
	c.Check(task.Timeout, check.Equals, s.pol.DefaultTimeout)
	c.Check(task.Deadline.After(task.SubmittedAt), check.Equals, true)
}

func (s *QueueSuite) TestSubmitClampsPriority(c *check.C) {
	uuid, err := s.queue.Submit(s.spec(), s.pol.MaxPriority+5, 0)
	c.Assert(err, check.IsNil)
	task, _ := s.queue.Get(uuid)
	c.Check(task.Priority, check.Equals, s.pol.MaxPriority)
}

func (s *QueueSuite) TestValidation(c *check.C) {
	for _, trial := range []struct {
		label    string
		mutate   func(*loom.TaskSpec)
		priority int
		timeout  loom.Duration
	}{
		{"empty resources", func(spec *loom.TaskSpec) { spec.Resources = loom.ResourceVector{} }, 0, 0},
		{"negative compute", func(spec *loom.TaskSpec) { spec.Resources.ComputeUnits = -1 }, 0, 0},
		{"accelerator without class", func(spec *loom.TaskSpec) { spec.Resources.AcceleratorUnits = 2 }, 0, 0},
		{"negative bandwidth", func(spec *loom.TaskSpec) { spec.Network.BandwidthMbps = -1 }, 0, 0},
		{"negative latency", func(spec *loom.TaskSpec) { spec.Network.MaxLatency = -1 }, 0, 0},
		{"negative energy budget", func(spec *loom.TaskSpec) { spec.EnergyBudget = -1 }, 0, 0},
		{"unknown criterion", func(spec *loom.TaskSpec) { spec.Criterion = "fastest" }, 0, 0},
		{"negative priority", func(spec *loom.TaskSpec) {}, -1, 0},
		{"negative timeout", func(spec *loom.TaskSpec) {}, 0, loom.Duration(-time.Second)},
		{"excessive timeout", func(spec *loom.TaskSpec) {}, 0, s.pol.MaxTimeout + 1},
	} {
		c.Logf("=== %s", trial.label)
		spec := s.spec()
		trial.mutate(&spec)
		_, err := s.queue.Submit(spec, trial.priority, trial.timeout)
		c.Check(err, check.FitsTypeOf, loom.InvalidTaskSpecError{})
	}
}

func (s *QueueSuite) TestQueueBoundBackpressure(c *check.C) {
	s.pol.QueueBound = 5
	for i := 0; i < 5; i++ {
		_, err := s.queue.Submit(s.spec(), 0, 0)
		c.Assert(err, check.IsNil)
	}
	_, err := s.queue.Submit(s.spec(), 0, 0)
	c.Check(err, check.Equals, loom.ErrOverloaded)

	// Allocated tasks no longer count against the bound.
	var anyUUID string
	for uuid := range s.queue.Entries() {
		anyUUID = uuid
		break
	}
	err = s.queue.MarkAllocated(anyUUID, loom.DistributionDecision{TaskUUID: anyUUID, NodeID: "node-1"}, loom.Allocation{TaskUUID: anyUUID, NodeID: "node-1"})
	c.Assert(err, check.IsNil)
	_, err = s.queue.Submit(s.spec(), 0, 0)
	c.Check(err, check.IsNil)
}

func (s *QueueSuite) TestMarkAllocatedRequiresAdmitted(c *check.C) {
	uuid, err := s.queue.Submit(s.spec(), 0, 0)
	c.Assert(err, check.IsNil)
	c.Assert(s.queue.Cancel(uuid, "superseded"), check.IsNil)

	err = s.queue.MarkAllocated(uuid, loom.DistributionDecision{}, loom.Allocation{})
	c.Check(err, check.Equals, loom.ErrUnknownTask)

	err = s.queue.MarkAllocated("nonexistent-uuid", loom.DistributionDecision{}, loom.Allocation{})
	c.Check(err, check.Equals, loom.ErrUnknownTask)
}

func (s *QueueSuite) TestFinalizeReleasesAndFlushesOnce(c *check.C) {
	uuid, err := s.queue.Submit(s.spec(), 0, 0)
	c.Assert(err, check.IsNil)
	alloc := loom.Allocation{TaskUUID: uuid, NodeID: "node-1", Slice: s.spec().Resources}
	c.Assert(s.queue.MarkAllocated(uuid, loom.DistributionDecision{TaskUUID: uuid, NodeID: "node-1"}, alloc), check.IsNil)

	// Completion, expiry, and cancellation race; only the first
	// finalizer releases capacity and flushes metrics.
	c.Check(s.queue.Finalize(uuid, loom.TaskStateCompleted, "", &loom.ExecutionMetrics{Success: true}), check.IsNil)
	c.Check(s.queue.Finalize(uuid, loom.TaskStateExpired, "deadline exceeded", nil), check.IsNil)
	c.Check(s.queue.Cancel(uuid, "too late"), check.IsNil)

	c.Check(s.releaser.count(), check.Equals, 1)
	c.Check(s.releaser.released[0], check.DeepEquals, alloc)
	c.Check(s.flusher.count(), check.Equals, 1)
	c.Check(s.flusher.flushed[0].State, check.Equals, loom.TaskStateCompleted)

	task, ok := s.queue.Get(uuid)
	c.Assert(ok, check.Equals, true)
	c.Check(task.State, check.Equals, loom.TaskStateCompleted)
}

func (s *QueueSuite) TestFinalizeConcurrent(c *check.C) {
	uuid, err := s.queue.Submit(s.spec(), 0, 0)
	c.Assert(err, check.IsNil)
	alloc := loom.Allocation{TaskUUID: uuid, NodeID: "node-1"}
	c.Assert(s.queue.MarkAllocated(uuid, loom.DistributionDecision{TaskUUID: uuid, NodeID: "node-1"}, alloc), check.IsNil)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				s.queue.Finalize(uuid, loom.TaskStateCompleted, "", nil)
			} else {
				s.queue.Cancel(uuid, "racing cancel")
			}
		}(i)
	}
	wg.Wait()
	c.Check(s.releaser.count(), check.Equals, 1)
	c.Check(s.flusher.count(), check.Equals, 1)
}

func (s *QueueSuite) TestCancelWaitingTask(c *check.C) {
	uuid, err := s.queue.Submit(s.spec(), 0, 0)
	c.Assert(err, check.IsNil)
	c.Assert(s.queue.Cancel(uuid, "operator request"), check.IsNil)

	// Never allocated, so there is nothing to release, but the
	// final record still flushes.
	c.Check(s.releaser.count(), check.Equals, 0)
	c.Check(s.flusher.count(), check.Equals, 1)

	task, ok := s.queue.Get(uuid)
	c.Assert(ok, check.Equals, true)
	c.Check(task.State, check.Equals, loom.TaskStateCancelled)
	c.Check(len(s.queue.Entries()), check.Equals, 0)
}

func (s *QueueSuite) TestFinalizeUnknownTask(c *check.C) {
	err := s.queue.Finalize("nonexistent-uuid", loom.TaskStateFailed, "x", nil)
	c.Check(err, check.Equals, loom.ErrUnknownTask)
}

func (s *QueueSuite) TestAgeWaiting(c *check.C) {
	s.pol.AgingFraction = 0.5
	uuid, err := s.queue.Submit(s.spec(), 2, loom.Duration(10*time.Second))
	c.Assert(err, check.IsNil)
	task, _ := s.queue.Get(uuid)

	// Not yet past the aging threshold.
	s.queue.AgeWaiting(task.AdmittedAt.Add(4 * time.Second))
	task, _ = s.queue.Get(uuid)
	c.Check(task.EffectivePriority, check.Equals, 2)

	// Past the threshold: one tier, once.
	s.queue.AgeWaiting(task.AdmittedAt.Add(6 * time.Second))
	task, _ = s.queue.Get(uuid)
	c.Check(task.EffectivePriority, check.Equals, 3)
	c.Check(task.Priority, check.Equals, 2)

	s.queue.AgeWaiting(task.AdmittedAt.Add(9 * time.Second))
	task, _ = s.queue.Get(uuid)
	c.Check(task.EffectivePriority, check.Equals, 3)
}

func (s *QueueSuite) TestAgeWaitingRespectsCap(c *check.C) {
	s.pol.AgingFraction = 0.1
	uuid, err := s.queue.Submit(s.spec(), s.pol.MaxPriority, loom.Duration(time.Second))
	c.Assert(err, check.IsNil)
	task, _ := s.queue.Get(uuid)
	s.queue.AgeWaiting(task.AdmittedAt.Add(time.Second))
	task, _ = s.queue.Get(uuid)
	c.Check(task.EffectivePriority, check.Equals, s.pol.MaxPriority)
}

func (s *QueueSuite) TestGetFinalizedFromCache(c *check.C) {
	uuid, err := s.queue.Submit(s.spec(), 0, 0)
	c.Assert(err, check.IsNil)
	c.Assert(s.queue.Finalize(uuid, loom.TaskStateFailed, "no feasible node", nil), check.IsNil)

	task, ok := s.queue.Get(uuid)
	c.Assert(ok, check.Equals, true)
	c.Check(task.State, check.Equals, loom.TaskStateFailed)
	c.Check(task.FailureReason, check.Equals, "no feasible node")
	c.Check(task.FinishedAt.IsZero(), check.Equals, false)

	_, ok = s.queue.Get("some-other-uuid")
	c.Check(ok, check.Equals, false)
}

func (s *QueueSuite) TestSubscribe(c *check.C) {
	ch := s.queue.Subscribe()
	defer s.queue.Unsubscribe(ch)
	_, err := s.queue.Submit(s.spec(), 0, 0)
	c.Assert(err, check.IsNil)
	select {
	case <-ch:
	case <-time.After(time.Second):
		c.Fatal("no notification after submit")
	}
}
