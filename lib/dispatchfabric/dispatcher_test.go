// Copyright (C) The Loom Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package dispatchfabric

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
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

var _ = check.Suite(&DispatcherSuite{})

type DispatcherSuite struct {
	disp *Dispatcher
}

func (s *DispatcherSuite) SetUpTest(c *check.C) {
	cfg := loom.DefaultConfig()
	cfg.Policy.SweepInterval = loom.Duration(50 * time.Millisecond)
	s.disp = &Dispatcher{
		Config:   &cfg,
		Context:  ctxlog.Context(context.Background(), ctxlog.TestLogger(c)),
		Registry: prometheus.NewRegistry(),
	}
	s.disp.Start()
}

func (s *DispatcherSuite) TearDownTest(c *check.C) {
	s.disp.Close()
}

func (s *DispatcherSuite) do(c *check.C, method, path string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		c.Assert(json.NewEncoder(&buf).Encode(body), check.IsNil)
	}
	req := httptest.NewRequest(method, path, &buf)
	resp := httptest.NewRecorder()
	s.disp.ServeHTTP(resp, req)
	return resp
}

func (s *DispatcherSuite) registerNode(c *check.C, id string, units int64) {
	resp := s.do(c, "POST", "/loom/v1/nodes", loom.Node{
		ID:          id,
		Class:       loom.NodeClassEdge,
		Capacity:    loom.ResourceVector{ComputeUnits: units, MemoryBytes: 1 << 30},
		LinkLatency: loom.Duration(time.Millisecond),
	})
	c.Assert(resp.Code, check.Equals, http.StatusCreated, check.Commentf("%s", resp.Body.String()))
}

func (s *DispatcherSuite) submitTask(c *check.C, units int64) string {
	resp := s.do(c, "POST", "/loom/v1/tasks", map[string]interface{}{
		"spec": loom.TaskSpec{
			Name:      "integration test task",
			Resources: loom.ResourceVector{ComputeUnits: units, MemoryBytes: 1},
			Criterion: loom.MinimizeLatency,
		},
	})
	c.Assert(resp.Code, check.Equals, http.StatusAccepted, check.Commentf("%s", resp.Body.String()))
	var sr struct {
		TaskUUID string `json:"task_uuid"`
	}
	c.Assert(json.Unmarshal(resp.Body.Bytes(), &sr), check.IsNil)
	c.Assert(sr.TaskUUID, check.Not(check.Equals), "")
	return sr.TaskUUID
}

func (s *DispatcherSuite) waitState(c *check.C, uuid string, want loom.TaskState) loom.Task {
	deadline := time.Now().Add(5 * time.Second)
	for {
		resp := s.do(c, "GET", "/loom/v1/tasks/"+uuid, nil)
		c.Assert(resp.Code, check.Equals, http.StatusOK)
		var task loom.Task
		c.Assert(json.Unmarshal(resp.Body.Bytes(), &task), check.IsNil)
		if task.State == want {
			return task
		}
		if time.Now().After(deadline) {
			c.Fatalf("task %s in state %s, want %s (%s)", uuid, task.State, want, task.FailureReason)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (s *DispatcherSuite) TestSubmitAllocateComplete(c *check.C) {
	s.registerNode(c, "node-1", 10)
	uuid := s.submitTask(c, 2)
	task := s.waitState(c, uuid, loom.TaskStateAllocated)
	c.Check(task.UUID, check.Equals, uuid)

	resp := s.do(c, "POST", "/loom/v1/tasks/"+uuid+"/complete", map[string]interface{}{
		"metrics": loom.ExecutionMetrics{
			Latency: loom.Duration(2 * time.Millisecond),
			Energy:  1.5,
			Success: true,
		},
	})
	c.Assert(resp.Code, check.Equals, http.StatusOK, check.Commentf("%s", resp.Body.String()))
	task = s.waitState(c, uuid, loom.TaskStateCompleted)
	c.Check(task.FailureReason, check.Equals, "")
}

func (s *DispatcherSuite) TestCompleteWithFailure(c *check.C) {
	s.registerNode(c, "node-1", 10)
	uuid := s.submitTask(c, 1)
	s.waitState(c, uuid, loom.TaskStateAllocated)

	resp := s.do(c, "POST", "/loom/v1/tasks/"+uuid+"/complete", map[string]interface{}{
		"metrics": loom.ExecutionMetrics{Success: false},
		"error":   "process exited 137",
	})
	c.Assert(resp.Code, check.Equals, http.StatusOK)
	task := s.waitState(c, uuid, loom.TaskStateFailed)
	c.Check(task.FailureReason, check.Equals, "process exited 137")
}

func (s *DispatcherSuite) TestCancelTask(c *check.C) {
	s.registerNode(c, "node-1", 10)
	uuid := s.submitTask(c, 1)
	resp := s.do(c, "POST", "/loom/v1/tasks/"+uuid+"/cancel", nil)
	c.Assert(resp.Code, check.Equals, http.StatusOK)
	task := s.waitState(c, uuid, loom.TaskStateCancelled)
	c.Check(task.State, check.Equals, loom.TaskStateCancelled)
}

func (s *DispatcherSuite) TestNoFeasibleNodeFailure(c *check.C) {
	// No nodes registered at all: the scheduler must fail the
	// task, not leave it queued forever.
	uuid := s.submitTask(c, 1)
	task := s.waitState(c, uuid, loom.TaskStateFailed)
	c.Check(task.FailureReason, check.Equals, "no feasible node")
}

func (s *DispatcherSuite) TestSubmitInvalidSpec(c *check.C) {
	resp := s.do(c, "POST", "/loom/v1/tasks", map[string]interface{}{
		"spec": loom.TaskSpec{}, // empty resources
	})
	c.Check(resp.Code, check.Equals, http.StatusBadRequest)
}

func (s *DispatcherSuite) TestTaskStatusUnknown(c *check.C) {
	resp := s.do(c, "GET", "/loom/v1/tasks/nonexistent-uuid", nil)
	c.Check(resp.Code, check.Equals, http.StatusNotFound)
}

func (s *DispatcherSuite) TestRegisterDuplicateNode(c *check.C) {
	s.registerNode(c, "node-1", 10)
	resp := s.do(c, "POST", "/loom/v1/nodes", loom.Node{
		ID:       "node-1",
		Class:    loom.NodeClassEdge,
		Capacity: loom.ResourceVector{ComputeUnits: 1, MemoryBytes: 1},
	})
	c.Check(resp.Code, check.Equals, http.StatusConflict)
}

func (s *DispatcherSuite) TestHeartbeatAndList(c *check.C) {
	s.registerNode(c, "node-edge", 10)
	resp := s.do(c, "POST", "/loom/v1/nodes/node-edge/heartbeat", loom.HeartbeatMetrics{})
	c.Check(resp.Code, check.Equals, http.StatusNoContent)

	resp = s.do(c, "GET", "/loom/v1/nodes?class=edge", nil)
	c.Assert(resp.Code, check.Equals, http.StatusOK)
	var nodes []loom.Node
	c.Assert(json.Unmarshal(resp.Body.Bytes(), &nodes), check.IsNil)
	c.Assert(nodes, check.HasLen, 1)
	c.Check(nodes[0].ID, check.Equals, "node-edge")
	c.Check(nodes[0].Health, check.Equals, loom.NodeHealthy)

	resp = s.do(c, "GET", "/loom/v1/nodes?class=cloud", nil)
	c.Assert(resp.Code, check.Equals, http.StatusOK)
	var none []loom.Node
	c.Assert(json.Unmarshal(resp.Body.Bytes(), &none), check.IsNil)
	c.Check(none, check.HasLen, 0)
}

func (s *DispatcherSuite) TestDeregisterNode(c *check.C) {
	s.registerNode(c, "node-1", 10)
	resp := s.do(c, "DELETE", "/loom/v1/nodes/node-1", nil)
	c.Assert(resp.Code, check.Equals, http.StatusOK)
	resp = s.do(c, "DELETE", "/loom/v1/nodes/node-1", nil)
	c.Check(resp.Code, check.Equals, http.StatusNotFound)
}

func (s *DispatcherSuite) TestPolicyReconfigure(c *check.C) {
	resp := s.do(c, "GET", "/loom/v1/policy", nil)
	c.Assert(resp.Code, check.Equals, http.StatusOK)
	var pol loom.PolicyConfig
	c.Assert(json.Unmarshal(resp.Body.Bytes(), &pol), check.IsNil)
	c.Check(pol.Version, check.Equals, int64(1))

	pol.QueueBound = 123
	resp = s.do(c, "POST", "/loom/v1/policy", pol)
	c.Assert(resp.Code, check.Equals, http.StatusOK, check.Commentf("%s", resp.Body.String()))
	var updated loom.PolicyConfig
	c.Assert(json.Unmarshal(resp.Body.Bytes(), &updated), check.IsNil)
	c.Check(updated.Version, check.Equals, int64(2))
	c.Check(updated.QueueBound, check.Equals, 123)

	// Invalid config: rejected, active policy unchanged.
	pol.QueueBound = -1
	resp = s.do(c, "POST", "/loom/v1/policy", pol)
	c.Check(resp.Code, check.Equals, http.StatusUnprocessableEntity)
	resp = s.do(c, "GET", "/loom/v1/policy", nil)
	c.Assert(json.Unmarshal(resp.Body.Bytes(), &updated), check.IsNil)
	c.Check(updated.Version, check.Equals, int64(2))
	c.Check(updated.QueueBound, check.Equals, 123)
}

func (s *DispatcherSuite) TestMetricsEndpoint(c *check.C) {
	s.registerNode(c, "node-1", 10)
	resp := s.do(c, "GET", "/metrics", nil)
	c.Assert(resp.Code, check.Equals, http.StatusOK)
	c.Check(resp.Body.String(), check.Matches, `(?s).*loom_registry_nodes.*`)
}

func (s *DispatcherSuite) TestHealthPing(c *check.C) {
	resp := s.do(c, "GET", "/_health/ping", nil)
	c.Assert(resp.Code, check.Equals, http.StatusOK)
	c.Check(resp.Body.String(), check.Equals, `{"health":"OK"}`)
}

func (s *DispatcherSuite) TestStreamMetrics(c *check.C) {
	srv := httptest.NewServer(s.disp)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/loom/v1/metrics/stream?kind=task_allocated")
	c.Assert(err, check.IsNil)
	defer resp.Body.Close()
	c.Assert(resp.StatusCode, check.Equals, http.StatusOK)
	c.Check(resp.Header.Get("Content-Type"), check.Equals, "application/x-ndjson")

	s.registerNode(c, "node-1", 10)
	uuid := s.submitTask(c, 1)

	type line struct {
		ev  loom.MetricEvent
		err error
	}
	lines := make(chan line, 1)
	go func() {
		var ev loom.MetricEvent
		scanner := bufio.NewScanner(resp.Body)
		if !scanner.Scan() {
			lines <- line{err: fmt.Errorf("stream closed: %v", scanner.Err())}
			return
		}
		err := json.Unmarshal(scanner.Bytes(), &ev)
		lines <- line{ev: ev, err: err}
	}()
	select {
	case l := <-lines:
		c.Assert(l.err, check.IsNil)
		c.Check(l.ev.Kind, check.Equals, loom.EventTaskAllocated)
		c.Check(l.ev.TaskUUID, check.Equals, uuid)
		c.Check(l.ev.NodeID, check.Equals, "node-1")
	case <-time.After(5 * time.Second):
		c.Fatal("no event on metric stream")
	}
}
