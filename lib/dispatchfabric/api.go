// Copyright (C) The Loom Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package dispatchfabric

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/julienschmidt/httprouter"
	"github.com/loomsched/loom/lib/dispatchfabric/monitor"
	"github.com/loomsched/loom/lib/dispatchfabric/registry"
	"github.com/loomsched/loom/sdk/go/loom"
)

type submitRequest struct {
	Spec     loom.TaskSpec `json:"spec"`
	Priority int           `json:"priority"`
	Timeout  loom.Duration `json:"timeout"`
}

type submitResponse struct {
	TaskUUID string `json:"task_uuid"`
}

func (disp *Dispatcher) apiSubmit(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		disp.sendError(w, loom.InvalidTaskSpecError{Reason: err.Error()})
		return
	}
	uuid, err := disp.queue.Submit(req.Spec, req.Priority, req.Timeout)
	if err != nil {
		disp.sendError(w, err)
		return
	}
	disp.sendJSON(w, http.StatusAccepted, submitResponse{TaskUUID: uuid})
}

func (disp *Dispatcher) apiTaskStatus(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	task, ok := disp.queue.Get(ps.ByName("uuid"))
	if !ok {
		disp.sendError(w, loom.ErrUnknownTask)
		return
	}
	disp.sendJSON(w, http.StatusOK, task)
}

func (disp *Dispatcher) apiCancel(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	err := disp.queue.Cancel(ps.ByName("uuid"), "cancelled by caller")
	if err != nil {
		disp.sendError(w, err)
		return
	}
	disp.sendJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

type completeRequest struct {
	Metrics loom.ExecutionMetrics `json:"metrics"`

	// Error is the execution collaborator's failure description,
	// recorded as the task's failure reason when Success is false.
	Error string `json:"error,omitempty"`
}

// apiComplete is the execution collaborator's completion report. It
// finalizes the task (Completed or Failed), which releases its
// allocation and feeds the observed metrics back into the node's
// performance profile.
func (disp *Dispatcher) apiComplete(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	uuid := ps.ByName("uuid")
	var req completeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		disp.sendError(w, loom.InvalidTaskSpecError{Reason: err.Error()})
		return
	}
	state := loom.TaskStateCompleted
	reason := ""
	if !req.Metrics.Success {
		state = loom.TaskStateFailed
		reason = req.Error
		if reason == "" {
			reason = "execution failed"
		}
	}
	if err := disp.queue.Finalize(uuid, state, reason, &req.Metrics); err != nil {
		disp.sendError(w, err)
		return
	}
	disp.sendJSON(w, http.StatusOK, map[string]string{"status": string(state)})
}

func (disp *Dispatcher) apiRegisterNode(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var node loom.Node
	if err := json.NewDecoder(r.Body).Decode(&node); err != nil {
		disp.sendError(w, loom.InvalidTaskSpecError{Reason: err.Error()})
		return
	}
	if err := disp.nodes.Register(node); err != nil {
		disp.sendError(w, err)
		return
	}
	disp.ledger.AddNode(node.ID, node.Capacity)
	disp.sendJSON(w, http.StatusCreated, map[string]string{"node_id": node.ID})
}

func (disp *Dispatcher) apiDeregisterNode(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id := ps.ByName("id")
	if err := disp.nodes.Deregister(id); err != nil {
		disp.sendError(w, err)
		return
	}
	disp.ledger.RemoveNode(id)
	disp.monitor.ForgetNode(id)
	disp.sendJSON(w, http.StatusOK, map[string]string{"status": "deregistered"})
}

func (disp *Dispatcher) apiHeartbeat(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	var hb loom.HeartbeatMetrics
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&hb); err != nil {
			disp.sendError(w, loom.InvalidTaskSpecError{Reason: err.Error()})
			return
		}
	}
	// Unknown-node heartbeats are dropped inside the registry, not
	// reported: they may arrive after a deregistration race.
	disp.nodes.Heartbeat(ps.ByName("id"), hb)
	w.WriteHeader(http.StatusNoContent)
}

func (disp *Dispatcher) apiListNodes(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	filter := registryFilterFromQuery(r)
	disp.sendJSON(w, http.StatusOK, disp.nodes.List(filter))
}

func (disp *Dispatcher) apiGetPolicy(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	disp.sendJSON(w, http.StatusOK, disp.policy.Current())
}

func (disp *Dispatcher) apiReconfigure(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var cfg loom.PolicyConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		disp.sendError(w, loom.RejectedConfigError{Reason: err.Error()})
		return
	}
	if err := disp.policy.Reconfigure(cfg); err != nil {
		disp.sendError(w, err)
		return
	}
	disp.sendJSON(w, http.StatusOK, disp.policy.Current())
}

// apiStreamMetrics serves the monitor's event stream as a sequence
// of JSON lines. The stream has no replay: a client that reconnects
// resumes from the present.
func (disp *Dispatcher) apiStreamMetrics(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusNotImplemented)
		return
	}
	q := r.URL.Query()
	filter := monitor.EventFilter{
		TaskUUID: q.Get("task"),
		NodeID:   q.Get("node"),
	}
	for _, k := range q["kind"] {
		filter.Kinds = append(filter.Kinds, loom.MetricEventKind(k))
	}
	events, cancel := disp.monitor.Events(filter)
	defer cancel()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	enc := json.NewEncoder(w)
	for {
		select {
		case <-r.Context().Done():
			return
		case <-disp.stopped:
			return
		case ev := <-events:
			if err := enc.Encode(ev); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (disp *Dispatcher) sendJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		disp.logger.WithError(err).Warn("error writing response")
	}
}

func (disp *Dispatcher) sendError(w http.ResponseWriter, err error) {
	var invalid loom.InvalidTaskSpecError
	var rejected loom.RejectedConfigError
	var code int
	switch {
	case errors.As(err, &invalid):
		code = http.StatusBadRequest
	case errors.As(err, &rejected):
		code = http.StatusUnprocessableEntity
	case errors.Is(err, loom.ErrOverloaded):
		code = http.StatusServiceUnavailable
	case errors.Is(err, loom.ErrUnknownTask), errors.Is(err, loom.ErrUnknownNode):
		code = http.StatusNotFound
	case errors.Is(err, loom.ErrDuplicateNode):
		code = http.StatusConflict
	default:
		code = http.StatusInternalServerError
	}
	disp.sendJSON(w, code, map[string]string{"error": err.Error()})
}

func registryFilterFromQuery(r *http.Request) (filter registry.ListFilter) {
	q := r.URL.Query()
	filter.Class = loom.NodeClass(q.Get("class"))
	filter.IncludeUnreachable = q.Get("include_unreachable") != "" && q.Get("include_unreachable") != "false"
	return
}
