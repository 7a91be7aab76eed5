// Copyright (C) The Loom Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package dispatchfabric assembles the orchestration core: node
// registry, capacity ledger, admission queue, fitness evaluator,
// monitor, policy store, and scheduler, behind one HTTP API.
package dispatchfabric

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/loomsched/loom/lib/dispatchfabric/fitness"
	"github.com/loomsched/loom/lib/dispatchfabric/ledger"
	"github.com/loomsched/loom/lib/dispatchfabric/monitor"
	"github.com/loomsched/loom/lib/dispatchfabric/policy"
	"github.com/loomsched/loom/lib/dispatchfabric/registry"
	"github.com/loomsched/loom/lib/dispatchfabric/scheduler"
	"github.com/loomsched/loom/lib/dispatchfabric/taskqueue"
	"github.com/loomsched/loom/sdk/go/ctxlog"
	"github.com/loomsched/loom/sdk/go/loom"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// A Dispatcher is the deployable orchestration unit. Create one with
// Config, Context, and Registry set, then call Start (or let the
// first ServeHTTP call do it) and Close on shutdown.
type Dispatcher struct {
	Config   *loom.Config
	Context  context.Context
	Registry *prometheus.Registry

	logger      logrus.FieldLogger
	policy      *policy.Store
	nodes       *registry.Registry
	ledger      *ledger.Ledger
	monitor     *monitor.Monitor
	queue       *taskqueue.Queue
	evaluator   *fitness.Evaluator
	sched       *scheduler.Scheduler
	httpHandler http.Handler

	setupOnce sync.Once
	stopped   chan struct{}
}

// Start initializes and starts the dispatcher. Start can be called
// multiple times with no ill effect.
func (disp *Dispatcher) Start() {
	disp.setupOnce.Do(disp.setup)
}

// ServeHTTP implements the service handler.
func (disp *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	disp.Start()
	disp.httpHandler.ServeHTTP(w, r)
}

// CheckHealth implements the service handler.
func (disp *Dispatcher) CheckHealth() error {
	disp.Start()
	select {
	case <-disp.stopped:
		return errors.New("dispatcher stopped")
	default:
		return nil
	}
}

// Done implements the service handler.
func (disp *Dispatcher) Done() <-chan struct{} {
	return disp.stopped
}

// Close stops the scheduling loop and background sweeps. Typically
// used in tests.
func (disp *Dispatcher) Close() {
	disp.Start()
	select {
	case <-disp.stopped:
		return
	default:
	}
	disp.sched.Stop()
	disp.nodes.Stop()
	close(disp.stopped)
}

// PolicyStore exposes the active policy store, e.g. to attach a
// config-file reloader.
func (disp *Dispatcher) PolicyStore() *policy.Store {
	disp.Start()
	return disp.policy
}

// Monitor exposes the metric event stream.
func (disp *Dispatcher) Monitor() *monitor.Monitor {
	disp.Start()
	return disp.monitor
}

func (disp *Dispatcher) setup() {
	disp.initialize()
	disp.nodes.Start()
	disp.sched.Start()
}

func (disp *Dispatcher) initialize() {
	disp.logger = ctxlog.FromContext(disp.Context)
	if disp.Config == nil {
		cfg := loom.DefaultConfig()
		disp.Config = &cfg
	}
	if disp.Registry == nil {
		disp.Registry = prometheus.NewRegistry()
	}
	disp.stopped = make(chan struct{})

	disp.policy = policy.NewStore(disp.logger, disp.Config.Policy)
	currentPolicy := disp.policy.Current

	disp.nodes = registry.New(disp.logger, disp.Registry, func() time.Duration {
		return currentPolicy().HeartbeatInterval.Duration()
	})
	disp.ledger = ledger.New(disp.logger, disp.Registry)
	disp.monitor = monitor.New(disp.logger, disp.Registry, currentPolicy, disp.nodes)
	disp.queue = taskqueue.New(disp.logger, disp.Registry, currentPolicy, disp.ledger, disp.monitor, disp.Config.FinalizedCacheSize)
	disp.evaluator = fitness.New(disp.monitor)
	disp.sched = scheduler.New(disp.Context, disp.queue, disp.nodes, disp.ledger, disp.evaluator, disp.policy, disp.monitor, disp.Registry)

	mux := httprouter.New()
	mux.POST("/loom/v1/tasks", disp.apiSubmit)
	mux.GET("/loom/v1/tasks/:uuid", disp.apiTaskStatus)
	mux.POST("/loom/v1/tasks/:uuid/cancel", disp.apiCancel)
	mux.POST("/loom/v1/tasks/:uuid/complete", disp.apiComplete)
	mux.POST("/loom/v1/nodes", disp.apiRegisterNode)
	mux.GET("/loom/v1/nodes", disp.apiListNodes)
	mux.DELETE("/loom/v1/nodes/:id", disp.apiDeregisterNode)
	mux.POST("/loom/v1/nodes/:id/heartbeat", disp.apiHeartbeat)
	mux.GET("/loom/v1/policy", disp.apiGetPolicy)
	mux.POST("/loom/v1/policy", disp.apiReconfigure)
	mux.GET("/loom/v1/metrics/stream", disp.apiStreamMetrics)
	mux.Handler("GET", "/metrics", promhttp.HandlerFor(disp.Registry, promhttp.HandlerOpts{
		ErrorLog: disp.logger,
	}))
	mux.HandlerFunc("GET", "/_health/ping", func(w http.ResponseWriter, r *http.Request) {
		if err := disp.CheckHealth(); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`{"health":"OK"}`))
	})
	disp.httpHandler = mux
}
