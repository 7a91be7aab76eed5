// Copyright (C) The Loom Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package ledger tracks committed vs. advertised capacity per node.
// It is the single source of truth for "can this node take this task
// now": a commit is an atomic check-and-reserve against one node, and
// commits against different nodes never block each other.
package ledger

import (
	"sync"
	"time"

	"github.com/loomsched/loom/sdk/go/loom"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// A Ledger maintains one capacity account per registered node.
type Ledger struct {
	logger logrus.FieldLogger

	// mtx guards account map membership only. Commit/release
	// mutual exclusion is per account.
	mtx      sync.RWMutex
	accounts map[string]*account

	mCommittedUnits  *prometheus.GaugeVec
	mCommittedBytes  *prometheus.GaugeVec
	mCommitRaceTotal prometheus.Counter
}

type account struct {
	sync.Mutex
	capacity  loom.ResourceVector
	committed loom.ResourceVector
	allocs    map[string]loom.ResourceVector // taskUUID -> slice
}

// New returns an empty Ledger with its metrics registered on reg.
func New(logger logrus.FieldLogger, reg *prometheus.Registry) *Ledger {
	lgr := &Ledger{
		logger:   logger,
		accounts: map[string]*account{},
	}
	lgr.registerMetrics(reg)
	return lgr
}

func (lgr *Ledger) registerMetrics(reg *prometheus.Registry) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	lgr.mCommittedUnits = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "loom",
		Subsystem: "ledger",
		Name:      "committed_compute_units",
		Help:      "Compute units currently committed per node.",
	}, []string{"node"})
	reg.MustRegister(lgr.mCommittedUnits)
	lgr.mCommittedBytes = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "loom",
		Subsystem: "ledger",
		Name:      "committed_memory_bytes",
		Help:      "Memory bytes currently committed per node.",
	}, []string{"node"})
	reg.MustRegister(lgr.mCommittedBytes)
	lgr.mCommitRaceTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "loom",
		Subsystem: "ledger",
		Name:      "commit_insufficient_capacity_total",
		Help:      "Number of commit attempts declined for insufficient capacity.",
	})
	reg.MustRegister(lgr.mCommitRaceTotal)
}

// AddNode opens (or refreshes) the capacity account for a node. An
// existing account keeps its live allocations; only the advertised
// capacity is updated, so re-registration cannot leak or double-count
// committed capacity.
func (lgr *Ledger) AddNode(nodeID string, capacity loom.ResourceVector) {
	lgr.mtx.Lock()
	defer lgr.mtx.Unlock()
	if acct, ok := lgr.accounts[nodeID]; ok {
		acct.Lock()
		acct.capacity = capacity
		if !acct.committed.FitsIn(capacity) {
			// Live allocations outrun the refreshed capacity. They
			// drain as tasks finish; until then new commits are
			// declined.
			lgr.logger.WithFields(logrus.Fields{
				"NodeID":    nodeID,
				"Capacity":  capacity,
				"Committed": acct.committed,
			}).Warn("refreshed capacity is below committed capacity")
		}
		acct.Unlock()
		return
	}
	lgr.accounts[nodeID] = &account{
		capacity: capacity,
		allocs:   map[string]loom.ResourceVector{},
	}
}

// RemoveNode drops a node's account. Releases against a removed node
// remain no-ops.
func (lgr *Ledger) RemoveNode(nodeID string) {
	lgr.mtx.Lock()
	defer lgr.mtx.Unlock()
	delete(lgr.accounts, nodeID)
	lgr.mCommittedUnits.DeleteLabelValues(nodeID)
	lgr.mCommittedBytes.DeleteLabelValues(nodeID)
}

func (lgr *Ledger) account(nodeID string) (*account, bool) {
	lgr.mtx.RLock()
	defer lgr.mtx.RUnlock()
	acct, ok := lgr.accounts[nodeID]
	return acct, ok
}

// TryCommit atomically reserves slice on the given node for the given
// task. It returns ErrUnknownNode if the node has no account,
// ErrAlreadyAllocated if the task already holds a reservation there,
// and ErrInsufficientCapacity if the node's remaining capacity cannot
// cover the slice. Two concurrent commits whose combined requirement
// exceeds remaining capacity cannot both succeed.
func (lgr *Ledger) TryCommit(nodeID, taskUUID string, slice loom.ResourceVector, expires time.Time) (loom.Allocation, error) {
	acct, ok := lgr.account(nodeID)
	if !ok {
		return loom.Allocation{}, loom.ErrUnknownNode
	}
	acct.Lock()
	defer acct.Unlock()
	if _, dup := acct.allocs[taskUUID]; dup {
		return loom.Allocation{}, loom.ErrAlreadyAllocated
	}
	if !acct.committed.Add(slice).FitsIn(acct.capacity) {
		lgr.mCommitRaceTotal.Inc()
		return loom.Allocation{}, loom.ErrInsufficientCapacity
	}
	acct.committed = acct.committed.Add(slice)
	acct.allocs[taskUUID] = slice
	lgr.mCommittedUnits.WithLabelValues(nodeID).Set(float64(acct.committed.ComputeUnits))
	lgr.mCommittedBytes.WithLabelValues(nodeID).Set(float64(acct.committed.MemoryBytes))
	return loom.Allocation{
		TaskUUID:    taskUUID,
		NodeID:      nodeID,
		Slice:       slice,
		CommittedAt: time.Now(),
		Expires:     expires,
	}, nil
}

// Release returns an allocation's slice to its node. It is
// idempotent: releasing an already-released allocation, or one whose
// node has been removed, is a no-op. Duplicate cleanup from racing
// completion/expiry paths is therefore harmless.
func (lgr *Ledger) Release(alloc loom.Allocation) {
	acct, ok := lgr.account(alloc.NodeID)
	if !ok {
		return
	}
	acct.Lock()
	defer acct.Unlock()
	slice, ok := acct.allocs[alloc.TaskUUID]
	if !ok {
		return
	}
	delete(acct.allocs, alloc.TaskUUID)
	acct.committed = acct.committed.Sub(slice)
	lgr.mCommittedUnits.WithLabelValues(alloc.NodeID).Set(float64(acct.committed.ComputeUnits))
	lgr.mCommittedBytes.WithLabelValues(alloc.NodeID).Set(float64(acct.committed.MemoryBytes))
}

// Committed returns the node's currently committed capacity.
func (lgr *Ledger) Committed(nodeID string) (loom.ResourceVector, bool) {
	acct, ok := lgr.account(nodeID)
	if !ok {
		return loom.ResourceVector{}, false
	}
	acct.Lock()
	defer acct.Unlock()
	return acct.committed, true
}

// CommittedFraction returns the node's load as the largest committed
// fraction across resource dimensions. It is in [0, 1] except when a
// capacity refresh undercut live allocations, in which case it
// exceeds 1 until they drain. Unknown nodes report 1 so tie-breaks
// never prefer them.
func (lgr *Ledger) CommittedFraction(nodeID string) float64 {
	acct, ok := lgr.account(nodeID)
	if !ok {
		return 1
	}
	acct.Lock()
	defer acct.Unlock()
	frac := 0.0
	if acct.capacity.ComputeUnits > 0 {
		if f := float64(acct.committed.ComputeUnits) / float64(acct.capacity.ComputeUnits); f > frac {
			frac = f
		}
	}
	if acct.capacity.MemoryBytes > 0 {
		if f := float64(acct.committed.MemoryBytes) / float64(acct.capacity.MemoryBytes); f > frac {
			frac = f
		}
	}
	if acct.capacity.AcceleratorUnits > 0 {
		if f := float64(acct.committed.AcceleratorUnits) / float64(acct.capacity.AcceleratorUnits); f > frac {
			frac = f
		}
	}
	return frac
}
