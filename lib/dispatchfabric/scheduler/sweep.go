// Copyright (C) The Loom Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package scheduler

import (
	"time"

	"github.com/loomsched/loom/sdk/go/loom"
)

// sweepExpired transitions every non-terminal task whose deadline has
// passed to Expired. Finalizing releases the task's allocation, so an
// allocated task's capacity is back in the pool within one sweep
// interval of its deadline.
func (sch *Scheduler) sweepExpired(now time.Time) {
	for uuid, ent := range sch.queue.Entries() {
		if ent.Task.State.Terminal() || ent.Task.Deadline.IsZero() || now.Before(ent.Task.Deadline) {
			continue
		}
		sch.expire(uuid)
	}
}

func (sch *Scheduler) expire(uuid string) {
	if !sch.uuidLock(uuid, "expire") {
		return
	}
	defer sch.uuidUnlock(uuid)
	logger := sch.logger.WithField("TaskUUID", uuid)
	err := sch.queue.Finalize(uuid, loom.TaskStateExpired, "deadline exceeded", nil)
	if err != nil {
		logger.WithError(err).Warn("error expiring task")
		return
	}
	sch.mExpired.Inc()
	logger.Info("task expired")
}
