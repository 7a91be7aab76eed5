// Copyright (C) The Loom Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package policy holds the active scheduling configuration and
// applies validated replacements atomically.
package policy

import (
	"sync"
	"sync/atomic"

	"github.com/loomsched/loom/sdk/go/loom"
	"github.com/sirupsen/logrus"
)

// A Store holds the single active PolicyConfig. Readers get an
// immutable snapshot; a scheduling pass reads Current() once and uses
// that snapshot end to end, so a concurrent Reconfigure never mixes
// old and new weights inside one decision.
type Store struct {
	logger  logrus.FieldLogger
	current atomic.Pointer[loom.PolicyConfig]

	// serializes writers so version numbers are monotonic
	mtx sync.Mutex

	subscribers map[<-chan struct{}]chan struct{}
	submtx      sync.Mutex
}

// NewStore returns a Store whose initial active configuration is
// initial (after validation). An invalid initial configuration is
// replaced by the built-in default, with a logged warning.
func NewStore(logger logrus.FieldLogger, initial loom.PolicyConfig) *Store {
	s := &Store{
		logger:      logger,
		subscribers: map[<-chan struct{}]chan struct{}{},
	}
	if err := initial.Validate(); err != nil {
		logger.WithError(err).Warn("invalid initial policy, using defaults")
		initial = loom.DefaultPolicyConfig()
	}
	initial.Version = 1
	s.current.Store(&initial)
	return s
}

// Current returns the active configuration snapshot. The returned
// value is shared and must not be modified.
func (s *Store) Current() *loom.PolicyConfig {
	return s.current.Load()
}

// Reconfigure validates cfg and, if it is acceptable, makes it the
// active configuration in one atomic swap. On error the active
// configuration is unchanged. The incoming Version field is ignored;
// the store assigns the next version number.
func (s *Store) Reconfigure(cfg loom.PolicyConfig) error {
	if err := cfg.Validate(); err != nil {
		s.logger.WithError(err).Warn("reconfiguration rejected")
		return err
	}
	s.mtx.Lock()
	cfg.Version = s.current.Load().Version + 1
	s.current.Store(&cfg)
	s.mtx.Unlock()
	s.logger.WithField("PolicyVersion", cfg.Version).Info("policy reconfigured")
	s.notify()
	return nil
}

// Subscribe returns a buffered channel that becomes ready after each
// successful reconfiguration.
func (s *Store) Subscribe() <-chan struct{} {
	s.submtx.Lock()
	defer s.submtx.Unlock()
	ch := make(chan struct{}, 1)
	s.subscribers[ch] = ch
	return ch
}

// Unsubscribe stops sending updates to the given channel.
func (s *Store) Unsubscribe(ch <-chan struct{}) {
	s.submtx.Lock()
	defer s.submtx.Unlock()
	delete(s.subscribers, ch)
}

func (s *Store) notify() {
	s.submtx.Lock()
	defer s.submtx.Unlock()
	for _, ch := range s.subscribers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
