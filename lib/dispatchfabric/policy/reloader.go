// Copyright (C) The Loom Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package policy

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/loomsched/loom/sdk/go/loom"
	"github.com/sirupsen/logrus"
)

// A Reloader watches the service config file and applies its Policy
// section to a Store whenever the file changes. A file that fails to
// load or validate leaves the active configuration unchanged.
type Reloader struct {
	logger logrus.FieldLogger
	store  *Store
	path   string
}

// NewReloader returns an unstarted Reloader for the given config
// file path.
func NewReloader(logger logrus.FieldLogger, store *Store, path string) *Reloader {
	return &Reloader{logger: logger, store: store, path: path}
}

// Run watches the config file until ctx is cancelled. Editors often
// replace files by rename, so the watch is on the parent directory
// and events are filtered by name.
func (r *Reloader) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	dir := filepath.Dir(r.path)
	if err := watcher.Add(dir); err != nil {
		return err
	}
	r.logger.WithField("path", r.path).Info("watching config for policy changes")

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(r.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			r.reload()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.logger.WithError(err).Warn("config watch error")
		}
	}
}

func (r *Reloader) reload() {
	cfg, err := loom.LoadConfig(r.path)
	if err != nil {
		r.logger.WithError(err).Warn("config changed but could not be loaded, keeping current policy")
		return
	}
	if err := r.store.Reconfigure(cfg.Policy); err != nil {
		// Reconfigure already logged the rejection.
		return
	}
}
