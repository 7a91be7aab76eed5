// Copyright (C) The Loom Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// loom-dispatcher is the task-fabric orchestration service: it admits
// tasks, maintains the node catalog, and distributes work across
// edge/fog/cloud execution nodes.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/loomsched/loom/lib/dispatchfabric"
	"github.com/loomsched/loom/lib/dispatchfabric/policy"
	"github.com/loomsched/loom/sdk/go/ctxlog"
	"github.com/loomsched/loom/sdk/go/loom"
	"github.com/prometheus/client_golang/prometheus"
)

var version = "dev"

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr *os.File) int {
	flags := flag.NewFlagSet("loom-dispatcher", flag.ContinueOnError)
	flags.SetOutput(stderr)
	configPath := flags.String("config", "", "path to YAML config file")
	listen := flags.String("listen", "", "listen address (overrides config)")
	versionFlag := flags.Bool("version", false, "print version and exit")
	if err := flags.Parse(args); err != nil {
		return 2
	}
	if *versionFlag {
		fmt.Fprintf(stdout, "loom-dispatcher %s\n", version)
		return 0
	}

	cfg, err := loom.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "loom-dispatcher: %s\n", err)
		return 1
	}
	if *listen != "" {
		cfg.Listen = *listen
	}

	logger := ctxlog.New(stderr, cfg.LogFormat, cfg.LogLevel)
	ctx, cancel := context.WithCancel(ctxlog.Context(context.Background(), logger.WithField("PID", os.Getpid())))
	defer cancel()

	reg := prometheus.NewRegistry()
	disp := &dispatchfabric.Dispatcher{
		Config:   cfg,
		Context:  ctx,
		Registry: reg,
	}
	disp.Start()
	defer disp.Close()

	if cfg.WatchConfig && *configPath != "" {
		reloader := policy.NewReloader(logger, disp.PolicyStore(), *configPath)
		go func() {
			if err := reloader.Run(ctx); err != nil {
				logger.WithError(err).Warn("config reloader stopped")
			}
		}()
	}

	srv := &http.Server{
		Addr:    cfg.Listen,
		Handler: disp,
	}
	go func() {
		logger.WithFields(map[string]interface{}{
			"Listen":  cfg.Listen,
			"Version": version,
		}).Info("listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("server exited")
			cancel()
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		logger.WithField("Signal", sig.String()).Info("shutting down")
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("error during shutdown")
		return 1
	}
	return 0
}
