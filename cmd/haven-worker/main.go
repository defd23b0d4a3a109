// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Command haven-worker runs a remote site worker. It registers with the
// control plane, polls for execution tasks, runs them through local
// plugins, and spools results to disk so a network outage never drops
// one.
//
// Usage:
//
//	haven-worker run --worker-id cabin-1
//	HAVEN_CONTROL_PLANE_URL=http://haven:8080 haven-worker run
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianHaven/pkg/config"
	"github.com/AleutianAI/AleutianHaven/pkg/logging"
	"github.com/AleutianAI/AleutianHaven/services/controlplane/execution"
	"github.com/AleutianAI/AleutianHaven/services/worker/agent"
	"github.com/AleutianAI/AleutianHaven/services/worker/buffer"
	"github.com/AleutianAI/AleutianHaven/services/worker/client"
)

var (
	configPath string
	workerID   string

	rootCmd = &cobra.Command{
		Use:   "haven-worker",
		Short: "Haven remote site worker",
		Long: `haven-worker executes remediation steps at a remote site on behalf of
the Haven control plane. It claims one task at a time, runs it through
the local execution plugins, and delivers the result with an
idempotency key so retries and replays are safe.`,
	}

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the worker loops",
		RunE:  runWorker,
	}
)

func main() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to haven.yaml (default: built-in defaults)")
	runCmd.Flags().StringVar(&workerID, "worker-id", "", "Worker identity (default: config, else generated)")
	rootCmd.AddCommand(runCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runWorker(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if workerID != "" {
		cfg.Worker.ID = workerID
	}
	if cfg.Worker.ID == "" {
		// A stable identity matters for claim affinity, but a generated
		// one still works for throwaway workers.
		cfg.Worker.ID = "worker-" + uuid.NewString()[:8]
	}

	log := logging.New(logging.Config{
		Level:   logging.ParseLevel(cfg.LogLevel),
		LogDir:  cfg.LogDir,
		Service: "haven-worker",
	})
	defer log.Close()

	spool, err := buffer.New(cfg.BufferConfig(), log)
	if err != nil {
		return err
	}

	cp := client.New(cfg.Worker.ControlPlaneURL, 0)
	router := execution.NewRouter(cfg.StepTimeout.Std(), log, execution.NewMockPlugin())

	agentCfg := agent.Config{
		WorkerID:          cfg.Worker.ID,
		SiteName:          cfg.Worker.SiteName,
		HeartbeatInterval: cfg.Worker.HeartbeatInterval.Std(),
		PollInterval:      cfg.Worker.PollInterval.Std(),
	}
	a, err := agent.New(agentCfg, cp, router, spool, log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("worker starting",
		"worker_id", cfg.Worker.ID,
		"site", cfg.Worker.SiteName,
		"control_plane", cfg.Worker.ControlPlaneURL,
	)

	if err := a.Run(ctx); err != nil && err != context.Canceled {
		return err
	}
	return nil
}
