// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Command havend runs the Haven control plane: incident detection, the
// plan approval workflow, the policy gate, the worker task queue, and
// the audit ledger, behind one HTTP API.
//
// Usage:
//
//	havend serve
//	havend serve --config ~/.haven/haven.yaml
//	havend audit verify
//	havend audit prune --older-than 720h --export /tmp/audit.jsonl
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianHaven/pkg/config"
	"github.com/AleutianAI/AleutianHaven/pkg/logging"
	"github.com/AleutianAI/AleutianHaven/services/controlplane/api"
	"github.com/AleutianAI/AleutianHaven/services/controlplane/audit"
	"github.com/AleutianAI/AleutianHaven/services/controlplane/execution"
	"github.com/AleutianAI/AleutianHaven/services/controlplane/loop"
	"github.com/AleutianAI/AleutianHaven/services/controlplane/notify"
	"github.com/AleutianAI/AleutianHaven/services/controlplane/plan"
	"github.com/AleutianAI/AleutianHaven/services/controlplane/policy"
	"github.com/AleutianAI/AleutianHaven/services/controlplane/queue"
	badgerstore "github.com/AleutianAI/AleutianHaven/services/controlplane/storage/badger"
	"github.com/AleutianAI/AleutianHaven/services/controlplane/telemetry"
)

var (
	configPath string

	rootCmd = &cobra.Command{
		Use:   "havend",
		Short: "The Haven homelab remediation control plane",
		Long: `havend watches your homelab, opens incidents for unhealthy resources,
proposes remediation plans, and executes them only after explicit human
approval. Every mutating action lands in a hash-chained audit ledger.`,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the control plane",
		RunE:  runServe,
	}

	auditCmd = &cobra.Command{
		Use:   "audit",
		Short: "Audit ledger tooling",
	}

	auditVerifyCmd = &cobra.Command{
		Use:   "verify",
		Short: "Verify the audit hash chain",
		RunE:  runAuditVerify,
	}

	pruneOlderThan time.Duration
	pruneExport    string

	auditPruneCmd = &cobra.Command{
		Use:   "prune",
		Short: "Export and prune old audit entries",
		Long: `Exports entries older than --older-than to --export as JSON lines and
then deletes them. The chain is verified before and after; checkpoints
are never removed.`,
		RunE: runAuditPrune,
	}
)

func main() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to haven.yaml (default: built-in defaults)")
	auditPruneCmd.Flags().DurationVar(&pruneOlderThan, "older-than", 30*24*time.Hour, "Prune entries older than this")
	auditPruneCmd.Flags().StringVar(&pruneExport, "export", "audit-export.jsonl", "Export file for pruned entries")

	auditCmd.AddCommand(auditVerifyCmd, auditPruneCmd)
	rootCmd.AddCommand(serveCmd, auditCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log := logging.New(logging.Config{
		Level:   logging.ParseLevel(cfg.LogLevel),
		LogDir:  cfg.LogDir,
		Service: "havend",
	})
	defer log.Close()

	db, err := badgerstore.Open(badgerstore.DefaultConfig(cfg.DataDir))
	if err != nil {
		return err
	}
	defer db.Close()
	store := badgerstore.NewStore(db)

	registry := prometheus.NewRegistry()
	metrics := telemetry.New(registry)
	ledger := audit.NewLedger(store, log)

	engine, err := policy.NewEngine(cfg.PolicyConfig(), store, log)
	if err != nil {
		return err
	}

	notifier := notify.NewNotifier(cfg.NotifyBuffer, &notify.LogSink{Log: log}, metrics, log)
	q := queue.NewService(store, store, ledger, metrics, log)

	deps := plan.Deps{
		Policy:   engine,
		Plans:    store,
		Todos:    store,
		History:  store,
		Ledger:   ledger,
		Notifier: notifier,
		Metrics:  metrics,
		Log:      log,
	}
	switch cfg.ExecutionMode {
	case "remote":
		deps.Mode = plan.ModeRemote
		deps.Queue = q
	default:
		deps.Mode = plan.ModeLocal
		deps.Router = execution.NewRouter(cfg.StepTimeout.Std(), log, execution.NewMockPlugin())
	}
	plans, err := plan.NewService(deps)
	if err != nil {
		return err
	}
	q.SetResultConsumer(plans)

	pushObs := loop.NewPushObserver(3 * cfg.LoopInterval.Std())
	detector := loop.NewEngine(store, plans, nil, metrics, cfg.LoopInterval.Std(), log, pushObs)
	handlers := api.NewHandlers(plans, q, store, ledger, pushObs, log)
	server := api.NewServer(cfg.ServerConfig(), handlers, registry, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("havend starting",
		"data_dir", cfg.DataDir,
		"execution_mode", cfg.ExecutionMode,
		"port", cfg.Server.Port,
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Run(ctx) })
	g.Go(func() error {
		notifier.Run(ctx)
		return nil
	})
	g.Go(func() error { return detector.Run(ctx) })

	err = g.Wait()
	if err != nil && err != context.Canceled {
		return err
	}
	return nil
}

func runAuditVerify(cmd *cobra.Command, args []string) error {
	ledger, cleanup, err := openLedger()
	if err != nil {
		return err
	}
	defer cleanup()

	res, err := ledger.VerifyChain(cmd.Context(), 0)
	if err != nil {
		return err
	}
	if !res.Valid {
		return fmt.Errorf("audit chain broken at sequence %d: %s", res.BrokenAtSequence, res.Reason)
	}
	fmt.Printf("audit chain valid: %d entries verified\n", res.EntriesChecked)
	return nil
}

func runAuditPrune(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	db, err := badgerstore.Open(badgerstore.DefaultConfig(cfg.DataDir))
	if err != nil {
		return err
	}
	defer db.Close()
	store := badgerstore.NewStore(db)
	ledger := audit.NewLedger(store, nil)

	out, err := os.Create(pruneExport)
	if err != nil {
		return fmt.Errorf("create export file: %w", err)
	}
	defer out.Close()

	retention := audit.NewRetention(ledger, store, nil)
	pruned, err := retention.Prune(cmd.Context(), out, time.Now().Add(-pruneOlderThan))
	if err != nil {
		return err
	}
	fmt.Printf("pruned %d entries (exported to %s)\n", pruned, pruneExport)
	return nil
}

func openLedger() (*audit.Ledger, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	db, err := badgerstore.Open(badgerstore.DefaultConfig(cfg.DataDir))
	if err != nil {
		return nil, nil, err
	}
	store := badgerstore.NewStore(db)
	return audit.NewLedger(store, nil), func() { _ = db.Close() }, nil
}
