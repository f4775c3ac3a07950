// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/statetrace/services/ledgerlab/diagnosis"
	"github.com/AleutianAI/statetrace/services/ledgerlab/pipeline"
	"github.com/AleutianAI/statetrace/services/ledgerlab/report"
	"github.com/AleutianAI/statetrace/services/ledgerlab/runstore"
)

func runSweep(cmd *cobra.Command, args []string) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sweepCfg := cfg.Sweep
	if withTwins {
		sweepCfg.Twins = true
	}
	if parallel > 0 {
		sweepCfg.Parallelism = parallel
	}
	if sweepCfg.Thresholds == (diagnosis.Thresholds{}) {
		sweepCfg.Thresholds = diagnosis.DefaultThresholds()
	}

	results, err := pipeline.Sweep(ctx, sweepCfg, appLog.Slog())
	if err != nil {
		log.Fatalf("Sweep failed: %v", err)
	}
	if !runRecords {
		for i := range results {
			results[i].Records = nil
		}
	}

	if !noStore {
		if err := persistResults(results); err != nil {
			log.Fatalf("Failed to persist results: %v", err)
		}
	}
	if err := dumpResults(results); err != nil {
		log.Fatalf("Failed to write result dumps: %v", err)
	}

	violations := cfg.Gate.Check(results)
	fmt.Println(report.RenderSummary(results, violations))
	if len(violations) > 0 {
		os.Exit(1)
	}
}

func persistResults(results []pipeline.RunResult) error {
	store, err := runstore.Open(runstore.Config{
		Path:       cfg.Store.Path,
		InMemory:   cfg.Store.InMemory,
		SyncWrites: cfg.Store.SyncWrites,
	}, appLog.Slog())
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.SaveAll(results); err != nil {
		return err
	}
	appLog.Info("results persisted",
		"store", cfg.Store.Path, "runs", len(results))
	return nil
}

// dumpResults writes the optional JSON and CSV artifacts next to the
// rendered summary. Shared by run and diagnose.
func dumpResults(results []pipeline.RunResult) error {
	if jsonOut != "" {
		f, err := os.Create(jsonOut)
		if err != nil {
			return err
		}
		if err := report.WriteJSON(f, results); err != nil {
			f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}
	}
	if csvOut != "" {
		f, err := os.Create(csvOut)
		if err != nil {
			return err
		}
		if err := report.WriteCSV(f, results); err != nil {
			f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}
	}
	return nil
}
