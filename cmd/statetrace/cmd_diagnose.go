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
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/statetrace/services/ledgerlab/pipeline"
	"github.com/AleutianAI/statetrace/services/ledgerlab/report"
	"github.com/AleutianAI/statetrace/services/ledgerlab/runstore"
)

func runDiagnose(cmd *cobra.Command, args []string) {
	store, err := runstore.Open(runstore.Config{
		Path:       cfg.Store.Path,
		InMemory:   cfg.Store.InMemory,
		SyncWrites: cfg.Store.SyncWrites,
	}, appLog.Slog())
	if err != nil {
		log.Fatalf("Failed to open the run store at %s: %v", cfg.Store.Path, err)
	}
	defer store.Close()

	if listAll {
		ids, err := store.List()
		if err != nil {
			log.Fatalf("Failed to list runs: %v", err)
		}
		if len(ids) == 0 {
			fmt.Println("No stored runs.")
			return
		}
		for _, id := range ids {
			fmt.Println(id)
		}
		return
	}

	var results []pipeline.RunResult
	if runID != "" {
		res, err := store.Get(runID)
		if err != nil {
			log.Fatalf("Failed to load run %s: %v", runID, err)
		}
		results = append(results, res)
	} else {
		ids, err := store.List()
		if err != nil {
			log.Fatalf("Failed to list runs: %v", err)
		}
		for _, id := range ids {
			res, err := store.Get(id)
			if err != nil {
				log.Fatalf("Failed to load run %s: %v", id, err)
			}
			results = append(results, res)
		}
	}
	if len(results) == 0 {
		fmt.Println("No stored runs. Run a sweep first.")
		return
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
