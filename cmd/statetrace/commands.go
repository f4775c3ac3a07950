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
	"github.com/spf13/cobra"
)

// --- Global Command Variables ---
var (
	configPath string

	// generate
	outPath     string
	booksOut    string
	genSeed     int64
	genMode     string
	genProfile  string
	genEpisodes int
	genSteps    int
	withTwins   bool

	// run
	runRecords bool
	noStore    bool
	parallel   int
	jsonOut    string
	csvOut     string

	// grade
	tasksPath     string
	predsPath     string
	scoresOut     string
	viaModel      bool
	backfillCites bool

	// diagnose
	runID   string
	listAll bool

	rootCmd = &cobra.Command{
		Use:   "statetrace",
		Short: "A benchmark harness for tracking authoritative state in noisy logs",
		Long: `Statetrace generates episodic event ledgers with provable ground
				truth, runs retrieval and selection pipelines over them, and
				grades how well an answerer tracks the current authoritative
				value of each key.`,
	}

	// --- Generation ---
	generateCmd = &cobra.Command{
		Use:   "generate",
		Short: "Generate episodes and emit a task file in JSONL form",
		Run:   runGenerate, // Defined in cmd_generate.go
	}

	// --- Sweeps ---
	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the full pipeline sweep and store the graded results",
		Run:   runSweep, // Defined in cmd_run.go
	}

	// --- Grading ---
	gradeCmd = &cobra.Command{
		Use:   "grade",
		Short: "Grade a prediction file against a generated task file",
		Run:   runGrade, // Defined in cmd_grade.go
	}

	// --- Diagnosis ---
	diagnoseCmd = &cobra.Command{
		Use:   "diagnose",
		Short: "Render reports and gate checks over stored runs",
		Run:   runDiagnose, // Defined in cmd_diagnose.go
	}

	// --- Serving ---
	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Serve stored runs and Prometheus metrics over HTTP",
		Run:   runServe, // Defined in cmd_serve.go
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"Path to a statetrace.yaml config file")

	generateCmd.Flags().StringVarP(&outPath, "out", "o", "tasks.jsonl",
		"Output path for the task JSONL file")
	generateCmd.Flags().StringVar(&booksOut, "books", "",
		"Optional directory for narrative book text files")
	generateCmd.Flags().Int64Var(&genSeed, "seed", 0,
		"Override the generation seed")
	generateCmd.Flags().StringVar(&genMode, "mode", "",
		"Override the state mode (kv, kv_commentary, counter, set, relational)")
	generateCmd.Flags().StringVar(&genProfile, "profile", "",
		"Override the distractor profile")
	generateCmd.Flags().IntVar(&genEpisodes, "episodes", 0,
		"Override the number of episodes")
	generateCmd.Flags().IntVar(&genSteps, "steps", 0,
		"Override the steps per episode")
	generateCmd.Flags().BoolVar(&withTwins, "twins", false,
		"Also emit a counterfactual twin task per base episode")

	runCmd.Flags().BoolVar(&runRecords, "records", false,
		"Keep per-query score records in the stored results")
	runCmd.Flags().BoolVar(&noStore, "no-store", false,
		"Skip persisting results to the run store")
	runCmd.Flags().IntVar(&parallel, "parallel", 0,
		"Number of sweep cells to run concurrently")
	runCmd.Flags().BoolVar(&withTwins, "twins", false,
		"Grade counterfactual twin pairs per condition")
	runCmd.Flags().StringVar(&jsonOut, "json", "",
		"Optional path for a JSON result dump")
	runCmd.Flags().StringVar(&csvOut, "csv", "",
		"Optional path for a CSV result dump")

	gradeCmd.Flags().StringVar(&tasksPath, "tasks", "tasks.jsonl",
		"Task JSONL file produced by generate")
	gradeCmd.Flags().StringVar(&predsPath, "predictions", "",
		"Prediction JSONL file to grade (omit with --model to answer live)")
	gradeCmd.Flags().StringVar(&scoresOut, "out", "",
		"Optional path for per-query score records in JSON form")
	gradeCmd.Flags().BoolVar(&viaModel, "model", false,
		"Answer the tasks with the configured OpenAI-compatible model first")
	gradeCmd.Flags().BoolVar(&backfillCites, "backfill-citations", false,
		"Backfill missing citations on live model answers from the regenerated ledger")

	diagnoseCmd.Flags().StringVar(&runID, "run", "",
		"Diagnose a single stored run by ID")
	diagnoseCmd.Flags().BoolVar(&listAll, "list", false,
		"List stored run IDs and exit")
	diagnoseCmd.Flags().StringVar(&jsonOut, "json", "",
		"Optional path for a JSON result dump")
	diagnoseCmd.Flags().StringVar(&csvOut, "csv", "",
		"Optional path for a CSV result dump")

	rootCmd.AddCommand(generateCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(gradeCmd)
	rootCmd.AddCommand(diagnoseCmd)
	rootCmd.AddCommand(serveCmd)
}
