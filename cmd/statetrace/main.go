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
	"log"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/statetrace/cmd/statetrace/config"
	"github.com/AleutianAI/statetrace/pkg/logging"
)

var (
	cfg    config.StatetraceConfig
	appLog *logging.Logger
)

func main() {
	// Execute the root command. Cobra handles parsing the arguments.
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("Error executing command: %v", err)
	}
	if appLog != nil {
		_ = appLog.Close()
	}
}

func init() {
	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		loaded, err := config.Load(configPath)
		if err != nil {
			log.Fatalf("Error loading config: %v", err)
		}
		cfg = loaded
		appLog, err = logging.New(logging.Config{
			Level:   cfg.Logging.Level,
			LogDir:  cfg.Logging.Dir,
			Service: "statetrace",
			Quiet:   cfg.Logging.Quiet,
		})
		if err != nil {
			log.Fatalf("Error initializing logging: %v", err)
		}
	}
}
