// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"os"
	"path/filepath"

	"github.com/AleutianAI/statetrace/services/ledgerlab/episode"
	"github.com/AleutianAI/statetrace/services/ledgerlab/pipeline"
	"github.com/AleutianAI/statetrace/services/ledgerlab/queries"
	"github.com/AleutianAI/statetrace/services/ledgerlab/report"
)

// StatetraceConfig is the full on-disk configuration for the CLI and
// the serve daemon. Every section has a working default, so an empty
// or missing file still yields a runnable setup.
type StatetraceConfig struct {
	Logging LoggingConfig `yaml:"logging"`
	Store   StoreConfig   `yaml:"store"`
	Serve   ServeConfig   `yaml:"serve"`

	// Sweep carries the generation, synthesis, and pipeline settings
	// used by the generate, run, and grade commands.
	Sweep pipeline.SweepConfig `yaml:"sweep"`

	// Gate holds regression thresholds checked by the diagnose command.
	// Zero-valued fields are not enforced.
	Gate report.Gate `yaml:"gate"`
}

type LoggingConfig struct {
	Level string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	Dir   string `yaml:"dir"`
	Quiet bool   `yaml:"quiet"`
}

type StoreConfig struct {
	Path       string `yaml:"path" validate:"required"`
	InMemory   bool   `yaml:"in_memory"`
	SyncWrites bool   `yaml:"sync_writes"`
}

type ServeConfig struct {
	Port int `yaml:"port" validate:"min=1,max=65535"`
}

// Default returns the standard configuration. The run store lands
// under ~/.statetrace so repeated sweeps accumulate in one place.
func Default() StatetraceConfig {
	storePath := "statetrace-runs"
	if home, err := os.UserHomeDir(); err == nil {
		storePath = filepath.Join(home, ".statetrace", "runs")
	}
	return StatetraceConfig{
		Logging: LoggingConfig{Level: "info"},
		Store:   StoreConfig{Path: storePath},
		Serve:   ServeConfig{Port: 12250},
		Sweep: pipeline.SweepConfig{
			Episode:  episode.DefaultConfig(),
			Synth:    queries.DefaultSynthConfig(),
			Pipeline: pipeline.DefaultConfig(),
		},
	}
}
