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
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/statetrace/services/ledgerlab/episode"
)

var validate *validator.Validate

func init() {
	validate = validator.New()
}

// Load reads the YAML config at path on top of the defaults. An empty
// path skips the file and returns the defaults directly; a named path
// that does not exist is an error, since the caller asked for it.
func Load(path string) (StatetraceConfig, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read the config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse the config file %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config in %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the struct tags plus the sweep dimensions that carry
// domain-typed values the tags cannot express.
func (c StatetraceConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	for _, m := range c.Sweep.Modes {
		if _, err := episode.ParseStateMode(string(m)); err != nil {
			return err
		}
	}
	for _, p := range c.Sweep.Profiles {
		if _, err := episode.ParseProfile(string(p)); err != nil {
			return err
		}
	}
	if _, err := episode.ParseStateMode(string(c.Sweep.Episode.StateMode)); err != nil {
		return err
	}
	if _, err := episode.ParseProfile(string(c.Sweep.Episode.Profile)); err != nil {
		return err
	}
	return nil
}
