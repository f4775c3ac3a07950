// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package episode

import (
	"errors"
	"fmt"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	// ErrInvalidConfig rejects a generator configuration at construction.
	// Unknown modes/profiles and non-positive counts are never defaulted.
	ErrInvalidConfig = errors.New("invalid generator configuration")

	// ErrUnknownStateMode is returned for a state mode outside the closed set.
	ErrUnknownStateMode = errors.New("unknown state mode")

	// ErrUnknownProfile is returned for a distractor profile outside the
	// closed set.
	ErrUnknownProfile = errors.New("unknown distractor profile")
)

// -----------------------------------------------------------------------------
// Closed variant sets
// -----------------------------------------------------------------------------

// StateMode selects the shape of the keyed state an episode tracks.
type StateMode string

const (
	ModeKV           StateMode = "kv"
	ModeKVCommentary StateMode = "kv_commentary"
	ModeCounter      StateMode = "counter"
	ModeSet          StateMode = "set"
	ModeRelational   StateMode = "relational"
)

// StateModes is the closed set, in canonical order.
var StateModes = []StateMode{ModeKV, ModeKVCommentary, ModeCounter, ModeSet, ModeRelational}

// ParseStateMode validates s against the closed mode set.
func ParseStateMode(s string) (StateMode, error) {
	for _, m := range StateModes {
		if StateMode(s) == m {
			return m, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownStateMode, s)
}

// Profile selects the adversarial distractor family injected into an
// episode. Each profile is a pure transformation that inserts
// non-authoritative events (update_burst additionally emits real
// authoritative bursts) without ever mutating folded ledger state.
type Profile string

const (
	ProfileStandard       Profile = "standard"
	ProfileInstruction    Profile = "instruction"
	ProfileAdversarial    Profile = "adversarial"
	ProfileNoteCamouflage Profile = "note_camouflage"
	ProfileUpdateBurst    Profile = "update_burst"
)

// Profiles is the closed set, in canonical order.
var Profiles = []Profile{
	ProfileStandard, ProfileInstruction, ProfileAdversarial,
	ProfileNoteCamouflage, ProfileUpdateBurst,
}

// ParseProfile validates s against the closed profile set.
func ParseProfile(s string) (Profile, error) {
	for _, p := range Profiles {
		if Profile(s) == p {
			return p, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownProfile, s)
}

// -----------------------------------------------------------------------------
// Config
// -----------------------------------------------------------------------------

// Config fully determines episode generation. Episodes are a pure function
// of (Seed, Config): regenerating with identical inputs is byte-identical.
//
// Thread Safety: immutable value; copy freely across workers.
type Config struct {
	// Episodes is the number of base episodes to generate.
	Episodes int `yaml:"episodes"`

	// Steps is the number of timeline steps per episode.
	Steps int `yaml:"steps"`

	// Keys is the number of tracked keys per episode.
	Keys int `yaml:"keys"`

	// StateMode shapes the keyed state (kv, kv_commentary, counter, set,
	// relational).
	StateMode StateMode `yaml:"state_mode"`

	// Profile selects the distractor family.
	Profile Profile `yaml:"distractor_profile"`

	// NoteRate is the per-step probability of a benign NOTE event.
	NoteRate float64 `yaml:"note_rate"`

	// DistractorRate is the per-step probability of a profile-shaped
	// distractor insertion.
	DistractorRate float64 `yaml:"distractor_rate"`

	// ClearRate is the probability that an authoritative update clears
	// instead of setting.
	ClearRate float64 `yaml:"clear_rate"`

	// UpdateBurstRate is the per-step probability of an authoritative
	// near-miss SET burst (update_burst profile only).
	UpdateBurstRate float64 `yaml:"update_burst_rate"`

	// AuthoritySpoofRate is the probability that a NOTE carries forged
	// UPDATE markers in its text. Kind stays NOTE regardless.
	AuthoritySpoofRate float64 `yaml:"authority_spoof_rate"`

	// Seed drives every random choice in generation.
	Seed int64 `yaml:"seed"`
}

// DefaultConfig returns a small but adversarial generation profile.
func DefaultConfig() Config {
	return Config{
		Episodes:           4,
		Steps:              60,
		Keys:               6,
		StateMode:          ModeKV,
		Profile:            ProfileStandard,
		NoteRate:           0.25,
		DistractorRate:     0.25,
		ClearRate:          0.05,
		UpdateBurstRate:    0.30,
		AuthoritySpoofRate: 0.0,
		Seed:               1,
	}
}

// Validate rejects malformed configurations at construction time.
//
// Outputs:
//   - error: wraps ErrInvalidConfig (or the unknown-variant sentinels);
//     nil when the configuration is usable.
func (c Config) Validate() error {
	if c.Episodes <= 0 {
		return fmt.Errorf("%w: episodes must be positive, got %d", ErrInvalidConfig, c.Episodes)
	}
	if c.Steps <= 0 {
		return fmt.Errorf("%w: steps must be positive, got %d", ErrInvalidConfig, c.Steps)
	}
	if c.Keys <= 0 {
		return fmt.Errorf("%w: keys must be positive, got %d", ErrInvalidConfig, c.Keys)
	}
	if _, err := ParseStateMode(string(c.StateMode)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if _, err := ParseProfile(string(c.Profile)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	for name, rate := range map[string]float64{
		"note_rate":            c.NoteRate,
		"distractor_rate":      c.DistractorRate,
		"clear_rate":           c.ClearRate,
		"update_burst_rate":    c.UpdateBurstRate,
		"authority_spoof_rate": c.AuthoritySpoofRate,
	} {
		if rate < 0 || rate > 1 {
			return fmt.Errorf("%w: %s must be in [0,1], got %g", ErrInvalidConfig, name, rate)
		}
	}
	return nil
}
