// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package queries derives questions and gold answers from episode ledger
// state. Gold is computed through the ledger fold, so every query carries a
// provably correct answer and its minimal supporting evidence.
package queries

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"

	"github.com/AleutianAI/statetrace/services/ledgerlab/episode"
	"github.com/AleutianAI/statetrace/services/ledgerlab/ledger"
)

// ErrInvalidSynthConfig rejects a synthesizer configuration.
var ErrInvalidSynthConfig = errors.New("invalid synthesizer configuration")

// Type distinguishes point-in-time lookups from derived aggregates.
type Type string

const (
	TypeDirect  Type = "direct"
	TypeDerived Type = "derived"
)

// DerivedOp is the closed set of aggregate operations.
type DerivedOp string

const (
	DerivedCount      DerivedOp = "count"
	DerivedSum        DerivedOp = "sum"
	DerivedMembership DerivedOp = "membership"
)

// InstructionMeta records that a conflicting directive precedes the query
// step, for instruction-resistance scoring.
type InstructionMeta struct {
	InstructionValue  string `json:"instruction_value"`
	ConflictsWithGold bool   `json:"conflicts_with_gold"`
}

// Query is one graded question against an episode.
//
// GoldSupportIDs is exactly the minimal authoritative event set that
// establishes GoldValue at Step: a singleton for direct kv lookups, a
// bounded set for counters, set-valued keys, and derived aggregates.
type Query struct {
	ID               string           `json:"id"`
	EpisodeID        string           `json:"episode_id"`
	Key              string           `json:"key"`
	Step             int              `json:"step"`
	Type             Type             `json:"type"`
	DerivedOp        DerivedOp        `json:"derived_op,omitempty"`
	Member           string           `json:"member,omitempty"`
	CountedOp        ledger.Op        `json:"counted_op,omitempty"`
	Question         string           `json:"question"`
	GoldValue        string           `json:"gold_value"`
	GoldSupportIDs   []string         `json:"gold_support_ids"`
	RequiresCitation bool             `json:"requires_citation"`
	Instruction      *InstructionMeta `json:"instruction_meta,omitempty"`
}

// SynthConfig controls query synthesis.
type SynthConfig struct {
	// PerEpisode is the number of queries per episode.
	PerEpisode int `yaml:"per_episode"`

	// DerivedFraction is the share of derived/aggregate queries.
	DerivedFraction float64 `yaml:"derived_fraction"`

	// RequireCitation marks queries as citation-graded.
	RequireCitation bool `yaml:"require_citation"`
}

// DefaultSynthConfig returns the standard synthesis profile.
func DefaultSynthConfig() SynthConfig {
	return SynthConfig{PerEpisode: 8, DerivedFraction: 0.25, RequireCitation: true}
}

// Validate rejects malformed synthesis configurations.
func (c SynthConfig) Validate() error {
	if c.PerEpisode <= 0 {
		return fmt.Errorf("%w: per_episode must be positive, got %d", ErrInvalidSynthConfig, c.PerEpisode)
	}
	if c.DerivedFraction < 0 || c.DerivedFraction > 1 {
		return fmt.Errorf("%w: derived_fraction must be in [0,1], got %g", ErrInvalidSynthConfig, c.DerivedFraction)
	}
	return nil
}

// Synthesizer derives queries from episodes.
//
// Thread Safety: safe for concurrent use; the per-episode RNG is local.
type Synthesizer struct {
	cfg SynthConfig
}

// NewSynthesizer validates the configuration and builds a synthesizer.
func NewSynthesizer(cfg SynthConfig) (*Synthesizer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("constructing synthesizer: %w", err)
	}
	return &Synthesizer{cfg: cfg}, nil
}

// Synthesize derives the episode's query set. Deterministic: the RNG is
// seeded from the episode seed, so identical episodes yield identical
// queries.
func (s *Synthesizer) Synthesize(ep *episode.Episode) ([]*Query, error) {
	rng := rand.New(rand.NewPCG(ep.Seed^0xa24baed4963ee407, ep.Seed))
	led := ep.Ledger()
	keys := led.Keys()
	if len(keys) == 0 {
		return nil, fmt.Errorf("episode %s has no authoritative history", ep.ID)
	}
	lastStep := 0
	for _, e := range ep.Events {
		if e.Step > lastStep {
			lastStep = e.Step
		}
	}

	out := make([]*Query, 0, s.cfg.PerEpisode)
	for i := 0; i < s.cfg.PerEpisode; i++ {
		key := keys[rng.IntN(len(keys))]
		// Bias queries toward the tail of the timeline, where distractor
		// pressure is highest.
		step := lastStep - rng.IntN(1+lastStep/4)

		var q *Query
		var err error
		if rng.Float64() < s.cfg.DerivedFraction {
			q, err = s.derivedQuery(rng, ep, key, step)
		} else {
			q, err = s.directQuery(ep, key, step)
		}
		if err != nil {
			return nil, fmt.Errorf("episode %s: %w", ep.ID, err)
		}
		q.ID = queryID(ep.Seed, i)
		q.EpisodeID = ep.ID
		q.RequiresCitation = s.cfg.RequireCitation
		attachInstructionMeta(ep, q)
		out = append(out, q)
	}
	return out, nil
}

// Gold recomputes a query's gold answer against an arbitrary episode.
// Grading uses this to score predictions on twins, where the same query
// has a different correct answer.
func (s *Synthesizer) Gold(ep *episode.Episode, q *Query) (value string, supportIDs []string, err error) {
	clone := *q
	var fresh *Query
	switch q.Type {
	case TypeDerived:
		fresh, err = rebuildDerived(ep, &clone)
	default:
		fresh, err = s.directQuery(ep, q.Key, q.Step)
	}
	if err != nil {
		return "", nil, err
	}
	return fresh.GoldValue, fresh.GoldSupportIDs, nil
}

func (s *Synthesizer) directQuery(ep *episode.Episode, key string, step int) (*Query, error) {
	led := ep.Ledger()
	state, err := led.ValueAt(key, step)
	if err != nil {
		return nil, err
	}
	gold := state.Render()
	if !state.Present() {
		gold = "unset"
	}
	return &Query{
		Key:            key,
		Step:           step,
		Type:           TypeDirect,
		Question:       fmt.Sprintf("What is the current value of %s as of step %03d?", key, step),
		GoldValue:      gold,
		GoldSupportIDs: led.SupportIDs(key, step),
	}, nil
}

func (s *Synthesizer) derivedQuery(rng *rand.Rand, ep *episode.Episode, key string, step int) (*Query, error) {
	q := &Query{Key: key, Step: step, Type: TypeDerived}
	switch ep.Mode {
	case episode.ModeCounter:
		q.DerivedOp = DerivedSum
	case episode.ModeSet:
		if rng.Float64() < 0.5 {
			q.DerivedOp = DerivedMembership
			q.Member = memberFor(rng, ep, key, step)
		} else {
			q.DerivedOp = DerivedCount
			q.CountedOp = ledger.OpAdd
		}
	default:
		q.DerivedOp = DerivedCount
		q.CountedOp = ledger.OpSet
	}
	return rebuildDerived(ep, q)
}

// rebuildDerived fills in question, gold, and support for a derived query
// shape. Derived gold uses the same authoritative-only rule as direct
// queries: NOTE/DISTRACTOR/INSTRUCTION events never count.
func rebuildDerived(ep *episode.Episode, q *Query) (*Query, error) {
	led := ep.Ledger()
	history := led.History(q.Key, q.Step)
	switch q.DerivedOp {
	case DerivedCount:
		count := 0
		var support []string
		for _, e := range history {
			if e.Op == q.CountedOp {
				count++
				support = append(support, e.ID)
			}
		}
		q.Question = fmt.Sprintf("How many %s operations were applied to %s up to step %03d?",
			q.CountedOp, q.Key, q.Step)
		q.GoldValue = strconv.Itoa(count)
		q.GoldSupportIDs = support
	case DerivedSum:
		var sum int64
		var support []string
		for _, e := range history {
			if e.Op != ledger.OpIncrement {
				continue
			}
			n, err := strconv.ParseInt(e.Value, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("non-numeric increment %s: %w", e.ID, err)
			}
			sum += n
			support = append(support, e.ID)
		}
		q.Question = fmt.Sprintf("What is the net INCREMENT applied to %s up to step %03d?",
			q.Key, q.Step)
		q.GoldValue = strconv.FormatInt(sum, 10)
		q.GoldSupportIDs = support
	case DerivedMembership:
		state, err := led.ValueAt(q.Key, q.Step)
		if err != nil {
			return nil, err
		}
		answer := "no"
		for _, m := range state.Members {
			if m == q.Member {
				answer = "yes"
			}
		}
		q.Question = fmt.Sprintf("Is %q a member of %s as of step %03d?", q.Member, q.Key, q.Step)
		q.GoldValue = answer
		if e := led.MemberSupport(q.Key, q.Member, q.Step); e != nil {
			q.GoldSupportIDs = []string{e.ID}
		}
	default:
		return nil, fmt.Errorf("unknown derived op %q", q.DerivedOp)
	}
	return q, nil
}

// memberFor picks a membership probe: an actual or plausible member.
func memberFor(rng *rand.Rand, ep *episode.Episode, key string, step int) string {
	state, err := ep.Ledger().ValueAt(key, step)
	if err == nil && len(state.Members) > 0 && rng.Float64() < 0.6 {
		return state.Members[rng.IntN(len(state.Members))]
	}
	// Probe any op'd member from history, present or removed.
	history := ep.Ledger().History(key, step)
	if len(history) > 0 {
		return history[rng.IntN(len(history))].Value
	}
	return "alpha"
}

// attachInstructionMeta records a conflicting directive at or before the
// query step, if any. The latest directive for the key wins.
func attachInstructionMeta(ep *episode.Episode, q *Query) {
	var latest *ledger.Event
	for i := range ep.Events {
		e := ep.Events[i]
		if e.Kind != ledger.KindInstruction || e.Key != q.Key || e.Step > q.Step {
			continue
		}
		if latest == nil || e.Step > latest.Step || (e.Step == latest.Step && e.Seq > latest.Seq) {
			latest = &ep.Events[i]
		}
	}
	if latest == nil {
		return
	}
	q.Instruction = &InstructionMeta{
		InstructionValue:  latest.Value,
		ConflictsWithGold: latest.Value != q.GoldValue,
	}
}

// queryID derives a stable hash-like query ID.
func queryID(seed uint64, ordinal int) string {
	return "Q" + ledger.EventID(seed^0x5851f42d4c957f2d, ordinal, "query", ordinal)[1:]
}
