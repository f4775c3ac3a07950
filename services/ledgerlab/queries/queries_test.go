// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package queries

import (
	"reflect"
	"strconv"
	"testing"

	"github.com/AleutianAI/statetrace/services/ledgerlab/episode"
	"github.com/AleutianAI/statetrace/services/ledgerlab/ledger"
)

func generate(t *testing.T, mutate func(*episode.Config)) *episode.Episode {
	t.Helper()
	cfg := episode.DefaultConfig()
	cfg.Episodes = 1
	if mutate != nil {
		mutate(&cfg)
	}
	gen, err := episode.NewGenerator(cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	ep, err := gen.GenerateEpisode(0)
	if err != nil {
		t.Fatal(err)
	}
	return ep
}

func synthesize(t *testing.T, ep *episode.Episode, cfg SynthConfig) (*Synthesizer, []*Query) {
	t.Helper()
	synth, err := NewSynthesizer(cfg)
	if err != nil {
		t.Fatal(err)
	}
	qs, err := synth.Synthesize(ep)
	if err != nil {
		t.Fatal(err)
	}
	return synth, qs
}

func TestSynthConfigValidate(t *testing.T) {
	cases := []struct {
		name string
		cfg  SynthConfig
	}{
		{"zero per-episode", SynthConfig{PerEpisode: 0}},
		{"negative fraction", SynthConfig{PerEpisode: 4, DerivedFraction: -0.1}},
		{"fraction above one", SynthConfig{PerEpisode: 4, DerivedFraction: 1.1}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewSynthesizer(tc.cfg); err == nil {
				t.Error("expected a validation error")
			}
		})
	}
}

func TestSynthesizeDeterministic(t *testing.T) {
	ep := generate(t, nil)
	_, first := synthesize(t, ep, DefaultSynthConfig())
	_, second := synthesize(t, ep, DefaultSynthConfig())
	if !reflect.DeepEqual(first, second) {
		t.Error("expected identical query sets from identical episodes")
	}
	if len(first) != DefaultSynthConfig().PerEpisode {
		t.Errorf("expected %d queries, got %d", DefaultSynthConfig().PerEpisode, len(first))
	}
}

func TestDirectGoldMatchesLedger(t *testing.T) {
	ep := generate(t, nil)
	_, qs := synthesize(t, ep, SynthConfig{PerEpisode: 16, DerivedFraction: 0})

	led := ep.Ledger()
	for _, q := range qs {
		if q.Type != TypeDirect {
			t.Fatalf("expected only direct queries, got %s", q.Type)
		}
		state, err := led.ValueAt(q.Key, q.Step)
		if err != nil {
			t.Fatal(err)
		}
		want := state.Render()
		if !state.Present() {
			want = "unset"
		}
		if q.GoldValue != want {
			t.Errorf("query %s: gold %q, ledger says %q", q.ID, q.GoldValue, want)
		}
		for _, id := range q.GoldSupportIDs {
			e, ok := ep.EventByID(id)
			if !ok {
				t.Fatalf("support %s does not exist", id)
			}
			if e.Kind != ledger.KindUpdate {
				t.Errorf("support %s is %s, not authoritative", id, e.Kind)
			}
			if e.Step > q.Step {
				t.Errorf("support %s at step %d is after the query step %d", id, e.Step, q.Step)
			}
		}
	}
}

func TestDerivedCountGold(t *testing.T) {
	ep := generate(t, nil)
	_, qs := synthesize(t, ep, SynthConfig{PerEpisode: 24, DerivedFraction: 1})

	led := ep.Ledger()
	for _, q := range qs {
		if q.DerivedOp != DerivedCount {
			continue
		}
		count := 0
		for _, e := range led.History(q.Key, q.Step) {
			if e.Op == q.CountedOp {
				count++
			}
		}
		if q.GoldValue != strconv.Itoa(count) {
			t.Errorf("query %s: gold %q, history counts %d", q.ID, q.GoldValue, count)
		}
		if len(q.GoldSupportIDs) != count {
			t.Errorf("query %s: %d support IDs for a count of %d", q.ID, len(q.GoldSupportIDs), count)
		}
	}
}

func TestDerivedSumGoldOnCounters(t *testing.T) {
	ep := generate(t, func(c *episode.Config) { c.StateMode = episode.ModeCounter })
	_, qs := synthesize(t, ep, SynthConfig{PerEpisode: 12, DerivedFraction: 1})

	led := ep.Ledger()
	sums := 0
	for _, q := range qs {
		if q.DerivedOp != DerivedSum {
			continue
		}
		sums++
		var want int64
		for _, e := range led.History(q.Key, q.Step) {
			if e.Op != ledger.OpIncrement {
				continue
			}
			n, err := strconv.ParseInt(e.Value, 10, 64)
			if err != nil {
				t.Fatal(err)
			}
			want += n
		}
		if q.GoldValue != strconv.FormatInt(want, 10) {
			t.Errorf("query %s: gold %q, increments sum to %d", q.ID, q.GoldValue, want)
		}
	}
	if sums == 0 {
		t.Fatal("expected sum queries in counter mode")
	}
}

func TestMembershipGold(t *testing.T) {
	ep := generate(t, func(c *episode.Config) { c.StateMode = episode.ModeSet })
	_, qs := synthesize(t, ep, SynthConfig{PerEpisode: 24, DerivedFraction: 1})

	led := ep.Ledger()
	for _, q := range qs {
		if q.DerivedOp != DerivedMembership {
			continue
		}
		state, err := led.ValueAt(q.Key, q.Step)
		if err != nil {
			t.Fatal(err)
		}
		want := "no"
		for _, m := range state.Members {
			if m == q.Member {
				want = "yes"
			}
		}
		if q.GoldValue != want {
			t.Errorf("query %s: gold %q for member %q, state says %q", q.ID, q.GoldValue, q.Member, want)
		}
		if want == "yes" && len(q.GoldSupportIDs) != 1 {
			t.Errorf("query %s: expected a single supporting ADD, got %v", q.ID, q.GoldSupportIDs)
		}
	}
}

func TestGoldRecomputesOnTwin(t *testing.T) {
	cfg := episode.DefaultConfig()
	cfg.Episodes = 1
	gen, err := episode.NewGenerator(cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	base, err := gen.GenerateEpisode(0)
	if err != nil {
		t.Fatal(err)
	}
	twin, err := gen.TwinOf(base)
	if err != nil {
		t.Fatal(err)
	}
	flipped, ok := twin.EventByID(twin.FlippedEventID)
	if !ok {
		t.Fatal("twin is missing its flipped event")
	}

	synth, err := NewSynthesizer(DefaultSynthConfig())
	if err != nil {
		t.Fatal(err)
	}
	lastStep := base.Events[len(base.Events)-1].Step
	q := &Query{Key: flipped.Key, Step: lastStep, Type: TypeDirect}

	baseGold, _, err := synth.Gold(base, q)
	if err != nil {
		t.Fatal(err)
	}
	twinGold, _, err := synth.Gold(twin, q)
	if err != nil {
		t.Fatal(err)
	}
	if baseGold == twinGold {
		t.Errorf("expected the flipped key to change final gold, both are %q", baseGold)
	}
}

func TestInstructionMetaPointsAtRealDirective(t *testing.T) {
	ep := generate(t, func(c *episode.Config) {
		c.Profile = episode.ProfileInstruction
		c.DistractorRate = 0.6
	})
	_, qs := synthesize(t, ep, DefaultSynthConfig())

	seen := false
	for _, q := range qs {
		if q.Instruction == nil {
			continue
		}
		seen = true
		found := false
		for _, e := range ep.Events {
			if e.Kind == ledger.KindInstruction && e.Key == q.Key &&
				e.Step <= q.Step && e.Value == q.Instruction.InstructionValue {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("query %s claims a directive %q that no event carries",
				q.ID, q.Instruction.InstructionValue)
		}
	}
	if !seen {
		t.Fatal("expected at least one query with instruction metadata under the instruction profile")
	}
}
