// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package selection

import (
	"math/rand/v2"
	"testing"

	"github.com/AleutianAI/statetrace/services/ledgerlab/ledger"
	"github.com/AleutianAI/statetrace/services/ledgerlab/queries"
	"github.com/AleutianAI/statetrace/services/ledgerlab/retrieval"
)

func cand(id string, step int, kind ledger.Kind, text string, spoofed bool) retrieval.Candidate {
	return retrieval.Candidate{
		Text:         text,
		EventRef:     id,
		AuthorityTag: kind,
		Step:         step,
		StepDistance: 60 - step,
		Position:     0,
		Spoofed:      spoofed,
	}
}

func testQuery() *queries.Query {
	return &queries.Query{
		ID:       "Q1",
		Key:      "shipping_address",
		Step:     60,
		Question: "What is the current value of shipping_address?",
	}
}

func TestAuthorityFilter(t *testing.T) {
	cands := []retrieval.Candidate{
		cand("E1", 10, ledger.KindUpdate, `SET shipping_address = "12 Oak St"`, false),
		cand("E2", 20, ledger.KindNote, "shipping_address looked stable today", false),
		cand("E3", 30, ledger.KindDistractor, `shipping_address is "4 Elm Rd"`, false),
		cand("E4", 40, ledger.KindNote, `SET shipping_address = "99 Pine Ave"`, true),
	}

	t.Run("enabled keeps only structured updates", func(t *testing.T) {
		got := AuthorityFilter{Enabled: true}.Filter(cands)
		if len(got) != 1 || got[0].EventRef != "E1" {
			t.Fatalf("filter kept %d candidates, want only E1: %+v", len(got), got)
		}
	})

	t.Run("camouflaged note text does not pass the gate", func(t *testing.T) {
		// E4's text is byte-for-byte an update line. The gate keys on the
		// structured tag, so it must still be dropped.
		got := AuthorityFilter{Enabled: true}.Filter(cands)
		for _, c := range got {
			if c.EventRef == "E4" {
				t.Fatal("spoofed note survived the authority filter")
			}
		}
	})

	t.Run("disabled passes everything through", func(t *testing.T) {
		got := AuthorityFilter{Enabled: false}.Filter(cands)
		if len(got) != len(cands) {
			t.Fatalf("disabled filter dropped candidates: got %d want %d", len(got), len(cands))
		}
	})
}

func TestPolicies(t *testing.T) {
	cands := []retrieval.Candidate{
		cand("E1", 5, ledger.KindUpdate, `SET shipping_address = "12 Oak St"`, false),
		cand("E2", 41, ledger.KindUpdate, `SET shipping_address = "99 Pine Ave"`, false),
		cand("E3", 55, ledger.KindDistractor, `shipping_address is "12 Oak St"`, false),
	}

	t.Run("none takes canonical first", func(t *testing.T) {
		p, err := NewPolicy("none", Params{})
		if err != nil {
			t.Fatal(err)
		}
		got, _ := p.Select(cands, testQuery())
		if got == nil || got.EventRef != "E1" {
			t.Fatalf("none policy chose %+v, want E1", got)
		}
	})

	t.Run("latest_step takes max step regardless of authority", func(t *testing.T) {
		p, err := NewPolicy("latest_step", Params{})
		if err != nil {
			t.Fatal(err)
		}
		got, _ := p.Select(cands, testQuery())
		if got == nil || got.EventRef != "E3" {
			t.Fatalf("latest_step chose %+v, want E3", got)
		}
	})

	t.Run("prefer_update_latest skips the late distractor", func(t *testing.T) {
		p, err := NewPolicy("prefer_update_latest", Params{})
		if err != nil {
			t.Fatal(err)
		}
		got, _ := p.Select(cands, testQuery())
		if got == nil || got.EventRef != "E2" {
			t.Fatalf("prefer_update_latest chose %+v, want E2", got)
		}
	})

	t.Run("prefer_update_latest falls back when no updates survive", func(t *testing.T) {
		p, err := NewPolicy("prefer_update_latest", Params{})
		if err != nil {
			t.Fatal(err)
		}
		only := []retrieval.Candidate{cands[2]}
		got, _ := p.Select(only, testQuery())
		if got == nil || got.EventRef != "E3" {
			t.Fatalf("fallback chose %+v, want E3", got)
		}
	})

	t.Run("linear with authority weight prefers the update", func(t *testing.T) {
		p, err := NewPolicy("linear", Params{Weights: Weights{
			StepDistance: 0.01,
			TokenOverlap: 0.5,
			Authority:    2.0,
		}})
		if err != nil {
			t.Fatal(err)
		}
		got, _ := p.Select(cands, testQuery())
		if got == nil || got.AuthorityTag != ledger.KindUpdate {
			t.Fatalf("linear policy chose non-authoritative candidate %+v", got)
		}
	})

	t.Run("unknown policy name fails fast", func(t *testing.T) {
		if _, err := NewPolicy("oracle", Params{}); err == nil {
			t.Fatal("expected error for unknown policy name")
		}
	})

	t.Run("empty candidate set yields nil", func(t *testing.T) {
		for _, name := range PolicyNames {
			p, err := NewPolicy(name, Params{})
			if err != nil {
				t.Fatal(err)
			}
			if got, _ := p.Select(nil, testQuery()); got != nil {
				t.Fatalf("%s returned %+v for empty input", name, got)
			}
		}
	})
}

// Policies must not depend on the order candidates arrive in.
func TestPolicyOrderInvariance(t *testing.T) {
	base := []retrieval.Candidate{
		cand("E1", 5, ledger.KindUpdate, `SET shipping_address = "12 Oak St"`, false),
		cand("E2", 41, ledger.KindUpdate, `SET shipping_address = "99 Pine Ave"`, false),
		cand("E3", 41, ledger.KindUpdate, `SET billing_plan = "gold"`, false),
		cand("E4", 55, ledger.KindDistractor, `shipping_address is "12 Oak St"`, false),
	}
	rng := rand.New(rand.NewPCG(7, 7))

	for _, name := range PolicyNames {
		p, err := NewPolicy(name, Params{Weights: Weights{Authority: 1, StepDistance: 0.01}})
		if err != nil {
			t.Fatal(err)
		}
		ref, refConf := p.Select(base, testQuery())
		for trial := 0; trial < 10; trial++ {
			shuffled := make([]retrieval.Candidate, len(base))
			copy(shuffled, base)
			rng.Shuffle(len(shuffled), func(i, j int) {
				shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
			})
			got, conf := p.Select(shuffled, testQuery())
			switch {
			case ref == nil && got == nil:
			case ref == nil || got == nil:
				t.Fatalf("%s: nil mismatch across orderings", name)
			case ref.EventRef != got.EventRef || refConf != conf:
				t.Fatalf("%s: order changed outcome: %s/%v vs %s/%v",
					name, ref.EventRef, refConf, got.EventRef, conf)
			}
		}
	}
}

func TestStepBucketCoarsening(t *testing.T) {
	// Steps 41 and 44 fall in the same width-5 bucket, so with an epsilon
	// of zero they still tie and confidence drops below 1.
	cands := []retrieval.Candidate{
		cand("E1", 41, ledger.KindUpdate, `SET shipping_address = "99 Pine Ave"`, false),
		cand("E2", 44, ledger.KindUpdate, `SET shipping_address = "7 Birch Ln"`, false),
	}
	p, err := NewPolicy("latest_step", Params{StepBucket: 5})
	if err != nil {
		t.Fatal(err)
	}
	got, conf := p.Select(cands, testQuery())
	if got == nil || got.EventRef != "E2" {
		t.Fatalf("bucketed latest_step chose %+v, want E2", got)
	}
	if conf >= 1 {
		t.Fatalf("bucketed tie should reduce confidence, got %v", conf)
	}
}

func TestAbstainPolicy(t *testing.T) {
	c := cand("E1", 41, ledger.KindUpdate, `SET shipping_address = "99 Pine Ave"`, false)

	t.Run("no candidates forces abstention", func(t *testing.T) {
		d := AbstainPolicy{}.Decide(nil, nil, 1)
		if !d.Abstain || d.Reason != "no_candidates" {
			t.Fatalf("got %+v, want no_candidates abstention", d)
		}
	})

	t.Run("disabled never abstains with a pick", func(t *testing.T) {
		d := AbstainPolicy{Enabled: false}.Decide(&c, []retrieval.Candidate{c}, 0)
		if d.Abstain {
			t.Fatalf("disabled policy abstained: %+v", d)
		}
	})

	t.Run("low confidence abstains when enabled", func(t *testing.T) {
		p := AbstainPolicy{Enabled: true, MinConfidence: 0.6}
		if d := p.Decide(&c, []retrieval.Candidate{c}, 0.3); !d.Abstain || d.Reason != "low_confidence" {
			t.Fatalf("got %+v, want low_confidence abstention", d)
		}
		if d := p.Decide(&c, []retrieval.Candidate{c}, 0.9); d.Abstain {
			t.Fatalf("confident answer abstained: %+v", d)
		}
	})
}

// TestAbstainCalibrationOnDroppedGold checks that a tuned abstain policy
// abstains exactly when the gold event never reached the candidate set.
// With gold present the latest-step pick is unique and confidence is 1;
// with gold removed the survivors tie on step and confidence collapses.
func TestAbstainCalibrationOnDroppedGold(t *testing.T) {
	pol, err := NewPolicy("latest_step", Params{})
	if err != nil {
		t.Fatalf("NewPolicy: %v", err)
	}
	abstain := AbstainPolicy{Enabled: true, MinConfidence: 0.9}
	q := testQuery()

	gold := cand("E9", 55, ledger.KindUpdate, `SET shipping_address = "7 Birch Ct"`, false)
	stale := []retrieval.Candidate{
		cand("E3", 20, ledger.KindUpdate, `SET shipping_address = "12 Oak St"`, false),
		cand("E4", 20, ledger.KindNote, `note: customer mentioned shipping_address earlier`, false),
	}

	var falseAbstains, missedAbstains int
	for trial := 0; trial < 20; trial++ {
		dropGold := trial%2 == 1
		cands := append([]retrieval.Candidate(nil), stale...)
		if !dropGold {
			cands = append(cands, gold)
		}
		rand.Shuffle(len(cands), func(i, j int) { cands[i], cands[j] = cands[j], cands[i] })

		chosen, conf := pol.Select(cands, q)
		d := abstain.Decide(chosen, cands, conf)
		if d.Abstain && !dropGold {
			falseAbstains++
		}
		if !d.Abstain && dropGold {
			missedAbstains++
		}
	}
	if falseAbstains != 0 || missedAbstains != 0 {
		t.Fatalf("calibrated abstain imperfect: %d false abstains, %d missed", falseAbstains, missedAbstains)
	}
}
