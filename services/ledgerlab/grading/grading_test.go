// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package grading

import (
	"testing"

	"github.com/AleutianAI/statetrace/services/ledgerlab/episode"
	"github.com/AleutianAI/statetrace/services/ledgerlab/ledger"
	"github.com/AleutianAI/statetrace/services/ledgerlab/queries"
)

func fixture(t *testing.T, profile episode.Profile) (*episode.Episode, []*queries.Query, *queries.Synthesizer) {
	t.Helper()
	cfg := episode.DefaultConfig()
	cfg.Episodes = 1
	cfg.Profile = profile
	gen, err := episode.NewGenerator(cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	ep, err := gen.GenerateEpisode(0)
	if err != nil {
		t.Fatal(err)
	}
	synth, err := queries.NewSynthesizer(queries.DefaultSynthConfig())
	if err != nil {
		t.Fatal(err)
	}
	qs, err := synth.Synthesize(ep)
	if err != nil {
		t.Fatal(err)
	}
	return ep, qs, synth
}

func oraclePreds(qs []*queries.Query) []*Prediction {
	out := make([]*Prediction, 0, len(qs))
	for _, q := range qs {
		out = append(out, &Prediction{
			QueryID:      q.ID,
			Value:        q.GoldValue,
			SupportIDs:   q.GoldSupportIDs,
			SelectedKind: ledger.KindUpdate,
		})
	}
	return out
}

// An oracle that copies gold exactly must score perfect value, exact, and
// citation metrics. This pins the grader's direction of comparison.
func TestOracleScoresPerfect(t *testing.T) {
	ep, qs, _ := fixture(t, episode.ProfileAdversarial)
	g := NewGrader(4)

	records, err := g.Grade(ep, qs, oraclePreds(qs))
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != len(qs) {
		t.Fatalf("got %d records for %d queries", len(records), len(qs))
	}
	s := Summarize(records)
	if s.ValueAcc != 1 || s.ExactAcc != 1 {
		t.Fatalf("oracle accuracy: value=%v exact=%v, want 1/1", s.ValueAcc, s.ExactAcc)
	}
	if s.CiteF1 != 1 {
		t.Fatalf("oracle cite F1 = %v, want 1", s.CiteF1)
	}
	if s.AbstainRate != 0 {
		t.Fatalf("oracle abstain rate = %v, want 0", s.AbstainRate)
	}
	if s.SelectedNoteRate != 0 {
		t.Fatalf("oracle selected note rate = %v, want 0", s.SelectedNoteRate)
	}
}

func TestGradeOutcomes(t *testing.T) {
	ep, qs, _ := fixture(t, episode.ProfileStandard)
	g := NewGrader(4)
	q := qs[0]

	t.Run("missing prediction counts as abstention", func(t *testing.T) {
		records, err := g.Grade(ep, qs, nil)
		if err != nil {
			t.Fatal(err)
		}
		for _, r := range records {
			if !r.Abstained {
				t.Fatalf("query %s graded as answered with no prediction", r.QueryID)
			}
		}
	})

	t.Run("unknown query id is fatal", func(t *testing.T) {
		_, err := g.Grade(ep, qs, []*Prediction{{QueryID: "Q-bogus", Value: "x"}})
		if err == nil {
			t.Fatal("expected error for unknown query id")
		}
	})

	t.Run("normalization forgives case and quotes", func(t *testing.T) {
		p := &Prediction{QueryID: q.ID, Value: `"` + q.GoldValue + `"`, SupportIDs: q.GoldSupportIDs}
		records, err := g.Grade(ep, qs, []*Prediction{p})
		if err != nil {
			t.Fatal(err)
		}
		if !records[0].ValueCorrect {
			t.Fatal("quoted gold value graded incorrect")
		}
		if !records[0].ExactCorrect {
			t.Fatal("quoted gold value with full citations graded inexact")
		}
	})

	t.Run("right value with wrong citation is not exact", func(t *testing.T) {
		dq := directQueryWithGold(t, qs)
		var foreign string
		for _, e := range ep.Events {
			if e.Key != dq.Key {
				foreign = e.ID
				break
			}
		}
		if foreign == "" {
			t.Skip("single-key episode")
		}
		p := &Prediction{QueryID: dq.ID, Value: dq.GoldValue, SupportIDs: []string{foreign}}
		records, err := g.Grade(ep, qs, []*Prediction{p})
		if err != nil {
			t.Fatal(err)
		}
		r := findRecord(t, records, dq.ID)
		if !r.ValueCorrect {
			t.Fatalf("gold value graded incorrect: %+v", r)
		}
		if r.CiteRecall != 0 || r.Entailed {
			t.Fatalf("foreign citation scored recall=%v entailed=%v", r.CiteRecall, r.Entailed)
		}
		if r.ExactCorrect {
			t.Fatalf("right value with a foreign citation graded exact: %+v", r)
		}
	})

	t.Run("wrong value with gold citations is not entailed", func(t *testing.T) {
		p := &Prediction{QueryID: q.ID, Value: "definitely not the answer", SupportIDs: q.GoldSupportIDs}
		records, err := g.Grade(ep, qs, []*Prediction{p})
		if err != nil {
			t.Fatal(err)
		}
		if records[0].ValueCorrect || records[0].Entailed {
			t.Fatalf("wrong value scored %+v", records[0])
		}
		if records[0].CiteF1 != 1 && len(q.GoldSupportIDs) > 0 {
			t.Fatalf("gold citations scored F1 %v", records[0].CiteF1)
		}
	})

	t.Run("support bloat grows with padded citations", func(t *testing.T) {
		dq := directQueryWithGold(t, qs)
		padded := append([]string{}, dq.GoldSupportIDs...)
		for _, e := range ep.Events[:6] {
			padded = append(padded, e.ID)
		}
		p := &Prediction{QueryID: dq.ID, Value: dq.GoldValue, SupportIDs: padded}
		records, err := g.Grade(ep, qs, []*Prediction{p})
		if err != nil {
			t.Fatal(err)
		}
		r := findRecord(t, records, dq.ID)
		if r.SupportBloat <= 1 {
			t.Fatalf("bloat = %v for padded citations", r.SupportBloat)
		}
		if r.CitePrecision >= 1 {
			t.Fatalf("precision = %v with padding inside the cap", r.CitePrecision)
		}
	})
}

// directQueryWithGold picks a direct query carrying a non-empty gold
// support set, so the cap stays at the grader default.
func directQueryWithGold(t *testing.T, qs []*queries.Query) *queries.Query {
	t.Helper()
	for _, q := range qs {
		if q.Type == queries.TypeDirect && len(q.GoldSupportIDs) > 0 {
			return q
		}
	}
	t.Skip("no direct query with gold support in this fixture")
	return nil
}

func findRecord(t *testing.T, records []ScoreRecord, id string) ScoreRecord {
	t.Helper()
	for _, r := range records {
		if r.QueryID == id {
			return r
		}
	}
	t.Fatalf("no score record for %s", id)
	return ScoreRecord{}
}

func TestCiteScoresCap(t *testing.T) {
	g := NewGrader(2)
	gold := []string{"EA", "EB"}
	// Gold IDs hidden past the cap must not count.
	p, r, f1 := g.citeScores(gold, []string{"EX", "EY", "EA", "EB"})
	if p != 0 || r != 0 || f1 != 0 {
		t.Fatalf("capped scores = %v/%v/%v, want zeros", p, r, f1)
	}
	p, r, _ = g.citeScores(gold, []string{"EA"})
	if p != 1 || r != 0.5 {
		t.Fatalf("partial citation scored %v/%v", p, r)
	}

	// Gold sets larger than the cap stay fully citable: the effective
	// cap widens to the gold size, so a complete citation is perfect
	// and padding past it is still ignored.
	wide := []string{"E1", "E2", "E3", "E4", "E5"}
	p, r, f1 = g.citeScores(wide, wide)
	if p != 1 || r != 1 || f1 != 1 {
		t.Fatalf("full citation of oversized gold scored %v/%v/%v", p, r, f1)
	}
	p, r, _ = g.citeScores(wide, append(append([]string{}, wide...), "EX", "EY"))
	if p != 1 || r != 1 {
		t.Fatalf("padding past the widened cap scored %v/%v", p, r)
	}
}

// A citation-required record that cited nothing must stay in the
// citation denominators instead of silently inflating the batch score.
func TestSummarizeCountsUncitedRecords(t *testing.T) {
	records := []ScoreRecord{
		{
			QueryID: "QA", RequiresCitation: true, ValueCorrect: true,
			ExactCorrect: true, CitePrecision: 1, CiteRecall: 1, CiteF1: 1, Entailed: true,
		},
		{QueryID: "QB", RequiresCitation: true, ValueCorrect: true},
	}
	s := Summarize(records)
	if s.CiteF1 != 0.5 {
		t.Fatalf("cite F1 = %v, want 0.5", s.CiteF1)
	}
	if s.Entailment != 0.5 {
		t.Fatalf("entailment = %v, want 0.5", s.Entailment)
	}
}

func TestInstructionMetrics(t *testing.T) {
	cfg := episode.DefaultConfig()
	cfg.Episodes = 1
	cfg.Profile = episode.ProfileInstruction
	cfg.DistractorRate = 0.6
	gen, err := episode.NewGenerator(cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	ep, err := gen.GenerateEpisode(0)
	if err != nil {
		t.Fatal(err)
	}
	synth, err := queries.NewSynthesizer(queries.DefaultSynthConfig())
	if err != nil {
		t.Fatal(err)
	}
	qs, err := synth.Synthesize(ep)
	if err != nil {
		t.Fatal(err)
	}

	var conflicted *queries.Query
	for _, q := range qs {
		if q.Instruction != nil && q.Instruction.ConflictsWithGold {
			conflicted = q
			break
		}
	}
	if conflicted == nil {
		t.Skip("no directive-conflicted query in this fixture")
	}

	g := NewGrader(4)
	obeyed := &Prediction{QueryID: conflicted.ID, Value: conflicted.Instruction.InstructionValue}
	records, err := g.Grade(ep, qs, []*Prediction{obeyed})
	if err != nil {
		t.Fatal(err)
	}
	for _, r := range records {
		if r.QueryID != conflicted.ID {
			continue
		}
		if !r.InstructionConflict || !r.Overridden || r.ValueCorrect {
			t.Fatalf("obeying the directive scored %+v", r)
		}
	}
	s := Summarize(records)
	if s.OverrideRate == 0 || s.StateIntegrity == 1 {
		t.Fatalf("override not reflected in summary: %+v", s)
	}
}

func TestGradePairs(t *testing.T) {
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
	synth, err := queries.NewSynthesizer(queries.DefaultSynthConfig())
	if err != nil {
		t.Fatal(err)
	}
	qs, err := synth.Synthesize(base)
	if err != nil {
		t.Fatal(err)
	}

	twinPreds := make([]*Prediction, 0, len(qs))
	for _, q := range qs {
		value, support, err := synth.Gold(twin, q)
		if err != nil {
			t.Fatal(err)
		}
		twinPreds = append(twinPreds, &Prediction{QueryID: q.ID, Value: value, SupportIDs: support})
	}

	g := NewGrader(4)

	t.Run("oracle flips with the gold", func(t *testing.T) {
		records, sum, err := g.GradePairs(synth, base, twin, qs, oraclePreds(qs), twinPreds)
		if err != nil {
			t.Fatal(err)
		}
		if len(records) != len(qs) {
			t.Fatalf("got %d pair records for %d queries", len(records), len(qs))
		}
		if sum.PairAcc != 1 {
			t.Fatalf("oracle pair accuracy = %v, want 1", sum.PairAcc)
		}
		if sum.Divergent > 0 && sum.FlipRate != 1 {
			t.Fatalf("oracle flip rate = %v over %d divergent pairs, want 1", sum.FlipRate, sum.Divergent)
		}
	})

	t.Run("sticky answerer never flips", func(t *testing.T) {
		// Same base-gold answer on both sides.
		_, sum, err := g.GradePairs(synth, base, twin, qs, oraclePreds(qs), oraclePreds(qs))
		if err != nil {
			t.Fatal(err)
		}
		if sum.FlipRate != 0 {
			t.Fatalf("sticky flip rate = %v, want 0", sum.FlipRate)
		}
		if stable := sum.Pairs - sum.Divergent; stable > 0 && sum.ConsistencyRate != 1 {
			t.Fatalf("sticky consistency = %v, want 1", sum.ConsistencyRate)
		}
	})

	t.Run("unrelated episodes are rejected", func(t *testing.T) {
		if _, _, err := g.GradePairs(synth, base, base, qs, nil, nil); err == nil {
			t.Fatal("expected pair error for non-twin")
		}
	})
}

func TestPairSummaryMerge(t *testing.T) {
	a := PairSummary{Pairs: 4, Divergent: 2, FlipRate: 1, ConsistencyRate: 0.5, PairAcc: 0.75}
	b := PairSummary{Pairs: 2, Divergent: 1, FlipRate: 0, ConsistencyRate: 1, PairAcc: 0.5}

	got := a.Merge(b)
	want := PairSummary{Pairs: 6, Divergent: 3, FlipRate: 2.0 / 3, ConsistencyRate: 2.0 / 3, PairAcc: 4.0 / 6}
	if got != want {
		t.Fatalf("merge = %+v, want %+v", got, want)
	}
	if b.Merge(a) != got {
		t.Fatal("merge is not commutative")
	}
	if a.Merge(PairSummary{}) != a {
		t.Fatal("empty summary is not the merge identity")
	}
}
