// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package diagnosis decomposes end-to-end accuracy into per-stage rates
// and names the first failing stage.
//
// The decomposition chain is: did gold evidence reach the candidate set
// (retrieval), was a gold candidate chosen when present (selection), was
// the chosen evidence authoritative (authority), and was the answer right
// given good evidence (answering). Aggregates merge commutatively and
// associatively, so shards of a sweep can be reduced in any order.
package diagnosis

import (
	"fmt"
	"sort"
)

// Observation is the per-query input to diagnosis, recorded by the
// pipeline as each query flows through its stages.
type Observation struct {
	EpisodeID string `json:"episode_id"`
	QueryID   string `json:"query_id"`

	GoldPresent  bool `json:"gold_present"`
	SelectedGold bool `json:"selected_gold"`
	SelectedNote bool `json:"selected_note"`
	Abstained    bool `json:"abstained"`
	Correct      bool `json:"correct"`
}

// Locator names one failed query, for drill-down.
type Locator struct {
	EpisodeID string `json:"episode_id"`
	QueryID   string `json:"query_id"`
}

// Aggregate is a mergeable tally of observations.
type Aggregate struct {
	Queries                int `json:"queries"`
	GoldPresent            int `json:"gold_present"`
	SelectedGold           int `json:"selected_gold"`
	SelectedNote           int `json:"selected_note"`
	Abstained              int `json:"abstained"`
	Correct                int `json:"correct"`
	CorrectWhenGoldPresent int `json:"correct_when_gold_present"`

	// Failures locates every incorrect, non-abstained query, kept in
	// (episode, query) order.
	Failures []Locator `json:"failures"`
}

// Observe folds one observation into the aggregate.
func (a *Aggregate) Observe(o Observation) {
	a.Queries++
	if o.GoldPresent {
		a.GoldPresent++
		if o.Correct {
			a.CorrectWhenGoldPresent++
		}
	}
	if o.SelectedGold {
		a.SelectedGold++
	}
	if o.SelectedNote {
		a.SelectedNote++
	}
	if o.Abstained {
		a.Abstained++
	}
	if o.Correct {
		a.Correct++
	} else if !o.Abstained {
		a.Failures = append(a.Failures, Locator{EpisodeID: o.EpisodeID, QueryID: o.QueryID})
		sortLocators(a.Failures)
	}
}

// Merge combines two aggregates. Counter addition commutes, and the
// failure list is re-sorted into canonical order, so merge order never
// changes the result.
func Merge(a, b Aggregate) Aggregate {
	out := Aggregate{
		Queries:                a.Queries + b.Queries,
		GoldPresent:            a.GoldPresent + b.GoldPresent,
		SelectedGold:           a.SelectedGold + b.SelectedGold,
		SelectedNote:           a.SelectedNote + b.SelectedNote,
		Abstained:              a.Abstained + b.Abstained,
		Correct:                a.Correct + b.Correct,
		CorrectWhenGoldPresent: a.CorrectWhenGoldPresent + b.CorrectWhenGoldPresent,
	}
	out.Failures = make([]Locator, 0, len(a.Failures)+len(b.Failures))
	out.Failures = append(out.Failures, a.Failures...)
	out.Failures = append(out.Failures, b.Failures...)
	sortLocators(out.Failures)
	return out
}

func sortLocators(ls []Locator) {
	sort.Slice(ls, func(i, j int) bool {
		if ls[i].EpisodeID != ls[j].EpisodeID {
			return ls[i].EpisodeID < ls[j].EpisodeID
		}
		return ls[i].QueryID < ls[j].QueryID
	})
}

// Rates is the stage decomposition derived from an aggregate.
type Rates struct {
	// GoldPresentRate: fraction of queries whose gold support survived
	// retrieval into the candidate set.
	GoldPresentRate float64 `json:"gold_present_rate"`

	// SelectionRate: fraction of gold-present queries where a gold
	// candidate was chosen.
	SelectionRate float64 `json:"selection_rate"`

	// SelectedNoteRate: fraction of answered queries read from a
	// non-authoritative candidate.
	SelectedNoteRate float64 `json:"selected_note_rate"`

	// AccuracyWhenGoldPresent: accuracy restricted to gold-present
	// queries, isolating answering from retrieval.
	AccuracyWhenGoldPresent float64 `json:"accuracy_when_gold_present"`

	// Overall is end-to-end accuracy over all queries.
	Overall float64 `json:"overall"`

	AbstainRate float64 `json:"abstain_rate"`
}

// ComputeRates derives the decomposition from a tally.
func ComputeRates(a Aggregate) Rates {
	var r Rates
	if a.Queries == 0 {
		return r
	}
	n := float64(a.Queries)
	r.GoldPresentRate = float64(a.GoldPresent) / n
	r.Overall = float64(a.Correct) / n
	r.AbstainRate = float64(a.Abstained) / n
	if a.GoldPresent > 0 {
		r.SelectionRate = float64(a.SelectedGold) / float64(a.GoldPresent)
		r.AccuracyWhenGoldPresent = float64(a.CorrectWhenGoldPresent) / float64(a.GoldPresent)
	}
	if answered := a.Queries - a.Abstained; answered > 0 {
		r.SelectedNoteRate = float64(a.SelectedNote) / float64(answered)
	}
	return r
}

// Bottleneck names the first failing stage.
type Bottleneck string

const (
	BottleneckRetrieval Bottleneck = "retrieval"
	BottleneckSelection Bottleneck = "selection"
	BottleneckAuthority Bottleneck = "authority"
	BottleneckAnswering Bottleneck = "answering"
	BottleneckNone      Bottleneck = "none"
)

// Rule is one row of the diagnosis table. Rules are evaluated in order
// and the first match wins; upstream failures mask downstream ones
// because fixing a starved stage changes everything after it.
type Rule struct {
	Stage        Bottleneck
	Applies      func(Rates) bool
	Prescription string
}

// Thresholds tunes the rule table.
type Thresholds struct {
	GoldPresent  float64 `yaml:"gold_present"`
	Selection    float64 `yaml:"selection"`
	SelectedNote float64 `yaml:"selected_note"`
	Answering    float64 `yaml:"answering"`
}

// DefaultThresholds returns the standard trigger levels.
func DefaultThresholds() Thresholds {
	return Thresholds{GoldPresent: 0.85, Selection: 0.80, SelectedNote: 0.10, Answering: 0.80}
}

// Rules builds the ordered diagnosis table for the given thresholds.
func Rules(th Thresholds) []Rule {
	return []Rule{
		{
			Stage:        BottleneckRetrieval,
			Applies:      func(r Rates) bool { return r.GoldPresentRate < th.GoldPresent },
			Prescription: "gold evidence is not reaching the candidate set; raise k or switch retrieval strategy before tuning anything downstream",
		},
		{
			Stage:        BottleneckSelection,
			Applies:      func(r Rates) bool { return r.SelectionRate < th.Selection },
			Prescription: "gold candidates are retrieved but not chosen; strengthen the rerank policy (recency and authority features) before touching answering",
		},
		{
			Stage:        BottleneckAuthority,
			Applies:      func(r Rates) bool { return r.SelectedNoteRate > th.SelectedNote },
			Prescription: "answers are being read from non-authoritative entries; enable the authority filter so only structured updates can establish state",
		},
		{
			Stage:        BottleneckAnswering,
			Applies:      func(r Rates) bool { return r.AccuracyWhenGoldPresent < th.Answering },
			Prescription: "the right evidence is selected but the answer is still wrong; inspect extraction and answer formatting",
		},
	}
}

// Report is the diagnosis output.
type Report struct {
	Rates        Rates      `json:"rates"`
	Bottleneck   Bottleneck `json:"bottleneck"`
	Prescription string     `json:"prescription"`

	// Failures echoes the aggregate's failure locators, canonical order.
	Failures []Locator `json:"failures"`
}

// Diagnose runs the rule table over an aggregate.
func Diagnose(a Aggregate, th Thresholds) Report {
	rates := ComputeRates(a)
	rep := Report{
		Rates:        rates,
		Bottleneck:   BottleneckNone,
		Prescription: "no stage is below threshold",
		Failures:     a.Failures,
	}
	for _, rule := range Rules(th) {
		if rule.Applies(rates) {
			rep.Bottleneck = rule.Stage
			rep.Prescription = rule.Prescription
			break
		}
	}
	return rep
}

// String renders a one-line verdict for logs.
func (r Report) String() string {
	return fmt.Sprintf("bottleneck=%s gold_present=%.3f selection=%.3f acc_given_gold=%.3f overall=%.3f",
		r.Bottleneck, r.Rates.GoldPresentRate, r.Rates.SelectionRate,
		r.Rates.AccuracyWhenGoldPresent, r.Rates.Overall)
}
