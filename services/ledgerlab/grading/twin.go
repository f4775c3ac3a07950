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
	"errors"
	"fmt"

	"github.com/AleutianAI/statetrace/services/ledgerlab/episode"
	"github.com/AleutianAI/statetrace/services/ledgerlab/queries"
)

// ErrNotTwin reports a pair grading call on episodes that are not a
// base/twin pair.
var ErrNotTwin = errors.New("episodes are not a base/twin pair")

// PairRecord scores one query across a base/twin episode pair. Twins
// differ in exactly one decisive event, so a query whose gold changes
// between the two is a direct probe of evidence sensitivity: a model that
// answers from the actual ledger flips its answer, a model that answers
// from priors or distractors does not.
type PairRecord struct {
	QueryID     string `json:"query_id"`
	GoldDiffers bool   `json:"gold_differs"`
	PredDiffers bool   `json:"pred_differs"`
	Flipped     bool   `json:"flipped"`
	BothCorrect bool   `json:"both_correct"`
}

// PairSummary aggregates pair records.
type PairSummary struct {
	Pairs int `json:"pairs"`

	// Divergent counts pairs whose gold actually differs.
	Divergent int `json:"divergent"`

	// FlipRate is the share of divergent pairs where the prediction
	// followed the gold flip.
	FlipRate float64 `json:"flip_rate"`

	// ConsistencyRate is the share of gold-stable pairs answered
	// identically on both sides.
	ConsistencyRate float64 `json:"consistency_rate"`

	// PairAcc is the share of all pairs correct on both sides.
	PairAcc float64 `json:"pair_acc"`
}

// Merge combines two pair summaries, re-weighting each rate by its pair
// counts so merging commutes and an empty summary is the identity.
func (a PairSummary) Merge(b PairSummary) PairSummary {
	out := PairSummary{
		Pairs:     a.Pairs + b.Pairs,
		Divergent: a.Divergent + b.Divergent,
	}
	if out.Divergent > 0 {
		out.FlipRate = (a.FlipRate*float64(a.Divergent) + b.FlipRate*float64(b.Divergent)) / float64(out.Divergent)
	}
	aStable := a.Pairs - a.Divergent
	bStable := b.Pairs - b.Divergent
	if stable := aStable + bStable; stable > 0 {
		out.ConsistencyRate = (a.ConsistencyRate*float64(aStable) + b.ConsistencyRate*float64(bStable)) / float64(stable)
	}
	if out.Pairs > 0 {
		out.PairAcc = (a.PairAcc*float64(a.Pairs) + b.PairAcc*float64(b.Pairs)) / float64(out.Pairs)
	}
	return out
}

// GradePairs scores predictions across a base episode and its twin.
//
// The query set is the base episode's; twin gold is recomputed per query
// through the twin's ledger. Predictions are matched by query ID on both
// sides, missing ones counting as abstentions.
func (g *Grader) GradePairs(synth *queries.Synthesizer, base, twin *episode.Episode, qs []*queries.Query, basePreds, twinPreds []*Prediction) ([]PairRecord, PairSummary, error) {
	if !twin.IsTwin() || twin.BaseID != base.ID {
		return nil, PairSummary{}, fmt.Errorf("%w: base=%s twin=%s", ErrNotTwin, base.ID, twin.ID)
	}

	baseBy := indexPredictions(basePreds)
	twinBy := indexPredictions(twinPreds)

	records := make([]PairRecord, 0, len(qs))
	var sum PairSummary
	var flips, consistent, bothRight int
	for _, q := range qs {
		twinGold, _, err := synth.Gold(twin, q)
		if err != nil {
			return nil, PairSummary{}, fmt.Errorf("recomputing twin gold for %s: %w", q.ID, err)
		}

		bp, tp := baseBy[q.ID], twinBy[q.ID]
		rec := PairRecord{
			QueryID:     q.ID,
			GoldDiffers: Normalize(twinGold) != Normalize(q.GoldValue),
			PredDiffers: predValue(bp) != predValue(tp),
		}
		baseRight := bp != nil && !bp.Abstain && Normalize(bp.Value) == Normalize(q.GoldValue)
		twinRight := tp != nil && !tp.Abstain && Normalize(tp.Value) == Normalize(twinGold)
		rec.BothCorrect = baseRight && twinRight
		rec.Flipped = rec.GoldDiffers && rec.BothCorrect

		sum.Pairs++
		if rec.GoldDiffers {
			sum.Divergent++
			if rec.Flipped {
				flips++
			}
		} else if !rec.PredDiffers {
			consistent++
		}
		if rec.BothCorrect {
			bothRight++
		}
		records = append(records, rec)
	}

	if sum.Divergent > 0 {
		sum.FlipRate = float64(flips) / float64(sum.Divergent)
	}
	if stable := sum.Pairs - sum.Divergent; stable > 0 {
		sum.ConsistencyRate = float64(consistent) / float64(stable)
	}
	if sum.Pairs > 0 {
		sum.PairAcc = float64(bothRight) / float64(sum.Pairs)
	}
	return records, sum, nil
}

func indexPredictions(preds []*Prediction) map[string]*Prediction {
	m := make(map[string]*Prediction, len(preds))
	for _, p := range preds {
		m[p.QueryID] = p
	}
	return m
}

func predValue(p *Prediction) string {
	if p == nil || p.Abstain {
		return "\x00abstain"
	}
	return Normalize(p.Value)
}
