// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package adapter

import (
	"context"

	"github.com/AleutianAI/statetrace/services/ledgerlab/episode"
	"github.com/AleutianAI/statetrace/services/ledgerlab/grading"
	"github.com/AleutianAI/statetrace/services/ledgerlab/ledger"
)

// Oracle answers from task metadata gold. It is the harness calibration
// adapter: every grading path must score it perfectly, so any metric
// below 1.0 on an oracle run is a harness bug, not a model failure.
type Oracle struct{}

// Name identifies the oracle in run metadata.
func (Oracle) Name() string { return "oracle" }

// Answer copies the gold value and support.
func (Oracle) Answer(_ context.Context, req Request) (*grading.Prediction, error) {
	return &grading.Prediction{
		QueryID:      req.Task.ID,
		Value:        req.Task.Gold,
		SupportIDs:   req.Task.Meta.GoldSupportIDs,
		SelectedKind: ledger.KindUpdate,
	}, nil
}

// BackfillCitations fills empty citations on an answered prediction with
// the latest authoritative event for the queried key, preferring one
// whose value matches the predicted answer. This is an opt-in harness
// convenience for models that answer well but cite nothing; it trades
// citation honesty for a usable entailment signal and is always recorded
// in run metadata when enabled.
func BackfillCitations(ep *episode.Episode, key string, step int, p *grading.Prediction) {
	if p == nil || p.Abstain || len(p.SupportIDs) > 0 {
		return
	}
	var latest, matching *ledger.Event
	for i := range ep.Events {
		e := &ep.Events[i]
		if !e.Authoritative() || e.Key != key || e.Step > step {
			continue
		}
		if latest == nil || e.Step > latest.Step || (e.Step == latest.Step && e.Seq > latest.Seq) {
			latest = e
		}
		if grading.Normalize(e.Value) == grading.Normalize(p.Value) {
			if matching == nil || e.Step > matching.Step {
				matching = e
			}
		}
	}
	switch {
	case matching != nil:
		p.SupportIDs = []string{matching.ID}
	case latest != nil:
		p.SupportIDs = []string{latest.ID}
	}
}
