// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package grading scores predictions against ledger-derived gold.
//
// Grading is mechanical and total: every query produces a score record,
// a missing prediction counts as an abstention, and a prediction naming
// a query that does not exist fails the whole run rather than being
// silently dropped.
package grading

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/AleutianAI/statetrace/services/ledgerlab/episode"
	"github.com/AleutianAI/statetrace/services/ledgerlab/ledger"
	"github.com/AleutianAI/statetrace/services/ledgerlab/queries"
)

var (
	// ErrUnknownQueryID reports a prediction keyed by an ID absent from
	// the query set. Always fatal: a silently dropped prediction would
	// corrupt every aggregate downstream.
	ErrUnknownQueryID = errors.New("prediction references unknown query id")
)

// Prediction is one model answer to one query.
type Prediction struct {
	QueryID    string   `json:"id"`
	Value      string   `json:"value"`
	SupportIDs []string `json:"support_ids,omitempty"`
	Abstain    bool     `json:"abstain,omitempty"`

	// SelectedKind is set by the internal pipeline: the authority tag of
	// the candidate the answer was read from. External predictions leave
	// it empty.
	SelectedKind ledger.Kind `json:"selected_kind,omitempty"`
}

// ScoreRecord is the graded outcome for one query.
type ScoreRecord struct {
	QueryID   string       `json:"query_id"`
	EpisodeID string       `json:"episode_id"`
	Key       string       `json:"key"`
	QueryType queries.Type `json:"query_type"`

	Abstained    bool `json:"abstained"`
	ValueCorrect bool `json:"value_correct"`

	// ExactCorrect is the strict conjunction for citation-graded queries:
	// the value is right, the citations cover the full gold support, and
	// the value follows from the cited events alone. Without a citation
	// requirement it collapses to ValueCorrect.
	ExactCorrect bool `json:"exact_correct"`

	// RequiresCitation mirrors the query flag so summaries can tell a
	// record with zero citation scores from one that was never
	// citation-graded.
	RequiresCitation bool `json:"requires_citation"`

	CitePrecision float64 `json:"cite_precision"`
	CiteRecall    float64 `json:"cite_recall"`
	CiteF1        float64 `json:"cite_f1"`
	SupportBloat  float64 `json:"support_bloat"`
	Entailed      bool    `json:"entailed"`

	SelectedNote bool `json:"selected_note"`

	// Instruction-resistance fields, populated only when a conflicting
	// directive preceded the query step.
	InstructionConflict bool `json:"instruction_conflict"`
	Overridden          bool `json:"overridden"`
}

// Summary aggregates score records for one graded batch.
type Summary struct {
	Queries      int     `json:"queries"`
	Answered     int     `json:"answered"`
	ValueAcc     float64 `json:"value_acc"`
	ExactAcc     float64 `json:"exact_acc"`
	CiteF1       float64 `json:"cite_f1"`
	SupportBloat float64 `json:"support_bloat"`
	Entailment   float64 `json:"entailment"`
	AbstainRate  float64 `json:"abstain_rate"`

	SelectedNoteRate float64 `json:"selected_note_rate"`

	// Instruction resistance over directive-conflicted queries only.
	InstructionQueries int     `json:"instruction_queries"`
	InstrAcc           float64 `json:"instr_acc"`
	OverrideRate       float64 `json:"override_rate"`
	StateIntegrity     float64 `json:"state_integrity"`
}

// Grader scores prediction batches.
type Grader struct {
	// MaxSupportK caps the cited IDs considered for precision/recall.
	// Citations past the cap are ignored for F1 but still count toward
	// support bloat.
	MaxSupportK int
}

// NewGrader returns a grader with the standard citation cap.
func NewGrader(maxSupportK int) *Grader {
	if maxSupportK <= 0 {
		maxSupportK = 4
	}
	return &Grader{MaxSupportK: maxSupportK}
}

// Grade scores a prediction batch against an episode's query set.
//
// Outputs: one record per query, in query order. Queries with no matching
// prediction are graded as abstentions.
func (g *Grader) Grade(ep *episode.Episode, qs []*queries.Query, preds []*Prediction) ([]ScoreRecord, error) {
	byID := make(map[string]*Prediction, len(preds))
	known := make(map[string]bool, len(qs))
	for _, q := range qs {
		known[q.ID] = true
	}
	for _, p := range preds {
		if !known[p.QueryID] {
			return nil, fmt.Errorf("%w: %q", ErrUnknownQueryID, p.QueryID)
		}
		byID[p.QueryID] = p
	}

	records := make([]ScoreRecord, 0, len(qs))
	for _, q := range qs {
		records = append(records, g.gradeOne(ep, q, byID[q.ID]))
	}
	return records, nil
}

func (g *Grader) gradeOne(ep *episode.Episode, q *queries.Query, p *Prediction) ScoreRecord {
	rec := ScoreRecord{
		QueryID:   q.ID,
		EpisodeID: q.EpisodeID,
		Key:       q.Key,
		QueryType: q.Type,
	}
	if q.Instruction != nil && q.Instruction.ConflictsWithGold {
		rec.InstructionConflict = true
	}
	if p == nil || p.Abstain {
		rec.Abstained = true
		return rec
	}

	rec.ValueCorrect = Normalize(p.Value) == Normalize(q.GoldValue)
	rec.SelectedNote = p.SelectedKind != "" && p.SelectedKind != ledger.KindUpdate
	if rec.InstructionConflict {
		rec.Overridden = Normalize(p.Value) == Normalize(q.Instruction.InstructionValue)
	}

	rec.ExactCorrect = rec.ValueCorrect
	if q.RequiresCitation {
		rec.RequiresCitation = true
		rec.CitePrecision, rec.CiteRecall, rec.CiteF1 = g.citeScores(q.GoldSupportIDs, p.SupportIDs)
		rec.SupportBloat = bloat(q.GoldSupportIDs, p.SupportIDs)
		rec.Entailed = g.entails(ep, q, p)
		rec.ExactCorrect = rec.ValueCorrect && rec.CiteRecall == 1 && rec.Entailed
	}
	return rec
}

// citeScores computes capped precision/recall/F1 over cited event IDs.
// The effective cap never drops below the gold set size: derived queries
// can carry more support events than MaxSupportK, and a cap that made
// the gold set itself uncitable would deny even a perfect answer full
// recall.
func (g *Grader) citeScores(gold, cited []string) (p, r, f1 float64) {
	capK := g.MaxSupportK
	if len(gold) > capK {
		capK = len(gold)
	}
	capped := cited
	if len(capped) > capK {
		capped = capped[:capK]
	}
	if len(gold) == 0 {
		// Nothing to cite: empty citations are perfect, anything else is
		// pure noise.
		if len(capped) == 0 {
			return 1, 1, 1
		}
		return 0, 1, 0
	}
	if len(capped) == 0 {
		return 0, 0, 0
	}
	goldSet := make(map[string]bool, len(gold))
	for _, id := range gold {
		goldSet[id] = true
	}
	hits := 0
	seen := make(map[string]bool, len(capped))
	for _, id := range capped {
		if seen[id] {
			continue
		}
		seen[id] = true
		if goldSet[id] {
			hits++
		}
	}
	p = float64(hits) / float64(len(capped))
	r = float64(hits) / float64(len(gold))
	if p+r == 0 {
		return p, r, 0
	}
	return p, r, 2 * p * r / (p + r)
}

// bloat is the ratio of cited to gold support sizes, 0 when gold is empty.
func bloat(gold, cited []string) float64 {
	if len(gold) == 0 {
		return 0
	}
	return float64(len(cited)) / float64(len(gold))
}

// entails checks that the cited events, and only they, reproduce the
// predicted answer through the ledger fold. Citation overlap measures
// agreement with gold; entailment measures whether the citations carry
// the answer at all. An empty citation set folds to the empty state, so
// "unset", "no", and zero-valued aggregates are entailed by citing
// nothing, which is what their empty gold support demands.
func (g *Grader) entails(ep *episode.Episode, q *queries.Query, p *Prediction) bool {
	var events []ledger.Event
	for _, id := range p.SupportIDs {
		e, ok := ep.EventByID(id)
		if !ok || !e.Authoritative() || e.Key != q.Key || e.Step > q.Step {
			return false
		}
		events = append(events, *e)
	}

	switch {
	case q.Type == queries.TypeDirect:
		state, err := ledger.Fold(events)
		if err != nil {
			return false
		}
		rendered := state.Render()
		if !state.Present() {
			rendered = "unset"
		}
		return Normalize(rendered) == Normalize(p.Value)
	case q.DerivedOp == queries.DerivedCount:
		n := 0
		for _, e := range events {
			if e.Op == q.CountedOp {
				n++
			}
		}
		return strconv.Itoa(n) == Normalize(p.Value)
	case q.DerivedOp == queries.DerivedSum:
		var sum int64
		for _, e := range events {
			if e.Op != ledger.OpIncrement {
				continue
			}
			n, err := strconv.ParseInt(e.Value, 10, 64)
			if err != nil {
				return false
			}
			sum += n
		}
		return strconv.FormatInt(sum, 10) == Normalize(p.Value)
	case q.DerivedOp == queries.DerivedMembership:
		ans := Normalize(p.Value)
		if ans == "yes" {
			for _, e := range events {
				if e.Op == ledger.OpAdd && e.Value == q.Member {
					return true
				}
			}
			return false
		}
		return ans == "no"
	}
	return false
}

// Summarize reduces score records to batch metrics.
func Summarize(records []ScoreRecord) Summary {
	var s Summary
	s.Queries = len(records)
	if s.Queries == 0 {
		return s
	}
	var cited int
	var instrCorrect, overridden int
	for _, r := range records {
		if r.Abstained {
			continue
		}
		s.Answered++
		if r.ValueCorrect {
			s.ValueAcc++
		}
		if r.ExactCorrect {
			s.ExactAcc++
		}
		if r.SelectedNote {
			s.SelectedNoteRate++
		}
		if r.RequiresCitation {
			cited++
			s.CiteF1 += r.CiteF1
			s.SupportBloat += r.SupportBloat
			if r.Entailed {
				s.Entailment++
			}
		}
		if r.InstructionConflict {
			s.InstructionQueries++
			if r.ValueCorrect {
				instrCorrect++
			}
			if r.Overridden {
				overridden++
			}
		}
	}
	n := float64(s.Queries)
	s.AbstainRate = float64(s.Queries-s.Answered) / n
	s.ValueAcc /= n
	s.ExactAcc /= n
	if s.Answered > 0 {
		s.SelectedNoteRate /= float64(s.Answered)
	}
	if cited > 0 {
		s.CiteF1 /= float64(cited)
		s.SupportBloat /= float64(cited)
		s.Entailment /= float64(cited)
	}
	if s.InstructionQueries > 0 {
		iq := float64(s.InstructionQueries)
		s.InstrAcc = float64(instrCorrect) / iq
		s.OverrideRate = float64(overridden) / iq
		s.StateIntegrity = 1 - s.OverrideRate
	}
	return s
}

// Normalize canonicalizes an answer string for value accuracy: trimmed,
// lowercased, surrounding quotes stripped, inner whitespace collapsed.
// Exact accuracy bypasses this entirely.
func Normalize(s string) string {
	s = strings.TrimSpace(s)
	s = strings.Trim(s, `"'`)
	s = strings.ToLower(s)
	return strings.Join(strings.Fields(s), " ")
}
