// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package retrieval extracts candidate evidence from episode logs.
//
// Strategies are interchangeable, never see gold, and report nothing but
// an ordered candidate list. The retrieval oracle signal, whether gold
// made it into the candidate set at all, is computed independently by
// GoldPresent, so retrieval quality can be measured without ever invoking
// selection.
package retrieval

import (
	"errors"
	"fmt"
	"sort"

	"github.com/AleutianAI/statetrace/services/ledgerlab/episode"
	"github.com/AleutianAI/statetrace/services/ledgerlab/ledger"
	"github.com/AleutianAI/statetrace/services/ledgerlab/queries"
)

// ErrUnknownStrategy is returned for a retriever name outside the closed set.
var ErrUnknownStrategy = errors.New("unknown retrieval strategy")

// Candidate is a retrieval-layer projection of one event. Candidates are
// ephemeral: built per query, discarded after selection.
//
// AuthorityTag is the structured kind carried from generation. It is the
// only authority signal downstream stages may trust; Text is adversarial.
type Candidate struct {
	Text         string      `json:"text"`
	EventRef     string      `json:"event_ref"`
	AuthorityTag ledger.Kind `json:"authority_tag"`
	Step         int         `json:"step"`
	StepDistance int         `json:"step_distance"`
	Position     int         `json:"position"`
	Spoofed      bool        `json:"spoofed"`
}

// Strategy retrieves the top-k candidates for a query from an episode.
type Strategy interface {
	Name() string
	Retrieve(ep *episode.Episode, q *queries.Query, k int) []Candidate
}

// StrategyNames is the closed retriever set, in canonical order.
var StrategyNames = []string{"fullledger", "bm25", "tfidf", "dense"}

// New maps a retriever name to its strategy, failing fast on anything
// outside the closed set.
func New(name string) (Strategy, error) {
	switch name {
	case "fullledger":
		return FullLedger{}, nil
	case "bm25":
		return NewBM25(DefaultBM25Config()), nil
	case "tfidf":
		return TFIDF{}, nil
	case "dense":
		return NewDense(DefaultDenseConfig()), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, name)
	}
}

// candidateFromEvent projects an event at a document position.
func candidateFromEvent(e ledger.Event, pos, queryStep int) Candidate {
	dist := queryStep - e.Step
	if dist < 0 {
		dist = -dist
	}
	return Candidate{
		Text:         episode.RenderEvent(e),
		EventRef:     e.ID,
		AuthorityTag: e.Kind,
		Step:         e.Step,
		StepDistance: dist,
		Position:     pos,
		Spoofed:      e.Spoofed,
	}
}

// eligible returns the events visible to retrieval for a query: anything
// at or before the query step. Future events are outside the question's
// world.
func eligible(ep *episode.Episode, q *queries.Query) []ledger.Event {
	out := make([]ledger.Event, 0, len(ep.Events))
	for _, e := range ep.Events {
		if e.Step <= q.Step {
			out = append(out, e)
		}
	}
	return out
}

// GoldPresent reports whether every gold support event survived into the
// candidate set. Queries with empty gold support (e.g. negative
// membership) are trivially covered.
func GoldPresent(cands []Candidate, q *queries.Query) bool {
	if len(q.GoldSupportIDs) == 0 {
		return true
	}
	have := make(map[string]bool, len(cands))
	for _, c := range cands {
		have[c.EventRef] = true
	}
	for _, id := range q.GoldSupportIDs {
		if !have[id] {
			return false
		}
	}
	return true
}

// GoldPresentRate is the share of queries whose gold survived retrieval.
// This is the retrieval oracle signal; it depends on nothing downstream.
func GoldPresentRate(s Strategy, ep *episode.Episode, qs []*queries.Query, k int) float64 {
	if len(qs) == 0 {
		return 0
	}
	present := 0
	for _, q := range qs {
		if GoldPresent(s.Retrieve(ep, q, k), q) {
			present++
		}
	}
	return float64(present) / float64(len(qs))
}

// -----------------------------------------------------------------------------
// FullLedger
// -----------------------------------------------------------------------------

// FullLedger is the oracle retriever: every event touching the query key,
// authoritative or not, in sequence order. With unbounded k it never drops
// gold, which makes it the upper-bound baseline for the decomposition.
type FullLedger struct{}

// Name implements Strategy.
func (FullLedger) Name() string { return "fullledger" }

// Retrieve implements Strategy.
func (FullLedger) Retrieve(ep *episode.Episode, q *queries.Query, k int) []Candidate {
	out := make([]Candidate, 0, k)
	for pos, e := range eligible(ep, q) {
		if e.Key != q.Key {
			continue
		}
		out = append(out, candidateFromEvent(e, pos, q.Step))
	}
	if k > 0 && len(out) > k {
		// Keep the most recent k; recency is what the benchmark stresses.
		out = out[len(out)-k:]
	}
	return out
}

// rank sorts scored candidates descending, with a deterministic tie-break
// on (step desc, event ID asc) so input order can never leak into output.
func rank(cands []Candidate, scores map[string]float64, k int) []Candidate {
	out := make([]Candidate, len(cands))
	copy(out, cands)
	sort.SliceStable(out, func(i, j int) bool {
		si, sj := scores[out[i].EventRef], scores[out[j].EventRef]
		if si != sj {
			return si > sj
		}
		if out[i].Step != out[j].Step {
			return out[i].Step > out[j].Step
		}
		return out[i].EventRef < out[j].EventRef
	})
	if k > 0 && len(out) > k {
		out = out[:k]
	}
	return out
}
