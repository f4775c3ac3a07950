// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package selection chooses the answer-bearing candidate from a retrieved
// set: a hard authority gate, a rerank policy, and an abstain decision.
//
// Policies are pure functions of the candidate set and their parameters.
// Every policy sorts its input into a canonical order before scoring, so
// the caller's candidate order cannot change the outcome.
package selection

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/AleutianAI/statetrace/services/ledgerlab/ledger"
	"github.com/AleutianAI/statetrace/services/ledgerlab/queries"
	"github.com/AleutianAI/statetrace/services/ledgerlab/retrieval"
	"gopkg.in/yaml.v3"
)

// ErrUnknownPolicy is returned for a policy name outside the closed set.
var ErrUnknownPolicy = errors.New("unknown selection policy")

// -----------------------------------------------------------------------------
// Authority filter
// -----------------------------------------------------------------------------

// AuthorityFilter drops non-authoritative candidates before selection.
//
// The filter keys strictly on the structured AuthorityTag carried from
// generation. It never inspects candidate text: under note_camouflage and
// authority spoofing the text is forged precisely to defeat lexical
// filtering. This is a hard gate; policies only ever see the survivors.
type AuthorityFilter struct {
	Enabled bool
}

// Filter returns the candidates that may legally establish state.
func (f AuthorityFilter) Filter(cands []retrieval.Candidate) []retrieval.Candidate {
	if !f.Enabled {
		return cands
	}
	out := make([]retrieval.Candidate, 0, len(cands))
	for _, c := range cands {
		if c.AuthorityTag == ledger.KindUpdate {
			out = append(out, c)
		}
	}
	return out
}

// -----------------------------------------------------------------------------
// Policies
// -----------------------------------------------------------------------------

// Policy scores a filtered candidate set and picks one, with a confidence
// in [0,1]. A nil chosen candidate means the policy found nothing usable.
type Policy interface {
	Name() string
	Select(cands []retrieval.Candidate, q *queries.Query) (*retrieval.Candidate, float64)
}

// PolicyNames is the closed policy set, in canonical order.
var PolicyNames = []string{"none", "latest_step", "prefer_update_latest", "prefer_set_latest", "linear"}

// Params tunes policy behavior.
type Params struct {
	// TieBreakEps treats step differences at or below this as ties for
	// latest_step (then the canonical order decides).
	TieBreakEps int `yaml:"tie_break_eps"`

	// StepBucket coarsens exact steps into buckets of this width before
	// scoring, probing robustness when exact recency cues are degraded.
	// Zero disables coarsening.
	StepBucket int `yaml:"step_bucket"`

	// Weights parameterizes the linear policy. Learned externally; never
	// hardcoded here.
	Weights Weights `yaml:"weights"`
}

// NewPolicy maps a policy name to its implementation, failing fast on
// anything outside the closed set.
func NewPolicy(name string, p Params) (Policy, error) {
	switch name {
	case "none":
		return nonePolicy{}, nil
	case "latest_step":
		return latestStep{params: p}, nil
	case "prefer_update_latest":
		return preferKindLatest{name: "prefer_update_latest", params: p}, nil
	case "prefer_set_latest":
		return preferKindLatest{name: "prefer_set_latest", requireSet: true, params: p}, nil
	case "linear":
		return linearPolicy{params: p}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownPolicy, name)
	}
}

// canonical returns the candidates in (step, event ID) order. Policies
// work on this copy so the result is independent of input order.
func canonical(cands []retrieval.Candidate) []retrieval.Candidate {
	out := make([]retrieval.Candidate, len(cands))
	copy(out, cands)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Step != out[j].Step {
			return out[i].Step < out[j].Step
		}
		return out[i].EventRef < out[j].EventRef
	})
	return out
}

// bucketStep coarsens a step when StepBucket is configured.
func (p Params) bucketStep(step int) int {
	if p.StepBucket <= 0 {
		return step
	}
	return step / p.StepBucket
}

// nonePolicy takes the first candidate in canonical order, i.e. no
// reranking at all. The floor baseline.
type nonePolicy struct{}

func (nonePolicy) Name() string { return "none" }

func (nonePolicy) Select(cands []retrieval.Candidate, _ *queries.Query) (*retrieval.Candidate, float64) {
	ordered := canonical(cands)
	if len(ordered) == 0 {
		return nil, 0
	}
	return &ordered[0], 0.5
}

// latestStep picks the maximum-step candidate, with an optional epsilon
// under which steps count as tied.
type latestStep struct {
	params Params
}

func (latestStep) Name() string { return "latest_step" }

func (p latestStep) Select(cands []retrieval.Candidate, _ *queries.Query) (*retrieval.Candidate, float64) {
	ordered := canonical(cands)
	if len(ordered) == 0 {
		return nil, 0
	}
	best := ordered[len(ordered)-1]
	bestStep := p.params.bucketStep(best.Step)
	tied := 1
	for _, c := range ordered[:len(ordered)-1] {
		if bestStep-p.params.bucketStep(c.Step) <= p.params.TieBreakEps {
			tied++
		}
	}
	return &best, 1 / float64(tied)
}

// preferKindLatest is authority-aware recency: latest among UPDATE-kind
// candidates (optionally only SET-shaped ones), falling back to plain
// latest when none qualify.
type preferKindLatest struct {
	name       string
	requireSet bool
	params     Params
}

func (p preferKindLatest) Name() string { return p.name }

func (p preferKindLatest) Select(cands []retrieval.Candidate, q *queries.Query) (*retrieval.Candidate, float64) {
	ordered := canonical(cands)
	if len(ordered) == 0 {
		return nil, 0
	}
	for i := len(ordered) - 1; i >= 0; i-- {
		c := ordered[i]
		if c.AuthorityTag != ledger.KindUpdate {
			continue
		}
		if p.requireSet && !strings.Contains(c.Text, "SET "+q.Key) {
			continue
		}
		return &c, 0.9
	}
	return latestStep{params: p.params}.Select(ordered, q)
}

// -----------------------------------------------------------------------------
// Linear policy
// -----------------------------------------------------------------------------

// Weights are the learned parameters of the linear policy. They are
// external configuration (see LoadWeights), not code.
type Weights struct {
	StepDistance float64 `yaml:"step_distance"`
	Position     float64 `yaml:"position"`
	TokenOverlap float64 `yaml:"token_overlap"`
	Authority    float64 `yaml:"authority"`
	Bias         float64 `yaml:"bias"`
}

// LoadWeights reads linear policy weights from a YAML file.
func LoadWeights(path string) (Weights, error) {
	var w Weights
	data, err := os.ReadFile(path)
	if err != nil {
		return w, fmt.Errorf("reading weights file: %w", err)
	}
	if err := yaml.Unmarshal(data, &w); err != nil {
		return w, fmt.Errorf("parsing weights file %s: %w", path, err)
	}
	return w, nil
}

// linearPolicy scores candidates with a weighted feature sum: negated
// step distance, negated position index, key/value token overlap with the
// question, and the authority flag.
type linearPolicy struct {
	params Params
}

func (linearPolicy) Name() string { return "linear" }

func (p linearPolicy) Select(cands []retrieval.Candidate, q *queries.Query) (*retrieval.Candidate, float64) {
	ordered := canonical(cands)
	if len(ordered) == 0 {
		return nil, 0
	}
	w := p.params.Weights
	qTokens := tokenSet(q.Question + " " + q.Key)

	var best *retrieval.Candidate
	var bestScore float64
	var total float64
	for i := range ordered {
		c := ordered[i]
		authority := 0.0
		if c.AuthorityTag == ledger.KindUpdate {
			authority = 1
		}
		score := w.Bias -
			w.StepDistance*float64(p.params.bucketStep(c.StepDistance)) -
			w.Position*float64(c.Position) +
			w.TokenOverlap*overlap(qTokens, c.Text) +
			w.Authority*authority
		total += score
		// Strictly-greater keeps the canonical-order earliest on ties.
		if best == nil || score > bestScore {
			best = &ordered[i]
			bestScore = score
		}
	}
	confidence := 0.5
	if len(ordered) > 1 {
		mean := total / float64(len(ordered))
		if bestScore > mean {
			confidence = 0.5 + 0.5*(bestScore-mean)/(abs(bestScore)+abs(mean)+1e-9)
		}
	}
	return best, clamp01(confidence)
}

func tokenSet(s string) map[string]bool {
	set := make(map[string]bool)
	for _, t := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '_')
	}) {
		set[t] = true
	}
	return set
}

func overlap(qTokens map[string]bool, text string) float64 {
	if len(qTokens) == 0 {
		return 0
	}
	hits := 0
	for t := range tokenSet(text) {
		if qTokens[t] {
			hits++
		}
	}
	return float64(hits) / float64(len(qTokens))
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}

func clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}
