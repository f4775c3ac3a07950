// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package pipeline is the reference non-LLM solver: retrieve, filter,
// select, abstain, extract. It exists to calibrate the benchmark and to
// localize failures; a score it cannot reach without the authority filter
// is evidence the distractor profile is doing its job.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/statetrace/services/ledgerlab/diagnosis"
	"github.com/AleutianAI/statetrace/services/ledgerlab/episode"
	"github.com/AleutianAI/statetrace/services/ledgerlab/extraction"
	"github.com/AleutianAI/statetrace/services/ledgerlab/grading"
	"github.com/AleutianAI/statetrace/services/ledgerlab/ledger"
	"github.com/AleutianAI/statetrace/services/ledgerlab/queries"
	"github.com/AleutianAI/statetrace/services/ledgerlab/retrieval"
	"github.com/AleutianAI/statetrace/services/ledgerlab/selection"
)

var tracer = otel.Tracer("statetrace.pipeline")

// Config wires the pipeline stages.
type Config struct {
	Retriever       string           `yaml:"retriever"`
	K               int              `yaml:"k"`
	AuthorityFilter bool             `yaml:"authority_filter"`
	Policy          string           `yaml:"policy"`
	PolicyParams    selection.Params `yaml:"policy_params"`
	AbstainEnabled  bool             `yaml:"abstain_enabled"`
	MinConfidence   float64          `yaml:"min_confidence"`
	MaxSupportK     int              `yaml:"max_support_k"`
}

// DefaultConfig is the standard baseline: BM25 retrieval into an
// authority-filtered recency policy.
func DefaultConfig() Config {
	return Config{
		Retriever:       "bm25",
		K:               12,
		AuthorityFilter: true,
		Policy:          "prefer_update_latest",
		MaxSupportK:     4,
	}
}

// Pipeline answers queries against episodes.
//
// Thread Safety: safe for concurrent use once constructed; all per-query
// state is local.
type Pipeline struct {
	cfg       Config
	retriever retrieval.Strategy
	policy    selection.Policy
	filter    selection.AuthorityFilter
	abstain   selection.AbstainPolicy
	logger    *slog.Logger
}

// New validates the configuration and assembles the stages.
func New(cfg Config, logger *slog.Logger) (*Pipeline, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.K <= 0 {
		cfg.K = DefaultConfig().K
	}
	if cfg.MaxSupportK <= 0 {
		cfg.MaxSupportK = DefaultConfig().MaxSupportK
	}
	retriever, err := retrieval.New(cfg.Retriever)
	if err != nil {
		return nil, fmt.Errorf("assembling pipeline: %w", err)
	}
	policy, err := selection.NewPolicy(cfg.Policy, cfg.PolicyParams)
	if err != nil {
		return nil, fmt.Errorf("assembling pipeline: %w", err)
	}
	return &Pipeline{
		cfg:       cfg,
		retriever: retriever,
		policy:    policy,
		filter:    selection.AuthorityFilter{Enabled: cfg.AuthorityFilter},
		abstain:   selection.AbstainPolicy{Enabled: cfg.AbstainEnabled, MinConfidence: cfg.MinConfidence},
		logger:    logger,
	}, nil
}

// AnswerQuery runs one query through every stage, recording the per-stage
// outcome for diagnosis.
func (p *Pipeline) AnswerQuery(ctx context.Context, ep *episode.Episode, q *queries.Query) (*grading.Prediction, diagnosis.Observation) {
	_, span := tracer.Start(ctx, "pipeline.AnswerQuery",
		trace.WithAttributes(
			attribute.String("episode.id", ep.ID),
			attribute.String("query.id", q.ID),
			attribute.String("retriever", p.retriever.Name()),
			attribute.String("policy", p.policy.Name()),
		),
	)
	defer span.End()

	obs := diagnosis.Observation{EpisodeID: ep.ID, QueryID: q.ID}

	cands := p.retriever.Retrieve(ep, q, p.cfg.K)
	obs.GoldPresent = retrieval.GoldPresent(cands, q)

	filtered := p.filter.Filter(cands)
	chosen, confidence := p.policy.Select(filtered, q)

	if d := p.abstain.Decide(chosen, filtered, confidence); d.Abstain {
		span.SetAttributes(attribute.String("abstain.reason", d.Reason))
		obs.Abstained = true
		return &grading.Prediction{QueryID: q.ID, Abstain: true}, obs
	}

	obs.SelectedGold = inGoldSupport(chosen, q)
	obs.SelectedNote = chosen.AuthorityTag != "" && !isUpdate(chosen)

	pred := &grading.Prediction{QueryID: q.ID, SelectedKind: chosen.AuthorityTag}
	r := extraction.Extract(chosen.Text, q.Key)
	if r.Null {
		obs.Abstained = true
		pred.Abstain = true
		return pred, obs
	}
	pred.Value = r.Value
	pred.SupportIDs = p.supportFor(chosen, filtered, q)
	return pred, obs
}

// supportFor cites the chosen event plus, for aggregate questions, the
// other filtered candidates for the key, capped at MaxSupportK.
func (p *Pipeline) supportFor(chosen *retrieval.Candidate, filtered []retrieval.Candidate, q *queries.Query) []string {
	ids := []string{chosen.EventRef}
	if q.Type == queries.TypeDerived {
		for _, c := range filtered {
			if len(ids) >= p.cfg.MaxSupportK {
				break
			}
			if c.EventRef != chosen.EventRef {
				ids = append(ids, c.EventRef)
			}
		}
	}
	return ids
}

// RunEpisode answers an episode's full query set. The returned
// observations carry stage outcomes only; correctness is joined in by
// Finalize once grading has run.
func (p *Pipeline) RunEpisode(ctx context.Context, ep *episode.Episode, qs []*queries.Query) ([]*grading.Prediction, []diagnosis.Observation) {
	ctx, span := tracer.Start(ctx, "pipeline.RunEpisode",
		trace.WithAttributes(
			attribute.String("episode.id", ep.ID),
			attribute.Int("queries", len(qs)),
		),
	)
	defer span.End()

	preds := make([]*grading.Prediction, 0, len(qs))
	obsList := make([]diagnosis.Observation, 0, len(qs))
	for _, q := range qs {
		pred, obs := p.AnswerQuery(ctx, ep, q)
		preds = append(preds, pred)
		obsList = append(obsList, obs)
	}
	return preds, obsList
}

// Finalize joins graded correctness into stage observations and folds
// them into a diagnosable aggregate.
func Finalize(obsList []diagnosis.Observation, records []grading.ScoreRecord) diagnosis.Aggregate {
	correct := make(map[string]bool, len(records))
	for _, r := range records {
		correct[r.QueryID] = r.ValueCorrect
	}
	var agg diagnosis.Aggregate
	for _, obs := range obsList {
		obs.Correct = correct[obs.QueryID]
		agg.Observe(obs)
	}
	return agg
}

func inGoldSupport(c *retrieval.Candidate, q *queries.Query) bool {
	if c == nil {
		return false
	}
	for _, id := range q.GoldSupportIDs {
		if id == c.EventRef {
			return true
		}
	}
	return false
}

func isUpdate(c *retrieval.Candidate) bool {
	return c.AuthorityTag == ledger.KindUpdate
}
