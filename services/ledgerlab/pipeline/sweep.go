// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/statetrace/services/ledgerlab/diagnosis"
	"github.com/AleutianAI/statetrace/services/ledgerlab/episode"
	"github.com/AleutianAI/statetrace/services/ledgerlab/grading"
	"github.com/AleutianAI/statetrace/services/ledgerlab/queries"
)

// Condition is one cell of a sweep grid.
type Condition struct {
	Seed    int64             `json:"seed" yaml:"seed"`
	Mode    episode.StateMode `json:"mode" yaml:"mode"`
	Profile episode.Profile   `json:"profile" yaml:"profile"`
}

func (c Condition) String() string {
	return fmt.Sprintf("seed=%d mode=%s profile=%s", c.Seed, c.Mode, c.Profile)
}

// RunResult is the graded outcome of one condition.
type RunResult struct {
	RunID     string                `json:"run_id"`
	Condition Condition             `json:"condition"`
	StartedAt time.Time             `json:"started_at"`
	Duration  time.Duration         `json:"duration"`
	Summary   grading.Summary       `json:"summary"`
	Pairs     grading.PairSummary   `json:"pairs"`
	Report    diagnosis.Report      `json:"report"`
	Records   []grading.ScoreRecord `json:"records,omitempty"`
}

// SweepConfig shapes a full grid run.
type SweepConfig struct {
	Episode  episode.Config      `yaml:"episode"`
	Synth    queries.SynthConfig `yaml:"synth"`
	Pipeline Config              `yaml:"pipeline"`

	Seeds    []int64             `yaml:"seeds"`
	Modes    []episode.StateMode `yaml:"modes"`
	Profiles []episode.Profile   `yaml:"profiles"`

	// Twins enables base/twin pair grading per condition.
	Twins bool `yaml:"twins"`

	// Parallelism bounds concurrent conditions. Zero means sequential.
	Parallelism int `yaml:"parallelism"`

	Thresholds diagnosis.Thresholds `yaml:"thresholds"`
}

// Sweep runs the pipeline over every (seed, mode, profile) cell.
//
// Cells run concurrently under an errgroup; results come back in grid
// order regardless of completion order, so reports are reproducible.
func Sweep(ctx context.Context, cfg SweepConfig, logger *slog.Logger) ([]RunResult, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conditions := grid(cfg)
	results := make([]RunResult, len(conditions))

	g, ctx := errgroup.WithContext(ctx)
	if cfg.Parallelism > 0 {
		g.SetLimit(cfg.Parallelism)
	} else {
		g.SetLimit(1)
	}

	for i, cond := range conditions {
		g.Go(func() error {
			res, err := runCondition(ctx, cfg, cond, logger)
			if err != nil {
				return fmt.Errorf("condition %s: %w", cond, err)
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func grid(cfg SweepConfig) []Condition {
	seeds := cfg.Seeds
	if len(seeds) == 0 {
		seeds = []int64{cfg.Episode.Seed}
	}
	modes := cfg.Modes
	if len(modes) == 0 {
		modes = []episode.StateMode{cfg.Episode.StateMode}
	}
	profiles := cfg.Profiles
	if len(profiles) == 0 {
		profiles = []episode.Profile{cfg.Episode.Profile}
	}
	var out []Condition
	for _, seed := range seeds {
		for _, mode := range modes {
			for _, profile := range profiles {
				out = append(out, Condition{Seed: seed, Mode: mode, Profile: profile})
			}
		}
	}
	return out
}

func runCondition(ctx context.Context, cfg SweepConfig, cond Condition, logger *slog.Logger) (RunResult, error) {
	runID := uuid.NewString()
	ctx, span := tracer.Start(ctx, "pipeline.Sweep.condition",
		trace.WithAttributes(
			attribute.String("run.id", runID),
			attribute.Int64("condition.seed", cond.Seed),
			attribute.String("condition.mode", string(cond.Mode)),
			attribute.String("condition.profile", string(cond.Profile)),
		),
	)
	defer span.End()

	start := time.Now()
	epCfg := cfg.Episode
	epCfg.Seed = cond.Seed
	epCfg.StateMode = cond.Mode
	epCfg.Profile = cond.Profile

	gen, err := episode.NewGenerator(epCfg, logger)
	if err != nil {
		return RunResult{}, err
	}
	synth, err := queries.NewSynthesizer(cfg.Synth)
	if err != nil {
		return RunResult{}, err
	}
	pipe, err := New(cfg.Pipeline, logger)
	if err != nil {
		return RunResult{}, err
	}
	grader := grading.NewGrader(cfg.Pipeline.MaxSupportK)

	eps, err := gen.Generate()
	if err != nil {
		return RunResult{}, err
	}

	var allRecords []grading.ScoreRecord
	var agg diagnosis.Aggregate
	var pairSum grading.PairSummary
	for _, ep := range eps {
		if err := ctx.Err(); err != nil {
			return RunResult{}, err
		}
		qs, err := synth.Synthesize(ep)
		if err != nil {
			return RunResult{}, err
		}
		preds, obsList := pipe.RunEpisode(ctx, ep, qs)
		records, err := grader.Grade(ep, qs, preds)
		if err != nil {
			return RunResult{}, err
		}
		allRecords = append(allRecords, records...)
		agg = diagnosis.Merge(agg, Finalize(obsList, records))

		if cfg.Twins {
			twin, err := gen.TwinOf(ep)
			if err != nil {
				return RunResult{}, err
			}
			twinPreds, _ := pipe.RunEpisode(ctx, twin, qs)
			_, sum, err := grader.GradePairs(synth, ep, twin, qs, preds, twinPreds)
			if err != nil {
				return RunResult{}, err
			}
			pairSum = pairSum.Merge(sum)
		}
	}

	res := RunResult{
		RunID:     runID,
		Condition: cond,
		StartedAt: start,
		Duration:  time.Since(start),
		Summary:   grading.Summarize(allRecords),
		Pairs:     pairSum,
		Report:    diagnosis.Diagnose(agg, cfg.Thresholds),
		Records:   allRecords,
	}
	logger.Info("condition complete",
		slog.String("run_id", runID),
		slog.String("condition", cond.String()),
		slog.Float64("value_acc", res.Summary.ValueAcc),
		slog.String("bottleneck", string(res.Report.Bottleneck)),
	)
	return res, nil
}
