// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/statetrace/services/ledgerlab/adapter"
	"github.com/AleutianAI/statetrace/services/ledgerlab/dataset"
	"github.com/AleutianAI/statetrace/services/ledgerlab/episode"
	"github.com/AleutianAI/statetrace/services/ledgerlab/grading"
	"github.com/AleutianAI/statetrace/services/ledgerlab/queries"
)

// gradeWorld is the regenerated ground truth the grade command rebuilds
// from the configured generation settings. Task files carry no ledgers,
// so grading re-derives them deterministically and refuses task IDs the
// regeneration cannot account for.
type gradeWorld struct {
	gen   *episode.Generator
	synth *queries.Synthesizer

	epByID    map[string]*episode.Episode
	qsByEp    map[string][]*queries.Query
	qByID     map[string]*queries.Query
	twinOf    map[string]*episode.Episode
	twinQByID map[string]*queries.Query

	// tasked marks the base query IDs the task file actually contains,
	// so partial task files do not grade absent rows as abstentions.
	tasked map[string]bool
}

func runGrade(cmd *cobra.Command, args []string) {
	tf, err := os.Open(tasksPath)
	if err != nil {
		log.Fatalf("Failed to open the task file: %v", err)
	}
	tasks, err := dataset.ReadTasks(tf)
	tf.Close()
	if err != nil {
		log.Fatalf("Failed to read tasks: %v", err)
	}
	if len(tasks) == 0 {
		log.Fatalf("Task file %s is empty", tasksPath)
	}

	world, err := buildWorld(tasks)
	if err != nil {
		log.Fatalf("Failed to rebuild ground truth: %v", err)
	}

	preds, err := collectPredictions(world, tasks)
	if err != nil {
		log.Fatalf("Failed to collect predictions: %v", err)
	}

	records, pairs, err := gradeAll(world, preds)
	if err != nil {
		log.Fatalf("Grading failed: %v", err)
	}

	summary := grading.Summarize(records)
	printSummary(summary, pairs)

	if scoresOut != "" {
		if err := writeScores(scoresOut, records); err != nil {
			log.Fatalf("Failed to write score records: %v", err)
		}
	}
}

// buildWorld regenerates episodes and queries from the configured
// settings and indexes everything each task needs. Twin episodes are
// rebuilt only for episodes that actually have twin task rows.
func buildWorld(tasks []dataset.Task) (*gradeWorld, error) {
	gen, err := episode.NewGenerator(cfg.Sweep.Episode, appLog.Slog())
	if err != nil {
		return nil, err
	}
	synth, err := queries.NewSynthesizer(cfg.Sweep.Synth)
	if err != nil {
		return nil, err
	}
	eps, err := gen.Generate()
	if err != nil {
		return nil, err
	}

	w := &gradeWorld{
		gen:       gen,
		synth:     synth,
		epByID:    make(map[string]*episode.Episode, len(eps)),
		qsByEp:    make(map[string][]*queries.Query, len(eps)),
		qByID:     make(map[string]*queries.Query),
		twinOf:    make(map[string]*episode.Episode),
		twinQByID: make(map[string]*queries.Query),
		tasked:    make(map[string]bool, len(tasks)),
	}
	for _, ep := range eps {
		qs, err := synth.Synthesize(ep)
		if err != nil {
			return nil, err
		}
		w.epByID[ep.ID] = ep
		w.qsByEp[ep.ID] = qs
		for _, q := range qs {
			w.qByID[q.ID] = q
		}
	}

	for _, tsk := range tasks {
		baseID := strings.TrimSuffix(tsk.ID, twinIDSuffix)
		q, ok := w.qByID[baseID]
		if !ok {
			return nil, fmt.Errorf("task %s does not match the configured generation settings; "+
				"grade with the same config that produced the task file", tsk.ID)
		}
		w.tasked[baseID] = true
		if !strings.HasSuffix(tsk.ID, twinIDSuffix) {
			continue
		}
		twin, err := w.ensureTwin(q.EpisodeID)
		if err != nil {
			return nil, err
		}
		tq, err := twinQuery(synth, twin, q)
		if err != nil {
			return nil, err
		}
		w.twinQByID[tq.ID] = tq
	}
	return w, nil
}

func (w *gradeWorld) ensureTwin(baseEpisodeID string) (*episode.Episode, error) {
	if twin, ok := w.twinOf[baseEpisodeID]; ok {
		return twin, nil
	}
	base, ok := w.epByID[baseEpisodeID]
	if !ok {
		return nil, fmt.Errorf("unknown base episode %s", baseEpisodeID)
	}
	twin, err := w.gen.TwinOf(base)
	if err != nil {
		return nil, err
	}
	w.twinOf[baseEpisodeID] = twin
	return twin, nil
}

// collectPredictions either reads the prediction file or answers the
// tasks live through the configured OpenAI-compatible backend.
func collectPredictions(w *gradeWorld, tasks []dataset.Task) ([]*grading.Prediction, error) {
	if !viaModel {
		if predsPath == "" {
			return nil, fmt.Errorf("either --predictions or --model is required")
		}
		pf, err := os.Open(predsPath)
		if err != nil {
			return nil, err
		}
		defer pf.Close()
		return dataset.ReadPredictions(pf)
	}

	inner, err := adapter.NewOpenAIModel(appLog.Slog())
	if err != nil {
		return nil, err
	}
	model := adapter.NewResilient(inner, adapter.DefaultResilientConfig(), appLog.Slog())
	appLog.Info("answering tasks", "model", model.Name(), "tasks", len(tasks))

	ctx := context.Background()
	preds := make([]*grading.Prediction, 0, len(tasks))
	for _, tsk := range tasks {
		p, err := model.Answer(ctx, adapter.Request{
			Task:        tsk,
			MaxSupportK: cfg.Sweep.Pipeline.MaxSupportK,
		})
		if err != nil {
			return nil, fmt.Errorf("answering %s: %w", tsk.ID, err)
		}
		if backfillCites {
			if ep := episodeForTask(w, tsk); ep != nil {
				adapter.BackfillCitations(ep, tsk.Meta.Key, tsk.Meta.Step, p)
			}
		}
		preds = append(preds, p)
	}

	if predsPath != "" {
		f, err := os.Create(predsPath)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		if err := dataset.WritePredictions(f, preds); err != nil {
			return nil, err
		}
	}
	return preds, nil
}

func episodeForTask(w *gradeWorld, tsk dataset.Task) *episode.Episode {
	if strings.HasSuffix(tsk.ID, twinIDSuffix) {
		if q, ok := w.qByID[strings.TrimSuffix(tsk.ID, twinIDSuffix)]; ok {
			return w.twinOf[q.EpisodeID]
		}
		return nil
	}
	return w.epByID[tsk.Meta.EpisodeID]
}

// gradeAll scores base and twin predictions per episode, then pairs
// them wherever a base episode has twin rows.
func gradeAll(w *gradeWorld, preds []*grading.Prediction) ([]grading.ScoreRecord, grading.PairSummary, error) {
	basePreds := make(map[string][]*grading.Prediction)
	twinPreds := make(map[string][]*grading.Prediction)
	for _, p := range preds {
		if q, ok := w.qByID[p.QueryID]; ok {
			basePreds[q.EpisodeID] = append(basePreds[q.EpisodeID], p)
			continue
		}
		if _, ok := w.twinQByID[p.QueryID]; ok {
			base := w.qByID[strings.TrimSuffix(p.QueryID, twinIDSuffix)]
			twinPreds[base.EpisodeID] = append(twinPreds[base.EpisodeID], p)
			continue
		}
		return nil, grading.PairSummary{}, fmt.Errorf("prediction %s matches no known task", p.QueryID)
	}

	grader := grading.NewGrader(cfg.Sweep.Pipeline.MaxSupportK)
	var records []grading.ScoreRecord
	var pairSum grading.PairSummary

	epIDs := make([]string, 0, len(w.qsByEp))
	for epID := range w.qsByEp {
		epIDs = append(epIDs, epID)
	}
	sort.Strings(epIDs)

	for _, epID := range epIDs {
		qs := make([]*queries.Query, 0, len(w.qsByEp[epID]))
		for _, q := range w.qsByEp[epID] {
			if w.tasked[q.ID] {
				qs = append(qs, q)
			}
		}
		if len(qs) == 0 {
			continue
		}
		ep := w.epByID[epID]
		recs, err := grader.Grade(ep, qs, basePreds[epID])
		if err != nil {
			return nil, grading.PairSummary{}, err
		}
		records = append(records, recs...)

		twin, ok := w.twinOf[epID]
		if !ok {
			continue
		}
		twinQs := make([]*queries.Query, 0, len(qs))
		for _, q := range qs {
			if tq, ok := w.twinQByID[q.ID+twinIDSuffix]; ok {
				twinQs = append(twinQs, tq)
			}
		}
		twinRecs, err := grader.Grade(twin, twinQs, twinPreds[epID])
		if err != nil {
			return nil, grading.PairSummary{}, err
		}
		records = append(records, twinRecs...)

		// GradePairs matches both sides by the base query IDs.
		rekeyed := make([]*grading.Prediction, 0, len(twinPreds[epID]))
		for _, p := range twinPreds[epID] {
			cp := *p
			cp.QueryID = strings.TrimSuffix(p.QueryID, twinIDSuffix)
			rekeyed = append(rekeyed, &cp)
		}
		_, sum, err := grader.GradePairs(w.synth, ep, twin, qs, basePreds[epID], rekeyed)
		if err != nil {
			return nil, grading.PairSummary{}, err
		}
		pairSum = pairSum.Merge(sum)
	}
	return records, pairSum, nil
}

func printSummary(s grading.Summary, pairs grading.PairSummary) {
	fmt.Printf("Graded %d queries\n", s.Queries)
	fmt.Printf("  value accuracy:     %.3f\n", s.ValueAcc)
	fmt.Printf("  exact accuracy:     %.3f\n", s.ExactAcc)
	fmt.Printf("  citation F1:        %.3f\n", s.CiteF1)
	fmt.Printf("  entailment rate:    %.3f\n", s.Entailment)
	fmt.Printf("  abstain rate:       %.3f\n", s.AbstainRate)
	fmt.Printf("  selected-note rate: %.3f\n", s.SelectedNoteRate)
	if pairs.Pairs > 0 {
		fmt.Printf("Twin pairs: %d (%d divergent)\n", pairs.Pairs, pairs.Divergent)
		fmt.Printf("  flip rate:        %.3f\n", pairs.FlipRate)
		fmt.Printf("  consistency rate: %.3f\n", pairs.ConsistencyRate)
		fmt.Printf("  pair accuracy:    %.3f\n", pairs.PairAcc)
	}
}

func writeScores(path string, records []grading.ScoreRecord) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(records)
}
