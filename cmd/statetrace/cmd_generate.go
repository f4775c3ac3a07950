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
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/statetrace/services/ledgerlab/dataset"
	"github.com/AleutianAI/statetrace/services/ledgerlab/episode"
	"github.com/AleutianAI/statetrace/services/ledgerlab/queries"
)

// twinIDSuffix distinguishes twin task rows from their base rows while
// keeping the pairing recoverable by stripping the suffix.
const twinIDSuffix = ":twin"

func runGenerate(cmd *cobra.Command, args []string) {
	genCfg := cfg.Sweep.Episode
	if genSeed != 0 {
		genCfg.Seed = genSeed
	}
	if genMode != "" {
		mode, err := episode.ParseStateMode(genMode)
		if err != nil {
			log.Fatalf("Invalid --mode: %v", err)
		}
		genCfg.StateMode = mode
	}
	if genProfile != "" {
		profile, err := episode.ParseProfile(genProfile)
		if err != nil {
			log.Fatalf("Invalid --profile: %v", err)
		}
		genCfg.Profile = profile
	}
	if genEpisodes > 0 {
		genCfg.Episodes = genEpisodes
	}
	if genSteps > 0 {
		genCfg.Steps = genSteps
	}

	gen, err := episode.NewGenerator(genCfg, appLog.Slog())
	if err != nil {
		log.Fatalf("Failed to build the generator: %v", err)
	}
	synth, err := queries.NewSynthesizer(cfg.Sweep.Synth)
	if err != nil {
		log.Fatalf("Failed to build the synthesizer: %v", err)
	}

	eps, err := gen.Generate()
	if err != nil {
		log.Fatalf("Generation failed: %v", err)
	}

	var tasks []dataset.Task
	for _, ep := range eps {
		qs, err := synth.Synthesize(ep)
		if err != nil {
			log.Fatalf("Query synthesis failed for %s: %v", ep.ID, err)
		}
		book, err := renderBook(ep)
		if err != nil {
			log.Fatalf("Book rendering failed for %s: %v", ep.ID, err)
		}
		for _, q := range qs {
			tasks = append(tasks, dataset.FromQuery(ep, q, book))
		}
		if err := writeBook(ep.ID, book); err != nil {
			log.Fatalf("Failed to write the book for %s: %v", ep.ID, err)
		}

		if !withTwins {
			continue
		}
		twin, err := gen.TwinOf(ep)
		if err != nil {
			log.Fatalf("Twin generation failed for %s: %v", ep.ID, err)
		}
		twinBook, err := renderBook(twin)
		if err != nil {
			log.Fatalf("Book rendering failed for %s: %v", twin.ID, err)
		}
		for _, q := range qs {
			tq, err := twinQuery(synth, twin, q)
			if err != nil {
				log.Fatalf("Twin gold recomputation failed for %s: %v", q.ID, err)
			}
			tasks = append(tasks, dataset.FromQuery(twin, tq, twinBook))
		}
		if err := writeBook(twin.ID, twinBook); err != nil {
			log.Fatalf("Failed to write the book for %s: %v", twin.ID, err)
		}
	}

	out, err := os.Create(outPath)
	if err != nil {
		log.Fatalf("Failed to create %s: %v", outPath, err)
	}
	defer out.Close()
	if err := dataset.WriteTasks(out, tasks); err != nil {
		log.Fatalf("Failed to write tasks: %v", err)
	}

	fmt.Printf("Wrote %d tasks across %d episodes to %s\n", len(tasks), len(eps), outPath)
}

// twinQuery rebuilds a base query against the twin's ledger, giving it
// a suffixed ID so base and twin predictions stay distinguishable in
// one prediction file.
func twinQuery(synth *queries.Synthesizer, twin *episode.Episode, q *queries.Query) (*queries.Query, error) {
	gold, support, err := synth.Gold(twin, q)
	if err != nil {
		return nil, err
	}
	tq := *q
	tq.ID = q.ID + twinIDSuffix
	tq.EpisodeID = twin.ID
	tq.GoldValue = gold
	tq.GoldSupportIDs = support
	return &tq, nil
}

// renderBook renders an episode's narrative book and checks it against
// the section grammar before anything downstream consumes it.
func renderBook(ep *episode.Episode) (string, error) {
	book := episode.BuildBook(ep).Render()
	if err := episode.ValidateBookText(book); err != nil {
		return "", err
	}
	return book, nil
}

func writeBook(episodeID, book string) error {
	if booksOut == "" {
		return nil
	}
	if err := os.MkdirAll(booksOut, 0750); err != nil {
		return err
	}
	path := filepath.Join(booksOut, episodeID+".txt")
	return os.WriteFile(path, []byte(book), 0644)
}
