// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package diagnosis

import (
	"fmt"
	"math/rand/v2"
	"reflect"
	"testing"
)

func randomAggregates(n int) []Aggregate {
	rng := rand.New(rand.NewPCG(11, 17))
	out := make([]Aggregate, n)
	for i := range out {
		for j := 0; j < 5+rng.IntN(10); j++ {
			out[i].Observe(Observation{
				EpisodeID:    fmt.Sprintf("ep-%d", rng.IntN(4)),
				QueryID:      fmt.Sprintf("Q%04d", rng.IntN(1000)),
				GoldPresent:  rng.Float64() < 0.8,
				SelectedGold: rng.Float64() < 0.6,
				SelectedNote: rng.Float64() < 0.1,
				Abstained:    rng.Float64() < 0.1,
				Correct:      rng.Float64() < 0.5,
			})
		}
	}
	return out
}

func TestMergeCommutativeAssociative(t *testing.T) {
	aggs := randomAggregates(3)
	a, b, c := aggs[0], aggs[1], aggs[2]

	t.Run("commutes", func(t *testing.T) {
		if !reflect.DeepEqual(Merge(a, b), Merge(b, a)) {
			t.Fatal("merge(a,b) != merge(b,a)")
		}
	})

	t.Run("associates", func(t *testing.T) {
		left := Merge(Merge(a, b), c)
		right := Merge(a, Merge(b, c))
		if !reflect.DeepEqual(left, right) {
			t.Fatal("merge is not associative")
		}
	})

	t.Run("identity", func(t *testing.T) {
		merged := Merge(a, Aggregate{})
		if !reflect.DeepEqual(merged.Failures, a.Failures) || merged.Queries != a.Queries {
			t.Fatal("empty aggregate is not a merge identity")
		}
	})
}

func TestFailureLocatorsSorted(t *testing.T) {
	var a Aggregate
	a.Observe(Observation{EpisodeID: "ep-2", QueryID: "Q9"})
	a.Observe(Observation{EpisodeID: "ep-1", QueryID: "Q5"})
	a.Observe(Observation{EpisodeID: "ep-1", QueryID: "Q1"})

	want := []Locator{
		{EpisodeID: "ep-1", QueryID: "Q1"},
		{EpisodeID: "ep-1", QueryID: "Q5"},
		{EpisodeID: "ep-2", QueryID: "Q9"},
	}
	if !reflect.DeepEqual(a.Failures, want) {
		t.Fatalf("failures not in canonical order: %+v", a.Failures)
	}

	// Abstentions and correct answers are not failures.
	a.Observe(Observation{EpisodeID: "ep-0", QueryID: "Q0", Abstained: true})
	a.Observe(Observation{EpisodeID: "ep-0", QueryID: "Q2", Correct: true, GoldPresent: true})
	if len(a.Failures) != 3 {
		t.Fatalf("failure list grew to %d", len(a.Failures))
	}
}

func TestDiagnoseFirstMatchWins(t *testing.T) {
	th := DefaultThresholds()

	tally := func(goldPresent, selectedGold, noted, correct int, total int) Aggregate {
		var a Aggregate
		for i := 0; i < total; i++ {
			a.Observe(Observation{
				EpisodeID:    "ep-0",
				QueryID:      fmt.Sprintf("Q%03d", i),
				GoldPresent:  i < goldPresent,
				SelectedGold: i < selectedGold,
				SelectedNote: i < noted,
				Correct:      i < correct,
			})
		}
		return a
	}

	t.Run("starved retrieval masks everything downstream", func(t *testing.T) {
		// Selection and answering are also terrible, but retrieval is the
		// first failing stage and must be the verdict.
		rep := Diagnose(tally(3, 1, 5, 1, 10), th)
		if rep.Bottleneck != BottleneckRetrieval {
			t.Fatalf("bottleneck = %s, want retrieval", rep.Bottleneck)
		}
	})

	t.Run("good retrieval bad selection", func(t *testing.T) {
		rep := Diagnose(tally(10, 4, 0, 4, 10), th)
		if rep.Bottleneck != BottleneckSelection {
			t.Fatalf("bottleneck = %s, want selection", rep.Bottleneck)
		}
	})

	t.Run("note-reading flags authority", func(t *testing.T) {
		rep := Diagnose(tally(10, 9, 4, 9, 10), th)
		if rep.Bottleneck != BottleneckAuthority {
			t.Fatalf("bottleneck = %s, want authority", rep.Bottleneck)
		}
	})

	t.Run("gold selected but wrong answer flags answering", func(t *testing.T) {
		rep := Diagnose(tally(10, 9, 0, 5, 10), th)
		if rep.Bottleneck != BottleneckAnswering {
			t.Fatalf("bottleneck = %s, want answering", rep.Bottleneck)
		}
	})

	t.Run("healthy run has no bottleneck", func(t *testing.T) {
		rep := Diagnose(tally(10, 9, 0, 9, 10), th)
		if rep.Bottleneck != BottleneckNone {
			t.Fatalf("bottleneck = %s, want none", rep.Bottleneck)
		}
		if rep.Prescription == "" {
			t.Fatal("empty prescription")
		}
	})
}

func TestComputeRatesEmpty(t *testing.T) {
	r := ComputeRates(Aggregate{})
	if r != (Rates{}) {
		t.Fatalf("empty aggregate produced rates %+v", r)
	}
}
