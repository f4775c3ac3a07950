// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package report

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"strings"
	"testing"

	"github.com/AleutianAI/statetrace/services/ledgerlab/diagnosis"
	"github.com/AleutianAI/statetrace/services/ledgerlab/episode"
	"github.com/AleutianAI/statetrace/services/ledgerlab/grading"
	"github.com/AleutianAI/statetrace/services/ledgerlab/pipeline"
)

func sampleResults() []pipeline.RunResult {
	return []pipeline.RunResult{
		{
			RunID:     "run-1",
			Condition: pipeline.Condition{Seed: 1, Mode: episode.ModeKV, Profile: episode.ProfileStandard},
			Summary:   grading.Summary{Queries: 8, Answered: 8, ValueAcc: 0.95, CiteF1: 0.9},
			Report:    diagnosis.Report{Bottleneck: diagnosis.BottleneckNone},
		},
		{
			RunID:     "run-2",
			Condition: pipeline.Condition{Seed: 1, Mode: episode.ModeKV, Profile: episode.ProfileNoteCamouflage},
			Summary:   grading.Summary{Queries: 8, Answered: 8, ValueAcc: 0.5, CiteF1: 0.4, SelectedNoteRate: 0.25},
			Report: diagnosis.Report{
				Bottleneck:   diagnosis.BottleneckAuthority,
				Prescription: "enable the authority filter",
			},
		},
	}
}

func TestWriteJSONRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteJSON(&buf, sampleResults()); err != nil {
		t.Fatal(err)
	}
	var decoded []pipeline.RunResult
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatal(err)
	}
	if len(decoded) != 2 || decoded[1].RunID != "run-2" {
		t.Fatalf("decoded %+v", decoded)
	}
}

func TestWriteCSV(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteCSV(&buf, sampleResults()); err != nil {
		t.Fatal(err)
	}
	rows, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 3 {
		t.Fatalf("got %d rows, want header plus two", len(rows))
	}
	if rows[0][0] != "run_id" || rows[0][len(rows[0])-1] != "bottleneck" {
		t.Fatalf("header mismatch: %v", rows[0])
	}
	if rows[2][len(rows[2])-1] != "authority" {
		t.Fatalf("bottleneck column lost: %v", rows[2])
	}
	for _, row := range rows[1:] {
		if len(row) != len(csvHeader) {
			t.Fatalf("ragged row: %v", row)
		}
	}
}

func TestGate(t *testing.T) {
	results := sampleResults()

	t.Run("zero gate enforces nothing", func(t *testing.T) {
		if vs := (Gate{}).Check(results); len(vs) != 0 {
			t.Fatalf("empty gate produced %v", vs)
		}
	})

	t.Run("violations name the check and run", func(t *testing.T) {
		g := Gate{MinValueAcc: 0.9, MaxNoteRate: 0.1}
		vs := g.Check(results)
		if len(vs) != 2 {
			t.Fatalf("got %d violations, want 2: %v", len(vs), vs)
		}
		for _, v := range vs {
			if v.RunID != "run-2" {
				t.Fatalf("violation on wrong run: %+v", v)
			}
		}
		checks := map[string]bool{}
		for _, v := range vs {
			checks[v.Check] = true
		}
		if !checks["value_acc"] || !checks["selected_note_rate"] {
			t.Fatalf("missing checks: %v", vs)
		}
	})
}

func TestRenderSummary(t *testing.T) {
	results := sampleResults()
	out := RenderSummary(results, nil)
	for _, want := range []string{"statetrace sweep", "note_camouflage", "authority", "gate: PASS"} {
		if !strings.Contains(out, want) {
			t.Fatalf("summary missing %q:\n%s", want, out)
		}
	}

	vs := Gate{MinValueAcc: 0.9}.Check(results)
	out = RenderSummary(results, vs)
	if !strings.Contains(out, "gate: FAIL") || !strings.Contains(out, "value_acc") {
		t.Fatalf("failure rendering missing:\n%s", out)
	}
}
