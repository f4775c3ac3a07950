// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package report renders sweep results for humans and CI.
//
// Three consumers, three shapes: JSON for machines, CSV for spreadsheets,
// and a styled terminal summary. The threshold gate turns a sweep into a
// pass/fail exit code for regression pipelines.
package report

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/AleutianAI/statetrace/services/ledgerlab/diagnosis"
	"github.com/AleutianAI/statetrace/services/ledgerlab/pipeline"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#2CD7C7"))
	passStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#2CD7C7"))
	failStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#E74C3C"))
	mutedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#2C4A54"))
	headStyle  = lipgloss.NewStyle().Bold(true)
)

// WriteJSON emits the full result set as an indented JSON array.
func WriteJSON(w io.Writer, results []pipeline.RunResult) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(results); err != nil {
		return fmt.Errorf("encoding results: %w", err)
	}
	return nil
}

// csvHeader is the stable column order of the CSV export.
var csvHeader = []string{
	"run_id", "seed", "mode", "profile",
	"queries", "value_acc", "exact_acc", "cite_f1", "support_bloat",
	"abstain_rate", "selected_note_rate",
	"gold_present_rate", "selection_rate", "acc_when_gold_present",
	"flip_rate", "consistency_rate", "bottleneck",
}

// WriteCSV emits one row per condition.
func WriteCSV(w io.Writer, results []pipeline.RunResult) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return fmt.Errorf("writing csv header: %w", err)
	}
	for _, res := range results {
		row := []string{
			res.RunID,
			strconv.FormatInt(res.Condition.Seed, 10),
			string(res.Condition.Mode),
			string(res.Condition.Profile),
			strconv.Itoa(res.Summary.Queries),
			f(res.Summary.ValueAcc),
			f(res.Summary.ExactAcc),
			f(res.Summary.CiteF1),
			f(res.Summary.SupportBloat),
			f(res.Summary.AbstainRate),
			f(res.Summary.SelectedNoteRate),
			f(res.Report.Rates.GoldPresentRate),
			f(res.Report.Rates.SelectionRate),
			f(res.Report.Rates.AccuracyWhenGoldPresent),
			f(res.Pairs.FlipRate),
			f(res.Pairs.ConsistencyRate),
			string(res.Report.Bottleneck),
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("writing csv row for %s: %w", res.RunID, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

func f(v float64) string {
	return strconv.FormatFloat(v, 'f', 4, 64)
}

// Gate is the CI threshold set. Zero-valued fields are not enforced.
type Gate struct {
	MinValueAcc     float64 `yaml:"min_value_acc"`
	MinCiteF1       float64 `yaml:"min_cite_f1"`
	MinFlipRate     float64 `yaml:"min_flip_rate"`
	MaxNoteRate     float64 `yaml:"max_selected_note_rate"`
	MaxSupportBloat float64 `yaml:"max_support_bloat"`
}

// Violation is one failed gate check.
type Violation struct {
	RunID     string  `json:"run_id"`
	Condition string  `json:"condition"`
	Check     string  `json:"check"`
	Got       float64 `json:"got"`
	Limit     float64 `json:"limit"`
}

func (v Violation) String() string {
	return fmt.Sprintf("%s [%s]: %s = %.4f, limit %.4f", v.RunID, v.Condition, v.Check, v.Got, v.Limit)
}

// Check evaluates every condition against the gate. An empty slice means
// the sweep passes.
func (g Gate) Check(results []pipeline.RunResult) []Violation {
	var out []Violation
	add := func(res pipeline.RunResult, check string, got, limit float64) {
		out = append(out, Violation{
			RunID:     res.RunID,
			Condition: res.Condition.String(),
			Check:     check,
			Got:       got,
			Limit:     limit,
		})
	}
	for _, res := range results {
		if g.MinValueAcc > 0 && res.Summary.ValueAcc < g.MinValueAcc {
			add(res, "value_acc", res.Summary.ValueAcc, g.MinValueAcc)
		}
		if g.MinCiteF1 > 0 && res.Summary.CiteF1 < g.MinCiteF1 {
			add(res, "cite_f1", res.Summary.CiteF1, g.MinCiteF1)
		}
		if g.MinFlipRate > 0 && res.Pairs.Divergent > 0 && res.Pairs.FlipRate < g.MinFlipRate {
			add(res, "flip_rate", res.Pairs.FlipRate, g.MinFlipRate)
		}
		if g.MaxNoteRate > 0 && res.Summary.SelectedNoteRate > g.MaxNoteRate {
			add(res, "selected_note_rate", res.Summary.SelectedNoteRate, g.MaxNoteRate)
		}
		if g.MaxSupportBloat > 0 && res.Summary.SupportBloat > g.MaxSupportBloat {
			add(res, "support_bloat", res.Summary.SupportBloat, g.MaxSupportBloat)
		}
	}
	return out
}

// RenderSummary produces the styled terminal report.
func RenderSummary(results []pipeline.RunResult, violations []Violation) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("statetrace sweep"))
	b.WriteString("\n\n")

	header := fmt.Sprintf("%-10s %-14s %-16s %8s %8s %8s %8s  %s",
		"seed", "mode", "profile", "val_acc", "cite_f1", "gold", "select", "bottleneck")
	b.WriteString(headStyle.Render(header))
	b.WriteString("\n")

	for _, res := range results {
		line := fmt.Sprintf("%-10d %-14s %-16s %8.3f %8.3f %8.3f %8.3f  %s",
			res.Condition.Seed,
			res.Condition.Mode,
			res.Condition.Profile,
			res.Summary.ValueAcc,
			res.Summary.CiteF1,
			res.Report.Rates.GoldPresentRate,
			res.Report.Rates.SelectionRate,
			res.Report.Bottleneck,
		)
		if res.Report.Bottleneck == diagnosis.BottleneckNone {
			b.WriteString(line)
		} else {
			b.WriteString(mutedStyle.Render(line))
		}
		b.WriteString("\n")
		if res.Report.Bottleneck != diagnosis.BottleneckNone {
			b.WriteString(mutedStyle.Render("    " + res.Report.Prescription))
			b.WriteString("\n")
		}
	}

	b.WriteString("\n")
	if len(violations) == 0 {
		b.WriteString(passStyle.Render("gate: PASS"))
	} else {
		b.WriteString(failStyle.Render(fmt.Sprintf("gate: FAIL (%d violations)", len(violations))))
		for _, v := range violations {
			b.WriteString("\n")
			b.WriteString(failStyle.Render("  " + v.String()))
		}
	}
	b.WriteString("\n")
	return b.String()
}
