// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package dataset serializes benchmark tasks and predictions as JSONL.
//
// Each line is one task or one prediction. Every task row carries a
// schema version; readers reject any mismatch outright rather than
// guessing at forward compatibility.
package dataset

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/AleutianAI/statetrace/services/ledgerlab/episode"
	"github.com/AleutianAI/statetrace/services/ledgerlab/grading"
	"github.com/AleutianAI/statetrace/services/ledgerlab/queries"
)

// SchemaVersion is the current task row schema. Bump on any shape change.
const SchemaVersion = "statetrace/v1"

var (
	// ErrSchemaMismatch reports a task row with the wrong schema version.
	ErrSchemaMismatch = errors.New("dataset schema version mismatch")

	// ErrMalformedRow reports an unparseable JSONL line.
	ErrMalformedRow = errors.New("malformed dataset row")
)

// TaskMeta carries grading context that answering code must not see.
type TaskMeta struct {
	EpisodeID      string                   `json:"episode_id"`
	EpisodeSeed    uint64                   `json:"episode_seed"`
	Profile        episode.Profile          `json:"profile"`
	Key            string                   `json:"key"`
	Step           int                      `json:"step"`
	QueryType      queries.Type             `json:"query_type"`
	GoldSupportIDs []string                 `json:"gold_support_ids"`
	Instruction    *queries.InstructionMeta `json:"instruction_meta,omitempty"`
	TwinOf         string                   `json:"twin_of,omitempty"`
}

// Task is one exported benchmark row.
type Task struct {
	ID            string            `json:"id"`
	SchemaVersion string            `json:"schema_version"`
	StateMode     episode.StateMode `json:"state_mode"`
	Document      string            `json:"document"`
	Book          string            `json:"book,omitempty"`
	Question      string            `json:"question"`
	Gold          string            `json:"gold"`
	Meta          TaskMeta          `json:"meta"`
}

// FromQuery builds the task row for one query against its episode.
func FromQuery(ep *episode.Episode, q *queries.Query, book string) Task {
	return Task{
		ID:            q.ID,
		SchemaVersion: SchemaVersion,
		StateMode:     ep.Mode,
		Document:      ep.Document(),
		Book:          book,
		Question:      q.Question,
		Gold:          q.GoldValue,
		Meta: TaskMeta{
			EpisodeID:      ep.ID,
			EpisodeSeed:    ep.Seed,
			Profile:        ep.Profile,
			Key:            q.Key,
			Step:           q.Step,
			QueryType:      q.Type,
			GoldSupportIDs: q.GoldSupportIDs,
			Instruction:    q.Instruction,
			TwinOf:         ep.BaseID,
		},
	}
}

// WriteTasks streams task rows as JSONL.
func WriteTasks(w io.Writer, tasks []Task) error {
	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)
	for i := range tasks {
		if err := enc.Encode(&tasks[i]); err != nil {
			return fmt.Errorf("encoding task %s: %w", tasks[i].ID, err)
		}
	}
	return bw.Flush()
}

// ReadTasks parses a JSONL task stream, failing on the first schema
// mismatch or malformed line.
func ReadTasks(r io.Reader) ([]Task, error) {
	var out []Task
	sc := newLineScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var t Task
		if err := json.Unmarshal([]byte(line), &t); err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", ErrMalformedRow, sc.lineNo, err)
		}
		if t.SchemaVersion != SchemaVersion {
			return nil, fmt.Errorf("%w: line %d has %q, reader expects %q",
				ErrSchemaMismatch, sc.lineNo, t.SchemaVersion, SchemaVersion)
		}
		out = append(out, t)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading task stream: %w", err)
	}
	return out, nil
}

// predictionRow accepts both structured and raw model output rows.
type predictionRow struct {
	ID         string   `json:"id"`
	Value      *string  `json:"value,omitempty"`
	SupportIDs []string `json:"support_ids,omitempty"`
	Abstain    bool     `json:"abstain,omitempty"`

	// Output holds raw model text for rows that did not pre-parse their
	// answer. The reader digs a JSON answer object out of it.
	Output string `json:"output,omitempty"`
}

// ReadPredictions parses a JSONL prediction stream. Rows either carry a
// structured {id, value, support_ids} answer or an {id, output} raw model
// response, from which an embedded JSON object is recovered. Raw rows
// with no recoverable answer become abstentions, not errors: a model that
// produced garbage still gets graded, as a zero.
func ReadPredictions(r io.Reader) ([]*grading.Prediction, error) {
	var out []*grading.Prediction
	sc := newLineScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var row predictionRow
		if err := json.Unmarshal([]byte(line), &row); err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", ErrMalformedRow, sc.lineNo, err)
		}
		if row.ID == "" {
			return nil, fmt.Errorf("%w: line %d has no id", ErrMalformedRow, sc.lineNo)
		}
		out = append(out, rowToPrediction(row))
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading prediction stream: %w", err)
	}
	return out, nil
}

func rowToPrediction(row predictionRow) *grading.Prediction {
	p := &grading.Prediction{QueryID: row.ID, Abstain: row.Abstain}
	if row.Value != nil {
		p.Value = *row.Value
		p.SupportIDs = row.SupportIDs
		return p
	}
	if row.Output == "" {
		p.Abstain = true
		return p
	}
	value, support, ok := extractAnswer(row.Output)
	if !ok {
		p.Abstain = true
		return p
	}
	p.Value = value
	p.SupportIDs = support
	return p
}

// WritePredictions streams structured prediction rows as JSONL.
func WritePredictions(w io.Writer, preds []*grading.Prediction) error {
	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)
	for _, p := range preds {
		row := predictionRow{ID: p.QueryID, Value: &p.Value, SupportIDs: p.SupportIDs, Abstain: p.Abstain}
		if err := enc.Encode(&row); err != nil {
			return fmt.Errorf("encoding prediction %s: %w", p.QueryID, err)
		}
	}
	return bw.Flush()
}

// ParseAnswer recovers a structured answer from raw model output. See
// extractAnswer for the recovery rules.
func ParseAnswer(output string) (value string, supportIDs []string, ok bool) {
	return extractAnswer(output)
}

// extractAnswer recovers a {"value": ..., "support_ids": [...]} object
// embedded anywhere in raw model output, tolerating surrounding prose and
// code fences. The last complete object wins, matching how models tend to
// restate their final answer.
func extractAnswer(output string) (string, []string, bool) {
	type answer struct {
		Value      *string  `json:"value"`
		SupportIDs []string `json:"support_ids"`
	}
	var found *answer
	for i := 0; i < len(output); i++ {
		if output[i] != '{' {
			continue
		}
		end, ok := matchBrace(output, i)
		if !ok {
			continue
		}
		var a answer
		if err := json.Unmarshal([]byte(output[i:end+1]), &a); err == nil && a.Value != nil {
			found = &a
		}
		i = end
	}
	if found == nil {
		return "", nil, false
	}
	return *found.Value, found.SupportIDs, true
}

// matchBrace finds the closing brace for the object opening at start,
// honoring strings and escapes.
func matchBrace(s string, start int) (int, bool) {
	depth := 0
	inString := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch c {
			case '\\':
				i++
			case '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i, true
			}
		}
	}
	return 0, false
}

// lineScanner wraps bufio.Scanner with a big buffer (documents are long)
// and a line counter for error messages.
type lineScanner struct {
	*bufio.Scanner
	lineNo int
}

func newLineScanner(r io.Reader) *lineScanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	return &lineScanner{Scanner: sc}
}

func (s *lineScanner) Scan() bool {
	ok := s.Scanner.Scan()
	if ok {
		s.lineNo++
	}
	return ok
}
