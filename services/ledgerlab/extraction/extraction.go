// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package extraction pulls an answer value out of a selected candidate.
//
// The extractor is copy-clamped: whatever it produces must appear verbatim
// inside the chosen candidate's text, or the answer becomes null. The clamp
// keeps evaluation honest; a pipeline cannot hallucinate a value that its
// selected evidence does not contain.
package extraction

import (
	"regexp"
	"strconv"
	"strings"
)

// Result is an extracted answer. Null reports that no value could be
// clamped to the candidate text.
type Result struct {
	Value string
	Null  bool
}

var (
	quotedValue  = regexp.MustCompile(`"((?:[^"\\]|\\.)*)"$`)
	incrementBy  = regexp.MustCompile(`INCREMENT [a-z0-9_]+ by (-?\d+)`)
	anyQuoted    = regexp.MustCompile(`"((?:[^"\\]|\\.)*)"`)
	trailingWord = regexp.MustCompile(`([A-Za-z0-9_.-]+)\s*$`)
)

// Extract reads the value a candidate line asserts for a key.
//
// The grammar mirrors the rendered update forms: SET/REASSIGN carry a
// trailing quoted value, ADD/REMOVE carry a leading quoted member,
// INCREMENT carries a signed integer delta, CLEAR carries nothing and
// maps to "cleared". Free-text lines fall back to their last quoted
// string, then their trailing token.
func Extract(text, key string) Result {
	body := text
	if i := strings.LastIndex(body, ") "); i >= 0 {
		body = body[i+2:]
	}
	// Rendered lines lead with "key: " before the operation body.
	if rest, ok := strings.CutPrefix(body, key+": "); ok {
		body = rest
	}

	switch {
	case strings.HasPrefix(body, "CLEAR "+key):
		return clamp(text, "cleared")
	case strings.HasPrefix(body, "SET "+key) || strings.HasPrefix(body, "REASSIGN "+key):
		if m := quotedValue.FindStringSubmatch(strings.TrimSpace(body)); m != nil {
			return clamp(text, m[1])
		}
	case strings.HasPrefix(body, "ADD ") || strings.HasPrefix(body, "REMOVE "):
		if m := anyQuoted.FindStringSubmatch(body); m != nil {
			return clamp(text, m[1])
		}
	case strings.Contains(body, "INCREMENT "+key):
		if m := incrementBy.FindStringSubmatch(body); m != nil {
			return clamp(text, m[1])
		}
	}

	if ms := anyQuoted.FindAllStringSubmatch(body, -1); len(ms) > 0 {
		return clamp(text, ms[len(ms)-1][1])
	}
	if m := trailingWord.FindStringSubmatch(body); m != nil {
		return clamp(text, m[1])
	}
	return Result{Null: true}
}

// clamp enforces the substring invariant. "cleared" is the sole carve-out:
// CLEAR lines carry no value token to copy, so the status word stands in.
func clamp(text, value string) Result {
	if value == "" {
		return Result{Null: true}
	}
	if value != "cleared" && !strings.Contains(text, value) {
		return Result{Null: true}
	}
	return Result{Value: value}
}

// ExtractNumeric is Extract restricted to integer answers, for sum and
// count shaped questions.
func ExtractNumeric(text, key string) (int64, bool) {
	r := Extract(text, key)
	if r.Null {
		return 0, false
	}
	n, err := strconv.ParseInt(r.Value, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
