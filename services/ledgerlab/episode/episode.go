// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package episode generates synthetic state-change logs with a provably
// correct ground truth and pluggable adversarial distractor families.
//
// An Episode owns an ordered event sequence, the ledger built from it, and
// two derived artifacts: the flat Document (open-book evaluation) and the
// structured Book (closed-book evaluation). Episodes are immutable once
// generated and are a pure function of (seed, config).
package episode

import (
	"fmt"
	"strings"

	"github.com/AleutianAI/statetrace/services/ledgerlab/ledger"
)

// Episode is one generated state-change log with its ground truth.
//
// Thread Safety: immutable after generation; safe for concurrent use.
type Episode struct {
	// ID is "ep-<seed>-<index>", with a "-twin" suffix for twins.
	ID string

	// Index is the episode's position within its generation batch.
	Index int

	// Seed is the derived per-episode seed (not the batch seed).
	Seed uint64

	// Mode and Profile echo the generating configuration.
	Mode    StateMode
	Profile Profile

	// Events is the full ordered sequence, distractors included.
	Events []ledger.Event

	// BaseID is set on twin episodes and names the paired base episode.
	BaseID string

	// FlippedEventID is set on twin episodes: the single decisive
	// authoritative event whose value differs from the base.
	FlippedEventID string

	led  *ledger.Ledger
	byID map[string]int
}

// newEpisode indexes the event sequence and builds the ledger.
func newEpisode(id string, index int, seed uint64, mode StateMode, profile Profile, events []ledger.Event) *Episode {
	byID := make(map[string]int, len(events))
	for i, e := range events {
		byID[e.ID] = i
	}
	return &Episode{
		ID:      id,
		Index:   index,
		Seed:    seed,
		Mode:    mode,
		Profile: profile,
		Events:  events,
		led:     ledger.New(events),
		byID:    byID,
	}
}

// Ledger returns the authoritative ledger for this episode.
func (ep *Episode) Ledger() *ledger.Ledger {
	return ep.led
}

// EventByID resolves an event ID to its event.
func (ep *Episode) EventByID(id string) (*ledger.Event, bool) {
	i, ok := ep.byID[id]
	if !ok {
		return nil, false
	}
	e := ep.Events[i]
	return &e, true
}

// IsTwin reports whether this episode is a counterfactual twin.
func (ep *Episode) IsTwin() bool {
	return ep.FlippedEventID != ""
}

// Document renders the flat log, one line per event, in sequence order.
// This is the open-book artifact handed to retrieval and to the
// model-under-test.
func (ep *Episode) Document() string {
	var b strings.Builder
	for _, e := range ep.Events {
		b.WriteString(RenderEvent(e))
		b.WriteByte('\n')
	}
	return b.String()
}

// RenderEvent renders one log line.
//
// The leading marker is deliberately untrustworthy: spoofed NOTE events
// render with an UPDATE marker, which is exactly the camouflage the
// authority filter must see through. The structured Kind tag never appears
// in the line; only the event ID ties a line back to it.
func RenderEvent(e ledger.Event) string {
	return fmt.Sprintf("[step %03d] (%s) %s: %s", e.Step, e.ID, renderMarker(e), e.Text)
}

func renderMarker(e ledger.Event) string {
	switch e.Kind {
	case ledger.KindUpdate:
		return "UPDATE"
	case ledger.KindInstruction:
		return "DIRECTIVE"
	default:
		if e.Spoofed {
			return "UPDATE"
		}
		return "NOTE"
	}
}

// renderUpdateText renders the body of an authoritative update line.
func renderUpdateText(e ledger.Event) string {
	switch e.Op {
	case ledger.OpClear:
		return fmt.Sprintf("CLEAR %s", e.Key)
	case ledger.OpIncrement:
		return fmt.Sprintf("INCREMENT %s by %s", e.Key, e.Value)
	case ledger.OpAdd:
		return fmt.Sprintf("ADD %q to %s", e.Value, e.Key)
	case ledger.OpRemove:
		return fmt.Sprintf("REMOVE %q from %s", e.Value, e.Key)
	case ledger.OpReassign:
		return fmt.Sprintf("REASSIGN %s to %q", e.Key, e.Value)
	default:
		return fmt.Sprintf("SET %s = %q", e.Key, e.Value)
	}
}
