// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package episode

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/AleutianAI/statetrace/services/ledgerlab/ledger"
)

// ErrBookGrammar is returned when a rendered book violates the allowed
// section grammar. Closed-book evaluation depends on the book exposing
// nothing of the raw log outside its declared Ledger section.
var ErrBookGrammar = errors.New("book violates section grammar")

// stepsPerChapter bounds chapter size when narrating the timeline.
const stepsPerChapter = 20

// Book is the closed-book artifact derived from an episode: a narrative
// retelling (chapters), a key glossary, and a ledger projection which is
// the only section permitted to carry per-event detail (steps and IDs).
//
// Thread Safety: immutable after BuildBook.
type Book struct {
	EpisodeID string
	Chapters  []Chapter
	Glossary  []GlossaryEntry
	Ledger    []LedgerEntry
}

// Chapter narrates one step range without raw log lines or event IDs.
type Chapter struct {
	Number   int
	FromStep int
	ToStep   int
	Body     []string
}

// GlossaryEntry describes one tracked key.
type GlossaryEntry struct {
	Key         string
	Description string
}

// LedgerEntry is the per-key authoritative history projection, the one
// section where event IDs are allowed to surface.
type LedgerEntry struct {
	Key   string
	Lines []string
}

// BuildBook derives the book from an episode. Pure function of the
// episode; regenerating yields identical output.
func BuildBook(ep *Episode) *Book {
	book := &Book{EpisodeID: ep.ID}

	lastStep := 0
	for _, e := range ep.Events {
		if e.Step > lastStep {
			lastStep = e.Step
		}
	}

	for from := 1; from <= lastStep; from += stepsPerChapter {
		to := from + stepsPerChapter - 1
		if to > lastStep {
			to = lastStep
		}
		book.Chapters = append(book.Chapters, buildChapter(ep, len(book.Chapters)+1, from, to))
	}

	led := ep.Ledger()
	for _, key := range led.Keys() {
		book.Glossary = append(book.Glossary, GlossaryEntry{
			Key:         key,
			Description: glossaryDescription(ep.Mode, key),
		})
		entry := LedgerEntry{Key: key}
		for _, e := range led.History(key, lastStep) {
			entry.Lines = append(entry.Lines,
				fmt.Sprintf("- (%s) step %03d: %s", e.ID, e.Step, e.Text))
		}
		book.Ledger = append(book.Ledger, entry)
	}

	return book
}

func buildChapter(ep *Episode, number, from, to int) Chapter {
	ch := Chapter{Number: number, FromStep: from, ToStep: to}
	advisory := 0
	for _, e := range ep.Events {
		if e.Step < from || e.Step > to {
			continue
		}
		if !e.Authoritative() {
			advisory++
			continue
		}
		ch.Body = append(ch.Body, narrate(e))
	}
	if advisory > 0 {
		ch.Body = append(ch.Body,
			fmt.Sprintf("The record for this period also carries %d advisory entries of no authority.", advisory))
	}
	return ch
}

// narrate paraphrases one authoritative event without its ID.
func narrate(e ledger.Event) string {
	switch e.Op {
	case ledger.OpClear:
		return fmt.Sprintf("At step %03d, %s was cleared.", e.Step, e.Key)
	case ledger.OpIncrement:
		return fmt.Sprintf("At step %03d, %s moved by %s.", e.Step, e.Key, e.Value)
	case ledger.OpAdd:
		return fmt.Sprintf("At step %03d, %q joined %s.", e.Step, e.Value, e.Key)
	case ledger.OpRemove:
		return fmt.Sprintf("At step %03d, %q left %s.", e.Step, e.Value, e.Key)
	case ledger.OpReassign:
		return fmt.Sprintf("At step %03d, %s passed to %q.", e.Step, e.Key, e.Value)
	default:
		return fmt.Sprintf("By step %03d, %s had been set to %q.", e.Step, e.Key, e.Value)
	}
}

func glossaryDescription(mode StateMode, key string) string {
	switch mode {
	case ModeCounter:
		return fmt.Sprintf("numeric counter; the ledger section lists every change to %s", key)
	case ModeSet:
		return fmt.Sprintf("membership set; the ledger section lists additions and removals for %s", key)
	case ModeRelational:
		return fmt.Sprintf("assignment record; the ledger section lists every holder of %s", key)
	default:
		return fmt.Sprintf("tracked value; the ledger section lists every authoritative change to %s", key)
	}
}

// Render emits the book's canonical text form.
func (b *Book) Render() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# Casebook %s\n", b.EpisodeID)
	for _, ch := range b.Chapters {
		fmt.Fprintf(&sb, "\n## Chapter %d (steps %03d-%03d)\n", ch.Number, ch.FromStep, ch.ToStep)
		for _, line := range ch.Body {
			sb.WriteString(line)
			sb.WriteByte('\n')
		}
	}
	sb.WriteString("\n## Glossary\n")
	for _, g := range b.Glossary {
		fmt.Fprintf(&sb, "- %s: %s\n", g.Key, g.Description)
	}
	sb.WriteString("\n## Ledger\n")
	for _, entry := range b.Ledger {
		fmt.Fprintf(&sb, "%s:\n", entry.Key)
		for _, line := range entry.Lines {
			sb.WriteString(line)
			sb.WriteByte('\n')
		}
	}
	return sb.String()
}

var (
	chapterHeading = regexp.MustCompile(`^## Chapter \d+ \(steps \d{3}-\d{3}\)$`)
	titleHeading   = regexp.MustCompile(`^# Casebook \S+$`)
)

// ValidateBookText checks a rendered book against the allowed-section
// grammar: one title, one or more chapter sections, then exactly one
// Glossary and one Ledger section, and no raw log lines anywhere (raw
// lines start with "[step"; only the Ledger projection may carry
// per-event detail, in its own "- (ID) step NNN:" shape).
func ValidateBookText(text string) error {
	lines := strings.Split(text, "\n")
	sawTitle := false
	chapters := 0
	glossary := 0
	ledgerSections := 0
	section := ""

	for i, line := range lines {
		if strings.HasPrefix(line, "[step") {
			return fmt.Errorf("%w: raw log line leaked at line %d", ErrBookGrammar, i+1)
		}
		if strings.HasPrefix(line, "# ") {
			if sawTitle {
				return fmt.Errorf("%w: duplicate title at line %d", ErrBookGrammar, i+1)
			}
			if !titleHeading.MatchString(line) {
				return fmt.Errorf("%w: malformed title at line %d", ErrBookGrammar, i+1)
			}
			sawTitle = true
			continue
		}
		if strings.HasPrefix(line, "##") {
			switch {
			case chapterHeading.MatchString(line):
				if glossary > 0 || ledgerSections > 0 {
					return fmt.Errorf("%w: chapter after glossary/ledger at line %d", ErrBookGrammar, i+1)
				}
				chapters++
				section = "chapter"
			case line == "## Glossary":
				glossary++
				section = "glossary"
			case line == "## Ledger":
				ledgerSections++
				section = "ledger"
			default:
				return fmt.Errorf("%w: undeclared section %q at line %d", ErrBookGrammar, line, i+1)
			}
			continue
		}
		if section != "ledger" && strings.Contains(line, "- (E") {
			return fmt.Errorf("%w: event reference outside ledger section at line %d", ErrBookGrammar, i+1)
		}
	}

	if !sawTitle {
		return fmt.Errorf("%w: missing title", ErrBookGrammar)
	}
	if chapters == 0 {
		return fmt.Errorf("%w: no chapters", ErrBookGrammar)
	}
	if glossary != 1 {
		return fmt.Errorf("%w: expected exactly one glossary section, got %d", ErrBookGrammar, glossary)
	}
	if ledgerSections != 1 {
		return fmt.Errorf("%w: expected exactly one ledger section, got %d", ErrBookGrammar, ledgerSections)
	}
	return nil
}
