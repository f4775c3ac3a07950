// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ledger implements the per-key authoritative state machine that
// every other ledgerlab component is graded against.
//
// The ledger is the ground truth of the benchmark: the current value of a
// key at step s is defined as the pure fold of all authoritative events for
// that key with step <= s, applied in step order. Event IDs are hash-like
// tokens and carry no ordering information, so nothing in this package may
// ever order by ID.
//
// Only events with Kind == KindUpdate participate in the fold. NOTE,
// DISTRACTOR, and INSTRUCTION events are carried in the same sequence but
// can never mutate state, no matter what their text claims.
package ledger

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	// ErrInvalidTransition indicates an authoritative event that is illegal
	// in the current key state (e.g. INCREMENT on an unset or non-numeric
	// key). A well-formed generator never produces one, so this is treated
	// as a generator bug, not a runtime user error.
	ErrInvalidTransition = errors.New("invalid ledger transition")

	// ErrUnknownOp is returned when parsing an operation outside the closed
	// variant set.
	ErrUnknownOp = errors.New("unknown ledger op")

	// ErrUnknownKind is returned when parsing an event kind outside the
	// closed variant set.
	ErrUnknownKind = errors.New("unknown event kind")
)

// -----------------------------------------------------------------------------
// Closed variant sets
// -----------------------------------------------------------------------------

// Op is a state-changing operation. The set is closed: parsing anything
// else fails fast instead of defaulting.
type Op string

const (
	OpSet       Op = "SET"
	OpClear     Op = "CLEAR"
	OpIncrement Op = "INCREMENT"
	OpAdd       Op = "ADD"
	OpRemove    Op = "REMOVE"
	OpReassign  Op = "REASSIGN"
)

// ParseOp validates s against the closed op set.
func ParseOp(s string) (Op, error) {
	switch Op(s) {
	case OpSet, OpClear, OpIncrement, OpAdd, OpRemove, OpReassign:
		return Op(s), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownOp, s)
	}
}

// Kind classifies an event. Authority is a structured tag derived from
// Kind alone; it is never inferred from event text, which camouflage
// distractors deliberately forge.
type Kind string

const (
	KindUpdate      Kind = "UPDATE"
	KindNote        Kind = "NOTE"
	KindDistractor  Kind = "DISTRACTOR"
	KindInstruction Kind = "INSTRUCTION"
)

// ParseKind validates s against the closed kind set.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindUpdate, KindNote, KindDistractor, KindInstruction:
		return Kind(s), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
	}
}

// -----------------------------------------------------------------------------
// Event
// -----------------------------------------------------------------------------

// Event is a single entry in an episode's log.
//
// Seq is the event's position in the emitted sequence and is only used to
// break ties between events sharing a step. ID is a deterministic seeded
// hash token (see EventID) and is intentionally non-monotonic.
type Event struct {
	ID    string `json:"id"`
	Step  int    `json:"step"`
	Key   string `json:"key"`
	Op    Op     `json:"op,omitempty"`
	Value string `json:"value,omitempty"`
	Kind  Kind   `json:"kind"`
	Text  string `json:"text"`
	Seq   int    `json:"seq"`

	// Spoofed marks NOTE events whose text mimics authoritative UPDATE
	// syntax (note_camouflage, authority spoofing). Kind is still NOTE.
	Spoofed bool `json:"spoofed,omitempty"`
}

// Authoritative reports whether the event is eligible to establish state.
func (e Event) Authoritative() bool {
	return e.Kind == KindUpdate
}

// -----------------------------------------------------------------------------
// Key state
// -----------------------------------------------------------------------------

// Status is the lifecycle position of a key: unset -> set -> cleared.
type Status int

const (
	StatusUnset Status = iota
	StatusSet
	StatusCleared
)

// String returns the lowercase status name.
func (s Status) String() string {
	switch s {
	case StatusUnset:
		return "unset"
	case StatusSet:
		return "set"
	case StatusCleared:
		return "cleared"
	default:
		return "invalid"
	}
}

// State is the folded value of one key at one step.
//
// Scalar holds kv/counter/relational values. Members holds set-valued keys
// (ADD/REMOVE) and is kept sorted so renderings are canonical.
type State struct {
	Status  Status
	Scalar  string
	Members []string
}

// Present reports whether the key currently holds a value.
func (s State) Present() bool {
	return s.Status == StatusSet
}

// Render returns the canonical string form of the state: the scalar value,
// or the sorted comma-joined member list for set-valued keys, or "" when
// unset/cleared.
func (s State) Render() string {
	if s.Status != StatusSet {
		return ""
	}
	if s.Members != nil {
		return strings.Join(s.Members, ", ")
	}
	return s.Scalar
}

// Apply folds one authoritative event into the state. The event must
// already be filtered to Kind == KindUpdate. The generator uses this to
// maintain a shadow fold while emitting; Fold uses it for replay.
func (s State) Apply(e Event) (State, error) {
	switch e.Op {
	case OpSet, OpReassign:
		return State{Status: StatusSet, Scalar: e.Value}, nil
	case OpClear:
		return State{Status: StatusCleared}, nil
	case OpIncrement:
		if s.Status != StatusSet || s.Members != nil {
			return s, fmt.Errorf("%w: INCREMENT on %s key %q (event %s)",
				ErrInvalidTransition, s.Status, e.Key, e.ID)
		}
		cur, err := strconv.ParseInt(s.Scalar, 10, 64)
		if err != nil {
			return s, fmt.Errorf("%w: INCREMENT on non-numeric value %q of key %q (event %s)",
				ErrInvalidTransition, s.Scalar, e.Key, e.ID)
		}
		delta := int64(1)
		if e.Value != "" {
			delta, err = strconv.ParseInt(e.Value, 10, 64)
			if err != nil {
				return s, fmt.Errorf("%w: non-numeric INCREMENT delta %q (event %s)",
					ErrInvalidTransition, e.Value, e.ID)
			}
		}
		return State{Status: StatusSet, Scalar: strconv.FormatInt(cur+delta, 10)}, nil
	case OpAdd:
		members := make([]string, 0, len(s.Members)+1)
		for _, m := range s.Members {
			if m == e.Value {
				return State{Status: StatusSet, Members: s.Members}, nil
			}
			members = append(members, m)
		}
		members = append(members, e.Value)
		sort.Strings(members)
		return State{Status: StatusSet, Members: members}, nil
	case OpRemove:
		if s.Status != StatusSet {
			return s, nil
		}
		members := make([]string, 0, len(s.Members))
		for _, m := range s.Members {
			if m != e.Value {
				members = append(members, m)
			}
		}
		return State{Status: StatusSet, Members: members}, nil
	default:
		return s, fmt.Errorf("%w: %q (event %s)", ErrUnknownOp, e.Op, e.ID)
	}
}

// Fold replays the given events, in (Step, Seq) order, onto an unset key
// and returns the resulting state. Non-authoritative events are skipped.
// Callers pass events for a single key; Fold does not group by key.
//
// Fold is a pure function and is the definition of ledger correctness:
// everything else in this package is bookkeeping around it.
func Fold(events []Event) (State, error) {
	ordered := sortEvents(events)
	state := State{}
	for _, e := range ordered {
		if !e.Authoritative() {
			continue
		}
		next, err := state.Apply(e)
		if err != nil {
			return state, err
		}
		state = next
	}
	return state, nil
}

// sortEvents returns a copy ordered by (Step, Seq). IDs never participate.
func sortEvents(events []Event) []Event {
	ordered := make([]Event, len(events))
	copy(ordered, events)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Step != ordered[j].Step {
			return ordered[i].Step < ordered[j].Step
		}
		return ordered[i].Seq < ordered[j].Seq
	})
	return ordered
}

// -----------------------------------------------------------------------------
// Ledger
// -----------------------------------------------------------------------------

// Ledger indexes an episode's authoritative history per key and answers
// point-in-time value queries.
//
// Thread Safety: immutable after New; safe for concurrent use.
type Ledger struct {
	byKey map[string][]Event
	keys  []string
}

// New builds a ledger from a full event sequence. Non-authoritative events
// are dropped at construction so no later call can be confused by them.
func New(events []Event) *Ledger {
	byKey := make(map[string][]Event)
	for _, e := range sortEvents(events) {
		if !e.Authoritative() {
			continue
		}
		byKey[e.Key] = append(byKey[e.Key], e)
	}
	keys := make([]string, 0, len(byKey))
	for k := range byKey {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return &Ledger{byKey: byKey, keys: keys}
}

// Keys returns the sorted set of keys with authoritative history.
func (l *Ledger) Keys() []string {
	out := make([]string, len(l.keys))
	copy(out, l.keys)
	return out
}

// History returns the ordered authoritative events for key with step <= step.
func (l *Ledger) History(key string, step int) []Event {
	events := l.byKey[key]
	out := make([]Event, 0, len(events))
	for _, e := range events {
		if e.Step <= step {
			out = append(out, e)
		}
	}
	return out
}

// ValueAt folds the authoritative history of key up to step.
//
// Outputs:
//   - State: the folded state (StatusUnset when the key has no history).
//   - error: ErrInvalidTransition if the history itself is malformed,
//     which signals a generator bug and should abort the run.
func (l *Ledger) ValueAt(key string, step int) (State, error) {
	state, err := Fold(l.History(key, step))
	if err != nil {
		return state, fmt.Errorf("folding key %q at step %d: %w", key, step, err)
	}
	return state, nil
}

// Support returns the minimal authoritative event set that establishes the
// value of key at step, in (Step, Seq) order.
//
// For scalar keys this is the last SET/REASSIGN/CLEAR plus any INCREMENTs
// applied after it. For set-valued keys it is the latest surviving ADD per
// current member. An unset key has empty support.
func (l *Ledger) Support(key string, step int) []Event {
	history := l.History(key, step)
	if len(history) == 0 {
		return nil
	}

	isSet := false
	for _, e := range history {
		if e.Op == OpAdd || e.Op == OpRemove {
			isSet = true
			break
		}
	}

	if isSet {
		lastAdd := make(map[string]Event)
		for _, e := range history {
			switch e.Op {
			case OpAdd:
				lastAdd[e.Value] = e
			case OpRemove:
				delete(lastAdd, e.Value)
			case OpClear:
				lastAdd = make(map[string]Event)
			}
		}
		support := make([]Event, 0, len(lastAdd))
		for _, e := range lastAdd {
			support = append(support, e)
		}
		return sortEvents(support)
	}

	var support []Event
	for _, e := range history {
		switch e.Op {
		case OpSet, OpReassign, OpClear:
			support = support[:0]
			support = append(support, e)
		case OpIncrement:
			support = append(support, e)
		}
	}
	return support
}

// SupportIDs is Support projected onto event IDs.
func (l *Ledger) SupportIDs(key string, step int) []string {
	support := l.Support(key, step)
	ids := make([]string, len(support))
	for i, e := range support {
		ids[i] = e.ID
	}
	return ids
}

// MemberSupport returns the latest authoritative ADD/REMOVE touching member
// on a set-valued key at step, or nil if none exists.
func (l *Ledger) MemberSupport(key, member string, step int) *Event {
	var last *Event
	for _, e := range l.History(key, step) {
		if (e.Op == OpAdd || e.Op == OpRemove) && e.Value == member {
			e := e
			last = &e
		}
	}
	return last
}
