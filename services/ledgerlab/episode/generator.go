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
	"hash/fnv"
	"log/slog"
	"math/rand/v2"

	"github.com/AleutianAI/statetrace/services/ledgerlab/ledger"
)

// ErrNoDecisiveEvent is returned when an episode has no value-bearing
// authoritative event to flip into a twin. Does not happen with positive
// step counts; treated as a generator bug.
var ErrNoDecisiveEvent = errors.New("no decisive event to flip")

// Generator deterministically emits episodes for one configuration.
//
// Thread Safety: safe for concurrent use; all mutable state lives in
// per-episode genState values.
type Generator struct {
	cfg      Config
	strategy distractorStrategy
	logger   *slog.Logger
}

// NewGenerator validates the configuration and builds a generator.
// Unknown state modes or profiles are rejected here, never defaulted.
func NewGenerator(cfg Config, logger *slog.Logger) (*Generator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("constructing generator: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{cfg: cfg, strategy: strategyFor(cfg.Profile), logger: logger}, nil
}

// Config returns the generator's immutable configuration.
func (g *Generator) Config() Config {
	return g.cfg
}

// Generate emits all base episodes for the configuration.
func (g *Generator) Generate() ([]*Episode, error) {
	episodes := make([]*Episode, 0, g.cfg.Episodes)
	for i := 0; i < g.cfg.Episodes; i++ {
		ep, err := g.GenerateEpisode(i)
		if err != nil {
			return nil, err
		}
		episodes = append(episodes, ep)
	}
	return episodes, nil
}

// GenerateEpisode emits the episode at the given batch index. Identical
// (seed, config, index) inputs produce a byte-identical episode.
func (g *Generator) GenerateEpisode(index int) (*Episode, error) {
	seed := episodeSeed(g.cfg.Seed, index)
	gs := newGenState(g.cfg, seed)

	for step := 1; step <= g.cfg.Steps; step++ {
		// Backbone: every step carries exactly one authoritative update,
		// except the opening steps which give each key its initial value.
		key := gs.keys[gs.rng.IntN(len(gs.keys))]
		if step-1 < len(gs.keys) {
			key = gs.keys[step-1]
		}
		if err := gs.emitBackbone(step, key); err != nil {
			return nil, fmt.Errorf("episode %d step %d: %w", index, step, err)
		}

		if gs.rng.Float64() < g.cfg.UpdateBurstRate {
			if n := g.strategy.burstSize(gs.rng); n > 0 {
				for i := 0; i < n; i++ {
					if err := gs.emitBurstUpdate(step, key); err != nil {
						return nil, fmt.Errorf("episode %d burst at step %d: %w", index, step, err)
					}
				}
			}
		}

		if gs.rng.Float64() < gs.noteRate() {
			gs.emitNote(step)
		}

		if gs.rng.Float64() < g.cfg.DistractorRate {
			gs.events = append(gs.events, g.strategy.insert(gs, step)...)
		}
	}

	id := fmt.Sprintf("ep-%d-%d", g.cfg.Seed, index)
	g.logger.Debug("generated episode",
		slog.String("episode_id", id),
		slog.Int("events", len(gs.events)),
		slog.String("state_mode", string(g.cfg.StateMode)),
		slog.String("distractor_profile", string(g.cfg.Profile)),
	)
	return newEpisode(id, index, seed, g.cfg.StateMode, g.cfg.Profile, gs.events), nil
}

// TwinOf builds the counterfactual twin of a base episode: the same event
// sequence with exactly one decisive authoritative event's value flipped.
// The flipped event keeps its ID (IDs do not hash values), so base and
// twin predictions pair by event ID. Twins are never merged into the base
// ledger; they exist only for consistency scoring.
func (g *Generator) TwinOf(ep *Episode) (*Episode, error) {
	if ep.IsTwin() {
		return nil, fmt.Errorf("episode %s is already a twin", ep.ID)
	}
	decisive, err := decisiveEvent(ep, g.cfg.Steps)
	if err != nil {
		return nil, fmt.Errorf("twin of %s: %w", ep.ID, err)
	}

	rng := rand.New(rand.NewPCG(ep.Seed^0xd1b54a32d192ed03, ep.Seed))
	flipped, err := flipValue(rng, ep, decisive)
	if err != nil {
		return nil, fmt.Errorf("twin of %s: %w", ep.ID, err)
	}

	events := make([]ledger.Event, len(ep.Events))
	copy(events, ep.Events)
	for i := range events {
		if events[i].ID == decisive.ID {
			events[i].Value = flipped
			events[i].Text = renderUpdateText(events[i])
			break
		}
	}

	twin := newEpisode(ep.ID+"-twin", ep.Index, ep.Seed, ep.Mode, ep.Profile, events)
	twin.BaseID = ep.ID
	twin.FlippedEventID = decisive.ID
	return twin, nil
}

// decisiveEvent picks the latest value-bearing authoritative event that
// sits in the final-step support of its key. Flipping it is guaranteed to
// change the episode's final ground truth.
func decisiveEvent(ep *Episode, steps int) (ledger.Event, error) {
	led := ep.Ledger()
	var decisive *ledger.Event
	for _, key := range led.Keys() {
		for _, e := range led.Support(key, steps) {
			switch e.Op {
			case ledger.OpSet, ledger.OpReassign, ledger.OpAdd:
			default:
				continue
			}
			if decisive == nil || e.Step > decisive.Step ||
				(e.Step == decisive.Step && e.Seq > decisive.Seq) {
				e := e
				decisive = &e
			}
		}
	}
	if decisive == nil {
		return ledger.Event{}, ErrNoDecisiveEvent
	}
	return *decisive, nil
}

// flipValue draws a replacement value guaranteed to differ from the
// original (and, for set-valued keys, from every current member).
func flipValue(rng *rand.Rand, ep *Episode, e ledger.Event) (string, error) {
	switch e.Op {
	case ledger.OpAdd:
		final, err := ep.Ledger().ValueAt(e.Key, ep.Events[len(ep.Events)-1].Step)
		if err != nil {
			return "", err
		}
		taken := make(map[string]bool, len(final.Members)+1)
		taken[e.Value] = true
		for _, m := range final.Members {
			taken[m] = true
		}
		for attempt := 0; attempt < 32; attempt++ {
			if m := setMember(rng); !taken[m] {
				return m, nil
			}
		}
		return "", fmt.Errorf("member pool exhausted for key %q", e.Key)
	default:
		if _, numeric := parseInt(e.Value); numeric {
			delta := int64(1 + rng.IntN(9))
			n, _ := parseInt(e.Value)
			return fmt.Sprintf("%d", n+delta), nil
		}
		return scalarValue(rng, ep.Mode, e.Key, e.Value), nil
	}
}

func parseInt(s string) (int64, bool) {
	var n int64
	var neg bool
	if s == "" {
		return 0, false
	}
	for i, c := range s {
		if i == 0 && c == '-' {
			neg = true
			continue
		}
		if c < '0' || c > '9' {
			return 0, false
		}
		n = n*10 + int64(c-'0')
	}
	if neg {
		n = -n
	}
	return n, true
}

// episodeSeed derives a per-episode sub-seed from the batch seed.
func episodeSeed(seed int64, index int) uint64 {
	h := fnv.New64a()
	fmt.Fprintf(h, "%d\x00%d", seed, index)
	return h.Sum64()
}

// -----------------------------------------------------------------------------
// Generation state
// -----------------------------------------------------------------------------

// genState carries the per-episode working set: the RNG, the shadow fold,
// and the per-key value history distractor strategies draw stale values
// from. It never outlives GenerateEpisode.
type genState struct {
	cfg     Config
	rng     *rand.Rand
	seed    uint64
	keys    []string
	shadow  map[string]ledger.State
	history map[string][]string
	events  []ledger.Event
	seq     int
}

func newGenState(cfg Config, seed uint64) *genState {
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	return &genState{
		cfg:     cfg,
		rng:     rng,
		seed:    seed,
		keys:    pickKeys(rng, cfg.StateMode, cfg.Keys),
		shadow:  make(map[string]ledger.State),
		history: make(map[string][]string),
	}
}

// event allocates the next event skeleton: sequence position and hashed ID.
func (gs *genState) event(step int, key string, kind ledger.Kind) ledger.Event {
	e := ledger.Event{
		ID:   ledger.EventID(gs.seed, step, key, gs.seq),
		Step: step,
		Seq:  gs.seq,
		Key:  key,
		Kind: kind,
	}
	gs.seq++
	return e
}

// distractor builds a DISTRACTOR-kind event with the given text.
func (gs *genState) distractor(step int, key, text string) ledger.Event {
	e := gs.event(step, key, ledger.KindDistractor)
	e.Text = text
	return e
}

// emit applies an authoritative event to the shadow fold and appends it.
func (gs *genState) emit(e ledger.Event) error {
	next, err := gs.shadow[e.Key].Apply(e)
	if err != nil {
		return err
	}
	gs.shadow[e.Key] = next
	if rendered := next.Render(); rendered != "" {
		h := gs.history[e.Key]
		if len(h) == 0 || h[len(h)-1] != rendered {
			gs.history[e.Key] = append(h, rendered)
		}
	}
	gs.events = append(gs.events, e)
	return nil
}

// emitBackbone emits the step's authoritative update for key, choosing an
// op legal in the key's current state.
func (gs *genState) emitBackbone(step int, key string) error {
	cur := gs.shadow[key]
	e := gs.event(step, key, ledger.KindUpdate)

	switch gs.cfg.StateMode {
	case ModeCounter:
		switch {
		case !cur.Present():
			e.Op = ledger.OpSet
			e.Value = counterBase(gs.rng)
		case gs.rng.Float64() < gs.cfg.ClearRate:
			e.Op = ledger.OpClear
		default:
			e.Op = ledger.OpIncrement
			e.Value = counterDelta(gs.rng)
		}
	case ModeSet:
		switch {
		case !cur.Present() || len(cur.Members) == 0:
			e.Op = ledger.OpAdd
			e.Value = setMember(gs.rng)
		case gs.rng.Float64() < gs.cfg.ClearRate:
			e.Op = ledger.OpClear
		case gs.rng.Float64() < 0.3:
			e.Op = ledger.OpRemove
			e.Value = cur.Members[gs.rng.IntN(len(cur.Members))]
		default:
			e.Op = ledger.OpAdd
			e.Value = setMember(gs.rng)
		}
	case ModeRelational:
		e.Op = ledger.OpReassign
		e.Value = scalarValue(gs.rng, gs.cfg.StateMode, key, cur.Render())
	default: // kv, kv_commentary
		if cur.Present() && gs.rng.Float64() < gs.cfg.ClearRate {
			e.Op = ledger.OpClear
		} else {
			e.Op = ledger.OpSet
			e.Value = scalarValue(gs.rng, gs.cfg.StateMode, key, cur.Render())
		}
	}

	e.Text = renderUpdateText(e)
	return gs.emit(e)
}

// emitBurstUpdate emits one near-miss authoritative update on key at the
// same step. Bursts are always value-bearing so the last write wins by a
// hair, stressing recency disambiguation.
func (gs *genState) emitBurstUpdate(step int, key string) error {
	cur := gs.shadow[key]
	e := gs.event(step, key, ledger.KindUpdate)
	switch gs.cfg.StateMode {
	case ModeCounter:
		e.Op = ledger.OpSet
		e.Value = counterBase(gs.rng)
	case ModeSet:
		e.Op = ledger.OpAdd
		e.Value = setMember(gs.rng)
	case ModeRelational:
		e.Op = ledger.OpReassign
		e.Value = scalarValue(gs.rng, gs.cfg.StateMode, key, cur.Render())
	default:
		e.Op = ledger.OpSet
		e.Value = scalarValue(gs.rng, gs.cfg.StateMode, key, cur.Render())
	}
	e.Text = renderUpdateText(e)
	return gs.emit(e)
}

// emitNote emits a benign NOTE restating a current value. With probability
// AuthoritySpoofRate the note's text forges UPDATE syntax (and renders
// with a forged UPDATE marker); Kind stays NOTE.
func (gs *genState) emitNote(step int) {
	present := make([]string, 0, len(gs.keys))
	for _, k := range gs.keys {
		if gs.shadow[k].Present() {
			present = append(present, k)
		}
	}
	if len(present) == 0 {
		return
	}
	key := present[gs.rng.IntN(len(present))]
	e := gs.event(step, key, ledger.KindNote)
	cur := gs.shadow[key].Render()
	if gs.rng.Float64() < gs.cfg.AuthoritySpoofRate {
		e.Spoofed = true
		e.Text = fmt.Sprintf("SET %s = %q", key, cur)
	} else {
		e.Text = fmt.Sprintf("as of step %03d, %s is %q", step, key, cur)
	}
	gs.events = append(gs.events, e)
}

// noteRate doubles commentary density for kv_commentary mode.
func (gs *genState) noteRate() float64 {
	if gs.cfg.StateMode == ModeKVCommentary {
		if r := gs.cfg.NoteRate * 2; r < 1 {
			return r
		}
		return 1
	}
	return gs.cfg.NoteRate
}

// staleValue picks a random key that has at least one superseded value and
// returns one of its stale values. Iteration is over the fixed key order
// so the draw is deterministic.
func (gs *genState) staleValue() (string, string, bool) {
	candidates := make([]string, 0, len(gs.keys))
	for _, k := range gs.keys {
		if len(gs.history[k]) >= 2 {
			candidates = append(candidates, k)
		}
	}
	if len(candidates) == 0 {
		return "", "", false
	}
	key := candidates[gs.rng.IntN(len(candidates))]
	h := gs.history[key]
	stale := h[gs.rng.IntN(len(h)-1)] // anything but the last (current) value
	return key, stale, true
}
