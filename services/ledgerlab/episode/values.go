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
	"fmt"
	"math/rand/v2"
	"strconv"
)

// Value and key pools. Everything here is drawn through the episode RNG so
// generation stays a pure function of (seed, config).

var kvKeys = []string{
	"shipping_address", "billing_plan", "contact_email", "delivery_window",
	"support_tier", "warehouse_zone", "payment_method", "account_status",
	"preferred_carrier", "invoice_currency", "escalation_channel", "data_region",
}

var counterKeys = []string{
	"login_count", "open_tickets", "retry_budget", "seats_licensed",
	"failed_syncs", "active_sessions", "pending_refunds", "api_quota",
}

var setKeys = []string{
	"tags", "watchers", "allowed_regions", "feature_flags",
	"blocked_senders", "linked_accounts", "audit_labels", "beta_cohorts",
}

var relationalKeys = []string{
	"ticket_4821_owner", "ticket_7302_owner", "incident_19_commander",
	"account_552_manager", "release_31_driver", "queue_east_lead",
	"runbook_7_maintainer", "region_eu_contact",
}

var streetNames = []string{
	"Oak", "Pine", "Maple", "Cedar", "Birch", "Elm", "Willow", "Aspen", "Juniper", "Alder",
}

var streetSuffixes = []string{"St", "Ave", "Rd", "Blvd", "Ln"}

var personNames = []string{
	"mara.oduya", "felix.tran", "sonia.petrov", "derek.amano", "ines.fabre",
	"kwame.mensah", "lucia.reyes", "tobias.wenzel", "priya.natarajan", "colm.gallagher",
}

var planNames = []string{
	"starter", "standard", "plus", "pro", "enterprise", "legacy-bronze", "legacy-silver",
}

var zoneNames = []string{
	"A-north", "A-south", "B-east", "B-west", "C-central", "D-overflow",
}

var memberPool = []string{
	"alpha", "beta", "gamma", "delta", "epsilon", "zeta", "theta", "kappa",
	"sigma", "omega", "orion", "lyra",
}

// keysForMode returns the key-name pool for a state mode.
func keysForMode(mode StateMode) []string {
	switch mode {
	case ModeCounter:
		return counterKeys
	case ModeSet:
		return setKeys
	case ModeRelational:
		return relationalKeys
	default:
		return kvKeys
	}
}

// pickKeys deterministically samples n distinct key names.
func pickKeys(rng *rand.Rand, mode StateMode, n int) []string {
	pool := keysForMode(mode)
	if n > len(pool) {
		// Extend with numbered variants rather than failing; keeps small
		// pools usable for wide configs.
		extended := make([]string, 0, n)
		extended = append(extended, pool...)
		for i := len(pool); i < n; i++ {
			extended = append(extended, fmt.Sprintf("%s_%d", pool[i%len(pool)], i))
		}
		pool = extended
	}
	idx := rng.Perm(len(pool))
	keys := make([]string, n)
	for i := 0; i < n; i++ {
		keys[i] = pool[idx[i]]
	}
	return keys
}

// scalarValue draws a fresh value for a kv/relational key. The avoid
// argument prevents no-op updates that would make twin flips ambiguous.
func scalarValue(rng *rand.Rand, mode StateMode, key, avoid string) string {
	for attempt := 0; attempt < 8; attempt++ {
		var v string
		switch {
		case mode == ModeRelational:
			v = personNames[rng.IntN(len(personNames))]
		case key == "shipping_address":
			v = fmt.Sprintf("%d %s %s",
				2+rng.IntN(198),
				streetNames[rng.IntN(len(streetNames))],
				streetSuffixes[rng.IntN(len(streetSuffixes))])
		case key == "billing_plan" || key == "support_tier":
			v = planNames[rng.IntN(len(planNames))]
		case key == "warehouse_zone" || key == "data_region":
			v = zoneNames[rng.IntN(len(zoneNames))]
		case key == "contact_email":
			v = personNames[rng.IntN(len(personNames))] + "@example.net"
		default:
			v = fmt.Sprintf("%s-%02d", planNames[rng.IntN(len(planNames))], rng.IntN(90))
		}
		if v != avoid {
			return v
		}
	}
	return "fallback-" + strconv.Itoa(rng.IntN(1000))
}

// counterBase draws an initial counter value.
func counterBase(rng *rand.Rand) string {
	return strconv.Itoa(rng.IntN(50))
}

// counterDelta draws an increment delta (never zero).
func counterDelta(rng *rand.Rand) string {
	d := 1 + rng.IntN(9)
	if rng.IntN(4) == 0 {
		d = -d
	}
	return strconv.Itoa(d)
}

// setMember draws a member token for set-valued keys.
func setMember(rng *rand.Rand) string {
	return memberPool[rng.IntN(len(memberPool))]
}
