// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package selection

import "github.com/AleutianAI/statetrace/services/ledgerlab/retrieval"

// Decision is the outcome of an abstain check.
type Decision struct {
	Abstain bool
	Reason  string
}

// AbstainPolicy decides whether to answer at all once selection has run.
// Abstaining when the gold evidence never reached the candidate set is
// the correct move; abstaining when it did is lost recall.
type AbstainPolicy struct {
	// Enabled turns the check on. Disabled means always answer.
	Enabled bool

	// MinConfidence abstains when the policy's confidence falls below it.
	MinConfidence float64
}

// Decide evaluates the abstain rule for one query.
//
// Inputs:
//   - chosen: the policy's pick, nil when nothing survived filtering.
//   - cands: the post-filter candidate set.
//   - confidence: the policy's reported confidence.
func (p AbstainPolicy) Decide(chosen *retrieval.Candidate, cands []retrieval.Candidate, confidence float64) Decision {
	if chosen == nil || len(cands) == 0 {
		return Decision{Abstain: true, Reason: "no_candidates"}
	}
	if !p.Enabled {
		return Decision{}
	}
	if confidence < p.MinConfidence {
		return Decision{Abstain: true, Reason: "low_confidence"}
	}
	return Decision{}
}
