// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ledger

import (
	"fmt"
	"hash/fnv"
)

// idAlphabet omits lookalike characters (0/O, 1/I/L) so IDs survive being
// read back out of model output.
const idAlphabet = "ABCDEFGHJKMNPQRSTVWXYZ23456789"

// EventID derives a deterministic, hash-like event ID from the episode
// seed, the event's step, its key, and its ordinal within the sequence.
//
// The token is intentionally non-monotonic: adjacent events get unrelated
// IDs, so a "pick the max ID" shortcut can never reconstruct recency. At
// the same time the ID is a pure function of its inputs, so regenerating
// an episode reproduces it byte-for-byte. There is no global counter.
func EventID(seed uint64, step int, key string, ordinal int) string {
	h := fnv.New64a()
	fmt.Fprintf(h, "%d\x00%d\x00%s\x00%d", seed, step, key, ordinal)
	v := h.Sum64()

	buf := make([]byte, 0, 9)
	buf = append(buf, 'E')
	for i := 0; i < 8; i++ {
		buf = append(buf, idAlphabet[v%uint64(len(idAlphabet))])
		v /= uint64(len(idAlphabet))
	}
	return string(buf)
}
