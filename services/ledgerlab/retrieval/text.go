// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package retrieval

import (
	"math"
	"sort"
	"strings"

	"github.com/AleutianAI/statetrace/services/ledgerlab/episode"
	"github.com/AleutianAI/statetrace/services/ledgerlab/queries"
)

// tokenize lowercases and splits on non-alphanumerics. Underscore stays
// inside tokens so key names match as units.
func tokenize(s string) []string {
	s = strings.ToLower(s)
	tokens := strings.FieldsFunc(s, func(r rune) bool {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			return false
		default:
			return true
		}
	})
	return tokens
}

// queryStopwords are the fixed template words of the question grammar.
// They appear in every question regardless of subject and carry no
// relevance signal.
var queryStopwords = map[string]bool{
	"what": true, "is": true, "the": true, "current": true, "value": true,
	"of": true, "as": true, "step": true, "how": true, "many": true,
	"operations": true, "were": true, "applied": true, "to": true,
	"up": true, "a": true, "member": true, "net": true,
}

// queryTokens extracts the relevance-bearing tokens of a question. The
// step number is dropped: every rendered line carries its own step
// token, so a zero-padded number acts as a rare term that would outrank
// the key itself. The key is the question's subject and gets extra
// weight so residual vocabulary overlap cannot outvote it.
func queryTokens(q *queries.Query) []string {
	out := make([]string, 0, 8)
	for _, t := range tokenize(q.Question) {
		if queryStopwords[t] || isDigits(t) {
			continue
		}
		out = append(out, t)
	}
	key := tokenize(q.Key)
	for i := 0; i < 3; i++ {
		out = append(out, key...)
	}
	return out
}

func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return len(s) > 0
}

// termFreq counts token occurrences.
func termFreq(tokens []string) map[string]int {
	tf := make(map[string]int, len(tokens))
	for _, t := range tokens {
		tf[t]++
	}
	return tf
}

// corpusStats computes document frequencies and average length over the
// candidate texts.
type corpusStats struct {
	df     map[string]int
	docs   []map[string]int
	lens   []int
	avgLen float64
	n      int
}

func buildCorpus(cands []Candidate) corpusStats {
	stats := corpusStats{df: make(map[string]int), n: len(cands)}
	total := 0
	for _, c := range cands {
		tf := termFreq(tokenize(c.Text))
		stats.docs = append(stats.docs, tf)
		length := 0
		for _, n := range tf {
			length += n
		}
		stats.lens = append(stats.lens, length)
		total += length
		for t := range tf {
			stats.df[t]++
		}
	}
	if stats.n > 0 {
		stats.avgLen = float64(total) / float64(stats.n)
	}
	return stats
}

// -----------------------------------------------------------------------------
// BM25
// -----------------------------------------------------------------------------

// BM25Config holds the Okapi BM25 free parameters.
type BM25Config struct {
	K1 float64 `yaml:"k1"`
	B  float64 `yaml:"b"`
}

// DefaultBM25Config returns the textbook parameterization.
func DefaultBM25Config() BM25Config {
	return BM25Config{K1: 1.2, B: 0.75}
}

// BM25 ranks candidates with Okapi BM25 over the rendered event lines.
type BM25 struct {
	cfg BM25Config
}

// NewBM25 builds a BM25 retriever.
func NewBM25(cfg BM25Config) BM25 {
	return BM25{cfg: cfg}
}

// Name implements Strategy.
func (BM25) Name() string { return "bm25" }

// Retrieve implements Strategy.
func (r BM25) Retrieve(ep *episode.Episode, q *queries.Query, k int) []Candidate {
	cands := allCandidates(ep, q)
	stats := buildCorpus(cands)
	qt := queryTokens(q)

	scores := make(map[string]float64, len(cands))
	for i, c := range cands {
		var score float64
		for _, t := range qt {
			tf := float64(stats.docs[i][t])
			if tf == 0 {
				continue
			}
			df := float64(stats.df[t])
			idf := math.Log(1 + (float64(stats.n)-df+0.5)/(df+0.5))
			norm := r.cfg.K1 * (1 - r.cfg.B + r.cfg.B*float64(stats.lens[i])/stats.avgLen)
			score += idf * tf * (r.cfg.K1 + 1) / (tf + norm)
		}
		scores[c.EventRef] = score
	}
	return rank(cands, scores, k)
}

// -----------------------------------------------------------------------------
// TF-IDF
// -----------------------------------------------------------------------------

// TFIDF ranks candidates by cosine similarity of tf-idf vectors.
type TFIDF struct{}

// Name implements Strategy.
func (TFIDF) Name() string { return "tfidf" }

// Retrieve implements Strategy.
func (TFIDF) Retrieve(ep *episode.Episode, q *queries.Query, k int) []Candidate {
	cands := allCandidates(ep, q)
	stats := buildCorpus(cands)

	idf := func(t string) float64 {
		df := float64(stats.df[t])
		if df == 0 {
			return 0
		}
		return math.Log(float64(stats.n)/df) + 1
	}

	qv := make(map[string]float64)
	for t, n := range termFreq(queryTokens(q)) {
		qv[t] = float64(n) * idf(t)
	}
	qNorm := vectorNorm(qv)

	scores := make(map[string]float64, len(cands))
	for i, c := range cands {
		dv := make(map[string]float64, len(stats.docs[i]))
		for t, n := range stats.docs[i] {
			dv[t] = float64(n) * idf(t)
		}
		scores[c.EventRef] = cosine(qv, qNorm, dv)
	}
	return rank(cands, scores, k)
}

// -----------------------------------------------------------------------------
// Dense (feature-hashed)
// -----------------------------------------------------------------------------

// DenseConfig sizes the hashed embedding space.
type DenseConfig struct {
	Dimensions int `yaml:"dimensions"`
}

// DefaultDenseConfig returns a 256-dimension hashing space.
func DefaultDenseConfig() DenseConfig {
	return DenseConfig{Dimensions: 256}
}

// Dense ranks candidates by cosine similarity of feature-hashed unigram
// vectors: a cheap stand-in for an embedding retriever with the same
// failure modes (collisions, no recency signal).
type Dense struct {
	cfg DenseConfig
}

// NewDense builds a dense retriever.
func NewDense(cfg DenseConfig) Dense {
	if cfg.Dimensions <= 0 {
		cfg = DefaultDenseConfig()
	}
	return Dense{cfg: cfg}
}

// Name implements Strategy.
func (Dense) Name() string { return "dense" }

// Retrieve implements Strategy.
func (r Dense) Retrieve(ep *episode.Episode, q *queries.Query, k int) []Candidate {
	cands := allCandidates(ep, q)
	qv := r.embed(queryTokens(q))

	scores := make(map[string]float64, len(cands))
	for _, c := range cands {
		scores[c.EventRef] = denseCosine(qv, r.embed(tokenize(c.Text)))
	}
	return rank(cands, scores, k)
}

func (r Dense) embed(tokens []string) []float64 {
	v := make([]float64, r.cfg.Dimensions)
	for _, t := range tokens {
		h := fnvHash(t)
		sign := 1.0
		if h&1 == 1 {
			sign = -1
		}
		v[int(h%uint64(r.cfg.Dimensions))] += sign
	}
	return v
}

func fnvHash(s string) uint64 {
	const (
		offset = 14695981039346656037
		prime  = 1099511628211
	)
	var h uint64 = offset
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= prime
	}
	return h
}

// -----------------------------------------------------------------------------
// Shared vector helpers
// -----------------------------------------------------------------------------

// allCandidates projects every eligible event; ranking decides order.
func allCandidates(ep *episode.Episode, q *queries.Query) []Candidate {
	events := eligible(ep, q)
	out := make([]Candidate, 0, len(events))
	for pos, e := range events {
		out = append(out, candidateFromEvent(e, pos, q.Step))
	}
	return out
}

// sortedTerms fixes an accumulation order for map-typed vectors. Float
// addition does not commute exactly, so summing in map iteration order
// would make equal-score ties land differently run to run.
func sortedTerms(v map[string]float64) []string {
	terms := make([]string, 0, len(v))
	for t := range v {
		terms = append(terms, t)
	}
	sort.Strings(terms)
	return terms
}

func vectorNorm(v map[string]float64) float64 {
	var sum float64
	for _, t := range sortedTerms(v) {
		sum += v[t] * v[t]
	}
	return math.Sqrt(sum)
}

func cosine(qv map[string]float64, qNorm float64, dv map[string]float64) float64 {
	if qNorm == 0 {
		return 0
	}
	var dot float64
	for _, t := range sortedTerms(qv) {
		dot += qv[t] * dv[t]
	}
	dNorm := vectorNorm(dv)
	if dNorm == 0 {
		return 0
	}
	return dot / (qNorm * dNorm)
}

func denseCosine(a, b []float64) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / math.Sqrt(na*nb)
}
