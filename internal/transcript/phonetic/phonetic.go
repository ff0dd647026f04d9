// Package phonetic matches misheard phrases against a known vocabulary
// using Double Metaphone codes and Jaro-Winkler similarity.
//
// Matching runs in two stages:
//
//  1. Phonetic candidates: a vocabulary term is a candidate when any Double
//     Metaphone code of the phrase's tokens overlaps one of the term's codes.
//     Candidates are accepted at the (lower) phonetic threshold.
//
//  2. Fuzzy fallback: without a phonetic candidate, a term is accepted only
//     when its Jaro-Winkler similarity reaches the (higher) fuzzy threshold.
//
// A phrase is only compared with terms of the same word count. Multi-word
// terms such as "Ticket to Ride" are scored on the full strings and on the
// mean per-token similarity; the better score wins. Tokens shorter than three
// letters ("to", "of") contribute no phonetic codes.
package phonetic

import (
	"strings"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.70
	defaultFuzzyThreshold    = 0.85
)

// Option is a functional option for configuring a [Matcher].
type Option func(*Matcher)

// WithPhoneticThreshold sets the minimum similarity for a phonetic
// candidate. Default: 0.70.
func WithPhoneticThreshold(threshold float64) Option {
	return func(m *Matcher) { m.phoneticThreshold = threshold }
}

// WithFuzzyThreshold sets the minimum similarity when no phonetic candidate
// exists. Default: 0.85.
func WithFuzzyThreshold(threshold float64) Option {
	return func(m *Matcher) { m.fuzzyThreshold = threshold }
}

type term struct {
	text   string
	lower  string
	tokens []string
	codes  map[string]struct{}
}

// Matcher holds a precomputed vocabulary index. It is read-only after
// construction and safe for concurrent use.
type Matcher struct {
	phoneticThreshold float64
	fuzzyThreshold    float64
	terms             []term
	maxWords          int
}

// New indexes vocab. Blank and duplicate (case-insensitive) entries are
// dropped.
func New(vocab []string, opts ...Option) *Matcher {
	m := &Matcher{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
	}
	for _, o := range opts {
		o(m)
	}
	seen := make(map[string]struct{}, len(vocab))
	for _, v := range vocab {
		v = strings.TrimSpace(v)
		lower := strings.ToLower(v)
		if lower == "" {
			continue
		}
		if _, dup := seen[lower]; dup {
			continue
		}
		seen[lower] = struct{}{}
		tokens := strings.Fields(lower)
		m.terms = append(m.terms, term{text: v, lower: lower, tokens: tokens, codes: codesFor(tokens)})
		m.maxWords = max(m.maxWords, len(tokens))
	}
	return m
}

// Len returns the number of indexed terms.
func (m *Matcher) Len() int { return len(m.terms) }

// MaxWords returns the token count of the longest term.
func (m *Matcher) MaxWords() int { return m.maxWords }

// Match returns the vocabulary term closest to phrase. When matched is
// false, corrected is phrase unchanged and score is 0.
func (m *Matcher) Match(phrase string) (corrected string, score float64, matched bool) {
	lower := strings.ToLower(strings.TrimSpace(phrase))
	if lower == "" || len(m.terms) == 0 {
		return phrase, 0, false
	}
	tokens := strings.Fields(lower)
	codes := codesFor(tokens)

	var (
		best         *term
		bestScore    float64
		bestPhonetic bool
	)
	for i := range m.terms {
		t := &m.terms[i]
		if len(t.tokens) != len(tokens) {
			continue
		}
		if t.lower == lower {
			return t.text, 1, true
		}
		s := similarity(tokens, t.tokens, lower, t.lower)
		switch {
		case overlaps(codes, t.codes):
			if s >= m.phoneticThreshold && (!bestPhonetic || s > bestScore) {
				best, bestScore, bestPhonetic = t, s, true
			}
		case !bestPhonetic:
			if s >= m.fuzzyThreshold && s > bestScore {
				best, bestScore = t, s
			}
		}
	}
	if best == nil {
		return phrase, 0, false
	}
	return best.text, bestScore, true
}

func codesFor(tokens []string) map[string]struct{} {
	codes := make(map[string]struct{}, len(tokens)*2)
	for _, t := range tokens {
		if len(t) < 3 {
			continue
		}
		p, s := matchr.DoubleMetaphone(t)
		if p != "" {
			codes[p] = struct{}{}
		}
		if s != "" {
			codes[s] = struct{}{}
		}
	}
	return codes
}

func overlaps(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for c := range a {
		if _, ok := b[c]; ok {
			return true
		}
	}
	return false
}

// similarity is the better of the full-string Jaro-Winkler score and the
// mean per-token score. Both sides have the same number of tokens.
func similarity(aTokens, bTokens []string, a, b string) float64 {
	score := matchr.JaroWinkler(a, b, false)
	if len(aTokens) < 2 {
		return score
	}
	var sum float64
	for i := range aTokens {
		sum += matchr.JaroWinkler(aTokens[i], bTokens[i], false)
	}
	return max(score, sum/float64(len(aTokens)))
}
