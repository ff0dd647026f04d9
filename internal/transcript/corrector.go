// Package transcript fixes misrecognised game vocabulary in STT output
// before it is sent to the chat server.
//
// Speech recognisers routinely mangle proper nouns ("carcasone" for
// Carcassonne). A [Corrector] holds the keyword list of the current game
// and rewrites token windows that phonetically match a keyword.
package transcript

import (
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	"github.com/MrWong99/tablevoice/internal/transcript/phonetic"
)

// minSingleWord is the shortest token considered for single-word
// correction. Shorter words are too ambiguous to rewrite safely.
const minSingleWord = 4

// Correction records one rewrite.
type Correction struct {
	Original  string
	Corrected string
	Score     float64
}

// Corrector rewrites transcripts against a replaceable vocabulary. Safe for
// concurrent use.
type Corrector struct {
	opts []phonetic.Option

	mu      sync.RWMutex
	matcher *phonetic.Matcher
}

// NewCorrector returns a corrector with an empty vocabulary. opts tune the
// underlying matcher.
func NewCorrector(opts ...phonetic.Option) *Corrector {
	return &Corrector{opts: opts, matcher: phonetic.New(nil, opts...)}
}

// SetVocabulary replaces the keyword list.
func (c *Corrector) SetVocabulary(words []string) {
	m := phonetic.New(words, c.opts...)
	c.mu.Lock()
	c.matcher = m
	c.mu.Unlock()
}

// Len returns the vocabulary size.
func (c *Corrector) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.matcher.Len()
}

type token struct {
	lead, word, trail string
}

func split(text string) []token {
	fields := strings.Fields(text)
	out := make([]token, len(fields))
	for i, f := range fields {
		start := strings.IndexFunc(f, isWordRune)
		if start < 0 {
			out[i] = token{lead: f}
			continue
		}
		end := strings.LastIndexFunc(f, isWordRune)
		_, size := utf8.DecodeRuneInString(f[end:])
		out[i] = token{lead: f[:start], word: f[start : end+size], trail: f[end+size:]}
	}
	return out
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '\'' || r == '-'
}

// Correct returns text with matching windows replaced by their keyword.
// Longer windows are tried first. Windows that start or end on a word
// shorter than three letters are skipped, and matches that differ from the
// original only by letter case leave the text untouched.
func (c *Corrector) Correct(text string) (string, []Correction) {
	c.mu.RLock()
	m := c.matcher
	c.mu.RUnlock()
	if m.Len() == 0 || strings.TrimSpace(text) == "" {
		return text, nil
	}

	toks := split(text)
	var (
		out         []string
		corrections []Correction
	)
	for i := 0; i < len(toks); {
		n, repl, score := bestWindow(m, toks, i)
		if n == 0 {
			out = append(out, toks[i].lead+toks[i].word+toks[i].trail)
			i++
			continue
		}
		orig := joinWords(toks[i : i+n])
		if strings.EqualFold(orig, repl) {
			for _, t := range toks[i : i+n] {
				out = append(out, t.lead+t.word+t.trail)
			}
			i += n
			continue
		}
		corrections = append(corrections, Correction{Original: orig, Corrected: repl, Score: score})
		out = append(out, toks[i].lead+repl+toks[i+n-1].trail)
		i += n
	}
	return strings.Join(out, " "), corrections
}

// bestWindow finds the longest window at i that matches a keyword. n is 0
// when no window matches.
func bestWindow(m *phonetic.Matcher, toks []token, i int) (n int, repl string, score float64) {
	for size := min(m.MaxWords(), len(toks)-i); size >= 1; size-- {
		window := toks[i : i+size]
		if !windowEligible(window) {
			continue
		}
		phrase := joinWords(window)
		if corrected, s, ok := m.Match(phrase); ok {
			return size, corrected, s
		}
	}
	return 0, "", 0
}

func windowEligible(window []token) bool {
	for i, t := range window {
		if t.word == "" {
			return false
		}
		// Interior punctuation means the window spans a clause boundary.
		if i < len(window)-1 && t.trail != "" {
			return false
		}
		if i > 0 && t.lead != "" {
			return false
		}
	}
	first, last := window[0].word, window[len(window)-1].word
	if len(window) == 1 {
		return len([]rune(first)) >= minSingleWord
	}
	return len([]rune(first)) >= 3 && len([]rune(last)) >= 3
}

func joinWords(toks []token) string {
	words := make([]string, len(toks))
	for i, t := range toks {
		words[i] = t.word
	}
	return strings.Join(words, " ")
}
