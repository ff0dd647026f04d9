package voice

import (
	"strings"
	"unicode"
)

// DefaultPlaceholders are transcripts speech recognisers commonly produce
// for silence or background noise.
var DefaultPlaceholders = []string{
	"you", "thank you", "thanks", "okay", "ok",
	"uh", "um", "hmm", "blank_audio", "silence",
}

// placeholders is a normalised lookup set.
type placeholders map[string]struct{}

func newPlaceholders(list []string) placeholders {
	p := make(placeholders, len(list))
	for _, s := range list {
		if n := normalize(s); n != "" {
			p[n] = struct{}{}
		}
	}
	return p
}

func (p placeholders) match(text string) bool {
	_, ok := p[normalize(text)]
	return ok
}

// normalize lower-cases s, strips punctuation and brackets around and
// between words ("[BLANK_AUDIO]" → "blank_audio", "Thank you." → "thank
// you") and collapses whitespace.
func normalize(s string) string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return unicode.IsSpace(r) || (unicode.IsPunct(r) && r != '_' && r != '\'')
	})
	return strings.Join(fields, " ")
}
