// Package suggest proposes the closest catalogue name for a product query
// that matched nothing, so a spoken "air pot" can be answered with
// "did you mean Tai nghe AirPods Pro 2?".
//
// Scoring uses Jaro-Winkler similarity from matchr. Names whose tokens share a
// Double Metaphone code with the query are accepted at a lower threshold than
// names that only look alike as strings.
package suggest

import (
	"strings"

	"github.com/antzucaro/matchr"
)

const (
	defaultSoundsLike = 0.70
	defaultLooksLike  = 0.85
)

// Option configures a [Suggester].
type Option func(*Suggester)

// WithThresholds overrides the minimum scores for phonetic and plain matches.
func WithThresholds(soundsLike, looksLike float64) Option {
	return func(s *Suggester) {
		s.soundsLike = soundsLike
		s.looksLike = looksLike
	}
}

// Suggester ranks catalogue names against a query. It is read-only after
// construction and safe for concurrent use.
type Suggester struct {
	soundsLike float64
	looksLike  float64
}

// New returns a Suggester with default thresholds (0.70 phonetic, 0.85 plain).
func New(opts ...Option) *Suggester {
	s := &Suggester{soundsLike: defaultSoundsLike, looksLike: defaultLooksLike}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Suggest returns the best name for query. ok is false when no name clears
// its threshold.
func (s *Suggester) Suggest(query string, names []string) (name string, score float64, ok bool) {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return "", 0, false
	}
	qTokens := strings.Fields(q)
	qCodes := metaphones(qTokens)

	bestPhonetic := false
	for _, candidate := range names {
		c := strings.ToLower(strings.TrimSpace(candidate))
		if c == "" {
			continue
		}
		cTokens := strings.Fields(c)
		sc := similarity(q, c, qTokens, cTokens)
		phonetic := shareCode(qCodes, metaphones(cTokens))

		switch {
		case phonetic && sc >= s.soundsLike:
			if !bestPhonetic || sc > score {
				name, score, bestPhonetic = candidate, sc, true
			}
		case !phonetic && !bestPhonetic && sc >= s.looksLike && sc > score:
			name, score = candidate, sc
		}
	}
	return name, score, name != ""
}

func metaphones(tokens []string) map[string]bool {
	out := make(map[string]bool, 2*len(tokens))
	for _, t := range tokens {
		primary, secondary := matchr.DoubleMetaphone(t)
		if primary != "" {
			out[primary] = true
		}
		if secondary != "" {
			out[secondary] = true
		}
	}
	return out
}

func shareCode(a, b map[string]bool) bool {
	for code := range a {
		if b[code] {
			return true
		}
	}
	return false
}

// similarity is the best Jaro-Winkler score over the whole strings, the
// strings with spaces removed, and every token pair.
func similarity(q, c string, qTokens, cTokens []string) float64 {
	best := matchr.JaroWinkler(q, c, false)
	if sc := matchr.JaroWinkler(strings.Join(qTokens, ""), strings.Join(cTokens, ""), false); sc > best {
		best = sc
	}
	for _, a := range qTokens {
		for _, b := range cTokens {
			if sc := matchr.JaroWinkler(a, b, false); sc > best {
				best = sc
			}
		}
	}
	return best
}
