// Package phonetic implements the [transcript.PhraseMatcher] interface with
// Double Metaphone encoding plus Jaro-Winkler ranking.
//
// Transcription models regularly mangle short imperative commands ("stop
// tokking", "be quite"), so exact matching misses them. Matching runs in two
// passes:
//
//  1. Phonetic pass: Double Metaphone codes are computed per word for the
//     transcript and for every known phrase. Phrases sharing at least one
//     code with the transcript are ranked by Jaro-Winkler similarity on the
//     original strings (case-insensitive), and the best one wins if its
//     score clears the phonetic threshold (default 0.70).
//
//  2. Fuzzy fallback: when the phonetic pass produces nothing, phrases are
//     ranked by Jaro-Winkler alone under a stricter threshold (default
//     0.85).
//
// Multi-word phrases (e.g. "end the conversation") are handled by scoring
// full strings, space-stripped strings, and every token pair, taking the
// best of the three.
package phonetic

import (
	"strings"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.70
	defaultFuzzyThreshold    = 0.85
)

// Option configures a [Matcher].
type Option func(*Matcher)

// WithPhoneticThreshold sets the minimum Jaro-Winkler score a phonetic
// candidate must reach. Default: 0.70.
func WithPhoneticThreshold(threshold float64) Option {
	return func(m *Matcher) { m.phoneticThreshold = threshold }
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler score for the fallback
// pass when no phonetic candidate exists. Default: 0.85.
func WithFuzzyThreshold(threshold float64) Option {
	return func(m *Matcher) { m.fuzzyThreshold = threshold }
}

// Matcher is a phonetic phrase matcher implementing
// [transcript.PhraseMatcher]. Read-only after construction, so safe for
// concurrent use.
type Matcher struct {
	phoneticThreshold float64
	fuzzyThreshold    float64
}

// New returns a [Matcher] with the supplied options applied over the
// default thresholds.
func New(opts ...Option) *Matcher {
	m := &Matcher{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// scored pairs a phrase with its similarity to the transcript and whether
// the phrase shares a phonetic code with it.
type scored struct {
	phrase   string
	score    float64
	phonetic bool
}

// Match finds the phrase most phonetically similar to text. text may be a
// single word or a space-separated utterance.
//
// Return values follow the [transcript.PhraseMatcher] contract: when matched
// is false, phrase equals text unchanged and confidence is 0.
func (m *Matcher) Match(text string, phrases []string) (phrase string, confidence float64, matched bool) {
	if len(phrases) == 0 || strings.TrimSpace(text) == "" {
		return text, 0, false
	}

	textLower := strings.ToLower(strings.TrimSpace(text))
	textTokens := strings.Fields(textLower)
	inputCodes := metaphoneSet(textTokens)

	ranked := make([]scored, 0, len(phrases))
	for _, p := range phrases {
		phraseLower := strings.ToLower(strings.TrimSpace(p))
		if phraseLower == "" {
			continue
		}
		phraseTokens := strings.Fields(phraseLower)
		ranked = append(ranked, scored{
			phrase:   p,
			score:    similarity(textTokens, phraseTokens, textLower, phraseLower),
			phonetic: sharesCode(inputCodes, metaphoneSet(phraseTokens)),
		})
	}

	// Phonetic pass first, fuzzy fallback only when it comes up empty.
	if best, ok := pickBest(ranked, m.phoneticThreshold, true); ok {
		return best.phrase, best.score, true
	}
	if best, ok := pickBest(ranked, m.fuzzyThreshold, false); ok {
		return best.phrase, best.score, true
	}
	return text, 0, false
}

// pickBest returns the highest-scoring candidate at or above threshold,
// restricted to phonetic candidates when phonetic is true.
func pickBest(ranked []scored, threshold float64, phonetic bool) (scored, bool) {
	var best scored
	var found bool
	for _, c := range ranked {
		if c.phonetic != phonetic || c.score < threshold {
			continue
		}
		if !found || c.score > best.score {
			best = c
			found = true
		}
	}
	return best, found
}

// metaphoneSet returns the union of Double Metaphone codes over tokens.
// Words too short or vowel-only produce empty codes, which are skipped.
func metaphoneSet(tokens []string) map[string]struct{} {
	codes := make(map[string]struct{}, len(tokens)*2)
	for _, t := range tokens {
		primary, secondary := matchr.DoubleMetaphone(t)
		if primary != "" {
			codes[primary] = struct{}{}
		}
		if secondary != "" {
			codes[secondary] = struct{}{}
		}
	}
	return codes
}

// sharesCode reports whether the two code sets intersect.
func sharesCode(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}

// similarity is the best Jaro-Winkler score across three views of the pair:
// the full strings, the space-stripped strings, and every token pair. The
// token-pair view catches the common case of one mangled word inside an
// otherwise different utterance.
func similarity(inputTokens, phraseTokens []string, inputFull, phraseFull string) float64 {
	score := matchr.JaroWinkler(inputFull, phraseFull, false)

	if len(inputTokens) > 1 || len(phraseTokens) > 1 {
		joined := matchr.JaroWinkler(strings.Join(inputTokens, ""), strings.Join(phraseTokens, ""), false)
		if joined > score {
			score = joined
		}
	}

	for _, it := range inputTokens {
		for _, pt := range phraseTokens {
			if s := matchr.JaroWinkler(it, pt, false); s > score {
				score = s
			}
		}
	}
	return score
}
