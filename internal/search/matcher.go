// Package search provides a simple, deterministic, concurrency-safe fuzzy
// matcher used to rank catalog products against free-form customer queries.
// It is intentionally small and dependency-free, but engineered with
// production-grade ergonomics:
//
//   - No logging in the library (callers decide how/what to log)
//   - Clear, documented types and functional options (Option pattern)
//   - Unicode-aware normalization
//   - Stateless scoring, safe for concurrent use
//   - Deterministic scoring and sorting (stable order for ties)
//   - Keyword/substring fallback when trigram overlap is too sparse
//
// Scoring uses trigram-set similarity between the normalized query and each
// candidate's normalized text: score = |Q ∩ C| / |Q ∪ C|, with words padded
// so that word boundaries contribute trigrams of their own.
package search

import (
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"
)

// Candidate is one document to rank: an opaque key (e.g. a product id) and
// the text it is matched on (e.g. name plus category).
type Candidate struct {
	Key  string
	Text string
}

// Result is a ranked candidate with its similarity score.
type Result struct {
	Key   string
	Score float64
}

// ----------------------------------------------------------------------------
// Options

type Option func(*config)

type config struct {
	minSimilarity float64
	fallbackScore float64
}

func defaultConfig() config {
	return config{
		minSimilarity: 0.18,
		fallbackScore: 0.15,
	}
}

// WithMinSimilarity sets the trigram score below which a candidate is not
// considered a match. Values outside (0,1] are ignored.
func WithMinSimilarity(v float64) Option {
	return func(c *config) {
		if v > 0 && v <= 1 {
			c.minSimilarity = v
		}
	}
}

// WithFallbackScore sets the fixed score assigned to keyword/substring
// fallback matches. Values outside (0,1] are ignored.
func WithFallbackScore(v float64) Option {
	return func(c *config) {
		if v > 0 && v <= 1 {
			c.fallbackScore = v
		}
	}
}

// ----------------------------------------------------------------------------
// Matcher

// Matcher ranks candidates by trigram similarity. The zero value is not
// usable; construct with NewMatcher.
type Matcher struct {
	cfg config
}

// NewMatcher constructs a Matcher with sane defaults.
func NewMatcher(opts ...Option) *Matcher {
	cfg := defaultConfig()
	for _, o := range opts {
		o(&cfg)
	}
	return &Matcher{cfg: cfg}
}

// Rank scores every candidate against query and returns up to k results,
// best first. When no candidate clears the trigram threshold, a
// keyword/substring pass runs instead: candidates containing every query
// token (or the whole query) score the configured fallback value, weighted
// by the fraction of matched tokens.
func (m *Matcher) Rank(query string, candidates []Candidate, k int) []Result {
	query = normalize(query)
	if query == "" || len(candidates) == 0 {
		return nil
	}
	if k <= 0 {
		k = 5
	}

	qGrams := trigrams(query)

	type scored struct {
		key      string
		score    float64
		lenRunes int
	}
	buf := make([]scored, 0, len(candidates))
	for _, c := range candidates {
		text := normalize(c.Text)
		if text == "" {
			continue
		}
		s := similarity(qGrams, trigrams(text))
		if s < m.cfg.minSimilarity {
			continue
		}
		buf = append(buf, scored{key: c.Key, score: s, lenRunes: utf8.RuneCountInString(text)})
	}

	if len(buf) == 0 {
		// Keyword/substring fallback.
		qTokens := strings.Fields(query)
		for _, c := range candidates {
			text := normalize(c.Text)
			if text == "" {
				continue
			}
			matched := 0
			for _, tok := range qTokens {
				if strings.Contains(text, tok) {
					matched++
				}
			}
			if matched == 0 {
				continue
			}
			s := m.cfg.fallbackScore * float64(matched) / float64(len(qTokens))
			buf = append(buf, scored{key: c.Key, score: s, lenRunes: utf8.RuneCountInString(text)})
		}
	}
	if len(buf) == 0 {
		return nil
	}

	sort.SliceStable(buf, func(a, b int) bool {
		if buf[a].score != buf[b].score {
			return buf[a].score > buf[b].score
		}
		if buf[a].lenRunes != buf[b].lenRunes {
			return buf[a].lenRunes < buf[b].lenRunes
		}
		return buf[a].key < buf[b].key
	})

	if k > len(buf) {
		k = len(buf)
	}
	out := make([]Result, k)
	for i := 0; i < k; i++ {
		out[i] = Result{Key: buf[i].key, Score: buf[i].score}
	}
	return out
}

// Similarity exposes the raw trigram score between two strings, mainly for
// tests and threshold tuning.
func Similarity(a, b string) float64 {
	return similarity(trigrams(normalize(a)), trigrams(normalize(b)))
}

// ----------------------------------------------------------------------------
// Helpers

var nonWordRE = regexp.MustCompile(`[^\p{L}\p{N}]+`)

// normalize lowercases s and collapses every non-letter/digit run into a
// single space.
func normalize(s string) string {
	s = strings.ToLower(s)
	s = nonWordRE.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// trigrams returns the set of 3-grams of every word in s, with each word
// padded ("  w" prefix, "w " suffix) so short words and word starts still
// produce trigrams.
func trigrams(s string) map[string]struct{} {
	if s == "" {
		return nil
	}
	out := make(map[string]struct{})
	for _, w := range strings.Fields(s) {
		padded := "  " + w + " "
		runes := []rune(padded)
		for i := 0; i+3 <= len(runes); i++ {
			out[string(runes[i:i+3])] = struct{}{}
		}
	}
	return out
}

// similarity computes |a ∩ b| / |a ∪ b| over trigram sets.
func similarity(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	small, big := a, b
	if len(big) < len(small) {
		small, big = big, small
	}
	inter := 0
	for g := range small {
		if _, ok := big[g]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}
