// Package phonetic decides whether a name heard by the recognizer is the same
// name as one written in the script, even when the recognizer spelled it
// differently ("Okonko" for "Okonkwo", "Ifeoma" for "Ifeomah").
//
// Two names are equivalent when their Double Metaphone codes overlap and their
// Jaro-Winkler similarity reaches the phonetic threshold, or, without a code
// overlap, when Jaro-Winkler alone reaches the stricter fuzzy threshold.
// Comparison is case-insensitive.
package phonetic

import (
	"strings"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.88
	defaultFuzzyThreshold    = 0.95
)

// Option is a functional option for configuring a [Matcher].
type Option func(*Matcher)

// WithPhoneticThreshold sets the minimum Jaro-Winkler score for names whose
// phonetic codes overlap. Default: 0.88.
func WithPhoneticThreshold(threshold float64) Option {
	return func(m *Matcher) {
		m.phoneticThreshold = threshold
	}
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler score for names without a
// phonetic code overlap. Default: 0.95.
func WithFuzzyThreshold(threshold float64) Option {
	return func(m *Matcher) {
		m.fuzzyThreshold = threshold
	}
}

// Matcher compares spoken names against script names. It is read-only after
// construction and safe for concurrent use.
type Matcher struct {
	phoneticThreshold float64
	fuzzyThreshold    float64
}

// New returns a [Matcher] configured with the supplied options.
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

// Match returns the entry of names that best matches word. Phonetic matches
// always win over fuzzy-only matches; among equals the higher Jaro-Winkler
// score wins. When matched is false, name is word unchanged and score is 0.
func (m *Matcher) Match(word string, names []string) (name string, score float64, matched bool) {
	w := strings.ToLower(strings.TrimSpace(word))
	if w == "" || len(names) == 0 {
		return word, 0, false
	}
	wCodes := codes(w)

	var (
		best         string
		bestScore    float64
		bestPhonetic bool
	)
	for _, n := range names {
		nl := strings.ToLower(strings.TrimSpace(n))
		if nl == "" {
			continue
		}
		if nl == w {
			return n, 1, true
		}
		jw := matchr.JaroWinkler(w, nl, false)
		if overlaps(wCodes, codes(nl)) {
			if jw >= m.phoneticThreshold && (!bestPhonetic || jw > bestScore) {
				best, bestScore, bestPhonetic = n, jw, true
			}
		} else if !bestPhonetic && jw >= m.fuzzyThreshold && jw > bestScore {
			best, bestScore = n, jw
		}
	}
	if best == "" {
		return word, 0, false
	}
	return best, bestScore, true
}

// Equivalent reports whether a and b name the same thing.
func (m *Matcher) Equivalent(a, b string) bool {
	_, _, ok := m.Match(a, []string{b})
	return ok
}

// codes returns the non-empty Double Metaphone codes of word.
func codes(word string) []string {
	p, s := matchr.DoubleMetaphone(word)
	out := make([]string, 0, 2)
	if p != "" {
		out = append(out, p)
	}
	if s != "" && s != p {
		out = append(out, s)
	}
	return out
}

func overlaps(a, b []string) bool {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}
