// Package similarity scores how well a window of spoken tokens matches a
// script line.
//
// The base score blends three measures over normalized tokens:
//
//	0.5 * cosine over 2-gram and 3-gram term frequencies
//	0.3 * character-set F1
//	0.2 * token-set Jaccard
//
// Lines with fewer than five tokens lose 0.12, and the result is clamped to
// [0,1]. [Adjust] pushes meta and non-spoken lines below typical acceptance
// thresholds, and [Scorer.EntityBonus] rewards shared numbers and names.
// Every function returns 0 rather than NaN for empty input.
package similarity

import (
	"math"
	"strings"

	"github.com/MrWong99/prompter/internal/textnorm"
)

const (
	weightCosine  = 0.5
	weightCharF1  = 0.3
	weightJaccard = 0.2

	shortLineTokens  = 5
	shortLinePenalty = 0.12
)

// ComputeLineSimilarity normalizes lineText and scores it against spoken.
func ComputeLineSimilarity(spoken []string, lineText string) float64 {
	return Score(spoken, textnorm.NormalizeTokens(lineText))
}

// Score compares already-normalized spoken and line tokens. The result is in
// [0,1].
func Score(spoken, line []string) float64 {
	if len(spoken) == 0 || len(line) == 0 {
		return 0
	}
	s := weightCosine*Cosine(spoken, line) +
		weightCharF1*CharF1(spoken, line) +
		weightJaccard*Jaccard(spoken, line)
	if len(line) < shortLineTokens {
		s -= shortLinePenalty
	}
	return Clamp01(s)
}

// Adjust applies the line-type adjustment: non-spoken lines score
// score-0.6, meta lines 0.5*score-0.2. The result is clamped to [0,1].
func Adjust(score float64, meta, nonSpoken bool) float64 {
	switch {
	case nonSpoken:
		score -= 0.6
	case meta:
		score = 0.5*score - 0.2
	}
	return Clamp01(score)
}

// Clamp01 limits v to [0,1] and maps NaN to 0.
func Clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v) || v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

// Cosine returns the cosine similarity of the 2-gram and 3-gram term
// frequency vectors of a and b.
func Cosine(a, b []string) float64 {
	va, vb := ngramTF(a), ngramTF(b)
	if len(va) == 0 || len(vb) == 0 {
		return 0
	}
	if len(va) > len(vb) {
		va, vb = vb, va
	}
	var dot float64
	for k, x := range va {
		dot += float64(x * vb[k])
	}
	if dot == 0 {
		return 0
	}
	return dot / (norm(va) * norm(vb))
}

func ngramTF(tokens []string) map[string]int {
	tf := make(map[string]int, 2*len(tokens))
	for n := 2; n <= 3; n++ {
		for i := 0; i+n <= len(tokens); i++ {
			tf[strings.Join(tokens[i:i+n], " ")]++
		}
	}
	return tf
}

func norm(v map[string]int) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x * x)
	}
	return math.Sqrt(sum)
}

// CharF1 returns the F1 of the character sets of the concatenated tokens:
// precision is measured against a, recall against b.
func CharF1(a, b []string) float64 {
	ca, cb := charSet(a), charSet(b)
	if len(ca) == 0 || len(cb) == 0 {
		return 0
	}
	inter := 0
	for r := range ca {
		if _, ok := cb[r]; ok {
			inter++
		}
	}
	if inter == 0 {
		return 0
	}
	p := float64(inter) / float64(len(ca))
	r := float64(inter) / float64(len(cb))
	return 2 * p * r / (p + r)
}

func charSet(tokens []string) map[rune]struct{} {
	set := make(map[rune]struct{}, 32)
	for _, t := range tokens {
		for _, r := range t {
			set[r] = struct{}{}
		}
	}
	return set
}

// Jaccard returns |A∩B| / |A∪B| over the token sets of a and b.
func Jaccard(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	sa := make(map[string]struct{}, len(a))
	for _, t := range a {
		sa[t] = struct{}{}
	}
	sb := make(map[string]struct{}, len(b))
	inter := 0
	for _, t := range b {
		if _, dup := sb[t]; dup {
			continue
		}
		sb[t] = struct{}{}
		if _, ok := sa[t]; ok {
			inter++
		}
	}
	union := len(sa) + len(sb) - inter
	return float64(inter) / float64(union)
}
