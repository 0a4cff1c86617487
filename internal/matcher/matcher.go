// Package matcher finds where in the script a window of spoken tokens most
// likely belongs, searching a bounded window around the current index.
//
// Every line overlapping the window [current-WindowBack, current+WindowAhead]
// is scored once; its candidate index is the first word of the line that lies
// inside the window. The best candidate wins unless it lies outside the band
// around the current index and scores below BandOverrideScore, in which case
// the best in-band candidate among the top three is preferred.
package matcher

import (
	"sort"

	"github.com/MrWong99/prompter/internal/script"
	"github.com/MrWong99/prompter/internal/similarity"
	"github.com/MrWong99/prompter/internal/textnorm"
)

// Config holds the window and band parameters. Zero fields take the defaults
// noted.
type Config struct {
	// WindowBack is how many words behind the current index are searched.
	// Default: 40.
	WindowBack int

	// WindowAhead is how many words ahead of the current index are searched.
	// Default: 240.
	WindowAhead int

	// BandRadius is the half-width of the preferred band. Default: 40.
	BandRadius int

	// WideBandRadius replaces BandRadius while the caller reports scroll
	// lag. The window is raised to at least this radius too. Default: 120.
	WideBandRadius int

	// BandOverrideScore lets an out-of-band candidate win outright.
	// Default: 0.82.
	BandOverrideScore float64

	// MinScore is the lowest best score considered a match. Default: 0.35.
	MinScore float64

	// Stem compares stemmed tokens instead of plain tokens.
	Stem bool
}

// DefaultConfig returns the default window parameters.
func DefaultConfig() Config {
	var c Config
	c.applyDefaults()
	return c
}

func (c *Config) applyDefaults() {
	if c.WindowBack <= 0 {
		c.WindowBack = 40
	}
	if c.WindowAhead <= 0 {
		c.WindowAhead = 240
	}
	if c.BandRadius <= 0 {
		c.BandRadius = 40
	}
	if c.WideBandRadius <= 0 {
		c.WideBandRadius = 120
	}
	if c.BandOverrideScore <= 0 {
		c.BandOverrideScore = 0.82
	}
	if c.MinScore <= 0 {
		c.MinScore = 0.35
	}
}

// Candidate is one scored line.
type Candidate struct {
	Index int
	Line  int
	Score float64
}

// Result is the outcome of one match.
type Result struct {
	BestIdx int
	BestSim float64

	// Top holds up to three candidates from distinct lines, best first.
	Top []Candidate

	// Banded reports that the band constraint replaced the raw best.
	Banded bool

	// Widened reports that the wide band was in effect.
	Widened bool
}

// Matched reports whether the best score reaches the minimum.
func (r Result) Matched(minScore float64) bool {
	return len(r.Top) > 0 && r.BestSim >= minScore
}

// Query is one spoken window.
type Query struct {
	// Tokens is the normalized spoken window.
	Tokens []string

	// Text is the raw spoken text, used for the entity bonus. May be empty.
	Text string

	// Current is the index the search is centred on.
	Current int

	// Widen selects the wide band, for when the display lags the speaker.
	Widen bool
}

// Matcher scores spoken windows against a script. It is read-only after
// construction and safe for concurrent use.
type Matcher struct {
	cfg    Config
	scorer *similarity.Scorer
}

// New returns a Matcher. A nil scorer disables the entity bonus.
func New(cfg Config, scorer *similarity.Scorer) *Matcher {
	cfg.applyDefaults()
	return &Matcher{cfg: cfg, scorer: scorer}
}

// Config returns the effective configuration.
func (m *Matcher) Config() Config { return m.cfg }

// MatchBatch runs one match without the entity bonus.
func MatchBatch(spoken []string, idx *script.Index, current int, cfg Config) Result {
	return New(cfg, nil).Match(idx, Query{Tokens: spoken, Current: current})
}

// Match finds the best candidate for q in idx. It never fails: an empty
// script or an empty spoken window yields the clamped current index with
// score 0.
func (m *Matcher) Match(idx *script.Index, q Query) Result {
	n := idx.Len()
	cur := idx.Clamp(q.Current)
	res := Result{BestIdx: cur, Widened: q.Widen}
	if n == 0 || len(q.Tokens) == 0 {
		return res
	}

	back, ahead, radius := m.cfg.WindowBack, m.cfg.WindowAhead, m.cfg.BandRadius
	if q.Widen {
		radius = m.cfg.WideBandRadius
		back = max(back, radius)
		ahead = max(ahead, radius)
	}
	start := max(0, cur-back)
	end := min(n-1, cur+ahead)

	spoken := q.Tokens
	if m.cfg.Stem {
		spoken = textnorm.StemAll(spoken)
	}

	cands := make([]Candidate, 0, 32)
	first := sort.Search(len(idx.Lines), func(i int) bool { return idx.Lines[i].End > start })
	for k := first; k < len(idx.Lines) && idx.Lines[k].Start <= end; k++ {
		line := &idx.Lines[k]
		toks := line.Tokens
		if m.cfg.Stem {
			toks = line.Stems
		}
		s := similarity.Score(spoken, toks)
		s = similarity.Adjust(s, line.Meta, line.NonSpoken)
		if m.scorer != nil && q.Text != "" {
			s = similarity.Clamp01(s + m.scorer.EntityBonus(q.Text, line.Text))
		}
		cands = append(cands, Candidate{Index: max(line.Start, start), Line: k, Score: s})
	}
	if len(cands) == 0 {
		return res
	}

	sort.Slice(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		da, db := abs(a.Index-cur), abs(b.Index-cur)
		if da != db {
			return da < db
		}
		return a.Index < b.Index
	})
	res.Top = cands[:min(3, len(cands))]

	best := res.Top[0]
	lo, hi := max(0, cur-radius), min(n-1, cur+radius)
	if (best.Index < lo || best.Index > hi) && best.Score < m.cfg.BandOverrideScore {
		for _, c := range res.Top[1:] {
			if c.Index >= lo && c.Index <= hi {
				best = c
				res.Banded = true
				break
			}
		}
	}
	res.BestIdx = best.Index
	res.BestSim = best.Score
	return res
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
