package matcher_test

import (
	"math"
	"strings"
	"testing"

	"github.com/MrWong99/prompter/internal/matcher"
	"github.com/MrWong99/prompter/internal/script"
	"github.com/MrWong99/prompter/internal/similarity"
	"github.com/MrWong99/prompter/internal/textnorm"
)

const (
	filler  = "lorem ipsum dolor sit amet"
	inBand  = "a brown fox sat quietly"
	farLine = "the quick brown fox jumps over the lazy dog"
)

// bandScript lays out five-word filler lines with the in-band line at word
// 105 and the far line at word farStart.
func bandScript(t *testing.T, farStart int) *script.Index {
	t.Helper()
	var lines []string
	words := 0
	for words < 105 {
		lines = append(lines, filler)
		words += 5
	}
	lines = append(lines, inBand)
	words += 5
	for words < farStart {
		lines = append(lines, filler)
		words += 5
	}
	lines = append(lines, farLine)
	for i := 0; i < 10; i++ {
		lines = append(lines, filler)
	}
	idx := script.Parse(strings.Join(lines, "\n"))
	if l, ok := idx.LineAt(farStart); !ok || l.Text != farLine || l.Start != farStart {
		t.Fatalf("far line not at %d: %+v", farStart, l)
	}
	return idx
}

func TestMatch_BandConstraint(t *testing.T) {
	t.Parallel()

	idx := bandScript(t, 500)
	spoken := textnorm.NormalizeTokens("quick brown fox jumps high")
	cfg := matcher.Config{WindowAhead: 450}

	res := matcher.MatchBatch(spoken, idx, 100, cfg)

	if res.Top[0].Index != 500 {
		t.Fatalf("raw best = %+v, want far line at 500", res.Top[0])
	}
	if res.Top[0].Score >= 0.82 {
		t.Fatalf("far line scored %v, test needs it below the override", res.Top[0].Score)
	}
	if res.BestIdx != 105 || !res.Banded {
		t.Errorf("BestIdx = %d, Banded = %v, want 105, true", res.BestIdx, res.Banded)
	}
	if res.BestIdx < 60 || res.BestIdx > 140 {
		t.Errorf("BestIdx %d outside band [60,140]", res.BestIdx)
	}
}

func TestMatch_BandOverride(t *testing.T) {
	t.Parallel()

	idx := bandScript(t, 500)
	spoken := textnorm.NormalizeTokens(farLine)

	res := matcher.MatchBatch(spoken, idx, 100, matcher.Config{WindowAhead: 450})
	if res.BestIdx != 500 || res.Banded {
		t.Errorf("BestIdx = %d, Banded = %v, want 500, false", res.BestIdx, res.Banded)
	}
	if res.BestSim < 0.82 {
		t.Errorf("BestSim = %v, want >= 0.82", res.BestSim)
	}
}

func TestMatch_FarLineOutsideWindow(t *testing.T) {
	t.Parallel()

	idx := bandScript(t, 500)
	spoken := textnorm.NormalizeTokens(farLine)

	res := matcher.MatchBatch(spoken, idx, 100, matcher.Config{})
	for _, c := range res.Top {
		if c.Index > 100+240 {
			t.Errorf("candidate %d beyond the default window", c.Index)
		}
	}
}

func TestMatch_WidenedBand(t *testing.T) {
	t.Parallel()

	idx := bandScript(t, 200)
	spoken := textnorm.NormalizeTokens("quick brown fox jumps high")
	m := matcher.New(matcher.Config{}, nil)

	narrow := m.Match(idx, matcher.Query{Tokens: spoken, Current: 100})
	if narrow.BestIdx != 105 {
		t.Errorf("narrow BestIdx = %d, want 105", narrow.BestIdx)
	}
	wide := m.Match(idx, matcher.Query{Tokens: spoken, Current: 100, Widen: true})
	if wide.BestIdx != 200 || !wide.Widened {
		t.Errorf("wide BestIdx = %d, Widened = %v, want 200, true", wide.BestIdx, wide.Widened)
	}
}

func TestMatch_TieBreak(t *testing.T) {
	t.Parallel()

	target := "one bright morning we sailed"
	var lines []string
	for i := 0; i < 40; i++ {
		switch i {
		case 16, 26: // words 80 and 130
			lines = append(lines, target)
		default:
			lines = append(lines, filler)
		}
	}
	idx := script.Parse(strings.Join(lines, "\n"))
	spoken := textnorm.NormalizeTokens(target)

	tests := []struct {
		current, want int
	}{
		{100, 80},  // 80 is closer
		{110, 130}, // 130 is closer
		{105, 80},  // equidistant, lower index wins
	}
	for _, tc := range tests {
		res := matcher.MatchBatch(spoken, idx, tc.current, matcher.Config{})
		if res.BestIdx != tc.want {
			t.Errorf("current %d: BestIdx = %d, want %d (top %+v)", tc.current, res.BestIdx, tc.want, res.Top)
		}
	}
}

func TestMatch_CandidateClampedToWindowStart(t *testing.T) {
	t.Parallel()

	idx := script.Parse("alpha beta gamma delta epsilon zeta eta theta iota kappa")
	spoken := textnorm.NormalizeTokens("delta epsilon zeta eta")

	res := matcher.MatchBatch(spoken, idx, 5, matcher.Config{WindowBack: 2})
	if res.BestIdx != 3 {
		t.Errorf("BestIdx = %d, want 3 (window start)", res.BestIdx)
	}
}

func TestMatch_TopThreeDistinctLines(t *testing.T) {
	t.Parallel()

	idx := bandScript(t, 200)
	res := matcher.MatchBatch(textnorm.NormalizeTokens("quick brown fox"), idx, 100, matcher.Config{})
	if len(res.Top) != 3 {
		t.Fatalf("len(Top) = %d, want 3", len(res.Top))
	}
	seen := map[int]bool{}
	for i, c := range res.Top {
		if seen[c.Line] {
			t.Errorf("line %d repeated in Top", c.Line)
		}
		seen[c.Line] = true
		if i > 0 && c.Score > res.Top[i-1].Score {
			t.Errorf("Top not sorted: %+v", res.Top)
		}
	}
}

func TestMatch_EdgeCases(t *testing.T) {
	t.Parallel()

	idx := bandScript(t, 200)
	n := idx.Len()
	tests := []struct {
		name    string
		spoken  []string
		idx     *script.Index
		current int
		want    int
	}{
		{"empty script", []string{"hello"}, script.Parse(""), 5, 0},
		{"nil script", []string{"hello"}, nil, 5, 0},
		{"empty spoken", nil, idx, 42, 42},
		{"current past end", nil, idx, n + 50, n - 1},
		{"negative current", nil, idx, -3, 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			res := matcher.MatchBatch(tc.spoken, tc.idx, tc.current, matcher.Config{})
			if res.BestIdx != tc.want || res.BestSim != 0 {
				t.Errorf("got (%d, %v), want (%d, 0)", res.BestIdx, res.BestSim, tc.want)
			}
			if res.Matched(0.35) {
				t.Error("Matched = true for an empty result")
			}
		})
	}
}

func TestMatch_EntityBonus(t *testing.T) {
	t.Parallel()

	idx := script.Parse("Then we greeted Okonkwo at dawn.\nThen we greeted Nwoye at dawn.")
	text := "then we greeted Okonko at dawn"
	q := matcher.Query{Tokens: textnorm.NormalizeTokens(text), Text: text}

	plain := matcher.New(matcher.Config{}, nil).Match(idx, q)
	bonus := matcher.New(matcher.Config{}, similarity.New()).Match(idx, q)

	if bonus.Top[0].Line != 0 {
		t.Fatalf("best line = %d, want 0", bonus.Top[0].Line)
	}
	var base float64
	for _, c := range plain.Top {
		if c.Line == 0 {
			base = c.Score
		}
	}
	if math.Abs(bonus.Top[0].Score-base-0.15) > 1e-9 {
		t.Errorf("bonus score %v, plain %v, want +0.15", bonus.Top[0].Score, base)
	}
}

func TestMatch_Stemmed(t *testing.T) {
	t.Parallel()

	idx := script.Parse("she walked slowly toward the waiting boats")
	spoken := textnorm.NormalizeTokens("she walks slow toward the wait boat")

	plain := matcher.MatchBatch(spoken, idx, 0, matcher.Config{})
	stemmed := matcher.MatchBatch(spoken, idx, 0, matcher.Config{Stem: true})
	if stemmed.BestSim <= plain.BestSim {
		t.Errorf("stemmed %v <= plain %v", stemmed.BestSim, plain.BestSim)
	}
}

func TestDefaultConfig(t *testing.T) {
	t.Parallel()

	c := matcher.DefaultConfig()
	if c.WindowBack != 40 || c.WindowAhead != 240 || c.BandRadius != 40 ||
		c.WideBandRadius != 120 || c.BandOverrideScore != 0.82 || c.MinScore != 0.35 {
		t.Errorf("DefaultConfig = %+v", c)
	}
}
