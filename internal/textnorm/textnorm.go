// Package textnorm converts raw script markup and raw recognizer text into
// comparable token streams.
//
// [NormalizeTokens] is the canonical tokenizer used on both sides of every
// comparison in the alignment engine: it folds case, expands contractions,
// spells out small numbers, strips punctuation and filler words, and splits
// on whitespace. Re-tokenizing its own joined output is a no-op.
//
// [SanitizeForMatch] is a lower-fidelity sibling that only removes bracketed
// cues and normalises quotes and dashes, for callers that need cue-free text
// but want to keep punctuation. [Stem] strips common English suffixes for
// loose matching.
//
// Every function accepts any string, including invalid UTF-8, and never
// panics.
package textnorm

import (
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"
)

// contraction rules are applied in order, so the irregular forms must come
// before the generic suffix rules.
var contractions = []struct {
	re   *regexp.Regexp
	repl string
}{
	{regexp.MustCompile(`\bwon't\b`), "will not"},
	{regexp.MustCompile(`\bcan't\b`), "can not"},
	{regexp.MustCompile(`\bshan't\b`), "shall not"},
	{regexp.MustCompile(`\bain't\b`), "is not"},
	{regexp.MustCompile(`\blet's\b`), "let us"},
	{regexp.MustCompile(`\b(it|that|what|there|here|he|she|where|who|how)'s\b`), "$1 is"},
	{regexp.MustCompile(`n't\b`), " not"},
	{regexp.MustCompile(`'re\b`), " are"},
	{regexp.MustCompile(`'ve\b`), " have"},
	{regexp.MustCompile(`'ll\b`), " will"},
	{regexp.MustCompile(`'d\b`), " would"},
	{regexp.MustCompile(`\bi'm\b`), "i am"},
}

var (
	// nonWord matches everything that is not a letter, mark, digit,
	// underscore, apostrophe, hyphen, or whitespace.
	nonWord = regexp.MustCompile(`[^\p{L}\p{M}\p{N}_'\-\s]+`)

	// dashRun splits em-dash style double hyphens that survive punctuation
	// stripping ("well--known").
	dashRun = regexp.MustCompile(`-{2,}`)

	apostrophes = strings.NewReplacer("’", "'", "‘", "'", "ʼ", "'", "`", "'")
)

var fillers = map[string]struct{}{
	"um": {}, "umm": {}, "uh": {}, "uhh": {}, "uhm": {},
	"er": {}, "erm": {}, "hmm": {}, "mm": {}, "mhm": {}, "ah": {},
}

// IsFiller reports whether tok is a hesitation word the tokenizer drops.
func IsFiller(tok string) bool {
	_, ok := fillers[tok]
	return ok
}

// NormalizeTokens lowercases text, expands contractions, spells out
// standalone numbers 0–99, strips punctuation (keeping intra-word hyphens and
// apostrophes) and filler words, and returns the resulting tokens. The result
// is never nil.
func NormalizeTokens(text string) []string {
	out := make([]string, 0, 16)
	if text == "" {
		return out
	}

	s := strings.ToValidUTF8(text, " ")
	s = norm.NFKC.String(s)
	s = apostrophes.Replace(s)
	s = cases.Lower(language.Und).String(s)
	for _, c := range contractions {
		s = c.re.ReplaceAllString(s, c.repl)
	}
	s = nonWord.ReplaceAllString(s, " ")
	s = dashRun.ReplaceAllString(s, " ")

	for _, tok := range strings.Fields(s) {
		tok = strings.Trim(tok, "'-")
		if tok == "" || IsFiller(tok) {
			continue
		}
		if words, ok := smallNumberWords(tok); ok {
			out = append(out, words...)
			continue
		}
		out = append(out, tok)
	}
	return out
}

// Join normalizes text and joins the tokens with single spaces.
func Join(text string) string {
	return strings.Join(NormalizeTokens(text), " ")
}

var (
	ones = []string{
		"zero", "one", "two", "three", "four", "five", "six", "seven", "eight", "nine",
		"ten", "eleven", "twelve", "thirteen", "fourteen", "fifteen", "sixteen",
		"seventeen", "eighteen", "nineteen",
	}
	tens = []string{"", "", "twenty", "thirty", "forty", "fifty", "sixty", "seventy", "eighty", "ninety"}
)

// NumberWords spells out n for 0 <= n <= 99. It returns nil outside that range.
func NumberWords(n int) []string {
	switch {
	case n < 0 || n > 99:
		return nil
	case n < 20:
		return []string{ones[n]}
	case n%10 == 0:
		return []string{tens[n/10]}
	default:
		return []string{tens[n/10], ones[n%10]}
	}
}

func smallNumberWords(tok string) ([]string, bool) {
	if len(tok) > 2 {
		return nil, false
	}
	n, err := strconv.Atoi(tok)
	if err != nil {
		return nil, false
	}
	w := NumberWords(n)
	return w, w != nil
}

var (
	noteBlock = regexp.MustCompile(`(?is)\[note\].*?\[/note\]`)
	anyTag    = regexp.MustCompile(`\[[^\[\]]*\]`)
	spaceRun  = regexp.MustCompile(`\s+`)

	quotesAndDashes = strings.NewReplacer(
		"“", `"`, "”", `"`, "„", `"`, "«", `"`, "»", `"`,
		"‘", "'", "’", "'",
		"—", "-", "–", "-", "‒", "-", "−", "-",
		"…", "...",
	)
)

// SanitizeForMatch strips [note]...[/note] blocks and every other bracketed
// cue ([pause], [s1], [/b], ...), normalises curly quotes and dashes, lowers
// case, and collapses whitespace. Punctuation is otherwise kept.
func SanitizeForMatch(text string) string {
	if text == "" {
		return ""
	}
	s := strings.ToValidUTF8(text, " ")
	s = noteBlock.ReplaceAllString(s, " ")
	s = anyTag.ReplaceAllString(s, " ")
	s = quotesAndDashes.Replace(s)
	s = cases.Lower(language.Und).String(s)
	s = spaceRun.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

var suffixes = []string{"ing", "est", "ed", "er", "ly"}

// Stem strips one common suffix (ing, est, ed, er, ly, or a plural s) from
// tok, keeping at least three characters of stem.
func Stem(tok string) string {
	for _, suf := range suffixes {
		if strings.HasSuffix(tok, suf) && len(tok)-len(suf) >= 3 {
			return tok[:len(tok)-len(suf)]
		}
	}
	if strings.HasSuffix(tok, "s") && !strings.HasSuffix(tok, "ss") && len(tok) > 3 {
		return tok[:len(tok)-1]
	}
	return tok
}

// StemAll returns a new slice with [Stem] applied to every token.
func StemAll(tokens []string) []string {
	out := make([]string, len(tokens))
	for i, t := range tokens {
		out[i] = Stem(t)
	}
	return out
}
