// Package script reduces a marked-up teleprompter script to the word-level
// search space the matcher runs over.
//
// The markup understood here is the bracketed cue syntax used by script
// authors: speaker tags ([s1], [s2], [g1], [g2]), [note]...[/note] blocks
// that may span several lines, pacing cues ([pause], [beat],
// [reflective pause]) and inline style tags ([b], [/i], ...). Cues are
// stripped; note text becomes non-spoken lines; parenthesised stage
// directions and "#" headings become meta lines.
//
// An [Index] is immutable once built. Loading a new script builds a new
// Index; callers swap the pointer instead of mutating.
package script

import (
	"bufio"
	"fmt"
	"io"
	"regexp"
	"strings"
	"unicode"

	"github.com/MrWong99/prompter/internal/similarity"
	"github.com/MrWong99/prompter/internal/textnorm"
)

// Line is one script line (paragraph) with its word range in the index.
type Line struct {
	// Key is the ordinal of the line within the index.
	Key int

	// Start and End delimit the line's words: Words[Start:End].
	Start, End int

	// Text is the cue-stripped display text with original casing.
	Text string

	// Speaker is the most recent speaker tag ("s1", "g2", ...), if any.
	Speaker string

	// Meta marks stage directions and headings.
	Meta bool

	// NonSpoken marks text taken from [note] blocks.
	NonSpoken bool

	// Tokens is textnorm.NormalizeTokens(Text).
	Tokens []string

	// Stems is textnorm.StemAll(Tokens).
	Stems []string
}

// Index is the Script Index: a flat word sequence plus, for each word, the
// line it belongs to.
type Index struct {
	// Words holds every token of every line in order.
	Words []string

	// Para maps each word position to its entry in Lines, or -1 for a gap.
	// len(Para) == len(Words) always holds.
	Para []int

	// Lines holds each line in order.
	Lines []Line

	// Names lists capitalised name-like tokens found in spoken lines, in
	// order of first appearance. Used for recognizer keyword boosts.
	Names []string
}

// maxNames caps the keyword list handed to recognizers.
const maxNames = 50

var (
	tagRe     = regexp.MustCompile(`\[\s*(/?)\s*([^\[\]]*?)\s*\]`)
	spaceRe   = regexp.MustCompile(`\s+`)
	speakerRe = regexp.MustCompile(`^[sg]\d+$`)
)

// Parse builds an Index from script text. It never fails: malformed markup
// is treated as plain text, and an empty or cue-only script yields an empty
// Index.
func Parse(text string) *Index {
	idx := &Index{
		Words: make([]string, 0, 256),
		Para:  make([]int, 0, 256),
	}
	text = strings.ToValidUTF8(text, " ")

	p := parser{idx: idx, seenNames: map[string]struct{}{}}
	for _, raw := range strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n") {
		p.line(raw)
	}
	return idx
}

// Load reads a whole script from r and parses it.
func Load(r io.Reader) (*Index, error) {
	var b strings.Builder
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		b.WriteString(sc.Text())
		b.WriteByte('\n')
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("script: read: %w", err)
	}
	return Parse(b.String()), nil
}

type parser struct {
	idx       *Index
	inNote    bool
	speaker   string
	seenNames map[string]struct{}
}

func (p *parser) line(raw string) {
	var spoken, note strings.Builder
	out := func(s string) {
		if p.inNote {
			note.WriteString(s)
		} else {
			spoken.WriteString(s)
		}
	}

	last := 0
	for _, m := range tagRe.FindAllStringSubmatchIndex(raw, -1) {
		out(raw[last:m[0]])
		out(" ")
		last = m[1]

		closing := raw[m[2]:m[3]] == "/"
		name := strings.ToLower(raw[m[4]:m[5]])
		switch {
		case name == "note":
			p.inNote = !closing
		case !closing && speakerRe.MatchString(name):
			p.speaker = name
		}
	}
	out(raw[last:])

	if text := collapse(spoken.String()); text != "" {
		meta := false
		if strings.HasPrefix(text, "#") {
			meta = true
			text = strings.TrimSpace(strings.TrimLeft(text, "#"))
		} else if strings.HasPrefix(text, "(") && strings.HasSuffix(text, ")") {
			meta = true
		}
		if p.add(text, meta, false) && !meta {
			p.collectNames(text)
		}
	}
	if text := collapse(note.String()); text != "" {
		p.add(text, false, true)
	}
}

// add appends a line if it has at least one token and reports whether it did.
func (p *parser) add(text string, meta, nonSpoken bool) bool {
	toks := textnorm.NormalizeTokens(text)
	if len(toks) == 0 {
		return false
	}
	key := len(p.idx.Lines)
	start := len(p.idx.Words)
	p.idx.Words = append(p.idx.Words, toks...)
	for range toks {
		p.idx.Para = append(p.idx.Para, key)
	}
	p.idx.Lines = append(p.idx.Lines, Line{
		Key:       key,
		Start:     start,
		End:       start + len(toks),
		Text:      text,
		Speaker:   p.speaker,
		Meta:      meta,
		NonSpoken: nonSpoken,
		Tokens:    toks,
		Stems:     textnorm.StemAll(toks),
	})
	return true
}

// collectNames records capitalised words that do not open a sentence.
func (p *parser) collectNames(text string) {
	for _, name := range similarity.Names(text) {
		if len(p.idx.Names) >= maxNames {
			return
		}
		if isUpperWord(name) {
			continue
		}
		key := strings.ToLower(name)
		if _, ok := p.seenNames[key]; ok {
			continue
		}
		p.seenNames[key] = struct{}{}
		p.idx.Names = append(p.idx.Names, name)
	}
}

// isUpperWord reports whether every letter in s is upper case (acronyms and
// shouted words are poor keyword boosts).
func isUpperWord(s string) bool {
	for _, r := range s {
		if unicode.IsLetter(r) && !unicode.IsUpper(r) {
			return false
		}
	}
	return true
}

func collapse(s string) string {
	return strings.TrimSpace(spaceRe.ReplaceAllString(s, " "))
}

// Len returns the number of words in the index. A nil Index has length 0.
func (x *Index) Len() int {
	if x == nil {
		return 0
	}
	return len(x.Words)
}

// Clamp limits i to a valid word position. It returns 0 for an empty index.
func (x *Index) Clamp(i int) int {
	n := x.Len()
	switch {
	case n == 0 || i < 0:
		return 0
	case i >= n:
		return n - 1
	default:
		return i
	}
}

// LineAt returns the line containing word position i.
func (x *Index) LineAt(i int) (Line, bool) {
	if i < 0 || i >= x.Len() {
		return Line{}, false
	}
	k := x.Para[i]
	if k < 0 || k >= len(x.Lines) {
		return Line{}, false
	}
	return x.Lines[k], true
}

// Progress returns i as a fraction of the script, in [0,1].
func (x *Index) Progress(i int) float64 {
	n := x.Len()
	if n <= 1 {
		return 0
	}
	return float64(x.Clamp(i)) / float64(n-1)
}
