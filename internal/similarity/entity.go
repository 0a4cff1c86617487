package similarity

import (
	"regexp"
	"strings"

	"github.com/MrWong99/prompter/internal/similarity/phonetic"
)

const (
	numberBonus = 0.10
	nameBonus   = 0.15
)

// NameMatcher finds the script name a spoken name refers to.
// *phonetic.Matcher satisfies it.
type NameMatcher interface {
	Match(word string, names []string) (name string, score float64, matched bool)
}

var _ NameMatcher = (*phonetic.Matcher)(nil)

// Option is a functional option for configuring a [Scorer].
type Option func(*Scorer)

// WithNameMatcher replaces the default phonetic name matcher.
func WithNameMatcher(m NameMatcher) Option {
	return func(s *Scorer) {
		s.names = m
	}
}

// Scorer computes the entity bonus between raw spoken text and raw line text.
// It is safe for concurrent use if its NameMatcher is.
type Scorer struct {
	names NameMatcher
}

// New returns a Scorer using a [phonetic.Matcher] unless overridden.
func New(opts ...Option) *Scorer {
	s := &Scorer{}
	for _, o := range opts {
		o(s)
	}
	if s.names == nil {
		s.names = phonetic.New()
	}
	return s
}

var (
	digitsRe   = regexp.MustCompile(`\d+`)
	nameRe     = regexp.MustCompile(`\p{Lu}[\p{L}'’-]+`)
	sentenceRe = regexp.MustCompile(`[.!?:;"“]\s*$`)
)

// EntityBonus returns 0.10 when both texts contain the same number and 0.15
// when both contain the same capitalised name, summed. Texts are raw (not
// normalized) so capitalisation and digits survive.
func (s *Scorer) EntityBonus(spokenText, lineText string) float64 {
	if spokenText == "" || lineText == "" {
		return 0
	}
	var bonus float64
	if sharesNumber(spokenText, lineText) {
		bonus += numberBonus
	}
	if s.sharesName(spokenText, lineText) {
		bonus += nameBonus
	}
	return bonus
}

func sharesNumber(a, b string) bool {
	nums := digitsRe.FindAllString(b, -1)
	if len(nums) == 0 {
		return false
	}
	set := make(map[string]struct{}, len(nums))
	for _, n := range nums {
		set[strings.TrimLeft(n, "0")] = struct{}{}
	}
	for _, n := range digitsRe.FindAllString(a, -1) {
		if _, ok := set[strings.TrimLeft(n, "0")]; ok {
			return true
		}
	}
	return false
}

func (s *Scorer) sharesName(spokenText, lineText string) bool {
	lineNames := Names(lineText)
	if len(lineNames) == 0 {
		return false
	}
	for _, n := range Names(spokenText) {
		if _, _, ok := s.names.Match(n, lineNames); ok {
			return true
		}
	}
	return false
}

// Names returns the capitalised words of text that do not open a sentence
// and are at least three letters long.
func Names(text string) []string {
	var out []string
	for _, m := range nameRe.FindAllStringIndex(text, -1) {
		if m[0] == 0 || sentenceRe.MatchString(text[:m[0]]) {
			continue
		}
		n := strings.TrimRight(text[m[0]:m[1]], "'’-")
		if len([]rune(n)) < 3 {
			continue
		}
		out = append(out, n)
	}
	return out
}
