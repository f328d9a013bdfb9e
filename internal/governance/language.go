package governance

import (
	"sort"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// Category groups forbidden phrases by the kind of prescription they express.
type Category string

const (
	CategoryRecommendation Category = "recommendation"
	CategoryImperative     Category = "imperative"
	CategoryCertainty      Category = "certainty"
)

// Phrase is a forbidden phrase with its category.
type Phrase struct {
	Text     string   `json:"phrase" yaml:"phrase"`
	Category Category `json:"category" yaml:"category"`
}

// LanguageViolation is one forbidden phrase found in a text.
type LanguageViolation struct {
	Phrase   string   `json:"phrase"`
	Category Category `json:"category"`
	Count    int      `json:"count"`
}

// ForbiddenPhrases express unconditional recommendation or imperative framing.
var ForbiddenPhrases = []Phrase{
	{Text: "you should", Category: CategoryImperative},
	{Text: "you must", Category: CategoryImperative},
	{Text: "must do", Category: CategoryImperative},
	{Text: "always use", Category: CategoryImperative},
	{Text: "never use", Category: CategoryImperative},
	{Text: "the best option is", Category: CategoryRecommendation},
	{Text: "this is the right choice", Category: CategoryRecommendation},
	{Text: "i recommend", Category: CategoryRecommendation},
	{Text: "my recommendation is", Category: CategoryRecommendation},
	{Text: "definitely", Category: CategoryCertainty},
}

// AllowedPhrases present options instead of decisions. They are never
// consulted by Check and exist as negative controls.
var AllowedPhrases = []string{
	"options include",
	"trade-offs are",
	"considerations include",
	"alternatives are",
	"one approach is",
	"another option is",
	"unknowns are",
	"risks include",
}

// LanguageFilter matches forbidden phrases case-insensitively. The zero value
// is not usable; build one with NewLanguageFilter.
type LanguageFilter struct {
	phrases []Phrase
	folded  []string
}

// NewLanguageFilter returns a filter over ForbiddenPhrases plus extra.
func NewLanguageFilter(extra ...Phrase) *LanguageFilter {
	f := &LanguageFilter{}
	seen := map[string]bool{}
	for _, p := range append(append([]Phrase(nil), ForbiddenPhrases...), extra...) {
		key := fold(p.Text)
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		if p.Category == "" {
			p.Category = CategoryRecommendation
		}
		f.phrases = append(f.phrases, p)
		f.folded = append(f.folded, key)
	}
	return f
}

// Check returns every forbidden phrase present in text, in phrase-list order.
func (f *LanguageFilter) Check(text string) []LanguageViolation {
	haystack := fold(text)
	if haystack == "" {
		return nil
	}
	var out []LanguageViolation
	for i, p := range f.phrases {
		if n := strings.Count(haystack, f.folded[i]); n > 0 {
			out = append(out, LanguageViolation{Phrase: p.Text, Category: p.Category, Count: n})
		}
	}
	return out
}

// Phrases lists the active forbidden phrases sorted by text.
func (f *LanguageFilter) Phrases() []Phrase {
	out := append([]Phrase(nil), f.phrases...)
	sort.Slice(out, func(i, j int) bool { return out[i].Text < out[j].Text })
	return out
}

// fold normalises compatibility forms, case and whitespace runs so that
// fullwidth letters or doubled spaces do not hide a phrase.
func fold(s string) string {
	s = norm.NFKC.String(s)
	s = cases.Fold().String(s)
	return strings.Join(strings.Fields(s), " ")
}
