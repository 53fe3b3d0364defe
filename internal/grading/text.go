package grading

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/SAP-F-2025/grading-service/internal/models"
	"github.com/agnivade/levenshtein"
)

var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {}, "be": {}, "by": {}, "for": {},
	"from": {}, "i": {}, "in": {}, "is": {}, "it": {}, "of": {}, "on": {}, "or": {}, "so": {},
	"that": {}, "the": {}, "think": {}, "this": {}, "to": {}, "was": {}, "were": {}, "with": {},
}

var analyticalVerbs = []string{"explain", "analyze", "analyse", "compare", "justify", "evaluate", "discuss", "why"}

// Normalize lowercases s, strips punctuation and collapses whitespace.
func Normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToLower(s) {
		if unicode.IsPunct(r) {
			continue
		}
		b.WriteRune(r)
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// Similarity returns 1 - levenshtein(a, b) / max(len(a), len(b)) over normalized runes.
func Similarity(a, b string) float64 {
	na, nb := Normalize(a), Normalize(b)
	longest := max(utf8.RuneCountInString(na), utf8.RuneCountInString(nb))
	if longest == 0 {
		return 1
	}
	return 1 - float64(levenshtein.ComputeDistance(na, nb))/float64(longest)
}

func keywords(s string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, tok := range strings.Fields(Normalize(s)) {
		if _, stop := stopwords[tok]; stop {
			continue
		}
		set[tok] = struct{}{}
	}
	return set
}

// KeywordOverlap is the Jaccard index of the non-stopword tokens of a and b.
func KeywordOverlap(a, b string) float64 {
	ka, kb := keywords(a), keywords(b)
	if len(ka) == 0 || len(kb) == 0 {
		return 0
	}
	shared := 0
	for tok := range ka {
		if _, ok := kb[tok]; ok {
			shared++
		}
	}
	return float64(shared) / float64(len(ka)+len(kb)-shared)
}

// DetectComplexity tags a question from the answer length and the verbs used in the prompt.
func DetectComplexity(q models.QuestionInput) models.Complexity {
	words := len(strings.Fields(q.StudentAnswer))
	prompt := strings.ToLower(q.Prompt)

	analytical := false
	for _, verb := range analyticalVerbs {
		if strings.Contains(prompt, verb) {
			analytical = true
			break
		}
	}

	switch {
	case words > 100 || (analytical && words > 40):
		return models.ComplexityComplex
	case analytical || words > 20:
		return models.ComplexityMedium
	default:
		return models.ComplexitySimple
	}
}
