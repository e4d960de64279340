package storage

import (
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// foldText normalises text for case-insensitive matching. A Caser carries
// state, so one is created per call.
func foldText(s string) string {
	return cases.Fold().String(norm.NFKC.String(s))
}

// searchTerms splits a free-text query into folded terms.
func searchTerms(term string) []string {
	fields := strings.FieldsFunc(foldText(term), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

// rankRow scores row against terms. Every term must appear in at least one
// column; the score counts occurrences so denser matches rank higher. ok is
// false when some term is missing.
func rankRow(row Row, columns []string, terms []string) (float64, bool) {
	if len(terms) == 0 {
		return 0, false
	}
	texts := make([]string, 0, len(columns))
	for _, col := range columns {
		if v, present := row[col]; present && v != nil {
			texts = append(texts, foldText(fmt.Sprint(v)))
		}
	}
	var score float64
	for _, term := range terms {
		hits := 0
		for _, text := range texts {
			hits += strings.Count(text, term)
		}
		if hits == 0 {
			return 0, false
		}
		score += float64(hits)
	}
	return score / float64(len(terms)), true
}

// hasPrefixFold reports whether value starts with prefix ignoring case.
func hasPrefixFold(value any, prefix string) bool {
	s, ok := value.(string)
	if !ok {
		return false
	}
	return strings.HasPrefix(foldText(s), foldText(prefix))
}
