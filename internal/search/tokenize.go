// Package search implements Locai's retrieval pipeline: a BM25 lexical
// index, candidate fusion with vector hits, and multi-factor ranking.
package search

import (
	"strings"
	"unicode"
)

// Tokenize splits text on Unicode word boundaries and lowercases each
// token. Letters, digits and underscores form words; everything else
// separates them. No stemming or stop-word removal is applied.
func Tokenize(text string) []string {
	fields := strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
	})
	for i, f := range fields {
		fields[i] = strings.ToLower(f)
	}
	return fields
}

// UniqueTerms returns the distinct tokens of text in first-seen order.
func UniqueTerms(text string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, t := range Tokenize(text) {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

// TermFrequencies counts token occurrences and returns the document length.
func TermFrequencies(text string) (map[string]int, int) {
	tokens := Tokenize(text)
	tf := make(map[string]int, len(tokens))
	for _, t := range tokens {
		tf[t]++
	}
	return tf, len(tokens)
}
