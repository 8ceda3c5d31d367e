package reconcile

import (
	"fmt"
	"strings"

	"github.com/antzucaro/matchr"
)

// Algorithm names a name-comparison strategy.
type Algorithm string

const (
	// AlgorithmPositional compares normalised names character by character
	// at equal positions and divides the hit count by the longer length.
	AlgorithmPositional Algorithm = "positional"

	// AlgorithmExact requires trimmed names that are equal ignoring case.
	AlgorithmExact Algorithm = "exact"

	// AlgorithmSubstring matches when one normalised name contains the other.
	AlgorithmSubstring Algorithm = "substring"

	// AlgorithmJaroWinkler scores normalised names with Jaro-Winkler.
	AlgorithmJaroWinkler Algorithm = "jaro-winkler"

	// AlgorithmLevenshtein scores normalised names as one minus the edit
	// distance over the longer length.
	AlgorithmLevenshtein Algorithm = "levenshtein"

	// AlgorithmPhonetic requires overlapping Double Metaphone codes and then
	// ranks by Jaro-Winkler, the way spoken names are corrected.
	AlgorithmPhonetic Algorithm = "phonetic"
)

// Algorithms lists every supported [Algorithm].
var Algorithms = []Algorithm{
	AlgorithmPositional,
	AlgorithmExact,
	AlgorithmSubstring,
	AlgorithmJaroWinkler,
	AlgorithmLevenshtein,
	AlgorithmPhonetic,
}

// Validate returns an error for unknown algorithms.
func (a Algorithm) Validate() error {
	for _, known := range Algorithms {
		if a == known {
			return nil
		}
	}
	return fmt.Errorf("reconcile: unknown algorithm %q", a)
}

// binary reports whether the algorithm only ever yields 0 or 1, in which case
// the policy threshold is ignored.
func (a Algorithm) binary() bool {
	return a == AlgorithmExact || a == AlgorithmSubstring
}

// Normalize lowercases s and drops every character outside a-z.
func Normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToLower(s) {
		if r >= 'a' && r <= 'z' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Similarity is the positional similarity of two names: after [Normalize],
// the number of indices at which both strings hold the same character,
// divided by the longer length. It returns 0 when either name normalises to
// the empty string.
//
// Similarity("Elara", "elara") is 1; Similarity("Bob", "Rob") is 2/3.
func Similarity(a, b string) float64 {
	na, nb := Normalize(a), Normalize(b)
	longer := max(len(na), len(nb))
	if len(na) == 0 || len(nb) == 0 {
		return 0
	}
	hits := 0
	for i := range min(len(na), len(nb)) {
		if na[i] == nb[i] {
			hits++
		}
	}
	return float64(hits) / float64(longer)
}

// Score compares two names with the given algorithm and returns a value in
// [0, 1]. Unknown algorithms score 0.
func Score(alg Algorithm, a, b string) float64 {
	switch alg {
	case AlgorithmPositional:
		return Similarity(a, b)
	case AlgorithmExact:
		if ta := strings.TrimSpace(a); ta != "" && strings.EqualFold(ta, strings.TrimSpace(b)) {
			return 1
		}
		return 0
	case AlgorithmSubstring:
		na, nb := Normalize(a), Normalize(b)
		if na == "" || nb == "" {
			return 0
		}
		if strings.Contains(na, nb) || strings.Contains(nb, na) {
			return 1
		}
		return 0
	case AlgorithmJaroWinkler:
		na, nb := Normalize(a), Normalize(b)
		if na == "" || nb == "" {
			return 0
		}
		return matchr.JaroWinkler(na, nb, false)
	case AlgorithmLevenshtein:
		na, nb := Normalize(a), Normalize(b)
		longer := max(len(na), len(nb))
		if na == "" || nb == "" {
			return 0
		}
		return 1 - float64(matchr.Levenshtein(na, nb))/float64(longer)
	case AlgorithmPhonetic:
		return phoneticScore(a, b)
	}
	return 0
}

// phoneticScore returns the Jaro-Winkler similarity of the lowercased names
// when any of their word-level Double Metaphone codes overlap, and 0
// otherwise.
func phoneticScore(a, b string) float64 {
	ta := strings.Fields(strings.ToLower(a))
	tb := strings.Fields(strings.ToLower(b))
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}
	if !codesOverlap(metaphoneCodes(ta), metaphoneCodes(tb)) {
		return 0
	}
	return matchr.JaroWinkler(strings.Join(ta, " "), strings.Join(tb, " "), false)
}

// metaphoneCodes returns the union of the primary and secondary Double
// Metaphone codes of every token. Empty codes are skipped.
func metaphoneCodes(tokens []string) map[string]struct{} {
	codes := make(map[string]struct{}, len(tokens)*2)
	for _, t := range tokens {
		p, s := matchr.DoubleMetaphone(t)
		if p != "" {
			codes[p] = struct{}{}
		}
		if s != "" {
			codes[s] = struct{}{}
		}
	}
	return codes
}

func codesOverlap(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}
