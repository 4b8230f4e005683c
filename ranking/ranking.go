// Package ranking orders prototypes by activation and selects which
// prototypes and classes to visualize.
package ranking

import (
	"sort"

	"github.com/pkg/errors"
)

// Defaults of the two selection policies.
const (
	DefaultTopN        = 10
	DefaultTopKClasses = 2
)

// Entry is one ranked prototype. Rank is 1-based.
type Entry struct {
	Prototype int
	Score     float32
	Rank      int
}

// Global ranks every prototype by activation, highest first. Ties keep
// ascending prototype order.
//
// Arguments:
//   - activations: The activation score of each prototype, by index.
//
// Returns:
//   - []Entry: All prototypes, scores non-increasing by rank.
func Global(activations []float32) []Entry {
	entries := make([]Entry, len(activations))
	for i, s := range activations {
		entries[i] = Entry{Prototype: i, Score: s}
	}
	return rank(entries)
}

// WithinClass ranks only the given prototypes, highest first. Ties keep the
// order of indices.
//
// Arguments:
//   - activations: The activation score of each prototype, by index.
//   - indices: The prototypes assigned to the class.
//
// Returns:
//   - []Entry: The class prototypes, ranked from 1.
//   - error: If an index is out of range.
func WithinClass(activations []float32, indices []int) ([]Entry, error) {
	entries := make([]Entry, len(indices))
	for i, p := range indices {
		if p < 0 || p >= len(activations) {
			return nil, errors.Errorf("prototype %d out of range [0,%d)", p, len(activations))
		}
		entries[i] = Entry{Prototype: p, Score: activations[p]}
	}
	return rank(entries), nil
}

func rank(entries []Entry) []Entry {
	sort.SliceStable(entries, func(a, b int) bool {
		return greater(entries[a].Score, entries[b].Score)
	})
	for i := range entries {
		entries[i].Rank = i + 1
	}
	return entries
}

// greater orders NaN after every number so it never outranks a real score.
func greater(a, b float32) bool {
	if a != a {
		return false
	}
	if b != b {
		return true
	}
	return a > b
}

// TopN returns the first n entries, or all of them when fewer exist.
func TopN(entries []Entry, n int) []Entry {
	if n < 0 {
		n = 0
	}
	if n > len(entries) {
		n = len(entries)
	}
	return entries[:n]
}

// ClassScore is a class selected by its logit.
type ClassScore struct {
	Class int
	Logit float32
	Rank  int
}

// TopKClasses returns the k classes with the largest logits, highest first.
// Ties keep ascending class order.
func TopKClasses(logits []float32, k int) []ClassScore {
	classes := make([]ClassScore, len(logits))
	for i, l := range logits {
		classes[i] = ClassScore{Class: i, Logit: l}
	}
	sort.SliceStable(classes, func(a, b int) bool {
		return greater(classes[a].Logit, classes[b].Logit)
	})
	if k < 0 {
		k = 0
	}
	if k > len(classes) {
		k = len(classes)
	}
	classes = classes[:k]
	for i := range classes {
		classes[i].Rank = i + 1
	}
	return classes
}
