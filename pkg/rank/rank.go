// Package rank scores a query feature vector against a library and returns
// an ordered top-k by cosine similarity.
package rank

import (
	"slices"

	"gonum.org/v1/gonum/floats"

	"github.com/tunefind/tunefind/pkg/feature"
	"github.com/tunefind/tunefind/pkg/index"
)

// Match is one ranked candidate.
type Match struct {
	ID    string
	Score float64
}

// Cosine returns the cosine similarity of two vectors, in [-1, 1]. When
// either vector has zero magnitude the similarity is defined as 0, so
// degenerate (silent) clips rank last instead of producing NaN.
func Cosine(a, b feature.Vector) float64 {
	na := floats.Norm(a[:], 2)
	nb := floats.Norm(b[:], 2)
	if na == 0 || nb == 0 {
		return 0
	}
	return floats.Dot(a[:], b[:]) / (na * nb)
}

// Rank scores query against every candidate and returns at most topK
// matches, ordered by descending score. Ties keep the candidates' original
// (insertion) order, so repeated identical calls return identical results.
// Rank is a pure function over its inputs and safe to call concurrently.
func Rank(query feature.Vector, candidates []index.Entry, topK int) []Match {
	if topK <= 0 || len(candidates) == 0 {
		return nil
	}

	matches := make([]Match, len(candidates))
	for i, c := range candidates {
		matches[i] = Match{ID: c.ID, Score: Cosine(query, c.Vector)}
	}

	slices.SortStableFunc(matches, func(a, b Match) int {
		switch {
		case a.Score > b.Score:
			return -1
		case a.Score < b.Score:
			return 1
		default:
			return 0
		}
	})

	if len(matches) > topK {
		matches = matches[:topK]
	}
	return matches
}
