// Package answer turns per-token span distributions into answer spans and
// scores answers against gold text with the SQuAD F1 and exact-match
// metrics.
package answer

import (
	"fmt"

	"github.com/haasonsaas/squadqa/internal/squad"
)

// DefaultMaxLen bounds the number of tokens in an extracted answer.
const DefaultMaxLen = 15

// Extraction is the chosen span and its probability p_start * p_end.
type Extraction struct {
	Span  squad.Span
	Score float64
}

// Extract returns the span maximizing start[i] * end[j] subject to
// i <= j < i+maxLen. Ties keep the earliest start, then the earliest end.
// Distributions are truncated to the shorter of the two.
func Extract(start, end []float64, maxLen int) (Extraction, error) {
	n := min(len(start), len(end))
	if n == 0 {
		return Extraction{}, fmt.Errorf("empty span distribution")
	}
	if maxLen <= 0 {
		maxLen = DefaultMaxLen
	}

	best := Extraction{Score: -1}
	for i := 0; i < n; i++ {
		limit := min(n, i+maxLen)
		for j := i; j < limit; j++ {
			if score := start[i] * end[j]; score > best.Score {
				best = Extraction{Span: squad.Span{Start: i, End: j}, Score: score}
			}
		}
	}
	return best, nil
}
