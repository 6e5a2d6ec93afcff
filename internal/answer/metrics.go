package answer

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"
)

var (
	articles = regexp.MustCompile(`\b(a|an|the)\b`)
	lower    = cases.Lower(language.Und)
)

// Normalize lowercases s, removes punctuation and the articles a, an and
// the, and collapses whitespace, as the official SQuAD script does.
func Normalize(s string) string {
	s = lower.String(norm.NFC.String(s))
	s = strings.Map(func(r rune) rune {
		if unicode.IsPunct(r) {
			return -1
		}
		return r
	}, s)
	s = articles.ReplaceAllString(s, " ")
	return strings.Join(strings.Fields(s), " ")
}

// ExactMatch reports whether prediction equals truth after normalization.
func ExactMatch(prediction, truth string) bool {
	return Normalize(prediction) == Normalize(truth)
}

// F1 is the token-overlap F1 between prediction and truth after
// normalization.
func F1(prediction, truth string) float64 {
	pred := strings.Fields(Normalize(prediction))
	gold := strings.Fields(Normalize(truth))
	if len(pred) == 0 || len(gold) == 0 {
		if len(pred) == len(gold) {
			return 1
		}
		return 0
	}
	counts := make(map[string]int, len(gold))
	for _, tok := range gold {
		counts[tok]++
	}
	common := 0
	for _, tok := range pred {
		if counts[tok] > 0 {
			counts[tok]--
			common++
		}
	}
	if common == 0 {
		return 0
	}
	precision := float64(common) / float64(len(pred))
	recall := float64(common) / float64(len(gold))
	return 2 * precision * recall / (precision + recall)
}

// Best scores prediction against every gold answer and keeps the maximum,
// returning F1 and EM on a 0..1 scale.
func Best(prediction string, truths []string) (f1, em float64) {
	for _, truth := range truths {
		f1 = max(f1, F1(prediction, truth))
		if ExactMatch(prediction, truth) {
			em = 1
		}
	}
	return f1, em
}

// Score accumulates F1 and EM over a set of examples.
type Score struct {
	F1    float64
	EM    float64
	Count int
}

// Add scores one prediction. Examples without gold answers are skipped.
func (s *Score) Add(prediction string, truths []string) {
	if len(truths) == 0 {
		return
	}
	f1, em := Best(prediction, truths)
	s.F1 += f1
	s.EM += em
	s.Count++
}

// Percent returns the mean F1 and EM as percentages.
func (s Score) Percent() (f1, em float64) {
	if s.Count == 0 {
		return 0, 0
	}
	n := float64(s.Count)
	return 100 * s.F1 / n, 100 * s.EM / n
}
