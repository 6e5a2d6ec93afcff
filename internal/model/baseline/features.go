package baseline

import (
	"unicode"

	"github.com/haasonsaas/squadqa/internal/squad"
)

const (
	numLexical       = 8
	numShapes        = 4
	numQuestionTypes = 7
	overlapWindow    = 3
)

var stopwords = map[string]bool{
	"a": true, "an": true, "the": true, "of": true, "in": true, "on": true, "at": true,
	"to": true, "is": true, "was": true, "are": true, "were": true, "be": true, "by": true,
	"for": true, "and": true, "or": true, "did": true, "does": true, "do": true, "what": true,
	"which": true, "who": true, "when": true, "where": true, "why": true, "how": true,
	"that": true, "this": true, "with": true, "as": true, "from": true, "it": true,
}

// exampleFeatures holds the dense inputs of one example.
type exampleFeatures struct {
	phi   [][]float64 // per token, len dim
	psi   [][]float64 // per token, len numShapes
	qtype int
}

type featurizer struct {
	dim    int
	numPOS int
	numNE  int
	tables *squad.Tables
}

func newFeaturizer(tables *squad.Tables) featurizer {
	f := featurizer{numPOS: 1, numNE: 1, tables: tables}
	if tables != nil {
		f.numPOS, f.numNE = tables.NumPOS(), tables.NumNE()
	}
	f.dim = numLexical + f.numPOS + f.numNE
	return f
}

func (f featurizer) extract(ex squad.Example) exampleFeatures {
	content := map[string]bool{}
	all := map[string]bool{}
	for _, tok := range ex.Question {
		key := squad.Fold(tok.Text)
		all[key] = true
		if !stopwords[key] {
			content[key] = true
		}
	}

	n := len(ex.Context)
	keys := make([]string, n)
	for i, tok := range ex.Context {
		keys[i] = squad.Fold(tok.Text)
	}

	out := exampleFeatures{
		phi:   make([][]float64, n),
		psi:   make([][]float64, n),
		qtype: questionType(ex.Question),
	}
	for i, tok := range ex.Context {
		phi := make([]float64, f.dim)
		key := keys[i]
		phi[0] = 1
		if content[key] {
			phi[1] = 1
		} else if all[key] {
			phi[2] = 1
		}
		phi[3] = windowOverlap(keys, i, content)
		first := firstRune(tok.Text)
		capitalized := unicode.IsUpper(first)
		digit := hasDigit(tok.Text)
		punct := !unicode.IsLetter(first) && !unicode.IsDigit(first)
		phi[4] = b2f(capitalized)
		phi[5] = b2f(digit)
		phi[6] = b2f(punct)
		if n > 1 {
			phi[7] = float64(i) / float64(n-1)
		}

		posID, neID := 0, 0
		if f.tables != nil {
			posID, neID = f.tables.POSID(tok.POS), f.tables.NEID(tok.NE)
		}
		phi[numLexical+posID] = 1
		phi[numLexical+f.numPOS+neID] = 1
		out.phi[i] = phi

		entity := tok.NE != "" && tok.NE != "O"
		out.psi[i] = []float64{b2f(capitalized), b2f(digit), b2f(entity), b2f(punct)}
	}
	return out
}

func windowOverlap(keys []string, i int, content map[string]bool) float64 {
	if len(content) == 0 {
		return 0
	}
	hits, total := 0, 0
	for j := i - overlapWindow; j <= i+overlapWindow; j++ {
		if j == i || j < 0 || j >= len(keys) {
			continue
		}
		total++
		if content[keys[j]] {
			hits++
		}
	}
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}

// questionType buckets a question by its wh-word: other, who, when, where,
// how many/much, what/which, why/how.
func questionType(question []squad.Token) int {
	for i, tok := range question {
		switch squad.Fold(tok.Text) {
		case "who", "whom", "whose":
			return 1
		case "when":
			return 2
		case "where":
			return 3
		case "how":
			if i+1 < len(question) {
				if next := squad.Fold(question[i+1].Text); next == "many" || next == "much" {
					return 4
				}
			}
			return 6
		case "what", "which":
			return 5
		case "why":
			return 6
		}
	}
	return 0
}

func firstRune(s string) rune {
	for _, r := range s {
		return r
	}
	return 0
}

func hasDigit(s string) bool {
	for _, r := range s {
		if unicode.IsDigit(r) {
			return true
		}
	}
	return false
}

func b2f(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
