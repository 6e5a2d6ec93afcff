// Package squad loads SQuAD-style reading-comprehension data: the official
// JSON input, the pre-tokenized training splits, the POS and NE tag tables,
// and the uuid to answer output file.
package squad

import "strings"

// Token is one context or question token.
type Token struct {
	Text string
	POS  string
	NE   string
	// Offset and Length locate the token in its source text. Offset is -1
	// when the token came from a pre-tokenized file.
	Offset int
	Length int
}

// End returns the byte offset just past the token, or -1.
func (t Token) End() int {
	if t.Offset < 0 {
		return -1
	}
	return t.Offset + t.Length
}

// Span is an inclusive token range within a context.
type Span struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Len returns the number of tokens covered.
func (s Span) Len() int {
	return s.End - s.Start + 1
}

// Example is one question about one context, identified by its uuid.
type Example struct {
	UUID     string
	Source   string
	Context  []Token
	Question []Token
	// Span is the gold answer span when known.
	Span *Span
	// Answers are the gold answer texts when known.
	Answers []string
}

// SpanText returns the context text covered by span. Tokens with source
// offsets are cut from the original context; others are joined by spaces.
func (e Example) SpanText(span Span) string {
	if span.Start < 0 || span.End >= len(e.Context) || span.Start > span.End {
		return ""
	}
	first, last := e.Context[span.Start], e.Context[span.End]
	if e.Source != "" && first.Offset >= 0 && last.End() <= len(e.Source) && first.Offset <= last.End() {
		return e.Source[first.Offset:last.End()]
	}
	words := make([]string, 0, span.Len())
	for _, tok := range e.Context[span.Start : span.End+1] {
		words = append(words, tok.Text)
	}
	return strings.Join(words, " ")
}

// Texts returns the token strings.
func Texts(tokens []Token) []string {
	out := make([]string, len(tokens))
	for i, t := range tokens {
		out[i] = t.Text
	}
	return out
}

// UUIDs returns the uuids of examples in order.
func UUIDs(examples []Example) []string {
	out := make([]string, len(examples))
	for i, ex := range examples {
		out[i] = ex.UUID
	}
	return out
}
