package squad

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

var folder = cases.Fold()

// Fold returns the case-folded, NFKC-normalized form of a token used for
// matching question words against context words.
func Fold(s string) string {
	return folder.String(norm.NFKC.String(s))
}

// Tokenize splits text into word and punctuation tokens. Words are maximal
// runs of letters, digits and marks, allowing a single inner joiner rune
// between alphanumerics ("don't", "3.5", "1,000", "well-known"). Every other
// non-space rune is a token of its own. Offsets index into text.
func Tokenize(text string) []Token {
	var tokens []Token
	start := -1
	flush := func(end int) {
		if start >= 0 {
			tokens = append(tokens, Token{Text: norm.NFC.String(text[start:end]), Offset: start, Length: end - start})
			start = -1
		}
	}
	for i, r := range text {
		_, width := utf8.DecodeRuneInString(text[i:])
		switch {
		case isWordRune(r):
			if start < 0 {
				start = i
			}
		case start >= 0 && isJoiner(r) && nextIsWordRune(text, i+width):
			// stay inside the word
		case unicode.IsSpace(r):
			flush(i)
		default:
			flush(i)
			tokens = append(tokens, Token{Text: normalizeQuote(r), Offset: i, Length: width})
		}
	}
	flush(len(text))
	return tokens
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsMark(r)
}

func isJoiner(r rune) bool {
	return r == '\'' || r == '’' || r == '.' || r == ',' || r == '-'
}

func nextIsWordRune(text string, i int) bool {
	if i >= len(text) {
		return false
	}
	r, _ := utf8.DecodeRuneInString(text[i:])
	return isWordRune(r)
}

func normalizeQuote(r rune) string {
	switch r {
	case '“', '”', '„':
		return `"`
	case '‘':
		return "'"
	}
	return string(r)
}

// SplitTokens builds offset-less tokens from a pre-tokenized line.
func SplitTokens(line string) []Token {
	fields := strings.Fields(line)
	tokens := make([]Token, len(fields))
	for i, f := range fields {
		tokens[i] = Token{Text: f, Offset: -1}
	}
	return tokens
}
