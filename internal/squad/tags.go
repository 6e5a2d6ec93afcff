package squad

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"unicode"
)

// DefaultNETags is the named-entity tag set, in id order starting at 1.
var DefaultNETags = []string{
	"B-FACILITY", "B-GPE", "B-GSP", "B-LOCATION", "B-ORGANIZATION", "B-PERSON",
	"I-FACILITY", "I-GPE", "I-GSP", "I-LOCATION", "I-ORGANIZATION", "I-PERSON",
	"O",
}

// POSTagsFileName is the POS tag list read from the main directory.
const POSTagsFileName = "pos_tags.txt"

// Tables maps POS and NE tags to embedding ids. Id 0 is reserved for
// padding and unknown tags.
type Tables struct {
	pos map[string]int
	ne  map[string]int
}

// NewTables builds tables from ordered tag lists; the tag at index i gets
// id i+1.
func NewTables(posTags, neTags []string) *Tables {
	return &Tables{pos: indexTags(posTags), ne: indexTags(neTags)}
}

func indexTags(tags []string) map[string]int {
	m := make(map[string]int, len(tags))
	for i, tag := range tags {
		if _, dup := m[tag]; !dup {
			m[tag] = i + 1
		}
	}
	return m
}

// LoadTables reads the POS tag file (one tag per line, blank lines skipped)
// and pairs it with neTags.
func LoadTables(posPath string, neTags []string) (*Tables, error) {
	f, err := os.Open(posPath)
	if err != nil {
		return nil, fmt.Errorf("open pos tags: %w", err)
	}
	defer f.Close()

	var tags []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if tag := strings.TrimSpace(scanner.Text()); tag != "" {
			tags = append(tags, tag)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read pos tags: %w", err)
	}
	if len(tags) == 0 {
		return nil, fmt.Errorf("pos tag file %s is empty", posPath)
	}
	return NewTables(tags, neTags), nil
}

// POSID returns the id of a POS tag, 0 when unknown.
func (t *Tables) POSID(tag string) int { return t.pos[tag] }

// NEID returns the id of an NE tag, 0 when unknown.
func (t *Tables) NEID(tag string) int { return t.ne[tag] }

// NumPOS is the POS vocabulary size including the reserved id 0.
func (t *Tables) NumPOS() int { return len(t.pos) + 1 }

// NumNE is the NE vocabulary size including the reserved id 0.
func (t *Tables) NumNE() int { return len(t.ne) + 1 }

// Tagger assigns POS and NE tags to tokens in place.
type Tagger interface {
	Tag(tokens []Token)
}

// ShapeTags lists every POS tag ShapeTagger emits. It stands in for
// pos_tags.txt when no tag file is available.
var ShapeTags = []string{"NN", "NNP", "CD", ".", ",", ":", "(", ")", "$", "#", `"`, "'", "SYM"}

// ShapeTagger tags tokens from their surface form: digits are CD,
// punctuation is tagged by itself, capitalized words inside a sentence are
// NNP and start an entity chunk, everything else is NN / O.
type ShapeTagger struct{}

// Tag implements Tagger.
func (ShapeTagger) Tag(tokens []Token) {
	sentenceStart := true
	inChunk := false
	for i := range tokens {
		text := tokens[i].Text
		first := firstRune(text)
		switch {
		case isNumber(text):
			tokens[i].POS, tokens[i].NE = "CD", "O"
			inChunk = false
		case !unicode.IsLetter(first) && !unicode.IsDigit(first):
			tokens[i].POS, tokens[i].NE = punctTag(text), "O"
			inChunk = false
			if text == "." || text == "?" || text == "!" {
				sentenceStart = true
				continue
			}
		case unicode.IsUpper(first) && !sentenceStart:
			tokens[i].POS = "NNP"
			if inChunk {
				tokens[i].NE = "I-ORGANIZATION"
			} else {
				tokens[i].NE = "B-ORGANIZATION"
			}
			inChunk = true
		case unicode.IsUpper(first):
			tokens[i].POS, tokens[i].NE = "NNP", "O"
			inChunk = false
		default:
			tokens[i].POS, tokens[i].NE = "NN", "O"
			inChunk = false
		}
		sentenceStart = false
	}
}

func firstRune(s string) rune {
	for _, r := range s {
		return r
	}
	return 0
}

func isNumber(s string) bool {
	digits := 0
	for _, r := range s {
		switch {
		case unicode.IsDigit(r):
			digits++
		case r == '.' || r == ',':
		default:
			return false
		}
	}
	return digits > 0
}

func punctTag(s string) string {
	switch s {
	case ".", "?", "!":
		return "."
	case ",", ":", "(", ")", "$", "#", `"`, "'":
		return s
	}
	return "SYM"
}
