package squad

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const inputSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["data"],
  "properties": {
    "version": {"type": "string"},
    "data": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["paragraphs"],
        "properties": {
          "title": {"type": "string"},
          "paragraphs": {
            "type": "array",
            "items": {
              "type": "object",
              "required": ["context", "qas"],
              "properties": {
                "context": {"type": "string"},
                "qas": {
                  "type": "array",
                  "items": {
                    "type": "object",
                    "required": ["id", "question"],
                    "properties": {
                      "id": {"type": "string", "minLength": 1},
                      "question": {"type": "string"},
                      "answers": {
                        "type": "array",
                        "items": {
                          "type": "object",
                          "required": ["text"],
                          "properties": {
                            "text": {"type": "string"},
                            "answer_start": {"type": "integer", "minimum": 0}
                          }
                        }
                      }
                    }
                  }
                }
              }
            }
          }
        }
      }
    }
  }
}`

type document struct {
	Version string `json:"version"`
	Data    []struct {
		Title      string `json:"title"`
		Paragraphs []struct {
			Context string `json:"context"`
			Qas     []struct {
				ID       string `json:"id"`
				Question string `json:"question"`
				Answers  []struct {
					Text        string `json:"text"`
					AnswerStart *int   `json:"answer_start"`
				} `json:"answers"`
			} `json:"qas"`
		} `json:"paragraphs"`
	} `json:"data"`
}

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		schema, schemaErr = jsonschema.CompileString("squad-input.schema.json", inputSchema)
	})
	return schema, schemaErr
}

// ReadInputFile reads a SQuAD JSON file. See ParseInput.
func ReadInputFile(path string, tagger Tagger) ([]Example, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read input: %w", err)
	}
	examples, err := ParseInput(data, tagger)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return examples, nil
}

// ParseInput validates data against the SQuAD input schema, then returns
// one tokenized example per question in document order. Question ids must
// be unique. When the first gold answer carries answer_start, its token
// span is recorded on the example.
func ParseInput(data []byte, tagger Tagger) ([]Example, error) {
	compiled, err := compiledSchema()
	if err != nil {
		return nil, fmt.Errorf("compile input schema: %w", err)
	}
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode input: %w", err)
	}
	if err := compiled.Validate(raw); err != nil {
		return nil, fmt.Errorf("input does not match the SQuAD layout: %w", err)
	}

	var doc document
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode input: %w", err)
	}

	var examples []Example
	seen := map[string]bool{}
	for _, article := range doc.Data {
		for _, para := range article.Paragraphs {
			context := Tokenize(para.Context)
			if tagger != nil {
				tagger.Tag(context)
			}
			for _, qa := range para.Qas {
				if seen[qa.ID] {
					return nil, fmt.Errorf("duplicate question id %q", qa.ID)
				}
				seen[qa.ID] = true

				question := Tokenize(qa.Question)
				if tagger != nil {
					tagger.Tag(question)
				}
				ex := Example{
					UUID:     qa.ID,
					Source:   para.Context,
					Context:  context,
					Question: question,
				}
				for i, ans := range qa.Answers {
					ex.Answers = append(ex.Answers, ans.Text)
					if i == 0 && ans.AnswerStart != nil {
						start := byteOffset(para.Context, *ans.AnswerStart)
						if span, ok := CharSpan(context, start, start+len(ans.Text)); ok {
							ex.Span = &span
						}
					}
				}
				examples = append(examples, ex)
			}
		}
	}
	return examples, nil
}

// byteOffset converts a character index, as used by answer_start, into a
// byte offset of s.
func byteOffset(s string, chars int) int {
	n := 0
	for i := range s {
		if n == chars {
			return i
		}
		n++
	}
	return len(s)
}

// CharSpan maps the byte range [start, end) of the source text onto the
// tokens that overlap it.
func CharSpan(tokens []Token, start, end int) (Span, bool) {
	span := Span{Start: -1, End: -1}
	for i, tok := range tokens {
		if tok.Offset < 0 || tok.End() <= start || tok.Offset >= end {
			continue
		}
		if span.Start < 0 {
			span.Start = i
		}
		span.End = i
	}
	return span, span.Start >= 0
}
