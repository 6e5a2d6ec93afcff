package squad

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Split names a pre-tokenized dataset split.
type Split string

const (
	SplitTrain Split = "train"
	SplitDev   Split = "dev"
)

// SplitFiles lists the files of one split under dataDir.
type SplitFiles struct {
	Context  string
	Question string
	Span     string
	POS      string
	NE       string
}

// FilesFor returns the file paths of split.
func FilesFor(dataDir string, split Split) SplitFiles {
	base := filepath.Join(dataDir, string(split))
	return SplitFiles{
		Context:  base + ".context",
		Question: base + ".question",
		Span:     base + ".span",
		POS:      base + ".pos",
		NE:       base + ".ne",
	}
}

// ReadSplit reads the line-aligned files of a split. Each line of the
// context and question files holds space-separated tokens; each span line
// holds "start end". The optional .pos and .ne files tag the context tokens
// one tag per token; when absent, tagger fills the tags. Example uuids are
// "<split>-<line>".
func ReadSplit(dataDir string, split Split, tagger Tagger) ([]Example, error) {
	files := FilesFor(dataDir, split)
	contexts, err := readLines(files.Context)
	if err != nil {
		return nil, err
	}
	questions, err := readLines(files.Question)
	if err != nil {
		return nil, err
	}
	spans, err := readLines(files.Span)
	if err != nil {
		return nil, err
	}
	if len(questions) != len(contexts) || len(spans) != len(contexts) {
		return nil, fmt.Errorf("%s split is misaligned: %d contexts, %d questions, %d spans",
			split, len(contexts), len(questions), len(spans))
	}
	posLines, err := readOptionalLines(files.POS, len(contexts))
	if err != nil {
		return nil, err
	}
	neLines, err := readOptionalLines(files.NE, len(contexts))
	if err != nil {
		return nil, err
	}

	examples := make([]Example, 0, len(contexts))
	for i := range contexts {
		context := SplitTokens(contexts[i])
		question := SplitTokens(questions[i])
		if tagger != nil {
			tagger.Tag(context)
			tagger.Tag(question)
		}
		if posLines != nil {
			if err := applyTags(context, posLines[i], func(t *Token, v string) { t.POS = v }); err != nil {
				return nil, fmt.Errorf("%s line %d: %w", files.POS, i+1, err)
			}
		}
		if neLines != nil {
			if err := applyTags(context, neLines[i], func(t *Token, v string) { t.NE = v }); err != nil {
				return nil, fmt.Errorf("%s line %d: %w", files.NE, i+1, err)
			}
		}
		span, err := parseSpan(spans[i], len(context))
		if err != nil {
			return nil, fmt.Errorf("%s line %d: %w", files.Span, i+1, err)
		}
		ex := Example{
			UUID:     fmt.Sprintf("%s-%d", split, i+1),
			Context:  context,
			Question: question,
			Span:     &span,
		}
		ex.Answers = []string{ex.SpanText(span)}
		examples = append(examples, ex)
	}
	return examples, nil
}

func parseSpan(line string, contextLen int) (Span, error) {
	fields := strings.Fields(line)
	if len(fields) != 2 {
		return Span{}, fmt.Errorf("span %q: want \"start end\"", line)
	}
	start, err := strconv.Atoi(fields[0])
	if err != nil {
		return Span{}, fmt.Errorf("span start: %w", err)
	}
	end, err := strconv.Atoi(fields[1])
	if err != nil {
		return Span{}, fmt.Errorf("span end: %w", err)
	}
	if start < 0 || end < start || end >= contextLen {
		return Span{}, fmt.Errorf("span %d-%d outside context of %d tokens", start, end, contextLen)
	}
	return Span{Start: start, End: end}, nil
}

func applyTags(tokens []Token, line string, set func(*Token, string)) error {
	tags := strings.Fields(line)
	if len(tags) != len(tokens) {
		return fmt.Errorf("%d tags for %d tokens", len(tags), len(tokens))
	}
	for i := range tokens {
		set(&tokens[i], tags[i])
	}
	return nil
}

func readOptionalLines(path string, want int) ([]string, error) {
	lines, err := readLines(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	if len(lines) != want {
		return nil, fmt.Errorf("%s has %d lines, want %d", path, len(lines), want)
	}
	return lines, nil
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", filepath.Base(path), err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return lines, nil
}
