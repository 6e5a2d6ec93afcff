package squad

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func TestTokenize(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"Paris is the capital of France.", []string{"Paris", "is", "the", "capital", "of", "France", "."}},
		{"It cost $1,000 (roughly).", []string{"It", "cost", "$", "1,000", "(", "roughly", ")", "."}},
		{"Don't stop—it's 3.5km", []string{"Don't", "stop", "—", "it's", "3.5km"}},
		{"“Quoted” text", []string{`"`, "Quoted", `"`, "text"}},
		{"  ", nil},
	}
	for _, tt := range tests {
		got := Texts(Tokenize(tt.in))
		if len(got) == 0 && len(tt.want) == 0 {
			continue
		}
		if !reflect.DeepEqual(got, tt.want) {
			t.Errorf("Tokenize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestTokenizeOffsets(t *testing.T) {
	text := "Zürich lies in Switzerland."
	for _, tok := range Tokenize(text) {
		if got := text[tok.Offset:tok.End()]; got != tok.Text {
			t.Errorf("offset of %q points at %q", tok.Text, got)
		}
	}
}

func TestFold(t *testing.T) {
	if Fold("PARIS") != Fold("paris") {
		t.Fatal("fold should ignore case")
	}
	if Fold("Straße") != Fold("STRASSE") {
		t.Fatal("fold should expand sharp s")
	}
}

func TestParseInput(t *testing.T) {
	input := `{
	  "version": "1.1",
	  "data": [{
	    "title": "France",
	    "paragraphs": [{
	      "context": "Paris is the capital of France.",
	      "qas": [
	        {"id": "q1", "question": "What is the capital of France?",
	         "answers": [{"text": "Paris", "answer_start": 0}]},
	        {"id": "q2", "question": "Which country has Paris as capital?"}
	      ]
	    }]
	  }]
	}`
	examples, err := ParseInput([]byte(input), ShapeTagger{})
	if err != nil {
		t.Fatalf("ParseInput: %v", err)
	}
	if got := UUIDs(examples); !reflect.DeepEqual(got, []string{"q1", "q2"}) {
		t.Fatalf("uuids = %v", got)
	}
	q1 := examples[0]
	if q1.Span == nil || *q1.Span != (Span{Start: 0, End: 0}) {
		t.Fatalf("unexpected span %+v", q1.Span)
	}
	if got := q1.SpanText(Span{Start: 0, End: 0}); got != "Paris" {
		t.Fatalf("span text = %q", got)
	}
	if got := q1.SpanText(Span{Start: 4, End: 6}); got != "of France." {
		t.Fatalf("span text = %q", got)
	}
	if examples[1].Span != nil {
		t.Fatal("q2 has no gold answer")
	}
	if q1.Context[5].NE != "B-ORGANIZATION" || q1.Context[5].POS != "NNP" {
		t.Fatalf("France tagged %s/%s", q1.Context[5].POS, q1.Context[5].NE)
	}
}

func TestParseInputNonASCIIAnswerStart(t *testing.T) {
	input := `{"data":[{"paragraphs":[{"context":"Café au lait in Zürich.","qas":[
	  {"id":"u1","question":"Where?","answers":[{"text":"Zürich","answer_start":16}]}]}]}]}`
	examples, err := ParseInput([]byte(input), nil)
	if err != nil {
		t.Fatal(err)
	}
	if examples[0].Span == nil || examples[0].SpanText(*examples[0].Span) != "Zürich" {
		t.Fatalf("unexpected span %+v", examples[0].Span)
	}
}

func TestParseInputRejectsBadDocuments(t *testing.T) {
	tests := map[string]string{
		"not json":       `{`,
		"missing data":   `{"version": "1.1"}`,
		"missing id":     `{"data":[{"paragraphs":[{"context":"c","qas":[{"question":"q"}]}]}]}`,
		"wrong type":     `{"data":[{"paragraphs":[{"context":3,"qas":[]}]}]}`,
		"duplicate uuid": `{"data":[{"paragraphs":[{"context":"c","qas":[{"id":"a","question":"q"},{"id":"a","question":"r"}]}]}]}`,
	}
	for name, input := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := ParseInput([]byte(input), nil); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestLoadTables(t *testing.T) {
	path := filepath.Join(t.TempDir(), POSTagsFileName)
	if err := os.WriteFile(path, []byte("CC\nCD\n\nDT\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	tables, err := LoadTables(path, DefaultNETags)
	if err != nil {
		t.Fatalf("LoadTables: %v", err)
	}
	if tables.POSID("CC") != 1 || tables.POSID("DT") != 3 || tables.POSID("XX") != 0 {
		t.Fatalf("unexpected pos ids")
	}
	if tables.NEID("B-FACILITY") != 1 || tables.NEID("O") != 13 {
		t.Fatalf("unexpected ne ids")
	}
	if tables.NumPOS() != 4 || tables.NumNE() != 14 {
		t.Fatalf("sizes = %d/%d", tables.NumPOS(), tables.NumNE())
	}
	if _, err := LoadTables(filepath.Join(t.TempDir(), "missing.txt"), nil); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func writeSplit(t *testing.T, dir string, split Split, files map[string]string) {
	t.Helper()
	for ext, body := range files {
		if err := os.WriteFile(filepath.Join(dir, string(split)+"."+ext), []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func TestReadSplit(t *testing.T) {
	dir := t.TempDir()
	writeSplit(t, dir, SplitDev, map[string]string{
		"context":  "paris is the capital of france .\nthe sky is blue\n",
		"question": "what is the capital ?\nwhat color is the sky ?\n",
		"span":     "0 0\n3 3\n",
		"ne":       "B-GPE O O O O B-GPE O\nO O O O\n",
	})
	examples, err := ReadSplit(dir, SplitDev, ShapeTagger{})
	if err != nil {
		t.Fatalf("ReadSplit: %v", err)
	}
	if len(examples) != 2 || examples[1].UUID != "dev-2" {
		t.Fatalf("unexpected examples %+v", examples)
	}
	if examples[0].Answers[0] != "paris" || examples[1].Answers[0] != "blue" {
		t.Fatalf("answers = %v %v", examples[0].Answers, examples[1].Answers)
	}
	if examples[0].Context[5].NE != "B-GPE" {
		t.Fatalf("ne file not applied: %+v", examples[0].Context[5])
	}
}

func TestReadSplitErrors(t *testing.T) {
	tests := map[string]map[string]string{
		"misaligned": {"context": "a b\nc d\n", "question": "q\n", "span": "0 0\n1 1\n"},
		"bad span":   {"context": "a b\n", "question": "q\n", "span": "1 5\n"},
		"bad tags":   {"context": "a b\n", "question": "q\n", "span": "0 0\n", "pos": "DT\n"},
	}
	for name, files := range tests {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			writeSplit(t, dir, SplitTrain, files)
			if _, err := ReadSplit(dir, SplitTrain, nil); err == nil {
				t.Fatal("expected error")
			}
		})
	}
	if _, err := ReadSplit(t.TempDir(), SplitTrain, nil); err == nil {
		t.Fatal("expected error for missing files")
	}
}

func TestBatcher(t *testing.T) {
	mk := func(id string, n int, span *Span) Example {
		return Example{UUID: id, Context: SplitTokens(strings.Repeat("w ", n)), Question: SplitTokens("a b c d"), Span: span}
	}
	examples := []Example{
		mk("a", 3, &Span{Start: 0, End: 1}),
		mk("b", 8, &Span{Start: 6, End: 7}),
		mk("c", 2, nil),
	}

	batches := Batcher{BatchSize: 2, ContextLen: 5, QuestionLen: 2}.Batches(examples)
	if len(batches) != 2 || batches[0].Len() != 2 || batches[1].Len() != 1 {
		t.Fatalf("unexpected batching: %d batches", len(batches))
	}
	b := batches[0].Examples[1]
	if len(b.Context) != 5 || len(b.Question) != 2 || b.Span != nil {
		t.Fatalf("truncation failed: %d/%d span=%v", len(b.Context), len(b.Question), b.Span)
	}
	if len(examples[1].Context) != 8 || examples[1].Span == nil {
		t.Fatal("input examples must not change")
	}

	train := Batcher{BatchSize: 10, ContextLen: 5, DropLong: true}.Batches(examples)
	if len(train) != 1 || train[0].Len() != 2 {
		t.Fatalf("expected long example dropped, got %d", train[0].Len())
	}
}

func TestWriteAnswers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "predictions.json")
	answers := map[string]string{"q2": "Zürich & <Genève>", "q1": "Paris"}
	if err := WriteAnswers(path, answers); err != nil {
		t.Fatalf("WriteAnswers: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	want := `{"q1":"Paris","q2":"Zürich & <Genève>"}` + "\n"
	if string(data) != want {
		t.Fatalf("got %s want %s", data, want)
	}
	got, err := ReadAnswers(path)
	if err != nil || !reflect.DeepEqual(got, answers) {
		t.Fatalf("ReadAnswers = %v, %v", got, err)
	}
}
