package ensemble

import (
	"errors"
	"reflect"
	"strings"
	"testing"
)

func set(model int, answers map[string]string, scores ...float64) RecordSet {
	records := make([]Record, 0, len(answers))
	for id, text := range answers {
		score := 1.0
		if len(scores) > 0 {
			score = scores[0]
		}
		records = append(records, Record{UUID: id, Text: text, Score: score})
	}
	return NewRecordSet(model, records)
}

func TestAggregateMajority(t *testing.T) {
	sets := []RecordSet{
		set(1, map[string]string{"q1": "Paris"}),
		set(2, map[string]string{"q1": "Paris"}),
		set(3, map[string]string{"q1": "France"}),
	}
	got, err := Aggregate([]string{"q1"}, sets, RuleMajority)
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	if !reflect.DeepEqual(got, map[string]string{"q1": "Paris"}) {
		t.Fatalf("got %v", got)
	}
}

func TestAggregateTieBreaksToLowestModel(t *testing.T) {
	tests := []struct {
		name string
		sets []RecordSet
		want string
	}{
		{
			name: "model 1 first",
			sets: []RecordSet{
				set(1, map[string]string{"q1": "Paris"}),
				set(2, map[string]string{"q1": "London"}),
			},
			want: "Paris",
		},
		{
			name: "input order does not matter",
			sets: []RecordSet{
				set(2, map[string]string{"q1": "London"}),
				set(1, map[string]string{"q1": "Paris"}),
			},
			want: "Paris",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, rule := range Rules {
				got, err := Aggregate([]string{"q1"}, tt.sets, rule)
				if err != nil {
					t.Fatalf("%s: %v", rule, err)
				}
				if got["q1"] != tt.want {
					t.Fatalf("%s: got %q, want %q", rule, got["q1"], tt.want)
				}
			}
		})
	}
}

func TestAggregateConfidenceRules(t *testing.T) {
	sets := []RecordSet{
		set(1, map[string]string{"q1": "Paris"}, 0.3),
		set(2, map[string]string{"q1": "Paris"}, 0.3),
		set(3, map[string]string{"q1": "France"}, 0.9),
	}
	tests := map[Rule]string{
		RuleMajority:      "Paris",
		RuleConfidenceSum: "France",
		RuleMaxConfidence: "France",
	}
	for rule, want := range tests {
		got, err := Aggregate([]string{"q1"}, sets, rule)
		if err != nil {
			t.Fatalf("%s: %v", rule, err)
		}
		if got["q1"] != want {
			t.Errorf("%s: got %q, want %q", rule, got["q1"], want)
		}
	}
}

func TestAggregateIsTotalAndDeterministic(t *testing.T) {
	uuids := []string{"a", "b", "c", "d"}
	sets := []RecordSet{
		set(1, map[string]string{"a": "x", "b": "y", "c": "z", "d": "w"}),
		set(2, map[string]string{"a": "p", "b": "q", "c": "r", "d": "s"}),
		set(3, map[string]string{"a": "1", "b": "2", "c": "3", "d": "4"}),
	}
	first, err := AggregateDetailed(uuids, sets, RuleMajority)
	if err != nil {
		t.Fatal(err)
	}
	if len(first.Answers) != len(uuids) {
		t.Fatalf("expected %d answers, got %d", len(uuids), len(first.Answers))
	}
	for _, id := range uuids {
		if _, ok := first.Answers[id]; !ok {
			t.Fatalf("missing answer for %s", id)
		}
		if first.Agreement[id] != 1.0/3.0 {
			t.Fatalf("agreement for %s = %v", id, first.Agreement[id])
		}
	}
	for i := 0; i < 20; i++ {
		again, err := AggregateDetailed(uuids, sets, RuleMajority)
		if err != nil {
			t.Fatal(err)
		}
		if !reflect.DeepEqual(again.Answers, first.Answers) {
			t.Fatalf("run %d differs: %v vs %v", i, again.Answers, first.Answers)
		}
	}
	if first.Answers["a"] != "x" {
		t.Fatalf("full disagreement should fall back to model 1, got %q", first.Answers["a"])
	}
}

func TestAggregateRejectsIncompleteSets(t *testing.T) {
	tests := []struct {
		name    string
		sets    []RecordSet
		model   int
		missing []string
		extra   []string
	}{
		{
			name: "missing uuid",
			sets: []RecordSet{
				set(1, map[string]string{"q1": "a", "q2": "b"}),
				set(2, map[string]string{"q1": "a"}),
			},
			model:   2,
			missing: []string{"q2"},
		},
		{
			name: "unknown uuid",
			sets: []RecordSet{
				set(1, map[string]string{"q1": "a", "q2": "b", "q9": "c"}),
			},
			model: 1,
			extra: []string{"q9"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Aggregate([]string{"q1", "q2"}, tt.sets, RuleMajority)
			var incomplete *IncompleteDataError
			if !errors.As(err, &incomplete) {
				t.Fatalf("expected IncompleteDataError, got %v", err)
			}
			if incomplete.Model != tt.model ||
				!reflect.DeepEqual(incomplete.Missing, tt.missing) ||
				!reflect.DeepEqual(incomplete.Extra, tt.extra) {
				t.Fatalf("unexpected error %+v", incomplete)
			}
		})
	}
}

func TestAggregateRejectsBadInput(t *testing.T) {
	if _, err := Aggregate([]string{"q1"}, nil, RuleMajority); err == nil {
		t.Fatal("expected error for no sets")
	}
	dup := []RecordSet{set(1, map[string]string{"q1": "a"}), set(1, map[string]string{"q1": "b"})}
	if _, err := Aggregate([]string{"q1"}, dup, RuleMajority); err == nil {
		t.Fatal("expected error for duplicate model index")
	}
	if _, err := Aggregate([]string{"q1"}, []RecordSet{set(1, map[string]string{"q1": "a"})}, "median"); err == nil {
		t.Fatal("expected error for unknown rule")
	}
}

func TestParseRule(t *testing.T) {
	for in, want := range map[string]Rule{"": RuleMajority, "Majority": RuleMajority, "confidence_sum": RuleConfidenceSum, " max_confidence ": RuleMaxConfidence} {
		got, err := ParseRule(in)
		if err != nil || got != want {
			t.Errorf("ParseRule(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseRule("plurality"); err == nil || !strings.Contains(err.Error(), "majority") {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestIncompleteDataErrorMessage(t *testing.T) {
	err := &IncompleteDataError{Model: 4, Missing: []string{"a", "b", "c", "d", "e", "f"}}
	want := "ensemble model 4: missing 6 answer(s) [a, b, c, d, e, ...]"
	if err.Error() != want {
		t.Fatalf("got %q", err.Error())
	}
}

func TestCheckModels(t *testing.T) {
	one := map[string]string{"q1": "a"}
	if err := CheckModels([]RecordSet{set(2, one), set(1, one), set(3, one)}, 3); err != nil {
		t.Fatalf("complete ensemble rejected: %v", err)
	}

	err := CheckModels([]RecordSet{set(3, one), set(3, one), set(9, one)}, 4)
	var incomplete *MissingModelsError
	if !errors.As(err, &incomplete) {
		t.Fatalf("expected MissingModelsError, got %v", err)
	}
	if !reflect.DeepEqual(incomplete.Missing, []int{1, 2, 4}) || !reflect.DeepEqual(incomplete.Unexpected, []int{3, 9}) {
		t.Fatalf("unexpected error %+v", incomplete)
	}
	want := "incomplete ensemble: expected models 1..4, missing [1 2 4], unexpected [3 9]"
	if err.Error() != want {
		t.Fatalf("got %q", err.Error())
	}
}
