// Package ensemble merges per-model answer records into one answer per
// question.
//
// Every base model contributes a RecordSet covering the same uuids. For each
// uuid the candidate answers are grouped by exact text and scored by a Rule;
// the best-scoring text wins and ties go to the text proposed by the lowest
// model index. Aggregation never re-runs a model.
package ensemble

import (
	"fmt"
	"sort"
	"strings"
)

// Record is one model's answer to one question.
type Record struct {
	UUID  string  `json:"uuid"`
	Text  string  `json:"text"`
	Start int     `json:"start"`
	End   int     `json:"end"`
	Score float64 `json:"score"`
}

// RecordSet holds every answer of one base model, keyed by uuid.
type RecordSet struct {
	Model   int
	Records map[string]Record
}

// NewRecordSet builds a set from records; a repeated uuid keeps the last.
func NewRecordSet(model int, records []Record) RecordSet {
	set := RecordSet{Model: model, Records: make(map[string]Record, len(records))}
	for _, r := range records {
		set.Records[r.UUID] = r
	}
	return set
}

// Rule scores a group of identical answers.
type Rule string

const (
	// RuleMajority scores an answer by how many models proposed it.
	RuleMajority Rule = "majority"
	// RuleConfidenceSum scores an answer by the sum of its confidences.
	RuleConfidenceSum Rule = "confidence_sum"
	// RuleMaxConfidence scores an answer by its highest confidence.
	RuleMaxConfidence Rule = "max_confidence"
)

// Rules lists the supported rules.
var Rules = []Rule{RuleMajority, RuleConfidenceSum, RuleMaxConfidence}

// ParseRule maps a name onto a Rule; the empty string is RuleMajority.
func ParseRule(name string) (Rule, error) {
	switch Rule(strings.ToLower(strings.TrimSpace(name))) {
	case "", RuleMajority:
		return RuleMajority, nil
	case RuleConfidenceSum:
		return RuleConfidenceSum, nil
	case RuleMaxConfidence:
		return RuleMaxConfidence, nil
	}
	return "", fmt.Errorf("unknown ensemble rule %q (available: majority, confidence_sum, max_confidence)", name)
}

// IncompleteDataError reports a record set that does not cover exactly the
// questions of the batch.
type IncompleteDataError struct {
	Model   int
	Missing []string
	Extra   []string
}

func (e *IncompleteDataError) Error() string {
	if e == nil {
		return ""
	}
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, fmt.Sprintf("missing %d answer(s) [%s]", len(e.Missing), preview(e.Missing)))
	}
	if len(e.Extra) > 0 {
		parts = append(parts, fmt.Sprintf("%d answer(s) for unknown questions [%s]", len(e.Extra), preview(e.Extra)))
	}
	return fmt.Sprintf("ensemble model %d: %s", e.Model, strings.Join(parts, "; "))
}

func preview(ids []string) string {
	const limit = 5
	if len(ids) <= limit {
		return strings.Join(ids, ", ")
	}
	return strings.Join(ids[:limit], ", ") + ", ..."
}

// MissingModelsError reports an ensemble whose record sets are not exactly
// models 1..Expected.
type MissingModelsError struct {
	Expected   int
	Missing    []int
	Unexpected []int
}

func (e *MissingModelsError) Error() string {
	if e == nil {
		return ""
	}
	msg := fmt.Sprintf("incomplete ensemble: expected models 1..%d", e.Expected)
	if len(e.Missing) > 0 {
		msg += fmt.Sprintf(", missing %v", e.Missing)
	}
	if len(e.Unexpected) > 0 {
		msg += fmt.Sprintf(", unexpected %v", e.Unexpected)
	}
	return msg
}

// CheckModels verifies that sets hold exactly one record set for each model
// index 1..n.
func CheckModels(sets []RecordSet, n int) error {
	have := make(map[int]bool, len(sets))
	var unexpected []int
	for _, set := range sets {
		if set.Model < 1 || set.Model > n || have[set.Model] {
			unexpected = append(unexpected, set.Model)
			continue
		}
		have[set.Model] = true
	}
	var missing []int
	for i := 1; i <= n; i++ {
		if !have[i] {
			missing = append(missing, i)
		}
	}
	if len(missing) == 0 && len(unexpected) == 0 {
		return nil
	}
	sort.Ints(unexpected)
	return &MissingModelsError{Expected: n, Missing: missing, Unexpected: unexpected}
}

// Result is the outcome of an aggregation.
type Result struct {
	// Answers maps every uuid of the batch to its final answer.
	Answers map[string]string
	// Agreement is the fraction of models that proposed the final answer.
	Agreement map[string]float64
}

// Aggregate returns the final answer for every uuid.
func Aggregate(uuids []string, sets []RecordSet, rule Rule) (map[string]string, error) {
	res, err := AggregateDetailed(uuids, sets, rule)
	if err != nil {
		return nil, err
	}
	return res.Answers, nil
}

// AggregateDetailed is Aggregate plus per-question agreement.
func AggregateDetailed(uuids []string, sets []RecordSet, rule Rule) (Result, error) {
	if len(sets) == 0 {
		return Result{}, fmt.Errorf("ensemble needs at least one record set")
	}
	if _, err := ParseRule(string(rule)); err != nil {
		return Result{}, err
	}
	ordered, err := validate(uuids, sets)
	if err != nil {
		return Result{}, err
	}

	res := Result{
		Answers:   make(map[string]string, len(uuids)),
		Agreement: make(map[string]float64, len(uuids)),
	}
	for _, id := range uuids {
		text, votes := vote(id, ordered, rule)
		res.Answers[id] = text
		res.Agreement[id] = float64(votes) / float64(len(ordered))
	}
	return res, nil
}

// validate sorts the sets by model index and checks that each covers
// exactly uuids.
func validate(uuids []string, sets []RecordSet) ([]RecordSet, error) {
	want := make(map[string]bool, len(uuids))
	for _, id := range uuids {
		if want[id] {
			return nil, fmt.Errorf("duplicate question id %q in batch", id)
		}
		want[id] = true
	}

	ordered := append([]RecordSet(nil), sets...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Model < ordered[j].Model })
	for i := 1; i < len(ordered); i++ {
		if ordered[i].Model == ordered[i-1].Model {
			return nil, fmt.Errorf("duplicate record set for model %d", ordered[i].Model)
		}
	}

	for _, set := range ordered {
		var missing, extra []string
		for _, id := range uuids {
			if _, ok := set.Records[id]; !ok {
				missing = append(missing, id)
			}
		}
		for id := range set.Records {
			if !want[id] {
				extra = append(extra, id)
			}
		}
		if len(missing) > 0 || len(extra) > 0 {
			sort.Strings(missing)
			sort.Strings(extra)
			return nil, &IncompleteDataError{Model: set.Model, Missing: missing, Extra: extra}
		}
	}
	return ordered, nil
}

type candidate struct {
	text  string
	votes int
	sum   float64
	max   float64
}

func (c candidate) score(rule Rule) float64 {
	switch rule {
	case RuleConfidenceSum:
		return c.sum
	case RuleMaxConfidence:
		return c.max
	default:
		return float64(c.votes)
	}
}

// vote picks the winning text for id. Candidates are kept in the order of
// first proposal while visiting models in ascending index, so a strict
// comparison resolves ties toward the lowest model.
func vote(id string, sets []RecordSet, rule Rule) (string, int) {
	var candidates []candidate
	pos := map[string]int{}
	for _, set := range sets {
		rec := set.Records[id]
		i, ok := pos[rec.Text]
		if !ok {
			i = len(candidates)
			pos[rec.Text] = i
			candidates = append(candidates, candidate{text: rec.Text, max: rec.Score})
		}
		c := &candidates[i]
		c.votes++
		c.sum += rec.Score
		c.max = max(c.max, rec.Score)
	}

	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.score(rule) > best.score(rule) {
			best = c
		}
	}
	return best.text, best.votes
}
