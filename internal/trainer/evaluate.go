package trainer

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/haasonsaas/squadqa/internal/answer"
	"github.com/haasonsaas/squadqa/internal/model"
	"github.com/haasonsaas/squadqa/internal/squad"
)

// EvalOptions controls Evaluate.
type EvalOptions struct {
	Batcher      squad.Batcher
	MaxAnswerLen int
	// NumSamples limits scoring to the first n examples; 0 scores all.
	NumSamples int
	// PrintExamples writes that many scored examples to Out.
	PrintExamples int
	Out           io.Writer
}

// EvalResult summarizes a scored pass. F1 and EM are percentages.
type EvalResult struct {
	F1    float64
	EM    float64
	Loss  float64
	Count int
}

// Evaluate predicts answers for examples and scores them against their
// gold answers.
func Evaluate(ctx context.Context, rt model.Runtime, examples []squad.Example, opts EvalOptions) (EvalResult, error) {
	if opts.NumSamples > 0 && opts.NumSamples < len(examples) {
		examples = examples[:opts.NumSamples]
	}
	preds, err := Predict(ctx, rt, examples, opts.Batcher, opts.MaxAnswerLen)
	if err != nil {
		return EvalResult{}, err
	}

	var (
		score   answer.Score
		lossSum float64
		lossN   int
		printed int
	)
	for _, p := range preds {
		if p.HasGold {
			lossSum += p.Loss
			lossN++
		}
		if len(p.Example.Answers) == 0 {
			continue
		}
		score.Add(p.Text, p.Example.Answers)
		if opts.Out != nil && printed < opts.PrintExamples {
			printExample(opts.Out, p)
			printed++
		}
	}

	res := EvalResult{Count: score.Count}
	res.F1, res.EM = score.Percent()
	if lossN > 0 {
		res.Loss = lossSum / float64(lossN)
	}
	return res, nil
}

func printExample(w io.Writer, p Prediction) {
	f1, em := answer.Best(p.Text, p.Example.Answers)
	fmt.Fprintln(w, strings.Repeat("=", 72))
	fmt.Fprintf(w, "CONTEXT: %s\n", strings.Join(squad.Texts(p.Example.Context), " "))
	fmt.Fprintf(w, "QUESTION: %s\n", strings.Join(squad.Texts(p.Example.Question), " "))
	fmt.Fprintf(w, "TRUE ANSWER: %s\n", p.Example.Answers[0])
	fmt.Fprintf(w, "PREDICTED ANSWER: %s (score %.4f)\n", p.Text, p.Score)
	fmt.Fprintf(w, "F1 SCORE ANSWER: %.3f\n", f1)
	fmt.Fprintf(w, "EM SCORE: %v\n", em == 1)
}
