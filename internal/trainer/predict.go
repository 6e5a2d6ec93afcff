package trainer

import (
	"context"
	"fmt"

	"github.com/haasonsaas/squadqa/internal/answer"
	"github.com/haasonsaas/squadqa/internal/model"
	"github.com/haasonsaas/squadqa/internal/squad"
)

// Prediction is the answer a runtime extracted for one example.
type Prediction struct {
	Example squad.Example
	Text    string
	Span    squad.Span
	Score   float64

	// Loss is the span loss against the gold span, or 0 without one.
	Loss    float64
	HasGold bool
}

// Predict runs the runtime over examples in batches and extracts one
// answer per example, in input order. Examples whose context is empty get
// an empty answer with score 0.
func Predict(ctx context.Context, rt model.Runtime, examples []squad.Example, batcher squad.Batcher, maxLen int) ([]Prediction, error) {
	out := make([]Prediction, 0, len(examples))
	batcher.DropLong = false
	for _, batch := range batcher.Batches(examples) {
		probs, err := rt.Predict(ctx, batch)
		if err != nil {
			return nil, fmt.Errorf("predict: %w", err)
		}
		if len(probs) != batch.Len() {
			return nil, fmt.Errorf("runtime returned %d predictions for %d examples", len(probs), batch.Len())
		}
		for i, ex := range batch.Examples {
			pred := Prediction{Example: ex}
			if len(ex.Context) > 0 {
				extraction, err := answer.Extract(probs[i].Start, probs[i].End, maxLen)
				if err != nil {
					return nil, fmt.Errorf("extract answer for %s: %w", ex.UUID, err)
				}
				pred.Span = extraction.Span
				pred.Score = extraction.Score
				pred.Text = ex.SpanText(extraction.Span)
			}
			if ex.Span != nil {
				pred.HasGold = true
				pred.Loss = model.SpanLoss(probs[i], *ex.Span)
			}
			out = append(out, pred)
		}
	}
	return out, nil
}
