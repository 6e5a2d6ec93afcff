// Package model defines the boundary between run orchestration and the
// network that scores answer spans.
package model

import (
	"context"
	"math"

	"github.com/haasonsaas/squadqa/internal/checkpoint"
	"github.com/haasonsaas/squadqa/internal/config"
	"github.com/haasonsaas/squadqa/internal/squad"
)

// SpanProbs holds per-token start and end probabilities for one example.
// Both slices have one entry per (truncated) context token.
type SpanProbs struct {
	Start []float64
	End   []float64
}

// StepResult reports one optimizer step.
type StepResult struct {
	Loss     float64
	GradNorm float64
	// Examples is the number of batch examples that carried a gold span.
	Examples int
}

// Runtime is one resident model session. A Runtime is not safe for
// concurrent use.
type Runtime interface {
	// InitFresh draws new parameters from the seed given at Open.
	InitFresh() error
	Restore(params checkpoint.Params) error
	// Snapshot copies the raw or EMA parameters.
	Snapshot(tag checkpoint.Tag) checkpoint.Params
	NumParams() int
	Predict(ctx context.Context, batch *squad.Batch) ([]SpanProbs, error)
	TrainStep(ctx context.Context, batch *squad.Batch) (StepResult, error)
	Close() error
}

// Factory opens runtime sessions.
type Factory interface {
	Open(cfg config.RunConfig, tables *squad.Tables) (Runtime, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(cfg config.RunConfig, tables *squad.Tables) (Runtime, error)

// Open implements Factory.
func (f FactoryFunc) Open(cfg config.RunConfig, tables *squad.Tables) (Runtime, error) {
	return f(cfg, tables)
}

// minProb keeps log losses finite.
const minProb = 1e-12

// SpanLoss is the negative log likelihood of span under p.
func SpanLoss(p SpanProbs, span squad.Span) float64 {
	at := func(dist []float64, i int) float64 {
		if i < 0 || i >= len(dist) {
			return minProb
		}
		return math.Max(dist[i], minProb)
	}
	return -math.Log(at(p.Start, span.Start)) - math.Log(at(p.End, span.End))
}
