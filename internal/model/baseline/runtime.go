// Package baseline is a small span-prediction runtime: a linear scorer over
// lexical, POS and NE features of each context token, trained with Adam and
// gradient-norm clipping, with an exponential-moving-average shadow of the
// weights. It makes every mode usable without an external network.
package baseline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"

	"github.com/haasonsaas/squadqa/internal/checkpoint"
	"github.com/haasonsaas/squadqa/internal/config"
	"github.com/haasonsaas/squadqa/internal/model"
	"github.com/haasonsaas/squadqa/internal/squad"
)

// Parameter names.
const (
	StartWeights = "start/w"
	EndWeights   = "end/w"
	StartShape   = "start/u"
	EndShape     = "end/u"
)

const (
	initScale = 0.01
	adamBeta1 = 0.9
	adamBeta2 = 0.999
	adamEps   = 1e-8
)

// ErrClosed is returned by calls on a closed runtime.
var ErrClosed = errors.New("runtime is closed")

// Factory opens baseline runtimes.
var Factory model.Factory = model.FactoryFunc(func(cfg config.RunConfig, tables *squad.Tables) (model.Runtime, error) {
	return New(cfg, tables)
})

// Runtime implements model.Runtime.
type Runtime struct {
	cfg    config.RunConfig
	feat   featurizer
	rng    *rand.Rand
	shapes map[string][]int

	weights map[string][]float64
	shadow  map[string][]float64
	m, v    map[string][]float64
	steps   int
	closed  bool
}

var _ model.Runtime = (*Runtime)(nil)

// New creates a runtime with zeroed parameters. Call InitFresh or Restore
// before predicting.
func New(cfg config.RunConfig, tables *squad.Tables) (*Runtime, error) {
	if cfg.LearningRate <= 0 {
		return nil, fmt.Errorf("learning rate must be positive")
	}
	feat := newFeaturizer(tables)
	r := &Runtime{
		cfg:  cfg,
		feat: feat,
		rng:  rand.New(rand.NewSource(cfg.Seed)), // #nosec G404 -- reproducible init
		shapes: map[string][]int{
			StartWeights: {feat.dim},
			EndWeights:   {feat.dim},
			StartShape:   {numQuestionTypes, numShapes},
			EndShape:     {numQuestionTypes, numShapes},
		},
	}
	r.weights = r.zeros()
	r.shadow = r.zeros()
	r.resetOptimizer()
	return r, nil
}

func (r *Runtime) zeros() map[string][]float64 {
	out := make(map[string][]float64, len(r.shapes))
	for name, shape := range r.shapes {
		n := 1
		for _, d := range shape {
			n *= d
		}
		out[name] = make([]float64, n)
	}
	return out
}

func (r *Runtime) resetOptimizer() {
	r.m = r.zeros()
	r.v = r.zeros()
	r.steps = 0
}

// InitFresh draws small random weights. The draw depends only on the seed.
func (r *Runtime) InitFresh() error {
	if r.closed {
		return ErrClosed
	}
	r.rng = rand.New(rand.NewSource(r.cfg.Seed)) // #nosec G404 -- reproducible init
	for _, name := range sortedNames(r.weights) {
		w := r.weights[name]
		for i := range w {
			w[i] = r.rng.NormFloat64() * initScale
		}
		copy(r.shadow[name], w)
	}
	r.resetOptimizer()
	return nil
}

// Restore loads params into both the raw and the EMA weights.
func (r *Runtime) Restore(params checkpoint.Params) error {
	if r.closed {
		return ErrClosed
	}
	if len(params) != len(r.shapes) {
		return fmt.Errorf("checkpoint has %d variables, runtime expects %d", len(params), len(r.shapes))
	}
	for name, shape := range r.shapes {
		t, ok := params[name]
		if !ok {
			return fmt.Errorf("checkpoint is missing variable %s", name)
		}
		if !sameShape(t.Shape, shape) || len(t.Values) != len(r.weights[name]) {
			return fmt.Errorf("variable %s has shape %v, runtime expects %v", name, t.Shape, shape)
		}
	}
	for name := range r.shapes {
		src := params[name].Values
		for i, v := range src {
			r.weights[name][i] = float64(v)
			r.shadow[name][i] = float64(v)
		}
	}
	r.resetOptimizer()
	return nil
}

// Snapshot copies the raw or EMA weights.
func (r *Runtime) Snapshot(tag checkpoint.Tag) checkpoint.Params {
	src := r.weights
	if tag == checkpoint.TagEMA {
		src = r.shadow
	}
	out := make(checkpoint.Params, len(src))
	for name, values := range src {
		t := checkpoint.Tensor{
			Shape:  append([]int(nil), r.shapes[name]...),
			Values: make([]float32, len(values)),
		}
		for i, v := range values {
			t.Values[i] = float32(v)
		}
		out[name] = t
	}
	return out
}

// NumParams returns the number of scalar weights.
func (r *Runtime) NumParams() int {
	n := 0
	for _, w := range r.weights {
		n += len(w)
	}
	return n
}

// Predict scores every example of batch with the raw weights.
func (r *Runtime) Predict(ctx context.Context, batch *squad.Batch) ([]model.SpanProbs, error) {
	if r.closed {
		return nil, ErrClosed
	}
	out := make([]model.SpanProbs, len(batch.Examples))
	for i, ex := range batch.Examples {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		f := r.feat.extract(ex)
		out[i] = model.SpanProbs{
			Start: softmax(r.scores(f, StartWeights, StartShape, nil)),
			End:   softmax(r.scores(f, EndWeights, EndShape, nil)),
		}
	}
	return out, nil
}

// TrainStep runs one Adam step on the examples of batch that carry a gold
// span, then updates the EMA shadow.
func (r *Runtime) TrainStep(ctx context.Context, batch *squad.Batch) (model.StepResult, error) {
	if r.closed {
		return model.StepResult{}, ErrClosed
	}
	grads := r.zeros()
	var res model.StepResult
	for _, ex := range batch.Examples {
		if err := ctx.Err(); err != nil {
			return model.StepResult{}, err
		}
		if ex.Span == nil || ex.Span.End >= len(ex.Context) {
			continue
		}
		f := r.feat.extract(ex)
		mask := r.dropoutMask(len(f.phi))
		for _, head := range []struct {
			w, u string
			gold int
		}{
			{StartWeights, StartShape, ex.Span.Start},
			{EndWeights, EndShape, ex.Span.End},
		} {
			p := softmax(r.scores(f, head.w, head.u, mask))
			res.Loss -= math.Log(math.Max(p[head.gold], 1e-12))
			for i := range p {
				d := p[i]
				if i == head.gold {
					d--
				}
				if d == 0 {
					continue
				}
				gw := grads[head.w]
				for k, x := range f.phi[i] {
					gw[k] += d * x * maskAt(mask, i, k)
				}
				gu := grads[head.u][f.qtype*numShapes:]
				for k, x := range f.psi[i] {
					gu[k] += d * x
				}
			}
		}
		res.Examples++
	}
	if res.Examples == 0 {
		return res, nil
	}

	scale := 1 / float64(res.Examples)
	res.Loss *= scale
	names := sortedNames(grads)
	var sq float64
	for _, name := range names {
		g := grads[name]
		for k := range g {
			g[k] *= scale
			sq += g[k] * g[k]
		}
	}
	res.GradNorm = math.Sqrt(sq)
	if limit := r.cfg.MaxGradientNorm; limit > 0 && res.GradNorm > limit {
		clip := limit / res.GradNorm
		for _, g := range grads {
			for k := range g {
				g[k] *= clip
			}
		}
	}

	r.steps++
	lr := r.cfg.LearningRate * math.Sqrt(1-math.Pow(adamBeta2, float64(r.steps))) / (1 - math.Pow(adamBeta1, float64(r.steps)))
	decay := r.cfg.EMADecay
	for _, name := range names {
		g := grads[name]
		w, m, v, s := r.weights[name], r.m[name], r.v[name], r.shadow[name]
		for k := range g {
			m[k] = adamBeta1*m[k] + (1-adamBeta1)*g[k]
			v[k] = adamBeta2*v[k] + (1-adamBeta2)*g[k]*g[k]
			w[k] -= lr * m[k] / (math.Sqrt(v[k]) + adamEps)
			s[k] = decay*s[k] + (1-decay)*w[k]
		}
	}
	return res, nil
}

// Close releases the session. Further calls fail with ErrClosed.
func (r *Runtime) Close() error {
	r.closed = true
	return nil
}

// scores computes w·phi_i + u[qtype]·psi_i for every token. mask, when not
// nil, applies inverted dropout to the non-bias lexical and tag features.
func (r *Runtime) scores(f exampleFeatures, wName, uName string, mask [][]float64) []float64 {
	w := r.weights[wName]
	u := r.weights[uName][f.qtype*numShapes : (f.qtype+1)*numShapes]
	out := make([]float64, len(f.phi))
	for i := range f.phi {
		var s float64
		for k, x := range f.phi[i] {
			if x != 0 {
				s += w[k] * x * maskAt(mask, i, k)
			}
		}
		for k, x := range f.psi[i] {
			s += u[k] * x
		}
		out[i] = s
	}
	return out
}

func (r *Runtime) dropoutMask(n int) [][]float64 {
	p := r.cfg.Dropout
	if p <= 0 {
		return nil
	}
	keep := 1 / (1 - p)
	mask := make([][]float64, n)
	for i := range mask {
		row := make([]float64, r.feat.dim)
		row[0] = 1
		for k := 1; k < len(row); k++ {
			if r.rng.Float64() >= p {
				row[k] = keep
			}
		}
		mask[i] = row
	}
	return mask
}

func maskAt(mask [][]float64, i, k int) float64 {
	if mask == nil {
		return 1
	}
	return mask[i][k]
}

func softmax(scores []float64) []float64 {
	if len(scores) == 0 {
		return nil
	}
	maxScore := scores[0]
	for _, s := range scores[1:] {
		maxScore = math.Max(maxScore, s)
	}
	out := make([]float64, len(scores))
	var sum float64
	for i, s := range scores {
		out[i] = math.Exp(s - maxScore)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func sortedNames(m map[string][]float64) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
