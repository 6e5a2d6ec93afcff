package trainer

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/haasonsaas/squadqa/internal/checkpoint"
	"github.com/haasonsaas/squadqa/internal/config"
	"github.com/haasonsaas/squadqa/internal/model"
	"github.com/haasonsaas/squadqa/internal/squad"
)

// pointRuntime predicts a one-token span at index pick. The EMA snapshot
// carries emaPick so scratch sessions score differently.
type pointRuntime struct {
	pick    int
	emaPick int
	steps   int
	closed  bool
	onStep  func(step int)
}

func pickParams(pick int) checkpoint.Params {
	return checkpoint.Params{"pick": {Shape: []int{1}, Values: []float32{float32(pick)}}}
}

func (r *pointRuntime) InitFresh() error { r.pick, r.emaPick = 0, 0; return nil }

func (r *pointRuntime) Restore(p checkpoint.Params) error {
	r.pick = int(p["pick"].Values[0])
	r.emaPick = r.pick
	return nil
}

func (r *pointRuntime) Snapshot(tag checkpoint.Tag) checkpoint.Params {
	if tag == checkpoint.TagEMA {
		return pickParams(r.emaPick)
	}
	return pickParams(r.pick)
}

func (r *pointRuntime) NumParams() int { return 1 }

func (r *pointRuntime) Predict(_ context.Context, batch *squad.Batch) ([]model.SpanProbs, error) {
	out := make([]model.SpanProbs, batch.Len())
	for i, ex := range batch.Examples {
		n := len(ex.Context)
		if n == 0 {
			continue
		}
		at := min(r.pick, n-1)
		start := make([]float64, n)
		end := make([]float64, n)
		start[at], end[at] = 1, 1
		out[i] = model.SpanProbs{Start: start, End: end}
	}
	return out, nil
}

func (r *pointRuntime) TrainStep(_ context.Context, batch *squad.Batch) (model.StepResult, error) {
	r.steps++
	if r.onStep != nil {
		r.onStep(r.steps)
	}
	return model.StepResult{Loss: 1 / float64(r.steps), GradNorm: 0.5, Examples: batch.Len()}, nil
}

func (r *pointRuntime) Close() error { r.closed = true; return nil }

func example(id, text, question, gold string) squad.Example {
	ex := squad.Example{
		UUID:     id,
		Source:   text,
		Context:  squad.Tokenize(text),
		Question: squad.Tokenize(question),
	}
	if gold != "" {
		ex.Span = &squad.Span{Start: 0, End: 0}
		ex.Answers = []string{gold}
	}
	return ex
}

func corpus() []squad.Example {
	return []squad.Example{
		example("e1", "Paris is the capital of France.", "What is the capital of France?", "Paris"),
		example("e2", "Berlin is the capital of Germany.", "What is the capital of Germany?", "Berlin"),
		example("e3", "Rome is the capital of Italy.", "What is the capital of Italy?", "Rome"),
	}
}

func trainConfig(dir string) config.RunConfig {
	cfg := config.Defaults()
	cfg.TrainDir = dir
	cfg.NumEpochs = 2
	cfg.BatchSize = 2
	cfg.PrintEvery = 1
	cfg.SaveEvery = 3
	cfg.EvalEvery = 2
	cfg.Keep = 0
	cfg.Seed = 3
	return cfg
}

func newStore(t *testing.T) *checkpoint.Store {
	t.Helper()
	store, err := checkpoint.NewStore(checkpoint.Options{})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return store
}

func TestRunSavesAndTracksBest(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "run")
	store := newStore(t)
	rt := &pointRuntime{}

	tr, err := New(Options{
		Config:  trainConfig(dir),
		Runtime: rt,
		Store:   store,
		Train:   corpus(),
		Dev:     corpus(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	sum, err := tr.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.Epochs != 2 || sum.Steps != 4 || sum.LastStep != 4 || sum.Interrupted {
		t.Fatalf("summary = %+v", sum)
	}
	if sum.BestF1 != 100 {
		t.Fatalf("best F1 = %v, want 100", sum.BestF1)
	}

	snaps, err := store.List(ctx, dir, checkpoint.TagRaw)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	var steps []int64
	for _, s := range snaps {
		steps = append(steps, s.Step)
	}
	if len(steps) != 2 || steps[0] != 3 || steps[1] != 4 {
		t.Fatalf("raw snapshot steps = %v, want [3 4]", steps)
	}

	best := checkpoint.NewBestSlots(store, nil)
	for _, slot := range checkpoint.Tags {
		rec, ok, err := best.Current(ctx, dir, slot)
		if err != nil || !ok {
			t.Fatalf("Current(%s) = %v, %v", slot, ok, err)
		}
		// Equal F1 at step 4 does not replace the step 2 entry.
		if rec.Step != 2 || rec.Metric != 100 {
			t.Fatalf("%s best = %+v", slot, rec)
		}
	}
}

func TestRunJudgesEMAInScratchSession(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "run")
	store := newStore(t)
	rt := &pointRuntime{emaPick: 2}

	var opened []*pointRuntime
	factory := model.FactoryFunc(func(config.RunConfig, *squad.Tables) (model.Runtime, error) {
		s := &pointRuntime{}
		opened = append(opened, s)
		return s, nil
	})

	cfg := trainConfig(dir)
	cfg.NumEpochs = 1
	tr, err := New(Options{Config: cfg, Runtime: rt, Factory: factory, Store: store, Train: corpus(), Dev: corpus()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := tr.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(opened) != 1 {
		t.Fatalf("opened %d scratch sessions, want 1", len(opened))
	}
	if !opened[0].closed {
		t.Fatal("scratch session was not closed")
	}
	if rt.pick != 0 {
		t.Fatal("training session weights changed by ema evaluation")
	}

	best := checkpoint.NewBestSlots(store, nil)
	rec, ok, err := best.Current(ctx, dir, checkpoint.TagEMA)
	if err != nil || !ok {
		t.Fatalf("Current(ema) = %v, %v", ok, err)
	}
	if rec.Metric != 0 {
		t.Fatalf("ema best metric = %v, want 0", rec.Metric)
	}
	rec, _, _ = best.Current(ctx, dir, checkpoint.TagRaw)
	if rec.Metric != 100 {
		t.Fatalf("raw best metric = %v, want 100", rec.Metric)
	}
}

func TestRunStopsOnCancelWithFinalSave(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "run")
	store := newStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rt := &pointRuntime{onStep: func(step int) {
		if step == 3 {
			cancel()
		}
	}}
	cfg := trainConfig(dir)
	cfg.NumEpochs = 0
	cfg.SaveEvery = 0
	cfg.EvalEvery = 0

	tr, err := New(Options{Config: cfg, Runtime: rt, Store: store, Train: corpus()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	sum, err := tr.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !sum.Interrupted || sum.LastStep != 3 {
		t.Fatalf("summary = %+v", sum)
	}
	snap, ok, err := store.Latest(context.Background(), dir, checkpoint.TagEMA)
	if err != nil || !ok {
		t.Fatalf("Latest = %v, %v", ok, err)
	}
	if snap.Step != 3 {
		t.Fatalf("final save step = %d, want 3", snap.Step)
	}
}

func TestRunContinuesFromStartStep(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "run")
	cfg := trainConfig(dir)
	cfg.NumEpochs = 1
	cfg.EvalEvery = 0
	cfg.SaveEvery = 0
	tr, err := New(Options{Config: cfg, Runtime: &pointRuntime{}, Store: newStore(t), Train: corpus(), StartStep: 500})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	sum, err := tr.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.Steps != 2 || sum.LastStep != 502 {
		t.Fatalf("summary = %+v", sum)
	}
}

func TestRunErrors(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Fatal("expected error without runtime")
	}
	if _, err := New(Options{Runtime: &pointRuntime{}}); err == nil {
		t.Fatal("expected error without store")
	}

	cfg := trainConfig(t.TempDir())
	tr, err := New(Options{Config: cfg, Runtime: &pointRuntime{}, Store: newStore(t)})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := tr.Run(context.Background()); err == nil {
		t.Fatal("expected error with no training examples")
	}

	cfg.ContextLen = 1
	long := corpus()
	for i := range long {
		long[i].Span = &squad.Span{Start: 2, End: 3}
	}
	tr, _ = New(Options{Config: cfg, Runtime: &pointRuntime{}, Store: newStore(t), Train: long})
	if _, err := tr.Run(context.Background()); err == nil || !strings.Contains(err.Error(), "context_len") {
		t.Fatalf("err = %v, want context_len error", err)
	}
}

func TestEvaluate(t *testing.T) {
	examples := corpus()
	examples[2].Answers = []string{"Italy"}

	var out bytes.Buffer
	res, err := Evaluate(context.Background(), &pointRuntime{}, examples, EvalOptions{
		Batcher:       squad.Batcher{BatchSize: 2},
		MaxAnswerLen:  15,
		PrintExamples: 1,
		Out:           &out,
	})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if res.Count != 3 {
		t.Fatalf("count = %d, want 3", res.Count)
	}
	want := 200.0 / 3
	if diff := res.EM - want; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("EM = %v, want %v", res.EM, want)
	}
	if !strings.Contains(out.String(), "PREDICTED ANSWER: Paris") {
		t.Fatalf("printed examples missing prediction:\n%s", out.String())
	}
	if strings.Count(out.String(), "PREDICTED ANSWER") != 1 {
		t.Fatalf("printed more examples than requested:\n%s", out.String())
	}

	res, err = Evaluate(context.Background(), &pointRuntime{}, examples, EvalOptions{MaxAnswerLen: 15, NumSamples: 2})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if res.Count != 2 || res.EM != 100 {
		t.Fatalf("sampled result = %+v", res)
	}
}

func TestPredictEmptyContext(t *testing.T) {
	examples := []squad.Example{
		example("q1", "", "Anything?", ""),
		example("q2", "Paris is lovely.", "Which city?", ""),
	}
	preds, err := Predict(context.Background(), &pointRuntime{}, examples, squad.Batcher{}, 15)
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	if len(preds) != 2 {
		t.Fatalf("got %d predictions", len(preds))
	}
	if preds[0].Text != "" || preds[1].Text != "Paris" {
		t.Fatalf("texts = %q, %q", preds[0].Text, preds[1].Text)
	}
	if preds[0].HasGold || preds[1].HasGold {
		t.Fatal("unexpected gold spans")
	}
}
