package controller

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/squadqa/internal/checkpoint"
	"github.com/haasonsaas/squadqa/internal/config"
	"github.com/haasonsaas/squadqa/internal/ensemble"
	"github.com/haasonsaas/squadqa/internal/model"
	"github.com/haasonsaas/squadqa/internal/records"
	"github.com/haasonsaas/squadqa/internal/squad"
	"github.com/haasonsaas/squadqa/internal/trainer"
	"github.com/haasonsaas/squadqa/internal/watch"
)

const franceInput = `{
  "version": "1.1",
  "data": [{
    "title": "France",
    "paragraphs": [{
      "context": "Paris is the capital of France.",
      "qas": [{"id": "q1", "question": "What is the capital of France?"}]
    }]
  }]
}`

// pickRuntime answers with the single token at index pick.
type pickRuntime struct {
	pick   int
	closed *int
}

func pickParams(pick int) checkpoint.Params {
	return checkpoint.Params{"pick": {Shape: []int{1}, Values: []float32{float32(pick)}}}
}

func (r *pickRuntime) InitFresh() error { r.pick = 0; return nil }

func (r *pickRuntime) Restore(p checkpoint.Params) error {
	t, ok := p["pick"]
	if !ok || len(t.Values) != 1 {
		return errors.New("missing pick parameter")
	}
	r.pick = int(t.Values[0])
	return nil
}

func (r *pickRuntime) Snapshot(checkpoint.Tag) checkpoint.Params { return pickParams(r.pick) }
func (r *pickRuntime) NumParams() int { return 1 }

func (r *pickRuntime) Predict(_ context.Context, batch *squad.Batch) ([]model.SpanProbs, error) {
	out := make([]model.SpanProbs, batch.Len())
	for i, ex := range batch.Examples {
		n := len(ex.Context)
		if n == 0 {
			continue
		}
		at := min(r.pick, n-1)
		start, end := make([]float64, n), make([]float64, n)
		start[at], end[at] = 0.9, 0.9
		out[i] = model.SpanProbs{Start: start, End: end}
	}
	return out, nil
}

func (r *pickRuntime) TrainStep(_ context.Context, batch *squad.Batch) (model.StepResult, error) {
	return model.StepResult{Loss: 0.5, GradNorm: 1, Examples: batch.Len()}, nil
}

func (r *pickRuntime) Close() error {
	*r.closed++
	return nil
}

// countingFactory records every session it opens.
type countingFactory struct {
	opened int
	closed int
}

func (f *countingFactory) Open(config.RunConfig, *squad.Tables) (model.Runtime, error) {
	f.opened++
	return &pickRuntime{closed: &f.closed}, nil
}

type countingOpener struct {
	mu    sync.Mutex
	calls int
}

func (o *countingOpener) open(ctx context.Context, dir string) (checkpoint.Blob, error) {
	o.mu.Lock()
	o.calls++
	o.mu.Unlock()
	return checkpoint.OpenLocal(ctx, dir)
}

func newController(t *testing.T, factory model.Factory, opener *countingOpener, size int, stdout *bytes.Buffer) *Controller {
	t.Helper()
	opts := Options{Factory: factory, EnsembleSize: size}
	if opener != nil {
		opts.Open = opener.open
	}
	if stdout != nil {
		opts.Stdout = stdout
	}
	c, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

// saveMember writes an EMA best checkpoint for ensemble member i.
func saveMember(t *testing.T, root string, i, pick int) {
	t.Helper()
	store, err := checkpoint.NewStore(checkpoint.Options{})
	if err != nil {
		t.Fatal(err)
	}
	dir := checkpoint.EnsembleMemberDir(root, i)
	for _, tag := range checkpoint.Tags {
		if _, err := store.Save(context.Background(), dir, tag, 1000, pickParams(pick)); err != nil {
			t.Fatalf("save member %d: %v", i, err)
		}
	}
}

func evalConfig(root, kind string) config.RunConfig {
	cfg := config.Defaults()
	cfg.Mode = string(config.ModeOfficialEval)
	cfg.SingleEnsemble = kind
	cfg.MainDir = root
	cfg.JSONInPath = filepath.Join(root, "input.json")
	cfg.JSONOutPath = filepath.Join(root, "out", "predictions.json")
	cfg.CkptLoadDir = filepath.Join(root, "ckpt")
	return cfg
}

func TestPlan(t *testing.T) {
	root := t.TempDir()
	tests := []struct {
		name      string
		mutate    func(*config.RunConfig)
		wantField string
		wantMode  bool
		want      Mode
		wantEval  EvalKind
	}{
		{name: "unknown mode", mutate: func(c *config.RunConfig) { c.Mode = "predict" }, wantMode: true},
		{name: "train without dir", mutate: func(c *config.RunConfig) { c.Mode = "train"; c.TrainDir = "" }, wantField: "experiment_name"},
		{name: "inspect without dir", mutate: func(c *config.RunConfig) { c.Mode = "show_examples"; c.TrainDir = "" }, wantField: "experiment_name"},
		{name: "eval without input", mutate: func(c *config.RunConfig) { c.JSONInPath = "" }, wantField: "json_in_path"},
		{name: "eval without ckpt", mutate: func(c *config.RunConfig) { c.CkptLoadDir = "" }, wantField: "ckpt_load_dir"},
		{name: "eval without kind", mutate: func(c *config.RunConfig) { c.SingleEnsemble = "" }, wantField: "single_ensemble"},
		{name: "eval bad kind", mutate: func(c *config.RunConfig) { c.SingleEnsemble = "both" }, wantField: "single_ensemble"},
		{name: "ensemble bad rule", mutate: func(c *config.RunConfig) { c.SingleEnsemble = "ensemble"; c.EnsembleRule = "loudest" }, wantField: "ensemble_rule"},
		{name: "train", mutate: func(c *config.RunConfig) { c.Mode = "train"; c.TrainDir = root }, want: ModeTrain},
		{name: "train by name", mutate: func(c *config.RunConfig) { c.Mode = "train"; c.TrainDir = ""; c.ExperimentName = "exp" }, want: ModeTrain},
		{name: "inspect", mutate: func(c *config.RunConfig) { c.Mode = "show_examples"; c.TrainDir = root }, want: ModeInspect},
		{name: "single", mutate: func(*config.RunConfig) {}, want: ModeEvaluate, wantEval: EvalSingle},
		{name: "ensemble", mutate: func(c *config.RunConfig) { c.SingleEnsemble = "ensemble" }, want: ModeEvaluate, wantEval: EvalEnsemble},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := evalConfig(root, "single")
			tt.mutate(&cfg)
			job, err := Plan(cfg)
			switch {
			case tt.wantMode:
				var modeErr *config.UnrecognizedModeError
				if !errors.As(err, &modeErr) {
					t.Fatalf("err = %v, want UnrecognizedModeError", err)
				}
			case tt.wantField != "":
				var cfgErr *config.ConfigurationError
				if !errors.As(err, &cfgErr) {
					t.Fatalf("err = %v, want ConfigurationError", err)
				}
				if cfgErr.Field != tt.wantField {
					t.Fatalf("field = %q, want %q", cfgErr.Field, tt.wantField)
				}
			default:
				if err != nil {
					t.Fatalf("Plan: %v", err)
				}
				if job.Mode != tt.want || job.Eval != tt.wantEval {
					t.Fatalf("job = %v/%v, want %v/%v", job.Mode, job.Eval, tt.want, tt.wantEval)
				}
			}
		})
	}
}

func TestPlanResolvesExperimentDir(t *testing.T) {
	cfg := config.Defaults()
	cfg.MainDir = "/srv/qa"
	cfg.ExperimentName = "baseline"
	job, err := Plan(cfg)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	want := filepath.Join("/srv/qa", "experiments", "baseline")
	if job.Config.TrainDir != want {
		t.Fatalf("train dir = %q, want %q", job.Config.TrainDir, want)
	}
}

func TestConfigErrorsTouchNothing(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.RunConfig)
	}{
		{"unknown mode", func(c *config.RunConfig) { c.Mode = "serve" }},
		{"missing train dir", func(c *config.RunConfig) { c.Mode = "train"; c.TrainDir = "" }},
		{"missing input", func(c *config.RunConfig) { c.JSONInPath = "" }},
		{"missing ckpt", func(c *config.RunConfig) { c.CkptLoadDir = "" }},
		{"missing kind", func(c *config.RunConfig) { c.SingleEnsemble = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := t.TempDir()
			cfg := evalConfig(root, "single")
			tt.mutate(&cfg)

			factory := &countingFactory{}
			opener := &countingOpener{}
			c := newController(t, factory, opener, 3, &bytes.Buffer{})
			if err := c.Run(context.Background(), cfg); err == nil {
				t.Fatal("expected error")
			}
			if factory.opened != 0 || opener.calls != 0 {
				t.Fatalf("sessions opened = %d, checkpoint dirs opened = %d; want none", factory.opened, opener.calls)
			}
			entries, err := os.ReadDir(root)
			if err != nil {
				t.Fatal(err)
			}
			if len(entries) != 0 {
				t.Fatalf("config error left %d entries in %s", len(entries), root)
			}
		})
	}
}

func TestEvaluateSingle(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "input.json"), franceInput)
	saveMember(t, filepath.Join(root, "ckpt"), 1, 0)

	factory := &countingFactory{}
	c := newController(t, factory, nil, 0, nil)
	cfg := evalConfig(root, "single")
	if err := c.Run(context.Background(), cfg); err != nil {
		t.Fatalf("Run: %v", err)
	}

	data, err := os.ReadFile(cfg.JSONOutPath)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "{\"q1\":\"Paris\"}\n" {
		t.Fatalf("output = %q", data)
	}
	if factory.opened != 1 || factory.closed != 1 {
		t.Fatalf("opened %d closed %d sessions, want 1/1", factory.opened, factory.closed)
	}
}

func TestEvaluateSingleMissingCheckpoint(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "input.json"), franceInput)

	factory := &countingFactory{}
	c := newController(t, factory, nil, 0, nil)
	cfg := evalConfig(root, "single")
	err := c.Run(context.Background(), cfg)
	var missing *checkpoint.MissingCheckpointError
	if !errors.As(err, &missing) {
		t.Fatalf("err = %v, want MissingCheckpointError", err)
	}
	if missing.Tag != checkpoint.TagEMA {
		t.Fatalf("tag = %s, want ema", missing.Tag)
	}
	if _, err := os.Stat(cfg.JSONOutPath); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("output file written after failed load: %v", err)
	}
	if factory.closed != factory.opened {
		t.Fatalf("opened %d sessions but closed %d", factory.opened, factory.closed)
	}
}

// memRecords is an in-memory Records.
type memRecords struct {
	runs map[string]records.Run
	sets map[string][]ensemble.RecordSet
}

func newMemRecords() *memRecords {
	return &memRecords{runs: map[string]records.Run{}, sets: map[string][]ensemble.RecordSet{}}
}

func (m *memRecords) CreateRun(_ context.Context, inputPath, dir string, models int, rule ensemble.Rule) (records.Run, error) {
	run := records.Run{ID: "run-1", InputPath: inputPath, CheckpointDir: dir, Models: models, Rule: string(rule)}
	m.runs[run.ID] = run
	return run, nil
}

func (m *memRecords) SaveRecordSet(_ context.Context, runID string, set ensemble.RecordSet) error {
	m.sets[runID] = append(m.sets[runID], set)
	return nil
}

func (m *memRecords) GetRun(_ context.Context, id string) (records.Run, error) {
	run, ok := m.runs[id]
	if !ok {
		return records.Run{}, records.ErrRunNotFound
	}
	return run, nil
}

func (m *memRecords) LoadRecordSets(_ context.Context, runID string) ([]ensemble.RecordSet, error) {
	return m.sets[runID], nil
}

func TestEvaluateEnsembleMajority(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "input.json"), franceInput)
	ckpt := filepath.Join(root, "ckpt")
	// Token 5 of the context is "France".
	for i, pick := range []int{0, 0, 5} {
		saveMember(t, ckpt, i+1, pick)
	}

	factory := &countingFactory{}
	recs := newMemRecords()
	c, err := New(Options{Factory: factory, EnsembleSize: 3, Records: recs})
	if err != nil {
		t.Fatal(err)
	}
	cfg := evalConfig(root, "ensemble")
	if err := c.Run(context.Background(), cfg); err != nil {
		t.Fatalf("Run: %v", err)
	}
	answers, err := squad.ReadAnswers(cfg.JSONOutPath)
	if err != nil {
		t.Fatal(err)
	}
	if answers["q1"] != "Paris" || len(answers) != 1 {
		t.Fatalf("answers = %v", answers)
	}
	if factory.opened != 3 || factory.closed != 3 {
		t.Fatalf("opened %d closed %d sessions, want 3/3", factory.opened, factory.closed)
	}
	if got := len(recs.sets["run-1"]); got != 3 {
		t.Fatalf("recorded %d sets, want 3", got)
	}
	if text := recs.sets["run-1"][2].Records["q1"].Text; text != "France" {
		t.Fatalf("model 3 answer = %q, want France", text)
	}

	// Re-aggregating the stored run reproduces the answers.
	if err := os.Remove(cfg.JSONOutPath); err != nil {
		t.Fatal(err)
	}
	again := cfg
	again.JSONInPath = ""
	if err := c.AggregateStored(context.Background(), again, "run-1", ""); err != nil {
		t.Fatalf("AggregateStored: %v", err)
	}
	answers, err = squad.ReadAnswers(cfg.JSONOutPath)
	if err != nil {
		t.Fatal(err)
	}
	if answers["q1"] != "Paris" {
		t.Fatalf("stored answers = %v", answers)
	}
	if factory.opened != 3 {
		t.Fatal("aggregating a stored run opened model sessions")
	}
}

func TestEvaluateEnsembleMissingMember(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "input.json"), franceInput)
	saveMember(t, filepath.Join(root, "ckpt"), 1, 0)

	factory := &countingFactory{}
	c := newController(t, factory, nil, 2, nil)
	err := c.Run(context.Background(), evalConfig(root, "ensemble"))
	var missing *checkpoint.MissingCheckpointError
	if !errors.As(err, &missing) {
		t.Fatalf("err = %v, want MissingCheckpointError", err)
	}
	if !strings.Contains(missing.Dir, "ema_best_checkpoint_2") {
		t.Fatalf("missing dir = %s", missing.Dir)
	}
	if factory.closed != factory.opened {
		t.Fatalf("opened %d sessions but closed %d", factory.opened, factory.closed)
	}
}

func TestAggregateStoredNeedsRecords(t *testing.T) {
	c := newController(t, &countingFactory{}, nil, 0, nil)
	err := c.AggregateStored(context.Background(), config.Defaults(), "run-1", "")
	var cfgErr *config.ConfigurationError
	if !errors.As(err, &cfgErr) || cfgErr.Field != "records_dsn" {
		t.Fatalf("err = %v, want records_dsn ConfigurationError", err)
	}
}

func TestAggregateStoredRejectsPartialRun(t *testing.T) {
	root := t.TempDir()
	input := filepath.Join(root, "input.json")
	writeFile(t, input, franceInput)

	recs := newMemRecords()
	run, err := recs.CreateRun(context.Background(), input, filepath.Join(root, "ckpt"), 7, ensemble.RuleMajority)
	if err != nil {
		t.Fatal(err)
	}
	partial := ensemble.NewRecordSet(3, []ensemble.Record{{UUID: "q1", Text: "France", Score: 0.9}})
	if err := recs.SaveRecordSet(context.Background(), run.ID, partial); err != nil {
		t.Fatal(err)
	}

	c, err := New(Options{Factory: &countingFactory{}, Records: recs})
	if err != nil {
		t.Fatal(err)
	}
	cfg := evalConfig(root, "ensemble")
	cfg.JSONInPath = ""
	err = c.AggregateStored(context.Background(), cfg, run.ID, "")
	var incomplete *ensemble.MissingModelsError
	if !errors.As(err, &incomplete) {
		t.Fatalf("err = %v, want MissingModelsError", err)
	}
	if want := []int{1, 2, 4, 5, 6, 7}; !reflect.DeepEqual(incomplete.Missing, want) {
		t.Fatalf("missing = %v, want %v", incomplete.Missing, want)
	}
	if _, statErr := os.Stat(cfg.JSONOutPath); !errors.Is(statErr, os.ErrNotExist) {
		t.Fatalf("partial run wrote %s (stat err %v)", cfg.JSONOutPath, statErr)
	}
}

func writeSplits(t *testing.T, dataDir string) {
	t.Helper()
	for _, split := range []squad.Split{squad.SplitTrain, squad.SplitDev} {
		files := squad.FilesFor(dataDir, split)
		writeFile(t, files.Context, "Paris is the capital of France .\nRome is the capital of Italy .\nBerlin is big .\n")
		writeFile(t, files.Question, "what is the capital of France ?\nwhat is the capital of Italy ?\nwhich city is big ?\n")
		writeFile(t, files.Span, "0 0\n0 0\n0 0\n")
	}
}

func TestTrainThenInspect(t *testing.T) {
	root := t.TempDir()
	dataDir := filepath.Join(root, "data")
	writeSplits(t, dataDir)

	cfg := config.Defaults()
	cfg.Mode = string(config.ModeTrain)
	cfg.MainDir = root
	cfg.DataDir = dataDir
	cfg.TrainDir = filepath.Join(root, "experiments", "run")
	cfg.NumEpochs = 1
	cfg.BatchSize = 2
	cfg.SaveEvery = 1
	cfg.EvalEvery = 1

	factory := &countingFactory{}
	var stdout bytes.Buffer
	c := newController(t, factory, nil, 0, &stdout)
	if err := c.Run(context.Background(), cfg); err != nil {
		t.Fatalf("train: %v", err)
	}
	for _, name := range []string{
		config.FlagsFileName,
		logFileName,
		checkpoint.IndexFileName(checkpoint.TagRaw),
		checkpoint.IndexFileName(checkpoint.TagEMA),
		filepath.Join(checkpoint.BestDirName, checkpoint.BestFileName),
		filepath.Join(checkpoint.EMABestDirName, checkpoint.BestFileName),
	} {
		if _, err := os.Stat(filepath.Join(cfg.TrainDir, name)); err != nil {
			t.Errorf("missing %s: %v", name, err)
		}
	}
	if factory.closed != factory.opened {
		t.Fatalf("opened %d sessions but closed %d", factory.opened, factory.closed)
	}

	cfg.Mode = string(config.ModeShowExamples)
	if err := c.Run(context.Background(), cfg); err != nil {
		t.Fatalf("show_examples: %v", err)
	}
	if !strings.Contains(stdout.String(), "Dev F1 score: 100.000000, Dev EM score: 100.000000") {
		t.Fatalf("stdout:\n%s", stdout.String())
	}
}

func TestInspectRequiresBestCheckpoint(t *testing.T) {
	root := t.TempDir()
	cfg := config.Defaults()
	cfg.Mode = string(config.ModeShowExamples)
	cfg.MainDir = root
	cfg.TrainDir = filepath.Join(root, "run")
	cfg.LoadEMACheckpoint = false

	c := newController(t, &countingFactory{}, nil, 0, &bytes.Buffer{})
	err := c.Run(context.Background(), cfg)
	var missing *checkpoint.MissingCheckpointError
	if !errors.As(err, &missing) {
		t.Fatalf("err = %v, want MissingCheckpointError", err)
	}
	if missing.Tag != checkpoint.TagRaw || filepath.Base(missing.Dir) != checkpoint.BestDirName {
		t.Fatalf("missing = %+v", missing)
	}
	if _, err := os.Stat(cfg.TrainDir); !errors.Is(err, os.ErrNotExist) {
		t.Fatal("show_examples created the train dir")
	}
}

func TestWatchEvaluatesNewBest(t *testing.T) {
	root := t.TempDir()
	dataDir := filepath.Join(root, "data")
	writeSplits(t, dataDir)
	trainDir := filepath.Join(root, "run")
	if err := os.MkdirAll(trainDir, 0o755); err != nil {
		t.Fatal(err)
	}

	cfg := config.Defaults()
	cfg.MainDir = root
	cfg.DataDir = dataDir
	cfg.TrainDir = trainDir

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	results := make(chan float64, 4)
	c := newController(t, &countingFactory{}, nil, 0, nil)
	done := make(chan error, 1)
	go func() {
		done <- c.Watch(ctx, cfg, WatchOptions{
			Debounce: 20 * time.Millisecond,
			OnResult: func(_ watch.Event, res trainer.EvalResult) { results <- res.F1 },
		})
	}()

	store, err := checkpoint.NewStore(checkpoint.Options{})
	if err != nil {
		t.Fatal(err)
	}
	best := checkpoint.NewBestSlots(store, nil)
	// Only the EMA weights answer correctly; load_ema_checkpoint defaults to
	// true, so the raw slot is judged on them.
	set := checkpoint.ParamSet{checkpoint.TagRaw: pickParams(3), checkpoint.TagEMA: pickParams(0)}

	// The watcher may still be starting; keep offering better metrics until
	// one is observed.
	deadline := time.After(5 * time.Second)
	for step := int64(1); ; step++ {
		if _, err := best.Offer(context.Background(), trainDir, checkpoint.TagRaw, step, set, float64(step)); err != nil {
			t.Fatal(err)
		}
		select {
		case f1 := <-results:
			if f1 != 100 {
				t.Fatalf("dev F1 = %v, want 100", f1)
			}
			cancel()
			if err := <-done; err != nil {
				t.Fatalf("Watch: %v", err)
			}
			return
		case err := <-done:
			t.Fatalf("Watch returned early: %v", err)
		case <-deadline:
			t.Fatal("no evaluation for new best checkpoint")
		case <-time.After(100 * time.Millisecond):
		}
	}
}
