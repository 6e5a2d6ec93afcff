// Package controller turns a RunConfig into one of the three run modes and
// drives the components each mode needs.
package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/haasonsaas/squadqa/internal/checkpoint"
	"github.com/haasonsaas/squadqa/internal/config"
	"github.com/haasonsaas/squadqa/internal/ensemble"
	"github.com/haasonsaas/squadqa/internal/model"
	"github.com/haasonsaas/squadqa/internal/observability"
	"github.com/haasonsaas/squadqa/internal/records"
	"github.com/haasonsaas/squadqa/internal/squad"
	"github.com/haasonsaas/squadqa/internal/trainer"
)

const (
	// DefaultEnsembleSize is the number of base models of an ensemble
	// evaluation.
	DefaultEnsembleSize = 7

	// inspectSamples is the number of dev examples scored and printed by
	// show_examples.
	inspectSamples = 10

	logFileName     = "log.txt"
	metricsFileName = "metrics.prom"
)

// Records persists the per-model answers of ensemble runs.
type Records interface {
	CreateRun(ctx context.Context, inputPath, checkpointDir string, models int, rule ensemble.Rule) (records.Run, error)
	SaveRecordSet(ctx context.Context, runID string, set ensemble.RecordSet) error
	GetRun(ctx context.Context, id string) (records.Run, error)
	LoadRecordSets(ctx context.Context, runID string) ([]ensemble.RecordSet, error)
}

// Options configures a Controller. Zero values select the defaults.
type Options struct {
	EnsembleSize int
	NETags       []string
	Factory      model.Factory
	Tagger       squad.Tagger
	// Open resolves checkpoint directories; defaults to local disk.
	Open checkpoint.Opener
	// Records overrides the store opened from records_dsn.
	Records Records
	Logger  *slog.Logger
	Metrics *observability.Metrics
	Tracer  *observability.Tracer
	Stdout  io.Writer
}

// Controller executes planned jobs.
type Controller struct {
	opts   Options
	logger *slog.Logger
}

// New returns a controller. Factory is required.
func New(opts Options) (*Controller, error) {
	if opts.Factory == nil {
		return nil, errors.New("controller: model factory is required")
	}
	if opts.EnsembleSize <= 0 {
		opts.EnsembleSize = DefaultEnsembleSize
	}
	if opts.NETags == nil {
		opts.NETags = squad.DefaultNETags
	}
	if opts.Tagger == nil {
		opts.Tagger = squad.ShapeTagger{}
	}
	if opts.Open == nil {
		opts.Open = checkpoint.OpenLocal
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Tracer == nil {
		opts.Tracer = observability.NoopTracer()
	}
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	return &Controller{opts: opts, logger: opts.Logger}, nil
}

// Run plans cfg and executes the resulting job.
func (c *Controller) Run(ctx context.Context, cfg config.RunConfig) error {
	job, err := Plan(cfg)
	if err != nil {
		return err
	}
	return c.Execute(ctx, job)
}

// Execute runs a planned job.
func (c *Controller) Execute(ctx context.Context, job Job) error {
	return observability.WithSpan(ctx, c.opts.Tracer, "squadqa."+job.Mode.String(), func(ctx context.Context) error {
		if id := observability.GetTraceID(ctx); id != "" {
			c.logger.Info("run traced", "mode", job.Mode.String(), "trace_id", id)
		}
		switch job.Mode {
		case ModeTrain:
			return c.train(ctx, job.Config)
		case ModeInspect:
			return c.inspect(ctx, job.Config)
		case ModeEvaluate:
			switch job.Eval {
			case EvalSingle:
				return c.evaluateSingle(ctx, job.Config)
			case EvalEnsemble:
				return c.evaluateEnsemble(ctx, job.Config, job.Rule)
			}
			return &config.ConfigurationError{Field: "single_ensemble", Reason: "no evaluation kind planned"}
		}
		return &config.UnrecognizedModeError{Value: job.Config.Mode}
	}, "mode", job.Mode.String())
}

func (c *Controller) newStore(cfg config.RunConfig, logger *slog.Logger) (*checkpoint.Store, error) {
	return checkpoint.NewStore(checkpoint.Options{
		Keep:    cfg.Keep,
		Policy:  checkpoint.Rotation(cfg.KeepPolicy),
		Open:    c.opts.Open,
		Logger:  logger,
		Metrics: c.opts.Metrics,
	})
}

// tables loads pos_tags.txt from main_dir, falling back to the tags the
// shape tagger emits when the file does not exist.
func (c *Controller) tables(cfg config.RunConfig) (*squad.Tables, error) {
	path := cfg.POSTagsPath()
	tables, err := squad.LoadTables(path, c.opts.NETags)
	if err == nil {
		return tables, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	c.logger.Warn("pos tag file not found, using shape tags", "path", path)
	return squad.NewTables(squad.ShapeTags, c.opts.NETags), nil
}

func (c *Controller) train(ctx context.Context, cfg config.RunConfig) error {
	dir := cfg.TrainDir
	logger := c.logger
	if !checkpoint.IsRemote(dir) {
		for _, d := range []string{dir, checkpoint.BestDir(dir, checkpoint.TagRaw), checkpoint.BestDir(dir, checkpoint.TagEMA)} {
			if err := os.MkdirAll(d, 0o755); err != nil {
				return fmt.Errorf("create train dir: %w", err)
			}
		}
		teed, closer, err := observability.TeeFile(logger, filepath.Join(dir, logFileName), cfg.Logging.Level)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		defer closer.Close()
		logger = teed
	} else {
		logger.Warn("train dir is remote, log.txt is not written", "train_dir", dir)
	}
	if err := c.writeFlags(ctx, cfg); err != nil {
		return err
	}

	tables, err := c.tables(cfg)
	if err != nil {
		return err
	}
	trainSet, err := squad.ReadSplit(cfg.DataDir, squad.SplitTrain, c.opts.Tagger)
	if err != nil {
		return fmt.Errorf("read train split: %w", err)
	}
	devSet, err := squad.ReadSplit(cfg.DataDir, squad.SplitDev, c.opts.Tagger)
	if err != nil {
		return fmt.Errorf("read dev split: %w", err)
	}

	store, err := c.newStore(cfg, logger)
	if err != nil {
		return err
	}
	rt, err := c.opts.Factory.Open(cfg, tables)
	if err != nil {
		return fmt.Errorf("open model session: %w", err)
	}
	defer rt.Close()

	loaded, err := store.Load(ctx, dir, checkpoint.TagFor(cfg.LoadEMACheckpoint), false, rt)
	if err != nil {
		return err
	}

	tr, err := trainer.New(trainer.Options{
		Config:    cfg,
		Runtime:   rt,
		Factory:   c.opts.Factory,
		Tables:    tables,
		Store:     store,
		Best:      checkpoint.NewBestSlots(store, checkpoint.HigherIsBetter),
		Train:     trainSet,
		Dev:       devSet,
		StartStep: loaded.Snapshot.Step,
		Logger:    logger,
		Metrics:   c.opts.Metrics,
		Tracer:    c.opts.Tracer,
		Out:       c.opts.Stdout,
	})
	if err != nil {
		return err
	}
	sum, err := tr.Run(ctx)
	if err != nil {
		return err
	}
	logger.Info("training finished",
		"steps", sum.Steps, "last_step", sum.LastStep, "epochs", sum.Epochs,
		"interrupted", sum.Interrupted, "best_dev_f1", sum.BestF1)

	return c.writeMetrics(cfg, filepath.Join(dir, metricsFileName))
}

func (c *Controller) writeFlags(ctx context.Context, cfg config.RunConfig) error {
	if !checkpoint.IsRemote(cfg.TrainDir) {
		_, err := config.WriteFlagsJSON(cfg.TrainDir, cfg)
		return err
	}
	data, err := json.MarshalIndent(cfg.Redacted(), "", "  ")
	if err != nil {
		return fmt.Errorf("marshal flags: %w", err)
	}
	blob, err := c.opts.Open(ctx, cfg.TrainDir)
	if err != nil {
		return err
	}
	defer blob.Close()
	if err := blob.Put(ctx, config.FlagsFileName, data); err != nil {
		return fmt.Errorf("write flags: %w", err)
	}
	return nil
}

// writeMetrics persists the metrics text file. fallback is used when no
// metrics path is configured; an empty fallback disables the file.
func (c *Controller) writeMetrics(cfg config.RunConfig, fallback string) error {
	if c.opts.Metrics == nil {
		return nil
	}
	path := cfg.Metrics.Path
	if path == "" {
		if checkpoint.IsRemote(cfg.TrainDir) {
			return nil
		}
		path = fallback
	}
	if path == "" {
		return nil
	}
	if err := c.opts.Metrics.WriteTextfile(path); err != nil {
		return fmt.Errorf("write metrics: %w", err)
	}
	return nil
}

func (c *Controller) inspect(ctx context.Context, cfg config.RunConfig) error {
	tag := checkpoint.TagFor(cfg.LoadEMACheckpoint)
	dir := checkpoint.BestDir(cfg.TrainDir, tag)

	tables, err := c.tables(cfg)
	if err != nil {
		return err
	}
	store, err := c.newStore(cfg, c.logger)
	if err != nil {
		return err
	}
	rt, err := c.opts.Factory.Open(cfg, tables)
	if err != nil {
		return fmt.Errorf("open model session: %w", err)
	}
	defer rt.Close()
	if _, err := store.Load(ctx, dir, tag, true, rt); err != nil {
		return err
	}

	dev, err := squad.ReadSplit(cfg.DataDir, squad.SplitDev, c.opts.Tagger)
	if err != nil {
		return fmt.Errorf("read dev split: %w", err)
	}
	began := time.Now()
	res, err := trainer.Evaluate(ctx, rt, dev, trainer.EvalOptions{
		Batcher:       squad.Batcher{BatchSize: cfg.BatchSize, ContextLen: cfg.ContextLen, QuestionLen: cfg.QuestionLen},
		MaxAnswerLen:  cfg.MaxAnswerLen,
		NumSamples:    inspectSamples,
		PrintExamples: inspectSamples,
		Out:           c.opts.Stdout,
	})
	if err != nil {
		return err
	}
	c.opts.Metrics.RecordInference("inspect", res.Count, time.Since(began))
	fmt.Fprintf(c.opts.Stdout, "Dev F1 score: %f, Dev EM score: %f\n", res.F1, res.EM)
	c.logger.Info("show_examples finished", "dir", dir, "tag", tag, "dev_f1", res.F1, "dev_em", res.EM, "samples", res.Count)
	return nil
}
