// Package trainer runs the optimization loop and scores runtimes on
// labelled examples.
package trainer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"time"

	"github.com/haasonsaas/squadqa/internal/checkpoint"
	"github.com/haasonsaas/squadqa/internal/config"
	"github.com/haasonsaas/squadqa/internal/model"
	"github.com/haasonsaas/squadqa/internal/observability"
	"github.com/haasonsaas/squadqa/internal/squad"
)

// trainSampleSize bounds the training-set F1/EM computed at each dev eval.
const trainSampleSize = 1000

// Options configures a Trainer.
type Options struct {
	Config  config.RunConfig
	Runtime model.Runtime
	// Factory opens scratch sessions that score the EMA weights. Without
	// one, the EMA best slot is judged on the raw metric.
	Factory model.Factory
	Tables  *squad.Tables
	Store   *checkpoint.Store
	Best    *checkpoint.BestSlots
	Train   []squad.Example
	Dev     []squad.Example
	// StartStep is the step of the restored checkpoint, 0 after fresh init.
	StartStep int64
	Logger    *slog.Logger
	Metrics   *observability.Metrics
	Tracer    *observability.Tracer
	Out       io.Writer
}

// Summary describes a finished Run.
type Summary struct {
	Steps       int64
	LastStep    int64
	Epochs      int
	Interrupted bool
	BestF1      float64
}

// Trainer owns the loop state for one run.
type Trainer struct {
	opts    Options
	cfg     config.RunConfig
	logger  *slog.Logger
	batcher squad.Batcher
	rng     *rand.Rand

	step      int64
	lastSaved int64
	bestF1    float64
}

// New validates opts and returns a Trainer.
func New(opts Options) (*Trainer, error) {
	if opts.Runtime == nil {
		return nil, errors.New("trainer: runtime is required")
	}
	if opts.Store == nil {
		return nil, errors.New("trainer: checkpoint store is required")
	}
	if opts.Best == nil {
		opts.Best = checkpoint.NewBestSlots(opts.Store, nil)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Out == nil {
		opts.Out = io.Discard
	}
	cfg := opts.Config
	return &Trainer{
		opts:   opts,
		cfg:    cfg,
		logger: opts.Logger.With("component", "trainer"),
		batcher: squad.Batcher{
			BatchSize:   cfg.BatchSize,
			ContextLen:  cfg.ContextLen,
			QuestionLen: cfg.QuestionLen,
			DropLong:    true,
		},
		rng:       rand.New(rand.NewSource(cfg.Seed)), // #nosec G404 -- shuffling only
		step:      opts.StartStep,
		lastSaved: opts.StartStep,
	}, nil
}

// Step returns the global step reached so far.
func (t *Trainer) Step() int64 { return t.step }

// Run trains until NumEpochs epochs complete (forever when 0) or ctx is
// cancelled. Cancellation writes a final checkpoint and returns normally.
func (t *Trainer) Run(ctx context.Context) (Summary, error) {
	sum := Summary{}
	if len(t.opts.Train) == 0 {
		return sum, errors.New("trainer: no training examples")
	}
	train := append([]squad.Example(nil), t.opts.Train...)
	start := t.step

	t.logger.Info("beginning training loop",
		"start_step", start, "examples", len(train), "num_epochs", t.cfg.NumEpochs)

	for t.cfg.NumEpochs == 0 || sum.Epochs < t.cfg.NumEpochs {
		t.rng.Shuffle(len(train), func(i, j int) { train[i], train[j] = train[j], train[i] })
		batches := t.batcher.Batches(train)
		if len(batches) == 0 {
			return sum, fmt.Errorf("trainer: no training example fits context_len %d", t.cfg.ContextLen)
		}
		epochStart := time.Now()
		sum.Epochs++
		t.logger.Info("starting epoch", "epoch", sum.Epochs)

		for _, batch := range batches {
			if ctx.Err() != nil {
				sum.Interrupted = true
				return t.finish(sum, start)
			}
			if err := t.trainBatch(ctx, batch, sum.Epochs); err != nil {
				if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
					sum.Interrupted = true
					return t.finish(sum, start)
				}
				return t.summary(sum, start), err
			}
		}
		t.logger.Info("end of epoch", "epoch", sum.Epochs, "took", time.Since(epochStart).Round(time.Millisecond))
	}
	return t.finish(sum, start)
}

func (t *Trainer) trainBatch(ctx context.Context, batch *squad.Batch, epoch int) error {
	began := time.Now()
	res, err := t.opts.Runtime.TrainStep(ctx, batch)
	if err != nil {
		return fmt.Errorf("train step %d: %w", t.step+1, err)
	}
	took := time.Since(began)
	t.step++
	t.opts.Metrics.RecordStep(res.Loss, took)

	if every(t.step, t.cfg.PrintEvery) {
		t.logger.Info("train step",
			"epoch", epoch, "iter", t.step, "loss", res.Loss,
			"grad_norm", res.GradNorm, "batch_time", took)
	}
	if every(t.step, t.cfg.SaveEvery) {
		if err := t.save(ctx); err != nil {
			return err
		}
	}
	if every(t.step, t.cfg.EvalEvery) {
		if err := t.evaluate(ctx); err != nil {
			return err
		}
	}
	return nil
}

func every(step int64, n int) bool {
	return n > 0 && step%int64(n) == 0
}

// save writes rolling raw and EMA snapshots at the current step.
func (t *Trainer) save(ctx context.Context) error {
	for _, tag := range checkpoint.Tags {
		if _, err := t.opts.Store.Save(ctx, t.cfg.TrainDir, tag, t.step, t.opts.Runtime.Snapshot(tag)); err != nil {
			return fmt.Errorf("save %s checkpoint at step %d: %w", tag, t.step, err)
		}
	}
	t.lastSaved = t.step
	t.logger.Info("saved checkpoint", "dir", t.cfg.TrainDir, "step", t.step)
	return nil
}

func (t *Trainer) finish(sum Summary, start int64) (Summary, error) {
	if t.step > t.lastSaved {
		// The caller's context may already be cancelled.
		if err := t.save(context.Background()); err != nil {
			return t.summary(sum, start), err
		}
	}
	return t.summary(sum, start), nil
}

func (t *Trainer) summary(sum Summary, start int64) Summary {
	sum.Steps = t.step - start
	sum.LastStep = t.step
	sum.BestF1 = t.bestF1
	return sum
}

func (t *Trainer) evalOptions() EvalOptions {
	maxLen := t.cfg.MaxAnswerLen
	if maxLen <= 0 {
		maxLen = 15
	}
	return EvalOptions{
		Batcher: squad.Batcher{
			BatchSize:   t.cfg.BatchSize,
			ContextLen:  t.cfg.ContextLen,
			QuestionLen: t.cfg.QuestionLen,
		},
		MaxAnswerLen: maxLen,
	}
}

// evaluate scores raw weights on train and dev, and the EMA weights on dev,
// then offers both parameter sets to the best slots.
func (t *Trainer) evaluate(ctx context.Context) error {
	if len(t.opts.Dev) == 0 {
		t.logger.Warn("no dev examples, skipping evaluation", "iter", t.step)
		return nil
	}
	return observability.WithSpan(ctx, t.opts.Tracer, "trainer.evaluate", func(ctx context.Context) error {
		began := time.Now()
		opts := t.evalOptions()

		dev, err := Evaluate(ctx, t.opts.Runtime, t.opts.Dev, opts)
		if err != nil {
			return fmt.Errorf("dev evaluation: %w", err)
		}
		trainOpts := opts
		trainOpts.NumSamples = trainSampleSize
		trn, err := Evaluate(ctx, t.opts.Runtime, t.opts.Train, trainOpts)
		if err != nil {
			return fmt.Errorf("train evaluation: %w", err)
		}
		t.opts.Metrics.RecordDev(dev.F1, dev.EM, dev.Loss)
		t.logger.Info("evaluation",
			"iter", t.step, "dev_loss", dev.Loss, "dev_f1", dev.F1, "dev_em", dev.EM,
			"train_f1", trn.F1, "train_em", trn.EM, "took", time.Since(began).Round(time.Millisecond))

		set := checkpoint.ParamSet{
			checkpoint.TagRaw: t.opts.Runtime.Snapshot(checkpoint.TagRaw),
			checkpoint.TagEMA: t.opts.Runtime.Snapshot(checkpoint.TagEMA),
		}
		if _, err := t.opts.Best.Offer(ctx, t.cfg.TrainDir, checkpoint.TagRaw, t.step, set, dev.F1); err != nil {
			return fmt.Errorf("update best checkpoint: %w", err)
		}
		if dev.F1 > t.bestF1 {
			t.bestF1 = dev.F1
		}

		emaF1 := dev.F1
		if t.opts.Factory != nil {
			ema, err := t.evaluateEMA(ctx, set[checkpoint.TagEMA], opts)
			if err != nil {
				return err
			}
			emaF1 = ema.F1
			t.logger.Info("ema evaluation", "iter", t.step, "dev_f1", ema.F1, "dev_em", ema.EM, "dev_loss", ema.Loss)
		}
		if _, err := t.opts.Best.Offer(ctx, t.cfg.TrainDir, checkpoint.TagEMA, t.step, set, emaF1); err != nil {
			return fmt.Errorf("update ema best checkpoint: %w", err)
		}
		return nil
	}, "iter", t.step)
}

// evaluateEMA scores params in a scratch session so the training session
// keeps its optimizer state.
func (t *Trainer) evaluateEMA(ctx context.Context, params checkpoint.Params, opts EvalOptions) (EvalResult, error) {
	scratch, err := t.opts.Factory.Open(t.cfg, t.opts.Tables)
	if err != nil {
		return EvalResult{}, fmt.Errorf("open ema session: %w", err)
	}
	defer scratch.Close()
	if err := scratch.Restore(params); err != nil {
		return EvalResult{}, fmt.Errorf("restore ema weights: %w", err)
	}
	res, err := Evaluate(ctx, scratch, t.opts.Dev, opts)
	if err != nil {
		return EvalResult{}, fmt.Errorf("ema dev evaluation: %w", err)
	}
	return res, nil
}
