package controller

import (
	"context"
	"fmt"
	"time"

	"github.com/haasonsaas/squadqa/internal/checkpoint"
	"github.com/haasonsaas/squadqa/internal/config"
	"github.com/haasonsaas/squadqa/internal/squad"
	"github.com/haasonsaas/squadqa/internal/trainer"
	"github.com/haasonsaas/squadqa/internal/watch"
)

// WatchOptions tunes Watch.
type WatchOptions struct {
	Debounce time.Duration
	// OnResult, when set, receives every evaluation after it is logged.
	OnResult func(watch.Event, trainer.EvalResult)
}

// Watch evaluates each new best checkpoint of cfg's train dir on the dev
// split until ctx is done.
func (c *Controller) Watch(ctx context.Context, cfg config.RunConfig, opts WatchOptions) error {
	if cfg.TrainDir == "" {
		if cfg.ExperimentName == "" {
			return &config.ConfigurationError{Field: "train_dir", Reason: "watch needs --train_dir or --experiment_name"}
		}
		job, err := Plan(withMode(cfg, config.ModeTrain))
		if err != nil {
			return err
		}
		cfg.TrainDir = job.Config.TrainDir
	}

	tables, err := c.tables(cfg)
	if err != nil {
		return err
	}
	store, err := c.newStore(cfg, c.logger)
	if err != nil {
		return err
	}
	dev, err := squad.ReadSplit(cfg.DataDir, squad.SplitDev, c.opts.Tagger)
	if err != nil {
		return fmt.Errorf("read dev split: %w", err)
	}

	w, err := watch.New(ctx, watch.Options{
		TrainDir: cfg.TrainDir,
		Best:     checkpoint.NewBestSlots(store, checkpoint.HigherIsBetter),
		Debounce: opts.Debounce,
		Logger:   c.logger,
	})
	if err != nil {
		return err
	}
	return w.Run(ctx, func(ctx context.Context, ev watch.Event) error {
		rt, err := c.opts.Factory.Open(cfg, tables)
		if err != nil {
			return fmt.Errorf("open model session: %w", err)
		}
		defer rt.Close()
		if _, err := store.Load(ctx, ev.Dir, checkpoint.TagFor(cfg.LoadEMACheckpoint), true, rt); err != nil {
			return err
		}
		began := time.Now()
		res, err := trainer.Evaluate(ctx, rt, dev, trainer.EvalOptions{
			Batcher:      squad.Batcher{BatchSize: cfg.BatchSize, ContextLen: cfg.ContextLen, QuestionLen: cfg.QuestionLen},
			MaxAnswerLen: cfg.MaxAnswerLen,
		})
		if err != nil {
			return err
		}
		c.opts.Metrics.RecordInference("dev", res.Count, time.Since(began))
		c.opts.Metrics.RecordDev(res.F1, res.EM, res.Loss)
		c.logger.Info("best checkpoint evaluated",
			"slot", ev.Slot, "step", ev.Record.Step, "dev_f1", res.F1, "dev_em", res.EM, "dev_loss", res.Loss)
		if opts.OnResult != nil {
			opts.OnResult(ev, res)
		}
		return nil
	})
}

func withMode(cfg config.RunConfig, mode config.Mode) config.RunConfig {
	cfg.Mode = string(mode)
	return cfg
}
