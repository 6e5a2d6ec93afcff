package controller

import (
	"context"
	"fmt"
	"time"

	"github.com/haasonsaas/squadqa/internal/checkpoint"
	"github.com/haasonsaas/squadqa/internal/config"
	"github.com/haasonsaas/squadqa/internal/ensemble"
	"github.com/haasonsaas/squadqa/internal/observability"
	"github.com/haasonsaas/squadqa/internal/records"
	"github.com/haasonsaas/squadqa/internal/squad"
	"github.com/haasonsaas/squadqa/internal/trainer"
)

func (c *Controller) readInput(cfg config.RunConfig) ([]squad.Example, error) {
	examples, err := squad.ReadInputFile(cfg.JSONInPath, c.opts.Tagger)
	if err != nil {
		return nil, err
	}
	c.logger.Debug("read input", "path", cfg.JSONInPath, "questions", len(examples))
	return examples, nil
}

// predictMember opens a session, restores the checkpoint in dir and
// predicts every example. The session is closed before returning.
func (c *Controller) predictMember(ctx context.Context, cfg config.RunConfig, store *checkpoint.Store, tables *squad.Tables, dir string, examples []squad.Example) ([]trainer.Prediction, error) {
	var preds []trainer.Prediction
	err := observability.WithSpan(ctx, c.opts.Tracer, "squadqa.predict", func(ctx context.Context) error {
		rt, err := c.opts.Factory.Open(cfg, tables)
		if err != nil {
			return fmt.Errorf("open model session: %w", err)
		}
		defer rt.Close()
		if _, err := store.Load(ctx, dir, checkpoint.TagFor(cfg.LoadEMACheckpoint), true, rt); err != nil {
			return err
		}
		preds, err = trainer.Predict(ctx, rt, examples, squad.Batcher{
			BatchSize:   cfg.BatchSize,
			ContextLen:  cfg.ContextLen,
			QuestionLen: cfg.QuestionLen,
		}, cfg.MaxAnswerLen)
		return err
	}, "checkpoint_dir", dir)
	return preds, err
}

func (c *Controller) evaluateSingle(ctx context.Context, cfg config.RunConfig) error {
	tables, err := c.tables(cfg)
	if err != nil {
		return err
	}
	store, err := c.newStore(cfg, c.logger)
	if err != nil {
		return err
	}
	examples, err := c.readInput(cfg)
	if err != nil {
		return err
	}

	began := time.Now()
	dir := checkpoint.EnsembleMemberDir(cfg.CkptLoadDir, 1)
	preds, err := c.predictMember(ctx, cfg, store, tables, dir, examples)
	if err != nil {
		return err
	}
	c.opts.Metrics.RecordInference("single", len(preds), time.Since(began))

	answers := make(map[string]string, len(preds))
	for _, p := range preds {
		answers[p.Example.UUID] = p.Text
	}
	return c.writeAnswers(cfg, answers)
}

func (c *Controller) evaluateEnsemble(ctx context.Context, cfg config.RunConfig, rule ensemble.Rule) error {
	tables, err := c.tables(cfg)
	if err != nil {
		return err
	}
	store, err := c.newStore(cfg, c.logger)
	if err != nil {
		return err
	}
	recs, closeRecords, err := c.records(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeRecords()

	var runID string
	if recs != nil {
		run, err := recs.CreateRun(ctx, cfg.JSONInPath, cfg.CkptLoadDir, c.opts.EnsembleSize, rule)
		if err != nil {
			return err
		}
		runID = run.ID
		c.logger.Info("recording ensemble run", "run_id", runID)
	}

	sets := make([]ensemble.RecordSet, 0, c.opts.EnsembleSize)
	for i := 1; i <= c.opts.EnsembleSize; i++ {
		examples, err := c.readInput(cfg)
		if err != nil {
			return err
		}
		began := time.Now()
		dir := checkpoint.EnsembleMemberDir(cfg.CkptLoadDir, i)
		preds, err := c.predictMember(ctx, cfg, store, tables, dir, examples)
		if err != nil {
			return fmt.Errorf("ensemble model %d: %w", i, err)
		}
		c.opts.Metrics.RecordInference("ensemble_member", len(preds), time.Since(began))

		set := recordSet(i, preds)
		if recs != nil {
			if err := recs.SaveRecordSet(ctx, runID, set); err != nil {
				return err
			}
		}
		sets = append(sets, set)
		c.logger.Info("ensemble model finished", "model", i, "dir", dir, "answers", len(set.Records))
	}

	examples, err := c.readInput(cfg)
	if err != nil {
		return err
	}
	answers, err := c.aggregate(ctx, squad.UUIDs(examples), sets, rule)
	if err != nil {
		return err
	}
	return c.writeAnswers(cfg, answers)
}

func recordSet(model int, preds []trainer.Prediction) ensemble.RecordSet {
	recs := make([]ensemble.Record, 0, len(preds))
	for _, p := range preds {
		recs = append(recs, ensemble.Record{
			UUID:  p.Example.UUID,
			Text:  p.Text,
			Start: p.Span.Start,
			End:   p.Span.End,
			Score: p.Score,
		})
	}
	return ensemble.NewRecordSet(model, recs)
}

func (c *Controller) aggregate(ctx context.Context, uuids []string, sets []ensemble.RecordSet, rule ensemble.Rule) (map[string]string, error) {
	var res ensemble.Result
	err := observability.WithSpan(ctx, c.opts.Tracer, "squadqa.aggregate", func(context.Context) error {
		var err error
		res, err = ensemble.AggregateDetailed(uuids, sets, rule)
		return err
	}, "models", len(sets), "rule", string(rule))
	if err != nil {
		return nil, err
	}
	for _, id := range uuids {
		c.opts.Metrics.RecordAgreement(res.Agreement[id])
	}
	return res.Answers, nil
}

// AggregateStored re-aggregates the record sets of a recorded ensemble run
// and writes the answers to json_out_path. The question order comes from
// json_in_path when set, else from the run's own input path.
func (c *Controller) AggregateStored(ctx context.Context, cfg config.RunConfig, runID string, rule string) error {
	recs, closeRecords, err := c.records(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeRecords()
	if recs == nil {
		return &config.ConfigurationError{Field: "records_dsn", Reason: "a record store is required to aggregate a stored run"}
	}

	run, err := recs.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if rule == "" {
		rule = run.Rule
	}
	parsed, err := ensemble.ParseRule(rule)
	if err != nil {
		return &config.ConfigurationError{Field: "ensemble_rule", Reason: err.Error()}
	}
	if cfg.JSONInPath == "" {
		cfg.JSONInPath = run.InputPath
	}
	examples, err := c.readInput(cfg)
	if err != nil {
		return err
	}
	sets, err := recs.LoadRecordSets(ctx, run.ID)
	if err != nil {
		return err
	}
	if err := ensemble.CheckModels(sets, run.Models); err != nil {
		return fmt.Errorf("ensemble run %s: %w", run.ID, err)
	}
	answers, err := c.aggregate(ctx, squad.UUIDs(examples), sets, parsed)
	if err != nil {
		return err
	}
	return c.writeAnswers(cfg, answers)
}

// records returns the configured record store, or nil when none is set.
func (c *Controller) records(ctx context.Context, cfg config.RunConfig) (Records, func(), error) {
	if c.opts.Records != nil {
		return c.opts.Records, func() {}, nil
	}
	if cfg.RecordsDSN == "" {
		return nil, func() {}, nil
	}
	store, err := records.Open(ctx, cfg.RecordsDSN, c.logger)
	if err != nil {
		return nil, nil, err
	}
	return store, func() {
		if err := store.Close(); err != nil {
			c.logger.Warn("close record store", "error", err)
		}
	}, nil
}

func (c *Controller) writeAnswers(cfg config.RunConfig, answers map[string]string) error {
	if err := squad.WriteAnswers(cfg.JSONOutPath, answers); err != nil {
		return err
	}
	c.logger.Info("wrote predictions", "path", cfg.JSONOutPath, "answers", len(answers))
	return c.writeMetrics(cfg, "")
}
