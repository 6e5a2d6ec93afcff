package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/squadqa/internal/checkpoint"
	"github.com/haasonsaas/squadqa/internal/config"
	"github.com/haasonsaas/squadqa/internal/controller"
	"github.com/haasonsaas/squadqa/internal/model/baseline"
	"github.com/haasonsaas/squadqa/internal/observability"
	"github.com/haasonsaas/squadqa/internal/records"
)

// runFlags holds the run configuration bound to one command's flags.
type runFlags struct {
	cfg        config.RunConfig
	configPath string
}

func bindRunFlags(cmd *cobra.Command) *runFlags {
	rf := &runFlags{cfg: config.Defaults()}
	config.BindFlags(cmd.Flags(), &rf.cfg)
	cmd.Flags().StringVarP(&rf.configPath, config.ConfigFileFlag, "c", "", "Path to a YAML, JSON or JSON5 config file. Flags set on the command line override it")
	return rf
}

// build resolves the final configuration. A non-empty mode overrides
// --mode and the config file.
func (rf *runFlags) build(cmd *cobra.Command, mode config.Mode) (config.RunConfig, error) {
	cfg, err := config.Build(cmd.Flags(), rf.cfg, rf.configPath)
	if err != nil {
		return config.RunConfig{}, err
	}
	if mode != "" {
		cfg.Mode = string(mode)
	}
	return cfg, nil
}

// runtimeEnv carries the ambient services of one command invocation.
type runtimeEnv struct {
	logger     *slog.Logger
	metrics    *observability.Metrics
	controller *controller.Controller
	shutdown   func(context.Context) error
}

func newRuntimeEnv(cmd *cobra.Command, cfg config.RunConfig) (*runtimeEnv, error) {
	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cmd.ErrOrStderr(),
	})
	slog.SetDefault(logger)

	tracer, shutdown := observability.NewTracer(observability.TraceConfig{
		ServiceName:    cfg.Tracing.ServiceName,
		ServiceVersion: version,
		Endpoint:       cfg.Tracing.Endpoint,
		SamplingRate:   cfg.Tracing.SamplingRate,
		EnableInsecure: cfg.Tracing.Insecure,
	})
	metrics := observability.NewMetrics()

	ctrl, err := controller.New(controller.Options{
		Factory: baseline.Factory,
		Open: checkpoint.NewOpener(checkpoint.S3Config{
			Region:          cfg.S3.Region,
			Endpoint:        cfg.S3.Endpoint,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
			UsePathStyle:    cfg.S3.UsePathStyle,
		}),
		Logger:  logger,
		Metrics: metrics,
		Tracer:  tracer,
		Stdout:  cmd.OutOrStdout(),
	})
	if err != nil {
		_ = shutdown(context.Background())
		return nil, err
	}
	return &runtimeEnv{logger: logger, metrics: metrics, controller: ctrl, shutdown: shutdown}, nil
}

func (e *runtimeEnv) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.shutdown(ctx); err != nil {
		e.logger.Warn("tracer shutdown failed", "error", err)
	}
}

func runMode(cmd *cobra.Command, flags *runFlags, mode config.Mode) error {
	cfg, err := flags.build(cmd, mode)
	if err != nil {
		return err
	}
	// Resolve the mode before any logger, tracer or file is set up.
	job, err := controller.Plan(cfg)
	if err != nil {
		return err
	}
	env, err := newRuntimeEnv(cmd, cfg)
	if err != nil {
		return err
	}
	defer env.close()

	env.logger.Info("starting run", "mode", job.Mode.String(), "eval", job.Eval.String(), "config", cfg.Redacted())
	return env.controller.Execute(cmd.Context(), job)
}

func runAggregate(cmd *cobra.Command, flags *runFlags, runID string) error {
	cfg, err := flags.build(cmd, config.ModeOfficialEval)
	if err != nil {
		return err
	}
	env, err := newRuntimeEnv(cmd, cfg)
	if err != nil {
		return err
	}
	defer env.close()

	// An explicit --ensemble_rule replaces the rule the run was recorded with.
	rule := ""
	if cmd.Flags().Changed("ensemble_rule") {
		rule = cfg.EnsembleRule
	}
	return env.controller.AggregateStored(cmd.Context(), cfg, runID, rule)
}

func runAggregateList(cmd *cobra.Command, flags *runFlags, limit int) error {
	cfg, err := flags.build(cmd, config.ModeOfficialEval)
	if err != nil {
		return err
	}
	if cfg.RecordsDSN == "" {
		return &config.ConfigurationError{Field: "records_dsn", Reason: "a record store is required to list ensemble runs"}
	}
	store, err := records.Open(cmd.Context(), cfg.RecordsDSN, slog.Default())
	if err != nil {
		return err
	}
	defer store.Close()

	runs, err := store.ListRuns(cmd.Context(), limit)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(runs) == 0 {
		fmt.Fprintln(out, "No ensemble runs recorded.")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tCREATED\tMODELS\tRULE\tINPUT")
	for _, run := range runs {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", run.ID, run.CreatedAt.Format(time.RFC3339), run.Models, run.Rule, run.InputPath)
	}
	return w.Flush()
}

func runWatch(cmd *cobra.Command, flags *runFlags) error {
	cfg, err := flags.build(cmd, config.ModeTrain)
	if err != nil {
		return err
	}
	env, err := newRuntimeEnv(cmd, cfg)
	if err != nil {
		return err
	}
	defer env.close()

	err = env.controller.Watch(cmd.Context(), cfg, controller.WatchOptions{})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func runConfigSchema(cmd *cobra.Command) error {
	schema, err := config.JSONSchema()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(schema))
	return err
}

func runConfigValidate(cmd *cobra.Command, flags *runFlags) error {
	cfg, err := flags.build(cmd, "")
	if err != nil {
		return err
	}
	job, err := controller.Plan(cfg)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Configuration is valid for mode %s", job.Mode)
	if job.Mode == controller.ModeEvaluate {
		fmt.Fprintf(out, " (%s)", job.Eval)
	}
	fmt.Fprintln(out)
	return nil
}
