package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/squadqa/internal/config"
)

// buildRootCmd creates the root command with all subcommands attached.
// The root command itself dispatches on --mode.
func buildRootCmd() *cobra.Command {
	var flags *runFlags
	rootCmd := &cobra.Command{
		Use:   "squadqa",
		Short: "Train and evaluate extractive question answering models",
		Long: `squadqa trains span-extraction models on SQuAD-style data, prints
examples from the best checkpoint and answers SQuAD JSON files with a single
model or an ensemble.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMode(cmd, flags, "")
		},
	}
	flags = bindRunFlags(rootCmd)

	rootCmd.AddCommand(
		buildRunCmd(),
		buildModeCmd("train", "Train a model", config.ModeTrain),
		buildModeCmd("show-examples", "Print dev examples and F1/EM from the best checkpoint", config.ModeShowExamples),
		buildModeCmd("official-eval", "Answer a SQuAD JSON file from saved checkpoints", config.ModeOfficialEval),
		buildAggregateCmd(),
		buildWatchCmd(),
		buildConfigCmd(),
	)
	return rootCmd
}

func buildRunCmd() *cobra.Command {
	var flags *runFlags
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the mode selected by --mode",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMode(cmd, flags, "")
		},
	}
	flags = bindRunFlags(cmd)
	return cmd
}

// buildModeCmd creates a command that runs one fixed mode.
func buildModeCmd(use, short string, mode config.Mode) *cobra.Command {
	var flags *runFlags
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMode(cmd, flags, mode)
		},
	}
	flags = bindRunFlags(cmd)
	cobra.CheckErr(cmd.Flags().MarkHidden("mode"))
	return cmd
}

func buildAggregateCmd() *cobra.Command {
	var (
		flags *runFlags
		runID string
		list  bool
		limit int
	)
	cmd := &cobra.Command{
		Use:   "aggregate",
		Short: "Re-aggregate the stored answers of an ensemble run",
		Long: `Re-aggregate the per-model answers recorded during an ensemble
official_eval run, optionally with a different --ensemble_rule, without
running inference again. Requires --records_dsn.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if list {
				return runAggregateList(cmd, flags, limit)
			}
			return runAggregate(cmd, flags, runID)
		},
	}
	flags = bindRunFlags(cmd)
	cmd.Flags().StringVar(&runID, "run", "", "Ensemble run id to aggregate")
	cmd.Flags().BoolVar(&list, "list", false, "List recorded ensemble runs instead of aggregating")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of runs to list")
	cobra.CheckErr(cmd.Flags().MarkHidden("mode"))
	cmd.MarkFlagsOneRequired("run", "list")
	cmd.MarkFlagsMutuallyExclusive("run", "list")
	return cmd
}

func buildWatchCmd() *cobra.Command {
	var flags *runFlags
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Evaluate every new best checkpoint of a training run on the dev set",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(cmd, flags)
		},
	}
	flags = bindRunFlags(cmd)
	cobra.CheckErr(cmd.Flags().MarkHidden("mode"))
	return cmd
}

func buildConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect run configuration",
	}
	cmd.AddCommand(buildConfigSchemaCmd(), buildConfigValidateCmd())
	return cmd
}

func buildConfigSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the JSON schema of config files",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigSchema(cmd)
		},
	}
}

func buildConfigValidateCmd() *cobra.Command {
	var flags *runFlags
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check a configuration for the selected mode without running it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigValidate(cmd, flags)
		},
	}
	flags = bindRunFlags(cmd)
	return cmd
}
