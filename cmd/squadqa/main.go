// Package main provides the squadqa command line: training, inspection and
// official evaluation of extractive question answering models.
//
// # Basic Usage
//
// Train a model:
//
//	squadqa train --experiment_name baseline --data_dir data
//
// Print dev examples from the best checkpoint:
//
//	squadqa show-examples --experiment_name baseline
//
// Answer a SQuAD file with an ensemble of seven checkpoints:
//
//	squadqa official-eval --json_in_path dev.json --ckpt_load_dir ckpts \
//	    --single_ensemble ensemble --json_out_path predictions.json
//
// The original single-command form is also accepted:
//
//	squadqa --mode official_eval --single_ensemble single ...
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd := buildRootCmd()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		slog.Error("command execution failed", "error", err)
		stop()
		os.Exit(1)
	}
}
