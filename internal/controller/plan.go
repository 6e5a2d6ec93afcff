package controller

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/haasonsaas/squadqa/internal/config"
	"github.com/haasonsaas/squadqa/internal/ensemble"
)

// Mode is the execution path of a run.
type Mode int

const (
	ModeTrain Mode = iota + 1
	ModeInspect
	ModeEvaluate
)

func (m Mode) String() string {
	switch m {
	case ModeTrain:
		return string(config.ModeTrain)
	case ModeInspect:
		return string(config.ModeShowExamples)
	case ModeEvaluate:
		return string(config.ModeOfficialEval)
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// EvalKind selects single-model or ensemble evaluation.
type EvalKind int

const (
	EvalNone EvalKind = iota
	EvalSingle
	EvalEnsemble
)

func (k EvalKind) String() string {
	switch k {
	case EvalSingle:
		return config.EvalSingle
	case EvalEnsemble:
		return config.EvalEnsemble
	}
	return "none"
}

// Job is a configuration resolved to one execution variant. Every
// precondition of the variant has been checked.
type Job struct {
	Mode   Mode
	Eval   EvalKind
	Rule   ensemble.Rule
	Config config.RunConfig
}

// Plan resolves cfg to a Job. It only inspects cfg: no file is read or
// created, so a failed Plan leaves no trace on disk.
func Plan(cfg config.RunConfig) (Job, error) {
	mode, err := config.ParseMode(cfg.Mode)
	if err != nil {
		return Job{}, err
	}
	job := Job{Config: cfg}

	switch mode {
	case config.ModeTrain, config.ModeShowExamples:
		if strings.TrimSpace(cfg.ExperimentName) == "" && strings.TrimSpace(cfg.TrainDir) == "" {
			return Job{}, &config.ConfigurationError{
				Field:  "experiment_name",
				Reason: "you need to specify either --experiment_name or --train_dir",
			}
		}
		if strings.TrimSpace(job.Config.TrainDir) == "" {
			job.Config.TrainDir = filepath.Join(cfg.ExperimentsDir(), cfg.ExperimentName)
		}
		job.Mode = ModeTrain
		if mode == config.ModeShowExamples {
			job.Mode = ModeInspect
		}
		return job, nil

	case config.ModeOfficialEval:
		job.Mode = ModeEvaluate
		if strings.TrimSpace(cfg.JSONInPath) == "" {
			return Job{}, &config.ConfigurationError{
				Field:  "json_in_path",
				Reason: "for official_eval mode, you need to specify --json_in_path",
			}
		}
		if strings.TrimSpace(cfg.CkptLoadDir) == "" {
			return Job{}, &config.ConfigurationError{
				Field:  "ckpt_load_dir",
				Reason: "for official_eval mode, you need to specify --ckpt_load_dir",
			}
		}
		switch cfg.SingleEnsemble {
		case config.EvalSingle:
			job.Eval = EvalSingle
		case config.EvalEnsemble:
			job.Eval = EvalEnsemble
			rule, err := ensemble.ParseRule(cfg.EnsembleRule)
			if err != nil {
				return Job{}, &config.ConfigurationError{Field: "ensemble_rule", Reason: err.Error()}
			}
			job.Rule = rule
		default:
			return Job{}, &config.ConfigurationError{
				Field:  "single_ensemble",
				Reason: fmt.Sprintf("for official_eval mode, --single_ensemble must be %q or %q, got %q", config.EvalSingle, config.EvalEnsemble, cfg.SingleEnsemble),
			}
		}
		return job, nil
	}
	return Job{}, &config.UnrecognizedModeError{Value: cfg.Mode}
}
