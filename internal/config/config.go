package config

import (
	"fmt"
	"path/filepath"
	"strings"
)

// CurrentVersion is the configuration file version understood by this build.
const CurrentVersion = 1

// Mode selects the top-level execution path of a run.
type Mode string

const (
	ModeTrain        Mode = "train"
	ModeShowExamples Mode = "show_examples"
	ModeOfficialEval Mode = "official_eval"
)

// Evaluation sub-modes accepted by --single_ensemble.
const (
	EvalSingle   = "single"
	EvalEnsemble = "ensemble"
)

// Rotation policies accepted by --keep_policy.
const (
	KeepPerTag = "per_tag"
	KeepShared = "shared"
)

// RunConfig is the full set of hyperparameters and paths for one invocation.
//
// A RunConfig is produced once by Build and then handed by value to every
// component. Nothing mutates it after Build returns.
type RunConfig struct {
	Version int `yaml:"version" json:"version,omitempty"`

	// High-level options
	Mode           string `yaml:"mode" json:"mode"`
	GPU            int    `yaml:"gpu" json:"gpu"`
	ExperimentName string `yaml:"experiment_name" json:"experiment_name"`
	NumEpochs      int    `yaml:"num_epochs" json:"num_epochs"`
	Seed           int64  `yaml:"seed" json:"seed"`

	// Hyperparameters
	LearningRate              float64 `yaml:"learning_rate" json:"learning_rate"`
	MaxGradientNorm           float64 `yaml:"max_gradient_norm" json:"max_gradient_norm"`
	Dropout                   float64 `yaml:"dropout" json:"dropout"`
	BatchSize                 int     `yaml:"batch_size" json:"batch_size"`
	HiddenSize                int     `yaml:"hidden_size" json:"hidden_size"`
	ContextLen                int     `yaml:"context_len" json:"context_len"`
	QuestionLen               int     `yaml:"question_len" json:"question_len"`
	EmbeddingSize             int     `yaml:"embedding_size" json:"embedding_size"`
	ShareLSTMWeights          bool    `yaml:"share_LSTM_weights" json:"share_LSTM_weights"`
	MaxWordSize               int     `yaml:"max_word_size" json:"max_word_size"`
	ELMoEmbeddingMaxTokenSize int     `yaml:"elmo_embedding_max_token_size" json:"elmo_embedding_max_token_size"`
	POSEmbeddingSize          int     `yaml:"pos_embedding_size" json:"pos_embedding_size"`
	NEEmbeddingSize           int     `yaml:"ne_embedding_size" json:"ne_embedding_size"`
	CharEmbeddingSize         int     `yaml:"char_embedding_size" json:"char_embedding_size"`
	NumOfChar                 int     `yaml:"num_of_char" json:"num_of_char"`
	MaxAnswerLen              int     `yaml:"max_answer_len" json:"max_answer_len"`
	EMADecay                  float64 `yaml:"ema_decay" json:"ema_decay"`

	// Checkpoint selection
	LoadEMACheckpoint bool   `yaml:"load_ema_checkpoint" json:"load_ema_checkpoint"`
	SingleEnsemble    string `yaml:"single_ensemble" json:"single_ensemble"`
	EnsembleRule      string `yaml:"ensemble_rule" json:"ensemble_rule"`

	// Cadence
	PrintEvery int    `yaml:"print_every" json:"print_every"`
	SaveEvery  int    `yaml:"save_every" json:"save_every"`
	EvalEvery  int    `yaml:"eval_every" json:"eval_every"`
	Keep       int    `yaml:"keep" json:"keep"`
	KeepPolicy string `yaml:"keep_policy" json:"keep_policy"`

	// Paths
	TrainDir    string `yaml:"train_dir" json:"train_dir"`
	GlovePath   string `yaml:"glove_path" json:"glove_path"`
	DataDir     string `yaml:"data_dir" json:"data_dir"`
	CkptLoadDir string `yaml:"ckpt_load_dir" json:"ckpt_load_dir"`
	JSONInPath  string `yaml:"json_in_path" json:"json_in_path"`
	JSONOutPath string `yaml:"json_out_path" json:"json_out_path"`
	MainDir     string `yaml:"main_dir" json:"main_dir"`
	RecordsDSN  string `yaml:"records_dsn" json:"records_dsn"`

	Logging LoggingConfig `yaml:"logging" json:"logging"`
	Tracing TracingConfig `yaml:"tracing" json:"tracing"`
	Metrics MetricsConfig `yaml:"metrics" json:"metrics"`
	S3      S3Config      `yaml:"s3" json:"s3"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"` // json | text | auto
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Endpoint     string  `yaml:"endpoint" json:"endpoint"`
	ServiceName  string  `yaml:"service_name" json:"service_name"`
	SamplingRate float64 `yaml:"sampling_rate" json:"sampling_rate"`
	Insecure     bool    `yaml:"insecure" json:"insecure"`
}

// MetricsConfig controls where the Prometheus text file is written.
// An empty Path writes metrics.prom into the train dir in train mode and
// disables the file otherwise.
type MetricsConfig struct {
	Path string `yaml:"path" json:"path"`
}

// S3Config configures the S3-compatible checkpoint backend used for
// s3:// checkpoint directories.
type S3Config struct {
	Region          string `yaml:"region" json:"region"`
	Endpoint        string `yaml:"endpoint" json:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id" json:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key" json:"secret_access_key"`
	UsePathStyle    bool   `yaml:"use_path_style" json:"use_path_style"`
}

// Defaults returns the configuration used when neither a file nor a flag
// overrides a value.
func Defaults() RunConfig {
	return RunConfig{
		Version:                   CurrentVersion,
		Mode:                      string(ModeTrain),
		Seed:                      42,
		LearningRate:              0.001,
		MaxGradientNorm:           5.0,
		Dropout:                   0.2,
		BatchSize:                 100,
		HiddenSize:                100,
		ContextLen:                400,
		QuestionLen:               30,
		EmbeddingSize:             300,
		ShareLSTMWeights:          true,
		MaxWordSize:               40,
		ELMoEmbeddingMaxTokenSize: 60,
		POSEmbeddingSize:          10,
		NEEmbeddingSize:           10,
		CharEmbeddingSize:         16,
		NumOfChar:                 262,
		MaxAnswerLen:              15,
		EMADecay:                  0.999,
		LoadEMACheckpoint:         true,
		EnsembleRule:              "majority",
		PrintEvery:                1,
		SaveEvery:                 500,
		EvalEvery:                 500,
		Keep:                      1,
		KeepPolicy:                KeepPerTag,
		DataDir:                   "data",
		JSONOutPath:               "predictions.json",
		MainDir:                   ".",
		Logging: LoggingConfig{
			Level:  "info",
			Format: "auto",
		},
		Tracing: TracingConfig{
			ServiceName:  "squadqa",
			SamplingRate: 1.0,
		},
		S3: S3Config{
			Region: "us-east-1",
		},
	}
}

// ParseMode maps the --mode value onto a Mode.
func ParseMode(value string) (Mode, error) {
	switch Mode(strings.TrimSpace(value)) {
	case ModeTrain:
		return ModeTrain, nil
	case ModeShowExamples:
		return ModeShowExamples, nil
	case ModeOfficialEval:
		return ModeOfficialEval, nil
	default:
		return "", &UnrecognizedModeError{Value: value}
	}
}

// ExperimentsDir is where named experiments live when --train_dir is unset.
func (c RunConfig) ExperimentsDir() string {
	return filepath.Join(c.MainDir, "experiments")
}

// POSTagsPath is the part-of-speech tag list consumed in official_eval mode.
func (c RunConfig) POSTagsPath() string {
	return filepath.Join(c.MainDir, "pos_tags.txt")
}

// validate checks value ranges that hold for every mode. Mode-specific
// preconditions are enforced by the controller before any work starts.
func (c RunConfig) validate() error {
	if c.Version != CurrentVersion {
		return &ConfigurationError{Field: "version", Reason: fmt.Sprintf("config version %d is not supported by this build (want %d)", c.Version, CurrentVersion)}
	}
	positive := []struct {
		field string
		value int
	}{
		{"batch_size", c.BatchSize},
		{"context_len", c.ContextLen},
		{"question_len", c.QuestionLen},
		{"print_every", c.PrintEvery},
		{"save_every", c.SaveEvery},
		{"eval_every", c.EvalEvery},
		{"max_answer_len", c.MaxAnswerLen},
	}
	for _, p := range positive {
		if p.value <= 0 {
			return &ConfigurationError{Field: p.field, Reason: fmt.Sprintf("must be positive, got %d", p.value)}
		}
	}
	if c.NumEpochs < 0 {
		return &ConfigurationError{Field: "num_epochs", Reason: "must be >= 0 (0 trains indefinitely)"}
	}
	if c.Keep < 0 {
		return &ConfigurationError{Field: "keep", Reason: "must be >= 0 (0 keeps all checkpoints)"}
	}
	if c.LearningRate <= 0 {
		return &ConfigurationError{Field: "learning_rate", Reason: "must be positive"}
	}
	if c.Dropout < 0 || c.Dropout >= 1 {
		return &ConfigurationError{Field: "dropout", Reason: "must be in [0, 1)"}
	}
	if c.EMADecay <= 0 || c.EMADecay >= 1 {
		return &ConfigurationError{Field: "ema_decay", Reason: "must be in (0, 1)"}
	}
	switch c.KeepPolicy {
	case KeepPerTag, KeepShared:
	default:
		return &ConfigurationError{Field: "keep_policy", Reason: fmt.Sprintf("unknown policy %q (want %s or %s)", c.KeepPolicy, KeepPerTag, KeepShared)}
	}
	switch c.SingleEnsemble {
	case "", EvalSingle, EvalEnsemble:
	default:
		return &ConfigurationError{Field: "single_ensemble", Reason: fmt.Sprintf("unknown value %q (want %s or %s)", c.SingleEnsemble, EvalSingle, EvalEnsemble)}
	}
	return nil
}

// resolvePaths fills path defaults derived from other fields. It never
// touches the filesystem.
func (c *RunConfig) resolvePaths() {
	if c.TrainDir == "" && c.ExperimentName != "" {
		c.TrainDir = filepath.Join(c.ExperimentsDir(), c.ExperimentName)
	}
	if c.GlovePath == "" {
		c.GlovePath = filepath.Join(c.DataDir, fmt.Sprintf("glove.42B.%dd.txt", c.EmbeddingSize))
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	c.EnsembleRule = strings.ToLower(strings.TrimSpace(c.EnsembleRule))
}
