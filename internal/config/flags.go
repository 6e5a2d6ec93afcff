package config

import (
	"fmt"
	"strings"

	"github.com/spf13/pflag"
)

// ConfigFileFlag names the flag that points at an optional config file.
const ConfigFileFlag = "config"

// BindFlags registers the run flags on fs, writing parsed values into c.
// Defaults are taken from c, so callers normally pass a pointer to Defaults().
func BindFlags(fs *pflag.FlagSet, c *RunConfig) {
	// High-level options
	fs.IntVar(&c.GPU, "gpu", c.GPU, "Which GPU to use, if you have multiple.")
	fs.StringVar(&c.Mode, "mode", c.Mode, "Available modes: train / show_examples / official_eval")
	fs.StringVar(&c.ExperimentName, "experiment_name", c.ExperimentName, "Unique name for your experiment. Creates experiments/<name> holding all data for the experiment")
	fs.IntVar(&c.NumEpochs, "num_epochs", c.NumEpochs, "Number of epochs to train. 0 means train indefinitely")
	fs.Int64Var(&c.Seed, "seed", c.Seed, "Random seed for parameter initialisation and batch shuffling")

	// Hyperparameters
	fs.Float64Var(&c.LearningRate, "learning_rate", c.LearningRate, "Learning rate.")
	fs.Float64Var(&c.MaxGradientNorm, "max_gradient_norm", c.MaxGradientNorm, "Clip gradients to this norm.")
	fs.Float64Var(&c.Dropout, "dropout", c.Dropout, "Fraction of units randomly dropped on non-recurrent connections.")
	fs.IntVar(&c.BatchSize, "batch_size", c.BatchSize, "Batch size to use")
	fs.IntVar(&c.HiddenSize, "hidden_size", c.HiddenSize, "Size of the hidden states")
	fs.IntVar(&c.ContextLen, "context_len", c.ContextLen, "The maximum context length of your model")
	fs.IntVar(&c.QuestionLen, "question_len", c.QuestionLen, "The maximum question length of your model")
	fs.IntVar(&c.EmbeddingSize, "embedding_size", c.EmbeddingSize, "Size of the pretrained word vectors (50/100/200/300)")
	fs.BoolVar(&c.ShareLSTMWeights, "share_LSTM_weights", c.ShareLSTMWeights, "Whether to share encoder weights for context and question")
	fs.IntVar(&c.MaxWordSize, "max_word_size", c.MaxWordSize, "Maximum length of a token (word)")
	fs.IntVar(&c.ELMoEmbeddingMaxTokenSize, "elmo_embedding_max_token_size", c.ELMoEmbeddingMaxTokenSize, "Maximum token length for contextual embeddings")
	fs.IntVar(&c.POSEmbeddingSize, "pos_embedding_size", c.POSEmbeddingSize, "Size of POS embedding")
	fs.IntVar(&c.NEEmbeddingSize, "ne_embedding_size", c.NEEmbeddingSize, "Size of named entity embedding")
	fs.IntVar(&c.CharEmbeddingSize, "char_embedding_size", c.CharEmbeddingSize, "Size of char embedding")
	fs.IntVar(&c.NumOfChar, "num_of_char", c.NumOfChar, "Size of the character vocabulary")
	fs.IntVar(&c.MaxAnswerLen, "max_answer_len", c.MaxAnswerLen, "Longest answer span (in tokens) considered at extraction time")
	fs.Float64Var(&c.EMADecay, "ema_decay", c.EMADecay, "Decay of the exponential moving average of the weights")

	// Checkpoint selection
	fs.BoolVar(&c.LoadEMACheckpoint, "load_ema_checkpoint", c.LoadEMACheckpoint, "Which checkpoint to load (ema/original)")
	fs.StringVar(&c.SingleEnsemble, "single_ensemble", c.SingleEnsemble, "Whether to use the single model or ensemble model (single/ensemble)")
	fs.StringVar(&c.EnsembleRule, "ensemble_rule", c.EnsembleRule, "Ensemble voting rule: majority / confidence_sum / max_confidence")

	// How often to print, save, eval
	fs.IntVar(&c.PrintEvery, "print_every", c.PrintEvery, "How many iterations to do per print.")
	fs.IntVar(&c.SaveEvery, "save_every", c.SaveEvery, "How many iterations to do per save.")
	fs.IntVar(&c.EvalEvery, "eval_every", c.EvalEvery, "How many iterations to do per calculating loss/f1/em on dev set.")
	fs.IntVar(&c.Keep, "keep", c.Keep, "How many checkpoints to keep. 0 indicates keep all.")
	fs.StringVar(&c.KeepPolicy, "keep_policy", c.KeepPolicy, "Checkpoint rotation: per_tag (raw and EMA rotate separately) or shared")

	// Reading and saving data
	fs.StringVar(&c.TrainDir, "train_dir", c.TrainDir, "Training directory to save the model parameters and other info. Defaults to experiments/{experiment_name}")
	fs.StringVar(&c.GlovePath, "glove_path", c.GlovePath, "Path to glove .txt file. Defaults to data/glove.42B.{embedding_size}d.txt")
	fs.StringVar(&c.DataDir, "data_dir", c.DataDir, "Where to find preprocessed SQuAD data for training.")
	fs.StringVar(&c.CkptLoadDir, "ckpt_load_dir", c.CkptLoadDir, "For official_eval mode, which directory to load the checkpoint from.")
	fs.StringVar(&c.JSONInPath, "json_in_path", c.JSONInPath, "For official_eval mode, path to JSON input file.")
	fs.StringVar(&c.JSONOutPath, "json_out_path", c.JSONOutPath, "Output path for official_eval mode.")
	fs.StringVar(&c.MainDir, "main_dir", c.MainDir, "The main directory.")
	fs.StringVar(&c.RecordsDSN, "records_dsn", c.RecordsDSN, "Where to persist per-model ensemble answers (sqlite path or postgres:// DSN). Empty disables")

	// Observability
	fs.StringVar(&c.Logging.Level, "log_level", c.Logging.Level, "Log level: debug / info / warn / error")
	fs.StringVar(&c.Logging.Format, "log_format", c.Logging.Format, "Log format: json / text / auto")
	fs.StringVar(&c.Tracing.Endpoint, "otel_endpoint", c.Tracing.Endpoint, "OTLP gRPC collector endpoint. Empty disables tracing")
	fs.StringVar(&c.Metrics.Path, "metrics_path", c.Metrics.Path, "Write Prometheus metrics to this file on exit")
}

// Build produces the run configuration from flag values and an optional
// config file. Precedence is defaults < config file < flags set on the
// command line. Build does not touch the filesystem beyond reading the
// config file.
func Build(fs *pflag.FlagSet, fromFlags RunConfig, configPath string) (RunConfig, error) {
	cfg := fromFlags
	if strings.TrimSpace(configPath) != "" {
		fileCfg, err := LoadFile(configPath, Defaults())
		if err != nil {
			return RunConfig{}, err
		}
		cfg, err = overlayChanged(fs, fileCfg)
		if err != nil {
			return RunConfig{}, err
		}
	}
	cfg.resolvePaths()
	if err := cfg.validate(); err != nil {
		return RunConfig{}, err
	}
	return cfg, nil
}

// overlayChanged re-applies every flag the user set explicitly on top of a
// file-derived configuration.
func overlayChanged(fs *pflag.FlagSet, base RunConfig) (RunConfig, error) {
	out := base
	overlay := pflag.NewFlagSet("overlay", pflag.ContinueOnError)
	BindFlags(overlay, &out)

	var firstErr error
	fs.Visit(func(f *pflag.Flag) {
		if firstErr != nil || overlay.Lookup(f.Name) == nil {
			return
		}
		if err := overlay.Set(f.Name, f.Value.String()); err != nil {
			firstErr = fmt.Errorf("apply --%s: %w", f.Name, err)
		}
	})
	if firstErr != nil {
		return RunConfig{}, firstErr
	}
	return out, nil
}
