// Package observability wires structured logging, Prometheus metrics and
// OpenTelemetry tracing for squadqa runs.
package observability

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/term"
)

// LogConfig configures the logging behavior.
type LogConfig struct {
	// Level sets the minimum log level: "debug", "info", "warn", "error"
	Level string

	// Format specifies output format: "json", "text" or "auto".
	// auto picks text when Output is an interactive terminal and JSON otherwise.
	Format string

	// Output is the writer for log output (defaults to os.Stderr)
	Output io.Writer

	// AddSource includes file and line number in log records
	AddSource bool
}

// sensitiveKeys are attribute keys whose values never reach a log sink.
var sensitiveKeys = map[string]bool{
	"secret_access_key": true,
	"access_key_id":     true,
	"password":          true,
	"token":             true,
}

// NewLogger creates a structured logger with the given configuration.
//
// If config.Level is empty or invalid, defaults to "info".
func NewLogger(config LogConfig) *slog.Logger {
	if config.Output == nil {
		config.Output = os.Stderr
	}
	opts := &slog.HandlerOptions{
		Level:       LogLevelFromString(config.Level),
		AddSource:   config.AddSource,
		ReplaceAttr: redactAttr,
	}
	if useJSON(config.Format, config.Output) {
		return slog.New(slog.NewJSONHandler(config.Output, opts))
	}
	return slog.New(slog.NewTextHandler(config.Output, opts))
}

func useJSON(format string, out io.Writer) bool {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "json":
		return true
	case "text":
		return false
	}
	if f, ok := out.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		return false
	}
	return true
}

func redactAttr(_ []string, a slog.Attr) slog.Attr {
	if sensitiveKeys[strings.ToLower(a.Key)] && a.Value.String() != "" {
		return slog.String(a.Key, "[REDACTED]")
	}
	return a
}

// LogLevelFromString converts a string to a slog.Level.
// Returns LevelInfo if the string is not recognized.
func LogLevelFromString(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// TeeFile returns a logger that writes every record both to the handler of
// base and, as JSON, to path. The returned closer must be called when the
// run finishes.
func TeeFile(base *slog.Logger, path string, level string) (*slog.Logger, io.Closer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, err
	}
	fileHandler := slog.NewJSONHandler(f, &slog.HandlerOptions{
		Level:       LogLevelFromString(level),
		ReplaceAttr: redactAttr,
	})
	return slog.New(fanout{base.Handler(), fileHandler}), f, nil
}
