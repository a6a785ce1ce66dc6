package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/nerrad567/gray-logic-wemo/internal/infrastructure/config"
)

// serviceName is attached to every log entry.
const serviceName = "graylogic-wemo"

// Logger wraps slog.Logger with bridge defaults. Safe for concurrent use.
type Logger struct {
	*slog.Logger

	closer io.Closer
}

// New creates a Logger from configuration. Output is "stdout", "stderr" or
// a file path; a file that cannot be opened falls back to stderr with a
// warning so a bad path never stops the bridge.
func New(cfg config.LoggingConfig, version string) *Logger {
	out, closer, err := openOutput(cfg.Output)
	l := NewWithWriter(cfg, version, out)
	l.closer = closer
	if err != nil {
		l.Warn("log output unavailable, using stderr", "output", cfg.Output, "error", err)
	}
	return l
}

// NewWithWriter creates a Logger writing to output. cfg.Output is ignored.
func NewWithWriter(cfg config.LoggingConfig, version string, output io.Writer) *Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}

	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "text") {
		handler = slog.NewTextHandler(output, opts)
	} else {
		handler = slog.NewJSONHandler(output, opts)
	}

	handler = handler.WithAttrs([]slog.Attr{
		slog.String("service", serviceName),
		slog.String("version", version),
	})
	return &Logger{Logger: slog.New(handler)}
}

func openOutput(output string) (io.Writer, io.Closer, error) {
	switch strings.ToLower(strings.TrimSpace(output)) {
	case "", "stdout":
		return os.Stdout, nil, nil
	case "stderr":
		return os.Stderr, nil, nil
	}
	f, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640) //nolint:gosec // path comes from operator config
	if err != nil {
		return os.Stderr, nil, fmt.Errorf("opening log file: %w", err)
	}
	return f, f, nil
}

// parseLevel maps debug, info, warn(ing) and error; anything else is info.
func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// With returns a child Logger carrying extra attributes.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...)}
}

// Component returns a child Logger tagged with component=name.
//
//	engineLog := log.Component("engine")
//	engineLog.Info("discovery pass complete") // component=engine
func (l *Logger) Component(name string) *Logger {
	return l.With("component", name)
}

// Close releases a log file opened by New. Child loggers share the file
// and must not be used afterwards.
func (l *Logger) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

// Default is the logger used before configuration is loaded: JSON on
// stdout at info level.
func Default() *Logger {
	return NewWithWriter(config.LoggingConfig{Level: "info", Format: "json"}, "dev", os.Stdout)
}
