// Package logging owns slog handler setup for the hermes daemon and CLI.
// Components receive a *slog.Logger at construction and narrow it with
// .With(); only cmd/hermes installs the process default.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Config controls handler construction.
type Config struct {
	// Level is the minimum level: "debug", "info", "warn", "error".
	Level string `yaml:"level"`

	// Format selects the handler: "text" or "json".
	Format string `yaml:"format"`

	// Dir, when set, adds a file sink <Dir>/hermes.log next to stderr.
	Dir string `yaml:"dir"`

	// AddSource includes file:line in records.
	AddSource bool `yaml:"add_source"`
}

// redactPatterns cover token shapes that must never reach a log sink.
var redactPatterns = []*regexp.Regexp{
	regexp.MustCompile(`sk-ant-[a-zA-Z0-9_-]{20,}`),
	regexp.MustCompile(`sk-or-[a-zA-Z0-9_-]{20,}`),
	regexp.MustCompile(`sk-[a-zA-Z0-9]{32,}`),
	regexp.MustCompile(`xox[bap]-[a-zA-Z0-9-]{10,}`),
	regexp.MustCompile(`(?i)(api[_-]?key|token|secret|password)=\S+`),
}

// redactWriter rewrites known secret shapes before the bytes hit a sink.
type redactWriter struct {
	w io.Writer
}

func (rw redactWriter) Write(p []byte) (int, error) {
	out := p
	for _, re := range redactPatterns {
		out = re.ReplaceAll(out, []byte("[redacted]"))
	}
	if _, err := rw.w.Write(out); err != nil {
		return 0, err
	}
	// Report the caller's length; the rewrite may change the byte count.
	return len(p), nil
}

// New builds a logger per cfg. The file sink is best-effort: failure to
// open it degrades to stderr-only with a warning on the returned logger.
func New(cfg Config) (*slog.Logger, error) {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	var sinks []io.Writer
	sinks = append(sinks, os.Stderr)

	var openErr error
	if cfg.Dir != "" {
		if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
			openErr = err
		} else {
			f, err := os.OpenFile(filepath.Join(cfg.Dir, "hermes.log"),
				os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
			if err != nil {
				openErr = err
			} else {
				sinks = append(sinks, f)
			}
		}
	}

	w := redactWriter{w: io.MultiWriter(sinks...)}
	opts := &slog.HandlerOptions{Level: level, AddSource: cfg.AddSource}

	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	logger := slog.New(handler)
	if openErr != nil {
		logger.Warn("log file sink unavailable", "dir", cfg.Dir, "error", openErr)
	}
	return logger, nil
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("unknown log level %q", s)
}

// Discard returns a logger that drops everything. Tests use it to silence
// components that demand a logger.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
