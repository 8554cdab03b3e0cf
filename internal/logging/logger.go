package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Fantasim/hdcustody/internal/config"
)

// Options configures Setup.
type Options struct {
	Level  string
	Dir    string
	Env    string
	Stdout io.Writer // defaults to os.Stdout
}

// redactedKeys are attribute keys whose values never reach a log line.
var redactedKeys = map[string]bool{
	"mnemonic":      true,
	"seed":          true,
	"privatekey":    true,
	"privkey":       true,
	"authorization": true,
	"token":         true,
	"ledgertoken":   true,
	"operatortoken": true,
}

const redacted = "[REDACTED]"

// Setup installs the default slog logger. Records go to Stdout and to a
// per-day file under Dir: JSON in production, text to the console otherwise.
// The returned closer releases the file handle.
func Setup(opts Options) (io.Closer, error) {
	level, err := parseLevel(opts.Level)
	if err != nil {
		return nil, fmt.Errorf("failed to parse log level %q: %w", opts.Level, err)
	}
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}

	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory %q: %w", opts.Dir, err)
	}
	filename := fmt.Sprintf(config.LogFilePattern, time.Now().Format("2006-01-02"))
	path := filepath.Join(opts.Dir, filename)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file %q: %w", path, err)
	}

	handlerOpts := &slog.HandlerOptions{Level: level, ReplaceAttr: redact}
	fileHandler := slog.NewJSONHandler(file, handlerOpts)
	var console slog.Handler
	if strings.EqualFold(opts.Env, config.EnvProduction) {
		console = slog.NewJSONHandler(opts.Stdout, handlerOpts)
	} else {
		console = slog.NewTextHandler(opts.Stdout, handlerOpts)
	}

	slog.SetDefault(slog.New(fanout{console, fileHandler}).With("service", "custody"))
	slog.Info("logging initialized", "level", level.String(), "env", opts.Env, "logFile", path)

	if removed := CleanOldLogs(opts.Dir, config.LogMaxAgeDays); removed > 0 {
		slog.Info("cleaned old log files", "removed", removed, "maxAgeDays", config.LogMaxAgeDays)
	}
	return file, nil
}

func redact(_ []string, a slog.Attr) slog.Attr {
	if redactedKeys[strings.ToLower(a.Key)] && a.Value.Kind() != slog.KindGroup {
		return slog.String(a.Key, redacted)
	}
	return a
}

// fanout sends each record to every handler that accepts its level.
type fanout []slog.Handler

func (f fanout) Enabled(ctx context.Context, l slog.Level) bool {
	for _, h := range f {
		if h.Enabled(ctx, l) {
			return true
		}
	}
	return false
}

func (f fanout) Handle(ctx context.Context, r slog.Record) error {
	var first error
	for _, h := range f {
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		if err := h.Handle(ctx, r.Clone()); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (f fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithAttrs(attrs)
	}
	return out
}

func (f fanout) WithGroup(name string) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithGroup(name)
	}
	return out
}

// CleanOldLogs deletes custody log files in dir last modified more than
// maxAgeDays ago and returns how many were removed.
func CleanOldLogs(dir string, maxAgeDays int) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		slog.Warn("failed to read log directory for cleanup", "logDir", dir, "error", err)
		return 0
	}

	cutoff := time.Now().AddDate(0, 0, -maxAgeDays)
	removed := 0
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, config.LogFilePrefix) || filepath.Ext(name) != ".log" {
			continue
		}
		info, err := entry.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		full := filepath.Join(dir, name)
		if err := os.Remove(full); err != nil {
			slog.Warn("failed to remove old log file", "file", full, "error", err)
			continue
		}
		removed++
	}
	return removed
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level: %s", s)
	}
}
