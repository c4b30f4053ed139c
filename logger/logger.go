// Package logger provides structured logging for the sievevm delivery agent
// and tools.
//
// It wraps log/slog with stderr, stdout, syslog and file outputs in json or
// console format. Initialize once at startup:
//
//	logFile, err := logger.Initialize(cfg.Logging)
//	if err != nil {
//		log.Fatal(err)
//	}
//	if logFile != nil {
//		defer logFile.Close()
//	}
//
// Runtime packages log through the package-level helpers with key/value
// attributes:
//
//	logger.Debug("Sieve: action executed", "action", "fileinto")
//	logger.ForScript("user").Warn("Sieve: script execution failed", "pc", 42)
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"log/syslog"
	"os"
	"runtime"
	"strings"

	"github.com/migadu/sievevm/config"
)

var globalLogger *slog.Logger

// syslogHandler renders records as "msg key=value ..." lines on the mail
// facility.
type syslogHandler struct {
	writer *syslog.Writer
	level  slog.Level
	prefix string // group prefix for keys, "a.b."
	attrs  string // pre-rendered attributes
}

func (h *syslogHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *syslogHandler) Handle(_ context.Context, r slog.Record) error {
	var b strings.Builder
	b.WriteString(r.Message)
	b.WriteString(h.attrs)
	r.Attrs(func(a slog.Attr) bool {
		appendAttr(&b, h.prefix, a)
		return true
	})
	msg := b.String()

	switch {
	case r.Level >= slog.LevelError:
		return h.writer.Err(msg)
	case r.Level >= slog.LevelWarn:
		return h.writer.Warning(msg)
	case r.Level >= slog.LevelInfo:
		return h.writer.Info(msg)
	default:
		return h.writer.Debug(msg)
	}
}

func (h *syslogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	var b strings.Builder
	b.WriteString(h.attrs)
	for _, a := range attrs {
		appendAttr(&b, h.prefix, a)
	}
	clone := *h
	clone.attrs = b.String()
	return &clone
}

func (h *syslogHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	clone := *h
	clone.prefix = h.prefix + name + "."
	return &clone
}

func appendAttr(b *strings.Builder, prefix string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}
	if a.Value.Kind() == slog.KindGroup {
		group := prefix
		if a.Key != "" {
			group += a.Key + "."
		}
		for _, ga := range a.Value.Group() {
			appendAttr(b, group, ga)
		}
		return
	}
	val := a.Value.String()
	if strings.ContainsAny(val, " \t\"=") || val == "" {
		val = fmt.Sprintf("%q", val)
	}
	fmt.Fprintf(b, " %s%s=%s", prefix, a.Key, val)
}

// Initialize sets up the global logger based on configuration. The returned
// file, if any, is the log file the caller must close.
func Initialize(cfg config.LoggingConfig) (*os.File, error) {
	level := parseLogLevel(cfg.Level)
	format := cfg.Format

	switch output := cfg.Output; output {
	case "", "stderr":
		setHandler(newHandler(os.Stderr, format, level))
	case "stdout":
		setHandler(newHandler(os.Stdout, format, level))
	case "syslog":
		if runtime.GOOS == "windows" {
			fmt.Fprintf(os.Stderr, "WARNING: syslog is not supported on Windows. Falling back to stderr.\n")
			setHandler(newHandler(os.Stderr, format, level))
			break
		}
		w, err := syslog.New(syslog.LOG_INFO|syslog.LOG_MAIL, "sievevm")
		if err != nil {
			fmt.Fprintf(os.Stderr, "WARNING: failed to connect to syslog: %v. Falling back to stderr.\n", err)
			setHandler(newHandler(os.Stderr, format, level))
			break
		}
		setHandler(&syslogHandler{writer: w, level: level})
	default:
		f, err := os.OpenFile(output, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "WARNING: failed to open log file '%s': %v. Falling back to stderr.\n", output, err)
			setHandler(newHandler(os.Stderr, format, level))
			return nil, nil
		}
		setHandler(newHandler(f, format, level))
		return f, nil
	}
	return nil, nil
}

// InitializeWriter sends log records to w, ignoring cfg.Output. The command
// line tools use it to log to the stream they were given.
func InitializeWriter(w io.Writer, cfg config.LoggingConfig) {
	setHandler(newHandler(w, cfg.Format, parseLogLevel(cfg.Level)))
}

func setHandler(h slog.Handler) {
	globalLogger = slog.New(h)
	slog.SetDefault(globalLogger)
}

func newHandler(w io.Writer, format string, level slog.Level) slog.Handler {
	// Source locations would point at the wrappers below.
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(format, "json") {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug", "trace":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Get returns the global logger instance
func Get() *slog.Logger {
	if globalLogger == nil {
		return slog.Default()
	}
	return globalLogger
}

// ForScript returns a logger that tags every record with the script name.
func ForScript(name string) *slog.Logger {
	return Get().With("script", name)
}

func Info(msg string, args ...any) { Get().Info(msg, args...) }

func InfoContext(ctx context.Context, msg string, args ...any) {
	Get().InfoContext(ctx, msg, args...)
}

func Debug(msg string, args ...any) { Get().Debug(msg, args...) }

func DebugContext(ctx context.Context, msg string, args ...any) {
	Get().DebugContext(ctx, msg, args...)
}

func Warn(msg string, args ...any) { Get().Warn(msg, args...) }

func WarnContext(ctx context.Context, msg string, args ...any) {
	Get().WarnContext(ctx, msg, args...)
}

func Error(msg string, args ...any) { Get().Error(msg, args...) }

func ErrorContext(ctx context.Context, msg string, args ...any) {
	Get().ErrorContext(ctx, msg, args...)
}

// Fatal logs at error level and exits with status 1.
func Fatal(msg string, args ...any) {
	Get().Error(msg, args...)
	os.Exit(1)
}

// With returns a logger with the given attributes
func With(args ...any) *slog.Logger {
	return Get().With(args...)
}
