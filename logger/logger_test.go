package logger

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/migadu/sievevm/config"
)

func TestParseLogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"verbose": slog.LevelInfo,
		"":        slog.LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, parseLogLevel(in), in)
	}
}

func TestInitializeFileOutput(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() {
		globalLogger = nil
		slog.SetDefault(prev)
	})

	path := filepath.Join(t.TempDir(), "sievevm.log")
	f, err := Initialize(config.LoggingConfig{Output: path, Format: "json", Level: "warn"})
	require.NoError(t, err)
	require.NotNil(t, f)
	defer f.Close()

	Debug("Sieve: hidden", "script", "user")
	Warn("Sieve: action failed", "action", "fileinto", "status", "temporary failure")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	out := string(data)
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"msg":"Sieve: action failed"`)
	assert.Contains(t, out, `"action":"fileinto"`)
	assert.Equal(t, 1, strings.Count(out, "\n"))
}

func TestInitializeWriterForScript(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() {
		globalLogger = nil
		slog.SetDefault(prev)
	})

	var buf strings.Builder
	InitializeWriter(&buf, config.LoggingConfig{Format: "console", Level: "TRACE"})
	ForScript("before").Debug("Sieve: script execution finished", "instructions", 12)

	out := buf.String()
	assert.Contains(t, out, "script=before")
	assert.Contains(t, out, "instructions=12")
	assert.Contains(t, out, "level=DEBUG")
}

func TestAppendAttr(t *testing.T) {
	var b strings.Builder
	appendAttr(&b, "", slog.String("action", "fileinto"))
	appendAttr(&b, "sieve.", slog.String("mailbox", "Work Stuff"))
	appendAttr(&b, "", slog.Group("usage", slog.Int("instructions", 3)))
	appendAttr(&b, "", slog.Attr{})
	assert.Equal(t, ` action=fileinto sieve.mailbox="Work Stuff" usage.instructions=3`, b.String())
}
