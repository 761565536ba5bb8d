package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestParseLevel(testContext *testing.T) {
	testCases := map[string]zapcore.Level{
		"debug":   zapcore.DebugLevel,
		" WARN ":  zapcore.WarnLevel,
		"warning": zapcore.WarnLevel,
		"error":   zapcore.ErrorLevel,
		"":        zapcore.InfoLevel,
		"verbose": zapcore.InfoLevel,
	}
	for raw, want := range testCases {
		if got := parseLevel(raw); got != want {
			testContext.Fatalf("parseLevel(%q) = %s, want %s", raw, got, want)
		}
	}
}

func TestNewLoggerFormats(testContext *testing.T) {
	for _, format := range []string{"", FormatJSON, FormatConsole} {
		logger, err := NewLogger("warn", format)
		if err != nil {
			testContext.Fatalf("format %q: unexpected error: %v", format, err)
		}
		if logger.Core().Enabled(zapcore.InfoLevel) {
			testContext.Fatalf("format %q: expected info to be disabled at warn level", format)
		}
	}
	if _, err := NewLogger("info", "xml"); err == nil {
		testContext.Fatalf("expected unsupported format error")
	}
}
