package rag

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	l := NewLoggerWithWriter(&buf, LogLevelWarn)

	l.Debug("hidden")
	l.Info("hidden")
	l.Warn("slow request", "path", "/api/query", "ms", 1200)
	l.Error("failed", "dangling")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "WARN slow request path=/api/query ms=1200")
	assert.Contains(t, out, "ERROR failed dangling=MISSING")

	buf.Reset()
	l.SetLevel(LogLevelOff)
	l.Error("nothing")
	assert.Empty(t, buf.String())
}

func TestParseLogLevel(t *testing.T) {
	tests := map[string]LogLevel{
		"debug":   LogLevelDebug,
		" INFO ":  LogLevelInfo,
		"warning": LogLevelWarn,
		"Error":   LogLevelError,
		"off":     LogLevelOff,
	}
	for in, want := range tests {
		got, err := ParseLogLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseLogLevel("loud")
	assert.Error(t, err)
}

func TestLogLevelString(t *testing.T) {
	assert.Equal(t, "DEBUG", LogLevelDebug.String())
	assert.True(t, strings.HasPrefix(LogLevel(9).String(), "LEVEL("))
}
