package logger

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{
		"trace":   LevelTrace,
		"DEBUG":   LevelDebug,
		"":        LevelInfo,
		"warning": LevelWarning,
		"error":   LevelError,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseLevel("loud")
	assert.Error(t, err)
}

func TestSetTraceTogglesOutput(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, "text", LevelInfo)

	log.Trace("hidden")
	assert.Empty(t, buf.String())

	log.SetTrace(true)
	assert.True(t, log.Tracing())
	log.Trace("shown")
	assert.Contains(t, buf.String(), "shown")
	assert.Contains(t, buf.String(), "level=TRACE")

	buf.Reset()
	log.SetTrace(false)
	assert.Equal(t, LevelInfo, log.Level())
	log.Trace("hidden again")
	assert.Empty(t, buf.String())
}

func TestWithSharesLevel(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, "json", LevelInfo)
	child := log.With("component", "cache")

	log.SetTrace(true)
	child.Trace("from child")
	assert.Contains(t, buf.String(), `"component":"cache"`)
}

func TestRateLimitedWarn(t *testing.T) {
	var buf bytes.Buffer
	rl := NewRateLimited(New(&buf, "text", LevelInfo), time.Hour)

	rl.Warn("overflow")
	rl.Warn("overflow")
	assert.Equal(t, 1, bytes.Count(buf.Bytes(), []byte("overflow")))
}
