package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewJSONLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := New("debug", "json", &buf)

	logger.Debug().Str("component", "session").Msg("hello")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "debug", entry["level"])
	assert.Equal(t, "session", entry["component"])
	assert.Equal(t, "hello", entry["message"])
	assert.Contains(t, entry, "time")
}

func TestNewFiltersBelowLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := New("warn", "json", &buf)

	logger.Info().Msg("quiet")
	assert.Empty(t, buf.String())

	logger.Warn().Msg("loud")
	assert.Contains(t, buf.String(), "loud")
}

func TestNewDefaultsUnknownLevelToInfo(t *testing.T) {
	logger := New("chatty", "console", &bytes.Buffer{})
	assert.Equal(t, zerolog.InfoLevel, logger.GetLevel())

	logger = New("", "console", &bytes.Buffer{})
	assert.Equal(t, zerolog.InfoLevel, logger.GetLevel())
}

func TestNewConsoleLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := New("info", "console", &buf)

	logger.Info().Str("endpoint", "https://a.example").Msg("endpoint marked unhealthy")
	assert.Contains(t, buf.String(), "endpoint marked unhealthy")
	assert.Contains(t, buf.String(), "https://a.example")
}
