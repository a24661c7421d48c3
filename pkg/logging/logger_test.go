package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWithWriterJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "warn", "json")

	logger.Info().Msg("丢弃")
	logger.Warn().Str("pathname", "a.mp3").Msg("保留")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "warn", entry["level"])
	assert.Equal(t, "a.mp3", entry["pathname"])
	assert.Equal(t, "subflow", entry["service"])
}

func TestNewWithWriterUnknownLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "loud", "json")

	logger.Debug().Msg("debug")
	assert.Zero(t, buf.Len())
	logger.Info().Msg("info")
	assert.NotZero(t, buf.Len())
}
