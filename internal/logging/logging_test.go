package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"":        slog.LevelInfo,
		"info":    slog.LevelInfo,
		"DEBUG":   slog.LevelDebug,
		"trace":   slog.LevelDebug,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
	}
	for in, want := range tests {
		t.Run(in, func(t *testing.T) {
			got, err := ParseLevel(in)
			require.NoError(t, err)
			assert.Equal(t, want, got)
		})
	}

	_, err := ParseLevel("loud")
	assert.ErrorIs(t, err, ErrUnknownLevel)
}

func TestCreateHandler_JSON(t *testing.T) {
	var buf bytes.Buffer
	h, err := CreateHandler(&buf, "info", "json")
	require.NoError(t, err)

	logger := slog.New(h)
	logger.Debug("hidden")
	logger.Info("exported", "row", 2)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "exported", rec["msg"])
	assert.InDelta(t, 2, rec["row"], 0)
}

func TestCreateHandler_Text(t *testing.T) {
	var buf bytes.Buffer
	h, err := CreateHandler(&buf, "warn", "text")
	require.NoError(t, err)

	logger := slog.New(h)
	logger.Info("hidden")
	logger.Warn("rebuild failed", "row", 1)

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "msg=\"rebuild failed\"")
	assert.Contains(t, buf.String(), "row=1")
}

func TestCreateHandler_Errors(t *testing.T) {
	_, err := CreateHandler(&bytes.Buffer{}, "info", "xml")
	assert.ErrorIs(t, err, ErrUnknownFormat)

	_, err = CreateHandler(&bytes.Buffer{}, "verbose", "text")
	assert.ErrorIs(t, err, ErrUnknownLevel)
}
