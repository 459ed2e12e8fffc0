package observability

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"debug", slog.LevelDebug, false},
		{"INFO", slog.LevelInfo, false},
		{"warn", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"verbose", slog.LevelInfo, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNewLogger_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger("info", FormatJSON, &buf)
	require.NoError(t, err)

	logger.Debug("hidden")
	logger.Info("stage completed", "session_id", "sess-1", "stage", "research")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "stage completed", rec["msg"])
	assert.Equal(t, "sess-1", rec["session_id"])
	assert.Equal(t, "research", rec["stage"])
}

func TestNewLogger_Text(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger("debug", FormatText, &buf)
	require.NoError(t, err)

	logger.Debug("retrying stage", "attempt", 2)
	out := buf.String()
	assert.Contains(t, out, "retrying stage")
	assert.Contains(t, out, "attempt=2")
	assert.NotContains(t, out, "\x1b[", "no color codes outside a terminal")
}

func TestNewLogger_Invalid(t *testing.T) {
	_, err := NewLogger("info", "xml", &bytes.Buffer{})
	assert.Error(t, err)

	_, err = NewLogger("loud", FormatText, &bytes.Buffer{})
	assert.Error(t, err)
}
