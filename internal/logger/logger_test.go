package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rafaeljc/bifrost/internal/config"
)

func TestNewWithWriter_JSON(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := NewWithWriter(&config.AppConfig{
		Name:        "bifrost",
		Version:     "1.2.3",
		Environment: config.EnvironmentProduction,
		LogLevel:    "info",
		LogFormat:   "json",
	}, &buf)

	log.Debug("hidden")
	log.Info("flag updated", slog.String("flag", "checkout"))

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry), "exactly one JSON line expected")
	assert.Equal(t, "flag updated", entry["msg"])
	assert.Equal(t, "checkout", entry["flag"])
	assert.Equal(t, "bifrost", entry["service"])
	assert.Equal(t, "1.2.3", entry["version"])
	assert.Equal(t, "production", entry["env"])
}

func TestNewWithWriter_Text(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		env  string
	}{
		{name: "development uses tint", env: config.EnvironmentDevelopment},
		{name: "staging uses slog text", env: "staging"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var buf bytes.Buffer
			log := NewWithWriter(&config.AppConfig{Name: "bifrost", Environment: tt.env, LogLevel: "debug", LogFormat: "text"}, &buf)

			log.Debug("rollout advanced", slog.Int("stage", 2))

			out := buf.String()
			assert.Contains(t, out, "rollout advanced")
			assert.Contains(t, out, "stage=2")
			assert.NotContains(t, out, "\x1b[", "no color codes when not writing to a terminal")
		})
	}
}

func TestNewWithWriter_NilConfigPanics(t *testing.T) {
	t.Parallel()

	assert.PanicsWithValue(t, "logger: config cannot be nil", func() {
		NewWithWriter(nil, &bytes.Buffer{})
	})
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"WARN", slog.LevelWarn},
		{"error", slog.LevelError},
		{"nonsense", slog.LevelInfo},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, parseLevel(tt.in), tt.in)
	}
}
