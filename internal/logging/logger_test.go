package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/relaypoint/rulegate/internal/config"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zapcore.DebugLevel, ParseLevel("debug"))
	assert.Equal(t, zapcore.WarnLevel, ParseLevel("warn"))
	assert.Equal(t, zapcore.ErrorLevel, ParseLevel("error"))
	assert.Equal(t, zapcore.InfoLevel, ParseLevel("info"))
	assert.Equal(t, zapcore.InfoLevel, ParseLevel("bogus"))
}

func TestNew_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rulegate.log")
	logger, err := New(config.LoggingConfig{
		Level:    "warn",
		Format:   "json",
		Output:   path,
		Rotation: config.LogRotationConfig{MaxSize: 1, MaxBackups: 1},
	})
	require.NoError(t, err)

	logger.Info("dropped")
	logger.Warn("kept", zap.String("route", "r1"))
	require.NoError(t, logger.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "kept", entry["msg"])
	assert.Equal(t, "r1", entry["route"])
	assert.Contains(t, entry, "timestamp")
}

func TestNew_UnknownFormat(t *testing.T) {
	_, err := New(config.LoggingConfig{Format: "xml"})
	assert.Error(t, err)
}

func TestNewRotator(t *testing.T) {
	r := NewRotator(config.LoggingConfig{
		Output:   "/tmp/x.log",
		Rotation: config.LogRotationConfig{MaxSize: 5, MaxBackups: 2, MaxAge: 7, Compress: true},
	})
	assert.Equal(t, "/tmp/x.log", r.Filename)
	assert.Equal(t, 5, r.MaxSize)
	assert.True(t, r.Compress)
}
