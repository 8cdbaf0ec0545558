package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestInitWritesToFile(t *testing.T) {
	dir := t.TempDir()
	cfg := &LogConfig{
		Level:      "debug",
		Filename:   filepath.Join(dir, "logs", "gateway.log"),
		MaxSize:    1,
		MaxAge:     1,
		MaxBackups: 1,
	}
	require.NoError(t, Init(cfg, "production"))
	t.Cleanup(func() { Lg = zap.NewNop() })

	Info("device connected", zap.String("device_id", "esp32-1"))
	Sync()

	data, err := os.ReadFile(cfg.Filename)
	require.NoError(t, err)
	assert.Contains(t, string(data), "device connected")
	assert.Contains(t, string(data), "esp32-1")
}

func TestInitInvalidLevelFallsBackToInfo(t *testing.T) {
	require.NoError(t, Init(&LogConfig{Level: "verbose"}, "development"))
	t.Cleanup(func() { Lg = zap.NewNop() })

	assert.False(t, Lg.Core().Enabled(zap.DebugLevel))
	assert.True(t, Lg.Core().Enabled(zap.InfoLevel))
}
