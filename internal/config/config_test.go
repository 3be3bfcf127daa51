package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, defaultAddress, cfg.Address)
	assert.Equal(t, int64(defaultChunkSize), cfg.ChunkSize)
	assert.Equal(t, defaultSessionTTL, cfg.UploadSessionTTL)
	assert.Equal(t, slog.LevelInfo, cfg.LogLevel)
	assert.Equal(t, defaultMachineKey, cfg.MachineKey)
	assert.Len(t, cfg.SigningSecret, 32)
	assert.Nil(t, cfg.EditorJWTSecret)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("DOCSYNC_ADDRESS", ":9090")
	t.Setenv("DOCSYNC_PUBLIC_URL", "https://docs.example.com/")
	t.Setenv("DOCSYNC_CHUNK_BYTES", "1024")
	t.Setenv("DOCSYNC_UPLOAD_SESSION_TTL", "30m")
	t.Setenv("DOCSYNC_EDITOR_JWT_SECRET", "shared")
	t.Setenv("DOCSYNC_LOG_LEVEL", "debug")
	t.Setenv("DOCSYNC_LOG_FORMAT", "json")
	t.Setenv("DOCSYNC_S3_USE_SSL", "true")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Address)
	assert.Equal(t, "https://docs.example.com", cfg.PublicURL)
	assert.Equal(t, int64(1024), cfg.ChunkSize)
	assert.Equal(t, 30*time.Minute, cfg.UploadSessionTTL)
	assert.Equal(t, []byte("shared"), cfg.EditorJWTSecret)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.True(t, cfg.S3UseSSL)
}

func TestLoadInvalidNumbersFallBack(t *testing.T) {
	t.Setenv("DOCSYNC_CHUNK_BYTES", "lots")
	t.Setenv("DOCSYNC_WORKERS", "-3")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, int64(defaultChunkSize), cfg.ChunkSize)
	assert.Equal(t, defaultWorkerCount, cfg.ProcessingPool)
}

func TestLoadRejectsBadLogSettings(t *testing.T) {
	t.Setenv("DOCSYNC_LOG_LEVEL", "loud")
	_, err := Load()
	require.Error(t, err)

	t.Setenv("DOCSYNC_LOG_LEVEL", "info")
	t.Setenv("DOCSYNC_LOG_FORMAT", "xml")
	_, err = Load()
	require.Error(t, err)
}
