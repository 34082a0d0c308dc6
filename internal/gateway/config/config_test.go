package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	for _, k := range []string{
		"PORT", "APP_ENV", "COMFY_SERVER_URL", "COMFY_CLIENT_ID", "COMFY_BASE_PATH",
		"CHAIN_STORE_DIR", "DATABASE_URL", "CHAIN_STORE_PG_DSN", "CHAIN_SETTLE_MODE",
		"CHAIN_SETTLE_DELAY", "CHAIN_TRACE_DIR", "ARCHIVE_BACKEND", "ARCHIVE_DIR",
		"ARTIFACT_MINIO_ENDPOINT", "ARTIFACT_S3_ENDPOINT", "ARTIFACT_S3_USE_SSL",
		"ARTIFACT_S3_ACCESS_KEY", "MINIO_ROOT_USER",
	} {
		t.Setenv(k, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("COMFY_BASE_PATH", "/srv/comfy")

	cfg, err := Load(nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, "local", cfg.Env)
	assert.Equal(t, DefaultComfyURL, cfg.Comfy.ServerURL)
	assert.Equal(t, DefaultClientID, cfg.Comfy.ClientID)
	assert.Equal(t, filepath.Join("/srv/comfy", "mobile_data", "workflow_chains"), cfg.ChainStoreDir)
	assert.Equal(t, SettleConfig{Mode: "fixed", Delay: DefaultSettleDelay}, cfg.Settle)
	assert.Equal(t, "none", cfg.Archive.Backend)
	assert.Equal(t, "minio:9000", cfg.Archive.S3.Endpoint)
	assert.False(t, cfg.Archive.S3.UseSSL)
}

func TestLoadOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "9000")
	t.Setenv("APP_ENV", "production")
	t.Setenv("CHAIN_STORE_PG_DSN", "postgres://x")
	t.Setenv("CHAIN_SETTLE_MODE", "Stable")
	t.Setenv("CHAIN_SETTLE_DELAY", "2s")
	t.Setenv("ARCHIVE_BACKEND", "s3")
	t.Setenv("ARTIFACT_S3_ENDPOINT", "s3.example.com")
	t.Setenv("ARTIFACT_S3_USE_SSL", "nope")
	t.Setenv("MINIO_ROOT_USER", "root")

	cfg, err := Load(nil)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Port)
	assert.Equal(t, "postgres://x", cfg.DatabaseURL)
	assert.Equal(t, SettleConfig{Mode: "stable", Delay: 2 * time.Second}, cfg.Settle)
	assert.Equal(t, "s3", cfg.Archive.Backend)
	assert.Equal(t, "s3.example.com", cfg.Archive.S3.Endpoint)
	assert.True(t, cfg.Archive.S3.UseSSL)
	assert.Equal(t, "root", cfg.Archive.S3.AccessKey)
}

func TestLoadPortFlag(t *testing.T) {
	clearEnv(t)
	cfg, err := Load([]string{"-port", ":7070"})
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.Port)

	_, err = Load([]string{"-unknown"})
	assert.Error(t, err)
}
