package app

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chainrunner/internal/executor"
	"chainrunner/internal/gateway/config"
	"chainrunner/internal/gateway/repository/archive"
	"chainrunner/internal/staging"
)

func TestChooseArchiveStore(t *testing.T) {
	noS3 := func() (archive.Store, error) { return nil, fmt.Errorf("unexpected s3") }

	cfg := &config.Config{Archive: config.ArchiveConfig{Backend: "none"}}
	s, err := chooseArchiveStore(cfg, nil, noS3)
	require.NoError(t, err)
	assert.Nil(t, s)

	cfg.Archive = config.ArchiveConfig{Backend: "disk", Dir: t.TempDir()}
	s, err = chooseArchiveStore(cfg, nil, noS3)
	require.NoError(t, err)
	assert.IsType(t, &archive.CachedStore{}, s)

	cfg.Archive = config.ArchiveConfig{Backend: "postgres"}
	_, err = chooseArchiveStore(cfg, nil, noS3)
	assert.Error(t, err)

	cfg.Archive = config.ArchiveConfig{Backend: "s3"}
	_, err = chooseArchiveStore(cfg, nil, noS3)
	assert.EqualError(t, err, "unexpected s3")
}

func TestInitStoresUsesFileBackendWithoutDSN(t *testing.T) {
	cfg := &config.Config{
		ChainStoreDir: t.TempDir(),
		Archive:       config.ArchiveConfig{Backend: "none"},
	}
	stores, err := initStores(cfg)
	require.NoError(t, err)
	assert.NotNil(t, stores.chains)
	assert.Nil(t, stores.archive)
	assert.NoError(t, stores.Close())
}

func TestNewSettler(t *testing.T) {
	stager, err := staging.NewManager(staging.Config{BasePath: t.TempDir()})
	require.NoError(t, err)

	fixed := newSettler(config.SettleConfig{Mode: "fixed", Delay: 3 * time.Second}, stager)
	assert.Equal(t, executor.FixedDelay{Delay: 3 * time.Second}, fixed)

	stable, ok := newSettler(config.SettleConfig{Mode: "stable", Delay: 3 * time.Second}, stager).(executor.StableFiles)
	require.True(t, ok)
	assert.Equal(t, 3*time.Second, stable.Timeout)
	assert.NotNil(t, stable.Locate)
}

func TestNewRequiresBasePath(t *testing.T) {
	cfg := &config.Config{
		Port:          ":0",
		Comfy:         config.ComfyConfig{ServerURL: config.DefaultComfyURL, ClientID: config.DefaultClientID},
		ChainStoreDir: t.TempDir(),
		Archive:       config.ArchiveConfig{Backend: "none"},
	}
	_, err := New(cfg)
	assert.Error(t, err)

	cfg.Comfy.BasePath = t.TempDir()
	a, err := New(cfg)
	require.NoError(t, err)
	assert.NotNil(t, a.executor)
}
