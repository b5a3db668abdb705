package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfigValidates(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	require.Equal(t, Default().Storage.WindowDuration, cfg.Storage.WindowDuration)
}

func TestRoundTripSerialization(t *testing.T) {
	cfg := Default()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, cfg.Storage, loaded.Storage)
	require.Equal(t, cfg.Analysis, loaded.Analysis)
	require.Equal(t, cfg.Policy, loaded.Policy)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("DEV_MODE", "true")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	require.Equal(t, "debug", cfg.Logging.Level)
	require.True(t, cfg.DevMode)
}

func TestValidateRejectsOverlapNotSmallerThanWindow(t *testing.T) {
	cfg := Default()
	cfg.Storage.WindowOverlap = cfg.Storage.WindowDuration
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsUnknownDependency(t *testing.T) {
	cfg := Default()
	cfg.Orchestrator.Modules = append(cfg.Orchestrator.Modules, ModuleDescriptor{
		ID:        "ghost",
		DependsOn: []string{"nonexistent"},
	})
	require.Error(t, cfg.Validate())
}

func TestWatcherFiresOnUpdateAfterValidFileChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, Default().Save(path))

	w, err := NewWatcher(path)
	require.NoError(t, err)
	w.debounce = time.Millisecond

	updated := make(chan *Config, 1)
	w.OnUpdate = func(c *Config) { updated <- c }
	w.Start()
	defer w.Stop()

	cfg := Default()
	cfg.Policy.MaxPerHour = 7
	require.NoError(t, cfg.Save(path))

	select {
	case c := <-updated:
		require.Equal(t, 7, c.Policy.MaxPerHour)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for config reload")
	}
}

func TestSnapshotStoreLoad(t *testing.T) {
	s := NewSnapshot(Default())
	require.Equal(t, 3, s.Load().Policy.MaxPerHour)

	next := Default()
	next.Policy.MaxPerHour = 5
	s.Store(next)
	require.Equal(t, 5, s.Load().Policy.MaxPerHour)
}
