//go:build !integration

package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// preRun runs the root pre-run hook in a temp dir holding config.yaml (when
// yaml is non-empty) and restores global state afterwards.
func preRun(t *testing.T, yaml string) error {
	t.Helper()
	dir := t.TempDir()
	if yaml != "" {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))
	}
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) }) //nolint:errcheck

	oldCfg := cfg
	cfg = nil
	t.Cleanup(func() { cfg = oldCfg })
	return rootCmd.PersistentPreRunE(rootCmd, nil)
}

func TestRootPreRun_ConfigFile(t *testing.T) {
	err := preRun(t, `
store:
  driver: postgres
  database_url: postgres://localhost/outreach
log:
  level: info
  format: console
`)
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "postgres://localhost/outreach", cfg.Store.DatabaseURL)
}

func TestRootPreRun_Defaults(t *testing.T) {
	require.NoError(t, preRun(t, ""))
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "1m", cfg.Outreach.TickInterval)
}

func TestRootPreRun_ExplicitConfigFlag(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prod.yaml")
	require.NoError(t, os.WriteFile(path, []byte("outreach:\n  per_tick_limit: 7\n"), 0o644))
	configPath = path
	t.Cleanup(func() { configPath = "" })

	require.NoError(t, preRun(t, "outreach:\n  per_tick_limit: 99\n"))
	assert.Equal(t, 7, cfg.Outreach.PerTickLimit)
}

func TestRootPreRun_LogLevelFlag(t *testing.T) {
	logLevel = "error"
	t.Cleanup(func() { logLevel = "" })

	require.NoError(t, preRun(t, "log:\n  level: debug\n"))
	assert.Equal(t, "error", cfg.Log.Level)
}

func TestRootPreRun_Errors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"bad log level", "log:\n  level: NOT_A_LEVEL\n  format: console\n", "init logger"},
		{"invalid yaml", "invalid: [yaml: bad", "load config"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := preRun(t, tt.yaml)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
			assert.Nil(t, cfg)
		})
	}
}

func TestRootPostRun_DoesNotPanic(t *testing.T) {
	assert.NotPanics(t, func() { rootCmd.PersistentPostRun(rootCmd, nil) })
}
