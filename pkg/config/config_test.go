package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestLoadServerDefaults tests that an empty path yields defaults
func TestLoadServerDefaults(t *testing.T) {
	cfg, err := LoadServer("")
	require.NoError(t, err)
	assert.Equal(t, ":3000", cfg.BindAddress)
	assert.Equal(t, 2*time.Minute, cfg.PermissionCacheTTL)
	assert.Equal(t, 24*time.Hour, cfg.SweepInterval)
}

// TestLoadServerFile tests file values overriding defaults
func TestLoadServerFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"bindAddress: \":8080\"\npermissionCacheTTL: 30s\n"), 0600))

	cfg, err := LoadServer(path)
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.BindAddress)
	assert.Equal(t, 30*time.Second, cfg.PermissionCacheTTL)
	// Untouched keys keep their defaults.
	assert.Equal(t, "canopy.db", cfg.DatabasePath)
}

// TestLoadRunnerTokenFromEnv tests the CANOPY_API_TOKEN override
func TestLoadRunnerTokenFromEnv(t *testing.T) {
	t.Setenv("CANOPY_API_TOKEN", "env-token")

	cfg, err := LoadRunner("")
	require.NoError(t, err)
	assert.Equal(t, "env-token", cfg.APIToken)
}

// TestRunnerValidate tests required-field validation
func TestRunnerValidate(t *testing.T) {
	valid := Runner{
		WorkspaceID: "ws-1",
		RunnerID:    "run-1",
		APIToken:    "tok",
		ServerURL:   "http://localhost:3000",
		Backend:     "docker",
	}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(*Runner)
	}{
		{"missing workspace", func(r *Runner) { r.WorkspaceID = "" }},
		{"missing runner id", func(r *Runner) { r.RunnerID = "" }},
		{"missing token", func(r *Runner) { r.APIToken = "" }},
		{"missing server url", func(r *Runner) { r.ServerURL = "" }},
		{"bad backend", func(r *Runner) { r.Backend = "podman" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

// TestLoadRunnerMissingFile tests the error path for a bad path
func TestLoadRunnerMissingFile(t *testing.T) {
	_, err := LoadRunner(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
