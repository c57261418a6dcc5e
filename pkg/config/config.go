package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Server configures the control-plane process.
type Server struct {
	BindAddress  string `yaml:"bindAddress"`
	DatabasePath string `yaml:"databasePath"`

	// PermissionCacheTTL bounds how long a stale permission snapshot can
	// outlive a role revocation.
	PermissionCacheTTL time.Duration `yaml:"permissionCacheTTL"`

	// RunnerOfflineAfter marks a runner offline when no ping arrived within
	// this window.
	RunnerOfflineAfter time.Duration `yaml:"runnerOfflineAfter"`

	// SweepInterval is the cadence of the control-plane region/liveness
	// sweep.
	SweepInterval time.Duration `yaml:"sweepInterval"`

	LogLevel string `yaml:"logLevel"`
	LogJSON  bool   `yaml:"logJSON"`
}

// Runner configures a runner process.
type Runner struct {
	WorkspaceID string `yaml:"workspaceId"`
	RunnerID    string `yaml:"runnerId"`
	APIToken    string `yaml:"apiToken"`
	ServerURL   string `yaml:"serverUrl"`

	// Backend selects the execution backend: "docker" or "kubernetes".
	Backend string `yaml:"backend"`

	// Kubeconfig is used by the kubernetes backend; empty means in-cluster.
	Kubeconfig string `yaml:"kubeconfig"`

	// DataDir holds the local last-applied state database.
	DataDir string `yaml:"dataDir"`

	// FullSweepInterval is the cadence of the runner's full reconciliation
	// pass.
	FullSweepInterval time.Duration `yaml:"fullSweepInterval"`

	// PingInterval is the liveness ping cadence on the stream.
	PingInterval time.Duration `yaml:"pingInterval"`

	LogLevel string `yaml:"logLevel"`
	LogJSON  bool   `yaml:"logJSON"`
}

// DefaultServer returns a server config with production defaults.
func DefaultServer() Server {
	return Server{
		BindAddress:        ":3000",
		DatabasePath:       "canopy.db",
		PermissionCacheTTL: 2 * time.Minute,
		RunnerOfflineAfter: 2 * time.Minute,
		SweepInterval:      24 * time.Hour,
		LogLevel:           "info",
	}
}

// DefaultRunner returns a runner config with production defaults.
func DefaultRunner() Runner {
	return Runner{
		Backend:           "docker",
		DataDir:           "/var/lib/canopy-runner",
		FullSweepInterval: 24 * time.Hour,
		PingInterval:      30 * time.Second,
		LogLevel:          "info",
	}
}

// LoadServer reads a server config file, applying defaults for absent keys.
func LoadServer(path string) (Server, error) {
	cfg := DefaultServer()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// LoadRunner reads a runner config file, applying defaults for absent keys.
// The API token may also come from the CANOPY_API_TOKEN environment
// variable so it can stay out of the file.
func LoadRunner(path string) (Runner, error) {
	cfg := DefaultRunner()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if token := os.Getenv("CANOPY_API_TOKEN"); token != "" {
		cfg.APIToken = token
	}
	return cfg, nil
}

// Validate checks the runner config for required fields.
func (r Runner) Validate() error {
	if r.WorkspaceID == "" {
		return fmt.Errorf("workspaceId is required")
	}
	if r.RunnerID == "" {
		return fmt.Errorf("runnerId is required")
	}
	if r.APIToken == "" {
		return fmt.Errorf("apiToken is required")
	}
	if r.ServerURL == "" {
		return fmt.Errorf("serverUrl is required")
	}
	if r.Backend != "docker" && r.Backend != "kubernetes" {
		return fmt.Errorf("backend must be docker or kubernetes, got %q", r.Backend)
	}
	return nil
}
