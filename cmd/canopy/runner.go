package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/canopyhq/canopy/pkg/backend"
	"github.com/canopyhq/canopy/pkg/client"
	"github.com/canopyhq/canopy/pkg/config"
	"github.com/canopyhq/canopy/pkg/localstate"
	"github.com/canopyhq/canopy/pkg/log"
	"github.com/canopyhq/canopy/pkg/runner"
	"github.com/canopyhq/canopy/pkg/stream"
)

var runnerCmd = &cobra.Command{
	Use:   "runner",
	Short: "Run a workload runner",
	Long: `Run a runner process that connects to the control plane, receives
desired-state events over the stream, and converges its execution
backend (Docker or Kubernetes) onto them.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")

		cfg, err := config.LoadRunner(configPath)
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})

		if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
			return fmt.Errorf("failed to create data dir: %w", err)
		}
		local, err := localstate.Open(cfg.DataDir)
		if err != nil {
			return err
		}
		defer local.Close()

		var adapter backend.Adapter
		switch cfg.Backend {
		case "docker":
			adapter, err = backend.NewDockerAdapter()
		case "kubernetes":
			adapter, err = backend.NewKubernetesAdapter(cfg.Kubeconfig, "")
		}
		if err != nil {
			return fmt.Errorf("failed to initialize %s backend: %w", cfg.Backend, err)
		}

		engine := runner.NewEngine(runner.Options{
			WorkspaceID:   cfg.WorkspaceID,
			RunnerID:      cfg.RunnerID,
			SweepInterval: cfg.FullSweepInterval,
			PingInterval:  cfg.PingInterval,
			Streams:       stream.NewClient(cfg.ServerURL, cfg.WorkspaceID, cfg.RunnerID, cfg.APIToken),
		}, client.New(cfg.ServerURL, cfg.APIToken), local, adapter)

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			<-sigCh
			cancel()
		}()

		if err := engine.Run(ctx); err != nil && err != context.Canceled {
			return err
		}
		return nil
	},
}

func init() {
	runnerCmd.Flags().String("config", "", "Path to runner config file")
}
