package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/canopyhq/canopy/pkg/api"
	"github.com/canopyhq/canopy/pkg/auth"
	"github.com/canopyhq/canopy/pkg/config"
	"github.com/canopyhq/canopy/pkg/events"
	"github.com/canopyhq/canopy/pkg/log"
	"github.com/canopyhq/canopy/pkg/provision"
	"github.com/canopyhq/canopy/pkg/rbac"
	"github.com/canopyhq/canopy/pkg/store"
	"github.com/canopyhq/canopy/pkg/sweep"
	"github.com/canopyhq/canopy/pkg/types"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the control plane",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		bootstrapUser, _ := cmd.Flags().GetString("bootstrap-user")

		cfg, err := config.LoadServer(configPath)
		if err != nil {
			return err
		}
		log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})
		logger := log.WithComponent("server")

		st, err := store.Open(cfg.DatabasePath)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}

		if bootstrapUser != "" {
			if err := bootstrap(cmd.Context(), st, bootstrapUser); err != nil {
				return err
			}
		}

		rb := rbac.NewService(st, cfg.PermissionCacheTTL)
		broker := events.NewBroker()
		queue := provision.NewQueue(0)

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		go provision.NewWorker(st, queue, nil, nil).Run(ctx)
		go sweep.New(st, nil, cfg.SweepInterval, cfg.RunnerOfflineAfter).Run(ctx)

		srv := api.NewServer(cfg, st, rb, broker, queue)
		errCh := make(chan error, 1)
		go func() { errCh <- srv.Start() }()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		select {
		case err := <-errCh:
			return err
		case sig := <-sigCh:
			logger.Info().Str("signal", sig.String()).Msg("shutting down")
		}

		broker.Stop()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	},
}

// bootstrap creates the named user if absent and prints a fresh
// credential, so a new installation has a way in.
func bootstrap(ctx context.Context, st *store.Store, username string) error {
	user, err := st.GetUserByUsername(ctx, username)
	if err != nil {
		user = &types.User{ID: uuid.NewString(), Username: username, CreatedAt: time.Now()}
		if err := st.CreateUser(ctx, user); err != nil {
			return fmt.Errorf("failed to create bootstrap user: %w", err)
		}
	}
	token, sess, err := auth.NewCredential(user.ID, 30*24*time.Hour)
	if err != nil {
		return err
	}
	if err := st.CreateSession(ctx, sess); err != nil {
		return err
	}
	fmt.Printf("Bootstrap credential for %s:\n  %s\n", username, token)
	return nil
}

func init() {
	serverCmd.Flags().String("config", "", "Path to server config file")
	serverCmd.Flags().String("bootstrap-user", "", "Create this user and print a login credential on startup")
}
