package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/STRATINT/postlink/internal/app"
	"github.com/STRATINT/postlink/internal/auth"
	"github.com/STRATINT/postlink/internal/config"
	"github.com/STRATINT/postlink/internal/database"
	"github.com/STRATINT/postlink/internal/logging"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

type env struct {
	cfg    config.Config
	logger *slog.Logger
}

func newRootCmd() *cobra.Command {
	e := &env{}

	root := &cobra.Command{
		Use:           "postlinkctl",
		Short:         "Operational commands for the postlink service",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger, err := logging.NewWithWriter(cfg.Logging, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			e.cfg, e.logger = cfg, logger
			return nil
		},
	}

	root.AddCommand(newMigrateCmd(e), newDispatchCmd(e), newSweepCmd(e), newTokenCmd(e))
	return root
}

func newMigrateCmd(e *env) *cobra.Command {
	var steps int
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations (all pending by default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := app.Open(cmd.Context(), e.cfg.Database, e.logger)
			if err != nil {
				return err
			}
			defer db.Close()

			m, err := database.NewMigrator(db)
			if err != nil {
				return err
			}
			return database.RunMigrations(m, steps, e.logger)
		},
	}
	cmd.Flags().IntVar(&steps, "steps", 0, "number of migrations to apply; negative rolls back")
	return cmd
}

func newDispatchCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "dispatch",
		Short: "Run a single dispatch pass and print its summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), e, func(a *app.App) error {
				summary, err := a.Dispatcher.RunOnce(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(cmd, summary)
			})
		},
	}
}

func newSweepCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Drop expired linking state and verification codes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), e, func(a *app.App) error {
				n, err := a.Linking.SweepExpired(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(cmd, map[string]int{"swept": n})
			})
		},
	}
}

func newTokenCmd(e *env) *cobra.Command {
	var (
		userID string
		admin  bool
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an API bearer token signed with AUTH_JWT_SECRET",
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := auth.GenerateToken(e.cfg.Auth, userID, admin)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id to embed in the token")
	cmd.Flags().BoolVar(&admin, "admin", false, "grant the admin claim")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func withApp(ctx context.Context, e *env, fn func(*app.App) error) error {
	db, err := app.Open(ctx, e.cfg.Database, e.logger)
	if err != nil {
		return err
	}
	defer db.Close()

	a, err := app.Build(ctx, db, e.cfg, e.logger)
	if err != nil {
		return err
	}
	defer a.Close()

	return fn(a)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
