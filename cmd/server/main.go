package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/STRATINT/postlink/internal/api"
	"github.com/STRATINT/postlink/internal/app"
	"github.com/STRATINT/postlink/internal/config"
	"github.com/STRATINT/postlink/internal/database"
	"github.com/STRATINT/postlink/internal/logging"
	"github.com/STRATINT/postlink/internal/server"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.New(slog.NewJSONHandler(os.Stdout, nil)).Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		slog.New(slog.NewJSONHandler(os.Stdout, nil)).Error("failed to init logger", "error", err)
		os.Exit(1)
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("postlink exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	logger.Info("starting postlink")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := app.Open(ctx, cfg.Database, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	migrator, err := database.NewMigrator(db)
	if err != nil {
		return err
	}
	if err := database.RunMigrations(migrator, 0, logger); err != nil {
		return err
	}

	a, err := app.Build(ctx, db, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("AUTH_JWT_SECRET is required")
	}

	deps := api.Deps{
		Linking: a.Linking,
		Posts:   a.Posts,
		Media:   a.Media,
		Metrics: a.Metrics,
		Health:  func(ctx context.Context) error { return database.HealthCheck(ctx, db) },
	}
	if cfg.Dispatch.Enabled {
		deps.Dispatch = a.Scheduler
		a.Scheduler.ScheduleDispatchLoop(ctx, int(cfg.Dispatch.Interval.Seconds()))
	} else {
		logger.Warn("dispatch scheduler disabled")
	}

	srv := server.New(cfg.Server, logger, api.NewRouter(deps, cfg.Server, cfg.Auth, logger))

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	logger.Info("postlink started", "url", fmt.Sprintf("http://localhost:%s", cfg.Server.Port))

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case sig := <-waitForSignal():
		logger.Info("received signal", "signal", sig.String())
	}

	logger.Info("shutting down")
	if err := srv.Shutdown(context.Background()); err != nil {
		logger.Error("shutdown error", "error", err)
	}
	cancel()
	a.Scheduler.Stop()
	logger.Info("shutdown complete")
	return nil
}

func waitForSignal() <-chan os.Signal {
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	return c
}
