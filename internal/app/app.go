// Package app wires the postlink services from configuration. Both the
// server and the ops CLI build on it.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/STRATINT/postlink/internal/config"
	"github.com/STRATINT/postlink/internal/database"
	"github.com/STRATINT/postlink/internal/dispatch"
	"github.com/STRATINT/postlink/internal/email"
	"github.com/STRATINT/postlink/internal/linking"
	"github.com/STRATINT/postlink/internal/linkstate"
	"github.com/STRATINT/postlink/internal/media"
	"github.com/STRATINT/postlink/internal/metrics"
	"github.com/STRATINT/postlink/internal/scheduler"
	"github.com/STRATINT/postlink/internal/secrets"
	"github.com/STRATINT/postlink/internal/social"
)

// App holds the constructed services.
type App struct {
	DB          *sql.DB
	Metrics     *metrics.Collector
	States      linkstate.Store
	Media       media.Store
	Connections *database.ConnectionRepository
	PostRepo    *database.PostRepository
	Linking     *linking.Service
	Posts       *dispatch.Posts
	Dispatcher  *dispatch.Dispatcher
	Scheduler   *scheduler.DispatchScheduler
}

// Open connects to Postgres using DATABASE_URL or the Cloud SQL variables.
func Open(ctx context.Context, cfg config.DatabaseConfig, logger *slog.Logger) (*sql.DB, error) {
	dbURL := cfg.URL
	if dbURL == "" {
		var err error
		if dbURL, err = config.DatabaseURL(); err != nil {
			return nil, err
		}
	}
	logger.Info("connecting to database")
	db, err := database.Connect(ctx, dbURL, cfg)
	if err != nil {
		return nil, err
	}
	logger.Info("database connected")
	return db, nil
}

// Build constructs every service on top of an open database.
func Build(ctx context.Context, db *sql.DB, cfg config.Config, logger *slog.Logger) (*App, error) {
	collector, err := metrics.NewCollector()
	if err != nil {
		return nil, fmt.Errorf("failed to init metrics: %w", err)
	}

	sealer, err := newSealer(cfg.Linking, logger)
	if err != nil {
		return nil, err
	}

	states, err := linkstate.New(ctx, cfg.Cache)
	if err != nil {
		return nil, fmt.Errorf("failed to init linking state store: %w", err)
	}

	mediaStore, err := media.New(ctx, cfg.Media, logger)
	if err != nil {
		_ = states.Close()
		return nil, fmt.Errorf("failed to init media store: %w", err)
	}

	if !cfg.Platform.LinkingEnabled() {
		logger.Warn("X_CLIENT_ID or X_REDIRECT_URL not set, account linking is disabled")
	}
	client := social.NewClient(cfg.Platform, logger.With("component", "x_client"))

	connections := database.NewConnectionRepository(db, sealer)
	postRepo := database.NewPostRepository(db)

	linkingSvc := linking.NewService(linking.Deps{
		Connections: connections,
		States:      states,
		Platform:    client,
		Mailer:      email.New(cfg.Email, logger),
		Metrics:     collector,
	}, cfg.Linking, logger.With("component", "linking"))

	dispatcher := dispatch.NewDispatcher(
		postRepo,
		connections,
		mediaStore,
		client,
		collector,
		cfg.Dispatch,
		logger.With("component", "dispatcher"),
	)

	return &App{
		DB:          db,
		Metrics:     collector,
		States:      states,
		Media:       mediaStore,
		Connections: connections,
		PostRepo:    postRepo,
		Linking:     linkingSvc,
		Posts:       dispatch.NewPosts(postRepo),
		Dispatcher:  dispatcher,
		Scheduler:   scheduler.NewDispatchScheduler(dispatcher, cfg.Dispatch.Interval, logger.With("component", "scheduler")),
	}, nil
}

// Close releases the linking state store. The database is owned by the
// caller of Open.
func (a *App) Close() error {
	return a.States.Close()
}

func newSealer(cfg config.LinkingConfig, logger *slog.Logger) (*secrets.Sealer, error) {
	if len(cfg.CredentialsKey) == 0 {
		logger.Warn("CREDENTIALS_KEY not set, using an ephemeral key; stored credentials will not survive a restart")
		return secrets.NewEphemeralSealer()
	}
	return secrets.NewSealer(cfg.CredentialsKey)
}
