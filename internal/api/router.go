// Package api exposes account linking and post scheduling over HTTP.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"github.com/STRATINT/postlink/internal/auth"
	"github.com/STRATINT/postlink/internal/config"
	"github.com/STRATINT/postlink/internal/media"
	"github.com/STRATINT/postlink/internal/metrics"
)

// Deps holds the services the router dispatches to. Media, Dispatch and
// Metrics are optional.
type Deps struct {
	Linking  LinkingService
	Posts    PostService
	Media    media.Store
	Dispatch DispatchTrigger
	Metrics  *metrics.Collector
	Health   func(ctx context.Context) error
}

// NewRouter configures all API routes
func NewRouter(deps Deps, serverCfg config.ServerConfig, authCfg config.AuthConfig, logger *slog.Logger) http.Handler {
	linkHandler := NewLinkHandler(deps.Linking, logger)
	postHandler := NewPostHandler(deps.Posts, deps.Media, logger)
	adminHandler := NewAdminHandler(deps.Dispatch, logger)

	r := mux.NewRouter()
	if deps.Metrics != nil {
		r.Use(deps.Metrics.InstrumentHandler)
		r.Handle("/metrics", deps.Metrics.Handler()).Methods(http.MethodGet)
	}
	r.HandleFunc("/healthz", healthHandler(deps.Health, logger)).Methods(http.MethodGet)

	// Public routes
	r.HandleFunc("/api/public/x/link", linkHandler.BeginPublicLink).Methods(http.MethodPost)
	r.HandleFunc("/api/x/callback", linkHandler.Callback).Methods(http.MethodGet)

	// Authenticated routes
	api := r.PathPrefix("/api").Subrouter()
	api.Use(auth.AuthMiddleware(authCfg))

	api.HandleFunc("/x/link", linkHandler.BeginLink).Methods(http.MethodPost)
	api.HandleFunc("/x/claim", linkHandler.Claim).Methods(http.MethodPost)
	api.HandleFunc("/x/lookup/{handle}", linkHandler.Lookup).Methods(http.MethodGet)
	api.HandleFunc("/x/status", linkHandler.Status).Methods(http.MethodGet)
	api.HandleFunc("/x/connection", linkHandler.Disconnect).Methods(http.MethodDelete)
	api.HandleFunc("/x/verify/email", linkHandler.RequestEmailCode).Methods(http.MethodPost)
	api.HandleFunc("/x/verify/email/resend", linkHandler.ResendEmailCode).Methods(http.MethodPost)
	api.HandleFunc("/x/verify/email/confirm", linkHandler.ConfirmEmailCode).Methods(http.MethodPost)
	api.HandleFunc("/x/verify/challenge", linkHandler.RequestChallengeCode).Methods(http.MethodPost)
	api.HandleFunc("/x/verify/challenge/confirm", linkHandler.ConfirmChallengeCode).Methods(http.MethodPost)
	api.HandleFunc("/x/auto-dispatch", linkHandler.AutoDispatch).Methods(http.MethodPut)

	api.HandleFunc("/posts", postHandler.Create).Methods(http.MethodPost)
	api.HandleFunc("/posts", postHandler.List).Methods(http.MethodGet)
	api.HandleFunc("/posts/{id}", postHandler.Get).Methods(http.MethodGet)
	api.HandleFunc("/posts/{id}/schedule", postHandler.Schedule).Methods(http.MethodPost)
	api.HandleFunc("/media", postHandler.UploadMedia).Methods(http.MethodPost)

	// Admin routes
	api.Handle("/admin/dispatch/run", auth.RequireAdmin(http.HandlerFunc(adminHandler.RunDispatch))).Methods(http.MethodPost)

	c := cors.New(cors.Options{
		AllowedOrigins:   serverCfg.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})
	return c.Handler(r)
}

func healthHandler(check func(context.Context) error, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if check != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := check(ctx); err != nil {
				logger.Error("health check failed", "error", err)
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
