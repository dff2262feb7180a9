package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"

	"github.com/STRATINT/postlink/internal/auth"
	"github.com/STRATINT/postlink/internal/database"
	"github.com/STRATINT/postlink/internal/dispatch"
	"github.com/STRATINT/postlink/internal/email"
	"github.com/STRATINT/postlink/internal/linking"
	"github.com/STRATINT/postlink/internal/media"
	"github.com/STRATINT/postlink/internal/models"
	"github.com/STRATINT/postlink/internal/scheduler"
	"github.com/STRATINT/postlink/internal/social"
)

const maxBodyBytes = 1 << 20

var validate = validator.New()

// ErrorResponse is the body of every non-2xx JSON response.
type ErrorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	if status != 0 {
		w.WriteHeader(status)
	}
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// decodeJSON reads a bounded request body into dst and runs struct
// validation on it.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	if err := validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("invalid field %s: failed %q check", strings.ToLower(verrs[0].Field()), verrs[0].Tag())
		}
		return err
	}
	return nil
}

func pathVar(r *http.Request, key string) string {
	return mux.Vars(r)[key]
}

func userID(r *http.Request) string {
	id, _ := auth.GetUserIDFromContext(r.Context())
	return id
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s %q", key, raw)
	}
	return n, nil
}

// respondError maps service errors onto HTTP statuses. Anything unmapped is
// logged and reported as a 500 without detail.
func respondError(w http.ResponseWriter, logger *slog.Logger, op string, err error) {
	var (
		policy   *models.PolicyError
		upstream *linking.UpstreamAuthError
		delivery *linking.DeliveryError
		platform *social.PlatformError
	)

	switch {
	case errors.As(err, &policy):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: policy.Error(), Reason: string(policy.Reason)})
	case errors.Is(err, linking.ErrInvalidEmail),
		errors.Is(err, linking.ErrInvalidCode),
		errors.Is(err, linking.ErrInvalidHandle),
		errors.Is(err, linking.ErrInvalidSubject),
		errors.Is(err, dispatch.ErrInvalidStatus),
		errors.Is(err, media.ErrInvalidKey):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, linking.ErrExpiredCode):
		writeError(w, http.StatusGone, err.Error())
	case errors.Is(err, linking.ErrNotConnected),
		errors.Is(err, linking.ErrHandleNotFound),
		errors.Is(err, linking.ErrNoPendingCode),
		errors.Is(err, database.ErrPostNotFound),
		errors.Is(err, media.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, linking.ErrInvalidState),
		errors.Is(err, dispatch.ErrNotSchedulable),
		errors.Is(err, scheduler.ErrRunInProgress):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, linking.ErrNotVerified):
		writeError(w, http.StatusPreconditionFailed, err.Error())
	case errors.Is(err, linking.ErrChallengeNotPosted):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, linking.ErrTooManyAttempts):
		writeError(w, http.StatusTooManyRequests, err.Error())
	case errors.As(err, &platform) && platform.Kind == social.KindRateLimited:
		if platform.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(platform.RetryAfter.Round(time.Second)/time.Second)))
		}
		writeError(w, http.StatusTooManyRequests, "platform rate limit reached")
	case errors.Is(err, email.ErrNotConfigured):
		logger.Error("email delivery is not configured", "op", op)
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.As(err, &upstream), errors.As(err, &delivery), platform != nil:
		logger.Warn("upstream failure", "op", op, "error", err)
		writeError(w, http.StatusBadGateway, err.Error())
	case errors.Is(err, linking.ErrConfiguration):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		logger.Error("request failed", "op", op, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}
