package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/STRATINT/postlink/internal/linking"
	"github.com/STRATINT/postlink/internal/models"
)

// LinkingService is the account-linking surface used by the HTTP API.
type LinkingService interface {
	BeginLink(ctx context.Context, userID string) (*linking.LinkStart, error)
	BeginPublicLink(ctx context.Context) (*linking.LinkStart, error)
	CompleteLink(ctx context.Context, stateToken, authorizationCode string) (*models.Connection, error)
	ClaimPublicConnection(ctx context.Context, claimToken, userID string) (int64, error)
	ActiveConnection(ctx context.Context, userID string) (*models.Connection, error)
	RequestEmailCode(ctx context.Context, conn *models.Connection, addr string) (time.Time, error)
	ResendEmailCode(ctx context.Context, conn *models.Connection) (time.Time, error)
	VerifyEmailCode(ctx context.Context, conn *models.Connection, code string) error
	RequestChallengeCode(ctx context.Context, conn *models.Connection) (string, time.Time, error)
	VerifyChallengeCode(ctx context.Context, conn *models.Connection, code string) error
	ToggleAutoDispatch(ctx context.Context, conn *models.Connection, enable bool) error
	GetConnectionStatus(ctx context.Context, userID string) (*models.ConnectionStatus, error)
	Disconnect(ctx context.Context, userID string) error
	LookupHandle(ctx context.Context, handle string) (*models.ExternalIdentity, error)
}

// LinkHandler serves the /api/x endpoints.
type LinkHandler struct {
	linking LinkingService
	logger  *slog.Logger
}

// NewLinkHandler creates a new link handler
func NewLinkHandler(svc LinkingService, logger *slog.Logger) *LinkHandler {
	return &LinkHandler{linking: svc, logger: logger}
}

type claimRequest struct {
	ClaimToken string `json:"claim_token" validate:"required,max=128"`
}

type emailCodeRequest struct {
	Email string `json:"email" validate:"required"`
}

type codeRequest struct {
	Code string `json:"code" validate:"required,max=32"`
}

type autoDispatchRequest struct {
	Enabled *bool `json:"enabled" validate:"required"`
}

type codeIssuedResponse struct {
	ExpiresAt time.Time `json:"expires_at"`
	Code      string    `json:"code,omitempty"`
}

// BeginLink handles POST /api/x/link
func (h *LinkHandler) BeginLink(w http.ResponseWriter, r *http.Request) {
	start, err := h.linking.BeginLink(r.Context(), userID(r))
	if err != nil {
		respondError(w, h.logger, "begin_link", err)
		return
	}
	writeJSON(w, http.StatusOK, start)
}

// BeginPublicLink handles POST /api/public/x/link. The response carries the
// claim token the visitor presents to /api/x/claim after signing up.
func (h *LinkHandler) BeginPublicLink(w http.ResponseWriter, r *http.Request) {
	start, err := h.linking.BeginPublicLink(r.Context())
	if err != nil {
		respondError(w, h.logger, "begin_public_link", err)
		return
	}
	writeJSON(w, http.StatusOK, start)
}

// Callback handles GET /api/x/callback?state=&code=
func (h *LinkHandler) Callback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if denied := q.Get("error"); denied != "" {
		h.logger.Info("authorization declined", "error", denied)
		writeError(w, http.StatusBadRequest, "authorization was not granted: "+denied)
		return
	}
	state, code := q.Get("state"), q.Get("code")
	if code == "" {
		writeError(w, http.StatusBadRequest, "code is required")
		return
	}

	conn, err := h.linking.CompleteLink(r.Context(), state, code)
	if err != nil {
		respondError(w, h.logger, "complete_link", err)
		return
	}
	writeJSON(w, http.StatusOK, conn)
}

// Claim handles POST /api/x/claim
func (h *LinkHandler) Claim(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	n, err := h.linking.ClaimPublicConnection(r.Context(), req.ClaimToken, userID(r))
	if err != nil {
		respondError(w, h.logger, "claim", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"claimed": n})
}

// Lookup handles GET /api/x/lookup/{handle}
func (h *LinkHandler) Lookup(w http.ResponseWriter, r *http.Request) {
	identity, err := h.linking.LookupHandle(r.Context(), pathVar(r, "handle"))
	if err != nil {
		respondError(w, h.logger, "lookup", err)
		return
	}
	writeJSON(w, http.StatusOK, identity)
}

// Status handles GET /api/x/status
func (h *LinkHandler) Status(w http.ResponseWriter, r *http.Request) {
	status, err := h.linking.GetConnectionStatus(r.Context(), userID(r))
	if err != nil {
		respondError(w, h.logger, "status", err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// Disconnect handles DELETE /api/x/connection
func (h *LinkHandler) Disconnect(w http.ResponseWriter, r *http.Request) {
	if err := h.linking.Disconnect(r.Context(), userID(r)); err != nil {
		respondError(w, h.logger, "disconnect", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RequestEmailCode handles POST /api/x/verify/email
func (h *LinkHandler) RequestEmailCode(w http.ResponseWriter, r *http.Request) {
	var req emailCodeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	conn, ok := h.connection(w, r)
	if !ok {
		return
	}
	expiresAt, err := h.linking.RequestEmailCode(r.Context(), conn, req.Email)
	if err != nil {
		respondError(w, h.logger, "request_email_code", err)
		return
	}
	writeJSON(w, http.StatusAccepted, codeIssuedResponse{ExpiresAt: expiresAt})
}

// ResendEmailCode handles POST /api/x/verify/email/resend
func (h *LinkHandler) ResendEmailCode(w http.ResponseWriter, r *http.Request) {
	conn, ok := h.connection(w, r)
	if !ok {
		return
	}
	expiresAt, err := h.linking.ResendEmailCode(r.Context(), conn)
	if err != nil {
		respondError(w, h.logger, "resend_email_code", err)
		return
	}
	writeJSON(w, http.StatusAccepted, codeIssuedResponse{ExpiresAt: expiresAt})
}

// ConfirmEmailCode handles POST /api/x/verify/email/confirm
func (h *LinkHandler) ConfirmEmailCode(w http.ResponseWriter, r *http.Request) {
	h.confirm(w, r, "verify_email_code", h.linking.VerifyEmailCode)
}

// RequestChallengeCode handles POST /api/x/verify/challenge. The code is
// returned so the user can publish it from the linked account.
func (h *LinkHandler) RequestChallengeCode(w http.ResponseWriter, r *http.Request) {
	conn, ok := h.connection(w, r)
	if !ok {
		return
	}
	code, expiresAt, err := h.linking.RequestChallengeCode(r.Context(), conn)
	if err != nil {
		respondError(w, h.logger, "request_challenge_code", err)
		return
	}
	writeJSON(w, http.StatusOK, codeIssuedResponse{ExpiresAt: expiresAt, Code: code})
}

// ConfirmChallengeCode handles POST /api/x/verify/challenge/confirm
func (h *LinkHandler) ConfirmChallengeCode(w http.ResponseWriter, r *http.Request) {
	h.confirm(w, r, "verify_challenge_code", h.linking.VerifyChallengeCode)
}

// AutoDispatch handles PUT /api/x/auto-dispatch
func (h *LinkHandler) AutoDispatch(w http.ResponseWriter, r *http.Request) {
	var req autoDispatchRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	conn, ok := h.connection(w, r)
	if !ok {
		return
	}
	if err := h.linking.ToggleAutoDispatch(r.Context(), conn, *req.Enabled); err != nil {
		respondError(w, h.logger, "toggle_auto_dispatch", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"auto_dispatch_enabled": *req.Enabled})
}

func (h *LinkHandler) confirm(w http.ResponseWriter, r *http.Request, op string, verify func(context.Context, *models.Connection, string) error) {
	var req codeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	conn, ok := h.connection(w, r)
	if !ok {
		return
	}
	if err := verify(r.Context(), conn, req.Code); err != nil {
		respondError(w, h.logger, op, err)
		return
	}

	status, err := h.linking.GetConnectionStatus(r.Context(), conn.UserID)
	if err != nil {
		respondError(w, h.logger, op, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (h *LinkHandler) connection(w http.ResponseWriter, r *http.Request) (*models.Connection, bool) {
	conn, err := h.linking.ActiveConnection(r.Context(), userID(r))
	if err != nil {
		respondError(w, h.logger, "active_connection", err)
		return nil, false
	}
	return conn, true
}
