// Package linking connects local users to their X accounts and proves that
// they own them, either with an emailed code or with a code they post
// publicly.
package linking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/STRATINT/postlink/internal/config"
	"github.com/STRATINT/postlink/internal/database"
	"github.com/STRATINT/postlink/internal/email"
	"github.com/STRATINT/postlink/internal/linkstate"
	"github.com/STRATINT/postlink/internal/models"
	"github.com/STRATINT/postlink/internal/social"
)

// MaxCodeAttempts is how many wrong guesses a pending code survives.
const MaxCodeAttempts = 5

// challengeLookback is how many recent posts are searched for a challenge.
const challengeLookback = 20

// ConnectionStore is the persistence the service needs.
type ConnectionStore interface {
	Upsert(ctx context.Context, conn *models.Connection) (*models.Connection, error)
	GetActiveByUser(ctx context.Context, userID string) (*models.Connection, error)
	UpdateVerification(ctx context.Context, id string, v models.Verification) error
	SetAutoDispatch(ctx context.Context, id string, enabled bool) error
	DisconnectUser(ctx context.Context, userID string, at time.Time) (int64, error)
	Reassign(ctx context.Context, fromSubject, toUserID string) (int64, error)
}

// Platform is the subset of the platform client used while linking.
type Platform interface {
	social.Authorizer
	social.Reader
}

// Recorder receives verification outcomes.
type Recorder interface {
	Verification(method, result string)
}

type nopRecorder struct{}

func (nopRecorder) Verification(string, string) {}

// Deps are the collaborators of a Service.
type Deps struct {
	Connections ConnectionStore
	States      linkstate.Store
	Platform    Platform
	Mailer      email.Sender
	Metrics     Recorder
}

// LinkStart is returned when an authorization flow begins. ClaimToken is
// set for public flows only; it is the secret that later hands the
// connection to the account created after onboarding.
type LinkStart struct {
	StateToken       string    `json:"state_token"`
	AuthorizationURL string    `json:"authorization_url"`
	ClaimToken       string    `json:"claim_token,omitempty"`
	ExpiresAt        time.Time `json:"expires_at"`
}

// Service implements account linking and ownership verification.
type Service struct {
	connections ConnectionStore
	states      linkstate.Store
	platform    Platform
	mailer      email.Sender
	metrics     Recorder
	cfg         config.LinkingConfig
	validate    *validator.Validate
	logger      *slog.Logger
	now         func() time.Time
}

// NewService creates a linking service.
func NewService(deps Deps, cfg config.LinkingConfig, logger *slog.Logger) *Service {
	if deps.Metrics == nil {
		deps.Metrics = nopRecorder{}
	}
	if cfg.ChallengePrefix == "" {
		cfg.ChallengePrefix = "LINK"
	}
	return &Service{
		connections: deps.Connections,
		states:      deps.States,
		platform:    deps.Platform,
		mailer:      deps.Mailer,
		metrics:     deps.Metrics,
		cfg:         cfg,
		validate:    validator.New(),
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// BeginLink starts the authorization flow for a signed-in user.
func (s *Service) BeginLink(ctx context.Context, userID string) (*LinkStart, error) {
	if models.IsPublicSubject(userID) {
		return nil, ErrInvalidSubject
	}
	return s.begin(ctx, models.LinkPurposeAuthenticated, userID)
}

// BeginPublicLink starts the authorization flow for a visitor who has no
// account yet. The connection is parked under a fresh claim token, returned
// in LinkStart, until ClaimPublicConnection hands it to the new user.
func (s *Service) BeginPublicLink(ctx context.Context) (*LinkStart, error) {
	claim, err := social.NewStateToken()
	if err != nil {
		return nil, err
	}
	start, err := s.begin(ctx, models.LinkPurposePublic, models.PublicSubject(claim))
	if err != nil {
		return nil, err
	}
	start.ClaimToken = claim
	return start, nil
}

func (s *Service) begin(ctx context.Context, purpose models.LinkPurpose, subject string) (*LinkStart, error) {
	if subject == "" {
		return nil, fmt.Errorf("subject is required")
	}

	verifier, err := social.NewVerifier()
	if err != nil {
		return nil, err
	}
	token, err := social.NewStateToken()
	if err != nil {
		return nil, err
	}

	authURL, err := s.platform.AuthorizationURL(token, social.Challenge(verifier))
	if errors.Is(err, social.ErrNotConfigured) {
		return nil, ErrConfiguration
	}
	if err != nil {
		return nil, fmt.Errorf("failed to build authorization url: %w", err)
	}

	now := s.now()
	state := models.LinkingState{
		StateToken:  token,
		ProofSecret: verifier,
		Purpose:     purpose,
		Subject:     subject,
		CreatedAt:   now,
	}
	if err := s.states.SaveState(ctx, state, s.cfg.StateTTL); err != nil {
		return nil, fmt.Errorf("failed to save linking state: %w", err)
	}

	s.logger.Info("link started", "purpose", purpose, "subject", logSubject(subject))

	return &LinkStart{
		StateToken:       token,
		AuthorizationURL: authURL,
		ExpiresAt:        now.Add(s.cfg.StateTTL),
	}, nil
}

// CompleteLink finishes the authorization flow identified by stateToken.
// The state is consumed before the code exchange, so a replayed callback
// fails with ErrInvalidState.
func (s *Service) CompleteLink(ctx context.Context, stateToken, authorizationCode string) (*models.Connection, error) {
	if stateToken == "" {
		return nil, ErrInvalidState
	}

	state, err := s.states.ConsumeState(ctx, stateToken)
	if errors.Is(err, linkstate.ErrNotFound) {
		return nil, ErrInvalidState
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load linking state: %w", err)
	}
	if state.Expired(s.now(), s.cfg.StateTTL) {
		return nil, ErrInvalidState
	}

	grant, err := s.platform.ExchangeCode(ctx, authorizationCode, state.ProofSecret)
	if errors.Is(err, social.ErrNotConfigured) {
		return nil, ErrConfiguration
	}
	if err != nil {
		s.logger.Warn("authorization exchange failed", "subject", logSubject(state.Subject), "error", err)
		return nil, &UpstreamAuthError{Err: err}
	}

	creds := grant.Credentials
	conn, err := s.connections.Upsert(ctx, &models.Connection{
		UserID:      state.Subject,
		ExternalID:  grant.Identity.ID,
		Handle:      grant.Identity.Handle,
		DisplayName: grant.Identity.DisplayName,
		Credentials: &creds,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to store connection: %w", err)
	}

	// a relink resets verification, so codes issued before it are void
	if err := s.states.DeleteCodes(ctx, conn.ID); err != nil {
		s.logger.Warn("failed to clear pending codes", "connection_id", conn.ID, "error", err)
	}

	s.logger.Info("account linked",
		"connection_id", conn.ID,
		"user_id", logSubject(conn.UserID),
		"external_id", conn.ExternalID,
		"purpose", state.Purpose)

	return conn, nil
}

// ClaimPublicConnection moves connections linked under claimToken to userID
// and reports how many moved. Only connections in the public bucket can
// move; a user id passed as the token matches nothing.
func (s *Service) ClaimPublicConnection(ctx context.Context, claimToken, userID string) (int64, error) {
	if claimToken == "" || userID == "" || models.IsPublicSubject(userID) {
		return 0, ErrInvalidSubject
	}
	n, err := s.connections.Reassign(ctx, models.PublicSubject(claimToken), userID)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, ErrNotConnected
	}
	s.logger.Info("onboarding connection claimed", "user_id", userID, "count", n)
	return n, nil
}

// ActiveConnection returns the user's current connection. Connections
// still in the public bucket belong to no user.
func (s *Service) ActiveConnection(ctx context.Context, userID string) (*models.Connection, error) {
	if userID == "" || models.IsPublicSubject(userID) {
		return nil, ErrNotConnected
	}
	conn, err := s.connections.GetActiveByUser(ctx, userID)
	if errors.Is(err, database.ErrConnectionNotFound) {
		return nil, ErrNotConnected
	}
	return conn, err
}

// RequestEmailCode issues a 6-digit code, stores it and mails it to addr.
// A delivery failure is returned as *DeliveryError; the code stays stored
// so ResendEmailCode can retry delivery.
func (s *Service) RequestEmailCode(ctx context.Context, conn *models.Connection, addr string) (time.Time, error) {
	if !conn.Connected() {
		return time.Time{}, ErrNotConnected
	}
	addr = strings.TrimSpace(addr)
	if err := s.validate.Var(addr, "required,email"); err != nil {
		return time.Time{}, ErrInvalidEmail
	}

	code, err := newEmailCode()
	if err != nil {
		return time.Time{}, err
	}
	now := s.now()
	pending := models.PendingVerification{
		ConnectionID: conn.ID,
		Method:       models.VerificationMethodEmail,
		Code:         code,
		TargetEmail:  addr,
		ExpiresAt:    now.Add(s.cfg.EmailCodeTTL),
		CreatedAt:    now,
	}
	if err := s.issue(ctx, conn, pending); err != nil {
		return time.Time{}, err
	}

	if err := s.deliver(ctx, conn, pending); err != nil {
		return pending.ExpiresAt, err
	}
	return pending.ExpiresAt, nil
}

// ResendEmailCode mails the current email code again without replacing it.
func (s *Service) ResendEmailCode(ctx context.Context, conn *models.Connection) (time.Time, error) {
	pending, err := s.pendingCode(ctx, conn, models.VerificationMethodEmail)
	if err != nil {
		return time.Time{}, err
	}
	if pending.Expired(s.now()) {
		return time.Time{}, ErrExpiredCode
	}
	if err := s.deliver(ctx, conn, pending); err != nil {
		return pending.ExpiresAt, err
	}
	return pending.ExpiresAt, nil
}

// VerifyEmailCode checks code against the pending email code.
func (s *Service) VerifyEmailCode(ctx context.Context, conn *models.Connection, code string) error {
	_, err := s.check(ctx, conn, models.VerificationMethodEmail, code)
	if err != nil {
		return err
	}
	return s.markVerified(ctx, conn, models.VerificationMethodEmail)
}

// RequestChallengeCode issues a code the user proves ownership with by
// posting it from the linked account.
func (s *Service) RequestChallengeCode(ctx context.Context, conn *models.Connection) (string, time.Time, error) {
	if !conn.Connected() {
		return "", time.Time{}, ErrNotConnected
	}

	code, err := newChallengeCode(s.cfg.ChallengePrefix)
	if err != nil {
		return "", time.Time{}, err
	}
	now := s.now()
	pending := models.PendingVerification{
		ConnectionID: conn.ID,
		Method:       models.VerificationMethodPlatformPost,
		Code:         code,
		ExpiresAt:    now.Add(s.cfg.ChallengeCodeTTL),
		CreatedAt:    now,
	}
	if err := s.issue(ctx, conn, pending); err != nil {
		return "", time.Time{}, err
	}
	return code, pending.ExpiresAt, nil
}

// VerifyChallengeCode checks code against the pending challenge and then
// confirms that one of the account's recent posts contains it. When no
// post does, ErrChallengeNotPosted is returned and the code stays pending.
func (s *Service) VerifyChallengeCode(ctx context.Context, conn *models.Connection, code string) error {
	pending, err := s.check(ctx, conn, models.VerificationMethodPlatformPost, code)
	if err != nil {
		return err
	}

	posts, err := s.platform.RecentPosts(ctx, conn.ExternalID, challengeLookback)
	if err != nil {
		s.metrics.Verification(string(models.VerificationMethodPlatformPost), "upstream_error")
		return fmt.Errorf("failed to read recent posts: %w", err)
	}

	want := normalizeCode(pending.Code)
	found := false
	for _, p := range posts {
		if p.AuthorID != "" && p.AuthorID != conn.ExternalID {
			continue
		}
		if strings.Contains(strings.ToUpper(p.Text), want) {
			found = true
			break
		}
	}
	if !found {
		s.metrics.Verification(string(models.VerificationMethodPlatformPost), "not_posted")
		return ErrChallengeNotPosted
	}

	return s.markVerified(ctx, conn, models.VerificationMethodPlatformPost)
}

// ToggleAutoDispatch turns automatic posting on or off. Enabling requires a
// verified connection.
func (s *Service) ToggleAutoDispatch(ctx context.Context, conn *models.Connection, enable bool) error {
	if enable && !conn.Verification.IsVerified() {
		return ErrNotVerified
	}
	err := s.connections.SetAutoDispatch(ctx, conn.ID, enable)
	if errors.Is(err, database.ErrConditionFailed) {
		return ErrNotVerified
	}
	if err != nil {
		return err
	}
	conn.AutoDispatchEnabled = enable
	s.logger.Info("auto-dispatch toggled", "connection_id", conn.ID, "enabled", enable)
	return nil
}

// GetConnectionStatus summarizes the user's connection. A user without one
// gets a zero status rather than an error.
func (s *Service) GetConnectionStatus(ctx context.Context, userID string) (*models.ConnectionStatus, error) {
	conn, err := s.ActiveConnection(ctx, userID)
	if errors.Is(err, ErrNotConnected) {
		return &models.ConnectionStatus{VerificationState: models.VerificationUnverified}, nil
	}
	if err != nil {
		return nil, err
	}
	return &models.ConnectionStatus{
		Connected:           conn.Connected(),
		Verified:            conn.Verification.IsVerified(),
		VerificationState:   conn.Verification.State(),
		VerificationMethod:  conn.Verification.Method(),
		Handle:              conn.Handle,
		AutoDispatchEnabled: conn.AutoDispatchEnabled,
	}, nil
}

// Disconnect soft-resets every connection of the user and drops any
// pending codes. Disconnecting twice is not an error.
func (s *Service) Disconnect(ctx context.Context, userID string) error {
	conn, err := s.ActiveConnection(ctx, userID)
	switch {
	case errors.Is(err, ErrNotConnected):
		return nil
	case err != nil:
		return err
	}

	if err := s.states.DeleteCodes(ctx, conn.ID); err != nil {
		s.logger.Warn("failed to clear pending codes", "connection_id", conn.ID, "error", err)
	}
	n, err := s.connections.DisconnectUser(ctx, userID, s.now())
	if err != nil {
		return err
	}
	s.logger.Info("account disconnected", "user_id", userID, "connections", n)
	return nil
}

// LookupHandle resolves a username with the application token, before any
// connection exists.
func (s *Service) LookupHandle(ctx context.Context, handle string) (*models.ExternalIdentity, error) {
	handle = social.NormalizeHandle(handle)
	if !social.ValidHandle(handle) {
		return nil, ErrInvalidHandle
	}
	identity, err := s.platform.LookupByHandle(ctx, handle)
	switch {
	case social.IsKind(err, social.KindNotFound):
		return nil, ErrHandleNotFound
	case errors.Is(err, social.ErrNotConfigured):
		return nil, ErrConfiguration
	case err != nil:
		return nil, err
	}
	return identity, nil
}

// SweepExpired drops expired linking state.
func (s *Service) SweepExpired(ctx context.Context) (int, error) {
	n, err := s.states.Sweep(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Info("expired linking state swept", "count", n)
	}
	return n, nil
}

// issue stores a new pending code and moves the connection to the pending
// state for its method. Auto-dispatch is switched off with it.
func (s *Service) issue(ctx context.Context, conn *models.Connection, pending models.PendingVerification) error {
	if err := s.states.SaveCode(ctx, pending); err != nil {
		return fmt.Errorf("failed to store verification code: %w", err)
	}

	v := models.PendingVia(pending.Method)
	if err := s.connections.UpdateVerification(ctx, conn.ID, v); err != nil {
		return fmt.Errorf("failed to update verification: %w", err)
	}
	conn.Verification = v
	conn.AutoDispatchEnabled = false

	s.metrics.Verification(string(pending.Method), "requested")
	s.logger.Info("verification code issued",
		"connection_id", conn.ID,
		"method", pending.Method,
		"expires_at", pending.ExpiresAt)
	return nil
}

func (s *Service) deliver(ctx context.Context, conn *models.Connection, pending models.PendingVerification) error {
	msg, err := email.VerificationMessage(pending.TargetEmail, email.VerificationVars{
		Handle: conn.Handle,
		Code:   pending.Code,
		TTL:    pending.ExpiresAt.Sub(s.now()),
	})
	if err != nil {
		return fmt.Errorf("failed to render verification email: %w", err)
	}
	if _, err := s.mailer.Send(ctx, msg); err != nil {
		s.metrics.Verification(string(models.VerificationMethodEmail), "delivery_failed")
		s.logger.Error("verification email failed", "connection_id", conn.ID, "error", err)
		return &DeliveryError{Err: err}
	}
	return nil
}

func (s *Service) pendingCode(ctx context.Context, conn *models.Connection, method models.VerificationMethod) (models.PendingVerification, error) {
	pending, err := s.states.Code(ctx, conn.ID, method)
	if errors.Is(err, linkstate.ErrNotFound) {
		return models.PendingVerification{}, ErrNoPendingCode
	}
	if err != nil {
		return models.PendingVerification{}, fmt.Errorf("failed to load verification code: %w", err)
	}
	return pending, nil
}

// check validates code against the pending code for method. Expiry is
// checked before the match so a late correct code reports ErrExpiredCode.
func (s *Service) check(ctx context.Context, conn *models.Connection, method models.VerificationMethod, code string) (models.PendingVerification, error) {
	pending, err := s.pendingCode(ctx, conn, method)
	if err != nil {
		s.metrics.Verification(string(method), "no_pending")
		return pending, err
	}
	if pending.Expired(s.now()) {
		s.metrics.Verification(string(method), "expired")
		return pending, ErrExpiredCode
	}
	if pending.Attempts >= MaxCodeAttempts {
		s.metrics.Verification(string(method), "locked")
		return pending, ErrTooManyAttempts
	}
	if !codesMatch(pending.Code, code) {
		// counted only against the code just read; a code issued meanwhile
		// starts with a clean slate
		updated, err := s.states.RecordAttempt(ctx, conn.ID, method, pending.Code)
		switch {
		case err == nil:
			pending = updated
		case !errors.Is(err, linkstate.ErrNotFound):
			s.logger.Warn("failed to record verification attempt", "connection_id", conn.ID, "error", err)
		}
		s.metrics.Verification(string(method), "invalid")
		return pending, ErrInvalidCode
	}
	return pending, nil
}

func (s *Service) markVerified(ctx context.Context, conn *models.Connection, method models.VerificationMethod) error {
	v := models.VerifiedVia(method, s.now())
	if err := s.connections.UpdateVerification(ctx, conn.ID, v); err != nil {
		return fmt.Errorf("failed to update verification: %w", err)
	}
	conn.Verification = v

	// verifying by either method voids the other
	if err := s.states.DeleteCodes(ctx, conn.ID); err != nil {
		s.logger.Warn("failed to clear pending codes", "connection_id", conn.ID, "error", err)
	}

	s.metrics.Verification(string(method), "verified")
	s.logger.Info("connection verified", "connection_id", conn.ID, "method", method)
	return nil
}

// logSubject keeps claim tokens out of the logs.
func logSubject(subject string) string {
	if models.IsPublicSubject(subject) {
		return models.PublicSubjectPrefix + "*"
	}
	return subject
}
