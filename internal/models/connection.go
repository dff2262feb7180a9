package models

import (
	"errors"
	"time"
)

// Credentials are the user-context tokens returned by the platform's
// authorization-code exchange.
type Credentials struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	TokenType    string    `json:"token_type,omitempty"`
	Scopes       []string  `json:"scopes,omitempty"`
	ExpiresAt    time.Time `json:"expires_at,omitempty"`
}

// Expired reports whether the access token is past its expiry. A zero expiry
// means the platform did not report one.
func (c *Credentials) Expired(now time.Time) bool {
	if c == nil || c.ExpiresAt.IsZero() {
		return false
	}
	return !now.Before(c.ExpiresAt)
}

// ExternalIdentity is the account on the external platform.
type ExternalIdentity struct {
	ID              string `json:"id"`
	Handle          string `json:"handle"`
	DisplayName     string `json:"display_name,omitempty"`
	ProfileImageURL string `json:"profile_image_url,omitempty"`
}

// Connection links a local user to an external platform identity.
type Connection struct {
	ID                  string       `json:"id"`
	UserID              string       `json:"user_id"`
	ExternalID          string       `json:"external_id"`
	Handle              string       `json:"handle"`
	DisplayName         string       `json:"display_name,omitempty"`
	Credentials         *Credentials `json:"-"` // never serialized to clients
	Verification        Verification `json:"verification"`
	AutoDispatchEnabled bool         `json:"auto_dispatch_enabled"` // only true while verified
	DisconnectedAt      *time.Time   `json:"disconnected_at,omitempty"`
	CreatedAt           time.Time    `json:"created_at"`
	UpdatedAt           time.Time    `json:"updated_at"`
}

// ErrAutoDispatchRequiresVerification is returned by Validate when
// auto-dispatch is on for a connection that is not verified.
var ErrAutoDispatchRequiresVerification = errors.New("auto-dispatch requires a verified connection")

// Connected reports whether the connection currently holds credentials.
func (c *Connection) Connected() bool {
	return c != nil && c.Credentials != nil && c.Credentials.AccessToken != "" && c.DisconnectedAt == nil
}

// CanDispatch reports whether posts may be sent on behalf of this connection.
func (c *Connection) CanDispatch() bool {
	return c.Connected() && c.Verification.IsVerified()
}

// Validate checks the connection invariants.
func (c *Connection) Validate() error {
	if c.UserID == "" {
		return errors.New("user_id is required")
	}
	if c.ExternalID == "" {
		return errors.New("external_id is required")
	}
	if c.AutoDispatchEnabled && !c.Verification.IsVerified() {
		return ErrAutoDispatchRequiresVerification
	}
	return nil
}

// Reset clears credentials and verification, leaving the row in place.
func (c *Connection) Reset(now time.Time) {
	c.Credentials = nil
	c.Verification = Unverified()
	c.AutoDispatchEnabled = false
	c.DisconnectedAt = &now
	c.UpdatedAt = now
}

// ConnectionStatus is the summary returned to the user interface.
type ConnectionStatus struct {
	Connected           bool               `json:"connected"`
	Verified            bool               `json:"verified"`
	VerificationState   VerificationState  `json:"verification_state"`
	VerificationMethod  VerificationMethod `json:"verification_method,omitempty"`
	Handle              string             `json:"handle,omitempty"`
	AutoDispatchEnabled bool               `json:"auto_dispatch_enabled"`
}
