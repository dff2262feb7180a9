package models

import (
	"strings"
	"time"
)

// LinkPurpose distinguishes a logged-in linking flow from one started before
// the user has an account.
type LinkPurpose string

const (
	LinkPurposeAuthenticated LinkPurpose = "authenticated"
	LinkPurposePublic        LinkPurpose = "public"
)

// PublicSubjectPrefix marks connections owned by an onboarding claim token
// rather than by a user. No user id may carry it.
const PublicSubjectPrefix = "public:"

// PublicSubject is the owner recorded for connections linked with claimToken.
func PublicSubject(claimToken string) string {
	return PublicSubjectPrefix + claimToken
}

// IsPublicSubject reports whether subject is an onboarding owner.
func IsPublicSubject(subject string) bool {
	return strings.HasPrefix(subject, PublicSubjectPrefix)
}

// LinkingState is the short-lived record created when an authorization flow
// starts and consumed exactly once by the callback.
type LinkingState struct {
	StateToken  string      `json:"state_token"`
	ProofSecret string      `json:"proof_secret"` // PKCE code verifier
	Purpose     LinkPurpose `json:"purpose"`
	Subject     string      `json:"subject"` // user id, or PublicSubject(claim token) for public flows
	CreatedAt   time.Time   `json:"created_at"`
}

// Expired reports whether the state is older than ttl.
func (s LinkingState) Expired(now time.Time, ttl time.Duration) bool {
	return now.Sub(s.CreatedAt) >= ttl
}

// PendingVerification is an outstanding verification code.
type PendingVerification struct {
	ConnectionID string             `json:"connection_id"`
	Method       VerificationMethod `json:"method"`
	Code         string             `json:"code"`
	TargetEmail  string             `json:"target_email,omitempty"` // email path only
	Attempts     int                `json:"attempts"`
	ExpiresAt    time.Time          `json:"expires_at"`
	CreatedAt    time.Time          `json:"created_at"`
}

// Expired reports whether the code can no longer be used.
func (p PendingVerification) Expired(now time.Time) bool {
	return !now.Before(p.ExpiresAt)
}
