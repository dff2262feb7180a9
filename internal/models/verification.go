package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// VerificationMethod identifies how ownership of an external identity was proven.
type VerificationMethod string

const (
	VerificationMethodNone         VerificationMethod = ""
	VerificationMethodEmail        VerificationMethod = "email"         // 6-digit code sent by mail
	VerificationMethodPlatformPost VerificationMethod = "platform_post" // code published from the linked account
)

// Valid reports whether m names a real verification method.
func (m VerificationMethod) Valid() bool {
	return m == VerificationMethodEmail || m == VerificationMethodPlatformPost
}

// VerificationState is the stored discriminator of a Verification.
type VerificationState string

const (
	VerificationUnverified       VerificationState = "unverified"
	VerificationPendingEmail     VerificationState = "pending_email"
	VerificationPendingChallenge VerificationState = "pending_challenge"
	VerificationVerified         VerificationState = "verified"
)

// Verification is the verification status of a connection. Fields are
// unexported so that a Verified value always carries its method and time,
// and no other state carries either.
type Verification struct {
	state      VerificationState
	method     VerificationMethod
	verifiedAt time.Time
}

// Unverified returns the initial verification state.
func Unverified() Verification {
	return Verification{state: VerificationUnverified}
}

// PendingVia returns the pending state for the given method.
func PendingVia(method VerificationMethod) Verification {
	switch method {
	case VerificationMethodEmail:
		return Verification{state: VerificationPendingEmail}
	case VerificationMethodPlatformPost:
		return Verification{state: VerificationPendingChallenge}
	default:
		return Unverified()
	}
}

// VerifiedVia returns a verified state stamped with method and time.
func VerifiedVia(method VerificationMethod, at time.Time) Verification {
	return Verification{state: VerificationVerified, method: method, verifiedAt: at.UTC()}
}

// RestoreVerification rebuilds a Verification from persisted columns,
// rejecting combinations that cannot be produced by the constructors.
func RestoreVerification(state VerificationState, method VerificationMethod, at *time.Time) (Verification, error) {
	switch state {
	case VerificationUnverified, "":
		return Unverified(), nil
	case VerificationPendingEmail:
		return PendingVia(VerificationMethodEmail), nil
	case VerificationPendingChallenge:
		return PendingVia(VerificationMethodPlatformPost), nil
	case VerificationVerified:
		if !method.Valid() {
			return Verification{}, fmt.Errorf("verified state with invalid method %q", method)
		}
		if at == nil || at.IsZero() {
			return Verification{}, fmt.Errorf("verified state without verification time")
		}
		return VerifiedVia(method, *at), nil
	default:
		return Verification{}, fmt.Errorf("unknown verification state %q", state)
	}
}

// State returns the discriminator.
func (v Verification) State() VerificationState {
	if v.state == "" {
		return VerificationUnverified
	}
	return v.state
}

// IsVerified reports whether the connection completed verification.
func (v Verification) IsVerified() bool { return v.state == VerificationVerified }

// IsPending reports whether a verification code is outstanding.
func (v Verification) IsPending() bool {
	return v.state == VerificationPendingEmail || v.state == VerificationPendingChallenge
}

// Method returns the method for a verified state, VerificationMethodNone otherwise.
func (v Verification) Method() VerificationMethod { return v.method }

// VerifiedAt returns the verification time, or nil when not verified.
func (v Verification) VerifiedAt() *time.Time {
	if v.state != VerificationVerified {
		return nil
	}
	at := v.verifiedAt
	return &at
}

type verificationJSON struct {
	State      VerificationState  `json:"state"`
	Method     VerificationMethod `json:"method,omitempty"`
	VerifiedAt *time.Time         `json:"verified_at,omitempty"`
}

// MarshalJSON renders the variant as a flat object.
func (v Verification) MarshalJSON() ([]byte, error) {
	return json.Marshal(verificationJSON{
		State:      v.State(),
		Method:     v.method,
		VerifiedAt: v.VerifiedAt(),
	})
}

// UnmarshalJSON accepts the form written by MarshalJSON.
func (v *Verification) UnmarshalJSON(data []byte) error {
	var raw verificationJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	restored, err := RestoreVerification(raw.State, raw.Method, raw.VerifiedAt)
	if err != nil {
		return err
	}
	*v = restored
	return nil
}
