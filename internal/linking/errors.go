package linking

import "errors"

var (
	ErrConfiguration      = errors.New("account linking is not configured")
	ErrInvalidState       = errors.New("linking state is invalid, expired or already used")
	ErrInvalidEmail       = errors.New("invalid email address")
	ErrInvalidHandle      = errors.New("invalid handle")
	ErrExpiredCode        = errors.New("verification code has expired")
	ErrInvalidCode        = errors.New("verification code does not match")
	ErrNoPendingCode      = errors.New("no verification code was requested")
	ErrTooManyAttempts    = errors.New("too many incorrect verification attempts")
	ErrNotVerified        = errors.New("connection is not verified")
	ErrNotConnected       = errors.New("no connected account")
	ErrChallengeNotPosted = errors.New("challenge code was not found in recent posts")
	ErrHandleNotFound     = errors.New("handle not found")
	ErrInvalidSubject     = errors.New("invalid link owner or claim token")
)

// UpstreamAuthError reports a failed authorization-code exchange.
type UpstreamAuthError struct {
	Err error
}

func (e *UpstreamAuthError) Error() string {
	return "authorization exchange failed: " + e.Err.Error()
}

func (e *UpstreamAuthError) Unwrap() error { return e.Err }

// DeliveryError reports that a verification email could not be sent. The
// code it carried stays valid.
type DeliveryError struct {
	Err error
}

func (e *DeliveryError) Error() string {
	return "verification email not delivered: " + e.Err.Error()
}

func (e *DeliveryError) Unwrap() error { return e.Err }
