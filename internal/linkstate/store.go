// Package linkstate holds short-lived linking state: the authorization flow
// records created by BeginLink and the pending verification codes. Records
// are consumed atomically so a state token can complete at most one link.
//
// Two backends are available:
//   - memory (in-process, single instance)
//   - redis (shared across instances)
package linkstate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/STRATINT/postlink/internal/config"
	"github.com/STRATINT/postlink/internal/models"
)

// ErrNotFound is returned when a key is absent, expired or already consumed.
var ErrNotFound = errors.New("linkstate: not found")

// codeRetention keeps an expired code around long enough for a late
// verification attempt to be told it expired rather than that none exists.
const codeRetention = time.Hour

// Store is the linking state cache.
type Store interface {
	// SaveState stores a new linking state that lives for ttl.
	SaveState(ctx context.Context, state models.LinkingState, ttl time.Duration) error

	// ConsumeState returns and deletes the state in one step. Concurrent
	// callers with the same token see at most one success.
	ConsumeState(ctx context.Context, token string) (models.LinkingState, error)

	// SaveCode stores a pending code, replacing any earlier code for the
	// same connection and method.
	SaveCode(ctx context.Context, code models.PendingVerification) error

	// RecordAttempt counts one wrong guess against the pending code, but
	// only while code is still the stored value. A replaced or missing code
	// yields ErrNotFound and nothing is written.
	RecordAttempt(ctx context.Context, connectionID string, method models.VerificationMethod, code string) (models.PendingVerification, error)

	// Code returns the pending code for a connection and method.
	Code(ctx context.Context, connectionID string, method models.VerificationMethod) (models.PendingVerification, error)

	// DeleteCodes drops every pending code for the connection.
	DeleteCodes(ctx context.Context, connectionID string) error

	// Sweep removes expired entries and reports how many were dropped.
	Sweep(ctx context.Context) (int, error)

	Close() error
}

// New builds the store selected by cfg.Driver.
func New(ctx context.Context, cfg config.CacheConfig) (Store, error) {
	switch cfg.Driver {
	case "redis":
		return NewRedis(ctx, cfg)
	case "memory", "":
		return NewMemory(cfg.Prefix), nil
	default:
		return nil, fmt.Errorf("linkstate: unsupported driver %q", cfg.Driver)
	}
}

var codeMethods = []models.VerificationMethod{
	models.VerificationMethodEmail,
	models.VerificationMethodPlatformPost,
}

func stateKey(prefix, token string) string {
	return prefix + "state:" + token
}

func codeKey(prefix, connectionID string, method models.VerificationMethod) string {
	return prefix + "code:" + connectionID + ":" + string(method)
}

func codeTTL(code models.PendingVerification, now time.Time) time.Duration {
	ttl := code.ExpiresAt.Sub(now)
	if ttl < 0 {
		ttl = 0
	}
	return ttl + codeRetention
}
