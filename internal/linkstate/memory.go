package linkstate

import (
	"context"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/STRATINT/postlink/internal/models"
)

// Memory is an in-process Store backed by go-cache.
type Memory struct {
	mu     sync.Mutex // serializes read-modify-write
	c      *gocache.Cache
	prefix string
}

// NewMemory creates an in-process store. Expired entries are also removed by
// go-cache's janitor every minute.
func NewMemory(prefix string) *Memory {
	return &Memory{c: gocache.New(time.Hour, time.Minute), prefix: prefix}
}

func (m *Memory) SaveState(_ context.Context, state models.LinkingState, ttl time.Duration) error {
	m.c.Set(stateKey(m.prefix, state.StateToken), state, ttl)
	return nil
}

func (m *Memory) ConsumeState(_ context.Context, token string) (models.LinkingState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.c.DeleteExpired()

	key := stateKey(m.prefix, token)
	v, ok := m.c.Get(key)
	if !ok {
		return models.LinkingState{}, ErrNotFound
	}
	m.c.Delete(key)

	state, ok := v.(models.LinkingState)
	if !ok {
		return models.LinkingState{}, ErrNotFound
	}
	return state, nil
}

func (m *Memory) SaveCode(_ context.Context, code models.PendingVerification) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.c.Set(codeKey(m.prefix, code.ConnectionID, code.Method), code, codeTTL(code, time.Now()))
	return nil
}

func (m *Memory) RecordAttempt(_ context.Context, connectionID string, method models.VerificationMethod, code string) (models.PendingVerification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pending, err := m.code(connectionID, method)
	if err != nil {
		return models.PendingVerification{}, err
	}
	if pending.Code != code {
		return models.PendingVerification{}, ErrNotFound
	}
	pending.Attempts++
	m.c.Set(codeKey(m.prefix, connectionID, method), pending, codeTTL(pending, time.Now()))
	return pending, nil
}

func (m *Memory) Code(_ context.Context, connectionID string, method models.VerificationMethod) (models.PendingVerification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.code(connectionID, method)
}

func (m *Memory) code(connectionID string, method models.VerificationMethod) (models.PendingVerification, error) {
	m.c.DeleteExpired()

	v, ok := m.c.Get(codeKey(m.prefix, connectionID, method))
	if !ok {
		return models.PendingVerification{}, ErrNotFound
	}
	code, ok := v.(models.PendingVerification)
	if !ok {
		return models.PendingVerification{}, ErrNotFound
	}
	return code, nil
}

func (m *Memory) DeleteCodes(_ context.Context, connectionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, method := range codeMethods {
		m.c.Delete(codeKey(m.prefix, connectionID, method))
	}
	return nil
}

func (m *Memory) Sweep(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	before := m.c.ItemCount()
	m.c.DeleteExpired()
	return before - m.c.ItemCount(), nil
}

func (m *Memory) Close() error {
	m.c.Flush()
	return nil
}
