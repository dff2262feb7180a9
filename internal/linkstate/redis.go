package linkstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/STRATINT/postlink/internal/config"
	"github.com/STRATINT/postlink/internal/models"
)

const maxTxRetries = 32

// Redis is a Store shared between instances. Expiry is delegated to Redis
// key TTLs.
type Redis struct {
	client *redis.Client
	prefix string
}

// NewRedis connects to Redis and verifies the connection.
func NewRedis(ctx context.Context, cfg config.CacheConfig) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("linkstate: redis ping failed: %w", err)
	}

	return NewRedisWithClient(client, cfg.Prefix), nil
}

// NewRedisWithClient wraps an existing client.
func NewRedisWithClient(client *redis.Client, prefix string) *Redis {
	return &Redis{client: client, prefix: prefix}
}

func (r *Redis) SaveState(ctx context.Context, state models.LinkingState, ttl time.Duration) error {
	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("linkstate: encode state: %w", err)
	}
	if err := r.client.Set(ctx, stateKey(r.prefix, state.StateToken), payload, ttl).Err(); err != nil {
		return fmt.Errorf("linkstate: save state: %w", err)
	}
	return nil
}

func (r *Redis) ConsumeState(ctx context.Context, token string) (models.LinkingState, error) {
	payload, err := r.client.GetDel(ctx, stateKey(r.prefix, token)).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.LinkingState{}, ErrNotFound
	}
	if err != nil {
		return models.LinkingState{}, fmt.Errorf("linkstate: consume state: %w", err)
	}

	var state models.LinkingState
	if err := json.Unmarshal(payload, &state); err != nil {
		return models.LinkingState{}, fmt.Errorf("linkstate: decode state: %w", err)
	}
	return state, nil
}

func (r *Redis) SaveCode(ctx context.Context, code models.PendingVerification) error {
	payload, err := json.Marshal(code)
	if err != nil {
		return fmt.Errorf("linkstate: encode code: %w", err)
	}
	key := codeKey(r.prefix, code.ConnectionID, code.Method)
	if err := r.client.Set(ctx, key, payload, codeTTL(code, time.Now())).Err(); err != nil {
		return fmt.Errorf("linkstate: save code: %w", err)
	}
	return nil
}

// RecordAttempt runs as a WATCH/MULTI transaction on the code key and is
// retried when another writer touches the key first, so concurrent wrong
// guesses are each counted.
func (r *Redis) RecordAttempt(ctx context.Context, connectionID string, method models.VerificationMethod, code string) (models.PendingVerification, error) {
	key := codeKey(r.prefix, connectionID, method)

	var pending models.PendingVerification
	txf := func(tx *redis.Tx) error {
		payload, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("linkstate: load code: %w", err)
		}
		pending = models.PendingVerification{}
		if err := json.Unmarshal(payload, &pending); err != nil {
			return fmt.Errorf("linkstate: decode code: %w", err)
		}
		if pending.Code != code {
			return ErrNotFound
		}

		pending.Attempts++
		updated, err := json.Marshal(pending)
		if err != nil {
			return fmt.Errorf("linkstate: encode code: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, updated, codeTTL(pending, time.Now()))
			return nil
		})
		return err
	}

	for range maxTxRetries {
		err := r.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return models.PendingVerification{}, err
		}
		return pending, nil
	}
	return models.PendingVerification{}, fmt.Errorf("linkstate: record attempt: %w", redis.TxFailedErr)
}

func (r *Redis) Code(ctx context.Context, connectionID string, method models.VerificationMethod) (models.PendingVerification, error) {
	payload, err := r.client.Get(ctx, codeKey(r.prefix, connectionID, method)).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.PendingVerification{}, ErrNotFound
	}
	if err != nil {
		return models.PendingVerification{}, fmt.Errorf("linkstate: load code: %w", err)
	}

	var code models.PendingVerification
	if err := json.Unmarshal(payload, &code); err != nil {
		return models.PendingVerification{}, fmt.Errorf("linkstate: decode code: %w", err)
	}
	return code, nil
}

func (r *Redis) DeleteCodes(ctx context.Context, connectionID string) error {
	keys := make([]string, 0, len(codeMethods))
	for _, method := range codeMethods {
		keys = append(keys, codeKey(r.prefix, connectionID, method))
	}
	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("linkstate: delete codes: %w", err)
	}
	return nil
}

// Sweep is a no-op: Redis evicts expired keys itself.
func (r *Redis) Sweep(context.Context) (int, error) {
	return 0, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
