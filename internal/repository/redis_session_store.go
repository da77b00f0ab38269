package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/unionpay/riskgate/internal/models"
)

const (
	redisKeyPrefix     = "riskgate:session:"
	redisMaxTxRetries  = 10
	defaultRedisRetain = 24 * time.Hour
)

// RedisSessionStore stores each session as JSON under its own key. Updates
// use WATCH/MULTI on that key only, so different actions never contend.
// Keys live until the session deadline plus the retention window.
type RedisSessionStore struct {
	client    *redis.Client
	retention time.Duration
}

func NewRedisSessionStore(client *redis.Client, retention time.Duration) *RedisSessionStore {
	if retention <= 0 {
		retention = defaultRedisRetain
	}
	return &RedisSessionStore{client: client, retention: retention}
}

func redisKey(pendingActionID string) string {
	return redisKeyPrefix + pendingActionID
}

func (s *RedisSessionStore) Get(ctx context.Context, pendingActionID string) (*models.VerificationSession, error) {
	raw, err := s.client.Get(ctx, redisKey(pendingActionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, notFound(pendingActionID)
	}
	if err != nil {
		return nil, fmt.Errorf("redis get session: %w", err)
	}
	return decodeSession(raw)
}

func (s *RedisSessionStore) GetOrCreate(ctx context.Context, pendingActionID string, create func() (*models.VerificationSession, error)) (*models.VerificationSession, bool, error) {
	key := redisKey(pendingActionID)
	var (
		result  *models.VerificationSession
		created bool
	)

	txf := func(tx *redis.Tx) error {
		result, created = nil, false
		raw, err := tx.Get(ctx, key).Bytes()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if err == nil {
			existing, err := decodeSession(raw)
			if err != nil {
				return err
			}
			if !replaceable(existing) {
				result = existing
				return nil
			}
		}

		session, err := create()
		if err != nil {
			return err
		}
		data, err := json.Marshal(session)
		if err != nil {
			return fmt.Errorf("encode session: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, s.ttl(session))
			return nil
		})
		if err != nil {
			return err
		}
		result, created = session.Clone(), true
		return nil
	}

	if err := s.watch(ctx, txf, key); err != nil {
		return nil, false, err
	}
	return result, created, nil
}

func (s *RedisSessionStore) Update(ctx context.Context, pendingActionID string, fn func(*models.VerificationSession) error) (*models.VerificationSession, error) {
	key := redisKey(pendingActionID)
	var (
		result *models.VerificationSession
		fnErr  error
	)

	txf := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return notFound(pendingActionID)
		}
		if err != nil {
			return err
		}
		session, err := decodeSession(raw)
		if err != nil {
			return err
		}

		fnErr = fn(session)

		data, err := json.Marshal(session)
		if err != nil {
			return fmt.Errorf("encode session: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, s.ttl(session))
			return nil
		})
		if err != nil {
			return err
		}
		result = session
		return nil
	}

	if err := s.watch(ctx, txf, key); err != nil {
		return nil, err
	}
	return result, fnErr
}

// watch runs txf under WATCH on key and retries when another client
// modified the key between WATCH and EXEC.
func (s *RedisSessionStore) watch(ctx context.Context, txf func(*redis.Tx) error, key string) error {
	for i := 0; i < redisMaxTxRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil && models.KindOf(err) == "" {
			return fmt.Errorf("redis session transaction: %w", err)
		}
		return err
	}
	return fmt.Errorf("redis session transaction on %s: %w", key, redis.TxFailedErr)
}

// ttl keeps a key for the rest of the session's lifetime, measured from its
// last write, plus the retention window.
func (s *RedisSessionStore) ttl(session *models.VerificationSession) time.Duration {
	remaining := session.ExpiresAt.Sub(session.UpdatedAt)
	if remaining < 0 {
		remaining = 0
	}
	return remaining + s.retention
}

func decodeSession(raw []byte) (*models.VerificationSession, error) {
	var session models.VerificationSession
	if err := json.Unmarshal(raw, &session); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &session, nil
}
