package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/gokatarajesh/icon-captcha/internal/captcha"
)

// RedisStore keeps challenge state in Redis so any API replica can serve a
// session. Every write refreshes the key TTL.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttlOrDefault(ttl)}
}

func (s *RedisStore) challengeKey(sessionKey, challengeID string) string {
	return fmt.Sprintf("captcha:%s:challenge:%s", sessionKey, challengeID)
}

func (s *RedisStore) iconPathKey(sessionKey string) string {
	return fmt.Sprintf("captcha:%s:iconpath", sessionKey)
}

func (s *RedisStore) Get(ctx context.Context, sessionKey, challengeID string) (*captcha.ChallengeState, error) {
	data, err := s.client.Get(ctx, s.challengeKey(sessionKey, challengeID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get state: %w", err)
	}
	return decodeState(data)
}

func (s *RedisStore) Put(ctx context.Context, sessionKey, challengeID string, state *captcha.ChallengeState) error {
	data, err := encodeState(state)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.challengeKey(sessionKey, challengeID), data, s.ttl)
	// The icon path lives as long as the session's newest challenge.
	pipe.Expire(ctx, s.iconPathKey(sessionKey), s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("set state: %w", err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, sessionKey, challengeID string) error {
	if err := s.client.Del(ctx, s.challengeKey(sessionKey, challengeID)).Err(); err != nil {
		return fmt.Errorf("delete state: %w", err)
	}
	return nil
}

func (s *RedisStore) IconPath(ctx context.Context, sessionKey string) (string, error) {
	path, err := s.client.Get(ctx, s.iconPathKey(sessionKey)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get icon path: %w", err)
	}
	return path, nil
}

func (s *RedisStore) SetIconPath(ctx context.Context, sessionKey, path string) error {
	if err := s.client.Set(ctx, s.iconPathKey(sessionKey), path, s.ttl).Err(); err != nil {
		return fmt.Errorf("set icon path: %w", err)
	}
	return nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close is a no-op; the client is owned by the application.
func (s *RedisStore) Close() error { return nil }
