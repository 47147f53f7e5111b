// Package session provides the challenge state stores and the per-challenge
// lockers used by the captcha HTTP layer.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gokatarajesh/icon-captcha/internal/captcha"
)

const defaultTTL = 2 * time.Hour

var ErrLockTimeout = errors.New("timed out waiting for challenge lock")

// Backend is a captcha.Store with lifecycle hooks.
type Backend interface {
	captcha.Store
	Ping(ctx context.Context) error
	Close() error
}

// Sweeper is implemented by backends without native expiry.
type Sweeper interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

var (
	_ Backend = (*MemoryStore)(nil)
	_ Backend = (*RedisStore)(nil)
	_ Backend = (*SQLiteStore)(nil)
	_ Backend = (*BadgerStore)(nil)

	_ Sweeper = (*MemoryStore)(nil)
	_ Sweeper = (*SQLiteStore)(nil)
	_ Sweeper = (*BadgerStore)(nil)

	_ captcha.Locker = (*MemoryLocker)(nil)
	_ captcha.Locker = (*RedisLocker)(nil)
)

func encodeState(state *captcha.ChallengeState) ([]byte, error) {
	data, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("marshal state: %w", err)
	}
	return data, nil
}

func decodeState(data []byte) (*captcha.ChallengeState, error) {
	var state captcha.ChallengeState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("unmarshal state: %w", err)
	}
	return &state, nil
}

func ttlOrDefault(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return defaultTTL
	}
	return ttl
}
