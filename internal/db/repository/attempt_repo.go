package repository

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/gokatarajesh/icon-captcha/internal/captcha"
)

const (
	insertAttemptSQL = `
		INSERT INTO captcha_attempts (session_hash, challenge_id, kind, accepted, created_at)
		VALUES ($1, $2, $3, $4, $5)`

	purgeAttemptsSQL = `DELETE FROM captcha_attempts WHERE created_at < $1`
)

type attemptStore interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

// AttemptRepository writes validation outcomes to captcha_attempts. Session
// keys are stored hashed so the table cannot be used to hijack a session.
type AttemptRepository struct {
	store attemptStore
	now   func() time.Time
}

// NewAttemptRepository constructs a repository over a pgx pool or conn.
func NewAttemptRepository(store attemptStore) *AttemptRepository {
	return &AttemptRepository{store: store, now: time.Now}
}

// Record implements captcha.AttemptLog.
func (r *AttemptRepository) Record(ctx context.Context, attempt captcha.Attempt) error {
	at := attempt.At
	if at.IsZero() {
		at = r.now()
	}
	_, err := r.store.Exec(ctx, insertAttemptSQL,
		HashSessionKey(attempt.SessionKey),
		attempt.ChallengeID,
		attempt.Kind.String(),
		attempt.Accepted,
		at.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert attempt: %w", err)
	}
	return nil
}

// PurgeBefore deletes attempts older than cutoff and returns the row count.
func (r *AttemptRepository) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.store.Exec(ctx, purgeAttemptsSQL, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("purge attempts: %w", err)
	}
	return tag.RowsAffected(), nil
}

// HashSessionKey returns the hex SHA-256 of a session key.
func HashSessionKey(sessionKey string) string {
	sum := sha256.Sum256([]byte(sessionKey))
	return hex.EncodeToString(sum[:])
}
