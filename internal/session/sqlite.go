package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/gokatarajesh/icon-captcha/internal/captcha"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS challenge_states (
	session_key  TEXT    NOT NULL,
	challenge_id TEXT    NOT NULL,
	state        TEXT    NOT NULL,
	expires_at   INTEGER NOT NULL,
	PRIMARY KEY (session_key, challenge_id)
);
CREATE INDEX IF NOT EXISTS idx_challenge_states_expires ON challenge_states(expires_at);

CREATE TABLE IF NOT EXISTS session_settings (
	session_key TEXT PRIMARY KEY,
	icon_path   TEXT    NOT NULL,
	expires_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_session_settings_expires ON session_settings(expires_at);
`

// SQLiteStore persists challenge state in a single SQLite file for
// single-node deployments that must survive restarts.
type SQLiteStore struct {
	db  *sql.DB
	ttl time.Duration
	now func() time.Time
}

// OpenSQLite opens (and creates when missing) the database at path.
func OpenSQLite(ctx context.Context, path string, ttl time.Duration) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create sqlite directory: %w", err)
		}
	}
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer at a time; SQLite locks the whole file anyway.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init sqlite schema: %w", err)
	}
	return &SQLiteStore{db: db, ttl: ttlOrDefault(ttl), now: time.Now}, nil
}

func (s *SQLiteStore) expiry() int64 {
	return s.now().Add(s.ttl).Unix()
}

func (s *SQLiteStore) Get(ctx context.Context, sessionKey, challengeID string) (*captcha.ChallengeState, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT state FROM challenge_states WHERE session_key = ? AND challenge_id = ? AND expires_at > ?`,
		sessionKey, challengeID, s.now().Unix(),
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select state: %w", err)
	}
	return decodeState([]byte(data))
}

func (s *SQLiteStore) Put(ctx context.Context, sessionKey, challengeID string, state *captcha.ChallengeState) error {
	data, err := encodeState(state)
	if err != nil {
		return err
	}
	expires := s.expiry()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO challenge_states (session_key, challenge_id, state, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(session_key, challenge_id) DO UPDATE SET
			state = excluded.state,
			expires_at = excluded.expires_at`,
		sessionKey, challengeID, string(data), expires,
	)
	if err != nil {
		return fmt.Errorf("upsert state: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE session_settings SET expires_at = ? WHERE session_key = ? AND expires_at > ?`,
		expires, sessionKey, s.now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("refresh icon path: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit state: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, sessionKey, challengeID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM challenge_states WHERE session_key = ? AND challenge_id = ?`,
		sessionKey, challengeID,
	)
	if err != nil {
		return fmt.Errorf("delete state: %w", err)
	}
	return nil
}

func (s *SQLiteStore) IconPath(ctx context.Context, sessionKey string) (string, error) {
	var path string
	err := s.db.QueryRowContext(ctx,
		`SELECT icon_path FROM session_settings WHERE session_key = ? AND expires_at > ?`,
		sessionKey, s.now().Unix(),
	).Scan(&path)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("select icon path: %w", err)
	}
	return path, nil
}

func (s *SQLiteStore) SetIconPath(ctx context.Context, sessionKey, path string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO session_settings (session_key, icon_path, expires_at)
		VALUES (?, ?, ?)
		ON CONFLICT(session_key) DO UPDATE SET
			icon_path = excluded.icon_path,
			expires_at = excluded.expires_at`,
		sessionKey, path, s.expiry(),
	)
	if err != nil {
		return fmt.Errorf("upsert icon path: %w", err)
	}
	return nil
}

// PurgeExpired deletes expired rows from both tables.
func (s *SQLiteStore) PurgeExpired(ctx context.Context) (int64, error) {
	now := s.now().Unix()
	var total int64
	for _, table := range []string{"challenge_states", "session_settings"} {
		res, err := s.db.ExecContext(ctx, `DELETE FROM `+table+` WHERE expires_at <= ?`, now)
		if err != nil {
			return total, fmt.Errorf("purge %s: %w", table, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
