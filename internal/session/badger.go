package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"

	"github.com/gokatarajesh/icon-captcha/internal/captcha"
)

const badgerGCRatio = 0.5

// BadgerConfig configures the embedded store.
type BadgerConfig struct {
	Path     string
	InMemory bool
	TTL      time.Duration
	Logger   *zerolog.Logger
}

// BadgerStore keeps challenge state in an embedded BadgerDB. Entries carry
// a native TTL.
type BadgerStore struct {
	db       *badger.DB
	ttl      time.Duration
	inMemory bool
}

type badgerLogger struct {
	logger zerolog.Logger
}

func (l badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error().Msgf(format, args...)
}

func (l badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn().Msgf(format, args...)
}

func (l badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug().Msgf(format, args...)
}

func (l badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Trace().Msgf(format, args...)
}

func OpenBadger(cfg BadgerConfig) (*BadgerStore, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("badger path is required for a persistent store")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create badger directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	if cfg.Logger != nil {
		opts = opts.WithLogger(badgerLogger{logger: cfg.Logger.With().Str("component", "badger").Logger()})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &BadgerStore{db: db, ttl: ttlOrDefault(cfg.TTL), inMemory: cfg.InMemory}, nil
}

func badgerChallengeKey(sessionKey, challengeID string) []byte {
	return []byte("s/" + sessionKey + "/c/" + challengeID)
}

func badgerIconPathKey(sessionKey string) []byte {
	return []byte("s/" + sessionKey + "/iconpath")
}

func (s *BadgerStore) get(key []byte) ([]byte, error) {
	var out []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	return out, err
}

func (s *BadgerStore) set(key, value []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(badger.NewEntry(key, value).WithTTL(s.ttl))
	})
}

func (s *BadgerStore) Get(_ context.Context, sessionKey, challengeID string) (*captcha.ChallengeState, error) {
	data, err := s.get(badgerChallengeKey(sessionKey, challengeID))
	if err != nil {
		return nil, fmt.Errorf("get state: %w", err)
	}
	if data == nil {
		return nil, nil
	}
	return decodeState(data)
}

func (s *BadgerStore) Put(_ context.Context, sessionKey, challengeID string, state *captcha.ChallengeState) error {
	data, err := encodeState(state)
	if err != nil {
		return err
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.SetEntry(badger.NewEntry(badgerChallengeKey(sessionKey, challengeID), data).WithTTL(s.ttl)); err != nil {
			return err
		}
		// Keep the session's icon path alive alongside its challenges.
		item, err := txn.Get(badgerIconPathKey(sessionKey))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		path, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		return txn.SetEntry(badger.NewEntry(badgerIconPathKey(sessionKey), path).WithTTL(s.ttl))
	})
	if err != nil {
		return fmt.Errorf("set state: %w", err)
	}
	return nil
}

func (s *BadgerStore) Delete(_ context.Context, sessionKey, challengeID string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(badgerChallengeKey(sessionKey, challengeID))
	})
	if err != nil {
		return fmt.Errorf("delete state: %w", err)
	}
	return nil
}

func (s *BadgerStore) IconPath(_ context.Context, sessionKey string) (string, error) {
	data, err := s.get(badgerIconPathKey(sessionKey))
	if err != nil {
		return "", fmt.Errorf("get icon path: %w", err)
	}
	return string(data), nil
}

func (s *BadgerStore) SetIconPath(_ context.Context, sessionKey, path string) error {
	if err := s.set(badgerIconPathKey(sessionKey), []byte(path)); err != nil {
		return fmt.Errorf("set icon path: %w", err)
	}
	return nil
}

// PurgeExpired runs one value log GC pass. Expired keys are dropped by
// badger itself, so the count is always zero.
func (s *BadgerStore) PurgeExpired(context.Context) (int64, error) {
	if s.inMemory {
		return 0, nil
	}
	err := s.db.RunValueLogGC(badgerGCRatio)
	if err != nil && !errors.Is(err, badger.ErrNoRewrite) {
		return 0, fmt.Errorf("badger value log gc: %w", err)
	}
	return 0, nil
}

func (s *BadgerStore) Ping(context.Context) error {
	if s.db.IsClosed() {
		return errors.New("badger is closed")
	}
	return nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}
