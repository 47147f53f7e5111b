package session

import (
	"context"
	"sync"
	"time"

	"github.com/gokatarajesh/icon-captcha/internal/captcha"
)

type memorySession struct {
	iconPath string
	states   map[string]captcha.ChallengeState
	lastUsed time.Time
}

// MemoryStore keeps sessions in process. Sessions idle for longer than the
// TTL are dropped.
type MemoryStore struct {
	mu       sync.Mutex
	ttl      time.Duration
	sessions map[string]*memorySession
	now      func() time.Time
}

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		ttl:      ttlOrDefault(ttl),
		sessions: map[string]*memorySession{},
		now:      time.Now,
	}
}

// session returns the live session for key, creating it when create is set.
func (m *MemoryStore) session(key string, create bool) *memorySession {
	now := m.now()
	s := m.sessions[key]
	if s != nil && now.Sub(s.lastUsed) > m.ttl {
		delete(m.sessions, key)
		s = nil
	}
	if s == nil {
		if !create {
			return nil
		}
		s = &memorySession{states: map[string]captcha.ChallengeState{}}
		m.sessions[key] = s
	}
	s.lastUsed = now
	return s
}

func (m *MemoryStore) Get(_ context.Context, sessionKey, challengeID string) (*captcha.ChallengeState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.session(sessionKey, false)
	if s == nil {
		return nil, nil
	}
	st, ok := s.states[challengeID]
	if !ok {
		return nil, nil
	}
	st.Tokens = append([]string(nil), st.Tokens...)
	return &st, nil
}

func (m *MemoryStore) Put(_ context.Context, sessionKey, challengeID string, state *captcha.ChallengeState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := *state
	st.Tokens = append([]string(nil), state.Tokens...)
	m.session(sessionKey, true).states[challengeID] = st
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, sessionKey, challengeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s := m.session(sessionKey, false); s != nil {
		delete(s.states, challengeID)
	}
	return nil
}

func (m *MemoryStore) IconPath(_ context.Context, sessionKey string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s := m.session(sessionKey, false); s != nil {
		return s.iconPath, nil
	}
	return "", nil
}

func (m *MemoryStore) SetIconPath(_ context.Context, sessionKey, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.session(sessionKey, true).iconPath = path
	return nil
}

// PurgeExpired drops idle sessions and reports how many were removed.
func (m *MemoryStore) PurgeExpired(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	var n int64
	for key, s := range m.sessions {
		if now.Sub(s.lastUsed) > m.ttl {
			delete(m.sessions, key)
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }
