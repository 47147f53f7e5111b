// Package identity gives every browser an anonymous, signed session key.
package identity

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	CookieName = "icon_captcha_session"
	defaultTTL = 24 * time.Hour
)

var ErrInvalidSession = errors.New("invalid session token")

// Config holds session cookie signing configuration.
type Config struct {
	Secret []byte
	TTL    time.Duration // default: 24 hours
	Issuer string
	Secure bool
}

// Manager issues and verifies session cookies.
type Manager struct {
	secret []byte
	ttl    time.Duration
	issuer string
	secure bool
	now    func() time.Time
}

// NewManager creates a session cookie manager.
func NewManager(cfg Config) (*Manager, error) {
	if len(cfg.Secret) < 16 {
		return nil, errors.New("session secret must be at least 16 bytes")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaultTTL
	}
	if cfg.Issuer == "" {
		cfg.Issuer = "icon-captcha"
	}
	return &Manager{
		secret: cfg.Secret,
		ttl:    cfg.TTL,
		issuer: cfg.Issuer,
		secure: cfg.Secure,
		now:    time.Now,
	}, nil
}

// Issue signs a token naming sessionKey.
func (m *Manager) Issue(sessionKey string) (string, error) {
	now := m.now()
	claims := jwt.RegisteredClaims{
		Issuer:    m.issuer,
		Subject:   sessionKey,
		ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
}

// Parse verifies a token and returns its session key.
func (m *Manager) Parse(tokenString string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidSession
		}
		return m.secret, nil
	}, jwt.WithIssuer(m.issuer), jwt.WithTimeFunc(m.now))
	if err != nil || !token.Valid {
		return "", ErrInvalidSession
	}
	if _, err := uuid.Parse(claims.Subject); err != nil {
		return "", ErrInvalidSession
	}
	return claims.Subject, nil
}

// Middleware resolves the session key from the cookie, minting a new
// session when the cookie is missing, expired or forged.
func (m *Manager) Middleware(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if c, err := r.Cookie(CookieName); err == nil {
				if key, err := m.Parse(c.Value); err == nil {
					next.ServeHTTP(w, r.WithContext(IntoContext(r.Context(), key)))
					return
				}
				logger.Debug().Msg("discarding invalid session cookie")
			}

			key := uuid.NewString()
			token, err := m.Issue(key)
			if err != nil {
				logger.Error().Err(err).Msg("sign session token")
				http.Error(w, `{"error":"failed to establish session"}`, http.StatusInternalServerError)
				return
			}
			http.SetCookie(w, &http.Cookie{
				Name:     CookieName,
				Value:    token,
				Path:     "/",
				MaxAge:   int(m.ttl.Seconds()),
				Expires:  m.now().Add(m.ttl),
				HttpOnly: true,
				SameSite: http.SameSiteLaxMode,
				Secure:   m.secure,
			})
			next.ServeHTTP(w, r.WithContext(IntoContext(r.Context(), key)))
		})
	}
}

type sessionKeyCtx struct{}

// IntoContext stores a session key on ctx.
func IntoContext(ctx context.Context, sessionKey string) context.Context {
	return context.WithValue(ctx, sessionKeyCtx{}, sessionKey)
}

// SessionKeyFromContext returns the session key set by Middleware, or "".
func SessionKeyFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(sessionKeyCtx{}).(string); ok {
		return v
	}
	return ""
}
