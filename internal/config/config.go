package config

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v10"

	"github.com/gokatarajesh/icon-captcha/internal/captcha"
)

// Store backends.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendSQLite = "sqlite"
	BackendBadger = "badger"
)

// App holds core runtime configuration shared across services.
type App struct {
	Name                    string        `env:"APP_NAME" envDefault:"icon-captcha"`
	Env                     string        `env:"APP_ENV" envDefault:"development"`
	HTTPAddr                string        `env:"HTTP_ADDR" envDefault:"0.0.0.0:8080"`
	GracefulShutdownTimeout time.Duration `env:"GRACEFUL_SHUTDOWN_SECONDS" envDefault:"20s"`
	LogLevel                string        `env:"LOG_LEVEL" envDefault:"info"`

	Store    Store
	Redis    Redis
	Postgres Postgres
	Security Security
	Captcha  Captcha
	Janitor  Janitor
}

// Store selects where challenge state lives.
type Store struct {
	Backend    string        `env:"STORE_BACKEND" envDefault:"memory"`
	TTL        time.Duration `env:"STORE_TTL" envDefault:"2h"`
	SQLitePath string        `env:"STORE_SQLITE_PATH" envDefault:"data/captcha.db"`
	BadgerPath string        `env:"STORE_BADGER_PATH" envDefault:"data/badger"`
	LockWait   time.Duration `env:"STORE_LOCK_WAIT" envDefault:"2s"`
}

// Redis holds connection settings, used by the redis store backend.
type Redis struct {
	Addr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	DB       int    `env:"REDIS_DB" envDefault:"0"`
	PoolSize int    `env:"REDIS_POOL_SIZE" envDefault:"20"`
}

// Postgres captures connection info for the attempt log. Leaving PG_HOST
// empty disables the attempt log.
type Postgres struct {
	Host     string `env:"PG_HOST" envDefault:""`
	Port     int    `env:"PG_PORT" envDefault:"5432"`
	User     string `env:"PG_USER" envDefault:""`
	Password string `env:"PG_PASSWORD" envDefault:""`
	Database string `env:"PG_DATABASE" envDefault:""`
	SSLMode  string `env:"PG_SSL_MODE" envDefault:"disable"`
}

// Enabled reports whether an attempt log database is configured.
func (p Postgres) Enabled() bool { return p.Host != "" }

// ConnString builds a libpq style DSN.
func (p Postgres) ConnString() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode)
}

// Security stores secrets for signing session cookies.
type Security struct {
	SessionSecret string        `env:"SESSION_SECRET,notEmpty"`
	SessionTTL    time.Duration `env:"SESSION_TTL" envDefault:"24h"`
	SecureCookies bool          `env:"SESSION_SECURE_COOKIE" envDefault:"false"`
}

// Captcha configures challenge generation and delivery.
type Captcha struct {
	IconRoot      string   `env:"CAPTCHA_ICON_ROOT" envDefault:"assets"`
	IconPath      string   `env:"CAPTCHA_ICON_PATH" envDefault:"icons"`
	IconPaths     []string `env:"CAPTCHA_ICON_PATHS" envSeparator:"," envDefault:""`
	DefaultTheme  string   `env:"CAPTCHA_DEFAULT_THEME" envDefault:"light"`
	Themes        []string `env:"CAPTCHA_THEMES" envSeparator:"," envDefault:"light,dark"`
	IconCount     int      `env:"CAPTCHA_ICON_COUNT" envDefault:"5"`
	MinIconID     int      `env:"CAPTCHA_MIN_ICON_ID" envDefault:"1"`
	MaxIconID     int      `env:"CAPTCHA_MAX_ICON_ID" envDefault:"89"`
	FetchQuota    int      `env:"CAPTCHA_FETCH_QUOTA" envDefault:"5"`
	ConsumeOnPass bool     `env:"CAPTCHA_CONSUME_ON_SUCCESS" envDefault:"true"`

	MsgWrong string `env:"CAPTCHA_MSG_WRONG" envDefault:""`
	MsgNone  string `env:"CAPTCHA_MSG_NONE" envDefault:""`
	MsgForm  string `env:"CAPTCHA_MSG_FORM" envDefault:""`
	MsgID    string `env:"CAPTCHA_MSG_ID" envDefault:""`
	MsgQuota string `env:"CAPTCHA_MSG_QUOTA" envDefault:""`
}

// Messages returns the configured message overrides. Unset entries fall back
// to the engine defaults.
func (c Captcha) Messages() captcha.Messages {
	msgs := captcha.Messages{}
	for kind, text := range map[captcha.ErrorKind]string{
		captcha.KindWrongSelection:     c.MsgWrong,
		captcha.KindNoSelectionMade:    c.MsgNone,
		captcha.KindMissingForm:        c.MsgForm,
		captcha.KindInvalidChallengeID: c.MsgID,
		captcha.KindFetchQuotaExceeded: c.MsgQuota,
	} {
		if text != "" {
			msgs[kind] = text
		}
	}
	return msgs
}

// EngineOptions maps the captcha group onto engine options.
func (c Captcha) EngineOptions() captcha.Options {
	return captcha.Options{
		IconCount:     c.IconCount,
		MinIconID:     c.MinIconID,
		MaxIconID:     c.MaxIconID,
		FetchQuota:    c.FetchQuota,
		DefaultTheme:  c.DefaultTheme,
		IconPath:      c.IconPath,
		Messages:      c.Messages(),
		KeepOnSuccess: !c.ConsumeOnPass,
	}
}

// Janitor governs the background cleanup worker.
type Janitor struct {
	Interval         time.Duration `env:"JANITOR_INTERVAL" envDefault:"10m"`
	AttemptRetention time.Duration `env:"ATTEMPT_RETENTION" envDefault:"720h"`
}

// Load parses environment variables into App config.
func Load(ctx context.Context) (*App, error) {
	cfg := &App{}
	if err := env.ParseWithOptions(cfg, env.Options{RequiredIfNoDef: true}); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func (c *App) validate() error {
	switch c.Store.Backend {
	case BackendMemory, BackendRedis, BackendSQLite, BackendBadger:
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", c.Store.Backend)
	}
	if len(c.Security.SessionSecret) < 16 {
		return errors.New("SESSION_SECRET must be at least 16 bytes")
	}
	if c.Captcha.FetchQuota < c.Captcha.IconCount {
		return fmt.Errorf("CAPTCHA_FETCH_QUOTA (%d) must cover CAPTCHA_ICON_COUNT (%d)", c.Captcha.FetchQuota, c.Captcha.IconCount)
	}
	if c.Postgres.Enabled() && (c.Postgres.User == "" || c.Postgres.Database == "") {
		return errors.New("PG_USER and PG_DATABASE are required when PG_HOST is set")
	}
	return nil
}
