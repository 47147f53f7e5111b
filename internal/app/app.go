package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/gokatarajesh/icon-captcha/internal/captcha"
	"github.com/gokatarajesh/icon-captcha/internal/config"
	"github.com/gokatarajesh/icon-captcha/internal/db/repository"
	"github.com/gokatarajesh/icon-captcha/internal/icons"
	"github.com/gokatarajesh/icon-captcha/internal/identity"
	"github.com/gokatarajesh/icon-captcha/internal/janitor"
	"github.com/gokatarajesh/icon-captcha/internal/logging"
	"github.com/gokatarajesh/icon-captcha/internal/server"
	"github.com/gokatarajesh/icon-captcha/internal/session"
)

// Application aggregates shared infrastructure (store, DB, HTTP server).
type Application struct {
	cfg    *config.App
	logger zerolog.Logger

	store session.Backend
	pool  *pgxpool.Pool
	redis *redis.Client
	http  *http.Server

	janitor   *janitor.Worker
	bgCancels []context.CancelFunc
}

// New bootstraps the logger, state store, optional attempt log and HTTP server.
func New(ctx context.Context, cfg *config.App) (*Application, error) {
	logger := logging.New(cfg.Name, cfg.Env, cfg.LogLevel)
	logger.Info().Str("store_backend", cfg.Store.Backend).Msg("starting application bootstrap")

	a := &Application{
		cfg:       cfg,
		logger:    logger,
		bgCancels: make([]context.CancelFunc, 0, 1),
	}

	var err error
	a.store, err = a.openStore(ctx)
	if err != nil {
		a.close()
		return nil, err
	}

	var locker captcha.Locker = session.NewMemoryLocker()
	if a.redis != nil {
		locker = session.NewRedisLocker(a.redis, 0, cfg.Store.LockWait)
	}

	images, err := icons.NewDirSource(cfg.Captcha.IconRoot)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("open icons: %w", err)
	}

	var attemptLog captcha.AttemptLog
	var attemptPurger janitor.AttemptPurger
	if cfg.Postgres.Enabled() {
		a.pool, err = pgxpool.New(ctx, cfg.Postgres.ConnString()+" pool_max_conns=10")
		if err != nil {
			a.close()
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		attempts := repository.NewAttemptRepository(a.pool)
		attemptLog = attempts
		attemptPurger = attempts
		logger.Info().Str("host", cfg.Postgres.Host).Msg("attempt log enabled")
	}

	engine, err := captcha.NewEngine(a.store, images, attemptLog, cfg.Captcha.EngineOptions(), logger)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("build engine: %w", err)
	}

	sessions, err := identity.NewManager(identity.Config{
		Secret: []byte(cfg.Security.SessionSecret),
		TTL:    cfg.Security.SessionTTL,
		Issuer: cfg.Name,
		Secure: cfg.Security.SecureCookies,
	})
	if err != nil {
		a.close()
		return nil, fmt.Errorf("build session manager: %w", err)
	}

	pingers := map[string]server.Pinger{"store": a.store}
	if a.pool != nil {
		pingers["postgres"] = a.pool
	}

	a.http = server.NewHTTPServer(cfg, logger, server.Deps{
		Captcha:  captcha.NewHTTPHandler(engine, locker, cfg.Captcha.Themes, logger).AllowIconPaths(cfg.Captcha.IconPaths),
		Sessions: sessions,
		Pingers:  pingers,
	})

	var sweeper janitor.StateSweeper
	if s, ok := a.store.(session.Sweeper); ok {
		sweeper = s
	}
	a.janitor = janitor.NewWorker(sweeper, attemptPurger, cfg.Janitor.Interval, cfg.Janitor.AttemptRetention, logger)

	return a, nil
}

func (a *Application) openStore(ctx context.Context) (session.Backend, error) {
	cfg := a.cfg.Store
	switch cfg.Backend {
	case config.BackendMemory:
		return session.NewMemoryStore(cfg.TTL), nil
	case config.BackendRedis:
		a.redis = redis.NewClient(&redis.Options{
			Addr:     a.cfg.Redis.Addr,
			DB:       a.cfg.Redis.DB,
			PoolSize: a.cfg.Redis.PoolSize,
		})
		if err := a.redis.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		return session.NewRedisStore(a.redis, cfg.TTL), nil
	case config.BackendSQLite:
		store, err := session.OpenSQLite(ctx, cfg.SQLitePath, cfg.TTL)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return store, nil
	case config.BackendBadger:
		store, err := session.OpenBadger(session.BadgerConfig{
			Path:   cfg.BadgerPath,
			TTL:    cfg.TTL,
			Logger: &a.logger,
		})
		if err != nil {
			return nil, fmt.Errorf("open badger store: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

// Run starts the HTTP server and waits for termination signals.
func (a *Application) Run(ctx context.Context) error {
	errCh := make(chan error, 1)

	a.startBackgroundWorkers(ctx)

	go func() {
		a.logger.Info().Str("addr", a.cfg.HTTPAddr).Msg("http server listening")
		if err := a.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-sigCh:
		a.logger.Info().Str("signal", sig.String()).Msg("shutdown signal received")
	case err := <-errCh:
		runErr = fmt.Errorf("http server error: %w", err)
	case <-ctx.Done():
		a.logger.Warn().Msg("context canceled")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.GracefulShutdownTimeout)
	defer cancel()

	if err := a.http.Shutdown(shutdownCtx); err != nil {
		a.logger.Error().Err(err).Msg("http shutdown error")
	}

	for _, cancel := range a.bgCancels {
		cancel()
	}
	a.close()

	a.logger.Info().Msg("shutdown complete")
	return runErr
}

func (a *Application) close() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Error().Err(err).Msg("store shutdown error")
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Error().Err(err).Msg("redis shutdown error")
		}
	}
}

func (a *Application) startBackgroundWorkers(ctx context.Context) {
	if a.janitor == nil || !a.janitor.Enabled() {
		return
	}
	bgCtx, cancel := context.WithCancel(ctx)
	a.bgCancels = append(a.bgCancels, cancel)
	go func() {
		if err := a.janitor.Run(bgCtx); err != nil && !errors.Is(err, context.Canceled) {
			a.logger.Warn().Err(err).Msg("janitor stopped")
		}
	}()
}
