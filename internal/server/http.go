package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/gokatarajesh/icon-captcha/internal/captcha"
	"github.com/gokatarajesh/icon-captcha/internal/config"
	"github.com/gokatarajesh/icon-captcha/internal/identity"
	"github.com/gokatarajesh/icon-captcha/internal/logging"
	httperrors "github.com/gokatarajesh/icon-captcha/pkg/http/errors"
)

// Pinger is any dependency that can report its health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the handlers and dependencies the router mounts.
type Deps struct {
	Captcha  *captcha.HTTPHandler
	Sessions *identity.Manager
	// Pingers are checked by /v1/ping, keyed by name for logging.
	Pingers map[string]Pinger
}

// NewHTTPServer wires base routes (health, metrics) and the captcha API.
func NewHTTPServer(cfg *config.App, logger zerolog.Logger, deps Deps) *http.Server {
	return &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           NewRouter(logger, deps),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// NewRouter builds the chi router.
func NewRouter(logger zerolog.Logger, deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(requestLogger(logger))
	r.Use(chiMiddleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Handle("/metrics", promhttp.Handler())

	r.Get("/v1/ping", func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if err := pingDependencies(ctx, deps.Pingers); err != nil {
			reqLogger := logging.FromContext(ctx)
			reqLogger.Error().Err(err).Msg("dependency ping failed")
			httperrors.RespondError(w, http.StatusBadGateway, httperrors.ErrCodeUpstreamError, "upstream error")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"pong":true}`))
	})

	if deps.Captcha != nil {
		r.Route("/v1/captcha", func(r chi.Router) {
			if deps.Sessions != nil {
				r.Use(deps.Sessions.Middleware(logger))
			}
			deps.Captcha.Routes(r)
		})
	}

	return r
}

func pingDependencies(ctx context.Context, pingers map[string]Pinger) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	for name, p := range pingers {
		if err := p.Ping(ctx); err != nil {
			reqLogger := logging.FromContext(ctx)
			reqLogger.Warn().Str("dependency", name).Err(err).Msg("ping failed")
			return err
		}
	}
	return nil
}

// requestLogger emits one structured line per request.
func requestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chiMiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			reqLogger := logger.With().Str("request_id", chiMiddleware.GetReqID(r.Context())).Logger()

			next.ServeHTTP(ww, r.WithContext(logging.IntoContext(r.Context(), reqLogger)))

			reqLogger.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", time.Since(start)).
				Msg("http request")
		})
	}
}
