// Package janitor runs periodic cleanup of expired captcha state and old
// attempt log rows.
package janitor

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var purgedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "icon_captcha",
	Name:      "janitor_purged_total",
	Help:      "Rows or sessions removed by the janitor.",
}, []string{"target"})

// StateSweeper removes expired challenge state.
type StateSweeper interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

// AttemptPurger removes attempt log rows older than a cutoff.
type AttemptPurger interface {
	PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Worker periodically sweeps the state store and the attempt log. Either
// target may be nil.
type Worker struct {
	states    StateSweeper
	attempts  AttemptPurger
	retention time.Duration
	interval  time.Duration
	logger    zerolog.Logger
	now       func() time.Time
}

func NewWorker(states StateSweeper, attempts AttemptPurger, interval, retention time.Duration, logger zerolog.Logger) *Worker {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	if retention <= 0 {
		retention = 30 * 24 * time.Hour
	}
	return &Worker{
		states:    states,
		attempts:  attempts,
		retention: retention,
		interval:  interval,
		logger:    logger.With().Str("component", "janitor").Logger(),
		now:       time.Now,
	}
}

// Enabled reports whether the worker has anything to clean.
func (w *Worker) Enabled() bool {
	return w.states != nil || w.attempts != nil
}

// Run blocks until context cancellation.
func (w *Worker) Run(ctx context.Context) error {
	if !w.Enabled() {
		return nil
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.tick(ctx)
		}
	}
}

func (w *Worker) tick(ctx context.Context) {
	if w.states != nil {
		n, err := w.states.PurgeExpired(ctx)
		if err != nil {
			w.logger.Warn().Err(err).Msg("state sweep failed")
		} else if n > 0 {
			purgedTotal.WithLabelValues("states").Add(float64(n))
			w.logger.Debug().Int64("removed", n).Msg("expired challenge state removed")
		}
	}

	if w.attempts != nil {
		cutoff := w.now().Add(-w.retention)
		n, err := w.attempts.PurgeBefore(ctx, cutoff)
		if err != nil {
			w.logger.Warn().Err(err).Msg("attempt purge failed")
		} else if n > 0 {
			purgedTotal.WithLabelValues("attempts").Add(float64(n))
			w.logger.Info().Int64("removed", n).Time("cutoff", cutoff).Msg("old attempts purged")
		}
	}
}
