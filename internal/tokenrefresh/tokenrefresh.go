// Package tokenrefresh implements the pre-emptive token refresh worker of
// spec §4.3/§4.9. Grounded on original_source/agent/src/workers/token_refresh.rs's
// refresh-then-wait-until-advance-window loop, carried into the teacher's
// ticking select{timer, stopCh} monitor shape (pkg/worker/health_monitor.go).
package tokenrefresh

import (
	"context"
	"time"

	"github.com/cuemby/warren-agent/internal/errs"
	"github.com/cuemby/warren-agent/internal/fsm"
	"github.com/cuemby/warren-agent/internal/metrics"
	"github.com/cuemby/warren-agent/internal/model"
	"github.com/rs/zerolog"
)

// RefreshAdvance is how far ahead of expiry the worker tries to refresh,
// matching the original's refresh_advance_secs default of 15 minutes.
const RefreshAdvance = 15 * time.Minute

// Manager is the subset of internal/authn.Manager the worker needs.
type Manager interface {
	GetToken(ctx context.Context) (model.Token, error)
	RefreshToken(ctx context.Context) (model.Token, error)
}

// Config wires a Worker's dependencies.
type Config struct {
	Manager Manager
	Policy  fsm.Policy
	Logger  zerolog.Logger
}

// Worker refreshes the device's bearer token ahead of its expiry and retries
// failures on the shared backoff policy, so internal/authn.Manager.GetToken
// finds an already-fresh token on every read instead of refreshing lazily.
type Worker struct {
	cfg Config

	stopCh chan struct{}
	done   chan struct{}
}

func New(cfg Config) *Worker {
	return &Worker{cfg: cfg, stopCh: make(chan struct{}), done: make(chan struct{})}
}

// Start launches the refresh loop in the background.
func (w *Worker) Start() {
	go w.run()
}

// Stop requests the loop to exit, waiting up to ctx's deadline.
func (w *Worker) Stop(ctx context.Context) error {
	close(w.stopCh)
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) run() {
	defer close(w.done)
	errStreak := 0

	for {
		_, err := w.cfg.Manager.RefreshToken(context.Background())
		var wait time.Duration
		switch {
		case err == nil:
			errStreak = 0
			metrics.TokenRefreshesTotal.WithLabelValues("success").Inc()
			wait = w.nextWait(0)
		case errs.IsNetworkConnectionError(err):
			// Network errors are not counted against the backoff streak
			// (original behavior): the retry follows nextWait's schedule for
			// a zero streak.
			metrics.TokenRefreshesTotal.WithLabelValues("network_error").Inc()
			w.cfg.Logger.Debug().Err(err).Msg("tokenrefresh: network error, will retry")
			wait = w.nextWait(0)
		default:
			errStreak++
			metrics.TokenRefreshesTotal.WithLabelValues("error").Inc()
			w.cfg.Logger.Warn().Err(err).Int("err_streak", errStreak).Msg("tokenrefresh: refresh failed")
			wait = w.nextWait(errStreak)
		}

		select {
		case <-w.stopCh:
			return
		case <-time.After(wait):
		}
	}
}

// nextWait computes how long to sleep before the next refresh attempt: the
// time remaining until RefreshAdvance before the current token's expiry, or,
// once inside that window (or when the token cannot be read), the backoff
// cooldown for errStreak.
func (w *Worker) nextWait(errStreak int) time.Duration {
	cooldown := w.cfg.Policy.Backoff(errStreak)

	token, err := w.cfg.Manager.GetToken(context.Background())
	if err != nil {
		return cooldown
	}

	untilExpiry := time.Until(token.ExpiresAt)
	if untilExpiry < RefreshAdvance {
		return cooldown
	}
	return untilExpiry - RefreshAdvance
}
