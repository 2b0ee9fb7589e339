// Package syncer implements the reconciliation engine of spec §4.6: pull
// desired state, diff against cache, apply the deployment FSM, write files
// atomically, report status. Grounded on the teacher's
// pkg/reconciler/reconciler.go ticking select{ticker.C, stopCh} loop,
// generalized into the actor/command shape spec.md mandates: Sync, GetState,
// Shutdown commands over a channel, with single-flight coalescing of
// concurrent Sync requests the way internal/authn coalesces refreshes.
package syncer

import (
	"context"
	"time"

	"github.com/cuemby/warren-agent/internal/cache"
	"github.com/cuemby/warren-agent/internal/cachedfile"
	"github.com/cuemby/warren-agent/internal/errs"
	"github.com/cuemby/warren-agent/internal/fsm"
	"github.com/cuemby/warren-agent/internal/httpclient"
	"github.com/cuemby/warren-agent/internal/metrics"
	"github.com/cuemby/warren-agent/internal/model"
	"github.com/rs/zerolog"
)

// TokenGetter is the subset of internal/authn.Manager the syncer needs.
type TokenGetter interface {
	GetToken(ctx context.Context) (model.Token, error)
}

// HTTPClient is the subset of internal/httpclient.Client the syncer needs.
type HTTPClient interface {
	ListDeployments(ctx context.Context, token, pageToken string) (httpclient.DeploymentsPage, error)
	GetConfigInstanceContent(ctx context.Context, token, id string) (map[string]interface{}, error)
	PatchDevice(ctx context.Context, deviceID, token string, patch model.DevicePatch) (model.Device, error)
	PatchDeployment(ctx context.Context, token, id string, patch httpclient.DeploymentStatusPatch) error
}

// Observer is invoked serially after every FSM transition. Observers must be
// idempotent and non-blocking, per spec §4.6.
type Observer func(model.Deployment)

// Config wires a Syncer's dependencies.
type Config struct {
	DeviceID           string
	AgentVersion       string
	DataRoot           string
	Device             *cachedfile.Actor[model.Device]
	Deployments        *cache.Cache[model.Deployment]
	ConfigMeta         *cache.Cache[model.ConfigInstance]
	ConfigContent      *cache.Cache[map[string]interface{}]
	HTTP               HTTPClient
	Tokens             TokenGetter
	Policy             fsm.Policy
	Logger             zerolog.Logger
	OnSyncComplete     func()
	Observers          []Observer
}

// Outcome is what Sync() returns to a caller.
type Outcome struct {
	Result model.SyncResultCode
	Err    error
}

// Syncer is the reconciliation actor.
type Syncer struct {
	cfg Config

	cmds   chan func()
	stopCh chan struct{}
	done   chan struct{}

	state      model.SyncState
	syncing    bool
	waiters    []chan Outcome
}

// New constructs a Syncer. The worker goroutine starts immediately.
func New(cfg Config) *Syncer {
	s := &Syncer{
		cfg:    cfg,
		cmds:   make(chan func(), 64),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *Syncer) run() {
	defer close(s.done)
	for {
		select {
		case cmd := <-s.cmds:
			cmd()
		case <-s.stopCh:
			for {
				select {
				case cmd := <-s.cmds:
					cmd()
				default:
					return
				}
			}
		}
	}
}

func (s *Syncer) submit(ctx context.Context, fn func()) error {
	select {
	case <-s.stopCh:
		return errs.NewSyncError(errs.CodeSyncInCooldown, "syncer is shutting down", nil, nil)
	default:
	}
	select {
	case s.cmds <- fn:
		return nil
	case <-s.stopCh:
		return errs.NewSyncError(errs.CodeSyncInCooldown, "syncer is shutting down", nil, nil)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Sync triggers a reconciliation cycle. Concurrent callers while one is
// already running (or starting) coalesce onto its outcome (spec §4.6
// single-flight). If the syncer is in cooldown, it returns InCooldown
// immediately without touching the network.
func (s *Syncer) Sync(ctx context.Context) Outcome {
	reply := make(chan Outcome, 1)
	err := s.submit(ctx, func() {
		now := time.Now().UTC()
		if s.state.CooldownUntil != nil && now.Before(*s.state.CooldownUntil) {
			reply <- Outcome{Result: model.SyncInCooldown, Err: errs.NewSyncError(errs.CodeSyncInCooldown, "cooling down", nil, nil)}
			return
		}
		s.waiters = append(s.waiters, reply)
		if s.syncing {
			return
		}
		s.syncing = true
		go s.doSync()
	})
	if err != nil {
		return Outcome{Result: model.SyncNetworkConnectionErr, Err: err}
	}
	select {
	case out := <-reply:
		return out
	case <-ctx.Done():
		return Outcome{Err: ctx.Err()}
	}
}

func (s *Syncer) doSync() {
	timer := metrics.NewTimer()
	outcome := s.runSyncCycle(context.Background())
	timer.ObserveDuration(metrics.SyncDurationSeconds)

	done := make(chan struct{})
	_ = s.submit(context.Background(), func() {
		defer close(done)
		s.syncing = false
		waiters := s.waiters
		s.waiters = nil

		if outcome.Err == nil {
			s.state.ErrStreak = 0
			s.state.CooldownUntil = nil
			now := time.Now().UTC()
			s.state.LastSyncedAt = &now
			metrics.SyncCyclesTotal.WithLabelValues("success").Inc()
		} else {
			s.state.ErrStreak++
			cooldown := time.Now().UTC().Add(s.cfg.Policy.Backoff(s.state.ErrStreak))
			s.state.CooldownUntil = &cooldown
			metrics.SyncCyclesTotal.WithLabelValues("failure").Inc()
		}
		metrics.SyncErrStreak.Set(float64(s.state.ErrStreak))

		for _, w := range waiters {
			w <- outcome
		}
	})
	<-done
}

// SetOnSyncComplete installs the post-success callback (e.g. the MQTT
// worker's beacon republish). Submitted through the actor so the write is
// ordered before any Sync command processed after this call returns.
func (s *Syncer) SetOnSyncComplete(fn func()) {
	done := make(chan struct{})
	_ = s.submit(context.Background(), func() {
		s.cfg.OnSyncComplete = fn
		close(done)
	})
	<-done
}

// SetObservers replaces the FSM-transition observer list.
func (s *Syncer) SetObservers(obs []Observer) {
	done := make(chan struct{})
	_ = s.submit(context.Background(), func() {
		s.cfg.Observers = obs
		close(done)
	})
	<-done
}

// GetState returns a snapshot of the Syncer's observable state.
func (s *Syncer) GetState(ctx context.Context) (model.SyncState, error) {
	var st model.SyncState
	reply := make(chan struct{})
	err := s.submit(ctx, func() {
		st = s.state
		close(reply)
	})
	if err != nil {
		return st, err
	}
	<-reply
	return st, nil
}

// Shutdown lets the current sync (if any) finish, then stops the actor. The
// syncer does not cancel a sync in flight, per spec §5.
func (s *Syncer) Shutdown(ctx context.Context) error {
	close(s.stopCh)
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Syncer) notify(d model.Deployment) {
	for _, obs := range s.cfg.Observers {
		obs(d)
	}
}
