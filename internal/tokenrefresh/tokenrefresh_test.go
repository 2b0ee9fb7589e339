package tokenrefresh

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cuemby/warren-agent/internal/fsm"
	"github.com/cuemby/warren-agent/internal/model"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type fakeManager struct {
	refreshes atomic.Int32
	token     model.Token
}

func (f *fakeManager) GetToken(ctx context.Context) (model.Token, error) {
	return f.token, nil
}

func (f *fakeManager) RefreshToken(ctx context.Context) (model.Token, error) {
	f.refreshes.Add(1)
	return f.token, nil
}

func TestWorker_RefreshesImmediatelyThenStops(t *testing.T) {
	mgr := &fakeManager{token: model.Token{Token: "t", ExpiresAt: time.Now().Add(time.Hour)}}
	w := New(Config{Manager: mgr, Policy: fsm.DefaultPolicy(), Logger: zerolog.Nop()})
	w.Start()

	require.Eventually(t, func() bool { return mgr.refreshes.Load() >= 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, w.Stop(ctx))
}

func TestNextWait_InsideAdvanceWindowUsesCooldown(t *testing.T) {
	mgr := &fakeManager{token: model.Token{Token: "t", ExpiresAt: time.Now().Add(RefreshAdvance / 2)}}
	w := New(Config{Manager: mgr, Policy: fsm.DefaultPolicy(), Logger: zerolog.Nop()})

	wait := w.nextWait(0)
	require.Equal(t, fsm.DefaultPolicy().Backoff(0), wait)
}

func TestNextWait_FarExpiryWaitsUntilAdvanceWindow(t *testing.T) {
	mgr := &fakeManager{token: model.Token{Token: "t", ExpiresAt: time.Now().Add(2 * time.Hour)}}
	w := New(Config{Manager: mgr, Policy: fsm.DefaultPolicy(), Logger: zerolog.Nop()})

	wait := w.nextWait(0)
	require.Greater(t, wait, time.Hour)
}
