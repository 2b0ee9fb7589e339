package syncer

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cuemby/warren-agent/internal/cache"
	"github.com/cuemby/warren-agent/internal/cachedfile"
	"github.com/cuemby/warren-agent/internal/errs"
	"github.com/cuemby/warren-agent/internal/fsm"
	"github.com/cuemby/warren-agent/internal/httpclient"
	"github.com/cuemby/warren-agent/internal/model"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type fakeTokens struct{}

func (fakeTokens) GetToken(ctx context.Context) (model.Token, error) {
	return model.Token{Token: "tok", ExpiresAt: time.Now().Add(time.Hour)}, nil
}

type fakeHTTP struct {
	listCalls   atomic.Int32
	deployments []model.Deployment
	configs     map[string][]model.ConfigInstance
	content     map[string]map[string]interface{}
	patched     []httpclient.DeploymentStatusPatch
}

func (f *fakeHTTP) ListDeployments(ctx context.Context, token, pageToken string) (httpclient.DeploymentsPage, error) {
	f.listCalls.Add(1)
	return httpclient.DeploymentsPage{Deployments: f.deployments, ConfigInstances: f.configs}, nil
}

func (f *fakeHTTP) GetConfigInstanceContent(ctx context.Context, token, id string) (map[string]interface{}, error) {
	return f.content[id], nil
}

func (f *fakeHTTP) PatchDevice(ctx context.Context, deviceID, token string, patch model.DevicePatch) (model.Device, error) {
	return model.Device{ID: deviceID}, nil
}

func (f *fakeHTTP) PatchDeployment(ctx context.Context, token, id string, patch httpclient.DeploymentStatusPatch) error {
	f.patched = append(f.patched, patch)
	return nil
}

func newTestSyncer(t *testing.T, http *fakeHTTP) *Syncer {
	t.Helper()
	dir := t.TempDir()
	logger := zerolog.Nop()

	devActor, err := cachedfile.New[model.Device](filepath.Join(dir, "device.json"), 0o644, model.Device{ID: "dev-1", AgentVersion: "1.0.0"})
	require.NoError(t, err)

	deployments, err := cache.NewFileCache[model.Deployment](filepath.Join(dir, "deployments.json"), logger)
	require.NoError(t, err)
	configMeta, err := cache.NewFileCache[model.ConfigInstance](filepath.Join(dir, "config_meta.json"), logger)
	require.NoError(t, err)
	configContent, err := cache.NewDirCache[map[string]interface{}](filepath.Join(dir, "config_content"), logger)
	require.NoError(t, err)

	return New(Config{
		DeviceID:     "dev-1",
		AgentVersion: "1.0.0",
		DataRoot:     dir,
		Device:       devActor,
		Deployments:  deployments,
		ConfigMeta:   configMeta,
		ConfigContent: configContent,
		HTTP:         http,
		Tokens:       fakeTokens{},
		Policy:       fsm.DefaultPolicy(),
		Logger:       logger,
	})
}

func TestSyncer_EmptyDeploymentsSucceeds(t *testing.T) {
	http := &fakeHTTP{}
	s := newTestSyncer(t, http)
	defer s.Shutdown(context.Background())

	out := s.Sync(context.Background())
	require.NoError(t, out.Err)
	require.Equal(t, model.SyncSuccess, out.Result)
	require.Equal(t, int32(1), http.listCalls.Load())

	st, err := s.GetState(context.Background())
	require.NoError(t, err)
	require.NotNil(t, st.LastSyncedAt)
	require.Zero(t, st.ErrStreak)
}

func TestSyncer_DeploysQueuedDeployment(t *testing.T) {
	http := &fakeHTTP{
		deployments: []model.Deployment{
			{ID: "d1", TargetStatus: model.TargetDeployed, ActivityStatus: model.ActivityQueued, ConfigInstanceIDs: []string{"ci1"}},
		},
		configs: map[string][]model.ConfigInstance{
			"d1": {{ID: "ci1", FilePath: "app.json", CreatedAt: time.Now()}},
		},
		content: map[string]map[string]interface{}{
			"ci1": {"key": "value"},
		},
	}
	s := newTestSyncer(t, http)
	defer s.Shutdown(context.Background())

	out := s.Sync(context.Background())
	require.NoError(t, out.Err)

	d, found, err := s.cfg.Deployments.Read(context.Background(), "d1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, model.ActivityDeployed, d.Value.ActivityStatus)
	require.Len(t, http.patched, 1)
	require.Equal(t, model.ActivityDeployed, http.patched[0].ActivityStatus)
}

func TestSyncer_ConflictingDeploymentsArchivesLosers(t *testing.T) {
	http := &fakeHTTP{
		deployments: []model.Deployment{
			{ID: "d1", TargetStatus: model.TargetDeployed, ActivityStatus: model.ActivityQueued},
			{ID: "d2", TargetStatus: model.TargetDeployed, ActivityStatus: model.ActivityQueued},
		},
	}
	s := newTestSyncer(t, http)
	defer s.Shutdown(context.Background())

	out := s.Sync(context.Background())
	require.Error(t, out.Err)

	syncErr, ok := out.Err.(errs.Error)
	require.True(t, ok)
	require.Equal(t, "d1", syncErr.Params()["winner_id"])
	require.Equal(t, "d2", syncErr.Params()["loser_ids"])

	values, err := s.cfg.Deployments.ValueMap(context.Background())
	require.NoError(t, err)
	archived := 0
	for _, d := range values {
		if d.ActivityStatus == model.ActivityArchived {
			archived++
		}
	}
	require.Equal(t, 1, archived)
	require.Len(t, http.patched, 1)
	require.Equal(t, model.ActivityArchived, http.patched[0].ActivityStatus)
}

func TestSyncer_CooldownSkipsNetworkCall(t *testing.T) {
	http := &fakeHTTP{}
	s := newTestSyncer(t, http)
	defer s.Shutdown(context.Background())

	future := time.Now().Add(time.Hour)
	done := make(chan struct{})
	_ = s.submit(context.Background(), func() {
		s.state.CooldownUntil = &future
		close(done)
	})
	<-done

	out := s.Sync(context.Background())
	require.Equal(t, model.SyncInCooldown, out.Result)
	require.Equal(t, int32(0), http.listCalls.Load())
}

func TestSyncer_ConcurrentSyncCallsCoalesce(t *testing.T) {
	http := &fakeHTTP{}
	s := newTestSyncer(t, http)
	defer s.Shutdown(context.Background())

	const n = 20
	results := make(chan Outcome, n)
	for i := 0; i < n; i++ {
		go func() {
			results <- s.Sync(context.Background())
		}()
	}
	for i := 0; i < n; i++ {
		out := <-results
		require.NoError(t, out.Err)
	}
	require.Less(t, int(http.listCalls.Load()), n)
}
