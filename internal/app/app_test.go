package app

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/cuemby/warren-agent/internal/config"
	"github.com/cuemby/warren-agent/internal/filesys"
	"github.com/cuemby/warren-agent/internal/model"
	"github.com/stretchr/testify/require"
)

func newTestSettings(t *testing.T) config.Settings {
	t.Helper()
	dataRoot := t.TempDir()

	device := model.Device{ID: "dev-1", Name: "edge-1", AgentVersion: "0.0.0", Activated: true}
	require.NoError(t, filesys.WriteJSONAtomic(filepath.Join(dataRoot, "device.json"), device, filesys.PermDefault, filesys.OverwriteAllow))

	s := config.Defaults()
	s.DataRoot = dataRoot
	s.SocketPath = filepath.Join(dataRoot, "control.sock")
	s.Backend.BaseURL = "http://127.0.0.1:0"
	s.EnableSocketServer = true
	s.MaxShutdownDelay = 200 * time.Millisecond
	return s
}

func TestBuild_RejectsUnactivatedDevice(t *testing.T) {
	dataRoot := t.TempDir()
	device := model.Device{ID: "dev-1", Activated: false}
	require.NoError(t, filesys.WriteJSONAtomic(filepath.Join(dataRoot, "device.json"), device, filesys.PermDefault, filesys.OverwriteAllow))

	s := config.Defaults()
	s.DataRoot = dataRoot
	s.EnableSocketServer = false

	_, err := build(s)
	require.Error(t, err)
}

func TestBuild_RejectsMissingDeviceFile(t *testing.T) {
	s := config.Defaults()
	s.DataRoot = t.TempDir()
	s.EnableSocketServer = false

	_, err := build(s)
	require.Error(t, err)
}

func TestBuild_WiresEveryComponent(t *testing.T) {
	s := newTestSettings(t)

	a, err := build(s)
	require.NoError(t, err)
	require.NotNil(t, a.device)
	require.NotNil(t, a.tokens)
	require.NotNil(t, a.deployments)
	require.NotNil(t, a.configMeta)
	require.NotNil(t, a.configContent)
	require.NotNil(t, a.authn)
	require.NotNil(t, a.sync)
	require.NotNil(t, a.mqtt)
	require.NotNil(t, a.server)
	require.NotNil(t, a.tokenRefresh)

	a.shutdown(s.MaxShutdownDelay)

	_ = context.Background()
}
