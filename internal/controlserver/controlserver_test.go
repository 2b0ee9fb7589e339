package controlserver

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/cuemby/warren-agent/internal/cachedfile"
	"github.com/cuemby/warren-agent/internal/model"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (*Server, *http.Client, func()) {
	t.Helper()
	dir := t.TempDir()
	sockPath := filepath.Join(dir, "control.sock")

	devActor, err := cachedfile.New[model.Device](filepath.Join(dir, "device.json"), 0o644, model.Device{ID: "dev-1", Name: "edge-1"})
	require.NoError(t, err)

	s, err := New(Config{SocketPath: sockPath, Device: devActor, Logger: zerolog.Nop()})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go s.Serve(ctx)

	client := &http.Client{Transport: &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			return net.Dial("unix", sockPath)
		},
	}}

	return s, client, func() {
		cancel()
		devActor.Shutdown(context.Background())
	}
}

func TestControlServer_Health(t *testing.T) {
	_, client, cleanup := newTestServer(t)
	defer cleanup()

	resp, err := client.Get("http://unix/v1/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestControlServer_Device(t *testing.T) {
	_, client, cleanup := newTestServer(t)
	defer cleanup()

	resp, err := client.Get("http://unix/v1/device")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var device model.Device
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&device))
	require.Equal(t, "dev-1", device.ID)
}

func TestControlServer_Version(t *testing.T) {
	_, client, cleanup := newTestServer(t)
	defer cleanup()

	resp, err := client.Get("http://unix/v1/version")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestControlServer_TouchesActivityOnRequest(t *testing.T) {
	s, client, cleanup := newTestServer(t)
	defer cleanup()

	before := s.LastActivityUnix()
	time.Sleep(10 * time.Millisecond)

	resp, err := client.Get("http://unix/v1/health")
	require.NoError(t, err)
	resp.Body.Close()

	require.GreaterOrEqual(t, s.LastActivityUnix(), before)
}

func TestControlServer_DeviceRejectsNonGET(t *testing.T) {
	_, client, cleanup := newTestServer(t)
	defer cleanup()

	resp, err := client.Post("http://unix/v1/device", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}
