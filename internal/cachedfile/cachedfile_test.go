package cachedfile

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/cuemby/warren-agent/internal/filesys"
	"github.com/cuemby/warren-agent/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestActor_SeedsZeroValueWhenAbsent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "device.json")
	a, err := New[model.Device](path, filesys.PermDefault, model.Device{ID: "dev-1"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })

	v, err := a.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "dev-1", v.ID)
}

func TestActor_LoadsExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "device.json")
	require.NoError(t, filesys.WriteJSONAtomic(path, model.Device{ID: "persisted"}, filesys.PermDefault, filesys.OverwriteAllow))

	a, err := New[model.Device](path, filesys.PermDefault, model.Device{ID: "zero"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })

	v, err := a.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "persisted", v.ID)
}

func TestActor_PatchIsFieldWise(t *testing.T) {
	path := filepath.Join(t.TempDir(), "device.json")
	a, err := New[model.Device](path, filesys.PermDefault, model.Device{ID: "dev-1", Name: "original"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })

	newVersion := "1.2.3"
	v, err := a.Patch(context.Background(), model.DevicePatch{AgentVersion: &newVersion})
	require.NoError(t, err)
	assert.Equal(t, "original", v.Name, "untouched field must survive the patch")
	assert.Equal(t, "1.2.3", v.AgentVersion)

	var onDisk model.Device
	require.NoError(t, filesys.ReadJSON(path, &onDisk))
	assert.Equal(t, "1.2.3", onDisk.AgentVersion)
}
