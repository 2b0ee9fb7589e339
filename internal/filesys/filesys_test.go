package filesys

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteFileAtomic_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.json")

	require.NoError(t, WriteFileAtomic(path, []byte(`{"a":1}`), PermDefault, OverwriteAllow))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(data))
}

func TestWriteFileAtomic_DenyExisting(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.json")
	require.NoError(t, WriteFileAtomic(path, []byte("x"), PermDefault, OverwriteAllow))

	err := WriteFileAtomic(path, []byte("y"), PermDefault, OverwriteDeny)
	require.Error(t, err)
}

func TestWriteFileAtomic_NoTempLeftover(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.json")
	require.NoError(t, WriteFileAtomic(path, []byte("x"), PermDefault, OverwriteAllow))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "a.json", entries[0].Name())
}

func TestWriteFileAtomic_ConcurrentWritersLeaveWholeContent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.json")
	require.NoError(t, WriteFileAtomic(path, []byte("initial"), PermDefault, OverwriteAllow))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			content := []byte{byte('a' + n%26)}
			_ = WriteFileAtomic(path, content, PermDefault, OverwriteAllow)
		}(i)
	}
	wg.Wait()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Len(t, data, 1)
}

func TestReadJSON_NotFound(t *testing.T) {
	dir := t.TempDir()
	var v map[string]int
	err := ReadJSON(filepath.Join(dir, "missing.json"), &v)
	require.Error(t, err)
}

func TestMoveDir_OverwriteReplacesNotMerges(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	dst := filepath.Join(dir, "dst")
	require.NoError(t, os.MkdirAll(src, PermDir))
	require.NoError(t, os.WriteFile(filepath.Join(src, "new.txt"), []byte("new"), PermDefault))
	require.NoError(t, os.MkdirAll(dst, PermDir))
	require.NoError(t, os.WriteFile(filepath.Join(dst, "old.txt"), []byte("old"), PermDefault))

	require.NoError(t, MoveDir(src, dst, OverwriteAllow))

	_, err := os.Stat(filepath.Join(dst, "old.txt"))
	assert.True(t, os.IsNotExist(err))
	data, err := os.ReadFile(filepath.Join(dst, "new.txt"))
	require.NoError(t, err)
	assert.Equal(t, "new", string(data))
}
