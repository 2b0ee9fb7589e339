// Package filesys provides atomic filesystem primitives: write-temp-then-rename,
// directory move, and tolerant JSON round-tripping. Grounded on the
// temp-file-then-os.Rename pattern used by other agents in the retrieval pack
// for crash-safe persistence (rename is atomic on the same POSIX filesystem).
package filesys

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"

	"github.com/cuemby/warren-agent/internal/errs"
	"github.com/google/uuid"
)

// Permission constants, named rather than inlined per the spec's §4.1 contract.
const (
	PermPrivateKey = 0o600
	PermPublicKey  = 0o640
	PermDefault    = 0o644
	PermDir        = 0o755
)

// Overwrite controls whether WriteFileAtomic may replace an existing file.
type Overwrite int

const (
	OverwriteDeny Overwrite = iota
	OverwriteAllow
)

// WriteFileAtomic writes data to a sibling temp file, fsyncs it, then renames
// it into place. The rename is atomic on the same filesystem, so concurrent
// readers observe either the pre-write or the post-write content, never a
// partial file.
func WriteFileAtomic(path string, data []byte, perm os.FileMode, overwrite Overwrite) error {
	if overwrite == OverwriteDeny {
		if _, err := os.Stat(path); err == nil {
			return errs.NewFilesystemError(errs.CodeFilesystemExists, "path exists", nil, map[string]string{"path": path})
		}
	}

	dir := filepath.Dir(path)
	if err := EnsureDir(dir); err != nil {
		return err
	}

	tmpPath := filepath.Join(dir, fmt.Sprintf(".%s.tmp.%s", filepath.Base(path), uuid.NewString()))

	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return errs.NewFilesystemError(errs.CodeFilesystemIO, "create temp file", err, map[string]string{"path": tmpPath})
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return errs.NewFilesystemError(errs.CodeFilesystemIO, "write temp file", err, map[string]string{"path": tmpPath})
	}

	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return errs.NewFilesystemError(errs.CodeFilesystemIO, "fsync temp file", err, map[string]string{"path": tmpPath})
	}

	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return errs.NewFilesystemError(errs.CodeFilesystemIO, "close temp file", err, map[string]string{"path": tmpPath})
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return errs.NewFilesystemError(errs.CodeFilesystemIO, "rename temp file into place", err, map[string]string{"path": path})
	}

	return nil
}

// WriteJSONAtomic marshals v and writes it atomically.
func WriteJSONAtomic(path string, v interface{}, perm os.FileMode, overwrite Overwrite) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errs.NewFilesystemError(errs.CodeFilesystemIO, "marshal json", err, map[string]string{"path": path})
	}
	return WriteFileAtomic(path, data, perm, overwrite)
}

// ReadJSON reads and unmarshals path into v, which must be a non-nil
// pointer. The document is decoded into a fresh value that replaces *v only
// on success, so a failed parse returns a typed error, never partial state
// in v.
func ReadJSON(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return errs.NewFilesystemError(errs.CodeFilesystemNotFound, "file not found", err, map[string]string{"path": path})
		}
		return errs.NewFilesystemError(errs.CodeFilesystemIO, "read file", err, map[string]string{"path": path})
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return errs.NewFilesystemError(errs.CodeFilesystemIO, "parse json", &json.InvalidUnmarshalError{Type: reflect.TypeOf(v)}, map[string]string{"path": path})
	}
	fresh := reflect.New(rv.Elem().Type())
	if err := json.Unmarshal(data, fresh.Interface()); err != nil {
		return errs.NewFilesystemError(errs.CodeFilesystemIO, "parse json", err, map[string]string{"path": path})
	}
	rv.Elem().Set(fresh.Elem())
	return nil
}

// MoveDir renames src onto dst. If dst exists and overwrite is allowed, dst
// is removed first (not merged) before the rename.
func MoveDir(src, dst string, overwrite Overwrite) error {
	if _, err := os.Stat(dst); err == nil {
		if overwrite == OverwriteDeny {
			return errs.NewFilesystemError(errs.CodeFilesystemExists, "destination exists", nil, map[string]string{"path": dst})
		}
		if err := os.RemoveAll(dst); err != nil {
			return errs.NewFilesystemError(errs.CodeFilesystemIO, "remove destination", err, map[string]string{"path": dst})
		}
	}
	if err := EnsureDir(filepath.Dir(dst)); err != nil {
		return err
	}
	if err := os.Rename(src, dst); err != nil {
		return errs.NewFilesystemError(errs.CodeFilesystemIO, "rename directory", err, map[string]string{"src": src, "dst": dst})
	}
	return nil
}

// EnsureDir creates dir (and parents) if missing, using the package's
// directory permission constant.
func EnsureDir(dir string) error {
	if dir == "" || dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, PermDir); err != nil {
		return errs.NewFilesystemError(errs.CodeFilesystemIO, "create directory", err, map[string]string{"path": dir})
	}
	return nil
}

// StagingDir returns a unique, nanosecond-stamped staging directory name
// under parent, per spec §4.6 step 5.
func StagingDir(parent string, nowUnixNano int64) string {
	return filepath.Join(parent, fmt.Sprintf(".staging-%d-%s", nowUnixNano, uuid.NewString()))
}
