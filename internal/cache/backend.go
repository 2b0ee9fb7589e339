package cache

import (
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/cuemby/warren-agent/internal/errs"
	"github.com/cuemby/warren-agent/internal/filesys"
	bolt "go.etcd.io/bbolt"
)

// backend is the small contract the actor drives; exactly two concrete
// implementations exist (fileBackend, dirBackend), matching Design Notes §9's
// "tagged enum simplifies ownership" guidance realized as a Go interface.
type backend interface {
	// loadAll returns every persisted entry as raw JSON, keyed by logical key.
	// Entries that fail to parse are reported in invalid rather than returned.
	loadAll() (entries map[string][]byte, invalid []string, err error)
	// persistWrite durably saves key's raw entry. snapshot is the full
	// in-memory key->raw map after this write is applied, for backends that
	// persist as one document.
	persistWrite(key string, raw []byte, snapshot map[string][]byte) error
	persistDelete(key string, snapshot map[string][]byte) error
	// removeRaw deletes whatever is on disk for key without touching the
	// in-memory snapshot; used by PruneInvalid to drop unparseable entries.
	removeRaw(key string) error
	close() error
}

var sanitizeRE = regexp.MustCompile(`[^A-Za-z0-9._-]`)

func sanitizeKey(key string) string {
	s := sanitizeRE.ReplaceAllString(key, "_")
	if s == "" {
		s = "_"
	}
	return s
}

// --- file backend: one JSON document holding the whole key->entry map ---

type fileBackend struct {
	path string
}

func newFileBackend(path string) *fileBackend {
	return &fileBackend{path: path}
}

func (b *fileBackend) loadAll() (map[string][]byte, []string, error) {
	var doc map[string]json.RawMessage
	if err := filesys.ReadJSON(b.path, &doc); err != nil {
		if e, ok := err.(errs.Error); ok && e.Code() == errs.CodeFilesystemNotFound {
			return map[string][]byte{}, nil, nil
		}
		return nil, nil, err
	}
	out := make(map[string][]byte, len(doc))
	for k, v := range doc {
		out[k] = []byte(v)
	}
	return out, nil, nil
}

func (b *fileBackend) persistDoc(snapshot map[string][]byte) error {
	doc := make(map[string]json.RawMessage, len(snapshot))
	for k, v := range snapshot {
		doc[k] = json.RawMessage(v)
	}
	return filesys.WriteJSONAtomic(b.path, doc, filesys.PermDefault, filesys.OverwriteAllow)
}

func (b *fileBackend) persistWrite(_ string, _ []byte, snapshot map[string][]byte) error {
	return b.persistDoc(snapshot)
}

func (b *fileBackend) persistDelete(_ string, snapshot map[string][]byte) error {
	return b.persistDoc(snapshot)
}

func (b *fileBackend) removeRaw(key string) error {
	// The whole-document backend has no standalone per-key artifact to
	// remove; callers rewrite the document via persistDelete instead.
	return nil
}

func (b *fileBackend) close() error { return nil }

// --- directory backend: one file per key, plus a bbolt index recording each
// key's last-write time (RFC3339Nano). The index is updated on every write
// and delete but is not read back: loadAll (and so prune_invalid) walks the
// directory on every call. The bucket/Update idiom is carried from the
// teacher's pkg/storage/boltdb.go, repurposed from cluster-entity storage to
// this agent's cache index. ---

var indexBucket = []byte("entries")

type dirBackend struct {
	dir   string
	index *bolt.DB
}

func newDirBackend(dir string) (*dirBackend, error) {
	if err := filesys.EnsureDir(dir); err != nil {
		return nil, err
	}
	db, err := bolt.Open(filepath.Join(dir, ".index.bbolt"), 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, errs.NewCacheError(errs.CodeCacheBackendIO, "open bbolt index", err, map[string]string{"dir": dir})
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(indexBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, errs.NewCacheError(errs.CodeCacheBackendIO, "create bbolt bucket", err, nil)
	}
	return &dirBackend{dir: dir, index: db}, nil
}

func (b *dirBackend) entryPath(key string) string {
	return filepath.Join(b.dir, sanitizeKey(key)+".json")
}

func (b *dirBackend) loadAll() (map[string][]byte, []string, error) {
	files, err := os.ReadDir(b.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string][]byte{}, nil, nil
		}
		return nil, nil, errs.NewCacheError(errs.CodeCacheBackendIO, "read cache directory", err, map[string]string{"dir": b.dir})
	}
	out := make(map[string][]byte)
	var invalid []string
	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), ".json") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(b.dir, f.Name()))
		if err != nil {
			invalid = append(invalid, f.Name())
			continue
		}
		var probe map[string]json.RawMessage
		if err := json.Unmarshal(raw, &probe); err != nil {
			invalid = append(invalid, f.Name())
			continue
		}
		keyRaw, ok := probe["key"]
		if !ok {
			invalid = append(invalid, f.Name())
			continue
		}
		var key string
		if err := json.Unmarshal(keyRaw, &key); err != nil {
			invalid = append(invalid, f.Name())
			continue
		}
		out[key] = raw
	}
	return out, invalid, nil
}

func (b *dirBackend) persistWrite(key string, raw []byte, _ map[string][]byte) error {
	if err := filesys.WriteFileAtomic(b.entryPath(key), raw, filesys.PermDefault, filesys.OverwriteAllow); err != nil {
		return err
	}
	return b.index.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(indexBucket).Put([]byte(key), []byte(time.Now().UTC().Format(time.RFC3339Nano)))
	})
}

func (b *dirBackend) persistDelete(key string, _ map[string][]byte) error {
	if err := os.Remove(b.entryPath(key)); err != nil && !os.IsNotExist(err) {
		return errs.NewCacheError(errs.CodeCacheBackendIO, "remove entry file", err, map[string]string{"key": key})
	}
	return b.index.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(indexBucket).Delete([]byte(key))
	})
}

func (b *dirBackend) removeRaw(key string) error {
	if err := os.Remove(b.entryPath(key)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return b.index.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(indexBucket).Delete([]byte(key))
	})
}

func (b *dirBackend) close() error {
	return b.index.Close()
}
