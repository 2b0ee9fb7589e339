// Package cache implements the actor-serialized concurrent cache of spec
// §4.2: a typed key/value store owned by exactly one worker goroutine, with
// two interchangeable backends (single JSON file, or one file per key in a
// directory). Grounded on the teacher's pkg/events/events.go Broker run-loop
// (a single goroutine draining a command channel with a stop channel),
// generalized here from pub/sub broadcast into a request/reply command
// actor: every public method builds a closure, sends it on a bounded
// channel, and blocks on a one-shot reply — the same single-consumer shape,
// aimed at serialized reads/writes instead of fan-out.
package cache

import (
	"context"
	"strings"
	"time"

	"github.com/cuemby/warren-agent/internal/errs"
	"github.com/rs/zerolog"
)

// DefaultQueueCapacity is the bounded command queue capacity (spec §4.2).
const DefaultQueueCapacity = 64

// Entry wraps a stored value with its key and the instant it was written.
type Entry[V any] struct {
	Key       string    `json:"key"`
	Value     V         `json:"value"`
	WrittenAt time.Time `json:"written_at"`
}

// Policy decides whether a write should proceed when the key already
// exists — e.g. to avoid downgrading a newer entry with a stale one. A nil
// policy always allows the write once the overwrite gate passes.
type Policy[V any] func(existing, candidate V) bool

// Overwrite controls whether Write may replace an existing key.
type Overwrite int

const (
	OverwriteDeny Overwrite = iota
	OverwriteAllow
)

type entriesSnapshot[V any] map[string]Entry[V]

// Cache is a generic actor-serialized key/value store over one backend.
type Cache[V any] struct {
	backend backend
	cmds    chan func()
	stopCh  chan struct{}
	done    chan struct{}
	logger  zerolog.Logger

	entries map[string]Entry[V]
}

// NewFileCache opens (or creates) a file-backed cache at path.
func NewFileCache[V any](path string, logger zerolog.Logger) (*Cache[V], error) {
	return newCache[V](newFileBackend(path), logger)
}

// NewDirCache opens (or creates) a directory-backed cache under dir.
func NewDirCache[V any](dir string, logger zerolog.Logger) (*Cache[V], error) {
	b, err := newDirBackend(dir)
	if err != nil {
		return nil, err
	}
	return newCache[V](b, logger)
}

func newCache[V any](b backend, logger zerolog.Logger) (*Cache[V], error) {
	raw, invalid, err := b.loadAll()
	if err != nil {
		return nil, err
	}
	if len(invalid) > 0 {
		logger.Warn().Strs("files", invalid).Msg("cache: dropping unparseable entries at load")
	}

	c := &Cache[V]{
		backend: b,
		cmds:    make(chan func(), DefaultQueueCapacity),
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
		logger:  logger,
		entries: make(map[string]Entry[V], len(raw)),
	}

	for k, r := range raw {
		var e Entry[V]
		if err := unmarshalEntry(r, &e); err != nil {
			logger.Warn().Str("key", k).Err(err).Msg("cache: dropping unparseable entry at load")
			continue
		}
		c.entries[k] = e
	}

	go c.run()
	return c, nil
}

func (c *Cache[V]) run() {
	defer close(c.done)
	for {
		select {
		case cmd := <-c.cmds:
			cmd()
		case <-c.stopCh:
			// Drain whatever is already queued, then exit.
			for {
				select {
				case cmd := <-c.cmds:
					cmd()
				default:
					return
				}
			}
		}
	}
}

// submit enqueues fn on the actor and blocks until it has run, or ctx is
// done, or the cache has been shut down.
func (c *Cache[V]) submit(ctx context.Context, fn func()) error {
	select {
	case <-c.stopCh:
		return errs.NewCacheError(errs.CodeCacheBackendIO, "cache is shutting down", nil, nil)
	default:
	}
	select {
	case c.cmds <- fn:
		return nil
	case <-c.stopCh:
		return errs.NewCacheError(errs.CodeCacheBackendIO, "cache is shutting down", nil, nil)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Cache[V]) snapshotRaw() map[string][]byte {
	out := make(map[string][]byte, len(c.entries))
	for k, e := range c.entries {
		out[k], _ = marshalEntry(e)
	}
	return out
}

// Read returns the entry for key, if present.
func (c *Cache[V]) Read(ctx context.Context, key string) (Entry[V], bool, error) {
	var (
		entry Entry[V]
		found bool
	)
	reply := make(chan struct{})
	err := c.submit(ctx, func() {
		entry, found = c.entries[key]
		close(reply)
	})
	if err != nil {
		return entry, false, err
	}
	<-reply
	return entry, found, nil
}

// Write stores value under key, subject to overwrite and policy, per §4.2.
func (c *Cache[V]) Write(ctx context.Context, key string, value V, overwrite Overwrite, policy Policy[V]) error {
	reply := make(chan error, 1)
	err := c.submit(ctx, func() {
		existing, found := c.entries[key]
		if found {
			if overwrite == OverwriteDeny {
				reply <- errs.NewCacheError(errs.CodeCacheCannotOverwrite, "key exists", nil, map[string]string{"key": key})
				return
			}
			if policy != nil && !policy(existing.Value, value) {
				reply <- nil
				return
			}
		}
		entry := Entry[V]{Key: key, Value: value, WrittenAt: time.Now().UTC()}
		c.entries[key] = entry
		raw, merr := marshalEntry(entry)
		if merr != nil {
			delete(c.entries, key)
			reply <- errs.NewCacheError(errs.CodeCacheBackendIO, "marshal entry", merr, map[string]string{"key": key})
			return
		}
		if perr := c.backend.persistWrite(key, raw, c.snapshotRaw()); perr != nil {
			if !found {
				delete(c.entries, key)
			} else {
				c.entries[key] = existing
			}
			reply <- perr
			return
		}
		reply <- nil
	})
	if err != nil {
		return err
	}
	return <-reply
}

// Delete removes key, if present. Deleting an absent key is a no-op.
func (c *Cache[V]) Delete(ctx context.Context, key string) error {
	reply := make(chan error, 1)
	err := c.submit(ctx, func() {
		existing, found := c.entries[key]
		if !found {
			reply <- nil
			return
		}
		delete(c.entries, key)
		if perr := c.backend.persistDelete(key, c.snapshotRaw()); perr != nil {
			c.entries[key] = existing
			reply <- perr
			return
		}
		reply <- nil
	})
	if err != nil {
		return err
	}
	return <-reply
}

// Entries returns every entry currently held.
func (c *Cache[V]) Entries(ctx context.Context) ([]Entry[V], error) {
	var out []Entry[V]
	reply := make(chan struct{})
	err := c.submit(ctx, func() {
		out = make([]Entry[V], 0, len(c.entries))
		for _, e := range c.entries {
			out = append(out, e)
		}
		close(reply)
	})
	if err != nil {
		return nil, err
	}
	<-reply
	return out, nil
}

// Values returns every stored value currently held.
func (c *Cache[V]) Values(ctx context.Context) ([]V, error) {
	entries, err := c.Entries(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]V, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Value)
	}
	return out, nil
}

// EntryMap returns a key->entry snapshot.
func (c *Cache[V]) EntryMap(ctx context.Context) (map[string]Entry[V], error) {
	var out map[string]Entry[V]
	reply := make(chan struct{})
	err := c.submit(ctx, func() {
		out = make(map[string]Entry[V], len(c.entries))
		for k, e := range c.entries {
			out[k] = e
		}
		close(reply)
	})
	if err != nil {
		return nil, err
	}
	<-reply
	return out, nil
}

// ValueMap returns a key->value snapshot.
func (c *Cache[V]) ValueMap(ctx context.Context) (map[string]V, error) {
	entries, err := c.EntryMap(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]V, len(entries))
	for k, e := range entries {
		out[k] = e.Value
	}
	return out, nil
}

// PruneInvalid rescans the backend's persisted storage and removes entries
// that fail to parse, returning the keys/files removed.
func (c *Cache[V]) PruneInvalid(ctx context.Context) ([]string, error) {
	var (
		removed []string
		rerr    error
	)
	reply := make(chan struct{})
	err := c.submit(ctx, func() {
		defer close(reply)
		raw, invalid, lerr := c.backend.loadAll()
		if lerr != nil {
			rerr = lerr
			return
		}
		for _, name := range invalid {
			// Only files whose name is exactly what the backend would write
			// for that stem are removed, so no other entry's file is touched.
			stem := strings.TrimSuffix(name, ".json")
			if sanitizeKey(stem)+".json" != name {
				continue
			}
			if derr := c.backend.removeRaw(stem); derr == nil {
				removed = append(removed, name)
			}
		}
		for k, r := range raw {
			if _, inMemory := c.entries[k]; inMemory {
				continue
			}
			var e Entry[V]
			if uerr := unmarshalEntry(r, &e); uerr != nil {
				if derr := c.backend.removeRaw(k); derr == nil {
					removed = append(removed, k)
				}
			}
		}
	})
	if err != nil {
		return nil, err
	}
	<-reply
	return removed, rerr
}

// Size returns the number of entries currently held.
func (c *Cache[V]) Size(ctx context.Context) (int, error) {
	var n int
	reply := make(chan struct{})
	err := c.submit(ctx, func() {
		n = len(c.entries)
		close(reply)
	})
	if err != nil {
		return 0, err
	}
	<-reply
	return n, nil
}

// Capacity returns the bounded command queue's capacity.
func (c *Cache[V]) Capacity() int {
	return cap(c.cmds)
}

// Shutdown stops the actor from accepting new commands; commands already
// queued are drained first, then the worker returns. Safe to call once.
func (c *Cache[V]) Shutdown(ctx context.Context) error {
	close(c.stopCh)
	select {
	case <-c.done:
		return c.backend.close()
	case <-ctx.Done():
		return ctx.Err()
	}
}
