// Package cachedfile specializes the actor-owned-state pattern to a single
// JSON document with field-wise patching, used for the Device and Token
// records (spec §4.2's "cached-file actor"). Grounded on the teacher's
// pkg/manager/token.go mutex-guarded map, generalized into the actor/channel
// shape the rest of this agent uses, since a single patched document is a
// degenerate case of the keyed cache with exactly one key.
package cachedfile

import (
	"context"
	"os"

	"github.com/cuemby/warren-agent/internal/errs"
	"github.com/cuemby/warren-agent/internal/filesys"
)

// Patch is anything that can be folded into a T, field-wise.
type Patch[T any] interface {
	Apply(T) T
}

// Actor owns one JSON document of type T, serializing every read and patch
// through a single goroutine.
type Actor[T any] struct {
	path string
	perm os.FileMode
	cmds chan func()
	stopCh chan struct{}
	done   chan struct{}

	value T
}

// New loads path into a new Actor, or seeds it with zero if the file is
// absent.
func New[T any](path string, perm os.FileMode, zero T) (*Actor[T], error) {
	a := &Actor[T]{
		path:   path,
		perm:   perm,
		cmds:   make(chan func(), 64),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
		value:  zero,
	}

	var v T
	if err := filesys.ReadJSON(path, &v); err != nil {
		if e, ok := err.(errs.Error); !ok || e.Code() != errs.CodeFilesystemNotFound {
			return nil, err
		}
		if err := filesys.WriteJSONAtomic(path, zero, perm, filesys.OverwriteAllow); err != nil {
			return nil, err
		}
	} else {
		a.value = v
	}

	go a.run()
	return a, nil
}

func (a *Actor[T]) run() {
	defer close(a.done)
	for {
		select {
		case cmd := <-a.cmds:
			cmd()
		case <-a.stopCh:
			for {
				select {
				case cmd := <-a.cmds:
					cmd()
				default:
					return
				}
			}
		}
	}
}

func (a *Actor[T]) submit(ctx context.Context, fn func()) error {
	select {
	case <-a.stopCh:
		return errs.NewFilesystemError(errs.CodeFilesystemIO, "actor is shutting down", nil, nil)
	default:
	}
	select {
	case a.cmds <- fn:
		return nil
	case <-a.stopCh:
		return errs.NewFilesystemError(errs.CodeFilesystemIO, "actor is shutting down", nil, nil)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Get returns the current value.
func (a *Actor[T]) Get(ctx context.Context) (T, error) {
	var v T
	reply := make(chan struct{})
	err := a.submit(ctx, func() {
		v = a.value
		close(reply)
	})
	if err != nil {
		var zero T
		return zero, err
	}
	<-reply
	return v, nil
}

// Patch applies p to the current value, persists the result atomically, and
// returns the new value. Overlapping fields across two concurrent patches
// are resolved by arrival order at this actor, per spec §5.
func (a *Actor[T]) Patch(ctx context.Context, p Patch[T]) (T, error) {
	var (
		v    T
		rerr error
	)
	reply := make(chan struct{})
	err := a.submit(ctx, func() {
		defer close(reply)
		next := p.Apply(a.value)
		if werr := filesys.WriteJSONAtomic(a.path, next, a.perm, filesys.OverwriteAllow); werr != nil {
			rerr = werr
			return
		}
		a.value = next
		v = next
	})
	if err != nil {
		var zero T
		return zero, err
	}
	<-reply
	if rerr != nil {
		var zero T
		return zero, rerr
	}
	return v, nil
}

// Shutdown stops the actor after draining any queued command.
func (a *Actor[T]) Shutdown(ctx context.Context) error {
	close(a.stopCh)
	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
