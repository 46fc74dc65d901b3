// Package memory is an in-process storage engine backed by concurrent skip lists.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/zhangyunhao116/skipmap"

	"replsync/pkg/dberrors"
	"replsync/pkg/storage"
)

type orderedSet = skipmap.FuncMap[string, []byte]

// Engine keeps one skip list per space. Writers are serialized so a batch is
// applied as a unit; readers never block.
type Engine struct {
	spacesMu sync.RWMutex
	spaces   map[string]*orderedSet

	writeMu sync.Mutex
	closed  atomic.Bool
}

func New() *Engine {
	return &Engine{spaces: make(map[string]*orderedSet)}
}

func newOrderedSet() *orderedSet {
	return skipmap.NewFunc[string, []byte](func(a, b string) bool {
		return a < b
	})
}

func (e *Engine) space(name string, create bool) *orderedSet {
	e.spacesMu.RLock()
	set, ok := e.spaces[name]
	e.spacesMu.RUnlock()
	if ok || !create {
		return set
	}

	e.spacesMu.Lock()
	defer e.spacesMu.Unlock()
	if set, ok = e.spaces[name]; ok {
		return set
	}
	set = newOrderedSet()
	e.spaces[name] = set
	return set
}

func (e *Engine) Get(ctx context.Context, space, key string) ([]byte, error) {
	if e.closed.Load() {
		return nil, dberrors.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	set := e.space(space, false)
	if set == nil {
		return nil, dberrors.ErrNotFound
	}
	v, ok := set.Load(key)
	if !ok {
		return nil, dberrors.ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (e *Engine) Batch(ctx context.Context, ops []storage.Op) error {
	if e.closed.Load() {
		return dberrors.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	// nothing can fail once validation passed
	if err := storage.Validate(ops); err != nil {
		return err
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	for _, op := range ops {
		set := e.space(op.Space, op.Kind == storage.OpPut)
		switch op.Kind {
		case storage.OpPut:
			set.Store(op.Key, append([]byte(nil), op.Value...))
		case storage.OpDelete:
			if set != nil {
				set.Delete(op.Key)
			}
		}
	}
	return nil
}

func (e *Engine) Iterate(ctx context.Context, space string, r storage.Range, fn func(string, []byte) error) error {
	if e.closed.Load() {
		return dberrors.ErrClosed
	}

	set := e.space(space, false)
	if set == nil {
		return nil
	}

	var cbErr error
	set.Range(func(key string, value []byte) bool {
		if err := ctx.Err(); err != nil {
			cbErr = err
			return false
		}
		if r.Past(key) {
			return false
		}
		if !r.Contains(key) {
			return true
		}
		if err := fn(key, append([]byte(nil), value...)); err != nil {
			cbErr = err
			return false
		}
		return true
	})

	if errors.Is(cbErr, storage.ErrStopIteration) {
		return nil
	}
	if cbErr != nil {
		return fmt.Errorf("iterate %s: %w", space, cbErr)
	}
	return nil
}

// Len returns the number of keys in a space.
func (e *Engine) Len(space string) int {
	set := e.space(space, false)
	if set == nil {
		return 0
	}
	return set.Len()
}

func (e *Engine) Close() error {
	e.closed.Store(true)
	return nil
}
