// Package storage defines the key-value engine the replica log is built on.
package storage

import (
	"context"
	"errors"
	"fmt"

	"replsync/pkg/dberrors"
)

// Named sub-spaces used by the replica store.
const (
	SpaceData    = "data"
	SpaceLogs    = "logs"
	SpaceIndex   = "index"
	SpaceFriends = "friends"
	SpaceMeta    = "meta"
)

// ErrStopIteration may be returned from an Iterate callback to stop early
// without failing the call.
var ErrStopIteration = errors.New("storage: stop iteration")

type OpKind uint8

const (
	OpPut OpKind = iota
	OpDelete
)

// Op is a single mutation inside a batch.
type Op struct {
	Kind  OpKind
	Space string
	Key   string
	Value []byte
}

func Put(space, key string, value []byte) Op {
	return Op{Kind: OpPut, Space: space, Key: key, Value: value}
}

func Delete(space, key string) Op {
	return Op{Kind: OpDelete, Space: space, Key: key}
}

// Range bounds an iteration by key. Empty bounds are open.
type Range struct {
	GT  string
	GTE string
	LTE string
}

// Contains reports whether key falls inside the range.
func (r Range) Contains(key string) bool {
	if r.GT != "" && key <= r.GT {
		return false
	}
	if r.GTE != "" && key < r.GTE {
		return false
	}
	return r.LTE == "" || key <= r.LTE
}

// Past reports whether key is beyond the upper bound.
func (r Range) Past(key string) bool {
	return r.LTE != "" && key > r.LTE
}

// Engine is the storage collaborator. Batch must be all-or-nothing.
// Get returns dberrors.ErrNotFound for missing keys. Iterate visits keys of one
// space in ascending byte order; callbacks must not write to the engine.
type Engine interface {
	Get(ctx context.Context, space, key string) ([]byte, error)
	Batch(ctx context.Context, ops []Op) error
	Iterate(ctx context.Context, space string, r Range, fn func(key string, value []byte) error) error
	Close() error
}

// Validate checks a batch before it is applied.
func Validate(ops []Op) error {
	for i, op := range ops {
		if op.Space == "" || op.Key == "" {
			return fmt.Errorf("op %d: empty space or key: %w", i, dberrors.ErrInvalidArgument)
		}
		if op.Kind != OpPut && op.Kind != OpDelete {
			return fmt.Errorf("op %d: unknown kind %d: %w", i, op.Kind, dberrors.ErrInvalidArgument)
		}
	}
	return nil
}
