// Package bolt is a durable storage engine on top of bbolt. Every space is a
// bucket and every batch is a single read-write transaction.
package bolt

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"replsync/pkg/dberrors"
	"replsync/pkg/storage"
)

const (
	fileName    = "replsync.db"
	openTimeout = 5 * time.Second
)

type Engine struct {
	db *bolt.DB
}

// Open creates dir if needed and opens the database file inside it.
func Open(dir string) (*Engine, error) {
	if dir == "" {
		return nil, fmt.Errorf("empty bolt dir: %w", dberrors.ErrInvalidArgument)
	}
	dir = filepath.Clean(dir)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create bolt directory: %w", err)
	}

	db, err := bolt.Open(filepath.Join(dir, fileName), 0600, &bolt.Options{Timeout: openTimeout})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt database: %w", err)
	}
	return &Engine{db: db}, nil
}

func (e *Engine) Get(ctx context.Context, space, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var out []byte
	err := e.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(space))
		if b == nil {
			return dberrors.ErrNotFound
		}
		v := b.Get([]byte(key))
		if v == nil {
			return dberrors.ErrNotFound
		}
		// v is only valid inside the transaction
		out = append([]byte{}, v...)
		return nil
	})
	return out, err
}

func (e *Engine) Batch(ctx context.Context, ops []storage.Op) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := storage.Validate(ops); err != nil {
		return err
	}

	return e.db.Update(func(tx *bolt.Tx) error {
		for _, op := range ops {
			switch op.Kind {
			case storage.OpPut:
				b, err := tx.CreateBucketIfNotExists([]byte(op.Space))
				if err != nil {
					return fmt.Errorf("create bucket %s: %w", op.Space, err)
				}
				if err := b.Put([]byte(op.Key), op.Value); err != nil {
					return fmt.Errorf("put %s/%s: %w", op.Space, op.Key, err)
				}
			case storage.OpDelete:
				b := tx.Bucket([]byte(op.Space))
				if b == nil {
					continue
				}
				if err := b.Delete([]byte(op.Key)); err != nil {
					return fmt.Errorf("delete %s/%s: %w", op.Space, op.Key, err)
				}
			}
		}
		return nil
	})
}

func (e *Engine) Iterate(ctx context.Context, space string, r storage.Range, fn func(string, []byte) error) error {
	err := e.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(space))
		if b == nil {
			return nil
		}

		c := b.Cursor()
		var k, v []byte
		switch {
		case r.GTE != "":
			k, v = c.Seek([]byte(r.GTE))
		case r.GT != "":
			k, v = c.Seek([]byte(r.GT))
			if k != nil && bytes.Equal(k, []byte(r.GT)) {
				k, v = c.Next()
			}
		default:
			k, v = c.First()
		}

		for ; k != nil; k, v = c.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			key := string(k)
			if r.Past(key) {
				return nil
			}
			if !r.Contains(key) {
				continue
			}
			if err := fn(key, append([]byte{}, v...)); err != nil {
				return err
			}
		}
		return nil
	})

	if errors.Is(err, storage.ErrStopIteration) {
		return nil
	}
	return err
}

func (e *Engine) Close() error {
	if err := e.db.Close(); err != nil {
		return fmt.Errorf("failed to close bolt database: %w", err)
	}
	return nil
}
