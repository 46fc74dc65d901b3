// Package replica implements the log-backed key-value store that takes part in
// synchronization. Every write goes through Append, which records a log entry
// and an index entry next to the data mutation in a single engine batch.
package replica

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"replsync/pkg/clock"
	"replsync/pkg/dberrors"
	"replsync/pkg/sequence"
	"replsync/pkg/storage"
	"replsync/pkg/types"
)

const (
	metaID       = "__id__"
	metaSequence = "__sequence__"
)

type iTimeProvider interface {
	Now() time.Time
}

type iClock interface {
	Val() types.Sequence
	Set(t types.Sequence)
}

type systemTime struct{}

func (systemTime) Now() time.Time { return time.Now() }

// Mutation is one write requested by the application.
type Mutation struct {
	Type  types.MutationType
	Key   string
	Value []byte
}

type Store struct {
	engine storage.Engine
	tp     iTimeProvider
	seqN   iClock
	id     types.ReplicaID
	log    *slog.Logger

	// single writer on the log, shared by every sync manager using this store
	mu sync.Mutex
}

type Option func(*Store)

func WithTimeProvider(tp iTimeProvider) Option {
	return func(s *Store) { s.tp = tp }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.log = l }
}

// Open loads or creates the replica identity and the head sequence.
func Open(ctx context.Context, engine storage.Engine, opts ...Option) (*Store, error) {
	s := &Store{
		engine: engine,
		tp:     systemTime{},
		log:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	id, err := s.loadID(ctx)
	if err != nil {
		return nil, err
	}
	s.id = id

	head, err := s.loadHead(ctx)
	if err != nil {
		return nil, err
	}
	s.seqN = clock.NewSequence(head)

	s.log.Info("replica opened", "id", s.id, "sequence", head)
	return s, nil
}

func (s *Store) loadID(ctx context.Context) (types.ReplicaID, error) {
	v, err := s.engine.Get(ctx, storage.SpaceMeta, metaID)
	switch {
	case err == nil:
		return types.ReplicaID(v), nil
	case !errors.Is(err, dberrors.ErrNotFound):
		return "", fmt.Errorf("load replica id: %w: %w", dberrors.ErrStorage, err)
	}

	id := uuid.NewString()
	if err := s.engine.Batch(ctx, []storage.Op{storage.Put(storage.SpaceMeta, metaID, []byte(id))}); err != nil {
		return "", fmt.Errorf("save replica id: %w: %w", dberrors.ErrStorage, err)
	}
	return types.ReplicaID(id), nil
}

func (s *Store) loadHead(ctx context.Context) (types.Sequence, error) {
	v, err := s.engine.Get(ctx, storage.SpaceMeta, metaSequence)
	if err == nil {
		return types.Sequence(v), nil
	}
	if !errors.Is(err, dberrors.ErrNotFound) {
		return "", fmt.Errorf("load head sequence: %w: %w", dberrors.ErrStorage, err)
	}

	// older data without a persisted head: take the last log key
	head := sequence.Zero()
	err = s.engine.Iterate(ctx, storage.SpaceLogs, storage.Range{}, func(key string, _ []byte) error {
		head = types.Sequence(key)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("scan log head: %w: %w", dberrors.ErrStorage, err)
	}
	return head, nil
}

func (s *Store) ID() types.ReplicaID {
	return s.id
}

// Sequence returns the head of the log.
func (s *Store) Sequence() types.Sequence {
	return s.seqN.Val()
}

// Append records every mutation in the log and applies it, all in one batch.
// Sequences are allocated in order and the head moves only after the batch
// succeeded.
func (s *Store) Append(ctx context.Context, muts []Mutation) error {
	if len(muts) == 0 {
		return nil
	}
	for _, m := range muts {
		if m.Key == "" || !m.Type.Valid() {
			return fmt.Errorf("invalid mutation %q/%q: %w", m.Type, m.Key, dberrors.ErrInvalidArgument)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		seq = s.seqN.Val()
		now = types.TimestampMs(s.tp.Now().UnixMilli())
		ops = make([]storage.Op, 0, len(muts)*3+1)
	)
	for _, m := range muts {
		seq = sequence.Next(seq)

		rec := types.LogRecord{
			Type:      m.Type,
			Key:       m.Key,
			Timestamp: now,
			ID:        uuid.NewString(),
		}
		if m.Type == types.MutationPut {
			rec.Size = len(m.Value)
			ops = append(ops, storage.Put(storage.SpaceData, m.Key, m.Value))
		} else {
			ops = append(ops, storage.Delete(storage.SpaceData, m.Key))
		}

		enc, err := encodeRecord(rec)
		if err != nil {
			return fmt.Errorf("encode log record: %w", err)
		}
		ops = append(ops,
			storage.Put(storage.SpaceLogs, string(seq), enc),
			storage.Put(storage.SpaceIndex, m.Key, []byte(seq)),
		)
	}
	ops = append(ops, storage.Put(storage.SpaceMeta, metaSequence, []byte(seq)))

	if err := s.engine.Batch(ctx, ops); err != nil {
		return fmt.Errorf("append batch: %w: %w", dberrors.ErrStorage, err)
	}
	s.seqN.Set(seq)

	return nil
}

func (s *Store) Put(ctx context.Context, key string, value []byte) error {
	return s.Append(ctx, []Mutation{{Type: types.MutationPut, Key: key, Value: value}})
}

func (s *Store) Delete(ctx context.Context, key string) error {
	return s.Append(ctx, []Mutation{{Type: types.MutationDelete, Key: key}})
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, err := s.engine.Get(ctx, storage.SpaceData, key)
	if errors.Is(err, dberrors.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get %s: %w: %w", key, dberrors.ErrStorage, err)
	}
	return v, true, nil
}

func (s *Store) PutString(ctx context.Context, key, value string) error {
	return s.Put(ctx, key, []byte(value))
}

func (s *Store) GetString(ctx context.Context, key string) (string, bool, error) {
	v, ok, err := s.Get(ctx, key)
	return string(v), ok, err
}

// IndexOf returns the sequence of the newest log record mentioning key.
func (s *Store) IndexOf(ctx context.Context, key string) (types.Sequence, bool, error) {
	v, err := s.engine.Get(ctx, storage.SpaceIndex, key)
	if errors.Is(err, dberrors.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("index %s: %w: %w", key, dberrors.ErrStorage, err)
	}
	return types.Sequence(v), true, nil
}
