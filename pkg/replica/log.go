package replica

import (
	"context"
	"errors"
	"fmt"

	"replsync/pkg/dberrors"
	"replsync/pkg/merge"
	"replsync/pkg/sequence"
	"replsync/pkg/storage"
	"replsync/pkg/types"
)

func toStorageRange(r types.Range) storage.Range {
	var sr storage.Range
	if r.GT != nil {
		sr.GT = string(*r.GT)
	}
	if r.GTE != nil {
		sr.GTE = string(*r.GTE)
	}
	if r.LTE != nil {
		sr.LTE = string(*r.LTE)
	}
	return sr
}

// RangeSince visits log entries inside r in ascending order. Each call starts
// a fresh iteration. Returning storage.ErrStopIteration from fn ends it early.
func (s *Store) RangeSince(ctx context.Context, r types.Range, fn func(types.LogEntry) error) error {
	err := s.engine.Iterate(ctx, storage.SpaceLogs, toStorageRange(r), func(key string, value []byte) error {
		rec, err := decodeRecord(value)
		if err != nil {
			return fmt.Errorf("log %s: %w", key, err)
		}
		return fn(types.LogEntry{Sequence: types.Sequence(key), Record: rec})
	})
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("range log: %w: %w", dberrors.ErrStorage, err)
}

// Export collects the log entries inside r.
func (s *Store) Export(ctx context.Context, r types.Range) ([]types.LogEntry, error) {
	var out []types.LogEntry
	err := s.RangeSince(ctx, r, func(e types.LogEntry) error {
		out = append(out, e)
		return nil
	})
	return out, err
}

// ApplyMerged rewrites the log from res.Base with the renumbered records and
// deletes the data keys the remote side removed, in one batch.
func (s *Store) ApplyMerged(ctx context.Context, res merge.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applyMergedLocked(ctx, res)
}

// MergeSegment merges a validated remote segment with the local log and
// applies the result. The local segment is read and rewritten under the writer
// lock so concurrent local writes cannot slip in between.
func (s *Store) MergeSegment(ctx context.Context, remote []types.LogEntry) (merge.Result, error) {
	if len(remote) == 0 {
		return merge.Result{}, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	local, err := s.Export(ctx, types.Range{GTE: types.SeqPtr(remote[0].Sequence)})
	if err != nil {
		return merge.Result{}, err
	}

	res := merge.Merge(remote, local)
	if err := s.applyMergedLocked(ctx, res); err != nil {
		return merge.Result{}, err
	}

	s.log.Debug("merged remote segment",
		"base", res.Base,
		"remote", len(remote),
		"local", len(local),
		"merged", len(res.Records),
		"conflicts", len(res.Conflicts))
	return res, nil
}

func (s *Store) applyMergedLocked(ctx context.Context, res merge.Result) error {
	if res.Empty() {
		return nil
	}

	written := make(map[string]struct{}, len(res.Records))
	index := make(map[string]types.Sequence, len(res.Records))
	ops := make([]storage.Op, 0, 2*len(res.Records)+len(res.KeysToDelete)+len(res.RemoteDeletes)+1)

	for _, e := range res.Records {
		enc, err := encodeRecord(e.Record)
		if err != nil {
			return fmt.Errorf("encode merged record %s: %w", e.Sequence, err)
		}
		ops = append(ops, storage.Put(storage.SpaceLogs, string(e.Sequence), enc))
		written[string(e.Sequence)] = struct{}{}
		index[e.Record.Key] = e.Sequence
	}

	// records at or after the base that were not rewritten are gone
	err := s.engine.Iterate(ctx, storage.SpaceLogs, storage.Range{GTE: string(res.Base)}, func(key string, _ []byte) error {
		if _, ok := written[key]; !ok {
			ops = append(ops, storage.Delete(storage.SpaceLogs, key))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("scan rewritten range: %w: %w", dberrors.ErrStorage, err)
	}

	for key, seq := range index {
		ops = append(ops, storage.Put(storage.SpaceIndex, key, []byte(seq)))
	}
	for _, key := range res.KeysToDelete {
		ops = append(ops, storage.Delete(storage.SpaceData, key))
	}
	for _, key := range res.RemoteDeletes {
		ops = append(ops, storage.Delete(storage.SpaceData, key))
	}

	head := sequence.Max(s.seqN.Val(), res.Last())
	ops = append(ops, storage.Put(storage.SpaceMeta, metaSequence, []byte(head)))

	if err := s.engine.Batch(ctx, ops); err != nil {
		return fmt.Errorf("apply merged batch: %w: %w", dberrors.ErrStorage, err)
	}
	s.seqN.Set(head)

	return nil
}

// Values returns the current value of every key that still exists.
func (s *Store) Values(ctx context.Context, keys []string) ([]types.KV, error) {
	out := make([]types.KV, 0, len(keys))
	for _, key := range keys {
		v, ok, err := s.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if !ok {
			s.log.Debug("requested key is gone", "key", key)
			continue
		}
		out = append(out, types.KV{Key: key, Value: v})
	}
	return out, nil
}

// PutValues writes values straight into the data space without logging them.
// They belong to log records that were already merged.
func (s *Store) PutValues(ctx context.Context, kvs []types.KV) error {
	if len(kvs) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ops := make([]storage.Op, 0, len(kvs))
	for _, kv := range kvs {
		ops = append(ops, storage.Put(storage.SpaceData, kv.Key, kv.Value))
	}
	if err := s.engine.Batch(ctx, ops); err != nil {
		return fmt.Errorf("put values: %w: %w", dberrors.ErrStorage, err)
	}
	return nil
}
