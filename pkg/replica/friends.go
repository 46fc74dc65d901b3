package replica

import (
	"context"
	"errors"
	"fmt"

	"replsync/pkg/dberrors"
	"replsync/pkg/storage"
	"replsync/pkg/types"
)

// FriendCursor returns the last sequence synced from remote.
func (s *Store) FriendCursor(ctx context.Context, remote types.ReplicaID) (types.Sequence, bool, error) {
	v, err := s.engine.Get(ctx, storage.SpaceFriends, string(remote))
	if errors.Is(err, dberrors.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("friend cursor %s: %w: %w", remote, dberrors.ErrStorage, err)
	}
	return types.Sequence(v), true, nil
}

// SetFriendCursor records seq as synced from remote. A cursor never moves back:
// a lower seq is ignored.
func (s *Store) SetFriendCursor(ctx context.Context, remote types.ReplicaID, seq types.Sequence) error {
	if remote == "" || seq == "" {
		return fmt.Errorf("empty friend id or sequence: %w", dberrors.ErrInvalidArgument)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok, err := s.FriendCursor(ctx, remote)
	if err != nil {
		return err
	}
	if ok && seq <= cur {
		if seq < cur {
			s.log.Debug("ignoring friend cursor moving back", "remote", remote, "cursor", cur, "seq", seq)
		}
		return nil
	}

	op := storage.Put(storage.SpaceFriends, string(remote), []byte(seq))
	if err := s.engine.Batch(ctx, []storage.Op{op}); err != nil {
		return fmt.Errorf("set friend cursor %s: %w: %w", remote, dberrors.ErrStorage, err)
	}
	return nil
}

// Friends lists every known remote with its cursor.
func (s *Store) Friends(ctx context.Context) (map[types.ReplicaID]types.Sequence, error) {
	out := make(map[types.ReplicaID]types.Sequence)
	err := s.engine.Iterate(ctx, storage.SpaceFriends, storage.Range{}, func(key string, value []byte) error {
		out[types.ReplicaID(key)] = types.Sequence(value)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list friends: %w: %w", dberrors.ErrStorage, err)
	}
	return out, nil
}
