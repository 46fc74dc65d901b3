package syncer

import (
	"context"
	"errors"
	"fmt"

	"replsync/pkg/dberrors"
	"replsync/pkg/protocol"
	"replsync/pkg/types"
)

func protocolErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", dberrors.ErrProtocol, fmt.Sprintf(format, args...))
}

// expect narrows a reply to the variant the round waits for.
func expect[T protocol.Message](reply protocol.Message) (T, error) {
	v, ok := reply.(T)
	if !ok {
		var want T
		return want, protocolErr("expected %s, got %s", want.Kind(), reply.Kind())
	}
	return v, nil
}

// request sends m and returns the validated reply. An Error reply ends the
// round with dberrors.ErrRemote.
func (m *Manager) request(ctx context.Context, msg protocol.Message) (protocol.Message, error) {
	reply, err := m.conn.Send(ctx, msg)
	if err != nil {
		if isCtxErr(err) || errors.Is(err, dberrors.ErrTransport) {
			return nil, fmt.Errorf("send %s: %w", msg.Kind(), err)
		}
		return nil, fmt.Errorf("send %s: %w: %w", msg.Kind(), dberrors.ErrTransport, err)
	}
	if reply == nil {
		return nil, protocolErr("no reply to %s", msg.Kind())
	}
	if reply.TxnID() != msg.TxnID() {
		return nil, protocolErr("reply for txn %s in txn %s", reply.TxnID(), msg.TxnID())
	}
	if e, ok := reply.(protocol.Error); ok {
		return nil, e.Err()
	}
	if err := protocol.Validate(reply); err != nil {
		return nil, err
	}
	return reply, nil
}

// abort tells the responder to drop the round when the failure happened on
// this side. Failures the responder already knows about are not echoed.
func (m *Manager) abort(ctx context.Context, txn protocol.TxnID, cause error) {
	if errors.Is(cause, dberrors.ErrRemote) || errors.Is(cause, dberrors.ErrTransport) || isCtxErr(cause) {
		return
	}
	if _, err := m.conn.Send(ctx, protocol.NewError(txn, cause)); err != nil {
		m.log.Debug("failed to notify peer about aborted round", "txn", txn, "error", err)
	}
}

func (m *Manager) pull(ctx context.Context) error {
	txn := m.newTxn()
	log := m.log.With("txn", txn, "direction", protocol.DirectionPull)
	log.Debug("pull round started")

	err := m.runPull(ctx, txn)
	m.observeRound(protocol.DirectionPull, err)
	if err != nil {
		m.abort(ctx, txn, err)
		log.Warn("pull round failed", "error", err)
		return fmt.Errorf("pull: %w", err)
	}
	log.Debug("pull round finished")
	return nil
}

func (m *Manager) runPull(ctx context.Context, txn protocol.TxnID) error {
	h := protocol.Header{Txn: txn}

	reply, err := m.request(ctx, protocol.Discovery{Header: h, Direction: protocol.DirectionPull, ReplicaID: m.store.ID()})
	if err != nil {
		return err
	}
	disc, err := expect[protocol.DiscoveryReply](reply)
	if err != nil {
		return err
	}
	remoteID, remoteSeq := disc.ReplicaID, disc.Sequence

	cursor, ok, err := m.store.FriendCursor(ctx, remoteID)
	if err != nil {
		return err
	}
	rng := types.Range{LTE: types.SeqPtr(remoteSeq)}
	if ok {
		rng.GT = types.SeqPtr(cursor)
	}

	reply, err = m.request(ctx, protocol.Fetch{Header: h, Range: rng})
	if err != nil {
		return err
	}
	fetched, err := expect[protocol.FetchReply](reply)
	if err != nil {
		return err
	}
	if err := protocol.ValidateSegment(fetched.Logs, rng); err != nil {
		return err
	}

	res, err := m.store.MergeSegment(ctx, fetched.Logs)
	if err != nil {
		return err
	}
	m.reportConflicts(remoteID, res)
	m.observeFetch(fetched.Logs, res.KeysToFetch)

	keys := res.KeysToFetch
	if keys == nil {
		keys = []string{}
	}
	reply, err = m.request(ctx, protocol.Pull{Header: h, Keys: keys})
	if err != nil {
		return err
	}
	pulled, err := expect[protocol.PullReply](reply)
	if err != nil {
		return err
	}
	if err := checkRequested(pulled.Data, keys); err != nil {
		return err
	}
	if len(pulled.Data) < len(keys) {
		m.log.Debug("peer no longer holds some keys", "txn", txn, "asked", len(keys), "got", len(pulled.Data))
	}
	if err := m.store.PutValues(ctx, pulled.Data); err != nil {
		return err
	}

	return m.store.SetFriendCursor(ctx, remoteID, remoteSeq)
}

func (m *Manager) push(ctx context.Context) error {
	txn := m.newTxn()
	log := m.log.With("txn", txn, "direction", protocol.DirectionPush)
	log.Debug("push round started")

	err := m.runPush(ctx, txn)
	m.observeRound(protocol.DirectionPush, err)
	if err != nil {
		m.abort(ctx, txn, err)
		log.Warn("push round failed", "error", err)
		return fmt.Errorf("push: %w", err)
	}
	log.Debug("push round finished")
	return nil
}

func (m *Manager) runPush(ctx context.Context, txn protocol.TxnID) error {
	h := protocol.Header{Txn: txn}

	reply, err := m.request(ctx, protocol.Discovery{
		Header:    h,
		Direction: protocol.DirectionPush,
		ReplicaID: m.store.ID(),
		Sequence:  m.store.Sequence(),
	})
	if err != nil {
		return err
	}
	disc, err := expect[protocol.DiscoveryReply](reply)
	if err != nil {
		return err
	}
	if disc.Range == nil {
		return protocolErr("push discovery reply without range")
	}

	logs, err := m.store.Export(ctx, *disc.Range)
	if err != nil {
		return err
	}
	if logs == nil {
		logs = []types.LogEntry{}
	}
	reply, err = m.request(ctx, protocol.Segment{Header: h, Logs: logs})
	if err != nil {
		return err
	}
	pull, err := expect[protocol.Pull](reply)
	if err != nil {
		return err
	}

	data, err := m.store.Values(ctx, pull.Keys)
	if err != nil {
		return err
	}
	reply, err = m.request(ctx, protocol.Values{Header: h, Data: data})
	if err != nil {
		return err
	}
	_, err = expect[protocol.Ack](reply)
	return err
}

// checkRequested rejects values for keys nobody asked for.
func checkRequested(data []types.KV, keys []string) error {
	asked := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		asked[k] = struct{}{}
	}
	for _, kv := range data {
		if _, ok := asked[kv.Key]; !ok {
			return protocolErr("value for unrequested key %q", kv.Key)
		}
	}
	return nil
}

func (m *Manager) observeFetch(logs []types.LogEntry, keys []string) {
	if len(keys) == 0 {
		return
	}
	last := make(map[string]int, len(keys))
	for _, e := range logs {
		if e.Record.Type == types.MutationPut {
			last[e.Record.Key] = e.Record.Size
		}
	}
	var size int
	for _, k := range keys {
		size += last[k]
	}
	m.metrics.ObserveHistogram("replsync_fetched_bytes", m.labels(), float64(size))
}
