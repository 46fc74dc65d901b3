package syncer

import (
	"context"
	"time"

	"replsync/pkg/protocol"
	"replsync/pkg/types"
)

type state int

const (
	stateAwaitFetch state = iota + 1
	stateAwaitPull
	stateAwaitSegment
	stateAwaitValues
)

func (s state) String() string {
	switch s {
	case stateAwaitFetch:
		return "AWAIT_FETCH"
	case stateAwaitPull:
		return "AWAIT_PULL"
	case stateAwaitSegment:
		return "AWAIT_SEGMENT"
	case stateAwaitValues:
		return "AWAIT_VALUES"
	default:
		return "IDLE"
	}
}

// round is the responder side of one transaction. A transaction without a
// round is IDLE.
type round struct {
	state     state
	remote    types.ReplicaID
	remoteSeq types.Sequence
	rng       types.Range
	keys      []string
	started   time.Time
}

// handle is the connection's inbound handler.
func (m *Manager) handle(ctx context.Context, msg protocol.Message) protocol.Message {
	reply, err := m.respond(ctx, msg)
	if err == nil {
		return reply
	}

	txn := msg.TxnID()
	m.dropRound(txn)
	m.metrics.IncCounter("replsync_responder_errors_total", m.labels("message", string(msg.Kind())), 1)
	m.log.Warn("responder aborted round", "txn", txn, "message", msg.Kind(), "error", err)
	return protocol.NewError(txn, err)
}

func (m *Manager) respond(ctx context.Context, msg protocol.Message) (protocol.Message, error) {
	if err := protocol.Validate(msg); err != nil {
		return nil, err
	}

	switch v := msg.(type) {
	case protocol.Discovery:
		return m.onDiscovery(ctx, v)
	case protocol.Fetch:
		return m.onFetch(ctx, v)
	case protocol.Pull:
		return m.onPull(ctx, v)
	case protocol.Segment:
		return m.onSegment(ctx, v)
	case protocol.Values:
		return m.onValues(ctx, v)
	case protocol.Error:
		m.dropRound(v.Txn)
		m.log.Info("peer aborted round", "txn", v.Txn, "reason", v.Message)
		return protocol.Ack{Header: v.Header}, nil
	case protocol.DiscoveryReply, protocol.FetchReply, protocol.PullReply, protocol.Ack:
		return nil, protocolErr("unexpected %s outside a reply", msg.Kind())
	default:
		return nil, protocolErr("unknown message %T", msg)
	}
}

func (m *Manager) onDiscovery(ctx context.Context, v protocol.Discovery) (protocol.Message, error) {
	r := &round{remote: v.ReplicaID, remoteSeq: v.Sequence, started: m.now()}
	reply := protocol.DiscoveryReply{
		Header:    v.Header,
		ReplicaID: m.store.ID(),
		Sequence:  m.store.Sequence(),
	}

	switch v.Direction {
	case protocol.DirectionPull:
		r.state = stateAwaitFetch
	case protocol.DirectionPush:
		cursor, ok, err := m.store.FriendCursor(ctx, v.ReplicaID)
		if err != nil {
			return nil, err
		}
		r.rng = types.Range{LTE: types.SeqPtr(v.Sequence)}
		if ok {
			r.rng.GT = types.SeqPtr(cursor)
		}
		r.state = stateAwaitSegment
		reply.Range = &r.rng
	}

	if err := m.openRound(v.Txn, r); err != nil {
		return nil, err
	}
	return reply, nil
}

func (m *Manager) onFetch(ctx context.Context, v protocol.Fetch) (protocol.Message, error) {
	r, err := m.roundIn(v, stateAwaitFetch)
	if err != nil {
		return nil, err
	}
	logs, err := m.store.Export(ctx, v.Range)
	if err != nil {
		return nil, err
	}
	if logs == nil {
		logs = []types.LogEntry{}
	}
	m.setState(r, stateAwaitPull)
	return protocol.FetchReply{Header: v.Header, Logs: logs}, nil
}

func (m *Manager) onPull(ctx context.Context, v protocol.Pull) (protocol.Message, error) {
	if _, err := m.roundIn(v, stateAwaitPull); err != nil {
		return nil, err
	}
	data, err := m.store.Values(ctx, v.Keys)
	if err != nil {
		return nil, err
	}
	m.dropRound(v.Txn)
	m.metrics.IncCounter("replsync_rounds_served_total", m.labels("direction", string(protocol.DirectionPull)), 1)
	return protocol.PullReply{Header: v.Header, Data: data}, nil
}

func (m *Manager) onSegment(ctx context.Context, v protocol.Segment) (protocol.Message, error) {
	r, err := m.roundIn(v, stateAwaitSegment)
	if err != nil {
		return nil, err
	}
	if err := protocol.ValidateSegment(v.Logs, r.rng); err != nil {
		return nil, err
	}
	res, err := m.store.MergeSegment(ctx, v.Logs)
	if err != nil {
		return nil, err
	}
	m.reportConflicts(r.remote, res)

	keys := res.KeysToFetch
	if keys == nil {
		keys = []string{}
	}
	r.keys = keys
	m.setState(r, stateAwaitValues)
	return protocol.Pull{Header: v.Header, Keys: keys}, nil
}

func (m *Manager) onValues(ctx context.Context, v protocol.Values) (protocol.Message, error) {
	r, err := m.roundIn(v, stateAwaitValues)
	if err != nil {
		return nil, err
	}
	if err := checkRequested(v.Data, r.keys); err != nil {
		return nil, err
	}
	if err := m.store.PutValues(ctx, v.Data); err != nil {
		return nil, err
	}
	if err := m.store.SetFriendCursor(ctx, r.remote, r.remoteSeq); err != nil {
		return nil, err
	}
	m.dropRound(v.Txn)
	m.metrics.IncCounter("replsync_rounds_served_total", m.labels("direction", string(protocol.DirectionPush)), 1)
	return protocol.Ack{Header: v.Header}, nil
}

func (m *Manager) openRound(txn protocol.TxnID, r *round) error {
	m.roundsMu.Lock()
	defer m.roundsMu.Unlock()

	for id, old := range m.rounds {
		if m.now().Sub(old.started) > m.staleAfter {
			m.log.Debug("dropping stale round", "txn", id, "state", old.state)
			delete(m.rounds, id)
		}
	}
	if _, ok := m.rounds[txn]; ok {
		return protocolErr("duplicate discovery for txn %s", txn)
	}
	m.rounds[txn] = r
	return nil
}

// roundIn returns the round of msg's transaction if it is in the wanted state.
func (m *Manager) roundIn(msg protocol.Message, want state) (*round, error) {
	m.roundsMu.Lock()
	defer m.roundsMu.Unlock()

	r, ok := m.rounds[msg.TxnID()]
	if !ok {
		return nil, protocolErr("unexpected %s in state IDLE", msg.Kind())
	}
	if r.state != want {
		return nil, protocolErr("unexpected %s in state %s", msg.Kind(), r.state)
	}
	return r, nil
}

func (m *Manager) setState(r *round, s state) {
	m.roundsMu.Lock()
	defer m.roundsMu.Unlock()
	r.state = s
}

func (m *Manager) dropRound(txn protocol.TxnID) {
	m.roundsMu.Lock()
	defer m.roundsMu.Unlock()
	delete(m.rounds, txn)
}

// openRounds reports the number of transactions not in IDLE.
func (m *Manager) openRounds() int {
	m.roundsMu.Lock()
	defer m.roundsMu.Unlock()
	return len(m.rounds)
}
