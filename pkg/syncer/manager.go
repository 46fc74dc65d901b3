// Package syncer runs pull and push rounds between two replicas over a
// Connection. One Manager serves one peer: it starts rounds as the initiator
// and answers the peer's rounds as the responder.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"replsync/pkg/dberrors"
	"replsync/pkg/listener"
	"replsync/pkg/merge"
	"replsync/pkg/metrics"
	"replsync/pkg/protocol"
	"replsync/pkg/types"
)

const defaultStaleAfter = time.Minute

// Connection is a request/reply transport to one peer. Send blocks until the
// reply correlated with m arrives or ctx is done.
type Connection interface {
	Send(ctx context.Context, m protocol.Message) (protocol.Message, error)
	OnReceive(h protocol.Handler)
	Close() error
}

type iStore interface {
	ID() types.ReplicaID
	Sequence() types.Sequence
	Export(ctx context.Context, r types.Range) ([]types.LogEntry, error)
	MergeSegment(ctx context.Context, remote []types.LogEntry) (merge.Result, error)
	Values(ctx context.Context, keys []string) ([]types.KV, error)
	PutValues(ctx context.Context, kvs []types.KV) error
	FriendCursor(ctx context.Context, remote types.ReplicaID) (types.Sequence, bool, error)
	SetFriendCursor(ctx context.Context, remote types.ReplicaID, seq types.Sequence) error
}

// ConflictFunc is told which local writes lost against remote.
type ConflictFunc func(remote types.ReplicaID, keys []string)

type Manager struct {
	store      iStore
	conn       Connection
	log        *slog.Logger
	metrics    metrics.Collector
	peer       string
	staleAfter time.Duration
	onConflict ConflictFunc
	now        func() time.Time
	newTxn     func() protocol.TxnID

	// one initiator round at a time
	active atomic.Bool

	roundsMu sync.Mutex
	rounds   map[protocol.TxnID]*round

	schedMu sync.Mutex
	sched   *schedule
}

type schedule struct {
	ctx      context.Context
	listener *listener.Listener[time.Time]
}

type Option func(*Manager)

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.log = l }
}

func WithMetrics(c metrics.Collector) Option {
	return func(m *Manager) { m.metrics = c }
}

// WithPeerName labels logs and metrics with the peer's address.
func WithPeerName(name string) Option {
	return func(m *Manager) { m.peer = name }
}

// WithStaleAfter sets how long an unfinished responder round is kept.
func WithStaleAfter(d time.Duration) Option {
	return func(m *Manager) { m.staleAfter = d }
}

func WithConflictFunc(fn ConflictFunc) Option {
	return func(m *Manager) { m.onConflict = fn }
}

// New creates a manager and registers it as the connection's inbound handler.
func New(store iStore, conn Connection, opts ...Option) *Manager {
	m := &Manager{
		store:      store,
		conn:       conn,
		log:        slog.Default(),
		metrics:    metrics.Nop{},
		staleAfter: defaultStaleAfter,
		now:        time.Now,
		newTxn:     func() protocol.TxnID { return protocol.TxnID(uuid.NewString()) },
		rounds:     make(map[protocol.TxnID]*round),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.peer != "" {
		m.log = m.log.With("peer", m.peer)
	}

	conn.OnReceive(m.handle)
	return m
}

func (m *Manager) acquire() error {
	if !m.active.CompareAndSwap(false, true) {
		return dberrors.ErrConcurrentRound
	}
	return nil
}

func (m *Manager) release() {
	m.active.Store(false)
}

// DoPull brings the peer's changes into the local store.
func (m *Manager) DoPull(ctx context.Context) error {
	if err := m.acquire(); err != nil {
		return err
	}
	defer m.release()
	return m.pull(ctx)
}

// DoPush sends local changes to the peer.
func (m *Manager) DoPush(ctx context.Context) error {
	if err := m.acquire(); err != nil {
		return err
	}
	defer m.release()
	return m.push(ctx)
}

// DoSync runs a pull followed by a push. With a positive interval it instead
// schedules that pair every interval until StopSync or until ctx is done;
// ticks that fail are logged and ticks that find a round running are skipped.
func (m *Manager) DoSync(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		if err := m.acquire(); err != nil {
			return err
		}
		defer m.release()
		return m.syncOnce(ctx)
	}

	m.StopSync()

	ticker := time.NewTicker(interval)
	l := listener.New("sync", ticker.C, func(time.Time) error {
		return m.tick(ctx)
	}, ticker.Stop)

	m.schedMu.Lock()
	m.sched = &schedule{ctx: ctx, listener: l}
	m.schedMu.Unlock()

	l.Start(ctx)
	m.metrics.SetGauge("replsync_sync_scheduled", m.labels(), 1)
	m.log.Info("sync scheduled", "interval", interval)
	return nil
}

func (m *Manager) syncOnce(ctx context.Context) error {
	if err := m.pull(ctx); err != nil {
		return err
	}
	return m.push(ctx)
}

func (m *Manager) tick(ctx context.Context) error {
	if err := m.acquire(); err != nil {
		m.log.Debug("skipping scheduled sync, round in flight")
		return nil
	}
	defer m.release()

	if err := m.syncOnce(ctx); err != nil {
		return fmt.Errorf("scheduled sync: %w", err)
	}
	return nil
}

// StopSync cancels future scheduled rounds. A round already running is not
// aborted; StopSync returns once it has finished.
func (m *Manager) StopSync() {
	m.schedMu.Lock()
	s := m.sched
	m.sched = nil
	m.schedMu.Unlock()

	if s == nil {
		return
	}
	s.listener.Stop()
	m.metrics.SetGauge("replsync_sync_scheduled", m.labels(), 0)
	m.log.Info("sync stopped")
}

// IsScheduled reports whether periodic sync is active.
func (m *Manager) IsScheduled() bool {
	m.schedMu.Lock()
	defer m.schedMu.Unlock()
	return m.sched != nil && m.sched.ctx.Err() == nil
}

// Close stops scheduling and closes the connection.
func (m *Manager) Close() error {
	m.StopSync()
	return m.conn.Close()
}

func (m *Manager) labels(kv ...string) map[string]string {
	out := map[string]string{"peer": m.peer}
	for i := 0; i+1 < len(kv); i += 2 {
		out[kv[i]] = kv[i+1]
	}
	return out
}

func (m *Manager) observeRound(direction protocol.Direction, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.metrics.IncCounter("replsync_rounds_total", m.labels("direction", string(direction), "result", result), 1)
}

func (m *Manager) reportConflicts(remote types.ReplicaID, res merge.Result) {
	if len(res.Conflicts) == 0 {
		return
	}
	m.metrics.IncCounter("replsync_conflicts_total", m.labels(), float64(len(res.Conflicts)))
	m.log.Info("remote won conflicting writes", "remote", remote, "keys", res.Conflicts)
	if m.onConflict != nil {
		m.onConflict(remote, res.Conflicts)
	}
}

func isCtxErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
