package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"replsync/pkg/dberrors"
	"replsync/pkg/metrics"
	"replsync/pkg/protocol"
	"replsync/pkg/replica"
	"replsync/pkg/storage"
	"replsync/pkg/storage/memory"
	"replsync/pkg/transport/loopback"
	"replsync/pkg/types"
)

type fakeTime struct {
	ms atomic.Int64
}

func (f *fakeTime) Now() time.Time {
	return time.UnixMilli(f.ms.Add(1))
}

type failingEngine struct {
	*memory.Engine
	fail atomic.Bool
}

func (e *failingEngine) Batch(ctx context.Context, ops []storage.Op) error {
	if e.fail.Load() {
		return errors.New("disk full")
	}
	return e.Engine.Batch(ctx, ops)
}

// gatedConn holds the first Send until release is closed.
type gatedConn struct {
	Connection
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedConn) Send(ctx context.Context, m protocol.Message) (protocol.Message, error) {
	g.once.Do(func() {
		close(g.entered)
		<-g.release
	})
	return g.Connection.Send(ctx, m)
}

// scriptedConn answers every Send with reply and records what was sent.
type scriptedConn struct {
	mu    sync.Mutex
	sent  []protocol.Message
	reply func(m protocol.Message) (protocol.Message, error)
}

func (s *scriptedConn) Send(_ context.Context, m protocol.Message) (protocol.Message, error) {
	s.mu.Lock()
	s.sent = append(s.sent, m)
	s.mu.Unlock()
	return s.reply(m)
}

func (s *scriptedConn) OnReceive(protocol.Handler) {}
func (s *scriptedConn) Close() error              { return nil }

func (s *scriptedConn) kinds() []protocol.Kind {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]protocol.Kind, len(s.sent))
	for i, m := range s.sent {
		out[i] = m.Kind()
	}
	return out
}

type node struct {
	store   *replica.Store
	engine  *failingEngine
	manager *Manager
}

func openNode(t *testing.T) *node {
	t.Helper()
	engine := &failingEngine{Engine: memory.New()}
	s, err := replica.Open(context.Background(), engine, replica.WithTimeProvider(&fakeTime{}))
	if err != nil {
		t.Fatalf("replica.Open failed: %v", err)
	}
	return &node{store: s, engine: engine}
}

// pair connects two fresh replicas.
func pair(t *testing.T, opts ...Option) (*node, *node) {
	t.Helper()
	a, b := openNode(t), openNode(t)
	ca, cb := loopback.Pair()
	a.manager = New(a.store, ca, opts...)
	b.manager = New(b.store, cb)
	return a, b
}

func put(t *testing.T, n *node, key, value string) {
	t.Helper()
	if err := n.store.PutString(context.Background(), key, value); err != nil {
		t.Fatalf("PutString(%s) failed: %v", key, err)
	}
}

func del(t *testing.T, n *node, key string) {
	t.Helper()
	if err := n.store.Delete(context.Background(), key); err != nil {
		t.Fatalf("Delete(%s) failed: %v", key, err)
	}
}

func data(t *testing.T, n *node, keys ...string) string {
	t.Helper()
	out := make(map[string]string)
	for _, k := range keys {
		v, ok, err := n.store.GetString(context.Background(), k)
		if err != nil {
			t.Fatalf("GetString(%s) failed: %v", k, err)
		}
		if ok {
			out[k] = v
		}
	}
	return fmt.Sprint(out)
}

func exportAll(t *testing.T, n *node) []types.LogEntry {
	t.Helper()
	entries, err := n.store.Export(context.Background(), types.Range{})
	if err != nil {
		t.Fatalf("Export failed: %v", err)
	}
	return entries
}

func cursor(t *testing.T, n *node, remote *node) (types.Sequence, bool) {
	t.Helper()
	c, ok, err := n.store.FriendCursor(context.Background(), remote.store.ID())
	if err != nil {
		t.Fatalf("FriendCursor failed: %v", err)
	}
	return c, ok
}

func assertAscending(t *testing.T, entries []types.LogEntry) {
	t.Helper()
	for i := 1; i < len(entries); i++ {
		if entries[i].Sequence <= entries[i-1].Sequence {
			t.Fatalf("log not strictly ascending at %d: %s after %s", i, entries[i].Sequence, entries[i-1].Sequence)
		}
	}
}

func TestDoPull_RemoteAddsAndOverrides(t *testing.T) {
	ctx := context.Background()
	a, b := pair(t)

	put(t, a, "x", "1")
	put(t, a, "y", "2")
	put(t, b, "x", "99")
	put(t, b, "z", "3")
	del(t, b, "gone")

	if err := a.manager.DoPull(ctx); err != nil {
		t.Fatalf("DoPull failed: %v", err)
	}

	if got := data(t, a, "x", "y", "z", "gone"); got != "map[x:99 y:2 z:3]" {
		t.Fatalf("unexpected data after pull: %s", got)
	}
	entries := exportAll(t, a)
	assertAscending(t, entries)
	if len(entries) != 4 {
		t.Fatalf("expected 4 merged records, got %d", len(entries))
	}
	if c, ok := cursor(t, a, b); !ok || c != b.store.Sequence() {
		t.Fatalf("expected cursor %s, got %s (found=%v)", b.store.Sequence(), c, ok)
	}
	if b.manager.openRounds() != 0 {
		t.Fatalf("responder left %d open rounds", b.manager.openRounds())
	}
}

// Both sides wrote k after a shared base; the remote write wins everywhere.
func TestDoSync_ConflictRemoteWins(t *testing.T) {
	ctx := context.Background()

	var (
		mu       sync.Mutex
		conflict []string
	)
	a, b := pair(t, WithConflictFunc(func(_ types.ReplicaID, keys []string) {
		mu.Lock()
		defer mu.Unlock()
		conflict = append(conflict, keys...)
	}))

	for i := 0; i < 5; i++ {
		put(t, b, fmt.Sprintf("base%d", i), "v")
	}
	if err := a.manager.DoSync(ctx, 0); err != nil {
		t.Fatalf("initial DoSync failed: %v", err)
	}
	base := b.store.Sequence()
	if a.store.Sequence() != base {
		t.Fatalf("replicas do not share base: %s vs %s", a.store.Sequence(), base)
	}

	put(t, a, "k", "1")
	put(t, b, "k", "2")

	if err := a.manager.DoSync(ctx, 0); err != nil {
		t.Fatalf("DoSync failed: %v", err)
	}

	if got := data(t, a, "k"); got != "map[k:2]" {
		t.Fatalf("A: unexpected data %s", got)
	}
	if got := data(t, b, "k"); got != "map[k:2]" {
		t.Fatalf("B: unexpected data %s", got)
	}

	bIdx, _, _ := b.store.IndexOf(ctx, "k")
	bRec, _ := b.store.Export(ctx, types.Range{GTE: &bIdx, LTE: &bIdx})
	var kRecords []types.LogRecord
	for _, e := range exportAll(t, a) {
		if e.Record.Key == "k" {
			kRecords = append(kRecords, e.Record)
		}
	}
	if len(kRecords) != 1 || kRecords[0].ID != bRec[0].Record.ID {
		t.Fatalf("local write of k survived on A: %+v", kRecords)
	}

	mu.Lock()
	defer mu.Unlock()
	if fmt.Sprint(conflict) != "[k]" {
		t.Fatalf("expected conflict notice for k, got %v", conflict)
	}
}

func TestDoSync_EchoedWritesAreNotConflicts(t *testing.T) {
	ctx := context.Background()

	var (
		mu       sync.Mutex
		conflict []string
	)
	a, b := pair(t, WithConflictFunc(func(_ types.ReplicaID, keys []string) {
		mu.Lock()
		defer mu.Unlock()
		conflict = append(conflict, keys...)
	}))

	put(t, b, "x", "1")
	put(t, a, "y", "2")
	for i := 0; i < 3; i++ {
		if err := a.manager.DoSync(ctx, 0); err != nil {
			t.Fatalf("DoSync from A failed: %v", err)
		}
		if err := b.manager.DoSync(ctx, 0); err != nil {
			t.Fatalf("DoSync from B failed: %v", err)
		}
	}

	if got := data(t, a, "x", "y"); got != "map[x:1 y:2]" {
		t.Fatalf("A: unexpected data %s", got)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(conflict) != 0 {
		t.Fatalf("no local write was lost, got conflict notice for %v", conflict)
	}
}

func TestDoPush(t *testing.T) {
	ctx := context.Background()
	a, b := pair(t)
	put(t, a, "p", "1")
	put(t, a, "q", "2")
	del(t, a, "p")
	put(t, b, "p", "old")

	if err := a.manager.DoPush(ctx); err != nil {
		t.Fatalf("DoPush failed: %v", err)
	}

	if got := data(t, b, "p", "q"); got != "map[q:2]" {
		t.Fatalf("unexpected data on B: %s", got)
	}
	if c, ok := cursor(t, b, a); !ok || c != a.store.Sequence() {
		t.Fatalf("B cursor for A: got %s (found=%v), want %s", c, ok, a.store.Sequence())
	}
	assertAscending(t, exportAll(t, b))
	if b.manager.openRounds() != 0 {
		t.Fatalf("responder left %d open rounds", b.manager.openRounds())
	}
}

func TestDoPush_ResponderStorageFailureKeepsCursor(t *testing.T) {
	ctx := context.Background()
	a, b := pair(t)
	put(t, a, "x", "1")

	b.engine.fail.Store(true)
	err := a.manager.DoPush(ctx)
	if !errors.Is(err, dberrors.ErrRemote) {
		t.Fatalf("expected ErrRemote, got %v", err)
	}
	if _, ok := cursor(t, b, a); ok {
		t.Fatal("responder cursor advanced on failed push")
	}
	if b.manager.openRounds() != 0 {
		t.Fatalf("responder kept %d rounds after failed push", b.manager.openRounds())
	}

	b.engine.fail.Store(false)
	if err := a.manager.DoPush(ctx); err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if got := data(t, b, "x"); got != "map[x:1]" {
		t.Fatalf("unexpected data on B after retry: %s", got)
	}
	if c, ok := cursor(t, b, a); !ok || c != a.store.Sequence() {
		t.Fatalf("B cursor for A: got %s (found=%v), want %s", c, ok, a.store.Sequence())
	}
}

func TestDoSync_DisjointKeysConverge(t *testing.T) {
	ctx := context.Background()
	a, b := pair(t)
	put(t, a, "a", "1")
	put(t, a, "b", "2")
	put(t, b, "c", "3")
	del(t, b, "d")

	if err := a.manager.DoSync(ctx, 0); err != nil {
		t.Fatalf("DoSync failed: %v", err)
	}
	if err := b.manager.DoSync(ctx, 0); err != nil {
		t.Fatalf("DoSync from B failed: %v", err)
	}

	want := "map[a:1 b:2 c:3]"
	if got := data(t, a, "a", "b", "c", "d"); got != want {
		t.Fatalf("A: got %s, want %s", got, want)
	}
	if got := data(t, b, "a", "b", "c", "d"); got != want {
		t.Fatalf("B: got %s, want %s", got, want)
	}
}

func TestDoPull_NoopRound(t *testing.T) {
	ctx := context.Background()
	a, b := pair(t)
	put(t, b, "x", "1")
	put(t, a, "y", "2")

	if err := a.manager.DoPull(ctx); err != nil {
		t.Fatalf("DoPull failed: %v", err)
	}
	before := fmt.Sprint(exportAll(t, a))
	c1, _ := cursor(t, a, b)

	if err := a.manager.DoPull(ctx); err != nil {
		t.Fatalf("second DoPull failed: %v", err)
	}
	if after := fmt.Sprint(exportAll(t, a)); after != before {
		t.Fatalf("no-op pull changed the log:\n%s\n%s", before, after)
	}
	if c2, _ := cursor(t, a, b); c2 != c1 {
		t.Fatalf("cursor changed on no-op pull: %s -> %s", c1, c2)
	}
}

func TestDoPull_StorageFailureKeepsCursor(t *testing.T) {
	ctx := context.Background()
	a, b := pair(t)
	put(t, b, "x", "1")

	a.engine.fail.Store(true)
	err := a.manager.DoPull(ctx)
	if !errors.Is(err, dberrors.ErrStorage) {
		t.Fatalf("expected ErrStorage, got %v", err)
	}
	if _, ok := cursor(t, a, b); ok {
		t.Fatal("cursor advanced on failed round")
	}
	if b.manager.openRounds() != 0 {
		t.Fatalf("responder kept %d rounds after abort", b.manager.openRounds())
	}

	a.engine.fail.Store(false)
	if err := a.manager.DoPull(ctx); err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if got := data(t, a, "x"); got != "map[x:1]" {
		t.Fatalf("unexpected data after retry: %s", got)
	}
	if _, ok := cursor(t, a, b); !ok {
		t.Fatal("cursor not set after successful retry")
	}
}

func TestDoPull_ConcurrentRoundRejected(t *testing.T) {
	ctx := context.Background()
	a, b := openNode(t), openNode(t)
	ca, cb := loopback.Pair()
	gate := &gatedConn{Connection: ca, entered: make(chan struct{}), release: make(chan struct{})}
	a.manager = New(a.store, gate)
	b.manager = New(b.store, cb)
	put(t, b, "x", "1")

	done := make(chan error, 1)
	go func() { done <- a.manager.DoPull(ctx) }()
	<-gate.entered

	if err := a.manager.DoPull(ctx); !errors.Is(err, dberrors.ErrConcurrentRound) {
		t.Fatalf("expected ErrConcurrentRound, got %v", err)
	}
	if err := a.manager.DoPush(ctx); !errors.Is(err, dberrors.ErrConcurrentRound) {
		t.Fatalf("expected ErrConcurrentRound, got %v", err)
	}
	if err := a.manager.DoSync(ctx, 0); !errors.Is(err, dberrors.ErrConcurrentRound) {
		t.Fatalf("expected ErrConcurrentRound, got %v", err)
	}

	close(gate.release)
	if err := <-done; err != nil {
		t.Fatalf("active round failed: %v", err)
	}
	if got := data(t, a, "x"); got != "map[x:1]" {
		t.Fatalf("unexpected data %s", got)
	}
}

func TestDoPull_TransportFailure(t *testing.T) {
	a := openNode(t)
	conn := &scriptedConn{reply: func(m protocol.Message) (protocol.Message, error) {
		if m.Kind() == protocol.KindDiscovery {
			return protocol.DiscoveryReply{Header: protocol.Header{Txn: m.TxnID()}, ReplicaID: "b", Sequence: "00000000000000000001"}, nil
		}
		return nil, errors.New("connection reset")
	}}
	a.manager = New(a.store, conn)

	err := a.manager.DoPull(context.Background())
	if !errors.Is(err, dberrors.ErrTransport) {
		t.Fatalf("expected ErrTransport, got %v", err)
	}
	if fmt.Sprint(conn.kinds()) != "[discovery fetch]" {
		t.Fatalf("unexpected exchange %v", conn.kinds())
	}
}

func TestDoPull_RemoteError(t *testing.T) {
	a := openNode(t)
	conn := &scriptedConn{reply: func(m protocol.Message) (protocol.Message, error) {
		return protocol.Error{Header: protocol.Header{Txn: m.TxnID()}, Message: "busy"}, nil
	}}
	a.manager = New(a.store, conn)

	err := a.manager.DoPull(context.Background())
	if !errors.Is(err, dberrors.ErrRemote) {
		t.Fatalf("expected ErrRemote, got %v", err)
	}
	// the peer reported the failure itself, nothing to echo back
	if fmt.Sprint(conn.kinds()) != "[discovery]" {
		t.Fatalf("unexpected exchange %v", conn.kinds())
	}
}

func TestDoPull_InvalidSegmentAborts(t *testing.T) {
	a := openNode(t)
	head := types.Sequence("00000000000000000002")
	conn := &scriptedConn{reply: func(m protocol.Message) (protocol.Message, error) {
		h := protocol.Header{Txn: m.TxnID()}
		switch m.Kind() {
		case protocol.KindDiscovery:
			return protocol.DiscoveryReply{Header: h, ReplicaID: "b", Sequence: head}, nil
		case protocol.KindFetch:
			return protocol.FetchReply{Header: h, Logs: []types.LogEntry{
				{Sequence: "00000000000000000009", Record: types.LogRecord{Type: types.MutationPut, Key: "x"}},
			}}, nil
		default:
			return protocol.Ack{Header: h}, nil
		}
	}}
	a.manager = New(a.store, conn)

	err := a.manager.DoPull(context.Background())
	if !errors.Is(err, dberrors.ErrProtocol) {
		t.Fatalf("expected ErrProtocol, got %v", err)
	}
	if fmt.Sprint(conn.kinds()) != "[discovery fetch error]" {
		t.Fatalf("expected abort notice, got %v", conn.kinds())
	}
	if len(exportAll(t, a)) != 0 {
		t.Fatal("invalid segment reached the log")
	}
}

func TestResponder_UnexpectedMessages(t *testing.T) {
	ctx := context.Background()
	b := openNode(t)
	b.manager = New(b.store, &scriptedConn{})
	lte := b.store.Sequence()

	h := func(txn string) protocol.Header { return protocol.Header{Txn: protocol.TxnID(txn)} }
	expectError := func(t *testing.T, reply protocol.Message) {
		t.Helper()
		if _, ok := reply.(protocol.Error); !ok {
			t.Fatalf("expected Error reply, got %s", reply.Kind())
		}
	}

	t.Run("fetch while idle", func(t *testing.T) {
		expectError(t, b.manager.handle(ctx, protocol.Fetch{Header: h("t1"), Range: types.Range{LTE: &lte}}))
	})

	t.Run("segment during pull round", func(t *testing.T) {
		reply := b.manager.handle(ctx, protocol.Discovery{Header: h("t2"), Direction: protocol.DirectionPull})
		if reply.Kind() != protocol.KindDiscoveryReply {
			t.Fatalf("unexpected reply %s", reply.Kind())
		}
		expectError(t, b.manager.handle(ctx, protocol.Segment{Header: h("t2")}))
		// the round was reset to IDLE
		expectError(t, b.manager.handle(ctx, protocol.Fetch{Header: h("t2"), Range: types.Range{LTE: &lte}}))
	})

	t.Run("pull before fetch", func(t *testing.T) {
		b.manager.handle(ctx, protocol.Discovery{Header: h("t3"), Direction: protocol.DirectionPull})
		expectError(t, b.manager.handle(ctx, protocol.Pull{Header: h("t3"), Keys: []string{}}))
	})

	t.Run("duplicate discovery", func(t *testing.T) {
		b.manager.handle(ctx, protocol.Discovery{Header: h("t4"), Direction: protocol.DirectionPull})
		expectError(t, b.manager.handle(ctx, protocol.Discovery{Header: h("t4"), Direction: protocol.DirectionPull}))
	})

	t.Run("reply sent as request", func(t *testing.T) {
		expectError(t, b.manager.handle(ctx, protocol.Ack{Header: h("t5")}))
	})

	t.Run("invalid message", func(t *testing.T) {
		expectError(t, b.manager.handle(ctx, protocol.Discovery{Header: h("t6"), Direction: protocol.DirectionPush}))
	})

	t.Run("peer abort", func(t *testing.T) {
		b.manager.handle(ctx, protocol.Discovery{Header: h("t7"), Direction: protocol.DirectionPull})
		reply := b.manager.handle(ctx, protocol.Error{Header: h("t7"), Message: "gave up"})
		if reply.Kind() != protocol.KindAck {
			t.Fatalf("expected Ack, got %s", reply.Kind())
		}
	})

	if n := b.manager.openRounds(); n != 0 {
		t.Fatalf("expected every round to be IDLE, %d open", n)
	}
}

func TestResponder_DropsStaleRounds(t *testing.T) {
	ctx := context.Background()
	b := openNode(t)
	b.manager = New(b.store, &scriptedConn{}, WithStaleAfter(time.Minute))

	now := time.Unix(1000, 0)
	b.manager.now = func() time.Time { return now }

	b.manager.handle(ctx, protocol.Discovery{Header: protocol.Header{Txn: "old"}, Direction: protocol.DirectionPull})
	now = now.Add(2 * time.Minute)
	b.manager.handle(ctx, protocol.Discovery{Header: protocol.Header{Txn: "new"}, Direction: protocol.DirectionPull})

	if n := b.manager.openRounds(); n != 1 {
		t.Fatalf("expected only the new round, got %d", n)
	}
}

func TestDoSync_Periodic(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	counters := metrics.NewCounters()
	a, b := pair(t, WithMetrics(counters))
	put(t, b, "x", "1")
	put(t, a, "y", "2")

	if a.manager.IsScheduled() {
		t.Fatal("scheduled before DoSync")
	}
	if err := a.manager.DoSync(ctx, 5*time.Millisecond); err != nil {
		t.Fatalf("DoSync failed: %v", err)
	}
	if !a.manager.IsScheduled() {
		t.Fatal("expected periodic sync to be scheduled")
	}

	deadline := time.Now().Add(2 * time.Second)
	for data(t, a, "x") != "map[x:1]" || data(t, b, "y") != "map[y:2]" {
		if time.Now().After(deadline) {
			t.Fatal("replicas did not converge")
		}
		time.Sleep(5 * time.Millisecond)
	}

	a.manager.StopSync()
	if a.manager.IsScheduled() {
		t.Fatal("still scheduled after StopSync")
	}
	if got := counters.Value("replsync_rounds_total", map[string]string{"peer": "", "direction": "pull", "result": "ok"}); got < 1 {
		t.Fatalf("expected successful pull rounds to be counted, got %v", got)
	}

	// rounds still work after the schedule stopped
	if err := a.manager.DoPull(context.Background()); err != nil {
		t.Fatalf("DoPull after StopSync failed: %v", err)
	}
}
