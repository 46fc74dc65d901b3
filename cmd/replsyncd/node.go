package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	internalhttp "replsync/internal/http"
	"replsync/pkg/config"
	"replsync/pkg/discovery"
	"replsync/pkg/metrics"
	"replsync/pkg/replica"
	"replsync/pkg/syncer"
	"replsync/pkg/transport/httpconn"
	"replsync/pkg/transport/redisconn"
	"replsync/pkg/transport/wsconn"
)

type peerSync struct {
	peer    discovery.Peer
	manager *syncer.Manager
}

// node owns one sync manager per discovered peer plus the responder-only
// managers for connections peers opened to us.
type node struct {
	cfg     config.Config
	store   *replica.Store
	metrics metrics.Collector
	log     *slog.Logger
	bus     *redisconn.Bus

	mu       sync.Mutex
	desired  []discovery.Peer
	peers    map[string]*peerSync
	accepted map[*syncer.Manager]struct{}
	closed   bool
}

func newNode(cfg config.Config, store *replica.Store, m metrics.Collector, log *slog.Logger) *node {
	return &node{
		cfg:      cfg,
		store:    store,
		metrics:  m,
		log:      log,
		peers:    make(map[string]*peerSync),
		accepted: make(map[*syncer.Manager]struct{}),
	}
}

func (n *node) managerOpts(peer string) []syncer.Option {
	return []syncer.Option{
		syncer.WithLogger(n.log),
		syncer.WithMetrics(n.metrics),
		syncer.WithPeerName(peer),
		syncer.WithStaleAfter(n.cfg.Sync.StaleAfter),
	}
}

// serve attaches a responder-only manager to conn.
func (n *node) serve(conn syncer.Connection, peer string) *syncer.Manager {
	m := syncer.New(n.store, conn, n.managerOpts(peer)...)
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		_ = m.Close()
		return m
	}
	n.accepted[m] = struct{}{}
	return m
}

func (n *node) forget(m *syncer.Manager) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.accepted, m)
}

func (n *node) acceptWS(w http.ResponseWriter, r *http.Request) {
	conn, err := wsconn.Accept(w, r, wsconn.WithLogger(n.log))
	if err != nil {
		n.log.Warn("failed to accept websocket", "remote", r.RemoteAddr, "error", err)
		return
	}
	m := n.serve(conn, r.RemoteAddr)
	conn.OnDisconnect(func(error) { n.forget(m) })
}

func (n *node) acceptRedis(peer string, c *redisconn.Conn) {
	n.serve(c, peer)
}

// setPeers replaces the desired peer set and reconciles right away.
func (n *node) setPeers(ctx context.Context, peers []discovery.Peer) {
	n.mu.Lock()
	n.desired = append([]discovery.Peer(nil), peers...)
	n.mu.Unlock()

	n.log.Info("peer set changed", "peers", len(peers))
	n.reconcile(ctx)
}

func (n *node) reconcileLoop(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			n.reconcile(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// reconcile stops managers for peers that left and starts managers for peers
// without one. Failed dials are retried on the next pass.
func (n *node) reconcile(ctx context.Context) {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	current := make([]discovery.Peer, 0, len(n.peers))
	for _, ps := range n.peers {
		current = append(current, ps.peer)
	}
	added, removed := discovery.Diff(current, n.desired)
	var stopping []*peerSync
	for _, p := range removed {
		if ps, ok := n.peers[p.Name]; ok && ps.peer == p {
			stopping = append(stopping, ps)
			delete(n.peers, p.Name)
		}
	}
	n.mu.Unlock()

	for _, ps := range stopping {
		n.log.Info("stopping sync with peer", "peer", ps.peer.Name)
		if err := ps.manager.Close(); err != nil {
			n.log.Warn("failed to close peer connection", "peer", ps.peer.Name, "error", err)
		}
	}

	for _, p := range added {
		if err := n.startPeer(ctx, p); err != nil {
			n.log.Warn("failed to start sync with peer", "peer", p.Name, "addr", p.Addr, "error", err)
		}
	}
}

func (n *node) startPeer(ctx context.Context, p discovery.Peer) error {
	conn, err := n.dial(ctx, p)
	if err != nil {
		return err
	}
	m := syncer.New(n.store, conn, n.managerOpts(p.Name)...)

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return m.Close()
	}
	if _, exists := n.peers[p.Name]; exists {
		n.mu.Unlock()
		return m.Close()
	}
	n.peers[p.Name] = &peerSync{peer: p, manager: m}
	n.mu.Unlock()

	if ws, ok := conn.(*wsconn.Conn); ok {
		ws.OnDisconnect(func(error) { n.dropPeer(p.Name, m) })
		select {
		case <-ws.Done():
			n.dropPeer(p.Name, m)
			return fmt.Errorf("connection to %s closed right after dialing", p.Name)
		default:
		}
	}

	n.log.Info("starting sync with peer", "peer", p.Name, "addr", p.Addr, "interval", n.cfg.Sync.Interval)
	if n.cfg.Sync.Interval > 0 {
		return m.DoSync(ctx, n.cfg.Sync.Interval)
	}
	go func() {
		if err := m.DoSync(ctx, 0); err != nil {
			n.log.Warn("sync with peer failed", "peer", p.Name, "error", err)
		}
	}()
	return nil
}

// dropPeer forgets a peer whose connection died so the next reconcile
// dials it again. It runs inside the connection's disconnect callback, so it
// must not close the connection itself.
func (n *node) dropPeer(name string, m *syncer.Manager) {
	n.mu.Lock()
	ps, ok := n.peers[name]
	if ok && ps.manager == m {
		delete(n.peers, name)
	}
	n.mu.Unlock()
	if ok && ps.manager == m {
		m.StopSync()
	}
}

func (n *node) dial(ctx context.Context, p discovery.Peer) (syncer.Connection, error) {
	switch n.cfg.Sync.Transport {
	case config.TransportHTTP:
		client := &http.Client{Timeout: n.cfg.Sync.RequestTimeout}
		return httpconn.NewClient("http://"+p.Addr, httpconn.WithHTTPClient(client), httpconn.WithLogger(n.log)), nil
	case config.TransportWS:
		conn, err := wsconn.Connect(ctx, "ws://"+p.Addr+internalhttp.WSPath,
			wsconn.WithLogger(n.log),
			wsconn.WithMaxDialTime(n.cfg.Sync.RequestTimeout),
		)
		if err != nil {
			return nil, err
		}
		return conn, nil
	case config.TransportRedis:
		if n.bus == nil {
			return nil, fmt.Errorf("redis bus not started")
		}
		conn, err := n.bus.Dial(p.Name)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
	return nil, fmt.Errorf("unknown transport %q", n.cfg.Sync.Transport)
}

func (n *node) close() {
	n.mu.Lock()
	n.closed = true
	managers := make([]*syncer.Manager, 0, len(n.peers)+len(n.accepted))
	for _, ps := range n.peers {
		managers = append(managers, ps.manager)
	}
	for m := range n.accepted {
		managers = append(managers, m)
	}
	n.peers = map[string]*peerSync{}
	n.accepted = map[*syncer.Manager]struct{}{}
	n.mu.Unlock()

	for _, m := range managers {
		if err := m.Close(); err != nil {
			n.log.Warn("failed to close sync manager", "error", err)
		}
	}
}
