package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-zookeeper/zk"
)

const (
	zkSessionTimeout = 5 * time.Second
	zkConnectTimeout = 10 * time.Second
	zkRetryDelay     = 2 * time.Second
)

// ZooKeeper registers the node as an ephemeral znode under <root>/nodes and
// watches its siblings. The znode's data is the node's address.
type ZooKeeper struct {
	conn *zk.Conn
	root string
	self Peer
	log  *slog.Logger
}

// NewZooKeeper connects to servers, e.g. ["zk1:2181", "zk2:2181"].
func NewZooKeeper(servers []string, root string, self Peer, log *slog.Logger) (*ZooKeeper, error) {
	if log == nil {
		log = slog.Default()
	}
	conn, _, err := zk.Connect(servers, zkSessionTimeout)
	if err != nil {
		return nil, fmt.Errorf("zk connect: %w", err)
	}
	return &ZooKeeper{
		conn: conn,
		root: "/" + strings.Trim(root, "/"),
		self: self,
		log:  log.With("discovery", "zookeeper"),
	}, nil
}

func (z *ZooKeeper) Close() error {
	z.conn.Close()
	return nil
}

func (z *ZooKeeper) nodesPath() string {
	return z.root + "/nodes"
}

func (z *ZooKeeper) ensurePath(path string) error {
	cur := ""
	for _, p := range strings.Split(path, "/") {
		if p == "" {
			continue
		}
		cur = cur + "/" + p
		exists, _, err := z.conn.Exists(cur)
		if err != nil {
			return err
		}
		if !exists {
			_, err = z.conn.Create(cur, nil, 0, zk.WorldACL(zk.PermAll))
			if err != nil && !errors.Is(err, zk.ErrNodeExists) {
				return err
			}
		}
	}
	return nil
}

// Register creates the ephemeral znode for this node.
func (z *ZooKeeper) Register(ctx context.Context) error {
	if err := z.waitConnected(ctx, zkConnectTimeout); err != nil {
		return err
	}
	if err := z.ensurePath(z.nodesPath()); err != nil {
		return fmt.Errorf("ensure nodes path: %w", err)
	}

	nodePath := z.nodesPath() + "/" + z.self.Name
	_, err := z.conn.Create(nodePath, []byte(z.self.Addr), zk.FlagEphemeral, zk.WorldACL(zk.PermAll))
	if err != nil && !errors.Is(err, zk.ErrNodeExists) {
		return fmt.Errorf("create ephemeral node: %w", err)
	}

	z.log.Info("registered node", "path", nodePath, "addr", z.self.Addr)
	return nil
}

func (z *ZooKeeper) readPeers(children []string) []Peer {
	peers := make([]Peer, 0, len(children))
	for _, name := range children {
		data, _, err := z.conn.Get(z.nodesPath() + "/" + name)
		if err != nil {
			// the node left between Children and Get
			z.log.Debug("skipping node", "name", name, "error", err)
			continue
		}
		peers = append(peers, Peer{Name: name, Addr: string(data)})
	}
	return normalize(peers, z.self.Name)
}

// Run re-reads the node list on every child event until ctx is done.
func (z *ZooKeeper) Run(ctx context.Context, update func([]Peer)) error {
	var last []Peer
	first := true
	for {
		children, _, ch, err := z.conn.ChildrenW(z.nodesPath())
		if err != nil {
			z.log.Warn("ChildrenW failed", "error", err)
			select {
			case <-time.After(zkRetryDelay):
				continue
			case <-ctx.Done():
				return nil
			}
		}

		peers := z.readPeers(children)
		if first || !samePeers(last, peers) {
			update(peers)
			last, first = peers, false
		}

		select {
		case ev := <-ch:
			z.log.Debug("watch event", "type", ev.Type.String(), "path", ev.Path)
		case <-ctx.Done():
			z.log.Info("watch stopped")
			return nil
		}
	}
}

func (z *ZooKeeper) waitConnected(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		st := z.conn.State()
		if st == zk.StateConnected || st == zk.StateHasSession {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("zk: not connected after %s, state=%v", timeout, st)
		}
		select {
		case <-time.After(200 * time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
