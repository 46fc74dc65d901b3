// Package redisconn runs sync connections over Redis pub/sub. Every node
// subscribes to its own channel "<prefix>:<name>"; frames carry the sender's
// name so replies find their way back.
package redisconn

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"

	"replsync/pkg/dberrors"
	"replsync/pkg/protocol"
	"replsync/pkg/transport/mux"
)

const DefaultPrefix = "replsync"

type busFrame struct {
	From  string          `json:"from"`
	Frame json.RawMessage `json:"frame"`
}

func encodeBusFrame(from string, frame []byte) ([]byte, error) {
	return json.Marshal(busFrame{From: from, Frame: frame})
}

func decodeBusFrame(payload string) (busFrame, error) {
	var f busFrame
	if err := json.Unmarshal([]byte(payload), &f); err != nil {
		return busFrame{}, fmt.Errorf("%w: bus frame: %w", dberrors.ErrProtocol, err)
	}
	if f.From == "" || len(f.Frame) == 0 {
		return busFrame{}, fmt.Errorf("%w: bus frame without sender or body", dberrors.ErrProtocol)
	}
	return f, nil
}

// Bus owns the subscription for one node and hands out a Conn per peer.
type Bus struct {
	rdb    *redis.Client
	prefix string
	self   string
	log    *slog.Logger
	pubsub *redis.PubSub

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.Mutex
	conns    map[string]*Conn
	onAccept func(peer string, c *Conn)
	closed   bool
}

// NewBus subscribes to the node's channel and starts dispatching frames.
func NewBus(ctx context.Context, rdb *redis.Client, prefix, self string, log *slog.Logger) (*Bus, error) {
	if self == "" {
		return nil, fmt.Errorf("bus node name: %w", dberrors.ErrInvalidArgument)
	}
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if log == nil {
		log = slog.Default()
	}

	pubsub := rdb.Subscribe(ctx, channel(prefix, self))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("%w: subscribe %s: %w", dberrors.ErrTransport, channel(prefix, self), err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		rdb:    rdb,
		prefix: prefix,
		self:   self,
		log:    log.With("bus", channel(prefix, self)),
		pubsub: pubsub,
		ctx:    loopCtx,
		cancel: cancel,
		done:   make(chan struct{}),
		conns:  make(map[string]*Conn),
	}
	go b.loop()
	return b, nil
}

func channel(prefix, name string) string {
	return prefix + ":" + name
}

// OnAccept registers fn for frames from peers nobody dialed yet. fn must
// register a handler on c before returning.
func (b *Bus) OnAccept(fn func(peer string, c *Conn)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onAccept = fn
}

// Dial returns the connection to peer, creating it on first use.
func (b *Bus) Dial(peer string) (*Conn, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("%w: %w", dberrors.ErrTransport, dberrors.ErrClosed)
	}
	c, _ := b.connLocked(peer)
	return c, nil
}

func (b *Bus) connLocked(peer string) (*Conn, bool) {
	if c, ok := b.conns[peer]; ok {
		return c, false
	}
	c := &Conn{bus: b, peer: peer}
	c.mux = mux.New(c.write, b.log.With("peer", peer))
	b.conns[peer] = c
	return c, true
}

func (b *Bus) loop() {
	defer close(b.done)
	for msg := range b.pubsub.Channel() {
		f, err := decodeBusFrame(msg.Payload)
		if err != nil {
			b.log.Warn("dropping bus frame", "error", err)
			continue
		}

		b.mu.Lock()
		c, created := b.connLocked(f.From)
		accept := b.onAccept
		b.mu.Unlock()

		if created {
			if accept == nil {
				b.log.Debug("frame from unknown peer (ignored)", "peer", f.From)
				b.forget(f.From)
				continue
			}
			accept(f.From, c)
		}
		c.mux.Deliver(b.ctx, f.Frame)
	}
}

func (b *Bus) forget(peer string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.conns[peer]; ok {
		c.mux.Close()
		delete(b.conns, peer)
	}
}

// Close unsubscribes and fails every waiting Send.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for peer, c := range b.conns {
		c.mux.Close()
		delete(b.conns, peer)
	}
	b.mu.Unlock()

	b.cancel()
	err := b.pubsub.Close()
	<-b.done
	return err
}

// Conn is the sync connection to one peer on the bus.
type Conn struct {
	bus  *Bus
	peer string
	mux  *mux.Mux
}

func (c *Conn) Peer() string { return c.peer }

func (c *Conn) Send(ctx context.Context, m protocol.Message) (protocol.Message, error) {
	return c.mux.Send(ctx, m)
}

func (c *Conn) OnReceive(h protocol.Handler) {
	c.mux.OnReceive(h)
}

// Close drops the connection; the bus stays subscribed.
func (c *Conn) Close() error {
	c.bus.forget(c.peer)
	return nil
}

func (c *Conn) write(ctx context.Context, frame []byte) error {
	payload, err := encodeBusFrame(c.bus.self, frame)
	if err != nil {
		return err
	}
	return c.bus.rdb.Publish(ctx, channel(c.bus.prefix, c.peer), payload).Err()
}
