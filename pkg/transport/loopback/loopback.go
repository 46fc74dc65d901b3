// Package loopback connects two managers inside one process. Messages still
// pass through the wire codec so tests see what a real transport would carry.
package loopback

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"replsync/pkg/dberrors"
	"replsync/pkg/protocol"
)

type Conn struct {
	peer *Conn

	mu      sync.RWMutex
	handler protocol.Handler
	closed  atomic.Bool
}

// Pair returns two connected ends.
func Pair() (*Conn, *Conn) {
	a, b := &Conn{}, &Conn{}
	a.peer, b.peer = b, a
	return a, b
}

func (c *Conn) OnReceive(h protocol.Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = h
}

// Send runs the peer's handler on the caller's goroutine.
func (c *Conn) Send(ctx context.Context, m protocol.Message) (protocol.Message, error) {
	if c.closed.Load() || c.peer.closed.Load() {
		return nil, fmt.Errorf("%w: %w", dberrors.ErrTransport, dberrors.ErrClosed)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	in, err := wire(m, false)
	if err != nil {
		return nil, err
	}

	c.peer.mu.RLock()
	h := c.peer.handler
	c.peer.mu.RUnlock()
	if h == nil {
		return nil, fmt.Errorf("%w: peer has no handler", dberrors.ErrTransport)
	}

	return wire(h(ctx, in), true)
}

func (c *Conn) Close() error {
	c.closed.Store(true)
	return nil
}

func wire(m protocol.Message, reply bool) (protocol.Message, error) {
	b, err := protocol.Encode(m, reply)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", dberrors.ErrTransport, err)
	}
	f, err := protocol.Decode(b)
	if err != nil {
		return nil, err
	}
	return f.Message, nil
}
