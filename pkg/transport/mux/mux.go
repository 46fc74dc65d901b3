// Package mux turns a framed, fire-and-forget byte channel into a
// request/reply connection. Outgoing requests wait on a channel keyed by their
// transaction id; inbound requests are answered by the registered handler.
package mux

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"replsync/pkg/dberrors"
	"replsync/pkg/protocol"
)

// WriteFunc sends one encoded frame to the peer.
type WriteFunc func(ctx context.Context, frame []byte) error

type Mux struct {
	write WriteFunc
	log   *slog.Logger

	mu      sync.RWMutex
	handler protocol.Handler
	pending map[protocol.TxnID]chan protocol.Message
	closed  bool
}

func New(write WriteFunc, log *slog.Logger) *Mux {
	if log == nil {
		log = slog.Default()
	}
	return &Mux{
		write:   write,
		log:     log,
		pending: make(map[protocol.TxnID]chan protocol.Message),
	}
}

func (m *Mux) OnReceive(h protocol.Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = h
}

// Send writes msg and waits for the frame replying to its transaction.
func (m *Mux) Send(ctx context.Context, msg protocol.Message) (protocol.Message, error) {
	frame, err := protocol.Encode(msg, false)
	if err != nil {
		return nil, err
	}

	txn := msg.TxnID()
	replyCh := make(chan protocol.Message, 1)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %w", dberrors.ErrTransport, dberrors.ErrClosed)
	}
	if _, busy := m.pending[txn]; busy {
		m.mu.Unlock()
		return nil, fmt.Errorf("txn %s already waits for a reply: %w", txn, dberrors.ErrInvalidArgument)
	}
	m.pending[txn] = replyCh
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.pending, txn)
		m.mu.Unlock()
	}()

	if err := m.write(ctx, frame); err != nil {
		return nil, fmt.Errorf("%w: write %s: %w", dberrors.ErrTransport, msg.Kind(), err)
	}

	select {
	case reply, ok := <-replyCh:
		if !ok {
			return nil, fmt.Errorf("%w: connection closed while waiting for reply", dberrors.ErrTransport)
		}
		return reply, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Deliver dispatches one inbound frame. Replies wake the waiting Send;
// requests run the handler on their own goroutine and the answer is written
// back.
func (m *Mux) Deliver(ctx context.Context, frame []byte) {
	f, err := protocol.Decode(frame)
	if err != nil {
		m.log.Warn("dropping undecodable frame", "error", err)
		return
	}
	txn := f.Message.TxnID()

	if f.Reply {
		// held across the send so Close cannot close ch underneath it
		m.mu.RLock()
		defer m.mu.RUnlock()
		ch, ok := m.pending[txn]
		if !ok {
			m.log.Debug("reply without waiting round (ignored)", "txn", txn, "type", f.Message.Kind())
			return
		}
		select {
		case ch <- f.Message:
		default:
			m.log.Debug("duplicate reply (ignored)", "txn", txn, "type", f.Message.Kind())
		}
		return
	}

	m.mu.RLock()
	h := m.handler
	m.mu.RUnlock()

	go func() {
		var reply protocol.Message
		if h == nil {
			reply = protocol.NewError(txn, fmt.Errorf("%w: no handler registered", dberrors.ErrProtocol))
		} else {
			reply = h(ctx, f.Message)
		}
		out, err := protocol.Encode(reply, true)
		if err != nil {
			m.log.Error("failed to encode reply", "txn", txn, "error", err)
			return
		}
		if err := m.write(ctx, out); err != nil {
			m.log.Warn("failed to write reply", "txn", txn, "error", err)
		}
	}()
}

// Close fails every waiting Send and rejects new ones.
func (m *Mux) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	for txn, ch := range m.pending {
		close(ch)
		delete(m.pending, txn)
	}
}
