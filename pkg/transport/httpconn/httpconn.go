// Package httpconn carries sync frames as HTTP request/response pairs. A
// Client can only start rounds; an Inbound endpoint can only answer them.
package httpconn

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"replsync/pkg/dberrors"
	"replsync/pkg/protocol"
)

// SyncPath is where Inbound is mounted on the node's HTTP server.
const SyncPath = "/api/internal/sync"

const (
	defaultTimeout = 30 * time.Second
	maxBodySize    = 64 << 20
)

type Client struct {
	baseURL string
	client  *http.Client
	log     *slog.Logger
}

type ClientOption func(*Client)

func WithHTTPClient(c *http.Client) ClientOption {
	return func(cl *Client) { cl.client = c }
}

func WithLogger(l *slog.Logger) ClientOption {
	return func(cl *Client) { cl.log = l }
}

func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: defaultTimeout},
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Send(ctx context.Context, m protocol.Message) (protocol.Message, error) {
	body, err := protocol.Encode(m, false)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+SyncPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: create %s request: %w", dberrors.ErrTransport, m.Kind(), err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %s do: %w", dberrors.ErrTransport, m.Kind(), err)
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("%w: read %s reply: %w", dberrors.ErrTransport, m.Kind(), err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s failed: %d: %s", dberrors.ErrTransport, m.Kind(), resp.StatusCode, strings.TrimSpace(string(b)))
	}

	frame, err := protocol.Decode(b)
	if err != nil {
		return nil, err
	}
	if !frame.Reply {
		return nil, fmt.Errorf("%w: expected a reply, got request %s", dberrors.ErrProtocol, frame.Message.Kind())
	}
	return frame.Message, nil
}

// OnReceive is a no-op: the remote cannot call back over a client.
func (c *Client) OnReceive(protocol.Handler) {}

func (c *Client) Close() error {
	c.client.CloseIdleConnections()
	return nil
}

// Inbound answers rounds started by remote Clients. Responder state lives in
// the registered handler and is keyed by transaction, so one Inbound serves
// every peer.
type Inbound struct {
	log *slog.Logger

	mu      sync.RWMutex
	handler protocol.Handler
}

func NewInbound(log *slog.Logger) *Inbound {
	if log == nil {
		log = slog.Default()
	}
	return &Inbound{log: log}
}

func (in *Inbound) OnReceive(h protocol.Handler) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.handler = h
}

func (in *Inbound) Send(_ context.Context, m protocol.Message) (protocol.Message, error) {
	return nil, fmt.Errorf("%w: inbound endpoint cannot start %s", dberrors.ErrTransport, m.Kind())
}

func (in *Inbound) Close() error { return nil }

func (in *Inbound) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	frame, err := protocol.Decode(body)
	if err != nil {
		in.log.Warn("rejecting undecodable frame", "remote", r.RemoteAddr, "error", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if frame.Reply {
		http.Error(w, "unexpected reply frame", http.StatusBadRequest)
		return
	}

	in.mu.RLock()
	h := in.handler
	in.mu.RUnlock()
	if h == nil {
		http.Error(w, "sync not available", http.StatusServiceUnavailable)
		return
	}

	out, err := protocol.Encode(h(r.Context(), frame.Message), true)
	if err != nil {
		in.log.Error("failed to encode reply", "txn", frame.Message.TxnID(), "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(out)
}
