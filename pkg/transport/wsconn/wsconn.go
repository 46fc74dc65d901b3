// Package wsconn is a peer-to-peer Connection over a WebSocket. Either side
// may start rounds; frames are correlated by transaction id.
package wsconn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"

	"replsync/pkg/dberrors"
	"replsync/pkg/protocol"
	"replsync/pkg/transport/mux"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = (pongWait * 9) / 10
	maxFrameSize = 64 << 20

	defaultMaxDialTime = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type options struct {
	log         *slog.Logger
	header      http.Header
	maxDialTime time.Duration
	dialer      *websocket.Dialer
}

type Option func(*options)

func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithHeader adds request headers to the dial handshake.
func WithHeader(h http.Header) Option {
	return func(o *options) { o.header = h }
}

// WithMaxDialTime bounds how long Connect keeps retrying.
func WithMaxDialTime(d time.Duration) Option {
	return func(o *options) { o.maxDialTime = d }
}

func buildOptions(opts []Option) options {
	o := options{
		log:         slog.Default(),
		maxDialTime: defaultMaxDialTime,
		dialer:      websocket.DefaultDialer,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

type Conn struct {
	ws  *websocket.Conn
	mux *mux.Mux
	log *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	writeMu   sync.Mutex
	startOnce sync.Once
	closeOnce sync.Once

	discMu       sync.Mutex
	onDisconnect []func(error)
}

// Connect dials url, retrying with exponential backoff until it succeeds, the
// handshake is refused, the dial time runs out or ctx is done.
func Connect(ctx context.Context, url string, opts ...Option) (*Conn, error) {
	o := buildOptions(opts)

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = o.maxDialTime

	var ws *websocket.Conn
	dial := func() error {
		conn, resp, err := o.dialer.DialContext(ctx, url, o.header)
		if err != nil {
			if resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500 {
				return backoff.Permanent(err)
			}
			return err
		}
		ws = conn
		return nil
	}
	notify := func(err error, next time.Duration) {
		o.log.Warn("websocket dial failed, retrying", "url", url, "next", next, "error", err)
	}

	if err := backoff.RetryNotify(dial, backoff.WithContext(b, ctx), notify); err != nil {
		return nil, fmt.Errorf("%w: dial %s: %w", dberrors.ErrTransport, url, err)
	}

	o.log.Info("websocket connected", "url", url)
	return newConn(ws, o.log.With("remote", url)), nil
}

// Accept upgrades an incoming HTTP request.
func Accept(w http.ResponseWriter, r *http.Request, opts ...Option) (*Conn, error) {
	o := buildOptions(opts)
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: upgrade: %w", dberrors.ErrTransport, err)
	}
	o.log.Info("websocket accepted", "remote", r.RemoteAddr)
	return newConn(ws, o.log.With("remote", r.RemoteAddr)), nil
}

func newConn(ws *websocket.Conn, log *slog.Logger) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		ws:     ws,
		log:    log,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	c.mux = mux.New(c.write, log)
	return c
}

// OnReceive registers the inbound handler and starts reading frames.
func (c *Conn) OnReceive(h protocol.Handler) {
	c.mux.OnReceive(h)
	c.start()
}

func (c *Conn) Send(ctx context.Context, m protocol.Message) (protocol.Message, error) {
	c.start()
	return c.mux.Send(ctx, m)
}

// OnDisconnect registers fn to run once the socket is gone. A local
// Disconnect passes a nil error.
func (c *Conn) OnDisconnect(fn func(error)) {
	c.discMu.Lock()
	defer c.discMu.Unlock()
	c.onDisconnect = append(c.onDisconnect, fn)
}

// Done is closed once the connection is gone.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

func (c *Conn) Disconnect() error {
	c.disconnect(nil)
	return nil
}

func (c *Conn) Close() error {
	return c.Disconnect()
}

func (c *Conn) start() {
	c.startOnce.Do(func() {
		go c.readPump()
		go c.pingLoop()
	})
}

func (c *Conn) write(ctx context.Context, frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(writeWait)
	}
	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, frame)
}

func (c *Conn) readPump() {
	c.ws.SetReadLimit(maxFrameSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, frame, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				err = nil
			}
			c.disconnect(err)
			return
		}
		c.mux.Deliver(c.ctx, frame)
	}
}

func (c *Conn) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.disconnect(err)
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *Conn) disconnect(cause error) {
	c.closeOnce.Do(func() {
		close(c.done)
		c.cancel()
		c.mux.Close()

		if cause == nil {
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			err := c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
			if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
				c.log.Debug("failed to send close frame", "error", err)
			}
		}
		_ = c.ws.Close()

		if cause != nil {
			c.log.Warn("websocket disconnected", "error", cause)
		} else {
			c.log.Info("websocket disconnected")
		}

		c.discMu.Lock()
		callbacks := append([]func(error){}, c.onDisconnect...)
		c.discMu.Unlock()
		for _, fn := range callbacks {
			fn(cause)
		}
	})
}
