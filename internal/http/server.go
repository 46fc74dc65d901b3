package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"replsync/pkg/dberrors"
	"replsync/pkg/transport/httpconn"
	"replsync/pkg/types"
)

const (
	contentTypeJSON          = "application/json"
	defaultHTTPPort          = "8080"
	defaultShutdownTimeout   = time.Second * 5
	defaultReadHeaderTimeout = time.Second * 5

	WSPath = "/api/internal/ws"
)

type iStoreAPI interface {
	ID() types.ReplicaID
	Sequence() types.Sequence
	PutString(ctx context.Context, key, value string) error
	GetString(ctx context.Context, key string) (string, bool, error)
	Delete(ctx context.Context, key string) error
	Friends(ctx context.Context) (map[types.ReplicaID]types.Sequence, error)
}

type iMetrics interface {
	WriteTo(w io.Writer) (int64, error)
}

// Server is the node's HTTP surface: the local KV API, health and metrics,
// and the endpoints peers sync through.
type Server struct {
	store             iStoreAPI
	metrics           iMetrics
	syncHandler       http.Handler
	wsHandler         http.HandlerFunc
	readHeaderTimeout time.Duration

	httpServer *http.Server
	URL        string
	addr       string
}

type Option func(*Server)

func WithMetrics(m iMetrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithSyncHandler mounts h on httpconn.SyncPath for peers syncing over plain HTTP.
func WithSyncHandler(h http.Handler) Option {
	return func(s *Server) { s.syncHandler = h }
}

// WithWSHandler mounts fn on WSPath for peers opening a websocket.
func WithWSHandler(fn http.HandlerFunc) Option {
	return func(s *Server) { s.wsHandler = fn }
}

func WithReadHeaderTimeout(d time.Duration) Option {
	return func(s *Server) { s.readHeaderTimeout = d }
}

// NewServer creates a new server instance
func NewServer(store iStoreAPI, port string, opts ...Option) *Server {
	if port == "" {
		port = defaultHTTPPort
	}
	s := &Server{
		store:             store,
		readHeaderTimeout: defaultReadHeaderTimeout,
		URL:               "http://localhost:" + port,
		addr:              ":" + port,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start binds the port and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	s.httpServer = &http.Server{
		Handler:           s.createRouter(),
		ReadHeaderTimeout: s.readHeaderTimeout,
	}

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server error", "error", err)
		}
	}()

	slog.Info("HTTP server started", "addr", s.URL)
	return nil
}

// Stop stops the server
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	return nil
}

// createRouter builds chi router
func (s *Server) createRouter() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", s.handleHealth)
	r.Get("/metrics", s.handleMetrics)
	r.Put("/api/string", s.handlePut)
	r.Get("/api/string", s.handleGet)
	r.Delete("/api", s.handleDelete)
	r.Get("/api/replica", s.handleReplica)

	if s.syncHandler != nil {
		r.Method(http.MethodPost, httpconn.SyncPath, s.syncHandler)
	}
	if s.wsHandler != nil {
		r.Get(WSPath, s.wsHandler)
	}

	return r
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Warn("Error encoding response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, dberrors.ErrInvalidArgument):
		status = http.StatusBadRequest
	case errors.Is(err, dberrors.ErrClosed):
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, NewErrorResponse(err.Error()))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, NewOKResponse())
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if s.metrics == nil {
		return
	}
	if _, err := s.metrics.WriteTo(w); err != nil {
		slog.Warn("Failed to write metrics response", "error", err)
	}
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Failed to parse form"))
		return
	}

	key := r.FormValue("key")
	value := r.FormValue("value")

	if key == "" || value == "" {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Missing key or value"))
		return
	}

	if err := s.store.PutString(r.Context(), key, value); err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Missing key"))
		return
	}

	value, found, err := s.store.GetString(r.Context(), key)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !found {
		s.writeJSON(w, http.StatusNotFound, NewErrorResponse("Key not found"))
		return
	}

	s.writeJSON(w, http.StatusOK, NewValueResponse(value))
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Missing key"))
		return
	}

	if err := s.store.Delete(r.Context(), key); err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}

func (s *Server) handleReplica(w http.ResponseWriter, r *http.Request) {
	friends, err := s.store.Friends(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewReplicaResponse(s.store.ID(), s.store.Sequence(), friends))
}
