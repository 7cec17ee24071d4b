// Package liveness serves the keep-alive endpoint polled by the hosting
// platform. It shares nothing with the supervisor except an optional
// read-only connection flag.
package liveness

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultPort is used when PORT is not configured.
const DefaultPort = 8080

// Body is the fixed response for GET /.
const Body = "AFK bot is running as a background task."

// ConnectionHeader carries the connection flag when one is configured.
const ConnectionHeader = "X-Connection-Active"

// BindError means the liveness port could not be bound.
type BindError struct {
	Addr string
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("liveness: failed to bind %s: %v", e.Addr, e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }

// Server answers GET / with a fixed body while the process is up.
type Server struct {
	addr      string
	logger    *zap.Logger
	connected func() bool
	onRequest func()

	mu       sync.Mutex
	srv      *http.Server
	listener net.Listener
	done     chan struct{}
}

// Option configures a Server.
type Option func(*Server)

// WithConnectionFlag adds the X-Connection-Active header to every response.
func WithConnectionFlag(connected func() bool) Option {
	return func(s *Server) { s.connected = connected }
}

// WithRequestHook runs f for every request to GET /.
func WithRequestHook(f func()) Option {
	return func(s *Server) { s.onRequest = f }
}

// NewServer creates a server for port. Port 0 picks a free port, which is
// useful in tests.
func NewServer(port int, logger *zap.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		addr:   ":" + strconv.Itoa(port),
		logger: logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the HTTP handler without binding a port.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleRoot)
	return mux
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if s.onRequest != nil {
		s.onRequest()
	}
	if s.connected != nil {
		w.Header().Set(ConnectionHeader, strconv.FormatBool(s.connected()))
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(Body))
}

// Start binds the port and serves in the background. A bind failure is
// returned as *BindError.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return errors.New("liveness: server already started")
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		s.logger.Error("failed to bind liveness port", zap.String("addr", s.addr), zap.Error(err))
		return &BindError{Addr: s.addr, Err: err}
	}

	s.listener = ln
	s.done = make(chan struct{})
	s.srv = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	srv, done := s.srv, s.done
	go func() {
		defer close(done)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("liveness server error", zap.Error(err))
		}
	}()

	s.logger.Info("liveness server listening", zap.String("addr", ln.Addr().String()))
	return nil
}

// Addr returns the bound address, or the configured one before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Shutdown stops the server and waits for the serve loop to exit.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv, done := s.srv, s.done
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("liveness: shutdown: %w", err)
	}
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}
