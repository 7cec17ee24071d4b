package monitor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Server runs the status API and the state feed hub.
type Server struct {
	port   int
	api    *HTTPAPI
	hub    *Hub
	logger *zap.Logger

	wg       sync.WaitGroup
	mu       sync.Mutex
	running  bool
	srv      *http.Server
	listener net.Listener
}

// NewServer creates a status server. hub may be nil.
func NewServer(port int, api *HTTPAPI, hub *Hub, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{port: port, api: api, hub: hub, logger: logger}
}

// Start binds the port and serves in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("status server is already running")
	}

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", s.port))
	if err != nil {
		s.logger.Error("failed to bind status port", zap.Int("port", s.port), zap.Error(err))
		return fmt.Errorf("failed to bind to port %d: %w", s.port, err)
	}
	s.listener = listener

	if s.hub != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.hub.Run()
		}()
	}

	s.srv = &http.Server{
		Handler:      s.api.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	srv := s.srv
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("status server error", zap.Error(err))
		}
	}()

	s.running = true
	s.logger.Info("status server listening", zap.String("addr", listener.Addr().String()))
	return nil
}

// Addr returns the bound address.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return fmt.Sprintf(":%d", s.port)
	}
	return s.listener.Addr().String()
}

// Shutdown stops the HTTP server. The hub stops when its context is
// cancelled; Shutdown waits for both within ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	srv := s.srv
	s.mu.Unlock()

	if err := srv.Shutdown(ctx); err != nil {
		s.logger.Error("status server shutdown error", zap.Error(err))
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("status server shutdown complete")
		return nil
	case <-ctx.Done():
		s.logger.Warn("status server shutdown timeout exceeded")
		return ctx.Err()
	}
}
