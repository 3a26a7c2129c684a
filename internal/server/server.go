// Package server provides the HTTP, event-stream and WebSocket surface of
// the status broadcaster.
//
// Every mutation goes through the status service, which publishes an event
// on the hub after it commits. This package only translates between the
// wire and those services: it authorizes requests, renders coded errors,
// and pumps hub events into open streams and sockets.
package server

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/sleepy-project/sleepy/internal/plugin"
)

// defaultWSRefreshInterval is used when Config.WSRefreshInterval is unset.
const defaultWSRefreshInterval = 5 * time.Second

// NewServer creates a Server. Call Handler to mount it elsewhere, or
// StartAsync to listen on cfg.Addr.
func NewServer(cfg Config, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.WSRefreshInterval <= 0 {
		cfg.WSRefreshInterval = defaultWSRefreshInterval
	}
	plugins := deps.Plugins
	if plugins == nil {
		plugins = plugin.NewRegistry(logger)
	}
	return &Server{
		cfg:     cfg,
		auth:    deps.Auth,
		status:  deps.Status,
		hub:     deps.Hub,
		plugins: plugins,
		logger:  logger.Named("server"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		startTime: time.Now(),
		clients:   make(map[*Client]struct{}),
	}
}

// Addr returns the bound listen address once started, else the configured one.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listenAddr != "" {
		return s.listenAddr
	}
	return s.cfg.Addr
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.withMiddleware(s.createRouter())
}

// ClientCount returns the number of open WebSocket connections.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// TLSEnabled reports whether the server listens with TLS.
func (s *Server) TLSEnabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tlsEnabled
}

// register adds a client. It returns false once the server is stopped.
func (s *Server) register(c *Client) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	s.clients[c] = struct{}{}
	return true
}

// spawn runs fn on its own goroutine and returns a channel closed when fn
// returns. It returns nil without running fn once Stop has begun.
func (s *Server) spawn(fn func()) <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.tasks.Add(1)
	done := make(chan struct{})
	go func() {
		defer s.tasks.Done()
		defer close(done)
		fn()
	}()
	return done
}

func (s *Server) unregister(c *Client) {
	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
}
