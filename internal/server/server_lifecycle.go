package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// TLSConfig holds the TLS configuration for the server.
type TLSConfig struct {
	// CertPath is the path to the TLS certificate file.
	CertPath string
	// KeyPath is the path to the TLS private key file.
	KeyPath string
}

// StartAsync starts the server in a goroutine and returns any startup errors.
// This is useful when you need to verify the server started successfully
// before proceeding with other initialization (e.g., advertising over mDNS).
//
// The returned channel receives nil if startup succeeded, or an error if
// the listener could not be created (e.g., port already in use).
// After receiving from the channel, the server is either running or failed.
func (s *Server) StartAsync() <-chan error {
	return s.start(nil)
}

// StartAsyncTLS starts the server with TLS in a goroutine and returns any startup errors.
// When TLS is configured, the server only accepts HTTPS/WSS connections.
//
// The returned channel receives nil if startup succeeded, or an error if
// the listener could not be created or TLS configuration failed.
func (s *Server) StartAsyncTLS(tlsCfg TLSConfig) <-chan error {
	cert, err := tls.LoadX509KeyPair(tlsCfg.CertPath, tlsCfg.KeyPath)
	if err != nil {
		errCh := make(chan error, 1)
		errCh <- fmt.Errorf("failed to load TLS certificate: %w", err)
		close(errCh)
		return errCh
	}
	return s.start(&tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	})
}

func (s *Server) start(tlsConfig *tls.Config) <-chan error {
	errCh := make(chan error, 1)

	// Create the listener first to detect port conflicts immediately.
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		errCh <- fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
		close(errCh)
		return errCh
	}
	if tlsConfig != nil {
		ln = tls.NewListener(ln, tlsConfig)
	}

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.mu.Lock()
	s.httpServer = srv
	s.listenAddr = ln.Addr().String()
	s.tlsEnabled = tlsConfig != nil
	s.mu.Unlock()

	go func() {
		s.logger.Info("server listening",
			zap.String("addr", ln.Addr().String()),
			zap.Bool("tls", tlsConfig != nil),
		)
		errCh <- nil
		close(errCh)

		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("server error", zap.Error(err))
		}
	}()

	return errCh
}

// Stop gracefully shuts down the server. Sockets get a close frame, event
// streams end when the hub closes, and in-flight requests may finish until
// ctx expires, after which remaining connections are closed.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true

	// writePump sends the close frame and closes the connection when it
	// sees done closed.
	for client := range s.clients {
		client.closeSend()
	}
	s.clients = make(map[*Client]struct{})
	srv := s.httpServer
	s.mu.Unlock()

	if s.hub != nil {
		s.hub.Close()
	}

	tasksDone := make(chan struct{})
	go func() {
		s.tasks.Wait()
		close(tasksDone)
	}()
	select {
	case <-tasksDone:
	case <-ctx.Done():
		s.logger.Warn("socket tasks still running at shutdown")
	}

	if srv == nil {
		return nil
	}

	if err := srv.Shutdown(ctx); err != nil {
		s.logger.Warn("graceful shutdown timed out, closing", zap.Error(err))
		return srv.Close()
	}
	s.logger.Info("server stopped")
	return nil
}
