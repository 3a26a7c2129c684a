package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	hostErrors "github.com/sleepy-project/sleepy/internal/errors"
)

// Response headers set on every request.
const (
	HeaderVersion   = "X-Sleepy-Version"
	HeaderRequestID = "X-Sleepy-Request-Id"
)

type ctxKey int

const requestIDKey ctxKey = iota

// requestID returns the id assigned by the middleware, or "-" outside a request.
func requestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return "-"
}

// responseRecorder captures the status code and lets plugins adjust
// headers right before they are sent.
type responseRecorder struct {
	http.ResponseWriter
	r           *http.Request
	modify      func(r *http.Request, h http.Header, status int)
	status      int
	wroteHeader bool
	hijacked    bool
}

func (rw *responseRecorder) WriteHeader(status int) {
	if rw.wroteHeader {
		return
	}
	rw.wroteHeader = true
	rw.status = status
	if rw.modify != nil {
		rw.modify(rw.r, rw.Header(), status)
	}
	rw.ResponseWriter.WriteHeader(status)
}

func (rw *responseRecorder) Write(b []byte) (int, error) {
	if !rw.wroteHeader {
		rw.WriteHeader(http.StatusOK)
	}
	return rw.ResponseWriter.Write(b)
}

// Flush supports streaming responses.
func (rw *responseRecorder) Flush() {
	if !rw.wroteHeader {
		rw.WriteHeader(http.StatusOK)
	}
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack supports WebSocket upgrades.
func (rw *responseRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	conn, buf, err := h.Hijack()
	if err == nil {
		rw.hijacked = true
		rw.status = http.StatusSwitchingProtocols
	}
	return conn, buf, err
}

func (rw *responseRecorder) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// withMiddleware wraps next with request ids, access logging, version
// headers, plugin response modifiers and panic recovery.
func (s *Server) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		reqID := uuid.NewString()
		r = r.WithContext(context.WithValue(r.Context(), requestIDKey, reqID))

		w.Header().Set(HeaderVersion, s.cfg.Version)
		w.Header().Set(HeaderRequestID, reqID)

		rw := &responseRecorder{ResponseWriter: w, r: r, modify: s.plugins.ModifyResponse}

		s.logger.Debug("Incoming request",
			zap.String("reqid", reqID),
			zap.String("remote", r.RemoteAddr),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
		)

		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				s.logger.Error("handler panic",
					zap.String("reqid", reqID),
					zap.Any("panic", rec),
					zap.Stack("stack"),
				)
				if !rw.wroteHeader && !rw.hijacked {
					s.writeError(rw, r, hostErrors.Internal("Internal Server Error", errors.New(fmt.Sprint(rec))))
				}
			}

			status := rw.status
			if status == 0 {
				status = http.StatusOK
			}
			s.logger.Info("Outgoing response",
				zap.String("reqid", reqID),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", status),
				zap.Duration("duration", time.Since(start)),
			)
		}()

		next.ServeHTTP(rw, r)
	})
}
