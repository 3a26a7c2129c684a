package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sleepy-project/sleepy/internal/broadcast"
	hostErrors "github.com/sleepy-project/sleepy/internal/errors"
)

// writeSSE writes one server-sent event. Multi-line payloads are split
// across data lines as the event-stream format requires.
func writeSSE(w io.Writer, id, event string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	var b strings.Builder
	b.WriteString("id: ")
	b.WriteString(id)
	b.WriteString("\nevent: ")
	b.WriteString(event)
	b.WriteByte('\n')
	for _, line := range strings.Split(string(payload), "\n") {
		b.WriteString("data: ")
		b.WriteString(line)
		b.WriteByte('\n')
	}
	b.WriteByte('\n')
	_, err = io.WriteString(w, b.String())
	return err
}

// handleEvents streams hub events. The stream opens with a "connected"
// event (id 0) carrying a full snapshot; later events get increasing ids.
// A subscriber that falls behind is dropped by the hub and its stream ends.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, r, hostErrors.Internal("Streaming unsupported", nil))
		return
	}

	sub := s.hub.Subscribe()
	defer s.hub.Unsubscribe(sub)

	snap, err := s.status.Snapshot(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if err := writeSSE(w, "0", broadcast.EventConnected, snap); err != nil {
		return
	}
	flusher.Flush()

	var ping <-chan time.Time
	if s.cfg.PingInterval > 0 {
		ticker := time.NewTicker(s.cfg.PingInterval)
		defer ticker.Stop()
		ping = ticker.C
	}

	logger := s.logger.With(zap.String("reqid", requestID(r.Context())))
	logger.Debug("event stream opened", zap.Int("online", s.hub.Online()))

	id := 0
	for {
		select {
		case <-r.Context().Done():
			logger.Debug("event stream closed by client")
			return
		case <-sub.Done():
			logger.Debug("event stream dropped")
			return
		case ev := <-sub.Events():
			id++
			if err := writeSSE(w, strconv.Itoa(id), ev.Name, ev.Data); err != nil {
				logger.Debug("event stream write failed", zap.Error(err))
				return
			}
			flusher.Flush()
		case t := <-ping:
			if _, err := fmt.Fprintf(w, ": ping - %s\n\n", t.UTC().Format(time.RFC3339)); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
