package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/sleepy-project/sleepy/internal/broadcast"
)

type socketHello struct {
	Event    string `json:"event"`
	Interval int    `json:"interval"`
}

// handlePublicSocket serves the read-only mirror socket. It announces the
// refresh interval, pushes a full snapshot on that interval and forwards
// every hub event. Inbound frames are ignored.
func (s *Server) handlePublicSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already replied with an HTTP error.
		s.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	logger := s.logger.With(zap.String("remote", r.RemoteAddr), zap.String("socket", "public"))
	c := s.newClient(conn, "", logger)
	if !s.register(c) {
		closeNow(conn, websocket.CloseGoingAway, "Server shutting down")
		return
	}

	sub := s.hub.SubscribeSocket()
	defer s.hub.UnsubscribeSocket(sub)

	go c.writePump()
	c.sendJSON(socketHello{Event: broadcast.EventConnected, Interval: int(s.cfg.WSRefreshInterval / time.Second)})

	// The mirror loop must be gone before the handler returns.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mirrored := s.spawn(func() { s.mirror(ctx, c, sub) })

	logger.Debug("public socket connected", zap.Int("sockets", s.hub.Sockets()))
	c.readPump(func(int, []byte) bool {
		logger.Debug("ignoring payload on public socket")
		return true
	})

	cancel()
	if mirrored != nil {
		<-mirrored
	}
	logger.Debug("public socket closed")
}

// mirror forwards hub events and periodic snapshots until the client goes
// away or the hub drops it.
func (s *Server) mirror(ctx context.Context, c *Client, sub *broadcast.Subscription) {
	ticker := time.NewTicker(s.cfg.WSRefreshInterval)
	defer ticker.Stop()

	s.pushSnapshot(ctx, c)
	for {
		select {
		case <-c.done:
			return
		case <-ctx.Done():
			return
		case <-sub.Done():
			c.closeSend()
			return
		case ev := <-sub.Events():
			if !c.sendJSON(ev) {
				return
			}
		case <-ticker.C:
			s.pushSnapshot(ctx, c)
		}
	}
}

// pushSnapshot sends a refresh event. Failures are logged and retried on
// the next tick.
func (s *Server) pushSnapshot(ctx context.Context, c *Client) {
	snap, _, err := s.status.CachedSnapshot(ctx)
	if err != nil {
		c.logger.Warn("snapshot push failed", zap.Error(err))
		return
	}
	c.sendJSON(broadcast.Event{Name: broadcast.EventRefresh, Data: snap})
}
