package server

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

func (s *Server) newClient(conn *websocket.Conn, deviceID string, logger *zap.Logger) *Client {
	return &Client{
		server:   s,
		conn:     conn,
		send:     make(chan outFrame, channelBufferSize),
		done:     make(chan struct{}),
		deviceID: deviceID,
		logger:   logger,
	}
}

// closeNow sends a close frame and closes conn. Only use it before the
// pumps start; afterwards queue a close frame with closeWith.
func closeNow(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	conn.Close()
}

// closeSend safely signals the client to shut down exactly once.
// This is safe to call multiple times from different goroutines.
// We only close the done channel (not send) to avoid racing with
// ongoing send operations. All senders check done before sending.
func (c *Client) closeSend() {
	c.sendOnce.Do(func() {
		close(c.done)
	})
}

// enqueue queues a frame without blocking. A client whose buffer is full
// is too slow to keep up and is disconnected.
func (c *Client) enqueue(f outFrame) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- f:
		return true
	case <-c.done:
		return false
	default:
		c.logger.Warn("client send buffer full, disconnecting")
		c.closeSend()
		return false
	}
}

// sendJSON queues v as a text frame.
func (c *Client) sendJSON(v any) bool {
	data, err := json.Marshal(v)
	if err != nil {
		c.logger.Error("failed to marshal message", zap.Error(err))
		return false
	}
	return c.enqueue(outFrame{kind: websocket.TextMessage, data: data})
}

// closeWith queues a close frame; writePump sends it and exits.
func (c *Client) closeWith(code int, reason string) {
	c.enqueue(outFrame{kind: websocket.CloseMessage, data: websocket.FormatCloseMessage(code, reason)})
}

// writePump continuously sends queued frames to the WebSocket.
// It also sends periodic pings to keep the connection alive.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			// Shutdown signaled; send close frame and exit. A close frame
			// queued before the signal wins over the generic one.
			msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "")
			for pending := true; pending; {
				select {
				case f := <-c.send:
					if f.kind == websocket.CloseMessage {
						msg, pending = f.data, false
					}
				default:
					pending = false
				}
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, msg)
			return

		case f := <-c.send:
			// Set a write deadline to prevent hanging on slow connections
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(f.kind, f.data); err != nil {
				c.logger.Debug("write error", zap.Error(err))
				c.closeSend()
				return
			}
			if f.kind == websocket.CloseMessage {
				c.closeSend()
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.closeSend()
				return
			}
		}
	}
}

// readPump reads frames until the peer disconnects, the server stops or
// handle returns false. It blocks, so call it last from the handler.
func (c *Client) readPump(handle func(kind int, data []byte) bool) {
	defer func() {
		c.server.unregister(c)
		// Signals writePump to exit, which closes the connection.
		c.closeSend()
		c.logger.Debug("client disconnected", zap.Int("remaining", c.server.ClientCount()))
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))

	// When we receive a pong (response to our ping), we know the client is alive.
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseAbnormalClosure) {
				c.logger.Debug("read error", zap.Error(err))
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		if !handle(kind, data) {
			return
		}
	}
}
