package server

import (
	"net/http"
	"sync"
	"time"

	// gorilla/websocket backs both the public mirror socket and the
	// device reporting socket.
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	// Rate limiting for inbound device frames to prevent message flooding.
	"golang.org/x/time/rate"

	"github.com/sleepy-project/sleepy/internal/auth"
	"github.com/sleepy-project/sleepy/internal/broadcast"
	"github.com/sleepy-project/sleepy/internal/plugin"
	"github.com/sleepy-project/sleepy/internal/status"
)

// Socket timing. Pings keep NAT mappings alive and detect dead peers; a
// peer that answers neither pings nor sends anything within pongWait is
// disconnected.
const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 512 * 1024
)

// Device frame limits. A device may burst a handful of reports (for
// example on reconnect) but is held to a steady rate afterwards.
const (
	deviceFrameRate  = rate.Limit(5)
	deviceFrameBurst = 10
)

// Config holds the listener and protocol settings of a Server.
type Config struct {
	// Addr is the address to listen on (e.g., "0.0.0.0:9010").
	Addr string

	// Version is reported in X-Sleepy-Version and by the root endpoint.
	Version string

	// CookieName is the browser session cookie accepted by cookie-aware
	// endpoints. Empty disables cookie tokens.
	CookieName string

	// PingInterval is the event-stream keep-alive period. 0 disables pings.
	PingInterval time.Duration

	// WSRefreshInterval is how often the public socket pushes a full
	// snapshot. Values <= 0 fall back to 5 seconds.
	WSRefreshInterval time.Duration

	// Dev is reported by the local status endpoint.
	Dev bool
}

// Deps are the services a Server routes requests to.
type Deps struct {
	Auth    *auth.Service
	Status  *status.Service
	Hub     *broadcast.Hub
	Plugins *plugin.Registry
	Logger  *zap.Logger
}

// Server serves the HTTP API, the event stream and both WebSocket
// endpoints. It owns no state of its own beyond open connections: status
// lives in the status service, fan-out in the hub.
type Server struct {
	// cfg is the immutable listener and protocol configuration.
	cfg Config

	// auth validates tokens and manages sessions.
	auth *auth.Service

	// status reads and mutates the persisted status and devices.
	status *status.Service

	// hub fans events out to event streams and public sockets.
	hub *broadcast.Hub

	// plugins contributes extra routes and adjusts every response.
	plugins *plugin.Registry

	// logger is the "server" named logger.
	logger *zap.Logger

	// upgrader converts HTTP connections to WebSocket connections.
	// Status is public data, so connections from any origin are accepted.
	upgrader websocket.Upgrader

	// startTime is captured at construction for uptime reporting.
	startTime time.Time

	// mu protects the fields below from concurrent access.
	mu sync.RWMutex

	// clients tracks every open WebSocket connection, public and device.
	// Stop signals each of them to send a close frame.
	clients map[*Client]struct{}

	// stopped indicates whether Stop has run. New sockets are refused
	// afterwards.
	stopped bool

	// tasks counts background loops started by open sockets. Stop waits
	// for them; see spawn.
	tasks sync.WaitGroup

	// httpServer is the underlying HTTP server for graceful shutdown.
	httpServer *http.Server

	// listenAddr is the address actually bound, which differs from
	// cfg.Addr when port 0 was requested.
	listenAddr string

	// tlsEnabled records whether the listener was wrapped in TLS.
	tlsEnabled bool
}

// Client is one open WebSocket connection.
type Client struct {
	// server is the owning server, used to unregister on disconnect.
	server *Server

	// conn is the underlying WebSocket connection. Only writePump writes
	// to it; only readPump reads from it.
	conn *websocket.Conn

	// send queues outgoing frames for writePump.
	send chan outFrame

	// done is closed exactly once (via closeSend) to stop writePump.
	done     chan struct{}
	sendOnce sync.Once

	// deviceID is set for device sockets and empty for public sockets.
	deviceID string

	// logger carries the connection's fields (remote address, device).
	logger *zap.Logger
}

// outFrame is one queued WebSocket message.
type outFrame struct {
	// kind is websocket.TextMessage, BinaryMessage or CloseMessage.
	kind int
	data []byte
}

// channelBufferSize is the per-client send buffer. A client that falls
// this far behind is disconnected instead of blocking its producers.
const channelBufferSize = broadcast.DefaultBufferSize
