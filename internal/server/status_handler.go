package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/sleepy-project/sleepy/internal/auth"
)

// StatusResponse contains host status information returned by the
// /api/server/status endpoint. The "sleepy host status" CLI renders it.
type StatusResponse struct {
	// ListeningAddress is the address the host is listening on (e.g., "0.0.0.0:9010").
	ListeningAddress string `json:"listening_address"`

	// Online is the number of open event streams.
	Online int `json:"online"`

	// WSClients is the number of open WebSocket connections, public and device.
	WSClients int `json:"ws_clients"`

	// UptimeSeconds is how long the host has been running, in seconds.
	UptimeSeconds int64 `json:"uptime_seconds"`

	// TLSEnabled indicates whether the host is using TLS encryption.
	TLSEnabled bool `json:"tls_enabled"`

	// Dev indicates whether dev logins are enabled.
	Dev bool `json:"dev"`

	// Version is the running server version.
	Version string `json:"version"`
}

// StatusHandler handles HTTP requests for host status.
// This endpoint is restricted to local machine addresses for security.
type StatusHandler struct {
	server *Server
}

// NewStatusHandler creates a new StatusHandler for s.
func NewStatusHandler(s *Server) *StatusHandler {
	return &StatusHandler{server: s}
}

// ServeHTTP handles HTTP GET requests to the status endpoint.
// It returns a JSON StatusResponse with current host information.
//
// Security: This endpoint only responds to local machine requests.
// Non-local requests receive HTTP 403 Forbidden.
//
// Only GET method is allowed; other methods receive HTTP 405 Method Not Allowed.
func (h *StatusHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !auth.IsLoopbackRequest(r) {
		writeJSON(w, http.StatusForbidden, ErrorResponse{
			Code:    http.StatusForbidden,
			Message: http.StatusText(http.StatusForbidden),
			Detail:  "status endpoint is local-only",
		})
		return
	}

	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, ErrorResponse{
			Code:    http.StatusMethodNotAllowed,
			Message: http.StatusText(http.StatusMethodNotAllowed),
		})
		return
	}

	s := h.server
	resp := StatusResponse{
		ListeningAddress: s.Addr(),
		Online:           s.hub.Online(),
		WSClients:        s.ClientCount(),
		UptimeSeconds:    int64(time.Since(s.startTime).Seconds()),
		TLSEnabled:       s.TLSEnabled(),
		Dev:              s.cfg.Dev,
		Version:          s.cfg.Version,
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		// Response is already partially sent.
		return
	}
}
