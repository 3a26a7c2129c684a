package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/klauspost/compress/gzhttp"
)

// createRouter sets up every route. Plugin routes are added last so they
// cannot shadow core endpoints.
func (s *Server) createRouter() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/", s.handleRoot).Methods(http.MethodGet)
	r.HandleFunc("/api/health", s.handleHealth).Methods(http.MethodGet)

	// Credentials and sessions.
	r.HandleFunc("/api/init", s.handleInitStatus).Methods(http.MethodGet)
	r.HandleFunc("/api/init", s.handleInit).Methods(http.MethodPost)
	r.HandleFunc("/api/auth/login", s.handleLogin).Methods(http.MethodPost)
	r.HandleFunc("/api/auth/refresh", s.handleRefresh).Methods(http.MethodPost)
	r.HandleFunc("/api/auth/check", s.handleCheck).Methods(http.MethodGet)

	// Status. Snapshot and list responses can be large, so they are
	// compressed; streams and sockets never are.
	r.Handle("/api/query", gzhttp.GzipHandler(http.HandlerFunc(s.handleQuery))).Methods(http.MethodGet)
	both(r, http.MethodGet, "/api/status", http.HandlerFunc(s.handleGetStatus))
	both(r, http.MethodPost, "/api/status", http.HandlerFunc(s.handleSetStatus))

	// Devices.
	both(r, http.MethodGet, "/api/devices", gzhttp.GzipHandler(http.HandlerFunc(s.handleListDevices)))
	both(r, http.MethodPost, "/api/devices", http.HandlerFunc(s.handleCreateDevice))
	both(r, http.MethodDelete, "/api/devices", http.HandlerFunc(s.handleClearDevices))
	r.HandleFunc("/api/devices/{id}/ws", s.handleDeviceSocket).Methods(http.MethodGet)
	r.HandleFunc("/api/devices/{id}/reset-token", s.handleResetDeviceToken).Methods(http.MethodPost)
	r.HandleFunc("/api/devices/{id}/reset-access-token", s.handleResetDeviceAccessToken).Methods(http.MethodPost)
	r.HandleFunc("/api/devices/{id}", s.handleGetDevice).Methods(http.MethodGet)
	r.HandleFunc("/api/devices/{id}", s.handleUpdateDevice).Methods(http.MethodPut)
	r.HandleFunc("/api/devices/{id}", s.handleDeleteDevice).Methods(http.MethodDelete)

	// Live updates.
	r.HandleFunc("/api/events", s.handleEvents).Methods(http.MethodGet)
	r.HandleFunc("/api/ws", s.handlePublicSocket).Methods(http.MethodGet)

	// Local-only host status for the CLI.
	r.Handle("/api/server/status", NewStatusHandler(s))

	s.plugins.RegisterRoutes(r)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, ErrorResponse{Code: http.StatusNotFound, Message: http.StatusText(http.StatusNotFound)})
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, ErrorResponse{Code: http.StatusMethodNotAllowed, Message: http.StatusText(http.StatusMethodNotAllowed)})
	})
	return r
}

// both registers h for path with and without a trailing slash.
func both(r *mux.Router, method, path string, h http.Handler) {
	r.Handle(path, h).Methods(method)
	r.Handle(path+"/", h).Methods(method)
}

// parseVersion splits "v1.2.3" or "1.2.3-rc1" into numeric parts. Any
// unparsable component yields all zeros.
func parseVersion(v string) [3]int {
	var out [3]int
	v = strings.TrimPrefix(v, "v")
	if i := strings.IndexAny(v, "-+"); i >= 0 {
		v = v[:i]
	}
	for i, part := range strings.SplitN(v, ".", 3) {
		n, err := strconv.Atoi(part)
		if err != nil {
			return [3]int{}
		}
		out[i] = n
	}
	return out
}
