package server

import (
	"net/http"

	hostErrors "github.com/sleepy-project/sleepy/internal/errors"
)

// HeaderCache reports whether /api/query was served from the cache.
const HeaderCache = "X-Cache"

type rootResponse struct {
	Hello      string `json:"hello"`
	Version    [3]int `json:"version"`
	VersionStr string `json:"version_str"`
}

type statusBody struct {
	Status *int `json:"status"`
}

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, rootResponse{
		Hello:      "sleepy",
		Version:    parseVersion(s.cfg.Version),
		VersionStr: s.cfg.Version,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	snap, hit, err := s.status.CachedSnapshot(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if hit {
		w.Header().Set(HeaderCache, "HIT")
	} else {
		w.Header().Set(HeaderCache, "MISS")
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	value, err := s.status.GetStatus(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"status": value})
}

func (s *Server) handleSetStatus(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r, adminPolicy) {
		return
	}
	var body statusBody
	if err := decodeJSON(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	if body.Status == nil {
		s.writeError(w, r, hostErrors.BadRequest("Missing status"))
		return
	}
	if err := s.status.SetStatus(r.Context(), *body.Status); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
