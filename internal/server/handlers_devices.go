package server

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/sleepy-project/sleepy/internal/auth"
	"github.com/sleepy-project/sleepy/internal/status"
)

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.status.ListDevices(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]status.Device{"devices": devices})
}

func (s *Server) handleCreateDevice(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r, adminPolicy) {
		return
	}
	var req status.CreateDeviceRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	creds, err := s.status.CreateDevice(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, creds)
}

func (s *Server) handleClearDevices(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r, adminPolicy) {
		return
	}
	if _, err := s.status.ClearDevices(r.Context()); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	d, err := s.status.GetDevice(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// handleUpdateDevice admits admin tokens and the device's own token.
func (s *Server) handleUpdateDevice(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !s.authorize(w, r, auth.Policy{Kinds: auth.AllKinds, Device: id}) {
		return
	}
	var upd status.DeviceUpdate
	if err := decodeJSON(r, &upd); err != nil {
		s.writeError(w, r, err)
		return
	}
	if _, err := s.status.UpdateDevice(r.Context(), id, upd); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteDevice(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r, adminPolicy) {
		return
	}
	if err := s.status.DeleteDevice(r.Context(), mux.Vars(r)["id"]); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleResetDeviceToken(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r, adminPolicy) {
		return
	}
	creds, err := s.status.ResetDeviceToken(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, creds)
}

func (s *Server) handleResetDeviceAccessToken(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r, adminPolicy) {
		return
	}
	tok, err := s.status.ResetDeviceAccessToken(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tok)
}
