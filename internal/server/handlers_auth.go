package server

import (
	"net/http"

	"github.com/sleepy-project/sleepy/internal/auth"
)

type initRequest struct {
	Password string `json:"password"`
	Hashed   *bool  `json:"hashed"`
}

type loginRequest struct {
	Password  string `json:"password"`
	Type      string `json:"type"`
	DeviceUID string `json:"device_uid"`
	Hashed    *bool  `json:"hashed"`
}

type refreshRequest struct {
	Token        string `json:"token"`
	RefreshToken string `json:"refresh_token"`
}

// Passwords arrive pre-hashed unless the client says otherwise.
func hashedOrDefault(b *bool) bool {
	return b == nil || *b
}

func (s *Server) handleInitStatus(w http.ResponseWriter, r *http.Request) {
	ok, err := s.auth.Credentials().IsInitialized(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"initialized": ok})
}

func (s *Server) handleInit(w http.ResponseWriter, r *http.Request) {
	var req initRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.auth.Credentials().Initialize(r.Context(), req.Password, hashedOrDefault(req.Hashed)); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"initialized": true})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	pair, err := s.auth.Login(r.Context(), auth.LoginRequest{
		Password:  req.Password,
		Hashed:    hashedOrDefault(req.Hashed),
		Kind:      auth.Kind(req.Type),
		DeviceUID: req.DeviceUID,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	pair, err := s.auth.Refresh(r.Context(), req.Token, req.RefreshToken)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

// handleCheck accepts the session cookie so browsers can probe their login.
func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	res, err := s.auth.Check(r.Context(), auth.TokenFromRequest(r, s.cfg.CookieName))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// adminPolicy admits web and dev access tokens.
var adminPolicy = auth.Policy{Kinds: auth.AdminKinds}

// authorize validates the request's token against p. Header tokens only;
// the cookie is reserved for endpoints that opt in.
func (s *Server) authorize(w http.ResponseWriter, r *http.Request, p auth.Policy) bool {
	if _, err := s.auth.Authorize(r.Context(), auth.TokenFromRequest(r, ""), p); err != nil {
		s.writeError(w, r, err)
		return false
	}
	return true
}
