package auth

import (
	"net"
	"net/http"
	"strings"
)

// HeaderToken is the dedicated token header.
const HeaderToken = "X-Sleepy-Token"

// TokenFromRequest extracts a token from, in order, the X-Sleepy-Token
// header, an "Authorization: Bearer" header and the named cookie. An empty
// cookieName skips the cookie.
func TokenFromRequest(r *http.Request, cookieName string) string {
	if v := r.Header.Get(HeaderToken); v != "" {
		return v
	}
	if v := r.Header.Get("Authorization"); strings.HasPrefix(v, "Bearer ") {
		if tok := strings.TrimSpace(strings.TrimPrefix(v, "Bearer ")); tok != "" {
			return tok
		}
	}
	if cookieName != "" {
		if c, err := r.Cookie(cookieName); err == nil && c.Value != "" {
			return c.Value
		}
	}
	return ""
}

// IsLoopbackRequest reports whether the request came from the local machine.
// Unparseable addresses are treated as remote; unix socket peers are local.
func IsLoopbackRequest(r *http.Request) bool {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return isUnixSocketRemoteAddr(r.RemoteAddr)
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.IsLoopback()
}

func isUnixSocketRemoteAddr(remoteAddr string) bool {
	if remoteAddr == "" {
		return true
	}
	return strings.HasPrefix(remoteAddr, "/") || strings.HasPrefix(remoteAddr, "@")
}
