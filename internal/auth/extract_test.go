package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTokenFromRequest(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Empty(t, TokenFromRequest(r, "sleepy-token"))

	r.AddCookie(&http.Cookie{Name: "sleepy-token", Value: "from-cookie"})
	assert.Equal(t, "from-cookie", TokenFromRequest(r, "sleepy-token"))
	assert.Empty(t, TokenFromRequest(r, ""), "cookie ignored without a name")

	r.Header.Set("Authorization", "Bearer from-bearer")
	assert.Equal(t, "from-bearer", TokenFromRequest(r, "sleepy-token"))

	r.Header.Set(HeaderToken, "from-header")
	assert.Equal(t, "from-header", TokenFromRequest(r, "sleepy-token"))

	r2 := httptest.NewRequest(http.MethodGet, "/", nil)
	r2.Header.Set("Authorization", "Basic abc")
	assert.Empty(t, TokenFromRequest(r2, ""))
}

func TestIsLoopbackRequest(t *testing.T) {
	cases := map[string]bool{
		"127.0.0.1:5000":   true,
		"[::1]:5000":       true,
		"192.168.1.4:5000": false,
		"":                 true,
		"/tmp/sleepy.sock": true,
		"garbage":          false,
	}
	for addr, want := range cases {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.RemoteAddr = addr
		assert.Equal(t, want, IsLoopbackRequest(r), addr)
	}
}
