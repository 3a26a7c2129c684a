package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	hostErrors "github.com/sleepy-project/sleepy/internal/errors"
	"github.com/sleepy-project/sleepy/internal/storage"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time           { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestService(t *testing.T, mutate func(*Config)) (*Service, *storage.Store, *fakeClock) {
	t.Helper()
	store, err := storage.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	cfg := Config{
		AccessTTL:        time.Hour,
		RefreshTTL:       30 * 24 * time.Hour,
		DeviceRefreshTTL: 365 * 24 * time.Hour,
		BcryptCost:       bcrypt.MinCost,
		TimeNow:          clock.Now,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return NewService(store, cfg, nil), store, clock
}

func initialized(t *testing.T, s *Service) {
	t.Helper()
	require.NoError(t, s.Credentials().Initialize(context.Background(), "hunter2", false))
}

func requireCode(t *testing.T, err error, code, message string) {
	t.Helper()
	require.Error(t, err)
	assert.Equal(t, code, hostErrors.GetCode(err))
	if message != "" {
		assert.Equal(t, message, hostErrors.GetMessage(err))
	}
}

// TestParseTokenType covers three-part, legacy and nested-kind forms.
func TestParseTokenType(t *testing.T) {
	tt, err := ParseTokenType("auth_access:web:abc")
	require.NoError(t, err)
	assert.Equal(t, TokenType{Role: RoleAccess, Kind: KindWeb, Owner: "abc"}, tt)
	assert.Equal(t, "auth_access:web:abc", tt.String())

	tt, err = ParseTokenType("auth_refresh:abc")
	require.NoError(t, err)
	assert.Equal(t, TokenType{Role: RoleRefresh, Owner: "abc"}, tt)
	assert.Equal(t, "auth_refresh:abc", tt.String())

	tt, err = ParseTokenType("auth_access:a:b:owner")
	require.NoError(t, err)
	assert.Equal(t, Kind("a:b"), tt.Kind)
	assert.Equal(t, "owner", tt.Owner)

	_, err = ParseTokenType("")
	assert.Error(t, err)
}

func TestFingerprint(t *testing.T) {
	sum := sha256.Sum256([]byte("web"))
	assert.Equal(t, hex.EncodeToString(sum[:]), Fingerprint("web"))
	assert.Len(t, Fingerprint("device-1"), 64)
}

// TestCredentials verifies initialize-once and both password forms.
func TestCredentials(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestService(t, nil)
	creds := s.Credentials()

	ok, err := creds.IsInitialized(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	requireCode(t, creds.Verify(ctx, "x", false), hostErrors.CodeForbidden, "Auth not initialized")

	initialized(t, s)
	ok, err = creds.IsInitialized(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	requireCode(t, creds.Initialize(ctx, "other", false), hostErrors.CodeConflict, "Auth already initialized")

	assert.NoError(t, creds.Verify(ctx, "hunter2", false))
	pre := sha256.Sum256([]byte("hunter2"))
	assert.NoError(t, creds.Verify(ctx, hex.EncodeToString(pre[:]), true), "pre-hashed form matches")
	requireCode(t, creds.Verify(ctx, "wrong", false), hostErrors.CodeUnauthorized, "Incorrect password")
	requireCode(t, creds.Verify(ctx, "hunter2", true), hostErrors.CodeUnauthorized, "Incorrect password")
}

func TestLogin_Errors(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestService(t, nil)

	_, err := s.Login(ctx, LoginRequest{Password: "hunter2"})
	requireCode(t, err, hostErrors.CodeForbidden, "Auth not initialized")

	initialized(t, s)

	_, err = s.Login(ctx, LoginRequest{Password: "nope"})
	requireCode(t, err, hostErrors.CodeUnauthorized, "Incorrect password")

	_, err = s.Login(ctx, LoginRequest{Password: "hunter2", Kind: KindDev})
	requireCode(t, err, hostErrors.CodeForbidden, "")

	_, err = s.Login(ctx, LoginRequest{Password: "hunter2", Kind: KindDevice})
	requireCode(t, err, hostErrors.CodeBadRequest, "")
}

// TestLogin_RevokesPreviousSession verifies one live session per identity.
func TestLogin_RevokesPreviousSession(t *testing.T) {
	ctx := context.Background()
	s, store, clock := newTestService(t, nil)
	initialized(t, s)

	first, err := s.Login(ctx, LoginRequest{Password: "hunter2"})
	require.NoError(t, err)
	assert.Equal(t, KindWeb, first.Type)
	require.NotNil(t, first.ExpiresAt)
	assert.InDelta(t, storage.UnixSeconds(clock.Now().Add(time.Hour)), *first.ExpiresAt, 1e-3)

	second, err := s.Login(ctx, LoginRequest{Password: "hunter2"})
	require.NoError(t, err)
	assert.NotEqual(t, first.Token, second.Token)

	_, err = s.Authorize(ctx, first.Token, Policy{})
	requireCode(t, err, hostErrors.CodeUnauthorized, "Invalid token")
	_, err = s.Authorize(ctx, second.Token, Policy{})
	assert.NoError(t, err)

	rows, err := store.ListTokensMatching(ctx, "%")
	require.NoError(t, err)
	assert.Len(t, rows, 2)

	// A different device_uid is a different identity.
	other, err := s.Login(ctx, LoginRequest{Password: "hunter2", DeviceUID: "browser-1"})
	require.NoError(t, err)
	_, err = s.Authorize(ctx, second.Token, Policy{})
	assert.NoError(t, err)
	rec, err := s.Authorize(ctx, other.Token, Policy{})
	require.NoError(t, err)
	assert.Equal(t, Fingerprint("browser-1"), rec.Type.Owner)
}

func TestLogin_RateLimited(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestService(t, func(c *Config) { c.LoginAttemptsPerMinute = 2 })
	initialized(t, s)

	for i := 0; i < 2; i++ {
		_, err := s.Login(ctx, LoginRequest{Password: "wrong"})
		requireCode(t, err, hostErrors.CodeUnauthorized, "")
	}
	_, err := s.Login(ctx, LoginRequest{Password: "hunter2"})
	requireCode(t, err, hostErrors.CodeRateLimited, "")
}

// TestRefresh_Success verifies the old access token is revoked and the
// refresh token is kept.
func TestRefresh_Success(t *testing.T) {
	ctx := context.Background()
	s, store, clock := newTestService(t, nil)
	initialized(t, s)

	pair, err := s.Login(ctx, LoginRequest{Password: "hunter2"})
	require.NoError(t, err)

	clock.Advance(10 * time.Minute)
	next, err := s.Refresh(ctx, pair.Token, pair.RefreshToken)
	require.NoError(t, err)
	assert.NotEqual(t, pair.Token, next.Token)
	assert.Equal(t, pair.RefreshToken, next.RefreshToken)
	assert.Equal(t, KindWeb, next.Type)

	_, err = s.Authorize(ctx, pair.Token, Policy{})
	requireCode(t, err, hostErrors.CodeUnauthorized, "Invalid token")
	_, err = s.Authorize(ctx, next.Token, Policy{})
	assert.NoError(t, err)

	row, err := store.GetToken(ctx, pair.RefreshToken)
	require.NoError(t, err)
	assert.InDelta(t, storage.UnixSeconds(clock.Now()), row.LastActive, 1e-3)
}

func TestRefresh_Failures(t *testing.T) {
	ctx := context.Background()

	t.Run("not initialized", func(t *testing.T) {
		s, _, _ := newTestService(t, nil)
		_, err := s.Refresh(ctx, "a", "b")
		requireCode(t, err, hostErrors.CodeForbidden, "Auth not initialized")
	})

	t.Run("unknown tokens", func(t *testing.T) {
		s, _, _ := newTestService(t, nil)
		initialized(t, s)
		_, err := s.Refresh(ctx, "a", "b")
		requireCode(t, err, hostErrors.CodeUnauthorized, "Invalid token")

		pair, err := s.Login(ctx, LoginRequest{Password: "hunter2"})
		require.NoError(t, err)
		_, err = s.Refresh(ctx, pair.Token, "b")
		requireCode(t, err, hostErrors.CodeUnauthorized, "Invalid refresh token")
	})

	t.Run("swapped roles", func(t *testing.T) {
		s, _, _ := newTestService(t, nil)
		initialized(t, s)
		pair, err := s.Login(ctx, LoginRequest{Password: "hunter2"})
		require.NoError(t, err)
		_, err = s.Refresh(ctx, pair.RefreshToken, pair.Token)
		requireCode(t, err, hostErrors.CodeUnauthorized, "Invalid token")
	})

	t.Run("pair mismatch", func(t *testing.T) {
		s, _, _ := newTestService(t, nil)
		initialized(t, s)
		a, err := s.Login(ctx, LoginRequest{Password: "hunter2", DeviceUID: "a"})
		require.NoError(t, err)
		b, err := s.Login(ctx, LoginRequest{Password: "hunter2", DeviceUID: "b"})
		require.NoError(t, err)
		_, err = s.Refresh(ctx, a.Token, b.RefreshToken)
		requireCode(t, err, hostErrors.CodeUnauthorized, "Token pair mismatch")
	})

	t.Run("refresh expired", func(t *testing.T) {
		s, store, clock := newTestService(t, nil)
		initialized(t, s)
		pair, err := s.Login(ctx, LoginRequest{Password: "hunter2"})
		require.NoError(t, err)

		clock.Advance(31 * 24 * time.Hour)
		_, err = s.Refresh(ctx, pair.Token, pair.RefreshToken)
		requireCode(t, err, hostErrors.CodeUnauthorized, "Refresh token expired")

		row, err := store.GetToken(ctx, pair.RefreshToken)
		require.NoError(t, err)
		assert.Nil(t, row, "expired refresh token is deleted")
	})

	t.Run("access expired", func(t *testing.T) {
		s, store, clock := newTestService(t, nil)
		initialized(t, s)
		pair, err := s.Login(ctx, LoginRequest{Password: "hunter2"})
		require.NoError(t, err)

		clock.Advance(2 * time.Hour)
		_, err = s.Refresh(ctx, pair.Token, pair.RefreshToken)
		requireCode(t, err, hostErrors.CodeUnauthorized, "Token expired")

		row, err := store.GetToken(ctx, pair.Token)
		require.NoError(t, err)
		assert.Nil(t, row, "expired access token is deleted")
		row, err = store.GetToken(ctx, pair.RefreshToken)
		require.NoError(t, err)
		assert.NotNil(t, row)
	})
}

// TestAuthorize_Policy walks the role, kind and device checks.
func TestAuthorize_Policy(t *testing.T) {
	ctx := context.Background()
	s, store, _ := newTestService(t, nil)
	initialized(t, s)

	web, err := s.Login(ctx, LoginRequest{Password: "hunter2"})
	require.NoError(t, err)

	var dev1, dev2 *TokenPair
	require.NoError(t, store.WithTx(ctx, func(q *storage.Queries) error {
		var err error
		if dev1, err = s.IssueDeviceSession(ctx, q, "dev-1"); err != nil {
			return err
		}
		dev2, err = s.IssueDeviceSession(ctx, q, "dev-2")
		return err
	}))
	assert.Equal(t, KindDevice, dev1.Type)

	_, err = s.Authorize(ctx, "", Policy{})
	requireCode(t, err, hostErrors.CodeUnauthorized, "Missing token")

	_, err = s.Authorize(ctx, "nope", Policy{})
	requireCode(t, err, hostErrors.CodeUnauthorized, "Invalid token")

	_, err = s.Authorize(ctx, web.RefreshToken, Policy{})
	requireCode(t, err, hostErrors.CodeUnauthorized, "Invalid token")

	_, err = s.Authorize(ctx, dev1.Token, Policy{Kinds: AdminKinds})
	requireCode(t, err, hostErrors.CodeUnauthorized, "Invalid token")

	rec, err := s.Authorize(ctx, dev1.Token, Policy{Device: "dev-1"})
	require.NoError(t, err)
	assert.Equal(t, KindDevice, rec.Type.Kind)

	_, err = s.Authorize(ctx, dev2.Token, Policy{Device: "dev-1"})
	requireCode(t, err, hostErrors.CodeForbidden, "Unauthorized for this device")

	rec, err = s.Authorize(ctx, web.Token, Policy{Device: "dev-1"})
	require.NoError(t, err, "admin tokens bypass the device check")
	assert.Equal(t, KindWeb, rec.Type.Kind)

	rec, err = s.Authorize(ctx, web.RefreshToken, Policy{Roles: []Role{RoleRefresh}})
	require.NoError(t, err)
	assert.Equal(t, RoleRefresh, rec.Type.Role)

	rec, err = s.Authorize(ctx, "nope", Policy{Optional: true})
	assert.NoError(t, err)
	assert.Nil(t, rec)
}

func TestAuthorize_ExpiredDeleted(t *testing.T) {
	ctx := context.Background()
	s, store, clock := newTestService(t, nil)
	initialized(t, s)

	pair, err := s.Login(ctx, LoginRequest{Password: "hunter2"})
	require.NoError(t, err)

	clock.Advance(61 * time.Minute)
	_, err = s.Authorize(ctx, pair.Token, Policy{})
	requireCode(t, err, hostErrors.CodeUnauthorized, "Invalid token")

	row, err := store.GetToken(ctx, pair.Token)
	require.NoError(t, err)
	assert.Nil(t, row)
}

// TestAuthorize_DevMode verifies dev tokens only pass while dev mode is on.
func TestAuthorize_DevMode(t *testing.T) {
	ctx := context.Background()
	s, store, _ := newTestService(t, func(c *Config) { c.DevMode = true })
	initialized(t, s)

	pair, err := s.Login(ctx, LoginRequest{Password: "hunter2", Kind: KindDev})
	require.NoError(t, err)
	assert.Equal(t, KindDev, pair.Type)

	_, err = s.Authorize(ctx, pair.Token, Policy{Kinds: AdminKinds})
	require.NoError(t, err)

	// Same ledger, dev mode off.
	off := NewService(store, Config{AccessTTL: time.Hour, TimeNow: s.cfg.TimeNow}, nil)
	_, err = off.Authorize(ctx, pair.Token, Policy{Kinds: AdminKinds})
	requireCode(t, err, hostErrors.CodeUnauthorized, "Invalid token")
	_, err = off.Authorize(ctx, pair.Token, Policy{})
	requireCode(t, err, hostErrors.CodeUnauthorized, "Invalid token")
}

func TestAuthorize_TouchesLastActive(t *testing.T) {
	ctx := context.Background()
	s, store, clock := newTestService(t, nil)
	initialized(t, s)

	pair, err := s.Login(ctx, LoginRequest{Password: "hunter2"})
	require.NoError(t, err)

	clock.Advance(5 * time.Minute)
	_, err = s.Authorize(ctx, pair.Token, Policy{})
	require.NoError(t, err)

	row, err := store.GetToken(ctx, pair.Token)
	require.NoError(t, err)
	assert.InDelta(t, storage.UnixSeconds(clock.Now()), row.LastActive, 1e-3)
}

func TestCheck(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestService(t, nil)
	initialized(t, s)

	pair, err := s.Login(ctx, LoginRequest{Password: "hunter2"})
	require.NoError(t, err)

	res, err := s.Check(ctx, pair.Token)
	require.NoError(t, err)
	assert.Equal(t, KindWeb, res.Type)
	assert.Equal(t, pair.ExpiresAt, res.ExpiresAt)

	_, err = s.Check(ctx, "bogus")
	requireCode(t, err, hostErrors.CodeForbidden, "Invalid token")
	_, err = s.Check(ctx, "")
	requireCode(t, err, hostErrors.CodeForbidden, "Invalid token")
}

// TestDeviceTokens covers access-only reissue and revocation.
func TestDeviceTokens(t *testing.T) {
	ctx := context.Background()
	s, store, clock := newTestService(t, nil)

	var pair *TokenPair
	require.NoError(t, store.WithTx(ctx, func(q *storage.Queries) error {
		var err error
		pair, err = s.IssueDeviceSession(ctx, q, "dev-1")
		return err
	}))

	refresh, err := store.GetToken(ctx, pair.RefreshToken)
	require.NoError(t, err)
	assert.InDelta(t, storage.UnixSeconds(clock.Now().Add(365*24*time.Hour)), refresh.Expire, 1e-3)

	var access *AccessToken
	require.NoError(t, store.WithTx(ctx, func(q *storage.Queries) error {
		var err error
		access, err = s.IssueDeviceAccess(ctx, q, "dev-1")
		return err
	}))
	assert.NotEqual(t, pair.Token, access.Token)

	_, err = s.Authorize(ctx, pair.Token, Policy{})
	requireCode(t, err, hostErrors.CodeUnauthorized, "Invalid token")
	_, err = s.Authorize(ctx, access.Token, Policy{Device: "dev-1"})
	require.NoError(t, err)
	refresh, err = store.GetToken(ctx, pair.RefreshToken)
	require.NoError(t, err)
	assert.NotNil(t, refresh, "refresh token survives access reissue")

	require.NoError(t, store.WithTx(ctx, func(q *storage.Queries) error {
		n, err := s.RevokeDevice(ctx, q, "dev-1")
		assert.Equal(t, int64(2), n)
		return err
	}))
	rows, err := store.ListTokensMatching(ctx, "%")
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestRevokeOwner_Legacy(t *testing.T) {
	ctx := context.Background()
	s, store, _ := newTestService(t, nil)
	owner := Fingerprint("web")

	require.NoError(t, store.InsertToken(ctx, &storage.Token{Token: "old", Type: "auth_access:" + owner}))
	require.NoError(t, store.InsertToken(ctx, &storage.Token{Token: "new", Type: "auth_refresh:web:" + owner}))
	require.NoError(t, store.InsertToken(ctx, &storage.Token{Token: "keep", Type: "auth_access:web:" + Fingerprint("other")}))

	rec, err := s.Authorize(ctx, "old", Policy{})
	require.NoError(t, err, "legacy rows pass kind-agnostic checks")
	assert.Equal(t, Kind(""), rec.Type.Kind)

	n, err := s.revokeOwner(ctx, store.Queries, owner)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	rows, err := store.ListTokensMatching(ctx, "%")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "keep", rows[0].Token)
}

func TestDeviceTokenCount(t *testing.T) {
	s, store, clock := newTestService(t, nil)
	ctx := context.Background()

	n, err := s.DeviceTokenCount(ctx, "dev-1")
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, store.WithTx(ctx, func(q *storage.Queries) error {
		if _, err := s.IssueDeviceSession(ctx, q, "dev-1"); err != nil {
			return err
		}
		_, err := s.IssueDeviceSession(ctx, q, "dev-2")
		return err
	}))

	n, err = s.DeviceTokenCount(ctx, "dev-1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// The access token lapses, the refresh token does not.
	clock.Advance(2 * time.Hour)
	n, err = s.DeviceTokenCount(ctx, "dev-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, store.WithTx(ctx, func(q *storage.Queries) error {
		_, err := s.RevokeDevice(ctx, q, "dev-1")
		return err
	}))
	n, err = s.DeviceTokenCount(ctx, "dev-1")
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = s.DeviceTokenCount(ctx, "dev-2")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
