package auth

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	hostErrors "github.com/sleepy-project/sleepy/internal/errors"
	"github.com/sleepy-project/sleepy/internal/storage"
)

// Config controls token lifetimes and login policy.
type Config struct {
	AccessTTL        time.Duration
	RefreshTTL       time.Duration
	DeviceRefreshTTL time.Duration

	// DevMode enables the dev login kind. When false, dev tokens are
	// rejected everywhere even if they exist in the ledger.
	DevMode bool

	// LoginAttemptsPerMinute throttles password logins. 0 disables the limit.
	LoginAttemptsPerMinute int

	// BcryptCost is the work factor for new password hashes. 0 = default.
	BcryptCost int

	// TimeNow overrides the clock. Nil uses time.Now.
	TimeNow func() time.Time
}

// Service issues, refreshes and checks tokens.
type Service struct {
	store   *storage.Store
	creds   *Credentials
	cfg     Config
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewService creates the auth service on top of store.
func NewService(store *storage.Store, cfg Config, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		store:  store,
		creds:  NewCredentials(store, cfg.BcryptCost, logger),
		cfg:    cfg,
		logger: logger.Named("auth"),
	}
	if cfg.LoginAttemptsPerMinute > 0 {
		n := cfg.LoginAttemptsPerMinute
		s.limiter = rate.NewLimiter(rate.Limit(float64(n)/60), n)
	}
	return s
}

// Credentials returns the credential store.
func (s *Service) Credentials() *Credentials {
	return s.creds
}

// DevMode reports whether dev logins are enabled.
func (s *Service) DevMode() bool {
	return s.cfg.DevMode
}

func (s *Service) now() time.Time {
	if s.cfg.TimeNow != nil {
		return s.cfg.TimeNow()
	}
	return time.Now()
}

func zapDigest(value string) zap.Field {
	return zap.String("token", digest(value))
}

// TokenPair is an access token with its refresh token.
type TokenPair struct {
	Token        string   `json:"token"`
	RefreshToken string   `json:"refresh_token"`
	ExpiresAt    *float64 `json:"expires_at"`
	Type         Kind     `json:"type"`
}

// AccessToken is a single issued access token.
type AccessToken struct {
	Token     string   `json:"token"`
	ExpiresAt *float64 `json:"expires_at"`
	Type      Kind     `json:"type"`
}

// LoginRequest is a password login.
type LoginRequest struct {
	Password  string
	Hashed    bool
	Kind      Kind   // web if empty
	DeviceUID string // optional stable id of the logging-in browser
}

// Login verifies the password and starts a new session, revoking earlier
// sessions of the same identity.
func (s *Service) Login(ctx context.Context, req LoginRequest) (*TokenPair, error) {
	if s.limiter != nil && !s.limiter.Allow() {
		s.logger.Warn("login rate limited")
		return nil, hostErrors.RateLimited("Too many login attempts")
	}

	kind := req.Kind
	if kind == "" {
		kind = KindWeb
	}
	switch kind {
	case KindWeb:
	case KindDev:
		if !s.cfg.DevMode {
			return nil, hostErrors.Forbidden("Dev login disabled in this environment")
		}
	default:
		return nil, hostErrors.BadRequest("Invalid login type")
	}

	if err := s.creds.Verify(ctx, req.Password, req.Hashed); err != nil {
		return nil, err
	}

	identity := req.DeviceUID
	if identity == "" {
		identity = string(kind)
	}
	owner := Fingerprint(identity)

	var pair *TokenPair
	err := s.store.WithTx(ctx, func(q *storage.Queries) error {
		var err error
		pair, err = s.startSession(ctx, q, kind, owner, s.cfg.RefreshTTL)
		return err
	})
	if err != nil {
		return nil, hostErrors.Internal("Cannot issue tokens", err)
	}

	s.logger.Info("login", zap.String("kind", string(kind)), zapDigest(pair.Token))
	return pair, nil
}

// startSession revokes every token of owner and issues a fresh pair.
func (s *Service) startSession(ctx context.Context, q *storage.Queries, kind Kind, owner string, refreshTTL time.Duration) (*TokenPair, error) {
	if _, err := s.revokeOwner(ctx, q, owner); err != nil {
		return nil, err
	}
	access, err := s.issue(ctx, q, TokenType{Role: RoleAccess, Kind: kind, Owner: owner}, s.cfg.AccessTTL)
	if err != nil {
		return nil, err
	}
	refresh, err := s.issue(ctx, q, TokenType{Role: RoleRefresh, Kind: kind, Owner: owner}, refreshTTL)
	if err != nil {
		return nil, err
	}
	return &TokenPair{
		Token:        access.Value,
		RefreshToken: refresh.Value,
		ExpiresAt:    access.ExpiresAt(),
		Type:         kind,
	}, nil
}

// Refresh exchanges an access+refresh pair for a new access token. The old
// access token is revoked and the refresh token stays valid.
func (s *Service) Refresh(ctx context.Context, accessValue, refreshValue string) (*TokenPair, error) {
	if err := s.creds.ensureInitialized(ctx); err != nil {
		return nil, err
	}

	var (
		pair *TokenPair
		// failure is returned after the transaction commits, so rows
		// deleted on the failing path stay deleted.
		failure error
	)
	err := s.store.WithTx(ctx, func(q *storage.Queries) error {
		accessRow, err := q.GetToken(ctx, accessValue)
		if err != nil {
			return err
		}
		refreshRow, err := q.GetToken(ctx, refreshValue)
		if err != nil {
			return err
		}
		var access, refresh *Record
		if accessRow != nil {
			access, _ = recordFromRow(accessRow)
		}
		if refreshRow != nil {
			refresh, _ = recordFromRow(refreshRow)
		}
		if access == nil || access.Type.Role != RoleAccess {
			failure = hostErrors.Unauthorized("Invalid token")
			return nil
		}
		if refresh == nil || refresh.Type.Role != RoleRefresh {
			failure = hostErrors.Unauthorized("Invalid refresh token")
			return nil
		}
		if access.Type.Owner == "" || access.Type.Owner != refresh.Type.Owner || access.Type.Kind != refresh.Type.Kind {
			failure = hostErrors.Unauthorized("Token pair mismatch")
			return nil
		}
		if access.Type.Kind == KindDev && !s.cfg.DevMode {
			failure = hostErrors.Unauthorized("Invalid token")
			return nil
		}

		now := storage.UnixSeconds(s.now())
		if refreshRow.Expired(now) {
			failure = hostErrors.Unauthorized("Refresh token expired")
			return q.DeleteToken(ctx, refreshValue)
		}
		if accessRow.Expired(now) {
			failure = hostErrors.Unauthorized("Token expired")
			return q.DeleteToken(ctx, accessValue)
		}

		if err := q.DeleteToken(ctx, accessValue); err != nil {
			return err
		}
		next, err := s.issue(ctx, q, TokenType{Role: RoleAccess, Kind: access.Type.Kind, Owner: access.Type.Owner}, s.cfg.AccessTTL)
		if err != nil {
			return err
		}
		if err := q.TouchToken(ctx, refreshValue, now); err != nil {
			return err
		}
		pair = &TokenPair{
			Token:        next.Value,
			RefreshToken: refreshValue,
			ExpiresAt:    next.ExpiresAt(),
			Type:         access.Type.Kind,
		}
		return nil
	})
	if err != nil {
		return nil, hostErrors.Internal("Cannot refresh token", err)
	}
	if failure != nil {
		s.logger.Info("refresh rejected", zap.String("reason", hostErrors.GetMessage(failure)), zapDigest(refreshValue))
		return nil, failure
	}

	s.logger.Debug("access token refreshed", zapDigest(pair.Token))
	return pair, nil
}

// Policy is the requirement a request's token must satisfy.
type Policy struct {
	// Roles allowed. Nil means access tokens only.
	Roles []Role
	// Kinds allowed. Nil means any kind.
	Kinds []Kind
	// Device, when set, restricts device-kind tokens to that device id.
	// Web and dev tokens are admin tokens and pass for any device.
	Device string
	// Optional turns a missing or rejected token into a nil record
	// instead of an error.
	Optional bool
}

// Authorize validates a token against a policy and marks it used.
func (s *Service) Authorize(ctx context.Context, value string, p Policy) (*Record, error) {
	rec, err := s.authorize(ctx, value, p)
	if err != nil && p.Optional && !hostErrors.IsCode(err, hostErrors.CodeInternal) {
		return nil, nil
	}
	return rec, err
}

func (s *Service) authorize(ctx context.Context, value string, p Policy) (*Record, error) {
	if value == "" {
		return nil, hostErrors.Unauthorized("Missing token")
	}

	rec, err := s.lookup(ctx, s.store.Queries, value)
	if err != nil {
		return nil, hostErrors.Internal("Cannot read token", err)
	}
	if rec == nil {
		return nil, hostErrors.Unauthorized("Invalid token")
	}

	roles := p.Roles
	if roles == nil {
		roles = []Role{RoleAccess}
	}
	roleOK := false
	for _, r := range roles {
		if r == rec.Type.Role {
			roleOK = true
			break
		}
	}
	if !roleOK {
		return nil, hostErrors.Unauthorized("Invalid token")
	}

	// Legacy two-part rows carry no kind and only pass kind-agnostic checks.
	legacyOK := rec.Type.Kind == "" && p.Kinds == nil
	if !legacyOK && !containsKind(s.allowedKinds(p.Kinds), rec.Type.Kind) {
		return nil, hostErrors.Unauthorized("Invalid token")
	}

	if p.Device != "" && rec.Type.Kind == KindDevice && rec.Type.Owner != Fingerprint(p.Device) {
		return nil, hostErrors.Forbidden("Unauthorized for this device")
	}

	now := storage.UnixSeconds(s.now())
	if err := s.store.TouchToken(ctx, value, now); err != nil {
		return nil, hostErrors.Internal("Cannot update token", err)
	}
	rec.LastActive = now
	return rec, nil
}

// allowedKinds applies the dev-mode filter to a requested kind set.
func (s *Service) allowedKinds(kinds []Kind) []Kind {
	if kinds == nil {
		kinds = AllKinds
	}
	out := make([]Kind, 0, len(kinds))
	for _, k := range kinds {
		if k == KindDev && !s.cfg.DevMode {
			continue
		}
		out = append(out, k)
	}
	return out
}

// CheckResult describes a valid token.
type CheckResult struct {
	ExpiresAt *float64 `json:"expires_at"`
	Type      Kind     `json:"type"`
}

// Check reports whether value is a valid access token of any kind.
// Invalid tokens fail with Forbidden.
func (s *Service) Check(ctx context.Context, value string) (*CheckResult, error) {
	rec, err := s.Authorize(ctx, value, Policy{Optional: true})
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, hostErrors.Forbidden("Invalid token")
	}
	return &CheckResult{ExpiresAt: rec.ExpiresAt(), Type: rec.Type.Kind}, nil
}

// IssueDeviceSession replaces every token of a device with a fresh pair.
// It runs on q so callers can compose it with device row changes.
func (s *Service) IssueDeviceSession(ctx context.Context, q *storage.Queries, deviceID string) (*TokenPair, error) {
	pair, err := s.startSession(ctx, q, KindDevice, Fingerprint(deviceID), s.cfg.DeviceRefreshTTL)
	if err != nil {
		return nil, err
	}
	s.logger.Info("device session issued", zap.String("device", deviceID), zapDigest(pair.Token))
	return pair, nil
}

// IssueDeviceAccess replaces a device's access tokens with a new one and
// leaves its refresh token alone.
func (s *Service) IssueDeviceAccess(ctx context.Context, q *storage.Queries, deviceID string) (*AccessToken, error) {
	owner := Fingerprint(deviceID)
	if _, err := s.revokeOwner(ctx, q, owner, RoleAccess); err != nil {
		return nil, err
	}
	rec, err := s.issue(ctx, q, TokenType{Role: RoleAccess, Kind: KindDevice, Owner: owner}, s.cfg.AccessTTL)
	if err != nil {
		return nil, err
	}
	s.logger.Info("device access token issued", zap.String("device", deviceID), zapDigest(rec.Value))
	return &AccessToken{Token: rec.Value, ExpiresAt: rec.ExpiresAt(), Type: KindDevice}, nil
}

// RevokeDevice deletes every token of a device.
func (s *Service) RevokeDevice(ctx context.Context, q *storage.Queries, deviceID string) (int64, error) {
	return s.revokeOwner(ctx, q, Fingerprint(deviceID))
}

// DeviceTokenCount returns how many unexpired tokens a device holds. Expired
// rows are counted out but left for the next read to delete.
func (s *Service) DeviceTokenCount(ctx context.Context, deviceID string) (int, error) {
	rows, err := s.store.ListTokensMatching(ctx, ownerPatterns(Fingerprint(deviceID), RoleAccess, RoleRefresh)...)
	if err != nil {
		return 0, err
	}
	now := storage.UnixSeconds(s.now())
	n := 0
	for _, row := range rows {
		if !row.Expired(now) {
			n++
		}
	}
	return n, nil
}
