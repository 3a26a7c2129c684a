package auth

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"

	"github.com/sleepy-project/sleepy/internal/storage"
)

// Record is a live ledger row with its type decoded.
type Record struct {
	Value      string
	Type       TokenType
	Created    float64
	LastActive float64
	Expire     float64 // 0 = never
}

// ExpiresAt returns the expiry in Unix seconds, or nil if the token never
// expires.
func (r *Record) ExpiresAt() *float64 {
	return expiresAt(r.Expire)
}

func expiresAt(expire float64) *float64 {
	if expire == 0 {
		return nil
	}
	v := expire
	return &v
}

func recordFromRow(row *storage.Token) (*Record, error) {
	tt, err := ParseTokenType(row.Type)
	if err != nil {
		return nil, err
	}
	return &Record{
		Value:      row.Token,
		Type:       tt,
		Created:    row.Created,
		LastActive: row.LastActive,
		Expire:     row.Expire,
	}, nil
}

// digest is a short log-safe identifier for a token value.
func digest(value string) string {
	sum := blake3.Sum256([]byte(value))
	return hex.EncodeToString(sum[:6])
}

// issue inserts a fresh token of type tt. ttl 0 never expires.
func (s *Service) issue(ctx context.Context, q *storage.Queries, tt TokenType, ttl time.Duration) (*Record, error) {
	now := storage.UnixSeconds(s.now())
	rec := &Record{
		Value:      uuid.NewString(),
		Type:       tt,
		Created:    now,
		LastActive: now,
	}
	if ttl > 0 {
		rec.Expire = now + ttl.Seconds()
	}

	err := q.InsertToken(ctx, &storage.Token{
		Token:      rec.Value,
		Type:       tt.String(),
		Created:    rec.Created,
		LastActive: rec.LastActive,
		Expire:     rec.Expire,
	})
	if err != nil {
		return nil, fmt.Errorf("issue %s token: %w", tt.Role, err)
	}
	return rec, nil
}

// lookup returns the live record for value, or nil if it is missing,
// malformed or expired. Expired rows are deleted.
func (s *Service) lookup(ctx context.Context, q *storage.Queries, value string) (*Record, error) {
	row, err := q.GetToken(ctx, value)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, nil
	}
	if row.Expired(storage.UnixSeconds(s.now())) {
		s.logger.Debug("deleting expired token", zapDigest(value))
		if err := q.DeleteToken(ctx, value); err != nil {
			return nil, err
		}
		return nil, nil
	}
	rec, err := recordFromRow(row)
	if err != nil {
		s.logger.Warn("malformed token type", zapDigest(value))
		return nil, nil
	}
	return rec, nil
}

// revokeOwner deletes every token of the given roles owned by owner. With no
// roles both access and refresh tokens are removed.
func (s *Service) revokeOwner(ctx context.Context, q *storage.Queries, owner string, roles ...Role) (int64, error) {
	if len(roles) == 0 {
		roles = []Role{RoleAccess, RoleRefresh}
	}
	n, err := q.DeleteTokensMatching(ctx, ownerPatterns(owner, roles...)...)
	if err != nil {
		return 0, fmt.Errorf("revoke tokens: %w", err)
	}
	return n, nil
}
