package storage

// tokens.go contains row operations for the token ledger.
// The storage layer treats the type column as an opaque string; callers
// select rows with SQL LIKE patterns built from its structure.

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// Token is one row of the token ledger.
type Token struct {
	Token      string
	Type       string
	Created    float64 // Unix seconds
	LastActive float64 // Unix seconds
	Expire     float64 // Unix seconds, 0 = never expires
}

// Expired reports whether the token has a non-zero expiry before now.
func (t *Token) Expired(now float64) bool {
	return t.Expire > 0 && t.Expire < now
}

// InsertToken adds a token row.
func (q *Queries) InsertToken(ctx context.Context, tok *Token) error {
	if tok == nil {
		return errors.New("token cannot be nil")
	}

	const query = `
		INSERT INTO tokens (token, type, created, last_active, expire)
		VALUES (?, ?, ?, ?, ?)
	`
	if _, err := q.exec(ctx, query, tok.Token, tok.Type, tok.Created, tok.LastActive, tok.Expire); err != nil {
		return fmt.Errorf("insert token: %w", err)
	}
	return nil
}

// GetToken retrieves a token by value.
// Returns nil, nil if the token does not exist.
func (q *Queries) GetToken(ctx context.Context, value string) (*Token, error) {
	const query = `
		SELECT token, type, created, last_active, expire
		FROM tokens
		WHERE token = ?
	`

	var tok Token
	err := q.queryRow(ctx, query, value).Scan(&tok.Token, &tok.Type, &tok.Created, &tok.LastActive, &tok.Expire)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get token: %w", err)
	}
	return &tok, nil
}

// DeleteToken removes a token. Deleting a missing token is not an error.
func (q *Queries) DeleteToken(ctx context.Context, value string) error {
	if _, err := q.exec(ctx, "DELETE FROM tokens WHERE token = ?", value); err != nil {
		return fmt.Errorf("delete token: %w", err)
	}
	return nil
}

// TouchToken sets last_active.
func (q *Queries) TouchToken(ctx context.Context, value string, at float64) error {
	if _, err := q.exec(ctx, "UPDATE tokens SET last_active = ? WHERE token = ?", at, value); err != nil {
		return fmt.Errorf("touch token: %w", err)
	}
	return nil
}

// likeClause builds "(type LIKE ? OR type LIKE ? ...)".
func likeClause(n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = "type LIKE ?"
	}
	return "(" + strings.Join(parts, " OR ") + ")"
}

func patternArgs(patterns []string) []any {
	args := make([]any, len(patterns))
	for i, p := range patterns {
		args[i] = p
	}
	return args
}

// DeleteTokensMatching deletes every token whose type matches any of the
// LIKE patterns and returns the number of rows removed.
func (q *Queries) DeleteTokensMatching(ctx context.Context, patterns ...string) (int64, error) {
	if len(patterns) == 0 {
		return 0, nil
	}

	res, err := q.exec(ctx, "DELETE FROM tokens WHERE "+likeClause(len(patterns)), patternArgs(patterns)...)
	if err != nil {
		return 0, fmt.Errorf("delete tokens: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete tokens: %w", err)
	}
	return n, nil
}

// ListTokensMatching returns tokens whose type matches any of the LIKE
// patterns, oldest first.
func (q *Queries) ListTokensMatching(ctx context.Context, patterns ...string) ([]*Token, error) {
	if len(patterns) == 0 {
		return nil, nil
	}

	query := `
		SELECT token, type, created, last_active, expire
		FROM tokens
		WHERE ` + likeClause(len(patterns)) + `
		ORDER BY created ASC
	`
	rows, err := q.query(ctx, query, patternArgs(patterns)...)
	if err != nil {
		return nil, fmt.Errorf("query tokens: %w", err)
	}
	defer rows.Close()

	var tokens []*Token
	for rows.Next() {
		var tok Token
		if err := rows.Scan(&tok.Token, &tok.Type, &tok.Created, &tok.LastActive, &tok.Expire); err != nil {
			return nil, fmt.Errorf("scan token: %w", err)
		}
		tokens = append(tokens, &tok)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tokens: %w", err)
	}
	return tokens, nil
}
