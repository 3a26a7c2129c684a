package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Credential is the singleton root credential row (table userdata).
type Credential struct {
	Username string
	Password string // bcrypt hash of the normalized password
	Salt     string // bcrypt salt prefix of Password
}

// GetCredential retrieves the credential for username.
// Returns nil, nil if none exists.
func (q *Queries) GetCredential(ctx context.Context, username string) (*Credential, error) {
	var c Credential
	err := q.queryRow(ctx,
		"SELECT username, password, salt FROM userdata WHERE username = ?",
		username,
	).Scan(&c.Username, &c.Password, &c.Salt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get credential: %w", err)
	}
	return &c, nil
}

// InsertCredential stores a credential. Returns ErrCredentialExists when the
// username is already present; the existing row is left untouched.
func (q *Queries) InsertCredential(ctx context.Context, c *Credential) error {
	if c == nil {
		return errors.New("credential cannot be nil")
	}

	res, err := q.exec(ctx, `
		INSERT INTO userdata (username, password, salt)
		VALUES (?, ?, ?)
		ON CONFLICT (username) DO NOTHING
	`, c.Username, c.Password, c.Salt)
	if err != nil {
		return fmt.Errorf("insert credential: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert credential: %w", err)
	}
	if n == 0 {
		return ErrCredentialExists
	}
	return nil
}
