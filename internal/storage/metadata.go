package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// metadataID is the primary key of the singleton status row.
const metadataID = 0

// Metadata is the global status row.
type Metadata struct {
	Status      int
	LastUpdated float64 // Unix seconds
}

// EnsureMetadata creates the status row if it is missing. Called at boot.
func (q *Queries) EnsureMetadata(ctx context.Context, now float64) error {
	_, err := q.exec(ctx, `
		INSERT INTO metadata (id, status, last_updated)
		VALUES (?, 0, ?)
		ON CONFLICT (id) DO NOTHING
	`, metadataID, now)
	if err != nil {
		return fmt.Errorf("ensure metadata: %w", err)
	}
	return nil
}

// GetMetadata returns the status row or ErrMetadataMissing.
func (q *Queries) GetMetadata(ctx context.Context) (*Metadata, error) {
	var m Metadata
	err := q.queryRow(ctx,
		"SELECT status, last_updated FROM metadata WHERE id = ?",
		metadataID,
	).Scan(&m.Status, &m.LastUpdated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMetadataMissing
	}
	if err != nil {
		return nil, fmt.Errorf("get metadata: %w", err)
	}
	return &m, nil
}

// SetStatus stores a new status and bumps last_updated, but only when the
// status differs from the stored one. changed is false for a no-op.
func (q *Queries) SetStatus(ctx context.Context, status int, at float64) (changed bool, err error) {
	res, err := q.exec(ctx,
		"UPDATE metadata SET status = ?, last_updated = ? WHERE id = ? AND status <> ?",
		status, at, metadataID, status,
	)
	if err != nil {
		return false, fmt.Errorf("set status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("set status: %w", err)
	}
	if n > 0 {
		return true, nil
	}

	// Either unchanged or the row is missing.
	if _, err := q.GetMetadata(ctx); err != nil {
		return false, err
	}
	return false, nil
}

// TouchMetadata bumps last_updated without changing the status.
func (q *Queries) TouchMetadata(ctx context.Context, at float64) error {
	res, err := q.exec(ctx, "UPDATE metadata SET last_updated = ? WHERE id = ?", at, metadataID)
	if err != nil {
		return fmt.Errorf("touch metadata: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("touch metadata: %w", err)
	}
	if n == 0 {
		return ErrMetadataMissing
	}
	return nil
}
