package storage

// devices.go contains row operations for reporting devices.

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// Device is a status-reporting device.
type Device struct {
	ID          string
	Name        string
	Status      string
	Using       bool
	Fields      map[string]any
	Created     float64 // Unix seconds
	LastUpdated float64 // Unix seconds
}

func encodeFields(fields map[string]any) (string, error) {
	if fields == nil {
		fields = map[string]any{}
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("encode fields: %w", err)
	}
	return string(data), nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// InsertDevice adds a device row.
func (q *Queries) InsertDevice(ctx context.Context, d *Device) error {
	if d == nil {
		return errors.New("device cannot be nil")
	}
	fields, err := encodeFields(d.Fields)
	if err != nil {
		return err
	}

	const query = `
		INSERT INTO devices (id, name, status, in_use, fields, created, last_updated)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err = q.exec(ctx, query, d.ID, d.Name, d.Status, boolToInt(d.Using), fields, d.Created, d.LastUpdated)
	if err != nil {
		return fmt.Errorf("insert device: %w", err)
	}
	return nil
}

// UpdateDevice overwrites every mutable column of an existing device.
// Returns ErrDeviceNotFound if the device does not exist.
func (q *Queries) UpdateDevice(ctx context.Context, d *Device) error {
	if d == nil {
		return errors.New("device cannot be nil")
	}
	fields, err := encodeFields(d.Fields)
	if err != nil {
		return err
	}

	const query = `
		UPDATE devices
		SET name = ?, status = ?, in_use = ?, fields = ?, last_updated = ?
		WHERE id = ?
	`
	res, err := q.exec(ctx, query, d.Name, d.Status, boolToInt(d.Using), fields, d.LastUpdated, d.ID)
	if err != nil {
		return fmt.Errorf("update device: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update device: %w", err)
	}
	if n == 0 {
		return ErrDeviceNotFound
	}
	return nil
}

// GetDevice retrieves a device by ID.
// Returns nil, nil if the device does not exist.
func (q *Queries) GetDevice(ctx context.Context, id string) (*Device, error) {
	const query = `
		SELECT id, name, status, in_use, fields, created, last_updated
		FROM devices
		WHERE id = ?
	`

	device, err := scanDevice(q.queryRow(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get device: %w", err)
	}
	return device, nil
}

// ListDevices returns all devices in creation order.
func (q *Queries) ListDevices(ctx context.Context) ([]*Device, error) {
	const query = `
		SELECT id, name, status, in_use, fields, created, last_updated
		FROM devices
		ORDER BY created ASC, id ASC
	`

	rows, err := q.query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query devices: %w", err)
	}
	defer rows.Close()

	devices := []*Device{}
	for rows.Next() {
		device, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		devices = append(devices, device)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate devices: %w", err)
	}
	return devices, nil
}

// DeleteDevice removes a device.
// Returns ErrDeviceNotFound if the device does not exist.
func (q *Queries) DeleteDevice(ctx context.Context, id string) error {
	res, err := q.exec(ctx, "DELETE FROM devices WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete device: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete device: %w", err)
	}
	if n == 0 {
		return ErrDeviceNotFound
	}
	return nil
}

// DeleteAllDevices removes every device and returns how many were removed.
func (q *Queries) DeleteAllDevices(ctx context.Context) (int64, error) {
	res, err := q.exec(ctx, "DELETE FROM devices")
	if err != nil {
		return 0, fmt.Errorf("delete devices: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete devices: %w", err)
	}
	return n, nil
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanDevice(row scanner) (*Device, error) {
	var (
		d      Device
		inUse  int64
		fields string
	)
	if err := row.Scan(&d.ID, &d.Name, &d.Status, &inUse, &fields, &d.Created, &d.LastUpdated); err != nil {
		return nil, err
	}
	d.Using = inUse != 0
	d.Fields = map[string]any{}
	if fields != "" {
		if err := json.Unmarshal([]byte(fields), &d.Fields); err != nil {
			return nil, fmt.Errorf("decode fields: %w", err)
		}
	}
	return &d, nil
}
