// Package status owns the global status value and the device registry.
// Every mutation commits before its event is published, and an unchanged
// value neither bumps timestamps nor publishes.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sleepy-project/sleepy/internal/auth"
	"github.com/sleepy-project/sleepy/internal/broadcast"
	"github.com/sleepy-project/sleepy/internal/cache"
	hostErrors "github.com/sleepy-project/sleepy/internal/errors"
	"github.com/sleepy-project/sleepy/internal/storage"
)

// Publisher receives committed state changes.
type Publisher interface {
	Publish(name string, data any)
}

// Sessions issues and revokes device tokens inside a caller's transaction.
type Sessions interface {
	IssueDeviceSession(ctx context.Context, q *storage.Queries, deviceID string) (*auth.TokenPair, error)
	IssueDeviceAccess(ctx context.Context, q *storage.Queries, deviceID string) (*auth.AccessToken, error)
	RevokeDevice(ctx context.Context, q *storage.Queries, deviceID string) (int64, error)
}

// Option configures a Service.
type Option func(*Service)

// WithCache caches snapshots in c. Every mutation invalidates it.
func WithCache(c cache.Cache) Option {
	return func(s *Service) { s.cache = c }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// Service implements status and device operations.
type Service struct {
	store    *storage.Store
	sessions Sessions
	pub      Publisher
	cache    cache.Cache
	now      func() time.Time
	logger   *zap.Logger
}

// NewService creates the status service.
func NewService(store *storage.Store, sessions Sessions, pub Publisher, logger *zap.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		store:    store,
		sessions: sessions,
		pub:      pub,
		cache:    cache.Nop{},
		now:      time.Now,
		logger:   logger.Named("status"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) timestamp() float64 {
	return storage.UnixSeconds(s.now())
}

// newDeviceID returns a 32-character hex id.
func newDeviceID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

func metadataError(err error) error {
	if errors.Is(err, storage.ErrMetadataMissing) {
		return hostErrors.Internal("Metadata not initialized", err)
	}
	return hostErrors.Internal("Storage error", err)
}

// invalidate drops cached snapshots. Cache failures only cost freshness.
func (s *Service) invalidate(ctx context.Context) {
	if err := s.cache.Delete(ctx, cache.KeySnapshot); err != nil {
		s.logger.Warn("cache invalidation failed", zap.Error(err))
	}
}

// committed invalidates caches and publishes an event after a commit.
func (s *Service) committed(ctx context.Context, event string, data any) {
	s.invalidate(ctx)
	if s.pub != nil {
		s.pub.Publish(event, data)
	}
}

// Bootstrap creates the status row if it does not exist yet.
func (s *Service) Bootstrap(ctx context.Context) error {
	if err := s.store.EnsureMetadata(ctx, s.timestamp()); err != nil {
		return hostErrors.Internal("Cannot create metadata", err)
	}
	return nil
}

// GetStatus returns the global status.
func (s *Service) GetStatus(ctx context.Context) (int, error) {
	meta, err := s.store.GetMetadata(ctx)
	if err != nil {
		return 0, metadataError(err)
	}
	return meta.Status, nil
}

// SetStatus changes the global status. Setting the current value is a no-op.
func (s *Service) SetStatus(ctx context.Context, value int) error {
	changed, err := s.store.SetStatus(ctx, value, s.timestamp())
	if err != nil {
		return metadataError(err)
	}
	if !changed {
		s.logger.Debug("status unchanged", zap.Int("status", value))
		return nil
	}

	s.logger.Info("status changed", zap.Int("status", value))
	s.committed(ctx, broadcast.EventStatusChanged, map[string]any{"status": value})
	return nil
}

// State reads status and devices.
func (s *Service) State(ctx context.Context) (*State, error) {
	meta, err := s.store.GetMetadata(ctx)
	if err != nil {
		return nil, metadataError(err)
	}
	rows, err := s.store.ListDevices(ctx)
	if err != nil {
		return nil, hostErrors.Internal("Cannot list devices", err)
	}
	devices := make([]Device, len(rows))
	for i, d := range rows {
		devices[i] = deviceFromRow(d)
	}
	return &State{Status: meta.Status, Devices: devices, LastUpdated: meta.LastUpdated}, nil
}

// Snapshot reads the current state, stamped with the current time.
func (s *Service) Snapshot(ctx context.Context) (*Snapshot, error) {
	st, err := s.State(ctx)
	if err != nil {
		return nil, err
	}
	return &Snapshot{Time: s.timestamp(), State: *st}, nil
}

// CachedSnapshot is Snapshot served through the cache. hit reports whether
// the state came from the cache; Time is always current.
func (s *Service) CachedSnapshot(ctx context.Context) (snap *Snapshot, hit bool, err error) {
	if raw, ok, err := s.cache.Get(ctx, cache.KeySnapshot); err != nil {
		s.logger.Warn("cache read failed", zap.Error(err))
	} else if ok {
		var st State
		if err := json.Unmarshal(raw, &st); err == nil {
			return &Snapshot{Time: s.timestamp(), State: st}, true, nil
		}
		s.logger.Warn("discarding malformed cached snapshot")
	}

	st, err := s.State(ctx)
	if err != nil {
		return nil, false, err
	}
	if raw, err := json.Marshal(st); err == nil {
		if err := s.cache.Set(ctx, cache.KeySnapshot, raw); err != nil {
			s.logger.Warn("cache write failed", zap.Error(err))
		}
	}
	return &Snapshot{Time: s.timestamp(), State: *st}, false, nil
}

// ListDevices returns every device in creation order.
func (s *Service) ListDevices(ctx context.Context) ([]Device, error) {
	st, err := s.State(ctx)
	if err != nil {
		return nil, err
	}
	return st.Devices, nil
}

// GetDevice returns one device or NotFound.
func (s *Service) GetDevice(ctx context.Context, id string) (*Device, error) {
	row, err := s.store.GetDevice(ctx, id)
	if err != nil {
		return nil, hostErrors.Internal("Cannot read device", err)
	}
	if row == nil {
		return nil, hostErrors.NotFound("Device")
	}
	d := deviceFromRow(row)
	return &d, nil
}

// CreateDevice registers a device and issues its first token pair.
func (s *Service) CreateDevice(ctx context.Context, req CreateDeviceRequest) (*DeviceCredentials, error) {
	if strings.TrimSpace(req.Name) == "" {
		return nil, hostErrors.BadRequest("Device name is required")
	}

	now := s.timestamp()
	row := &storage.Device{
		ID:          newDeviceID(),
		Name:        req.Name,
		Fields:      req.Fields,
		Created:     now,
		LastUpdated: now,
	}
	if req.Status != nil {
		row.Status = *req.Status
	}
	if req.Using != nil {
		row.Using = *req.Using
	}
	if row.Fields == nil {
		row.Fields = map[string]any{}
	}

	var pair *auth.TokenPair
	err := s.store.WithTx(ctx, func(q *storage.Queries) error {
		if err := q.InsertDevice(ctx, row); err != nil {
			return err
		}
		if err := q.TouchMetadata(ctx, now); err != nil {
			return err
		}
		var err error
		pair, err = s.sessions.IssueDeviceSession(ctx, q, row.ID)
		return err
	})
	if err != nil {
		return nil, txError("Cannot create device", err)
	}

	d := deviceFromRow(row)
	s.logger.Info("device created", zap.String("device", d.ID), zap.String("name", d.Name))
	s.committed(ctx, broadcast.EventDeviceAdded, map[string]any{
		"id":     d.ID,
		"name":   d.Name,
		"status": d.Status,
		"using":  d.Using,
		"fields": d.Fields,
	})

	return &DeviceCredentials{
		ID:           d.ID,
		Device:       d,
		Token:        pair.Token,
		RefreshToken: pair.RefreshToken,
		ExpiresAt:    pair.ExpiresAt,
	}, nil
}

// UpdateDevice applies the present fields that differ from the stored
// values. It reports whether anything changed.
func (s *Service) UpdateDevice(ctx context.Context, id string, upd DeviceUpdate) (bool, error) {
	var changed map[string]any
	now := s.timestamp()

	err := s.store.WithTx(ctx, func(q *storage.Queries) error {
		row, err := q.GetDevice(ctx, id)
		if err != nil {
			return err
		}
		if row == nil {
			return storage.ErrDeviceNotFound
		}

		changed = map[string]any{}
		if upd.Name != nil && *upd.Name != row.Name {
			row.Name = *upd.Name
			changed["name"] = row.Name
		}
		if upd.Status != nil && *upd.Status != row.Status {
			row.Status = *upd.Status
			changed["status"] = row.Status
		}
		if upd.Using != nil && *upd.Using != row.Using {
			row.Using = *upd.Using
			changed["using"] = row.Using
		}
		if upd.Fields != nil && !reflect.DeepEqual(upd.Fields, row.Fields) {
			row.Fields = upd.Fields
			changed["fields"] = row.Fields
		}
		if len(changed) == 0 {
			return nil
		}

		row.LastUpdated = now
		if err := q.UpdateDevice(ctx, row); err != nil {
			return err
		}
		return q.TouchMetadata(ctx, now)
	})
	if err != nil {
		return false, txError("Cannot update device", err)
	}
	if len(changed) == 0 {
		return false, nil
	}

	s.logger.Info("device updated", zap.String("device", id), zap.Int("fields", len(changed)))
	s.committed(ctx, broadcast.EventDeviceUpdated, map[string]any{"id": id, "updated_fields": changed})
	return true, nil
}

// DeleteDevice removes a device and revokes its tokens.
func (s *Service) DeleteDevice(ctx context.Context, id string) error {
	now := s.timestamp()
	err := s.store.WithTx(ctx, func(q *storage.Queries) error {
		if err := q.DeleteDevice(ctx, id); err != nil {
			return err
		}
		if _, err := s.sessions.RevokeDevice(ctx, q, id); err != nil {
			return err
		}
		return q.TouchMetadata(ctx, now)
	})
	if err != nil {
		return txError("Cannot delete device", err)
	}

	s.logger.Info("device deleted", zap.String("device", id))
	s.committed(ctx, broadcast.EventDeviceDeleted, map[string]any{"id": id})
	return nil
}

// ClearDevices removes every device and its tokens.
func (s *Service) ClearDevices(ctx context.Context) (int, error) {
	now := s.timestamp()
	var removed int
	err := s.store.WithTx(ctx, func(q *storage.Queries) error {
		rows, err := q.ListDevices(ctx)
		if err != nil {
			return err
		}
		for _, d := range rows {
			if _, err := s.sessions.RevokeDevice(ctx, q, d.ID); err != nil {
				return err
			}
		}
		n, err := q.DeleteAllDevices(ctx)
		if err != nil {
			return err
		}
		removed = int(n)
		return q.TouchMetadata(ctx, now)
	})
	if err != nil {
		return 0, txError("Cannot clear devices", err)
	}

	s.logger.Info("devices cleared", zap.Int("removed", removed))
	s.committed(ctx, broadcast.EventDevicesCleared, nil)
	return removed, nil
}

// ResetDeviceToken revokes every token of a device and issues a new pair.
func (s *Service) ResetDeviceToken(ctx context.Context, id string) (*DeviceCredentials, error) {
	now := s.timestamp()
	var (
		row  *storage.Device
		pair *auth.TokenPair
	)
	err := s.store.WithTx(ctx, func(q *storage.Queries) error {
		var err error
		if row, err = q.GetDevice(ctx, id); err != nil {
			return err
		}
		if row == nil {
			return storage.ErrDeviceNotFound
		}
		if pair, err = s.sessions.IssueDeviceSession(ctx, q, id); err != nil {
			return err
		}
		row.LastUpdated = now
		return q.UpdateDevice(ctx, row)
	})
	if err != nil {
		return nil, txError("Cannot reset device token", err)
	}
	s.invalidate(ctx)

	d := deviceFromRow(row)
	return &DeviceCredentials{
		ID:           d.ID,
		Device:       d,
		Token:        pair.Token,
		RefreshToken: pair.RefreshToken,
		ExpiresAt:    pair.ExpiresAt,
	}, nil
}

// ResetDeviceAccessToken replaces only the device's access token.
func (s *Service) ResetDeviceAccessToken(ctx context.Context, id string) (*auth.AccessToken, error) {
	now := s.timestamp()
	var tok *auth.AccessToken
	err := s.store.WithTx(ctx, func(q *storage.Queries) error {
		row, err := q.GetDevice(ctx, id)
		if err != nil {
			return err
		}
		if row == nil {
			return storage.ErrDeviceNotFound
		}
		if tok, err = s.sessions.IssueDeviceAccess(ctx, q, id); err != nil {
			return err
		}
		row.LastUpdated = now
		return q.UpdateDevice(ctx, row)
	})
	if err != nil {
		return nil, txError("Cannot reset device access token", err)
	}
	s.invalidate(ctx)
	return tok, nil
}

// ReportDevice records a frame pushed by a device, creating the device on
// first contact with its id as name. It reports whether the device was
// created.
func (s *Service) ReportDevice(ctx context.Context, id string, rep DeviceReport) (*Device, bool, error) {
	now := s.timestamp()
	fields := rep.Fields
	if fields == nil {
		fields = map[string]any{}
	}

	var (
		row     *storage.Device
		created bool
	)
	err := s.store.WithTx(ctx, func(q *storage.Queries) error {
		var err error
		if row, err = q.GetDevice(ctx, id); err != nil {
			return err
		}
		if row == nil {
			created = true
			row = &storage.Device{ID: id, Name: id, Created: now}
		}
		if rep.Status != nil {
			row.Status = *rep.Status
		}
		row.Using = rep.Using
		row.Fields = fields
		row.LastUpdated = now

		if created {
			err = q.InsertDevice(ctx, row)
		} else {
			err = q.UpdateDevice(ctx, row)
		}
		if err != nil {
			return err
		}
		return q.TouchMetadata(ctx, now)
	})
	if err != nil {
		return nil, false, txError("Cannot record device report", err)
	}

	d := deviceFromRow(row)
	if created {
		s.logger.Info("device registered over websocket", zap.String("device", id))
		s.committed(ctx, broadcast.EventDeviceAdded, map[string]any{
			"id":     d.ID,
			"name":   d.Name,
			"status": d.Status,
			"using":  d.Using,
			"fields": d.Fields,
		})
	} else {
		updated := map[string]any{"using": d.Using, "fields": d.Fields}
		if rep.Status != nil {
			updated["status"] = d.Status
		}
		s.committed(ctx, broadcast.EventDeviceUpdated, map[string]any{"id": id, "updated_fields": updated})
	}
	return &d, created, nil
}

// txError maps storage sentinels raised inside a transaction.
func txError(message string, err error) error {
	switch {
	case errors.Is(err, storage.ErrDeviceNotFound):
		return hostErrors.NotFound("Device")
	case errors.Is(err, storage.ErrMetadataMissing):
		return hostErrors.Internal("Metadata not initialized", err)
	default:
		return hostErrors.Internal(message, err)
	}
}
