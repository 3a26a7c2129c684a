package status

import "github.com/sleepy-project/sleepy/internal/storage"

// Device is the wire form of a device record.
type Device struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Status      string         `json:"status"`
	Using       bool           `json:"using"`
	Fields      map[string]any `json:"fields"`
	LastUpdated float64        `json:"last_updated"`
}

func deviceFromRow(d *storage.Device) Device {
	fields := d.Fields
	if fields == nil {
		fields = map[string]any{}
	}
	return Device{
		ID:          d.ID,
		Name:        d.Name,
		Status:      d.Status,
		Using:       d.Using,
		Fields:      fields,
		LastUpdated: d.LastUpdated,
	}
}

// State is the persisted part of a snapshot.
type State struct {
	Status      int      `json:"status"`
	Devices     []Device `json:"devices"`
	LastUpdated float64  `json:"last_updated"`
}

// Snapshot is the full state sent to new subscribers and by /api/query.
type Snapshot struct {
	Time float64 `json:"time"`
	State
}

// CreateDeviceRequest describes a new device. Nil fields take defaults.
type CreateDeviceRequest struct {
	Name   string         `json:"name"`
	Status *string        `json:"status,omitempty"`
	Using  *bool          `json:"using,omitempty"`
	Fields map[string]any `json:"fields,omitempty"`
}

// DeviceUpdate is a partial update. A nil field is absent and leaves the
// stored value alone; a non-nil Fields map replaces the whole map.
type DeviceUpdate struct {
	Name   *string        `json:"name,omitempty"`
	Status *string        `json:"status,omitempty"`
	Using  *bool          `json:"using,omitempty"`
	Fields map[string]any `json:"fields,omitempty"`
}

// DeviceReport is one status frame pushed by a device over its socket.
// Fields and Using overwrite unconditionally; Status only when present.
type DeviceReport struct {
	Status *string
	Using  bool
	Fields map[string]any
}

// DeviceCredentials is a device plus a freshly issued token pair.
type DeviceCredentials struct {
	ID           string   `json:"id"`
	Device       Device   `json:"device"`
	Token        string   `json:"token"`
	RefreshToken string   `json:"refresh_token"`
	ExpiresAt    *float64 `json:"expires_at"`
}
