package device

import (
	"fmt"
	"time"
)

// State is the last known attribute set of a device, as decoded from its
// events or poll responses (e.g. {"on": true, "brightness": 60}).
type State map[string]any

// HealthStatus is the connectivity view of a device.
type HealthStatus string

// HealthStatus values.
const (
	HealthStatusOnline  HealthStatus = "online"
	HealthStatusOffline HealthStatus = "offline"
	HealthStatusUnknown HealthStatus = "unknown"
)

// Device is one persisted Wemo device.
type Device struct {
	// ID is the device UDN, or the sub-device id for devices reached
	// through a hub.
	ID string `json:"id"`

	Name       string `json:"name"`
	DeviceType string `json:"device_type"` // urn:Belkin:device:controllee:1
	Family     string `json:"family"`      // switch, dimmer, insight, ...
	Host       string `json:"host"`
	Port       int    `json:"port"`
	Serial     string `json:"serial,omitempty"`
	Firmware   string `json:"firmware,omitempty"`
	MAC        string `json:"mac,omitempty"`

	// HubID is set for bridged sub-devices.
	HubID *string `json:"hub_id,omitempty"`

	State          State        `json:"state"`
	HealthStatus   HealthStatus `json:"health_status"`
	HealthLastSeen *time.Time   `json:"health_last_seen,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks the fields needed to reconnect the device later.
// Sub-devices have no address of their own.
func (d *Device) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidDevice)
	}
	if d.HubID != nil {
		return nil
	}
	if d.Host == "" {
		return fmt.Errorf("%w: host is required", ErrInvalidDevice)
	}
	if d.Port < 0 || d.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidDevice, d.Port)
	}
	return nil
}

// DeepCopy returns a copy that shares no maps with d.
func (d *Device) DeepCopy() *Device {
	if d == nil {
		return nil
	}
	cpy := *d
	cpy.State = d.State.Clone()
	if d.HubID != nil {
		hub := *d.HubID
		cpy.HubID = &hub
	}
	if d.HealthLastSeen != nil {
		seen := *d.HealthLastSeen
		cpy.HealthLastSeen = &seen
	}
	return &cpy
}

// Clone copies s, recursing into nested maps and slices.
func (s State) Clone() State {
	if s == nil {
		return nil
	}
	return State(cloneMap(s))
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return cloneMap(val)
	case State:
		return val.Clone()
	case []any:
		s := make([]any, len(val))
		for i, item := range val {
			s[i] = cloneValue(item)
		}
		return s
	default:
		return v
	}
}
