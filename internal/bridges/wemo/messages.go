package wemo

import (
	"encoding/json"
	"fmt"
	"time"
)

// MQTT message types exchanged between Gray Logic Core and the Wemo bridge.

// bridgeProtocol identifies Wemo in every message.
const bridgeProtocol = "wemo"

// CommandMessage is sent from Core to the bridge to act on a device.
// Topic: graylogic/command/wemo/{deviceID}
type CommandMessage struct {
	// ID correlates the command with its acknowledgment. Filled in by the
	// bridge when Core leaves it empty.
	ID string `json:"id"`

	Timestamp time.Time `json:"timestamp"`

	// DeviceID is the device UDN, or the sub-device id behind a hub.
	DeviceID string `json:"device_id"`

	// Command is "on", "off", "brightness", an appliance attribute name, or
	// "soap" for a raw action.
	Command string `json:"command"`

	// Parameters holds command values, e.g. {"value": 60} for brightness or
	// {"service": "...", "action": "GetBinaryState"} for soap.
	Parameters map[string]any `json:"parameters,omitempty"`

	Source string `json:"source,omitempty"`
}

// AckStatus represents the acknowledgment status of a command.
type AckStatus string

const (
	// AckAccepted indicates the device accepted the command.
	AckAccepted AckStatus = "accepted"

	// AckFailed indicates the command could not be executed.
	AckFailed AckStatus = "failed"

	// AckTimeout indicates the device did not answer in time.
	AckTimeout AckStatus = "timeout"
)

// AckMessage acknowledges a command.
// Topic: graylogic/ack/wemo/{deviceID}
type AckMessage struct {
	CommandID string    `json:"command_id"`
	Timestamp time.Time `json:"timestamp"`
	DeviceID  string    `json:"device_id"`
	Status    AckStatus `json:"status"`
	Protocol  string    `json:"protocol"`

	// Result carries the response fields of a soap command.
	Result map[string]string `json:"result,omitempty"`

	Error *AckError `json:"error,omitempty"`
}

// AckError contains error details for failed commands.
type AckError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes for command failures.
const (
	ErrCodeDeviceUnreachable  = "DEVICE_UNREACHABLE"
	ErrCodeInvalidCommand     = "INVALID_COMMAND"
	ErrCodeInvalidPayload     = "INVALID_PAYLOAD"
	ErrCodeProtocolError      = "PROTOCOL_ERROR"
	ErrCodeTimeout            = "TIMEOUT"
	ErrCodeNotConfigured      = "NOT_CONFIGURED"
	ErrCodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	ErrCodeBridgeError        = "BRIDGE_ERROR"
)

// StateMessage carries the merged state of one device.
// Topic: graylogic/state/wemo/{deviceID}
// QoS: 1, Retained: Yes
type StateMessage struct {
	DeviceID  string         `json:"device_id"`
	Timestamp time.Time      `json:"timestamp"`
	State     map[string]any `json:"state"`
	Protocol  string         `json:"protocol"`
	Family    string         `json:"family"`
	HubID     string         `json:"hub_id,omitempty"`
}

// HealthStatus represents the operational status of the bridge.
type HealthStatus string

const (
	// HealthHealthy indicates the bridge is operating normally.
	HealthHealthy HealthStatus = "healthy"

	// HealthDegraded indicates the bridge is operating with issues.
	HealthDegraded HealthStatus = "degraded"

	// HealthStarting indicates the bridge is starting up.
	HealthStarting HealthStatus = "starting"

	// HealthStopping indicates the bridge is shutting down.
	HealthStopping HealthStatus = "stopping"
)

// HealthMessage reports bridge status.
// Topic: graylogic/health/wemo
// QoS: 1, Retained: Yes
type HealthMessage struct {
	Bridge         string            `json:"bridge"`
	Timestamp      time.Time         `json:"timestamp"`
	Status         HealthStatus      `json:"status"`
	Version        string            `json:"version"`
	UptimeSeconds  int64             `json:"uptime_seconds"`
	DevicesManaged int               `json:"devices_managed"`
	DevicesOnline  int               `json:"devices_online"`
	Statistics     *BridgeStatistics `json:"statistics,omitempty"`
	Reason         string            `json:"reason,omitempty"`
}

// BridgeStatistics contains operational counters.
type BridgeStatistics struct {
	NotificationsReceived uint64 `json:"notifications_received"`
	NotificationsDropped  uint64 `json:"notifications_dropped"`
	CommandsReceived      uint64 `json:"commands_received"`
	CommandsFailed        uint64 `json:"commands_failed"`
	DiscoveryPasses       uint64 `json:"discovery_passes"`
	Subscriptions         int    `json:"subscriptions"`
	PushOnline            int    `json:"push_online"`
	PendingReconnect      int    `json:"pending_reconnect"`
}

// DiscoveryMessage announces a connected device.
// Topic: graylogic/discovery/wemo
type DiscoveryMessage struct {
	Timestamp time.Time          `json:"timestamp"`
	Bridge    string             `json:"bridge"`
	Devices   []DiscoveredDevice `json:"devices"`
}

// DiscoveredDevice describes one device in a DiscoveryMessage.
type DiscoveredDevice struct {
	Protocol      string `json:"protocol"`
	Address       string `json:"address"`
	DeviceID      string `json:"device_id"`
	Type          string `json:"type"`
	Family        string `json:"family"`
	HubID         string `json:"hub_id,omitempty"`
	SuggestedName string `json:"suggested_name,omitempty"`
	Transport     string `json:"transport"`
}

// MarshalJSON writes the timestamp as RFC 3339.
func (m *CommandMessage) MarshalJSON() ([]byte, error) {
	type Alias CommandMessage
	return json.Marshal(&struct {
		*Alias
		Timestamp string `json:"timestamp"`
	}{
		Alias:     (*Alias)(m),
		Timestamp: m.Timestamp.UTC().Format(time.RFC3339),
	})
}

// UnmarshalJSON accepts an RFC 3339 timestamp or none.
func (m *CommandMessage) UnmarshalJSON(data []byte) error {
	type Alias CommandMessage
	aux := &struct {
		*Alias
		Timestamp string `json:"timestamp"`
	}{
		Alias: (*Alias)(m),
	}
	if err := json.Unmarshal(data, aux); err != nil {
		return fmt.Errorf("unmarshal command message: %w", err)
	}
	if aux.Timestamp != "" {
		t, err := time.Parse(time.RFC3339, aux.Timestamp)
		if err != nil {
			return fmt.Errorf("parse timestamp: %w", err)
		}
		m.Timestamp = t
	}
	return nil
}

// NewAckMessage creates an acknowledgment for a command.
func NewAckMessage(cmd CommandMessage, status AckStatus) AckMessage {
	return AckMessage{
		CommandID: cmd.ID,
		Timestamp: time.Now().UTC(),
		DeviceID:  cmd.DeviceID,
		Status:    status,
		Protocol:  bridgeProtocol,
	}
}

// NewAckError creates a failed acknowledgment.
func NewAckError(cmd CommandMessage, code, message string) AckMessage {
	status := AckFailed
	if code == ErrCodeTimeout {
		status = AckTimeout
	}
	ack := NewAckMessage(cmd, status)
	ack.Error = &AckError{Code: code, Message: message}
	return ack
}

// NewStateMessage creates a state message for a device.
func NewStateMessage(deviceID string, family Family, hubID string, state map[string]any) StateMessage {
	return StateMessage{
		DeviceID:  deviceID,
		Timestamp: time.Now().UTC(),
		State:     state,
		Protocol:  bridgeProtocol,
		Family:    string(family),
		HubID:     hubID,
	}
}

// NewHealthMessage creates a health message from engine stats.
func NewHealthMessage(version string, status HealthStatus, stats Stats, commandsRx, commandsFailed uint64, startTime time.Time) HealthMessage {
	return HealthMessage{
		Bridge:         bridgeProtocol,
		Timestamp:      time.Now().UTC(),
		Status:         status,
		Version:        version,
		UptimeSeconds:  int64(time.Since(startTime).Seconds()),
		DevicesManaged: stats.Devices,
		DevicesOnline:  stats.HTTPOnline,
		Statistics: &BridgeStatistics{
			NotificationsReceived: stats.NotifyReceived,
			NotificationsDropped:  stats.NotifyDropped,
			CommandsReceived:      commandsRx,
			CommandsFailed:        commandsFailed,
			DiscoveryPasses:       stats.DiscoveryPasses,
			Subscriptions:         stats.Subscriptions,
			PushOnline:            stats.PushOnline,
			PendingReconnect:      stats.PendingReconnect,
		},
	}
}

// NewDiscoveredDevice describes a connection record for Core.
func NewDiscoveredDevice(s Snapshot) DiscoveredDevice {
	return DiscoveredDevice{
		Protocol:      bridgeProtocol,
		Address:       fmt.Sprintf("%s:%d", s.Host, s.Port),
		DeviceID:      s.ID,
		Type:          s.DeviceType,
		Family:        string(s.Family),
		HubID:         s.HubID,
		SuggestedName: s.Name,
		Transport:     string(s.Transport),
	}
}
