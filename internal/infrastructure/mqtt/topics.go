package mqtt

import "fmt"

// Topic roots. Bridge topics are flat: graylogic/{category}/{protocol}/{id}.
const (
	TopicPrefix       = "graylogic"
	TopicPrefixSystem = "graylogic/system"

	// Protocol is the protocol segment used by every Wemo bridge topic.
	Protocol = "wemo"
)

// Topics builds MQTT topic names.
type Topics struct{}

// State is the retained state topic for one device.
func (Topics) State(deviceID string) string {
	return fmt.Sprintf("%s/state/%s/%s", TopicPrefix, Protocol, deviceID)
}

// Command is the topic host controllers publish commands to.
func (Topics) Command(deviceID string) string {
	return fmt.Sprintf("%s/command/%s/%s", TopicPrefix, Protocol, deviceID)
}

// Ack is the topic command results are published on.
func (Topics) Ack(deviceID string) string {
	return fmt.Sprintf("%s/ack/%s/%s", TopicPrefix, Protocol, deviceID)
}

// Health is the retained bridge health topic.
func (Topics) Health() string {
	return fmt.Sprintf("%s/health/%s", TopicPrefix, Protocol)
}

// Discovery is where newly connected and removed devices are announced.
func (Topics) Discovery() string {
	return fmt.Sprintf("%s/discovery/%s", TopicPrefix, Protocol)
}

// AllCommands matches every Wemo command topic.
func (Topics) AllCommands() string {
	return fmt.Sprintf("%s/command/%s/+", TopicPrefix, Protocol)
}

// SystemStatus carries the LWT and online/offline announcements.
func (Topics) SystemStatus() string {
	return TopicPrefixSystem + "/status"
}

// DeviceIDFromCommand extracts the device id from a command topic. It
// returns false for topics outside graylogic/command/wemo/.
func (Topics) DeviceIDFromCommand(topic string) (string, bool) {
	prefix := fmt.Sprintf("%s/command/%s/", TopicPrefix, Protocol)
	if len(topic) <= len(prefix) || topic[:len(prefix)] != prefix {
		return "", false
	}
	return topic[len(prefix):], true
}
