package wemo

import (
	"errors"
	"fmt"
)

// Errors returned to callers of SendCommand. Transport details are always
// wrapped behind one of these so callers can branch with errors.Is.
var (
	// ErrNoService means the device does not advertise the service (or it
	// has no control URL). Permanent for that device and action.
	ErrNoService = errors.New("wemo: service not available on device")

	// ErrUnreachable means the connection was refused or the host could not
	// be reached.
	ErrUnreachable = errors.New("wemo: device unreachable")

	// ErrTimeout means the device did not answer before the deadline.
	ErrTimeout = errors.New("wemo: request timed out")

	// ErrProtocol means the response was not the expected SOAP envelope.
	ErrProtocol = errors.New("wemo: protocol error")
)

// Engine-internal errors. These are logged and recovered from, not surfaced
// to controllers.
var (
	// ErrSubscription is a non-200 answer to SUBSCRIBE or a renewal.
	ErrSubscription = errors.New("wemo: subscription rejected")

	// ErrDiscovery covers failures to turn an address into a descriptor.
	ErrDiscovery = errors.New("wemo: discovery failed")

	// ErrNoUsablePort means no candidate port served setup.xml.
	ErrNoUsablePort = fmt.Errorf("%w: no usable port", ErrDiscovery)

	// ErrUnknownDevice is returned for ids with no connection record.
	ErrUnknownDevice = errors.New("wemo: unknown device")

	// ErrUnsupportedCommand is returned by controllers for commands they do
	// not implement.
	ErrUnsupportedCommand = errors.New("wemo: unsupported command")

	// ErrStopped is returned for work submitted after shutdown.
	ErrStopped = errors.New("wemo: stopped")
)

// SOAPFault is the detail of a SOAP Fault response, wrapped by ErrProtocol.
type SOAPFault struct {
	Code        string
	String      string
	UPnPCode    string
	Description string
}

func (f *SOAPFault) Error() string {
	if f.UPnPCode != "" {
		return fmt.Sprintf("soap fault %s: %s (upnp %s: %s)", f.Code, f.String, f.UPnPCode, f.Description)
	}
	return fmt.Sprintf("soap fault %s: %s", f.Code, f.String)
}
