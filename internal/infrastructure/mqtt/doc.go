// Package mqtt connects the Wemo bridge to the site MQTT broker.
//
// The broker is how host controllers outside this process see Wemo devices:
// the bridge publishes retained state per device, accepts commands on a
// wildcard topic and acknowledges each one. Topic names are built by the
// Topics helpers so every publisher and subscriber agrees on the layout:
//
//	graylogic/state/wemo/{device_id}     retained device state
//	graylogic/command/wemo/{device_id}   inbound commands
//	graylogic/ack/wemo/{device_id}       command acknowledgements
//	graylogic/health/wemo                retained bridge health
//	graylogic/discovery/wemo             device announcements
//	graylogic/system/status              LWT and online/offline status
//
// Subscriptions are remembered and restored after paho reconnects, and
// handler panics are recovered and logged rather than killing the paho
// router goroutine.
package mqtt
