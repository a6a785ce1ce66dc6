// Package logging provides structured logging for the Wemo bridge.
//
// It wraps log/slog: JSON for production, text for development, and every
// entry carries service and version. Components log through a child from
// Component so device traffic can be filtered per subsystem.
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr, or a file path
//
// Never log MQTT passwords or InfluxDB tokens.
package logging
