// Package influxdb records Wemo telemetry in InfluxDB v2.
//
// Insight plugs report instantaneous power and cumulative energy with every
// InsightParams event; the bridge writes those as "energy" points and also
// records binary state transitions as "wemo_state" points so dashboards can
// chart on-time. Writes go through the non-blocking batched write API and
// never stall the event path. Async write failures are surfaced through
// SetOnError.
package influxdb
