// Package wemo keeps Gray Logic connected to Belkin Wemo devices.
//
// Wemo devices are small embedded UPnP servers. They are found with SSDP,
// described by a setup.xml document, controlled with SOAP over HTTP and report
// changes by pushing NOTIFY requests to subscribers. This package owns every
// part of that conversation:
//
//	┌──────────────┐  descriptors  ┌──────────────┐  records  ┌──────────────┐
//	│  Discovery   │──────────────▶│   Engine     │──────────▶│  Registry    │
//	│ (SSDP, probe)│               │ connect/poll │           │ (per-record  │
//	└──────────────┘               │ failover     │           │  mutex)      │
//	                               └──────┬───────┘           └──────────────┘
//	          ┌───────────────────────────┼───────────────────────────┐
//	          ▼                           ▼                           ▼
//	┌──────────────────┐       ┌──────────────────┐        ┌──────────────────┐
//	│ SubscriptionSet  │       │      Queue       │        │    Listener      │
//	│ SUBSCRIBE/renew  │       │ one SOAP request │        │ NOTIFY callbacks │
//	│ retry, failover  │       │ in flight/device │        │ (chi router)     │
//	└──────────────────┘       └──────────────────┘        └────────┬─────────┘
//	                                                                 ▼
//	                                  Decode ──▶ mailbox ──▶ Controller ──▶ EventSink
//
// # Transport modes
//
// Each device is either in push mode (UPnP event subscriptions, the default)
// or poll mode (periodic SOAP reads). A push device whose subscriptions hit a
// transport error falls back to polling immediately and is queued for
// reconnection; push is only restored when discovery finds the device again.
//
// # Ordering
//
// Requests to one device are sent one at a time in submission order with a
// minimum gap between them. Notifications for one device are delivered to its
// controller in the order they were received. Nothing is ordered across
// devices.
//
// # Host integration
//
// Bridge connects the engine to MQTT: device state is published retained on
// graylogic/state/wemo/{id}, commands arrive on graylogic/command/wemo/{id}
// and are acknowledged on graylogic/ack/wemo/{id}.
package wemo
