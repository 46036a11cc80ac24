// Package transport abstracts the device link used to discover, pair with,
// and receive telemetry from ELD hardware. Implementations push asynchronous
// happenings onto a typed event channel instead of registering callbacks, so
// the consumer controls ordering and cancellation.
package transport

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/brdigitals4u/ttm-eld-mobile-sub006/internal/models"
)

// EventKind discriminates transport events
type EventKind string

const (
	EventDeviceDiscovered  EventKind = "device_discovered"
	EventData              EventKind = "data"
	EventConnectionFailure EventKind = "connection_failure"
)

// Event is one asynchronous transport notification
type Event struct {
	Kind EventKind
	At   time.Time

	// Device is set for device_discovered events
	Device *models.DiscoveredDevice

	// Data is set for data events: one raw telemetry frame
	Data []byte

	// Message and Code are set for connection_failure events
	Message string
	Code    string
}

// Error codes carried by ConnectError and connection_failure events
const (
	CodeAuthFailed         = "AUTH_FAILED"
	CodeConnectTimeout     = "CONNECT_TIMEOUT"
	CodeDeviceNotFound     = "DEVICE_NOT_FOUND"
	CodeDeviceIncompatible = "DEVICE_INCOMPATIBLE"
	CodeRadioUnavailable   = "RADIO_UNAVAILABLE"
	CodeLinkLost           = "LINK_LOST"
)

// ConnectError is the typed rejection returned by Connect
type ConnectError struct {
	Message string
	Code    string
}

func (e *ConnectError) Error() string {
	return e.Message
}

// Transport is the device link consumed by the pairing engine.
// Exactly one connection may be active at a time.
type Transport interface {
	// Initialize prepares the link (bus connection, adapter checks).
	// A failure here means the radio is unavailable or not permitted.
	Initialize(ctx context.Context) error

	// StartScan begins device discovery for at most the given duration.
	// Discovered devices arrive as device_discovered events.
	StartScan(ctx context.Context, duration time.Duration) error

	// StopScan ends discovery early. Safe to call when not scanning.
	StopScan(ctx context.Context) error

	// Connect establishes a link to the device. Rejections are returned
	// as *ConnectError with a human-readable message and optional code.
	Connect(ctx context.Context, deviceID, passcode string, autoReconnect bool) error

	// Disconnect tears down the active link. Safe to call when idle.
	Disconnect(ctx context.Context) error

	// Events returns the notification stream. The channel is closed by
	// Close.
	Events() <-chan Event

	// Close releases all link resources.
	Close() error
}

const eventBuffer = 64

// emit delivers an event without ever blocking the producer. A full
// consumer queue drops the event with a warning.
func emit(ch chan Event, ev Event) {
	select {
	case ch <- ev:
	default:
		log.Warn().Str("kind", string(ev.Kind)).Msg("transport event queue full, dropping event")
	}
}
