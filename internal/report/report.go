// Package report forwards pairing lifecycle events to external sinks.
// Delivery is fire and forget: a sink that cannot deliver logs the problem
// locally and never surfaces it to the state machine.
package report

import (
	"time"

	"github.com/brdigitals4u/ttm-eld-mobile-sub006/internal/models"
)

// Sink receives pairing lifecycle events. Implementations must not block
// the caller and must swallow their own delivery failures.
type Sink interface {
	LogConnectionAttempt(device models.DiscoveredDevice, passcodeLen int, meta models.Variables)
	LogConnectionSuccess(device models.DiscoveredDevice)
	LogConnectionError(device models.DiscoveredDevice, details string)
	LogConnectionFailure(device *models.DiscoveredDevice, failure models.FailureRecord)
	LogScanStarted(duration time.Duration)
	LogScanCompleted(found int)
}

// NopSink discards everything
type NopSink struct{}

func (NopSink) LogConnectionAttempt(models.DiscoveredDevice, int, models.Variables) {}
func (NopSink) LogConnectionSuccess(models.DiscoveredDevice)                        {}
func (NopSink) LogConnectionError(models.DiscoveredDevice, string)                  {}
func (NopSink) LogConnectionFailure(*models.DiscoveredDevice, models.FailureRecord) {}
func (NopSink) LogScanStarted(time.Duration)                                        {}
func (NopSink) LogScanCompleted(int)                                                {}

// MultiSink fans events out to every configured sink
type MultiSink []Sink

func (m MultiSink) LogConnectionAttempt(device models.DiscoveredDevice, passcodeLen int, meta models.Variables) {
	for _, s := range m {
		s.LogConnectionAttempt(device, passcodeLen, meta)
	}
}

func (m MultiSink) LogConnectionSuccess(device models.DiscoveredDevice) {
	for _, s := range m {
		s.LogConnectionSuccess(device)
	}
}

func (m MultiSink) LogConnectionError(device models.DiscoveredDevice, details string) {
	for _, s := range m {
		s.LogConnectionError(device, details)
	}
}

func (m MultiSink) LogConnectionFailure(device *models.DiscoveredDevice, failure models.FailureRecord) {
	for _, s := range m {
		s.LogConnectionFailure(device, failure)
	}
}

func (m MultiSink) LogScanStarted(duration time.Duration) {
	for _, s := range m {
		s.LogScanStarted(duration)
	}
}

func (m MultiSink) LogScanCompleted(found int) {
	for _, s := range m {
		s.LogScanCompleted(found)
	}
}
