package models

import (
	"time"

	"github.com/google/uuid"
)

// ConnectionEvent represents one reported pairing lifecycle event
type ConnectionEvent struct {
	ID        uuid.UUID `json:"id" db:"id"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`

	VehicleID  string `json:"vehicleId" db:"vehicle_id"`
	DeviceID   string `json:"deviceId,omitempty" db:"device_id"`
	DeviceName string `json:"deviceName,omitempty" db:"device_name"`

	Type ConnectionEventType `json:"type" db:"type"`

	FailureKind FailureKind `json:"failureKind,omitempty" db:"failure_kind"`
	Message     string      `json:"message,omitempty" db:"message"`
	Details     string      `json:"details,omitempty" db:"details"`
	Code        string      `json:"code,omitempty" db:"code"`

	PasscodeLen int       `json:"passcodeLen,omitempty" db:"passcode_len"`
	Meta        Variables `json:"meta,omitempty" db:"meta"`
}

// ConnectionEventType represents pairing lifecycle event types
type ConnectionEventType string

const (
	EventConnectionAttempt ConnectionEventType = "CONNECTION_ATTEMPT"
	EventConnectionSuccess ConnectionEventType = "CONNECTION_SUCCESS"
	EventConnectionError   ConnectionEventType = "CONNECTION_ERROR"
	EventConnectionFailure ConnectionEventType = "CONNECTION_FAILURE"
	EventScanStarted       ConnectionEventType = "SCAN_STARTED"
	EventScanCompleted     ConnectionEventType = "SCAN_COMPLETED"
)
