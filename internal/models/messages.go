package models

import (
	"time"
)

// ConnectionEventMessage is the NATS payload published for each pairing
// lifecycle event on eld.<vehicle>.connection.<type>
type ConnectionEventMessage struct {
	VehicleID   string              `json:"vehicleId"`
	DeviceID    string              `json:"deviceId,omitempty"`
	DeviceName  string              `json:"deviceName,omitempty"`
	Type        ConnectionEventType `json:"type"`
	FailureKind FailureKind         `json:"failureKind,omitempty"`
	Message     string              `json:"message,omitempty"`
	Details     string              `json:"details,omitempty"`
	Code        string              `json:"code,omitempty"`
	PasscodeLen int                 `json:"passcodeLen,omitempty"`
	Meta        Variables           `json:"meta,omitempty"`
	At          time.Time           `json:"at"`
}

// TelemetryFrameMessage is the NATS payload published for each decoded
// frame on eld.<vehicle>.telemetry.frame
type TelemetryFrameMessage struct {
	VehicleID     string     `json:"vehicleId"`
	DeviceID      string     `json:"deviceId"`
	SpeedMph      float64    `json:"speedMph"`
	EngineRPM     int        `json:"engineRpm"`
	FuelLevelPct  int        `json:"fuelLevelPct"`
	OdometerMiles uint32     `json:"odometerMiles"`
	DutyStatus    DutyStatus `json:"dutyStatus"`
	ReceivedAt    time.Time  `json:"receivedAt"`
}

// RemoteCommandMessage is the NATS payload consumed from
// eld.<vehicle>.command.<name>
type RemoteCommandMessage struct {
	RequestedBy string    `json:"requestedBy,omitempty"`
	At          time.Time `json:"at,omitempty"`
}
