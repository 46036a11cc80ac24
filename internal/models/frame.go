package models

import (
	"time"

	"github.com/google/uuid"
)

// DutyStatus represents the driver duty status carried in a telemetry frame
type DutyStatus string

const (
	DutyOffDuty          DutyStatus = "off_duty"
	DutySleeperBerth     DutyStatus = "sleeper_berth"
	DutyDriving          DutyStatus = "driving"
	DutyOnDutyNotDriving DutyStatus = "on_duty_not_driving"
	DutyUnknown          DutyStatus = "unknown"
)

// TelemetryFrame represents one decoded telemetry frame from the device
type TelemetryFrame struct {
	ID       uuid.UUID `json:"id" db:"id"`
	DeviceID string    `json:"deviceId" db:"device_id"`

	SpeedMph      float64    `json:"speedMph" db:"speed_mph"`
	EngineRPM     int        `json:"engineRpm" db:"engine_rpm"`
	FuelLevelPct  int        `json:"fuelLevelPct" db:"fuel_level_pct"`
	OdometerMiles uint32     `json:"odometerMiles" db:"odometer_miles"`
	DutyStatus    DutyStatus `json:"dutyStatus" db:"duty_status"`

	Raw        []byte    `json:"raw,omitempty" db:"raw"`
	ReceivedAt time.Time `json:"receivedAt" db:"received_at"`
}
