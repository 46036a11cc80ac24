package models

import (
	"time"
)

// DeviceCategory represents the declared category of a discovered device
type DeviceCategory string

const (
	DeviceCategoryELD     DeviceCategory = "eld"
	DeviceCategoryCamera  DeviceCategory = "camera"
	DeviceCategoryTracker DeviceCategory = "tracker"
	DeviceCategoryUnknown DeviceCategory = "unknown"
)

// DiscoveredDevice represents a radio-visible pairing candidate.
// Devices are de-duplicated by Identifier: a later discovery of the same
// identifier overwrites the earlier sample.
type DiscoveredDevice struct {
	Identifier   string         `json:"identifier"`
	Name         string         `json:"name"`
	RSSI         *int           `json:"rssi,omitempty"`
	Category     DeviceCategory `json:"category"`
	RequiresAuth bool           `json:"requiresAuth"`
	FirmwareHint string         `json:"firmwareHint,omitempty"`
	BatteryHint  *int           `json:"batteryHint,omitempty"`
	LastSeenAt   time.Time      `json:"lastSeenAt"`
}

// KnownDevice represents a device that completed pairing at least once
type KnownDevice struct {
	Identifier      string         `json:"identifier" db:"identifier"`
	Name            string         `json:"name" db:"name"`
	Category        DeviceCategory `json:"category" db:"category"`
	PairCount       int            `json:"pairCount" db:"pair_count"`
	LastConnectedAt time.Time      `json:"lastConnectedAt" db:"last_connected_at"`
}
