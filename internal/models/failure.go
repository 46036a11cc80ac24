package models

// FailureKind classifies why a pairing attempt terminated
type FailureKind string

const (
	// FailurePermissionDenied - radio/location permission refused; no scan may start
	FailurePermissionDenied FailureKind = "permission_denied"
	// FailureScanFailed - transport could not start scanning (radio off, init failure)
	FailureScanFailed FailureKind = "scan_failed"
	// FailureConnectionTimeout - transport connect call timed out
	FailureConnectionTimeout FailureKind = "connection_timeout"
	// FailureInvalidPasscode - device rejected the credentials
	FailureInvalidPasscode FailureKind = "invalid_passcode"
	// FailureConnectionFailed - generic connect rejection
	FailureConnectionFailed FailureKind = "connection_failed"
	// FailureEldDataTimeout - link established but no telemetry within the liveness window
	FailureEldDataTimeout FailureKind = "eld_data_timeout"
	// FailureDeviceIncompatible - device does not support the expected data-reporting mode
	FailureDeviceIncompatible FailureKind = "device_incompatible"
)

// FailureRecord describes why a session terminated in the error phase.
// Immutable once set; only reset() clears it.
type FailureRecord struct {
	Kind    FailureKind `json:"kind"`
	Message string      `json:"message"`
	Details string      `json:"details,omitempty"`
	Code    string      `json:"code,omitempty"`
}

// Recoverable reports whether retrying the same device is worthwhile.
// Data-timeout and incompatibility failures need a different device or a
// power cycle of the hardware.
func (f FailureKind) Recoverable() bool {
	switch f {
	case FailureEldDataTimeout, FailureDeviceIncompatible:
		return false
	default:
		return true
	}
}
