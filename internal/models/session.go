package models

import (
	"time"

	"github.com/google/uuid"
)

// Phase represents a connection state machine phase
type Phase string

const (
	PhaseIdle           Phase = "idle"
	PhaseDeviceSelected Phase = "device_selected"
	PhaseConnecting     Phase = "connecting"
	PhaseConnected      Phase = "connected"
	PhaseSuccess        Phase = "success"
	PhaseError          Phase = "error"
)

// Terminal reports whether the phase ends an attempt
func (p Phase) Terminal() bool {
	return p == PhaseSuccess || p == PhaseError
}

// ConnectStage represents a presentational milestone inside the connecting
// phase. The underlying transport call is atomic; stages exist so progress
// steps visibly through the walk even on a fast link.
type ConnectStage string

const (
	StageIdentifyDevice ConnectStage = "identify_device"
	StageGatheringInfo  ConnectStage = "gathering_info"
	StageCapturingID    ConnectStage = "capturing_id"
	StagePairing        ConnectStage = "pairing"
)

// ConnectStages lists the stages in walk order
var ConnectStages = []ConnectStage{
	StageIdentifyDevice,
	StageGatheringInfo,
	StageCapturingID,
	StagePairing,
}

// StageProgress maps each stage to its progress milestone
var StageProgress = map[ConnectStage]int{
	StageIdentifyDevice: 25,
	StageGatheringInfo:  50,
	StageCapturingID:    75,
	StagePairing:        95,
}

// TraceEntry is one human-readable line in a session's trace log
type TraceEntry struct {
	At   time.Time `json:"at"`
	Line string    `json:"line"`
}

// PairingSession holds the mutable state of a single pairing attempt.
// Exactly one session exists at a time; it is created by selectDevice and
// destroyed by reset.
type PairingSession struct {
	ID        uuid.UUID        `json:"id"`
	Phase     Phase            `json:"phase"`
	Stage     ConnectStage     `json:"stage,omitempty"`
	Target    DiscoveredDevice `json:"target"`
	Passcode  string           `json:"-"`
	Progress  int              `json:"progress"`
	Logs      []TraceEntry     `json:"logs"`
	Failure   *FailureRecord   `json:"failure,omitempty"`
	StartedAt time.Time        `json:"startedAt"`
}

// ScanWindow represents a bounded-duration device discovery window
type ScanWindow struct {
	StartedAt time.Time     `json:"startedAt"`
	Duration  time.Duration `json:"duration"`
}

// Elapsed returns time spent in the window, clamped to the duration
func (w ScanWindow) Elapsed(now time.Time) time.Duration {
	e := now.Sub(w.StartedAt)
	if e < 0 {
		return 0
	}
	if e > w.Duration {
		return w.Duration
	}
	return e
}

// Remaining returns time left in the window, never negative
func (w ScanWindow) Remaining(now time.Time) time.Duration {
	return w.Duration - w.Elapsed(now)
}

// Progress returns scan completion as 0-100
func (w ScanWindow) Progress(now time.Time) int {
	if w.Duration <= 0 {
		return 100
	}
	return int(w.Elapsed(now) * 100 / w.Duration)
}

// Snapshot is the immutable read model exposed to the UI layer
type Snapshot struct {
	Phase           Phase              `json:"phase"`
	Progress        int                `json:"progress"`
	ScannedDevices  []DiscoveredDevice `json:"scannedDevices"`
	SelectedDevice  *DiscoveredDevice  `json:"selectedDevice,omitempty"`
	Error           *FailureRecord     `json:"error,omitempty"`
	Logs            []string           `json:"logs"`
	IsScanning      bool               `json:"isScanning"`
	IsConnecting    bool               `json:"isConnecting"`
	ScanProgress    int                `json:"scanProgress"`
	ScanRemainingMs int64              `json:"scanRemainingMs"`
}
