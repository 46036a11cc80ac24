package pairing

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/brdigitals4u/ttm-eld-mobile-sub006/internal/models"
	"github.com/brdigitals4u/ttm-eld-mobile-sub006/internal/transport"
)

// SelectDevice opens a pairing attempt for a device from the current scan
// results. Selecting while another attempt is connecting is rejected, never
// merged into the running attempt; a terminal attempt must be reset first.
func (e *Engine) SelectDevice(identifier string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if a := e.cur; a != nil {
		switch a.Phase {
		case models.PhaseConnecting, models.PhaseConnected:
			return ErrSessionBusy
		case models.PhaseSuccess, models.PhaseError:
			return ErrResetRequired
		}
	}

	dev, ok := e.devices[identifier]
	if !ok {
		return ErrUnknownDevice
	}

	now := e.clock.Now()
	a := &attempt{
		PairingSession: models.PairingSession{
			ID:        uuid.New(),
			Phase:     models.PhaseDeviceSelected,
			Target:    dev,
			StartedAt: now,
		},
	}
	a.trace(now, fmt.Sprintf("Selected %s", dev.Name))
	e.cur = a
	e.notifyLocked()

	log.Info().
		Str("device", dev.Identifier).
		Str("name", dev.Name).
		Bool("requiresAuth", dev.RequiresAuth).
		Msg("Device selected")
	return nil
}

// SubmitPasscode stores the credential for the selected device. Codes
// shorter than the minimum are rejected here; the transport is never
// contacted and the phase does not change.
func (e *Engine) SubmitPasscode(code string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cur == nil {
		return ErrNoSession
	}
	switch e.cur.Phase {
	case models.PhaseConnecting, models.PhaseConnected:
		return ErrSessionBusy
	case models.PhaseSuccess, models.PhaseError:
		return ErrResetRequired
	}
	if len(code) < e.opts.PasscodeMinLen {
		return ErrPasscodeTooShort
	}

	e.cur.Passcode = code
	e.cur.trace(e.clock.Now(), "Passcode accepted")
	e.notifyLocked()
	return nil
}

// Connect starts the transport connect call and the presentational stage
// walk. The walk paces progress for UI legibility only: a transport failure
// is applied the moment it arrives, and a held success is forced through
// once the aggregate dwell cap elapses.
func (e *Engine) Connect() error {
	e.mu.Lock()

	if e.cur == nil {
		e.mu.Unlock()
		return ErrNoSession
	}
	switch e.cur.Phase {
	case models.PhaseConnecting, models.PhaseConnected:
		e.mu.Unlock()
		return ErrSessionBusy
	case models.PhaseSuccess, models.PhaseError:
		e.mu.Unlock()
		return ErrResetRequired
	}
	if e.cur.Target.RequiresAuth && e.cur.Passcode == "" {
		e.mu.Unlock()
		return ErrPasscodeRequired
	}

	a := e.cur
	a.Phase = models.PhaseConnecting
	a.trace(e.clock.Now(), fmt.Sprintf("Connecting to %s", a.Target.Name))
	e.enterStageLocked(a, 0)

	// 连接调用与舞台步进并发推进，最后由 handleConnectResult 汇合
	connectCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	sid := a.ID
	device := a.Target
	passcode := a.Passcode
	a.capTimer = e.clock.AfterFunc(e.opts.StageDwellCap, func() { e.onWalkCap(sid) })

	e.sink.LogConnectionAttempt(device, len(passcode), models.Variables{
		"category":     string(device.Category),
		"requiresAuth": device.RequiresAuth,
	})
	e.notifyLocked()
	e.mu.Unlock()

	go func() {
		err := e.transport.Connect(connectCtx, device.Identifier, passcode, false)
		e.handleConnectResult(sid, err)
	}()

	log.Info().Str("device", device.Identifier).Msg("Connection attempt started")
	return nil
}

// enterStageLocked applies one stage of the walk and schedules the next
// step after the minimum dwell.
func (e *Engine) enterStageLocked(a *attempt, idx int) {
	stage := models.ConnectStages[idx]
	a.walkIdx = idx
	a.Stage = stage
	if p := models.StageProgress[stage]; p > a.Progress {
		a.Progress = p
	}
	a.trace(e.clock.Now(), stageLine(stage))

	sid := a.ID
	next := idx + 1
	a.walkTimer = e.clock.AfterFunc(e.opts.StageDwell, func() { e.onWalkStep(sid, next) })
}

// onWalkStep advances the stage walk. Past the last stage the walk is done:
// a held transport success applies immediately.
func (e *Engine) onWalkStep(sid uuid.UUID, idx int) {
	e.mu.Lock()
	defer e.mu.Unlock()

	a := e.cur
	if a == nil || a.ID != sid || a.Phase != models.PhaseConnecting {
		return
	}

	if idx >= len(models.ConnectStages) {
		a.walkDone = true
		a.walkTimer = nil
		if a.pendingOK {
			e.applyConnectedLocked(a)
		}
		return
	}

	e.enterStageLocked(a, idx)
	e.notifyLocked()
}

// onWalkCap fires when the dwell pacing has used up its aggregate allowance.
// From here on transport results apply immediately; a success already held
// is committed now, collapsing any stages not yet shown.
func (e *Engine) onWalkCap(sid uuid.UUID) {
	e.mu.Lock()
	defer e.mu.Unlock()

	a := e.cur
	if a == nil || a.ID != sid || a.Phase != models.PhaseConnecting {
		return
	}

	a.capped = true
	a.capTimer = nil
	if a.pendingOK {
		e.fastForwardWalkLocked(a)
		e.applyConnectedLocked(a)
	}
}

// fastForwardWalkLocked collapses the stages not yet shown so the trace log
// still records the full walk.
func (e *Engine) fastForwardWalkLocked(a *attempt) {
	if a.walkTimer != nil {
		a.walkTimer.Stop()
		a.walkTimer = nil
	}
	now := e.clock.Now()
	for idx := a.walkIdx + 1; idx < len(models.ConnectStages); idx++ {
		stage := models.ConnectStages[idx]
		a.walkIdx = idx
		a.Stage = stage
		if p := models.StageProgress[stage]; p > a.Progress {
			a.Progress = p
		}
		a.trace(now, stageLine(stage))
	}
	a.walkDone = true
}

// handleConnectResult arbitrates the transport outcome against the stage
// walk. A result for an attempt that has been reset or already failed is
// discarded, never applied.
func (e *Engine) handleConnectResult(sid uuid.UUID, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	a := e.cur
	if a == nil || a.ID != sid || a.Phase != models.PhaseConnecting {
		log.Debug().Err(err).Msg("Discarding connect result for stale attempt")
		return
	}

	if err != nil {
		rec := classifyErr(err)
		e.sink.LogConnectionError(a.Target, err.Error())
		e.failLocked(a, rec)
		return
	}

	if a.walkDone || a.capped {
		e.fastForwardWalkLocked(a)
		e.applyConnectedLocked(a)
		return
	}

	// 链路已建立，等舞台走完再对外宣布
	a.pendingOK = true
}

// applyConnectedLocked commits the transport success: the link is up and
// the data-liveness monitor takes over. Telemetry that arrived while the
// result was held counts as liveness proof and promotes the attempt
// straight through to success.
func (e *Engine) applyConnectedLocked(a *attempt) {
	e.stopWalkTimersLocked(a)
	a.pendingOK = false
	a.walkDone = true
	a.linkUp = true
	a.Phase = models.PhaseConnected
	if a.Progress < 100 {
		a.Progress = 100
	}
	a.trace(e.clock.Now(), "Device link established")
	e.notifyLocked()

	log.Info().Str("device", a.Target.Identifier).Msg("Device link established")

	e.armLivenessLocked(a, e.opts.FirstFrameWindow)
	if a.frameSeen {
		e.promoteSuccessLocked(a)
	}
}

// failLocked moves the attempt to the error terminal and stops its timers.
// The failure record is immutable from here; only reset clears it.
func (e *Engine) failLocked(a *attempt, rec models.FailureRecord) {
	e.stopAttemptTimersLocked(a)
	a.pendingOK = false
	a.Phase = models.PhaseError
	r := rec
	a.Failure = &r
	a.trace(e.clock.Now(), fmt.Sprintf("Connection failed: %s", rec.Message))

	dev := a.Target
	e.sink.LogConnectionFailure(&dev, rec)
	e.notifyLocked()

	log.Warn().
		Str("kind", string(rec.Kind)).
		Str("device", a.Target.Identifier).
		Str("message", rec.Message).
		Msg("Pairing attempt failed")
}

func classifyErr(err error) models.FailureRecord {
	var cerr *transport.ConnectError
	if errors.As(err, &cerr) {
		return classify(cerr.Message, cerr.Code)
	}
	return classify(err.Error(), "")
}

func stageLine(stage models.ConnectStage) string {
	switch stage {
	case models.StageIdentifyDevice:
		return "Identifying device"
	case models.StageGatheringInfo:
		return "Gathering device information"
	case models.StageCapturingID:
		return "Capturing ELD identifier"
	case models.StagePairing:
		return "Pairing with device"
	default:
		return string(stage)
	}
}
