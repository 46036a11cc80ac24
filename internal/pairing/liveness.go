package pairing

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/brdigitals4u/ttm-eld-mobile-sub006/internal/models"
	"github.com/brdigitals4u/ttm-eld-mobile-sub006/internal/transport"
	"github.com/brdigitals4u/ttm-eld-mobile-sub006/pkg/eldwire"
)

// armLivenessLocked starts the silence watchdog for the current attempt,
// replacing any window already pending.
func (e *Engine) armLivenessLocked(a *attempt, window time.Duration) {
	if a.liveTimer != nil {
		a.liveTimer.Stop()
	}
	a.liveWindow = window
	sid := a.ID
	a.liveTimer = e.clock.AfterFunc(window, func() { e.onLivenessTimeout(sid) })
}

// onLivenessTimeout fires when the device stayed silent past its window.
// Pairing alone is not proof of a working ELD: silence here means a non-ELD
// or misconfigured device, so the attempt fails with eld_data_timeout.
func (e *Engine) onLivenessTimeout(sid uuid.UUID) {
	e.mu.Lock()
	defer e.mu.Unlock()

	a := e.cur
	if a == nil || a.ID != sid {
		return
	}
	if a.Phase != models.PhaseConnected && a.Phase != models.PhaseSuccess {
		return
	}

	rec := models.FailureRecord{
		Kind:    models.FailureEldDataTimeout,
		Message: "device connected but is not sending telemetry",
		Details: fmt.Sprintf("no frame within %s", a.liveWindow),
	}
	e.failLocked(a, rec)
}

// promoteSuccessLocked marks the attempt successful after telemetry proof.
// Liveness monitoring continues with the longer steady-state window: a
// device that later goes silent still fails the session.
func (e *Engine) promoteSuccessLocked(a *attempt) {
	a.Phase = models.PhaseSuccess
	a.trace(e.clock.Now(), "Telemetry stream confirmed")
	e.armLivenessLocked(a, e.opts.FrameWindow)
	e.sink.LogConnectionSuccess(a.Target)
	e.notifyLocked()

	log.Info().Str("device", a.Target.Identifier).Msg("Pairing succeeded")
}

// handleFrame decodes, records, and forwards one raw telemetry frame, then
// feeds the liveness monitor. Frames are never discarded: one arriving
// after a timeout is still recorded, it just cannot un-fail the attempt.
func (e *Engine) handleFrame(ev transport.Event) {
	wire, err := eldwire.UnmarshalFrame(ev.Data)
	if err != nil {
		log.Warn().Err(err).Int("len", len(ev.Data)).Msg("Dropping undecodable frame")
		return
	}

	at := ev.At
	if at.IsZero() {
		at = e.clock.Now()
	}

	e.mu.Lock()

	frame := models.TelemetryFrame{
		ID:            uuid.New(),
		SpeedMph:      wire.SpeedMph,
		EngineRPM:     int(wire.EngineRPM),
		FuelLevelPct:  int(wire.FuelLevelPct),
		OdometerMiles: wire.OdometerMiles,
		DutyStatus:    models.DutyStatus(wire.DutyStatus.String()),
		Raw:           append([]byte(nil), ev.Data...),
		ReceivedAt:    at,
	}
	if e.cur != nil {
		frame.DeviceID = e.cur.Target.Identifier
	}

	e.history = append(e.history, frame)
	if len(e.history) > e.opts.FrameHistory {
		e.history = e.history[len(e.history)-e.opts.FrameHistory:]
	}

	if a := e.cur; a != nil {
		switch a.Phase {
		case models.PhaseConnecting:
			// 链路成功但舞台未走完时到达的帧也算活性证明
			if a.pendingOK {
				a.frameSeen = true
			}
		case models.PhaseConnected:
			a.frameSeen = true
			e.promoteSuccessLocked(a)
		case models.PhaseSuccess:
			e.armLivenessLocked(a, e.opts.FrameWindow)
		}
	}
	e.mu.Unlock()

	select {
	case e.frames <- frame:
	default:
		log.Warn().Msg("Frame consumer behind, dropping frame from stream")
	}
}

// handleLinkFailure reacts to an asynchronous drop of an established link.
// While connecting the in-flight connect call reports its own outcome, so
// the event is left to that path; once terminal in error, further link
// events are ignored until reset.
func (e *Engine) handleLinkFailure(ev transport.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()

	a := e.cur
	if a == nil {
		return
	}
	if a.Phase != models.PhaseConnected && a.Phase != models.PhaseSuccess {
		return
	}

	a.linkUp = false
	rec := classify(ev.Message, ev.Code)
	e.failLocked(a, rec)
}
