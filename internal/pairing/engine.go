// Package pairing implements the ELD pairing and connection state machine:
// the permission gate, the scan controller, the connect stage walk, and the
// data-liveness monitor. All state is owned by the Engine and every
// transition is applied atomically under one lock; the UI layer issues
// commands and observes immutable snapshots, it never mutates state itself.
package pairing

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/brdigitals4u/ttm-eld-mobile-sub006/internal/models"
	"github.com/brdigitals4u/ttm-eld-mobile-sub006/internal/report"
	"github.com/brdigitals4u/ttm-eld-mobile-sub006/internal/transport"
)

// Command rejections returned to the caller. These never enter the error
// phase; they mean the command itself was not accepted.
var (
	ErrPermissionDenied = errors.New("pairing: radio permissions denied")
	ErrNoSession        = errors.New("pairing: no device selected")
	ErrSessionBusy      = errors.New("pairing: another attempt is in progress")
	ErrResetRequired    = errors.New("pairing: attempt is terminal, reset first")
	ErrUnknownDevice    = errors.New("pairing: device not in scan results")
	ErrPasscodeTooShort = errors.New("pairing: passcode too short")
	ErrPasscodeRequired = errors.New("pairing: device requires a passcode")
)

// PermissionState represents the permission gate outcome
type PermissionState string

const (
	PermissionUnknown PermissionState = "unknown"
	PermissionGranted PermissionState = "granted"
	PermissionDenied  PermissionState = "denied"
)

const (
	scanTickInterval = time.Second
	frameBuffer      = 64
	subscriberBuffer = 8
)

// Options tunes the engine's windows and pacing
type Options struct {
	ScanDuration     time.Duration
	FirstFrameWindow time.Duration
	FrameWindow      time.Duration
	StageDwell       time.Duration
	StageDwellCap    time.Duration
	FrameHistory     int
	PasscodeMinLen   int

	Clock Clock
	Sink  report.Sink
}

func (o Options) withDefaults() Options {
	if o.ScanDuration <= 0 {
		o.ScanDuration = 120 * time.Second
	}
	if o.FirstFrameWindow <= 0 {
		o.FirstFrameWindow = 30 * time.Second
	}
	if o.FrameWindow <= 0 {
		o.FrameWindow = 60 * time.Second
	}
	if o.StageDwell <= 0 {
		o.StageDwell = 750 * time.Millisecond
	}
	if o.StageDwellCap <= 0 {
		o.StageDwellCap = 3 * time.Second
	}
	if o.FrameHistory <= 0 {
		o.FrameHistory = 50
	}
	if o.PasscodeMinLen <= 0 {
		o.PasscodeMinLen = 8
	}
	if o.Clock == nil {
		o.Clock = realClock{}
	}
	if o.Sink == nil {
		o.Sink = report.NopSink{}
	}
	return o
}

// attempt is one pairing session: the UI-visible fields plus the runtime
// plumbing that has to die with it.
type attempt struct {
	models.PairingSession

	cancel    context.CancelFunc
	walkTimer Timer
	capTimer  Timer
	liveTimer Timer

	liveWindow time.Duration
	walkIdx    int
	walkDone   bool
	capped     bool
	pendingOK  bool
	frameSeen  bool
	linkUp     bool
}

func (a *attempt) trace(now time.Time, line string) {
	a.Logs = append(a.Logs, models.TraceEntry{At: now, Line: line})
}

// Engine owns all pairing state for one agent process
type Engine struct {
	transport transport.Transport
	sink      report.Sink
	clock     Clock
	opts      Options

	mu         sync.Mutex
	permission PermissionState

	// 扫描窗口状态
	scanning     bool
	scanSeq      uint64
	scanWindow   models.ScanWindow
	scanProgress int
	scanTick     Timer
	devices      map[string]models.DiscoveredDevice
	order        []string

	// cur is the single live attempt, nil while idle. failure holds
	// scan and permission failures that have no attempt to attach to.
	cur     *attempt
	failure *models.FailureRecord

	history []models.TelemetryFrame
	frames  chan models.TelemetryFrame

	subs map[chan models.Snapshot]struct{}
}

// New creates an engine on top of the given device transport
func New(t transport.Transport, opts Options) *Engine {
	opts = opts.withDefaults()
	return &Engine{
		transport:  t,
		sink:       opts.Sink,
		clock:      opts.Clock,
		opts:       opts,
		permission: PermissionUnknown,
		devices:    make(map[string]models.DiscoveredDevice),
		frames:     make(chan models.TelemetryFrame, frameBuffer),
		subs:       make(map[chan models.Snapshot]struct{}),
	}
}

// Run consumes the transport event stream until the context ends or the
// transport closes the stream. Call it in its own goroutine; every command
// remains available while it runs.
func (e *Engine) Run(ctx context.Context) error {
	log.Info().Msg("Pairing engine started")

	events := e.transport.Events()
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Pairing engine stopped")
			return nil
		case ev, ok := <-events:
			if !ok {
				log.Info().Msg("Transport event stream closed")
				return nil
			}
			e.handleEvent(ev)
		}
	}
}

func (e *Engine) handleEvent(ev transport.Event) {
	switch ev.Kind {
	case transport.EventDeviceDiscovered:
		if ev.Device != nil {
			e.mergeDevice(*ev.Device)
		}
	case transport.EventData:
		e.handleFrame(ev)
	case transport.EventConnectionFailure:
		e.handleLinkFailure(ev)
	}
}

// Reset is the universal cancellation primitive. It clears every pending
// timer, discards the eventual result of any in-flight connect call, tears
// down the link, and returns the machine to idle. Discovered devices are
// kept so the caller can retry without rescanning. Repeat calls are no-ops.
func (e *Engine) Reset() error {
	e.mu.Lock()

	if !e.scanning && e.cur == nil && e.failure == nil {
		e.mu.Unlock()
		return nil
	}

	stopped, found := e.finishScanLocked(false)
	if stopped {
		e.sink.LogScanCompleted(found)
	}

	var cancel context.CancelFunc
	needDisconnect := false
	if a := e.cur; a != nil {
		e.stopAttemptTimersLocked(a)
		cancel = a.cancel
		needDisconnect = a.linkUp || a.Phase == models.PhaseConnecting
		e.cur = nil
	}
	e.failure = nil
	e.notifyLocked()
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if stopped {
		if err := e.transport.StopScan(context.Background()); err != nil {
			log.Warn().Err(err).Msg("Failed to stop transport scan")
		}
	}
	if needDisconnect {
		if err := e.transport.Disconnect(context.Background()); err != nil {
			log.Warn().Err(err).Msg("Failed to disconnect transport")
		}
	}

	log.Info().Msg("Pairing state reset")
	return nil
}

// Snapshot returns the immutable read model exposed to the UI layer
func (e *Engine) Snapshot() models.Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

func (e *Engine) snapshotLocked() models.Snapshot {
	snap := models.Snapshot{
		Phase:          models.PhaseIdle,
		ScannedDevices: make([]models.DiscoveredDevice, 0, len(e.order)),
		Logs:           []string{},
		IsScanning:     e.scanning,
		ScanProgress:   e.scanProgress,
	}
	for _, id := range e.order {
		snap.ScannedDevices = append(snap.ScannedDevices, e.devices[id])
	}
	if e.scanning {
		now := e.clock.Now()
		snap.ScanProgress = e.scanWindow.Progress(now)
		snap.ScanRemainingMs = e.scanWindow.Remaining(now).Milliseconds()
	}
	if e.failure != nil {
		rec := *e.failure
		snap.Error = &rec
	}
	if a := e.cur; a != nil {
		snap.Phase = a.Phase
		snap.Progress = a.Progress
		dev := a.Target
		snap.SelectedDevice = &dev
		snap.IsConnecting = a.Phase == models.PhaseConnecting
		snap.Logs = make([]string, len(a.Logs))
		for i, entry := range a.Logs {
			snap.Logs[i] = entry.Line
		}
		if a.Failure != nil {
			rec := *a.Failure
			snap.Error = &rec
		}
	}
	return snap
}

// Subscribe registers a snapshot listener primed with the current state.
// Listeners receive a snapshot after every transition; a full listener
// buffer drops that transition.
func (e *Engine) Subscribe() chan models.Snapshot {
	ch := make(chan models.Snapshot, subscriberBuffer)
	e.mu.Lock()
	e.subs[ch] = struct{}{}
	ch <- e.snapshotLocked()
	e.mu.Unlock()
	return ch
}

// Unsubscribe removes the listener and closes its channel
func (e *Engine) Unsubscribe(ch chan models.Snapshot) {
	e.mu.Lock()
	delete(e.subs, ch)
	e.mu.Unlock()
	close(ch)
}

func (e *Engine) notifyLocked() {
	if len(e.subs) == 0 {
		return
	}
	snap := e.snapshotLocked()
	for ch := range e.subs {
		select {
		case ch <- snap:
		default:
		}
	}
}

// Frames exposes the decoded telemetry stream for downstream collection
func (e *Engine) Frames() <-chan models.TelemetryFrame {
	return e.frames
}

// RecentFrames returns the bounded telemetry history, oldest first
func (e *Engine) RecentFrames() []models.TelemetryFrame {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]models.TelemetryFrame, len(e.history))
	copy(out, e.history)
	return out
}

// Permission returns the current permission gate state
func (e *Engine) Permission() PermissionState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.permission
}

func (e *Engine) stopAttemptTimersLocked(a *attempt) {
	e.stopWalkTimersLocked(a)
	if a.liveTimer != nil {
		a.liveTimer.Stop()
		a.liveTimer = nil
	}
}

func (e *Engine) stopWalkTimersLocked(a *attempt) {
	if a.walkTimer != nil {
		a.walkTimer.Stop()
		a.walkTimer = nil
	}
	if a.capTimer != nil {
		a.capTimer.Stop()
		a.capTimer = nil
	}
}
