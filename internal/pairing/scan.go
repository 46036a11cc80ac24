package pairing

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/brdigitals4u/ttm-eld-mobile-sub006/internal/models"
)

// RequestPermissions acquires the radio permissions needed before any scan.
// A denial is recorded as a permission_denied failure and blocks scanning
// until this is explicitly called again; nothing retries on its own.
func (e *Engine) RequestPermissions(ctx context.Context) (PermissionState, error) {
	err := e.transport.Initialize(ctx)

	e.mu.Lock()
	defer e.mu.Unlock()

	if err != nil {
		e.permission = PermissionDenied
		rec := models.FailureRecord{
			Kind:    models.FailurePermissionDenied,
			Message: "required radio permissions were not granted",
			Details: err.Error(),
		}
		e.failure = &rec
		e.sink.LogConnectionFailure(nil, rec)
		e.notifyLocked()

		log.Warn().Err(err).Msg("Radio permissions denied")
		return PermissionDenied, err
	}

	e.permission = PermissionGranted
	// 重新授权后清除旧的权限失败记录
	if e.failure != nil && e.failure.Kind == models.FailurePermissionDenied {
		e.failure = nil
	}
	e.notifyLocked()

	log.Info().Msg("Radio permissions granted")
	return PermissionGranted, nil
}

// StartScan clears the previous device set and opens a new scan window with
// a one second progress tick. A scan already in progress is left running
// untouched. Permissions are requested lazily on the first scan; once
// denied, the caller must re-request them explicitly.
func (e *Engine) StartScan(ctx context.Context) error {
	e.mu.Lock()
	perm := e.permission
	e.mu.Unlock()

	switch perm {
	case PermissionDenied:
		return ErrPermissionDenied
	case PermissionUnknown:
		if state, err := e.RequestPermissions(ctx); state != PermissionGranted {
			if err != nil {
				return fmt.Errorf("request permissions: %w", err)
			}
			return ErrPermissionDenied
		}
	}

	e.mu.Lock()
	if e.scanning {
		e.mu.Unlock()
		log.Debug().Msg("Scan already in progress, start ignored")
		return nil
	}
	e.scanning = true
	e.scanSeq++
	seq := e.scanSeq
	e.devices = make(map[string]models.DiscoveredDevice)
	e.order = e.order[:0]
	e.scanWindow = models.ScanWindow{StartedAt: e.clock.Now(), Duration: e.opts.ScanDuration}
	e.scanProgress = 0
	if e.failure != nil && e.failure.Kind == models.FailureScanFailed {
		e.failure = nil
	}
	e.armScanTickLocked(seq)
	e.notifyLocked()
	e.mu.Unlock()

	if err := e.transport.StartScan(ctx, e.opts.ScanDuration); err != nil {
		rec := models.FailureRecord{
			Kind:    models.FailureScanFailed,
			Message: "could not start device scan",
			Details: err.Error(),
		}

		e.mu.Lock()
		if e.scanning && e.scanSeq == seq {
			e.scanning = false
			e.stopScanTickLocked()
			e.failure = &rec
			e.sink.LogConnectionFailure(nil, rec)
			e.notifyLocked()
		}
		e.mu.Unlock()

		log.Error().Err(err).Msg("Failed to start device scan")
		return fmt.Errorf("start scan: %w", err)
	}

	e.sink.LogScanStarted(e.opts.ScanDuration)
	log.Info().Dur("duration", e.opts.ScanDuration).Msg("Device scan started")
	return nil
}

// StopScan ends the scan window early. Safe to call when no scan is active.
func (e *Engine) StopScan(ctx context.Context) error {
	e.mu.Lock()
	stopped, found := e.finishScanLocked(false)
	if stopped {
		e.sink.LogScanCompleted(found)
	}
	e.mu.Unlock()

	if !stopped {
		return nil
	}

	if err := e.transport.StopScan(ctx); err != nil {
		log.Warn().Err(err).Msg("Failed to stop transport scan")
	}
	log.Info().Int("devices", found).Msg("Device scan stopped")
	return nil
}

func (e *Engine) armScanTickLocked(seq uint64) {
	e.scanTick = e.clock.AfterFunc(scanTickInterval, func() { e.onScanTick(seq) })
}

func (e *Engine) stopScanTickLocked() {
	if e.scanTick != nil {
		e.scanTick.Stop()
		e.scanTick = nil
	}
}

// onScanTick advances scan progress once per second and closes the window
// when the configured duration has elapsed.
func (e *Engine) onScanTick(seq uint64) {
	e.mu.Lock()

	// 过期扫描的定时器回调直接丢弃
	if !e.scanning || seq != e.scanSeq {
		e.mu.Unlock()
		return
	}

	now := e.clock.Now()
	if e.scanWindow.Elapsed(now) >= e.scanWindow.Duration {
		_, found := e.finishScanLocked(true)
		e.sink.LogScanCompleted(found)
		e.mu.Unlock()

		if err := e.transport.StopScan(context.Background()); err != nil {
			log.Warn().Err(err).Msg("Failed to stop transport scan")
		}
		log.Info().Int("devices", found).Msg("Scan window elapsed")
		return
	}

	e.scanProgress = e.scanWindow.Progress(now)
	e.armScanTickLocked(seq)
	e.notifyLocked()
	e.mu.Unlock()
}

// finishScanLocked flips isScanning to false exactly once per scan. The
// window timer, an explicit stop, and reset all funnel through here, so a
// race between them cannot double-fire completion.
func (e *Engine) finishScanLocked(expired bool) (bool, int) {
	if !e.scanning {
		return false, 0
	}
	e.scanning = false
	e.stopScanTickLocked()
	if expired {
		e.scanProgress = 100
	} else {
		e.scanProgress = e.scanWindow.Progress(e.clock.Now())
	}
	e.notifyLocked()
	return true, len(e.devices)
}

// mergeDevice de-duplicates discoveries by identifier: a later sample of the
// same device overwrites the earlier one in place, never appends a twin.
func (e *Engine) mergeDevice(dev models.DiscoveredDevice) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if dev.LastSeenAt.IsZero() {
		dev.LastSeenAt = e.clock.Now()
	}
	if _, seen := e.devices[dev.Identifier]; !seen {
		e.order = append(e.order, dev.Identifier)
		log.Debug().
			Str("device", dev.Identifier).
			Str("name", dev.Name).
			Str("category", string(dev.Category)).
			Msg("Device discovered")
	}
	e.devices[dev.Identifier] = dev
	e.notifyLocked()
}
