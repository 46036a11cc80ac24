package pairing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/brdigitals4u/ttm-eld-mobile-sub006/internal/models"
	"github.com/brdigitals4u/ttm-eld-mobile-sub006/internal/transport"
)

func TestScanProgressMonotonicAndCompletes(t *testing.T) {
	f := newFixture(t, Options{ScanDuration: 10 * time.Second})

	if err := f.eng.StartScan(context.Background()); err != nil {
		t.Fatalf("StartScan: %v", err)
	}

	last := -1
	for i := 0; i < 10; i++ {
		f.clk.advance(time.Second)
		snap := f.eng.Snapshot()
		if snap.ScanProgress < last {
			t.Fatalf("progress went backwards: %d after %d", snap.ScanProgress, last)
		}
		last = snap.ScanProgress
	}

	snap := f.eng.Snapshot()
	if snap.IsScanning {
		t.Fatal("still scanning after the window elapsed")
	}
	if snap.ScanProgress != 100 {
		t.Fatalf("final progress %d, want exactly 100", snap.ScanProgress)
	}

	_, _, stops, _, _ := f.ft.counts()
	if stops != 1 {
		t.Fatalf("transport scan stopped %d times, want 1", stops)
	}
	if dones := f.sink.scanCompletions(); len(dones) != 1 {
		t.Fatalf("scan completed %d times, want exactly 1", len(dones))
	}
}

func TestScanCompletionFiresExactlyOnceUnderStopRace(t *testing.T) {
	f := newFixture(t, Options{ScanDuration: 10 * time.Second})

	if err := f.eng.StartScan(context.Background()); err != nil {
		t.Fatalf("StartScan: %v", err)
	}
	f.clk.advance(10 * time.Second)

	// 窗口已经到期，显式停止不得再次触发完成
	if err := f.eng.StopScan(context.Background()); err != nil {
		t.Fatalf("StopScan: %v", err)
	}

	if dones := f.sink.scanCompletions(); len(dones) != 1 {
		t.Fatalf("scan completed %d times, want exactly 1", len(dones))
	}
	_, _, stops, _, _ := f.ft.counts()
	if stops != 1 {
		t.Fatalf("transport scan stopped %d times, want 1", stops)
	}
}

func TestStartScanIgnoredWhileActive(t *testing.T) {
	f := newFixture(t, Options{ScanDuration: 10 * time.Second})

	if err := f.eng.StartScan(context.Background()); err != nil {
		t.Fatalf("StartScan: %v", err)
	}
	dev := eldDevice("AA:BB:CC:DD:EE:FF", "PT30-ELD", -45, false)
	f.discover(t, dev)

	if err := f.eng.StartScan(context.Background()); err != nil {
		t.Fatalf("second StartScan: %v", err)
	}

	snap := f.eng.Snapshot()
	if !snap.IsScanning {
		t.Fatal("scan no longer active")
	}
	if len(snap.ScannedDevices) != 1 {
		t.Fatalf("restart cleared the device set: %d devices", len(snap.ScannedDevices))
	}
	_, scans, _, _, _ := f.ft.counts()
	if scans != 1 {
		t.Fatalf("transport scan started %d times, want 1", scans)
	}
	if got := f.sink.scanStartCount(); got != 1 {
		t.Fatalf("scan started reported %d times, want 1", got)
	}
}

func TestNewScanClearsPreviousDevices(t *testing.T) {
	f := newFixture(t, Options{ScanDuration: 10 * time.Second})

	if err := f.eng.StartScan(context.Background()); err != nil {
		t.Fatalf("StartScan: %v", err)
	}
	f.discover(t, eldDevice("AA:BB:CC:DD:EE:FF", "PT30-ELD", -45, false))
	f.clk.advance(10 * time.Second)

	if err := f.eng.StartScan(context.Background()); err != nil {
		t.Fatalf("restart: %v", err)
	}
	snap := f.eng.Snapshot()
	if len(snap.ScannedDevices) != 0 {
		t.Fatalf("new scan kept %d stale devices", len(snap.ScannedDevices))
	}
}

func TestDiscoveryDeduplicatesByIdentifier(t *testing.T) {
	f := newFixture(t, Options{})

	if err := f.eng.StartScan(context.Background()); err != nil {
		t.Fatalf("StartScan: %v", err)
	}

	f.discover(t, eldDevice("AA:BB:CC:DD:EE:FF", "PT30-ELD", -60, false))
	f.discover(t, eldDevice("11:22:33:44:55:66", "KD032-556677", -70, true))

	// 同一设备的第二次采样原地覆盖，不追加副本
	second := eldDevice("AA:BB:CC:DD:EE:FF", "PT30-ELD", -45, false)
	f.ft.events <- transport.Event{Kind: transport.EventDeviceDiscovered, Device: &second}
	waitFor(t, func() bool {
		for _, d := range f.eng.Snapshot().ScannedDevices {
			if d.Identifier == "AA:BB:CC:DD:EE:FF" && d.RSSI != nil && *d.RSSI == -45 {
				return true
			}
		}
		return false
	})

	snap := f.eng.Snapshot()
	if len(snap.ScannedDevices) != 2 {
		t.Fatalf("duplicate discovery appended: %d devices", len(snap.ScannedDevices))
	}
}

func TestPermissionDeniedBlocksScanning(t *testing.T) {
	f := newFixture(t, Options{})
	f.ft.setInitErr(errors.New("bluetooth adapter hci0 is not powered"))

	err := f.eng.StartScan(context.Background())
	if err == nil {
		t.Fatal("expected scan start to fail")
	}

	snap := f.eng.Snapshot()
	if snap.Error == nil || snap.Error.Kind != models.FailurePermissionDenied {
		t.Fatalf("expected permission_denied, got %+v", snap.Error)
	}
	if snap.IsScanning {
		t.Fatal("scan started without permissions")
	}

	// 拒绝后不会自动重试，再次扫描立即失败
	if err := f.eng.StartScan(context.Background()); err != ErrPermissionDenied {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}
	inits, scans, _, _, _ := f.ft.counts()
	if inits != 1 || scans != 0 {
		t.Fatalf("unexpected transport calls: %d inits, %d scans", inits, scans)
	}

	// 重新授权后恢复
	f.ft.setInitErr(nil)
	state, err := f.eng.RequestPermissions(context.Background())
	if err != nil || state != PermissionGranted {
		t.Fatalf("re-request: state %s, err %v", state, err)
	}
	if f.eng.Snapshot().Error != nil {
		t.Fatal("permission failure not cleared by re-grant")
	}
	if err := f.eng.StartScan(context.Background()); err != nil {
		t.Fatalf("StartScan after re-grant: %v", err)
	}
}

func TestScanStartFailureSurfacedWithoutSession(t *testing.T) {
	f := newFixture(t, Options{})
	f.ft.setScanErr(errors.New("bluetooth adapter is powered off"))

	err := f.eng.StartScan(context.Background())
	if err == nil {
		t.Fatal("expected scan start to fail")
	}

	snap := f.eng.Snapshot()
	if snap.Error == nil || snap.Error.Kind != models.FailureScanFailed {
		t.Fatalf("expected scan_failed, got %+v", snap.Error)
	}
	if snap.Phase != models.PhaseIdle || snap.SelectedDevice != nil {
		t.Fatalf("scan failure opened a session: %+v", snap)
	}
	if snap.IsScanning {
		t.Fatal("isScanning stuck after failed start")
	}

	// 重试成功后清除 scan_failed
	f.ft.setScanErr(nil)
	if err := f.eng.StartScan(context.Background()); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if got := f.eng.Snapshot().Error; got != nil {
		t.Fatalf("retry did not clear failure: %+v", got)
	}
}

func TestResetStopsScanAndKeepsDevices(t *testing.T) {
	f := newFixture(t, Options{})

	if err := f.eng.StartScan(context.Background()); err != nil {
		t.Fatalf("StartScan: %v", err)
	}
	f.discover(t, eldDevice("AA:BB:CC:DD:EE:FF", "PT30-ELD", -45, false))
	f.discover(t, eldDevice("11:22:33:44:55:66", "KD032-556677", -70, true))

	if err := f.eng.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}

	snap := f.eng.Snapshot()
	if snap.IsScanning {
		t.Fatal("reset left the scan running")
	}
	if len(snap.ScannedDevices) != 2 {
		t.Fatalf("reset dropped devices: %d", len(snap.ScannedDevices))
	}
	waitFor(t, func() bool {
		_, _, stops, _, _ := f.ft.counts()
		return stops == 1
	})
	if dones := f.sink.scanCompletions(); len(dones) != 1 || dones[0] != 2 {
		t.Fatalf("scan completion after reset: %v", dones)
	}
}
