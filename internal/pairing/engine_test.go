package pairing

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/brdigitals4u/ttm-eld-mobile-sub006/internal/models"
	"github.com/brdigitals4u/ttm-eld-mobile-sub006/internal/transport"
	"github.com/brdigitals4u/ttm-eld-mobile-sub006/pkg/eldwire"
)

// fakeClock drives every engine timer from simulated time
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clk     *fakeClock
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clk: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clk.mu.Lock()
	defer t.clk.mu.Unlock()
	if t.fired || t.stopped {
		return false
	}
	t.stopped = true
	return true
}

// advance moves simulated time forward, firing due timers in deadline
// order. Callbacks run without the clock lock so they may arm new timers.
func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	deadline := c.now.Add(d)
	for {
		var next *fakeTimer
		for _, t := range c.timers {
			if t.stopped || t.fired || t.at.After(deadline) {
				continue
			}
			if next == nil || t.at.Before(next.at) {
				next = t
			}
		}
		if next == nil {
			break
		}
		if next.at.After(c.now) {
			c.now = next.at
		}
		next.fired = true
		f := next.f
		c.mu.Unlock()
		f()
		c.mu.Lock()
	}
	c.now = deadline
	c.mu.Unlock()
}

// fakeTransport scripts the device link. Connect blocks until the test
// resolves it or the engine cancels the call.
type fakeTransport struct {
	mu            sync.Mutex
	events        chan transport.Event
	connectResult chan error
	initErr       error
	scanErr       error

	initCalls     int
	scanCalls     int
	stopCalls     int
	connectCalls  int
	disconnects   int
	lastDeviceID  string
	lastPasscode  string
	lastReconnect bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		events:        make(chan transport.Event, 64),
		connectResult: make(chan error, 1),
	}
}

func (f *fakeTransport) Initialize(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.initCalls++
	return f.initErr
}

func (f *fakeTransport) StartScan(ctx context.Context, d time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scanCalls++
	return f.scanErr
}

func (f *fakeTransport) StopScan(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopCalls++
	return nil
}

func (f *fakeTransport) Connect(ctx context.Context, deviceID, passcode string, autoReconnect bool) error {
	f.mu.Lock()
	f.connectCalls++
	f.lastDeviceID = deviceID
	f.lastPasscode = passcode
	f.lastReconnect = autoReconnect
	f.mu.Unlock()

	select {
	case err := <-f.connectResult:
		return err
	case <-ctx.Done():
		return &transport.ConnectError{Message: "connect aborted", Code: transport.CodeConnectTimeout}
	}
}

func (f *fakeTransport) Disconnect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
	return nil
}

func (f *fakeTransport) Events() <-chan transport.Event { return f.events }

func (f *fakeTransport) Close() error {
	close(f.events)
	return nil
}

func (f *fakeTransport) resolveConnect(err error) { f.connectResult <- err }

func (f *fakeTransport) counts() (init, scan, stop, connect, disconnect int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.initCalls, f.scanCalls, f.stopCalls, f.connectCalls, f.disconnects
}

func (f *fakeTransport) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connectCalls
}

func (f *fakeTransport) setInitErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.initErr = err
}

func (f *fakeTransport) setScanErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scanErr = err
}

// recordingSink captures reporter traffic synchronously for assertions
type recordingSink struct {
	mu           sync.Mutex
	attemptLens  []int
	successes    []string
	errorDetails []string
	failures     []models.FailureRecord
	scanStarts   int
	scanDones    []int
}

func (s *recordingSink) LogConnectionAttempt(d models.DiscoveredDevice, passcodeLen int, _ models.Variables) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attemptLens = append(s.attemptLens, passcodeLen)
}

func (s *recordingSink) LogConnectionSuccess(d models.DiscoveredDevice) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.successes = append(s.successes, d.Identifier)
}

func (s *recordingSink) LogConnectionError(d models.DiscoveredDevice, details string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errorDetails = append(s.errorDetails, details)
}

func (s *recordingSink) LogConnectionFailure(_ *models.DiscoveredDevice, failure models.FailureRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, failure)
}

func (s *recordingSink) LogScanStarted(time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scanStarts++
}

func (s *recordingSink) LogScanCompleted(found int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scanDones = append(s.scanDones, found)
}

func (s *recordingSink) failureKinds() []models.FailureKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	kinds := make([]models.FailureKind, len(s.failures))
	for i, f := range s.failures {
		kinds[i] = f.Kind
	}
	return kinds
}

func (s *recordingSink) scanCompletions() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.scanDones...)
}

func (s *recordingSink) scanStartCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scanStarts
}

// fixture wires an engine to scripted collaborators
type fixture struct {
	eng  *Engine
	ft   *fakeTransport
	clk  *fakeClock
	sink *recordingSink
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	ft := newFakeTransport()
	clk := newFakeClock()
	sink := &recordingSink{}
	opts.Clock = clk
	opts.Sink = sink
	eng := New(ft, opts)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go eng.Run(ctx)

	return &fixture{eng: eng, ft: ft, clk: clk, sink: sink}
}

func (f *fixture) discover(t *testing.T, dev models.DiscoveredDevice) {
	t.Helper()
	d := dev
	f.ft.events <- transport.Event{Kind: transport.EventDeviceDiscovered, Device: &d}
	waitFor(t, func() bool {
		for _, got := range f.eng.Snapshot().ScannedDevices {
			if got.Identifier == dev.Identifier {
				return true
			}
		}
		return false
	})
}

func (f *fixture) deliverFrame(t *testing.T, odometer uint32) {
	t.Helper()
	f.ft.events <- transport.Event{Kind: transport.EventData, Data: frameBytes(t, odometer)}
}

func (f *fixture) waitPhase(t *testing.T, want models.Phase) models.Snapshot {
	t.Helper()
	var snap models.Snapshot
	waitFor(t, func() bool {
		snap = f.eng.Snapshot()
		return snap.Phase == want
	})
	return snap
}

// selectAndConnect drives a device to the connecting phase and waits for
// the transport call to be in flight.
func (f *fixture) selectAndConnect(t *testing.T, dev models.DiscoveredDevice) {
	t.Helper()
	f.discover(t, dev)
	if err := f.eng.SelectDevice(dev.Identifier); err != nil {
		t.Fatalf("SelectDevice: %v", err)
	}
	if err := f.eng.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitFor(t, func() bool { return f.ft.connectCount() == 1 })
}

// establish drives a device all the way to the connected phase. The held
// result is consumed before time moves, so the liveness window always arms
// exactly at the dwell cap.
func (f *fixture) establish(t *testing.T, dev models.DiscoveredDevice) {
	t.Helper()
	f.selectAndConnect(t, dev)
	f.ft.resolveConnect(nil)
	waitFor(t, func() bool {
		f.eng.mu.Lock()
		defer f.eng.mu.Unlock()
		return f.eng.cur != nil && f.eng.cur.pendingOK
	})
	f.clk.advance(3 * time.Second)
	f.waitPhase(t, models.PhaseConnected)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("condition not met within 2s")
}

func eldDevice(id, name string, rssi int, requiresAuth bool) models.DiscoveredDevice {
	return models.DiscoveredDevice{
		Identifier:   id,
		Name:         name,
		RSSI:         &rssi,
		Category:     models.DeviceCategoryELD,
		RequiresAuth: requiresAuth,
	}
}

func frameBytes(t *testing.T, odometer uint32) []byte {
	t.Helper()
	frame := eldwire.Frame{
		SpeedMph:      55.5,
		EngineRPM:     1800,
		FuelLevelPct:  75,
		OdometerMiles: odometer,
		DutyStatus:    eldwire.DutyDriving,
	}
	b, err := frame.Marshal()
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	return b
}

// phaseLog collects the distinct phase sequence from the snapshot stream
type phaseLog struct {
	mu     sync.Mutex
	phases []models.Phase
}

func (f *fixture) recordPhases() *phaseLog {
	pl := &phaseLog{}
	ch := f.eng.Subscribe()
	go func() {
		for snap := range ch {
			pl.mu.Lock()
			if len(pl.phases) == 0 || pl.phases[len(pl.phases)-1] != snap.Phase {
				pl.phases = append(pl.phases, snap.Phase)
			}
			pl.mu.Unlock()
		}
	}()
	return pl
}

func (p *phaseLog) sequence() []models.Phase {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]models.Phase(nil), p.phases...)
}

func TestConnectWithoutPasscodeHappyPath(t *testing.T) {
	f := newFixture(t, Options{})
	phases := f.recordPhases()

	dev := eldDevice("AA:BB:CC:DD:EE:FF", "PT30-ELD", -45, false)
	f.selectAndConnect(t, dev)

	f.clk.advance(500 * time.Millisecond)
	f.ft.resolveConnect(nil)
	f.clk.advance(4 * time.Second)
	f.waitPhase(t, models.PhaseConnected)

	f.clk.advance(700 * time.Millisecond)
	f.deliverFrame(t, 123456)
	snap := f.waitPhase(t, models.PhaseSuccess)

	if snap.Error != nil {
		t.Fatalf("expected nil error, got %+v", snap.Error)
	}
	if snap.Progress != 100 {
		t.Fatalf("expected progress 100, got %d", snap.Progress)
	}

	want := []models.Phase{
		models.PhaseIdle,
		models.PhaseDeviceSelected,
		models.PhaseConnecting,
		models.PhaseConnected,
		models.PhaseSuccess,
	}
	waitFor(t, func() bool { return len(phases.sequence()) >= len(want) })
	got := phases.sequence()
	if len(got) != len(want) {
		t.Fatalf("phase sequence %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("phase[%d] = %s, want %s", i, got[i], want[i])
		}
	}

	f.ft.mu.Lock()
	passcode, reconnect := f.ft.lastPasscode, f.ft.lastReconnect
	f.ft.mu.Unlock()
	if passcode != "" {
		t.Fatalf("expected empty passcode, got %q", passcode)
	}
	if reconnect {
		t.Fatal("auto reconnect must not be requested")
	}

	f.sink.mu.Lock()
	attempts, successes := len(f.sink.attemptLens), len(f.sink.successes)
	f.sink.mu.Unlock()
	if attempts != 1 || successes != 1 {
		t.Fatalf("sink saw %d attempts, %d successes; want 1 and 1", attempts, successes)
	}
}

func TestStageWalkCoversAllStages(t *testing.T) {
	f := newFixture(t, Options{})

	dev := eldDevice("AA:BB:CC:DD:EE:FF", "PT30-ELD", -45, false)
	f.selectAndConnect(t, dev)
	f.ft.resolveConnect(nil)
	f.clk.advance(4 * time.Second)
	snap := f.waitPhase(t, models.PhaseConnected)

	wantLines := []string{
		"Identifying device",
		"Gathering device information",
		"Capturing ELD identifier",
		"Pairing with device",
	}
	for _, want := range wantLines {
		found := false
		for _, line := range snap.Logs {
			if line == want {
				found = true
				break
			}
		}
		if !found {
			t.Fatalf("trace log missing %q: %v", want, snap.Logs)
		}
	}
}

func TestDwellCapCommitsHeldSuccess(t *testing.T) {
	f := newFixture(t, Options{StageDwell: 10 * time.Second, StageDwellCap: 2 * time.Second})

	dev := eldDevice("AA:BB:CC:DD:EE:FF", "PT30-ELD", -45, false)
	f.selectAndConnect(t, dev)
	f.ft.resolveConnect(nil)

	// 只推进到卡点，舞台步进远未走完
	f.clk.advance(2 * time.Second)
	snap := f.waitPhase(t, models.PhaseConnected)

	if snap.Progress != 100 {
		t.Fatalf("expected progress 100 after cap, got %d", snap.Progress)
	}
	found := false
	for _, line := range snap.Logs {
		if line == "Pairing with device" {
			found = true
		}
	}
	if !found {
		t.Fatalf("collapsed walk must still record every stage: %v", snap.Logs)
	}
}

func TestShortPasscodeRejectedLocally(t *testing.T) {
	f := newFixture(t, Options{})

	dev := eldDevice("C4:A8:28:43:14:9A", "KD032-43149A", -60, true)
	f.discover(t, dev)
	if err := f.eng.SelectDevice(dev.Identifier); err != nil {
		t.Fatalf("SelectDevice: %v", err)
	}

	if err := f.eng.SubmitPasscode("1234567"); err != ErrPasscodeTooShort {
		t.Fatalf("expected ErrPasscodeTooShort, got %v", err)
	}

	snap := f.eng.Snapshot()
	if snap.Phase != models.PhaseDeviceSelected {
		t.Fatalf("phase changed to %s on rejected passcode", snap.Phase)
	}
	if n := f.ft.connectCount(); n != 0 {
		t.Fatalf("transport connect called %d times, want 0", n)
	}
}

func TestConnectRequiresStoredPasscode(t *testing.T) {
	f := newFixture(t, Options{})

	dev := eldDevice("C4:A8:28:43:14:9A", "KD032-43149A", -60, true)
	f.discover(t, dev)
	if err := f.eng.SelectDevice(dev.Identifier); err != nil {
		t.Fatalf("SelectDevice: %v", err)
	}

	if err := f.eng.Connect(); err != ErrPasscodeRequired {
		t.Fatalf("expected ErrPasscodeRequired, got %v", err)
	}
	if n := f.ft.connectCount(); n != 0 {
		t.Fatalf("transport connect called %d times, want 0", n)
	}

	if err := f.eng.SubmitPasscode("12345678"); err != nil {
		t.Fatalf("SubmitPasscode: %v", err)
	}
	if err := f.eng.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitFor(t, func() bool { return f.ft.connectCount() == 1 })

	f.ft.mu.Lock()
	passcode := f.ft.lastPasscode
	f.ft.mu.Unlock()
	if passcode != "12345678" {
		t.Fatalf("transport got passcode %q, want 12345678", passcode)
	}
}

func TestRejectedPasscodeEndsInError(t *testing.T) {
	f := newFixture(t, Options{})

	dev := eldDevice("C4:A8:28:43:14:9A", "KD032-43149A", -60, true)
	f.discover(t, dev)
	if err := f.eng.SelectDevice(dev.Identifier); err != nil {
		t.Fatalf("SelectDevice: %v", err)
	}
	if err := f.eng.SubmitPasscode("87654321"); err != nil {
		t.Fatalf("SubmitPasscode: %v", err)
	}
	if err := f.eng.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitFor(t, func() bool { return f.ft.connectCount() == 1 })

	f.ft.resolveConnect(&transport.ConnectError{
		Message: "authentication failed: device rejected the passcode",
		Code:    transport.CodeAuthFailed,
	})
	snap := f.waitPhase(t, models.PhaseError)

	if snap.Error == nil || snap.Error.Kind != models.FailureInvalidPasscode {
		t.Fatalf("expected invalid_passcode, got %+v", snap.Error)
	}

	// 终态后必须先重置才能再试
	if err := f.eng.Connect(); err != ErrResetRequired {
		t.Fatalf("expected ErrResetRequired, got %v", err)
	}
	if err := f.eng.SelectDevice(dev.Identifier); err != ErrResetRequired {
		t.Fatalf("expected ErrResetRequired, got %v", err)
	}
}

func TestConnectTimeoutClassified(t *testing.T) {
	f := newFixture(t, Options{})

	dev := eldDevice("AA:BB:CC:DD:EE:FF", "PT30-ELD", -45, false)
	f.selectAndConnect(t, dev)
	f.ft.resolveConnect(&transport.ConnectError{
		Message: "connect timeout after 10s",
		Code:    transport.CodeConnectTimeout,
	})

	snap := f.waitPhase(t, models.PhaseError)
	if snap.Error == nil || snap.Error.Kind != models.FailureConnectionTimeout {
		t.Fatalf("expected connection_timeout, got %+v", snap.Error)
	}
}

func TestSelectWhileConnectingRejected(t *testing.T) {
	f := newFixture(t, Options{})

	dev := eldDevice("AA:BB:CC:DD:EE:FF", "PT30-ELD", -45, false)
	other := eldDevice("11:22:33:44:55:66", "KD032-556677", -70, true)
	f.discover(t, other)
	f.selectAndConnect(t, dev)

	if err := f.eng.SelectDevice(other.Identifier); err != ErrSessionBusy {
		t.Fatalf("expected ErrSessionBusy, got %v", err)
	}
	if err := f.eng.SubmitPasscode("12345678"); err != ErrSessionBusy {
		t.Fatalf("expected ErrSessionBusy, got %v", err)
	}
	if err := f.eng.Connect(); err != ErrSessionBusy {
		t.Fatalf("expected ErrSessionBusy, got %v", err)
	}

	snap := f.eng.Snapshot()
	if snap.SelectedDevice == nil || snap.SelectedDevice.Identifier != dev.Identifier {
		t.Fatalf("selection merged while connecting: %+v", snap.SelectedDevice)
	}
}

func TestSelectUnknownDevice(t *testing.T) {
	f := newFixture(t, Options{})

	if err := f.eng.SelectDevice("not-scanned"); err != ErrUnknownDevice {
		t.Fatalf("expected ErrUnknownDevice, got %v", err)
	}
}

func TestResetDuringConnectingDiscardsResult(t *testing.T) {
	f := newFixture(t, Options{})

	dev := eldDevice("AA:BB:CC:DD:EE:FF", "PT30-ELD", -45, false)
	f.selectAndConnect(t, dev)

	if err := f.eng.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}

	snap := f.eng.Snapshot()
	if snap.Phase != models.PhaseIdle {
		t.Fatalf("phase after reset = %s, want idle", snap.Phase)
	}
	if snap.Progress != 0 || snap.Error != nil || snap.SelectedDevice != nil {
		t.Fatalf("reset left state behind: %+v", snap)
	}
	if len(snap.ScannedDevices) != 1 {
		t.Fatalf("reset dropped scanned devices: %d", len(snap.ScannedDevices))
	}

	// 取消后的连接结果必须被丢弃，不能复活会话
	waitFor(t, func() bool {
		_, _, _, _, disconnects := f.ft.counts()
		return disconnects == 1
	})
	time.Sleep(20 * time.Millisecond)
	if got := f.eng.Snapshot().Phase; got != models.PhaseIdle {
		t.Fatalf("stale connect result resurrected phase %s", got)
	}
	if kinds := f.sink.failureKinds(); len(kinds) != 0 {
		t.Fatalf("discarded result must not report failures, got %v", kinds)
	}
}

func TestResetIsIdempotent(t *testing.T) {
	f := newFixture(t, Options{})

	dev := eldDevice("AA:BB:CC:DD:EE:FF", "PT30-ELD", -45, false)
	f.establish(t, dev)

	if err := f.eng.Reset(); err != nil {
		t.Fatalf("first Reset: %v", err)
	}
	waitFor(t, func() bool {
		_, _, _, _, disconnects := f.ft.counts()
		return disconnects == 1
	})

	if err := f.eng.Reset(); err != nil {
		t.Fatalf("second Reset: %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	_, _, _, _, disconnects := f.ft.counts()
	if disconnects != 1 {
		t.Fatalf("second reset reached the transport: %d disconnects", disconnects)
	}
}

func TestResetIsOnlyPathOutOfError(t *testing.T) {
	f := newFixture(t, Options{})

	dev := eldDevice("AA:BB:CC:DD:EE:FF", "PT30-ELD", -45, false)
	f.selectAndConnect(t, dev)
	f.ft.resolveConnect(&transport.ConnectError{Message: "GATT error 133"})
	f.waitPhase(t, models.PhaseError)

	if err := f.eng.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	snap := f.eng.Snapshot()
	if snap.Phase != models.PhaseIdle || snap.Error != nil {
		t.Fatalf("reset did not clear error state: %+v", snap)
	}

	// 同一设备可以立即重试
	if err := f.eng.SelectDevice(dev.Identifier); err != nil {
		t.Fatalf("SelectDevice after reset: %v", err)
	}
	if got := f.eng.Snapshot().Phase; got != models.PhaseDeviceSelected {
		t.Fatalf("retry phase = %s, want device_selected", got)
	}
}
