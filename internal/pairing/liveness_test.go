package pairing

import (
	"testing"
	"time"

	"github.com/brdigitals4u/ttm-eld-mobile-sub006/internal/models"
	"github.com/brdigitals4u/ttm-eld-mobile-sub006/internal/transport"
)

func TestSilentDeviceFailsWithDataTimeout(t *testing.T) {
	f := newFixture(t, Options{})

	dev := eldDevice("AA:BB:CC:DD:EE:FF", "PT30-ELD", -45, false)
	f.establish(t, dev)

	// 31 秒无帧
	f.clk.advance(31 * time.Second)

	snap := f.waitPhase(t, models.PhaseError)
	if snap.Error == nil || snap.Error.Kind != models.FailureEldDataTimeout {
		t.Fatalf("expected eld_data_timeout, got %+v", snap.Error)
	}
	if snap.Error.Kind.Recoverable() {
		t.Fatal("eld_data_timeout must not be marked recoverable")
	}
}

func TestFrameJustInsideWindowSucceeds(t *testing.T) {
	f := newFixture(t, Options{})

	dev := eldDevice("AA:BB:CC:DD:EE:FF", "PT30-ELD", -45, false)
	f.establish(t, dev)

	f.clk.advance(29999 * time.Millisecond)
	f.deliverFrame(t, 1000)
	snap := f.waitPhase(t, models.PhaseSuccess)
	if snap.Error != nil {
		t.Fatalf("unexpected error: %+v", snap.Error)
	}

	// 第一窗口的超时已被取消，不得再触发
	f.clk.advance(10 * time.Second)
	if got := f.eng.Snapshot().Phase; got != models.PhaseSuccess {
		t.Fatalf("cancelled timeout fired anyway, phase %s", got)
	}
}

func TestSteadyStateSilenceStillFails(t *testing.T) {
	f := newFixture(t, Options{})

	dev := eldDevice("AA:BB:CC:DD:EE:FF", "PT30-ELD", -45, false)
	f.establish(t, dev)
	f.deliverFrame(t, 1000)
	f.waitPhase(t, models.PhaseSuccess)

	f.clk.advance(59 * time.Second)
	f.deliverFrame(t, 1001)
	waitFor(t, func() bool { return len(f.eng.RecentFrames()) == 2 })

	// 每帧都重开后续窗口
	f.clk.advance(59 * time.Second)
	if got := f.eng.Snapshot().Phase; got != models.PhaseSuccess {
		t.Fatalf("window not re-armed by frame, phase %s", got)
	}

	f.clk.advance(2 * time.Second)
	snap := f.waitPhase(t, models.PhaseError)
	if snap.Error == nil || snap.Error.Kind != models.FailureEldDataTimeout {
		t.Fatalf("expected eld_data_timeout, got %+v", snap.Error)
	}
}

func TestLateFrameRecordedButCannotUnfail(t *testing.T) {
	f := newFixture(t, Options{})

	dev := eldDevice("AA:BB:CC:DD:EE:FF", "PT30-ELD", -45, false)
	f.establish(t, dev)
	f.clk.advance(31 * time.Second)
	f.waitPhase(t, models.PhaseError)

	f.deliverFrame(t, 2000)
	waitFor(t, func() bool { return len(f.eng.RecentFrames()) == 1 })

	snap := f.eng.Snapshot()
	if snap.Phase != models.PhaseError {
		t.Fatalf("late frame un-failed the attempt: %s", snap.Phase)
	}
	if snap.Error == nil || snap.Error.Kind != models.FailureEldDataTimeout {
		t.Fatalf("failure record lost: %+v", snap.Error)
	}
	if f.eng.RecentFrames()[0].OdometerMiles != 2000 {
		t.Fatal("late frame not recorded")
	}
}

func TestFrameDuringHeldWalkCountsAsLiveness(t *testing.T) {
	f := newFixture(t, Options{StageDwell: 10 * time.Second, StageDwellCap: 2 * time.Second})
	phases := f.recordPhases()

	dev := eldDevice("AA:BB:CC:DD:EE:FF", "PT30-ELD", -45, false)
	f.selectAndConnect(t, dev)
	f.ft.resolveConnect(nil)

	// 链路已通但舞台未走完，此时到达的帧即是活性证明
	waitFor(t, func() bool {
		f.eng.mu.Lock()
		defer f.eng.mu.Unlock()
		return f.eng.cur != nil && f.eng.cur.pendingOK
	})
	f.deliverFrame(t, 500)
	waitFor(t, func() bool { return len(f.eng.RecentFrames()) == 1 })

	f.clk.advance(2 * time.Second)
	f.waitPhase(t, models.PhaseSuccess)

	waitFor(t, func() bool {
		for _, p := range phases.sequence() {
			if p == models.PhaseSuccess {
				return true
			}
		}
		return false
	})
	seq := phases.sequence()
	sawConnected := false
	for _, p := range seq {
		if p == models.PhaseConnected {
			sawConnected = true
		}
	}
	if !sawConnected {
		t.Fatalf("connected phase skipped: %v", seq)
	}
}

func TestFrameHistoryBounded(t *testing.T) {
	f := newFixture(t, Options{FrameHistory: 5})

	dev := eldDevice("AA:BB:CC:DD:EE:FF", "PT30-ELD", -45, false)
	f.establish(t, dev)

	for i := 0; i < 8; i++ {
		f.deliverFrame(t, uint32(100+i))
	}
	waitFor(t, func() bool {
		frames := f.eng.RecentFrames()
		return len(frames) == 5 && frames[4].OdometerMiles == 107
	})

	frames := f.eng.RecentFrames()
	if frames[0].OdometerMiles != 103 {
		t.Fatalf("oldest frame not trimmed, got odometer %d", frames[0].OdometerMiles)
	}

	// 解码后的帧同时推给采集通道
	drained := 0
	waitFor(t, func() bool {
		for {
			select {
			case <-f.eng.Frames():
				drained++
			default:
				return drained == 8
			}
		}
	})
}

func TestUndecodableFrameIgnored(t *testing.T) {
	f := newFixture(t, Options{})

	dev := eldDevice("AA:BB:CC:DD:EE:FF", "PT30-ELD", -45, false)
	f.establish(t, dev)

	f.ft.events <- transport.Event{Kind: transport.EventData, Data: []byte{0x00, 0x01, 0x02}}
	time.Sleep(20 * time.Millisecond)

	if got := f.eng.Snapshot().Phase; got != models.PhaseConnected {
		t.Fatalf("garbage frame moved phase to %s", got)
	}
	if n := len(f.eng.RecentFrames()); n != 0 {
		t.Fatalf("garbage frame recorded, history %d", n)
	}
}

func TestLinkLossAfterSuccess(t *testing.T) {
	f := newFixture(t, Options{})

	dev := eldDevice("AA:BB:CC:DD:EE:FF", "PT30-ELD", -45, false)
	f.establish(t, dev)
	f.deliverFrame(t, 1000)
	f.waitPhase(t, models.PhaseSuccess)

	f.ft.events <- transport.Event{
		Kind:    transport.EventConnectionFailure,
		Message: "device link lost",
		Code:    transport.CodeLinkLost,
	}
	snap := f.waitPhase(t, models.PhaseError)
	if snap.Error == nil || snap.Error.Kind != models.FailureConnectionFailed {
		t.Fatalf("expected connection_failed, got %+v", snap.Error)
	}

	// 错误终态后的链路事件一律忽略
	f.ft.events <- transport.Event{
		Kind:    transport.EventConnectionFailure,
		Message: "device link lost",
		Code:    transport.CodeLinkLost,
	}
	time.Sleep(20 * time.Millisecond)
	if kinds := f.sink.failureKinds(); len(kinds) != 1 {
		t.Fatalf("duplicate failure reported: %v", kinds)
	}
}
