package transport

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/brdigitals4u/ttm-eld-mobile-sub006/internal/models"
	"github.com/brdigitals4u/ttm-eld-mobile-sub006/pkg/eldwire"
)

// SimDeviceSpec describes one device the simulated link advertises
type SimDeviceSpec struct {
	Device       models.DiscoveredDevice
	Passcode     string
	Silent       bool // pairs but never transmits
	FailMessage  string
	FailCode     string
	ConnectDelay time.Duration
}

// Sim is an in-process simulated device link. It advertises the configured
// devices during a scan and streams generated telemetry frames after a
// successful connect. Used for demo mode and bench work without hardware.
type Sim struct {
	mu sync.Mutex
	wg sync.WaitGroup

	specs         []SimDeviceSpec
	frameInterval time.Duration

	initialized bool
	scanStop    chan struct{}
	frameStop   chan struct{}
	connected   string

	events chan Event
}

// NewSim creates a simulated link advertising the given devices
func NewSim(specs []SimDeviceSpec, frameInterval time.Duration) *Sim {
	if frameInterval <= 0 {
		frameInterval = 2 * time.Second
	}
	return &Sim{
		specs:         specs,
		frameInterval: frameInterval,
		events:        make(chan Event, eventBuffer),
	}
}

// Initialize marks the link ready
func (s *Sim) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initialized = true
	return nil
}

// Events returns the notification stream
func (s *Sim) Events() <-chan Event {
	return s.events
}

// StartScan announces every configured device, then keeps re-announcing
// with jittered signal strength until the window closes
func (s *Sim) StartScan(ctx context.Context, duration time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return &ConnectError{Message: "simulated radio not initialized", Code: CodeRadioUnavailable}
	}
	if s.scanStop != nil {
		return &ConnectError{Message: "scan already active", Code: "SCAN_ACTIVE"}
	}

	stop := make(chan struct{})
	s.scanStop = stop

	s.wg.Add(1)
	go s.announceLoop(stop, duration)
	return nil
}

func (s *Sim) announceLoop(stop chan struct{}, duration time.Duration) {
	defer s.wg.Done()
	deadline := time.After(duration)
	ticker := time.NewTicker(3 * time.Second)
	defer ticker.Stop()

	s.announceAll()
	for {
		select {
		case <-stop:
			return
		case <-deadline:
			return
		case <-ticker.C:
			s.announceAll()
		}
	}
}

func (s *Sim) announceAll() {
	s.mu.Lock()
	specs := s.specs
	s.mu.Unlock()

	for _, spec := range specs {
		dev := spec.Device
		if dev.RSSI != nil {
			jittered := *dev.RSSI + rand.Intn(5) - 2
			dev.RSSI = &jittered
		}
		dev.LastSeenAt = time.Now()
		emit(s.events, Event{
			Kind:   EventDeviceDiscovered,
			At:     time.Now(),
			Device: &dev,
		})
	}
}

// StopScan ends the announce loop
func (s *Sim) StopScan(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.scanStop != nil {
		close(s.scanStop)
		s.scanStop = nil
	}
	return nil
}

// Connect resolves against the device's configured behavior
func (s *Sim) Connect(ctx context.Context, deviceID, passcode string, autoReconnect bool) error {
	s.mu.Lock()
	var spec *SimDeviceSpec
	for i := range s.specs {
		if s.specs[i].Device.Identifier == deviceID {
			spec = &s.specs[i]
			break
		}
	}
	s.mu.Unlock()

	if spec == nil {
		return &ConnectError{Message: "device not found: " + deviceID, Code: CodeDeviceNotFound}
	}

	if spec.ConnectDelay > 0 {
		select {
		case <-ctx.Done():
			return &ConnectError{Message: "connection attempt timed out", Code: CodeConnectTimeout}
		case <-time.After(spec.ConnectDelay):
		}
	}

	if spec.FailMessage != "" {
		return &ConnectError{Message: spec.FailMessage, Code: spec.FailCode}
	}

	if spec.Device.RequiresAuth && passcode != spec.Passcode {
		return &ConnectError{Message: "authentication failed: device rejected the passcode", Code: CodeAuthFailed}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = deviceID

	if !spec.Silent {
		stop := make(chan struct{})
		s.frameStop = stop
		s.wg.Add(1)
		go s.frameLoop(stop, deviceID)
	}
	return nil
}

// frameLoop streams generated telemetry with drifting values
func (s *Sim) frameLoop(stop chan struct{}, deviceID string) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.frameInterval)
	defer ticker.Stop()

	speed := 0.0
	rpm := 750
	fuel := 82
	odometer := uint32(128_450)
	duty := eldwire.DutyOnDutyNotDriving
	n := 0

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			n++
			// 模拟行驶：速度漂移，转速跟随，油量缓慢下降
			speed += float64(rand.Intn(11) - 4)
			if speed < 0 {
				speed = 0
			}
			if speed > 68 {
				speed = 68
			}
			rpm = 750 + int(speed*24)
			if n%90 == 0 && fuel > 5 {
				fuel--
			}
			if speed > 1 {
				duty = eldwire.DutyDriving
				if n%30 == 0 {
					odometer++
				}
			} else {
				duty = eldwire.DutyOnDutyNotDriving
			}

			frame := &eldwire.Frame{
				SpeedMph:      speed,
				EngineRPM:     uint16(rpm),
				FuelLevelPct:  uint8(fuel),
				OdometerMiles: odometer,
				DutyStatus:    duty,
			}
			raw, err := frame.Marshal()
			if err != nil {
				log.Error().Err(err).Msg("simulated frame marshal failed")
				continue
			}
			emit(s.events, Event{Kind: EventData, At: time.Now(), Data: raw})
		}
	}
}

// Disconnect stops the frame stream
func (s *Sim) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopFramesLocked()
	s.connected = ""
	return nil
}

func (s *Sim) stopFramesLocked() {
	if s.frameStop != nil {
		close(s.frameStop)
		s.frameStop = nil
	}
}

// Close releases the link and closes the event stream. The stream is only
// closed once the announce and frame goroutines have exited, so they can
// never emit on a closed channel.
func (s *Sim) Close() error {
	s.mu.Lock()
	if s.scanStop != nil {
		close(s.scanStop)
		s.scanStop = nil
	}
	s.stopFramesLocked()
	s.mu.Unlock()

	s.wg.Wait()
	close(s.events)
	return nil
}
