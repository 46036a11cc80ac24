package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/brdigitals4u/ttm-eld-mobile-sub006/internal/models"
	"github.com/brdigitals4u/ttm-eld-mobile-sub006/pkg/eldwire"
)

// TCP is a bench device link: each endpoint is an eld-simulator process.
// The handshake is line oriented. "HELLO" returns a one-line JSON identity,
// "CONNECT [passcode]" answers "OK" or "ERR <code> <message>" and then the
// peer streams raw telemetry frames on the same connection.
type TCP struct {
	mu sync.Mutex

	endpoints      []string
	probeTimeout   time.Duration
	connectTimeout time.Duration

	initialized bool
	scanStop    chan struct{}

	conn     net.Conn
	addrByID map[string]string

	events chan Event
}

// NewTCP creates a bench link probing the given simulator endpoints
func NewTCP(endpoints []string, probeTimeout, connectTimeout time.Duration) *TCP {
	return &TCP{
		endpoints:      endpoints,
		probeTimeout:   probeTimeout,
		connectTimeout: connectTimeout,
		addrByID:       make(map[string]string),
		events:         make(chan Event, eventBuffer),
	}
}

// Initialize verifies at least one endpoint is configured
func (t *TCP) Initialize(ctx context.Context) error {
	if len(t.endpoints) == 0 {
		return &ConnectError{Message: "no bench endpoints configured", Code: CodeRadioUnavailable}
	}
	t.mu.Lock()
	t.initialized = true
	t.mu.Unlock()
	return nil
}

// Events returns the notification stream
func (t *TCP) Events() <-chan Event {
	return t.events
}

// StartScan probes every endpoint now and then every few seconds until the
// window closes
func (t *TCP) StartScan(ctx context.Context, duration time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.initialized {
		return &ConnectError{Message: "bench link not initialized", Code: CodeRadioUnavailable}
	}
	if t.scanStop != nil {
		return &ConnectError{Message: "scan already active", Code: "SCAN_ACTIVE"}
	}

	stop := make(chan struct{})
	t.scanStop = stop

	go func() {
		deadline := time.After(duration)
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()

		t.probeAll()
		for {
			select {
			case <-stop:
				return
			case <-deadline:
				return
			case <-ticker.C:
				t.probeAll()
			}
		}
	}()
	return nil
}

func (t *TCP) probeAll() {
	for _, addr := range t.endpoints {
		dev, err := t.probe(addr)
		if err != nil {
			log.Debug().Str("endpoint", addr).Err(err).Msg("bench probe failed")
			continue
		}

		t.mu.Lock()
		t.addrByID[dev.Identifier] = addr
		t.mu.Unlock()

		emit(t.events, Event{Kind: EventDeviceDiscovered, At: time.Now(), Device: dev})
	}
}

// probe asks one endpoint for its identity
func (t *TCP) probe(addr string) (*models.DiscoveredDevice, error) {
	conn, err := net.DialTimeout("tcp", addr, t.probeTimeout)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(t.probeTimeout))

	if _, err := fmt.Fprintf(conn, "HELLO\n"); err != nil {
		return nil, err
	}

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return nil, err
	}

	var ident struct {
		Identifier   string `json:"identifier"`
		Name         string `json:"name"`
		RSSI         int    `json:"rssi"`
		Category     string `json:"category"`
		RequiresAuth bool   `json:"requiresAuth"`
		Firmware     string `json:"firmware"`
	}
	if err := json.Unmarshal([]byte(line), &ident); err != nil {
		return nil, fmt.Errorf("bad identity from %s: %w", addr, err)
	}

	rssi := ident.RSSI
	category := models.DeviceCategory(ident.Category)
	if category == "" {
		category = models.DeviceCategoryUnknown
	}

	return &models.DiscoveredDevice{
		Identifier:   ident.Identifier,
		Name:         ident.Name,
		RSSI:         &rssi,
		Category:     category,
		RequiresAuth: ident.RequiresAuth,
		FirmwareHint: ident.Firmware,
		LastSeenAt:   time.Now(),
	}, nil
}

// StopScan ends the probe loop
func (t *TCP) StopScan(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.scanStop != nil {
		close(t.scanStop)
		t.scanStop = nil
	}
	return nil
}

// Connect performs the CONNECT handshake and starts the frame reader
func (t *TCP) Connect(ctx context.Context, deviceID, passcode string, autoReconnect bool) error {
	t.mu.Lock()
	addr, ok := t.addrByID[deviceID]
	t.mu.Unlock()
	if !ok {
		return &ConnectError{Message: "device not found: " + deviceID, Code: CodeDeviceNotFound}
	}

	dialer := net.Dialer{Timeout: t.connectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return dialError(err)
	}

	conn.SetDeadline(time.Now().Add(t.connectTimeout))

	cmd := "CONNECT\n"
	if passcode != "" {
		cmd = "CONNECT " + passcode + "\n"
	}
	if _, err := io.WriteString(conn, cmd); err != nil {
		conn.Close()
		return dialError(err)
	}

	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	if err != nil {
		conn.Close()
		return dialError(err)
	}

	line = strings.TrimSpace(line)
	if line != "OK" {
		conn.Close()
		return parseErrLine(line)
	}

	conn.SetDeadline(time.Time{})

	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()

	go t.readFrames(conn, reader)
	return nil
}

// readFrames streams fixed-size telemetry frames until the link drops
func (t *TCP) readFrames(conn net.Conn, reader *bufio.Reader) {
	buf := make([]byte, eldwire.FrameLength)
	for {
		if _, err := io.ReadFull(reader, buf); err != nil {
			t.mu.Lock()
			active := t.conn == conn
			if active {
				t.conn = nil
			}
			t.mu.Unlock()

			// Only an unexpected drop is a failure; Disconnect closes
			// the conn deliberately.
			if active {
				emit(t.events, Event{
					Kind:    EventConnectionFailure,
					At:      time.Now(),
					Message: "device link lost: " + err.Error(),
					Code:    CodeLinkLost,
				})
			}
			return
		}

		frame := make([]byte, eldwire.FrameLength)
		copy(frame, buf)
		emit(t.events, Event{Kind: EventData, At: time.Now(), Data: frame})
	}
}

// Disconnect closes the active link
func (t *TCP) Disconnect(ctx context.Context) error {
	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}

// Close releases the link and closes the event stream
func (t *TCP) Close() error {
	t.mu.Lock()
	if t.scanStop != nil {
		close(t.scanStop)
		t.scanStop = nil
	}
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	close(t.events)
	return nil
}

// dialError maps socket errors onto connect rejections
func dialError(err error) *ConnectError {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &ConnectError{Message: "connection attempt timed out", Code: CodeConnectTimeout}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &ConnectError{Message: "connection attempt timed out", Code: CodeConnectTimeout}
	}
	return &ConnectError{Message: err.Error()}
}

// parseErrLine decodes "ERR <code> <message>" handshake rejections
func parseErrLine(line string) *ConnectError {
	rest, ok := strings.CutPrefix(line, "ERR ")
	if !ok {
		return &ConnectError{Message: "unexpected handshake reply: " + line}
	}
	code, msg, found := strings.Cut(rest, " ")
	if !found {
		return &ConnectError{Message: rest}
	}
	return &ConnectError{Message: msg, Code: code}
}
