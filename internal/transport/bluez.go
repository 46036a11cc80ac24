package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/rs/zerolog/log"

	"github.com/brdigitals4u/ttm-eld-mobile-sub006/internal/models"
)

const (
	bluezBus     = "org.bluez"
	bluezAdapter = "org.bluez.Adapter1"
	bluezDevice  = "org.bluez.Device1"
	bluezGatt    = "org.bluez.GattCharacteristic1"

	dbusProperties    = "org.freedesktop.DBus.Properties"
	dbusObjectManager = "org.freedesktop.DBus.ObjectManager"

	servicesResolvedWait = 15 * time.Second
	scanPollInterval     = time.Second
)

// BlueZOptions configures the Bluetooth LE link
type BlueZOptions struct {
	Adapter          string
	ServiceUUID      string
	NotifyCharUUID   string
	ConnectTimeout   time.Duration
	AuthNamePrefixes []string
}

// BlueZ talks to ELD hardware through the BlueZ D-Bus API. Discovery uses
// Adapter1, links use Device1, and telemetry arrives as PropertiesChanged
// notifications on the device's notify characteristic.
type BlueZ struct {
	mu sync.Mutex

	opts BlueZOptions
	conn *dbus.Conn

	adapterPath dbus.ObjectPath
	scanStop    chan struct{}

	devicePath dbus.ObjectPath
	notifyPath dbus.ObjectPath
	sigCh      chan *dbus.Signal
	notifyStop chan struct{}

	events chan Event
}

// NewBlueZ creates a Bluetooth LE link on the given adapter
func NewBlueZ(opts BlueZOptions) *BlueZ {
	if opts.Adapter == "" {
		opts.Adapter = "hci0"
	}
	return &BlueZ{
		opts:        opts,
		adapterPath: dbus.ObjectPath("/org/bluez/" + opts.Adapter),
		events:      make(chan Event, eventBuffer),
	}
}

// Initialize connects to the system bus and verifies the adapter is powered.
// A powered-off or missing adapter means scanning is not permitted yet.
func (b *BlueZ) Initialize(ctx context.Context) error {
	conn, err := dbus.SystemBus()
	if err != nil {
		return &ConnectError{
			Message: "system bus unavailable: " + err.Error(),
			Code:    CodeRadioUnavailable,
		}
	}

	b.mu.Lock()
	b.conn = conn
	b.mu.Unlock()

	powered, err := b.boolProp(b.adapterPath, bluezAdapter, "Powered")
	if err != nil {
		return &ConnectError{
			Message: fmt.Sprintf("bluetooth adapter %s unavailable: %v", b.opts.Adapter, err),
			Code:    CodeRadioUnavailable,
		}
	}
	if !powered {
		return &ConnectError{
			Message: fmt.Sprintf("bluetooth adapter %s is powered off", b.opts.Adapter),
			Code:    CodeRadioUnavailable,
		}
	}
	return nil
}

// Events returns the notification stream
func (b *BlueZ) Events() <-chan Event {
	return b.events
}

// StartScan begins LE discovery and polls the object tree for devices
func (b *BlueZ) StartScan(ctx context.Context, duration time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.conn == nil {
		return &ConnectError{Message: "bluetooth link not initialized", Code: CodeRadioUnavailable}
	}
	if b.scanStop != nil {
		return &ConnectError{Message: "scan already active", Code: "SCAN_ACTIVE"}
	}

	adapter := b.conn.Object(bluezBus, b.adapterPath)

	filter := map[string]dbus.Variant{
		"Transport": dbus.MakeVariant("le"),
	}
	if call := adapter.Call(bluezAdapter+".SetDiscoveryFilter", 0, filter); call.Err != nil {
		log.Warn().Err(call.Err).Msg("SetDiscoveryFilter failed, scanning unfiltered")
	}

	if call := adapter.Call(bluezAdapter+".StartDiscovery", 0); call.Err != nil {
		return &ConnectError{
			Message: "could not start discovery: " + call.Err.Error(),
			Code:    CodeRadioUnavailable,
		}
	}

	stop := make(chan struct{})
	b.scanStop = stop

	go func() {
		deadline := time.After(duration)
		ticker := time.NewTicker(scanPollInterval)
		defer ticker.Stop()
		defer adapter.Call(bluezAdapter+".StopDiscovery", 0)

		for {
			select {
			case <-stop:
				return
			case <-deadline:
				return
			case <-ticker.C:
				b.emitVisibleDevices()
			}
		}
	}()
	return nil
}

// emitVisibleDevices snapshots the BlueZ object tree and announces every
// device under our adapter
func (b *BlueZ) emitVisibleDevices() {
	objects, err := b.managedObjects()
	if err != nil {
		log.Debug().Err(err).Msg("GetManagedObjects failed during scan")
		return
	}

	prefix := string(b.adapterPath) + "/"
	for path, ifaces := range objects {
		props, ok := ifaces[bluezDevice]
		if !ok || !strings.HasPrefix(string(path), prefix) {
			continue
		}

		dev := b.deviceFromProps(props)
		if dev == nil {
			continue
		}
		emit(b.events, Event{Kind: EventDeviceDiscovered, At: time.Now(), Device: dev})
	}
}

// deviceFromProps builds a discovery record from Device1 properties
func (b *BlueZ) deviceFromProps(props map[string]dbus.Variant) *models.DiscoveredDevice {
	addr, ok := stringValue(props, "Address")
	if !ok {
		return nil
	}

	name, _ := stringValue(props, "Name")
	if name == "" {
		name, _ = stringValue(props, "Alias")
	}

	dev := &models.DiscoveredDevice{
		Identifier: addr,
		Name:       name,
		Category:   models.DeviceCategoryUnknown,
		LastSeenAt: time.Now(),
	}

	if v, ok := props["RSSI"]; ok {
		if rssi, ok := v.Value().(int16); ok {
			r := int(rssi)
			dev.RSSI = &r
		}
	}

	if v, ok := props["UUIDs"]; ok {
		if uuids, ok := v.Value().([]string); ok {
			for _, u := range uuids {
				if strings.EqualFold(u, b.opts.ServiceUUID) {
					dev.Category = models.DeviceCategoryELD
					break
				}
			}
		}
	}

	for _, prefix := range b.opts.AuthNamePrefixes {
		if prefix != "" && strings.HasPrefix(name, prefix) {
			dev.RequiresAuth = true
			break
		}
	}

	return dev
}

// StopScan ends discovery early
func (b *BlueZ) StopScan(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.scanStop != nil {
		close(b.scanStop)
		b.scanStop = nil
	}
	return nil
}

// Connect links to the device, resolves its GATT tree, subscribes to the
// telemetry characteristic, and writes the passcode when one is given
func (b *BlueZ) Connect(ctx context.Context, deviceID, passcode string, autoReconnect bool) error {
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn == nil {
		return &ConnectError{Message: "bluetooth link not initialized", Code: CodeRadioUnavailable}
	}

	devicePath := b.deviceObjectPath(deviceID)
	device := conn.Object(bluezBus, devicePath)

	connectCtx, cancel := context.WithTimeout(ctx, b.opts.ConnectTimeout)
	defer cancel()

	if call := device.CallWithContext(connectCtx, bluezDevice+".Connect", 0); call.Err != nil {
		return bluezCallError(call.Err)
	}

	if err := b.waitServicesResolved(connectCtx, devicePath); err != nil {
		device.Call(bluezDevice+".Disconnect", 0)
		return err
	}

	notifyPath, err := b.findNotifyChar(devicePath)
	if err != nil {
		device.Call(bluezDevice+".Disconnect", 0)
		return err
	}

	if err := b.subscribeNotifications(devicePath, notifyPath); err != nil {
		device.Call(bluezDevice+".Disconnect", 0)
		return err
	}

	// KD032 家族在订阅后写入配对码，设备校验失败会立即断开
	if passcode != "" {
		char := conn.Object(bluezBus, notifyPath)
		call := char.Call(bluezGatt+".WriteValue", 0, []byte(passcode), map[string]dbus.Variant{})
		if call.Err != nil {
			b.teardownNotify()
			device.Call(bluezDevice+".Disconnect", 0)
			return bluezCallError(call.Err)
		}
	}

	b.mu.Lock()
	b.devicePath = devicePath
	b.notifyPath = notifyPath
	b.mu.Unlock()

	log.Info().Str("device", deviceID).Msg("BLE link established")
	return nil
}

// waitServicesResolved polls until BlueZ finishes GATT discovery
func (b *BlueZ) waitServicesResolved(ctx context.Context, devicePath dbus.ObjectPath) error {
	deadline := time.After(servicesResolvedWait)
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return &ConnectError{Message: "connection attempt timed out", Code: CodeConnectTimeout}
		case <-deadline:
			return &ConnectError{
				Message: "service discovery timed out; device may not expose telemetry",
				Code:    CodeDeviceIncompatible,
			}
		case <-ticker.C:
			resolved, err := b.boolProp(devicePath, bluezDevice, "ServicesResolved")
			if err == nil && resolved {
				return nil
			}
		}
	}
}

// findNotifyChar locates the telemetry characteristic under the device
func (b *BlueZ) findNotifyChar(devicePath dbus.ObjectPath) (dbus.ObjectPath, error) {
	objects, err := b.managedObjects()
	if err != nil {
		return "", &ConnectError{Message: "GATT discovery failed: " + err.Error()}
	}

	prefix := string(devicePath) + "/"
	for path, ifaces := range objects {
		props, ok := ifaces[bluezGatt]
		if !ok || !strings.HasPrefix(string(path), prefix) {
			continue
		}
		uuid, ok := stringValue(props, "UUID")
		if ok && strings.EqualFold(uuid, b.opts.NotifyCharUUID) {
			return path, nil
		}
	}

	return "", &ConnectError{
		Message: "device does not expose the telemetry characteristic",
		Code:    CodeDeviceIncompatible,
	}
}

// subscribeNotifications starts notifications and pumps characteristic value
// changes onto the event stream
func (b *BlueZ) subscribeNotifications(devicePath, notifyPath dbus.ObjectPath) error {
	matchChar := fmt.Sprintf(
		"type='signal',sender='%s',interface='%s',member='PropertiesChanged',path='%s'",
		bluezBus, dbusProperties, notifyPath,
	)
	if call := b.conn.BusObject().Call("org.freedesktop.DBus.AddMatch", 0, matchChar); call.Err != nil {
		return &ConnectError{Message: "notification subscription failed: " + call.Err.Error()}
	}

	matchDev := fmt.Sprintf(
		"type='signal',sender='%s',interface='%s',member='PropertiesChanged',path='%s'",
		bluezBus, dbusProperties, devicePath,
	)
	b.conn.BusObject().Call("org.freedesktop.DBus.AddMatch", 0, matchDev)

	char := b.conn.Object(bluezBus, notifyPath)
	if call := char.Call(bluezGatt+".StartNotify", 0); call.Err != nil {
		return bluezCallError(call.Err)
	}

	sigCh := make(chan *dbus.Signal, eventBuffer)
	b.conn.Signal(sigCh)

	stop := make(chan struct{})

	b.mu.Lock()
	b.sigCh = sigCh
	b.notifyStop = stop
	b.mu.Unlock()

	go b.signalLoop(b.conn, sigCh, stop, devicePath, notifyPath)
	return nil
}

func (b *BlueZ) signalLoop(conn *dbus.Conn, sigCh chan *dbus.Signal, stop chan struct{}, devicePath, notifyPath dbus.ObjectPath) {
	for {
		select {
		case <-stop:
			conn.RemoveSignal(sigCh)
			return
		case sig, ok := <-sigCh:
			if !ok {
				return
			}
			if sig.Name != dbusProperties+".PropertiesChanged" || len(sig.Body) < 2 {
				continue
			}
			changed, ok := sig.Body[1].(map[string]dbus.Variant)
			if !ok {
				continue
			}

			switch sig.Path {
			case notifyPath:
				if v, ok := changed["Value"]; ok {
					if data, ok := v.Value().([]byte); ok {
						frame := make([]byte, len(data))
						copy(frame, data)
						emit(b.events, Event{Kind: EventData, At: time.Now(), Data: frame})
					}
				}
			case devicePath:
				if v, ok := changed["Connected"]; ok {
					if connected, ok := v.Value().(bool); ok && !connected {
						emit(b.events, Event{
							Kind:    EventConnectionFailure,
							At:      time.Now(),
							Message: "device link lost",
							Code:    CodeLinkLost,
						})
					}
				}
			}
		}
	}
}

// Disconnect stops notifications and drops the link
func (b *BlueZ) Disconnect(ctx context.Context) error {
	b.teardownNotify()

	b.mu.Lock()
	devicePath := b.devicePath
	b.devicePath = ""
	b.notifyPath = ""
	conn := b.conn
	b.mu.Unlock()

	if conn != nil && devicePath != "" {
		conn.Object(bluezBus, devicePath).Call(bluezDevice+".Disconnect", 0)
	}
	return nil
}

func (b *BlueZ) teardownNotify() {
	b.mu.Lock()
	stop := b.notifyStop
	b.notifyStop = nil
	notifyPath := b.notifyPath
	conn := b.conn
	b.mu.Unlock()

	if stop != nil {
		close(stop)
	}
	if conn != nil && notifyPath != "" {
		conn.Object(bluezBus, notifyPath).Call(bluezGatt+".StopNotify", 0)
	}
}

// Close releases the link. The system bus connection is shared process-wide
// and stays open.
func (b *BlueZ) Close() error {
	b.mu.Lock()
	if b.scanStop != nil {
		close(b.scanStop)
		b.scanStop = nil
	}
	b.mu.Unlock()

	b.Disconnect(context.Background())

	b.mu.Lock()
	b.conn = nil
	b.mu.Unlock()

	close(b.events)
	return nil
}

// deviceObjectPath converts a MAC address to its BlueZ object path
func (b *BlueZ) deviceObjectPath(mac string) dbus.ObjectPath {
	return dbus.ObjectPath(string(b.adapterPath) + "/dev_" + strings.ReplaceAll(strings.ToUpper(mac), ":", "_"))
}

func (b *BlueZ) managedObjects() (map[dbus.ObjectPath]map[string]map[string]dbus.Variant, error) {
	var objects map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	call := b.conn.Object(bluezBus, "/").Call(dbusObjectManager+".GetManagedObjects", 0)
	if call.Err != nil {
		return nil, call.Err
	}
	if err := call.Store(&objects); err != nil {
		return nil, err
	}
	return objects, nil
}

func (b *BlueZ) boolProp(path dbus.ObjectPath, iface, name string) (bool, error) {
	variant, err := b.conn.Object(bluezBus, path).GetProperty(iface + "." + name)
	if err != nil {
		return false, err
	}
	value, ok := variant.Value().(bool)
	if !ok {
		return false, fmt.Errorf("property %s.%s is not a bool", iface, name)
	}
	return value, nil
}

func stringValue(props map[string]dbus.Variant, key string) (string, bool) {
	v, ok := props[key]
	if !ok {
		return "", false
	}
	s, ok := v.Value().(string)
	return s, ok
}

// bluezCallError maps D-Bus call failures onto connect rejections
func bluezCallError(err error) *ConnectError {
	if errors.Is(err, context.DeadlineExceeded) {
		return &ConnectError{Message: "connection attempt timed out", Code: CodeConnectTimeout}
	}

	switch name := dbusErrorName(err); {
	case strings.Contains(name, "Authentication"):
		return &ConnectError{
			Message: "authentication failed: device rejected the passcode",
			Code:    CodeAuthFailed,
		}
	case strings.Contains(name, "NotSupported"):
		return &ConnectError{
			Message: "device does not support the expected profile",
			Code:    CodeDeviceIncompatible,
		}
	}
	return &ConnectError{Message: err.Error()}
}

// dbusErrorName extracts the D-Bus error name. godbus surfaces call errors
// as dbus.Error values and exported-method errors as pointers, so both
// shapes are checked.
func dbusErrorName(err error) string {
	var perr *dbus.Error
	if errors.As(err, &perr) {
		return perr.Name
	}
	var verr dbus.Error
	if errors.As(err, &verr) {
		return verr.Name
	}
	return ""
}
