package report

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/brdigitals4u/ttm-eld-mobile-sub006/internal/models"
)

// EventStore is the slice of the storage layer the store sink needs.
type EventStore interface {
	CreateConnectionEvent(ctx context.Context, event *models.ConnectionEvent) error
	UpsertKnownDevice(ctx context.Context, device *models.KnownDevice) error
}

const storeWriteTimeout = 5 * time.Second

// StoreSink 将连接事件归档到本地数据库
type StoreSink struct {
	store     EventStore
	vehicleID string
}

// NewStoreSink creates a sink that archives connection events locally.
func NewStoreSink(store EventStore, vehicleID string) *StoreSink {
	return &StoreSink{store: store, vehicleID: vehicleID}
}

func (s *StoreSink) LogConnectionAttempt(device models.DiscoveredDevice, passcodeLen int, meta models.Variables) {
	go s.write(&models.ConnectionEvent{
		VehicleID:   s.vehicleID,
		DeviceID:    device.Identifier,
		DeviceName:  device.Name,
		Type:        models.EventConnectionAttempt,
		PasscodeLen: passcodeLen,
		Meta:        meta,
	})
}

func (s *StoreSink) LogConnectionSuccess(device models.DiscoveredDevice) {
	go func() {
		s.write(&models.ConnectionEvent{
			VehicleID:  s.vehicleID,
			DeviceID:   device.Identifier,
			DeviceName: device.Name,
			Type:       models.EventConnectionSuccess,
		})
		s.rememberDevice(device)
	}()
}

func (s *StoreSink) LogConnectionError(device models.DiscoveredDevice, details string) {
	go s.write(&models.ConnectionEvent{
		VehicleID:  s.vehicleID,
		DeviceID:   device.Identifier,
		DeviceName: device.Name,
		Type:       models.EventConnectionError,
		Details:    details,
	})
}

func (s *StoreSink) LogConnectionFailure(device *models.DiscoveredDevice, failure models.FailureRecord) {
	event := &models.ConnectionEvent{
		VehicleID:   s.vehicleID,
		Type:        models.EventConnectionFailure,
		FailureKind: failure.Kind,
		Message:     failure.Message,
		Details:     failure.Details,
		Code:        failure.Code,
	}
	if device != nil {
		event.DeviceID = device.Identifier
		event.DeviceName = device.Name
	}
	go s.write(event)
}

func (s *StoreSink) LogScanStarted(duration time.Duration) {
	go s.write(&models.ConnectionEvent{
		VehicleID: s.vehicleID,
		Type:      models.EventScanStarted,
		Meta:      models.Variables{"durationMs": duration.Milliseconds()},
	})
}

func (s *StoreSink) LogScanCompleted(found int) {
	go s.write(&models.ConnectionEvent{
		VehicleID: s.vehicleID,
		Type:      models.EventScanCompleted,
		Meta:      models.Variables{"devicesFound": found},
	})
}

func (s *StoreSink) write(event *models.ConnectionEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), storeWriteTimeout)
	defer cancel()

	if err := s.store.CreateConnectionEvent(ctx, event); err != nil {
		log.Error().
			Err(err).
			Str("type", string(event.Type)).
			Msg("Failed to archive connection event")
	}
}

// rememberDevice 成功配对后记录设备，便于下次快速重连
func (s *StoreSink) rememberDevice(device models.DiscoveredDevice) {
	ctx, cancel := context.WithTimeout(context.Background(), storeWriteTimeout)
	defer cancel()

	known := &models.KnownDevice{
		Identifier:      device.Identifier,
		Name:            device.Name,
		Category:        device.Category,
		LastConnectedAt: time.Now(),
	}
	if err := s.store.UpsertKnownDevice(ctx, known); err != nil {
		log.Error().
			Err(err).
			Str("device", device.Identifier).
			Msg("Failed to remember paired device")
	}
}
