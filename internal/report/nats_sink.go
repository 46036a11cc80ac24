package report

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/brdigitals4u/ttm-eld-mobile-sub006/internal/models"
)

// NATSSink 将连接事件发布到 NATS 供车队平台消费
type NATSSink struct {
	nc            *nats.Conn
	subjectPrefix string
	vehicleID     string
}

// NewNATSSink creates a sink that publishes connection events to NATS.
func NewNATSSink(nc *nats.Conn, subjectPrefix, vehicleID string) *NATSSink {
	return &NATSSink{
		nc:            nc,
		subjectPrefix: subjectPrefix,
		vehicleID:     vehicleID,
	}
}

func (s *NATSSink) LogConnectionAttempt(device models.DiscoveredDevice, passcodeLen int, meta models.Variables) {
	s.publish("connection.attempt", models.ConnectionEventMessage{
		VehicleID:   s.vehicleID,
		DeviceID:    device.Identifier,
		DeviceName:  device.Name,
		Type:        models.EventConnectionAttempt,
		PasscodeLen: passcodeLen,
		Meta:        meta,
		At:          time.Now(),
	})
}

func (s *NATSSink) LogConnectionSuccess(device models.DiscoveredDevice) {
	s.publish("connection.success", models.ConnectionEventMessage{
		VehicleID:  s.vehicleID,
		DeviceID:   device.Identifier,
		DeviceName: device.Name,
		Type:       models.EventConnectionSuccess,
		At:         time.Now(),
	})
}

func (s *NATSSink) LogConnectionError(device models.DiscoveredDevice, details string) {
	s.publish("connection.error", models.ConnectionEventMessage{
		VehicleID:  s.vehicleID,
		DeviceID:   device.Identifier,
		DeviceName: device.Name,
		Type:       models.EventConnectionError,
		Details:    details,
		At:         time.Now(),
	})
}

func (s *NATSSink) LogConnectionFailure(device *models.DiscoveredDevice, failure models.FailureRecord) {
	msg := models.ConnectionEventMessage{
		VehicleID:   s.vehicleID,
		Type:        models.EventConnectionFailure,
		FailureKind: failure.Kind,
		Message:     failure.Message,
		Details:     failure.Details,
		Code:        failure.Code,
		At:          time.Now(),
	}
	if device != nil {
		msg.DeviceID = device.Identifier
		msg.DeviceName = device.Name
	}
	s.publish("connection.failure", msg)
}

func (s *NATSSink) LogScanStarted(duration time.Duration) {
	s.publish("scan.started", models.ConnectionEventMessage{
		VehicleID: s.vehicleID,
		Type:      models.EventScanStarted,
		Meta:      models.Variables{"durationMs": duration.Milliseconds()},
		At:        time.Now(),
	})
}

func (s *NATSSink) LogScanCompleted(found int) {
	s.publish("scan.completed", models.ConnectionEventMessage{
		VehicleID: s.vehicleID,
		Type:      models.EventScanCompleted,
		Meta:      models.Variables{"devicesFound": found},
		At:        time.Now(),
	})
}

// publish 序列化并发布，失败只记录日志
func (s *NATSSink) publish(suffix string, msg models.ConnectionEventMessage) {
	subject := fmt.Sprintf("%s.%s.%s", s.subjectPrefix, s.vehicleID, suffix)

	data, err := json.Marshal(msg)
	if err != nil {
		log.Error().Err(err).Str("subject", subject).Msg("Failed to marshal connection event")
		return
	}

	if err := s.nc.Publish(subject, data); err != nil {
		log.Error().
			Err(err).
			Str("subject", subject).
			Msg("Failed to publish connection event")
		return
	}

	log.Debug().
		Str("subject", subject).
		Str("type", string(msg.Type)).
		Msg("Connection event published")
}
