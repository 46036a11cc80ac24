// Package collector drains the engine's telemetry stream and fans each
// decoded frame out to the archive database, the fleet NATS bus, and an
// optional MQTT bridge. Every destination is best-effort; a slow or dead
// backend never stalls the pairing engine.
package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/brdigitals4u/ttm-eld-mobile-sub006/internal/config"
	"github.com/brdigitals4u/ttm-eld-mobile-sub006/internal/models"
	"github.com/brdigitals4u/ttm-eld-mobile-sub006/internal/storage"
)

const archiveWriteTimeout = 5 * time.Second

// Collector 处理遥测帧归档与对外转发
type Collector struct {
	cfg    *config.Config
	frames <-chan models.TelemetryFrame
	store  storage.Store
	nc     *nats.Conn

	// MQTT 桥接客户端，未配置时为 nil
	mqttClient mqtt.Client
	mqttMu     sync.RWMutex
}

// NewCollector creates the telemetry collector. store and nc may be nil
// when the agent runs without those backends.
func NewCollector(cfg *config.Config, frames <-chan models.TelemetryFrame, store storage.Store, nc *nats.Conn) *Collector {
	return &Collector{
		cfg:    cfg,
		frames: frames,
		store:  store,
		nc:     nc,
	}
}

// Start drains the frame stream until the context ends
func (c *Collector) Start(ctx context.Context) error {
	if c.cfg.MQTT.Broker != "" {
		if err := c.connectMQTT(); err != nil {
			log.Error().Err(err).Msg("Failed to connect MQTT bridge, continuing without it")
		}
	}

	log.Info().Msg("Telemetry collector started")

	for {
		select {
		case <-ctx.Done():
			c.closeMQTT()
			return nil

		case frame, ok := <-c.frames:
			if !ok {
				c.closeMQTT()
				return nil
			}
			c.collect(frame)
		}
	}
}

// collect fans one frame out to all configured destinations
func (c *Collector) collect(frame models.TelemetryFrame) {
	if c.store != nil {
		go c.archive(frame)
	}

	msg := models.TelemetryFrameMessage{
		VehicleID:     c.cfg.Vehicle.ID,
		DeviceID:      frame.DeviceID,
		SpeedMph:      frame.SpeedMph,
		EngineRPM:     frame.EngineRPM,
		FuelLevelPct:  frame.FuelLevelPct,
		OdometerMiles: frame.OdometerMiles,
		DutyStatus:    frame.DutyStatus,
		ReceivedAt:    frame.ReceivedAt,
	}

	if c.nc != nil {
		c.publishNATS(msg)
	}

	if c.mqttConnected() {
		go c.forwardToMQTT(msg)
	}
}

// archive 将帧写入数据库
func (c *Collector) archive(frame models.TelemetryFrame) {
	ctx, cancel := context.WithTimeout(context.Background(), archiveWriteTimeout)
	defer cancel()

	if err := c.store.CreateTelemetryFrame(ctx, &frame); err != nil {
		log.Error().
			Err(err).
			Str("device", frame.DeviceID).
			Msg("Failed to archive telemetry frame")
	}
}

// publishNATS 发布帧到车队总线
func (c *Collector) publishNATS(msg models.TelemetryFrameMessage) {
	subject := fmt.Sprintf("%s.%s.telemetry.frame", c.cfg.NATS.SubjectPrefix, c.cfg.Vehicle.ID)

	data, err := json.Marshal(msg)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal telemetry message")
		return
	}

	if err := c.nc.Publish(subject, data); err != nil {
		log.Error().
			Err(err).
			Str("subject", subject).
			Msg("Failed to publish telemetry frame")
		return
	}

	log.Debug().
		Str("subject", subject).
		Str("device", msg.DeviceID).
		Msg("Telemetry frame published")
}

// forwardToMQTT 转发帧到 MQTT 桥
func (c *Collector) forwardToMQTT(msg models.TelemetryFrameMessage) {
	c.mqttMu.RLock()
	client := c.mqttClient
	c.mqttMu.RUnlock()

	if client == nil {
		return
	}

	topic := fmt.Sprintf("%s/%s/telemetry", c.cfg.MQTT.TopicPrefix, c.cfg.Vehicle.ID)

	data, err := json.Marshal(msg)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal MQTT telemetry")
		return
	}

	token := client.Publish(topic, c.cfg.MQTT.QoS, false, data)
	if token.WaitTimeout(5 * time.Second) {
		if err := token.Error(); err != nil {
			log.Error().
				Err(err).
				Str("topic", topic).
				Msg("Failed to publish to MQTT")
		}
	} else {
		log.Error().
			Str("topic", topic).
			Msg("MQTT publish timeout")
	}
}

// connectMQTT 创建 MQTT 桥接客户端
func (c *Collector) connectMQTT() error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(c.cfg.MQTT.Broker)

	clientID := c.cfg.MQTT.ClientID
	if clientID == "" {
		clientID = fmt.Sprintf("eld-agent-%s", c.cfg.Vehicle.ID)
	}
	opts.SetClientID(clientID)

	if c.cfg.MQTT.Username != "" {
		opts.SetUsername(c.cfg.MQTT.Username)
		opts.SetPassword(c.cfg.MQTT.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectTimeout(10 * time.Second)
	opts.SetKeepAlive(30 * time.Second)

	opts.SetOnConnectHandler(func(client mqtt.Client) {
		log.Info().
			Str("broker", c.cfg.MQTT.Broker).
			Msg("MQTT bridge connected")
	})

	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		log.Error().
			Err(err).
			Str("broker", c.cfg.MQTT.Broker).
			Msg("MQTT bridge connection lost")
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()

	if token.WaitTimeout(10*time.Second) && token.Error() == nil {
		c.mqttMu.Lock()
		c.mqttClient = client
		c.mqttMu.Unlock()
		return nil
	}

	return fmt.Errorf("connect mqtt broker %s: %w", c.cfg.MQTT.Broker, token.Error())
}

// mqttConnected reports whether the bridge client is usable
func (c *Collector) mqttConnected() bool {
	c.mqttMu.RLock()
	defer c.mqttMu.RUnlock()
	return c.mqttClient != nil && c.mqttClient.IsConnected()
}

// closeMQTT 关闭 MQTT 桥接
func (c *Collector) closeMQTT() {
	c.mqttMu.Lock()
	defer c.mqttMu.Unlock()

	if c.mqttClient != nil && c.mqttClient.IsConnected() {
		c.mqttClient.Disconnect(250)
	}
	c.mqttClient = nil
}
