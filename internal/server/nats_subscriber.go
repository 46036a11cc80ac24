// Package server hosts the agent-side NATS surface: remote commands sent
// by the fleet platform to a specific vehicle.
package server

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/brdigitals4u/ttm-eld-mobile-sub006/internal/models"
	"github.com/brdigitals4u/ttm-eld-mobile-sub006/internal/pairing"
)

// NATSSubscriber listens for remote commands addressed to this vehicle
type NATSSubscriber struct {
	nc            *nats.Conn
	engine        *pairing.Engine
	subjectPrefix string
	vehicleID     string
	subs          []*nats.Subscription
}

// NewNATSSubscriber creates the remote command subscriber
func NewNATSSubscriber(nc *nats.Conn, engine *pairing.Engine, subjectPrefix, vehicleID string) *NATSSubscriber {
	return &NATSSubscriber{
		nc:            nc,
		engine:        engine,
		subjectPrefix: subjectPrefix,
		vehicleID:     vehicleID,
		subs:          make([]*nats.Subscription, 0),
	}
}

// Start starts subscriptions and blocks until the context ends
func (s *NATSSubscriber) Start(ctx context.Context) error {
	// Dispatch back office reset commands
	sub1, err := s.nc.Subscribe(s.subject("command.reset"), s.handleResetCommand)
	if err != nil {
		return fmt.Errorf("subscribe reset command: %w", err)
	}
	s.subs = append(s.subs, sub1)

	// Dispatch back office scan commands
	sub2, err := s.nc.Subscribe(s.subject("command.scan"), s.handleScanCommand)
	if err != nil {
		return fmt.Errorf("subscribe scan command: %w", err)
	}
	s.subs = append(s.subs, sub2)

	sub3, err := s.nc.Subscribe(s.subject("command.stop_scan"), s.handleStopScanCommand)
	if err != nil {
		return fmt.Errorf("subscribe stop scan command: %w", err)
	}
	s.subs = append(s.subs, sub3)

	log.Info().
		Int("subscriptions", len(s.subs)).
		Str("vehicle", s.vehicleID).
		Msg("Remote command subscriber started")

	<-ctx.Done()

	// Unsubscribe
	for _, sub := range s.subs {
		sub.Unsubscribe()
	}

	return ctx.Err()
}

func (s *NATSSubscriber) subject(suffix string) string {
	return fmt.Sprintf("%s.%s.%s", s.subjectPrefix, s.vehicleID, suffix)
}

// handleResetCommand handles a remote session reset
func (s *NATSSubscriber) handleResetCommand(msg *nats.Msg) {
	cmd := s.decodeCommand(msg)

	log.Info().
		Str("requested_by", cmd.RequestedBy).
		Msg("Remote reset command received")

	if err := s.engine.Reset(); err != nil {
		log.Error().Err(err).Msg("Remote reset failed")
	}
}

// handleScanCommand handles a remote scan start
func (s *NATSSubscriber) handleScanCommand(msg *nats.Msg) {
	cmd := s.decodeCommand(msg)

	log.Info().
		Str("requested_by", cmd.RequestedBy).
		Msg("Remote scan command received")

	if err := s.engine.StartScan(context.Background()); err != nil {
		log.Error().Err(err).Msg("Remote scan failed")
	}
}

// handleStopScanCommand handles a remote scan stop
func (s *NATSSubscriber) handleStopScanCommand(msg *nats.Msg) {
	cmd := s.decodeCommand(msg)

	log.Info().
		Str("requested_by", cmd.RequestedBy).
		Msg("Remote stop scan command received")

	if err := s.engine.StopScan(context.Background()); err != nil {
		log.Error().Err(err).Msg("Remote stop scan failed")
	}
}

// decodeCommand parses the optional command payload. An empty or invalid
// body still executes the command; the payload only carries audit fields.
func (s *NATSSubscriber) decodeCommand(msg *nats.Msg) models.RemoteCommandMessage {
	var cmd models.RemoteCommandMessage
	if len(msg.Data) == 0 {
		return cmd
	}

	if err := json.Unmarshal(msg.Data, &cmd); err != nil {
		log.Debug().
			Err(err).
			Str("subject", msg.Subject).
			Msg("Unparseable command payload, executing anyway")
	}

	return cmd
}
