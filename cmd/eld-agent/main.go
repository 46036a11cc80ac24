package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/brdigitals4u/ttm-eld-mobile-sub006/internal/api"
	"github.com/brdigitals4u/ttm-eld-mobile-sub006/internal/collector"
	"github.com/brdigitals4u/ttm-eld-mobile-sub006/internal/config"
	"github.com/brdigitals4u/ttm-eld-mobile-sub006/internal/models"
	"github.com/brdigitals4u/ttm-eld-mobile-sub006/internal/pairing"
	"github.com/brdigitals4u/ttm-eld-mobile-sub006/internal/report"
	"github.com/brdigitals4u/ttm-eld-mobile-sub006/internal/server"
	"github.com/brdigitals4u/ttm-eld-mobile-sub006/internal/storage"
	"github.com/brdigitals4u/ttm-eld-mobile-sub006/internal/transport"
)

func main() {
	// Command line flags
	var configFile string
	flag.StringVar(&configFile, "config", "config/agent.yml", "Configuration file path")
	flag.Parse()

	// Setup logging
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	// Load configuration
	cfg, err := config.Load(configFile)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// Set log level
	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	cfg.PrintConfigSummary()

	// Connect to database. Without one the agent still pairs and streams,
	// it just keeps no archive.
	var store storage.Store
	if cfg.Database.DSN != "" {
		pg, err := storage.NewPostgresStore(cfg.Database.DSN)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to database")
		}
		defer pg.Close()
		store = pg

		log.Info().Msg("Connected to database")
	} else {
		log.Info().Msg("Database not configured, running without archive")
	}

	// Connect to the fleet bus
	var nc *nats.Conn
	if cfg.NATS.URL != "" {
		log.Info().Str("url", cfg.NATS.URL).Msg("Connecting to NATS...")

		nc, err = nats.Connect(cfg.NATS.URL,
			nats.Name(fmt.Sprintf("eld-agent-%s", cfg.Vehicle.ID)),
			nats.UserInfo(cfg.NATS.Username, cfg.NATS.Password),
			nats.ReconnectWait(cfg.NATS.ReconnectInterval),
			nats.MaxReconnects(cfg.NATS.MaxReconnects),
			nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
				log.Warn().Err(err).Msg("Disconnected from NATS")
			}),
			nats.ReconnectHandler(func(nc *nats.Conn) {
				log.Info().Msg("Reconnected to NATS")
			}),
			nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
				log.Error().
					Err(err).
					Str("subject", sub.Subject).
					Msg("NATS error")
			}),
		)

		if err != nil {
			log.Warn().Err(err).Msg("Failed to connect to NATS, continuing without fleet bus")
			nc = nil
		} else {
			defer nc.Close()
			log.Info().Msg("Connected to NATS")
		}
	} else {
		log.Info().Msg("NATS not configured, running in standalone mode")
	}

	// Device link
	link, err := buildTransport(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create device link")
	}
	defer link.Close()

	// Outcome reporting
	var sinks report.MultiSink
	if nc != nil {
		sinks = append(sinks, report.NewNATSSink(nc, cfg.NATS.SubjectPrefix, cfg.Vehicle.ID))
	}
	if store != nil {
		sinks = append(sinks, report.NewStoreSink(store, cfg.Vehicle.ID))
	}
	var sink report.Sink = sinks
	if len(sinks) == 0 {
		sink = report.NopSink{}
	}

	// Pairing engine
	eng := pairing.New(link, pairing.Options{
		ScanDuration:     cfg.Pairing.ScanDuration,
		FirstFrameWindow: cfg.Pairing.FirstFrameWindow,
		FrameWindow:      cfg.Pairing.FrameWindow,
		StageDwell:       cfg.Pairing.StageDwell,
		StageDwellCap:    cfg.Pairing.StageDwellCap,
		FrameHistory:     cfg.Pairing.FrameHistory,
		PasscodeMinLen:   cfg.Pairing.PasscodeMinLen,
		Sink:             sink,
	})

	// Create context
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// WaitGroup for services
	var wg sync.WaitGroup

	// Engine event loop
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := eng.Run(ctx); err != nil {
			log.Error().Err(err).Msg("Pairing engine stopped")
		}
	}()

	// Telemetry collector
	coll := collector.NewCollector(cfg, eng.Frames(), store, nc)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := coll.Start(ctx); err != nil {
			log.Error().Err(err).Msg("Telemetry collector stopped")
		}
	}()

	// Remote commands from the back office
	if nc != nil {
		subscriber := server.NewNATSSubscriber(nc, eng, cfg.NATS.SubjectPrefix, cfg.Vehicle.ID)

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := subscriber.Start(ctx); err != nil && err != context.Canceled {
				log.Error().Err(err).Msg("Remote command subscriber stopped")
			}
		}()
	}

	// REST API server
	apiServer := api.NewRESTServer(cfg, store, eng)

	wg.Add(1)
	go func() {
		defer wg.Done()
		addr := fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port)
		if err := apiServer.ListenAndServe(addr); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("REST API server failed")
		}
	}()

	// Wait for signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.Info().Str("signal", sig.String()).Msg("Received signal, shutting down")

	// Cancel context
	cancel()

	// Shutdown API server
	if err := apiServer.Shutdown(context.Background()); err != nil {
		log.Error().Err(err).Msg("Failed to shutdown API server gracefully")
	}

	// Wait for all services
	wg.Wait()

	log.Info().Msg("ELD agent stopped")
}

// buildTransport creates the device link selected by configuration
func buildTransport(cfg *config.Config) (transport.Transport, error) {
	switch cfg.Transport.Kind {
	case "bluez":
		return transport.NewBlueZ(transport.BlueZOptions{
			Adapter:          cfg.Transport.BlueZ.Adapter,
			ServiceUUID:      cfg.Transport.BlueZ.ServiceUUID,
			NotifyCharUUID:   cfg.Transport.BlueZ.NotifyCharUUID,
			ConnectTimeout:   cfg.Transport.BlueZ.ConnectTimeout,
			AuthNamePrefixes: cfg.Transport.BlueZ.AuthNamePrefixes,
		}), nil

	case "tcp":
		return transport.NewTCP(
			cfg.Transport.TCP.Endpoints,
			cfg.Transport.TCP.ProbeTimeout,
			cfg.Transport.TCP.ConnectTimeout,
		), nil

	case "sim":
		return transport.NewSim(simSpecs(cfg.Transport.Sim.Devices), cfg.Transport.Sim.FrameInterval), nil

	default:
		return nil, fmt.Errorf("unknown transport kind: %s", cfg.Transport.Kind)
	}
}

// simSpecs converts configured simulator devices into link specs
func simSpecs(devices []config.SimDevice) []transport.SimDeviceSpec {
	specs := make([]transport.SimDeviceSpec, 0, len(devices))
	for _, d := range devices {
		category := models.DeviceCategory(d.Category)
		if category == "" {
			category = models.DeviceCategoryELD
		}

		rssi := d.RSSI

		specs = append(specs, transport.SimDeviceSpec{
			Device: models.DiscoveredDevice{
				Identifier:   d.Identifier,
				Name:         d.Name,
				RSSI:         &rssi,
				Category:     category,
				RequiresAuth: d.RequiresAuth,
			},
			Passcode:     d.Passcode,
			Silent:       d.Silent,
			FailMessage:  d.FailMessage,
			FailCode:     d.FailCode,
			ConnectDelay: d.ConnectDelay,
		})
	}
	return specs
}
