package api

import (
	"github.com/go-chi/chi/v5"
)

// setupAPIRoutes sets up API v1 routes
func (s *RESTServer) setupAPIRoutes(r chi.Router) {
	// Health check
	r.Get("/health", s.HandleHealth)
	r.Get("/", s.HandleRoot)

	// Auth routes
	r.Route("/auth", func(r chi.Router) {
		r.Post("/login", s.HandleLogin)
		r.Post("/refresh", s.HandleRefresh)
		r.Group(func(r chi.Router) {
			s.maybeAuth(r)
			r.Get("/me", s.HandleGetCurrentDriver)
		})
	})

	// Permission gate
	r.Route("/permissions", func(r chi.Router) {
		s.maybeAuth(r)
		r.Get("/", s.HandleGetPermission)
		r.Post("/request", s.HandleRequestPermissions)
	})

	// Scan controller
	r.Route("/scan", func(r chi.Router) {
		s.maybeAuth(r)
		r.Post("/start", s.HandleStartScan)
		r.Post("/stop", s.HandleStopScan)
	})

	// Discovered and previously paired devices
	r.Route("/devices", func(r chi.Router) {
		s.maybeAuth(r)
		r.Get("/", s.HandleListDevices)
		r.Route("/{identifier}", func(r chi.Router) {
			r.Get("/frames", s.HandleListDeviceFrames)
			r.Get("/frames/latest", s.HandleGetLatestFrame)
		})
	})

	// Pairing session
	r.Route("/session", func(r chi.Router) {
		s.maybeAuth(r)
		r.Get("/", s.HandleGetSession)
		r.Get("/stream", s.HandleSessionStream)
		r.Post("/device", s.HandleSelectDevice)
		r.Post("/passcode", s.HandleSubmitPasscode)
		r.Post("/connect", s.HandleConnect)
		r.Post("/reset", s.HandleReset)
	})

	// Live telemetry
	r.Route("/frames", func(r chi.Router) {
		s.maybeAuth(r)
		r.Get("/recent", s.HandleRecentFrames)
	})

	// Connection event history
	r.Route("/events", func(r chi.Router) {
		s.maybeAuth(r)
		r.Get("/", s.HandleListEvents)
	})

	// Known devices
	r.Route("/known-devices", func(r chi.Router) {
		s.maybeAuth(r)
		r.Get("/", s.HandleListKnownDevices)
		r.Delete("/{identifier}", s.HandleDeleteKnownDevice)
	})

	// Driver accounts
	r.Route("/drivers", func(r chi.Router) {
		s.maybeAuth(r)
		r.Get("/", s.HandleListDrivers)
		r.Post("/", s.HandleCreateDriver)
	})
}
