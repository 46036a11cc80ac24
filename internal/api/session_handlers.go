package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/brdigitals4u/ttm-eld-mobile-sub006/internal/pairing"
)

// ========== Permission handlers ==========

// HandleGetPermission reports the current permission gate state
func (s *RESTServer) HandleGetPermission(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"state": string(s.engine.Permission()),
	})
}

// HandleRequestPermissions runs the permission gate
func (s *RESTServer) HandleRequestPermissions(w http.ResponseWriter, r *http.Request) {
	state, err := s.engine.RequestPermissions(r.Context())
	if err != nil {
		s.respondJSON(w, http.StatusForbidden, map[string]interface{}{
			"state": string(state),
			"error": err.Error(),
		})
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"state": string(state),
	})
}

// ========== Scan handlers ==========

// HandleStartScan starts a discovery window. Starting while a scan is
// already running is a no-op and still answers with the live snapshot.
func (s *RESTServer) HandleStartScan(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.StartScan(r.Context()); err != nil {
		if errors.Is(err, pairing.ErrPermissionDenied) {
			s.respondError(w, http.StatusForbidden, err.Error())
			return
		}
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.respondJSON(w, http.StatusOK, s.engine.Snapshot())
}

// HandleStopScan ends the discovery window early
func (s *RESTServer) HandleStopScan(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.StopScan(r.Context()); err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.respondJSON(w, http.StatusOK, s.engine.Snapshot())
}

// HandleListDevices lists devices discovered by the current or last scan
func (s *RESTServer) HandleListDevices(w http.ResponseWriter, r *http.Request) {
	snap := s.engine.Snapshot()

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"devices":  snap.ScannedDevices,
		"total":    len(snap.ScannedDevices),
		"scanning": snap.IsScanning,
	})
}

// ========== Session handlers ==========

// HandleGetSession returns the full session snapshot
func (s *RESTServer) HandleGetSession(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, s.engine.Snapshot())
}

// HandleSelectDevice picks a scanned device as the pairing target
func (s *RESTServer) HandleSelectDevice(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Identifier string `json:"identifier" validate:"required"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.validator.Validate(req); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.engine.SelectDevice(req.Identifier); err != nil {
		switch {
		case errors.Is(err, pairing.ErrUnknownDevice):
			s.respondError(w, http.StatusNotFound, "device not found in scan results")
		case errors.Is(err, pairing.ErrSessionBusy), errors.Is(err, pairing.ErrResetRequired):
			s.respondError(w, http.StatusConflict, err.Error())
		default:
			s.respondError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	s.respondJSON(w, http.StatusOK, s.engine.Snapshot())
}

// HandleSubmitPasscode stores the passcode for the selected device
func (s *RESTServer) HandleSubmitPasscode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Passcode string `json:"passcode" validate:"required"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.engine.SubmitPasscode(req.Passcode); err != nil {
		switch {
		case errors.Is(err, pairing.ErrPasscodeTooShort):
			s.respondError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, pairing.ErrNoSession):
			s.respondError(w, http.StatusConflict, "no device selected")
		case errors.Is(err, pairing.ErrSessionBusy), errors.Is(err, pairing.ErrResetRequired):
			s.respondError(w, http.StatusConflict, err.Error())
		default:
			s.respondError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	s.respondJSON(w, http.StatusOK, s.engine.Snapshot())
}

// HandleConnect starts the connection attempt for the selected device
func (s *RESTServer) HandleConnect(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Connect(); err != nil {
		switch {
		case errors.Is(err, pairing.ErrNoSession):
			s.respondError(w, http.StatusConflict, "no device selected")
		case errors.Is(err, pairing.ErrPasscodeRequired):
			s.respondError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, pairing.ErrSessionBusy), errors.Is(err, pairing.ErrResetRequired):
			s.respondError(w, http.StatusConflict, err.Error())
		default:
			s.respondError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	s.respondJSON(w, http.StatusAccepted, s.engine.Snapshot())
}

// HandleReset cancels whatever is in flight and returns the engine to idle
func (s *RESTServer) HandleReset(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Reset(); err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.respondJSON(w, http.StatusOK, s.engine.Snapshot())
}

// ========== Live telemetry handlers ==========

// HandleRecentFrames returns the in-memory frame history, newest last
func (s *RESTServer) HandleRecentFrames(w http.ResponseWriter, r *http.Request) {
	frames := s.engine.RecentFrames()

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"frames": frames,
		"total":  len(frames),
	})
}

// ========== Helper methods ==========

// HandleHealth health check
func (s *RESTServer) HandleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status": "healthy",
		"time":   time.Now(),
	})
}

// HandleRoot root handler
func (s *RESTServer) HandleRoot(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"service": s.config.Server.Name,
		"version": s.config.Server.Version,
		"vehicle": s.config.Vehicle.ID,
		"health":  "/api/v1/health",
	})
}

// respondJSON responds with JSON
func (s *RESTServer) respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(response)
}

// respondError responds with error
func (s *RESTServer) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{
		"error": message,
	})
}
