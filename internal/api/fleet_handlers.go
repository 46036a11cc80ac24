package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/brdigitals4u/ttm-eld-mobile-sub006/internal/models"
	"github.com/brdigitals4u/ttm-eld-mobile-sub006/internal/storage"
	"github.com/brdigitals4u/ttm-eld-mobile-sub006/pkg/crypto"
)

// requireStore guards fleet endpoints behind database availability
func (s *RESTServer) requireStore(w http.ResponseWriter) bool {
	if s.store == nil {
		s.respondError(w, http.StatusServiceUnavailable, "storage not configured")
		return false
	}
	return true
}

// ========== Auth handlers ==========

// HandleLogin handles driver login
func (s *RESTServer) HandleLogin(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}

	var req struct {
		Username string `json:"username" validate:"required"`
		PIN      string `json:"pin" validate:"required,min=4"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.validator.Validate(req); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	// Get driver
	driver, err := s.store.GetDriverByUsername(r.Context(), req.Username)
	if err != nil {
		s.respondError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	// Verify PIN
	if !s.auth.VerifyPIN(req.PIN, driver.PINHash) {
		s.respondError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	// Check driver status
	if !driver.IsActive {
		s.respondError(w, http.StatusForbidden, "account is disabled")
		return
	}

	// Generate tokens
	accessToken, refreshToken, err := s.auth.GenerateTokenPair(driver)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "failed to generate tokens")
		return
	}

	if err := s.store.UpdateDriverLastLogin(r.Context(), driver.ID, time.Now()); err != nil {
		log.Warn().Err(err).Str("driver", driver.Username).Msg("failed to record login time")
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"access_token":  accessToken,
		"refresh_token": refreshToken,
		"expires_in":    int(s.config.JWT.AccessTokenTTL.Seconds()),
		"token_type":    "Bearer",
	})
}

// HandleRefresh handles token refresh
func (s *RESTServer) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}

	var req struct {
		RefreshToken string `json:"refresh_token" validate:"required"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	driverID, err := s.auth.ValidateRefreshToken(req.RefreshToken)
	if err != nil {
		s.respondError(w, http.StatusUnauthorized, "invalid refresh token")
		return
	}

	driver, err := s.store.GetDriver(r.Context(), driverID)
	if err != nil {
		s.respondError(w, http.StatusUnauthorized, "invalid refresh token")
		return
	}

	if !driver.IsActive {
		s.respondError(w, http.StatusForbidden, "account is disabled")
		return
	}

	accessToken, refreshToken, err := s.auth.GenerateTokenPair(driver)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "failed to generate tokens")
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"access_token":  accessToken,
		"refresh_token": refreshToken,
		"expires_in":    int(s.config.JWT.AccessTokenTTL.Seconds()),
		"token_type":    "Bearer",
	})
}

// HandleGetCurrentDriver returns the driver identified by the access token
func (s *RESTServer) HandleGetCurrentDriver(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())
	if claims == nil {
		s.respondError(w, http.StatusUnauthorized, "authentication disabled")
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"id":       claims.DriverID,
		"username": claims.Username,
		"name":     claims.Name,
	})
}

// ========== Driver handlers ==========

// HandleCreateDriver creates a driver account
func (s *RESTServer) HandleCreateDriver(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}

	var req struct {
		Username string `json:"username" validate:"required,min=3,max=64"`
		Name     string `json:"name" validate:"required"`
		PIN      string `json:"pin" validate:"required,min=4,max=16,numeric"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.validator.Validate(req); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	hash, err := crypto.HashPIN(req.PIN)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "failed to hash PIN")
		return
	}

	driver := &models.Driver{
		Username: req.Username,
		Name:     req.Name,
		PINHash:  hash,
		IsActive: true,
	}

	if err := s.store.CreateDriver(r.Context(), driver); err != nil {
		if err == storage.ErrDuplicateKey {
			s.respondError(w, http.StatusConflict, "username already exists")
			return
		}
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	// Clear PIN hash
	driver.PINHash = ""

	s.respondJSON(w, http.StatusCreated, driver)
}

// HandleListDrivers lists driver accounts
func (s *RESTServer) HandleListDrivers(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}

	limit, offset := pageParams(r)

	drivers, total, err := s.store.ListDrivers(r.Context(), limit, offset)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	for _, d := range drivers {
		d.PINHash = ""
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"drivers": drivers,
		"total":   total,
	})
}

// ========== Connection event handlers ==========

// HandleListEvents lists archived connection events with filters
func (s *RESTServer) HandleListEvents(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}

	limit, offset := pageParams(r)
	q := r.URL.Query()

	filters := storage.ConnectionEventFilters{}

	if v := q.Get("vehicle_id"); v != "" {
		filters.VehicleID = &v
	}

	if v := q.Get("device_id"); v != "" {
		filters.DeviceID = &v
	}

	if v := q.Get("type"); v != "" {
		t := models.ConnectionEventType(v)
		filters.Type = &t
	}

	if v := q.Get("failure_kind"); v != "" {
		k := models.FailureKind(v)
		filters.FailureKind = &k
	}

	if v := q.Get("start"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid start time")
			return
		}
		filters.StartTime = &t
	}

	if v := q.Get("end"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid end time")
			return
		}
		filters.EndTime = &t
	}

	events, total, err := s.store.ListConnectionEvents(r.Context(), filters, limit, offset)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"events": events,
		"total":  total,
	})
}

// ========== Archived frame handlers ==========

// HandleListDeviceFrames lists archived telemetry frames for a device
func (s *RESTServer) HandleListDeviceFrames(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}

	identifier := chi.URLParam(r, "identifier")
	limit, offset := pageParams(r)

	frames, total, err := s.store.ListTelemetryFrames(r.Context(), identifier, limit, offset)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"frames": frames,
		"total":  total,
	})
}

// HandleGetLatestFrame returns the most recent archived frame for a device
func (s *RESTServer) HandleGetLatestFrame(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}

	identifier := chi.URLParam(r, "identifier")

	frame, err := s.store.GetLatestTelemetryFrame(r.Context(), identifier)
	if err != nil {
		if err == storage.ErrNotFound {
			s.respondError(w, http.StatusNotFound, "no frames recorded for device")
			return
		}
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.respondJSON(w, http.StatusOK, frame)
}

// ========== Known device handlers ==========

// HandleListKnownDevices lists previously paired devices
func (s *RESTServer) HandleListKnownDevices(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}

	limit, offset := pageParams(r)

	devices, total, err := s.store.ListKnownDevices(r.Context(), limit, offset)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"devices": devices,
		"total":   total,
	})
}

// HandleDeleteKnownDevice forgets a previously paired device
func (s *RESTServer) HandleDeleteKnownDevice(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}

	identifier := chi.URLParam(r, "identifier")

	if err := s.store.DeleteKnownDevice(r.Context(), identifier); err != nil {
		if err == storage.ErrNotFound {
			s.respondError(w, http.StatusNotFound, "device not found")
			return
		}
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// pageParams parses limit/offset query parameters
func pageParams(r *http.Request) (int, int) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 500 {
		limit = 20
	}
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
