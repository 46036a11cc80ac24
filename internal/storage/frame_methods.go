package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/brdigitals4u/ttm-eld-mobile-sub006/internal/models"
)

// ========== Telemetry Frame Methods ==========

// CreateTelemetryFrame creates a telemetry frame record
func (s *PostgresStore) CreateTelemetryFrame(ctx context.Context, frame *models.TelemetryFrame) error {
	if frame.ID == uuid.Nil {
		frame.ID = uuid.New()
	}

	if frame.ReceivedAt.IsZero() {
		frame.ReceivedAt = time.Now()
	}

	query := `
        INSERT INTO telemetry_frames (
            id, device_id, speed_mph, engine_rpm, fuel_level_pct,
            odometer_miles, duty_status, raw, received_at
        ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := s.getDB().ExecContext(ctx, query,
		frame.ID, frame.DeviceID, frame.SpeedMph, frame.EngineRPM,
		frame.FuelLevelPct, int64(frame.OdometerMiles), frame.DutyStatus,
		frame.Raw, frame.ReceivedAt,
	)

	return err
}

// ListTelemetryFrames lists telemetry frames for a device
func (s *PostgresStore) ListTelemetryFrames(ctx context.Context, deviceID string, limit, offset int) ([]*models.TelemetryFrame, int64, error) {
	// Get count
	var count int64
	err := s.getDB().QueryRowContext(ctx,
		"SELECT COUNT(*) FROM telemetry_frames WHERE device_id = $1", deviceID,
	).Scan(&count)
	if err != nil {
		return nil, 0, err
	}

	// Get rows
	query := `
        SELECT id, device_id, speed_mph, engine_rpm, fuel_level_pct,
               odometer_miles, duty_status, raw, received_at
        FROM telemetry_frames
        WHERE device_id = $1
        ORDER BY received_at DESC
        LIMIT $2 OFFSET $3`

	rows, err := s.getDB().QueryContext(ctx, query, deviceID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var frames []*models.TelemetryFrame
	for rows.Next() {
		frame := &models.TelemetryFrame{}
		var odometer int64

		err := rows.Scan(
			&frame.ID, &frame.DeviceID, &frame.SpeedMph, &frame.EngineRPM,
			&frame.FuelLevelPct, &odometer, &frame.DutyStatus, &frame.Raw,
			&frame.ReceivedAt,
		)
		if err != nil {
			return nil, 0, err
		}

		frame.OdometerMiles = uint32(odometer)

		frames = append(frames, frame)
	}

	return frames, count, nil
}

// GetLatestTelemetryFrame returns the most recent frame for a device
func (s *PostgresStore) GetLatestTelemetryFrame(ctx context.Context, deviceID string) (*models.TelemetryFrame, error) {
	query := `
        SELECT id, device_id, speed_mph, engine_rpm, fuel_level_pct,
               odometer_miles, duty_status, raw, received_at
        FROM telemetry_frames
        WHERE device_id = $1
        ORDER BY received_at DESC
        LIMIT 1`

	frame := &models.TelemetryFrame{}
	var odometer int64

	err := s.getDB().QueryRowContext(ctx, query, deviceID).Scan(
		&frame.ID, &frame.DeviceID, &frame.SpeedMph, &frame.EngineRPM,
		&frame.FuelLevelPct, &odometer, &frame.DutyStatus, &frame.Raw,
		&frame.ReceivedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	frame.OdometerMiles = uint32(odometer)

	return frame, nil
}

// DeleteTelemetryFramesBefore deletes frames older than cutoff, returning the count removed
func (s *PostgresStore) DeleteTelemetryFramesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.getDB().ExecContext(ctx,
		"DELETE FROM telemetry_frames WHERE received_at < $1", cutoff,
	)
	if err != nil {
		return 0, err
	}

	return res.RowsAffected()
}
