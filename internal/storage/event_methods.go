package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/brdigitals4u/ttm-eld-mobile-sub006/internal/models"
)

// ========== Connection Event Methods ==========

// CreateConnectionEvent creates a connection event record
func (s *PostgresStore) CreateConnectionEvent(ctx context.Context, event *models.ConnectionEvent) error {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}

	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	query := `
        INSERT INTO connection_events (
            id, created_at, vehicle_id, device_id, device_name,
            type, failure_kind, message, details, code,
            passcode_len, meta
        ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	_, err := s.getDB().ExecContext(ctx, query,
		event.ID, event.CreatedAt, event.VehicleID, event.DeviceID,
		event.DeviceName, event.Type, event.FailureKind, event.Message,
		event.Details, event.Code, event.PasscodeLen, event.Meta,
	)

	return err
}

// ListConnectionEvents lists connection events with filters
func (s *PostgresStore) ListConnectionEvents(ctx context.Context, filters ConnectionEventFilters, limit, offset int) ([]*models.ConnectionEvent, int64, error) {
	// Build query with filters
	query := "SELECT COUNT(*) FROM connection_events WHERE 1=1"
	args := []interface{}{}
	argCount := 0

	if filters.VehicleID != nil {
		argCount++
		query += fmt.Sprintf(" AND vehicle_id = $%d", argCount)
		args = append(args, *filters.VehicleID)
	}

	if filters.DeviceID != nil {
		argCount++
		query += fmt.Sprintf(" AND device_id = $%d", argCount)
		args = append(args, *filters.DeviceID)
	}

	if filters.Type != nil {
		argCount++
		query += fmt.Sprintf(" AND type = $%d", argCount)
		args = append(args, *filters.Type)
	}

	if filters.FailureKind != nil {
		argCount++
		query += fmt.Sprintf(" AND failure_kind = $%d", argCount)
		args = append(args, *filters.FailureKind)
	}

	if filters.StartTime != nil {
		argCount++
		query += fmt.Sprintf(" AND created_at >= $%d", argCount)
		args = append(args, *filters.StartTime)
	}

	if filters.EndTime != nil {
		argCount++
		query += fmt.Sprintf(" AND created_at <= $%d", argCount)
		args = append(args, *filters.EndTime)
	}

	// Get count
	var count int64
	err := s.getDB().QueryRowContext(ctx, query, args...).Scan(&count)
	if err != nil {
		return nil, 0, err
	}

	// Get rows
	selectQuery := strings.Replace(query, "SELECT COUNT(*)",
		"SELECT id, created_at, vehicle_id, device_id, device_name, type, failure_kind, message, details, code, passcode_len, meta", 1)

	argCount++
	selectQuery += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", argCount)
	args = append(args, limit)

	argCount++
	selectQuery += fmt.Sprintf(" OFFSET $%d", argCount)
	args = append(args, offset)

	rows, err := s.getDB().QueryContext(ctx, selectQuery, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var events []*models.ConnectionEvent
	for rows.Next() {
		event := &models.ConnectionEvent{}

		err := rows.Scan(
			&event.ID, &event.CreatedAt, &event.VehicleID, &event.DeviceID,
			&event.DeviceName, &event.Type, &event.FailureKind, &event.Message,
			&event.Details, &event.Code, &event.PasscodeLen, &event.Meta,
		)
		if err != nil {
			return nil, 0, err
		}

		events = append(events, event)
	}

	return events, count, nil
}

// DeleteConnectionEventsBefore deletes events older than cutoff, returning the count removed
func (s *PostgresStore) DeleteConnectionEventsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.getDB().ExecContext(ctx,
		"DELETE FROM connection_events WHERE created_at < $1", cutoff,
	)
	if err != nil {
		return 0, err
	}

	return res.RowsAffected()
}
