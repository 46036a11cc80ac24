package storage

import (
	"context"
	"database/sql"

	"github.com/brdigitals4u/ttm-eld-mobile-sub006/internal/models"
)

// ========== Known Device Methods ==========

// UpsertKnownDevice records a successful pairing. The first pairing inserts
// the row, later pairings refresh the metadata and bump pair_count.
func (s *PostgresStore) UpsertKnownDevice(ctx context.Context, device *models.KnownDevice) error {
	if device.Identifier == "" {
		return ErrInvalidData
	}

	query := `
        INSERT INTO known_devices (
            identifier, name, category, pair_count, last_connected_at
        ) VALUES ($1, $2, $3, 1, $4)
        ON CONFLICT (identifier) DO UPDATE SET
            name = EXCLUDED.name,
            category = EXCLUDED.category,
            pair_count = known_devices.pair_count + 1,
            last_connected_at = EXCLUDED.last_connected_at`

	_, err := s.getDB().ExecContext(ctx, query,
		device.Identifier, device.Name, device.Category, device.LastConnectedAt,
	)

	return err
}

// GetKnownDevice gets a known device by identifier
func (s *PostgresStore) GetKnownDevice(ctx context.Context, identifier string) (*models.KnownDevice, error) {
	query := `
        SELECT identifier, name, category, pair_count, last_connected_at
        FROM known_devices
        WHERE identifier = $1`

	device := &models.KnownDevice{}
	err := s.getDB().QueryRowContext(ctx, query, identifier).Scan(
		&device.Identifier, &device.Name, &device.Category,
		&device.PairCount, &device.LastConnectedAt,
	)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}

	return device, err
}

// ListKnownDevices lists previously paired devices
func (s *PostgresStore) ListKnownDevices(ctx context.Context, limit, offset int) ([]*models.KnownDevice, int64, error) {
	// Get count
	var count int64
	err := s.getDB().QueryRowContext(ctx, "SELECT COUNT(*) FROM known_devices").Scan(&count)
	if err != nil {
		return nil, 0, err
	}

	// Get rows
	query := `
        SELECT identifier, name, category, pair_count, last_connected_at
        FROM known_devices
        ORDER BY last_connected_at DESC
        LIMIT $1 OFFSET $2`

	rows, err := s.getDB().QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var devices []*models.KnownDevice
	for rows.Next() {
		device := &models.KnownDevice{}

		err := rows.Scan(
			&device.Identifier, &device.Name, &device.Category,
			&device.PairCount, &device.LastConnectedAt,
		)
		if err != nil {
			return nil, 0, err
		}

		devices = append(devices, device)
	}

	return devices, count, nil
}

// DeleteKnownDevice removes a known device
func (s *PostgresStore) DeleteKnownDevice(ctx context.Context, identifier string) error {
	result, err := s.getDB().ExecContext(ctx,
		"DELETE FROM known_devices WHERE identifier = $1", identifier,
	)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rows == 0 {
		return ErrNotFound
	}

	return nil
}
