package storage

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/brdigitals4u/ttm-eld-mobile-sub006/internal/models"
)

// ========== Driver Methods ==========

// CreateDriver creates a new driver account
func (s *PostgresStore) CreateDriver(ctx context.Context, driver *models.Driver) error {
	if driver.ID == uuid.Nil {
		driver.ID = uuid.New()
	}

	if driver.Username == "" || driver.PINHash == "" {
		return ErrInvalidData
	}

	now := time.Now()
	driver.CreatedAt = now
	driver.UpdatedAt = now

	query := `
        INSERT INTO drivers (
            id, created_at, updated_at, username, name,
            pin_hash, is_active
        ) VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := s.getDB().ExecContext(ctx, query,
		driver.ID, driver.CreatedAt, driver.UpdatedAt, driver.Username,
		driver.Name, driver.PINHash, driver.IsActive,
	)

	if err != nil {
		if strings.Contains(err.Error(), "duplicate key") {
			return ErrDuplicateKey
		}
		return err
	}

	return nil
}

// GetDriver gets a driver by ID
func (s *PostgresStore) GetDriver(ctx context.Context, id uuid.UUID) (*models.Driver, error) {
	query := `
        SELECT id, created_at, updated_at, username, name,
               pin_hash, is_active, last_login_at
        FROM drivers
        WHERE id = $1`

	driver := &models.Driver{}
	err := s.getDB().QueryRowContext(ctx, query, id).Scan(
		&driver.ID, &driver.CreatedAt, &driver.UpdatedAt, &driver.Username,
		&driver.Name, &driver.PINHash, &driver.IsActive, &driver.LastLoginAt,
	)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}

	return driver, err
}

// GetDriverByUsername gets a driver by username
func (s *PostgresStore) GetDriverByUsername(ctx context.Context, username string) (*models.Driver, error) {
	query := `
        SELECT id, created_at, updated_at, username, name,
               pin_hash, is_active, last_login_at
        FROM drivers
        WHERE username = $1`

	driver := &models.Driver{}
	err := s.getDB().QueryRowContext(ctx, query, username).Scan(
		&driver.ID, &driver.CreatedAt, &driver.UpdatedAt, &driver.Username,
		&driver.Name, &driver.PINHash, &driver.IsActive, &driver.LastLoginAt,
	)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}

	return driver, err
}

// UpdateDriver updates a driver
func (s *PostgresStore) UpdateDriver(ctx context.Context, driver *models.Driver) error {
	driver.UpdatedAt = time.Now()

	query := `
        UPDATE drivers SET
            updated_at = $2, username = $3, name = $4,
            pin_hash = $5, is_active = $6
        WHERE id = $1`

	result, err := s.getDB().ExecContext(ctx, query,
		driver.ID, driver.UpdatedAt, driver.Username, driver.Name,
		driver.PINHash, driver.IsActive,
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

// UpdateDriverLastLogin records a successful login
func (s *PostgresStore) UpdateDriverLastLogin(ctx context.Context, id uuid.UUID, at time.Time) error {
	result, err := s.getDB().ExecContext(ctx,
		"UPDATE drivers SET last_login_at = $2, updated_at = $2 WHERE id = $1", id, at,
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

// ListDrivers lists drivers
func (s *PostgresStore) ListDrivers(ctx context.Context, limit, offset int) ([]*models.Driver, int64, error) {
	// Get count
	var count int64
	err := s.getDB().QueryRowContext(ctx, "SELECT COUNT(*) FROM drivers").Scan(&count)
	if err != nil {
		return nil, 0, err
	}

	// Get rows
	query := `
        SELECT id, created_at, updated_at, username, name,
               pin_hash, is_active, last_login_at
        FROM drivers
        ORDER BY created_at DESC
        LIMIT $1 OFFSET $2`

	rows, err := s.getDB().QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var drivers []*models.Driver
	for rows.Next() {
		driver := &models.Driver{}

		err := rows.Scan(
			&driver.ID, &driver.CreatedAt, &driver.UpdatedAt, &driver.Username,
			&driver.Name, &driver.PINHash, &driver.IsActive, &driver.LastLoginAt,
		)
		if err != nil {
			return nil, 0, err
		}

		drivers = append(drivers, driver)
	}

	return drivers, count, nil
}
