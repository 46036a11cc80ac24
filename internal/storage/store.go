package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/brdigitals4u/ttm-eld-mobile-sub006/internal/models"
)

// Common errors
var (
	ErrNotFound     = errors.New("not found")
	ErrDuplicateKey = errors.New("duplicate key")
	ErrInvalidData  = errors.New("invalid data")
)

// Store defines the storage interface
type Store interface {
	// Transaction support
	BeginTx(ctx context.Context) (Store, error)
	Commit() error
	Rollback() error

	// Driver methods
	CreateDriver(ctx context.Context, driver *models.Driver) error
	GetDriver(ctx context.Context, id uuid.UUID) (*models.Driver, error)
	GetDriverByUsername(ctx context.Context, username string) (*models.Driver, error)
	UpdateDriver(ctx context.Context, driver *models.Driver) error
	UpdateDriverLastLogin(ctx context.Context, id uuid.UUID, at time.Time) error
	ListDrivers(ctx context.Context, limit, offset int) ([]*models.Driver, int64, error)

	// Known device methods
	UpsertKnownDevice(ctx context.Context, device *models.KnownDevice) error
	GetKnownDevice(ctx context.Context, identifier string) (*models.KnownDevice, error)
	ListKnownDevices(ctx context.Context, limit, offset int) ([]*models.KnownDevice, int64, error)
	DeleteKnownDevice(ctx context.Context, identifier string) error

	// Connection event methods
	CreateConnectionEvent(ctx context.Context, event *models.ConnectionEvent) error
	ListConnectionEvents(ctx context.Context, filters ConnectionEventFilters, limit, offset int) ([]*models.ConnectionEvent, int64, error)
	DeleteConnectionEventsBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// Telemetry frame methods
	CreateTelemetryFrame(ctx context.Context, frame *models.TelemetryFrame) error
	ListTelemetryFrames(ctx context.Context, deviceID string, limit, offset int) ([]*models.TelemetryFrame, int64, error)
	GetLatestTelemetryFrame(ctx context.Context, deviceID string) (*models.TelemetryFrame, error)
	DeleteTelemetryFramesBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// Close the store
	Close() error
}

// ConnectionEventFilters represents filters for connection events
type ConnectionEventFilters struct {
	VehicleID   *string
	DeviceID    *string
	Type        *models.ConnectionEventType
	FailureKind *models.FailureKind
	StartTime   *time.Time
	EndTime     *time.Time
}
