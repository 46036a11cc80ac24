package models

import (
	"time"

	"github.com/google/uuid"
)

// Driver represents a driver account used for API authentication.
// Only login needs it; HOS profile data lives elsewhere.
type Driver struct {
	ID        uuid.UUID `json:"id" db:"id"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt time.Time `json:"updatedAt" db:"updated_at"`

	Username string `json:"username" db:"username"`
	Name     string `json:"name" db:"name"`

	PINHash string `json:"-" db:"pin_hash"`

	IsActive    bool       `json:"isActive" db:"is_active"`
	LastLoginAt *time.Time `json:"lastLoginAt,omitempty" db:"last_login_at"`
}
