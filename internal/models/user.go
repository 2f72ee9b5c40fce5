package models

import (
	"time"

	"github.com/google/uuid"
)

// User is the local account a federated identity maps onto
type User struct {
	ID           uuid.UUID  `json:"id" db:"id"`
	Username     string     `json:"username" db:"username"`
	Email        string     `json:"email" db:"email"`
	PasswordHash string     `json:"-" db:"password_hash"`
	Active       bool       `json:"active" db:"active"`
	LastLogin    *time.Time `json:"last_login,omitempty" db:"last_login"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at" db:"updated_at"`
}

// UserIdentity links an external SAML identity to a local user.
// The (idp_id, name_id) pair is unique; it is the backstop against
// duplicate provisioning under concurrent first logins.
type UserIdentity struct {
	ID          uuid.UUID  `json:"id" db:"id"`
	UserID      uuid.UUID  `json:"user_id" db:"user_id"`
	IdPID       string     `json:"idp_id" db:"idp_id"`
	NameID      string     `json:"name_id" db:"name_id"`
	LastLoginAt *time.Time `json:"last_login_at,omitempty" db:"last_login_at"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at" db:"updated_at"`
}

// LoginAttempt records the outcome of a SAML login attempt for auditing
type LoginAttempt struct {
	ID            int64      `json:"id" db:"id"`
	UserID        *uuid.UUID `json:"user_id,omitempty" db:"user_id"`
	IdPID         string     `json:"idp_id" db:"idp_id"`
	IPAddress     string     `json:"ip_address" db:"ip_address"`
	UserAgent     string     `json:"user_agent" db:"user_agent"`
	Success       bool       `json:"success" db:"success"`
	FailureReason string     `json:"failure_reason,omitempty" db:"failure_reason"`
	CreatedAt     time.Time  `json:"created_at" db:"created_at"`
}

// NewUser creates a user record with a generated UUID
func NewUser(username, email string) *User {
	now := time.Now()
	return &User{
		ID:        uuid.New(),
		Username:  username,
		Email:     email,
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}
}
