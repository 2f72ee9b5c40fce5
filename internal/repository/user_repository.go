package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/jbenholt/drupal-samlauth/internal/db"
	"github.com/jbenholt/drupal-samlauth/internal/models"
	"github.com/jbenholt/drupal-samlauth/internal/saml"
)

// pqUniqueViolation is the Postgres error code for a unique constraint hit
const pqUniqueViolation = "23505"

// UserRepository handles account and external-identity persistence. It is
// the account store the identity resolver runs against.
type UserRepository struct {
	db *db.DB
}

// NewUserRepository creates a new user repository
func NewUserRepository(db *db.DB) *UserRepository {
	return &UserRepository{db: db}
}

// UserByEmail returns the user with the given email, or nil when none exists
func (r *UserRepository) UserByEmail(ctx context.Context, email string) (*models.User, error) {
	query := `
		SELECT id, username, email, password_hash, active, last_login, created_at, updated_at
		FROM users
		WHERE email = $1
	`
	return r.scanUser(r.db.QueryRowContext(ctx, query, email))
}

// UserByExternalIdentity returns the user mapped to (idpID, nameID), or nil
// when no mapping exists.
func (r *UserRepository) UserByExternalIdentity(ctx context.Context, idpID, nameID string) (*models.User, error) {
	query := `
		SELECT u.id, u.username, u.email, u.password_hash, u.active, u.last_login, u.created_at, u.updated_at
		FROM users u
		JOIN user_identities ui ON ui.user_id = u.id
		WHERE ui.idp_id = $1 AND ui.name_id = $2
	`
	return r.scanUser(r.db.QueryRowContext(ctx, query, idpID, nameID))
}

// CreateUserWithIdentity persists a new account and its external-identity
// mapping in a single transaction, so neither row ever exists without the
// other. A unique-constraint hit on the mapping surfaces as
// saml.ErrDuplicateIdentity for the resolver's race retry.
func (r *UserRepository) CreateUserWithIdentity(ctx context.Context, user *models.User, idpID, nameID string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	userQuery := `
		INSERT INTO users (id, username, email, password_hash, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	if _, err := tx.ExecContext(ctx, userQuery,
		user.ID, user.Username, user.Email, user.PasswordHash,
		user.Active, user.CreatedAt, user.UpdatedAt,
	); err != nil {
		if isUniqueViolation(err) {
			return saml.ErrDuplicateIdentity
		}
		return fmt.Errorf("failed to create user: %w", err)
	}

	identityQuery := `
		INSERT INTO user_identities (id, user_id, idp_id, name_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, NOW(), NOW())
	`
	if _, err := tx.ExecContext(ctx, identityQuery, uuid.New(), user.ID, idpID, nameID); err != nil {
		if isUniqueViolation(err) {
			return saml.ErrDuplicateIdentity
		}
		return fmt.Errorf("failed to create identity mapping: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit user creation: %w", err)
	}
	return nil
}

// TouchIdentityLogin stamps the identity mapping's last login time
func (r *UserRepository) TouchIdentityLogin(ctx context.Context, idpID, nameID string) error {
	query := `
		UPDATE user_identities
		SET last_login_at = NOW(), updated_at = NOW()
		WHERE idp_id = $1 AND name_id = $2
	`
	if _, err := r.db.ExecContext(ctx, query, idpID, nameID); err != nil {
		return fmt.Errorf("failed to update identity login time: %w", err)
	}
	return nil
}

// UpdateLastLogin stamps the user's last login time
func (r *UserRepository) UpdateLastLogin(ctx context.Context, userID uuid.UUID) error {
	query := `UPDATE users SET last_login = NOW(), updated_at = NOW() WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, userID); err != nil {
		return fmt.Errorf("failed to update last login: %w", err)
	}
	return nil
}

// RecordLoginAttempt appends an audit row for a SAML login attempt
func (r *UserRepository) RecordLoginAttempt(ctx context.Context, attempt *models.LoginAttempt) error {
	query := `
		INSERT INTO login_attempts (user_id, idp_id, ip_address, user_agent, success, failure_reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
	`
	var userID interface{}
	if attempt.UserID != nil {
		userID = *attempt.UserID
	}
	if _, err := r.db.ExecContext(ctx, query,
		userID, attempt.IdPID, attempt.IPAddress, attempt.UserAgent,
		attempt.Success, nullString(attempt.FailureReason),
	); err != nil {
		return fmt.Errorf("failed to record login attempt: %w", err)
	}
	return nil
}

// PurgeLoginAttemptsBefore drops audit rows older than the cutoff and
// returns how many were removed.
func (r *UserRepository) PurgeLoginAttemptsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM login_attempts WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge login attempts: %w", err)
	}
	purged, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count purged login attempts: %w", err)
	}
	return purged, nil
}

func (r *UserRepository) scanUser(row *sql.Row) (*models.User, error) {
	user := &models.User{}
	var lastLogin sql.NullTime

	err := row.Scan(
		&user.ID, &user.Username, &user.Email, &user.PasswordHash,
		&user.Active, &lastLogin, &user.CreatedAt, &user.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan user: %w", err)
	}
	if lastLogin.Valid {
		user.LastLogin = &lastLogin.Time
	}
	return user, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation
}

// nullString converts an empty string to a NULL-able value for inserts
func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

var _ saml.AccountStore = (*UserRepository)(nil)
