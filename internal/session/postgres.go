package session

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jbenholt/drupal-samlauth/internal/db"
)

// PostgresStore keeps session values in the session_values table so they
// survive restarts and are shared across server instances. Take relies on
// DELETE ... RETURNING, which serializes same-session races inside the
// database: only one caller gets the row.
type PostgresStore struct {
	db *db.DB
}

// NewPostgresStore creates a database-backed session store
func NewPostgresStore(database *db.DB) *PostgresStore {
	return &PostgresStore{db: database}
}

func (s *PostgresStore) Get(ctx context.Context, sessionID, key string) (string, bool, error) {
	var value string
	query := `SELECT value FROM session_values WHERE session_id = $1 AND key = $2`
	err := s.db.QueryRowContext(ctx, query, sessionID, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get session value: %w", err)
	}
	return value, true, nil
}

func (s *PostgresStore) Set(ctx context.Context, sessionID, key, value string) error {
	query := `
		INSERT INTO session_values (session_id, key, value, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (session_id, key) DO UPDATE
		SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at
	`
	_, err := s.db.ExecContext(ctx, query, sessionID, key, value, time.Now())
	if err != nil {
		return fmt.Errorf("failed to set session value: %w", err)
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, sessionID, key string) error {
	query := `DELETE FROM session_values WHERE session_id = $1 AND key = $2`
	_, err := s.db.ExecContext(ctx, query, sessionID, key)
	if err != nil {
		return fmt.Errorf("failed to delete session value: %w", err)
	}
	return nil
}

func (s *PostgresStore) Take(ctx context.Context, sessionID, key string) (string, bool, error) {
	var value string
	query := `DELETE FROM session_values WHERE session_id = $1 AND key = $2 RETURNING value`
	err := s.db.QueryRowContext(ctx, query, sessionID, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to take session value: %w", err)
	}
	return value, true, nil
}

// PurgeOlderThan removes session values last written before the cutoff
func (s *PostgresStore) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	query := `DELETE FROM session_values WHERE updated_at < $1`
	result, err := s.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge session values: %w", err)
	}
	purged, _ := result.RowsAffected()
	return int(purged), nil
}
