package repository

import (
	"context"
	"fmt"
	"strconv"

	"github.com/jbenholt/drupal-samlauth/internal/db"
	"github.com/jbenholt/drupal-samlauth/internal/saml"
)

// SettingsRepository persists per-IdP SAML settings as key-value rows in
// saml_idp_settings. Values are stored as text with a type discriminator;
// reads rebuild the string/bool map the resolver merges over the defaults.
type SettingsRepository struct {
	db *db.DB
}

// NewSettingsRepository creates a new settings repository
func NewSettingsRepository(db *db.DB) *SettingsRepository {
	return &SettingsRepository{db: db}
}

// GetIdPSettings returns the stored settings map for an IdP, or nil when
// no rows exist for it.
func (r *SettingsRepository) GetIdPSettings(ctx context.Context, idpID string) (map[string]interface{}, error) {
	query := `
		SELECT key, value, value_type
		FROM saml_idp_settings
		WHERE idp_id = $1
	`
	rows, err := r.db.QueryContext(ctx, query, idpID)
	if err != nil {
		return nil, fmt.Errorf("failed to query settings for IdP %s: %w", idpID, err)
	}
	defer rows.Close()

	var settings map[string]interface{}
	for rows.Next() {
		var key, value, valueType string
		if err := rows.Scan(&key, &value, &valueType); err != nil {
			return nil, fmt.Errorf("failed to scan settings row: %w", err)
		}
		if settings == nil {
			settings = make(map[string]interface{})
		}
		switch valueType {
		case "bool":
			settings[key] = value == "true"
		default:
			settings[key] = value
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate settings rows: %w", err)
	}
	return settings, nil
}

// SaveIdPSettings upserts the given settings map for an IdP in one
// transaction. Only string and bool values are persisted; anything else is
// skipped.
func (r *SettingsRepository) SaveIdPSettings(ctx context.Context, idpID string, settings map[string]interface{}) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
		INSERT INTO saml_idp_settings (idp_id, key, value, value_type, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (idp_id, key)
		DO UPDATE SET value = EXCLUDED.value, value_type = EXCLUDED.value_type, updated_at = NOW()
	`
	for key, raw := range settings {
		var value, valueType string
		switch v := raw.(type) {
		case string:
			value, valueType = v, "string"
		case bool:
			value, valueType = strconv.FormatBool(v), "bool"
		default:
			continue
		}
		if _, err := tx.ExecContext(ctx, query, idpID, key, value, valueType); err != nil {
			return fmt.Errorf("failed to save setting %s for IdP %s: %w", key, idpID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit settings: %w", err)
	}
	return nil
}

// DeleteIdPSettings removes every stored setting for an IdP
func (r *SettingsRepository) DeleteIdPSettings(ctx context.Context, idpID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM saml_idp_settings WHERE idp_id = $1`, idpID)
	if err != nil {
		return fmt.Errorf("failed to delete settings for IdP %s: %w", idpID, err)
	}
	return nil
}

// ListIdPIDs returns the ids of every IdP with stored settings
func (r *SettingsRepository) ListIdPIDs(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT DISTINCT idp_id FROM saml_idp_settings ORDER BY idp_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list IdP ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan IdP id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate IdP ids: %w", err)
	}
	return ids, nil
}

var _ saml.SettingsStore = (*SettingsRepository)(nil)
