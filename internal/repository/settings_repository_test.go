package repository

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jbenholt/drupal-samlauth/internal/db"
)

func newMockSettingsRepo(t *testing.T) (*SettingsRepository, sqlmock.Sqlmock) {
	t.Helper()

	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })

	return NewSettingsRepository(&db.DB{DB: mockDB}), mock
}

func TestGetIdPSettingsRebuildsTypes(t *testing.T) {
	repo, mock := newMockSettingsRepo(t)

	mock.ExpectQuery(`SELECT key, value, value_type FROM saml_idp_settings WHERE idp_id = \$1`).
		WithArgs("test-idp").
		WillReturnRows(sqlmock.NewRows([]string{"key", "value", "value_type"}).
			AddRow("idp_entity_id", "https://idp.example.com", "string").
			AddRow("provision_accounts", "true", "bool").
			AddRow("require_signed_messages", "false", "bool"))

	settings, err := repo.GetIdPSettings(context.Background(), "test-idp")
	require.NoError(t, err)
	assert.Equal(t, "https://idp.example.com", settings["idp_entity_id"])
	assert.Equal(t, true, settings["provision_accounts"])
	assert.Equal(t, false, settings["require_signed_messages"])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetIdPSettingsAbsentIsNil(t *testing.T) {
	repo, mock := newMockSettingsRepo(t)

	mock.ExpectQuery(`SELECT key, value, value_type FROM saml_idp_settings WHERE idp_id = \$1`).
		WithArgs("unknown-idp").
		WillReturnRows(sqlmock.NewRows([]string{"key", "value", "value_type"}))

	settings, err := repo.GetIdPSettings(context.Background(), "unknown-idp")
	require.NoError(t, err)
	assert.Nil(t, settings, "no rows means no record, not an empty one")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveIdPSettingsUpserts(t *testing.T) {
	repo, mock := newMockSettingsRepo(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO saml_idp_settings`).
		WithArgs("test-idp", "idp_sso_url", "https://idp.example.com/sso", "string").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := repo.SaveIdPSettings(context.Background(), "test-idp", map[string]interface{}{
		"idp_sso_url": "https://idp.example.com/sso",
		"ignored":     42,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteIdPSettings(t *testing.T) {
	repo, mock := newMockSettingsRepo(t)

	mock.ExpectExec(`DELETE FROM saml_idp_settings WHERE idp_id = \$1`).
		WithArgs("test-idp").
		WillReturnResult(sqlmock.NewResult(0, 3))

	require.NoError(t, repo.DeleteIdPSettings(context.Background(), "test-idp"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListIdPIDs(t *testing.T) {
	repo, mock := newMockSettingsRepo(t)

	mock.ExpectQuery(`SELECT DISTINCT idp_id FROM saml_idp_settings ORDER BY idp_id`).
		WillReturnRows(sqlmock.NewRows([]string{"idp_id"}).
			AddRow("idp-a").
			AddRow("idp-b"))

	ids, err := repo.ListIdPIDs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"idp-a", "idp-b"}, ids)
	require.NoError(t, mock.ExpectationsWereMet())
}
