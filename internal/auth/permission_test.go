package auth

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPermissionRepository_ResolveAuthorizedUsers(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(`SELECT DISTINCT user_id\s+FROM user_resource_permissions`).
		WithArgs(ResourceSite, "site-1").
		WillReturnRows(sqlmock.NewRows([]string{"user_id"}).AddRow("u1").AddRow("u2"))

	repo := NewPermissionRepository(db)
	users, err := repo.ResolveAuthorizedUsers(context.Background(), ResourceSite, "site-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"u1", "u2"}, users)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPermissionRepository_CanReadSite(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs(ResourceSite, "site-1", "u1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	repo := NewPermissionRepository(db)
	ok, err := repo.CanReadSite(context.Background(), "u1", "site-1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.CanReadSite(context.Background(), "", "site-1")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}
