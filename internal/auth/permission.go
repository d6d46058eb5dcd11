package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ResourceSite is the resource type alarms are scoped to.
const ResourceSite = "site"

const defaultPermissionsTable = "user_resource_permissions"

// PermissionResolver answers which users may read a resource.
type PermissionResolver interface {
	ResolveAuthorizedUsers(ctx context.Context, resourceType, resourceID string) ([]string, error)
}

// SiteAccessChecker verifies a single user's access to a site.
type SiteAccessChecker interface {
	CanReadSite(ctx context.Context, userID, siteID string) (bool, error)
}

// PermissionRepository reads grants from Postgres.
type PermissionRepository struct {
	db    *sql.DB
	table string
}

// NewPermissionRepository constructs a PermissionRepository.
func NewPermissionRepository(db *sql.DB) *PermissionRepository {
	if db == nil {
		return nil
	}
	return &PermissionRepository{db: db, table: defaultPermissionsTable}
}

// ResolveAuthorizedUsers returns users holding a read grant, ordered by id.
func (r *PermissionRepository) ResolveAuthorizedUsers(ctx context.Context, resourceType, resourceID string) ([]string, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("permission repo: nil db")
	}
	if resourceType == "" || resourceID == "" {
		return nil, errors.New("permission repo: empty resource")
	}
	query := fmt.Sprintf(`
SELECT DISTINCT user_id
FROM %s
WHERE resource_type = $1 AND resource_id = $2 AND can_read
ORDER BY user_id ASC`, r.table)

	rows, err := r.db.QueryContext(ctx, query, resourceType, resourceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, err
		}
		users = append(users, userID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

// CanReadSite reports whether the user holds a read grant on the site.
func (r *PermissionRepository) CanReadSite(ctx context.Context, userID, siteID string) (bool, error) {
	if r == nil || r.db == nil {
		return false, errors.New("permission repo: nil db")
	}
	if userID == "" || siteID == "" {
		return false, nil
	}
	query := fmt.Sprintf(`
SELECT EXISTS (
	SELECT 1 FROM %s
	WHERE resource_type = $1 AND resource_id = $2 AND user_id = $3 AND can_read
)`, r.table)

	var ok bool
	if err := r.db.QueryRowContext(ctx, query, ResourceSite, siteID, userID).Scan(&ok); err != nil {
		return false, err
	}
	return ok, nil
}
