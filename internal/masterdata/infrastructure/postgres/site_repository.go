package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	masterdata "sensorguard-cloud/internal/masterdata/domain"
)

const defaultSitesTable = "sites"

// SiteRepository is a Postgres implementation for sites.
type SiteRepository struct {
	db    DBTX
	table string
}

// NewSiteRepository constructs a repository.
func NewSiteRepository(db DBTX) *SiteRepository {
	return &SiteRepository{db: db, table: defaultSitesTable}
}

// Get loads a site by id.
func (r *SiteRepository) Get(ctx context.Context, id string) (*masterdata.Site, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("site repo: nil db")
	}
	if id == "" {
		return nil, errors.New("site repo: empty id")
	}

	query := fmt.Sprintf(`
SELECT id, name, address, created_at, updated_at
FROM %s
WHERE id = $1
LIMIT 1`, r.table)

	var site masterdata.Site
	if err := r.db.QueryRowContext(ctx, query, id).Scan(
		&site.ID,
		&site.Name,
		&site.Address,
		&site.CreatedAt,
		&site.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	site.CreatedAt = site.CreatedAt.UTC()
	site.UpdatedAt = site.UpdatedAt.UTC()
	return &site, nil
}

// Save upserts a site.
func (r *SiteRepository) Save(ctx context.Context, site *masterdata.Site) error {
	if r == nil || r.db == nil {
		return errors.New("site repo: nil db")
	}
	if site == nil {
		return errors.New("site repo: nil site")
	}
	if err := site.Validate(); err != nil {
		return err
	}

	query := fmt.Sprintf(`
INSERT INTO %s (id, name, address)
VALUES ($1, $2, $3)
ON CONFLICT (id)
DO UPDATE SET
	name = EXCLUDED.name,
	address = EXCLUDED.address,
	updated_at = NOW()`, r.table)

	if _, err := r.db.ExecContext(ctx, query, site.ID, site.Name, site.Address); err != nil {
		return err
	}
	now := time.Now().UTC()
	if site.CreatedAt.IsZero() {
		site.CreatedAt = now
	}
	site.UpdatedAt = now
	return nil
}
