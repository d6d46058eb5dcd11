package masterdata

import (
	"context"
	"errors"
	"time"
)

// Site groups devices under one permission scope.
type Site struct {
	ID        string
	Name      string
	Address   string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Validate checks site invariants.
func (s Site) Validate() error {
	if s.ID == "" {
		return errors.New("site: empty id")
	}
	if s.Name == "" {
		return errors.New("site: empty name")
	}
	return nil
}

// SiteRepository manages site persistence.
type SiteRepository interface {
	Get(ctx context.Context, id string) (*Site, error)
	Save(ctx context.Context, site *Site) error
}
