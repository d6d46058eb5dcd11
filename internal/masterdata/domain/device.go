package masterdata

import (
	"context"
	"errors"
	"time"
)

// Device is a field sensor installed at a site.
type Device struct {
	ID        string
	SiteID    string
	ObjectID  string
	Name      string
	Latitude  float64
	Longitude float64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Validate checks device invariants.
func (d Device) Validate() error {
	if d.ID == "" {
		return errors.New("device: empty id")
	}
	if d.SiteID == "" {
		return errors.New("device: empty site id")
	}
	if d.ObjectID == "" {
		return errors.New("device: empty object id")
	}
	return nil
}

// DeviceRepository manages device persistence.
type DeviceRepository interface {
	Get(ctx context.Context, id string) (*Device, error)
	ListBySite(ctx context.Context, siteID string) ([]Device, error)
	Save(ctx context.Context, device *Device) error
}
