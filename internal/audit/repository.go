package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const defaultAuditTable = "audit_logs"

// Repository writes audit logs.
type Repository struct {
	db    *sql.DB
	table string
	now   func() time.Time
}

// NewRepository constructs an audit repository.
func NewRepository(db *sql.DB) *Repository {
	if db == nil {
		return nil
	}
	return &Repository{
		db:    db,
		table: defaultAuditTable,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Log writes an audit entry.
func (r *Repository) Log(ctx context.Context, entry Entry) error {
	if r == nil || r.db == nil {
		return errors.New("audit repo: nil db")
	}
	if entry.Actor == "" || entry.Action == "" {
		return errors.New("audit repo: actor and action required")
	}
	if entry.ID == "" {
		entry.ID = NewID()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = r.now()
	}
	if entry.PayloadDigest == "" {
		entry.PayloadDigest = DigestJSON(entry.Metadata)
	}
	var metadata any
	if len(entry.Metadata) > 0 {
		metadata = []byte(entry.Metadata)
	}

	query := fmt.Sprintf(`
INSERT INTO %s (
	id, actor, role, action, resource_type, resource_id, site_id,
	metadata, payload_digest, ip, user_agent, created_at
) VALUES (
	$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12
)`, r.table)
	_, err := r.db.ExecContext(ctx, query, entry.ID, entry.Actor, entry.Role, entry.Action, entry.ResourceType, entry.ResourceID, entry.SiteID,
		metadata, entry.PayloadDigest, entry.IP, entry.UserAgent, entry.CreatedAt)
	return err
}
