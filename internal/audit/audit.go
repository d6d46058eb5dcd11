package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Actions recorded for event records.
const (
	ActionEventAcknowledge = "event.acknowledge"
	ActionEventComplete    = "event.complete"
	ActionRuleCacheFlush   = "rules.cache.invalidate"
)

// ResourceEventRecord identifies event records in audit entries.
const ResourceEventRecord = "event_record"

// Entry represents an audit log entry.
type Entry struct {
	ID            string
	Actor         string
	Role          string
	Action        string
	ResourceType  string
	ResourceID    string
	SiteID        string
	Metadata      json.RawMessage
	PayloadDigest string
	IP            string
	UserAgent     string
	CreatedAt     time.Time
}

// Logger writes audit entries.
type Logger interface {
	Log(ctx context.Context, entry Entry) error
}

// NewID generates an audit id.
func NewID() string {
	return "audit-" + uuid.NewString()
}

// DigestJSON computes a SHA256 hex digest for metadata payloads.
func DigestJSON(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
