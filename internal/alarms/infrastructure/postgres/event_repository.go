package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	alarms "sensorguard-cloud/internal/alarms/domain"
	telemetry "sensorguard-cloud/internal/telemetry/domain"
)

const defaultEventsTable = "event_records"

const eventColumns = `id, device_id, object_id, site_id, field_key, value_kind, value, unit,
	snapshot, rule_id, level, status, guide_message, occurred_at, updated_at, updated_by,
	completed_at, version`

const (
	valueKindNumber = "number"
	valueKindBool   = "bool"
)

// EventRepository persists event records. At most one non-COMPLETED row per
// (device_id, field_key) is enforced by a partial unique index.
type EventRepository struct {
	db    DBTX
	table string
}

// EventOption configures the repository.
type EventOption func(*EventRepository)

// WithEventTable overrides the default table name.
func WithEventTable(table string) EventOption {
	return func(r *EventRepository) {
		if table != "" {
			r.table = table
		}
	}
}

// NewEventRepository constructs a repository.
func NewEventRepository(db DBTX, opts ...EventOption) *EventRepository {
	repo := &EventRepository{db: db, table: defaultEventsTable}
	for _, opt := range opts {
		opt(repo)
	}
	return repo
}

// FindOpen returns the non-completed record for a device field, if any.
func (r *EventRepository) FindOpen(ctx context.Context, deviceID, fieldKey string) (*alarms.EventRecord, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("event repo: nil db")
	}
	if deviceID == "" || fieldKey == "" {
		return nil, errors.New("event repo: invalid query")
	}
	query := fmt.Sprintf(`
SELECT %s
FROM %s
WHERE device_id = $1 AND field_key = $2 AND status <> $3
ORDER BY occurred_at DESC
LIMIT 1`, eventColumns, r.table)
	rec, err := scanEvent(r.db.QueryRowContext(ctx, query, deviceID, fieldKey, string(alarms.StatusCompleted)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}

// Get loads a record by id.
func (r *EventRepository) Get(ctx context.Context, id string) (*alarms.EventRecord, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("event repo: nil db")
	}
	query := fmt.Sprintf(`
SELECT %s
FROM %s
WHERE id = $1`, eventColumns, r.table)
	rec, err := scanEvent(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}

// Create inserts a record with version 1.
func (r *EventRepository) Create(ctx context.Context, rec *alarms.EventRecord) error {
	if r == nil || r.db == nil {
		return errors.New("event repo: nil db")
	}
	if rec == nil {
		return errors.New("event repo: nil record")
	}
	if rec.ID == "" || rec.DeviceID == "" || rec.FieldKey == "" {
		return errors.New("event repo: missing fields")
	}
	snapshot, err := json.Marshal(rec.Snapshot)
	if err != nil {
		return fmt.Errorf("event repo: encode snapshot: %w", err)
	}
	kind, value := encodeValue(rec.Value)

	query := fmt.Sprintf(`
INSERT INTO %s (
	id, device_id, object_id, site_id, field_key, value_kind, value, unit,
	snapshot, rule_id, level, status, guide_message, occurred_at, updated_at, updated_by,
	completed_at, version
) VALUES (
	$1, $2, $3, $4, $5, $6, $7, $8,
	$9, $10, $11, $12, $13, $14, $15, $16,
	$17, 1
)`, r.table)
	_, err = r.db.ExecContext(ctx, query,
		rec.ID,
		rec.DeviceID,
		rec.ObjectID,
		rec.SiteID,
		rec.FieldKey,
		kind,
		value,
		rec.Unit,
		snapshot,
		rec.RuleID,
		string(rec.Level),
		string(rec.Status),
		rec.GuideMessage,
		rec.OccurredAt.UTC(),
		rec.UpdatedAt.UTC(),
		rec.UpdatedBy,
		nullableTime(rec.CompletedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("event repo: open record exists for %s: %w", rec.Key(), alarms.ErrConcurrencyConflict)
		}
		return err
	}
	rec.Version = 1
	return nil
}

// Update writes rec if the stored version still equals rec.Version.
func (r *EventRepository) Update(ctx context.Context, rec *alarms.EventRecord) error {
	if r == nil || r.db == nil {
		return errors.New("event repo: nil db")
	}
	if rec == nil || rec.ID == "" {
		return errors.New("event repo: nil record")
	}
	snapshot, err := json.Marshal(rec.Snapshot)
	if err != nil {
		return fmt.Errorf("event repo: encode snapshot: %w", err)
	}
	kind, value := encodeValue(rec.Value)

	query := fmt.Sprintf(`
UPDATE %s
SET value_kind = $1, value = $2, unit = $3, snapshot = $4, rule_id = $5, level = $6,
	status = $7, guide_message = $8, updated_at = $9, updated_by = $10, completed_at = $11,
	version = version + 1
WHERE id = $12 AND version = $13`, r.table)
	res, err := r.db.ExecContext(ctx, query,
		kind,
		value,
		rec.Unit,
		snapshot,
		rec.RuleID,
		string(rec.Level),
		string(rec.Status),
		rec.GuideMessage,
		rec.UpdatedAt.UTC(),
		rec.UpdatedBy,
		nullableTime(rec.CompletedAt),
		rec.ID,
		rec.Version,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("event repo: %s: %w", rec.ID, alarms.ErrConcurrencyConflict)
		}
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("event repo: %s version %d is stale: %w", rec.ID, rec.Version, alarms.ErrConcurrencyConflict)
	}
	rec.Version++
	return nil
}

// List returns records matching filter, newest first.
func (r *EventRepository) List(ctx context.Context, filter alarms.EventFilter) ([]alarms.EventRecord, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("event repo: nil db")
	}
	var where []string
	var args []any
	add := func(cond string, arg any) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if filter.DeviceID != "" {
		add("device_id = $%d", filter.DeviceID)
	}
	if filter.SiteID != "" {
		add("site_id = $%d", filter.SiteID)
	}
	if filter.Status != "" {
		add("status = $%d", string(filter.Status))
	}
	if !filter.From.IsZero() {
		add("occurred_at >= $%d", filter.From.UTC())
	}
	if !filter.To.IsZero() {
		add("occurred_at < $%d", filter.To.UTC())
	}

	query := fmt.Sprintf("SELECT %s\nFROM %s", eventColumns, r.table)
	if len(where) > 0 {
		query += "\nWHERE " + strings.Join(where, " AND ")
	}
	query += "\nORDER BY occurred_at DESC, id"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf("\nLIMIT $%d", len(args))
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []alarms.EventRecord
	for rows.Next() {
		rec, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func scanEvent(row rowScanner) (*alarms.EventRecord, error) {
	var rec alarms.EventRecord
	var kind string
	var value float64
	var snapshot []byte
	var level, status string
	var completedAt sql.NullTime
	if err := row.Scan(
		&rec.ID,
		&rec.DeviceID,
		&rec.ObjectID,
		&rec.SiteID,
		&rec.FieldKey,
		&kind,
		&value,
		&rec.Unit,
		&snapshot,
		&rec.RuleID,
		&level,
		&status,
		&rec.GuideMessage,
		&rec.OccurredAt,
		&rec.UpdatedAt,
		&rec.UpdatedBy,
		&completedAt,
		&rec.Version,
	); err != nil {
		return nil, err
	}
	rec.Value = decodeValue(kind, value)
	rec.Level = alarms.Level(level)
	rec.Status = alarms.Status(status)
	if len(snapshot) > 0 {
		if err := json.Unmarshal(snapshot, &rec.Snapshot); err != nil {
			return nil, fmt.Errorf("event repo: decode snapshot %s: %w", rec.ID, err)
		}
	}
	rec.OccurredAt = rec.OccurredAt.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	if completedAt.Valid {
		rec.CompletedAt = completedAt.Time.UTC()
	}
	return &rec, nil
}

func encodeValue(v telemetry.Value) (string, float64) {
	if v.Kind == telemetry.ValueBool {
		return valueKindBool, v.Float()
	}
	return valueKindNumber, v.Number
}

func decodeValue(kind string, value float64) telemetry.Value {
	if kind == valueKindBool {
		return telemetry.BoolValue(value != 0)
	}
	return telemetry.NumberValue(value)
}
