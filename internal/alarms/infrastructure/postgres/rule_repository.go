package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	alarms "sensorguard-cloud/internal/alarms/domain"
)

const defaultRulesTable = "condition_rules"

const ruleColumns = `id, object_id, field_key, level, shape, active, notify_enabled, sort_order,
	guide_message, updated_at`

// RuleRepository is a Postgres repository for condition rules.
type RuleRepository struct {
	db    DBTX
	table string
}

// RuleOption configures the repository.
type RuleOption func(*RuleRepository)

// WithRuleTable overrides the default table name.
func WithRuleTable(table string) RuleOption {
	return func(r *RuleRepository) {
		if table != "" {
			r.table = table
		}
	}
}

// NewRuleRepository constructs a repository.
func NewRuleRepository(db DBTX, opts ...RuleOption) *RuleRepository {
	repo := &RuleRepository{db: db, table: defaultRulesTable}
	for _, opt := range opts {
		opt(repo)
	}
	return repo
}

// ListRules returns the active condition group for a device type and field.
// Rows whose shape cannot be rebuilt are returned with a nil Shape so the
// evaluator reports them.
func (r *RuleRepository) ListRules(ctx context.Context, objectID, fieldKey string) ([]alarms.ConditionRule, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("rule repo: nil db")
	}
	if objectID == "" || fieldKey == "" {
		return nil, errors.New("rule repo: invalid query")
	}
	query := fmt.Sprintf(`
SELECT %s
FROM %s
WHERE object_id = $1 AND lower(field_key) = $2 AND active = TRUE
ORDER BY sort_order ASC, id ASC`, ruleColumns, r.table)
	rows, err := r.db.QueryContext(ctx, query, objectID, strings.ToLower(fieldKey))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []alarms.ConditionRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *rule)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// Get loads a rule by id.
func (r *RuleRepository) Get(ctx context.Context, id string) (*alarms.ConditionRule, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("rule repo: nil db")
	}
	query := fmt.Sprintf(`
SELECT %s
FROM %s
WHERE id = $1
LIMIT 1`, ruleColumns, r.table)
	rule, err := scanRule(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return rule, err
}

// Save inserts or replaces a rule after validating it.
func (r *RuleRepository) Save(ctx context.Context, rule *alarms.ConditionRule) error {
	if r == nil || r.db == nil {
		return errors.New("rule repo: nil db")
	}
	if rule == nil {
		return errors.New("rule repo: nil rule")
	}
	if err := rule.Validate(); err != nil {
		return err
	}
	if rule.ObjectID == "" {
		return errors.New("rule repo: missing object id")
	}
	if rule.UpdatedAt.IsZero() {
		rule.UpdatedAt = time.Now().UTC()
	}
	shape, err := json.Marshal(alarms.SpecOf(rule.Shape))
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	id, object_id, field_key, level, shape, active, notify_enabled, sort_order,
	guide_message, updated_at
) VALUES (
	$1, $2, $3, $4, $5, $6, $7, $8,
	$9, $10
)
ON CONFLICT (id) DO UPDATE SET
	object_id = EXCLUDED.object_id,
	field_key = EXCLUDED.field_key,
	level = EXCLUDED.level,
	shape = EXCLUDED.shape,
	active = EXCLUDED.active,
	notify_enabled = EXCLUDED.notify_enabled,
	sort_order = EXCLUDED.sort_order,
	guide_message = EXCLUDED.guide_message,
	updated_at = EXCLUDED.updated_at`, r.table)
	_, err = r.db.ExecContext(ctx, query,
		rule.ID,
		rule.ObjectID,
		rule.FieldKey,
		string(rule.Level),
		shape,
		rule.Active,
		rule.NotifyEnabled,
		rule.Order,
		rule.GuideMessage,
		rule.UpdatedAt.UTC(),
	)
	return err
}

func scanRule(row rowScanner) (*alarms.ConditionRule, error) {
	var rule alarms.ConditionRule
	var level string
	var shape []byte
	var guide sql.NullString
	if err := row.Scan(
		&rule.ID,
		&rule.ObjectID,
		&rule.FieldKey,
		&level,
		&shape,
		&rule.Active,
		&rule.NotifyEnabled,
		&rule.Order,
		&guide,
		&rule.UpdatedAt,
	); err != nil {
		return nil, err
	}
	rule.Level, _ = alarms.ParseLevel(level)
	rule.GuideMessage = guide.String
	rule.UpdatedAt = rule.UpdatedAt.UTC()
	var spec alarms.ShapeSpec
	if len(shape) > 0 && json.Unmarshal(shape, &spec) == nil {
		rule.Shape = spec.Shape()
	}
	return &rule, nil
}
