package rediscache

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	alarms "sensorguard-cloud/internal/alarms/domain"
)

const (
	defaultKeyPrefix = "sensorguard:rules:"
	defaultTTL       = time.Minute
	scanBatch        = 200
)

// RuleLoader is the authoritative rule store behind the cache.
type RuleLoader interface {
	ListRules(ctx context.Context, objectID, fieldKey string) ([]alarms.ConditionRule, error)
}

// RuleCache fronts a RuleLoader with Redis. Cache failures fall through to
// the loader.
type RuleCache struct {
	client *redis.Client
	loader RuleLoader
	prefix string
	ttl    time.Duration
	logger *zap.Logger
}

// Option configures the cache.
type Option func(*RuleCache)

// WithTTL sets how long a condition group stays cached.
func WithTTL(ttl time.Duration) Option {
	return func(c *RuleCache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithKeyPrefix overrides the key namespace.
func WithKeyPrefix(prefix string) Option {
	return func(c *RuleCache) {
		if prefix != "" {
			c.prefix = prefix
		}
	}
}

// WithLogger assigns a logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *RuleCache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewRuleCache constructs a cache.
func NewRuleCache(client *redis.Client, loader RuleLoader, opts ...Option) (*RuleCache, error) {
	if client == nil {
		return nil, errors.New("rule cache: nil redis client")
	}
	if loader == nil {
		return nil, errors.New("rule cache: nil loader")
	}
	c := &RuleCache{
		client: client,
		loader: loader,
		prefix: defaultKeyPrefix,
		ttl:    defaultTTL,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type cachedRule struct {
	ID            string           `json:"id"`
	ObjectID      string           `json:"object_id"`
	FieldKey      string           `json:"field_key"`
	Level         alarms.Level     `json:"level"`
	Shape         alarms.ShapeSpec `json:"shape"`
	Active        bool             `json:"active"`
	NotifyEnabled bool             `json:"notify_enabled"`
	Order         int              `json:"order"`
	GuideMessage  string           `json:"guide_message,omitempty"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// ListRules serves the condition group from Redis, loading it on a miss.
func (c *RuleCache) ListRules(ctx context.Context, objectID, fieldKey string) ([]alarms.ConditionRule, error) {
	key := c.key(objectID, fieldKey)
	raw, err := c.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		rules, decodeErr := decodeRules(raw)
		if decodeErr == nil {
			return rules, nil
		}
		c.logger.Warn("rule cache entry unreadable, reloading", zap.String("key", key), zap.Error(decodeErr))
	case errors.Is(err, redis.Nil):
	default:
		c.logger.Warn("rule cache read failed", zap.String("key", key), zap.Error(err))
	}

	rules, err := c.loader.ListRules(ctx, objectID, fieldKey)
	if err != nil {
		return nil, err
	}
	payload, err := encodeRules(rules)
	if err != nil {
		return rules, nil
	}
	if err := c.client.Set(ctx, key, payload, c.ttl).Err(); err != nil {
		c.logger.Warn("rule cache write failed", zap.String("key", key), zap.Error(err))
	}
	return rules, nil
}

// Invalidate drops cached groups for one device type, or all groups when
// objectID is empty. It returns the number of keys removed.
func (c *RuleCache) Invalidate(ctx context.Context, objectID string) (int, error) {
	pattern := c.prefix + "*"
	if objectID != "" {
		pattern = c.prefix + objectID + ":*"
	}
	var removed int
	var cursor uint64
	for {
		keys, next, err := c.client.Scan(ctx, cursor, pattern, scanBatch).Result()
		if err != nil {
			return removed, err
		}
		if len(keys) > 0 {
			n, err := c.client.Del(ctx, keys...).Result()
			if err != nil {
				return removed, err
			}
			removed += int(n)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	c.logger.Info("rule cache invalidated", zap.String("object_id", objectID), zap.Int("keys", removed))
	return removed, nil
}

func (c *RuleCache) key(objectID, fieldKey string) string {
	return c.prefix + objectID + ":" + strings.ToLower(fieldKey)
}

func encodeRules(rules []alarms.ConditionRule) ([]byte, error) {
	cached := make([]cachedRule, 0, len(rules))
	for _, rule := range rules {
		cached = append(cached, cachedRule{
			ID:            rule.ID,
			ObjectID:      rule.ObjectID,
			FieldKey:      rule.FieldKey,
			Level:         rule.Level,
			Shape:         alarms.SpecOf(rule.Shape),
			Active:        rule.Active,
			NotifyEnabled: rule.NotifyEnabled,
			Order:         rule.Order,
			GuideMessage:  rule.GuideMessage,
			UpdatedAt:     rule.UpdatedAt,
		})
	}
	return json.Marshal(cached)
}

func decodeRules(raw []byte) ([]alarms.ConditionRule, error) {
	var cached []cachedRule
	if err := json.Unmarshal(raw, &cached); err != nil {
		return nil, err
	}
	rules := make([]alarms.ConditionRule, 0, len(cached))
	for _, c := range cached {
		rules = append(rules, alarms.ConditionRule{
			ID:            c.ID,
			ObjectID:      c.ObjectID,
			FieldKey:      c.FieldKey,
			Level:         c.Level,
			Shape:         c.Shape.Shape(),
			Active:        c.Active,
			NotifyEnabled: c.NotifyEnabled,
			Order:         c.Order,
			GuideMessage:  c.GuideMessage,
			UpdatedAt:     c.UpdatedAt,
		})
	}
	return rules, nil
}
