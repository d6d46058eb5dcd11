package rediscache

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	alarms "sensorguard-cloud/internal/alarms/domain"
)

type countingLoader struct {
	calls atomic.Int32
	rules []alarms.ConditionRule
}

func (l *countingLoader) ListRules(context.Context, string, string) ([]alarms.ConditionRule, error) {
	l.calls.Add(1)
	return l.rules, nil
}

func setupCache(t *testing.T) (*miniredis.Miniredis, *countingLoader, *RuleCache) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	loader := &countingLoader{rules: []alarms.ConditionRule{
		{ID: "warn", ObjectID: "TH", FieldKey: "Temperature", Level: alarms.LevelWarning, Active: true, Order: 1,
			Shape: alarms.SingleShape{Operator: alarms.OperatorGreaterOrEqual, Threshold: 40}},
		{ID: "smoke", ObjectID: "TH", FieldKey: "Temperature", Level: alarms.LevelDanger, Active: true, Order: 2,
			Shape: alarms.BooleanShape{Expected: true}},
	}}
	cache, err := NewRuleCache(client, loader, WithTTL(30*time.Second))
	require.NoError(t, err)
	return mr, loader, cache
}

func TestRuleCache_LoadsOnceAndRebuildsShapes(t *testing.T) {
	mr, loader, cache := setupCache(t)
	ctx := context.Background()

	first, err := cache.ListRules(ctx, "TH", "Temperature")
	require.NoError(t, err)
	second, err := cache.ListRules(ctx, "TH", "temperature")
	require.NoError(t, err)

	assert.Equal(t, int32(1), loader.calls.Load())
	require.Len(t, second, len(first))
	assert.Equal(t, first[0].Shape, second[0].Shape)
	assert.Equal(t, first[0].ID, second[0].ID)
	assert.Equal(t, alarms.BooleanShape{Expected: true}, second[1].Shape)
	assert.True(t, mr.Exists("sensorguard:rules:TH:temperature"))
	assert.Equal(t, 30*time.Second, mr.TTL("sensorguard:rules:TH:temperature"))

	mr.FastForward(31 * time.Second)
	_, err = cache.ListRules(ctx, "TH", "Temperature")
	require.NoError(t, err)
	assert.Equal(t, int32(2), loader.calls.Load())
}

func TestRuleCache_Invalidate(t *testing.T) {
	mr, loader, cache := setupCache(t)
	ctx := context.Background()

	for _, field := range []string{"Temperature", "Humidity"} {
		_, err := cache.ListRules(ctx, "TH", field)
		require.NoError(t, err)
	}
	_, err := cache.ListRules(ctx, "GAS", "CO")
	require.NoError(t, err)

	removed, err := cache.Invalidate(ctx, "TH")
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
	assert.True(t, mr.Exists("sensorguard:rules:GAS:co"))

	removed, err = cache.Invalidate(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = cache.ListRules(ctx, "TH", "Temperature")
	require.NoError(t, err)
	assert.Equal(t, int32(4), loader.calls.Load())
}

func TestRuleCache_FallsBackWhenRedisDown(t *testing.T) {
	mr, loader, cache := setupCache(t)
	mr.Close()

	rules, err := cache.ListRules(context.Background(), "TH", "Temperature")
	require.NoError(t, err)
	assert.Len(t, rules, 2)
	assert.Equal(t, int32(1), loader.calls.Load())
}

func TestRuleCache_CorruptEntryReloads(t *testing.T) {
	mr, loader, cache := setupCache(t)
	require.NoError(t, mr.Set("sensorguard:rules:TH:temperature", "{not json"))

	rules, err := cache.ListRules(context.Background(), "TH", "Temperature")
	require.NoError(t, err)
	assert.Len(t, rules, 2)
	assert.Equal(t, int32(1), loader.calls.Load())
}
