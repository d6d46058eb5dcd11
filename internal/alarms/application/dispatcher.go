package application

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"sensorguard-cloud/internal/auth"
	"sensorguard-cloud/internal/observability/metrics"
	"sensorguard-cloud/internal/sessions"
)

const (
	defaultSendTimeout       = 3 * time.Second
	defaultPermissionTimeout = 2 * time.Second
)

// SessionLookup returns a user's live connections.
type SessionLookup interface {
	Lookup(userID string) []sessions.Connection
}

// Dispatcher fans visible alarm transitions out to authorized live sessions.
type Dispatcher struct {
	sessions          SessionLookup
	permissions       auth.PermissionResolver
	logger            *zap.Logger
	sendTimeout       time.Duration
	permissionTimeout time.Duration
}

// DispatcherOption configures the dispatcher.
type DispatcherOption func(*Dispatcher)

// WithSendTimeout bounds each connection send.
func WithSendTimeout(timeout time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.sendTimeout = timeout
		}
	}
}

// WithPermissionTimeout bounds the audience lookup.
func WithPermissionTimeout(timeout time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.permissionTimeout = timeout
		}
	}
}

// WithDispatcherLogger assigns a logger.
func WithDispatcherLogger(logger *zap.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// NewDispatcher constructs a dispatcher.
func NewDispatcher(lookup SessionLookup, permissions auth.PermissionResolver, opts ...DispatcherOption) (*Dispatcher, error) {
	if lookup == nil {
		return nil, errors.New("alarms: nil session lookup")
	}
	if permissions == nil {
		return nil, errors.New("alarms: nil permission resolver")
	}
	d := &Dispatcher{
		sessions:          lookup,
		permissions:       permissions,
		logger:            zap.NewNop(),
		sendTimeout:       defaultSendTimeout,
		permissionTimeout: defaultPermissionTimeout,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Notify implements AlarmNotifier.
func (d *Dispatcher) Notify(ctx context.Context, outcome Outcome) {
	_, _ = d.Dispatch(ctx, outcome)
}

// Dispatch delivers a created or level-changed outcome to every live session
// of every user allowed to read the record's site. It returns the number of
// sessions that accepted the message.
func (d *Dispatcher) Dispatch(ctx context.Context, outcome Outcome) (int, error) {
	if d == nil {
		return 0, errors.New("alarms: nil dispatcher")
	}
	if !outcome.Visible() || !outcome.NotifyEnabled {
		return 0, nil
	}
	rec := outcome.Record
	if rec.SiteID == "" {
		d.logger.Warn("alarm has no site, nobody to notify", zap.String("event_id", rec.ID), zap.String("device_id", rec.DeviceID))
		return 0, nil
	}
	start := time.Now()

	permCtx, cancel := context.WithTimeout(ctx, d.permissionTimeout)
	users, err := d.permissions.ResolveAuthorizedUsers(permCtx, auth.ResourceSite, rec.SiteID)
	cancel()
	if err != nil {
		d.logger.Error("resolve alarm audience failed",
			zap.String("event_id", rec.ID), zap.String("site_id", rec.SiteID), zap.Error(err))
		return 0, fmt.Errorf("alarms: resolve audience: %w", err)
	}

	payload, err := json.Marshal(NewAlarmMessage(outcome))
	if err != nil {
		return 0, err
	}

	seen := make(map[string]struct{}, len(users))
	var conns []sessions.Connection
	for _, userID := range users {
		if _, dup := seen[userID]; dup {
			continue
		}
		seen[userID] = struct{}{}
		conns = append(conns, d.sessions.Lookup(userID)...)
	}

	var delivered atomic.Int64
	var wg sync.WaitGroup
	for _, conn := range conns {
		wg.Add(1)
		go func(conn sessions.Connection) {
			defer wg.Done()
			sendCtx, cancel := context.WithTimeout(ctx, d.sendTimeout)
			defer cancel()
			if err := conn.Send(sendCtx, payload); err != nil {
				d.logger.Warn("alarm delivery failed",
					zap.String("event_id", rec.ID), zap.String("conn_id", conn.ID()), zap.Error(err))
				return
			}
			delivered.Add(1)
		}(conn)
	}
	wg.Wait()

	count := int(delivered.Load())
	metrics.ObserveDispatch(count, len(conns)-count, time.Since(start))
	d.logger.Debug("alarm dispatched",
		zap.String("event_id", rec.ID),
		zap.String("level", string(rec.Level)),
		zap.Int("users", len(seen)),
		zap.Int("delivered", count),
		zap.Int("failed", len(conns)-count))
	return count, nil
}
