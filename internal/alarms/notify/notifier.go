package notify

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	alarmapp "sensorguard-cloud/internal/alarms/application"
	alarms "sensorguard-cloud/internal/alarms/domain"
	masterdata "sensorguard-cloud/internal/masterdata/domain"
	"sensorguard-cloud/internal/observability/metrics"
)

const sinkWebhook = "webhook"

// SiteReader loads site metadata.
type SiteReader interface {
	Get(ctx context.Context, id string) (*masterdata.Site, error)
}

// EventReader loads event records.
type EventReader interface {
	Get(ctx context.Context, id string) (*alarms.EventRecord, error)
}

// Clock provides time for scheduling.
type Clock interface {
	Now() time.Time
}

// ReportURLResolver provides a report link for an event when available.
type ReportURLResolver func(ctx context.Context, rec alarms.EventRecord, site *masterdata.Site) string

type sendRecord struct {
	at   time.Time
	hash string
}

// Notifier renders lifecycle outcomes through a template onto a channel and
// escalates DANGER events nobody picked up.
type Notifier struct {
	sites          SiteReader
	events         EventReader
	channel        Channel
	template       *Template
	escalation     time.Duration
	clock          Clock
	logger         *zap.Logger
	mu             sync.Mutex
	timers         map[string]*time.Timer
	sent           map[string]sendRecord
	lastPrune      time.Time
	cooldown       time.Duration
	dedupeWindow   time.Duration
	reportURL      ReportURLResolver
	requestTimeout time.Duration
}

// Option configures the notifier.
type Option func(*Notifier)

// WithEscalation configures escalation delay.
func WithEscalation(after time.Duration) Option {
	return func(n *Notifier) {
		if after > 0 {
			n.escalation = after
		}
	}
}

// WithClock overrides the default clock.
func WithClock(clock Clock) Option {
	return func(n *Notifier) {
		if clock != nil {
			n.clock = clock
		}
	}
}

// WithRequestTimeout overrides the default timeout for escalation checks.
func WithRequestTimeout(timeout time.Duration) Option {
	return func(n *Notifier) {
		if timeout > 0 {
			n.requestTimeout = timeout
		}
	}
}

// WithCooldown sets a minimum interval between notifications for the same event and outcome.
func WithCooldown(interval time.Duration) Option {
	return func(n *Notifier) {
		if interval > 0 {
			n.cooldown = interval
		}
	}
}

// WithDedupeWindow suppresses identical notifications within the window.
func WithDedupeWindow(window time.Duration) Option {
	return func(n *Notifier) {
		if window > 0 {
			n.dedupeWindow = window
		}
	}
}

// WithReportURLResolver injects a report link resolver.
func WithReportURLResolver(resolver ReportURLResolver) Option {
	return func(n *Notifier) {
		if resolver != nil {
			n.reportURL = resolver
		}
	}
}

// WithLogger assigns a logger.
func WithLogger(logger *zap.Logger) Option {
	return func(n *Notifier) {
		if logger != nil {
			n.logger = logger
		}
	}
}

// NewNotifier constructs an alarm notifier. sites may be nil.
func NewNotifier(sites SiteReader, events EventReader, channel Channel, template *Template, opts ...Option) (*Notifier, error) {
	if events == nil {
		return nil, errors.New("alarm notifier: nil event reader")
	}
	if channel == nil {
		return nil, errors.New("alarm notifier: nil channel")
	}
	if template == nil {
		defaultTemplate, err := NewTemplate("")
		if err != nil {
			return nil, err
		}
		template = defaultTemplate
	}
	n := &Notifier{
		sites:          sites,
		events:         events,
		channel:        channel,
		template:       template,
		clock:          systemClock{},
		logger:         zap.NewNop(),
		timers:         make(map[string]*time.Timer),
		sent:           make(map[string]sendRecord),
		requestTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n, nil
}

// Notify implements AlarmNotifier. Breach outcomes go out only when they are
// visible and the rule allows notification; operator and clear outcomes
// always go out.
func (n *Notifier) Notify(ctx context.Context, outcome alarmapp.Outcome) {
	if n == nil || n.channel == nil {
		return
	}
	rec := outcome.Record
	switch outcome.Kind {
	case alarmapp.OutcomeCreated, alarmapp.OutcomeUpdated:
		if !outcome.Visible() || !outcome.NotifyEnabled {
			return
		}
		n.dispatch(ctx, eventName(outcome), rec, outcome.Device)
		n.scheduleEscalation(rec)
	case alarmapp.OutcomeCleared, alarmapp.OutcomeAcknowledged, alarmapp.OutcomeCompleted:
		n.cancelEscalation(rec.ID)
		n.dispatch(ctx, string(outcome.Kind), rec, outcome.Device)
	}
}

// Close stops all pending escalation timers.
func (n *Notifier) Close() {
	if n == nil {
		return
	}
	n.mu.Lock()
	timers := n.timers
	n.timers = make(map[string]*time.Timer)
	n.mu.Unlock()
	for _, timer := range timers {
		if timer != nil {
			timer.Stop()
		}
	}
}

func eventName(outcome alarmapp.Outcome) string {
	if outcome.Kind == alarmapp.OutcomeUpdated {
		return "level_changed"
	}
	return string(outcome.Kind)
}

func (n *Notifier) site(ctx context.Context, siteID string) *masterdata.Site {
	if n.sites == nil || siteID == "" {
		return nil
	}
	site, err := n.sites.Get(ctx, siteID)
	if err != nil {
		n.logger.Debug("site lookup failed", zap.String("site_id", siteID), zap.Error(err))
		return nil
	}
	return site
}

func (n *Notifier) dispatch(ctx context.Context, event string, rec alarms.EventRecord, device *masterdata.Device) {
	site := n.site(ctx, rec.SiteID)
	reportURL := ""
	if n.reportURL != nil {
		reportURL = n.reportURL(ctx, rec, site)
	}
	content, err := n.template.Render(buildTemplateData(event, rec, device, site, reportURL))
	if err != nil {
		n.logger.Warn("render alarm notification failed", zap.String("event_id", rec.ID), zap.Error(err))
		return
	}
	if !n.shouldSend(rec.ID, event, content) {
		return
	}
	if err := n.channel.Send(ctx, content); err != nil {
		metrics.IncSinkPublish(sinkWebhook, metrics.ResultError)
		n.logger.Warn("alarm notification failed", zap.String("event_id", rec.ID), zap.String("event", event), zap.Error(err))
		return
	}
	metrics.IncSinkPublish(sinkWebhook, metrics.ResultSuccess)
	n.markSent(rec.ID, event, content)
}

func (n *Notifier) scheduleEscalation(rec alarms.EventRecord) {
	if n.escalation <= 0 || rec.ID == "" || rec.Level != alarms.LevelDanger {
		return
	}
	n.mu.Lock()
	if existing, ok := n.timers[rec.ID]; ok && existing != nil {
		existing.Stop()
	}
	id := rec.ID
	n.timers[id] = time.AfterFunc(n.escalation, func() {
		n.runEscalation(id)
	})
	n.mu.Unlock()
}

func (n *Notifier) cancelEscalation(id string) {
	if id == "" {
		return
	}
	n.mu.Lock()
	timer := n.timers[id]
	delete(n.timers, id)
	n.mu.Unlock()
	if timer != nil {
		timer.Stop()
	}
}

// runEscalation re-reads the event and re-sends only if it is still an
// unhandled DANGER alarm.
func (n *Notifier) runEscalation(id string) {
	n.mu.Lock()
	delete(n.timers, id)
	n.mu.Unlock()

	ctx := context.Background()
	if n.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.requestTimeout)
		defer cancel()
	}

	rec, err := n.events.Get(ctx, id)
	if err != nil || rec == nil {
		return
	}
	if rec.Status != alarms.StatusPending || rec.Level != alarms.LevelDanger {
		return
	}
	n.dispatch(ctx, "escalated", *rec, nil)
}

func buildTemplateData(event string, rec alarms.EventRecord, device *masterdata.Device, site *masterdata.Site, reportURL string) TemplateData {
	siteName := rec.SiteID
	if site != nil && site.Name != "" {
		siteName = site.Name
	}
	deviceName := rec.DeviceID
	if device != nil && device.Name != "" {
		deviceName = device.Name
	}
	value := rec.Value.String()
	if rec.Unit != "" {
		value += " " + rec.Unit
	}
	occurredAt := rec.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = rec.UpdatedAt
	}
	return TemplateData{
		Site:       siteName,
		SiteID:     rec.SiteID,
		Device:     deviceName,
		DeviceID:   rec.DeviceID,
		Field:      rec.FieldKey,
		Level:      string(rec.Level),
		Value:      value,
		Condition:  describeCondition(rec.Snapshot),
		OccurredAt: occurredAt.UTC().Format(time.RFC3339),
		Status:     rec.Status.Label(),
		StatusCode: string(rec.Status),
		Guide:      rec.GuideMessage,
		ReportURL:  reportURL,
		Event:      event,
		EventLabel: eventLabel(event),
	}
}

func eventLabel(event string) string {
	switch event {
	case "created":
		return "Triggered"
	case "level_changed":
		return "Level Changed"
	case "acknowledged":
		return "Acknowledged"
	case "cleared":
		return "Cleared"
	case "completed":
		return "Resolved"
	case "escalated":
		return "Escalated"
	default:
		return event
	}
}

// describeCondition renders the snapshot the event was raised under.
func describeCondition(spec alarms.ShapeSpec) string {
	switch shape := spec.Shape().(type) {
	case alarms.SingleShape:
		return fmt.Sprintf("%s %s", shape.Operator, formatFloat(shape.Threshold))
	case alarms.RangeShape:
		lowBracket, highBracket := "(", ")"
		if shape.Bounds.LowClosed() {
			lowBracket = "["
		}
		if shape.Bounds.HighClosed() {
			highBracket = "]"
		}
		return fmt.Sprintf("in %s%s, %s%s", lowBracket, formatFloat(shape.Low), formatFloat(shape.High), highBracket)
	case alarms.BooleanShape:
		return "is " + strconv.FormatBool(shape.Expected)
	default:
		return "-"
	}
}

func formatFloat(value float64) string {
	return fmt.Sprintf("%.2f", value)
}

func (n *Notifier) shouldSend(eventID, event, content string) bool {
	if n.cooldown <= 0 && n.dedupeWindow <= 0 {
		return true
	}
	key := notificationKey(eventID, event)
	now := n.clock.Now().UTC()

	n.mu.Lock()
	record, ok := n.sent[key]
	n.mu.Unlock()
	if !ok {
		return true
	}
	if n.cooldown > 0 && now.Sub(record.at) < n.cooldown {
		return false
	}
	if n.dedupeWindow > 0 && record.hash == hashContent(content) && now.Sub(record.at) < n.dedupeWindow {
		return false
	}
	return true
}

// markSent remembers a delivery for as long as cooldown or dedupe can still
// suppress a repeat, and sweeps expired entries once per that window.
func (n *Notifier) markSent(eventID, event, content string) {
	retention := max(n.cooldown, n.dedupeWindow)
	if retention <= 0 {
		return
	}
	now := n.clock.Now().UTC()
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent[notificationKey(eventID, event)] = sendRecord{at: now, hash: hashContent(content)}
	if now.Sub(n.lastPrune) < retention {
		return
	}
	for key, record := range n.sent {
		if now.Sub(record.at) >= retention {
			delete(n.sent, key)
		}
	}
	n.lastPrune = now
}

func notificationKey(eventID, event string) string {
	return eventID + "|" + event
}

func hashContent(content string) string {
	sum := sha1.Sum([]byte(content))
	return hex.EncodeToString(sum[:8])
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }
