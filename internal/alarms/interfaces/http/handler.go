package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	alarmapp "sensorguard-cloud/internal/alarms/application"
	alarms "sensorguard-cloud/internal/alarms/domain"
	"sensorguard-cloud/internal/audit"
	"sensorguard-cloud/internal/auth"
	"sensorguard-cloud/internal/observability/metrics"
)

const (
	timeLayout = time.RFC3339

	eventsPath    = "/api/v1/events"
	ruleCachePath = "/api/v1/rules/cache"

	defaultListLimit = 200
	maxListLimit     = 1000
	maxExportRows    = 5000
)

var (
	errSiteForbidden = errors.New("site access denied")
	errSiteRequired  = errors.New("site_id is required")
)

// RuleCacheInvalidator drops cached condition rules.
type RuleCacheInvalidator interface {
	Invalidate(ctx context.Context, objectID string) (int, error)
}

// Handler provides event record and rule cache endpoints.
type Handler struct {
	service *alarmapp.Service
	sites   auth.SiteAccessChecker
	cache   RuleCacheInvalidator
	audit   audit.Logger
	logger  *zap.Logger
	now     func() time.Time
}

// HandlerOption configures the handler.
type HandlerOption func(*Handler)

// WithRuleCache enables DELETE /api/v1/rules/cache.
func WithRuleCache(cache RuleCacheInvalidator) HandlerOption {
	return func(h *Handler) {
		h.cache = cache
	}
}

// WithAuditLogger records operator actions.
func WithAuditLogger(logger audit.Logger) HandlerOption {
	return func(h *Handler) {
		h.audit = logger
	}
}

// WithHandlerLogger assigns a logger.
func WithHandlerLogger(logger *zap.Logger) HandlerOption {
	return func(h *Handler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// NewHandler constructs a handler. A nil site checker leaves reads unscoped.
func NewHandler(service *alarmapp.Service, sites auth.SiteAccessChecker, opts ...HandlerOption) (*Handler, error) {
	if service == nil {
		return nil, errors.New("alarms handler: nil service")
	}
	h := &Handler{
		service: service,
		sites:   sites,
		logger:  zap.NewNop(),
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// ServeHTTP handles /api/v1/events, its subroutes and /api/v1/rules/cache.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == eventsPath:
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.handleList(w, r)
	case r.URL.Path == eventsPath+"/export.xlsx":
		h.handleExport(w, r, "xlsx")
	case r.URL.Path == eventsPath+"/export.pdf":
		h.handleExport(w, r, "pdf")
	case strings.HasPrefix(r.URL.Path, eventsPath+"/"):
		h.handleEvent(w, r)
	case r.URL.Path == ruleCachePath:
		h.handleRuleCache(w, r)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r, defaultListLimit, maxListLimit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.ensureFilterScope(r, filter); err != nil {
		respondAccessError(w, err)
		return
	}

	list, err := h.service.ListEvents(r.Context(), filter)
	if err != nil {
		h.logger.Error("list events failed", zap.Error(err))
		http.Error(w, "list events failed", http.StatusInternalServerError)
		return
	}
	if list == nil {
		list = []alarms.EventRecord{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request, format string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	start := time.Now()
	filter, err := parseFilter(r, maxExportRows, maxExportRows)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.ensureFilterScope(r, filter); err != nil {
		respondAccessError(w, err)
		return
	}

	list, err := h.service.ListEvents(r.Context(), filter)
	if err != nil {
		metrics.ObserveExport(format, metrics.ResultError, time.Since(start))
		h.logger.Error("export events failed", zap.String("format", format), zap.Error(err))
		http.Error(w, "export failed", http.StatusInternalServerError)
		return
	}

	var (
		body        []byte
		contentType string
	)
	switch format {
	case "xlsx":
		body, err = BuildEventsXLSX(list, h.now())
		contentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	default:
		body, err = BuildEventsPDF(list, h.now())
		contentType = "application/pdf"
	}
	if err != nil {
		metrics.ObserveExport(format, metrics.ResultError, time.Since(start))
		h.logger.Error("render export failed", zap.String("format", format), zap.Error(err))
		http.Error(w, "export failed", http.StatusInternalServerError)
		return
	}
	metrics.ObserveExport(format, metrics.ResultSuccess, time.Since(start))

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", `attachment; filename="events-`+h.now().Format("20060102T150405")+`.`+format+`"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func (h *Handler) handleEvent(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, eventsPath+"/")
	parts := strings.Split(path, "/")
	if len(parts) == 0 || len(parts) > 2 || parts[0] == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	id := parts[0]

	rec, err := h.service.GetEvent(r.Context(), id)
	if err != nil {
		respondEventError(w, err)
		return
	}
	if err := h.ensureSite(r, rec.SiteID); err != nil {
		respondAccessError(w, err)
		return
	}

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, http.StatusOK, rec)
		return
	}

	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var action string
	switch parts[1] {
	case "ack":
		action = audit.ActionEventAcknowledge
		rec, err = h.service.AcknowledgeEvent(r.Context(), id)
	case "complete":
		action = audit.ActionEventComplete
		rec, err = h.service.CompleteEvent(r.Context(), id)
	default:
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if err != nil {
		respondEventError(w, err)
		return
	}
	h.logAudit(r, action, rec.ID, rec.SiteID, map[string]any{"status": rec.Status, "level": rec.Level})
	writeJSON(w, http.StatusOK, rec)
}

func (h *Handler) handleRuleCache(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h.cache == nil {
		http.Error(w, "rule cache disabled", http.StatusNotFound)
		return
	}
	objectID := strings.TrimSpace(r.URL.Query().Get("object_id"))
	removed, err := h.cache.Invalidate(r.Context(), objectID)
	if err != nil {
		h.logger.Error("rule cache invalidate failed", zap.String("object_id", objectID), zap.Error(err))
		http.Error(w, "invalidate failed", http.StatusBadGateway)
		return
	}
	h.logAudit(r, audit.ActionRuleCacheFlush, objectID, "", map[string]any{"removed": removed})
	writeJSON(w, http.StatusOK, map[string]any{"object_id": objectID, "removed": removed})
}

func (h *Handler) logAudit(r *http.Request, action, resourceID, siteID string, meta map[string]any) {
	if h.audit == nil {
		return
	}
	resourceType := audit.ResourceEventRecord
	if action == audit.ActionRuleCacheFlush {
		resourceType = "rule_cache"
	}
	payload, _ := json.Marshal(meta)
	err := h.audit.Log(r.Context(), audit.Entry{
		Actor:        auth.UserIDFromContext(r.Context()),
		Role:         string(auth.RoleFromContext(r.Context())),
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		SiteID:       siteID,
		Metadata:     payload,
		IP:           audit.ClientIP(r),
		UserAgent:    r.UserAgent(),
	})
	if err != nil {
		h.logger.Warn("audit log failed", zap.String("action", action), zap.Error(err))
	}
}

// ensureFilterScope requires non-admin callers to name a readable site.
func (h *Handler) ensureFilterScope(r *http.Request, filter alarms.EventFilter) error {
	if h.sites == nil || auth.RoleFromContext(r.Context()) == auth.RoleAdmin {
		return nil
	}
	if filter.SiteID == "" {
		return errSiteRequired
	}
	return h.ensureSite(r, filter.SiteID)
}

func (h *Handler) ensureSite(r *http.Request, siteID string) error {
	if h.sites == nil || auth.RoleFromContext(r.Context()) == auth.RoleAdmin {
		return nil
	}
	ok, err := h.sites.CanReadSite(r.Context(), auth.UserIDFromContext(r.Context()), siteID)
	if err != nil {
		h.logger.Error("site access check failed", zap.String("site_id", siteID), zap.Error(err))
		return err
	}
	if !ok {
		return errSiteForbidden
	}
	return nil
}

func respondAccessError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, errSiteForbidden):
		http.Error(w, "forbidden", http.StatusForbidden)
	case errors.Is(err, errSiteRequired):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		http.Error(w, "site access check failed", http.StatusInternalServerError)
	}
}

func respondEventError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, alarms.ErrNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	case errors.Is(err, alarms.ErrInvalidTransition), errors.Is(err, alarms.ErrConcurrencyConflict):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func parseFilter(r *http.Request, defaultLimit, maxLimit int) (alarms.EventFilter, error) {
	query := r.URL.Query()
	filter := alarms.EventFilter{
		DeviceID: strings.TrimSpace(query.Get("device_id")),
		SiteID:   strings.TrimSpace(query.Get("site_id")),
		Limit:    defaultLimit,
	}
	if raw := strings.TrimSpace(query.Get("status")); raw != "" {
		status := alarms.Status(strings.ToUpper(raw))
		switch status {
		case alarms.StatusPending, alarms.StatusWorking, alarms.StatusCompleted:
			filter.Status = status
		default:
			return filter, errors.New("status must be PENDING, WORKING or COMPLETED")
		}
	}
	var err error
	if filter.From, err = parseTimeQuery(r, "from"); err != nil {
		return filter, err
	}
	if filter.To, err = parseTimeQuery(r, "to"); err != nil {
		return filter, err
	}
	if !filter.From.IsZero() && !filter.To.IsZero() && !filter.To.After(filter.From) {
		return filter, errors.New("to must be after from")
	}
	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			return filter, errors.New("limit must be a positive integer")
		}
		if limit > maxLimit {
			limit = maxLimit
		}
		filter.Limit = limit
	}
	return filter, nil
}

func parseTimeQuery(r *http.Request, key string) (time.Time, error) {
	value := r.URL.Query().Get(key)
	if value == "" {
		return time.Time{}, nil
	}
	parsed, err := time.Parse(timeLayout, value)
	if err != nil {
		return time.Time{}, errors.New(key + " must be RFC3339")
	}
	return parsed.UTC(), nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
