package main

import (
	"bufio"
	"context"
	"database/sql"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	alarmapp "sensorguard-cloud/internal/alarms/application"
	alarms "sensorguard-cloud/internal/alarms/domain"
	alarmrepo "sensorguard-cloud/internal/alarms/infrastructure/postgres"
	"sensorguard-cloud/internal/alarms/infrastructure/rediscache"
	alarmhttp "sensorguard-cloud/internal/alarms/interfaces/http"
	alarmnotify "sensorguard-cloud/internal/alarms/notify"
	"sensorguard-cloud/internal/audit"
	"sensorguard-cloud/internal/auth"
	"sensorguard-cloud/internal/config"
	"sensorguard-cloud/internal/eventing"
	eventingrepo "sensorguard-cloud/internal/eventing/infrastructure/postgres"
	masterdata "sensorguard-cloud/internal/masterdata/domain"
	masterdatarepo "sensorguard-cloud/internal/masterdata/infrastructure/postgres"
	"sensorguard-cloud/internal/observability/logging"
	"sensorguard-cloud/internal/observability/metrics"
	"sensorguard-cloud/internal/sessions"
	"sensorguard-cloud/internal/telemetry/interfaces/onem2m"
)

const (
	serviceName        = "sensorguard-cloud"
	processedRetention = 7 * 24 * time.Hour
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		_, _ = os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(1)
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat, serviceName)
	if err != nil {
		_, _ = os.Stderr.WriteString("logger error: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	db, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("db open error", zap.Error(err))
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		logger.Fatal("db ping error", zap.Error(err))
	}
	metrics.Init(db, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eventRepo := alarmrepo.NewEventRepository(db)
	ruleRepo := alarmrepo.NewRuleRepository(db)
	deviceRepo := masterdatarepo.NewDeviceRepository(db)
	siteRepo := masterdatarepo.NewSiteRepository(db)
	permissionRepo := auth.NewPermissionRepository(db)
	processedStore := eventingrepo.NewProcessedStore(db)
	rejectedStore := eventingrepo.NewRejectedStore(db)

	var ruleSource alarmapp.RuleSource = ruleRepo
	var ruleCache *rediscache.RuleCache
	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Warn("redis unreachable, rule cache falls back to postgres", zap.Error(err))
		}
		ruleCache, err = rediscache.NewRuleCache(redisClient, ruleRepo,
			rediscache.WithTTL(cfg.Redis.RuleCacheTTL),
			rediscache.WithLogger(logger))
		if err != nil {
			logger.Fatal("rule cache error", zap.Error(err))
		}
		ruleSource = ruleCache
	}

	registry := sessions.NewRegistry(sessions.WithSizeObserver(metrics.SetLiveSessions))
	dispatcher, err := alarmapp.NewDispatcher(registry, permissionRepo,
		alarmapp.WithSendTimeout(cfg.Dispatch.SendTimeout),
		alarmapp.WithPermissionTimeout(cfg.Dispatch.PermissionTimeout),
		alarmapp.WithDispatcherLogger(logger))
	if err != nil {
		logger.Fatal("dispatcher error", zap.Error(err))
	}

	notifiers := []alarmapp.AlarmNotifier{dispatcher}
	var webhook *alarmnotify.Notifier
	if cfg.Webhook.URL != "" {
		webhook, err = buildWebhookNotifier(cfg.Webhook, siteRepo, eventRepo, logger)
		if err != nil {
			logger.Fatal("alarm webhook error", zap.Error(err))
		}
		notifiers = append(notifiers, webhook)
	}
	var kafkaSink *alarmnotify.KafkaSink
	if len(cfg.Kafka.Brokers) > 0 {
		producer, err := alarmnotify.NewSyncProducer(cfg.Kafka.Brokers, cfg.Kafka.ClientID)
		if err != nil {
			logger.Fatal("kafka producer error", zap.Error(err))
		}
		kafkaSink, err = alarmnotify.NewKafkaSink(producer,
			alarmnotify.WithTopic(cfg.Kafka.Topic),
			alarmnotify.WithKafkaLogger(logger))
		if err != nil {
			logger.Fatal("kafka sink error", zap.Error(err))
		}
		notifiers = append(notifiers, kafkaSink)
	}

	lifecycle, err := alarmapp.NewLifecycleManager(eventRepo, alarmapp.WithLifecycleLogger(logger))
	if err != nil {
		logger.Fatal("lifecycle manager error", zap.Error(err))
	}
	alarmService, err := alarmapp.NewService(ruleSource, deviceRepo, eventRepo, lifecycle,
		alarmapp.WithNotifier(alarmnotify.NewMultiNotifier(notifiers...)),
		alarmapp.WithLogger(logger))
	if err != nil {
		logger.Fatal("alarm service error", zap.Error(err))
	}

	bus := eventing.NewInMemoryBus()
	alarmapp.WireAlarmsEventBus(bus, alarmService, eventing.NewLayeredProcessedStore(processedStore, cfg.Dispatch.ProcessedLimit))

	ingestor, err := onem2m.NewIngestor(onem2m.NewDecoder(), bus,
		onem2m.WithRejectionRecorder(rejectedStore),
		onem2m.WithIngestLogger(logger))
	if err != nil {
		logger.Fatal("ingestor error", zap.Error(err))
	}
	notifyHandler, err := onem2m.NewNotifyHandler(ingestor, cfg.Auth.IngestMaxBody, logger)
	if err != nil {
		logger.Fatal("notify handler error", zap.Error(err))
	}

	var subscriber *onem2m.MQTTSubscriber
	if cfg.MQTT.Broker != "" {
		client, err := onem2m.NewMQTTClient(onem2m.MQTTConfig{
			Broker:   cfg.MQTT.Broker,
			ClientID: cfg.MQTT.ClientID,
			Username: cfg.MQTT.Username,
			Password: cfg.MQTT.Password,
		})
		if err != nil {
			logger.Fatal("mqtt connect error", zap.Error(err))
		}
		subscriber, err = onem2m.NewMQTTSubscriber(client, ingestor, cfg.MQTT.AEID,
			onem2m.WithTopic(cfg.MQTT.Topic),
			onem2m.WithQoS(byte(cfg.MQTT.QoS)),
			onem2m.WithMQTTLogger(logger))
		if err != nil {
			logger.Fatal("mqtt subscriber error", zap.Error(err))
		}
		if err := subscriber.Start(ctx); err != nil {
			logger.Fatal("mqtt subscribe error", zap.Error(err))
		}
	}

	sessionOpts := []sessions.HandlerOption{
		sessions.WithHeartbeat(cfg.Dispatch.Heartbeat),
		sessions.WithQueueSize(cfg.Dispatch.QueueSize),
	}
	if len(cfg.CORSOrigins) > 0 {
		sessionOpts = append(sessionOpts, sessions.WithCheckOrigin(allowOrigins(cfg.CORSOrigins)))
	}
	sessionHandler, err := sessions.NewHandler(registry, logger, sessionOpts...)
	if err != nil {
		logger.Fatal("session handler error", zap.Error(err))
	}

	handlerOpts := []alarmhttp.HandlerOption{
		alarmhttp.WithAuditLogger(audit.NewRepository(db)),
		alarmhttp.WithHandlerLogger(logger),
	}
	if ruleCache != nil {
		handlerOpts = append(handlerOpts, alarmhttp.WithRuleCache(ruleCache))
	}
	alarmHandler, err := alarmhttp.NewHandler(alarmService, permissionRepo, handlerOpts...)
	if err != nil {
		logger.Fatal("alarm handler error", zap.Error(err))
	}

	policy := auth.NewDefaultPolicy([]string{"/healthz", "/metrics"}, []string{"/notify/"})
	authMiddleware := auth.NewMiddleware([]byte(cfg.Auth.JWTSecret), policy)
	ingestAuth := auth.NewIngestAuthMiddleware([]byte(cfg.Auth.IngestSecret), cfg.Auth.IngestMaxSkew, cfg.Auth.IngestMaxBody)

	mux := http.NewServeMux()
	mux.Handle("/notify/onem2m", ingestAuth.Wrap(notifyHandler))
	mux.HandleFunc("/api/v1/alarms/ws", sessionHandler.ServeWebSocket)
	mux.HandleFunc("/api/v1/alarms/stream", sessionHandler.ServeStream)
	mux.Handle("/api/v1/events", alarmHandler)
	mux.Handle("/api/v1/events/", alarmHandler)
	mux.Handle("/api/v1/rules/cache", alarmHandler)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	var handler http.Handler = authMiddleware.Wrap(mux)
	if len(cfg.CORSOrigins) > 0 {
		handler = cors.New(cors.Options{
			AllowedOrigins:   cfg.CORSOrigins,
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
			AllowedHeaders:   []string{"Authorization", "Content-Type"},
			AllowCredentials: true,
		}).Handler(handler)
	}
	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           loggingMiddleware(handler, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go pruneProcessed(ctx, processedStore, logger)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http listening", zap.String("addr", cfg.HTTPAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		logger.Error("http server error", zap.Error(err))
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()
	if subscriber != nil {
		subscriber.Stop()
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown error", zap.Error(err))
	}
	if webhook != nil {
		webhook.Close()
	}
	if kafkaSink != nil {
		if err := kafkaSink.Close(); err != nil {
			logger.Warn("kafka close error", zap.Error(err))
		}
	}
	if redisClient != nil {
		_ = redisClient.Close()
	}
}

func buildWebhookNotifier(cfg config.WebhookConfig, sites alarmnotify.SiteReader, events alarmnotify.EventReader, logger *zap.Logger) (*alarmnotify.Notifier, error) {
	tpl, err := alarmnotify.NewTemplate(cfg.Template)
	if err != nil {
		return nil, err
	}
	channelOpts := []alarmnotify.WebhookOption{alarmnotify.WithHTTPClient(&http.Client{Timeout: cfg.Timeout})}
	if cfg.Token != "" {
		channelOpts = append(channelOpts, alarmnotify.WithHeader("Authorization", "Bearer "+cfg.Token))
	}
	channel, err := alarmnotify.NewWebhookChannel(cfg.URL, channelOpts...)
	if err != nil {
		return nil, err
	}
	opts := []alarmnotify.Option{
		alarmnotify.WithEscalation(cfg.EscalationAfter),
		alarmnotify.WithCooldown(cfg.Cooldown),
		alarmnotify.WithDedupeWindow(cfg.DedupeWindow),
		alarmnotify.WithRequestTimeout(cfg.Timeout),
		alarmnotify.WithLogger(logger),
	}
	if resolver := buildEventLinkResolver(cfg.ReportBaseURL); resolver != nil {
		opts = append(opts, alarmnotify.WithReportURLResolver(resolver))
	}
	return alarmnotify.NewNotifier(sites, events, channel, tpl, opts...)
}

func buildEventLinkResolver(baseURL string) alarmnotify.ReportURLResolver {
	if baseURL == "" {
		return nil
	}
	baseURL = strings.TrimRight(baseURL, "/")
	return func(_ context.Context, rec alarms.EventRecord, _ *masterdata.Site) string {
		if rec.ID == "" {
			return ""
		}
		return baseURL + "/api/v1/events/" + rec.ID
	}
}

func allowOrigins(origins []string) func(r *http.Request) bool {
	allowed := make(map[string]struct{}, len(origins))
	for _, origin := range origins {
		allowed[strings.TrimRight(origin, "/")] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		if _, ok := allowed["*"]; ok {
			return true
		}
		_, ok := allowed[origin]
		return ok
	}
}

func pruneProcessed(ctx context.Context, store *eventingrepo.ProcessedStore, logger *zap.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case tick := <-ticker.C:
			removed, err := store.PruneBefore(ctx, tick.UTC().Add(-processedRetention))
			if err != nil {
				logger.Warn("prune processed events failed", zap.Error(err))
				continue
			}
			if removed > 0 {
				logger.Debug("processed events pruned", zap.Int64("rows", removed))
			}
		}
	}
}

func loggingMiddleware(next http.Handler, logger *zap.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		resp := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(resp, r)
		logger.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", resp.status),
			zap.Duration("duration", time.Since(start)))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// Flush keeps server-sent event streams working through the wrapper.
func (w *statusWriter) Flush() {
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Hijack lets WebSocket upgrades pass through the wrapper.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("http: response does not support hijacking")
	}
	return hijacker.Hijack()
}
