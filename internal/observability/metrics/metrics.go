package metrics

import (
	"database/sql"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const (
	metricPrefix = "sensorguard_"

	ResultSuccess = "success"
	ResultError   = "error"
)

var (
	registerOnce sync.Once

	ingestRequests *prometheus.CounterVec
	ingestErrors   *prometheus.CounterVec
	ingestLatency  *prometheus.HistogramVec

	consumerLag *prometheus.GaugeVec

	readingsTotal    *prometheus.CounterVec
	ruleConfigErrors prometheus.Counter
	alarmEventsTotal *prometheus.CounterVec
	dispatchTotal    *prometheus.CounterVec
	dispatchLatency  prometheus.Histogram
	liveSessions     prometheus.Gauge
	sinkPublishTotal *prometheus.CounterVec
	exportTotal      *prometheus.CounterVec
	exportLatency    *prometheus.HistogramVec
)

// Init registers observability metrics and DB-backed gauges.
func Init(db *sql.DB, logger *zap.Logger) {
	registerOnce.Do(func() {
		ingestRequests = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "ingest_requests_total",
				Help: "Total notifications received by transport and result",
			},
			[]string{"transport", "result"},
		)
		ingestErrors = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "ingest_errors_total",
				Help: "Total rejected notifications by reason",
			},
			[]string{"reason"},
		)
		ingestLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "ingest_latency_seconds",
				Help:    "Notification handling latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"transport"},
		)

		consumerLag = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: metricPrefix + "event_consumer_lag_seconds",
				Help: "Consumer processing lag in seconds",
			},
			[]string{"consumer"},
		)

		readingsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "readings_total",
				Help: "Sensor readings by evaluation result",
			},
			[]string{"result"},
		)
		ruleConfigErrors = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "rule_configuration_errors_total",
				Help: "Rules skipped because they cannot be evaluated",
			},
		)
		alarmEventsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "alarm_events_total",
				Help: "Total alarm lifecycle outcomes by type",
			},
			[]string{"event"},
		)
		dispatchTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "alarm_deliveries_total",
				Help: "Live session deliveries by result",
			},
			[]string{"result"},
		)
		dispatchLatency = prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "alarm_dispatch_latency_seconds",
				Help:    "Time to fan one alarm out to all sessions",
				Buckets: prometheus.DefBuckets,
			},
		)
		liveSessions = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: metricPrefix + "live_sessions",
				Help: "Connected live alarm sessions",
			},
		)
		sinkPublishTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "sink_publish_total",
				Help: "External alarm sink publishes by sink and result",
			},
			[]string{"sink", "result"},
		)
		exportTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "event_export_total",
				Help: "Total event exports by format and result",
			},
			[]string{"format", "result"},
		)
		exportLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "event_export_latency_seconds",
				Help:    "Event export latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"format"},
		)

		prometheus.MustRegister(
			ingestRequests,
			ingestErrors,
			ingestLatency,
			consumerLag,
			readingsTotal,
			ruleConfigErrors,
			alarmEventsTotal,
			dispatchTotal,
			dispatchLatency,
			liveSessions,
			sinkPublishTotal,
			exportTotal,
			exportLatency,
		)

		if db != nil {
			registerDBMetrics(db, logger)
		}
	})
}

// ObserveIngest records notification handling duration and result.
func ObserveIngest(transport, result string, duration time.Duration) {
	if result == "" {
		result = ResultSuccess
	}
	if ingestRequests != nil {
		ingestRequests.WithLabelValues(transport, result).Inc()
	}
	if ingestLatency != nil {
		ingestLatency.WithLabelValues(transport).Observe(duration.Seconds())
	}
}

// IncIngestError increments the rejected notification counter.
func IncIngestError(reason string) {
	if reason == "" {
		reason = "unknown"
	}
	if ingestErrors != nil {
		ingestErrors.WithLabelValues(reason).Inc()
	}
}

// ObserveConsumerLag sets consumer lag in seconds.
func ObserveConsumerLag(consumer string, lag time.Duration) {
	if consumer == "" {
		consumer = "unknown"
	}
	if lag < 0 {
		lag = 0
	}
	if consumerLag != nil {
		consumerLag.WithLabelValues(consumer).Set(lag.Seconds())
	}
}

// IncReading counts a reading by result (evaluated, unresolved, duplicate).
func IncReading(result string) {
	if readingsTotal != nil {
		readingsTotal.WithLabelValues(result).Inc()
	}
}

// IncRuleConfigError counts a skipped misconfigured rule.
func IncRuleConfigError() {
	if ruleConfigErrors != nil {
		ruleConfigErrors.Inc()
	}
}

// IncAlarmEvent increments alarm lifecycle outcome counter.
func IncAlarmEvent(event string) {
	if event == "" {
		event = "unknown"
	}
	if alarmEventsTotal != nil {
		alarmEventsTotal.WithLabelValues(event).Inc()
	}
}

// ObserveDispatch records one fan-out.
func ObserveDispatch(delivered, failed int, duration time.Duration) {
	if dispatchTotal != nil {
		dispatchTotal.WithLabelValues("delivered").Add(float64(delivered))
		dispatchTotal.WithLabelValues("failed").Add(float64(failed))
	}
	if dispatchLatency != nil {
		dispatchLatency.Observe(duration.Seconds())
	}
}

// SetLiveSessions sets the connected session gauge.
func SetLiveSessions(count int) {
	if liveSessions != nil {
		liveSessions.Set(float64(count))
	}
}

// IncSinkPublish counts an external sink publish.
func IncSinkPublish(sink, result string) {
	if sinkPublishTotal != nil {
		sinkPublishTotal.WithLabelValues(sink, result).Inc()
	}
}

// ObserveExport records event export duration and result.
func ObserveExport(format, result string, duration time.Duration) {
	if result == "" {
		result = ResultSuccess
	}
	if exportTotal != nil {
		exportTotal.WithLabelValues(format, result).Inc()
	}
	if exportLatency != nil {
		exportLatency.WithLabelValues(format).Observe(duration.Seconds())
	}
}
