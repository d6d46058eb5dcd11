package metrics

import (
	"database/sql"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

func registerDBMetrics(db *sql.DB, logger *zap.Logger) {
	prometheus.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: metricPrefix + "open_events",
			Help: "Event records not yet completed",
		},
		func() float64 {
			return queryCount(db, logger, "SELECT COUNT(*) FROM event_records WHERE status <> 'COMPLETED'")
		},
	))

	prometheus.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: metricPrefix + "rejected_notifications",
			Help: "Stored notifications that failed to decode",
		},
		func() float64 {
			return queryCount(db, logger, "SELECT COUNT(*) FROM rejected_notifications")
		},
	))
}

func queryCount(db *sql.DB, logger *zap.Logger, query string) float64 {
	if db == nil {
		return 0
	}
	var count int64
	if err := db.QueryRow(query).Scan(&count); err != nil {
		if logger != nil {
			logger.Warn("metrics query failed", zap.Error(err))
		}
		return 0
	}
	if count < 0 {
		return 0
	}
	return float64(count)
}
